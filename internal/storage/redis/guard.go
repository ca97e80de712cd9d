// Package redis provides a Redis-backed same-mint session guard, so several
// server instances can share one in-flight set.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"token-watch/internal/session"
)

// DefaultLeaseTTL outlives a default session (60s window plus retries) with margin.
const DefaultLeaseTTL = 5 * time.Minute

const keyPrefix = "token-watch:session:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient connects to addr, which may be host:port or a redis:// URL.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Guard implements session.Guard with SET NX leases.
type Guard struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewGuard creates a Guard. A zero ttl uses DefaultLeaseTTL.
func NewGuard(client *redis.Client, ttl time.Duration, logger *log.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Guard{client: client, ttl: ttl, logger: logger}
}

// TryAcquire sets the mint's lease key if absent.
func (g *Guard) TryAcquire(ctx context.Context, mint string) (func(), error) {
	key := keyPrefix + mint
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis set %s: %w", key, err)
	}
	if !ok {
		return nil, session.ErrSessionInFlight
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			g.logger.Printf("release lease for %s: %v", mint, err)
		}
	}, nil
}

var _ session.Guard = (*Guard)(nil)
