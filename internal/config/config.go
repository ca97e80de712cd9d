// Package config holds the server's runtime settings. Every flag takes its
// default from an environment variable so the binary can be driven by a .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"token-watch/internal/domain"
	"token-watch/internal/oracle"
	"token-watch/internal/session"
	"token-watch/internal/storage/jsonfile"
)

// Same-mint policies.
const (
	DedupNone = "none"
	DedupSkip = "skip"
)

// Config is the full server configuration.
type Config struct {
	Host        string
	Port        int
	MetricsAddr string
	Debug       bool

	DataPath     string
	StoreRetries int
	StoreBackoff time.Duration

	PriceCommand     string
	PriceDir         string
	LiquidityCommand string
	LiquidityDir     string
	OracleTimeout    time.Duration

	ReferenceMint string
	MaxRetries    int
	RetryDelay    time.Duration
	PollDelay     time.Duration
	Window        time.Duration
	StartupMint   string

	RateLimit   float64 // 0 or +Inf disables inbound limiting
	RateBurst   int
	StrictMints bool
	Dedup       string
	RedisURL    string

	UseMemory     bool
	PostgresDSN   string
	ClickhouseDSN string
	KafkaBrokers  string
	KafkaTopic    string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:        "",
		Port:        6789,
		MetricsAddr: ":9090",

		DataPath:     jsonfile.DefaultPath,
		StoreRetries: jsonfile.DefaultMaxRetries,
		StoreBackoff: jsonfile.DefaultBackoffBase,

		PriceCommand:     "npx tsx fetchPrices.ts",
		PriceDir:         "./getPrice",
		LiquidityCommand: "node get-pools-by-token.js",
		LiquidityDir:     "./getLiquidityFromMint",
		OracleTimeout:    oracle.DefaultTimeout,

		ReferenceMint: domain.DefaultReferenceMint,
		MaxRetries:    session.DefaultMaxRetries,
		RetryDelay:    session.DefaultRetryDelay,
		PollDelay:     session.DefaultPollDelay,
		Window:        session.DefaultWindow,

		RateBurst: 10,
		Dedup:     DedupNone,

		KafkaTopic: "token-records",
	}
}

// LoadEnv loads a .env file without overriding variables already set.
// A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// RegisterFlags binds c's fields to fs. Defaults come from c, overridden by
// the matching environment variable when it is set and parses.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", envString("HOST", c.Host), "WebSocket listen host (empty for all interfaces)")
	fs.IntVar(&c.Port, "port", envInt("PORT", c.Port), "WebSocket listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", envString("METRICS_ADDR", c.MetricsAddr), "HTTP address for /health, /metrics, /status and /records")
	fs.BoolVar(&c.Debug, "debug", envBool("DEBUG", c.Debug), "Enable diagnostic logging")

	fs.StringVar(&c.DataPath, "data-path", envString("DATA_PATH", c.DataPath), "Result document path")
	fs.IntVar(&c.StoreRetries, "store-retries", envInt("STORE_RETRIES", c.StoreRetries), "Result document write attempts before giving up")
	fs.DurationVar(&c.StoreBackoff, "store-backoff", envDuration("STORE_BACKOFF", c.StoreBackoff), "Base wait between result document write attempts")

	fs.StringVar(&c.PriceCommand, "price-cmd", envString("PRICE_CMD", c.PriceCommand), "Price oracle command; the mint is appended")
	fs.StringVar(&c.PriceDir, "price-dir", envString("PRICE_DIR", c.PriceDir), "Working directory of the price oracle")
	fs.StringVar(&c.LiquidityCommand, "liquidity-cmd", envString("LIQUIDITY_CMD", c.LiquidityCommand), "Liquidity oracle command; the mint is appended")
	fs.StringVar(&c.LiquidityDir, "liquidity-dir", envString("LIQUIDITY_DIR", c.LiquidityDir), "Working directory of the liquidity oracle")
	fs.DurationVar(&c.OracleTimeout, "oracle-timeout", envDuration("ORACLE_TIMEOUT", c.OracleTimeout), "Timeout for one oracle process")

	fs.StringVar(&c.ReferenceMint, "reference-mint", envString("REFERENCE_MINT", c.ReferenceMint), "Mint that is never observed")
	fs.IntVar(&c.MaxRetries, "max-retries", envInt("MAX_RETRIES", c.MaxRetries), "Initial price retries after the first attempt")
	fs.DurationVar(&c.RetryDelay, "retry-delay", envDuration("RETRY_DELAY", c.RetryDelay), "Wait before each initial price retry")
	fs.DurationVar(&c.PollDelay, "poll-delay", envDuration("POLL_DELAY", c.PollDelay), "Wait between initial pricing and polling")
	fs.DurationVar(&c.Window, "window", envDuration("WINDOW", c.Window), "Observation window length")
	fs.StringVar(&c.StartupMint, "startup-mint", envString("STARTUP_MINT", c.StartupMint), "Mint to observe once at startup")

	fs.Float64Var(&c.RateLimit, "rate-limit", envFloat("RATE_LIMIT", c.RateLimit), "Inbound frames per second per connection; 0 or inf for unlimited")
	fs.IntVar(&c.RateBurst, "rate-burst", envInt("RATE_BURST", c.RateBurst), "Inbound frame burst per connection")
	fs.BoolVar(&c.StrictMints, "strict-mints", envBool("STRICT_MINTS", c.StrictMints), "Drop frames that are not valid mint addresses")
	fs.StringVar(&c.Dedup, "dedup", envString("DEDUP", c.Dedup), "Same-mint policy: none or skip")
	fs.StringVar(&c.RedisURL, "redis-url", envString("REDIS_URL", c.RedisURL), "Redis address for the shared same-mint guard")

	fs.BoolVar(&c.UseMemory, "use-memory", envBool("USE_MEMORY", c.UseMemory), "Keep records in memory instead of the result document")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", envString("POSTGRES_DSN", c.PostgresDSN), "PostgreSQL mirror connection string")
	fs.StringVar(&c.ClickhouseDSN, "clickhouse-dsn", envString("CLICKHOUSE_DSN", c.ClickhouseDSN), "ClickHouse mirror connection string")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", envString("KAFKA_BROKERS", c.KafkaBrokers), "Comma-separated Kafka brokers for record publishing")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", envString("KAFKA_TOPIC", c.KafkaTopic), "Kafka topic for record publishing")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Dedup != DedupNone && c.Dedup != DedupSkip:
		return fmt.Errorf("dedup must be %q or %q, got %q", DedupNone, DedupSkip, c.Dedup)
	case c.PriceCommand == "":
		return errors.New("price command is required")
	case c.LiquidityCommand == "":
		return errors.New("liquidity command is required")
	case c.OracleTimeout <= 0:
		return errors.New("oracle timeout must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	case c.RetryDelay < 0 || c.PollDelay < 0 || c.Window < 0:
		return errors.New("delays and window must not be negative")
	case c.StoreRetries < 1:
		return fmt.Errorf("store retries must be at least 1, got %d", c.StoreRetries)
	case c.RateLimit < 0 || math.IsNaN(c.RateLimit):
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	case c.RateLimit > 0 && !math.IsInf(c.RateLimit, 1) && c.RateBurst < 1:
		return errors.New("rate burst must be positive when a rate limit is set")
	case !c.UseMemory && c.DataPath == "":
		return errors.New("data path is required")
	}
	return nil
}

// Addr returns the WebSocket listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
