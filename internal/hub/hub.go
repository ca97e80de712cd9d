// Package hub implements the WebSocket broadcast hub: it announces session
// lifecycle messages to every client and forwards inbound mints to a dispatcher.
package hub

import (
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"token-watch/internal/domain"
	"token-watch/internal/observability"
)

// Lifecycle messages.
const (
	MessageStart = "Start."
	MessageStop  = "Stop Completely."
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// Defaults for Options.
const (
	DefaultRateBurst  = 10
	DefaultSendBuffer = 16
)

// Dispatcher receives mints from clients. It must not block.
type Dispatcher interface {
	Dispatch(mint string) error
}

// Options configures a Hub.
type Options struct {
	Dispatcher Dispatcher
	RateLimit  rate.Limit // Frames/s per connection. Zero means unlimited.
	RateBurst  int        // Default: 10; ignored when unlimited
	// StrictMints drops frames that are not a valid 32-byte base58 address.
	StrictMints bool
	SendBuffer  int // Default: 16 queued messages per client
	Logger      *log.Logger
}

// Hub owns the set of connected clients.
type Hub struct {
	dispatcher  Dispatcher
	rateLimit   rate.Limit
	rateBurst   int
	strictMints bool
	sendBuffer  int
	logger      *log.Logger
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a Hub.
func New(opts Options) *Hub {
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = rate.Inf
	}
	rateBurst := opts.RateBurst
	if rateBurst == 0 {
		rateBurst = DefaultRateBurst
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Hub{
		dispatcher:  opts.Dispatcher,
		rateLimit:   rateLimit,
		rateBurst:   rateBurst,
		strictMints: opts.StrictMints,
		sendBuffer:  sendBuffer,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are not authenticated; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request, registers the client and announces
// MessageStart to everyone. It returns when the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(h.rateLimit, h.rateBurst),
	}

	if !h.register(c) {
		c.close()
		return
	}
	h.logger.Printf("client %s connected from %s", c.id, r.RemoteAddr)

	go h.writePump(c)
	h.Broadcast(MessageStart)
	h.readPump(c)
}

// Broadcast queues msg for every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(msg string) {
	observability.RecordBroadcast(msg)
	payload := []byte(msg)

	for _, c := range h.snapshot() {
		select {
		case c.send <- payload:
		default:
			h.logger.Printf("client %s send buffer full, dropping", c.id)
			h.unregister(c)
		}
	}
}

// Shutdown writes MessageStop to every client directly and closes all
// connections. Later connection attempts are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	observability.SetConnectedClients(0)
	observability.RecordBroadcast(MessageStop)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.write(websocket.TextMessage, []byte(MessageStop)); err != nil {
				h.logger.Printf("stop message to client %s: %v", c.id, err)
			}
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			c.close()
		}(c)
	}
	wg.Wait()

	h.logger.Printf("hub shut down, %d clients notified", len(clients))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	observability.SetConnectedClients(len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		observability.SetConnectedClients(len(h.clients))
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		h.logger.Printf("client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Printf("read from client %s: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		observability.RecordMessageReceived()
		h.handleMint(c, strings.TrimSpace(string(payload)))
	}
}

func (h *Hub) handleMint(c *client, mint string) {
	if mint == "" {
		observability.RecordMessageDropped("empty")
		return
	}
	if !c.limiter.Allow() {
		observability.RecordMessageDropped("rate_limited")
		h.logger.Printf("client %s rate limited, dropping %q", c.id, mint)
		return
	}

	info, err := domain.ValidateMint(mint)
	if err != nil {
		if h.strictMints {
			observability.RecordMessageDropped("invalid_mint")
			h.logger.Printf("client %s sent invalid mint %q: %v", c.id, mint, err)
			return
		}
		h.logger.Printf("client %s sent unrecognised mint %q, dispatching anyway", c.id, mint)
	} else if !info.OnCurve {
		h.logger.Printf("mint %s is off-curve", mint)
	}

	if h.dispatcher == nil {
		return
	}
	if err := h.dispatcher.Dispatch(mint); err != nil {
		observability.RecordMessageDropped("dispatch_error")
		h.logger.Printf("dispatch %s: %v", mint, err)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				h.logger.Printf("write to client %s: %v", c.id, err)
				h.unregister(c)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// client is one WebSocket connection.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// write serializes writes from the pump and Shutdown.
func (c *client) write(msgType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, data)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
