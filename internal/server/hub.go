// Package server coordinates client registration, message relay, and
// connection cleanup for the WebSocket transport via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

// ClientConfig holds the per-connection limits applied to every client.
type ClientConfig struct {
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      config.RateLimitConfig
}

// ClientConfigFrom extracts the client limits from the application config.
func ClientConfigFrom(cfg config.Config) ClientConfig {
	return ClientConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBufferSize: cfg.SendBufferSize,
		RateLimit:      cfg.RateLimit,
	}
}

// Hub owns the live WebSocket clients and bridges them to the relay
// coordinator: it registers a client before its pumps start, deregisters it
// when the read pump ends, and closes clients the relay evicts.
type Hub struct {
	coordinator  *relay.Coordinator
	clientConfig ClientConfig
	logger       *slog.Logger
	clock        clockwork.Clock

	mutex   sync.Mutex
	clients map[relay.ID]*Client
	closing bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

type hubOptions struct {
	logger  *slog.Logger
	clock   clockwork.Clock
	store   relay.Store
	metrics relay.Metrics
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(o *hubOptions) { o.logger = l }
}

// WithClock replaces the clock used for keepalive and rate limiting.
func WithClock(c clockwork.Clock) HubOption {
	return func(o *hubOptions) { o.clock = c }
}

// WithMembershipStore mirrors membership into s.
func WithMembershipStore(s relay.Store) HubOption {
	return func(o *hubOptions) { o.store = s }
}

// WithRelayMetrics records lifecycle metrics.
func WithRelayMetrics(m relay.Metrics) HubOption {
	return func(o *hubOptions) { o.metrics = m }
}

// NewHub creates a Hub whose clients all join group. The hub builds the
// relay coordinator on top of registry and engine.
func NewHub(group string, registry *relay.Registry, engine *relay.Engine, cc ClientConfig, opts ...HubOption) *Hub {
	o := hubOptions{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	def := ClientConfigFrom(config.Default())
	if cc.MaxMessageSize <= 0 {
		cc.MaxMessageSize = def.MaxMessageSize
	}
	if cc.SendBufferSize <= 0 {
		cc.SendBufferSize = def.SendBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clientConfig: cc,
		logger:       o.logger,
		clock:        o.clock,
		clients:      make(map[relay.ID]*Client),
		ctx:          ctx,
		cancel:       cancel,
	}

	coordOpts := []relay.CoordinatorOption{
		relay.WithLogger(o.logger),
		relay.WithEvictHook(h.evict),
	}
	if o.store != nil {
		coordOpts = append(coordOpts, relay.WithStore(o.store))
	}
	if o.metrics != nil {
		coordOpts = append(coordOpts, relay.WithMetrics(o.metrics))
	}
	h.coordinator = relay.NewCoordinator(group, registry, engine, coordOpts...)
	return h
}

// Coordinator returns the relay coordinator behind the hub.
func (h *Hub) Coordinator() *relay.Coordinator {
	return h.coordinator
}

// ClientCount returns the number of live clients.
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Register joins a freshly upgraded connection to the group and starts its
// pumps. Membership is recorded before the read pump accepts any frame. On
// error the connection has been closed.
func (h *Hub) Register(conn *websocket.Conn, addr string) (*Client, error) {
	client := NewClient(conn, h, addr)

	h.mutex.Lock()
	closing := h.closing
	h.mutex.Unlock()
	if closing {
		h.reject(client, websocket.CloseGoingAway, "server shutting down")
		return nil, ErrHubClosed
	}

	id, err := h.coordinator.OnConnect(h.ctx, client)
	if err != nil {
		h.logger.Error("Failed to register client", "remote_addr", addr, "error", err)
		h.reject(client, websocket.CloseTryAgainLater, "try again later")
		return nil, err
	}
	client.id = id
	client.logger = client.logger.With("connection_id", id.String())

	h.mutex.Lock()
	if h.closing {
		h.mutex.Unlock()
		_ = h.coordinator.OnDisconnect(h.ctx, id)
		h.reject(client, websocket.CloseGoingAway, "server shutting down")
		return nil, ErrHubClosed
	}
	h.clients[id] = client
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.logger.Info("Client registered", "remote_addr", addr, "connection_id", id.String(), "clients", clientCount)

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	// Evicted before it reached the client map; the hook could not close it.
	if h.coordinator.State(id) != relay.Joined {
		client.closeSend()
	}
	return client, nil
}

func (h *Hub) reject(client *Client, code int, reason string) {
	if client.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
		h.logger.Warn("Error closing rejected connection", "remote_addr", client.addr, "error", err)
	}
}

// unregister is called once by the client's read pump. The relay leave
// completes before the client's teardown is considered finished.
func (h *Hub) unregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if err := h.coordinator.OnDisconnect(context.Background(), client.id); err != nil {
		h.logger.Error("Failed to deregister client",
			"connection_id", client.id.String(),
			"error", err)
	}
	client.closeSend()

	h.logger.Info("Client unregistered",
		"remote_addr", client.addr,
		"connection_id", client.id.String(),
		"clients", clientCount)
}

// evict closes a client the relay removed after a failed delivery.
func (h *Hub) evict(id relay.ID, cause error) {
	h.mutex.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mutex.Unlock()

	if !ok {
		return
	}
	h.logger.Warn("Client removed after failed delivery",
		"remote_addr", client.addr,
		"connection_id", id.String(),
		"error", cause)
	client.closeSend()
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() int {
	h.mutex.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					h.logger.Warn("Error closing client connection", "remote_addr", client.addr, "error", err)
				}
			}
		}
	}
	return len(clients)
}

// Shutdown closes every client and waits for their pumps to finish, or
// until the timeout is reached. Read pumps deregister their clients from the
// relay on the way out.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown")

	closed := h.shutdownClients()
	h.logger.Info("Closed client connections", "count", closed)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	// Cancel only after the pumps are gone so in-flight relays can finish.
	defer h.cancel()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
