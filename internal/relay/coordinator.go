package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle position of a connection within its group.
type State int

const (
	Unjoined State = iota
	Joined
	Left
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type session struct {
	conn  *Connection
	state State
}

// Stats is a point-in-time view of the coordinator's group.
type Stats struct {
	Group       string `json:"group"`
	Members     int    `json:"members"`
	Connections int    `json:"connections"`
}

// Coordinator sequences connect and disconnect against the registry and the
// backing store so that no broadcast observes a half-registered connection.
// Every connection handled by a Coordinator joins the same group.
type Coordinator struct {
	group    string
	registry *Registry
	engine   *Engine
	store    Store
	logger   *slog.Logger
	metrics  Metrics

	mu       sync.RWMutex
	sessions map[ID]*session
	onEvict  func(id ID, cause error)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStore mirrors membership into s.
func WithStore(s Store) CoordinatorOption {
	return func(c *Coordinator) {
		if s != nil {
			c.store = s
		}
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records lifecycle transitions.
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithEvictHook is called after a connection was evicted for a failed
// delivery, so the transport can close it.
func WithEvictHook(fn func(id ID, cause error)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onEvict = fn
	}
}

// NewCoordinator returns a Coordinator for the named group. It takes over the
// engine's eviction hook.
func NewCoordinator(group string, registry *Registry, engine *Engine, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		group:    group,
		registry: registry,
		engine:   engine,
		store:    NopStore{},
		logger:   slog.Default(),
		sessions: make(map[ID]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	engine.OnEvict(c.evicted)
	return c
}

// Group returns the name of the group this coordinator manages.
func (c *Coordinator) Group() string {
	return c.group
}

// Connect registers a new connection and joins it to the group. When it
// returns without error the connection is visible to every later broadcast.
// A store failure is returned wrapped in ErrRegistryStorage and leaves the
// registry untouched.
func (c *Coordinator) Connect(ctx context.Context, handle Handle) (*Connection, error) {
	conn := NewConnection(NewID(), handle)
	s := &session{conn: conn, state: Unjoined}

	c.mu.Lock()
	c.sessions[conn.id] = s
	c.mu.Unlock()

	if err := c.store.Add(ctx, c.group, conn.id); err != nil {
		c.mu.Lock()
		delete(c.sessions, conn.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: join %s: %w", ErrRegistryStorage, c.group, err)
	}

	c.registry.Join(c.group, conn)

	c.mu.Lock()
	s.state = Joined
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ConnectionJoined()
	}
	c.logger.Info("Connection joined",
		"connection_id", conn.id.String(),
		"group", c.group,
		"members", c.registry.Len(c.group))
	return conn, nil
}

// Message broadcasts payload from a joined connection to the group.
func (c *Coordinator) Message(ctx context.Context, from ID, payload []byte) (Report, error) {
	if c.State(from) != Joined {
		return Report{Group: c.group}, ErrNotJoined
	}
	return c.engine.Broadcast(ctx, c.group, from, payload), nil
}

// Disconnect removes a connection from the group. Disconnecting an unknown
// or already departed connection is a no-op. The in-memory leave always
// takes effect; a store failure is still reported to the caller.
func (c *Coordinator) Disconnect(ctx context.Context, id ID) error {
	if !c.leave(id) {
		return nil
	}

	c.registry.Leave(c.group, id)
	c.logger.Info("Connection left",
		"connection_id", id.String(),
		"group", c.group,
		"members", c.registry.Len(c.group))

	if err := c.store.Remove(ctx, c.group, id); err != nil {
		return fmt.Errorf("%w: leave %s: %w", ErrRegistryStorage, c.group, err)
	}
	return nil
}

// leave moves id from Joined to Left and forgets it. It reports whether the
// transition happened.
func (c *Coordinator) leave(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[id]
	if !ok || s.state != Joined {
		return false
	}
	s.state = Left
	delete(c.sessions, id)

	if c.metrics != nil {
		c.metrics.ConnectionLeft()
	}
	return true
}

func (c *Coordinator) evicted(group string, id ID, cause error) {
	if group != c.group || !c.leave(id) {
		return
	}

	// Detached from the broadcast's context, which may already be done.
	if err := c.store.Remove(context.Background(), c.group, id); err != nil {
		c.logger.Error("Failed to remove evicted connection from store",
			"connection_id", id.String(),
			"group", c.group,
			"error", err)
	}
	if c.onEvict != nil {
		c.onEvict(id, cause)
	}
}

// State returns the lifecycle state of id. Connections that have left are
// forgotten, so Left is reported for any identity the coordinator does not
// know.
func (c *Coordinator) State(id ID) State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.sessions[id]; ok {
		return s.state
	}
	return Left
}

// Stats reports the group size and the number of tracked connections.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	n := len(c.sessions)
	c.mu.RUnlock()

	return Stats{
		Group:       c.group,
		Members:     c.registry.Len(c.group),
		Connections: n,
	}
}

// Dispatch routes an event to the matching lifecycle operation.
func (c *Coordinator) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case Connected:
		conn, err := c.Connect(ctx, e.Handle)
		if e.Reply != nil {
			e.Reply <- ConnectResult{Conn: conn, Err: err}
		}
		return err
	case Message:
		_, err := c.Message(ctx, e.From, e.Payload)
		return err
	case Disconnected:
		return c.Disconnect(ctx, e.ID)
	default:
		return fmt.Errorf("relay: unhandled event %T", ev)
	}
}

// OnConnect is the transport entry point for a new session.
func (c *Coordinator) OnConnect(ctx context.Context, handle Handle) (ID, error) {
	conn, err := c.Connect(ctx, handle)
	if err != nil {
		return ID{}, err
	}
	return conn.id, nil
}

// OnMessage is the transport entry point for an inbound payload.
func (c *Coordinator) OnMessage(ctx context.Context, from ID, payload []byte) error {
	return c.Dispatch(ctx, Message{From: from, Payload: payload})
}

// OnDisconnect is the transport entry point for session teardown.
func (c *Coordinator) OnDisconnect(ctx context.Context, id ID) error {
	return c.Dispatch(ctx, Disconnected{ID: id})
}
