package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultDeliveryConcurrency = 16

// Failure records one recipient that could not be reached during a broadcast.
type Failure struct {
	ID  ID
	Err error
}

// Report summarizes a single broadcast.
type Report struct {
	Group     string
	Attempted int
	Delivered int
	Failed    []Failure
}

// Metrics receives broadcast and lifecycle observations. A nil Metrics is
// valid and records nothing.
type Metrics interface {
	BroadcastCompleted(report Report)
	ConnectionJoined()
	ConnectionLeft()
	ConnectionEvicted()
}

// EngineConfig controls delivery policy.
type EngineConfig struct {
	// EchoToSender delivers a message back to the connection that sent it.
	EchoToSender bool
	// EvictOnFailure removes a recipient from the group after a failed delivery.
	EvictOnFailure bool
	// Concurrency bounds the number of in-flight deliveries per broadcast.
	Concurrency int
}

// DefaultEngineConfig echoes to the sender and evicts failed recipients.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		EchoToSender:   true,
		EvictOnFailure: true,
		Concurrency:    defaultDeliveryConcurrency,
	}
}

// EvictFunc is called after a failed recipient has been removed from a group.
type EvictFunc func(group string, id ID, cause error)

// Engine delivers payloads to every member of a group.
type Engine struct {
	registry *Registry
	cfg      EngineConfig
	logger   *slog.Logger
	metrics  Metrics

	mu      sync.RWMutex
	onEvict EvictFunc
}

// NewEngine creates an Engine that reads membership from registry.
func NewEngine(registry *Registry, cfg EngineConfig, logger *slog.Logger, metrics Metrics) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDeliveryConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnEvict installs the hook invoked for each self-healing removal.
func (e *Engine) OnEvict(fn EvictFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvict = fn
}

// Broadcast delivers payload to the members of the named group as of the
// moment the snapshot is taken. from identifies the sender and is skipped
// when echo is disabled; pass the zero ID for system messages.
//
// Delivery failures never abort the broadcast and are returned in the
// report rather than as an error.
func (e *Engine) Broadcast(ctx context.Context, name string, from ID, payload []byte) Report {
	members := e.registry.Members(name)
	report := Report{Group: name}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)

	for _, conn := range members {
		if !e.cfg.EchoToSender && conn.id == from {
			continue
		}
		report.Attempted++

		g.Go(func() error {
			err := e.deliver(ctx, conn, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, Failure{ID: conn.id, Err: err})
				return nil
			}
			report.Delivered++
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug("Broadcast completed",
		"group", name,
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", len(report.Failed))

	for _, f := range report.Failed {
		e.handleFailure(name, f)
	}

	if e.metrics != nil {
		e.metrics.BroadcastCompleted(report)
	}
	return report
}

func (e *Engine) deliver(ctx context.Context, conn *Connection, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDeliveryPanic, r)
		}
	}()
	return conn.Deliver(ctx, payload)
}

func (e *Engine) handleFailure(name string, f Failure) {
	e.logger.Warn("Delivery failed",
		"group", name,
		"connection_id", f.ID.String(),
		"error", f.Err)

	if !e.cfg.EvictOnFailure {
		return
	}
	if !e.registry.Leave(name, f.ID) {
		// Already gone, e.g. a concurrent disconnect.
		return
	}

	e.logger.Info("Connection evicted after failed delivery",
		"group", name,
		"connection_id", f.ID.String())
	if e.metrics != nil {
		e.metrics.ConnectionEvicted()
	}

	e.mu.RLock()
	fn := e.onEvict
	e.mu.RUnlock()
	if fn != nil {
		fn(name, f.ID, f.Err)
	}
}
