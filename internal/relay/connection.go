package relay

import (
	"context"

	"github.com/google/uuid"
)

// ID is the opaque identity assigned to a connection when it connects.
type ID uuid.UUID

// NewID mints a fresh random connection identity.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the string form of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Handle is the outbound delivery capability of a connection. It is owned by
// the transport layer; the relay only calls Deliver.
type Handle interface {
	Deliver(ctx context.Context, payload []byte) error
}

// DeliverFunc adapts an ordinary function to the Handle interface.
type DeliverFunc func(ctx context.Context, payload []byte) error

// Deliver calls f(ctx, payload).
func (f DeliverFunc) Deliver(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Connection is one client's live session as seen by the relay. The registry
// keeps a reference for delivery but does not control its lifetime.
type Connection struct {
	id     ID
	handle Handle
}

// NewConnection wraps a transport handle under the given identity.
func NewConnection(id ID, handle Handle) *Connection {
	return &Connection{id: id, handle: handle}
}

// ID returns the connection's identity.
func (c *Connection) ID() ID {
	return c.id
}

// Deliver pushes a payload through the transport handle.
func (c *Connection) Deliver(ctx context.Context, payload []byte) error {
	if c.handle == nil {
		return ErrNoHandle
	}
	return c.handle.Deliver(ctx, payload)
}
