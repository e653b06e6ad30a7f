package relay

import "context"

// Store mirrors group membership into a backing store. Implementations may
// fail; such failures abort the connect or disconnect that caused them.
type Store interface {
	Add(ctx context.Context, group string, id ID) error
	Remove(ctx context.Context, group string, id ID) error
}

// NopStore keeps membership in process memory only.
type NopStore struct{}

func (NopStore) Add(context.Context, string, ID) error { return nil }

func (NopStore) Remove(context.Context, string, ID) error { return nil }
