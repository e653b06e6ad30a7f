package relay

import "errors"

var (
	// ErrRegistryStorage marks a failure of the membership backing store.
	// It is fatal to the connect or disconnect call that triggered it.
	ErrRegistryStorage = errors.New("relay: registry storage failure")

	// ErrNotJoined is returned for messages from a connection that is not
	// currently joined.
	ErrNotJoined = errors.New("relay: connection not joined")

	// ErrNoHandle is returned when delivering to a connection without a handle.
	ErrNoHandle = errors.New("relay: connection has no delivery handle")

	// ErrDeliveryPanic wraps a panic recovered from a transport handle.
	ErrDeliveryPanic = errors.New("relay: delivery handle panicked")
)
