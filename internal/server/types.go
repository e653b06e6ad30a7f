// Package server defines shared transport errors and utility helpers that
// are reused across client and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrSendBufferFull is returned by Client.Deliver when the client is not
	// draining its queue fast enough.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrClientClosed is returned by Client.Deliver after the client's send
	// queue has been closed.
	ErrClientClosed = errors.New("client closed")

	// ErrHubClosed is returned when registering a client after shutdown began.
	ErrHubClosed = errors.New("hub is shutting down")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
