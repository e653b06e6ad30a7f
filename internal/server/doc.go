// Package server implements the WebSocket transport for the chat relay.
//
// The implementation is organized into specialized files for the hub,
// clients, routing, origin checks, rate limiting, and HTTP handlers. Group
// membership and fan-out live in package relay; this package only adapts
// WebSocket sessions onto it.
package server
