// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// metrics may be nil, in which case /metrics is not served.
func SetupRoutes(h *Handlers, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Health)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("/test", h.TestPage)
	mux.HandleFunc("/stats", h.Stats)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
