// Package testhelpers provides common utilities for exercising the relay
// over real WebSocket connections in tests.
package testhelpers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
)

// TestOrigin is the origin the test stack allows and ConnectWebSocket sends.
const TestOrigin = "http://localhost:8080"

// RelayServer is a fully wired relay listening on an httptest server.
type RelayServer struct {
	Config   config.Config
	Registry *relay.Registry
	Hub      *server.Hub
	Metrics  *metrics.RelayMetrics
	Server   *httptest.Server
	WSURL    string
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewRelayServer starts a relay with default settings adjusted by customize.
// The server and hub are torn down when the test ends.
func NewRelayServer(t *testing.T, customize func(cfg *config.Config), opts ...server.HubOption) *RelayServer {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{TestOrigin}
	if customize != nil {
		customize(&cfg)
	}
	cfg = config.Sanitize(cfg)

	logger := DiscardLogger()
	reg := prometheus.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)

	registry := relay.NewRegistry()
	engine := relay.NewEngine(registry, relay.EngineConfig{
		EchoToSender:   cfg.Relay.EchoToSender,
		EvictOnFailure: cfg.Relay.EvictOnFailure,
		Concurrency:    cfg.Relay.DeliveryConcurrency,
	}, logger, relayMetrics)

	hubOpts := append([]server.HubOption{
		server.WithHubLogger(logger),
		server.WithRelayMetrics(relayMetrics),
	}, opts...)
	hub := server.NewHub(cfg.Relay.Group, registry, engine, server.ClientConfigFrom(cfg), hubOpts...)

	handlers := server.NewHandlers(hub, server.NewOriginPolicy(cfg.AllowedOrigins, logger))
	ts := httptest.NewServer(server.SetupRoutes(handlers, metrics.Handler(reg)))

	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})

	return &RelayServer{
		Config:   cfg,
		Registry: registry,
		Hub:      hub,
		Metrics:  relayMetrics,
		Server:   ts,
		WSURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// Dial connects a client and waits until the relay has joined it.
func (s *RelayServer) Dial(t *testing.T) *websocket.Conn {
	t.Helper()

	before := s.Registry.Len(s.Config.Relay.Group)
	conn, err := ConnectWebSocket(s.WSURL, TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	WaitFor(t, func() bool { return s.Registry.Len(s.Config.Relay.Group) > before })
	return conn
}

// WaitForMembers blocks until the group has exactly n members.
func (s *RelayServer) WaitForMembers(t *testing.T, n int) {
	t.Helper()
	WaitFor(t, func() bool { return s.Registry.Len(s.Config.Relay.Group) == n })
}

// WaitFor polls cond for up to two seconds.
func WaitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// ConnectWebSocket creates a WebSocket connection to url sending the given
// Origin header (none when origin is empty).
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// DialStatus attempts a handshake that is expected to fail and returns the
// HTTP status the server answered with.
func DialStatus(t *testing.T, url string, headers http.Header) int {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("expected handshake to fail")
	}
	require.NotNil(t, resp, "expected an HTTP response")
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// SendJSON marshals v and sends it as a text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// ReceiveRaw reads one frame with a one second deadline.
func ReceiveRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return data
}

// ReceiveJSON reads one frame and decodes it into a generic map.
func ReceiveJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	var message map[string]any
	require.NoError(t, json.Unmarshal(ReceiveRaw(t, conn), &message))
	return message
}

// ExpectNoMessage fails the test if conn receives a frame within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

// ExpectClosed fails the test unless conn is closed by the server within
// timeout. Pending data frames are skipped.
func ExpectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if time.Now().After(deadline) {
				t.Fatalf("connection still open after %v", timeout)
			}
			return
		}
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
