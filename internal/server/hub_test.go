package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

func newTestHub(t *testing.T, sendBuffer int) (*Hub, *relay.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := relay.NewRegistry()
	engine := relay.NewEngine(registry, relay.DefaultEngineConfig(), logger, nil)

	cc := ClientConfigFrom(config.Default())
	cc.SendBufferSize = sendBuffer
	hub := NewHub("room", registry, engine, cc, WithHubLogger(logger))
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub, registry
}

// attach joins a connectionless client and tracks it in the hub the way
// Register does, without starting any pumps.
func attach(t *testing.T, hub *Hub, addr string) *Client {
	t.Helper()

	client := NewClient(nil, hub, addr)
	id, err := hub.coordinator.OnConnect(context.Background(), client)
	require.NoError(t, err)
	client.id = id

	hub.mutex.Lock()
	hub.clients[id] = client
	hub.mutex.Unlock()
	return client
}

func TestClientDeliver(t *testing.T) {
	hub, _ := newTestHub(t, 1)
	client := NewClient(nil, hub, "127.0.0.1:1")

	require.NoError(t, client.Deliver(context.Background(), []byte(`{"a":1}`)))
	assert.ErrorIs(t, client.Deliver(context.Background(), []byte(`{"a":2}`)), ErrSendBufferFull)

	assert.Equal(t, `{"a":1}`, string(<-client.GetSendChan()))

	client.closeSend()
	client.closeSend()
	assert.ErrorIs(t, client.Deliver(context.Background(), []byte(`{"a":3}`)), ErrClientClosed)
}

func TestHubEvictsSlowClient(t *testing.T) {
	hub, registry := newTestHub(t, 1)

	sender := attach(t, hub, "127.0.0.1:1")
	slow := attach(t, hub, "127.0.0.1:2")
	require.Equal(t, 2, hub.ClientCount())

	// Fill the slow client's queue so the next delivery fails.
	require.NoError(t, slow.Deliver(context.Background(), []byte(`{}`)))

	report, err := hub.coordinator.Message(context.Background(), sender.ID(), []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, slow.ID(), report.Failed[0].ID)
	assert.ErrorIs(t, report.Failed[0].Err, ErrSendBufferFull)

	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, registry.Len("room"))
	assert.Equal(t, relay.Left, hub.coordinator.State(slow.ID()))
	assert.ErrorIs(t, slow.Deliver(context.Background(), []byte(`{}`)), ErrClientClosed)

	// The sender's queue holds its own echo.
	assert.Equal(t, `{"text":"hi"}`, string(<-sender.GetSendChan()))
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub, registry := newTestHub(t, 4)
	client := attach(t, hub, "127.0.0.1:1")

	hub.unregister(client)
	hub.unregister(client)

	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, registry.Len("room"))
	assert.Equal(t, relay.Left, hub.coordinator.State(client.ID()))
	assert.ErrorIs(t, client.Deliver(context.Background(), []byte(`{}`)), ErrClientClosed)
}

func TestHubShutdownWithoutClients(t *testing.T) {
	hub, _ := newTestHub(t, 4)
	assert.NoError(t, hub.Shutdown(time.Second))

	_, err := hub.Register(nil, "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestNormalizePayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "object", raw: `{ "a" : 1 }`, want: `{"a":1}`},
		{name: "string", raw: `"x"`, want: `"x"`},
		{name: "number", raw: ` 42 `, want: `42`},
		{name: "plain text", raw: `hello`, wantErr: true},
		{name: "truncated", raw: `{"a":`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizePayload([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
