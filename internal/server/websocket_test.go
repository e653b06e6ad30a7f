package server_test

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

// TestRelayRoomScenario walks through connect, broadcast, disconnect and a
// second broadcast that the departed client must not see.
func TestRelayRoomScenario(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, nil)

	a := rs.Dial(t)
	b := rs.Dial(t)

	testhelpers.SendJSON(t, a, map[string]string{"text": "hi"})
	assert.Equal(t, `{"text":"hi"}`, string(testhelpers.ReceiveRaw(t, a)))
	assert.Equal(t, `{"text":"hi"}`, string(testhelpers.ReceiveRaw(t, b)))

	require.NoError(t, testhelpers.CloseWebSocket(a))
	rs.WaitForMembers(t, 1)

	testhelpers.SendJSON(t, b, map[string]string{"text": "bye"})
	assert.Equal(t, `{"text":"bye"}`, string(testhelpers.ReceiveRaw(t, b)))
}

func TestRelayEchoDisabled(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, func(cfg *config.Config) {
		cfg.Relay.EchoToSender = false
	})

	sender := rs.Dial(t)
	receiver := rs.Dial(t)

	testhelpers.SendJSON(t, sender, map[string]string{"message": "quiet"})

	assert.Equal(t, "quiet", testhelpers.ReceiveJSON(t, receiver)["message"])
	testhelpers.ExpectNoMessage(t, sender, 200*time.Millisecond)
}

func TestRelayPayloadHandling(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, nil)
	conn := rs.Dial(t)

	tests := []struct {
		name string
		sent string
		want string
	}{
		{name: "compacts whitespace", sent: "{ \"text\" :  \"hi\" }", want: `{"text":"hi"}`},
		{name: "nested object kept verbatim", sent: `{"message":{"user":"ann","body":"x"}}`, want: `{"message":{"user":"ann","body":"x"}}`},
		{name: "non-object JSON relayed", sent: `"hello"`, want: `"hello"`},
		{name: "array relayed", sent: `[1,2,3]`, want: `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.sent)))
			assert.Equal(t, tt.want, string(testhelpers.ReceiveRaw(t, conn)))
		})
	}
}

func TestRelayDropsInvalidJSON(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, nil)
	a := rs.Dial(t)
	b := rs.Dial(t)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))

	// Frames from one sender are relayed in order, so the first thing b sees
	// must be the valid follow-up.
	testhelpers.SendJSON(t, a, map[string]int{"n": 1})
	assert.Equal(t, `{"n":1}`, string(testhelpers.ReceiveRaw(t, b)))
}

func TestRelayMessageSizeLimit(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 64
	})
	big := rs.Dial(t)
	other := rs.Dial(t)

	payload := fmt.Sprintf(`{"text":%q}`, strings.Repeat("x", 200))
	require.NoError(t, big.WriteMessage(websocket.TextMessage, []byte(payload)))

	testhelpers.ExpectClosed(t, big, 2*time.Second)
	rs.WaitForMembers(t, 1)
	testhelpers.ExpectNoMessage(t, other, 100*time.Millisecond)
}

func TestRelayRateLimiting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rs := testhelpers.NewRelayServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Minute
	}, server.WithClock(clock))

	sender := rs.Dial(t)
	receiver := rs.Dial(t)

	for i := 0; i < 4; i++ {
		testhelpers.SendJSON(t, sender, map[string]int{"seq": i})
	}

	assert.Equal(t, `{"seq":0}`, string(testhelpers.ReceiveRaw(t, receiver)))
	assert.Equal(t, `{"seq":1}`, string(testhelpers.ReceiveRaw(t, receiver)))

	// Let the server read and discard seq 2 and 3 before refilling.
	time.Sleep(100 * time.Millisecond)
	clock.Advance(time.Minute)
	testhelpers.SendJSON(t, sender, map[string]int{"seq": 9})
	assert.Equal(t, `{"seq":9}`, string(testhelpers.ReceiveRaw(t, receiver)))
}

func TestRelayOriginValidation(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, nil)

	t.Run("Missing Origin header", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, testhelpers.DialStatus(t, rs.WSURL, http.Header{}))
	})

	t.Run("Disallowed origin", func(t *testing.T) {
		h := http.Header{}
		h.Set("Origin", "http://evil.example")
		assert.Equal(t, http.StatusForbidden, testhelpers.DialStatus(t, rs.WSURL, h))
	})

	t.Run("Allowed origin", func(t *testing.T) {
		conn, err := testhelpers.ConnectWebSocket(rs.WSURL, testhelpers.TestOrigin)
		require.NoError(t, err)
		_ = conn.Close()
	})

	// Only the allowed client ever joined, and it has left again.
	rs.WaitForMembers(t, 0)
	assert.Equal(t, 0, rs.Hub.ClientCount())
}

// TestRelayConcurrentClients has every client send once and expects every
// client to receive every message, its own included.
func TestRelayConcurrentClients(t *testing.T) {
	const numClients = 8
	rs := testhelpers.NewRelayServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 100
	})

	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = rs.Dial(t)
	}
	rs.WaitForMembers(t, numClients)

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, conn.WriteJSON(map[string]int{"from": i}))
		}()
	}
	wg.Wait()

	for i, conn := range conns {
		seen := make(map[float64]bool)
		for j := 0; j < numClients; j++ {
			msg := testhelpers.ReceiveJSON(t, conn)
			seen[msg["from"].(float64)] = true
		}
		assert.Len(t, seen, numClients, "client %d", i)
	}

	// Counters are updated after the last delivery completes.
	testhelpers.WaitFor(t, func() bool { return testutil.ToFloat64(rs.Metrics.Broadcasts) == numClients })
	assert.Equal(t, float64(numClients*numClients), testutil.ToFloat64(rs.Metrics.Deliveries.WithLabelValues("success")))
}

// TestRelayChurn connects and disconnects clients while a stable client
// keeps broadcasting; the stable pair must see every message.
func TestRelayChurn(t *testing.T) {
	rs := testhelpers.NewRelayServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 100
	})
	sender := rs.Dial(t)
	listener := rs.Dial(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := testhelpers.ConnectWebSocket(rs.WSURL, testhelpers.TestOrigin)
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			_ = conn.Close()
		}()
	}

	const messages = 20
	for i := 0; i < messages; i++ {
		testhelpers.SendJSON(t, sender, map[string]int{"i": i})
	}
	wg.Wait()

	for i := 0; i < messages; i++ {
		assert.Equal(t, fmt.Sprintf(`{"i":%d}`, i), string(testhelpers.ReceiveRaw(t, listener)))
	}
	rs.WaitForMembers(t, 2)
	assert.Equal(t, 2, rs.Hub.ClientCount())
}
