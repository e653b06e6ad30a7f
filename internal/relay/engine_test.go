package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Handle that remembers every payload it was given.
type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (r *recorder) Deliver(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recorder) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.payloads...)
}

type fakeMetrics struct {
	mu        sync.Mutex
	reports   []Report
	joined    int
	left      int
	evictions int
}

func (m *fakeMetrics) BroadcastCompleted(r Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}

func (m *fakeMetrics) ConnectionJoined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined++
}

func (m *fakeMetrics) ConnectionLeft() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left++
}

func (m *fakeMetrics) ConnectionEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

func joinRecorder(r *Registry, group string, err error) (*Connection, *recorder) {
	rec := &recorder{err: err}
	conn := NewConnection(NewID(), rec)
	r.Join(group, conn)
	return conn, rec
}

func TestEngine_BroadcastFanOut(t *testing.T) {
	reg := NewRegistry()
	e := NewEngine(reg, DefaultEngineConfig(), nil, nil)

	_, a := joinRecorder(reg, "room1", nil)
	_, b := joinRecorder(reg, "room1", nil)
	_, c := joinRecorder(reg, "room1", nil)
	_, outsider := joinRecorder(reg, "room2", nil)

	payload := []byte(`{"text":"hi"}`)
	report := e.Broadcast(context.Background(), "room1", ID{}, payload)

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 3, report.Delivered)
	assert.Empty(t, report.Failed)
	for _, rec := range []*recorder{a, b, c} {
		assert.Equal(t, [][]byte{payload}, rec.received())
	}
	assert.Empty(t, outsider.received())
}

func TestEngine_BroadcastEmptyGroup(t *testing.T) {
	e := NewEngine(NewRegistry(), DefaultEngineConfig(), nil, nil)

	report := e.Broadcast(context.Background(), "nobody", ID{}, []byte("x"))

	assert.Equal(t, Report{Group: "nobody"}, report)
}

func TestEngine_FailureIsIsolated(t *testing.T) {
	reg := NewRegistry()
	cfg := DefaultEngineConfig()
	cfg.EvictOnFailure = false
	e := NewEngine(reg, cfg, nil, nil)

	_, a := joinRecorder(reg, "room1", nil)
	bConn, _ := joinRecorder(reg, "room1", errors.New("broken pipe"))
	_, c := joinRecorder(reg, "room1", nil)

	report := e.Broadcast(context.Background(), "room1", ID{}, []byte("P"))

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bConn.ID(), report.Failed[0].ID)
	assert.Equal(t, [][]byte{[]byte("P")}, a.received())
	assert.Equal(t, [][]byte{[]byte("P")}, c.received())
	assert.True(t, reg.Contains("room1", bConn.ID()), "eviction disabled")
}

func TestEngine_PanickingHandleIsIsolated(t *testing.T) {
	reg := NewRegistry()
	e := NewEngine(reg, DefaultEngineConfig(), nil, nil)

	_, a := joinRecorder(reg, "room1", nil)
	bad := NewConnection(NewID(), DeliverFunc(func(context.Context, []byte) error {
		panic("send on closed channel")
	}))
	reg.Join("room1", bad)

	report := e.Broadcast(context.Background(), "room1", ID{}, []byte("P"))

	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0].Err, ErrDeliveryPanic)
	assert.Len(t, a.received(), 1)
}

func TestEngine_EvictsFailedRecipient(t *testing.T) {
	reg := NewRegistry()
	m := &fakeMetrics{}
	e := NewEngine(reg, DefaultEngineConfig(), nil, m)

	var (
		mu      sync.Mutex
		evicted []ID
	)
	e.OnEvict(func(group string, id ID, cause error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "room1", group)
		assert.Error(t, cause)
		evicted = append(evicted, id)
	})

	aConn, a := joinRecorder(reg, "room1", nil)
	bConn, _ := joinRecorder(reg, "room1", errors.New("send buffer full"))

	e.Broadcast(context.Background(), "room1", ID{}, []byte("first"))

	assert.False(t, reg.Contains("room1", bConn.ID()))
	assert.True(t, reg.Contains("room1", aConn.ID()))
	assert.Equal(t, []ID{bConn.ID()}, evicted)
	assert.Equal(t, 1, m.evictions)

	report := e.Broadcast(context.Background(), "room1", ID{}, []byte("second"))
	assert.Equal(t, 1, report.Attempted)
	assert.Len(t, a.received(), 2)
	assert.Len(t, m.reports, 2)
}

func TestEngine_EchoPolicy(t *testing.T) {
	tests := []struct {
		name       string
		echo       bool
		senderGets int
	}{
		{name: "echo enabled", echo: true, senderGets: 1},
		{name: "echo disabled", echo: false, senderGets: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			cfg := DefaultEngineConfig()
			cfg.EchoToSender = tt.echo
			e := NewEngine(reg, cfg, nil, nil)

			sender, senderRec := joinRecorder(reg, "room1", nil)
			_, other := joinRecorder(reg, "room1", nil)

			e.Broadcast(context.Background(), "room1", sender.ID(), []byte("hello"))

			assert.Len(t, senderRec.received(), tt.senderGets)
			assert.Len(t, other.received(), 1)
		})
	}
}

func TestEngine_DoesNotHoldLockDuringDelivery(t *testing.T) {
	reg := NewRegistry()
	e := NewEngine(reg, DefaultEngineConfig(), nil, nil)

	late := nopConn()
	blocking := NewConnection(NewID(), DeliverFunc(func(context.Context, []byte) error {
		// Mutating the registry from inside delivery would deadlock if the
		// group lock were held.
		reg.Join("room1", late)
		reg.Leave("room1", late.ID())
		reg.Join("room1", late)
		return nil
	}))
	reg.Join("room1", blocking)

	report := e.Broadcast(context.Background(), "room1", ID{}, []byte("x"))

	assert.Equal(t, 1, report.Attempted)
	assert.True(t, reg.Contains("room1", late.ID()))
}
