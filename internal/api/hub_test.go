package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodestate"
	"github.com/nodepulse/nodepulse/internal/stats"
	"github.com/nodepulse/nodepulse/internal/tail"
)

// fakeConn is an in-memory wsConn. Writes land on a channel the test
// drains; reads are fed by the test and unblock with an error once the
// connection is closed.
type fakeConn struct {
	writes chan []byte
	reads  chan []byte

	mu       sync.Mutex
	writeErr error
	status   websocket.StatusCode
	closed   bool
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, 64),
		reads:  make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.MessageText, data, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	buf := append([]byte(nil), p...)
	select {
	case c.writes <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.status = code
		close(c.done)
	}
	return nil
}

func (c *fakeConn) CloseNow() error {
	return c.Close(websocket.StatusAbnormalClosure, "")
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) closeStatus() (websocket.StatusCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.closed
}

func newTestHub(t *testing.T, names ...string) *Hub {
	t.Helper()
	if len(names) == 0 {
		names = []string{"node1"}
	}
	registry := nodestate.NewRegistry(names)
	engine := stats.NewEngine(time.Minute, 5)
	h := NewHub(nil, registry, engine, tail.NewGate(false), time.Hour, 3)
	t.Cleanup(h.Stop)
	return h
}

func connectClient(t *testing.T, h *Hub, view ...string) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c := newClient(h, conn)
	if len(view) > 0 {
		c.setView(view)
	}
	h.register(c)
	return c, conn
}

func recvFrame(t *testing.T, conn *fakeConn) map[string]any {
	t.Helper()
	select {
	case data := <-conn.writes:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshaling frame %q: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case data := <-conn.writes:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func testTrafficEvent(node string, ts time.Time) model.TrafficEvent {
	return model.TrafficEvent{
		Timestamp:   ts,
		Action:      "GET",
		Status:      "success",
		Size:        1024,
		PieceID:     "piece-1",
		SatelliteID: "sat-1",
		NodeName:    node,
		DurationMs:  80,
		Category:    model.CategoryGet,
	}
}

func TestBroadcastFiltersByView(t *testing.T) {
	h := newTestHub(t, "node1", "node2")
	_, agg := connectClient(t, h)
	_, scoped1 := connectClient(t, h, "node1")
	_, scoped2 := connectClient(t, h, "node2")

	h.BroadcastNewAlert(model.Alert{NodeName: "node1", AlertType: "audit_score", Title: "Audit score low"})

	for _, conn := range []*fakeConn{agg, scoped1} {
		frame := recvFrame(t, conn)
		if frame["type"] != "new_alert" {
			t.Fatalf("got frame type %v, want new_alert", frame["type"])
		}
	}
	expectNoFrame(t, scoped2)
}

func TestBroadcastUnscopedReachesEveryone(t *testing.T) {
	h := newTestHub(t, "node1", "node2")
	_, agg := connectClient(t, h)
	_, scoped := connectClient(t, h, "node2")

	h.BroadcastAlertAcknowledged(7)

	for _, conn := range []*fakeConn{agg, scoped} {
		frame := recvFrame(t, conn)
		if frame["type"] != "alert_acknowledged" {
			t.Fatalf("got frame type %v, want alert_acknowledged", frame["type"])
		}
		if frame["alert_id"] != float64(7) {
			t.Fatalf("got alert_id %v, want 7", frame["alert_id"])
		}
	}
}

func TestWriteFailureEvictsClient(t *testing.T) {
	h := newTestHub(t, "node1")
	_, conn := connectClient(t, h)
	if !h.gate.IsOpen() {
		t.Fatal("gate should open when a client connects")
	}

	conn.failWrites(errors.New("broken pipe"))
	h.BroadcastAlertAcknowledged(1)

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.ClientCount(); n != 0 {
		t.Fatalf("got %d clients, want 0", n)
	}
	if h.gate.IsOpen() {
		t.Fatal("gate should close when the last client leaves")
	}
	if _, closed := conn.closeStatus(); !closed {
		t.Fatal("evicted client connection should be closed")
	}
}

func TestStatsTickCachesAndSkipsCleanViews(t *testing.T) {
	h := newTestHub(t, "node1")
	_, conn := connectClient(t, h)
	now := time.Now().UTC()

	node, _ := h.registry.Node("node1")
	node.Append(testTrafficEvent("node1", now))

	h.StatsTick(now)
	frame := recvFrame(t, conn)
	if frame["type"] != "stats_update" {
		t.Fatalf("got frame type %v, want stats_update", frame["type"])
	}

	// Nothing changed: the cached payload suppresses a resend.
	h.StatsTick(now.Add(5 * time.Second))
	expectNoFrame(t, conn)

	node.Append(testTrafficEvent("node1", now.Add(6*time.Second)))
	h.StatsTick(now.Add(10 * time.Second))
	frame = recvFrame(t, conn)
	if frame["type"] != "stats_update" {
		t.Fatalf("got frame type %v, want stats_update", frame["type"])
	}
}

func TestSetViewDeliversCachedStats(t *testing.T) {
	h := newTestHub(t, "node1", "node2")
	_, conn := connectClient(t, h, "node1")
	now := time.Now().UTC()

	node, _ := h.registry.Node("node1")
	node.Append(testTrafficEvent("node1", now))
	h.StatsTick(now)
	recvFrame(t, conn) // stats_update for node1

	// Prime the aggregate cache through a second client.
	_, aggConn := connectClient(t, h)
	h.StatsTick(now.Add(time.Second))
	recvFrame(t, aggConn)

	c, conn2 := connectClient(t, h, "node2")
	c.handleFrame(context.Background(), clientFrame{Type: "set_view", View: []string{"Aggregate"}})

	frame := recvFrame(t, conn2)
	if frame["type"] != "stats_update" {
		t.Fatalf("got frame type %v, want stats_update", frame["type"])
	}
	view, _ := frame["view"].([]any)
	if len(view) != 1 || view[0] != "Aggregate" {
		t.Fatalf("got view %v, want [Aggregate]", frame["view"])
	}
}

func TestWelcomeSendsInitAndCachedStats(t *testing.T) {
	h := newTestHub(t, "node1")
	_, first := connectClient(t, h)
	now := time.Now().UTC()

	node, _ := h.registry.Node("node1")
	node.Append(testTrafficEvent("node1", now))
	h.StatsTick(now)
	recvFrame(t, first)

	c, conn := connectClient(t, h)
	c.sendWelcome()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[recvFrame(t, conn)["type"].(string)] = true
	}
	if !got["init"] || !got["stats_update"] {
		t.Fatalf("welcome frames %v, want init and stats_update", got)
	}
}

func TestFlushBatchChunksAndFilters(t *testing.T) {
	h := newTestHub(t, "node1", "node2")
	h.batchSize = 2
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	arrivals := []time.Time{base, base.Add(5 * time.Millisecond), base.Add(12 * time.Millisecond)}
	i := 0
	h.now = func() time.Time { t := arrivals[i]; i++; return t }

	_, agg := connectClient(t, h)
	_, scoped := connectClient(t, h, "node2")

	h.QueueLogEntry(testTrafficEvent("node1", arrivals[0]))
	h.QueueLogEntry(testTrafficEvent("node2", arrivals[1]))
	h.QueueLogEntry(testTrafficEvent("node1", arrivals[2]))
	h.flushBatch()

	// Aggregate client: chunk of 2 then chunk of 1, offsets relative to
	// each chunk's first arrival.
	frame := recvFrame(t, agg)
	events, _ := frame["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("got %d events in first chunk, want 2", len(events))
	}
	second := events[1].(map[string]any)
	if second["arrival_offset_ms"] != float64(5) {
		t.Fatalf("got offset %v, want 5", second["arrival_offset_ms"])
	}
	frame = recvFrame(t, agg)
	events, _ = frame["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("got %d events in second chunk, want 1", len(events))
	}

	// Scoped client: only the node2 event, and no empty frame for the
	// second chunk.
	frame = recvFrame(t, scoped)
	events, _ = frame["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("got %d events for scoped view, want 1", len(events))
	}
	ev := events[0].(map[string]any)
	if ev["node_name"] != "node2" {
		t.Fatalf("got node %v, want node2", ev["node_name"])
	}
	expectNoFrame(t, scoped)
}

func TestQueueLogEntryKicksAtCapacity(t *testing.T) {
	h := newTestHub(t, "node1")
	h.batchSize = 2
	h.Start()
	_, conn := connectClient(t, h)

	now := time.Now().UTC()
	h.QueueLogEntry(testTrafficEvent("node1", now))
	h.QueueLogEntry(testTrafficEvent("node1", now))

	// batchEvery is an hour in tests; only the capacity kick can
	// deliver this quickly.
	frame := recvFrame(t, conn)
	if frame["type"] != "log_entry_batch" {
		t.Fatalf("got frame type %v, want log_entry_batch", frame["type"])
	}
}

func TestQueueLogEntryDroppedWithoutClients(t *testing.T) {
	h := newTestHub(t, "node1")
	h.QueueLogEntry(testTrafficEvent("node1", time.Now()))
	h.batchMu.Lock()
	pending := len(h.batch)
	h.batchMu.Unlock()
	if pending != 0 {
		t.Fatalf("got %d buffered events with no clients, want 0", pending)
	}
}

type fakeAcker struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeAcker) Acknowledge(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true, nil
}

func TestHandleFrameRoutesAcknowledge(t *testing.T) {
	h := newTestHub(t, "node1")
	acker := &fakeAcker{}
	h.SetAlertManager(acker)
	c, _ := connectClient(t, h)

	c.handleFrame(context.Background(), clientFrame{Type: "acknowledge_alert", AlertID: 42})

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.ids) != 1 || acker.ids[0] != 42 {
		t.Fatalf("got acknowledged ids %v, want [42]", acker.ids)
	}
}

func TestReadLoopIgnoresMalformedFrames(t *testing.T) {
	h := newTestHub(t, "node1")
	c, conn := connectClient(t, h)

	done := make(chan struct{})
	go func() {
		c.readLoop(context.Background())
		close(done)
	}()

	conn.reads <- []byte("{not json")
	conn.reads <- []byte(`{"type":"no_such_frame"}`)
	conn.reads <- []byte(`{"type":"set_view","view":["node1"]}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v := c.View(); len(v) == 1 && v[0] == "node1" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v := c.View(); len(v) != 1 || v[0] != "node1" {
		t.Fatalf("got view %v, want [node1]", v)
	}

	conn.CloseNow()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after close")
	}
	if n := h.ClientCount(); n != 0 {
		t.Fatalf("got %d clients after disconnect, want 0", n)
	}
}

func TestStopClosesClientsGoingAway(t *testing.T) {
	h := newTestHub(t, "node1")
	_, conn1 := connectClient(t, h)
	_, conn2 := connectClient(t, h)

	h.Stop()

	for _, conn := range []*fakeConn{conn1, conn2} {
		status, closed := conn.closeStatus()
		if !closed {
			t.Fatal("client connection should be closed after Stop")
		}
		if status != websocket.StatusGoingAway {
			t.Fatalf("got close status %v, want %v", status, websocket.StatusGoingAway)
		}
	}
	if h.HasClients() {
		t.Fatal("hub should have no clients after Stop")
	}

	// Further broadcasts are no-ops.
	h.BroadcastAlertAcknowledged(1)
}

func TestNormalizeView(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{}, nil},
		{[]string{"Aggregate"}, nil},
		{[]string{"node1", "Aggregate"}, nil},
		{[]string{"node1"}, []string{"node1"}},
		{[]string{"node2", "node1"}, []string{"node2", "node1"}},
	}
	for _, tt := range tests {
		got := normalizeView(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("normalizeView(%v) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("normalizeView(%v) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestViewKeyCanonicalizes(t *testing.T) {
	if got := viewKey(nil); got != "Aggregate" {
		t.Fatalf("got %q, want Aggregate", got)
	}
	a := viewKey([]string{"b", "a"})
	b := viewKey([]string{"a", "b"})
	if a != b || a != "a,b" {
		t.Fatalf("got %q and %q, want both a,b", a, b)
	}
}
