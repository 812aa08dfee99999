package api

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodestate"
	"github.com/nodepulse/nodepulse/internal/stats"
	"github.com/nodepulse/nodepulse/internal/store"
	"github.com/nodepulse/nodepulse/internal/tail"
)

const (
	// writeTimeout bounds one websocket send; a client that cannot
	// drain a frame within it is dropped.
	writeTimeout = 5 * time.Second

	// queryTimeout bounds the store reads behind one client request.
	queryTimeout = 10 * time.Second

	// perfWindow is the span the 2 s performance tick renders, in
	// one-second bins.
	perfWindow = time.Minute

	defaultBatchInterval = 25 * time.Millisecond
	defaultBatchSize     = 10
)

// Acknowledger marks alerts acknowledged on behalf of clients.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id int64) (bool, error)
}

type timedEvent struct {
	ev model.TrafficEvent
	at time.Time
}

// Hub owns the WebSocket client registry and every fan-out path:
// periodic stats/performance pushes, log-entry batches, and the typed
// broadcasts the pollers and the alert manager emit. All sends are
// view-filtered; a slow or dead client is evicted without delaying the
// rest.
type Hub struct {
	registry *nodestate.Registry
	engine   *stats.Engine
	store    *store.Store
	gate     *tail.Gate
	alerts   Acknowledger

	clients *xsync.Map[*Client, struct{}]

	batchMu   sync.Mutex
	batch     []timedEvent
	batchKick chan struct{}

	batchEvery time.Duration
	batchSize  int

	cacheMu sync.Mutex
	cached  map[string][]byte // view key → marshaled stats_update

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewHub wires the hub to the node registry, the stats engine, and the
// store. gate may be nil; when set it is opened while at least one
// client is connected so the ingest layer can idle otherwise.
func NewHub(st *store.Store, registry *nodestate.Registry, engine *stats.Engine, gate *tail.Gate, batchEvery time.Duration, batchSize int) *Hub {
	if batchEvery <= 0 {
		batchEvery = defaultBatchInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Hub{
		registry:   registry,
		engine:     engine,
		store:      st,
		gate:       gate,
		clients:    xsync.NewMap[*Client, struct{}](),
		batchKick:  make(chan struct{}, 1),
		batchEvery: batchEvery,
		batchSize:  batchSize,
		cached:     make(map[string][]byte),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// SetAlertManager installs the acknowledge handler. Must be called
// before the server starts accepting connections.
func (h *Hub) SetAlertManager(a Acknowledger) { h.alerts = a }

// Start launches the log-batch flusher.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.flushLoop()
}

// Stop refuses further sends and closes every client, allowing 5 s of
// grace for close handshakes.
func (h *Hub) Stop() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	close(h.stopCh)

	var closers sync.WaitGroup
	h.clients.Range(func(c *Client, _ struct{}) bool {
		h.clients.Delete(c)
		closers.Add(1)
		go func() {
			defer closers.Done()
			c.closeGoingAway()
		}()
		return true
	})
	done := make(chan struct{})
	go func() {
		closers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	h.wg.Wait()
}

// HasClients reports whether any dashboard is connected. It backs the
// ingest idleness gate and the tick skips.
func (h *Hub) HasClients() bool { return h.clients.Size() > 0 }

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int { return h.clients.Size() }

// register adds a client to the broadcast set. It refuses clients that
// arrive after Stop so a late upgrade cannot outlive the sweep.
func (h *Hub) register(c *Client) bool {
	if h.closed.Load() {
		return false
	}
	h.clients.Store(c, struct{}{})
	if h.gate != nil {
		h.gate.Open()
	}
	log.Printf("[hub] client %s connected (%d total)", c.id, h.clients.Size())
	return true
}

// evict removes a client. Only the first caller closes the connection,
// so broadcast failures and reader exits cannot double-log.
func (h *Hub) evict(c *Client, err error) {
	if _, loaded := h.clients.LoadAndDelete(c); !loaded {
		return
	}
	c.closeNow()
	if err != nil {
		log.Printf("[hub] client %s dropped: %v (%d left)", c.id, err, h.clients.Size())
	} else {
		log.Printf("[hub] client %s disconnected (%d left)", c.id, h.clients.Size())
	}
	if h.gate != nil && h.clients.Size() == 0 {
		h.gate.Close()
	}
}

// deliver sends marshaled bytes to one client on its own goroutine. A
// failed or timed-out write evicts the client.
func (h *Hub) deliver(c *Client, data []byte) {
	h.deliverAll(c, [][]byte{data})
}

// deliverAll sends a sequence of frames to one client in order, on its
// own goroutine. A failed or timed-out write evicts the client and
// drops the rest.
func (h *Hub) deliverAll(c *Client, frames [][]byte) {
	if h.closed.Load() {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for _, data := range frames {
			if err := c.send(data); err != nil {
				h.evict(c, err)
				return
			}
		}
	}()
}

// broadcast fans a frame out to every client whose view covers
// nodeName; an empty nodeName reaches everyone.
func (h *Hub) broadcast(frame any, nodeName string) {
	if h.closed.Load() || !h.HasClients() {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[hub] marshaling %T: %v", frame, err)
		return
	}
	h.clients.Range(func(c *Client, _ struct{}) bool {
		if nodeName == "" || c.wantsNode(nodeName) {
			h.deliver(c, data)
		}
		return true
	})
}

// sendFrame marshals a frame for a single client (query responses).
func (h *Hub) sendFrame(c *Client, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[hub] marshaling %T: %v", frame, err)
		return
	}
	h.deliver(c, data)
}

// viewKey canonicalizes a view for cache and grouping purposes.
func viewKey(view []string) string {
	if len(view) == 0 {
		return nodestate.ViewAggregate
	}
	sorted := append([]string(nil), view...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// viewLabel renders a view for frame payloads; the aggregate view is
// spelled out so clients need no empty-slice special case.
func viewLabel(view []string) []string {
	if len(view) == 0 {
		return []string{nodestate.ViewAggregate}
	}
	return view
}

// normalizeView maps a client-supplied view onto the internal form:
// nil means aggregate.
func normalizeView(view []string) []string {
	if len(view) == 0 {
		return nil
	}
	for _, v := range view {
		if v == nodestate.ViewAggregate {
			return nil
		}
	}
	return view
}

type viewGroup struct {
	key     string
	view    []string
	clients []*Client
}

// viewGroups snapshots the connected clients grouped by identical view.
func (h *Hub) viewGroups() []*viewGroup {
	groups := make(map[string]*viewGroup)
	var order []string
	h.clients.Range(func(c *Client, _ struct{}) bool {
		v := c.View()
		key := viewKey(v)
		g, ok := groups[key]
		if !ok {
			g = &viewGroup{key: key, view: v}
			groups[key] = g
			order = append(order, key)
		}
		g.clients = append(g.clients, c)
		return true
	})
	out := make([]*viewGroup, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func (h *Hub) cachedPayload(key string) ([]byte, bool) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	data, ok := h.cached[key]
	return data, ok
}

// StatsTick trims the live windows and pushes a fresh stats_update to
// every subscribed view that has a dirty member (or no cached payload
// yet). A hub without clients skips the tick entirely.
func (h *Hub) StatsTick(now time.Time) {
	if h.closed.Load() || !h.HasClients() {
		return
	}
	cutoff := now.Add(-h.engine.Window())
	dirty := make(map[string]bool)
	for _, n := range h.registry.Nodes() {
		n.TrimBefore(cutoff)
		if n.ConsumeDirty() {
			dirty[n.Name()] = true
		}
	}

	for _, g := range h.viewGroups() {
		nodes := h.registry.Resolve(g.view)
		if _, haveCache := h.cachedPayload(g.key); haveCache && !anyDirty(nodes, dirty) {
			continue
		}
		payload := h.engine.Collect(nodes, now).Payload()
		data, err := json.Marshal(statsUpdateFrame{Type: frameStatsUpdate, View: viewLabel(g.view), Stats: payload})
		if err != nil {
			log.Printf("[hub] marshaling stats update: %v", err)
			continue
		}
		h.cacheMu.Lock()
		h.cached[g.key] = data
		h.cacheMu.Unlock()
		for _, c := range g.clients {
			h.deliver(c, data)
		}
	}
}

func anyDirty(nodes []*nodestate.Node, dirty map[string]bool) bool {
	for _, n := range nodes {
		if dirty[n.Name()] {
			return true
		}
	}
	return false
}

// PerformanceTick renders the last minute in one-second bins per
// subscribed view.
func (h *Hub) PerformanceTick(now time.Time) {
	if h.closed.Load() || !h.HasClients() {
		return
	}
	from := now.Add(-perfWindow)
	for _, g := range h.viewGroups() {
		var events []model.TrafficEvent
		for _, n := range h.registry.Resolve(g.view) {
			events = append(events, n.Snapshot(from)...)
		}
		bins := stats.PerformanceBins(events, from, now, time.Second)
		data, err := json.Marshal(performanceUpdateFrame{Type: framePerformanceUpdate, View: viewLabel(g.view), Bins: bins})
		if err != nil {
			log.Printf("[hub] marshaling performance update: %v", err)
			continue
		}
		for _, c := range g.clients {
			h.deliver(c, data)
		}
	}
}

// QueueLogEntry buffers one parsed event for the next log_entry_batch.
// Entries queued while no client is connected are dropped.
func (h *Hub) QueueLogEntry(ev model.TrafficEvent) {
	if h.closed.Load() || !h.HasClients() {
		return
	}
	h.batchMu.Lock()
	h.batch = append(h.batch, timedEvent{ev: ev, at: h.now()})
	full := len(h.batch) >= h.batchSize
	h.batchMu.Unlock()
	if full {
		select {
		case h.batchKick <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.batchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
		case <-h.batchKick:
		}
		h.flushBatch()
	}
}

// flushBatch drains the pending entries into log_entry_batch frames of
// at most batchSize events. Every event carries its arrival offset
// relative to the first in its frame; per client the events are
// filtered to the view, and an empty result sends nothing. Each client
// gets its frames on one goroutine so chunks arrive in order.
func (h *Hub) flushBatch() {
	h.batchMu.Lock()
	pending := h.batch
	h.batch = nil
	h.batchMu.Unlock()
	if len(pending) == 0 || h.closed.Load() {
		return
	}

	var chunks [][]logBatchEntry
	for start := 0; start < len(pending); start += h.batchSize {
		end := start + h.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]
		first := chunk[0].at
		entries := make([]logBatchEntry, len(chunk))
		for i, te := range chunk {
			entries[i] = logBatchEntry{
				TrafficEvent:    te.ev,
				ArrivalOffsetMs: te.at.Sub(first).Milliseconds(),
			}
		}
		chunks = append(chunks, entries)
	}

	// Aggregate clients share one marshaled frame per chunk; scoped
	// views get their own filtered copies.
	var aggFrames [][]byte
	h.clients.Range(func(c *Client, _ struct{}) bool {
		var frames [][]byte
		if c.aggregate() {
			if aggFrames == nil {
				aggFrames = marshalBatches(chunks)
			}
			frames = aggFrames
		} else {
			for _, entries := range chunks {
				var filtered []logBatchEntry
				for _, e := range entries {
					if c.wantsNode(e.NodeName) {
						filtered = append(filtered, e)
					}
				}
				if len(filtered) == 0 {
					continue
				}
				data, err := json.Marshal(logBatchFrame{Type: frameLogBatch, Events: filtered})
				if err != nil {
					log.Printf("[hub] marshaling log batch: %v", err)
					continue
				}
				frames = append(frames, data)
			}
		}
		if len(frames) > 0 {
			h.deliverAll(c, frames)
		}
		return true
	})
}

func marshalBatches(chunks [][]logBatchEntry) [][]byte {
	out := make([][]byte, 0, len(chunks))
	for _, entries := range chunks {
		data, err := json.Marshal(logBatchFrame{Type: frameLogBatch, Events: entries})
		if err != nil {
			log.Printf("[hub] marshaling log batch: %v", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

// BroadcastNewAlert pushes a freshly generated alert to clients
// watching its node.
func (h *Hub) BroadcastNewAlert(a model.Alert) {
	h.broadcast(newAlertFrame{Type: frameNewAlert, Alert: a}, a.NodeName)
}

// BroadcastAlertAcknowledged tells every client an alert was handled.
func (h *Hub) BroadcastAlertAcknowledged(id int64) {
	h.broadcast(alertAckedFrame{Type: frameAlertAcked, AlertID: id}, "")
}

// BroadcastReputation pushes fresh reputation samples for one node.
func (h *Hub) BroadcastReputation(nodeName string, samples []model.ReputationSample) {
	h.broadcast(reputationFrame{Type: frameReputation, View: []string{nodeName}, Reputation: samples}, nodeName)
}

// BroadcastStorage pushes one node's newest snapshot and forecast.
func (h *Hub) BroadcastStorage(nodeName string, snap model.StorageSnapshot, daysUntilFull *float64, growthPerDay float64) {
	status := storageStatus{StorageSnapshot: snap, DaysUntilFull: daysUntilFull, GrowthBytesPerDay: growthPerDay}
	h.broadcast(storageDataFrame{Type: frameStorageData, View: []string{nodeName}, Storage: []storageStatus{status}}, nodeName)
}

// BroadcastEarnings pushes one node's refreshed per-satellite estimates.
func (h *Hub) BroadcastEarnings(nodeName string, estimates []model.EarningsEstimate) {
	period := currentPeriod(h.now())
	h.broadcast(earningsDataFrame{
		Type: frameEarningsData, View: []string{nodeName},
		Period: period, Earnings: estimates, Totals: earningsTotalsFor(estimates, period, h.now()),
	}, nodeName)
}

// earningsTotalsFor sums the rows and projects the running month to a
// full-month net figure. Closed periods project to themselves at full
// time confidence; confidence drops when no storage samples back the
// period.
func earningsTotalsFor(estimates []model.EarningsEstimate, period string, now time.Time) earningsTotals {
	var t earningsTotals
	hasStorage := false
	for _, e := range estimates {
		t.Gross += e.TotalEarningsGross
		t.Net += e.TotalEarningsNet
		t.Held += e.HeldAmount
		if e.StorageByteHours > 0 {
			hasStorage = true
		}
	}
	current := period == currentPeriod(now)
	progress := 1.0
	if current {
		progress = analytics.MonthProgress(now)
	}
	t.ProjectedNet, t.Confidence = analytics.ExtrapolateMonth(t.Net, progress, current, hasStorage)
	return t
}

// BroadcastActiveCompactions pushes the full set of in-flight
// compactions; sent on every begin/end transition.
func (h *Hub) BroadcastActiveCompactions() {
	h.broadcast(activeCompactionsFrame{Type: frameActiveCompactions, Compactions: h.activeCompactions("")}, "")
}

func (h *Hub) activeCompactions(nodeFilter string) []activeCompaction {
	var out []activeCompaction
	for _, n := range h.registry.Nodes() {
		if nodeFilter != "" && n.Name() != nodeFilter {
			continue
		}
		for key, began := range n.ActiveCompactions() {
			out = append(out, activeCompaction{
				NodeName:  key.NodeName,
				Satellite: key.Satellite,
				Store:     key.Store,
				StartISO:  store.FormatTime(began),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeName != out[j].NodeName {
			return out[i].NodeName < out[j].NodeName
		}
		if out[i].Satellite != out[j].Satellite {
			return out[i].Satellite < out[j].Satellite
		}
		return out[i].Store < out[j].Store
	})
	return out
}

func currentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}
