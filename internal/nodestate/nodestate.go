// Package nodestate holds the per-node in-memory window: recent traffic
// events, in-flight hashstore compactions, and the newest available-space
// reading. One ingest goroutine writes per node; stats and websocket
// handlers read through snapshots.
package nodestate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"github.com/nodepulse/nodepulse/internal/model"
)

// maxLiveEvents caps the live deque regardless of the time window so a
// flood of lines cannot grow memory without bound.
const maxLiveEvents = 100_000

// Node is the mutable in-memory state of one monitored node.
type Node struct {
	name string

	mu                 sync.RWMutex
	live               *deque.Deque[model.TrafficEvent]
	activeCompactions  map[model.CompactionKey]time.Time
	lastAvailableBytes int64

	dirty atomic.Bool
}

func newNode(name string) *Node {
	return &Node{
		name:               name,
		live:               deque.New[model.TrafficEvent](),
		activeCompactions:  make(map[model.CompactionKey]time.Time),
		lastAvailableBytes: -1,
	}
}

// Name returns the node's configured name.
func (n *Node) Name() string { return n.name }

// Append adds one traffic event at the tail and marks the node dirty.
// The deque is trimmed at the length cap.
func (n *Node) Append(ev model.TrafficEvent) {
	n.mu.Lock()
	n.live.PushBack(ev)
	for n.live.Len() > maxLiveEvents {
		n.live.PopFront()
	}
	n.mu.Unlock()
	n.dirty.Store(true)
}

// TrimBefore drops events older than cutoff from the head.
func (n *Node) TrimBefore(cutoff time.Time) {
	n.mu.Lock()
	for n.live.Len() > 0 && n.live.Front().Timestamp.Before(cutoff) {
		n.live.PopFront()
	}
	n.mu.Unlock()
}

// Snapshot copies events with timestamp >= since, preserving arrival
// order. A zero since copies the whole window.
func (n *Node) Snapshot(since time.Time) []model.TrafficEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]model.TrafficEvent, 0, n.live.Len())
	for i := 0; i < n.live.Len(); i++ {
		ev := n.live.At(i)
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the current live event count.
func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.live.Len()
}

// BeginCompaction records the start of a compaction run.
func (n *Node) BeginCompaction(key model.CompactionKey, ts time.Time) {
	n.mu.Lock()
	n.activeCompactions[key] = ts
	n.mu.Unlock()
}

// EndCompaction removes the matching begin, returning its timestamp.
// ok is false when no begin was observed for the key.
func (n *Node) EndCompaction(key model.CompactionKey) (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	began, ok := n.activeCompactions[key]
	if ok {
		delete(n.activeCompactions, key)
	}
	return began, ok
}

// ActiveCompactions returns a copy of the in-flight compaction map.
func (n *Node) ActiveCompactions() map[model.CompactionKey]time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[model.CompactionKey]time.Time, len(n.activeCompactions))
	for k, v := range n.activeCompactions {
		out[k] = v
	}
	return out
}

// SetAvailableBytes stores the newest available-space reading.
func (n *Node) SetAvailableBytes(v int64) {
	n.mu.Lock()
	n.lastAvailableBytes = v
	n.mu.Unlock()
}

// AvailableBytes returns the newest available-space reading, -1 when no
// hint has been seen.
func (n *Node) AvailableBytes() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastAvailableBytes
}

// MarkDirty flags the node for the next stats tick.
func (n *Node) MarkDirty() { n.dirty.Store(true) }

// ConsumeDirty reports and clears the dirty flag in one step.
func (n *Node) ConsumeDirty() bool { return n.dirty.Swap(false) }

// Dirty reports the flag without clearing it.
func (n *Node) Dirty() bool { return n.dirty.Load() }

// Registry is the immutable name → Node table built at startup.
type Registry struct {
	nodes map[string]*Node
	names []string
}

// NewRegistry builds a Registry for the configured node names,
// preserving their declaration order.
func NewRegistry(names []string) *Registry {
	r := &Registry{
		nodes: make(map[string]*Node, len(names)),
		names: make([]string, 0, len(names)),
	}
	for _, name := range names {
		if _, dup := r.nodes[name]; dup {
			continue
		}
		r.nodes[name] = newNode(name)
		r.names = append(r.names, name)
	}
	return r
}

// Node looks up a node by name.
func (r *Registry) Node(name string) (*Node, bool) {
	n, ok := r.nodes[name]
	return n, ok
}

// Names returns the node names in declaration order. The caller must
// not mutate the returned slice.
func (r *Registry) Names() []string { return r.names }

// Nodes returns all nodes in declaration order.
func (r *Registry) Nodes() []*Node {
	out := make([]*Node, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.nodes[name])
	}
	return out
}

// Resolve maps a view selection to nodes. The sentinel "Aggregate" (or
// an empty view) selects every node; unknown names are skipped.
func (r *Registry) Resolve(view []string) []*Node {
	if len(view) == 0 {
		return r.Nodes()
	}
	for _, v := range view {
		if v == ViewAggregate {
			return r.Nodes()
		}
	}
	out := make([]*Node, 0, len(view))
	for _, name := range view {
		if n, ok := r.nodes[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

// ViewAggregate is the pseudo-node selecting the whole fleet.
const ViewAggregate = "Aggregate"
