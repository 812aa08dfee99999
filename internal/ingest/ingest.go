// Package ingest runs one worker per node: the tail source feeds the
// parser, and the parsed variants are routed to the in-memory node
// state, the persistence queue, and the live dashboard. Per node, lines
// are handled in strict arrival order.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/nodepulse/nodepulse/internal/config"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodestate"
	"github.com/nodepulse/nodepulse/internal/parse"
	"github.com/nodepulse/nodepulse/internal/tail"
)

// saveTimeout bounds the awaited compaction-record write; the event
// path never waits on the database.
const saveTimeout = 10 * time.Second

// Store receives what ingestion persists: the non-blocking event queue
// and the awaited compaction-record write.
type Store interface {
	Emit(ev model.TrafficEvent)
	SaveCompaction(ctx context.Context, rec model.CompactionRecord) error
}

// Broadcaster receives live notifications for connected dashboards.
type Broadcaster interface {
	QueueLogEntry(ev model.TrafficEvent)
	BroadcastActiveCompactions()
}

// Manager owns the tail sources for the whole fleet.
type Manager struct {
	registry *nodestate.Registry
	parser   *parse.Parser
	store    Store
	hub      Broadcaster

	sources []*tail.Source
}

// NewManager builds one tail source per node spec. gate may be nil;
// when set, sources idle while no dashboard is connected.
func NewManager(specs []config.NodeSpec, registry *nodestate.Registry, parser *parse.Parser, st Store, hub Broadcaster, gate *tail.Gate) *Manager {
	m := &Manager{
		registry: registry,
		parser:   parser,
		store:    st,
		hub:      hub,
	}
	for _, spec := range specs {
		node, ok := registry.Node(spec.Name)
		if !ok {
			log.Printf("[ingest] %s: not in registry, skipping", spec.Name)
			continue
		}
		m.sources = append(m.sources, tail.New(tail.Config{
			Node: spec.Name,
			Path: spec.LogPath,
			Addr: spec.ForwardAddr,
			Gate: gate,
			Sink: func(line string) { m.handleLine(node, line) },
		}))
	}
	return m
}

// Start spawns every source worker.
func (m *Manager) Start() {
	for _, s := range m.sources {
		s.Start()
	}
	log.Printf("[ingest] started %d source(s)", len(m.sources))
}

// Stop halts reading and waits for the workers. Lines already handed to
// the sink have reached the store queue by the time Stop returns.
func (m *Manager) Stop() {
	for _, s := range m.sources {
		s.Stop()
	}
}

// Malformed reports how many lines the parser rejected.
func (m *Manager) Malformed() int64 {
	return m.parser.Malformed()
}

func (m *Manager) handleLine(node *nodestate.Node, line string) {
	parsed, ok := m.parser.Parse(node.Name(), line)
	if !ok {
		return
	}
	switch parsed.Kind {
	case parse.KindTraffic:
		node.Append(parsed.Traffic)
		m.store.Emit(parsed.Traffic)
		m.hub.QueueLogEntry(parsed.Traffic)
	case parse.KindCompactionBegin:
		node.BeginCompaction(parsed.Compaction, parsed.Timestamp)
		m.hub.BroadcastActiveCompactions()
	case parse.KindCompactionEnd:
		m.finishCompaction(node, parsed)
	case parse.KindStorageHint:
		node.SetAvailableBytes(parsed.AvailableBytes)
	}
}

// finishCompaction closes the in-flight entry and persists the run. The
// measured begin→end span wins over the declared duration; the declared
// value covers ends whose begin predates this process.
func (m *Manager) finishCompaction(node *nodestate.Node, parsed parse.Line) {
	duration := parsed.End.DeclaredDurationSeconds
	if began, ok := node.EndCompaction(parsed.Compaction); ok {
		if span := parsed.Timestamp.Sub(began).Seconds(); span >= 0 {
			duration = span
		}
	}
	rec := model.CompactionRecord{
		NodeName:           parsed.Compaction.NodeName,
		Satellite:          parsed.Compaction.Satellite,
		Store:              parsed.Compaction.Store,
		LastRun:            parsed.Timestamp,
		DurationSeconds:    duration,
		DataReclaimedBytes: parsed.End.DataReclaimedBytes,
		DataRewrittenBytes: parsed.End.DataRewrittenBytes,
		TableLoad:          parsed.End.TableLoad,
		TrashPercent:       parsed.End.TrashPercent,
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.store.SaveCompaction(ctx, rec); err != nil {
		log.Printf("[ingest] %s: saving compaction: %v", rec.NodeName, err)
	}
	m.hub.BroadcastActiveCompactions()
}
