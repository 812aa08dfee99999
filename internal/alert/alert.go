// Package alert generates, deduplicates, and routes operator alerts.
//
// Alerts are born in the threshold evaluators fed by the pollers. The
// Manager is the single chokepoint: it suppresses repeats inside a
// cooldown window, persists what survives, then fans the alert out to
// connected dashboards and external notification channels.
package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/notify"
)

const defaultCooldown = 15 * time.Minute

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	SaveAlert(ctx context.Context, a *model.Alert) error
	AcknowledgeAlert(ctx context.Context, id int64, at time.Time) (bool, error)
	ResolveAlerts(ctx context.Context, nodeName, alertType string, at time.Time) (int64, error)
}

// Broadcaster pushes alert lifecycle events to connected clients.
type Broadcaster interface {
	BroadcastNewAlert(a model.Alert)
	BroadcastAlertAcknowledged(id int64)
}

// Manager owns alert lifecycle: cooldown suppression, persistence,
// broadcast, and notification dispatch. Safe for concurrent use.
type Manager struct {
	store      Store
	hub        Broadcaster
	dispatcher *notify.Dispatcher
	cooldown   time.Duration

	lastFired *xsync.Map[string, time.Time]
	active    *xsync.Map[string, model.Alert]

	now func() time.Time
}

// NewManager wires the manager to its persistence and delivery sinks.
// hub and dispatcher may be nil; alerts are then only persisted.
func NewManager(store Store, hub Broadcaster, dispatcher *notify.Dispatcher, cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Manager{
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		lastFired:  xsync.NewMap[string, time.Time](),
		active:     xsync.NewMap[string, model.Alert](),
		now:        time.Now,
	}
}

// dedupKey scopes suppression to nodeName:alertType, extended by the
// "satellite" and "metric" metadata fields when present. Two findings
// with the same key are the same ongoing condition.
func dedupKey(a model.Alert) string {
	key := a.NodeName + ":" + a.AlertType
	if s := a.Metadata["satellite"]; s != "" {
		key += ":" + s
	}
	if m := a.Metadata["metric"]; m != "" {
		key += ":" + m
	}
	return key
}

// Generate runs one finding through the alert pipeline. A repeat of an
// alert generated less than the cooldown ago returns (nil, nil) with no
// side effects. Persistence failure aborts before any caching or
// broadcast so the next evaluation retries cleanly.
func (m *Manager) Generate(ctx context.Context, a model.Alert) (*model.Alert, error) {
	key := dedupKey(a)
	now := m.now()
	if last, ok := m.lastFired.Load(key); ok && now.Sub(last) < m.cooldown {
		return nil, nil
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	if a.Severity == "" {
		a.Severity = model.SeverityWarning
	}
	if err := m.store.SaveAlert(ctx, &a); err != nil {
		return nil, fmt.Errorf("persist alert %s: %w", key, err)
	}
	log.Printf("[alert] %s: %s (%s)", a.NodeName, a.Title, a.Severity)

	m.lastFired.Store(key, now)
	m.active.Store(key, a)

	if m.hub != nil {
		m.hub.BroadcastNewAlert(a)
	}
	m.dispatch(a)
	return &a, nil
}

func (m *Manager) dispatch(a model.Alert) {
	if m.dispatcher == nil || m.dispatcher.Len() == 0 {
		return
	}
	m.dispatcher.Dispatch(notify.Notification{
		AlertType: a.AlertType,
		Severity:  a.Severity,
		NodeName:  a.NodeName,
		Title:     a.Title,
		Message:   a.Message,
		Details:   a.Metadata,
	})
}

// Acknowledge marks an alert as seen by the operator. The row stays in
// history; only the active cache and the dashboards hear about it.
func (m *Manager) Acknowledge(ctx context.Context, id int64) (bool, error) {
	ok, err := m.store.AcknowledgeAlert(ctx, id, m.now())
	if err != nil {
		return false, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	m.active.Range(func(key string, a model.Alert) bool {
		if a.ID == id {
			m.active.Delete(key)
			return false
		}
		return true
	})
	if m.hub != nil {
		m.hub.BroadcastAlertAcknowledged(id)
	}
	return true, nil
}

// Resolve clears every active alert of the given type for a node once
// its metric is healthy again. Keys are swept by prefix so satellite-
// and metric-scoped variants fall together. The cooldown entries drop
// with them: a fresh regression alerts immediately.
func (m *Manager) Resolve(ctx context.Context, nodeName, alertType string) (int64, error) {
	prefix := nodeName + ":" + alertType
	matched := false
	m.active.Range(func(key string, _ model.Alert) bool {
		if key == prefix || strings.HasPrefix(key, prefix+":") {
			m.active.Delete(key)
			matched = true
		}
		return true
	})
	if !matched {
		return 0, nil
	}
	m.lastFired.Range(func(key string, _ time.Time) bool {
		if key == prefix || strings.HasPrefix(key, prefix+":") {
			m.lastFired.Delete(key)
		}
		return true
	})

	n, err := m.store.ResolveAlerts(ctx, nodeName, alertType, m.now())
	if err != nil {
		return 0, fmt.Errorf("resolve %s alerts for %s: %w", alertType, nodeName, err)
	}
	if n > 0 {
		log.Printf("[alert] %s: %s resolved (%d cleared)", nodeName, alertType, n)
	}
	return n, nil
}

// Hydrate seeds the caches from alerts persisted by an earlier run so
// auto-resolution and cooldown suppression survive restarts.
func (m *Manager) Hydrate(alerts []model.Alert) {
	for _, a := range alerts {
		key := dedupKey(a)
		m.active.Store(key, a)
		if !a.Timestamp.IsZero() {
			m.lastFired.Store(key, a.Timestamp)
		}
	}
}

// ActiveCount reports how many alerts are currently tracked as active.
func (m *Manager) ActiveCount() int {
	return m.active.Size()
}
