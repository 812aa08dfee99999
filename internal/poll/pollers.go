package poll

import (
	"context"
	"log"
	"time"

	"github.com/nodepulse/nodepulse/internal/alert"
	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/config"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodeapi"
	"github.com/nodepulse/nodepulse/internal/nodestate"
	"github.com/nodepulse/nodepulse/internal/store"
)

// Dashboard is the slice of the hub the tasks push refreshed data to.
type Dashboard interface {
	StatsTick(now time.Time)
	PerformanceTick(now time.Time)
	BroadcastReputation(nodeName string, samples []model.ReputationSample)
	BroadcastStorage(nodeName string, snap model.StorageSnapshot, daysUntilFull *float64, growthPerDay float64)
	BroadcastEarnings(nodeName string, estimates []model.EarningsEstimate)
}

// AlertSink receives findings from the pollers and the evaluator.
type AlertSink interface {
	Generate(ctx context.Context, a model.Alert) (*model.Alert, error)
	Resolve(ctx context.Context, nodeName, alertType string) (int64, error)
}

// Config carries the task cadences and evaluation settings.
type Config struct {
	StatsInterval       time.Duration
	PerformanceInterval time.Duration
	AggregateInterval   time.Duration
	PruneInterval       time.Duration
	PollInterval        time.Duration
	EvaluateInterval    time.Duration
	APITimeout          time.Duration

	Retention  store.Retention
	Thresholds alert.Thresholds
	Pricing    analytics.Pricing
	ApplyHeld  bool

	AnomalyDetection  bool
	FinancialTracking bool
}

// Pollers bundles the shared dependencies of the periodic tasks. One
// instance serves every task; per-task state is confined to the task
// that owns it.
type Pollers struct {
	store    *store.Store
	registry *nodestate.Registry
	hub      Dashboard
	alerts   AlertSink
	clients  map[string]*nodeapi.Client
	cfg      Config

	// Owned by the evaluator task, which is a single goroutine.
	baselines   map[string]model.Baseline
	lastInsight map[string]time.Time

	now func() time.Time
}

// New builds the poller set. One API client is created per node spec
// that declares a management URL; nodes without one are served from
// stored data and log-derived hints. alerts may be nil, which disables
// threshold evaluation but not persistence or broadcasting.
func New(specs []config.NodeSpec, st *store.Store, registry *nodestate.Registry, hub Dashboard, alerts AlertSink, cfg Config) *Pollers {
	clients := make(map[string]*nodeapi.Client)
	for _, spec := range specs {
		if spec.HasAPI() {
			clients[spec.Name] = nodeapi.New(spec.Name, spec.APIURL, cfg.APITimeout)
		}
	}
	return &Pollers{
		store:       st,
		registry:    registry,
		hub:         hub,
		alerts:      alerts,
		clients:     clients,
		cfg:         cfg,
		baselines:   make(map[string]model.Baseline),
		lastInsight: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Register schedules every task on r. The earnings poller only runs
// when financial tracking is enabled.
func (p *Pollers) Register(r *Runner) {
	r.Go("stats", p.cfg.StatsInterval, p.statsTick)
	r.Go("performance", p.cfg.PerformanceInterval, p.performanceTick)
	r.Go("aggregate", p.cfg.AggregateInterval, p.aggregateHourly)
	r.Go("prune", p.cfg.PruneInterval, p.prune)
	r.Go("reputation", p.cfg.PollInterval, p.pollReputation)
	r.Go("storage", p.cfg.PollInterval, p.pollStorage)
	if p.cfg.FinancialTracking {
		r.Go("earnings", p.cfg.PollInterval, p.pollEarnings)
	}
	r.Go("evaluate", p.cfg.EvaluateInterval, p.evaluateAlerts)
}

func (p *Pollers) statsTick(ctx context.Context) error {
	p.hub.StatsTick(p.now())
	return nil
}

func (p *Pollers) performanceTick(ctx context.Context) error {
	p.hub.PerformanceTick(p.now())
	return nil
}

// aggregateHourly recomputes the rollup for the running hour. The
// previous bucket is included so events landing just before the hour
// flip are never missed; whole-bucket upserts keep the rerun idempotent.
func (p *Pollers) aggregateHourly(ctx context.Context) error {
	now := p.now()
	from := now.Truncate(time.Hour).Add(-time.Hour)
	return p.store.AggregateHours(ctx, from, now)
}

func (p *Pollers) prune(ctx context.Context) error {
	return p.store.PruneAll(ctx, p.now(), p.cfg.Retention)
}

// raise feeds findings to the alert manager. Cooldown suppression and
// persistence failures are the manager's business; the pollers only log
// and move on.
func (p *Pollers) raise(ctx context.Context, findings []model.Alert) {
	if p.alerts == nil {
		return
	}
	for _, a := range findings {
		if _, err := p.alerts.Generate(ctx, a); err != nil {
			log.Printf("[poll] alert %s/%s: %v", a.NodeName, a.AlertType, err)
		}
	}
}
