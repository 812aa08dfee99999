package poll

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/nodepulse/nodepulse/internal/alert"
	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
)

const (
	// baselineWindowHours is the trailing window baselines summarize.
	baselineWindowHours = 168
	// baselineTTL is how long a computed baseline is reused before the
	// window is refit.
	baselineTTL = time.Hour
	// latencyWindow bounds the samples behind the evaluated p99.
	latencyWindow = time.Hour
	// insightCooldown keeps a persisting deviation from stacking up
	// insight rows on every sweep.
	insightCooldown = 15 * time.Minute
)

// baselineMetrics are the hourly-rollup series tracked for anomalies.
var baselineMetrics = []struct {
	name  string
	value func(h model.HourlyStat) float64
}{
	{"hourly_download_ops", func(h model.HourlyStat) float64 { return float64(h.DlSuccess + h.DlFail) }},
	{"hourly_upload_ops", func(h model.HourlyStat) float64 { return float64(h.UlSuccess + h.UlFail) }},
	{"hourly_download_bytes", func(h model.HourlyStat) float64 { return float64(h.TotalDownloadSize) }},
	{"hourly_upload_bytes", func(h model.HourlyStat) float64 { return float64(h.TotalUploadSize) }},
}

// nodeFindings accumulates one sweep's verdicts for a node. A type
// raised on any satellite stays raised even when another satellite
// reports it healthy; only types healthy everywhere may resolve.
type nodeFindings struct {
	raise   []model.Alert
	raised  map[string]bool
	healthy map[string]bool
}

func newNodeFindings() *nodeFindings {
	return &nodeFindings{raised: make(map[string]bool), healthy: make(map[string]bool)}
}

func (f *nodeFindings) add(raise []model.Alert, healthy []string) {
	for _, a := range raise {
		f.raise = append(f.raise, a)
		f.raised[a.AlertType] = true
	}
	for _, t := range healthy {
		f.healthy[t] = true
	}
}

// evaluateAlerts re-scans the latest persisted reputation, storage and
// latency figures against the thresholds. It raises on breaches,
// resolves active alerts whose metric has recovered on every satellite,
// and finally runs anomaly detection over the hourly rollups. The
// pollers evaluate fresh fetches themselves; this sweep covers data
// they missed and is the only place resolution happens.
func (p *Pollers) evaluateAlerts(ctx context.Context) error {
	if p.alerts == nil {
		return nil
	}
	now := p.now()

	findings := make(map[string]*nodeFindings)
	get := func(node string) *nodeFindings {
		f, ok := findings[node]
		if !ok {
			f = newNodeFindings()
			findings[node] = f
		}
		return f
	}

	reps, err := p.store.LatestReputation(ctx, nil)
	if err != nil {
		return err
	}
	for _, s := range reps {
		get(s.NodeName).add(alert.EvaluateReputation(p.cfg.Thresholds, s))
	}

	snaps, err := p.store.LatestStorage(ctx, nil)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		var days *float64
		if headline, ok := p.forecast(ctx, snap.NodeName, now); ok {
			days = headline.DaysUntilFull
		}
		get(snap.NodeName).add(alert.EvaluateStorage(p.cfg.Thresholds, snap, days))
	}

	for _, name := range p.registry.Names() {
		p99, ok, err := p.latencyP99(ctx, name, now)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		get(name).add(alert.EvaluateLatency(p.cfg.Thresholds, name, p99))
	}

	for node, f := range findings {
		p.raise(ctx, f.raise)
		for t := range f.healthy {
			if f.raised[t] {
				continue
			}
			if _, err := p.alerts.Resolve(ctx, node, t); err != nil {
				log.Printf("[poll] resolve %s/%s: %v", node, t, err)
			}
		}
	}

	if p.cfg.AnomalyDetection {
		p.detectAnomalies(ctx, now)
	}
	return ctx.Err()
}

// latencyP99 computes the node's p99 over every measured operation in
// the trailing hour. ok is false when nothing was measured.
func (p *Pollers) latencyP99(ctx context.Context, name string, now time.Time) (float64, bool, error) {
	samples, err := p.store.DurationSamples(ctx, []string{name}, now.Add(-latencyWindow))
	if err != nil {
		return 0, false, err
	}
	var all []float64
	for _, s := range samples {
		all = append(all, s...)
	}
	if len(all) == 0 {
		return 0, false, nil
	}
	sort.Float64s(all)
	p99, ok := analytics.Percentile(all, 99)
	return p99, ok, nil
}

// detectAnomalies scores the last complete hour of each node's rollups
// against per-metric baselines. A missing bucket means no data, not
// zero, and skips the node for the sweep.
func (p *Pollers) detectAnomalies(ctx context.Context, now time.Time) {
	target := now.Truncate(time.Hour).Add(-time.Hour)
	since := target.Add(-baselineWindowHours * time.Hour)
	for _, name := range p.registry.Names() {
		stats, err := p.store.HourlyStats(ctx, []string{name}, since)
		if err != nil {
			log.Printf("[poll] anomalies %s: %v", name, err)
			continue
		}
		var current *model.HourlyStat
		var history []model.HourlyStat
		for i := range stats {
			switch {
			case stats[i].Hour.Equal(target):
				current = &stats[i]
			case stats[i].Hour.Before(target):
				history = append(history, stats[i])
			}
		}
		if current == nil {
			continue
		}

		for _, m := range baselineMetrics {
			values := make([]float64, 0, len(history))
			for _, h := range history {
				values = append(values, m.value(h))
			}
			b, ok := p.baselineFor(ctx, name, m.name, values, now)
			if !ok {
				continue
			}
			value := m.value(*current)
			if a, ok := analytics.DetectAnomaly(value, b.Mean, b.StdDev); ok {
				p.recordAnomaly(ctx, name, m.name, value, a, now)
			}
		}
	}
}

// baselineFor returns the node+metric baseline, read through the
// per-process cache and the stored row. Either being older than the TTL
// forces a refit from the supplied window values, which is then
// upserted for the dashboards.
func (p *Pollers) baselineFor(ctx context.Context, node, metric string, values []float64, now time.Time) (model.Baseline, bool) {
	key := node + "\x00" + metric
	if b, ok := p.baselines[key]; ok && now.Sub(b.LastUpdated) < baselineTTL {
		return b, true
	}
	if b, ok, err := p.store.GetBaseline(ctx, node, metric, baselineWindowHours); err == nil && ok && now.Sub(b.LastUpdated) < baselineTTL {
		p.baselines[key] = b
		return b, true
	}

	stats, ok := analytics.ComputeBaseline(values)
	if !ok {
		return model.Baseline{}, false
	}
	b := model.Baseline{
		NodeName:    node,
		MetricName:  metric,
		WindowHours: baselineWindowHours,
		Mean:        stats.Mean,
		StdDev:      stats.StdDev,
		Min:         stats.Min,
		Max:         stats.Max,
		SampleCount: stats.Count,
		LastUpdated: now,
	}
	if err := p.store.UpsertBaseline(ctx, b); err != nil {
		log.Printf("[poll] baseline %s/%s: %v", node, metric, err)
	}
	p.baselines[key] = b
	return b, true
}

// recordAnomaly persists one finding as an insight and escalates
// critical deviations to the alert manager.
func (p *Pollers) recordAnomaly(ctx context.Context, node, metric string, value float64, a analytics.Anomaly, now time.Time) {
	key := node + "\x00" + metric + "\x00" + a.Type
	if last, ok := p.lastInsight[key]; ok && now.Sub(last) < insightCooldown {
		return
	}
	p.lastInsight[key] = now

	direction := "spiked"
	if a.Type == analytics.AnomalyDrop {
		direction = "dropped"
	}
	in := &model.Insight{
		Timestamp:   now,
		NodeName:    node,
		InsightType: "anomaly",
		Severity:    a.Severity,
		Title:       fmt.Sprintf("Unusual %s", metric),
		Description: fmt.Sprintf("%s %s %s to %.0f (z-score %.1f)", node, metric, direction, value, a.ZScore),
		Category:    "performance",
		Confidence:  a.Confidence,
		Metadata: map[string]string{
			"metric":  metric,
			"value":   strconv.FormatFloat(value, 'f', 2, 64),
			"z_score": strconv.FormatFloat(a.ZScore, 'f', 2, 64),
			"type":    a.Type,
		},
	}
	if err := p.store.SaveInsight(ctx, in); err != nil {
		log.Printf("[poll] insight %s/%s: %v", node, metric, err)
		return
	}
	if a.Severity == model.SeverityCritical {
		p.raise(ctx, []model.Alert{alert.AnomalyAlert(node, metric, value, a)})
	}
}
