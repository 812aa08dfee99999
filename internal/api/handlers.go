package api

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/stats"
	"github.com/nodepulse/nodepulse/internal/store"
)

// Query handlers answer get_* frames for a single requesting client.
// A failed store read is logged and the response skipped: the panel
// keeps its previous data instead of blanking.

// viewNodes maps a request view (falling back to the client's own) to
// store-filter names: nil selects the whole fleet.
func (h *Hub) viewNodes(c *Client, requested []string) []string {
	view := normalizeView(requested)
	if requested == nil {
		view = c.View()
	}
	if len(view) == 0 {
		return nil
	}
	return view
}

func clampInt(v, def, max int) int {
	if v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func (h *Hub) sendHistoricalPerformance(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	points := clampInt(f.Points, 60, 1440)
	intervalSec := clampInt(f.IntervalSec, 60, 3600)
	interval := time.Duration(intervalSec) * time.Second
	since := h.now().Add(-time.Duration(points) * interval)

	series, err := h.store.PerformanceSeries(ctx, nodes, since, interval)
	if err != nil {
		log.Printf("[hub] historical performance: %v", err)
		return
	}
	h.sendFrame(c, historicalPerformanceFrame{
		Type: frameHistoricalPerformance, View: viewLabel(normalizeView(f.View)),
		IntervalSec: intervalSec, PerformanceData: series,
	})
}

func (h *Hub) sendAggregatedPerformance(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	hours := clampInt(f.Hours, 24, 24*30)
	since := h.now().Add(-time.Duration(hours) * time.Hour)

	rows, err := h.store.HourlyStats(ctx, nodes, since)
	if err != nil {
		log.Printf("[hub] aggregated performance: %v", err)
		return
	}

	merged := make(map[time.Time]*aggregatedHour)
	var order []time.Time
	for _, r := range rows {
		agg, ok := merged[r.Hour]
		if !ok {
			agg = &aggregatedHour{Hour: r.Hour}
			merged[r.Hour] = agg
			order = append(order, r.Hour)
		}
		agg.DlSuccess += r.DlSuccess
		agg.DlFail += r.DlFail
		agg.UlSuccess += r.UlSuccess
		agg.UlFail += r.UlFail
		agg.AuditSuccess += r.AuditSuccess
		agg.AuditFail += r.AuditFail
		agg.DownloadBytes += r.TotalDownloadSize
		agg.UploadBytes += r.TotalUploadSize
	}
	out := make([]aggregatedHour, 0, len(order))
	for _, hr := range order {
		out = append(out, *merged[hr])
	}

	h.sendFrame(c, aggregatedPerformanceFrame{
		Type: frameAggregatedPerformance, View: viewLabel(normalizeView(f.View)), Hours: out,
	})
}

func (h *Hub) sendHashstoreStats(ctx context.Context, c *Client, f clientFrame) {
	filter := store.CompactionFilter{
		Satellite: f.Filters.Satellite,
		Store:     f.Filters.Store,
		Limit:     500,
	}
	if f.Filters.NodeName != "" {
		filter.Nodes = []string{f.Filters.NodeName}
	}
	history, err := h.store.CompactionHistory(ctx, filter)
	if err != nil {
		log.Printf("[hub] hashstore stats: %v", err)
		return
	}
	h.sendFrame(c, hashstoreStatsFrame{
		Type: frameHashstoreStats, History: history,
		Active: h.activeCompactions(f.Filters.NodeName),
	})
}

func (h *Hub) sendReputation(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	samples, err := h.store.LatestReputation(ctx, nodes)
	if err != nil {
		log.Printf("[hub] reputation data: %v", err)
		return
	}
	h.sendFrame(c, reputationFrame{
		Type: frameReputation, View: viewLabel(normalizeView(f.View)), Reputation: samples,
	})
}

func (h *Hub) sendLatencyStats(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	hours := clampInt(f.Hours, 1, 24*7)
	since := h.now().Add(-time.Duration(hours) * time.Hour)

	samples, err := h.store.DurationSamples(ctx, nodes, since)
	if err != nil {
		log.Printf("[hub] latency stats: %v", err)
		return
	}

	categories := make([]string, 0, len(samples))
	for cat := range samples {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	out := make([]stats.LatencyPayload, 0, len(categories))
	for _, cat := range categories {
		values := samples[cat]
		p50, _ := analytics.Percentile(values, 50)
		p95, _ := analytics.Percentile(values, 95)
		p99, _ := analytics.Percentile(values, 99)
		out = append(out, stats.LatencyPayload{
			Category: cat, Count: len(values), P50: p50, P95: p95, P99: p99,
		})
	}
	h.sendFrame(c, latencyStatsFrame{
		Type: frameLatencyStats, View: viewLabel(normalizeView(f.View)), Hours: hours, Latency: out,
	})
}

func (h *Hub) sendLatencyHistogram(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	hours := clampInt(f.Hours, 1, 24*7)
	bucketMs := f.BucketSizeMs
	if bucketMs <= 0 {
		bucketMs = 100
	}
	since := h.now().Add(-time.Duration(hours) * time.Hour)

	buckets, err := h.store.LatencyHistogram(ctx, nodes, since, bucketMs)
	if err != nil {
		log.Printf("[hub] latency histogram: %v", err)
		return
	}
	h.sendFrame(c, latencyHistogramFrame{
		Type: frameLatencyHistogram, View: viewLabel(normalizeView(f.View)),
		Hours: hours, BucketSizeMs: bucketMs, Buckets: buckets,
	})
}

func (h *Hub) sendStorageData(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	days := clampInt(f.Days, 7, 90)
	now := h.now()

	latest, err := h.store.LatestStorage(ctx, nodes)
	if err != nil {
		log.Printf("[hub] storage data: %v", err)
		return
	}

	out := make([]storageStatus, 0, len(latest))
	for _, snap := range latest {
		status := storageStatus{StorageSnapshot: snap}
		history, err := h.store.StorageHistory(ctx, []string{snap.NodeName}, now.AddDate(0, 0, -days))
		if err != nil {
			log.Printf("[hub] storage history for %s: %v", snap.NodeName, err)
		} else if headline, ok := analytics.HeadlineForecast(analytics.ForecastStorage(history, now)); ok {
			status.DaysUntilFull = headline.DaysUntilFull
			status.GrowthBytesPerDay = headline.GrowthBytesPerDay
		}
		out = append(out, status)
	}
	h.sendFrame(c, storageDataFrame{
		Type: frameStorageData, View: viewLabel(normalizeView(f.View)), Storage: out,
	})
}

func (h *Hub) sendStorageHistory(ctx context.Context, c *Client, f clientFrame) {
	if f.NodeName == "" {
		return
	}
	days := clampInt(f.Days, 30, 365)
	history, err := h.store.StorageHistory(ctx, []string{f.NodeName}, h.now().AddDate(0, 0, -days))
	if err != nil {
		log.Printf("[hub] storage history: %v", err)
		return
	}
	h.sendFrame(c, storageHistoryFrame{
		Type: frameStorageHistory, NodeName: f.NodeName, History: history,
	})
}

func (h *Hub) sendActiveAlerts(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	alerts, err := h.store.ActiveAlerts(ctx, nodes)
	if err != nil {
		log.Printf("[hub] active alerts: %v", err)
		return
	}
	h.sendFrame(c, activeAlertsFrame{
		Type: frameActiveAlerts, View: viewLabel(normalizeView(f.View)), Alerts: alerts,
	})
}

func (h *Hub) acknowledgeAlert(ctx context.Context, f clientFrame) {
	if h.alerts == nil || f.AlertID == 0 {
		return
	}
	// The manager broadcasts alert_acknowledged to everyone on success.
	if _, err := h.alerts.Acknowledge(ctx, f.AlertID); err != nil {
		log.Printf("[hub] acknowledge alert %d: %v", f.AlertID, err)
	}
}

func (h *Hub) sendInsights(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	hours := clampInt(f.Hours, 24, 24*30)
	insights, err := h.store.RecentInsights(ctx, nodes, 200)
	if err != nil {
		log.Printf("[hub] insights: %v", err)
		return
	}
	cutoff := h.now().Add(-time.Duration(hours) * time.Hour)
	filtered := insights[:0]
	for _, in := range insights {
		if !in.Timestamp.Before(cutoff) {
			filtered = append(filtered, in)
		}
	}
	h.sendFrame(c, insightsFrame{
		Type: frameInsights, View: viewLabel(normalizeView(f.View)), Insights: filtered,
	})
}

func (h *Hub) sendAlertSummary(ctx context.Context, c *Client) {
	alerts, err := h.store.ActiveAlerts(ctx, nil)
	if err != nil {
		log.Printf("[hub] alert summary: %v", err)
		return
	}
	recent, err := h.store.AlertHistory(ctx, nil, h.now().Add(-24*time.Hour), 0)
	if err != nil {
		log.Printf("[hub] alert summary history: %v", err)
		return
	}
	summary := alertSummaryFrame{Type: frameAlertSummary, TotalActive: len(alerts), RaisedLast24h: len(recent)}
	for _, a := range alerts {
		switch a.Severity {
		case model.SeverityCritical:
			summary.Critical++
		case model.SeverityWarning:
			summary.Warning++
		default:
			summary.Info++
		}
	}
	h.sendFrame(c, summary)
}

// periodFor maps the requested earnings period keyword onto a concrete
// "YYYY-MM" period, defaulting to the current month. Month arithmetic
// anchors on the first so late-month dates never normalize forward.
func periodFor(keyword string, now time.Time) string {
	switch keyword {
	case "previous":
		now = now.UTC()
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0).Format("2006-01")
	default:
		return currentPeriod(now)
	}
}

func (h *Hub) sendEarningsData(ctx context.Context, c *Client, f clientFrame) {
	nodes := h.viewNodes(c, f.View)
	now := h.now()

	var (
		rows   []model.EarningsEstimate
		err    error
		period string
	)
	if f.Period == "12months" {
		// Spans many months; totals are sums, never projected.
		rows, err = h.store.EarningsHistory(ctx, nodes, now.UTC().AddDate(0, -11, 0).Format("2006-01"))
	} else {
		period = periodFor(f.Period, now)
		rows, err = h.store.EarningsForPeriod(ctx, nodes, period)
	}
	if err != nil {
		log.Printf("[hub] earnings data: %v", err)
		return
	}

	h.sendFrame(c, earningsDataFrame{
		Type: frameEarningsData, View: viewLabel(normalizeView(f.View)),
		Period: f.Period, Earnings: rows, Totals: earningsTotalsFor(rows, period, now),
	})
}

func (h *Hub) sendEarningsHistory(ctx context.Context, c *Client, f clientFrame) {
	if f.NodeName == "" {
		return
	}
	days := clampInt(f.Days, 365, 3650)
	fromPeriod := h.now().UTC().AddDate(0, 0, -days).Format("2006-01")

	rows, err := h.store.EarningsHistory(ctx, []string{f.NodeName}, fromPeriod)
	if err != nil {
		log.Printf("[hub] earnings history: %v", err)
		return
	}
	if f.Satellite != "" {
		filtered := rows[:0]
		for _, e := range rows {
			if e.Satellite == f.Satellite {
				filtered = append(filtered, e)
			}
		}
		rows = filtered
	}
	h.sendFrame(c, earningsHistoryFrame{
		Type: frameEarningsHistory, NodeName: f.NodeName, Satellite: f.Satellite, History: rows,
	})
}

func timeRangeSince(timeRange string, now time.Time) time.Time {
	switch timeRange {
	case "7d":
		return now.AddDate(0, 0, -7)
	case "30d":
		return now.AddDate(0, 0, -30)
	default: // 24h
		return now.Add(-24 * time.Hour)
	}
}

func (h *Hub) sendComparisonData(ctx context.Context, c *Client, f clientFrame) {
	names := f.NodeNames
	if len(names) == 0 {
		names = h.registry.Names()
	}
	now := h.now()
	since := timeRangeSince(f.TimeRange, now)

	entries := make([]comparisonEntry, 0, len(names))
	for _, name := range names {
		if _, ok := h.registry.Node(name); !ok {
			continue
		}
		metrics, err := h.comparisonMetrics(ctx, name, f.ComparisonType, since, now)
		if err != nil {
			log.Printf("[hub] comparison for %s: %v", name, err)
			continue
		}
		entries = append(entries, comparisonEntry{NodeName: name, Metrics: metrics})
	}
	h.sendFrame(c, comparisonFrame{
		Type: frameComparison, ComparisonType: f.ComparisonType, TimeRange: f.TimeRange, Nodes: entries,
	})
}

func (h *Hub) comparisonMetrics(ctx context.Context, node, comparisonType string, since, now time.Time) (map[string]float64, error) {
	nodes := []string{node}
	switch comparisonType {
	case "reputation":
		samples, err := h.store.ReputationHistory(ctx, nodes, since)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			// Node newer than the range, or no API. Fall back to the
			// latest known samples.
			samples, err = h.store.LatestReputation(ctx, nodes)
			if err != nil {
				return nil, err
			}
		}
		m := map[string]float64{"audit_score": 100, "suspension_score": 100, "online_score": 100}
		if len(samples) > 0 {
			var audit, susp, online float64
			for _, s := range samples {
				audit += s.AuditScore
				susp += s.SuspensionScore
				online += s.OnlineScore
			}
			n := float64(len(samples))
			m["audit_score"] = audit / n
			m["suspension_score"] = susp / n
			m["online_score"] = online / n
		}
		return m, nil
	case "storage":
		snaps, err := h.store.LatestStorage(ctx, nodes)
		if err != nil {
			return nil, err
		}
		m := map[string]float64{}
		for _, s := range snaps {
			m["used_percent"] = s.UsedPercent
			m["used_bytes"] = float64(s.UsedBytes)
			m["available_bytes"] = float64(s.AvailableBytes)
		}
		return m, nil
	case "earnings":
		rows, err := h.store.EarningsForPeriod(ctx, nodes, currentPeriod(now))
		if err != nil {
			return nil, err
		}
		m := map[string]float64{}
		for _, e := range rows {
			m["total_net"] += e.TotalEarningsNet
			m["total_gross"] += e.TotalEarningsGross
			m["held"] += e.HeldAmount
		}
		return m, nil
	default: // traffic
		rows, err := h.store.HourlyStats(ctx, nodes, since)
		if err != nil {
			return nil, err
		}
		var ok, fail, dl, ul int64
		for _, r := range rows {
			ok += r.DlSuccess + r.UlSuccess + r.AuditSuccess
			fail += r.DlFail + r.UlFail + r.AuditFail
			dl += r.TotalDownloadSize
			ul += r.TotalUploadSize
		}
		m := map[string]float64{
			"download_bytes": float64(dl),
			"upload_bytes":   float64(ul),
			"ops":            float64(ok + fail),
		}
		if ok+fail > 0 {
			m["success_rate"] = float64(ok) / float64(ok+fail) * 100
		}
		return m, nil
	}
}
