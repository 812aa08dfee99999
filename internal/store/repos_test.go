package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

func TestHourlyAggregationIsIdempotent(t *testing.T) {
	s := newTestStore(t, nil)
	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

	emit := func(node string, offset time.Duration, action, status string, size int64) {
		s.Emit(testEvent(node, base.Add(offset), action, status, size))
	}
	emit("alpha", time.Minute, model.ActionGet, model.StatusSuccess, 100)
	emit("alpha", 2*time.Minute, model.ActionGet, model.StatusSuccess, 200)
	emit("alpha", 3*time.Minute, model.ActionGet, model.StatusFailed, 0)
	emit("alpha", 4*time.Minute, model.ActionPut, model.StatusSuccess, 50)
	emit("alpha", 5*time.Minute, model.ActionGetAudit, model.StatusFailed, 0)
	emit("alpha", 6*time.Minute, model.ActionGet, model.StatusCanceled, 0)
	emit("beta", 7*time.Minute, model.ActionPutRepair, model.StatusSuccess, 70)
	emit("alpha", time.Hour+time.Minute, model.ActionPut, model.StatusSuccess, 10)
	emit("alpha", time.Hour+2*time.Minute, model.ActionPut, model.StatusSuccess, 20)
	waitForRows(t, s, "events", 9)

	ctx := t.Context()
	if err := s.AggregateHours(ctx, base, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("AggregateHours: %v", err)
	}

	read := func() map[string]model.HourlyStat {
		stats, err := s.HourlyStats(ctx, nil, base)
		if err != nil {
			t.Fatalf("HourlyStats: %v", err)
		}
		out := make(map[string]model.HourlyStat, len(stats))
		for _, h := range stats {
			out[fmt.Sprintf("%s|%s", h.NodeName, h.Hour.Format(time.RFC3339))] = h
		}
		return out
	}

	first := read()
	if len(first) != 3 {
		t.Fatalf("rollup buckets: got %d, want 3", len(first))
	}
	h14 := first["alpha|"+base.Format(time.RFC3339)]
	if h14.DlSuccess != 2 || h14.DlFail != 1 || h14.UlSuccess != 1 || h14.UlFail != 0 {
		t.Fatalf("hour-14 counters: %+v", h14)
	}
	if h14.AuditSuccess != 0 || h14.AuditFail != 1 {
		t.Fatalf("hour-14 audit counters: %+v", h14)
	}
	if h14.TotalDownloadSize != 300 || h14.TotalUploadSize != 50 {
		t.Fatalf("hour-14 byte sums: %+v", h14)
	}
	h15 := first["alpha|"+base.Add(time.Hour).Format(time.RFC3339)]
	if h15.UlSuccess != 2 || h15.TotalUploadSize != 30 {
		t.Fatalf("hour-15 counters: %+v", h15)
	}
	b14 := first["beta|"+base.Format(time.RFC3339)]
	if b14.UlSuccess != 1 || b14.TotalUploadSize != 70 {
		t.Fatalf("beta hour-14 counters: %+v", b14)
	}

	// Recomputing the same window replaces buckets with identical
	// values instead of double counting.
	if err := s.AggregateHours(ctx, base, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("second AggregateHours: %v", err)
	}
	if err := s.BackfillHourly(ctx, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("BackfillHourly: %v", err)
	}
	second := read()
	if len(second) != len(first) {
		t.Fatalf("bucket count changed: got %d, want %d", len(second), len(first))
	}
	for k, want := range first {
		if got := second[k]; got != want {
			t.Errorf("bucket %s changed: got %+v, want %+v", k, got, want)
		}
	}

	filtered, err := s.HourlyStats(ctx, []string{"beta"}, base)
	if err != nil {
		t.Fatalf("HourlyStats filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].NodeName != "beta" {
		t.Fatalf("filtered rollups: %+v", filtered)
	}
}

func TestPruneAllHonorsRetention(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	now := time.Now()

	s.Emit(testEvent("alpha", now.Add(-72*time.Hour), model.ActionGet, model.StatusSuccess, 10))
	s.Emit(testEvent("alpha", now.Add(-time.Hour), model.ActionGet, model.StatusSuccess, 20))
	waitForRows(t, s, "events", 2)

	stale := &model.Alert{Timestamp: now.Add(-72 * time.Hour), NodeName: "alpha", AlertType: "audit_score", Severity: model.SeverityWarning, Title: "old", Message: "old"}
	fresh := &model.Alert{Timestamp: now.Add(-time.Hour), NodeName: "alpha", AlertType: "audit_score", Severity: model.SeverityWarning, Title: "new", Message: "new"}
	for _, a := range []*model.Alert{stale, fresh} {
		if err := s.SaveAlert(ctx, a); err != nil {
			t.Fatalf("SaveAlert: %v", err)
		}
	}

	err := s.PruneAll(ctx, now, Retention{Events: 48 * time.Hour, Alerts: 48 * time.Hour})
	if err != nil {
		t.Fatalf("PruneAll: %v", err)
	}
	if n := countRows(t, s, "events"); n != 1 {
		t.Fatalf("events after prune: got %d, want 1", n)
	}
	if n := countRows(t, s, "alerts"); n != 1 {
		t.Fatalf("alerts after prune: got %d, want 1", n)
	}

	kept, err := s.RecentEvents(ctx, nil, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(kept) != 1 || kept[0].Size != 20 {
		t.Fatalf("wrong event survived prune: %+v", kept)
	}
}

func TestEarningsUpsertReplacesPeriodRow(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	now := time.Now()

	e := model.EarningsEstimate{
		NodeName:         "alpha",
		Satellite:        "sat-1",
		Period:           "2025-03",
		EgressBytes:      1 << 40,
		EgressNet:        1.5,
		TotalEarningsNet: 1.5,
		Timestamp:        now,
	}
	if err := s.UpsertEarnings(ctx, e); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	e.TotalEarningsNet = 2.75
	e.IsFinalized = true
	if err := s.UpsertEarnings(ctx, e); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := s.EarningsForPeriod(ctx, nil, "2025-03")
	if err != nil {
		t.Fatalf("EarningsForPeriod: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows for period: got %d, want 1", len(rows))
	}
	if rows[0].TotalEarningsNet != 2.75 || !rows[0].IsFinalized {
		t.Fatalf("upsert did not replace: %+v", rows[0])
	}

	e.Satellite = "sat-2"
	if err := s.UpsertEarnings(ctx, e); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	history, err := s.EarningsHistory(ctx, nil, "2025-01")
	if err != nil {
		t.Fatalf("EarningsHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows: got %d, want 2", len(history))
	}
}

func TestBaselineUpsertAndFetch(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()

	if _, ok, err := s.GetBaseline(ctx, "alpha", "success_rate", 24); err != nil || ok {
		t.Fatalf("missing baseline: got ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	b := model.Baseline{
		NodeName:    "alpha",
		MetricName:  "success_rate",
		WindowHours: 24,
		Mean:        97.5,
		StdDev:      1.25,
		Min:         94,
		Max:         99.8,
		SampleCount: 24,
		LastUpdated: time.Now(),
	}
	if err := s.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	b.Mean = 96.0
	b.SampleCount = 48
	if err := s.UpsertBaseline(ctx, b); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, ok, err := s.GetBaseline(ctx, "alpha", "success_rate", 24)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if !ok {
		t.Fatal("baseline not found after upsert")
	}
	if got.Mean != 96.0 || got.SampleCount != 48 || got.StdDev != 1.25 {
		t.Fatalf("baseline after upsert: %+v", got)
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	now := time.Now()

	a := &model.Alert{
		Timestamp: now,
		NodeName:  "alpha",
		AlertType: "audit_score",
		Severity:  model.SeverityCritical,
		Title:     "Audit score critical",
		Message:   "audit score 55.0 below 60.0",
		Metadata:  map[string]string{"satellite": "sat-1", "value": "55.0"},
	}
	if err := s.SaveAlert(ctx, a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	if a.ID <= 0 {
		t.Fatalf("alert id not assigned: %d", a.ID)
	}

	active, err := s.ActiveAlerts(ctx, nil)
	if err != nil {
		t.Fatalf("ActiveAlerts: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active alerts: got %d, want 1", len(active))
	}
	if active[0].Metadata["satellite"] != "sat-1" {
		t.Fatalf("metadata lost: %+v", active[0].Metadata)
	}

	ok, err := s.AcknowledgeAlert(ctx, a.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if !ok {
		t.Fatal("first acknowledge: got false, want true")
	}
	ok, err = s.AcknowledgeAlert(ctx, a.ID, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second AcknowledgeAlert: %v", err)
	}
	if ok {
		t.Fatal("second acknowledge: got true, want false")
	}

	n, err := s.ResolveAlerts(ctx, "alpha", "audit_score", now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("ResolveAlerts: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved count: got %d, want 1", n)
	}
	active, err = s.ActiveAlerts(ctx, nil)
	if err != nil {
		t.Fatalf("ActiveAlerts after resolve: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active alerts after resolve: got %d, want 0", len(active))
	}

	history, err := s.AlertHistory(ctx, []string{"alpha"}, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("AlertHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history: got %d rows, want 1", len(history))
	}
	h := history[0]
	if !h.Acknowledged || !h.Resolved || h.AcknowledgedAt.IsZero() || h.ResolvedAt.IsZero() {
		t.Fatalf("lifecycle flags not persisted: %+v", h)
	}
}

func TestInsightLifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()

	in := &model.Insight{
		Timestamp:   time.Now(),
		NodeName:    "alpha",
		InsightType: "anomaly",
		Severity:    model.SeverityWarning,
		Title:       "Error rate spike",
		Description: "error rate 4.2x above baseline",
		Category:    "traffic",
		Confidence:  0.8,
	}
	if err := s.SaveInsight(ctx, in); err != nil {
		t.Fatalf("SaveInsight: %v", err)
	}
	if in.ID <= 0 {
		t.Fatalf("insight id not assigned: %d", in.ID)
	}

	recent, err := s.RecentInsights(ctx, nil, 10)
	if err != nil {
		t.Fatalf("RecentInsights: %v", err)
	}
	if len(recent) != 1 || recent[0].Confidence != 0.8 {
		t.Fatalf("recent insights: %+v", recent)
	}

	ok, err := s.AcknowledgeInsight(ctx, in.ID)
	if err != nil {
		t.Fatalf("AcknowledgeInsight: %v", err)
	}
	if !ok {
		t.Fatal("acknowledge: got false, want true")
	}
	ok, err = s.AcknowledgeInsight(ctx, in.ID)
	if err != nil {
		t.Fatalf("second AcknowledgeInsight: %v", err)
	}
	if ok {
		t.Fatal("second acknowledge: got true, want false")
	}
}

func TestCompactionHistoryDedupAndFilters(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	t0 := time.Date(2025, 4, 2, 3, 0, 0, 0, time.UTC)

	rec := model.CompactionRecord{
		NodeName:           "alpha",
		Satellite:          "sat-1",
		Store:              "s0",
		LastRun:            t0,
		DurationSeconds:    12.5,
		DataReclaimedBytes: 4 << 20,
		DataRewrittenBytes: 1 << 20,
		TableLoad:          0.42,
		TrashPercent:       3.1,
	}
	// Replayed log lines may hand the writer the same run twice.
	if err := s.SaveCompaction(ctx, rec); err != nil {
		t.Fatalf("first SaveCompaction: %v", err)
	}
	if err := s.SaveCompaction(ctx, rec); err != nil {
		t.Fatalf("duplicate SaveCompaction: %v", err)
	}
	rec2 := rec
	rec2.Store = "s1"
	rec2.LastRun = t0.Add(time.Hour)
	if err := s.SaveCompaction(ctx, rec2); err != nil {
		t.Fatalf("second SaveCompaction: %v", err)
	}

	all, err := s.CompactionHistory(ctx, CompactionFilter{})
	if err != nil {
		t.Fatalf("CompactionHistory: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("history rows: got %d, want 2", len(all))
	}
	if all[0].Store != "s1" {
		t.Fatalf("history order (newest first): got %q first", all[0].Store)
	}
	got := all[1]
	if got.DurationSeconds != 12.5 || got.DataReclaimedBytes != 4<<20 || got.TableLoad != 0.42 {
		t.Fatalf("compaction roundtrip: %+v", got)
	}
	if !got.LastRun.Equal(t0) {
		t.Fatalf("compaction last run: got %v, want %v", got.LastRun, t0)
	}

	byStore, err := s.CompactionHistory(ctx, CompactionFilter{Store: "s1"})
	if err != nil {
		t.Fatalf("filtered history: %v", err)
	}
	if len(byStore) != 1 || byStore[0].Store != "s1" {
		t.Fatalf("store filter: %+v", byStore)
	}
	none, err := s.CompactionHistory(ctx, CompactionFilter{Satellite: "sat-9"})
	if err != nil {
		t.Fatalf("satellite filter: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("satellite filter: got %d rows, want 0", len(none))
	}
	limited, err := s.CompactionHistory(ctx, CompactionFilter{Limit: 1})
	if err != nil {
		t.Fatalf("limited history: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit: got %d rows, want 1", len(limited))
	}
}

func TestReputationLatestPerSatellite(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	samples := []model.ReputationSample{
		{Timestamp: t0, NodeName: "alpha", Satellite: "sat-1", AuditScore: 100, SuspensionScore: 100, OnlineScore: 99.5, AuditSuccessCount: 10, AuditTotalCount: 10},
		{Timestamp: t0.Add(5 * time.Minute), NodeName: "alpha", Satellite: "sat-1", AuditScore: 95.5, SuspensionScore: 100, OnlineScore: 99.5, AuditSuccessCount: 19, AuditTotalCount: 20, IsSuspended: true},
		{Timestamp: t0, NodeName: "alpha", Satellite: "sat-2", AuditScore: 90, SuspensionScore: 98, OnlineScore: 97},
	}
	for _, sm := range samples {
		if err := s.SaveReputation(ctx, sm); err != nil {
			t.Fatalf("SaveReputation: %v", err)
		}
	}

	latest, err := s.LatestReputation(ctx, nil)
	if err != nil {
		t.Fatalf("LatestReputation: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest rows: got %d, want 2", len(latest))
	}
	sat1 := latest[0]
	if sat1.Satellite != "sat-1" {
		t.Fatalf("row order: got %q first, want sat-1", sat1.Satellite)
	}
	if sat1.AuditScore != 95.5 || !sat1.IsSuspended || sat1.AuditSuccessCount != 19 {
		t.Fatalf("latest sat-1 sample: %+v", sat1)
	}
	if !sat1.Timestamp.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("latest sat-1 timestamp: got %v", sat1.Timestamp)
	}

	history, err := s.ReputationHistory(ctx, nil, t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReputationHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history rows: got %d, want 3", len(history))
	}
	if !history[0].Timestamp.Equal(t0) {
		t.Fatalf("history not oldest-first: %v", history[0].Timestamp)
	}

	empty, err := s.LatestReputation(ctx, []string{"nobody"})
	if err != nil {
		t.Fatalf("LatestReputation filtered: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("filtered rows: got %d, want 0", len(empty))
	}
}

func TestStorageSnapshotsPartialRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	t0 := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	full := model.StorageSnapshot{
		Timestamp:        t0,
		NodeName:         "alpha",
		TotalBytes:       1000,
		UsedBytes:        600,
		AvailableBytes:   400,
		TrashBytes:       50,
		UsedPercent:      60,
		TrashPercent:     5,
		AvailablePercent: 40,
	}
	partial := model.StorageSnapshot{
		Timestamp:      t0.Add(time.Minute),
		NodeName:       "alpha",
		TotalBytes:     -1,
		UsedBytes:      -1,
		AvailableBytes: 390,
		TrashBytes:     -1,
		Partial:        true,
	}
	if err := s.SaveStorageSnapshot(ctx, full); err != nil {
		t.Fatalf("save full snapshot: %v", err)
	}
	if err := s.SaveStorageSnapshot(ctx, partial); err != nil {
		t.Fatalf("save partial snapshot: %v", err)
	}

	history, err := s.StorageHistory(ctx, nil, t0.Add(-time.Minute))
	if err != nil {
		t.Fatalf("StorageHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows: got %d, want 2", len(history))
	}
	if history[0].Partial || history[0].UsedBytes != 600 || history[0].UsedPercent != 60 {
		t.Fatalf("full snapshot roundtrip: %+v", history[0])
	}
	got := history[1]
	if !got.Partial || got.UsedBytes != -1 || got.TotalBytes != -1 || got.AvailableBytes != 390 {
		t.Fatalf("partial snapshot roundtrip: %+v", got)
	}

	latest, err := s.LatestStorage(ctx, nil)
	if err != nil {
		t.Fatalf("LatestStorage: %v", err)
	}
	if len(latest) != 1 || !latest[0].Partial {
		t.Fatalf("latest snapshot: %+v", latest)
	}
}

func TestRecentEventsRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	t0 := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	located := testEvent("alpha", t0, model.ActionGet, model.StatusSuccess, 4096)
	located.RemoteIP = "203.0.113.7"
	located.Country = "DE"
	located.Latitude = 52.52
	located.Longitude = 13.405
	located.HasLocation = true
	bare := testEvent("beta", t0.Add(time.Second), model.ActionPut, model.StatusFailed, 0)
	bare.ErrorReason = "context canceled"
	s.Emit(located)
	s.Emit(bare)
	waitForRows(t, s, "events", 2)

	events, err := s.RecentEvents(ctx, nil, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	first := events[0]
	if first.NodeName != "alpha" || !first.Timestamp.Equal(t0) {
		t.Fatalf("chronological order broken: %+v", first)
	}
	if !first.HasLocation || first.Country != "DE" || first.Latitude != 52.52 {
		t.Fatalf("location roundtrip: %+v", first)
	}
	if first.Category != model.CategoryGet {
		t.Fatalf("category: got %q, want %q", first.Category, model.CategoryGet)
	}
	second := events[1]
	if second.HasLocation {
		t.Fatalf("bare event grew a location: %+v", second)
	}
	if second.ErrorReason != "context canceled" {
		t.Fatalf("error reason roundtrip: %q", second.ErrorReason)
	}

	newest, err := s.RecentEvents(ctx, nil, 1)
	if err != nil {
		t.Fatalf("RecentEvents limit 1: %v", err)
	}
	if len(newest) != 1 || newest[0].NodeName != "beta" {
		t.Fatalf("limit keeps newest: %+v", newest)
	}

	filtered, err := s.RecentEvents(ctx, []string{"beta"}, 10)
	if err != nil {
		t.Fatalf("RecentEvents filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].NodeName != "beta" {
		t.Fatalf("node filter: %+v", filtered)
	}
}

func TestPerformanceSeriesBuckets(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := t.Context()
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	s.Emit(testEvent("alpha", base, model.ActionGet, model.StatusSuccess, 100))
	s.Emit(testEvent("alpha", base.Add(10*time.Second), model.ActionGet, model.StatusSuccess, 200))
	s.Emit(testEvent("alpha", base.Add(70*time.Second), model.ActionPut, model.StatusFailed, 0))
	waitForRows(t, s, "events", 3)

	points, err := s.PerformanceSeries(ctx, nil, base.Add(-time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("PerformanceSeries: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("buckets: got %d, want 2", len(points))
	}
	if !points[0].Bucket.Equal(base) {
		t.Fatalf("first bucket: got %v, want %v", points[0].Bucket, base)
	}
	if points[0].DlSuccess != 2 || points[0].DownloadBytes != 300 {
		t.Fatalf("first bucket counters: %+v", points[0])
	}
	if !points[1].Bucket.Equal(base.Add(time.Minute)) {
		t.Fatalf("second bucket: got %v", points[1].Bucket)
	}
	if points[1].UlFail != 1 {
		t.Fatalf("second bucket counters: %+v", points[1])
	}
}
