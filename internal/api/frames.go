package api

import (
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/stats"
	"github.com/nodepulse/nodepulse/internal/store"
)

// Server → client frame types.
const (
	frameInit                  = "init"
	frameStatsUpdate           = "stats_update"
	framePerformanceUpdate     = "performance_update"
	frameHistoricalPerformance = "historical_performance_data"
	frameAggregatedPerformance = "aggregated_performance_data"
	frameHashstoreStats        = "hashstore_stats_data"
	frameReputation            = "reputation_data"
	frameLatencyStats          = "latency_stats"
	frameLatencyHistogram      = "latency_histogram"
	frameStorageData           = "storage_data"
	frameStorageHistory        = "storage_history"
	frameActiveAlerts          = "active_alerts"
	frameInsights              = "insights_data"
	frameAlertSummary          = "alert_summary"
	frameEarningsData          = "earnings_data"
	frameEarningsHistory       = "earnings_history"
	frameComparison            = "comparison_data"
	frameActiveCompactions     = "active_compactions_update"
	frameNewAlert              = "new_alert"
	frameAlertAcked            = "alert_acknowledged"
	frameLogBatch              = "log_entry_batch"
)

type initFrame struct {
	Type  string   `json:"type"`
	Nodes []string `json:"nodes"`
}

type statsUpdateFrame struct {
	Type  string        `json:"type"`
	View  []string      `json:"view"`
	Stats stats.Payload `json:"stats"`
}

type performanceUpdateFrame struct {
	Type string          `json:"type"`
	View []string        `json:"view"`
	Bins []stats.PerfBin `json:"bins"`
}

type historicalPerformanceFrame struct {
	Type            string            `json:"type"`
	View            []string          `json:"view"`
	IntervalSec     int               `json:"interval_sec"`
	PerformanceData []store.PerfPoint `json:"performance_data"`
}

// aggregatedHour is one hour of rollups summed across the view.
type aggregatedHour struct {
	Hour          time.Time `json:"hour"`
	DlSuccess     int64     `json:"dl_success"`
	DlFail        int64     `json:"dl_fail"`
	UlSuccess     int64     `json:"ul_success"`
	UlFail        int64     `json:"ul_fail"`
	AuditSuccess  int64     `json:"audit_success"`
	AuditFail     int64     `json:"audit_fail"`
	DownloadBytes int64     `json:"download_bytes"`
	UploadBytes   int64     `json:"upload_bytes"`
}

type aggregatedPerformanceFrame struct {
	Type  string           `json:"type"`
	View  []string         `json:"view"`
	Hours []aggregatedHour `json:"hours"`
}

type activeCompaction struct {
	NodeName  string `json:"node_name"`
	Satellite string `json:"satellite"`
	Store     string `json:"store"`
	StartISO  string `json:"start_iso"`
}

type hashstoreStatsFrame struct {
	Type    string                   `json:"type"`
	History []model.CompactionRecord `json:"history"`
	Active  []activeCompaction       `json:"active"`
}

type activeCompactionsFrame struct {
	Type        string             `json:"type"`
	Compactions []activeCompaction `json:"compactions"`
}

type reputationFrame struct {
	Type       string                   `json:"type"`
	View       []string                 `json:"view"`
	Reputation []model.ReputationSample `json:"reputation"`
}

type latencyStatsFrame struct {
	Type    string                 `json:"type"`
	View    []string               `json:"view"`
	Hours   int                    `json:"hours"`
	Latency []stats.LatencyPayload `json:"latency"`
}

type latencyHistogramFrame struct {
	Type         string                `json:"type"`
	View         []string              `json:"view"`
	Hours        int                   `json:"hours"`
	BucketSizeMs int64                 `json:"bucket_size_ms"`
	Buckets      []store.LatencyBucket `json:"buckets"`
}

// storageStatus pairs a node's newest snapshot with its fill forecast.
type storageStatus struct {
	model.StorageSnapshot
	DaysUntilFull     *float64 `json:"days_until_full"`
	GrowthBytesPerDay float64  `json:"growth_bytes_per_day"`
}

type storageDataFrame struct {
	Type    string          `json:"type"`
	View    []string        `json:"view"`
	Storage []storageStatus `json:"storage"`
}

type storageHistoryFrame struct {
	Type     string                  `json:"type"`
	NodeName string                  `json:"node_name"`
	History  []model.StorageSnapshot `json:"history"`
}

type activeAlertsFrame struct {
	Type   string        `json:"type"`
	View   []string      `json:"view"`
	Alerts []model.Alert `json:"alerts"`
}

type insightsFrame struct {
	Type     string          `json:"type"`
	View     []string        `json:"view"`
	Insights []model.Insight `json:"insights"`
}

type alertSummaryFrame struct {
	Type          string `json:"type"`
	TotalActive   int    `json:"total_active"`
	RaisedLast24h int    `json:"raised_last_24h"`
	Critical      int    `json:"critical"`
	Warning       int    `json:"warning"`
	Info          int    `json:"info"`
}

// earningsTotals sums the shipped rows and carries the full-month
// projection for running periods.
type earningsTotals struct {
	Gross        float64 `json:"gross"`
	Net          float64 `json:"net"`
	Held         float64 `json:"held"`
	ProjectedNet float64 `json:"projected_net"`
	Confidence   float64 `json:"confidence"`
}

type earningsDataFrame struct {
	Type     string                   `json:"type"`
	View     []string                 `json:"view"`
	Period   string                   `json:"period"`
	Earnings []model.EarningsEstimate `json:"earnings"`
	Totals   earningsTotals           `json:"totals"`
}

type earningsHistoryFrame struct {
	Type      string                   `json:"type"`
	NodeName  string                   `json:"node_name"`
	Satellite string                   `json:"satellite,omitempty"`
	History   []model.EarningsEstimate `json:"history"`
}

type comparisonEntry struct {
	NodeName string             `json:"node_name"`
	Metrics  map[string]float64 `json:"metrics"`
}

type comparisonFrame struct {
	Type           string            `json:"type"`
	ComparisonType string            `json:"comparison_type"`
	TimeRange      string            `json:"time_range"`
	Nodes          []comparisonEntry `json:"nodes"`
}

type newAlertFrame struct {
	Type  string      `json:"type"`
	Alert model.Alert `json:"alert"`
}

type alertAckedFrame struct {
	Type    string `json:"type"`
	AlertID int64  `json:"alert_id"`
}

// logBatchEntry flattens a traffic event with its arrival offset inside
// the batch.
type logBatchEntry struct {
	model.TrafficEvent
	ArrivalOffsetMs int64 `json:"arrival_offset_ms"`
}

type logBatchFrame struct {
	Type   string          `json:"type"`
	Events []logBatchEntry `json:"events"`
}

// clientFrame is the union of every client → server message. Fields
// irrelevant to a given type are simply left at their zero value, and
// unknown fields are ignored by the decoder.
type clientFrame struct {
	Type string `json:"type"`

	View []string `json:"view,omitempty"`

	// get_historical_performance
	Points      int `json:"points,omitempty"`
	IntervalSec int `json:"interval_sec,omitempty"`

	// get_aggregated_performance, get_latency_stats, get_insights
	Hours int `json:"hours,omitempty"`

	// get_latency_histogram
	BucketSizeMs int64 `json:"bucket_size_ms,omitempty"`

	// get_storage_data, get_storage_history, get_earnings_history
	Days     int    `json:"days,omitempty"`
	NodeName string `json:"node_name,omitempty"`

	// get_hashstore_stats
	Filters struct {
		NodeName  string `json:"node_name,omitempty"`
		Satellite string `json:"satellite,omitempty"`
		Store     string `json:"store,omitempty"`
	} `json:"filters,omitempty"`

	// acknowledge_alert
	AlertID int64 `json:"alert_id,omitempty"`

	// get_earnings_data, get_earnings_history
	Period    string `json:"period,omitempty"`
	Satellite string `json:"satellite,omitempty"`

	// get_comparison_data
	NodeNames      []string `json:"node_names,omitempty"`
	ComparisonType string   `json:"comparison_type,omitempty"`
	TimeRange      string   `json:"time_range,omitempty"`
}
