// Package model defines domain structs shared across the ingestion,
// statistics, and persistence layers.
package model

import "time"

// Traffic actions as they appear in piecestore log payloads.
const (
	ActionGet       = "GET"
	ActionPut       = "PUT"
	ActionGetAudit  = "GET_AUDIT"
	ActionGetRepair = "GET_REPAIR"
	ActionPutRepair = "PUT_REPAIR"
)

// Traffic event statuses.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Derived traffic categories.
const (
	CategoryGet       = "get"
	CategoryPut       = "put"
	CategoryAudit     = "audit"
	CategoryGetRepair = "get_repair"
	CategoryPutRepair = "put_repair"
	CategoryOther     = "other"
)

// Alert and insight severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// TrafficEvent is one piece-level operation extracted from a log line.
// DurationMs is -1 when the line carried no elapsed time.
type TrafficEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	Size        int64     `json:"size"`
	PieceID     string    `json:"piece_id,omitempty"`
	SatelliteID string    `json:"satellite_id,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	Country     string    `json:"country,omitempty"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	HasLocation bool      `json:"-"`
	ErrorReason string    `json:"error_reason,omitempty"`
	NodeName    string    `json:"node_name"`
	DurationMs  int64     `json:"duration_ms"`
	Category    string    `json:"category"`
}

// Categorize maps an action string to its derived category. Unknown
// actions fall through to CategoryOther with the action preserved.
func Categorize(action string) string {
	switch action {
	case ActionGet:
		return CategoryGet
	case ActionPut:
		return CategoryPut
	case ActionGetAudit:
		return CategoryAudit
	case ActionGetRepair:
		return CategoryGetRepair
	case ActionPutRepair:
		return CategoryPutRepair
	default:
		return CategoryOther
	}
}

// CompactionKey identifies an in-flight hashstore compaction.
type CompactionKey struct {
	NodeName  string `json:"node_name"`
	Satellite string `json:"satellite"`
	Store     string `json:"store"`
}

// CompactionRecord is a completed compaction run.
type CompactionRecord struct {
	NodeName           string    `json:"node_name"`
	Satellite          string    `json:"satellite"`
	Store              string    `json:"store"`
	LastRun            time.Time `json:"last_run"`
	DurationSeconds    float64   `json:"duration"`
	DataReclaimedBytes int64     `json:"data_reclaimed_bytes"`
	DataRewrittenBytes int64     `json:"data_rewritten_bytes"`
	TableLoad          float64   `json:"table_load"`
	TrashPercent       float64   `json:"trash_percent"`
}

// ReputationSample is one poll of a node's standing with a satellite.
// Scores are percentages in [0, 100].
type ReputationSample struct {
	Timestamp         time.Time `json:"timestamp"`
	NodeName          string    `json:"node_name"`
	Satellite         string    `json:"satellite"`
	AuditScore        float64   `json:"audit_score"`
	SuspensionScore   float64   `json:"suspension_score"`
	OnlineScore       float64   `json:"online_score"`
	AuditSuccessCount int64     `json:"audit_success_count"`
	AuditTotalCount   int64     `json:"audit_total_count"`
	IsDisqualified    bool      `json:"is_disqualified"`
	IsSuspended       bool      `json:"is_suspended"`
}

// StorageSnapshot is one observation of a node's disk usage. Partial
// snapshots (log-derived) carry only AvailableBytes; every other byte
// field is -1 to mark absence.
type StorageSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	NodeName         string    `json:"node_name"`
	TotalBytes       int64     `json:"total_bytes"`
	UsedBytes        int64     `json:"used_bytes"`
	AvailableBytes   int64     `json:"available_bytes"`
	TrashBytes       int64     `json:"trash_bytes"`
	UsedPercent      float64   `json:"used_percent"`
	TrashPercent     float64   `json:"trash_percent"`
	AvailablePercent float64   `json:"available_percent"`
	Partial          bool      `json:"partial"`
}

// EarningsEstimate is a per-satellite payout estimate for one period.
// Period is "YYYY-MM"; amounts are dollars.
type EarningsEstimate struct {
	NodeName           string    `json:"node_name"`
	Satellite          string    `json:"satellite"`
	Period             string    `json:"period"`
	EgressBytes        int64     `json:"egress_bytes"`
	EgressGross        float64   `json:"egress_gross"`
	EgressNet          float64   `json:"egress_net"`
	StorageByteHours   float64   `json:"storage_byte_hours"`
	StorageGross       float64   `json:"storage_gross"`
	StorageNet         float64   `json:"storage_net"`
	RepairBytes        int64     `json:"repair_bytes"`
	RepairGross        float64   `json:"repair_gross"`
	RepairNet          float64   `json:"repair_net"`
	AuditBytes         int64     `json:"audit_bytes"`
	AuditGross         float64   `json:"audit_gross"`
	AuditNet           float64   `json:"audit_net"`
	TotalEarningsGross float64   `json:"total_earnings_gross"`
	TotalEarningsNet   float64   `json:"total_earnings_net"`
	HeldAmount         float64   `json:"held_amount"`
	NodeAgeMonths      int       `json:"node_age_months"`
	HeldPercentage     float64   `json:"held_percentage"`
	IsFinalized        bool      `json:"is_finalized"`
	Timestamp          time.Time `json:"timestamp"`
}

// Alert is a generated operator notification.
type Alert struct {
	ID             int64             `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	NodeName       string            `json:"node_name"`
	AlertType      string            `json:"alert_type"`
	Severity       string            `json:"severity"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Acknowledged   bool              `json:"acknowledged"`
	AcknowledgedAt time.Time         `json:"acknowledged_at,omitzero"`
	Resolved       bool              `json:"resolved"`
	ResolvedAt     time.Time         `json:"resolved_at,omitzero"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Insight is a derived observation (anomaly, trend) below alert urgency.
type Insight struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	NodeName     string            `json:"node_name"`
	InsightType  string            `json:"insight_type"`
	Severity     string            `json:"severity"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	Confidence   float64           `json:"confidence"`
	Acknowledged bool              `json:"acknowledged"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Baseline captures the historical distribution of one metric for one
// node over a trailing window, for z-score anomaly detection.
type Baseline struct {
	NodeName    string    `json:"node_name"`
	MetricName  string    `json:"metric_name"`
	WindowHours int       `json:"window_hours"`
	Mean        float64   `json:"mean_value"`
	StdDev      float64   `json:"std_dev"`
	Min         float64   `json:"min_value"`
	Max         float64   `json:"max_value"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// HourlyStat is the per-hour per-node traffic rollup.
type HourlyStat struct {
	Hour              time.Time `json:"hour_timestamp"`
	NodeName          string    `json:"node_name"`
	DlSuccess         int64     `json:"dl_success"`
	DlFail            int64     `json:"dl_fail"`
	UlSuccess         int64     `json:"ul_success"`
	UlFail            int64     `json:"ul_fail"`
	AuditSuccess      int64     `json:"audit_success"`
	AuditFail         int64     `json:"audit_fail"`
	TotalDownloadSize int64     `json:"total_download_size"`
	TotalUploadSize   int64     `json:"total_upload_size"`
}
