package alert

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
)

// Alert types. The type is half the dedup key and the stable name the
// notification templates and the dashboard switch on.
const (
	TypeAuditScore      = "audit_score"
	TypeSuspensionScore = "suspension_score"
	TypeOnlineScore     = "online_score"
	TypeStorageUsed     = "storage_used"
	TypeDaysUntilFull   = "days_until_full"
	TypeLatencyP99      = "latency_p99"
	TypeDisqualified    = "disqualified"
	TypeSuspended       = "suspended"
	TypeAnomaly         = "anomaly"
)

// Thresholds are the boundaries the evaluators test against. Scores
// and disk usage are percentages in [0, 100]; latency is milliseconds.
type Thresholds struct {
	AuditWarning       float64
	AuditCritical      float64
	SuspensionCritical float64
	OnlineWarning      float64
	StorageWarning     float64
	StorageCritical    float64
	DaysFullWarning    float64
	DaysFullCritical   float64
	LatencyWarningMs   float64
	LatencyCriticalMs  float64
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AuditWarning:       85,
		AuditCritical:      70,
		SuspensionCritical: 60,
		OnlineWarning:      95,
		StorageWarning:     80,
		StorageCritical:    95,
		DaysFullWarning:    30,
		DaysFullCritical:   7,
		LatencyWarningMs:   5000,
		LatencyCriticalMs:  10000,
	}
}

// EvaluateReputation maps one reputation sample onto findings. It
// returns the alerts to raise and the alert types that are healthy for
// this satellite and may auto-resolve. Disqualification is permanent,
// so it never reports healthy.
func EvaluateReputation(t Thresholds, s model.ReputationSample) (raise []model.Alert, healthy []string) {
	meta := func(score float64) map[string]string {
		return map[string]string{
			"satellite": s.Satellite,
			"score":     strconv.FormatFloat(score, 'f', 2, 64),
		}
	}

	switch {
	case s.AuditScore < t.AuditCritical:
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeAuditScore,
			Severity:  model.SeverityCritical,
			Title:     "Audit score critically low",
			Message: fmt.Sprintf("%s audit score is %.2f%% on %s; below %.0f%% the node risks disqualification",
				s.NodeName, s.AuditScore, s.Satellite, t.AuditCritical),
			Metadata: meta(s.AuditScore),
		})
	case s.AuditScore < t.AuditWarning:
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeAuditScore,
			Severity:  model.SeverityWarning,
			Title:     "Audit score dropping",
			Message: fmt.Sprintf("%s audit score is %.2f%% on %s (warning threshold %.0f%%)",
				s.NodeName, s.AuditScore, s.Satellite, t.AuditWarning),
			Metadata: meta(s.AuditScore),
		})
	default:
		healthy = append(healthy, TypeAuditScore)
	}

	if s.SuspensionScore < t.SuspensionCritical {
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeSuspensionScore,
			Severity:  model.SeverityCritical,
			Title:     "Suspension score critically low",
			Message: fmt.Sprintf("%s suspension score is %.2f%% on %s",
				s.NodeName, s.SuspensionScore, s.Satellite),
			Metadata: meta(s.SuspensionScore),
		})
	} else {
		healthy = append(healthy, TypeSuspensionScore)
	}

	if s.OnlineScore < t.OnlineWarning {
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeOnlineScore,
			Severity:  model.SeverityWarning,
			Title:     "Online score low",
			Message: fmt.Sprintf("%s online score is %.2f%% on %s; check uptime and connectivity",
				s.NodeName, s.OnlineScore, s.Satellite),
			Metadata: meta(s.OnlineScore),
		})
	} else {
		healthy = append(healthy, TypeOnlineScore)
	}

	if s.IsDisqualified {
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeDisqualified,
			Severity:  model.SeverityCritical,
			Title:     "Node disqualified",
			Message:   fmt.Sprintf("%s has been disqualified on %s", s.NodeName, s.Satellite),
			Metadata:  map[string]string{"satellite": s.Satellite},
		})
	}

	if s.IsSuspended {
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeSuspended,
			Severity:  model.SeverityCritical,
			Title:     "Node suspended",
			Message:   fmt.Sprintf("%s has been suspended on %s", s.NodeName, s.Satellite),
			Metadata:  map[string]string{"satellite": s.Satellite},
		})
	} else {
		healthy = append(healthy, TypeSuspended)
	}

	return raise, healthy
}

// EvaluateStorage maps a disk-usage snapshot and its fill forecast onto
// findings. daysUntilFull is nil when the disk is not filling (or no
// forecast exists), which counts as healthy.
func EvaluateStorage(t Thresholds, s model.StorageSnapshot, daysUntilFull *float64) (raise []model.Alert, healthy []string) {
	if s.UsedBytes >= 0 && s.TotalBytes > 0 {
		meta := map[string]string{
			"used_percent": strconv.FormatFloat(s.UsedPercent, 'f', 1, 64),
			"used":         humanize.IBytes(uint64(s.UsedBytes)),
			"total":        humanize.IBytes(uint64(s.TotalBytes)),
		}
		switch {
		case s.UsedPercent >= t.StorageCritical:
			raise = append(raise, model.Alert{
				NodeName:  s.NodeName,
				AlertType: TypeStorageUsed,
				Severity:  model.SeverityCritical,
				Title:     "Disk almost full",
				Message: fmt.Sprintf("%s is using %s of %s (%.1f%%)",
					s.NodeName, humanize.IBytes(uint64(s.UsedBytes)), humanize.IBytes(uint64(s.TotalBytes)), s.UsedPercent),
				Metadata: meta,
			})
		case s.UsedPercent >= t.StorageWarning:
			raise = append(raise, model.Alert{
				NodeName:  s.NodeName,
				AlertType: TypeStorageUsed,
				Severity:  model.SeverityWarning,
				Title:     "Disk filling up",
				Message: fmt.Sprintf("%s is using %s of %s (%.1f%%)",
					s.NodeName, humanize.IBytes(uint64(s.UsedBytes)), humanize.IBytes(uint64(s.TotalBytes)), s.UsedPercent),
				Metadata: meta,
			})
		default:
			healthy = append(healthy, TypeStorageUsed)
		}
	}

	if daysUntilFull == nil {
		healthy = append(healthy, TypeDaysUntilFull)
		return raise, healthy
	}
	days := *daysUntilFull
	meta := map[string]string{"days_until_full": strconv.FormatFloat(days, 'f', 1, 64)}
	switch {
	case days <= t.DaysFullCritical:
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeDaysUntilFull,
			Severity:  model.SeverityCritical,
			Title:     "Disk full imminent",
			Message:   fmt.Sprintf("%s will run out of space in %.1f days at the current fill rate", s.NodeName, days),
			Metadata:  meta,
		})
	case days <= t.DaysFullWarning:
		raise = append(raise, model.Alert{
			NodeName:  s.NodeName,
			AlertType: TypeDaysUntilFull,
			Severity:  model.SeverityWarning,
			Title:     "Disk projected full soon",
			Message:   fmt.Sprintf("%s will run out of space in %.1f days at the current fill rate", s.NodeName, days),
			Metadata:  meta,
		})
	default:
		healthy = append(healthy, TypeDaysUntilFull)
	}
	return raise, healthy
}

// EvaluateLatency maps a node's p99 operation latency onto findings.
func EvaluateLatency(t Thresholds, nodeName string, p99Ms float64) (raise []model.Alert, healthy []string) {
	meta := map[string]string{"p99_ms": strconv.FormatFloat(p99Ms, 'f', 0, 64)}
	switch {
	case p99Ms >= t.LatencyCriticalMs:
		raise = append(raise, model.Alert{
			NodeName:  nodeName,
			AlertType: TypeLatencyP99,
			Severity:  model.SeverityCritical,
			Title:     "Operation latency critically high",
			Message:   fmt.Sprintf("%s p99 latency is %.0f ms", nodeName, p99Ms),
			Metadata:  meta,
		})
	case p99Ms >= t.LatencyWarningMs:
		raise = append(raise, model.Alert{
			NodeName:  nodeName,
			AlertType: TypeLatencyP99,
			Severity:  model.SeverityWarning,
			Title:     "Operation latency high",
			Message:   fmt.Sprintf("%s p99 latency is %.0f ms", nodeName, p99Ms),
			Metadata:  meta,
		})
	default:
		healthy = append(healthy, TypeLatencyP99)
	}
	return raise, healthy
}

// AnomalyAlert turns a detected metric anomaly into an alert finding.
// The metric name joins the dedup key so simultaneous anomalies on
// different metrics do not suppress each other.
func AnomalyAlert(nodeName, metric string, value float64, a analytics.Anomaly) model.Alert {
	direction := "spiked"
	if a.Type == analytics.AnomalyDrop {
		direction = "dropped"
	}
	return model.Alert{
		NodeName:  nodeName,
		AlertType: TypeAnomaly,
		Severity:  a.Severity,
		Title:     fmt.Sprintf("Unusual %s", metric),
		Message: fmt.Sprintf("%s %s %s to %.2f (z-score %.1f, confidence %.0f%%)",
			nodeName, metric, direction, value, a.ZScore, a.Confidence*100),
		Metadata: map[string]string{
			"metric":     metric,
			"value":      strconv.FormatFloat(value, 'f', 2, 64),
			"z_score":    strconv.FormatFloat(a.ZScore, 'f', 2, 64),
			"confidence": strconv.FormatFloat(a.Confidence, 'f', 2, 64),
		},
	}
}
