// Package config handles environment-based configuration loading and the
// node fleet declaration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Database
	DatabaseFile         string
	DBWriteBatchInterval time.Duration
	DBWriteBatchSize     int
	DBBulkBatchSize      int
	DBQueueMaxSize       int
	DBMaxRetries         int
	DBRetryBaseDelay     time.Duration
	DBRetryMaxDelay      time.Duration

	// Retention
	EventsRetentionDays       int
	CompactionRetentionDays   int
	AlertsRetentionDays       int
	InsightsRetentionDays     int
	BaselinesRetentionDays    int
	EarningsRetentionDays     int
	PruneInterval             time.Duration
	HourlyAggregationInterval time.Duration

	// Server
	ServerHost   string
	ServerPort   int
	MaxWSClients int

	// Stats & broadcast
	StatsWindow         time.Duration
	StatsInterval       time.Duration
	PerformanceInterval time.Duration
	WSBatchInterval     time.Duration
	WSBatchSize         int

	// Pollers
	NodeAPIPollInterval     time.Duration
	AlertEvaluationInterval time.Duration
	NodeAPITimeout          time.Duration

	// Fleet
	NodesFile string
	NodesEnv  string

	// Alerting
	AlertCooldown           time.Duration
	AuditScoreWarning       float64
	AuditScoreCritical      float64
	SuspensionScoreCritical float64
	OnlineScoreWarning      float64
	StorageWarningPercent   float64
	StorageCriticalPercent  float64
	DaysUntilFullWarning    float64
	DaysUntilFullCritical   float64
	LatencyP99WarningMs     int
	LatencyP99CriticalMs    int

	// Financial
	PricingEgressPerTB       float64
	PricingStoragePerTBMonth float64
	PricingRepairPerTB       float64
	PricingAuditPerTB        float64
	OperatorShareEgress      float64
	OperatorShareStorage     float64
	OperatorShareRepair      float64
	OperatorShareAudit       float64
	HeldAmountApply          bool

	// Feature flags
	EnableAnomalyDetection     bool
	EnableFinancialTracking    bool
	EnableEmailNotifications   bool
	EnableWebhookNotifications bool

	// Notifications
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	SMTPFrom          string
	SMTPTo            []string
	SMTPUseTLS        bool
	SMTPUseSSL        bool
	DiscordWebhookURL string
	SlackWebhookURL   string
	WebhookURL        string

	// GeoIP
	GeoIPDBPath     string
	GeoIPUpdateURL  string
	GeoIPUpdateCron string
	GeoIPCacheSize  int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or inconsistent value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Database ---
	cfg.DatabaseFile = envStr("DATABASE_FILE", "nodepulse.db")
	cfg.DBWriteBatchInterval = time.Duration(envInt("DB_WRITE_BATCH_INTERVAL_SECONDS", 10, &errs)) * time.Second
	cfg.DBWriteBatchSize = envInt("DB_WRITE_BATCH_SIZE", 1000, &errs)
	cfg.DBBulkBatchSize = envInt("DB_BULK_BATCH_SIZE", 50000, &errs)
	cfg.DBQueueMaxSize = envInt("DB_QUEUE_MAX_SIZE", 30000, &errs)
	cfg.DBMaxRetries = envInt("DB_MAX_RETRIES", 3, &errs)
	cfg.DBRetryBaseDelay = envSeconds("DB_RETRY_BASE_DELAY", 0.5, &errs)
	cfg.DBRetryMaxDelay = envSeconds("DB_RETRY_MAX_DELAY", 5, &errs)

	// --- Retention ---
	cfg.EventsRetentionDays = envInt("DB_EVENTS_RETENTION_DAYS", 2, &errs)
	cfg.CompactionRetentionDays = envInt("DB_COMPACTION_RETENTION_DAYS", 180, &errs)
	cfg.AlertsRetentionDays = envInt("DB_ALERTS_RETENTION_DAYS", 90, &errs)
	cfg.InsightsRetentionDays = envInt("DB_INSIGHTS_RETENTION_DAYS", 90, &errs)
	cfg.BaselinesRetentionDays = envInt("DB_BASELINES_RETENTION_DAYS", 180, &errs)
	cfg.EarningsRetentionDays = envInt("DB_EARNINGS_RETENTION_DAYS", 365, &errs)
	cfg.PruneInterval = time.Duration(envInt("DB_PRUNE_INTERVAL_HOURS", 6, &errs)) * time.Hour
	cfg.HourlyAggregationInterval = time.Duration(envInt("HOURLY_AGGREGATION_INTERVAL_MINUTES", 10, &errs)) * time.Minute

	// --- Server ---
	cfg.ServerHost = strings.TrimSpace(envStr("SERVER_HOST", "127.0.0.1"))
	cfg.ServerPort = envInt("SERVER_PORT", 8765, &errs)
	cfg.MaxWSClients = envInt("MAX_WS_CLIENTS", 100, &errs)

	// --- Stats & broadcast ---
	cfg.StatsWindow = time.Duration(envInt("STATS_WINDOW_MINUTES", 60, &errs)) * time.Minute
	cfg.StatsInterval = time.Duration(envInt("STATS_INTERVAL_SECONDS", 5, &errs)) * time.Second
	cfg.PerformanceInterval = time.Duration(envInt("PERFORMANCE_INTERVAL_SECONDS", 2, &errs)) * time.Second
	cfg.WSBatchInterval = time.Duration(envInt("WEBSOCKET_BATCH_INTERVAL_MS", 25, &errs)) * time.Millisecond
	cfg.WSBatchSize = envInt("WEBSOCKET_BATCH_SIZE", 10, &errs)

	// --- Pollers ---
	cfg.NodeAPIPollInterval = envSeconds("NODE_API_POLL_INTERVAL", 300, &errs)
	cfg.AlertEvaluationInterval = envSeconds("ALERT_EVALUATION_INTERVAL", 300, &errs)
	cfg.NodeAPITimeout = envSeconds("NODE_API_TIMEOUT", 10, &errs)

	// --- Fleet ---
	cfg.NodesFile = envStr("NODES_FILE", "")
	cfg.NodesEnv = envStr("NODES", "")

	// --- Alerting ---
	cfg.AlertCooldown = time.Duration(envInt("ALERT_COOLDOWN_MINUTES", 15, &errs)) * time.Minute
	cfg.AuditScoreWarning = envFloat("AUDIT_SCORE_WARNING", 85, &errs)
	cfg.AuditScoreCritical = envFloat("AUDIT_SCORE_CRITICAL", 70, &errs)
	cfg.SuspensionScoreCritical = envFloat("SUSPENSION_SCORE_CRITICAL", 60, &errs)
	cfg.OnlineScoreWarning = envFloat("ONLINE_SCORE_WARNING", 95, &errs)
	cfg.StorageWarningPercent = envFloat("STORAGE_WARNING_PERCENT", 80, &errs)
	cfg.StorageCriticalPercent = envFloat("STORAGE_CRITICAL_PERCENT", 95, &errs)
	cfg.DaysUntilFullWarning = envFloat("DAYS_UNTIL_FULL_WARNING", 30, &errs)
	cfg.DaysUntilFullCritical = envFloat("DAYS_UNTIL_FULL_CRITICAL", 7, &errs)
	cfg.LatencyP99WarningMs = envInt("LATENCY_P99_WARNING_MS", 5000, &errs)
	cfg.LatencyP99CriticalMs = envInt("LATENCY_P99_CRITICAL_MS", 10000, &errs)

	// --- Financial ---
	cfg.PricingEgressPerTB = envFloat("PRICING_EGRESS_PER_TB", 2.00, &errs)
	cfg.PricingStoragePerTBMonth = envFloat("PRICING_STORAGE_PER_TB_MONTH", 1.49, &errs)
	cfg.PricingRepairPerTB = envFloat("PRICING_REPAIR_PER_TB", 2.00, &errs)
	cfg.PricingAuditPerTB = envFloat("PRICING_AUDIT_PER_TB", 2.00, &errs)
	cfg.OperatorShareEgress = envFloat("OPERATOR_SHARE_EGRESS", 1.0, &errs)
	cfg.OperatorShareStorage = envFloat("OPERATOR_SHARE_STORAGE", 1.0, &errs)
	cfg.OperatorShareRepair = envFloat("OPERATOR_SHARE_REPAIR", 1.0, &errs)
	cfg.OperatorShareAudit = envFloat("OPERATOR_SHARE_AUDIT", 1.0, &errs)
	cfg.HeldAmountApply = envBool("HELD_AMOUNT_APPLY", true, &errs)

	// --- Feature flags ---
	cfg.EnableAnomalyDetection = envBool("ENABLE_ANOMALY_DETECTION", true, &errs)
	cfg.EnableFinancialTracking = envBool("ENABLE_FINANCIAL_TRACKING", true, &errs)
	cfg.EnableEmailNotifications = envBool("ENABLE_EMAIL_NOTIFICATIONS", false, &errs)
	cfg.EnableWebhookNotifications = envBool("ENABLE_WEBHOOK_NOTIFICATIONS", false, &errs)

	// --- Notifications ---
	cfg.SMTPHost = envStr("SMTP_HOST", "")
	cfg.SMTPPort = envInt("SMTP_PORT", 587, &errs)
	cfg.SMTPUsername = envStr("SMTP_USERNAME", "")
	cfg.SMTPPassword = envStr("SMTP_PASSWORD", "")
	cfg.SMTPFrom = envStr("SMTP_FROM", "")
	cfg.SMTPTo = envCSV("SMTP_TO")
	cfg.SMTPUseTLS = envBool("SMTP_USE_TLS", true, &errs)
	cfg.SMTPUseSSL = envBool("SMTP_USE_SSL", false, &errs)
	cfg.DiscordWebhookURL = envStr("DISCORD_WEBHOOK_URL", "")
	cfg.SlackWebhookURL = envStr("SLACK_WEBHOOK_URL", "")
	cfg.WebhookURL = envStr("WEBHOOK_URL", "")

	// --- GeoIP ---
	cfg.GeoIPDBPath = envStr("GEOIP_DB_PATH", "GeoLite2-City.mmdb")
	cfg.GeoIPUpdateURL = envStr("GEOIP_UPDATE_URL", "")
	cfg.GeoIPUpdateCron = envStr("GEOIP_UPDATE_CRON", "0 4 * * 2")
	cfg.GeoIPCacheSize = envInt("GEOIP_CACHE_SIZE", 5000, &errs)

	// --- Validation ---
	if cfg.DatabaseFile == "" {
		errs = append(errs, "DATABASE_FILE must not be empty")
	}
	if cfg.ServerHost == "" {
		errs = append(errs, "SERVER_HOST must not be empty")
	}
	validatePort("SERVER_PORT", cfg.ServerPort, &errs)
	validatePositive("MAX_WS_CLIENTS", cfg.MaxWSClients, &errs)

	validatePositiveDuration("DB_WRITE_BATCH_INTERVAL_SECONDS", cfg.DBWriteBatchInterval, &errs)
	validatePositive("DB_WRITE_BATCH_SIZE", cfg.DBWriteBatchSize, &errs)
	validatePositive("DB_BULK_BATCH_SIZE", cfg.DBBulkBatchSize, &errs)
	validatePositive("DB_QUEUE_MAX_SIZE", cfg.DBQueueMaxSize, &errs)
	validatePositive("DB_MAX_RETRIES", cfg.DBMaxRetries, &errs)
	validatePositiveDuration("DB_RETRY_BASE_DELAY", cfg.DBRetryBaseDelay, &errs)
	validatePositiveDuration("DB_RETRY_MAX_DELAY", cfg.DBRetryMaxDelay, &errs)
	if cfg.DBRetryMaxDelay < cfg.DBRetryBaseDelay {
		errs = append(errs, "DB_RETRY_MAX_DELAY must be >= DB_RETRY_BASE_DELAY")
	}
	if cfg.DBBulkBatchSize < cfg.DBWriteBatchSize {
		errs = append(errs, "DB_BULK_BATCH_SIZE must be >= DB_WRITE_BATCH_SIZE")
	}
	if cfg.DBQueueMaxSize < 2*cfg.DBWriteBatchSize {
		errs = append(errs, "DB_QUEUE_MAX_SIZE must be at least 2x DB_WRITE_BATCH_SIZE")
	}

	validatePositive("DB_EVENTS_RETENTION_DAYS", cfg.EventsRetentionDays, &errs)
	validatePositive("DB_COMPACTION_RETENTION_DAYS", cfg.CompactionRetentionDays, &errs)
	validatePositive("DB_ALERTS_RETENTION_DAYS", cfg.AlertsRetentionDays, &errs)
	validatePositive("DB_INSIGHTS_RETENTION_DAYS", cfg.InsightsRetentionDays, &errs)
	validatePositive("DB_BASELINES_RETENTION_DAYS", cfg.BaselinesRetentionDays, &errs)
	validatePositive("DB_EARNINGS_RETENTION_DAYS", cfg.EarningsRetentionDays, &errs)
	validatePositiveDuration("DB_PRUNE_INTERVAL_HOURS", cfg.PruneInterval, &errs)
	validatePositiveDuration("HOURLY_AGGREGATION_INTERVAL_MINUTES", cfg.HourlyAggregationInterval, &errs)

	validatePositiveDuration("STATS_WINDOW_MINUTES", cfg.StatsWindow, &errs)
	validatePositiveDuration("STATS_INTERVAL_SECONDS", cfg.StatsInterval, &errs)
	validatePositiveDuration("PERFORMANCE_INTERVAL_SECONDS", cfg.PerformanceInterval, &errs)
	validatePositiveDuration("WEBSOCKET_BATCH_INTERVAL_MS", cfg.WSBatchInterval, &errs)
	validatePositive("WEBSOCKET_BATCH_SIZE", cfg.WSBatchSize, &errs)

	validatePositiveDuration("NODE_API_POLL_INTERVAL", cfg.NodeAPIPollInterval, &errs)
	validatePositiveDuration("ALERT_EVALUATION_INTERVAL", cfg.AlertEvaluationInterval, &errs)
	validatePositiveDuration("NODE_API_TIMEOUT", cfg.NodeAPITimeout, &errs)

	validatePositiveDuration("ALERT_COOLDOWN_MINUTES", cfg.AlertCooldown, &errs)
	validateScore("AUDIT_SCORE_WARNING", cfg.AuditScoreWarning, &errs)
	validateScore("AUDIT_SCORE_CRITICAL", cfg.AuditScoreCritical, &errs)
	validateScore("SUSPENSION_SCORE_CRITICAL", cfg.SuspensionScoreCritical, &errs)
	validateScore("ONLINE_SCORE_WARNING", cfg.OnlineScoreWarning, &errs)
	validateScore("STORAGE_WARNING_PERCENT", cfg.StorageWarningPercent, &errs)
	validateScore("STORAGE_CRITICAL_PERCENT", cfg.StorageCriticalPercent, &errs)
	if cfg.AuditScoreCritical > cfg.AuditScoreWarning {
		errs = append(errs, "AUDIT_SCORE_CRITICAL must be <= AUDIT_SCORE_WARNING")
	}
	if cfg.StorageCriticalPercent < cfg.StorageWarningPercent {
		errs = append(errs, "STORAGE_CRITICAL_PERCENT must be >= STORAGE_WARNING_PERCENT")
	}
	if cfg.DaysUntilFullCritical > cfg.DaysUntilFullWarning {
		errs = append(errs, "DAYS_UNTIL_FULL_CRITICAL must be <= DAYS_UNTIL_FULL_WARNING")
	}
	validatePositive("LATENCY_P99_WARNING_MS", cfg.LatencyP99WarningMs, &errs)
	validatePositive("LATENCY_P99_CRITICAL_MS", cfg.LatencyP99CriticalMs, &errs)
	if cfg.LatencyP99CriticalMs < cfg.LatencyP99WarningMs {
		errs = append(errs, "LATENCY_P99_CRITICAL_MS must be >= LATENCY_P99_WARNING_MS")
	}

	for _, v := range []struct {
		name  string
		value float64
	}{
		{"OPERATOR_SHARE_EGRESS", cfg.OperatorShareEgress},
		{"OPERATOR_SHARE_STORAGE", cfg.OperatorShareStorage},
		{"OPERATOR_SHARE_REPAIR", cfg.OperatorShareRepair},
		{"OPERATOR_SHARE_AUDIT", cfg.OperatorShareAudit},
	} {
		if v.value < 0 || v.value > 1 {
			errs = append(errs, fmt.Sprintf("%s: must be in [0, 1], got %g", v.name, v.value))
		}
	}

	if cfg.EnableEmailNotifications {
		if cfg.SMTPHost == "" {
			errs = append(errs, "SMTP_HOST is required when ENABLE_EMAIL_NOTIFICATIONS is true")
		}
		if cfg.SMTPFrom == "" {
			errs = append(errs, "SMTP_FROM is required when ENABLE_EMAIL_NOTIFICATIONS is true")
		}
		if len(cfg.SMTPTo) == 0 {
			errs = append(errs, "SMTP_TO is required when ENABLE_EMAIL_NOTIFICATIONS is true")
		}
		validatePort("SMTP_PORT", cfg.SMTPPort, &errs)
		if cfg.SMTPUseTLS && cfg.SMTPUseSSL {
			errs = append(errs, "SMTP_USE_TLS and SMTP_USE_SSL are mutually exclusive")
		}
	}
	if cfg.EnableWebhookNotifications &&
		cfg.DiscordWebhookURL == "" && cfg.SlackWebhookURL == "" && cfg.WebhookURL == "" {
		errs = append(errs, "at least one of DISCORD_WEBHOOK_URL, SLACK_WEBHOOK_URL, WEBHOOK_URL is required when ENABLE_WEBHOOK_NOTIFICATIONS is true")
	}

	if cfg.GeoIPUpdateURL != "" {
		if _, err := cron.ParseStandard(cfg.GeoIPUpdateCron); err != nil {
			errs = append(errs, fmt.Sprintf("GEOIP_UPDATE_CRON: invalid cron expression %q: %v", cfg.GeoIPUpdateCron, err))
		}
	}
	validatePositive("GEOIP_CACHE_SIZE", cfg.GeoIPCacheSize, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

// envSeconds reads a float number of seconds (e.g. "0.5").
func envSeconds(key string, defaultVal float64, errs *[]string) time.Duration {
	f := envFloat(key, defaultVal, errs)
	return time.Duration(f * float64(time.Second))
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}

func validateScore(name string, value float64, errs *[]string) {
	if value < 0 || value > 100 {
		*errs = append(*errs, fmt.Sprintf("%s: must be in [0, 100], got %g", name, value))
	}
}
