package main

import (
	"testing"
	"time"

	"github.com/nodepulse/nodepulse/internal/config"
)

func TestBuildNotifiersRespectsFlags(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.EnvConfig
		want int
	}{
		{
			name: "all disabled",
			cfg: config.EnvConfig{
				DiscordWebhookURL: "https://discord.example/hook",
				SMTPHost:          "smtp.example.com",
			},
			want: 0,
		},
		{
			name: "webhooks enabled but no URLs",
			cfg:  config.EnvConfig{EnableWebhookNotifications: true},
			want: 0,
		},
		{
			name: "two webhooks",
			cfg: config.EnvConfig{
				EnableWebhookNotifications: true,
				DiscordWebhookURL:          "https://discord.example/hook",
				WebhookURL:                 "https://ops.example/hook",
			},
			want: 2,
		},
		{
			name: "email needs a host",
			cfg:  config.EnvConfig{EnableEmailNotifications: true},
			want: 0,
		},
		{
			name: "email and slack",
			cfg: config.EnvConfig{
				EnableWebhookNotifications: true,
				EnableEmailNotifications:   true,
				SlackWebhookURL:            "https://slack.example/hook",
				SMTPHost:                   "smtp.example.com",
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildNotifiers(&tt.cfg); len(got) != tt.want {
				t.Fatalf("got %d notifiers, want %d", len(got), tt.want)
			}
		})
	}
}

func TestRetentionFromEnvLeavesHistoryUnpruned(t *testing.T) {
	cfg := &config.EnvConfig{
		EventsRetentionDays:     2,
		CompactionRetentionDays: 180,
		AlertsRetentionDays:     90,
		InsightsRetentionDays:   90,
		BaselinesRetentionDays:  180,
		EarningsRetentionDays:   365,
	}
	r := retentionFromEnv(cfg)
	if r.Events != 48*time.Hour {
		t.Fatalf("Events = %v, want 48h", r.Events)
	}
	if r.Compaction != 180*24*time.Hour || r.Earnings != 365*24*time.Hour {
		t.Fatalf("Compaction/Earnings = %v/%v", r.Compaction, r.Earnings)
	}
	// Rollups and poll history have no retention knobs and must not be
	// pruned.
	if r.HourlyStats != 0 || r.Reputation != 0 || r.Storage != 0 {
		t.Fatalf("history horizons = %v/%v/%v, want zero", r.HourlyStats, r.Reputation, r.Storage)
	}
}

func TestThresholdsFromEnv(t *testing.T) {
	cfg := &config.EnvConfig{
		AuditScoreWarning:       85,
		AuditScoreCritical:      70,
		SuspensionScoreCritical: 60,
		OnlineScoreWarning:      95,
		StorageWarningPercent:   80,
		StorageCriticalPercent:  95,
		DaysUntilFullWarning:    30,
		DaysUntilFullCritical:   7,
		LatencyP99WarningMs:     5000,
		LatencyP99CriticalMs:    10000,
	}
	th := thresholdsFromEnv(cfg)
	if th.AuditWarning != 85 || th.AuditCritical != 70 {
		t.Fatalf("audit thresholds = %v/%v", th.AuditWarning, th.AuditCritical)
	}
	if th.LatencyWarningMs != 5000 || th.LatencyCriticalMs != 10000 {
		t.Fatalf("latency thresholds = %v/%v", th.LatencyWarningMs, th.LatencyCriticalMs)
	}
}
