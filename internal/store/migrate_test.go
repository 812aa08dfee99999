package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

var allTables = []string{
	"events", "hourly_stats", "hashstore_compaction_history",
	"reputation_history", "storage_snapshots", "alerts",
	"insights", "analytics_baselines", "earnings_estimates",
}

func TestMigrate_FreshDatabase(t *testing.T) {
	s := openTestStore(t, nil)
	for _, table := range allTables {
		ok, err := hasTable(s.readDB, table)
		if err != nil {
			t.Fatalf("hasTable(%s): %v", table, err)
		}
		if !ok {
			t.Errorf("table %s missing after migration", table)
		}
	}
	ok, err := hasTableColumn(s.readDB, "events", "duration_ms")
	if err != nil {
		t.Fatalf("hasTableColumn: %v", err)
	}
	if !ok {
		t.Error("events.duration_ms missing after migration")
	}
}

func TestMigrate_Reopen(t *testing.T) {
	cfg := testConfig(t)
	s1, err := Open(cfg)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Stop()

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Stop()
}

// Schema as shipped before versioned migrations existed: no
// duration_ms on events, no store column on compaction history.
const legacySchema = `
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    piece_id TEXT,
    satellite_id TEXT,
    remote_ip TEXT,
    country TEXT,
    latitude REAL,
    longitude REAL,
    error_reason TEXT,
    node_name TEXT NOT NULL
);
CREATE TABLE hourly_stats (
    hour_timestamp TEXT NOT NULL,
    node_name TEXT NOT NULL,
    dl_success INTEGER NOT NULL DEFAULT 0,
    dl_fail INTEGER NOT NULL DEFAULT 0,
    ul_success INTEGER NOT NULL DEFAULT 0,
    ul_fail INTEGER NOT NULL DEFAULT 0,
    audit_success INTEGER NOT NULL DEFAULT 0,
    audit_fail INTEGER NOT NULL DEFAULT 0,
    total_download_size INTEGER NOT NULL DEFAULT 0,
    total_upload_size INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (hour_timestamp, node_name)
);
CREATE TABLE hashstore_compaction_history (
    node_name TEXT NOT NULL,
    satellite TEXT NOT NULL,
    last_run_iso TEXT NOT NULL,
    duration REAL NOT NULL DEFAULT 0,
    data_reclaimed_bytes INTEGER NOT NULL DEFAULT 0,
    data_rewritten_bytes INTEGER NOT NULL DEFAULT 0,
    table_load REAL NOT NULL DEFAULT 0,
    trash_percent REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (node_name, satellite, last_run_iso)
);
CREATE TABLE reputation_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    node_name TEXT NOT NULL,
    satellite TEXT NOT NULL,
    audit_score REAL NOT NULL,
    suspension_score REAL NOT NULL,
    online_score REAL NOT NULL,
    audit_success_count INTEGER NOT NULL DEFAULT 0,
    audit_total_count INTEGER NOT NULL DEFAULT 0,
    is_disqualified INTEGER NOT NULL DEFAULT 0,
    is_suspended INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE storage_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    node_name TEXT NOT NULL,
    total_bytes INTEGER,
    used_bytes INTEGER,
    available_bytes INTEGER,
    trash_bytes INTEGER,
    used_percent REAL,
    trash_percent REAL,
    available_percent REAL
);
CREATE TABLE alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    node_name TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_at TEXT,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolved_at TEXT,
    metadata_json TEXT NOT NULL DEFAULT '{}'
);
`

func TestMigrate_LegacyDatabaseUpgradesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("creating legacy db: %v", err)
	}
	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("applying legacy schema: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO events (timestamp, action, status, size, node_name) VALUES (?, 'GET', 'success', 1024, 'alpha')`,
		"2025-02-01T10:00:00.000000Z"); err != nil {
		t.Fatalf("inserting legacy event: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO hashstore_compaction_history (node_name, satellite, last_run_iso, duration) VALUES ('alpha', 'sat-1', ?, 9.5)`,
		"2025-02-01T09:00:00.000000Z"); err != nil {
		t.Fatalf("inserting legacy compaction: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing legacy db: %v", err)
	}

	cfg := testConfig(t)
	cfg.Path = path
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open on legacy db: %v", err)
	}
	t.Cleanup(s.Stop)

	// Lazily added column is present and defaulted for old rows.
	var durationMs int64
	if err := s.readDB.QueryRow(`SELECT duration_ms FROM events LIMIT 1`).Scan(&durationMs); err != nil {
		t.Fatalf("reading migrated event: %v", err)
	}
	if durationMs != -1 {
		t.Fatalf("legacy event duration_ms: got %d, want -1", durationMs)
	}

	// Compaction history was rebuilt around the wider identity without
	// losing the old row.
	var storeName, satellite string
	var duration float64
	err = s.readDB.QueryRow(
		`SELECT store, satellite, duration FROM hashstore_compaction_history LIMIT 1`,
	).Scan(&storeName, &satellite, &duration)
	if err != nil {
		t.Fatalf("reading migrated compaction: %v", err)
	}
	if storeName != "" || satellite != "sat-1" || duration != 9.5 {
		t.Fatalf("migrated compaction row: got (%q, %q, %v)", storeName, satellite, duration)
	}

	for _, table := range []string{"insights", "analytics_baselines", "earnings_estimates"} {
		ok, err := hasTable(s.readDB, table)
		if err != nil {
			t.Fatalf("hasTable(%s): %v", table, err)
		}
		if !ok {
			t.Errorf("table %s missing after legacy upgrade", table)
		}
	}
}

func TestMigrate_LegacyBaselineSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stamped.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("creating db: %v", err)
	}
	if _, err := db.Exec(legacySchema); err != nil {
		t.Fatalf("applying legacy schema: %v", err)
	}
	// A row written at legacy time must survive the upgrade untouched.
	if _, err := db.Exec(
		`INSERT INTO alerts (timestamp, node_name, alert_type, severity, title, message) VALUES (?, 'beta', 'node_offline', 'critical', 'Offline', 'no logs')`,
		"2025-02-02T00:00:00.000000Z"); err != nil {
		t.Fatalf("inserting legacy alert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}

	cfg := testConfig(t)
	cfg.Path = path
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Start()
	t.Cleanup(s.Stop)

	alerts, err := s.AlertHistory(t.Context(), nil, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	if err != nil {
		t.Fatalf("AlertHistory: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts after upgrade: got %d, want 1", len(alerts))
	}
	if alerts[0].NodeName != "beta" || alerts[0].AlertType != "node_offline" {
		t.Fatalf("legacy alert mangled: %+v", alerts[0])
	}
}
