package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Schema versions, matching the files under migrations/.
const (
	versionBaseSchema     = 1
	versionEventDurations = 2
	versionCompactionKeys = 3
	versionAnalytics      = 4
)

// Migrate brings db to the newest schema version. Databases created by
// releases that predate versioned migrations carry no version stamp;
// those are recognized by inspecting the live schema and stamped with
// the matching baseline so only the migrations they are missing run.
func Migrate(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	if err := stampLegacyBaseline(db); err != nil {
		return fmt.Errorf("stamping legacy baseline: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "nodepulse", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// stampLegacyBaseline detects unversioned databases and records the
// newest schema version whose artifacts are all present. Runs after the
// migration driver has created the (possibly empty) version table.
func stampLegacyBaseline(db *sql.DB) error {
	versioned, err := hasMigrationVersion(db)
	if err != nil || versioned {
		return err
	}
	hasEvents, err := hasTable(db, "events")
	if err != nil || !hasEvents {
		// Fresh database: every migration runs.
		return err
	}
	version := versionBaseSchema
	durations, err := hasTableColumn(db, "events", "duration_ms")
	if err != nil {
		return err
	}
	if durations {
		version = versionEventDurations
	}
	storeCol, err := hasTableColumn(db, "hashstore_compaction_history", "store")
	if err != nil {
		return err
	}
	if durations && storeCol {
		version = versionCompactionKeys
	}
	insights, err := hasTable(db, "insights")
	if err != nil {
		return err
	}
	if durations && storeCol && insights {
		version = versionAnalytics
	}
	return setMigrationVersion(db, version)
}

func hasMigrationVersion(db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ` + migrationsTable).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("reading migration version: %w", err)
	}
	return count > 0, nil
}

func setMigrationVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT INTO `+migrationsTable+` (version, dirty) VALUES (?, 0)`, version)
	if err != nil {
		return fmt.Errorf("setting migration version %d: %w", version, err)
	}
	return nil
}

func hasTable(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", name, err)
	}
	return count > 0, nil
}

func hasTableColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
