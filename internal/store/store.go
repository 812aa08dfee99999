// Package store persists fleet telemetry to SQLite. It owns schema
// migrations, a single writer goroutine that batches traffic events and
// serializes every other write, and a small read-only pool for queries.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nodepulse/nodepulse/internal/model"
)

// timeLayout renders timestamps the way every table stores them: UTC,
// fixed-width microsecond precision, so lexicographic order matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t for storage in a TEXT timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp back. Accepts any RFC 3339 form so
// rows written by older releases still parse.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Config controls the database path, the writer loop, and retry policy.
type Config struct {
	Path            string
	BatchInterval   time.Duration
	LiveBatchSize   int
	BulkBatchSize   int
	QueueMaxSize    int
	MaxWriteRetries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Store is the SQLite-backed persistence layer. All writes funnel
// through the writer goroutine; reads go to a separate read-only pool.
type Store struct {
	db       *sql.DB
	readDB   *sql.DB
	writer   *writer
	stopOnce sync.Once
}

// Open opens (creating if missing) the database at cfg.Path, migrates
// it to the newest schema, and prepares the writer. Call Start to begin
// accepting writes.
func Open(cfg Config) (*Store, error) {
	db, err := openWrite(cfg.Path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	readDB, err := openReadOnly(cfg.Path)
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, readDB: readDB}
	s.writer = newWriter(db, cfg)
	return s, nil
}

// Start launches the writer goroutine.
func (s *Store) Start() {
	s.writer.Start()
}

// Stop drains pending writes and closes both database handles. Safe to
// call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.writer.Stop()
		s.readDB.Close()
		s.db.Close()
	})
}

// Emit queues a traffic event for the next batch flush. Never blocks;
// see Writer.Emit for drop semantics.
func (s *Store) Emit(ev model.TrafficEvent) {
	s.writer.Emit(ev)
}

// DroppedEvents reports how many events were discarded because the
// write queue was full.
func (s *Store) DroppedEvents() int64 {
	return s.writer.Dropped()
}

// Fatal delivers at most one unrecoverable database error (disk full,
// corruption, file unreadable). Receiving from it should terminate the
// process.
func (s *Store) Fatal() <-chan error {
	return s.writer.Fatal()
}

func openWrite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA mmap_size = 33554432;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}
	// One connection: SQLite allows a single writer and the writer
	// goroutine is the only user of this handle.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	dsn := path + "?mode=ro"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening read-only database %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying read pragma: %w", err)
	}
	db.SetMaxOpenConns(4)
	return db, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableBytes maps the -1 absence marker used by byte-count fields
// to SQL NULL.
func nullableBytes(v int64) any {
	if v < 0 {
		return nil
	}
	return v
}
