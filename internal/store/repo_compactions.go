package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nodepulse/nodepulse/internal/model"
)

// SaveCompaction records one finished compaction run. Identity covers
// node, satellite, store, start time, and duration, so replaying the
// same log line is a no-op.
func (s *Store) SaveCompaction(ctx context.Context, rec model.CompactionRecord) error {
	return s.writer.Do(ctx, "save compaction", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT OR IGNORE INTO hashstore_compaction_history (
			node_name, satellite, store, last_run_iso, duration,
			data_reclaimed_bytes, data_rewritten_bytes, table_load, trash_percent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.NodeName, rec.Satellite, rec.Store, FormatTime(rec.LastRun),
			rec.DurationSeconds, rec.DataReclaimedBytes, rec.DataRewrittenBytes,
			rec.TableLoad, rec.TrashPercent)
		return err
	})
}

// CompactionFilter narrows CompactionHistory. Zero values match
// everything.
type CompactionFilter struct {
	Nodes     []string
	Satellite string
	Store     string
	Limit     int
}

// CompactionHistory returns finished runs, newest first.
func (s *Store) CompactionHistory(ctx context.Context, f CompactionFilter) ([]model.CompactionRecord, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Nodes) > 0 {
		conds = append(conds, `node_name IN (`+placeholders(len(f.Nodes))+`)`)
		for _, n := range f.Nodes {
			args = append(args, n)
		}
	}
	if f.Satellite != "" {
		conds = append(conds, `satellite = ?`)
		args = append(args, f.Satellite)
	}
	if f.Store != "" {
		conds = append(conds, `store = ?`)
		args = append(args, f.Store)
	}

	q := `SELECT node_name, satellite, store, last_run_iso, duration,
		data_reclaimed_bytes, data_rewritten_bytes, table_load, trash_percent
	FROM hashstore_compaction_history`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY last_run_iso DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying compaction history: %w", err)
	}
	defer rows.Close()

	var out []model.CompactionRecord
	for rows.Next() {
		var (
			rec model.CompactionRecord
			ts  string
		)
		if err := rows.Scan(&rec.NodeName, &rec.Satellite, &rec.Store, &ts,
			&rec.DurationSeconds, &rec.DataReclaimedBytes, &rec.DataRewrittenBytes,
			&rec.TableLoad, &rec.TrashPercent); err != nil {
			return nil, fmt.Errorf("scanning compaction record: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing compaction timestamp %q: %w", ts, err)
		}
		rec.LastRun = t
		out = append(out, rec)
	}
	return out, rows.Err()
}
