package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// SaveStorageSnapshot appends one disk-usage observation. Partial
// snapshots persist NULL for every field but available_bytes; Partial
// is derived from that on read.
func (s *Store) SaveStorageSnapshot(ctx context.Context, snap model.StorageSnapshot) error {
	return s.writer.Do(ctx, "save storage snapshot", func(db *sql.DB) error {
		var usedPct, trashPct, availPct any
		if !snap.Partial {
			usedPct, trashPct, availPct = snap.UsedPercent, snap.TrashPercent, snap.AvailablePercent
		}
		_, err := db.Exec(`INSERT INTO storage_snapshots (
			timestamp, node_name, total_bytes, used_bytes, available_bytes, trash_bytes,
			used_percent, trash_percent, available_percent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			FormatTime(snap.Timestamp), snap.NodeName,
			nullableBytes(snap.TotalBytes), nullableBytes(snap.UsedBytes),
			nullableBytes(snap.AvailableBytes), nullableBytes(snap.TrashBytes),
			usedPct, trashPct, availPct)
		return err
	})
}

// LatestStorage returns the newest snapshot per node.
func (s *Store) LatestStorage(ctx context.Context, nodes []string) ([]model.StorageSnapshot, error) {
	q := `SELECT timestamp, node_name, total_bytes, used_bytes, available_bytes, trash_bytes,
		used_percent, trash_percent, available_percent
	FROM storage_snapshots
	WHERE id IN (SELECT MAX(id) FROM storage_snapshots GROUP BY node_name)`
	var args []any
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY node_name`
	return s.queryStorage(ctx, q, args)
}

// StorageHistory returns snapshots since the cutoff, oldest first.
// Partial snapshots are included; forecasting skips them by their -1
// markers.
func (s *Store) StorageHistory(ctx context.Context, nodes []string, since time.Time) ([]model.StorageSnapshot, error) {
	q := `SELECT timestamp, node_name, total_bytes, used_bytes, available_bytes, trash_bytes,
		used_percent, trash_percent, available_percent
	FROM storage_snapshots WHERE timestamp >= ?`
	args := []any{FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY timestamp ASC`
	return s.queryStorage(ctx, q, args)
}

func (s *Store) queryStorage(ctx context.Context, q string, args []any) ([]model.StorageSnapshot, error) {
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying storage snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.StorageSnapshot
	for rows.Next() {
		var (
			snap                        model.StorageSnapshot
			ts                          string
			total, used, avail, trash   sql.NullInt64
			usedPct, trashPct, availPct sql.NullFloat64
		)
		if err := rows.Scan(&ts, &snap.NodeName, &total, &used, &avail, &trash,
			&usedPct, &trashPct, &availPct); err != nil {
			return nil, fmt.Errorf("scanning storage snapshot: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing storage timestamp %q: %w", ts, err)
		}
		snap.Timestamp = t
		snap.TotalBytes = nullInt(total)
		snap.UsedBytes = nullInt(used)
		snap.AvailableBytes = nullInt(avail)
		snap.TrashBytes = nullInt(trash)
		snap.UsedPercent = usedPct.Float64
		snap.TrashPercent = trashPct.Float64
		snap.AvailablePercent = availPct.Float64
		snap.Partial = !used.Valid
		out = append(out, snap)
	}
	return out, rows.Err()
}

func nullInt(v sql.NullInt64) int64 {
	if !v.Valid {
		return -1
	}
	return v.Int64
}
