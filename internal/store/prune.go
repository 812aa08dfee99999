package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Retention bundles per-table horizons for PruneAll. Zero disables
// pruning for that table.
type Retention struct {
	Events      time.Duration
	HourlyStats time.Duration
	Reputation  time.Duration
	Storage     time.Duration
	Compaction  time.Duration
	Alerts      time.Duration
	Insights    time.Duration
	Baselines   time.Duration
	Earnings    time.Duration
}

// PruneAll deletes rows older than each table's horizon in one writer
// op.
func (s *Store) PruneAll(ctx context.Context, now time.Time, r Retention) error {
	type job struct {
		table  string
		column string
		keep   time.Duration
	}
	jobs := []job{
		{"events", "timestamp", r.Events},
		{"hourly_stats", "hour_timestamp", r.HourlyStats},
		{"reputation_history", "timestamp", r.Reputation},
		{"storage_snapshots", "timestamp", r.Storage},
		{"hashstore_compaction_history", "last_run_iso", r.Compaction},
		{"alerts", "timestamp", r.Alerts},
		{"insights", "timestamp", r.Insights},
		{"analytics_baselines", "last_updated", r.Baselines},
		{"earnings_estimates", "timestamp", r.Earnings},
	}
	return s.writer.Do(ctx, "prune", func(db *sql.DB) error {
		for _, j := range jobs {
			if j.keep <= 0 {
				continue
			}
			cutoff := FormatTime(now.Add(-j.keep))
			res, err := db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, j.table, j.column), cutoff)
			if err != nil {
				return fmt.Errorf("pruning %s: %w", j.table, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Printf("[store] pruned %d rows from %s (retention %s)", n, j.table, j.keep)
			}
		}
		return nil
	})
}
