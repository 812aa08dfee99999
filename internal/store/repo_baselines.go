package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nodepulse/nodepulse/internal/model"
)

// UpsertBaseline stores the historical distribution of one metric for
// one node and window, replacing any previous row.
func (s *Store) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	return s.writer.Do(ctx, "upsert baseline", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO analytics_baselines (
			node_name, metric_name, window_hours, mean_value, std_dev,
			min_value, max_value, sample_count, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_name, metric_name, window_hours) DO UPDATE SET
			mean_value = excluded.mean_value,
			std_dev = excluded.std_dev,
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			sample_count = excluded.sample_count,
			last_updated = excluded.last_updated`,
			b.NodeName, b.MetricName, b.WindowHours, b.Mean, b.StdDev,
			b.Min, b.Max, b.SampleCount, FormatTime(b.LastUpdated))
		return err
	})
}

// GetBaseline fetches one baseline. The second return is false when no
// row exists yet.
func (s *Store) GetBaseline(ctx context.Context, node, metric string, windowHours int) (model.Baseline, bool, error) {
	var (
		b  model.Baseline
		ts string
	)
	err := s.readDB.QueryRowContext(ctx, `SELECT node_name, metric_name, window_hours,
		mean_value, std_dev, min_value, max_value, sample_count, last_updated
	FROM analytics_baselines
	WHERE node_name = ? AND metric_name = ? AND window_hours = ?`,
		node, metric, windowHours).Scan(&b.NodeName, &b.MetricName, &b.WindowHours,
		&b.Mean, &b.StdDev, &b.Min, &b.Max, &b.SampleCount, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Baseline{}, false, nil
	}
	if err != nil {
		return model.Baseline{}, false, fmt.Errorf("reading baseline: %w", err)
	}
	t, err := ParseTime(ts)
	if err != nil {
		return model.Baseline{}, false, fmt.Errorf("parsing baseline timestamp %q: %w", ts, err)
	}
	b.LastUpdated = t
	return b, true, nil
}
