package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// SaveReputation appends one reputation poll sample.
func (s *Store) SaveReputation(ctx context.Context, sample model.ReputationSample) error {
	return s.writer.Do(ctx, "save reputation", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO reputation_history (
			timestamp, node_name, satellite, audit_score, suspension_score, online_score,
			audit_success_count, audit_total_count, is_disqualified, is_suspended
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			FormatTime(sample.Timestamp), sample.NodeName, sample.Satellite,
			sample.AuditScore, sample.SuspensionScore, sample.OnlineScore,
			sample.AuditSuccessCount, sample.AuditTotalCount,
			boolToInt(sample.IsDisqualified), boolToInt(sample.IsSuspended))
		return err
	})
}

// LatestReputation returns the newest sample per node and satellite.
func (s *Store) LatestReputation(ctx context.Context, nodes []string) ([]model.ReputationSample, error) {
	q := `SELECT timestamp, node_name, satellite, audit_score, suspension_score, online_score,
		audit_success_count, audit_total_count, is_disqualified, is_suspended
	FROM reputation_history
	WHERE id IN (SELECT MAX(id) FROM reputation_history GROUP BY node_name, satellite)`
	var args []any
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY node_name, satellite`
	return s.queryReputation(ctx, q, args)
}

// ReputationHistory returns samples since the cutoff, oldest first.
func (s *Store) ReputationHistory(ctx context.Context, nodes []string, since time.Time) ([]model.ReputationSample, error) {
	q := `SELECT timestamp, node_name, satellite, audit_score, suspension_score, online_score,
		audit_success_count, audit_total_count, is_disqualified, is_suspended
	FROM reputation_history WHERE timestamp >= ?`
	args := []any{FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY timestamp ASC`
	return s.queryReputation(ctx, q, args)
}

func (s *Store) queryReputation(ctx context.Context, q string, args []any) ([]model.ReputationSample, error) {
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reputation: %w", err)
	}
	defer rows.Close()

	var out []model.ReputationSample
	for rows.Next() {
		var (
			sm       model.ReputationSample
			ts       string
			dq, susp int
		)
		if err := rows.Scan(&ts, &sm.NodeName, &sm.Satellite, &sm.AuditScore,
			&sm.SuspensionScore, &sm.OnlineScore, &sm.AuditSuccessCount,
			&sm.AuditTotalCount, &dq, &susp); err != nil {
			return nil, fmt.Errorf("scanning reputation sample: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing reputation timestamp %q: %w", ts, err)
		}
		sm.Timestamp = t
		sm.IsDisqualified = dq != 0
		sm.IsSuspended = susp != 0
		out = append(out, sm)
	}
	return out, rows.Err()
}
