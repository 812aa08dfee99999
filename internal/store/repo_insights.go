package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nodepulse/nodepulse/internal/model"
)

// SaveInsight inserts the insight and fills in its assigned ID.
func (s *Store) SaveInsight(ctx context.Context, in *model.Insight) error {
	return s.writer.Do(ctx, "save insight", func(db *sql.DB) error {
		meta, err := marshalMetadata(in.Metadata)
		if err != nil {
			return err
		}
		res, err := db.Exec(`INSERT INTO insights (
			timestamp, node_name, insight_type, severity, title, description,
			category, confidence, acknowledged, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			FormatTime(in.Timestamp), in.NodeName, in.InsightType, in.Severity,
			in.Title, in.Description, in.Category, in.Confidence, meta)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading insight id: %w", err)
		}
		in.ID = id
		return nil
	})
}

// AcknowledgeInsight marks one insight acknowledged. Returns false when
// it does not exist or was already acknowledged.
func (s *Store) AcknowledgeInsight(ctx context.Context, id int64) (bool, error) {
	var updated bool
	err := s.writer.Do(ctx, "acknowledge insight", func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE insights SET acknowledged = 1 WHERE id = ? AND acknowledged = 0`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// RecentInsights returns the newest insights, newest first.
func (s *Store) RecentInsights(ctx context.Context, nodes []string, limit int) ([]model.Insight, error) {
	q := `SELECT id, timestamp, node_name, insight_type, severity, title, description,
		category, confidence, acknowledged, metadata_json
	FROM insights WHERE 1=1`
	var args []any
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var out []model.Insight
	for rows.Next() {
		var (
			in   model.Insight
			ts   string
			ack  int
			meta string
		)
		if err := rows.Scan(&in.ID, &ts, &in.NodeName, &in.InsightType, &in.Severity,
			&in.Title, &in.Description, &in.Category, &in.Confidence, &ack, &meta); err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing insight timestamp %q: %w", ts, err)
		}
		in.Timestamp = t
		in.Acknowledged = ack != 0
		if err := json.Unmarshal([]byte(meta), &in.Metadata); err != nil {
			return nil, fmt.Errorf("parsing insight metadata: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
