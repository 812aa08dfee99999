package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// SaveAlert inserts the alert and fills in its assigned ID.
func (s *Store) SaveAlert(ctx context.Context, a *model.Alert) error {
	return s.writer.Do(ctx, "save alert", func(db *sql.DB) error {
		meta, err := marshalMetadata(a.Metadata)
		if err != nil {
			return err
		}
		res, err := db.Exec(`INSERT INTO alerts (
			timestamp, node_name, alert_type, severity, title, message,
			acknowledged, resolved, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			FormatTime(a.Timestamp), a.NodeName, a.AlertType, a.Severity,
			a.Title, a.Message, meta)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading alert id: %w", err)
		}
		a.ID = id
		return nil
	})
}

// AcknowledgeAlert marks one alert acknowledged. Returns false when the
// alert does not exist or was already acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, at time.Time) (bool, error) {
	var updated bool
	err := s.writer.Do(ctx, "acknowledge alert", func(db *sql.DB) error {
		res, err := db.Exec(
			`UPDATE alerts SET acknowledged = 1, acknowledged_at = ? WHERE id = ? AND acknowledged = 0`,
			FormatTime(at), id)
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

// ResolveAlerts marks every open alert of one type on one node
// resolved. Used when the alerting condition clears. Returns how many
// alerts were closed.
func (s *Store) ResolveAlerts(ctx context.Context, nodeName, alertType string, at time.Time) (int64, error) {
	var resolved int64
	err := s.writer.Do(ctx, "resolve alerts", func(db *sql.DB) error {
		res, err := db.Exec(
			`UPDATE alerts SET resolved = 1, resolved_at = ?
			WHERE node_name = ? AND alert_type = ? AND resolved = 0`,
			FormatTime(at), nodeName, alertType)
		if err != nil {
			return err
		}
		resolved, err = res.RowsAffected()
		return err
	})
	return resolved, err
}

// ActiveAlerts returns unresolved alerts, newest first.
func (s *Store) ActiveAlerts(ctx context.Context, nodes []string) ([]model.Alert, error) {
	q := alertSelect + ` WHERE resolved = 0`
	var args []any
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY timestamp DESC`
	return s.queryAlerts(ctx, q, args)
}

// AlertHistory returns alerts since the cutoff, newest first.
func (s *Store) AlertHistory(ctx context.Context, nodes []string, since time.Time, limit int) ([]model.Alert, error) {
	q := alertSelect + ` WHERE timestamp >= ?`
	args := []any{FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryAlerts(ctx, q, args)
}

const alertSelect = `SELECT id, timestamp, node_name, alert_type, severity, title, message,
	acknowledged, acknowledged_at, resolved, resolved_at, metadata_json
FROM alerts`

func (s *Store) queryAlerts(ctx context.Context, q string, args []any) ([]model.Alert, error) {
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a            model.Alert
			ts           string
			ackAt, resAt sql.NullString
			ack, res     int
			meta         string
		)
		if err := rows.Scan(&a.ID, &ts, &a.NodeName, &a.AlertType, &a.Severity,
			&a.Title, &a.Message, &ack, &ackAt, &res, &resAt, &meta); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing alert timestamp %q: %w", ts, err)
		}
		a.Timestamp = t
		a.Acknowledged = ack != 0
		a.Resolved = res != 0
		if ackAt.Valid {
			if t, err := ParseTime(ackAt.String); err == nil {
				a.AcknowledgedAt = t
			}
		}
		if resAt.Valid {
			if t, err := ParseTime(resAt.String); err == nil {
				a.ResolvedAt = t
			}
		}
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("parsing alert metadata: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}
