package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// insertEvents writes a batch in one transaction. Rows that fail
// individually are logged and skipped so one bad event cannot sink the
// whole batch; fatal errors abort it.
func insertEvents(db *sql.DB, events []model.TrafficEvent) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO events (
		timestamp, action, status, size, piece_id, satellite_id,
		remote_ip, country, latitude, longitude, error_reason,
		node_name, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range events {
		ev := &events[i]
		ts := ev.Timestamp
		// Clock skew between nodes and the monitor must not push rows
		// into the future.
		if ts.After(now) {
			ts = now
		}
		var lat, lon any
		if ev.HasLocation {
			lat, lon = ev.Latitude, ev.Longitude
		}
		if _, err := stmt.Exec(
			FormatTime(ts), ev.Action, ev.Status, ev.Size,
			nullableStr(ev.PieceID), nullableStr(ev.SatelliteID),
			nullableStr(ev.RemoteIP), nullableStr(ev.Country),
			lat, lon, nullableStr(ev.ErrorReason),
			ev.NodeName, ev.DurationMs,
		); err != nil {
			if classifyErr(err) == errClassFatal {
				return fmt.Errorf("inserting event: %w", err)
			}
			log.Printf("[store] skipping event for %s: %v", ev.NodeName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %d events: %w", len(events), err)
	}
	return nil
}

// RecentEvents returns the newest events for the named nodes in
// chronological order. Empty nodes means the whole fleet.
func (s *Store) RecentEvents(ctx context.Context, nodes []string, limit int) ([]model.TrafficEvent, error) {
	q := `SELECT timestamp, action, status, size, piece_id, satellite_id,
		remote_ip, country, latitude, longitude, error_reason, node_name, duration_ms
	FROM events WHERE 1=1`
	var args []any
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	var out []model.TrafficEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (model.TrafficEvent, error) {
	var (
		ev                          model.TrafficEvent
		ts                          string
		pieceID, satID, ip, country sql.NullString
		lat, lon                    sql.NullFloat64
		errReason                   sql.NullString
	)
	if err := rows.Scan(&ts, &ev.Action, &ev.Status, &ev.Size, &pieceID, &satID,
		&ip, &country, &lat, &lon, &errReason, &ev.NodeName, &ev.DurationMs); err != nil {
		return ev, fmt.Errorf("scanning event: %w", err)
	}
	t, err := ParseTime(ts)
	if err != nil {
		return ev, fmt.Errorf("parsing event timestamp %q: %w", ts, err)
	}
	ev.Timestamp = t
	ev.PieceID = pieceID.String
	ev.SatelliteID = satID.String
	ev.RemoteIP = ip.String
	ev.Country = country.String
	if lat.Valid && lon.Valid {
		ev.Latitude, ev.Longitude = lat.Float64, lon.Float64
		ev.HasLocation = true
	}
	ev.ErrorReason = errReason.String
	ev.Category = model.Categorize(ev.Action)
	return ev, nil
}

// PerfPoint is one fixed-width bucket of traffic counters, used for
// charting short-range performance.
type PerfPoint struct {
	Bucket        time.Time `json:"bucket"`
	DlSuccess     int64     `json:"dl_success"`
	DlFail        int64     `json:"dl_fail"`
	UlSuccess     int64     `json:"ul_success"`
	UlFail        int64     `json:"ul_fail"`
	AuditSuccess  int64     `json:"audit_success"`
	AuditFail     int64     `json:"audit_fail"`
	DownloadBytes int64     `json:"download_bytes"`
	UploadBytes   int64     `json:"upload_bytes"`
}

// PerformanceSeries buckets events since the cutoff into fixed
// intervals, oldest bucket first.
func (s *Store) PerformanceSeries(ctx context.Context, nodes []string, since time.Time, interval time.Duration) ([]PerfPoint, error) {
	sec := int64(interval / time.Second)
	if sec < 1 {
		sec = 1
	}
	q := `SELECT (CAST(strftime('%s', timestamp) AS INTEGER) / ?) * ? AS bucket,
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'success' THEN size ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'success' THEN size ELSE 0 END)
	FROM events WHERE timestamp >= ?`
	args := []any{sec, sec, FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` GROUP BY bucket ORDER BY bucket ASC`

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying performance series: %w", err)
	}
	defer rows.Close()

	var out []PerfPoint
	for rows.Next() {
		var (
			p      PerfPoint
			bucket int64
		)
		if err := rows.Scan(&bucket, &p.DlSuccess, &p.DlFail, &p.UlSuccess, &p.UlFail,
			&p.AuditSuccess, &p.AuditFail, &p.DownloadBytes, &p.UploadBytes); err != nil {
			return nil, fmt.Errorf("scanning performance bucket: %w", err)
		}
		p.Bucket = time.Unix(bucket, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// HourlyStats returns rollups for the named nodes since the cutoff,
// oldest first.
func (s *Store) HourlyStats(ctx context.Context, nodes []string, since time.Time) ([]model.HourlyStat, error) {
	q := `SELECT hour_timestamp, node_name, dl_success, dl_fail, ul_success, ul_fail,
		audit_success, audit_fail, total_download_size, total_upload_size
	FROM hourly_stats WHERE hour_timestamp >= ?`
	args := []any{FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY hour_timestamp ASC`

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying hourly stats: %w", err)
	}
	defer rows.Close()

	var out []model.HourlyStat
	for rows.Next() {
		var (
			h  model.HourlyStat
			ts string
		)
		if err := rows.Scan(&ts, &h.NodeName, &h.DlSuccess, &h.DlFail, &h.UlSuccess,
			&h.UlFail, &h.AuditSuccess, &h.AuditFail, &h.TotalDownloadSize, &h.TotalUploadSize); err != nil {
			return nil, fmt.Errorf("scanning hourly stat: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing rollup hour %q: %w", ts, err)
		}
		h.Hour = t
		out = append(out, h)
	}
	return out, rows.Err()
}

// AggregateHours recomputes rollups for every hour touched by events in
// [from, to). The upsert replaces whole buckets, so from must be
// hour-aligned; rerunning over the same window is then idempotent.
func (s *Store) AggregateHours(ctx context.Context, from, to time.Time) error {
	return s.writer.Do(ctx, "aggregate hours", func(db *sql.DB) error {
		return aggregateHours(db, from, to)
	})
}

func aggregateHours(db *sql.DB, from, to time.Time) error {
	_, err := db.Exec(`INSERT INTO hourly_stats (
		hour_timestamp, node_name, dl_success, dl_fail, ul_success, ul_fail,
		audit_success, audit_fail, total_download_size, total_upload_size
	)
	SELECT substr(timestamp, 1, 13) || ':00:00.000000Z' AS hour_ts,
		node_name,
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action = 'GET_AUDIT' AND status = 'failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN action IN ('GET', 'GET_REPAIR') AND status = 'success' THEN size ELSE 0 END),
		SUM(CASE WHEN action IN ('PUT', 'PUT_REPAIR') AND status = 'success' THEN size ELSE 0 END)
	FROM events
	WHERE timestamp >= ? AND timestamp < ?
	GROUP BY hour_ts, node_name
	ON CONFLICT (hour_timestamp, node_name) DO UPDATE SET
		dl_success = excluded.dl_success,
		dl_fail = excluded.dl_fail,
		ul_success = excluded.ul_success,
		ul_fail = excluded.ul_fail,
		audit_success = excluded.audit_success,
		audit_fail = excluded.audit_fail,
		total_download_size = excluded.total_download_size,
		total_upload_size = excluded.total_upload_size`,
		FormatTime(from), FormatTime(to))
	if err != nil {
		return fmt.Errorf("aggregating hours: %w", err)
	}
	return nil
}

// BackfillHourly rebuilds rollups from the newest stored bucket (or the
// oldest event when there are none) up to now. Run once on startup to
// cover downtime; idempotent because buckets are recomputed whole.
func (s *Store) BackfillHourly(ctx context.Context, now time.Time) error {
	return s.writer.Do(ctx, "backfill hourly", func(db *sql.DB) error {
		var last sql.NullString
		if err := db.QueryRow(`SELECT MAX(hour_timestamp) FROM hourly_stats`).Scan(&last); err != nil {
			return fmt.Errorf("reading newest rollup: %w", err)
		}
		var from time.Time
		if last.Valid {
			t, err := ParseTime(last.String)
			if err != nil {
				return fmt.Errorf("parsing rollup hour %q: %w", last.String, err)
			}
			from = t
		} else {
			var oldest sql.NullString
			if err := db.QueryRow(`SELECT MIN(timestamp) FROM events`).Scan(&oldest); err != nil {
				return fmt.Errorf("reading oldest event: %w", err)
			}
			if !oldest.Valid {
				return nil
			}
			t, err := ParseTime(oldest.String)
			if err != nil {
				return fmt.Errorf("parsing oldest event timestamp %q: %w", oldest.String, err)
			}
			from = t.Truncate(time.Hour)
		}
		return aggregateHours(db, from, now)
	})
}

// filterNodes appends "AND node_name IN (...)" when nodes is non-empty.
// The query must already contain a WHERE clause.
func filterNodes(q string, args []any, nodes []string) (string, []any) {
	if len(nodes) == 0 {
		return q, args
	}
	q += ` AND node_name IN (` + placeholders(len(nodes)) + `)`
	for _, n := range nodes {
		args = append(args, n)
	}
	return q, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
