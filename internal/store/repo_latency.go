package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// DurationSamples returns operation durations since the cutoff, grouped
// by derived category. Events without a measured duration are skipped.
func (s *Store) DurationSamples(ctx context.Context, nodes []string, since time.Time) (map[string][]float64, error) {
	q := `SELECT action, duration_ms FROM events
	WHERE duration_ms >= 0 AND timestamp >= ?`
	args := []any{FormatTime(since)}
	q, args = filterNodes(q, args, nodes)

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying duration samples: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var (
			action string
			ms     int64
		)
		if err := rows.Scan(&action, &ms); err != nil {
			return nil, fmt.Errorf("scanning duration sample: %w", err)
		}
		cat := model.Categorize(action)
		out[cat] = append(out[cat], float64(ms))
	}
	return out, rows.Err()
}

// LatencyBucket is one fixed-width histogram bucket; LowerMs is the
// inclusive lower bound.
type LatencyBucket struct {
	LowerMs int64 `json:"lower_ms"`
	Count   int64 `json:"count"`
}

// LatencyHistogram buckets measured durations since the cutoff into
// fixed bucketMs-wide bins, computed in SQL so only the bin counters
// cross the driver boundary.
func (s *Store) LatencyHistogram(ctx context.Context, nodes []string, since time.Time, bucketMs int64) ([]LatencyBucket, error) {
	if bucketMs < 1 {
		bucketMs = 100
	}
	q := `SELECT (duration_ms / ?) * ? AS bucket, COUNT(*) FROM events
	WHERE duration_ms >= 0 AND timestamp >= ?`
	args := []any{bucketMs, bucketMs, FormatTime(since)}
	q, args = filterNodes(q, args, nodes)
	q += ` GROUP BY bucket ORDER BY bucket ASC`

	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying latency histogram: %w", err)
	}
	defer rows.Close()

	var out []LatencyBucket
	for rows.Next() {
		var b LatencyBucket
		if err := rows.Scan(&b.LowerMs, &b.Count); err != nil {
			return nil, fmt.Errorf("scanning latency bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TrafficClassSum aggregates successful traffic for one (satellite,
// category) pair.
type TrafficClassSum struct {
	Satellite string
	Category  string
	Bytes     int64
	Count     int64
}

// TrafficClassSums sums successful traffic per satellite and category
// for one node over [from, to). It feeds the DB-side earnings
// computation when a node exposes no payout API.
func (s *Store) TrafficClassSums(ctx context.Context, node string, from, to time.Time) ([]TrafficClassSum, error) {
	q := `SELECT COALESCE(satellite_id, ''), action, SUM(size), COUNT(*) FROM events
	WHERE node_name = ? AND status = 'success' AND timestamp >= ? AND timestamp < ?
	GROUP BY satellite_id, action`
	rows, err := s.readDB.QueryContext(ctx, q, node, FormatTime(from), FormatTime(to))
	if err != nil {
		return nil, fmt.Errorf("querying traffic sums: %w", err)
	}
	defer rows.Close()

	// Actions collapse onto categories, so merge rows after mapping.
	merged := make(map[string]*TrafficClassSum)
	var order []string
	for rows.Next() {
		var (
			sat, action  string
			bytes, count int64
		)
		if err := rows.Scan(&sat, &action, &bytes, &count); err != nil {
			return nil, fmt.Errorf("scanning traffic sum: %w", err)
		}
		cat := model.Categorize(action)
		key := sat + "\x00" + cat
		sum, ok := merged[key]
		if !ok {
			sum = &TrafficClassSum{Satellite: sat, Category: cat}
			merged[key] = sum
			order = append(order, key)
		}
		sum.Bytes += bytes
		sum.Count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TrafficClassSum, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out, nil
}
