package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nodepulse/nodepulse/internal/model"
)

// UpsertEarnings stores a payout estimate. One row per node, satellite,
// and period; re-estimating the same period replaces the previous row
// so repeated polls never duplicate.
func (s *Store) UpsertEarnings(ctx context.Context, e model.EarningsEstimate) error {
	return s.writer.Do(ctx, "upsert earnings", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO earnings_estimates (
			node_name, satellite, period,
			egress_bytes, egress_gross, egress_net,
			storage_byte_hours, storage_gross, storage_net,
			repair_bytes, repair_gross, repair_net,
			audit_bytes, audit_gross, audit_net,
			total_earnings_gross, total_earnings_net,
			held_amount, node_age_months, held_percentage, is_finalized, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_name, satellite, period) DO UPDATE SET
			egress_bytes = excluded.egress_bytes,
			egress_gross = excluded.egress_gross,
			egress_net = excluded.egress_net,
			storage_byte_hours = excluded.storage_byte_hours,
			storage_gross = excluded.storage_gross,
			storage_net = excluded.storage_net,
			repair_bytes = excluded.repair_bytes,
			repair_gross = excluded.repair_gross,
			repair_net = excluded.repair_net,
			audit_bytes = excluded.audit_bytes,
			audit_gross = excluded.audit_gross,
			audit_net = excluded.audit_net,
			total_earnings_gross = excluded.total_earnings_gross,
			total_earnings_net = excluded.total_earnings_net,
			held_amount = excluded.held_amount,
			node_age_months = excluded.node_age_months,
			held_percentage = excluded.held_percentage,
			is_finalized = excluded.is_finalized,
			timestamp = excluded.timestamp`,
			e.NodeName, e.Satellite, e.Period,
			e.EgressBytes, e.EgressGross, e.EgressNet,
			e.StorageByteHours, e.StorageGross, e.StorageNet,
			e.RepairBytes, e.RepairGross, e.RepairNet,
			e.AuditBytes, e.AuditGross, e.AuditNet,
			e.TotalEarningsGross, e.TotalEarningsNet,
			e.HeldAmount, e.NodeAgeMonths, e.HeldPercentage,
			boolToInt(e.IsFinalized), FormatTime(e.Timestamp))
		return err
	})
}

// EarningsForPeriod returns every estimate for one "YYYY-MM" period.
func (s *Store) EarningsForPeriod(ctx context.Context, nodes []string, period string) ([]model.EarningsEstimate, error) {
	q := earningsSelect + ` WHERE period = ?`
	args := []any{period}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY node_name, satellite`
	return s.queryEarnings(ctx, q, args)
}

// EarningsHistory returns estimates for every period at or after
// fromPeriod ("YYYY-MM"), oldest period first.
func (s *Store) EarningsHistory(ctx context.Context, nodes []string, fromPeriod string) ([]model.EarningsEstimate, error) {
	q := earningsSelect + ` WHERE period >= ?`
	args := []any{fromPeriod}
	q, args = filterNodes(q, args, nodes)
	q += ` ORDER BY period ASC, node_name, satellite`
	return s.queryEarnings(ctx, q, args)
}

const earningsSelect = `SELECT node_name, satellite, period,
	egress_bytes, egress_gross, egress_net,
	storage_byte_hours, storage_gross, storage_net,
	repair_bytes, repair_gross, repair_net,
	audit_bytes, audit_gross, audit_net,
	total_earnings_gross, total_earnings_net,
	held_amount, node_age_months, held_percentage, is_finalized, timestamp
FROM earnings_estimates`

func (s *Store) queryEarnings(ctx context.Context, q string, args []any) ([]model.EarningsEstimate, error) {
	rows, err := s.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying earnings: %w", err)
	}
	defer rows.Close()

	var out []model.EarningsEstimate
	for rows.Next() {
		var (
			e         model.EarningsEstimate
			ts        string
			finalized int
		)
		if err := rows.Scan(&e.NodeName, &e.Satellite, &e.Period,
			&e.EgressBytes, &e.EgressGross, &e.EgressNet,
			&e.StorageByteHours, &e.StorageGross, &e.StorageNet,
			&e.RepairBytes, &e.RepairGross, &e.RepairNet,
			&e.AuditBytes, &e.AuditGross, &e.AuditNet,
			&e.TotalEarningsGross, &e.TotalEarningsNet,
			&e.HeldAmount, &e.NodeAgeMonths, &e.HeldPercentage,
			&finalized, &ts); err != nil {
			return nil, fmt.Errorf("scanning earnings estimate: %w", err)
		}
		t, err := ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing earnings timestamp %q: %w", ts, err)
		}
		e.Timestamp = t
		e.IsFinalized = finalized != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
