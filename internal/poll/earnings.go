package poll

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodeapi"
)

// pollEarnings refreshes payout estimates for the fleet. Nodes exposing
// the payout endpoint are read directly; the rest, and any node whose
// endpoint fails this cycle, are priced from stored traffic and
// storage samples.
func (p *Pollers) pollEarnings(ctx context.Context) error {
	now := p.now()
	for _, name := range p.registry.Names() {
		var (
			estimates []model.EarningsEstimate
			err       error
		)
		if c, ok := p.clients[name]; ok {
			estimates, err = p.apiEarnings(ctx, c, now)
			if err != nil {
				if !errors.Is(err, nodeapi.ErrEndpointDisabled) {
					log.Printf("[poll] earnings %s: %v (pricing from stored data)", name, err)
				}
				estimates, err = p.computedEarnings(ctx, name, p.nodeAge(ctx, c, now), now)
			}
		} else {
			estimates, err = p.computedEarnings(ctx, name, 0, now)
		}
		if err != nil {
			log.Printf("[poll] earnings %s: %v", name, err)
			continue
		}
		if len(estimates) == 0 {
			continue
		}
		for _, e := range estimates {
			if err := p.store.UpsertEarnings(ctx, e); err != nil {
				log.Printf("[poll] earnings %s: %v", name, err)
			}
		}
		p.hub.BroadcastEarnings(name, estimates)
	}
	return ctx.Err()
}

// apiEarnings maps the estimated-payout endpoint onto estimate rows:
// one for the running month and one finalized row for the previous.
// The endpoint aggregates the whole node, so Satellite stays empty, and
// it reports repair and audit egress combined, so the pair lands in the
// repair class.
func (p *Pollers) apiEarnings(ctx context.Context, c *nodeapi.Client, now time.Time) ([]model.EarningsEstimate, error) {
	payout, err := c.EstimatedPayout(ctx)
	if err != nil {
		return nil, err
	}
	age := p.nodeAge(ctx, c, now)

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	current := p.breakdownEstimate(c.Node(), monthStart.Format("2006-01"), payout.CurrentMonth, age, false, now)
	previous := p.breakdownEstimate(c.Node(), monthStart.AddDate(0, -1, 0).Format("2006-01"), payout.PreviousMonth, age, true, now)
	return []model.EarningsEstimate{current, previous}, nil
}

// nodeAge derives the node's age from its earliest satellite join date;
// zero means unknown.
func (p *Pollers) nodeAge(ctx context.Context, c *nodeapi.Client, now time.Time) int {
	sats, err := c.Satellites(ctx)
	if err != nil || sats.EarliestJoinedAt.IsZero() {
		return 0
	}
	return ageMonths(sats.EarliestJoinedAt, now)
}

func (p *Pollers) breakdownEstimate(node, period string, b nodeapi.PayoutBreakdown, age int, finalized bool, now time.Time) model.EarningsEstimate {
	e := model.EarningsEstimate{
		NodeName:         node,
		Period:           period,
		EgressBytes:      b.EgressBandwidth,
		EgressGross:      b.EgressBandwidthPayout,
		EgressNet:        b.EgressBandwidthPayout,
		StorageByteHours: b.DiskSpace,
		StorageGross:     b.DiskSpacePayout,
		StorageNet:       b.DiskSpacePayout,
		RepairBytes:      b.EgressRepairAudit,
		RepairGross:      b.EgressRepairAuditPayout,
		RepairNet:        b.EgressRepairAuditPayout,
		NodeAgeMonths:    age,
		IsFinalized:      finalized,
		Timestamp:        now,
	}
	e.TotalEarningsGross = e.EgressGross + e.StorageGross + e.RepairGross

	if !p.cfg.ApplyHeld {
		e.TotalEarningsNet = e.TotalEarningsGross
		return e
	}
	e.HeldAmount = b.Held
	if e.TotalEarningsGross > 0 {
		e.HeldPercentage = b.Held / e.TotalEarningsGross * 100
	}
	e.TotalEarningsNet = b.Payout
	if e.TotalEarningsNet == 0 && e.TotalEarningsGross > 0 {
		e.TotalEarningsNet = e.TotalEarningsGross - b.Held
	}
	return e
}

// computedEarnings prices the running month from stored data: one row
// per satellite carrying its successful traffic by payout class, plus a
// node-level row (empty satellite) carrying storage integrated over the
// month's snapshots. Events are keyed to satellites but disk space is
// not, hence the split. age zero means unknown and skips withholding.
func (p *Pollers) computedEarnings(ctx context.Context, name string, age int, now time.Time) ([]model.EarningsEstimate, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := monthStart.Format("2006-01")

	sums, err := p.store.TrafficClassSums(ctx, name, monthStart, now)
	if err != nil {
		return nil, err
	}

	perSat := make(map[string]*model.EarningsEstimate)
	var order []string
	row := func(sat string) *model.EarningsEstimate {
		e, ok := perSat[sat]
		if !ok {
			e = &model.EarningsEstimate{
				NodeName:      name,
				Satellite:     sat,
				Period:        period,
				NodeAgeMonths: age,
				Timestamp:     now,
			}
			perSat[sat] = e
			order = append(order, sat)
		}
		return e
	}

	for _, sum := range sums {
		e := row(sum.Satellite)
		switch sum.Category {
		case model.CategoryGet:
			e.EgressBytes += sum.Bytes
		case model.CategoryGetRepair:
			e.RepairBytes += sum.Bytes
		case model.CategoryAudit:
			e.AuditBytes += sum.Bytes
		}
		// Ingress classes earn nothing.
	}
	for _, sat := range order {
		e := perSat[sat]
		egress, repair, audit := analytics.TrafficEarnings(e.EgressBytes, e.RepairBytes, e.AuditBytes, p.cfg.Pricing)
		e.EgressGross, e.EgressNet = egress.Gross, egress.Net
		e.RepairGross, e.RepairNet = repair.Gross, repair.Net
		e.AuditGross, e.AuditNet = audit.Gross, audit.Net
	}

	history, err := p.store.StorageHistory(ctx, []string{name}, monthStart)
	if err != nil {
		return nil, err
	}
	var samples []analytics.StorageSample
	for _, s := range history {
		if s.UsedBytes < 0 {
			continue
		}
		samples = append(samples, analytics.StorageSample{Timestamp: s.Timestamp, UsedBytes: float64(s.UsedBytes)})
	}
	if len(samples) >= 2 {
		byteHours, gross, net := analytics.StorageEarnings(samples, monthStart, p.cfg.Pricing.StoragePerTBMonth, p.cfg.Pricing.ShareStorage)
		e := row("")
		e.StorageByteHours = byteHours
		e.StorageGross = gross
		e.StorageNet = net
	}

	heldFraction := 0.0
	if p.cfg.ApplyHeld && age > 0 {
		heldFraction = analytics.HeldFraction(age)
	}
	out := make([]model.EarningsEstimate, 0, len(order))
	for _, sat := range order {
		e := perSat[sat]
		e.TotalEarningsGross = e.EgressGross + e.StorageGross + e.RepairGross + e.AuditGross
		e.TotalEarningsNet = e.EgressNet + e.StorageNet + e.RepairNet + e.AuditNet
		if heldFraction > 0 {
			e.HeldAmount = e.TotalEarningsGross * heldFraction
			e.HeldPercentage = heldFraction * 100
			e.TotalEarningsNet -= e.HeldAmount
		}
		out = append(out, *e)
	}
	return out, nil
}

// ageMonths counts calendar months of age, starting at 1 inside the
// join month to match the withholding schedule.
func ageMonths(join, now time.Time) int {
	if join.IsZero() || join.After(now) {
		return 0
	}
	months := (now.Year()-join.Year())*12 + int(now.Month()) - int(join.Month()) + 1
	if months < 1 {
		months = 1
	}
	return months
}
