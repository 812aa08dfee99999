package poll

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nodepulse/nodepulse/internal/alert"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodeapi"
)

// pollReputation refreshes per-satellite reputation for every node with
// a management API. Scores arrive 0..1 and are stored as percentages.
// Fresh samples are persisted, pushed to dashboards, and run through
// the alert thresholds; one node's failure never blocks the rest.
func (p *Pollers) pollReputation(ctx context.Context) error {
	now := p.now()
	for _, name := range p.registry.Names() {
		client, ok := p.clients[name]
		if !ok {
			continue
		}
		samples, err := p.fetchReputation(ctx, client, now)
		if err != nil {
			if !errors.Is(err, nodeapi.ErrEndpointDisabled) {
				log.Printf("[poll] reputation %s: %v", name, err)
			}
			continue
		}
		if len(samples) == 0 {
			continue
		}
		for _, s := range samples {
			if err := p.store.SaveReputation(ctx, s); err != nil {
				log.Printf("[poll] reputation %s: %v", name, err)
			}
		}
		p.hub.BroadcastReputation(name, samples)
		for _, s := range samples {
			findings, _ := alert.EvaluateReputation(p.cfg.Thresholds, s)
			p.raise(ctx, findings)
		}
	}
	return ctx.Err()
}

// fetchReputation merges the fleet-wide score rollup with the dashboard
// registrations: satellites are matched by address, which the rollup
// reports as the satellite name. Per-satellite audit-history counts are
// best effort; a failed detail fetch leaves them at zero.
func (p *Pollers) fetchReputation(ctx context.Context, c *nodeapi.Client, now time.Time) ([]model.ReputationSample, error) {
	sats, err := c.Satellites(ctx)
	if err != nil {
		return nil, err
	}
	dash, err := c.Dashboard(ctx)
	if err != nil {
		return nil, err
	}

	byURL := make(map[string]nodeapi.DashboardSatellite, len(dash.Satellites))
	for _, ds := range dash.Satellites {
		byURL[ds.URL] = ds
	}

	samples := make([]model.ReputationSample, 0, len(sats.Audits))
	for _, audit := range sats.Audits {
		sample := model.ReputationSample{
			Timestamp:       now,
			NodeName:        c.Node(),
			Satellite:       audit.SatelliteName,
			AuditScore:      audit.AuditScore * 100,
			SuspensionScore: audit.SuspensionScore * 100,
			OnlineScore:     audit.OnlineScore * 100,
		}
		if ds, ok := byURL[audit.SatelliteName]; ok {
			sample.IsDisqualified = ds.Disqualified != nil
			sample.IsSuspended = ds.Suspended != nil
			if detail, err := c.Satellite(ctx, ds.ID); err == nil {
				for _, w := range detail.AuditHistory.Windows {
					sample.AuditSuccessCount += w.OnlineCount
					sample.AuditTotalCount += w.TotalCount
				}
			}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
