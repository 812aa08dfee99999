package poll

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nodepulse/nodepulse/internal/alert"
	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/model"
	"github.com/nodepulse/nodepulse/internal/nodeapi"
)

// forecastLookback bounds the history fed to the growth fit; it covers
// the widest forecast window.
const forecastLookback = 30 * 24 * time.Hour

// pollStorage snapshots disk usage for every node, persists it, refits
// the fill forecast and pushes both to dashboards and the alert
// thresholds. Nodes without an API fall back to the newest log-derived
// available-space hint.
func (p *Pollers) pollStorage(ctx context.Context) error {
	now := p.now()
	for _, name := range p.registry.Names() {
		snap, ok := p.storageSnapshot(ctx, name, now)
		if !ok {
			continue
		}
		if err := p.store.SaveStorageSnapshot(ctx, snap); err != nil {
			log.Printf("[poll] storage %s: %v", name, err)
			continue
		}

		var (
			daysUntilFull *float64
			growthPerDay  float64
		)
		if headline, ok := p.forecast(ctx, name, now); ok {
			daysUntilFull = headline.DaysUntilFull
			growthPerDay = headline.GrowthBytesPerDay
		}
		p.hub.BroadcastStorage(name, snap, daysUntilFull, growthPerDay)

		findings, _ := alert.EvaluateStorage(p.cfg.Thresholds, snap, daysUntilFull)
		p.raise(ctx, findings)
	}
	return ctx.Err()
}

// storageSnapshot reads disk usage from the node API. Without one, a
// partial snapshot is built from the latest storage hint the log
// reported; absent that too, the node is skipped this cycle.
func (p *Pollers) storageSnapshot(ctx context.Context, name string, now time.Time) (model.StorageSnapshot, bool) {
	if c, ok := p.clients[name]; ok {
		dash, err := c.Dashboard(ctx)
		if err != nil {
			if !errors.Is(err, nodeapi.ErrEndpointDisabled) {
				log.Printf("[poll] storage %s: %v", name, err)
			}
			return model.StorageSnapshot{}, false
		}
		return diskSnapshot(name, dash.DiskSpace, now), true
	}

	node, ok := p.registry.Node(name)
	if !ok {
		return model.StorageSnapshot{}, false
	}
	avail := node.AvailableBytes()
	if avail < 0 {
		return model.StorageSnapshot{}, false
	}
	return model.StorageSnapshot{
		Timestamp:      now,
		NodeName:       name,
		TotalBytes:     -1,
		UsedBytes:      -1,
		AvailableBytes: avail,
		TrashBytes:     -1,
		Partial:        true,
	}, true
}

// diskSnapshot computes usage percentages. Capacity is used plus
// available; trash lives inside used space and stays out of the
// denominator.
func diskSnapshot(name string, d nodeapi.DiskSpace, now time.Time) model.StorageSnapshot {
	total := d.Used + d.Available
	snap := model.StorageSnapshot{
		Timestamp:      now,
		NodeName:       name,
		TotalBytes:     total,
		UsedBytes:      d.Used,
		AvailableBytes: d.Available,
		TrashBytes:     d.Trash,
	}
	if total > 0 {
		snap.UsedPercent = float64(d.Used) / float64(total) * 100
		snap.TrashPercent = float64(d.Trash) / float64(total) * 100
		snap.AvailablePercent = float64(d.Available) / float64(total) * 100
	}
	return snap
}

// forecast refits disk growth over the stored history and returns the
// headline window.
func (p *Pollers) forecast(ctx context.Context, name string, now time.Time) (analytics.WindowForecast, bool) {
	history, err := p.store.StorageHistory(ctx, []string{name}, now.Add(-forecastLookback))
	if err != nil {
		log.Printf("[poll] storage %s: %v", name, err)
		return analytics.WindowForecast{}, false
	}
	return analytics.HeadlineForecast(analytics.ForecastStorage(history, now))
}
