package stats

import (
	"sort"
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// PerfBin is one fixed-width slice of the performance timeline.
// Ingress counts successful uploads, egress successful downloads and
// audit reads. SuccessRate divides successes by every operation that
// completed in the bin. PeakConcurrency is the most transfers in
// flight at once, derived from events carrying durations.
type PerfBin struct {
	Start           time.Time `json:"start"`
	IngressBytes    int64     `json:"ingress_bytes"`
	EgressBytes     int64     `json:"egress_bytes"`
	IngressBps      float64   `json:"ingress_bps"`
	EgressBps       float64   `json:"egress_bps"`
	Ops             int64     `json:"ops"`
	Successes       int64     `json:"successes"`
	SuccessRate     float64   `json:"success_rate"`
	PeakConcurrency int       `json:"peak_concurrency"`
}

// boundary is one end of a transfer on the concurrency sweep line.
type boundary struct {
	at    time.Time
	delta int
}

// PerformanceBins folds events into fixed-width bins covering
// [from, to). An event lands in the bin holding its completion
// timestamp. The final bin is truncated at to, and its rates use the
// truncated width. Returns nil when the window or bin size is empty.
func PerformanceBins(events []model.TrafficEvent, from, to time.Time, binSize time.Duration) []PerfBin {
	if binSize <= 0 || !to.After(from) {
		return nil
	}
	n := int(to.Sub(from) / binSize)
	if to.Sub(from)%binSize != 0 {
		n++
	}
	bins := make([]PerfBin, n)
	for i := range bins {
		bins[i].Start = from.Add(time.Duration(i) * binSize)
	}

	var sweeps []boundary
	for _, ev := range events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		b := &bins[int(ev.Timestamp.Sub(from)/binSize)]
		b.Ops++
		success := ev.Status == model.StatusSuccess
		if success {
			b.Successes++
		}
		switch ev.Category {
		case model.CategoryPut, model.CategoryPutRepair:
			if success {
				b.IngressBytes += ev.Size
			}
		case model.CategoryGet, model.CategoryGetRepair, model.CategoryAudit:
			if success {
				b.EgressBytes += ev.Size
			}
		}
		if ev.DurationMs >= 0 {
			start := ev.Timestamp.Add(-time.Duration(ev.DurationMs) * time.Millisecond)
			sweeps = append(sweeps, boundary{at: start, delta: 1}, boundary{at: ev.Timestamp, delta: -1})
		}
	}

	// Starts sort before ends at the same instant so touching
	// transfers count as overlapping.
	sort.Slice(sweeps, func(i, j int) bool {
		if !sweeps[i].at.Equal(sweeps[j].at) {
			return sweeps[i].at.Before(sweeps[j].at)
		}
		return sweeps[i].delta > sweeps[j].delta
	})

	// Transfers that began before the window carry into the first bin.
	cur, si := 0, 0
	for si < len(sweeps) && sweeps[si].at.Before(from) {
		cur += sweeps[si].delta
		si++
	}
	for i := range bins {
		end := bins[i].Start.Add(binSize)
		if end.After(to) {
			end = to
		}
		peak := cur
		for si < len(sweeps) && sweeps[si].at.Before(end) {
			cur += sweeps[si].delta
			if cur > peak {
				peak = cur
			}
			si++
		}
		bins[i].PeakConcurrency = peak

		secs := end.Sub(bins[i].Start).Seconds()
		bins[i].IngressBps = float64(bins[i].IngressBytes) / secs
		bins[i].EgressBps = float64(bins[i].EgressBytes) / secs
		if bins[i].Ops > 0 {
			bins[i].SuccessRate = float64(bins[i].Successes) / float64(bins[i].Ops)
		}
	}
	return bins
}
