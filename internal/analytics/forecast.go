package analytics

import (
	"time"

	"github.com/nodepulse/nodepulse/internal/model"
)

// Forecast lookback windows, in days. The 7-day window is the headline
// estimate surfaced to alerting.
var forecastWindowsDays = []int{1, 7, 30}

// HeadlineWindowDays is the lookback used for days-until-full alerting.
const HeadlineWindowDays = 7

// WindowForecast is a disk-exhaustion estimate from one lookback window.
// DaysUntilFull is nil when usage is flat or shrinking over the window.
type WindowForecast struct {
	WindowDays        int      `json:"window_days"`
	GrowthBytesPerDay float64  `json:"growth_bytes_per_day"`
	DaysUntilFull     *float64 `json:"days_until_full"`
}

// ForecastStorage fits used-bytes growth over 1, 7 and 30 day lookbacks
// and estimates days until the newest available-bytes reading is
// consumed. Partial snapshots without a used-bytes reading are excluded
// from the fit; windows with fewer than two usable samples are omitted.
func ForecastStorage(snapshots []model.StorageSnapshot, now time.Time) []WindowForecast {
	available, haveAvailable := latestAvailable(snapshots)

	var out []WindowForecast
	for _, days := range forecastWindowsDays {
		cutoff := now.AddDate(0, 0, -days)

		var xs, ys []float64
		for _, s := range snapshots {
			if s.UsedBytes < 0 || s.Timestamp.Before(cutoff) {
				continue
			}
			xs = append(xs, s.Timestamp.Sub(cutoff).Hours()/24)
			ys = append(ys, float64(s.UsedBytes))
		}
		if len(xs) < 2 {
			continue
		}

		slope := leastSquaresSlope(xs, ys) // bytes per day
		wf := WindowForecast{WindowDays: days, GrowthBytesPerDay: slope}
		if slope > 0 && haveAvailable {
			d := available / slope
			wf.DaysUntilFull = &d
		}
		out = append(out, wf)
	}
	return out
}

// HeadlineForecast picks the 7-day window from a ForecastStorage result.
func HeadlineForecast(windows []WindowForecast) (WindowForecast, bool) {
	for _, w := range windows {
		if w.WindowDays == HeadlineWindowDays {
			return w, true
		}
	}
	return WindowForecast{}, false
}

// latestAvailable returns the newest non-absent available-bytes reading.
// Partial snapshots count; they carry available bytes even without used.
func latestAvailable(snapshots []model.StorageSnapshot) (float64, bool) {
	var (
		best  time.Time
		value float64
		found bool
	)
	for _, s := range snapshots {
		if s.AvailableBytes < 0 {
			continue
		}
		if !found || s.Timestamp.After(best) {
			best = s.Timestamp
			value = float64(s.AvailableBytes)
			found = true
		}
	}
	return value, found
}
