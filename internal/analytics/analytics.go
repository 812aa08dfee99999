// Package analytics implements the derived math behind insights and
// forecasts: baselines, z-score anomaly detection, trend classification,
// percentiles, and the reputation health score. Everything here is a pure
// function; callers own persistence and caching.
package analytics

import (
	"math"
	"sort"

	"github.com/nodepulse/nodepulse/internal/model"
)

// Anomaly types.
const (
	AnomalySpike = "spike"
	AnomalyDrop  = "drop"
)

// Trend directions.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// BaselineStats summarizes the distribution of a metric's samples.
type BaselineStats struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Count  int
}

// ComputeBaseline returns mean, sample standard deviation, min, max and
// count for values. At least two samples are required; ok is false
// otherwise.
func ComputeBaseline(values []float64) (BaselineStats, bool) {
	n := len(values)
	if n < 2 {
		return BaselineStats{}, false
	}

	var sum float64
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stdDev := math.Sqrt(sq / float64(n-1))

	return BaselineStats{Mean: mean, StdDev: stdDev, Min: min, Max: max, Count: n}, true
}

// Anomaly is a statistically significant deviation from a baseline.
type Anomaly struct {
	ZScore     float64
	Type       string // AnomalySpike or AnomalyDrop
	Severity   string // model.SeverityWarning or model.SeverityCritical
	Confidence float64
}

// DetectAnomaly scores value against a baseline mean and standard
// deviation:
//
//	z = (value - mean) / stdDev
//
// A deviation is anomalous when |z| >= 3, critical when |z| >= 4.
// Confidence is min(|z|/5, 1). A zero or negative stdDev never yields an
// anomaly.
func DetectAnomaly(value, mean, stdDev float64) (Anomaly, bool) {
	if stdDev <= 0 {
		return Anomaly{}, false
	}
	z := (value - mean) / stdDev
	abs := math.Abs(z)
	if abs < 3.0 {
		return Anomaly{}, false
	}

	a := Anomaly{
		ZScore:     z,
		Type:       AnomalySpike,
		Severity:   model.SeverityWarning,
		Confidence: math.Min(abs/5.0, 1.0),
	}
	if z < 0 {
		a.Type = AnomalyDrop
	}
	if abs >= 4.0 {
		a.Severity = model.SeverityCritical
	}
	return a, true
}

// Trend classifies the direction of a series. The least squares slope
// over x = 0..n-1 is normalized by |mean|; a normalized slope within
// threshold of zero is stable. Fewer than two samples are always stable.
func Trend(values []float64, threshold float64) string {
	if len(values) < 2 {
		return TrendStable
	}

	xs := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		xs[i] = float64(i)
		sum += v
	}
	mean := sum / float64(len(values))
	slope := leastSquaresSlope(xs, values)

	denom := math.Abs(mean)
	if denom == 0 {
		denom = 1
	}
	normalized := slope / denom

	switch {
	case math.Abs(normalized) < threshold:
		return TrendStable
	case normalized > 0:
		return TrendIncreasing
	default:
		return TrendDecreasing
	}
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between closest ranks. The input does not need to be
// sorted. ok is false for an empty slice.
func Percentile(values []float64, p float64) (float64, bool) {
	n := len(values)
	if n == 0 {
		return 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], true
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo]), true
}

// HealthScore collapses the three reputation scores into one 0-100
// value with fixed weights 0.4 audit, 0.3 suspension, 0.3 online.
func HealthScore(audit, suspension, online float64) float64 {
	return 0.4*audit + 0.3*suspension + 0.3*online
}

// leastSquaresSlope fits y = a + b*x and returns b. A degenerate x
// spread returns 0.
func leastSquaresSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / n
	meanY := sumY / n

	var num, den float64
	for i := range xs {
		dx := xs[i] - meanX
		num += dx * (ys[i] - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
