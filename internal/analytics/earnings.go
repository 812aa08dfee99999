package analytics

import (
	"time"
)

const (
	bytesPerGB = 1 << 30
	bytesPerTB = 1 << 40

	// Floor for the month-progress divisor so a period that just opened
	// does not explode the extrapolation.
	progressEpsilon = 1e-6
)

// Pricing holds per-class dollar rates and the operator's revenue share
// per class. Shares default to 1.0, meaning listed prices are already
// net to the operator.
type Pricing struct {
	EgressPerTB       float64
	StoragePerTBMonth float64
	RepairPerTB       float64
	AuditPerTB        float64
	ShareEgress       float64
	ShareStorage      float64
	ShareRepair       float64
	ShareAudit        float64
}

// ClassEarnings is the priced result for one payout class.
type ClassEarnings struct {
	Bytes int64
	Gross float64
	Net   float64
}

// HeldFraction returns the fraction of gross earnings withheld for a
// node of the given age. The schedule steps down each quarter and
// reaches zero from month 10.
func HeldFraction(ageMonths int) float64 {
	switch {
	case ageMonths <= 3:
		return 0.75
	case ageMonths <= 6:
		return 0.50
	case ageMonths <= 9:
		return 0.25
	default:
		return 0
	}
}

// StorageSample is one used-bytes observation for integration.
type StorageSample struct {
	Timestamp time.Time
	UsedBytes float64
}

// StorageEarnings integrates used bytes over time with the trapezoid
// rule and prices the result:
//
//	byteHours = sum((u1+u2)/2 * dtHours)
//	tbMonths  = byteHours / (1024^3 * hoursInMonth(period))
//	gross     = tbMonths * pricePerTBMonth
//	net       = gross * share
//
// Samples must be in ascending time order. period identifies the month
// whose hour count normalizes the integral.
func StorageEarnings(samples []StorageSample, period time.Time, pricePerTBMonth, share float64) (byteHours, gross, net float64) {
	for i := 1; i < len(samples); i++ {
		dt := samples[i].Timestamp.Sub(samples[i-1].Timestamp).Hours()
		if dt <= 0 {
			continue
		}
		byteHours += (samples[i-1].UsedBytes + samples[i].UsedBytes) / 2 * dt
	}

	tbMonths := byteHours / (bytesPerGB * hoursInMonth(period))
	gross = tbMonths * pricePerTBMonth
	net = gross * share
	return byteHours, gross, net
}

// TrafficEarnings prices summed successful bytes per payout class.
// Egress is plain GET traffic; repair and audit are GET_REPAIR and
// GET_AUDIT respectively.
func TrafficEarnings(egressBytes, repairBytes, auditBytes int64, p Pricing) (egress, repair, audit ClassEarnings) {
	egress = priceClass(egressBytes, p.EgressPerTB, p.ShareEgress)
	repair = priceClass(repairBytes, p.RepairPerTB, p.ShareRepair)
	audit = priceClass(auditBytes, p.AuditPerTB, p.ShareAudit)
	return egress, repair, audit
}

func priceClass(bytes int64, pricePerTB, share float64) ClassEarnings {
	gross := float64(bytes) / bytesPerTB * pricePerTB
	return ClassEarnings{Bytes: bytes, Gross: gross, Net: gross * share}
}

// MonthProgress returns the elapsed fraction of now's month, in [0, 1].
func MonthProgress(now time.Time) float64 {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	total := start.AddDate(0, 1, 0).Sub(start)
	p := float64(now.Sub(start)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ExtrapolateMonth scales partial-month net earnings to a full-month
// estimate and scores confidence in it. progress is the elapsed month
// fraction; currentMonth distinguishes a live period from a closed one;
// hasStorageSamples notes whether the period has any storage readings
// backing the storage component.
//
//	estimate   = net / max(progress, epsilon)
//	confidence = timeConf * dataConf
//	timeConf   = 0.5 + 0.5*progress (current month), 1.0 (past months)
//	dataConf   = 1.0 with storage samples, 0.7 without
func ExtrapolateMonth(net, progress float64, currentMonth, hasStorageSamples bool) (estimate, confidence float64) {
	if progress < progressEpsilon {
		progress = progressEpsilon
	}
	estimate = net / progress

	timeConf := 1.0
	if currentMonth {
		timeConf = 0.5 + 0.5*progress
	}
	dataConf := 1.0
	if !hasStorageSamples {
		dataConf = 0.7
	}
	return estimate, timeConf * dataConf
}

// hoursInMonth returns the hour count of period's calendar month.
func hoursInMonth(period time.Time) float64 {
	start := time.Date(period.Year(), period.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 1, 0).Sub(start).Hours()
}
