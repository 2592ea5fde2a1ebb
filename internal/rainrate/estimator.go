package rainrate

import "math"

// sentinelRate stands in for a rate over a zero time delta.
const sentinelRate = math.MaxFloat64

// Estimate returns the instantaneous rain rate (units/hour) at now.
//
// Two candidates are computed: the rate implied by the last observed tip
// interval, and the highest rate that could still be true if a tip landed
// right now. The lower one wins, so the estimate decays toward zero while
// no new tip arrives instead of holding a stale value. When both
// candidates are undefined (zero time deltas) the rate is 0.
func Estimate(log *EventLog, now int64, opts Options) float64 {
	if log.Len() < 2 {
		return 0
	}
	e0, e1 := log.At(0), log.At(1)

	rate1 := perHour(e0.Amount, e0.Timestamp-e1.Timestamp)
	rate2 := perHour(opts.TipQuantum, now-e0.Timestamp)

	rate := math.Min(rate1, rate2)
	if rate == sentinelRate || rate < opts.RateFloor {
		return 0
	}
	return rate
}

func perHour(amount float64, seconds int64) float64 {
	if seconds <= 0 {
		return sentinelRate
	}
	return 3600 * amount / float64(seconds)
}
