package rainrate

// LoopRate is the rate attached to one processed loop sample.
type LoopRate struct {
	Timestamp int64
	Rate      float64
}

// RateQueue is a FIFO of loop rates awaiting the next archive boundary.
type RateQueue struct {
	items []LoopRate
}

// Push appends a loop rate.
func (q *RateQueue) Push(r LoopRate) {
	q.items = append(q.items, r)
}

// Len reports the number of queued rates.
func (q *RateQueue) Len() int {
	return len(q.items)
}

// DrainUntil removes every rate stamped at or before end and returns them.
func (q *RateQueue) DrainUntil(end int64) []LoopRate {
	n := 0
	for n < len(q.items) && q.items[n].Timestamp <= end {
		n++
	}
	if n == 0 {
		return nil
	}
	drained := make([]LoopRate, n)
	copy(drained, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return drained
}

// Source tells how a period rate was obtained.
type Source string

const (
	// SourceLoop is the maximum of the loop rates seen during the period.
	SourceLoop Source = "loop"
	// SourceAverage is the period total spread evenly over the period.
	SourceAverage Source = "average"
)

// PeriodRate is the reconciled rate of one archive period.
type PeriodRate struct {
	PeriodEnd int64
	Rate      float64
	Source    Source
	Samples   int
}

// Reconcile computes the rate of the period ending at periodEnd from the
// queued loop rates, falling back to the period average when none were
// queued (for example after a restart mid-period).
func Reconcile(q *RateQueue, periodEnd int64, periodRain float64, periodLength int64) PeriodRate {
	drained := q.DrainUntil(periodEnd)
	if len(drained) == 0 {
		rate := 0.0
		if periodLength > 0 && periodRain > 0 {
			rate = periodRain / float64(periodLength) * 3600
		}
		return PeriodRate{PeriodEnd: periodEnd, Rate: rate, Source: SourceAverage}
	}

	maxRate := drained[0].Rate
	for _, r := range drained[1:] {
		if r.Rate > maxRate {
			maxRate = r.Rate
		}
	}
	return PeriodRate{PeriodEnd: periodEnd, Rate: maxRate, Source: SourceLoop, Samples: len(drained)}
}
