package rainrate

import "math"

// ingest records the rain reported by one sample and sweeps expired tips.
//
// A siphon discharge can surface as two loop packets a second or two
// apart. When the two newest tips are that close and neither came out of a
// previous merge, both are replaced by one synthetic sample carrying their
// sum, which is decomposed again with merging disabled. The second pass
// cannot merge, so the loop runs at most twice.
func (e *Engine) ingest(now int64, rain float64) {
	ts := now
	live := true
	for rain > 0 {
		n := e.insertTips(ts, rain, live)
		if live {
			e.obs.TipsRecorded(n)
		}
		if !live || !e.mergeable() {
			break
		}

		newest := e.log.popFront()
		second := e.log.popFront()
		e.logger.Debug().
			Int64("newest_ts", newest.Timestamp).
			Int64("second_ts", second.Timestamp).
			Float64("amount", newest.Amount+second.Amount).
			Msg("merging adjacent tips")
		e.obs.BurstMerged()

		ts = newest.Timestamp
		rain = newest.Amount + second.Amount
		live = false
	}

	if n := e.log.expire(now); n > 0 {
		e.obs.EntriesExpired(n)
	}
}

// insertTips turns rain into tip entries at the head of the log and returns
// how many were inserted. Entries inserted for a merged sample are NoMerge.
func (e *Engine) insertTips(ts int64, rain float64, live bool) int {
	q := e.opts.TipQuantum
	noMerge := !live

	switch {
	case e.log.Len() == 0 && live:
		// No earlier tip: the accumulation time is unknown, so never
		// attribute more than one quantum to this instant.
		e.log.pushFront(e.newEntry(ts, q, noMerge))
		return 1
	case e.log.Len() == 0, rain <= e.opts.singleTipLimit():
		e.log.pushFront(e.newEntry(ts, rain, noMerge))
		return 1
	}

	n := int(math.Round(rain / q))
	if n < 1 {
		n = 1
	}
	prev := e.log.At(0).Timestamp
	interval := int64(math.Round(float64(ts-prev) / float64(n)))
	if interval < 0 {
		interval = 0
	}
	amount := rain / float64(n)

	e.logger.Debug().
		Int64("timestamp", ts).
		Float64("rain", rain).
		Int("tips", n).
		Int64("interval", interval).
		Msg("decomposing burst")

	for i := n - 1; i >= 0; i-- {
		e.log.pushFront(e.newEntry(ts-int64(i)*interval, amount, noMerge))
	}
	return n
}

// mergeable reports whether the two newest tips look like one discharge.
func (e *Engine) mergeable() bool {
	if e.log.Len() < 2 {
		return false
	}
	newest, second := e.log.At(0), e.log.At(1)
	if newest.NoMerge || second.NoMerge {
		return false
	}
	return float64(newest.Timestamp-second.Timestamp) < e.opts.MergeWindow.Seconds()
}

func (e *Engine) newEntry(ts int64, amount float64, noMerge bool) TipEntry {
	return TipEntry{
		Timestamp: ts,
		Amount:    amount,
		ExpiresAt: ts + e.opts.lifetimeSeconds(),
		NoMerge:   noMerge,
	}
}
