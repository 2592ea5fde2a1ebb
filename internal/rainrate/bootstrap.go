package rainrate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrMalformedRecord reports an archive record that cannot be replayed.
var ErrMalformedRecord = errors.New("malformed archive record")

// ArchiveRecord is one persisted aggregation period. Timestamp marks the
// end of the period.
type ArchiveRecord struct {
	Timestamp int64
	Interval  int64
	Rain      *float64
}

// HistorySource returns the archive records stamped after since, oldest first.
type HistorySource interface {
	ArchiveHistory(ctx context.Context, since int64) ([]ArchiveRecord, error)
}

// Bootstrap pre-warms the event log from the archive records of the
// bootstrap window before now and returns the number of entries inserted.
// It runs at most once and never before a live sample; any failure leaves
// the engine cold.
func (e *Engine) Bootstrap(ctx context.Context, src HistorySource, now int64) int {
	if e.started {
		e.logger.Debug().Msg("bootstrap skipped; engine already started")
		return 0
	}
	e.started = true

	if src == nil {
		e.logger.Info().Msg("no archive history configured; starting cold")
		return 0
	}

	since := now - int64(e.opts.BootstrapWindow/time.Second)
	records, err := src.ArchiveHistory(ctx, since)
	if err != nil {
		e.logger.Error().Err(err).Int64("since", since).Msg("archive history unavailable; starting cold")
		return 0
	}

	entries, err := synthesizeEntries(records, e.opts)
	if err != nil {
		e.logger.Error().Err(err).Int64("since", since).Msg("archive history rejected; starting cold")
		return 0
	}

	inserted := 0
	for _, entry := range entries {
		if entry.ExpiresAt <= now {
			continue
		}
		e.log.pushFront(entry)
		inserted++
	}

	e.obs.Bootstrapped(inserted)
	e.logger.Info().
		Int("records", len(records)).
		Int("entries", inserted).
		Float64("rain", e.log.Total()).
		Msg("event log bootstrapped from archive")
	return inserted
}

// synthesizeEntries spreads the rain of each archive record over its period
// and returns the resulting tips oldest first.
func synthesizeEntries(records []ArchiveRecord, opts Options) ([]TipEntry, error) {
	sorted := make([]ArchiveRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	lifetime := opts.lifetimeSeconds()
	newEntry := func(ts int64, amount float64) TipEntry {
		return TipEntry{Timestamp: ts, Amount: amount, ExpiresAt: ts + lifetime, NoMerge: true}
	}

	var entries []TipEntry
	for _, rec := range sorted {
		if rec.Rain == nil {
			continue
		}
		rain := *rec.Rain
		if rec.Interval <= 0 || math.IsNaN(rain) || math.IsInf(rain, 0) || rain < 0 {
			return nil, fmt.Errorf("%w: timestamp %d interval %d rain %v", ErrMalformedRecord, rec.Timestamp, rec.Interval, rain)
		}
		if rain == 0 {
			continue
		}

		if rain <= opts.singleTipLimit() {
			ts := rec.Timestamp - int64(math.Round(float64(rec.Interval)/2))
			entries = append(entries, newEntry(ts, rain))
			continue
		}

		n := int(math.Round(rain / opts.TipQuantum))
		amount := rain / float64(n)
		for i := n - 1; i >= 0; i-- {
			offset := math.Round(float64(2*i+1) * float64(rec.Interval) / float64(2*n))
			entries = append(entries, newEntry(rec.Timestamp-int64(offset), amount))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}
