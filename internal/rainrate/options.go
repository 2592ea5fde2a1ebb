package rainrate

import "time"

// Options holds the calibration constants of the estimator. The merge
// window and rate floor encode empirical siphon-gauge behaviour; change them
// only to match a different gauge.
type Options struct {
	// TipQuantum is the rain depth of one bucket tip.
	TipQuantum float64
	// EntryLifetime is how long a tip stays in the event log.
	EntryLifetime time.Duration
	// MergeWindow is the maximum spacing of two tips reported for one discharge.
	MergeWindow time.Duration
	// RateFloor is the rate (units/hour) below which the estimate is reported as zero.
	RateFloor float64
	// BootstrapWindow is how far back archive history is replayed at startup.
	BootstrapWindow time.Duration
}

// DefaultOptions returns the constants calibrated for a 0.01 siphon gauge.
func DefaultOptions() Options {
	return Options{
		TipQuantum:      0.01,
		EntryLifetime:   30 * time.Minute,
		MergeWindow:     2500 * time.Millisecond,
		RateFloor:       0.035,
		BootstrapWindow: 15 * time.Minute,
	}
}

// WithDefaults fills unset constants from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.TipQuantum <= 0 {
		o.TipQuantum = def.TipQuantum
	}
	if o.EntryLifetime <= 0 {
		o.EntryLifetime = def.EntryLifetime
	}
	if o.MergeWindow <= 0 {
		o.MergeWindow = def.MergeWindow
	}
	if o.RateFloor < 0 {
		o.RateFloor = def.RateFloor
	}
	if o.BootstrapWindow <= 0 {
		o.BootstrapWindow = def.BootstrapWindow
	}
	return o
}

func (o Options) lifetimeSeconds() int64 {
	return int64(o.EntryLifetime / time.Second)
}

// singleTipLimit is the largest amount still treated as one tip.
func (o Options) singleTipLimit() float64 {
	return o.TipQuantum * 1.0001
}

// Observer receives engine counters. The service wires it to Prometheus.
type Observer interface {
	TipsRecorded(n int)
	BurstMerged()
	EntriesExpired(n int)
	PeriodReconciled(source Source, rate float64)
	Bootstrapped(entries int)
}

type nopObserver struct{}

func (nopObserver) TipsRecorded(int)                 {}
func (nopObserver) BurstMerged()                     {}
func (nopObserver) EntriesExpired(int)               {}
func (nopObserver) PeriodReconciled(Source, float64) {}
func (nopObserver) Bootstrapped(int)                 {}
