// Package rainrate estimates the rain rate of a siphon tipping-bucket gauge.
//
// Siphon gauges can report several tips in quick succession for a single
// physical discharge, so the naive "rain since the last tip" rate spikes to
// absurd values. The Engine keeps a short log of recent tips, spreads
// bursts back over the time since the previous tip, merges tips reported a
// second or two apart, and bounds the estimate by the highest rate that is
// still plausible given the time since the last tip.
//
// With no new tip the estimate never rises, with one exception: when the
// two newest tips and the sample share a second, neither candidate rate is
// defined and the estimate is 0 for that second only.
//
// The Engine is driven by two serial entry points, OnSample for every loop
// packet and OnArchiveBoundary for every closed archive period, optionally
// preceded by a single Bootstrap from persisted archive records. It holds
// no locks; callers must serialize access.
package rainrate

import (
	"math"

	"github.com/rs/zerolog"
)

// Engine owns the tip log and the loop rate queue of one gauge.
type Engine struct {
	opts    Options
	logger  zerolog.Logger
	obs     Observer
	log     EventLog
	queue   RateQueue
	started bool
}

// New constructs an Engine. A nil observer disables counters.
func New(opts Options, logger zerolog.Logger, obs Observer) *Engine {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		opts:   opts.WithDefaults(),
		logger: logger.With().Str("component", "rainrate").Logger(),
		obs:    obs,
	}
}

// Options returns the effective calibration constants.
func (e *Engine) Options() Options {
	return e.opts
}

// OnSample records the rain reported by a loop packet stamped timestamp
// and returns the rain rate to attach to it. A nil or invalid rain value
// counts as no rain.
func (e *Engine) OnSample(timestamp int64, rain *float64) float64 {
	e.started = true

	amount := RainAmount(rain)
	if amount > 0 {
		e.logger.Info().Int64("timestamp", timestamp).Float64("rain", amount).Msg("rain event")
	}

	e.ingest(timestamp, amount)
	rate := Estimate(&e.log, timestamp, e.opts)
	e.queue.Push(LoopRate{Timestamp: timestamp, Rate: rate})

	e.logger.Debug().
		Int64("timestamp", timestamp).
		Int("entries", e.log.Len()).
		Float64("rate", rate).
		Msg("loop rate computed")
	return rate
}

// OnArchiveBoundary closes the archive period ending at periodEnd and
// returns its reconciled rate.
func (e *Engine) OnArchiveBoundary(periodEnd int64, periodRain float64, periodLength int64) PeriodRate {
	if math.IsNaN(periodRain) || math.IsInf(periodRain, 0) || periodRain < 0 {
		periodRain = 0
	}

	pr := Reconcile(&e.queue, periodEnd, periodRain, periodLength)
	e.obs.PeriodReconciled(pr.Source, pr.Rate)

	e.logger.Debug().
		Int64("period_end", periodEnd).
		Float64("period_rain", periodRain).
		Str("source", string(pr.Source)).
		Int("samples", pr.Samples).
		Float64("rate", pr.Rate).
		Msg("archive period reconciled")
	return pr
}

// Entries returns a newest-first snapshot of the tip log.
func (e *Engine) Entries() []TipEntry {
	return e.log.Entries()
}

// PendingRates reports how many loop rates await the next boundary.
func (e *Engine) PendingRates() int {
	return e.queue.Len()
}

// RainAmount returns the usable rain of a sample: nil, NaN, infinite or
// non-positive values count as no rain.
func RainAmount(rain *float64) float64 {
	if rain == nil {
		return 0
	}
	v := *rain
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}
