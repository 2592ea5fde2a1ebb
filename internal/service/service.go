package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"siphon-rainrate/internal/alerting"
	"siphon-rainrate/internal/config"
	"siphon-rainrate/internal/ingest"
	"siphon-rainrate/internal/observability"
	"siphon-rainrate/internal/rainrate"
	"siphon-rainrate/internal/scheduler"
	"siphon-rainrate/internal/storage"
)

// ErrNotReady is returned by CheckReadiness until bootstrap has finished.
var ErrNotReady = errors.New("service: bootstrap pending")

// Deps collects the collaborators of a Service. Everything except Engine
// and Source is optional.
type Deps struct {
	Engine    *rainrate.Engine
	Scheduler *scheduler.Scheduler
	Source    ingest.Source
	Sink      ingest.Sink
	Archive   storage.ArchiveStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	History   rainrate.HistorySource
	Notifier  alerting.Notifier
	Metrics   *observability.Metrics
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

type alertSettings struct {
	enabled   bool
	threshold decimal.Decimal
	cooldown  time.Duration
	retention time.Duration
	channels  []string
}

type pendingRain struct {
	ts   int64
	rain float64
}

// Service feeds loop packets through the rain rate engine, republishes
// them and closes archive periods.
type Service struct {
	deps    Deps
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *observability.Metrics

	enabled      bool
	periodLength time.Duration
	lockKey      int64

	// mu serializes every engine call.
	mu         sync.Mutex
	lastPacket int64
	pending    []pendingRain

	alertMu   sync.Mutex
	alerts    alertSettings
	lastAlert time.Time

	ready atomic.Bool
}

// New constructs the rain rate service.
func New(cfg *config.Config, deps Deps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}

	if deps.Locker == nil {
		if l, ok := deps.Archive.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	return &Service{
		deps:         deps,
		clock:        clock,
		logger:       deps.Logger.With().Str("component", "service").Logger(),
		metrics:      metrics,
		enabled:      cfg.RainRate.Enabled,
		periodLength: cfg.Scheduler.Interval,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		alerts:       alertSettingsFrom(cfg.Alerting),
	}
}

// EngineOptions maps configuration onto engine calibration constants.
func EngineOptions(cfg config.RainRateConfig) rainrate.Options {
	return rainrate.Options{
		TipQuantum:      cfg.TipQuantum,
		EntryLifetime:   cfg.EntryLifetime,
		MergeWindow:     cfg.MergeWindow,
		RateFloor:       cfg.RateFloor,
		BootstrapWindow: cfg.BootstrapWindow,
	}
}

func alertSettingsFrom(cfg config.AlertingConfig) alertSettings {
	return alertSettings{
		enabled:   cfg.Enabled,
		threshold: decimal.NewFromFloat(cfg.Threshold),
		cooldown:  cfg.Cooldown,
		retention: cfg.Retention,
		channels:  append([]string(nil), cfg.Channels...),
	}
}

// Run bootstraps the engine, then consumes the source and closes archive
// periods until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Source == nil {
		return fmt.Errorf("packet source not configured")
	}

	s.Bootstrap(ctx)

	s.metrics.ServiceRunning.Set(1)
	defer s.metrics.ServiceRunning.Set(0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.deps.Scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.deps.Scheduler.Run(ctx, s.CloseArchivePeriod); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler stopped")
			}
		}()
	}

	s.logger.Info().Bool("enabled", s.enabled).Msg("consuming loop packets")
	err := s.deps.Source.Run(ctx, s.HandlePacket)
	cancel()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("packet source: %w", err)
	}
	return nil
}

// Bootstrap warms the engine from archive history once. The service is
// ready afterwards whether or not history was available.
func (s *Service) Bootstrap(ctx context.Context) int {
	defer s.ready.Store(true)
	if !s.enabled {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps.Engine.Bootstrap(ctx, s.deps.History, s.clock.Now().Unix())
}

// HandlePacket processes one loop packet and republishes it with its rain
// rate. Duplicate or out-of-order packets are dropped.
func (s *Service) HandlePacket(ctx context.Context, pkt ingest.LoopPacket) error {
	s.mu.Lock()
	if pkt.DateTime <= s.lastPacket {
		last := s.lastPacket
		s.mu.Unlock()
		s.metrics.PacketsRejected.Inc()
		s.logger.Debug().Int64("date_time", pkt.DateTime).Int64("last", last).Msg("dropping stale loop packet")
		return nil
	}
	s.lastPacket = pkt.DateTime

	rain := rainrate.RainAmount(pkt.Rain)
	if rain > 0 {
		s.pending = append(s.pending, pendingRain{ts: pkt.DateTime, rain: rain})
	}

	if s.enabled {
		rate := s.deps.Engine.OnSample(pkt.DateTime, pkt.Rain)
		pkt.SetRainRate(rate)
		s.metrics.LoopRate.Set(rate)
	}
	s.mu.Unlock()

	s.metrics.PacketsProcessed.Inc()
	if rain > 0 {
		s.metrics.RainPackets.Inc()
	}

	if s.deps.Sink == nil {
		return nil
	}
	if err := s.deps.Sink.Publish(ctx, pkt); err != nil {
		s.metrics.PublishErrors.Inc()
		return fmt.Errorf("publish loop packet: %w", err)
	}
	return nil
}

// CloseArchivePeriod reconciles the period ending at periodEnd, persists
// it and raises a heavy rain alert when warranted. Persistence and alerts
// are skipped when another instance holds the advisory lock.
func (s *Service) CloseArchivePeriod(ctx context.Context, periodEnd time.Time) error {
	pr, rain := s.reconcile(periodEnd.Unix())

	unlock, leader, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !leader {
		s.logger.Debug().Time("period_end", periodEnd).Msg("skip archive period because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	rate := ingest.RoundRate(pr.Rate)
	periodRain := decimal.NewFromFloat(rain).Round(4)

	if s.deps.Archive != nil {
		row := storage.ArchiveRow{
			DateTime:   periodEnd.UTC(),
			Interval:   s.periodLength,
			Rain:       decimal.NewNullDecimal(periodRain),
			RainRate:   rate,
			RateSource: string(pr.Source),
		}
		if err := s.deps.Archive.UpsertArchiveRecord(ctx, row); err != nil {
			s.logger.Error().Err(err).Time("period_end", periodEnd).Msg("failed to upsert archive record")
		}
	}

	s.logger.Info().Time("period_end", periodEnd).
		Str("rain", periodRain.String()).
		Str("rain_rate", rate.String()).
		Str("source", string(pr.Source)).
		Int("samples", pr.Samples).
		Msg("archive period recorded")

	s.maybeAlert(ctx, periodEnd, rate, periodRain, pr.Source)
	return nil
}

func (s *Service) reconcile(periodEnd int64) (rainrate.PeriodRate, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rain := 0.0
	n := 0
	for n < len(s.pending) && s.pending[n].ts <= periodEnd {
		rain += s.pending[n].rain
		n++
	}
	s.pending = append(s.pending[:0], s.pending[n:]...)

	length := int64(s.periodLength / time.Second)
	if !s.enabled {
		return rainrate.Reconcile(&rainrate.RateQueue{}, periodEnd, rain, length), rain
	}
	return s.deps.Engine.OnArchiveBoundary(periodEnd, rain, length), rain
}

func (s *Service) maybeAlert(ctx context.Context, periodEnd time.Time, rate, periodRain decimal.Decimal, source rainrate.Source) {
	s.alertMu.Lock()
	settings := s.alerts
	last := s.lastAlert
	s.alertMu.Unlock()

	if !settings.enabled || s.deps.Notifier == nil || !settings.threshold.IsPositive() {
		return
	}
	if rate.LessThan(settings.threshold) {
		return
	}

	now := s.clock.Now()
	if !last.IsZero() && now.Sub(last) < settings.cooldown {
		s.logger.Debug().Time("period_end", periodEnd).Time("last_alert", last).Msg("heavy rain alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		PeriodEnd:  periodEnd,
		RainRate:   rate,
		Threshold:  settings.threshold,
		PeriodRain: periodRain,
		Source:     string(source),
		Channels:   settings.channels,
	}

	if s.deps.Alerts != nil {
		record := storage.AlertRecord{
			PeriodEnd:  periodEnd,
			RainRate:   rate,
			Threshold:  settings.threshold,
			PeriodRain: periodRain,
			Channels:   settings.channels,
		}
		if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("period_end", periodEnd).Msg("failed to persist alert record")
		}
	}

	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("period_end", periodEnd).Msg("failed to dispatch alert")
		return
	}

	s.metrics.AlertsSent.Inc()
	s.alertMu.Lock()
	s.lastAlert = now
	s.alertMu.Unlock()

	if s.deps.Alerts != nil && settings.retention > 0 {
		if err := s.deps.Alerts.DeleteAlertsBefore(ctx, now.Add(-settings.retention)); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune alert history")
		}
	}
}

// ApplyConfig takes over alert settings from a reloaded configuration.
// Calibration and transport changes need a restart.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.alertMu.Lock()
	s.alerts = alertSettingsFrom(cfg.Alerting)
	s.alertMu.Unlock()

	s.logger.Info().
		Bool("alerts_enabled", cfg.Alerting.Enabled).
		Float64("threshold", cfg.Alerting.Threshold).
		Dur("cooldown", cfg.Alerting.Cooldown).
		Msg("alert settings reloaded")

	if cfg.RainRate.Enabled != s.enabled || EngineOptions(cfg.RainRate).WithDefaults() != s.deps.Engine.Options() {
		s.logger.Warn().Msg("rainrate settings changed; restart to apply")
	}
}

// CheckReadiness implements observability.ReadinessChecker.
func (s *Service) CheckReadiness(context.Context) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
