package app

import (
	"context"
	"errors"
	"math"

	"github.com/jonboulle/clockwork"

	"siphon-rainrate/internal/alerting"
	"siphon-rainrate/internal/ingest"
	"siphon-rainrate/internal/rainrate"
	"siphon-rainrate/internal/service"
)

// SimulateAlert 以给定雨强构造一个归档周期, 走一遍告警流程。
func (a *App) SimulateAlert(ctx context.Context, rate float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	return a.simulate(ctx, rate, notifier)
}

func (a *App) simulate(ctx context.Context, rate float64, notifier alerting.Notifier) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return errors.New("rate 必须为大于 0 的有限值")
	}
	if rate < a.Config.Alerting.Threshold {
		a.Logger.Warn().Float64("rate", rate).Float64("threshold", a.Config.Alerting.Threshold).Msg("模拟雨强低于阈值, 不会触发告警")
	}

	cfg := *a.Config
	cfg.RainRate.Enabled = false
	cfg.Alerting.Cooldown = 0
	cfg.Scheduler.AdvisoryLockKey = 0

	clock := clockwork.NewRealClock()
	periodEnd := clock.Now().UTC().Truncate(cfg.Scheduler.Interval)

	// The averaged fallback turns the period rain straight back into rate.
	periodRain := rate * cfg.Scheduler.Interval.Seconds() / 3600
	svc := service.New(&cfg, service.Deps{
		Engine:   rainrate.New(service.EngineOptions(cfg.RainRate), a.Logger, nil),
		Notifier: notifier,
		Clock:    clock,
		Logger:   a.Logger,
	})

	pkt := ingest.LoopPacket{DateTime: periodEnd.Unix() - 1, Rain: &periodRain}
	if err := svc.HandlePacket(ctx, pkt); err != nil {
		return err
	}

	a.Logger.Info().Float64("rate", rate).Time("period_end", periodEnd).Msg("simulating heavy rain period")
	return svc.CloseArchivePeriod(ctx, periodEnd)
}
