package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"siphon-rainrate/internal/alerting"
	"siphon-rainrate/internal/config"
	"siphon-rainrate/internal/ingest"
	"siphon-rainrate/internal/observability"
	"siphon-rainrate/internal/rainrate"
	"siphon-rainrate/internal/scheduler"
	"siphon-rainrate/internal/service"
	"siphon-rainrate/internal/storage"
	"siphon-rainrate/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger
	Out        io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newTransport() (ingest.Source, ingest.Sink, error) {
	cfg := a.Config.Ingest
	switch cfg.Transport {
	case config.TransportKafka:
		source := ingest.NewKafkaSource(cfg.Kafka, a.Logger)
		if cfg.Kafka.SinkTopic == "" {
			return source, nil, nil
		}
		return source, ingest.NewKafkaSink(cfg.Kafka), nil
	case config.TransportMQTT:
		client := ingest.NewMQTTClient(cfg.MQTT, a.Logger)
		if cfg.MQTT.OutputTopic == "" {
			return client, nil, nil
		}
		return client, client, nil
	case config.TransportHTTP:
		return ingest.NewPoller(cfg.HTTP, a.Logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// Run executes the long-running rain rate service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, sink, err := a.newTransport()
	if err != nil {
		return err
	}
	defer source.Close()
	// The MQTT client serves as both source and sink.
	if sink != nil && any(sink) != any(source) {
		defer sink.Close()
	}

	engine := rainrate.New(service.EngineOptions(a.Config.RainRate), a.Logger, metrics)
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Clock:        clock,
	}, a.Logger)

	deps := service.Deps{
		Engine:    engine,
		Scheduler: sched,
		Source:    source,
		Sink:      sink,
		Notifier:  a.newNotifier(),
		Metrics:   metrics,
		Clock:     clock,
		Logger:    a.Logger,
	}
	if store != nil {
		a.migrate(ctx, store)
		deps.Archive = store
		deps.Alerts = store
		deps.Locker = store
		deps.History = store.History()
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled, starting cold")
	}

	svc := service.New(a.Config, deps)

	server := observability.NewServer(a.Config.HTTP.Addr, svc, a.Logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("http server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()

	if a.ConfigPath != "" {
		go func() {
			if err := config.Watch(ctx, a.ConfigPath, a.Logger, svc.ApplyConfig); err != nil {
				a.Logger.Error().Err(err).Msg("config watch unavailable")
			}
		}()
	}

	a.Logger.Info().
		Str("transport", a.Config.Ingest.Transport).
		Str("version", version.String()).
		Msg("starting rain rate service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rain rate service stopped")
	return nil
}

func (a *App) migrate(ctx context.Context, store *storage.Store) {
	dir := a.Config.Database.MigrationsPath
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		a.Logger.Warn().Str("path", dir).Msg("migrations directory not found; skipping schema setup")
		return
	}
	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		a.Logger.Error().Err(err).Msg("schema migration failed")
		return
	}
	if len(applied) > 0 {
		a.Logger.Info().Strs("migrations", applied).Msg("schema migrations applied")
	}
}

// ExportOptions hold parameters for exporting archive periods.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// RainOnly skips periods that recorded no rain.
	RainOnly bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// ReplayOptions configure a replay of a recorded rain event log.
type ReplayOptions struct {
	File            string
	ArchiveInterval time.Duration
	CSVPath         string
	Persist         bool
}
