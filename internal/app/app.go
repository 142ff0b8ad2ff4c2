package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"txwatch/internal/alerting"
	"txwatch/internal/anomaly"
	"txwatch/internal/api"
	"txwatch/internal/config"
	"txwatch/internal/events"
	"txwatch/internal/ledger"
	"txwatch/internal/metrics"
	"txwatch/internal/pattern"
	"txwatch/internal/service"
	"txwatch/internal/storage"
	"txwatch/internal/tracking"
	"txwatch/migrations"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newLedgerClient() ledger.Client {
	cfg := a.Config.Ledger
	if cfg.Kind == config.LedgerEVM {
		return ledger.NewEVM(ledger.EVMOptions{RPCURL: cfg.RPCURL, Timeout: cfg.Timeout}, a.Logger)
	}
	return ledger.NewSolana(ledger.SolanaOptions{
		RPCURL:     cfg.RPCURL,
		Commitment: cfg.Commitment,
		Timeout:    cfg.Timeout,
	}, a.Logger)
}

// monitorOptions maps configuration onto the monitor's options.
func (a *App) monitorOptions() service.Options {
	c := a.Config
	return service.Options{
		Watcher: tracking.WatcherOptions{
			InitialDelay:  c.Watcher.InitialDelay,
			PollInterval:  c.Watcher.PollInterval,
			MaxAttempts:   c.Watcher.MaxAttempts,
			Concurrency:   c.Watcher.Concurrency,
			DetailTimeout: c.Watcher.DetailTimeout,
		},
		Ledger: tracking.LedgerOptions{
			Capacity: c.Confirmations.Capacity,
			Window:   c.Confirmations.Window,
			Thresholds: tracking.MetricsThresholds{
				SlowConfirmation:   c.Confirmations.SlowConfirmation,
				FailRateAnomalyPct: c.Confirmations.FailRateAnomalyPct,
				TPSAnomaly:         c.Confirmations.TPSAnomaly,
			},
		},
		Patterns:        a.patternOptions(),
		Thresholds:      a.thresholds(),
		MetricsInterval: c.Confirmations.MetricsInterval,
		CleanupInterval: c.Patterns.CleanupInterval,
		AlignMetrics:    c.Confirmations.AlignMetrics,
		CleanupDelay:    c.Patterns.CleanupDelay,
		AutoWatch:       c.Patterns.AutoWatch,
		BusBufferSize:   c.Events.BufferSize,
		AlertRetention:  c.Storage.AlertRetention,
		AdvisoryLockKey: c.Storage.AdvisoryLockKey,
	}
}

func (a *App) patternOptions() pattern.Options {
	return pattern.Options{
		Window:          a.Config.Patterns.Window,
		FrequencyWindow: a.Config.Patterns.FrequencyWindow,
		MaxRecords:      a.Config.Patterns.MaxRecords,
	}
}

func (a *App) thresholds() anomaly.Thresholds {
	c := a.Config.Anomaly
	return anomaly.Thresholds{
		MaxFrequencyPerMinute: c.MaxFrequencyPerMinute,
		MaxAmountPerWindow:    c.MaxAmountPerWindow,
		SuspiciousAmount:      c.SuspiciousAmount,
		MaxFailedAttempts:     c.MaxFailedAttempts,
		NewRecipientAmount:    c.NewRecipientAmount,
	}
}

// newSink assembles the configured delivery channels behind one async sink.
// The returned closer drains pending alerts and releases every channel.
func (a *App) newSink(store *storage.Store) (alerting.Sink, func() error, error) {
	cfg := a.Config.Alerting
	var (
		sinks   alerting.Multi
		closers []func() error
	)

	if cfg.Log {
		sinks = append(sinks, alerting.NewLogSink(a.Logger))
	}
	if cfg.Telegram.Enabled {
		sinks = append(sinks, alerting.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.SendTimeout, a.Logger))
	}
	if cfg.Kafka.Enabled {
		kafkaSink, err := alerting.NewKafkaSink(alerting.KafkaOptions{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, kafkaSink)
		closers = append(closers, kafkaSink.Close)
	}
	if cfg.Persist {
		if store == nil {
			return nil, nil, errors.New("alerting.persist requires a database")
		}
		sinks = append(sinks, alerting.NewStoreSink(store))
	}

	if len(sinks) == 0 {
		a.Logger.Warn().Msg("no alert channel configured; alerts are discarded")
		return alerting.NopSink{}, func() error { return nil }, nil
	}

	async := alerting.NewAsync(sinks, cfg.BufferSize, cfg.SendTimeout, a.Logger)
	closeAll := func() error {
		err := async.Close()
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}
	return async, closeAll, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	schema, err := migrations.Schema()
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, pool, schema); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// attachRedis mirrors bus topics onto Redis when enabled.
func (a *App) attachRedis(bus *events.Bus) func() {
	cfg := a.Config.Events.Redis
	if !cfg.Enabled {
		return func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	unsubscribe := events.NewRedisBridge(client, cfg.ChannelPrefix, cfg.Timeout, a.Logger).Attach(bus)
	a.Logger.Info().Str("addr", cfg.Addr).Str("prefix", cfg.ChannelPrefix).Msg("redis event bridge attached")
	return func() {
		unsubscribe()
		if err := client.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sink, closeSink, err := a.newSink(store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			a.Logger.Error().Err(err).Msg("close alert sinks")
		}
	}()

	bus := events.NewBus(a.Config.Events.BufferSize, a.Logger)
	defer bus.Close()
	detachRedis := a.attachRedis(bus)
	defer detachRedis()

	collector := metrics.NewCollector("txwatch")
	deps := service.Deps{
		Client:    a.newLedgerClient(),
		Sink:      sink,
		Bus:       bus,
		Collector: collector,
	}
	if store != nil {
		deps.Alerts = store
		deps.Locker = store
	}

	monitor, err := service.New(a.monitorOptions(), deps, a.Logger)
	if err != nil {
		return err
	}
	defer monitor.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	if a.Config.HTTP.Enabled {
		server := api.NewServer(monitor, collector.Handler(), api.Options{
			Addr:            a.Config.HTTP.Addr,
			ReadTimeout:     a.Config.HTTP.ReadTimeout,
			WriteTimeout:    a.Config.HTTP.WriteTimeout,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
		}, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	a.Logger.Info().Str("ledger", a.Config.Ledger.Kind).Msg("starting monitoring service")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// WatchOptions configure the one-shot watch command.
type WatchOptions struct {
	Signature string
	ProgramID string
}

// ExportOptions hold parameters for exporting persisted alerts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Bucket    time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	ActorID string
}

// PurgeOptions configure the purge job.
type PurgeOptions struct {
	Before time.Time
	DryRun bool
}

// SimulateOptions drive a synthetic actor through the detector.
type SimulateOptions struct {
	ActorID    string
	Count      int
	Amount     string
	Interval   time.Duration
	Recipients int
	TxType     string
}
