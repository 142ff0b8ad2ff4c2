package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"txwatch/internal/alerting"
	"txwatch/internal/anomaly"
	"txwatch/internal/events"
	"txwatch/internal/ledger"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/pattern"
	"txwatch/internal/scheduler"
	"txwatch/internal/storage"
	"txwatch/internal/tracking"
)

// Options configure every component of the monitor.
type Options struct {
	Watcher         tracking.WatcherOptions
	Ledger          tracking.LedgerOptions
	Patterns        pattern.Options
	Thresholds      anomaly.Thresholds
	MetricsInterval time.Duration
	CleanupInterval time.Duration
	// AlignMetrics puts metrics ticks on wall-clock multiples of MetricsInterval.
	AlignMetrics    bool
	// CleanupDelay postpones the first cleanup tick.
	CleanupDelay    time.Duration
	// AutoWatch makes TrackTransaction also watch the signature and apply its
	// terminal status to the actor's record.
	AutoWatch       bool
	BusBufferSize   int
	AlertRetention  time.Duration
	AdvisoryLockKey int64
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Watcher:         tracking.DefaultWatcherOptions(),
		Ledger:          tracking.DefaultLedgerOptions(),
		Patterns:        pattern.DefaultOptions(),
		Thresholds:      anomaly.DefaultThresholds(),
		MetricsInterval: 10 * time.Second,
		CleanupInterval: 10 * time.Minute,
		AlignMetrics:    true,
		BusBufferSize:   1024,
	}
}

// Validate reports every invalid option.
func (o Options) Validate() error {
	err := multierr.Combine(
		o.Watcher.Validate(),
		o.Ledger.Validate(),
		o.Patterns.Validate(),
		o.Thresholds.Validate(),
	)
	if o.MetricsInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("confirmations.metrics_interval must be greater than zero"))
	}
	if o.CleanupInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("patterns.cleanup_interval must be greater than zero"))
	}
	if o.CleanupDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("patterns.cleanup_delay cannot be negative"))
	}
	if o.AlertRetention < 0 {
		err = multierr.Append(err, fmt.Errorf("storage.alert_retention cannot be negative"))
	}
	return err
}

// Deps are the collaborators injected into a Monitor. Only Client is required.
type Deps struct {
	Client    ledger.Client
	Clock     clock.Clock
	Sink      alerting.Sink
	Bus       *events.Bus
	Collector *metrics.Collector
	// Alerts enables the retention purge on the cleanup tick.
	Alerts storage.AlertStore
	Locker storage.AdvisoryLocker
}

// Monitor ties confirmation tracking and behavioral anomaly detection together.
type Monitor struct {
	opts      Options
	clock     clock.Clock
	bus       *events.Bus
	ownsBus   bool
	ledger    *tracking.Ledger
	watcher   *tracking.Watcher
	tracker   *pattern.Tracker
	detector  *anomaly.Detector
	collector *metrics.Collector
	alerts    storage.AlertStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	metricsSched *scheduler.Scheduler
	cleanupSched *scheduler.Scheduler

	mu        sync.RWMutex
	latest    model.TransactionMetrics
	owners    map[string][]string
	closeOnce sync.Once
}

// New validates opts and assembles a Monitor.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Monitor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("monitor requires a ledger client")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Monitor{
		opts:      opts,
		clock:     clk,
		bus:       deps.Bus,
		collector: deps.Collector,
		alerts:    deps.Alerts,
		locker:    deps.Locker,
		logger:    logger.With().Str("component", "monitor").Logger(),
		owners:    make(map[string][]string),
	}
	if m.bus == nil {
		m.bus = events.NewBus(opts.BusBufferSize, logger)
		m.ownsBus = true
	}

	var err error
	if m.ledger, err = tracking.NewLedger(opts.Ledger); err != nil {
		return nil, err
	}
	if m.watcher, err = tracking.NewWatcher(deps.Client, m.ledger, m, clk, opts.Watcher, logger); err != nil {
		return nil, err
	}
	if m.detector, err = anomaly.NewDetector(opts.Thresholds); err != nil {
		return nil, err
	}

	sinks := alerting.Multi{}
	if m.collector != nil {
		m.collector.Attach(m.bus)
		sinks = append(sinks, m.collector.AlertSink())
	}
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	if m.tracker, err = pattern.NewTracker(opts.Patterns, m.detector, sinks, clk, logger); err != nil {
		return nil, err
	}

	m.metricsSched = scheduler.New(scheduler.Options{
		Name:         "metrics",
		Interval:     opts.MetricsInterval,
		AlignToStart: opts.AlignMetrics,
	}, clk, logger)
	m.cleanupSched = scheduler.New(scheduler.Options{
		Name:         "cleanup",
		Interval:     opts.CleanupInterval,
		StartupDelay: opts.CleanupDelay,
	}, clk, logger)
	return m, nil
}

// Run drives the metrics and cleanup ticks until ctx is cancelled, then stops
// every watcher and releases all state.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("metrics_interval", m.opts.MetricsInterval).
		Dur("cleanup_interval", m.opts.CleanupInterval).
		Msg("monitor started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.metricsSched.Run(gctx, func(context.Context, time.Time) error {
			m.RecomputeMetrics()
			return nil
		})
	})
	g.Go(func() error {
		return m.cleanupSched.Run(gctx, m.cleanupTick)
	})
	err := g.Wait()

	m.shutdown()
	m.logger.Info().Msg("monitor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the monitor and, if it created the bus, closes it.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.shutdown()
		if m.ownsBus {
			m.bus.Close()
		}
	})
}

// Bus exposes the event bus for subscribers.
func (m *Monitor) Bus() *events.Bus { return m.bus }

// WatchSignature starts confirmation tracking. It reports whether a new watch began.
func (m *Monitor) WatchSignature(signature, programID string) bool {
	if signature == "" {
		return false
	}
	started := m.watcher.Watch(signature, programID)
	m.observeWatchers()
	return started
}

// TrackTransaction records a transaction for actorID and runs the anomaly
// rules. Alerts reach the sink before it returns.
func (m *Monitor) TrackTransaction(ctx context.Context, actorID, signature string, amount decimal.Decimal, recipient, txType string) []model.Alert {
	if actorID == "" || signature == "" {
		return nil
	}
	alerts := m.tracker.AddTransaction(ctx, actorID, signature, amount, recipient, txType)

	if m.opts.AutoWatch {
		alerts = append(alerts, m.autoWatch(ctx, actorID, signature)...)
	}
	return alerts
}

// autoWatch registers actorID as an owner of signature and starts watching it.
// A signature that already resolved is applied to the actor at once.
func (m *Monitor) autoWatch(ctx context.Context, actorID, signature string) []model.Alert {
	m.mu.Lock()
	m.owners[signature] = appendOwner(m.owners[signature], actorID)
	m.mu.Unlock()

	if m.WatchSignature(signature, "") || m.watcher.IsWatching(signature) {
		return nil
	}

	m.mu.Lock()
	m.owners[signature] = removeOwner(m.owners[signature], actorID)
	if len(m.owners[signature]) == 0 {
		delete(m.owners, signature)
	}
	m.mu.Unlock()

	if !m.ledger.Resolved(signature, tracking.ErrConfirmationTimeout.Error()) {
		return nil
	}
	event, ok := m.ledger.Get(signature)
	if !ok {
		return nil
	}
	alerts, _ := m.UpdateTransactionStatus(ctx, actorID, signature, event.Status)
	return alerts
}

func appendOwner(owners []string, actorID string) []string {
	for _, o := range owners {
		if o == actorID {
			return owners
		}
	}
	return append(owners, actorID)
}

func removeOwner(owners []string, actorID string) []string {
	for i, o := range owners {
		if o == actorID {
			return append(owners[:i:i], owners[i+1:]...)
		}
	}
	return owners
}

// UpdateTransactionStatus sets the status of a tracked record and re-runs the rules.
func (m *Monitor) UpdateTransactionStatus(ctx context.Context, actorID, signature string, status model.TxStatus) ([]model.Alert, bool) {
	alerts, ok := m.tracker.UpdateStatus(ctx, actorID, signature, status)
	if ok {
		m.logger.Info().
			Str("signature", signature).
			Str("actor_id", actorID).
			Str("status", string(status)).
			Msg("transaction status updated")
	}
	return alerts, ok
}

// Publish implements events.Publisher for the watcher. Terminal statuses of
// auto-watched signatures are applied to the owning actor before the event is
// forwarded to the bus.
func (m *Monitor) Publish(topic string, payload any) {
	switch topic {
	case events.TopicConfirmed, events.TopicFailed:
		if event, ok := payload.(model.TransactionEvent); ok {
			m.applyResolution(event)
		}
	case events.TopicTimeout:
		// The actor's record stays pending.
		if event, ok := payload.(model.TransactionEvent); ok {
			m.mu.Lock()
			delete(m.owners, event.Signature)
			m.mu.Unlock()
		}
	}
	m.bus.Publish(topic, payload)
	if topic != events.TopicPending {
		m.observeWatchers()
	}
}

func (m *Monitor) applyResolution(event model.TransactionEvent) {
	m.mu.Lock()
	owners := m.owners[event.Signature]
	delete(m.owners, event.Signature)
	m.mu.Unlock()

	for _, actorID := range owners {
		m.UpdateTransactionStatus(context.Background(), actorID, event.Signature, event.Status)
	}
}

// Metrics returns the value computed on the latest tick.
func (m *Monitor) Metrics() model.TransactionMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// RecomputeMetrics recomputes metrics now, stores and publishes them.
func (m *Monitor) RecomputeMetrics() model.TransactionMetrics {
	computed := m.ledger.Metrics(m.clock.Now())

	m.mu.Lock()
	m.latest = computed
	m.mu.Unlock()

	m.bus.Publish(events.TopicMetricsUpdated, computed)
	m.observeWatchers()
	return computed
}

// Cleanup runs one cleanup pass and returns the number of live patterns.
func (m *Monitor) Cleanup(ctx context.Context) int {
	active := m.tracker.Cleanup()
	if m.collector != nil {
		m.collector.SetActivePatterns(active)
	}
	if err := m.purgeAlerts(ctx); err != nil {
		m.logger.Error().Err(err).Msg("alert retention purge failed")
	}
	return active
}

func (m *Monitor) cleanupTick(ctx context.Context, _ time.Time) error {
	m.Cleanup(ctx)
	return nil
}

func (m *Monitor) purgeAlerts(ctx context.Context) error {
	if m.alerts == nil || m.opts.AlertRetention <= 0 {
		return nil
	}
	unlock, proceed, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		m.logger.Debug().Msg("skip alert purge because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := m.clock.Now().Add(-m.opts.AlertRetention)
	deleted, err := m.alerts.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	m.logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("purged expired alerts")
	return nil
}

func (m *Monitor) acquireLock(ctx context.Context) (func(), bool, error) {
	if m.opts.AdvisoryLockKey == 0 || m.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := m.locker.TryAdvisoryLock(ctx, m.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Transaction returns the ledger entry for signature.
func (m *Monitor) Transaction(signature string) (model.TransactionEvent, bool) {
	return m.ledger.Get(signature)
}

// RecentTransactions lists the newest ledger entries, optionally for one program.
func (m *Monitor) RecentTransactions(limit int, programID string) []model.TransactionEvent {
	if programID != "" {
		return m.ledger.ByProgram(programID, limit)
	}
	return m.ledger.Recent(limit)
}

// ActorStats summarises an actor's history.
func (m *Monitor) ActorStats(actorID string) (model.ActorStats, bool) {
	return m.tracker.Stats(actorID)
}

// ActiveAlerts evaluates the aggregate rules against every live pattern.
// The result is a view and is not sent to the sink.
func (m *Monitor) ActiveAlerts() []model.Alert {
	var out []model.Alert
	for _, snap := range m.tracker.Snapshots() {
		out = append(out, m.detector.Standing(snap)...)
	}
	return out
}

// ActiveWatchers returns the number of signatures still polling.
func (m *Monitor) ActiveWatchers() int { return m.watcher.Active() }

func (m *Monitor) observeWatchers() {
	if m.collector != nil {
		m.collector.SetActiveWatchers(m.watcher.Active())
	}
}

func (m *Monitor) shutdown() {
	m.watcher.Stop()
	m.tracker.Reset()
	m.ledger.Reset()

	m.mu.Lock()
	m.owners = make(map[string][]string)
	m.latest = model.TransactionMetrics{}
	m.mu.Unlock()
}
