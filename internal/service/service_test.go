package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txwatch/internal/alerting"
	"txwatch/internal/events"
	"txwatch/internal/ledger"
	"txwatch/internal/metrics"
	"txwatch/internal/model"
	"txwatch/internal/storage"
	"txwatch/internal/tracking"
)

// fakeClient answers per signature from a script; exhausted scripts answer nil.
type fakeClient struct {
	mu      sync.Mutex
	scripts map[string][]*ledger.Status
	calls   chan string
}

func newFakeClient() *fakeClient {
	return &fakeClient{scripts: make(map[string][]*ledger.Status), calls: make(chan string, 256)}
}

func (c *fakeClient) script(signature string, statuses ...*ledger.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[signature] = statuses
}

func (c *fakeClient) GetStatus(_ context.Context, signature string) (*ledger.Status, error) {
	c.mu.Lock()
	var next *ledger.Status
	if s := c.scripts[signature]; len(s) > 0 {
		next = s[0]
		c.scripts[signature] = s[1:]
	}
	c.mu.Unlock()
	c.calls <- signature
	return next, nil
}

func (c *fakeClient) GetDetails(context.Context, string) (*ledger.Details, error) {
	return &ledger.Details{Fee: decimal.NewFromInt(5000), Accounts: []string{"payer"}}, nil
}

func (c *fakeClient) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-c.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status poll")
	}
}

type busEvent struct {
	topic   string
	payload any
}

func collect(bus *events.Bus) chan busEvent {
	ch := make(chan busEvent, 256)
	bus.SubscribeAll(func(topic string, payload any) {
		ch <- busEvent{topic: topic, payload: payload}
	})
	return ch
}

func nextEvent(t *testing.T, ch chan busEvent, topic string) busEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", topic)
			return busEvent{}
		}
	}
}

type fixture struct {
	monitor   *Monitor
	client    *fakeClient
	clock     *clock.Mock
	sink      *alerting.Recorder
	collector *metrics.Collector
	events    chan busEvent
}

func newFixture(t *testing.T, mutate func(*Options, *Deps)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		client:    newFakeClient(),
		clock:     mock,
		sink:      &alerting.Recorder{},
		collector: metrics.NewCollector("txwatch"),
	}
	opts := DefaultOptions()
	deps := Deps{Client: f.client, Clock: mock, Sink: f.sink, Collector: f.collector}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	m, err := New(opts, deps, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.monitor = m
	f.events = collect(m.Bus())
	return f
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Add(d)
	f.client.waitCall(t)
}

func TestWatchSignatureConfirmsAfterThreePolls(t *testing.T) {
	f := newFixture(t, nil)
	f.client.script("sigA", nil, nil, &ledger.Status{Slot: 5})

	require.True(t, f.monitor.WatchSignature("sigA", "prog"))
	assert.False(t, f.monitor.WatchSignature("sigA", "prog"))
	assert.False(t, f.monitor.WatchSignature("", "prog"))

	pending := nextEvent(t, f.events, events.TopicPending).payload.(model.TransactionEvent)
	assert.Equal(t, model.StatusPending, pending.Status)

	f.advance(t, 2*time.Second)
	f.advance(t, 4*time.Second)
	f.advance(t, 4*time.Second)

	confirmed := nextEvent(t, f.events, events.TopicConfirmed).payload.(model.TransactionEvent)
	require.NotNil(t, confirmed.ConfirmationTimeMs)
	assert.Equal(t, int64(10000), *confirmed.ConfirmationTimeMs)
	assert.Equal(t, uint64(5), *confirmed.Slot)
	assert.True(t, confirmed.Fee.Equal(decimal.NewFromInt(5000)))

	stored, ok := f.monitor.Transaction("sigA")
	require.True(t, ok)
	assert.Equal(t, model.StatusConfirmed, stored.Status)
	assert.Len(t, f.monitor.RecentTransactions(10, "prog"), 1)
	assert.Empty(t, f.monitor.RecentTransactions(10, "other"))
	assert.Equal(t, 0, f.monitor.ActiveWatchers())

	m := f.monitor.RecomputeMetrics()
	assert.Equal(t, int64(10000), m.ConfirmTimeP50Ms)
	assert.Equal(t, m, f.monitor.Metrics())
	nextEvent(t, f.events, events.TopicMetricsUpdated)
}

func TestWatchSignatureNotBlockedByStalledSubscriber(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *Deps) { o.BusBufferSize = 1 })
	release := make(chan struct{})
	f.monitor.Bus().SubscribeAll(func(string, any) { <-release })
	t.Cleanup(func() { close(release) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			f.monitor.WatchSignature(fmt.Sprintf("stall-%d", i), "")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchSignature blocked on a stalled subscriber")
	}
	assert.Equal(t, 5, f.monitor.ActiveWatchers())
	assert.NotZero(t, f.monitor.Bus().Dropped())
}

func TestWatchSignatureTimesOut(t *testing.T) {
	f := newFixture(t, nil)

	require.True(t, f.monitor.WatchSignature("sigD", ""))
	f.advance(t, 2*time.Second)
	for i := 1; i < tracking.DefaultWatcherOptions().MaxAttempts; i++ {
		f.advance(t, 4*time.Second)
	}

	timeout := nextEvent(t, f.events, events.TopicTimeout).payload.(model.TransactionEvent)
	assert.Nil(t, timeout.ConfirmationTimeMs)
	assert.Equal(t, tracking.ErrConfirmationTimeout.Error(), timeout.Error)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(f.collector.Registry(), "txwatch_signature_resolutions_total")
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTrackTransactionHighFrequency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var last []model.Alert
	for i := 0; i < 11; i++ {
		last = f.monitor.TrackTransaction(ctx, "X", fmt.Sprintf("s%d", i), decimal.NewFromInt(1), "r1", "donation")
		f.clock.Add(5 * time.Second)
	}

	require.NotEmpty(t, last)
	found := false
	for _, a := range last {
		if a.Type == model.AlertHighFrequency {
			found = true
			assert.Equal(t, model.SeverityHigh, a.Severity)
			assert.Equal(t, 11, a.Data["frequency"])
		}
	}
	assert.True(t, found)
	assert.NotEmpty(t, f.sink.Alerts())
	n, err := testutil.GatherAndCount(f.collector.Registry(), "txwatch_anomaly_alerts_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestTrackTransactionSingleLargeAmount(t *testing.T) {
	f := newFixture(t, nil)

	alerts := f.monitor.TrackTransaction(context.Background(), "Y", "big", decimal.NewFromInt(60), "r1", "")
	var large []model.Alert
	for _, a := range alerts {
		if a.Type == model.AlertLargeAmount {
			large = append(large, a)
		}
	}
	require.Len(t, large, 1)
	assert.Equal(t, model.SeverityHigh, large[0].Severity)

	// The aggregate limit is not reached so nothing stands.
	assert.Empty(t, f.monitor.ActiveAlerts())
	assert.Nil(t, f.monitor.TrackTransaction(context.Background(), "", "s", decimal.NewFromInt(1), "r", ""))
}

func TestActiveAlertsReflectAggregates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.monitor.TrackTransaction(ctx, "W", fmt.Sprintf("w%d", i), decimal.NewFromInt(40), "r1", "")
	}

	active := f.monitor.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, model.AlertLargeAmount, active[0].Type)
	assert.Equal(t, model.SeverityMedium, active[0].Severity)
}

func TestCleanupRemovesStalePatterns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.monitor.TrackTransaction(ctx, "E", "s1", decimal.NewFromInt(3), "r1", "")
	f.clock.Add(2*time.Hour + time.Second)

	assert.Equal(t, 0, f.monitor.Cleanup(ctx))
	stats, ok := f.monitor.ActorStats("E")
	assert.False(t, ok)
	assert.Zero(t, stats.Frequency)
	assert.True(t, stats.TotalAmount.IsZero())
}

func TestAutoWatchAppliesTerminalStatus(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *Deps) { o.AutoWatch = true })
	f.client.script("sigF", &ledger.Status{Slot: 9, Err: `{"InstructionError":[0,"Custom"]}`})

	f.monitor.TrackTransaction(context.Background(), "F", "sigF", decimal.NewFromInt(1), "r1", "")
	f.advance(t, 2*time.Second)
	nextEvent(t, f.events, events.TopicFailed)

	stats, ok := f.monitor.ActorStats("F")
	require.True(t, ok)
	assert.Equal(t, 1, stats.FailedTransactions)

	_, ok = f.monitor.UpdateTransactionStatus(context.Background(), "F", "missing", model.StatusConfirmed)
	assert.False(t, ok)
}

func TestAutoWatchAppliesStatusToEveryOwner(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *Deps) { o.AutoWatch = true })
	f.client.script("shared", &ledger.Status{Slot: 4, Err: `{"InstructionError":[0,"Custom"]}`})
	ctx := context.Background()

	f.monitor.TrackTransaction(ctx, "G", "shared", decimal.NewFromInt(1), "r1", "")
	f.monitor.TrackTransaction(ctx, "H", "shared", decimal.NewFromInt(1), "r1", "")
	f.advance(t, 2*time.Second)
	nextEvent(t, f.events, events.TopicFailed)

	for _, actor := range []string{"G", "H"} {
		stats, ok := f.monitor.ActorStats(actor)
		require.True(t, ok)
		assert.Equal(t, 1, stats.FailedTransactions, actor)
	}

	// A later actor reporting the resolved signature picks up its status at once.
	f.monitor.TrackTransaction(ctx, "K", "shared", decimal.NewFromInt(1), "r1", "")
	stats, ok := f.monitor.ActorStats("K")
	require.True(t, ok)
	assert.Equal(t, 1, stats.FailedTransactions)
	assert.Equal(t, 0, f.monitor.ActiveWatchers())
}

type fakeAlertStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *fakeAlertStore) InsertAlert(context.Context, model.Alert) error { return nil }
func (s *fakeAlertStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}
func (s *fakeAlertStore) ListAlertsBetween(context.Context, time.Time, time.Time) ([]storage.AlertRecord, error) {
	return nil, nil
}
func (s *fakeAlertStore) ListAlertsByActor(context.Context, string, int) ([]storage.AlertRecord, error) {
	return nil, nil
}
func (s *fakeAlertStore) CountAlertBuckets(context.Context, time.Time, time.Time, time.Duration) ([]storage.AlertBucket, error) {
	return nil, nil
}
func (s *fakeAlertStore) DeleteAlertsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 2, nil
}

type fakeLocker struct {
	acquire  bool
	released int
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquire {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestCleanupPurgesAlertsUnderLock(t *testing.T) {
	store := &fakeAlertStore{}
	locker := &fakeLocker{acquire: true}
	f := newFixture(t, func(o *Options, d *Deps) {
		o.AlertRetention = 24 * time.Hour
		o.AdvisoryLockKey = 42
		d.Alerts = store
		d.Locker = locker
	})

	f.monitor.Cleanup(context.Background())
	require.Len(t, store.cutoffs, 1)
	assert.Equal(t, f.clock.Now().Add(-24*time.Hour), store.cutoffs[0])
	assert.Equal(t, 1, locker.released)

	locker.acquire = false
	f.monitor.Cleanup(context.Background())
	assert.Len(t, store.cutoffs, 1)
}

func TestRunHoldsFirstCleanupForDelay(t *testing.T) {
	store := &fakeAlertStore{}
	f := newFixture(t, func(o *Options, d *Deps) {
		o.CleanupInterval = time.Minute
		o.CleanupDelay = 5 * time.Minute
		o.AlertRetention = time.Hour
		d.Alerts = store
		d.Locker = &fakeLocker{acquire: true}
	})
	start := f.clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	var first time.Time
	require.Eventually(t, func() bool {
		f.clock.Add(10 * time.Second)
		store.mu.Lock()
		defer store.mu.Unlock()
		if len(store.cutoffs) == 0 {
			return false
		}
		first = store.cutoffs[0]
		return true
	}, 5*time.Second, time.Millisecond)

	// The first purge runs one interval after the delay.
	assert.False(t, first.Before(start.Add(6*time.Minute-time.Hour)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRunTicksAndShutsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.monitor.TrackTransaction(context.Background(), "R", "r1", decimal.NewFromInt(1), "x", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		select {
		case ev := <-f.events:
			return ev.topic == events.TopicMetricsUpdated
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	assert.False(t, f.monitor.WatchSignature("late", ""))
	_, ok := f.monitor.ActorStats("R")
	assert.False(t, ok)
}

func TestNewValidatesOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.MetricsInterval = 0
	opts.Watcher.MaxAttempts = 0
	opts.CleanupDelay = -time.Second
	_, err := New(opts, Deps{Client: newFakeClient()}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics_interval")
	assert.Contains(t, err.Error(), "cleanup_delay")

	_, err = New(DefaultOptions(), Deps{}, zerolog.Nop())
	assert.Error(t, err)
}
