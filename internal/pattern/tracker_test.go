package pattern

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txwatch/internal/alerting"
	"txwatch/internal/anomaly"
	"txwatch/internal/model"
)

func newTestTracker(t *testing.T, opts Options) (*Tracker, *alerting.Recorder, *clock.Mock) {
	t.Helper()
	detector, err := anomaly.NewDetector(anomaly.DefaultThresholds())
	require.NoError(t, err)
	rec := &alerting.Recorder{}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker, err := NewTracker(opts, detector, rec, mock, zerolog.Nop())
	require.NoError(t, err)
	return tracker, rec, mock
}

func one() decimal.Decimal { return decimal.NewFromInt(1) }

func alertsOfType(alerts []model.Alert, typ model.AlertType) []model.Alert {
	var out []model.Alert
	for _, a := range alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestHighFrequencyFiresOnEleventhTransaction(t *testing.T) {
	tracker, rec, mock := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		alerts := tracker.AddTransaction(ctx, "X", fmt.Sprintf("s%d", i), one(), "r1", "donation")
		assert.Empty(t, alertsOfType(alerts, model.AlertHighFrequency))
		mock.Add(5 * time.Second)
	}
	alerts := tracker.AddTransaction(ctx, "X", "s10", one(), "r1", "donation")

	high := alertsOfType(alerts, model.AlertHighFrequency)
	require.Len(t, high, 1)
	assert.Equal(t, model.SeverityHigh, high[0].Severity)
	assert.Equal(t, 11, high[0].Data["frequency"])
	assert.Len(t, alertsOfType(rec.Alerts(), model.AlertHighFrequency), 1)
}

func TestFrequencyOnlyCountsTrailingMinute(t *testing.T) {
	tracker, _, mock := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		tracker.AddTransaction(ctx, "X", fmt.Sprintf("s%d", i), one(), "r1", "")
		mock.Add(10 * time.Second)
	}

	snap, ok := tracker.Snapshot("X")
	require.True(t, ok)
	assert.Equal(t, 5, snap.Frequency)
	assert.True(t, snap.TotalAmount.Equal(decimal.NewFromInt(11)))
	assert.Equal(t, model.DefaultTxType, snap.Records[0].Type)
}

func TestSingleLargeAmountFiresImmediately(t *testing.T) {
	tracker, rec, _ := newTestTracker(t, DefaultOptions())

	alerts := tracker.AddTransaction(context.Background(), "Y", "big", decimal.NewFromInt(60), "r1", "staking")

	large := alertsOfType(alerts, model.AlertLargeAmount)
	require.Len(t, large, 1)
	assert.Equal(t, model.SeverityHigh, large[0].Severity)
	assert.Equal(t, "big", large[0].Data["signature"])
	assert.Len(t, alertsOfType(rec.Alerts(), model.AlertLargeAmount), 1)
}

func TestUpdateStatusReevaluatesFailures(t *testing.T) {
	tracker, _, _ := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		tracker.AddTransaction(ctx, "F", fmt.Sprintf("s%d", i), one(), "r1", "")
	}

	var last []model.Alert
	for i := 0; i < 6; i++ {
		alerts, ok := tracker.UpdateStatus(ctx, "F", fmt.Sprintf("s%d", i), model.StatusFailed)
		require.True(t, ok)
		last = alerts
		if i < 5 {
			assert.Empty(t, alertsOfType(alerts, model.AlertFailedPattern))
		}
	}
	failed := alertsOfType(last, model.AlertFailedPattern)
	require.Len(t, failed, 1)
	assert.Equal(t, 6, failed[0].Data["failedCount"])

	_, ok := tracker.UpdateStatus(ctx, "F", "missing", model.StatusConfirmed)
	assert.False(t, ok)
	_, ok = tracker.UpdateStatus(ctx, "nobody", "s0", model.StatusConfirmed)
	assert.False(t, ok)

	stats, ok := tracker.Stats("F")
	require.True(t, ok)
	assert.Equal(t, 6, stats.FailedTransactions)
}

func TestRecordsBoundedByCount(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRecords = 3
	tracker, _, mock := newTestTracker(t, opts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.AddTransaction(ctx, "C", fmt.Sprintf("s%d", i), one(), fmt.Sprintf("r%d", i), "")
		mock.Add(time.Minute)
	}

	snap, ok := tracker.Snapshot("C")
	require.True(t, ok)
	require.Len(t, snap.Records, 3)
	assert.Equal(t, "s2", snap.Records[0].Signature)
	assert.Equal(t, []string{"r2", "r3", "r4"}, snap.UniqueRecipients)
}

func TestAggregatesIgnoreExpiredRecords(t *testing.T) {
	tracker, _, mock := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	tracker.AddTransaction(ctx, "A", "old", decimal.NewFromInt(40), "r1", "")
	mock.Add(90 * time.Minute)
	tracker.AddTransaction(ctx, "A", "new", decimal.NewFromInt(5), "r1", "")

	snap, ok := tracker.Snapshot("A")
	require.True(t, ok)
	assert.Len(t, snap.Records, 2)
	assert.True(t, snap.TotalAmount.Equal(decimal.NewFromInt(5)))

	stats, ok := tracker.Stats("A")
	require.True(t, ok)
	assert.Equal(t, 2, stats.TotalTransactions)
	assert.Equal(t, 1, stats.RecentTransactions)
	assert.Equal(t, 1, stats.UniqueRecipients)
	assert.Equal(t, mock.Now(), stats.LastActivity)

	mock.Add(31 * time.Minute)
	snap, _ = tracker.Snapshot("A")
	assert.Len(t, snap.Records, 1)
	assert.Equal(t, "new", snap.Records[0].Signature)
}

func TestCleanupRemovesExpiredPatterns(t *testing.T) {
	tracker, _, mock := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	tracker.AddTransaction(ctx, "E", "s1", decimal.NewFromInt(3), "r1", "")
	mock.Add(90 * time.Minute)
	tracker.AddTransaction(ctx, "L", "s2", decimal.NewFromInt(3), "r1", "")
	assert.Equal(t, 2, tracker.Len())

	mock.Add(31 * time.Minute)
	assert.Equal(t, 1, tracker.Cleanup())

	stats, ok := tracker.Stats("E")
	assert.False(t, ok)
	assert.Zero(t, stats.Frequency)
	assert.True(t, stats.TotalAmount.IsZero())

	_, ok = tracker.Snapshot("L")
	assert.True(t, ok)

	// A fresh transaction recreates the pattern from scratch.
	tracker.AddTransaction(ctx, "E", "s3", decimal.NewFromInt(2), "r2", "")
	snap, ok := tracker.Snapshot("E")
	require.True(t, ok)
	assert.Len(t, snap.Records, 1)
}

func TestConcurrentActorsAndCleanup(t *testing.T) {
	tracker, _, _ := newTestTracker(t, DefaultOptions())
	ctx := context.Background()

	var wg sync.WaitGroup
	for a := 0; a < 8; a++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sig := fmt.Sprintf("%s-%d", actor, i)
				tracker.AddTransaction(ctx, actor, sig, one(), "r", "")
				tracker.UpdateStatus(ctx, actor, sig, model.StatusConfirmed)
			}
		}(fmt.Sprintf("actor-%d", a))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			tracker.Cleanup()
			tracker.Snapshots()
		}
	}()
	wg.Wait()

	assert.Equal(t, 8, tracker.Len())
	for _, snap := range tracker.Snapshots() {
		assert.Len(t, snap.Records, 50)
	}

	tracker.Reset()
	assert.Equal(t, 0, tracker.Len())
}

func TestOptionsValidate(t *testing.T) {
	err := Options{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patterns.window")
	assert.Contains(t, err.Error(), "patterns.max_records")

	_, err = NewTracker(DefaultOptions(), nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
