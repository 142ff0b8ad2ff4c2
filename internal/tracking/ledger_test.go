package tracking

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txwatch/internal/model"
)

func ms(v int64) *int64 { return &v }

func newTestLedger(t *testing.T, capacity int) *Ledger {
	t.Helper()
	opts := DefaultLedgerOptions()
	opts.Capacity = capacity
	l, err := NewLedger(opts)
	require.NoError(t, err)
	return l
}

func TestLedgerOverwritesInPlace(t *testing.T) {
	l := newTestLedger(t, 10)
	now := time.Unix(1_700_000_000, 0)

	l.Record(model.TransactionEvent{Signature: "a", Timestamp: now, Status: model.StatusPending})
	l.Record(model.TransactionEvent{Signature: "b", Timestamp: now, Status: model.StatusPending})
	l.Record(model.TransactionEvent{Signature: "a", Timestamp: now.Add(time.Second), Status: model.StatusConfirmed, ConfirmationTimeMs: ms(1000)})

	require.Equal(t, 2, l.Len())
	recent := l.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].Signature)
	assert.Equal(t, model.StatusConfirmed, recent[0].Status)

	got, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1000), *got.ConfirmationTimeMs)
}

func TestLedgerKeepsTerminalEvents(t *testing.T) {
	l := newTestLedger(t, 10)
	now := time.Unix(1_700_000_000, 0)

	l.Record(model.TransactionEvent{Signature: "a", Timestamp: now, Status: model.StatusPending})
	assert.False(t, l.Resolved("a"))
	l.Record(model.TransactionEvent{Signature: "a", Timestamp: now.Add(time.Second), Status: model.StatusConfirmed, ConfirmationTimeMs: ms(1000)})
	assert.True(t, l.Resolved("a"))
	assert.False(t, l.Resolved("unknown"))
	assert.False(t, l.Resolved("a", ""))

	l.Record(model.TransactionEvent{Signature: "a", Timestamp: now.Add(2 * time.Second), Status: model.StatusPending})

	recent := l.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, model.StatusConfirmed, recent[0].Status)
	require.NotNil(t, recent[0].ConfirmationTimeMs)
	assert.Equal(t, int64(1000), *recent[0].ConfirmationTimeMs)
	assert.Equal(t, model.StatusPending, recent[1].Status)

	metrics := l.Metrics(now.Add(3 * time.Second))
	assert.Equal(t, int64(1000), metrics.ConfirmTimeP50Ms)
}

func TestLedgerEvictsOldestAtCapacity(t *testing.T) {
	l := newTestLedger(t, 3)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		l.Record(model.TransactionEvent{Signature: fmt.Sprintf("s%d", i), Timestamp: now, Status: model.StatusPending})
	}

	assert.Equal(t, 3, l.Len())
	_, ok := l.Get("s0")
	assert.False(t, ok)
	_, ok = l.Get("s1")
	assert.False(t, ok)

	// An evicted signature is appended again rather than resurrected.
	l.Record(model.TransactionEvent{Signature: "s0", Timestamp: now, Status: model.StatusFailed})
	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"s3", "s4", "s0"}, []string{recent[0].Signature, recent[1].Signature, recent[2].Signature})
}

func TestLedgerRecentAndByProgram(t *testing.T) {
	l := newTestLedger(t, 10)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 6; i++ {
		program := "p1"
		if i%2 == 1 {
			program = "p2"
		}
		l.Record(model.TransactionEvent{Signature: fmt.Sprintf("s%d", i), Timestamp: now, ProgramID: program, Status: model.StatusPending})
	}

	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "s4", recent[0].Signature)
	assert.Equal(t, "s5", recent[1].Signature)

	byProgram := l.ByProgram("p2", 2)
	require.Len(t, byProgram, 2)
	assert.Equal(t, "s3", byProgram[0].Signature)
	assert.Equal(t, "s5", byProgram[1].Signature)

	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Recent(10))
}

func TestLedgerReturnsCopies(t *testing.T) {
	l := newTestLedger(t, 4)
	accounts := []string{"x"}
	l.Record(model.TransactionEvent{Signature: "a", Accounts: accounts})
	accounts[0] = "mutated"

	got, _ := l.Get("a")
	assert.Equal(t, "x", got.Accounts[0])
	got.Accounts[0] = "changed"

	again, _ := l.Get("a")
	assert.Equal(t, "x", again.Accounts[0])
}

func TestComputeMetrics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := DefaultLedgerOptions().Thresholds

	var events []model.TransactionEvent
	for i := int64(1); i <= 10; i++ {
		events = append(events, model.TransactionEvent{
			Signature:          fmt.Sprintf("c%d", i),
			Timestamp:          now.Add(-time.Duration(i) * time.Second),
			Status:             model.StatusConfirmed,
			ConfirmationTimeMs: ms(i * 1000),
		})
	}
	for i := 0; i < 5; i++ {
		events = append(events, model.TransactionEvent{
			Signature: fmt.Sprintf("f%d", i),
			Timestamp: now.Add(-2 * time.Second),
			Status:    model.StatusFailed,
		})
	}
	// On the window boundary, excluded.
	events = append(events, model.TransactionEvent{Signature: "old", Timestamp: now.Add(-time.Minute), Status: model.StatusFailed})

	m := ComputeMetrics(events, time.Minute, th, now)
	assert.InDelta(t, 15.0/60.0, m.TPS, 1e-9)
	assert.Equal(t, int64(6000), m.ConfirmTimeP50Ms)
	assert.Equal(t, int64(10000), m.ConfirmTimeP95Ms)
	assert.InDelta(t, 100.0/3.0, m.FailRatePct, 1e-9)
	assert.Equal(t, 3, m.AnomalyCount)
	assert.Equal(t, now, m.ComputedAt)

	again := ComputeMetrics(events, time.Minute, th, now)
	assert.Equal(t, m, again)
}

func TestComputeMetricsSlowAndEmpty(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := DefaultLedgerOptions().Thresholds

	empty := ComputeMetrics(nil, time.Minute, th, now)
	assert.Zero(t, empty.TPS)
	assert.Zero(t, empty.ConfirmTimeP50Ms)
	assert.Zero(t, empty.FailRatePct)
	assert.Zero(t, empty.AnomalyCount)

	slow := []model.TransactionEvent{
		{Signature: "a", Timestamp: now, Status: model.StatusConfirmed, ConfirmationTimeMs: ms(31_000)},
		{Signature: "b", Timestamp: now, Status: model.StatusConfirmed, ConfirmationTimeMs: ms(2_000)},
	}
	m := ComputeMetrics(slow, time.Minute, th, now)
	assert.Equal(t, 1, m.AnomalyCount)
	assert.Equal(t, int64(31_000), m.ConfirmTimeP50Ms)
}

func TestComputeMetricsHighTPS(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	th := DefaultLedgerOptions().Thresholds

	events := make([]model.TransactionEvent, 0, 6001)
	for i := 0; i < 6001; i++ {
		events = append(events, model.TransactionEvent{Signature: fmt.Sprint(i), Timestamp: now, Status: model.StatusPending})
	}
	m := ComputeMetrics(events, time.Minute, th, now)
	assert.Greater(t, m.TPS, 100.0)
	assert.Equal(t, 1, m.AnomalyCount)
}

func TestLedgerMetricsUsesWindow(t *testing.T) {
	l := newTestLedger(t, 100)
	now := time.Unix(1_700_000_000, 0)

	l.Record(model.TransactionEvent{Signature: "stale", Timestamp: now.Add(-2 * time.Minute), Status: model.StatusFailed})
	l.Record(model.TransactionEvent{Signature: "fresh", Timestamp: now.Add(-time.Second), Status: model.StatusConfirmed, ConfirmationTimeMs: ms(500)})

	m := l.Metrics(now)
	assert.InDelta(t, 1.0/60.0, m.TPS, 1e-9)
	assert.Zero(t, m.FailRatePct)
	assert.Equal(t, int64(500), m.ConfirmTimeP50Ms)
	assert.Equal(t, 2, l.Len())
}

func TestLedgerOptionsValidate(t *testing.T) {
	_, err := NewLedger(LedgerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
	assert.Contains(t, err.Error(), "window")
}
