package tracking

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"txwatch/internal/model"
	"txwatch/internal/ring"
)

// MetricsThresholds drive the anomaly heuristic folded into TransactionMetrics.
type MetricsThresholds struct {
	SlowConfirmation   time.Duration
	FailRateAnomalyPct float64
	TPSAnomaly         float64
}

// LedgerOptions size the confirmation history.
type LedgerOptions struct {
	Capacity   int
	Window     time.Duration
	Thresholds MetricsThresholds
}

// DefaultLedgerOptions mirror the production defaults.
func DefaultLedgerOptions() LedgerOptions {
	return LedgerOptions{
		Capacity: 1000,
		Window:   time.Minute,
		Thresholds: MetricsThresholds{
			SlowConfirmation:   30 * time.Second,
			FailRateAnomalyPct: 20,
			TPSAnomaly:         100,
		},
	}
}

// Validate rejects sizes that would make the ledger unbounded or meaningless.
func (o LedgerOptions) Validate() error {
	var err error
	if o.Capacity <= 0 {
		err = multierr.Append(err, fmt.Errorf("ledger capacity must be greater than zero"))
	}
	if o.Window <= 0 {
		err = multierr.Append(err, fmt.Errorf("ledger window must be greater than zero"))
	}
	if o.Thresholds.SlowConfirmation <= 0 {
		err = multierr.Append(err, fmt.Errorf("slow confirmation threshold must be greater than zero"))
	}
	if o.Thresholds.FailRateAnomalyPct <= 0 {
		err = multierr.Append(err, fmt.Errorf("fail rate anomaly threshold must be greater than zero"))
	}
	if o.Thresholds.TPSAnomaly <= 0 {
		err = multierr.Append(err, fmt.Errorf("tps anomaly threshold must be greater than zero"))
	}
	return err
}

// Ledger is the bounded history of confirmation events. Events are kept in
// insertion order. A buffered pending event is resolved in place; a terminal
// event is never replaced, so a later event for the same signature is
// appended.
type Ledger struct {
	opts LedgerOptions

	mu    sync.RWMutex
	buf   *ring.Buffer[model.TransactionEvent]
	index map[string]uint64
}

// NewLedger builds a Ledger after validating opts.
func NewLedger(opts LedgerOptions) (*Ledger, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		opts:  opts,
		buf:   ring.New[model.TransactionEvent](opts.Capacity),
		index: make(map[string]uint64, opts.Capacity),
	}, nil
}

// Record stores event. It resolves the buffered pending event with the same
// signature, or appends.
func (l *Ledger) Record(event model.TransactionEvent) {
	event = event.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if seq, ok := l.index[event.Signature]; ok {
		if cur, ok := l.buf.Get(seq); ok && !cur.Status.Terminal() && l.buf.Set(seq, event) {
			return
		}
	}

	seq, old, evicted := l.buf.Push(event)
	if evicted {
		if cur, ok := l.index[old.Signature]; ok && cur < l.buf.Head() {
			delete(l.index, old.Signature)
		}
	}
	l.index[event.Signature] = seq
}

// Get returns the buffered event for signature.
func (l *Ledger) Get(signature string) (model.TransactionEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.index[signature]
	if !ok {
		return model.TransactionEvent{}, false
	}
	event, ok := l.buf.Get(seq)
	if !ok {
		return model.TransactionEvent{}, false
	}
	return event.Clone(), true
}

// Resolved reports whether the buffered event for signature is terminal and
// its error is not one of ignoreErrs.
func (l *Ledger) Resolved(signature string, ignoreErrs ...string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.index[signature]
	if !ok {
		return false
	}
	event, ok := l.buf.Get(seq)
	if !ok || !event.Status.Terminal() {
		return false
	}
	for _, e := range ignoreErrs {
		if event.Error == e {
			return false
		}
	}
	return true
}

// Recent returns up to limit of the newest events, oldest first.
func (l *Ledger) Recent(limit int) []model.TransactionEvent {
	return l.filterTail(limit, func(model.TransactionEvent) bool { return true })
}

// ByProgram returns up to limit of the newest events tagged with programID.
func (l *Ledger) ByProgram(programID string, limit int) []model.TransactionEvent {
	return l.filterTail(limit, func(e model.TransactionEvent) bool { return e.ProgramID == programID })
}

func (l *Ledger) filterTail(limit int, keep func(model.TransactionEvent) bool) []model.TransactionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]model.TransactionEvent, 0, l.buf.Len())
	l.buf.Range(func(_ uint64, e model.TransactionEvent) bool {
		if keep(e) {
			matched = append(matched, e)
		}
		return true
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]model.TransactionEvent, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of buffered events.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buf.Len()
}

// Reset drops every event.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
	l.index = make(map[string]uint64, l.opts.Capacity)
}

// Metrics computes TransactionMetrics over the trailing window ending at now.
func (l *Ledger) Metrics(now time.Time) model.TransactionMetrics {
	cutoff := now.Add(-l.opts.Window)

	l.mu.RLock()
	window := make([]model.TransactionEvent, 0, l.buf.Len())
	l.buf.Range(func(_ uint64, e model.TransactionEvent) bool {
		if e.Timestamp.After(cutoff) {
			window = append(window, e)
		}
		return true
	})
	l.mu.RUnlock()

	return ComputeMetrics(window, l.opts.Window, l.opts.Thresholds, now)
}

// ComputeMetrics derives metrics from the events whose timestamp falls inside
// (now-window, now]. It does not modify events.
func ComputeMetrics(events []model.TransactionEvent, window time.Duration, th MetricsThresholds, now time.Time) model.TransactionMetrics {
	cutoff := now.Add(-window)
	metrics := model.TransactionMetrics{ComputedAt: now}

	var (
		count      int
		failed     int
		slow       int
		confirmMs  []int64
		slowCutoff = th.SlowConfirmation.Milliseconds()
	)
	for _, e := range events {
		if !e.Timestamp.After(cutoff) {
			continue
		}
		count++
		switch e.Status {
		case model.StatusFailed:
			failed++
		case model.StatusConfirmed:
			if e.ConfirmationTimeMs != nil {
				confirmMs = append(confirmMs, *e.ConfirmationTimeMs)
			}
		}
		if e.ConfirmationTimeMs != nil && *e.ConfirmationTimeMs > slowCutoff {
			slow++
		}
	}

	if count == 0 {
		return metrics
	}

	metrics.TPS = float64(count) / window.Seconds()

	if len(confirmMs) > 0 {
		sort.Slice(confirmMs, func(i, j int) bool { return confirmMs[i] < confirmMs[j] })
		metrics.ConfirmTimeP50Ms = percentile(confirmMs, 0.5)
		metrics.ConfirmTimeP95Ms = percentile(confirmMs, 0.95)
	}

	metrics.FailRatePct = float64(failed) / float64(count) * 100

	anomalies := slow
	if metrics.FailRatePct > th.FailRateAnomalyPct {
		anomalies += int(math.Floor(metrics.FailRatePct / 10))
	}
	if metrics.TPS > th.TPSAnomaly {
		anomalies++
	}
	metrics.AnomalyCount = anomalies

	return metrics
}

// percentile picks sorted[floor(n*q)] from an ascending slice.
func percentile(sorted []int64, q float64) int64 {
	idx := int(math.Floor(float64(len(sorted)) * q))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
