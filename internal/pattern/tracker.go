// Package pattern keeps a bounded behavioral history per actor and runs the
// anomaly rules after every mutation.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"txwatch/internal/alerting"
	"txwatch/internal/model"
	"txwatch/internal/ring"
)

// Evaluator turns a pattern snapshot into alerts.
type Evaluator interface {
	Evaluate(p model.PatternSnapshot) []model.Alert
}

// Options bound each actor's history.
type Options struct {
	// Window is the aggregate-amount horizon; records live for twice as long.
	Window          time.Duration
	FrequencyWindow time.Duration
	MaxRecords      int
}

// DefaultOptions keep two hours of history, at most 500 records per actor.
func DefaultOptions() Options {
	return Options{
		Window:          time.Hour,
		FrequencyWindow: time.Minute,
		MaxRecords:      500,
	}
}

// Validate reports every invalid option.
func (o Options) Validate() error {
	var err error
	if o.Window <= 0 {
		err = multierr.Append(err, fmt.Errorf("patterns.window must be greater than zero"))
	}
	if o.FrequencyWindow <= 0 {
		err = multierr.Append(err, fmt.Errorf("patterns.frequency_window must be greater than zero"))
	}
	if o.FrequencyWindow > o.Window {
		err = multierr.Append(err, fmt.Errorf("patterns.frequency_window cannot exceed patterns.window"))
	}
	if o.MaxRecords <= 0 {
		err = multierr.Append(err, fmt.Errorf("patterns.max_records must be greater than zero"))
	}
	return err
}

type actorEntry struct {
	mu         sync.Mutex
	id         string
	records    *ring.Buffer[model.TransactionRecord]
	frequency  int
	total      decimal.Decimal
	recipients []string
	// removed is set under mu when cleanup drops the entry from the map.
	removed bool
}

// Tracker owns every actor's pattern. Mutations of one actor are serialized by
// that actor's lock; distinct actors proceed in parallel.
type Tracker struct {
	opts     Options
	clock    clock.Clock
	detector Evaluator
	sink     alerting.Sink
	logger   zerolog.Logger

	mu     sync.RWMutex
	actors map[string]*actorEntry
}

// NewTracker validates opts and builds a Tracker. A nil sink discards alerts.
func NewTracker(opts Options, detector Evaluator, sink alerting.Sink, clk clock.Clock, logger zerolog.Logger) (*Tracker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		return nil, fmt.Errorf("pattern tracker requires a detector")
	}
	if sink == nil {
		sink = alerting.NopSink{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		opts:     opts,
		clock:    clk,
		detector: detector,
		sink:     sink,
		logger:   logger.With().Str("component", "pattern_tracker").Logger(),
		actors:   make(map[string]*actorEntry),
	}, nil
}

// AddTransaction appends a pending record for actorID, refreshes the
// aggregates, evaluates the rules and forwards any alerts to the sink. The
// emitted alerts are also returned.
func (t *Tracker) AddTransaction(ctx context.Context, actorID, signature string, amount decimal.Decimal, recipient, txType string) []model.Alert {
	if txType == "" {
		txType = model.DefaultTxType
	}

	for {
		entry := t.entry(actorID)
		entry.mu.Lock()
		if entry.removed {
			// Lost a race with cleanup; retry against a fresh entry.
			entry.mu.Unlock()
			continue
		}

		now := t.clock.Now()
		entry.records.Push(model.TransactionRecord{
			Signature: signature,
			Timestamp: now,
			Amount:    amount,
			Recipient: recipient,
			Type:      txType,
			Status:    model.StatusPending,
		})
		t.refresh(entry, now)
		snap := t.snapshot(entry, now)
		alerts := t.detector.Evaluate(snap)
		entry.mu.Unlock()

		t.dispatch(ctx, alerts)
		return alerts
	}
}

// UpdateStatus sets the status of actorID's record for signature and
// re-evaluates the rules. It returns false when no such record is retained.
func (t *Tracker) UpdateStatus(ctx context.Context, actorID, signature string, status model.TxStatus) ([]model.Alert, bool) {
	t.mu.RLock()
	entry, ok := t.actors[actorID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return nil, false
	}

	found := false
	entry.records.Range(func(seq uint64, r model.TransactionRecord) bool {
		if r.Signature != signature {
			return true
		}
		r.Status = status
		entry.records.Set(seq, r)
		found = true
		return false
	})
	if !found {
		entry.mu.Unlock()
		return nil, false
	}

	now := t.clock.Now()
	t.refresh(entry, now)
	alerts := t.detector.Evaluate(t.snapshot(entry, now))
	entry.mu.Unlock()

	t.dispatch(ctx, alerts)
	return alerts, true
}

// Snapshot returns a copy of actorID's pattern with aggregates recomputed at
// the current time.
func (t *Tracker) Snapshot(actorID string) (model.PatternSnapshot, bool) {
	t.mu.RLock()
	entry, ok := t.actors[actorID]
	t.mu.RUnlock()
	if !ok {
		return model.PatternSnapshot{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return model.PatternSnapshot{}, false
	}
	now := t.clock.Now()
	t.refresh(entry, now)
	return t.snapshot(entry, now), true
}

// Snapshots copies every live pattern, ordered by actor id.
func (t *Tracker) Snapshots() []model.PatternSnapshot {
	ids := t.actorIDs()
	out := make([]model.PatternSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := t.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Stats summarises actorID's history. Unknown actors yield zero stats and false.
func (t *Tracker) Stats(actorID string) (model.ActorStats, bool) {
	snap, ok := t.Snapshot(actorID)
	if !ok {
		return model.ActorStats{ActorID: actorID, TotalAmount: decimal.Zero}, false
	}

	cutoff := snap.At.Add(-t.opts.Window)
	stats := model.ActorStats{
		ActorID:            actorID,
		TotalTransactions:  len(snap.Records),
		TotalAmount:        snap.TotalAmount,
		Frequency:          snap.Frequency,
		UniqueRecipients:   len(snap.UniqueRecipients),
		FailedTransactions: snap.FailedCount(),
	}
	for _, r := range snap.Records {
		if r.Timestamp.After(cutoff) {
			stats.RecentTransactions++
		}
		if r.Timestamp.After(stats.LastActivity) {
			stats.LastActivity = r.Timestamp
		}
	}
	return stats, true
}

// Cleanup drops records older than twice the window, removes empty patterns
// and refreshes the rest. It returns the number of live patterns.
func (t *Tracker) Cleanup() int {
	now := t.clock.Now()
	for _, id := range t.actorIDs() {
		t.mu.RLock()
		entry, ok := t.actors[id]
		t.mu.RUnlock()
		if !ok {
			continue
		}

		entry.mu.Lock()
		t.refresh(entry, now)
		if entry.records.Len() > 0 || entry.removed {
			entry.mu.Unlock()
			continue
		}

		t.mu.Lock()
		if cur, ok := t.actors[id]; ok && cur == entry {
			delete(t.actors, id)
		}
		t.mu.Unlock()
		entry.removed = true
		entry.mu.Unlock()
	}

	active := t.Len()
	t.logger.Info().Int("active_patterns", active).Msg("pattern cleanup completed")
	return active
}

// Len returns the number of tracked actors.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.actors)
}

// Reset forgets every actor.
func (t *Tracker) Reset() {
	t.mu.Lock()
	old := t.actors
	t.actors = make(map[string]*actorEntry)
	t.mu.Unlock()

	for _, entry := range old {
		entry.mu.Lock()
		entry.removed = true
		entry.mu.Unlock()
	}
}

func (t *Tracker) entry(actorID string) *actorEntry {
	t.mu.RLock()
	entry, ok := t.actors[actorID]
	t.mu.RUnlock()
	if ok {
		return entry
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok = t.actors[actorID]; ok {
		return entry
	}
	entry = &actorEntry{
		id:      actorID,
		records: ring.New[model.TransactionRecord](t.opts.MaxRecords),
		total:   decimal.Zero,
	}
	t.actors[actorID] = entry
	return entry
}

func (t *Tracker) actorIDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.actors))
	for id := range t.actors {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// refresh evicts expired records and recomputes aggregates. Caller holds entry.mu.
func (t *Tracker) refresh(entry *actorEntry, now time.Time) {
	retain := now.Add(-2 * t.opts.Window)
	for {
		front, ok := entry.records.Front()
		if !ok || !front.Timestamp.Before(retain) {
			break
		}
		entry.records.PopFront()
	}

	freqCutoff := now.Add(-t.opts.FrequencyWindow)
	amountCutoff := now.Add(-t.opts.Window)
	frequency := 0
	total := decimal.Zero
	seen := make(map[string]struct{})
	recipients := make([]string, 0)

	entry.records.Range(func(_ uint64, r model.TransactionRecord) bool {
		if r.Timestamp.After(freqCutoff) {
			frequency++
		}
		if r.Timestamp.After(amountCutoff) {
			total = total.Add(r.Amount)
		}
		if _, ok := seen[r.Recipient]; !ok {
			seen[r.Recipient] = struct{}{}
			recipients = append(recipients, r.Recipient)
		}
		return true
	})

	entry.frequency = frequency
	entry.total = total
	entry.recipients = recipients
}

func (t *Tracker) snapshot(entry *actorEntry, now time.Time) model.PatternSnapshot {
	return model.PatternSnapshot{
		ActorID:          entry.id,
		Records:          entry.records.Slice(),
		Frequency:        entry.frequency,
		TotalAmount:      entry.total,
		UniqueRecipients: append([]string(nil), entry.recipients...),
		At:               now,
	}
}

func (t *Tracker) dispatch(ctx context.Context, alerts []model.Alert) {
	for _, alert := range alerts {
		if err := t.sink.Notify(ctx, alert); err != nil {
			t.logger.Error().Err(err).
				Str("actor_id", alert.ActorID).
				Str("alert_type", string(alert.Type)).
				Msg("failed to dispatch alert")
		}
	}
}
