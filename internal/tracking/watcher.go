// Package tracking follows submitted signatures to a terminal state and keeps
// the rolling confirmation history used for throughput and latency metrics.
package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"txwatch/internal/events"
	"txwatch/internal/ledger"
	"txwatch/internal/model"
)

// WatcherOptions tune the polling state machine.
type WatcherOptions struct {
	InitialDelay  time.Duration
	PollInterval  time.Duration
	MaxAttempts   int
	Concurrency   int64
	DetailTimeout time.Duration
}

// DefaultWatcherOptions poll every 4s for up to 30 attempts after a 2s grace period.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		InitialDelay:  2 * time.Second,
		PollInterval:  4 * time.Second,
		MaxAttempts:   30,
		Concurrency:   256,
		DetailTimeout: 5 * time.Second,
	}
}

// Validate reports every invalid option.
func (o WatcherOptions) Validate() error {
	var err error
	if o.InitialDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("watcher initial delay cannot be negative"))
	}
	if o.PollInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("watcher poll interval must be greater than zero"))
	}
	if o.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("watcher max attempts must be greater than zero"))
	}
	if o.Concurrency <= 0 {
		err = multierr.Append(err, fmt.Errorf("watcher concurrency must be greater than zero"))
	}
	if o.DetailTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("watcher detail timeout must be greater than zero"))
	}
	return err
}

// Watcher runs one bounded polling goroutine per signature.
type Watcher struct {
	client ledger.Client
	ledger *Ledger
	pub    events.Publisher
	clock  clock.Clock
	opts   WatcherOptions
	logger zerolog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	stopped bool
}

// NewWatcher wires a watcher to its RPC client, ledger and publisher.
func NewWatcher(client ledger.Client, l *Ledger, pub events.Publisher, clk clock.Clock, opts WatcherOptions, logger zerolog.Logger) (*Watcher, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if client == nil || l == nil || pub == nil {
		return nil, fmt.Errorf("watcher requires a ledger client, ledger and publisher")
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		client: client,
		ledger: l,
		pub:    pub,
		clock:  clk,
		opts:   opts,
		logger: logger.With().Str("component", "signature_watcher").Logger(),
		sem:    semaphore.NewWeighted(opts.Concurrency),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}, nil
}

// Watch starts tracking signature. It returns false when the signature is
// already being watched, has already resolved on chain, or the watcher has
// been stopped. A timed-out signature may be watched again. The pending event
// is recorded and published before Watch returns.
func (w *Watcher) Watch(signature, programID string) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	if _, ok := w.active[signature]; ok {
		w.mu.Unlock()
		return false
	}
	if w.ledger.Resolved(signature, ErrConfirmationTimeout.Error()) {
		w.mu.Unlock()
		w.logger.Debug().Str("signature", signature).Msg("signature already resolved")
		return false
	}
	w.active[signature] = struct{}{}
	start := w.clock.Now()
	first := w.clock.Timer(w.opts.InitialDelay)
	w.wg.Add(1)
	w.mu.Unlock()

	pending := model.TransactionEvent{
		Signature: signature,
		Timestamp: start,
		Status:    model.StatusPending,
		ProgramID: programID,
	}
	w.ledger.Record(pending)
	w.pub.Publish(events.TopicPending, pending)

	go w.poll(signature, programID, start, first)
	return true
}

// Active returns the number of signatures still pending.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// IsWatching reports whether signature is pending.
func (w *Watcher) IsWatching(signature string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[signature]
	return ok
}

// Stop cancels every poll and waits for the goroutines to exit. Signatures
// still pending get no terminal event.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	w.active = make(map[string]struct{})
	w.mu.Unlock()
}

func (w *Watcher) poll(signature, programID string, start time.Time, timer *clock.Timer) {
	defer w.wg.Done()
	defer func() { timer.Stop() }()

	log := w.logger.With().Str("signature", signature).Logger()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.release(signature)
		return
	}
	defer w.sem.Release(1)

	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		select {
		case <-w.ctx.Done():
			w.release(signature)
			return
		case <-timer.C:
		}

		// Schedule the next slot before checking so polls stay on a fixed cadence.
		if attempt < w.opts.MaxAttempts {
			timer = w.clock.Timer(w.opts.PollInterval)
		}

		status, err := w.client.GetStatus(w.ctx, signature)
		if err != nil {
			if w.ctx.Err() != nil {
				w.release(signature)
				return
			}
			log.Warn().Err(fmt.Errorf("%w: %v", ErrStatusCheck, err)).Int("attempt", attempt).Msg("status check failed")
			continue
		}
		if status == nil {
			log.Debug().Int("attempt", attempt).Msg("signature not yet landed")
			continue
		}

		w.resolve(signature, programID, start, status, attempt)
		return
	}

	w.expire(signature, programID)
}

func (w *Watcher) resolve(signature, programID string, start time.Time, status *ledger.Status, attempt int) {
	now := w.clock.Now()
	elapsed := now.Sub(start).Milliseconds()
	slot := status.Slot

	event := model.TransactionEvent{
		Signature:          signature,
		Timestamp:          now,
		Status:             model.StatusConfirmed,
		ConfirmationTimeMs: &elapsed,
		Slot:               &slot,
		ProgramID:          programID,
	}
	topic := events.TopicConfirmed
	if status.Err != "" {
		event.Status = model.StatusFailed
		event.Error = status.Err
		topic = events.TopicFailed
	}

	w.enrich(&event)

	w.ledger.Record(event)
	w.release(signature)
	w.pub.Publish(topic, event)

	w.logger.Info().
		Str("signature", signature).
		Str("status", string(event.Status)).
		Int64("confirmation_ms", elapsed).
		Int("attempt", attempt).
		Msg("transaction resolved")
}

func (w *Watcher) enrich(event *model.TransactionEvent) {
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.DetailTimeout)
	defer cancel()

	details, err := w.client.GetDetails(ctx, event.Signature)
	if err != nil {
		w.logger.Warn().Err(fmt.Errorf("%w: %v", ErrDetailFetch, err)).
			Str("signature", event.Signature).
			Msg("failed to get transaction details")
		return
	}
	if details == nil {
		return
	}
	fee := details.Fee
	event.Fee = &fee
	event.Accounts = append([]string(nil), details.Accounts...)
}

func (w *Watcher) expire(signature, programID string) {
	event := model.TransactionEvent{
		Signature: signature,
		Timestamp: w.clock.Now(),
		Status:    model.StatusFailed,
		Error:     ErrConfirmationTimeout.Error(),
		ProgramID: programID,
	}

	w.ledger.Record(event)
	w.release(signature)
	w.pub.Publish(events.TopicTimeout, event)

	w.logger.Warn().Err(ErrConfirmationTimeout).
		Str("signature", signature).
		Int("attempts", w.opts.MaxAttempts).
		Msg("transaction confirmation timeout")
}

func (w *Watcher) release(signature string) {
	w.mu.Lock()
	delete(w.active, signature)
	w.mu.Unlock()
}
