package alerting

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"txwatch/internal/model"
)

const (
	defaultBufferSize   = 256
	defaultDrainTimeout = 5 * time.Second
)

// Async decouples alert producers from slow sinks via a buffered channel.
// Notify blocks when the buffer is full. Delivery errors are logged.
type Async struct {
	inner     Sink
	ch        chan model.Alert
	done      chan struct{}
	timeout   time.Duration
	logger    zerolog.Logger
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewAsync wraps inner. The drain goroutine starts immediately; timeout bounds
// each delivery.
func NewAsync(inner Sink, bufferSize int, timeout time.Duration, logger zerolog.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Async{
		inner:   inner,
		ch:      make(chan model.Alert, bufferSize),
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger.With().Str("component", "alert_async").Logger(),
	}
	go a.drain()
	return a
}

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("alert sink closed")

// Notify enqueues alert.
func (a *Async) Notify(ctx context.Context, alert model.Alert) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.ch <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting alerts, waits for the buffer to drain and closes the
// inner sink when it is an io.Closer.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()

		select {
		case <-a.done:
		case <-time.After(defaultDrainTimeout):
			a.logger.Warn().Msg("alert drain timed out")
		}
		if closer, ok := a.inner.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

func (a *Async) drain() {
	defer close(a.done)
	for alert := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Notify(ctx, alert); err != nil {
			a.logger.Error().Err(err).
				Str("alert_type", string(alert.Type)).
				Str("actor_id", alert.ActorID).
				Msg("failed to dispatch alert")
		}
		cancel()
	}
}

var _ Sink = (*Async)(nil)
