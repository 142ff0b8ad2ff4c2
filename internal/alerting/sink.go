// Package alerting delivers anomaly alerts to downstream channels.
package alerting

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"txwatch/internal/model"
)

// Sink accepts alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert model.Alert) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, alert model.Alert) error { return f(ctx, alert) }

// NopSink discards alerts.
type NopSink struct{}

// Notify does nothing.
func (NopSink) Notify(context.Context, model.Alert) error { return nil }

// LogSink writes every alert as a structured warning.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs alert.
func (s *LogSink) Notify(_ context.Context, alert model.Alert) error {
	s.logger.Warn().
		Str("alert_id", alert.ID.String()).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Str("actor_id", alert.ActorID).
		Interface("data", alert.Data).
		Msg(alert.Description)
	return nil
}

// Recorder keeps every alert in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

// Notify appends alert.
func (r *Recorder) Notify(_ context.Context, alert model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts in arrival order.
func (r *Recorder) Alerts() []model.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Alert(nil), r.alerts...)
}

// Reset forgets every recorded alert.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.alerts = nil
	r.mu.Unlock()
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Sink

// Notify delivers alert to each sink even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, alert model.Alert) error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.Notify(ctx, alert))
	}
	return err
}

var (
	_ Sink = SinkFunc(nil)
	_ Sink = NopSink{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*Recorder)(nil)
	_ Sink = Multi(nil)
)
