package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"txwatch/internal/alerting"
	"txwatch/internal/anomaly"
	"txwatch/internal/model"
	"txwatch/internal/pattern"
)

// Simulate 模拟一个账户的交易序列，经过检测器并推送到已配置的告警通道。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) ([]model.Alert, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		defer closeStore()
	}

	sink, closeSink, err := a.newSink(store)
	if err != nil {
		return nil, err
	}
	alerts, simErr := a.simulateWith(ctx, opts, sink)
	if err := closeSink(); err != nil {
		a.Logger.Error().Err(err).Msg("close alert sinks")
	}
	return alerts, simErr
}

func (a *App) simulateWith(ctx context.Context, opts SimulateOptions, sink alerting.Sink) ([]model.Alert, error) {
	if opts.Count <= 0 {
		return nil, errors.New("--count must be greater than zero")
	}
	if opts.Recipients <= 0 {
		opts.Recipients = 1
	}
	if opts.ActorID == "" {
		opts.ActorID = "simulated-actor"
	}
	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	detector, err := anomaly.NewDetector(a.thresholds())
	if err != nil {
		return nil, err
	}

	// Virtual time so a long sequence replays instantly.
	mock := clock.NewMock()
	mock.Set(time.Now().UTC())
	tracker, err := pattern.NewTracker(a.patternOptions(), detector, sink, mock, a.Logger)
	if err != nil {
		return nil, err
	}

	var emitted []model.Alert
	for i := 0; i < opts.Count; i++ {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		recipient := fmt.Sprintf("recipient-%d", i%opts.Recipients)
		signature := "sim-" + uuid.NewString()
		emitted = append(emitted, tracker.AddTransaction(ctx, opts.ActorID, signature, amount, recipient, opts.TxType)...)
		mock.Add(opts.Interval)
	}

	a.Logger.Info().
		Str("actor_id", opts.ActorID).
		Int("transactions", opts.Count).
		Int("alerts", len(emitted)).
		Msg("模拟完成")
	return emitted, nil
}
