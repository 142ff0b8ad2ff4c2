package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"syscall"

	"txwatch/internal/alerting"
	"txwatch/internal/events"
	"txwatch/internal/ledger"
	"txwatch/internal/model"
	"txwatch/internal/service"
)

// Watch follows one signature to a terminal state and writes the resolved
// event as JSON to out.
func (a *App) Watch(ctx context.Context, opts WatchOptions, out io.Writer) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.watchWith(ctx, a.newLedgerClient(), opts, out)
}

func (a *App) watchWith(ctx context.Context, client ledger.Client, opts WatchOptions, out io.Writer) error {
	if opts.Signature == "" {
		return errors.New("signature is required")
	}

	monitor, err := service.New(a.monitorOptions(), service.Deps{Client: client, Sink: alerting.NopSink{}}, a.Logger)
	if err != nil {
		return err
	}
	defer monitor.Close()

	terminal := make(chan model.TransactionEvent, 1)
	handler := func(_ string, payload any) {
		event, ok := payload.(model.TransactionEvent)
		if !ok || event.Signature != opts.Signature {
			return
		}
		select {
		case terminal <- event:
		default:
		}
	}
	for _, topic := range []string{events.TopicConfirmed, events.TopicFailed, events.TopicTimeout} {
		defer monitor.Bus().Subscribe(topic, handler)()
	}

	if !monitor.WatchSignature(opts.Signature, opts.ProgramID) {
		return errors.New("signature could not be watched")
	}
	a.Logger.Info().Str("signature", opts.Signature).Msg("watching signature")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case event := <-terminal:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(event)
	}
}
