package alerting

import (
	"context"
	"fmt"

	"txwatch/internal/model"
)

// AlertWriter persists alerts for auditing.
type AlertWriter interface {
	InsertAlert(ctx context.Context, alert model.Alert) error
}

// StoreSink records alerts through an AlertWriter.
type StoreSink struct {
	store AlertWriter
}

// NewStoreSink builds a StoreSink.
func NewStoreSink(store AlertWriter) *StoreSink {
	return &StoreSink{store: store}
}

// Notify persists alert.
func (s *StoreSink) Notify(ctx context.Context, alert model.Alert) error {
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist alert %s: %w", alert.ID, err)
	}
	return nil
}

var _ Sink = (*StoreSink)(nil)
