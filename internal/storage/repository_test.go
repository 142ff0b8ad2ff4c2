package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txwatch/internal/config"
	"txwatch/internal/model"
	"txwatch/migrations"
)

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.ErrorIs(t, s.InsertAlert(ctx, sampleAlertForStore()), ErrNotConfigured)
	_, err := s.ListRecentAlerts(ctx, 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.DeleteAlertsBefore(ctx, time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, Migrate(ctx, nil, "SELECT 1"), ErrNotConfigured)
	s.Close()
}

func TestEncodeData(t *testing.T) {
	raw, err := encodeData(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = encodeData(map[string]any{"frequency": 11, "limit": 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"frequency":11,"limit":10}`, string(raw))

	_, err = encodeData(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestNewPoolRequiresDSN(t *testing.T) {
	_, err := NewPool(context.Background(), config.DatabaseConfig{})
	assert.Error(t, err)
	_, err = NewPool(context.Background(), config.DatabaseConfig{DSN: "::not a dsn::"})
	assert.Error(t, err)
}

func TestEmbeddedSchema(t *testing.T) {
	schema, err := migrations.Schema()
	require.NoError(t, err)
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS anomaly_alerts")
}

func sampleAlertForStore() model.Alert {
	return model.Alert{
		ID:          uuid.New(),
		Type:        model.AlertHighFrequency,
		Severity:    model.SeverityHigh,
		ActorID:     "actor-1",
		Description: "high transaction frequency: 11/min",
		Data:        map[string]any{"frequency": 11, "limit": 10},
		Timestamp:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}
