package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txwatch/internal/model"
)

func TestMultiDeliversToAllSinks(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	failing := SinkFunc(func(context.Context, model.Alert) error { return errors.New("down") })

	err := Multi{first, failing, second}.Notify(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, first.Alerts(), 1)
	assert.Len(t, second.Alerts(), 1)

	first.Reset()
	assert.Empty(t, first.Alerts())
}

type closingRecorder struct {
	Recorder
	closed bool
}

func (c *closingRecorder) Close() error {
	c.closed = true
	return nil
}

func TestAsyncDrainsOnClose(t *testing.T) {
	inner := &closingRecorder{}
	async := NewAsync(inner, 2, time.Second, testLogger())

	for i := 0; i < 10; i++ {
		require.NoError(t, async.Notify(context.Background(), sampleAlert()))
	}
	require.NoError(t, async.Close())

	assert.Len(t, inner.Alerts(), 10)
	assert.True(t, inner.closed)
	assert.ErrorIs(t, async.Notify(context.Background(), sampleAlert()), ErrClosed)
}

func TestAsyncLogsInnerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	inner := SinkFunc(func(context.Context, model.Alert) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})
	async := NewAsync(inner, 1, time.Second, testLogger())
	require.NoError(t, async.Notify(context.Background(), sampleAlert()))
	require.NoError(t, async.Notify(context.Background(), sampleAlert()))
	require.NoError(t, async.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkWritesKeyedJSON(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(writer, testLogger())
	alert := sampleAlert()

	require.NoError(t, sink.Notify(context.Background(), alert))
	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, "actor-1", string(msg.Key))

	var decoded model.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
	assert.Equal(t, model.AlertLargeAmount, decoded.Type)

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)

	writer.err = errors.New("leader not available")
	assert.Error(t, sink.Notify(context.Background(), alert))
}

func TestNewKafkaSinkRequiresConfig(t *testing.T) {
	_, err := NewKafkaSink(KafkaOptions{}, testLogger())
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaOptions{Brokers: []string{"localhost:9092"}}, testLogger())
	assert.Error(t, err)
}

type fakeAlertWriter struct {
	alerts []model.Alert
	err    error
}

func (f *fakeAlertWriter) InsertAlert(_ context.Context, alert model.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, alert)
	return nil
}

func TestStoreSink(t *testing.T) {
	store := &fakeAlertWriter{}
	sink := NewStoreSink(store)
	require.NoError(t, sink.Notify(context.Background(), sampleAlert()))
	assert.Len(t, store.alerts, 1)

	store.err = errors.New("db down")
	assert.Error(t, sink.Notify(context.Background(), sampleAlert()))
}

func TestLogSinkAndNop(t *testing.T) {
	assert.NoError(t, NewLogSink(testLogger()).Notify(context.Background(), sampleAlert()))
	assert.NoError(t, NopSink{}.Notify(context.Background(), sampleAlert()))
}
