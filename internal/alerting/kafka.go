package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"txwatch/internal/model"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configure the alert topic producer.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// KafkaSink publishes alerts as JSON keyed by actor id so one actor's alerts
// land on one partition in order.
type KafkaSink struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewKafkaSink dials nothing up front; kafka-go connects on first write.
func NewKafkaSink(opts KafkaOptions, logger zerolog.Logger) (*KafkaSink, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: opts.BatchTimeout,
		WriteTimeout: opts.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return NewKafkaSinkWithWriter(writer, logger), nil
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(writer MessageWriter, logger zerolog.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, logger: logger.With().Str("component", "alert_kafka").Logger()}
}

// Notify writes alert to the topic.
func (k *KafkaSink) Notify(ctx context.Context, alert model.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.ActorID),
		Value: value,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert_type", Value: []byte(alert.Type)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert message: %w", err)
	}

	k.logger.Debug().Str("alert_id", alert.ID.String()).Msg("alert published to kafka")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
