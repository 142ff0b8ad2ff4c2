// Package events is an in-process topic bus for watcher and metrics output.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	TopicPending        = "transaction.pending"
	TopicConfirmed      = "transaction.confirmed"
	TopicFailed         = "transaction.failed"
	TopicTimeout        = "transaction.timeout"
	TopicMetricsUpdated = "metrics.updated"
)

// Topics lists every topic the monitor publishes.
var Topics = []string{TopicPending, TopicConfirmed, TopicFailed, TopicTimeout, TopicMetricsUpdated}

// Publisher emits a payload on a topic.
type Publisher interface {
	Publish(topic string, payload any)
}

// Handler receives published payloads. Handlers run on a dedicated goroutine
// per subscription, so one slow handler never delays another.
type Handler func(topic string, payload any)

const wildcard = "*"

type message struct {
	topic   string
	payload any
}

type subscription struct {
	id      uint64
	topic   string
	ch      chan message
	handler Handler
}

// Bus fans out published payloads to subscribers in publish order.
// Publish never blocks: a message for a subscriber whose buffer is full is
// dropped and counted.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*subscription
	nextID     uint64
	closed     bool
	bufferSize int
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	logger     zerolog.Logger
}

// NewBus builds a bus whose subscriptions buffer up to bufferSize messages.
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subs:       make(map[string][]*subscription),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		ch:      make(chan message, b.bufferSize),
		handler: handler,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub) }
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe(wildcard, handler)
}

// Publish delivers payload to the topic's subscribers and to wildcard
// subscribers. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	msg := message{topic: topic, payload: payload}
	for _, sub := range b.subs[topic] {
		b.offer(sub, msg)
	}
	for _, sub := range b.subs[wildcard] {
		b.offer(sub, msg)
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) offer(sub *subscription, msg message) {
	select {
	case sub.ch <- msg:
	default:
		total := b.dropped.Add(1)
		b.logger.Warn().
			Str("topic", msg.topic).
			Uint64("subscription", sub.id).
			Uint64("dropped_total", total).
			Msg("subscriber buffer full; event dropped")
	}
}

// Close stops accepting messages and waits for handlers to drain their buffers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub.id == target.id {
			b.subs[target.topic] = append(subs[:i:i], subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for msg := range sub.ch {
		b.dispatch(sub, msg)
	}
}

func (b *Bus) dispatch(sub *subscription, msg message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("topic", msg.topic).Msg("event handler panicked")
		}
	}()
	sub.handler(msg.topic, msg.payload)
}

var _ Publisher = (*Bus)(nil)
