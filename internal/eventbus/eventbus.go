// Package eventbus is the global, lag-tolerant broadcast fabric for
// observability events (new_client, client_disconnected, new_message,
// new_consumption). A slow subscriber may lag and miss events; this is
// acceptable and never back-pressures a publisher.
package eventbus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/metrics"
)

// Event is a tagged observability event carrying a JSON payload. Events are
// transient and never persisted.
type Event struct {
	Type string      `json:"event"`
	Data interface{} `json:"data"`
}

// Bus is a multi-producer, multi-consumer broadcast channel. Each live
// subscriber holds an independent buffered channel.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	capacity    int
	logger      *zap.Logger
	metrics     *metrics.Registry
}

// New creates an event bus with the given per-subscriber buffer capacity.
func New(capacity int, logger *zap.Logger, reg *metrics.Registry) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		capacity:    capacity,
		logger:      logger,
		metrics:     reg,
	}
}

// Subscribe registers a new receiver and returns its channel and an
// unsubscribe function. The channel is never closed: Publish snapshots the
// subscriber list under the lock and sends after releasing it, so closing it here could
// race a concurrent send into a closed channel. Callers must stop reading
// via their own cancellation instead.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.capacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
	return ch, unsubscribe
}

// Publish emits an event to every current subscriber. Emission is
// non-blocking: if no receivers exist the event is dropped, and a full
// receiver buffer is logged at warn and the event is dropped for that
// receiver only. Producers are never back-pressured.
func (b *Bus) Publish(eventType string, data interface{}) {
	b.mu.Lock()
	receivers := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		receivers = append(receivers, ch)
	}
	b.mu.Unlock()

	if len(receivers) == 0 {
		return
	}

	evt := Event{Type: eventType, Data: data}
	for _, ch := range receivers {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("event bus receiver lagging, dropping event", zap.String("event", eventType))
			if b.metrics != nil {
				b.metrics.EventBusDropped.Inc()
			}
		}
	}
}

// Marshal renders an event as its wire JSON form.
func Marshal(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
