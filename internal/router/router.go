// Package router is the Topic Router: per-topic fan-out rooms plus the
// reserved wildcard room. Rooms are created lazily on the first Join or
// Publish that names them.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/metrics"
)

// WildcardTopic is the reserved topic name a subscriber uses to join every room.
const WildcardTopic = "*"

// wildcardRoom is the internal name of the room wildcard subscribers join.
const wildcardRoom = "__all__"

// room is a single topic's fan-out fabric: a registry of subscriber channels.
type room struct {
	mu          sync.Mutex
	subscribers map[int]chan []byte
	nextID      int
}

func newRoom() *room {
	return &room{subscribers: make(map[int]chan []byte)}
}

// subscribe registers a new receiver. The returned channel is never closed:
// publish snapshots the subscriber list under the lock and sends after
// releasing it, so closing on unsubscribe could race a concurrent send into a closed
// channel. Callers must stop reading via their own cancellation instead.
func (r *room) subscribe(capacity int) (<-chan []byte, func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	ch := make(chan []byte, capacity)
	r.subscribers[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

func (r *room) publish(payload []byte, logger *zap.Logger, topic string, reg *metrics.Registry) {
	r.mu.Lock()
	receivers := make([]chan []byte, 0, len(r.subscribers))
	for _, ch := range r.subscribers {
		receivers = append(receivers, ch)
	}
	r.mu.Unlock()

	for _, ch := range receivers {
		select {
		case ch <- payload:
			if reg != nil {
				reg.MessagesDelivered.Inc()
			}
		default:
			logger.Warn("topic room receiver lagging, dropping message", zap.String("topic", topic))
			if reg != nil {
				reg.FanoutDropped.Inc()
			}
		}
	}
}

// Router is the topic -> room map, protected by a readers-writers lock.
type Router struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	capacity int
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New creates a Topic Router with the given per-room subscriber buffer capacity.
func New(capacity int, logger *zap.Logger, reg *metrics.Registry) *Router {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Router{
		rooms:    make(map[string]*room),
		capacity: capacity,
		logger:   logger,
		metrics:  reg,
	}
}

// Join subscribes a session to a topic's room, creating the room lazily if
// needed. A topic of WildcardTopic joins the shared "__all__" room.
func (rt *Router) Join(topic string) (<-chan []byte, func()) {
	name := roomName(topic)
	return rt.room(name).subscribe(rt.capacity)
}

// Publish delivers payload to the topic's own room and, concurrently, to
// the wildcard room, matching §4.E's "both rooms, concurrently" rule.
func (rt *Router) Publish(topic string, payload []byte) {
	topicRoom := rt.room(roomName(topic))
	wildcard := rt.room(wildcardRoom)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		topicRoom.publish(payload, rt.logger, topic, rt.metrics)
	}()
	go func() {
		defer wg.Done()
		wildcard.publish(payload, rt.logger, WildcardTopic, rt.metrics)
	}()
	wg.Wait()
}

func roomName(topic string) string {
	if topic == WildcardTopic {
		return wildcardRoom
	}
	return topic
}

func (rt *Router) room(name string) *room {
	rt.mu.RLock()
	r, ok := rt.rooms[name]
	rt.mu.RUnlock()
	if ok {
		return r
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if r, ok := rt.rooms[name]; ok {
		return r
	}
	r = newRoom()
	rt.rooms[name] = r
	return r
}
