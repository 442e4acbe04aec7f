// Package broker composes the Store Gateway, Write Batcher, Subscription
// Registry, Event Bus, and Topic Router into the Broker Facade: the public
// surface every transport (HTTP handlers, session handler) calls into.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/batcher"
	"github.com/venantvr/pubsub-relay/internal/cache"
	"github.com/venantvr/pubsub-relay/internal/config"
	"github.com/venantvr/pubsub-relay/internal/eventbus"
	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/registry"
	"github.com/venantvr/pubsub-relay/internal/router"
	"github.com/venantvr/pubsub-relay/internal/store"
)

const recentRowLimit = 100

// Broker is the message-plane facade. It owns no sessions: teardown
// propagates one-way, from sessions into the broker, never the reverse.
type Broker struct {
	cfg      config.BrokerConfig
	store    *store.Store
	batcher  *batcher.Batcher
	registry *registry.Registry
	bus      *eventbus.Bus
	router   *router.Router
	metrics  *metrics.Registry
	logger   *zap.Logger

	messageCache     *cache.Cache[[]MessageInfo]
	consumptionCache *cache.Cache[[]ConsumptionInfo]
	graphCache       *cache.Cache[GraphState]

	dashboardMode atomic.Bool
}

// New wires the Broker Facade from its already-constructed collaborators.
func New(cfg config.BrokerConfig, s *store.Store, b *batcher.Batcher, reg *metrics.Registry, logger *zap.Logger) *Broker {
	br := &Broker{
		cfg:              cfg,
		store:            s,
		batcher:          b,
		registry:         registry.New(),
		bus:              eventbus.New(cfg.EventBusCapacity, logger, reg),
		router:           router.New(cfg.RoomCapacity, logger, reg),
		metrics:          reg,
		logger:           logger,
		messageCache:     cache.New[[]MessageInfo](cfg.CacheTTL),
		consumptionCache: cache.New[[]ConsumptionInfo](cfg.CacheTTL),
		graphCache:       cache.New[GraphState](cfg.CacheTTL),
	}
	br.dashboardMode.Store(cfg.DashboardDefault)
	return br
}

// EventBus exposes the bus for transports that need to subscribe directly.
func (b *Broker) EventBus() *eventbus.Bus { return b.bus }

// Router exposes the topic router for transports that need to join rooms.
func (b *Broker) Router() *router.Router { return b.router }

// Registry exposes the subscription registry for read-only inspection.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// DashboardEnabled reports whether dashboard mode is currently on. A
// relaxed-ordering atomic load is sufficient: correctness does not depend
// on when other goroutines observe a flip.
func (b *Broker) DashboardEnabled() bool { return b.dashboardMode.Load() }

// SetDashboardEnabled flips the process-wide dashboard flag.
func (b *Broker) SetDashboardEnabled(enabled bool) {
	b.dashboardMode.Store(enabled)
	b.metrics.DashboardToggles.Inc()
}

// RegisterSubscription implements §4.H: reject silently (warn) on any empty
// argument, stamp connected_at, enqueue the durable command, update the
// registry idempotently, and emit new_client.
func (b *Broker) RegisterSubscription(sid, consumer, topic string) {
	if sid == "" || consumer == "" || topic == "" {
		b.logger.Warn("register_subscription: missing required parameter")
		return
	}

	connectedAt := nowUnix()

	b.batcher.Enqueue(batcher.RegisterSubscription{
		SID: sid, Consumer: consumer, Topic: topic, ConnectedAt: connectedAt,
	})

	b.registry.Add(sid, consumer, topic, connectedAt)

	b.publishEvent("new_client", map[string]interface{}{
		"consumer":     consumer,
		"topic":        topic,
		"connected_at": connectedAt,
	})
}

// UnregisterClient implements §4.H: snapshot the registry entry, enqueue
// the durable delete, remove from the registry, and emit
// client_disconnected once per topic the session held.
func (b *Broker) UnregisterClient(sid string) {
	entry, existed := b.registry.Remove(sid)

	b.batcher.Enqueue(batcher.UnregisterClient{SID: sid})

	if !existed {
		return
	}

	for _, topic := range entry.Topics {
		b.publishEvent("client_disconnected", map[string]interface{}{
			"consumer": entry.Consumer,
			"topic":    topic,
		})
	}
}

// SaveMessage implements §4.H: stamp a timestamp, enqueue SaveMessage, and
// emit new_message. It does not fan out to the Topic Router itself — that
// is the caller's (transport's) job, matching §2's data-flow split between
// the durable write and the live fan-out.
func (b *Broker) SaveMessage(topic, messageID string, message json.RawMessage, producer string) MessageInfo {
	timestamp := nowUnix()

	b.batcher.Enqueue(batcher.SaveMessage{
		Topic: topic, MessageID: messageID, Message: string(message), Producer: producer, Timestamp: timestamp,
	})
	b.metrics.MessagesPublished.Inc()

	info := MessageInfo{Topic: topic, MessageID: messageID, Message: message, Producer: producer, Timestamp: timestamp}

	b.publishEvent("new_message", map[string]interface{}{
		"topic":      topic,
		"message_id": messageID,
		"message":    json.RawMessage(message),
		"producer":   producer,
		"timestamp":  timestamp,
	})

	return info
}

// SaveConsumption implements §4.H, symmetric to SaveMessage.
func (b *Broker) SaveConsumption(consumer, topic, messageID string, message json.RawMessage) {
	timestamp := nowUnix()

	b.batcher.Enqueue(batcher.SaveConsumption{
		Consumer: consumer, Topic: topic, MessageID: messageID, Message: string(message), Timestamp: timestamp,
	})
	b.metrics.ConsumptionsSaved.Inc()

	b.publishEvent("new_consumption", map[string]interface{}{
		"consumer":   consumer,
		"topic":      topic,
		"message_id": messageID,
		"message":    json.RawMessage(message),
		"timestamp":  timestamp,
	})
}

// GetMessages returns the newest 100 messages, descending by timestamp,
// through the read cache (bypassed when dashboard mode is disabled).
func (b *Broker) GetMessages(ctx context.Context) []MessageInfo {
	fetch := func() []MessageInfo { return b.fetchMessages(ctx) }
	if !b.DashboardEnabled() {
		return fetch()
	}

	value, hit := b.messageCache.GetOrFetch(fetch)
	b.recordCacheOutcome(hit)
	return value
}

// GetConsumptions returns the newest 100 consumptions, descending by
// timestamp, through the read cache.
func (b *Broker) GetConsumptions(ctx context.Context) []ConsumptionInfo {
	fetch := func() []ConsumptionInfo { return b.fetchConsumptions(ctx) }
	if !b.DashboardEnabled() {
		return fetch()
	}

	value, hit := b.consumptionCache.GetOrFetch(fetch)
	b.recordCacheOutcome(hit)
	return value
}

// GetGraphState runs the five underlying queries concurrently; any single
// query failure yields an empty slot, never a total failure.
func (b *Broker) GetGraphState(ctx context.Context) GraphState {
	fetch := func() GraphState { return b.fetchGraphState(ctx) }
	if !b.DashboardEnabled() {
		return fetch()
	}

	value, hit := b.graphCache.GetOrFetch(fetch)
	b.recordCacheOutcome(hit)
	return value
}

// GetClients enumerates the live registry, flattened to one row per
// (session's topic).
func (b *Broker) GetClients() []ClientInfo {
	rows := b.registry.Clients()
	out := make([]ClientInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, ClientInfo{Consumer: row.Consumer, Topic: row.Topic, ConnectedAt: row.ConnectedAt})
	}
	return out
}

// RunRetention runs the retention loop: Idle -> Sweeping -> Idle on the
// configured cadence. The ticker's first tick arrives one full period after
// start, so there is no purge on cold start; on transaction failure it
// returns to Idle without retry until the next tick.
func (b *Broker) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.RetentionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Broker) sweep(ctx context.Context) {
	result, err := b.store.Purge(ctx, time.Now(), b.cfg.MaxMessages, b.cfg.MaxConsumptions, b.cfg.MaxAge)
	if err != nil {
		b.logger.Error("retention sweep failed, skipping until next tick", zap.Error(err))
		b.metrics.RetentionFailures.Inc()
		return
	}

	b.metrics.RetentionSweeps.Inc()
	total := result.MessagesDeleted + result.ConsumptionsDeleted
	if total > 0 {
		b.metrics.RetentionRowsPurged.Add(float64(total))
		b.logger.Info("retention sweep complete",
			zap.Int64("messages_deleted", result.MessagesDeleted),
			zap.Int64("consumptions_deleted", result.ConsumptionsDeleted))
	}
}

// Ping proxies the store's health probe.
func (b *Broker) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

func (b *Broker) fetchMessages(ctx context.Context) []MessageInfo {
	rows, err := b.store.RecentMessages(ctx, recentRowLimit)
	if err != nil {
		b.logger.Error("get_messages query failed", zap.Error(err))
		return []MessageInfo{}
	}

	out := make([]MessageInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, MessageInfo{
			Topic:     row.Topic,
			MessageID: row.MessageID,
			Message:   decodeStoredJSON(row.Message),
			Producer:  row.Producer,
			Timestamp: row.Timestamp,
		})
	}
	return out
}

func (b *Broker) fetchConsumptions(ctx context.Context) []ConsumptionInfo {
	rows, err := b.store.RecentConsumptions(ctx, recentRowLimit)
	if err != nil {
		b.logger.Error("get_consumptions query failed", zap.Error(err))
		return []ConsumptionInfo{}
	}

	out := make([]ConsumptionInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, ConsumptionInfo{
			Consumer:  row.Consumer,
			Topic:     row.Topic,
			MessageID: row.MessageID,
			Message:   decodeStoredJSON(row.Message),
			Timestamp: row.Timestamp,
		})
	}
	return out
}

func (b *Broker) fetchGraphState(ctx context.Context) GraphState {
	var (
		producers, consumers, topics []string
		consumeLinks, publishLinks   []Link
		wg                           sync.WaitGroup
	)
	wg.Add(5)

	go func() {
		defer wg.Done()
		rows, err := b.store.DistinctProducers(ctx)
		if err != nil {
			b.logger.Error("graph producers query failed", zap.Error(err))
			return
		}
		producers = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := b.store.DistinctConsumers(ctx)
		if err != nil {
			b.logger.Error("graph consumers query failed", zap.Error(err))
			return
		}
		consumers = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := b.store.DistinctTopics(ctx)
		if err != nil {
			b.logger.Error("graph topics query failed", zap.Error(err))
			return
		}
		topics = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := b.store.ConsumeLinks(ctx)
		if err != nil {
			b.logger.Error("graph consume-links query failed", zap.Error(err))
			return
		}
		consumeLinks = storeLinksToBroker(rows)
	}()
	go func() {
		defer wg.Done()
		rows, err := b.store.PublishLinks(ctx)
		if err != nil {
			b.logger.Error("graph publish-links query failed", zap.Error(err))
			return
		}
		publishLinks = storeLinksToBroker(rows)
	}()

	wg.Wait()

	links := make([]Link, 0, len(consumeLinks)+len(publishLinks))
	links = append(links, consumeLinks...)
	links = append(links, publishLinks...)

	return GraphState{
		Producers: emptyIfNil(producers),
		Consumers: emptyIfNil(consumers),
		Topics:    emptyIfNil(topics),
		Links:     links,
	}
}

// publishEvent always emits to the bus; dashboard mode gates the *relay*
// pass (§9: "a process-wide boolean read on every ... event-bus relay
// pass"), not emission itself, so the bus stays a faithful event stream
// even while the dashboard is toggled off.
func (b *Broker) publishEvent(eventType string, data interface{}) {
	b.bus.Publish(eventType, data)
}

func (b *Broker) recordCacheOutcome(hit bool) {
	if hit {
		b.metrics.CacheHits.Inc()
	} else {
		b.metrics.CacheMisses.Inc()
	}
}

func storeLinksToBroker(links []store.Link) []Link {
	out := make([]Link, 0, len(links))
	for _, l := range links {
		out = append(out, Link{Source: l.Source, Target: l.Target, Type: l.Type})
	}
	return out
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
