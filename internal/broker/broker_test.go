package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/batcher"
	"github.com/venantvr/pubsub-relay/internal/config"
	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/store"
)

var (
	sharedMetrics     *metrics.Registry
	sharedMetricsOnce sync.Once
)

func testMetrics(t *testing.T) *metrics.Registry {
	t.Helper()
	sharedMetricsOnce.Do(func() {
		sharedMetrics = metrics.NewRegistry()
	})
	return sharedMetrics
}

func newTestBroker(t *testing.T) (*Broker, func()) {
	t.Helper()

	s, err := store.Open(context.Background(), ":memory:", 1, zap.NewNop())
	require.NoError(t, err)

	b := batcher.New(s, zap.NewNop(), testMetrics(t), 500, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	cfg := config.BrokerConfig{
		BatchSize:        500,
		BatchInterval:    5 * time.Millisecond,
		RetentionPeriod:  time.Hour,
		MaxMessages:      1000,
		MaxConsumptions:  1000,
		MaxAge:           24 * time.Hour,
		CacheTTL:         50 * time.Millisecond,
		EventBusCapacity: 16,
		RoomCapacity:     16,
		DashboardDefault: false,
	}

	br := New(cfg, s, b, testMetrics(t), zap.NewNop())

	cleanup := func() {
		cancel()
		b.Wait()
		_ = s.Close()
	}
	return br, cleanup
}

func TestRegisterSubscriptionRejectsMissingFields(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	busCh, unsub := br.EventBus().Subscribe()
	defer unsub()

	br.RegisterSubscription("", "consumer", "topic")

	select {
	case <-busCh:
		t.Fatal("expected no event for an invalid registration")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegisterSubscriptionEmitsNewClientAndPopulatesRegistry(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	busCh, unsub := br.EventBus().Subscribe()
	defer unsub()

	br.RegisterSubscription("sid-1", "consumer-a", "orders")

	select {
	case evt := <-busCh:
		assert.Equal(t, "new_client", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for new_client event")
	}

	clients := br.GetClients()
	require.Len(t, clients, 1)
	assert.Equal(t, "consumer-a", clients[0].Consumer)
	assert.Equal(t, "orders", clients[0].Topic)
}

func TestUnregisterClientEmitsDisconnectPerTopic(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	br.RegisterSubscription("sid-1", "consumer-a", "orders")
	br.RegisterSubscription("sid-1", "consumer-a", "shipping")

	busCh, unsub := br.EventBus().Subscribe()
	defer unsub()

	br.UnregisterClient("sid-1")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-busCh:
			assert.Equal(t, "client_disconnected", evt.Type)
			data := evt.Data.(map[string]interface{})
			seen[data["topic"].(string)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for client_disconnected events")
		}
	}
	assert.True(t, seen["orders"])
	assert.True(t, seen["shipping"])
	assert.Empty(t, br.GetClients())
}

func TestSaveMessageEmitsNewMessageAndPersistsEventually(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	busCh, unsub := br.EventBus().Subscribe()
	defer unsub()

	info := br.SaveMessage("orders", "m1", json.RawMessage(`{"x":1}`), "producer-a")
	assert.Equal(t, "orders", info.Topic)
	assert.Equal(t, "m1", info.MessageID)

	select {
	case evt := <-busCh:
		assert.Equal(t, "new_message", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for new_message event")
	}

	require.Eventually(t, func() bool {
		msgs := br.GetMessages(context.Background())
		return len(msgs) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestGetMessagesCachesUnderDashboardMode(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	br.SetDashboardEnabled(true)
	br.SaveMessage("orders", "m1", json.RawMessage(`{}`), "producer-a")

	require.Eventually(t, func() bool {
		return len(br.GetMessages(context.Background())) == 1
	}, time.Second, 10*time.Millisecond)

	// A second publish lands durably but the cached read should still
	// reflect the first snapshot until the TTL elapses.
	br.SaveMessage("orders", "m2", json.RawMessage(`{}`), "producer-a")
	time.Sleep(5 * time.Millisecond)
	cached := br.GetMessages(context.Background())
	assert.Len(t, cached, 1)

	time.Sleep(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(br.GetMessages(context.Background())) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestGetGraphStateReturnsProducerAndBothLinkKinds(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	br.SaveMessage("orders", "m1", json.RawMessage(`{}`), "producer-a")
	br.RegisterSubscription("sid-1", "consumer-a", "orders")

	require.Eventually(t, func() bool {
		state := br.GetGraphState(context.Background())
		return len(state.Producers) == 1 && len(state.Links) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDashboardRelayGateDoesNotBlockEmission(t *testing.T) {
	br, cleanup := newTestBroker(t)
	defer cleanup()

	busCh, unsub := br.EventBus().Subscribe()
	defer unsub()

	assert.False(t, br.DashboardEnabled())
	br.SaveMessage("orders", "m1", json.RawMessage(`{}`), "producer-a")

	select {
	case evt := <-busCh:
		assert.Equal(t, "new_message", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("bus emission must not be gated by dashboard mode")
	}
}
