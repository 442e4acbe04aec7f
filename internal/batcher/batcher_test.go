package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/store"
)

// sharedMetrics avoids re-registering Prometheus collectors across the
// several tests in this package (promauto panics on duplicate registration).
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

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", 1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueAndFlushOnCapacity(t *testing.T) {
	s := openTestStore(t)
	b := New(s, zap.NewNop(), testMetrics(t), 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer func() {
		cancel()
		b.Wait()
	}()

	b.Enqueue(SaveMessage{Topic: "t", MessageID: "m1", Message: "{}", Producer: "p", Timestamp: 1})
	b.Enqueue(SaveMessage{Topic: "t", MessageID: "m2", Message: "{}", Producer: "p", Timestamp: 2})

	require.Eventually(t, func() bool {
		rows, err := s.RecentMessages(context.Background(), 10)
		return err == nil && len(rows) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestFlushOnTickerWithPartialBuffer(t *testing.T) {
	s := openTestStore(t)
	b := New(s, zap.NewNop(), testMetrics(t), 500, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer func() {
		cancel()
		b.Wait()
	}()

	b.Enqueue(SaveMessage{Topic: "t", MessageID: "m1", Message: "{}", Producer: "p", Timestamp: 1})

	require.Eventually(t, func() bool {
		rows, err := s.RecentMessages(context.Background(), 10)
		return err == nil && len(rows) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFlushOnContextCancelDrainsBuffer(t *testing.T) {
	s := openTestStore(t)
	b := New(s, zap.NewNop(), testMetrics(t), 500, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.Enqueue(SaveMessage{Topic: "t", MessageID: "m1", Message: "{}", Producer: "p", Timestamp: 1})
	time.Sleep(20 * time.Millisecond) // let Enqueue land in the select loop
	cancel()
	b.Wait()

	rows, err := s.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRegisterThenUnregisterRoundTrips(t *testing.T) {
	s := openTestStore(t)
	b := New(s, zap.NewNop(), testMetrics(t), 500, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)
	defer func() {
		cancel()
		b.Wait()
	}()

	b.Enqueue(RegisterSubscription{SID: "sid-1", Consumer: "c1", Topic: "orders", ConnectedAt: 1})

	require.Eventually(t, func() bool {
		consumers, err := s.DistinctConsumers(context.Background())
		return err == nil && len(consumers) == 1
	}, time.Second, 10*time.Millisecond)

	b.Enqueue(UnregisterClient{SID: "sid-1"})

	require.Eventually(t, func() bool {
		consumers, err := s.DistinctConsumers(context.Background())
		return err == nil && len(consumers) == 0
	}, time.Second, 10*time.Millisecond)
}
