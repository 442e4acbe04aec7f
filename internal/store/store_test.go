package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", 1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesMigrationsAndPings(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestInsertAndRecentMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InsertMessage(ctx, tx, Message{
		Topic: "orders", MessageID: "m1", Message: `{"ok":true}`, Producer: "svc-a", Timestamp: 1.0,
	}))
	require.NoError(t, s.InsertMessage(ctx, tx, Message{
		Topic: "orders", MessageID: "m2", Message: `{"ok":false}`, Producer: "svc-a", Timestamp: 2.0,
	}))
	require.NoError(t, tx.Commit())

	rows, err := s.RecentMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m2", rows[0].MessageID) // newest first
	assert.Equal(t, "m1", rows[1].MessageID)
}

func TestUpsertSubscriptionIsIdempotentPerSIDAndTopic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertSubscription(ctx, tx, Subscription{SID: "sid-1", Consumer: "c1", Topic: "orders", ConnectedAt: 1.0}))
	require.NoError(t, s.UpsertSubscription(ctx, tx, Subscription{SID: "sid-1", Consumer: "c1", Topic: "orders", ConnectedAt: 2.0}))
	require.NoError(t, tx.Commit())

	consumers, err := s.DistinctConsumers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, consumers)
}

func TestDeleteSubscriptionRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertSubscription(ctx, tx, Subscription{SID: "sid-1", Consumer: "c1", Topic: "orders", ConnectedAt: 1.0}))
	require.NoError(t, tx.Commit())

	tx2, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DeleteSubscription(ctx, tx2, "sid-1"))
	require.NoError(t, tx2.Commit())

	consumers, err := s.DistinctConsumers(ctx)
	require.NoError(t, err)
	assert.Empty(t, consumers)
}

func TestPurgeRespectsCapAndAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertMessage(ctx, tx, Message{
			Topic: "t", MessageID: "m", Message: "{}", Producer: "p", Timestamp: float64(i),
		}))
	}
	require.NoError(t, tx.Commit())

	result, err := s.Purge(ctx, time.Unix(0, 0).Add(time.Duration(10)*time.Second), 2, 2, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.MessagesDeleted)

	rows, err := s.RecentMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestConsumeAndPublishLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InsertMessage(ctx, tx, Message{Topic: "orders", MessageID: "m1", Message: "{}", Producer: "svc-a", Timestamp: 1.0}))
	require.NoError(t, s.UpsertSubscription(ctx, tx, Subscription{SID: "sid-1", Consumer: "svc-b", Topic: "orders", ConnectedAt: 1.0}))
	require.NoError(t, tx.Commit())

	publishLinks, err := s.PublishLinks(ctx)
	require.NoError(t, err)
	require.Len(t, publishLinks, 1)
	assert.Equal(t, Link{Source: "svc-a", Target: "orders", Type: "publish"}, publishLinks[0])

	consumeLinks, err := s.ConsumeLinks(ctx)
	require.NoError(t, err)
	require.Len(t, consumeLinks, 1)
	assert.Equal(t, Link{Source: "orders", Target: "svc-b", Type: "consume"}, consumeLinks[0])
}
