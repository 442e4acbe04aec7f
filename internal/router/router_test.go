package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversToTopicSubscriberOnly(t *testing.T) {
	rt := New(10, zap.NewNop(), nil)

	chT, unsubT := rt.Join("T")
	defer unsubT()
	chOther, unsubOther := rt.Join("other")
	defer unsubOther()

	rt.Publish("T", []byte("m1"))

	select {
	case msg := <-chT:
		assert.Equal(t, "m1", string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected message on topic T")
	}

	select {
	case <-chOther:
		t.Fatal("subscriber of a different topic must not receive it")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSubscriberReceivesEveryTopic(t *testing.T) {
	rt := New(10, zap.NewNop(), nil)

	chAll, unsub := rt.Join(WildcardTopic)
	defer unsub()

	rt.Publish("A", []byte("m1"))
	rt.Publish("B", []byte("m2"))
	rt.Publish("C", []byte("m3"))

	got := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case msg := <-chAll:
			got = append(got, string(msg))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	require.Equal(t, []string{"m1", "m2", "m3"}, got)
}

func TestTopicSubscriberDoesNotReceiveWildcardRoom(t *testing.T) {
	rt := New(10, zap.NewNop(), nil)

	chT, unsub := rt.Join("T")
	defer unsub()

	rt.Publish("other-topic", []byte("m1"))

	select {
	case <-chT:
		t.Fatal("topic subscriber must not see unrelated topic deliveries")
	case <-time.After(50 * time.Millisecond):
	}
}
