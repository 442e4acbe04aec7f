package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/broker"
	"github.com/venantvr/pubsub-relay/internal/eventbus"
	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/router"
)

// sessionState models §4.F's state machine: Connecting -> Active ->
// Draining -> Closed. Closed is terminal and idempotent.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateActive
	stateDraining
	stateClosed
)

// session is one connected subscriber: the Session Handler of §4.F.
// Ingress is read on the goroutine that calls run(); a bus relay, an
// egress writer, and one topic-follower goroutine per subscribed topic
// run alongside it.
type session struct {
	id     string
	conn   net.Conn
	broker *broker.Broker
	logger *zap.Logger
	metrics *metrics.Registry

	egress chan []byte
	state  atomic.Int32

	followersMu sync.Mutex
	followers   []func() // unsubscribe funcs, one per joined room
	wildcard    bool     // true once this session holds the "__all__" follower

	busUnsub func()
}

func newSession(conn net.Conn, br *broker.Broker, logger *zap.Logger, reg *metrics.Registry) *session {
	id := uuid.NewString()
	s := &session{
		id:      id,
		conn:    conn,
		broker:  br,
		logger:  logger.With(zap.String("session", id)),
		metrics: reg,
		egress:  make(chan []byte, 256),
	}
	s.state.Store(int32(stateConnecting))
	return s
}

// run drives the session to completion: spawns the bus relay and egress
// writer, then blocks on the ingress loop until the connection closes.
func (s *session) run(ctx context.Context) {
	s.state.Store(int32(stateActive))
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	busCh, busUnsub := s.broker.EventBus().Subscribe()
	s.busUnsub = busUnsub

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.relayBusEvents(sessionCtx, busCh)
	}()
	go func() {
		defer wg.Done()
		s.writeEgress(sessionCtx)
	}()

	s.ingressLoop(sessionCtx)

	s.teardown()
	cancel()
	wg.Wait()
}

// relayBusEvents forwards observability events onto this session's egress
// channel, but only while dashboard mode is enabled (§9: the flag gates
// every event-bus relay pass).
func (s *session) relayBusEvents(ctx context.Context, busCh <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-busCh:
			if !ok {
				return
			}
			if !s.broker.DashboardEnabled() {
				continue
			}
			payload, err := eventbus.Marshal(evt)
			if err != nil {
				continue
			}
			s.enqueueEgress(payload)
		}
	}
}

// writeEgress is the single writer of the wire: every other goroutine only
// enqueues into s.egress.
func (s *session) writeEgress(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-s.egress:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, ws.OpText, payload); err != nil {
				s.logger.Debug("egress write failed", zap.String("session", s.id), zap.Error(err))
				return
			}
		}
	}
}

func (s *session) enqueueEgress(payload []byte) {
	select {
	case s.egress <- payload:
	default:
		s.logger.Warn("session egress saturated, dropping frame", zap.String("session", s.id))
	}
}

// ingressLoop reads frames, parses JSON, and dispatches on the "event"
// field. Unknown events are ignored; protocol garbage never closes the
// connection on its own.
func (s *session) ingressLoop(ctx context.Context) {
	reader := wsutil.NewReader(s.conn, ws.StateServerSide)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		header, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read frame error", zap.String("session", s.id), zap.Error(err))
			}
			return
		}

		switch header.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(s.conn, ws.OpPong, nil)
		case ws.OpText, ws.OpBinary:
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.dispatch(ctx, payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(header.Length)); err != nil {
				return
			}
		}
	}
}

type envelope struct {
	Event string `json:"event"`
}

type subscribeFrame struct {
	Consumer string   `json:"consumer"`
	Topics   []string `json:"topics"`
}

type consumedFrame struct {
	Consumer  string          `json:"consumer"`
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
}

func (s *session) dispatch(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return // protocol-level garbage: ignored, connection stays open
	}

	switch env.Event {
	case "subscribe":
		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		s.handleSubscribe(ctx, frame)
	case "consumed":
		var frame consumedFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		s.broker.SaveConsumption(frame.Consumer, frame.Topic, frame.MessageID, frame.Message)
	default:
		// unknown event strings are ignored
	}
}

// handleSubscribe registers every topic in frame.Topics and joins the
// matching rooms. A "*" topic means §4.F's wildcard subscription: it drops
// every topic-specific follower this session already holds and joins only
// the shared "__all__" room, so a session that subscribed to a topic and
// later sends "*" stops receiving that topic twice.
func (s *session) handleSubscribe(ctx context.Context, frame subscribeFrame) {
	wildcard := false
	for _, topic := range frame.Topics {
		if topic == router.WildcardTopic {
			wildcard = true
			break
		}
	}

	for _, topic := range frame.Topics {
		s.broker.RegisterSubscription(s.id, frame.Consumer, topic)
	}

	if wildcard {
		s.joinWildcardOnly(ctx)
		return
	}

	s.followersMu.Lock()
	alreadyWildcard := s.wildcard
	s.followersMu.Unlock()
	if alreadyWildcard {
		// "__all__" already covers every topic; adding a per-topic
		// follower here would just duplicate deliveries.
		return
	}

	for _, topic := range frame.Topics {
		s.joinRoom(ctx, topic)
	}
}

// joinWildcardOnly unsubscribes every topic-specific follower and joins the
// shared "__all__" room exactly once, even if "*" arrives repeatedly.
func (s *session) joinWildcardOnly(ctx context.Context) {
	s.followersMu.Lock()
	if s.wildcard {
		s.followersMu.Unlock()
		return
	}
	followers := s.followers
	s.followers = nil
	s.wildcard = true
	s.followersMu.Unlock()

	for _, unsub := range followers {
		unsub()
	}

	s.joinRoom(ctx, router.WildcardTopic)
}

// joinRoom attaches a topic-follower goroutine forwarding that room's
// broadcast-sender into this session's egress channel. A wildcard topic
// joins only the shared "__all__" room, never a per-topic room.
func (s *session) joinRoom(ctx context.Context, topic string) {
	ch, unsub := s.broker.Router().Join(topic)

	s.followersMu.Lock()
	s.followers = append(s.followers, unsub)
	s.followersMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				s.enqueueEgress(payload)
			}
		}
	}()
}

// teardown aborts the bus relay, egress writer, and every topic-follower
// goroutine, then unregisters the session from the broker. Idempotent:
// repeated calls are safe.
func (s *session) teardown() {
	if !s.state.CompareAndSwap(int32(stateActive), int32(stateDraining)) {
		return
	}

	s.followersMu.Lock()
	followers := s.followers
	s.followers = nil
	s.followersMu.Unlock()
	for _, unsub := range followers {
		unsub()
	}

	if s.busUnsub != nil {
		s.busUnsub()
	}

	s.broker.UnregisterClient(s.id)

	// s.egress is deliberately never closed: a topic-follower or bus-relay
	// goroutine may still be mid-send via enqueueEgress's non-blocking
	// select when teardown runs, and sending on a closed channel panics.
	// writeEgress and every follower exit via ctx cancellation instead.
	s.state.Store(int32(stateClosed))
}
