// Package batcher is the single consumer of the durable-write command
// queue. It coalesces writes into bounded transactions so the hot publish
// path never blocks on disk.
package batcher

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/metrics"
	"github.com/venantvr/pubsub-relay/internal/store"
)

// Command is one of the four durable write commands the broker enqueues.
type Command interface {
	apply(ctx context.Context, s *store.Store, tx *sql.Tx) error
}

// RegisterSubscription records a new/idempotent subscription row.
type RegisterSubscription struct {
	SID         string
	Consumer    string
	Topic       string
	ConnectedAt float64
}

func (c RegisterSubscription) apply(ctx context.Context, s *store.Store, tx *sql.Tx) error {
	return s.UpsertSubscription(ctx, tx, store.Subscription{
		SID: c.SID, Consumer: c.Consumer, Topic: c.Topic, ConnectedAt: c.ConnectedAt,
	})
}

// SaveMessage appends a published message.
type SaveMessage struct {
	Topic     string
	MessageID string
	Message   string
	Producer  string
	Timestamp float64
}

func (c SaveMessage) apply(ctx context.Context, s *store.Store, tx *sql.Tx) error {
	return s.InsertMessage(ctx, tx, store.Message{
		Topic: c.Topic, MessageID: c.MessageID, Message: c.Message, Producer: c.Producer, Timestamp: c.Timestamp,
	})
}

// SaveConsumption appends a consumption acknowledgement.
type SaveConsumption struct {
	Consumer  string
	Topic     string
	MessageID string
	Message   string
	Timestamp float64
}

func (c SaveConsumption) apply(ctx context.Context, s *store.Store, tx *sql.Tx) error {
	return s.InsertConsumption(ctx, tx, store.Consumption{
		Consumer: c.Consumer, Topic: c.Topic, MessageID: c.MessageID, Message: c.Message, Timestamp: c.Timestamp,
	})
}

// UnregisterClient deletes the durable row for a disconnected session.
type UnregisterClient struct {
	SID string
}

func (c UnregisterClient) apply(ctx context.Context, s *store.Store, tx *sql.Tx) error {
	return s.DeleteSubscription(ctx, tx, c.SID)
}

// Batcher owns the FIFO command queue and the single background flush loop.
// The queue is bounded at 4096 pending commands; it does not grow beyond
// that, and Enqueue drops commands that arrive while it is full.
type Batcher struct {
	store    *store.Store
	logger   *zap.Logger
	metrics  *metrics.Registry
	queue    chan Command
	capacity int
	interval time.Duration
	done     chan struct{}
}

// New creates a batcher. Call Run to start its background flush loop.
func New(s *store.Store, logger *zap.Logger, reg *metrics.Registry, capacity int, interval time.Duration) *Batcher {
	if capacity <= 0 {
		capacity = 500
	}
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	return &Batcher{
		store:    s,
		logger:   logger,
		metrics:  reg,
		queue:    make(chan Command, 4096),
		capacity: capacity,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Enqueue submits a command for durable persistence. It never blocks the
// caller: when the queue already holds 4096 commands the command is dropped
// and a warning is logged. Commands enqueued after the batcher has shut
// down are never written (failure semantics §7: "Queue-enqueue failure:
// drop, no error").
func (b *Batcher) Enqueue(cmd Command) {
	select {
	case b.queue <- cmd:
	default:
		// Queue is saturated; drop rather than block the hot path.
		b.logger.Warn("batcher queue saturated, dropping command")
	}
}

// Run starts the background flush loop and blocks until ctx is cancelled.
// It multiplexes on the command queue and a fixed tick, exactly as §4.B
// describes: buffer fills to capacity or flushes on the next tick.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	buffer := make([]Command, 0, b.capacity)

	for {
		select {
		case <-ctx.Done():
			if len(buffer) > 0 {
				b.flush(context.Background(), buffer)
			}
			return

		case cmd := <-b.queue:
			buffer = append(buffer, cmd)
			if len(buffer) >= b.capacity {
				b.flush(ctx, buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			if len(buffer) > 0 {
				b.flush(ctx, buffer)
				buffer = buffer[:0]
			}
		}
	}
}

// Wait blocks until the flush loop has exited after ctx cancellation.
func (b *Batcher) Wait() {
	<-b.done
}

// flush opens one transaction, executes the buffered commands in FIFO
// order, and commits. On the first per-command error it rolls back the
// entire transaction and drops every command in the buffer: this is
// at-most-once delivery for persistence.
func (b *Batcher) flush(ctx context.Context, buffer []Command) {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		b.logger.Error("batcher: begin transaction failed", zap.Error(err))
		b.metrics.BatchFlushFailures.Inc()
		b.metrics.BatchCommandsDropped.Add(float64(len(buffer)))
		return
	}

	for _, cmd := range buffer {
		if err := cmd.apply(ctx, b.store, tx); err != nil {
			b.logger.Error("batcher: command failed, rolling back batch", zap.Error(err))
			if rbErr := tx.Rollback(); rbErr != nil {
				b.logger.Error("batcher: rollback failed", zap.Error(rbErr))
			}
			b.metrics.BatchFlushFailures.Inc()
			b.metrics.BatchCommandsDropped.Add(float64(len(buffer)))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		b.logger.Error("batcher: commit failed", zap.Error(err))
		b.metrics.BatchFlushFailures.Inc()
		b.metrics.BatchCommandsDropped.Add(float64(len(buffer)))
		return
	}

	b.metrics.BatchFlushes.Inc()
}
