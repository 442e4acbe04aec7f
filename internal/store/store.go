package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// Store wraps the embedded relational store: schema migrations, CRUD for
// the four record kinds, and the retention purge.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the embedded store, applies the pragma sequence for
// concurrent reads during writes, runs any pending migrations, and
// collects query-planner statistics.
func Open(ctx context.Context, databaseFile string, maxConnections int, logger *zap.Logger) (*Store, error) {
	dsn := databaseFile
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(5000)", dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if maxConnections <= 0 {
		maxConnections = 10
	}
	db.SetMaxOpenConns(maxConnections)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -128000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 536870912",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA auto_vacuum = INCREMENTAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	// Best-effort: not all in-memory configurations support a WAL checkpoint.
	_, _ = db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")

	if err := applyMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		logger.Warn("ANALYZE failed", zap.Error(err))
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is the health-check probe: it mirrors the original's "acquire a
// pooled connection" check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSubscription inserts or replaces a subscription row.
func (s *Store) UpsertSubscription(ctx context.Context, tx *sql.Tx, sub Subscription) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO subscriptions (sid, consumer, topic, connected_at) VALUES (?, ?, ?, ?)",
		sub.SID, sub.Consumer, sub.Topic, sub.ConnectedAt,
	)
	return err
}

// DeleteSubscription removes every row for a session id.
func (s *Store) DeleteSubscription(ctx context.Context, tx *sql.Tx, sid string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM subscriptions WHERE sid = ?", sid)
	return err
}

// InsertMessage appends a message row.
func (s *Store) InsertMessage(ctx context.Context, tx *sql.Tx, msg Message) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO messages (topic, message_id, message, producer, timestamp) VALUES (?, ?, ?, ?, ?)",
		msg.Topic, msg.MessageID, msg.Message, msg.Producer, msg.Timestamp,
	)
	return err
}

// InsertConsumption appends a consumption row.
func (s *Store) InsertConsumption(ctx context.Context, tx *sql.Tx, c Consumption) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO consumptions (consumer, topic, message_id, message, timestamp) VALUES (?, ?, ?, ?, ?)",
		c.Consumer, c.Topic, c.MessageID, c.Message, c.Timestamp,
	)
	return err
}

// Begin starts a transaction for the write batcher.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// RecentMessages returns the newest `limit` messages, descending by timestamp.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT topic, message_id, message, producer, timestamp FROM messages ORDER BY timestamp DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Topic, &m.MessageID, &m.Message, &m.Producer, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentConsumptions returns the newest `limit` consumptions, descending by timestamp.
func (s *Store) RecentConsumptions(ctx context.Context, limit int) ([]Consumption, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT consumer, topic, message_id, message, timestamp FROM consumptions ORDER BY timestamp DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Consumption
	for rows.Next() {
		var c Consumption
		if err := rows.Scan(&c.Consumer, &c.Topic, &c.MessageID, &c.Message, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DistinctProducers returns every producer that has ever published.
func (s *Store) DistinctProducers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, "SELECT DISTINCT producer FROM messages")
}

// DistinctConsumers returns every consumer known from live or historical subscriptions.
func (s *Store) DistinctConsumers(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT consumer FROM subscriptions UNION SELECT DISTINCT consumer FROM consumptions")
}

// DistinctTopics returns every topic seen in messages or subscriptions.
func (s *Store) DistinctTopics(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		"SELECT DISTINCT topic FROM messages UNION SELECT DISTINCT topic FROM subscriptions")
}

// ConsumeLinks returns the historical+live topic->consumer edges.
func (s *Store) ConsumeLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT topic, consumer FROM subscriptions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var topic, consumer string
		if err := rows.Scan(&topic, &consumer); err != nil {
			return nil, err
		}
		links = append(links, Link{Source: topic, Target: consumer, Type: "consume"})
	}
	return links, rows.Err()
}

// PublishLinks returns the distinct producer->topic edges derived from messages.
func (s *Store) PublishLinks(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT producer, topic FROM messages")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var producer, topic string
		if err := rows.Scan(&producer, &topic); err != nil {
			return nil, err
		}
		links = append(links, Link{Source: producer, Target: topic, Type: "publish"})
	}
	return links, rows.Err()
}

func (s *Store) queryStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeResult summarizes a single retention sweep.
type PurgeResult struct {
	MessagesDeleted     int64
	ConsumptionsDeleted int64
}

// Purge runs the retention sweep in a single transaction: messages first
// (keep the top maxMessages by timestamp, drop anything older than maxAge),
// then consumptions symmetrically. Any per-table error rolls back the
// whole purge.
func (s *Store) Purge(ctx context.Context, now time.Time, maxMessages, maxConsumptions int, maxAge time.Duration) (PurgeResult, error) {
	cutoff := float64(now.Add(-maxAge).UnixNano()) / 1e9

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("begin purge: %w", err)
	}

	var result PurgeResult

	msgRes, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY timestamp DESC LIMIT ?
		) OR timestamp < ?`,
		maxMessages, cutoff,
	)
	if err != nil {
		_ = tx.Rollback()
		return PurgeResult{}, fmt.Errorf("purge messages: %w", err)
	}
	if n, err := msgRes.RowsAffected(); err == nil {
		result.MessagesDeleted = n
	}

	consRes, err := tx.ExecContext(ctx,
		`DELETE FROM consumptions WHERE id NOT IN (
			SELECT id FROM consumptions ORDER BY timestamp DESC LIMIT ?
		) OR timestamp < ?`,
		maxConsumptions, cutoff,
	)
	if err != nil {
		_ = tx.Rollback()
		return PurgeResult{}, fmt.Errorf("purge consumptions: %w", err)
	}
	if n, err := consRes.RowsAffected(); err == nil {
		result.ConsumptionsDeleted = n
	}

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("commit purge: %w", err)
	}

	return result, nil
}
