// Package sqldb is a backend on a relational database (SQLite through
// modernc.org/sqlite, no cgo).
//
// =============================================================================
// TOPICS AS TABLES
// =============================================================================
//
//	topics     (name, partitions, compacted)
//	records    (topic, partition_index, record_offset, record_key, value, ...)
//	offsets    (group_name, topic, partition_index, committed_offset)
//	producers  (transactional_id, epoch)
//
// A record's offset is MAX(record_offset)+1 of its partition, assigned inside
// the writing transaction. Writers are serialized by the database, so offsets
// of a partition are dense and only grow. Readers use their own connections
// (WAL mode) and see committed rows only: an open producer transaction is
// invisible until it commits, and a rolled back transaction leaves no trace.
// Unlike a broker, the offsets of an aborted transaction are reused.
//
// A transactional producer holds one database transaction from Begin to
// Commit. SendOffsets writes the group's offsets in that same transaction,
// which is what makes consume-transform-produce exactly-once here.
//
// Group membership is per process: each group has a partition.Allocator
// that splits partitions among the consumers created through this Backend.
//
// =============================================================================
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"messagebus/internal/backend"
	"messagebus/internal/metrics"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	name       TEXT PRIMARY KEY,
	partitions INTEGER NOT NULL,
	compacted  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS records (
	topic           TEXT NOT NULL,
	partition_index INTEGER NOT NULL,
	record_offset   INTEGER NOT NULL,
	record_key      BLOB,
	value           BLOB,
	tombstone       INTEGER NOT NULL DEFAULT 0,
	headers         TEXT,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (topic, partition_index, record_offset)
);

CREATE INDEX IF NOT EXISTS idx_records_key
ON records(topic, partition_index, record_key);

CREATE TABLE IF NOT EXISTS offsets (
	group_name       TEXT NOT NULL,
	topic            TEXT NOT NULL,
	partition_index  INTEGER NOT NULL,
	committed_offset INTEGER NOT NULL,
	PRIMARY KEY (group_name, topic, partition_index)
);

CREATE TABLE IF NOT EXISTS producers (
	transactional_id TEXT PRIMARY KEY,
	epoch            INTEGER NOT NULL
);
`

// Config configures a Backend.
type Config struct {
	// DSN is a file path or ":memory:". A memory database has a single
	// connection, so an open transaction blocks every reader.
	DSN string

	// PollInterval is how often an idle Poll re-reads the database. Writes
	// made through this Backend wake pollers at once.
	PollInterval time.Duration

	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.AllocatorMetrics
}

// Backend is the relational backend.
type Backend struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	producers map[string]*Producer
	notify    chan struct{}
	closed    bool

	allocMu    sync.Mutex
	allocators map[string]*partition.Allocator
}

var _ backend.Backend = (*Backend)(nil)

// Open opens (and if needed creates) the database behind cfg.DSN.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqldb: empty dsn")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsnWithOptions(cfg.DSN, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if isMemoryDSN(cfg.DSN) {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Backend{
		db:         db,
		cfg:        cfg,
		logger:     logger.With("component", "sql-backend"),
		producers:  make(map[string]*Producer),
		notify:     make(chan struct{}),
		allocators: make(map[string]*partition.Allocator),
	}, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// dsnWithOptions makes every transaction take the write lock at BEGIN and
// every connection wait for a busy lock instead of failing at once.
func dsnWithOptions(dsn string, busy time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		dsn, sep, busy.Milliseconds())
}

// classify tags database failures. A busy or locked database and a dropped
// connection are Intermittent; everything else keeps its (Fatal) default.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return messaging.Intermittent(op, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return messaging.Intermittent(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (b *Backend) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Backend) waitChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// =============================================================================
// TOPICS AND OFFSETS
// =============================================================================

// Topics implements backend.Backend.
func (b *Backend) Topics(ctx context.Context) (map[string]messaging.TopicInfo, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, partitions, compacted FROM topics`)
	if err != nil {
		return nil, classify("list topics", err)
	}
	defer rows.Close()

	out := make(map[string]messaging.TopicInfo)
	for rows.Next() {
		var info messaging.TopicInfo
		if err := rows.Scan(&info.Name, &info.Partitions, &info.Compacted); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out[info.Name] = info
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list topics", err)
	}
	return out, nil
}

// CreateTopic implements backend.Backend.
func (b *Backend) CreateTopic(ctx context.Context, info messaging.TopicInfo) error {
	if info.Name == "" || info.Partitions <= 0 {
		return fmt.Errorf("create topic %q: need a name and a positive partition count", info.Name)
	}
	if _, err := b.db.ExecContext(ctx, `
		INSERT INTO topics (name, partitions, compacted) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, info.Name, info.Partitions, info.Compacted); err != nil {
		return classify("create topic", err)
	}

	var partitions int
	if err := b.db.QueryRowContext(ctx, `SELECT partitions FROM topics WHERE name = ?`, info.Name).Scan(&partitions); err != nil {
		return classify("create topic", err)
	}
	if partitions != info.Partitions {
		return fmt.Errorf("create topic %s: exists with %d partitions", info.Name, partitions)
	}
	return nil
}

func (b *Backend) topicInfo(ctx context.Context, q querier, name string) (messaging.TopicInfo, error) {
	info := messaging.TopicInfo{Name: name}
	err := q.QueryRowContext(ctx, `SELECT partitions, compacted FROM topics WHERE name = ?`, name).
		Scan(&info.Partitions, &info.Compacted)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("%w: %s", partition.ErrUnknownTopic, name)
	}
	if err != nil {
		return info, classify("load topic", err)
	}
	return info, nil
}

// CommittedOffsets implements backend.Backend.
func (b *Backend) CommittedOffsets(ctx context.Context, group string) (map[string]map[int]int64, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT topic, partition_index, committed_offset FROM offsets WHERE group_name = ?
	`, group)
	if err != nil {
		return nil, classify("committed offsets", err)
	}
	defer rows.Close()

	out := make(map[string]map[int]int64)
	for rows.Next() {
		var (
			topic string
			p     int
			off   int64
		)
		if err := rows.Scan(&topic, &p, &off); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		if out[topic] == nil {
			out[topic] = make(map[int]int64)
		}
		out[topic][p] = off
	}
	if err := rows.Err(); err != nil {
		return nil, classify("committed offsets", err)
	}
	return out, nil
}

func (b *Backend) committed(ctx context.Context, group, topic string, p int) (int64, bool, error) {
	var off int64
	err := b.db.QueryRowContext(ctx, `
		SELECT committed_offset FROM offsets
		WHERE group_name = ? AND topic = ? AND partition_index = ?
	`, group, topic, p).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("load committed offset", err)
	}
	return off, true, nil
}

func (b *Backend) endOffset(ctx context.Context, q querier, topic string, p int) (int64, error) {
	var end int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(record_offset) + 1, 0) FROM records
		WHERE topic = ? AND partition_index = ?
	`, topic, p).Scan(&end)
	if err != nil {
		return 0, classify("load end offset", err)
	}
	return end, nil
}

// writeOffsets upserts the offsets after records for group.
func writeOffsets(ctx context.Context, tx *sql.Tx, group string, records []messaging.ConsumedRecord) error {
	for tp, off := range messaging.CommittedOffsets(records) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offsets (group_name, topic, partition_index, committed_offset)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(group_name, topic, partition_index)
			DO UPDATE SET committed_offset = excluded.committed_offset
		`, group, tp.Topic, tp.Partition, off); err != nil {
			return classify("write offsets", err)
		}
	}
	return nil
}

// Compact deletes every record of a compacted topic that a later record
// with the same key supersedes. Offsets of the remaining records are kept.
// It returns the number of records removed.
func (b *Backend) Compact(ctx context.Context, topic string) (int64, error) {
	info, err := b.topicInfo(ctx, b.db, topic)
	if err != nil {
		return 0, err
	}
	if !info.Compacted {
		return 0, fmt.Errorf("compact %s: topic is not compacted", topic)
	}
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE topic = ? AND EXISTS (
			SELECT 1 FROM records later
			WHERE later.topic = records.topic
			  AND later.partition_index = records.partition_index
			  AND later.record_key = records.record_key
			  AND later.record_offset > records.record_offset
		)
	`, topic)
	if err != nil {
		return 0, classify("compact", err)
	}
	n, _ := res.RowsAffected()
	b.logger.Info("topic compacted", "topic", topic, "removed", n)
	return n, nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
	producers := make([]*Producer, 0, len(b.producers))
	for _, p := range b.producers {
		producers = append(producers, p)
	}
	b.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}

	b.allocMu.Lock()
	for _, a := range b.allocators {
		a.Stop()
	}
	b.allocMu.Unlock()

	return b.db.Close()
}

func (b *Backend) allocator(ctx context.Context, group string) (*partition.Allocator, error) {
	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	if a, ok := b.allocators[group]; ok {
		return a, nil
	}
	a := partition.NewAllocator(partition.AllocatorConfig{
		Source:  b,
		Logger:  b.logger.With("group", group),
		Metrics: b.cfg.Metrics,
	})
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	b.allocators[group] = a
	return a, nil
}

// querier is what *sql.DB and *sql.Tx have in common.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
