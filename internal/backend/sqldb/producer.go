package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

// Producer writes records to the database.
//
// A transactional producer owns an epoch in the producers table. Creating a
// producer with the same transactional id bumps the epoch; the older one
// finds out at its next Begin or Commit and fails with ErrFenced. Inside one
// process the older producer is also fenced immediately and its open
// transaction rolled back.
type Producer struct {
	b     *Backend
	txnID string
	epoch int64

	mu     sync.Mutex
	tx     *sql.Tx
	fenced bool
	closed bool
}

var _ backend.Producer = (*Producer)(nil)

// NewProducer implements backend.Backend.
func (b *Backend) NewProducer(ctx context.Context, cfg backend.ProducerConfig) (backend.Producer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}
	p := &Producer{b: b, txnID: cfg.TransactionalID}
	if p.txnID == "" {
		return p, nil
	}

	b.mu.Lock()
	old := b.producers[p.txnID]
	b.producers[p.txnID] = p
	b.mu.Unlock()
	if old != nil {
		old.fence()
		b.logger.Debug("producer fenced", "transactional_id", p.txnID)
	}

	epoch, err := b.bumpEpoch(ctx, p.txnID)
	if err != nil {
		b.mu.Lock()
		if b.producers[p.txnID] == p {
			delete(b.producers, p.txnID)
		}
		b.mu.Unlock()
		return nil, err
	}
	p.epoch = epoch
	return p, nil
}

func (b *Backend) bumpEpoch(ctx context.Context, txnID string) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("register producer", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO producers (transactional_id, epoch) VALUES (?, 1)
		ON CONFLICT(transactional_id) DO UPDATE SET epoch = epoch + 1
	`, txnID); err != nil {
		return 0, classify("register producer", err)
	}
	var epoch int64
	if err := tx.QueryRowContext(ctx, `SELECT epoch FROM producers WHERE transactional_id = ?`, txnID).Scan(&epoch); err != nil {
		return 0, classify("register producer", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("register producer", err)
	}
	return epoch, nil
}

func (p *Producer) fence() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollbackLocked()
	p.fenced = true
}

// Transactional implements backend.Producer.
func (p *Producer) Transactional() bool { return p.txnID != "" }

func (p *Producer) usableLocked(op string) error {
	if p.closed {
		return messaging.Fatal(op, backend.ErrClosed)
	}
	if p.fenced {
		return messaging.Fatal(op, backend.ErrFenced)
	}
	return nil
}

// checkEpochLocked fails with ErrFenced once a newer producer has taken
// the transactional id, possibly from another process.
func (p *Producer) checkEpochLocked(ctx context.Context, op string) error {
	var epoch int64
	err := p.tx.QueryRowContext(ctx, `SELECT epoch FROM producers WHERE transactional_id = ?`, p.txnID).Scan(&epoch)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(op, err)
	}
	if epoch != p.epoch {
		p.rollbackLocked()
		p.fenced = true
		return messaging.Fatal(op, backend.ErrFenced)
	}
	return nil
}

// Begin implements backend.Producer.
func (p *Producer) Begin(ctx context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked("begin"); err != nil {
		return err
	}
	if p.tx != nil {
		return fmt.Errorf("begin %s: transaction already open", p.txnID)
	}

	// the transaction outlives the Begin call, so it must not die with ctx
	tx, err := p.b.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return classify("begin", err)
	}
	p.tx = tx
	return p.checkEpochLocked(ctx, "begin")
}

// Send implements backend.Producer.
func (p *Producer) Send(ctx context.Context, records []messaging.Record) ([]messaging.RecordMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked("send"); err != nil {
		return nil, err
	}

	if p.Transactional() {
		if p.tx == nil {
			return nil, backend.ErrNoTransaction
		}
		return p.b.insertRecords(ctx, p.tx, records)
	}

	tx, err := p.b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("send", err)
	}
	md, err := p.b.insertRecords(ctx, tx, records)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("send", err)
	}
	p.b.signal()
	return md, nil
}

// insertRecords appends records to their partitions inside tx. Every topic
// is checked before anything is written.
func (b *Backend) insertRecords(ctx context.Context, tx *sql.Tx, records []messaging.Record) ([]messaging.RecordMetadata, error) {
	topics := make(map[string]messaging.TopicInfo)
	for _, r := range records {
		if _, ok := topics[r.Topic]; ok {
			continue
		}
		info, err := b.topicInfo(ctx, tx, r.Topic)
		if err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
		topics[r.Topic] = info
	}

	now := time.Now()
	next := make(map[messaging.TopicPartition]int64)
	out := make([]messaging.RecordMetadata, len(records))
	for i, r := range records {
		tp := messaging.TopicPartition{Topic: r.Topic, Partition: partition.Assign(r.Key, topics[r.Topic].Partitions)}
		off, ok := next[tp]
		if !ok {
			end, err := b.endOffset(ctx, tx, tp.Topic, tp.Partition)
			if err != nil {
				return nil, err
			}
			off = end
		}
		next[tp] = off + 1

		var headers sql.NullString
		if len(r.Headers) > 0 {
			data, err := json.Marshal(r.Headers)
			if err != nil {
				return nil, fmt.Errorf("encode headers: %w", err)
			}
			headers = sql.NullString{String: string(data), Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (topic, partition_index, record_offset, record_key, value, tombstone, headers, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, tp.Topic, tp.Partition, off, r.Key, r.Value, r.IsTombstone(), headers, now.UnixNano()); err != nil {
			return nil, classify("send", err)
		}
		out[i] = messaging.RecordMetadata{Topic: tp.Topic, Partition: tp.Partition, Offset: off, Timestamp: now}
	}
	return out, nil
}

// SendOffsets implements backend.Producer.
func (p *Producer) SendOffsets(ctx context.Context, group string, records []messaging.ConsumedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked("send offsets"); err != nil {
		return err
	}
	if p.tx == nil {
		return backend.ErrNoTransaction
	}
	return writeOffsets(ctx, p.tx, group, records)
}

// Commit implements backend.Producer.
func (p *Producer) Commit(ctx context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked("commit"); err != nil {
		return err
	}
	if p.tx == nil {
		return backend.ErrNoTransaction
	}
	if err := p.checkEpochLocked(ctx, "commit"); err != nil {
		p.rollbackLocked()
		return err
	}

	tx := p.tx
	p.tx = nil
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit %s: %w: %v", p.txnID, backend.ErrTransactionAborted, err)
	}
	p.b.signal()
	return nil
}

// Abort implements backend.Producer.
func (p *Producer) Abort(context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked("abort"); err != nil {
		return err
	}
	p.rollbackLocked()
	return nil
}

func (p *Producer) rollbackLocked() {
	if p.tx == nil {
		return
	}
	if err := p.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		p.b.logger.Warn("rollback failed", "transactional_id", p.txnID, "error", err)
	}
	p.tx = nil
}

// Close implements backend.Producer. An open transaction is rolled back.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.rollbackLocked()
	p.closed = true
	p.mu.Unlock()

	if p.txnID != "" {
		p.b.mu.Lock()
		if p.b.producers[p.txnID] == p {
			delete(p.b.producers, p.txnID)
		}
		p.b.mu.Unlock()
	}
	return nil
}
