package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

// unresolved marks a partition whose start offset is looked up on the next
// fetch. Assignment callbacks run inside the allocator and stay off the
// database.
const unresolved int64 = -1

// Consumer reads one topic from the database.
type Consumer struct {
	b      *Backend
	cfg    backend.ConsumerConfig
	member *groupMember

	mu        sync.Mutex
	positions map[int]int64
	closed    bool
}

var _ backend.Consumer = (*Consumer)(nil)

type groupMember struct {
	c *Consumer
}

func (m *groupMember) OnPartitionsAssigned(topic string, partitions []int) {
	c := m.c
	c.mu.Lock()
	for _, p := range partitions {
		c.positions[p] = unresolved
	}
	c.mu.Unlock()
	c.b.signal()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsAssigned(topic, partitions)
	}
}

func (m *groupMember) OnPartitionsUnassigned(topic string, partitions []int) {
	c := m.c
	c.mu.Lock()
	for _, p := range partitions {
		delete(c.positions, p)
	}
	c.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsUnassigned(topic, partitions)
	}
}

// NewConsumer implements backend.Backend. A consumer without a group is
// positioned before NewConsumer returns, so StartLatest means "after
// everything committed by now".
func (b *Backend) NewConsumer(ctx context.Context, cfg backend.ConsumerConfig) (backend.Consumer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}
	if cfg.Group != "" && len(cfg.Partitions) > 0 {
		return nil, fmt.Errorf("consumer for %s: pinned partitions need an empty group", cfg.Topic)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	info, err := b.topicInfo(ctx, b.db, cfg.Topic)
	if err != nil {
		return nil, err
	}
	c := &Consumer{b: b, cfg: cfg, positions: make(map[int]int64)}

	if cfg.Group == "" {
		parts := cfg.Partitions
		if len(parts) == 0 {
			parts = make([]int, info.Partitions)
			for i := range parts {
				parts[i] = i + 1
			}
		}
		for _, p := range parts {
			if p < 1 || p > info.Partitions {
				return nil, fmt.Errorf("consumer for %s: partition %d out of range", cfg.Topic, p)
			}
			off, err := c.startOffset(ctx, p)
			if err != nil {
				return nil, err
			}
			c.positions[p] = off
		}
		if cfg.Listener != nil {
			cfg.Listener.OnPartitionsAssigned(cfg.Topic, c.Assignment())
		}
		return c, nil
	}

	a, err := b.allocator(ctx, cfg.Group)
	if err != nil {
		return nil, err
	}
	c.member = &groupMember{c: c}
	if err := a.Register(ctx, cfg.Topic, c.member); err != nil {
		return nil, err
	}
	return c, nil
}

// startOffset is where the consumer begins on p: the group's committed
// offset if there is one, else the configured start position.
func (c *Consumer) startOffset(ctx context.Context, p int) (int64, error) {
	if c.cfg.Group != "" {
		off, ok, err := c.b.committed(ctx, c.cfg.Group, c.cfg.Topic, p)
		if err != nil {
			return 0, err
		}
		if ok {
			return off, nil
		}
	}
	if c.cfg.Start == backend.StartLatest {
		return c.b.endOffset(ctx, c.b.db, c.cfg.Topic, p)
	}
	return 0, nil
}

// Poll implements backend.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]messaging.ConsumedRecord, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		wait := c.b.waitChan()
		records, err := c.fetch(ctx)
		if err != nil || len(records) > 0 {
			return records, err
		}
		select {
		case <-wait:
		case <-ticker.C:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) fetch(ctx context.Context) ([]messaging.ConsumedRecord, error) {
	c.mu.Lock()
	closed := c.closed
	positions := make(map[int]int64, len(c.positions))
	for p, off := range c.positions {
		positions[p] = off
	}
	c.mu.Unlock()
	if closed || c.b.isClosed() {
		return nil, messaging.Intermittent("poll", backend.ErrClosed)
	}

	parts := make([]int, 0, len(positions))
	for p := range positions {
		parts = append(parts, p)
	}
	sort.Ints(parts)

	var out []messaging.ConsumedRecord
	for _, p := range parts {
		pos := positions[p]
		if pos == unresolved {
			off, err := c.startOffset(ctx, p)
			if err != nil {
				return nil, err
			}
			pos = off
		}
		if remaining := c.cfg.BatchSize - len(out); remaining > 0 {
			records, err := c.readPartition(ctx, p, pos, remaining)
			if err != nil {
				return nil, err
			}
			if n := len(records); n > 0 {
				pos = records[n-1].Offset + 1
			}
			out = append(out, records...)
		}
		c.setPosition(p, positions[p], pos)
	}
	return out, nil
}

// setPosition moves p from old to pos unless the partition was revoked or
// rewound while the fetch ran.
func (c *Consumer) setPosition(p int, old, pos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.positions[p]; ok && cur == old {
		c.positions[p] = pos
	}
}

func (c *Consumer) readPartition(ctx context.Context, p int, from int64, limit int) ([]messaging.ConsumedRecord, error) {
	rows, err := c.b.db.QueryContext(ctx, `
		SELECT record_offset, record_key, value, tombstone, headers, created_at
		FROM records
		WHERE topic = ? AND partition_index = ? AND record_offset >= ?
		ORDER BY record_offset
		LIMIT ?
	`, c.cfg.Topic, p, from, limit)
	if err != nil {
		return nil, classify("poll", err)
	}
	defer rows.Close()

	var out []messaging.ConsumedRecord
	for rows.Next() {
		var (
			r         messaging.ConsumedRecord
			tombstone bool
			headers   sql.NullString
			created   int64
		)
		if err := rows.Scan(&r.Offset, &r.Key, &r.Value, &tombstone, &headers, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Topic = c.cfg.Topic
		r.Partition = p
		r.Timestamp = time.Unix(0, created)
		switch {
		case tombstone:
			r.Value = nil
		case r.Value == nil:
			r.Value = []byte{}
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
				return nil, fmt.Errorf("decode headers at %s/%d@%d: %w", c.cfg.Topic, p, r.Offset, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("poll", err)
	}
	return out, nil
}

// Commit implements backend.Consumer.
func (c *Consumer) Commit(ctx context.Context, records []messaging.ConsumedRecord) error {
	if c.cfg.Group == "" {
		return fmt.Errorf("commit on %s: consumer has no group", c.cfg.Topic)
	}
	tx, err := c.b.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("commit offsets", err)
	}
	if err := writeOffsets(ctx, tx, c.cfg.Group, records); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit offsets", err)
	}
	return nil
}

// ResetToCommitted implements backend.Consumer.
func (c *Consumer) ResetToCommitted(ctx context.Context) error {
	for _, p := range c.Assignment() {
		off, err := c.startOffset(ctx, p)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if _, ok := c.positions[p]; ok {
			c.positions[p] = off
		}
		c.mu.Unlock()
	}
	return nil
}

// Positions implements backend.Consumer. Partitions not read since their
// assignment are left out.
func (c *Consumer) Positions() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.positions))
	for p, off := range c.positions {
		if off != unresolved {
			out[p] = off
		}
	}
	return out
}

// EndOffsets implements backend.Consumer.
func (c *Consumer) EndOffsets(ctx context.Context) (map[int]int64, error) {
	out := make(map[int]int64)
	for _, p := range c.Assignment() {
		end, err := c.b.endOffset(ctx, c.b.db, c.cfg.Topic, p)
		if err != nil {
			return nil, err
		}
		out[p] = end
	}
	return out, nil
}

// Assignment implements backend.Consumer.
func (c *Consumer) Assignment() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.positions))
	for p := range c.positions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Close implements backend.Consumer.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.member == nil {
		return nil
	}
	a, err := c.b.allocator(context.Background(), c.cfg.Group)
	if err != nil {
		return err
	}
	err = a.Unregister(context.Background(), c.cfg.Topic, c.member)
	if err != nil && !errors.Is(err, partition.ErrAllocatorNotRunning) {
		return err
	}
	return nil
}
