package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"messagebus/internal/backend"
	"messagebus/pkg/messaging"
)

// Consumer reads one topic through its own franz-go client.
type Consumer struct {
	b   *Backend
	cfg backend.ConsumerConfig

	client  *kgo.Client
	session *kgo.GroupTransactSession

	mu        sync.Mutex
	positions map[int]int64 // next offset, once known
	assigned  map[int]bool
	closed    bool
}

var _ backend.Consumer = (*Consumer)(nil)

// NewConsumer implements backend.Backend.
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
	info, err := b.topic(ctx, cfg.Topic)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		b:         b,
		cfg:       cfg,
		positions: make(map[int]int64),
		assigned:  make(map[int]bool),
	}
	opts := append(b.baseOpts(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.KeepControlRecords(),
	)

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
		}
		starts, err := b.startOffsets(ctx, "", cfg.Topic, parts, cfg.Start)
		if err != nil {
			return nil, err
		}
		assign := make(map[int32]kgo.Offset, len(parts))
		for _, p := range parts {
			assign[toKafkaPartition(p)] = kgo.NewOffset().At(starts[p])
			c.positions[p] = starts[p]
			c.assigned[p] = true
		}
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Topic: assign}))

		if c.client, err = kgo.NewClient(opts...); err != nil {
			return nil, classify("create consumer", err)
		}
		if cfg.Listener != nil {
			cfg.Listener.OnPartitionsAssigned(cfg.Topic, c.Assignment())
		}
		return c, nil
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.Start == backend.StartLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.RequireStableFetchOffsets(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)

	if cfg.TransactionalID != "" {
		opts = append(opts,
			kgo.TransactionalID(cfg.TransactionalID),
			kgo.TransactionTimeout(b.cfg.TransactionTimeout),
			kgo.RecordPartitioner(kgo.ManualPartitioner()),
		)
		if c.session, err = kgo.NewGroupTransactSession(opts...); err != nil {
			return nil, classify("create transactional consumer", err)
		}
		c.client = c.session.Client()
		return c, nil
	}

	if c.client, err = kgo.NewClient(opts...); err != nil {
		return nil, classify("create consumer", err)
	}
	return c, nil
}

func (c *Consumer) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	parts := fromKafkaPartitions(assigned[c.cfg.Topic])
	if len(parts) == 0 {
		return
	}
	c.mu.Lock()
	for _, p := range parts {
		c.assigned[p] = true
		delete(c.positions, p)
	}
	c.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsAssigned(c.cfg.Topic, parts)
	}
}

func (c *Consumer) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	parts := fromKafkaPartitions(revoked[c.cfg.Topic])
	if len(parts) == 0 {
		return
	}
	c.mu.Lock()
	for _, p := range parts {
		delete(c.assigned, p)
		delete(c.positions, p)
	}
	c.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsUnassigned(c.cfg.Topic, parts)
	}
}

// Poll implements backend.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]messaging.ConsumedRecord, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, messaging.Intermittent("poll", backend.ErrClosed)
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var fetches kgo.Fetches
	if c.session != nil {
		fetches = c.session.PollRecords(pctx, c.cfg.BatchSize)
	} else {
		fetches = c.client.PollRecords(pctx, c.cfg.BatchSize)
	}
	if fetches.IsClientClosed() {
		return nil, messaging.Intermittent("poll", backend.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, classify(fmt.Sprintf("poll %s/%d", fe.Topic, fromKafkaPartition(fe.Partition)), fe.Err)
	}

	var out []messaging.ConsumedRecord
	c.mu.Lock()
	fetches.EachRecord(func(r *kgo.Record) {
		p := fromKafkaPartition(r.Partition)
		if !c.assigned[p] {
			return
		}
		c.positions[p] = r.Offset + 1
		if r.Attrs.IsControl() {
			return
		}
		out = append(out, fromKafkaRecord(r))
	})
	c.mu.Unlock()
	return out, nil
}

// fromKafkaRecord converts a fetched record.
func fromKafkaRecord(r *kgo.Record) messaging.ConsumedRecord {
	var headers map[string]string
	if len(r.Headers) > 0 {
		headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return messaging.ConsumedRecord{
		Record: messaging.Record{
			Topic:   r.Topic,
			Key:     r.Key,
			Value:   r.Value,
			Headers: headers,
		},
		Partition: fromKafkaPartition(r.Partition),
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
	}
}

// commitRecords builds the records CommitRecords needs: topic, partition
// and offset. A leader epoch of -1 skips truncation checks.
func commitRecords(records []messaging.ConsumedRecord) []*kgo.Record {
	out := make([]*kgo.Record, 0, len(records))
	for tp, next := range messaging.CommittedOffsets(records) {
		out = append(out, &kgo.Record{
			Topic:       tp.Topic,
			Partition:   toKafkaPartition(tp.Partition),
			Offset:      next - 1,
			LeaderEpoch: -1,
		})
	}
	return out
}

// Commit implements backend.Consumer.
func (c *Consumer) Commit(ctx context.Context, records []messaging.ConsumedRecord) error {
	if c.cfg.Group == "" {
		return fmt.Errorf("commit on %s: consumer has no group", c.cfg.Topic)
	}
	if len(records) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, commitRecords(records)...); err != nil {
		return classify("commit offsets", err)
	}
	return nil
}

// ResetToCommitted implements backend.Consumer.
func (c *Consumer) ResetToCommitted(ctx context.Context) error {
	parts := c.Assignment()
	if len(parts) == 0 {
		return nil
	}
	starts, err := c.b.startOffsets(ctx, c.cfg.Group, c.cfg.Topic, parts, c.cfg.Start)
	if err != nil {
		return err
	}

	set := make(map[int32]kgo.EpochOffset, len(starts))
	c.mu.Lock()
	for p, off := range starts {
		if !c.assigned[p] {
			continue
		}
		set[toKafkaPartition(p)] = kgo.EpochOffset{Epoch: -1, Offset: off}
		c.positions[p] = off
	}
	c.mu.Unlock()
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{c.cfg.Topic: set})
	return nil
}

// Positions implements backend.Consumer. A partition whose position is not
// known yet (assigned but not read) is left out.
func (c *Consumer) Positions() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.positions))
	for p, off := range c.positions {
		out[p] = off
	}
	return out
}

// EndOffsets implements backend.Consumer. Partitions with an unknown
// position get one here, from the group's commit or the start position,
// so CaughtUp works right after an assignment.
func (c *Consumer) EndOffsets(ctx context.Context) (map[int]int64, error) {
	parts := c.Assignment()
	ends, err := c.b.endOffsets(ctx, c.cfg.Topic, parts)
	if err != nil {
		return nil, err
	}

	var unknown []int
	c.mu.Lock()
	for _, p := range parts {
		if _, ok := c.positions[p]; !ok {
			unknown = append(unknown, p)
		}
	}
	c.mu.Unlock()
	if len(unknown) > 0 {
		starts, err := c.b.startOffsets(ctx, c.cfg.Group, c.cfg.Topic, unknown, c.cfg.Start)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for p, off := range starts {
			if _, ok := c.positions[p]; !ok && c.assigned[p] {
				c.positions[p] = off
			}
		}
		c.mu.Unlock()
	}
	return ends, nil
}

// Assignment implements backend.Consumer.
func (c *Consumer) Assignment() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.assigned))
	for p := range c.assigned {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Close implements backend.Consumer. Group consumers leave the group, which
// revokes their partitions.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.session != nil {
		c.session.Close()
		return nil
	}
	c.client.Close()
	return nil
}
