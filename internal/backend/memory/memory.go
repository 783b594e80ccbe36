// Package memory is an in-process backend with real transaction semantics.
//
// Topics are slices of entries per partition. A transactional Send appends
// entries in the pending state. Commit flips them to committed and Abort
// flips them to aborted, so offsets are assigned at Send time just as on a
// broker. Consumers read committed entries only, skip aborted ones and stop
// at the first pending entry of a partition (the last stable offset).
//
// Group consumers share partitions through a partition.Allocator per group.
// Faults can be injected per operation to drive retry and reconnect paths.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

// Op names an operation faults can be injected into.
type Op string

const (
	OpNewConsumer    Op = "new-consumer"
	OpNewProducer    Op = "new-producer"
	OpPoll           Op = "poll"
	OpConsumerCommit Op = "consumer-commit"
	OpReset          Op = "reset"
	OpBegin          Op = "begin"
	OpSend           Op = "send"
	OpSendOffsets    Op = "send-offsets"
	OpCommit         Op = "commit"
	OpAbort          Op = "abort"
)

type status int

const (
	statusPending status = iota
	statusCommitted
	statusAborted
)

type entry struct {
	record messaging.ConsumedRecord
	status status
}

type topic struct {
	info       messaging.TopicInfo
	partitions [][]*entry
}

type offsetKey struct {
	group     string
	topic     string
	partition int
}

// Broker is the in-memory backend.
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	topics    map[string]*topic
	offsets   map[offsetKey]int64
	producers map[string]*Producer
	notify    chan struct{}
	closed    bool

	allocMu    sync.Mutex
	allocators map[string]*partition.Allocator

	faultMu sync.Mutex
	faults  map[Op][]error

	consumersCreated atomic.Int64
	producersCreated atomic.Int64
}

var _ backend.Backend = (*Broker)(nil)

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:     logger.With("component", "memory-backend"),
		topics:     make(map[string]*topic),
		offsets:    make(map[offsetKey]int64),
		producers:  make(map[string]*Producer),
		notify:     make(chan struct{}),
		allocators: make(map[string]*partition.Allocator),
		faults:     make(map[Op][]error),
	}
}

// InjectFault queues errs to be returned, one per call, by the next calls
// of op.
func (b *Broker) InjectFault(op Op, errs ...error) {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	b.faults[op] = append(b.faults[op], errs...)
}

func (b *Broker) fault(op Op) error {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	queue := b.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	b.faults[op] = queue[1:]
	return err
}

// ConsumersCreated counts successful NewConsumer calls.
func (b *Broker) ConsumersCreated() int { return int(b.consumersCreated.Load()) }

// ProducersCreated counts successful NewProducer calls.
func (b *Broker) ProducersCreated() int { return int(b.producersCreated.Load()) }

// signalLocked wakes every waiting Poll.
func (b *Broker) signalLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Topics implements backend.Backend.
func (b *Broker) Topics(context.Context) (map[string]messaging.TopicInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]messaging.TopicInfo, len(b.topics))
	for name, t := range b.topics {
		out[name] = t.info
	}
	return out, nil
}

// CreateTopic implements backend.Backend.
func (b *Broker) CreateTopic(_ context.Context, info messaging.TopicInfo) error {
	if info.Name == "" || info.Partitions <= 0 {
		return fmt.Errorf("create topic %q: need a name and a positive partition count", info.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[info.Name]; ok {
		if t.info.Partitions != info.Partitions {
			return fmt.Errorf("create topic %s: exists with %d partitions", info.Name, t.info.Partitions)
		}
		return nil
	}
	b.topics[info.Name] = &topic{info: info, partitions: make([][]*entry, info.Partitions)}
	return nil
}

// MustCreateTopic creates a topic or panics. For tests.
func (b *Broker) MustCreateTopic(name string, partitions int, compacted bool) {
	if err := b.CreateTopic(context.Background(), messaging.TopicInfo{Name: name, Partitions: partitions, Compacted: compacted}); err != nil {
		panic(err)
	}
}

// Records returns every committed record of topic, by partition then offset.
func (b *Broker) Records(name string) []messaging.ConsumedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	var out []messaging.ConsumedRecord
	for _, entries := range t.partitions {
		for _, e := range entries {
			if e.status == statusCommitted {
				out = append(out, e.record)
			}
		}
	}
	return out
}

// Committed returns the committed offset of group on a partition.
func (b *Broker) Committed(group, topicName string, p int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.offsets[offsetKey{group, topicName, p}]
	return off, ok
}

// CommittedOffsets implements backend.Backend.
func (b *Broker) CommittedOffsets(_ context.Context, group string) (map[string]map[int]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[int]int64)
	for k, off := range b.offsets {
		if k.group != group {
			continue
		}
		if out[k.topic] == nil {
			out[k.topic] = make(map[int]int64)
		}
		out[k.topic][k.partition] = off
	}
	return out, nil
}

// Close implements backend.Backend.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.signalLocked()
	b.mu.Unlock()

	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	for _, a := range b.allocators {
		a.Stop()
	}
	return nil
}

func (b *Broker) allocator(ctx context.Context, group string) (*partition.Allocator, error) {
	b.allocMu.Lock()
	defer b.allocMu.Unlock()
	if a, ok := b.allocators[group]; ok {
		return a, nil
	}
	a := partition.NewAllocator(partition.AllocatorConfig{Source: b, Logger: b.logger.With("group", group)})
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	b.allocators[group] = a
	return a, nil
}

// startOffsetLocked is where a consumer of group begins on a partition.
// A committed offset always wins when there is a group.
func (b *Broker) startOffsetLocked(group string, t *topic, p int, start backend.StartPosition) int64 {
	if group != "" {
		if off, ok := b.offsets[offsetKey{group, t.info.Name, p}]; ok {
			return off
		}
	}
	if start == backend.StartLatest {
		return lastStableLocked(t, p)
	}
	return 0
}

func lastStableLocked(t *topic, p int) int64 {
	entries := t.partitions[p-1]
	for i, e := range entries {
		if e.status == statusPending {
			return int64(i)
		}
	}
	return int64(len(entries))
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer is a memory backend consumer.
type Consumer struct {
	b      *Broker
	cfg    backend.ConsumerConfig
	topic  *topic
	member *groupMember

	// guarded by b.mu
	positions map[int]int64
	closed    bool
}

var _ backend.Consumer = (*Consumer)(nil)

// groupMember is the allocator listener of a group consumer.
type groupMember struct {
	c *Consumer
}

func (m *groupMember) OnPartitionsAssigned(topicName string, partitions []int) {
	c := m.c
	c.b.mu.Lock()
	for _, p := range partitions {
		c.positions[p] = c.b.startOffsetLocked(c.cfg.Group, c.topic, p, c.cfg.Start)
	}
	c.b.signalLocked()
	c.b.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsAssigned(topicName, partitions)
	}
}

func (m *groupMember) OnPartitionsUnassigned(topicName string, partitions []int) {
	c := m.c
	c.b.mu.Lock()
	for _, p := range partitions {
		delete(c.positions, p)
	}
	c.b.mu.Unlock()
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnPartitionsUnassigned(topicName, partitions)
	}
}

// NewConsumer implements backend.Backend.
func (b *Broker) NewConsumer(ctx context.Context, cfg backend.ConsumerConfig) (backend.Consumer, error) {
	if err := b.fault(OpNewConsumer); err != nil {
		return nil, err
	}
	if cfg.Group != "" && len(cfg.Partitions) > 0 {
		return nil, fmt.Errorf("consumer for %s: pinned partitions need an empty group", cfg.Topic)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, backend.ErrClosed
	}
	t, ok := b.topics[cfg.Topic]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", partition.ErrUnknownTopic, cfg.Topic)
	}
	c := &Consumer{b: b, cfg: cfg, topic: t, positions: make(map[int]int64)}
	if cfg.Group == "" {
		parts := cfg.Partitions
		if len(parts) == 0 {
			parts = allPartitions(t.info.Partitions)
		}
		for _, p := range parts {
			if p < 1 || p > t.info.Partitions {
				b.mu.Unlock()
				return nil, fmt.Errorf("consumer for %s: partition %d out of range", cfg.Topic, p)
			}
			c.positions[p] = b.startOffsetLocked("", t, p, cfg.Start)
		}
	}
	b.mu.Unlock()

	if cfg.Group != "" {
		a, err := b.allocator(ctx, cfg.Group)
		if err != nil {
			return nil, err
		}
		c.member = &groupMember{c: c}
		if err := a.Register(ctx, cfg.Topic, c.member); err != nil {
			return nil, err
		}
	} else if cfg.Listener != nil {
		cfg.Listener.OnPartitionsAssigned(cfg.Topic, c.Assignment())
	}

	b.consumersCreated.Add(1)
	return c, nil
}

func allPartitions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// Poll implements backend.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]messaging.ConsumedRecord, error) {
	if err := c.b.fault(OpPoll); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		records, wait, err := c.fetch()
		if err != nil || len(records) > 0 {
			return records, err
		}
		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Consumer) fetch() ([]messaging.ConsumedRecord, <-chan struct{}, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed || c.b.closed {
		return nil, nil, messaging.Intermittent("poll", backend.ErrClosed)
	}

	var out []messaging.ConsumedRecord
	for _, p := range c.assignmentLocked() {
		entries := c.topic.partitions[p-1]
		pos := c.positions[p]
		for pos < int64(len(entries)) && len(out) < c.cfg.BatchSize {
			e := entries[pos]
			if e.status == statusPending {
				break
			}
			pos++
			if e.status == statusCommitted {
				out = append(out, e.record)
			}
		}
		c.positions[p] = pos
	}
	return out, c.b.notify, nil
}

// Commit implements backend.Consumer.
func (c *Consumer) Commit(_ context.Context, records []messaging.ConsumedRecord) error {
	if err := c.b.fault(OpConsumerCommit); err != nil {
		return err
	}
	if c.cfg.Group == "" {
		return fmt.Errorf("commit on %s: consumer has no group", c.cfg.Topic)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for tp, off := range messaging.CommittedOffsets(records) {
		c.b.offsets[offsetKey{c.cfg.Group, tp.Topic, tp.Partition}] = off
	}
	c.b.signalLocked()
	return nil
}

// ResetToCommitted implements backend.Consumer.
func (c *Consumer) ResetToCommitted(context.Context) error {
	if err := c.b.fault(OpReset); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for p := range c.positions {
		c.positions[p] = c.b.startOffsetLocked(c.cfg.Group, c.topic, p, c.cfg.Start)
	}
	return nil
}

// Positions implements backend.Consumer.
func (c *Consumer) Positions() map[int]int64 {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	out := make(map[int]int64, len(c.positions))
	for p, off := range c.positions {
		out[p] = off
	}
	return out
}

// EndOffsets implements backend.Consumer.
func (c *Consumer) EndOffsets(context.Context) (map[int]int64, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	out := make(map[int]int64, len(c.positions))
	for p := range c.positions {
		out[p] = lastStableLocked(c.topic, p)
	}
	return out, nil
}

// Assignment implements backend.Consumer.
func (c *Consumer) Assignment() []int {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.assignmentLocked()
}

func (c *Consumer) assignmentLocked() []int {
	out := make([]int, 0, len(c.positions))
	for p := range c.positions {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Close implements backend.Consumer.
func (c *Consumer) Close() error {
	c.b.mu.Lock()
	if c.closed {
		c.b.mu.Unlock()
		return nil
	}
	c.closed = true
	c.b.mu.Unlock()

	if c.member != nil {
		a, err := c.b.allocator(context.Background(), c.cfg.Group)
		if err != nil {
			return err
		}
		err = a.Unregister(context.Background(), c.cfg.Topic, c.member)
		if err != nil && !errors.Is(err, partition.ErrAllocatorNotRunning) {
			return err
		}
	}
	return nil
}

// =============================================================================
// PRODUCER
// =============================================================================

// Producer is a memory backend producer.
type Producer struct {
	b     *Broker
	txnID string

	// guarded by b.mu
	inTxn   bool
	pending []*entry
	staged  map[offsetKey]int64
	fenced  bool
	closed  bool
}

var _ backend.Producer = (*Producer)(nil)

// NewProducer implements backend.Backend. A transactional id already in use
// fences the previous producer and aborts its open transaction.
func (b *Broker) NewProducer(_ context.Context, cfg backend.ProducerConfig) (backend.Producer, error) {
	if err := b.fault(OpNewProducer); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	p := &Producer{b: b, txnID: cfg.TransactionalID}
	if p.txnID != "" {
		if old, ok := b.producers[p.txnID]; ok {
			old.abortLocked()
			old.fenced = true
			b.logger.Debug("producer fenced", "transactional_id", p.txnID)
		}
		b.producers[p.txnID] = p
	}
	b.producersCreated.Add(1)
	return p, nil
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

// Begin implements backend.Producer.
func (p *Producer) Begin(context.Context) error {
	if err := p.b.fault(OpBegin); err != nil {
		return err
	}
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if err := p.usableLocked("begin"); err != nil {
		return err
	}
	if p.inTxn {
		return fmt.Errorf("begin %s: transaction already open", p.txnID)
	}
	p.inTxn = true
	p.staged = make(map[offsetKey]int64)
	return nil
}

// Send implements backend.Producer.
func (p *Producer) Send(_ context.Context, records []messaging.Record) ([]messaging.RecordMetadata, error) {
	if err := p.b.fault(OpSend); err != nil {
		return nil, err
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if err := p.usableLocked("send"); err != nil {
		return nil, err
	}
	if p.Transactional() && !p.inTxn {
		return nil, backend.ErrNoTransaction
	}

	for _, r := range records {
		if _, ok := p.b.topics[r.Topic]; !ok {
			return nil, fmt.Errorf("send: %w: %s", partition.ErrUnknownTopic, r.Topic)
		}
	}

	now := time.Now()
	out := make([]messaging.RecordMetadata, len(records))
	for i, r := range records {
		t := p.b.topics[r.Topic]
		part := partition.Assign(r.Key, t.info.Partitions)
		off := int64(len(t.partitions[part-1]))
		e := &entry{
			record: messaging.ConsumedRecord{Record: r, Partition: part, Offset: off, Timestamp: now},
			status: statusCommitted,
		}
		if p.inTxn {
			e.status = statusPending
			p.pending = append(p.pending, e)
		}
		t.partitions[part-1] = append(t.partitions[part-1], e)
		out[i] = messaging.RecordMetadata{Topic: r.Topic, Partition: part, Offset: off, Timestamp: now}
	}
	if !p.inTxn {
		p.b.signalLocked()
	}
	return out, nil
}

// SendOffsets implements backend.Producer.
func (p *Producer) SendOffsets(_ context.Context, group string, records []messaging.ConsumedRecord) error {
	if err := p.b.fault(OpSendOffsets); err != nil {
		return err
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if err := p.usableLocked("send offsets"); err != nil {
		return err
	}
	if !p.inTxn {
		return backend.ErrNoTransaction
	}
	for tp, off := range messaging.CommittedOffsets(records) {
		p.staged[offsetKey{group, tp.Topic, tp.Partition}] = off
	}
	return nil
}

// Commit implements backend.Producer.
func (p *Producer) Commit(context.Context) error {
	if err := p.b.fault(OpCommit); err != nil {
		p.b.mu.Lock()
		p.abortLocked()
		p.b.mu.Unlock()
		return err
	}
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if err := p.usableLocked("commit"); err != nil {
		return err
	}
	if !p.inTxn {
		return backend.ErrNoTransaction
	}
	for _, e := range p.pending {
		e.status = statusCommitted
	}
	for k, off := range p.staged {
		p.b.offsets[k] = off
	}
	p.pending = nil
	p.staged = nil
	p.inTxn = false
	p.b.signalLocked()
	return nil
}

// Abort implements backend.Producer.
func (p *Producer) Abort(context.Context) error {
	if err := p.b.fault(OpAbort); err != nil {
		return err
	}
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if err := p.usableLocked("abort"); err != nil {
		return err
	}
	p.abortLocked()
	return nil
}

func (p *Producer) abortLocked() {
	if !p.inTxn {
		return
	}
	for _, e := range p.pending {
		e.status = statusAborted
	}
	p.pending = nil
	p.staged = nil
	p.inTxn = false
	p.b.signalLocked()
}

// Close implements backend.Producer. An open transaction is aborted.
func (p *Producer) Close() error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.closed {
		return nil
	}
	p.abortLocked()
	p.closed = true
	if p.txnID != "" && p.b.producers[p.txnID] == p {
		delete(p.b.producers, p.txnID)
	}
	return nil
}
