// =============================================================================
// PUBLISHER - PARTITIONED, OPTIONALLY TRANSACTIONAL WRITES
// =============================================================================
//
// WHAT IS IT?
// The publisher is how code outside a subscription writes records. Publish
// returns one future per input record, resolved with the record's partition
// and offset once the backend has persisted it.
//
// DISPATCH:
//
//   Publish([r1 r2 r3 r4 r5])
//        │
//        ├── group by destination partition (partition.Assign)
//        │     orders/1: [r1 r4]   orders/2: [r2]   orders/3: [r3 r5]
//        │
//        └── one Send per group on a bounded worker pool (errgroup)
//              ┌──────────┐ ┌──────────┐ ┌──────────┐
//              │ worker 1 │ │ worker 2 │ │ worker 3 │   ≤ Config.Workers
//              └──────────┘ └──────────┘ └──────────┘
//
// ORDERING:
//
//   Every operation (Publish, Begin, Commit, Abort) goes through one FIFO
//   queue drained by a single dispatch goroutine, so operations take effect
//   in call order. Two Publish calls from one goroutine for the same key
//   land in that order; only partitions of one call are sent in parallel.
//
// MODES:
//
//   Non-transactional (no InstanceID):
//     Each partition batch succeeds or fails on its own. A failed batch
//     fails only its own futures.
//
//   Transactional (InstanceID set):
//     Every Publish call is one transaction: all of its records become
//     visible together or none do. Between Begin and Commit, any number of
//     Publish calls join one transaction and their futures resolve at
//     Commit.
//
// =============================================================================

package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"messagebus/internal/backend"
	"messagebus/internal/metrics"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

var (
	// ErrPublisherClosed is returned by operations on a closed publisher.
	ErrPublisherClosed = errors.New("publisher closed")

	// ErrTransactionOpen is returned by Begin while a transaction is open.
	ErrTransactionOpen = errors.New("publisher transaction already open")

	// ErrNoTransaction is returned by Commit and Abort without Begin.
	ErrNoTransaction = errors.New("no publisher transaction open")
)

// Config configures a Publisher.
type Config struct {
	// InstanceID makes the publisher transactional. Two publishers with the
	// same id fence each other.
	InstanceID string `yaml:"instance-id,omitempty"`

	// Workers bounds concurrent partition batches. Default 4.
	Workers int `yaml:"workers"`

	// QueueSize bounds queued operations. Publish blocks while the queue is
	// full. Default 1024.
	QueueSize int `yaml:"queue-size,omitempty"`

	Logger  *slog.Logger              `yaml:"-"`
	Metrics *metrics.PublisherMetrics `yaml:"-"`
	Tracer  trace.Tracer              `yaml:"-"`
}

// DefaultConfig returns a non-transactional config.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1024}
}

// Publisher writes records to a backend.
type Publisher struct {
	backend  backend.Backend
	producer backend.Producer
	config   Config
	logger   *slog.Logger
	metrics  *metrics.PublisherMetrics
	tracer   trace.Tracer

	topicsMu sync.RWMutex
	topics   map[string]messaging.TopicInfo

	queue chan request
	done  chan struct{}

	// owned by the dispatch goroutine
	txOpen    bool
	txErr     error
	txPending []pendingResult

	closeMu sync.RWMutex
	closed  bool
}

type pendingResult struct {
	future   *messaging.Future[messaging.RecordMetadata]
	metadata messaging.RecordMetadata
}

type opKind int

const (
	opPublish opKind = iota
	opBegin
	opCommit
	opAbort
)

// request is one queued operation. Control operations report on result.
type request struct {
	op      opKind
	ctx     context.Context
	records []messaging.Record
	futures []*messaging.Future[messaging.RecordMetadata]
	result  chan error
}

// New creates a publisher and its producer.
func New(ctx context.Context, b backend.Backend, config Config) (*Publisher, error) {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("messagebus/publisher")
	}

	producer, err := b.NewProducer(ctx, backend.ProducerConfig{TransactionalID: config.InstanceID})
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	p := &Publisher{
		backend:  b,
		producer: producer,
		config:   config,
		logger:   logger.With("component", "publisher", "instance_id", config.InstanceID),
		metrics:  config.Metrics,
		tracer:   tracer,
		topics:   make(map[string]messaging.TopicInfo),
		queue:    make(chan request, config.QueueSize),
		done:     make(chan struct{}),
	}
	go p.dispatch()
	return p, nil
}

// Transactional reports whether the publisher writes under transactions.
func (p *Publisher) Transactional() bool {
	return p.config.InstanceID != ""
}

// Publish queues records and returns one future per record, in input order.
// It blocks only while the queue is full.
func (p *Publisher) Publish(ctx context.Context, records []messaging.Record) []*messaging.Future[messaging.RecordMetadata] {
	futures := make([]*messaging.Future[messaging.RecordMetadata], len(records))
	for i := range futures {
		futures[i] = messaging.NewFuture[messaging.RecordMetadata]()
	}
	if len(records) == 0 {
		return futures
	}
	if err := p.enqueue(request{op: opPublish, ctx: ctx, records: records, futures: futures}); err != nil {
		failAll(futures, err)
	}
	return futures
}

// PublishSync publishes and waits for every future.
func (p *Publisher) PublishSync(ctx context.Context, records []messaging.Record) ([]messaging.RecordMetadata, error) {
	futures := p.Publish(ctx, records)
	out := make([]messaging.RecordMetadata, len(futures))
	var first error
	for i, f := range futures {
		md, err := f.Wait(ctx)
		if err != nil && first == nil {
			first = err
		}
		out[i] = md
	}
	return out, first
}

// Begin opens a transaction that following Publish calls join. Topics are
// resolved when the transaction opens; records for a topic created later
// fail with ErrUnknownTopic until the next transaction.
func (p *Publisher) Begin(ctx context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	return p.control(ctx, opBegin)
}

// Commit commits the open transaction and resolves its futures. If any
// Publish in the transaction failed, the transaction is aborted instead and
// that failure is returned.
func (p *Publisher) Commit(ctx context.Context) error {
	return p.control(ctx, opCommit)
}

// Abort aborts the open transaction and fails its futures.
func (p *Publisher) Abort(ctx context.Context) error {
	return p.control(ctx, opAbort)
}

// Close drains queued operations, aborts an open transaction and closes the
// producer.
func (p *Publisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	<-p.done

	if p.txOpen {
		_ = p.abortOpen(context.Background(), ErrPublisherClosed)
	}
	return p.producer.Close()
}

// =============================================================================
// QUEUE
// =============================================================================

func (p *Publisher) enqueue(req request) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- req:
		return nil
	case <-req.ctx.Done():
		return req.ctx.Err()
	}
}

func (p *Publisher) control(ctx context.Context, op opKind) error {
	result := make(chan error, 1)
	if err := p.enqueue(request{op: op, ctx: ctx, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) dispatch() {
	defer close(p.done)
	for req := range p.queue {
		switch req.op {
		case opPublish:
			switch {
			case !p.Transactional():
				p.publishBatches(req.ctx, req.records, req.futures)
			case p.txOpen:
				p.publishInOpenTransaction(req.ctx, req.records, req.futures)
			default:
				p.publishTransaction(req.ctx, req.records, req.futures)
			}
		case opBegin:
			req.result <- p.begin(req.ctx)
		case opCommit:
			req.result <- p.commit(req.ctx)
		case opAbort:
			if !p.txOpen {
				req.result <- ErrNoTransaction
				continue
			}
			req.result <- p.abortOpen(req.ctx, errors.New("transaction aborted"))
		}
	}
}

// =============================================================================
// EXPLICIT TRANSACTIONS
// =============================================================================

func (p *Publisher) begin(ctx context.Context) error {
	if p.txOpen {
		return ErrTransactionOpen
	}
	// single-connection backends cannot answer Topics once the
	// transaction holds the connection
	if err := p.loadTopics(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := p.producer.Begin(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	p.txOpen = true
	p.txErr = nil
	p.txPending = nil
	return nil
}

func (p *Publisher) commit(ctx context.Context) error {
	if !p.txOpen {
		return ErrNoTransaction
	}
	if p.txErr != nil {
		err := p.txErr
		_ = p.abortOpen(ctx, err)
		return err
	}
	pending := p.txPending
	p.txOpen = false
	p.txPending = nil

	if err := p.producer.Commit(ctx); err != nil {
		p.metrics.RecordTransaction("aborted")
		for _, r := range pending {
			r.future.Fail(err)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	p.metrics.RecordTransaction("committed")
	for _, r := range pending {
		r.future.Complete(r.metadata)
	}
	return nil
}

// abortOpen aborts the open transaction and fails its futures with cause.
func (p *Publisher) abortOpen(ctx context.Context, cause error) error {
	pending := p.txPending
	p.txOpen = false
	p.txPending = nil
	p.txErr = nil

	p.metrics.RecordTransaction("aborted")
	for _, r := range pending {
		r.future.Fail(cause)
	}
	if err := p.producer.Abort(ctx); err != nil {
		return fmt.Errorf("abort transaction: %w", err)
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

// batch is the records of one publish call bound for one partition.
type batch struct {
	tp      messaging.TopicPartition
	indexes []int
}

func (p *Publisher) loadTopics(ctx context.Context) error {
	infos, err := p.backend.Topics(ctx)
	if err != nil {
		return err
	}
	p.topicsMu.Lock()
	for name, i := range infos {
		p.topics[name] = i
	}
	p.topicsMu.Unlock()
	return nil
}

// partitionCount resolves topic from the cache, asking the backend on a
// miss when fetch is set.
func (p *Publisher) partitionCount(ctx context.Context, topic string, fetch bool) (int, error) {
	p.topicsMu.RLock()
	info, ok := p.topics[topic]
	p.topicsMu.RUnlock()
	if ok {
		return info.Partitions, nil
	}
	if !fetch {
		return 0, fmt.Errorf("%w: %s", partition.ErrUnknownTopic, topic)
	}

	if err := p.loadTopics(ctx); err != nil {
		return 0, err
	}
	p.topicsMu.RLock()
	info, ok = p.topics[topic]
	p.topicsMu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", partition.ErrUnknownTopic, topic)
	}
	return info.Partitions, nil
}

// group splits records into partition batches, preserving input order
// inside each batch. Records whose topic cannot be resolved are returned
// in failed.
func (p *Publisher) group(ctx context.Context, records []messaging.Record, fetch bool) (batches []*batch, failed map[int]error) {
	byTP := make(map[messaging.TopicPartition]*batch)
	failed = make(map[int]error)
	for i, r := range records {
		n, err := p.partitionCount(ctx, r.Topic, fetch)
		if err != nil {
			failed[i] = err
			continue
		}
		tp := messaging.TopicPartition{Topic: r.Topic, Partition: partition.Assign(r.Key, n)}
		b, ok := byTP[tp]
		if !ok {
			b = &batch{tp: tp}
			byTP[tp] = b
			batches = append(batches, b)
		}
		b.indexes = append(b.indexes, i)
	}
	return batches, failed
}

// sendBatches sends every batch on the worker pool. It returns metadata by
// input index and the error of each failed batch.
func (p *Publisher) sendBatches(ctx context.Context, records []messaging.Record, batches []*batch) ([]messaging.RecordMetadata, map[*batch]error) {
	results := make([]messaging.RecordMetadata, len(records))
	var mu sync.Mutex
	errs := make(map[*batch]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for _, b := range batches {
		g.Go(func() error {
			out := make([]messaging.Record, len(b.indexes))
			size := 0
			for i, idx := range b.indexes {
				out[i] = records[idx]
				size += len(records[idx].Key) + len(records[idx].Value)
			}

			start := time.Now()
			md, err := p.producer.Send(gctx, out)
			if err == nil && len(md) != len(out) {
				err = fmt.Errorf("send %s/%d: backend returned %d results for %d records", b.tp.Topic, b.tp.Partition, len(md), len(out))
			}
			if err != nil {
				p.metrics.RecordError(b.tp.Topic, messaging.KindOf(err).String(), len(out))
				mu.Lock()
				errs[b] = err
				mu.Unlock()
				// Other batches proceed unless transactional.
				if p.Transactional() {
					return err
				}
				return nil
			}
			p.metrics.RecordPublish(b.tp.Topic, len(out), size, time.Since(start).Seconds())
			for i, idx := range b.indexes {
				results[idx] = md[i]
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (p *Publisher) publishBatches(ctx context.Context, records []messaging.Record, futures []*messaging.Future[messaging.RecordMetadata]) {
	ctx, span := p.tracer.Start(ctx, "publisher.publish", trace.WithAttributes(
		attribute.Int("messaging.batch.message_count", len(records)),
		attribute.Bool("messagebus.transactional", false),
	))
	defer span.End()

	batches, failed := p.group(ctx, records, true)
	for idx, err := range failed {
		futures[idx].Fail(err)
	}

	results, errs := p.sendBatches(ctx, records, batches)
	for _, b := range batches {
		err := errs[b]
		for _, idx := range b.indexes {
			if err != nil {
				futures[idx].Fail(err)
				continue
			}
			futures[idx].Complete(results[idx])
		}
	}

	if len(errs) > 0 || len(failed) > 0 {
		span.SetStatus(codes.Error, "some batches failed")
		p.logger.Warn("publish partially failed",
			"records", len(records),
			"failed_batches", len(errs),
			"unresolved", len(failed))
	}
}

// sendAll sends pre-grouped records inside an open transaction, failing on
// the first problem.
func (p *Publisher) sendAll(ctx context.Context, records []messaging.Record, batches []*batch, failed map[int]error) ([]messaging.RecordMetadata, error) {
	if err := firstFailure(len(records), failed); err != nil {
		return nil, err
	}
	results, errs := p.sendBatches(ctx, records, batches)
	for _, b := range batches {
		if err := errs[b]; err != nil {
			return nil, err
		}
	}
	return results, nil
}

func firstFailure(n int, failed map[int]error) error {
	for idx := 0; idx < n; idx++ {
		if err, ok := failed[idx]; ok {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishTransaction(ctx context.Context, records []messaging.Record, futures []*messaging.Future[messaging.RecordMetadata]) {
	ctx, span := p.tracer.Start(ctx, "publisher.publish", trace.WithAttributes(
		attribute.Int("messaging.batch.message_count", len(records)),
		attribute.Bool("messagebus.transactional", true),
	))
	defer span.End()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		failAll(futures, err)
	}

	// group before Begin: the backend may not answer Topics while a
	// transaction holds its only connection
	batches, failed := p.group(ctx, records, true)
	if err := firstFailure(len(records), failed); err != nil {
		fail(err)
		return
	}

	if err := p.producer.Begin(ctx); err != nil {
		fail(fmt.Errorf("begin transaction: %w", err))
		return
	}
	results, err := p.sendAll(ctx, records, batches, nil)
	if err != nil {
		p.metrics.RecordTransaction("aborted")
		if aerr := p.producer.Abort(ctx); aerr != nil {
			p.logger.Error("abort after failed send", "error", aerr)
		}
		fail(err)
		return
	}
	if err := p.producer.Commit(ctx); err != nil {
		p.metrics.RecordTransaction("aborted")
		fail(fmt.Errorf("commit transaction: %w", err))
		return
	}
	p.metrics.RecordTransaction("committed")
	for i, f := range futures {
		f.Complete(results[i])
	}
}

func (p *Publisher) publishInOpenTransaction(ctx context.Context, records []messaging.Record, futures []*messaging.Future[messaging.RecordMetadata]) {
	if p.txErr != nil {
		failAll(futures, p.txErr)
		return
	}
	batches, failed := p.group(ctx, records, false)
	results, err := p.sendAll(ctx, records, batches, failed)
	if err != nil {
		p.txErr = err
		failAll(futures, err)
		return
	}
	for i, f := range futures {
		p.txPending = append(p.txPending, pendingResult{future: f, metadata: results[i]})
	}
}

func failAll(futures []*messaging.Future[messaging.RecordMetadata], err error) {
	for _, f := range futures {
		f.Fail(err)
	}
}
