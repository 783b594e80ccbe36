package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

// Producer writes records through franz-go.
//
// Three shapes:
//   - plain: its own client, every Send is visible at once
//   - transactional: its own client with a transactional id
//   - bound: shares the GroupTransactSession of a transactional consumer,
//     so Commit also commits the consumer's polled offsets
type Producer struct {
	b       *Backend
	txnID   string
	client  *kgo.Client
	session *kgo.GroupTransactSession
	owned   bool // client is closed with the producer

	mu     sync.Mutex
	inTxn  bool
	group  string
	closed bool
}

var _ backend.Producer = (*Producer)(nil)

// NewProducer implements backend.Backend.
func (b *Backend) NewProducer(_ context.Context, cfg backend.ProducerConfig) (backend.Producer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}

	if bound, ok := cfg.Consumer.(*Consumer); ok && bound.session != nil {
		if cfg.TransactionalID != "" && cfg.TransactionalID != bound.cfg.TransactionalID {
			return nil, fmt.Errorf("producer %s: bound consumer uses transactional id %s",
				cfg.TransactionalID, bound.cfg.TransactionalID)
		}
		return &Producer{
			b:       b,
			txnID:   bound.cfg.TransactionalID,
			client:  bound.client,
			session: bound.session,
			group:   bound.cfg.Group,
		}, nil
	}

	opts := append(b.baseOpts(), kgo.RecordPartitioner(kgo.ManualPartitioner()))
	if cfg.TransactionalID != "" {
		opts = append(opts,
			kgo.TransactionalID(cfg.TransactionalID),
			kgo.TransactionTimeout(b.cfg.TransactionTimeout),
		)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, classify("create producer", err)
	}
	return &Producer{b: b, txnID: cfg.TransactionalID, client: client, owned: true}, nil
}

// Transactional implements backend.Producer.
func (p *Producer) Transactional() bool { return p.txnID != "" }

// Begin implements backend.Producer.
func (p *Producer) Begin(context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return messaging.Fatal("begin", backend.ErrClosed)
	}
	if p.inTxn {
		return fmt.Errorf("begin %s: transaction already open", p.txnID)
	}

	var err error
	if p.session != nil {
		err = p.session.Begin()
	} else {
		err = p.client.BeginTransaction()
	}
	if err != nil {
		return classify("begin", err)
	}
	p.inTxn = true
	return nil
}

// Send implements backend.Producer. Records are produced synchronously, so
// the returned metadata carries broker-assigned offsets.
func (p *Producer) Send(ctx context.Context, records []messaging.Record) ([]messaging.RecordMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, messaging.Fatal("send", backend.ErrClosed)
	}
	if p.Transactional() && !p.inTxn {
		return nil, backend.ErrNoTransaction
	}

	out := make([]*kgo.Record, len(records))
	for i, r := range records {
		info, err := p.b.topic(ctx, r.Topic)
		if err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
		out[i] = toKafkaRecord(r, partition.Assign(r.Key, info.Partitions))
	}

	results := p.client.ProduceSync(ctx, out...)
	if err := results.FirstErr(); err != nil {
		return nil, classify("send", err)
	}
	md := make([]messaging.RecordMetadata, len(results))
	for i, res := range results {
		md[i] = messaging.RecordMetadata{
			Topic:     res.Record.Topic,
			Partition: fromKafkaPartition(res.Record.Partition),
			Offset:    res.Record.Offset,
			Timestamp: res.Record.Timestamp,
		}
	}
	return md, nil
}

// toKafkaRecord converts r for a ManualPartitioner client. p is 1-based.
func toKafkaRecord(r messaging.Record, p int) *kgo.Record {
	kr := &kgo.Record{
		Topic:     r.Topic,
		Partition: toKafkaPartition(p),
		Key:       r.Key,
		Value:     r.Value,
	}
	for k, v := range r.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return kr
}

// SendOffsets implements backend.Producer. A bound producer's session
// commits every offset its consumer polled when the transaction ends, so
// this only checks that the group is the session's group.
func (p *Producer) SendOffsets(_ context.Context, group string, _ []messaging.ConsumedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return backend.ErrNoTransaction
	}
	if p.session == nil {
		return messaging.Fatal("send offsets", errors.New("producer is not bound to a consumer"))
	}
	if group != p.group {
		return messaging.Fatal("send offsets", fmt.Errorf("session group is %s, not %s", p.group, group))
	}
	return nil
}

// Commit implements backend.Producer. A session that lost its partitions
// while the transaction was open aborts instead, and Commit reports
// ErrTransactionAborted. Any other failure to end the transaction leaves
// its outcome unknown and is Fatal.
func (p *Producer) Commit(ctx context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return backend.ErrNoTransaction
	}
	p.inTxn = false

	if p.session != nil {
		committed, err := p.session.End(ctx, kgo.TryCommit)
		return commitOutcome(p.txnID, committed, err)
	}

	if err := p.client.Flush(ctx); err != nil {
		if aerr := p.client.EndTransaction(ctx, kgo.TryAbort); aerr != nil {
			return commitOutcome(p.txnID, false, fmt.Errorf("flush: %w (abort: %v)", err, aerr))
		}
		return fmt.Errorf("commit %s: flush: %w: %v", p.txnID, backend.ErrTransactionAborted, err)
	}
	err := p.client.EndTransaction(ctx, kgo.TryCommit)
	return commitOutcome(p.txnID, err == nil, err)
}

// commitOutcome maps the result of ending a transaction with TryCommit.
//
//	err == nil, committed     committed
//	err == nil, !committed    aborted by a rebalance: ErrTransactionAborted
//	fenced                    Fatal ErrFenced
//	any other err             outcome unknown: Fatal
func commitOutcome(txnID string, committed bool, err error) error {
	switch {
	case err == nil && committed:
		return nil
	case err == nil:
		return fmt.Errorf("commit %s: %w", txnID, backend.ErrTransactionAborted)
	case kerrFenced(err):
		return classify("commit", err)
	default:
		return messaging.Fatal("commit", fmt.Errorf("end transaction %s: outcome unknown: %w", txnID, err))
	}
}

func kerrFenced(err error) bool {
	return errors.Is(classify("", err), backend.ErrFenced)
}

// Abort implements backend.Producer.
func (p *Producer) Abort(ctx context.Context) error {
	if !p.Transactional() {
		return backend.ErrNotTransactional
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return nil
	}
	p.inTxn = false

	if p.session != nil {
		if _, err := p.session.End(ctx, kgo.TryAbort); err != nil {
			return classify("abort", err)
		}
		return nil
	}
	if err := p.client.AbortBufferedRecords(ctx); err != nil {
		return classify("abort", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		return classify("abort", err)
	}
	return nil
}

// Close implements backend.Producer. A bound producer leaves the session
// to its consumer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.owned {
		p.client.Close()
	}
	return nil
}
