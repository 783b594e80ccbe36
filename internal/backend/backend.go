// =============================================================================
// BACKEND CONTRACT - WHAT A TRANSPORT MUST PROVIDE
// =============================================================================
//
// WHY AN INTERFACE?
// The subscription engine and the publisher are written once. Each backend
// only has to provide partitioned topics, consumers and producers with the
// semantics below:
//
// ┌──────────────────────────────────────────────────────────────────────────┐
// │                                                                          │
// │   ┌──────────────────────┐        ┌──────────────────────┐               │
// │   │  subscription.Engine │        │ publisher.Publisher  │               │
// │   └──────────┬───────────┘        └──────────┬───────────┘               │
// │              │ Consumer + Producer           │ Producer                  │
// │              └────────────────┬──────────────┘                           │
// │                               ▼                                          │
// │            ┌─────────────────────────────────────────┐                   │
// │            │            backend.Backend              │                   │
// │            └───────┬───────────────┬─────────────┬───┘                   │
// │                    │               │             │                       │
// │            ┌───────┴──────┐ ┌──────┴─────┐ ┌─────┴──────┐                │
// │            │    kafka     │ │   sqldb    │ │   memory   │                │
// │            │ (franz-go)   │ │  (sqlite)  │ │  (tests)   │                │
// │            │ broker group │ │ allocator  │ │ allocator  │                │
// │            │ protocol     │ │ (advisory) │ │            │                │
// │            └──────────────┘ └────────────┘ └────────────┘                │
// │                                                                          │
// └──────────────────────────────────────────────────────────────────────────┘
//
// SEMANTICS EVERY BACKEND HONORS:
//   - Partitions are 1-based. A record's partition is partition.Assign(key, n).
//   - Offsets are per partition; the committed offset is the NEXT to read.
//   - Consumers read committed data only. Records of an open or aborted
//     transaction are never returned.
//   - A transactional producer's Send, SendOffsets and Commit either all
//     become visible or none do.
//   - Connection-level failures are returned tagged Intermittent. Anything
//     returned untagged is treated as Fatal by the engine.
//
// =============================================================================

package backend

import (
	"context"
	"errors"
	"time"

	"messagebus/pkg/messaging"
)

var (
	// ErrNotTransactional is returned by Begin/Commit/Abort on a producer
	// created without a transactional id.
	ErrNotTransactional = errors.New("producer is not transactional")

	// ErrNoTransaction is returned when a transactional operation runs with
	// no open transaction.
	ErrNoTransaction = errors.New("no open transaction")

	// ErrTransactionAborted is returned by Commit when the backend aborted
	// the transaction itself (a rebalance, a fenced commit). Nothing from
	// the transaction is visible and the batch can be retried.
	ErrTransactionAborted = errors.New("transaction aborted by backend")

	// ErrFenced is returned once a newer producer with the same
	// transactional id has taken over.
	ErrFenced = errors.New("producer fenced by a newer instance")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("handle closed")
)

// StartPosition says where a consumer without a committed offset begins.
type StartPosition int

const (
	// StartCommitted resumes from the group's committed offset and falls back
	// to the earliest offset.
	StartCommitted StartPosition = iota
	StartEarliest
	StartLatest
)

func (p StartPosition) String() string {
	switch p {
	case StartCommitted:
		return "committed"
	case StartEarliest:
		return "earliest"
	case StartLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// ConsumerConfig configures a consumer.
type ConsumerConfig struct {
	// Group is the consumer group. Empty means no group: the consumer reads
	// Partitions (or all partitions) and never commits.
	Group string

	Topic string

	// Partitions pins the consumer to these partitions instead of taking
	// part in group assignment. Only valid without a group.
	Partitions []int

	Start     StartPosition
	BatchSize int

	// Listener is told about partition assignment changes. Optional.
	Listener messaging.RebalanceListener

	// TransactionalID is set when the consumer feeds a transactional
	// producer. Some backends need it at consumer creation.
	TransactionalID string
}

// ProducerConfig configures a producer.
type ProducerConfig struct {
	// TransactionalID makes the producer transactional. Creating a second
	// producer with the same id fences the first.
	TransactionalID string

	// Consumer binds the producer to the consumer whose offsets it commits.
	Consumer Consumer
}

// Backend creates consumers and producers over one set of topics.
type Backend interface {
	// Topics lists every topic with its partition count.
	Topics(ctx context.Context) (map[string]messaging.TopicInfo, error)

	// CreateTopic creates a topic. Creating an existing topic with the same
	// partition count is not an error.
	CreateTopic(ctx context.Context, info messaging.TopicInfo) error

	NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)
	NewProducer(ctx context.Context, cfg ProducerConfig) (Producer, error)

	// CommittedOffsets returns topic -> partition -> committed offset for
	// group.
	CommittedOffsets(ctx context.Context, group string) (map[string]map[int]int64, error)

	Close() error
}

// Consumer reads one topic.
type Consumer interface {
	// Poll returns up to BatchSize records, waiting at most timeout when
	// nothing is available. An empty result is not an error.
	Poll(ctx context.Context, timeout time.Duration) ([]messaging.ConsumedRecord, error)

	// Commit commits the offsets after records outside any transaction.
	Commit(ctx context.Context, records []messaging.ConsumedRecord) error

	// ResetToCommitted rewinds every assigned partition to its committed
	// offset (or the start position when nothing is committed).
	ResetToCommitted(ctx context.Context) error

	// Positions returns the next offset this consumer will read, per
	// assigned partition.
	Positions() map[int]int64

	// EndOffsets returns the offset after the last committed record, per
	// assigned partition.
	EndOffsets(ctx context.Context) (map[int]int64, error)

	// Assignment returns the currently assigned partitions, ascending.
	Assignment() []int

	Close() error
}

// Producer writes records, optionally under a transaction.
type Producer interface {
	Begin(ctx context.Context) error

	// Send writes records and returns their metadata in input order.
	Send(ctx context.Context, records []messaging.Record) ([]messaging.RecordMetadata, error)

	// SendOffsets attaches the offsets after records to the open
	// transaction, committed for group when the transaction commits.
	SendOffsets(ctx context.Context, group string, records []messaging.ConsumedRecord) error

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error

	Transactional() bool

	Close() error
}

// CaughtUp reports whether c has read everything committed on its
// assigned partitions.
func CaughtUp(ctx context.Context, c Consumer) (bool, error) {
	ends, err := c.EndOffsets(ctx)
	if err != nil {
		return false, err
	}
	positions := c.Positions()
	for _, p := range c.Assignment() {
		if positions[p] < ends[p] {
			return false, nil
		}
	}
	return true, nil
}

// ReadToEnd polls c until it is caught up and returns the records read.
func ReadToEnd(ctx context.Context, c Consumer, pollTimeout time.Duration) ([]messaging.ConsumedRecord, error) {
	var out []messaging.ConsumedRecord
	for {
		done, err := CaughtUp(ctx, c)
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		records, err := c.Poll(ctx, pollTimeout)
		if err != nil {
			return out, err
		}
		out = append(out, records...)
	}
}
