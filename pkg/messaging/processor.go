// =============================================================================
// PROCESSOR CONTRACTS
// =============================================================================
//
// A processor is the pluggable unit of business logic. The subscription
// engine owns polling, decoding, retries and commits; the processor only
// sees typed input and returns output.
//
//   ┌──────────────────┬───────────────────────────┬──────────────────────────┐
//   │ Variant          │ Input                     │ Output                   │
//   ├──────────────────┼───────────────────────────┼──────────────────────────┤
//   │ Durable          │ batch of events           │ records (transactional)  │
//   │ EventLog         │ batch + partition/offset  │ records (transactional)  │
//   │ StateAndEvent    │ (state or nil, event)     │ new state + records      │
//   │ Compacted        │ snapshot, then updates    │ none (read path)         │
//   │ PubSub           │ one event                 │ future awaited by engine │
//   │ SyncRPC          │ one request               │ one response             │
//   │ Responder        │ one request               │ one response             │
//   └──────────────────┴───────────────────────────┴──────────────────────────┘
//
// Processor callbacks run synchronously on the subscription's single worker.
// The engine will not poll again until the current call returns, so a slow
// processor is its own backpressure.
//
// Returning an error tagged Intermittent asks the engine to redeliver. Any
// other error stops the subscription.
//
// =============================================================================

package messaging

import (
	"context"
	"time"
)

// Event is a decoded record handed to a processor.
type Event[K any, V any] struct {
	Topic   string
	Key     K
	Value   V
	Headers map[string]string
}

// EventLogRecord is an event with its position in the partition.
type EventLogRecord[K any, V any] struct {
	Topic     string
	Key       K
	Value     V
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// DurableProcessor consumes batches with at-least-once input and
// transactional output.
type DurableProcessor[K any, V any] interface {
	OnNext(ctx context.Context, events []Event[K, V]) ([]Record, error)
}

// EventLogProcessor is a DurableProcessor that also sees partition metadata.
type EventLogProcessor[K any, V any] interface {
	OnNext(ctx context.Context, events []EventLogRecord[K, V]) ([]Record, error)
}

// StateAndEventResponse is what a StateAndEventProcessor returns for one
// event. A nil UpdatedState deletes the key's state.
type StateAndEventResponse[S any] struct {
	UpdatedState *S
	Records      []Record
}

// StateAndEventProcessor folds events into per-key state. The state for a
// key travels with the key's partition.
type StateAndEventProcessor[K comparable, S any, E any] interface {
	OnNext(ctx context.Context, state *S, event Event[K, E]) (StateAndEventResponse[S], error)
}

// StateAndEventListener is notified as state partitions are loaded and
// committed. Optional.
type StateAndEventListener[K comparable, S any] interface {
	OnPartitionSynced(states map[K]S)
	OnPartitionLost(states map[K]S)
	OnPostCommit(updatedStates map[K]*S)
}

// CompactedProcessor follows a compacted topic. OnFirst fires exactly once
// with the latest value per key; each later change arrives through OnNext
// with the refreshed snapshot. A nil newValue is a tombstone.
type CompactedProcessor[K comparable, V any] interface {
	OnFirst(currentData map[K]V)
	OnNext(key K, newValue *V, oldValue *V, currentData map[K]V)
}

// PubSubProcessor handles one event at a time with at-most-once delivery.
// The engine waits for the returned future before pulling the next record.
type PubSubProcessor[K any, V any] interface {
	OnNext(ctx context.Context, event Event[K, V]) *Future[struct{}]
}

// SyncRPCProcessor answers one request with one response. The transport may
// retry, so implementations must be idempotent. Return an error tagged
// Transient to tell the caller a retry may succeed.
type SyncRPCProcessor[Req any, Resp any] interface {
	Process(ctx context.Context, request Req) (Resp, error)
}

// Responder answers requests that arrive on a request topic.
type Responder[Req any, Resp any] interface {
	Respond(ctx context.Context, request Req) (Resp, error)
}

// RebalanceListener is told when partitions move to or away from a
// subscription. Partitions are 1-based.
type RebalanceListener interface {
	OnPartitionsAssigned(topic string, partitions []int)
	OnPartitionsUnassigned(topic string, partitions []int)
}

// Func adapters.

// DurableFunc adapts a function to DurableProcessor.
type DurableFunc[K any, V any] func(ctx context.Context, events []Event[K, V]) ([]Record, error)

func (f DurableFunc[K, V]) OnNext(ctx context.Context, events []Event[K, V]) ([]Record, error) {
	return f(ctx, events)
}

// PubSubFunc adapts a function to PubSubProcessor.
type PubSubFunc[K any, V any] func(ctx context.Context, event Event[K, V]) *Future[struct{}]

func (f PubSubFunc[K, V]) OnNext(ctx context.Context, event Event[K, V]) *Future[struct{}] {
	return f(ctx, event)
}

// SyncRPCFunc adapts a function to SyncRPCProcessor.
type SyncRPCFunc[Req any, Resp any] func(ctx context.Context, request Req) (Resp, error)

func (f SyncRPCFunc[Req, Resp]) Process(ctx context.Context, request Req) (Resp, error) {
	return f(ctx, request)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc[Req any, Resp any] func(ctx context.Context, request Req) (Resp, error)

func (f ResponderFunc[Req, Resp]) Respond(ctx context.Context, request Req) (Resp, error) {
	return f(ctx, request)
}
