// =============================================================================
// PARTITION ALLOCATOR - SPLITTING A TOPIC ACROSS LISTENERS
// =============================================================================
//
// WHAT IS IT?
// Backends without a broker-side group protocol (the SQL bus, the in-memory
// bus) still need every partition of a topic consumed by exactly one member
// of a group. The allocator is that bookkeeping: listeners register per topic
// and the topic's partitions are re-split across all of them on every join
// or leave.
//
// ALGORITHM (splitEqually):
//
//   Partitions in order, listeners in registration order. Each listener takes
//   ceil(remainingPartitions / remainingListeners) off the front.
//
//   5 partitions, 2 listeners:    A=[1 2 3]  B=[4 5]
//   5 partitions, 3 listeners:    A=[1 2]    B=[3 4]  C=[5]
//
//   Sizes differ by at most one, each listener's range is contiguous, and the
//   union is the full partition set with no overlap.
//
// REBALANCE DELTAS:
//
//   After computing the new split the allocator diffs it against the previous
//   one, per listener:
//
//     unassigned = previous − new      assigned = new − previous
//
//   Every listener first gets OnPartitionsUnassigned, then every listener gets
//   OnPartitionsAssigned. Listeners whose allocation did not change still get
//   both calls, with empty slices.
//
// CONCURRENCY:
//
//   One mutex per topic. Registrations on the same topic are serialized (and
//   the callbacks run under that mutex, so a listener must not call back into
//   the allocator from a callback). Different topics rebalance concurrently.
//   Rebalances do not pause traffic: listeners must stop working on
//   unassigned partitions promptly.
//
// COMPARISON:
//   - Kafka: the group coordinator does this on the broker (range/sticky/
//     cooperative assignors). The Kafka backend delegates to it.
//   - SQL bus: no coordinator, so allocation is advisory and process-local.
//
// =============================================================================

package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"messagebus/internal/metrics"
	"messagebus/pkg/messaging"
)

var (
	// ErrUnknownTopic is returned when registering against a topic the
	// backend does not have.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrListenerRegistered is returned on a second registration of the same
	// listener for a topic.
	ErrListenerRegistered = errors.New("listener already registered")

	// ErrListenerNotRegistered is returned when unregistering a stranger.
	ErrListenerNotRegistered = errors.New("listener not registered")

	// ErrAllocatorNotRunning is returned before Start and after Stop.
	ErrAllocatorNotRunning = errors.New("partition allocator not running")
)

// Listener receives allocation changes. Implementations must be comparable
// (pointer receivers are the norm) since they are tracked by identity.
type Listener = messaging.RebalanceListener

// TopicSource lists the topics a backend knows about.
type TopicSource interface {
	Topics(ctx context.Context) (map[string]messaging.TopicInfo, error)
}

// AllocatorState is the lifecycle of an Allocator.
type AllocatorState int

const (
	AllocatorNotStarted AllocatorState = iota
	AllocatorRunning
	AllocatorStopped
)

func (s AllocatorState) String() string {
	switch s {
	case AllocatorNotStarted:
		return "not_started"
	case AllocatorRunning:
		return "running"
	case AllocatorStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	Source  TopicSource
	Logger  *slog.Logger
	Metrics *metrics.AllocatorMetrics
}

// Allocator rebalances each topic's partitions across registered listeners.
type Allocator struct {
	source  TopicSource
	logger  *slog.Logger
	metrics *metrics.AllocatorMetrics

	mu     sync.RWMutex
	state  AllocatorState
	topics map[string]*topicAllocation
}

type topicAllocation struct {
	mu         sync.Mutex
	topic      string
	partitions []int
	listeners  []Listener
	allocation map[Listener][]int
}

// NewAllocator creates an allocator. Call Start before registering.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		source:  cfg.Source,
		logger:  logger.With("component", "partition-allocator"),
		metrics: cfg.Metrics,
		topics:  make(map[string]*topicAllocation),
	}
}

// Start loads the topic → partition count map once. Idempotent while
// running.
func (a *Allocator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case AllocatorRunning:
		return nil
	case AllocatorStopped:
		return ErrAllocatorNotRunning
	}

	if err := a.loadTopicsLocked(ctx); err != nil {
		return err
	}
	a.state = AllocatorRunning
	a.logger.Info("partition allocator started", "topics", len(a.topics))
	return nil
}

// Stop ends the allocator. Idempotent.
func (a *Allocator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AllocatorStopped {
		return
	}
	a.state = AllocatorStopped
	a.logger.Info("partition allocator stopped")
}

// State returns the lifecycle state.
func (a *Allocator) State() AllocatorState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// loadTopicsLocked adds topics not yet known. Partition counts of known
// topics are never touched since they cannot change.
func (a *Allocator) loadTopicsLocked(ctx context.Context) error {
	if a.source == nil {
		return nil
	}
	infos, err := a.source.Topics(ctx)
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}
	for name, info := range infos {
		if _, exists := a.topics[name]; exists {
			continue
		}
		partitions := make([]int, info.Partitions)
		for i := range partitions {
			partitions[i] = i + 1
		}
		a.topics[name] = &topicAllocation{
			topic:      name,
			partitions: partitions,
			allocation: make(map[Listener][]int),
		}
	}
	return nil
}

// topic returns the per-topic record. An unknown topic triggers one reload
// so topics created after Start can still be used.
func (a *Allocator) topic(ctx context.Context, name string) (*topicAllocation, error) {
	a.mu.RLock()
	state := a.state
	ta, ok := a.topics[name]
	a.mu.RUnlock()

	if state != AllocatorRunning {
		return nil, ErrAllocatorNotRunning
	}
	if ok {
		return ta, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ta, ok := a.topics[name]; ok {
		return ta, nil
	}
	if err := a.loadTopicsLocked(ctx); err != nil {
		return nil, err
	}
	if ta, ok := a.topics[name]; ok {
		return ta, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
}

// Register adds listener to topic and rebalances the topic.
func (a *Allocator) Register(ctx context.Context, topic string, listener Listener) error {
	ta, err := a.topic(ctx, topic)
	if err != nil {
		return err
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()

	for _, l := range ta.listeners {
		if l == listener {
			return fmt.Errorf("%w: topic %s", ErrListenerRegistered, topic)
		}
	}
	ta.listeners = append(ta.listeners, listener)
	a.rebalanceLocked(ta, nil)
	return nil
}

// Unregister removes listener from topic, revokes its partitions and
// rebalances the rest.
func (a *Allocator) Unregister(ctx context.Context, topic string, listener Listener) error {
	ta, err := a.topic(ctx, topic)
	if err != nil {
		return err
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()

	idx := -1
	for i, l := range ta.listeners {
		if l == listener {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: topic %s", ErrListenerNotRegistered, topic)
	}
	ta.listeners = append(ta.listeners[:idx:idx], ta.listeners[idx+1:]...)
	a.rebalanceLocked(ta, listener)
	return nil
}

// Allocation returns a copy of the current split for topic.
func (a *Allocator) Allocation(topic string) map[Listener][]int {
	a.mu.RLock()
	ta, ok := a.topics[topic]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	ta.mu.Lock()
	defer ta.mu.Unlock()
	out := make(map[Listener][]int, len(ta.allocation))
	for l, parts := range ta.allocation {
		out[l] = append([]int(nil), parts...)
	}
	return out
}

// rebalanceLocked recomputes the split and notifies listeners. removed, if
// non-nil, is a listener that just left and loses everything it held.
func (a *Allocator) rebalanceLocked(ta *topicAllocation, removed Listener) {
	split := SplitEqually(ta.partitions, len(ta.listeners))

	type delta struct {
		listener   Listener
		unassigned []int
		assigned   []int
	}
	deltas := make([]delta, 0, len(ta.listeners)+1)
	next := make(map[Listener][]int, len(ta.listeners))
	moved := 0

	if removed != nil {
		if prev := ta.allocation[removed]; len(prev) > 0 {
			deltas = append(deltas, delta{listener: removed, unassigned: prev})
		}
	}

	for i, l := range ta.listeners {
		prev := ta.allocation[l]
		cur := split[i]
		next[l] = cur
		d := delta{
			listener:   l,
			unassigned: difference(prev, cur),
			assigned:   difference(cur, prev),
		}
		moved += len(d.assigned)
		deltas = append(deltas, d)
	}
	ta.allocation = next

	for _, d := range deltas {
		d.listener.OnPartitionsUnassigned(ta.topic, d.unassigned)
	}
	for _, d := range deltas {
		if d.listener == removed {
			continue
		}
		d.listener.OnPartitionsAssigned(ta.topic, d.assigned)
	}

	a.metrics.RecordRebalance(ta.topic, len(ta.listeners), moved)
	a.logger.Debug("topic rebalanced",
		"topic", ta.topic,
		"listeners", len(ta.listeners),
		"partitions_moved", moved)
}

// SplitEqually allocates partitions to n listeners in order. Listener i gets
// ceil(remaining/remainingListeners) partitions from the front of what is
// left.
func SplitEqually(partitions []int, n int) [][]int {
	out := make([][]int, n)
	remaining := partitions
	for i := 0; i < n; i++ {
		left := n - i
		take := (len(remaining) + left - 1) / left
		out[i] = append([]int(nil), remaining[:take]...)
		remaining = remaining[take:]
	}
	return out
}

// difference returns the elements of a not in b, in a's order.
func difference(a, b []int) []int {
	if len(a) == 0 {
		return []int{}
	}
	in := make(map[int]struct{}, len(b))
	for _, v := range b {
		in[v] = struct{}{}
	}
	out := make([]int, 0, len(a))
	for _, v := range a {
		if _, ok := in[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
