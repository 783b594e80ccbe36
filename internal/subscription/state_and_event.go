package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"messagebus/internal/backend"
	"messagebus/internal/config"
	"messagebus/pkg/messaging"
)

// =============================================================================
// STATE-AND-EVENT SUBSCRIPTION - KEYED STATE THAT TRAVELS WITH ITS PARTITION
// =============================================================================
//
// Events and states live on two co-partitioned topics. Because both use the
// same key bytes and the same partition count, the state for an event's key
// is always on the state partition with the event's index:
//
//   events/3 ──► OnNext(state, event) ──► new state ──► states/3
//      ▲                 ▲                                  │
//      │                 └──── loaded when 3 is assigned ◄──┘
//      └── offset committed in the same transaction as the new state
//
// States are loaded lazily, on the first batch after a partition arrives,
// by reading its state partition to end. New states are staged while a
// batch runs and only become visible to the next batch once its
// transaction commits, so a replayed batch always sees committed state.
//
// =============================================================================

// StateAndEventCodecs are the codecs of a state-and-event subscription.
type StateAndEventCodecs[K any, S any, E any] struct {
	Key   messaging.Codec[K]
	State messaging.Codec[S]
	Event messaging.Codec[E]
}

// NewStateAndEvent creates a state-and-event subscription. cfg.GroupName
// and cfg.StateTopic are required; listener may be nil.
func NewStateAndEvent[K comparable, S any, E any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs StateAndEventCodecs[K, S, E],
	processor messaging.StateAndEventProcessor[K, S, E],
	listener messaging.StateAndEventListener[K, S],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	rules := config.SubscriptionRules{RequireGroup: true, RequireStateTopic: true}
	if err := config.ValidateSubscription(cfg, rules); err != nil {
		return nil, err
	}

	h := &stateHandler[K, S, E]{
		b:         b,
		cfg:       cfg,
		codecs:    codecs,
		processor: processor,
		listener:  listener,
		pending:   make(map[int]bool),
		states:    make(map[int]map[K]S),
	}
	e := newEngine(b, cfg, h, opts)
	h.e = e
	return e, nil
}

type stateHandler[K comparable, S any, E any] struct {
	e         *Engine
	b         backend.Backend
	cfg       messaging.SubscriptionConfig
	codecs    StateAndEventCodecs[K, S, E]
	processor messaging.StateAndEventProcessor[K, S, E]
	listener  messaging.StateAndEventListener[K, S]

	mu      sync.Mutex
	pending map[int]bool    // assigned, state not loaded yet
	states  map[int]map[K]S // loaded state per partition
}

func (h *stateHandler[K, S, E]) configure(*backend.ConsumerConfig) {}

func (h *stateHandler[K, S, E]) needsProducer() bool { return true }

func (h *stateHandler[K, S, E]) rewound(context.Context, *conn) error { return nil }

// connected checks that both topics exist with the same partition count.
func (h *stateHandler[K, S, E]) connected(ctx context.Context, _ *conn) error {
	topics, err := h.b.Topics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	events, ok := topics[h.cfg.EventTopic]
	if !ok {
		return messaging.Fatal("connect", fmt.Errorf("event topic %s does not exist", h.cfg.EventTopic))
	}
	states, ok := topics[h.cfg.StateTopic]
	if !ok {
		return messaging.Fatal("connect", fmt.Errorf("state topic %s does not exist", h.cfg.StateTopic))
	}
	if events.Partitions != states.Partitions {
		return messaging.Fatal("connect", fmt.Errorf(
			"state topic %s has %d partitions, event topic %s has %d: topics must be co-partitioned",
			h.cfg.StateTopic, states.Partitions, h.cfg.EventTopic, events.Partitions))
	}
	return nil
}

func (h *stateHandler[K, S, E]) partitionsAssigned(partitions []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range partitions {
		h.pending[p] = true
	}
}

func (h *stateHandler[K, S, E]) partitionsUnassigned(partitions []int) {
	h.mu.Lock()
	lost := make(map[K]S)
	for _, p := range partitions {
		for k, s := range h.states[p] {
			lost[k] = s
		}
		delete(h.states, p)
		delete(h.pending, p)
	}
	h.mu.Unlock()

	if h.listener != nil && len(partitions) > 0 {
		h.listener.OnPartitionLost(lost)
	}
}

// load reads the state partitions that were assigned since the last batch.
func (h *stateHandler[K, S, E]) load(ctx context.Context) error {
	h.mu.Lock()
	var todo []int
	for p := range h.pending {
		todo = append(todo, p)
	}
	h.mu.Unlock()
	sort.Ints(todo)

	for _, p := range todo {
		states, err := h.readPartition(ctx, p)
		if err != nil {
			return err
		}

		h.mu.Lock()
		if !h.pending[p] {
			// revoked while loading
			h.mu.Unlock()
			continue
		}
		delete(h.pending, p)
		h.states[p] = states
		h.mu.Unlock()

		h.e.logger.Info("state partition synced",
			"topic", h.cfg.StateTopic,
			"partition", p,
			"keys", len(states))
		if h.listener != nil {
			snapshot := make(map[K]S, len(states))
			for k, s := range states {
				snapshot[k] = s
			}
			h.listener.OnPartitionSynced(snapshot)
		}
	}
	return nil
}

func (h *stateHandler[K, S, E]) readPartition(ctx context.Context, p int) (map[K]S, error) {
	consumer, err := h.b.NewConsumer(ctx, backend.ConsumerConfig{
		Topic:      h.cfg.StateTopic,
		Partitions: []int{p},
		Start:      backend.StartEarliest,
		BatchSize:  h.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open state partition %d: %w", p, err)
	}
	defer consumer.Close()

	records, err := backend.ReadToEnd(ctx, consumer, h.cfg.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("read state partition %d: %w", p, err)
	}

	states := make(map[K]S)
	for _, r := range records {
		k, err := h.codecs.Key.Decode(r.Key)
		if err != nil {
			h.e.logger.Warn("undecodable state key", "partition", p, "offset", r.Offset, "error", err)
			continue
		}
		if r.IsTombstone() {
			delete(states, k)
			continue
		}
		s, err := h.codecs.State.Decode(r.Value)
		if err != nil {
			h.e.logger.Warn("undecodable state", "partition", p, "offset", r.Offset, "error", err)
			continue
		}
		states[k] = s
	}
	return states, nil
}

func (h *stateHandler[K, S, E]) current(staged map[int]map[K]*S, p int, k K) *S {
	if s, ok := staged[p][k]; ok {
		return s
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[p][k]; ok {
		return &s
	}
	return nil
}

func (h *stateHandler[K, S, E]) handle(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error {
	if err := h.load(ctx); err != nil {
		return err
	}

	pctx := context.WithoutCancel(ctx)
	staged := make(map[int]map[K]*S)
	updated := make(map[K]*S)
	var out []messaging.Record

	for _, r := range records {
		k, err := h.codecs.Key.Decode(r.Key)
		var ev E
		if err == nil && r.Value != nil {
			ev, err = h.codecs.Event.Decode(r.Value)
		}
		if err != nil {
			out = append(out, c.poison(r, err)...)
			continue
		}

		resp, err := h.processor.OnNext(pctx, h.current(staged, r.Partition, k), messaging.Event[K, E]{
			Topic:   r.Topic,
			Key:     k,
			Value:   ev,
			Headers: r.Headers,
		})
		if err != nil {
			return processorError(err)
		}

		stateRecord := messaging.Record{Topic: h.cfg.StateTopic, Key: r.Key}
		if resp.UpdatedState != nil {
			value, err := h.codecs.State.Encode(*resp.UpdatedState)
			if err != nil {
				return messaging.Fatal("encode state", err)
			}
			stateRecord.Value = value
		}
		out = append(out, stateRecord)
		out = append(out, resp.Records...)

		if staged[r.Partition] == nil {
			staged[r.Partition] = make(map[K]*S)
		}
		staged[r.Partition][k] = resp.UpdatedState
		updated[k] = resp.UpdatedState
	}

	if err := c.commit(ctx, records, out); err != nil {
		return err
	}

	h.mu.Lock()
	for p, changes := range staged {
		states, ok := h.states[p]
		if !ok {
			// partition revoked mid-batch
			continue
		}
		for k, s := range changes {
			if s == nil {
				delete(states, k)
			} else {
				states[k] = *s
			}
		}
	}
	h.mu.Unlock()

	if h.listener != nil && len(updated) > 0 {
		h.listener.OnPostCommit(updated)
	}
	return nil
}
