package subscription

import (
	"bytes"
	"context"
	"time"

	"messagebus/internal/backend"
	"messagebus/internal/config"
	"messagebus/pkg/messaging"
)

// =============================================================================
// COMPACTED SUBSCRIPTION - FOLLOW A CHANGELOG
// =============================================================================
//
// A compacted subscription reads every partition of its topic from the
// beginning, with no group and no commits:
//
//   connect ──► read to end ──► OnFirst(snapshot)      once per subscription
//                                   │
//   poll ──► apply ──► OnNext(key, new, old, snapshot)  per record
//
// On a reconnect (or a rewind) the topic is read to end again and the fresh
// snapshot is diffed against the live one, raw bytes against raw bytes, so
// the processor sees exactly the keys that changed while it was away and
// never a second OnFirst.
//
// The snapshot map handed to the processor is the live map. It is only
// mutated on the subscription's worker, between callbacks. Copy it to keep
// it.
//
// =============================================================================

// NewCompacted creates a compacted subscription. cfg.GroupName must be
// empty.
func NewCompacted[K comparable, V any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs messaging.Codecs[K, V],
	processor messaging.CompactedProcessor[K, V],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateSubscription(cfg, config.SubscriptionRules{ForbidGroup: true}); err != nil {
		return nil, err
	}

	h := &compactedHandler[K, V]{
		codecs:      codecs,
		processor:   processor,
		pollTimeout: cfg.PollTimeout,
		data:        make(map[K]V),
		raw:         make(map[K][]byte),
	}
	e := newEngine(b, cfg, h, opts)
	h.e = e
	return e, nil
}

type compactedHandler[K comparable, V any] struct {
	e           *Engine
	codecs      messaging.Codecs[K, V]
	processor   messaging.CompactedProcessor[K, V]
	pollTimeout time.Duration

	// worker-owned
	data   map[K]V
	raw    map[K][]byte
	synced bool
}

func (h *compactedHandler[K, V]) configure(cfg *backend.ConsumerConfig) {
	cfg.Group = ""
	cfg.Start = backend.StartEarliest
	cfg.TransactionalID = ""
}

func (h *compactedHandler[K, V]) needsProducer() bool { return false }

func (h *compactedHandler[K, V]) connected(ctx context.Context, c *conn) error {
	return h.sync(ctx, c)
}

func (h *compactedHandler[K, V]) rewound(ctx context.Context, c *conn) error {
	return h.sync(ctx, c)
}

// sync reads the topic to end from the consumer's current position, which
// is the beginning after a connect or a rewind.
func (h *compactedHandler[K, V]) sync(ctx context.Context, c *conn) error {
	records, err := backend.ReadToEnd(ctx, c.consumer, h.pollTimeout)
	if err != nil {
		return err
	}

	fresh := make(map[K]V)
	freshRaw := make(map[K][]byte)
	for _, r := range records {
		k, err := h.codecs.Key.Decode(r.Key)
		if err != nil {
			c.poison(r, err)
			continue
		}
		if r.IsTombstone() {
			delete(fresh, k)
			delete(freshRaw, k)
			continue
		}
		v, err := h.codecs.Value.Decode(r.Value)
		if err != nil {
			c.poison(r, err)
			continue
		}
		fresh[k] = v
		freshRaw[k] = r.Value
	}

	if !h.synced {
		h.data, h.raw = fresh, freshRaw
		h.synced = true
		h.e.logger.Info("compacted snapshot loaded", "keys", len(h.data))
		h.processor.OnFirst(h.data)
		return nil
	}

	// Reconnected: replay only what changed while away.
	for k, raw := range freshRaw {
		if old, ok := h.raw[k]; ok && bytes.Equal(old, raw) {
			continue
		}
		h.put(k, fresh[k], raw)
	}
	for k := range h.raw {
		if _, ok := freshRaw[k]; !ok {
			h.remove(k)
		}
	}
	return nil
}

func (h *compactedHandler[K, V]) handle(_ context.Context, c *conn, records []messaging.ConsumedRecord) error {
	for _, r := range records {
		k, err := h.codecs.Key.Decode(r.Key)
		if err != nil {
			c.poison(r, err)
			continue
		}
		if r.IsTombstone() {
			if _, ok := h.raw[k]; ok {
				h.remove(k)
			}
			continue
		}
		v, err := h.codecs.Value.Decode(r.Value)
		if err != nil {
			c.poison(r, err)
			continue
		}
		h.put(k, v, r.Value)
	}
	return nil
}

func (h *compactedHandler[K, V]) put(k K, v V, raw []byte) {
	var oldPtr *V
	if old, ok := h.data[k]; ok {
		oldPtr = &old
	}
	h.data[k] = v
	h.raw[k] = raw
	newValue := v
	h.processor.OnNext(k, &newValue, oldPtr, h.data)
}

func (h *compactedHandler[K, V]) remove(k K) {
	old := h.data[k]
	delete(h.data, k)
	delete(h.raw, k)
	h.processor.OnNext(k, nil, &old, h.data)
}
