package subscription

import (
	"context"

	"messagebus/internal/backend"
	"messagebus/internal/config"
	"messagebus/pkg/messaging"
)

// =============================================================================
// DURABLE AND EVENT-LOG SUBSCRIPTIONS
// =============================================================================
//
// Both consume batches with at-least-once input and write their output in
// the same transaction as the consumed offsets. They differ only in what the
// processor sees for each record.
//
// =============================================================================

// NewDurable creates a durable subscription. cfg.GroupName is required and
// cfg.InstanceID makes the output transactional.
func NewDurable[K any, V any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs messaging.Codecs[K, V],
	processor messaging.DurableProcessor[K, V],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateSubscription(cfg, config.SubscriptionRules{RequireGroup: true}); err != nil {
		return nil, err
	}

	h := &batchHandler[K, V, messaging.Event[K, V]]{
		codecs: codecs,
		convert: func(r messaging.ConsumedRecord, k K, v V) messaging.Event[K, V] {
			return messaging.Event[K, V]{Topic: r.Topic, Key: k, Value: v, Headers: r.Headers}
		},
		process: processor.OnNext,
	}
	return newEngine(b, cfg, h, opts), nil
}

// NewEventLog creates an event-log subscription: a durable subscription
// whose processor also sees each record's partition, offset and timestamp.
func NewEventLog[K any, V any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs messaging.Codecs[K, V],
	processor messaging.EventLogProcessor[K, V],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateSubscription(cfg, config.SubscriptionRules{RequireGroup: true}); err != nil {
		return nil, err
	}

	h := &batchHandler[K, V, messaging.EventLogRecord[K, V]]{
		codecs: codecs,
		convert: func(r messaging.ConsumedRecord, k K, v V) messaging.EventLogRecord[K, V] {
			return messaging.EventLogRecord[K, V]{
				Topic:     r.Topic,
				Key:       k,
				Value:     v,
				Headers:   r.Headers,
				Partition: r.Partition,
				Offset:    r.Offset,
				Timestamp: r.Timestamp,
			}
		},
		process: processor.OnNext,
	}
	return newEngine(b, cfg, h, opts), nil
}

// batchHandler decodes a polled batch, hands the good records to the
// processor in one call and commits the output with every consumed offset.
type batchHandler[K any, V any, In any] struct {
	codecs  messaging.Codecs[K, V]
	convert func(messaging.ConsumedRecord, K, V) In
	process func(context.Context, []In) ([]messaging.Record, error)
}

func (h *batchHandler[K, V, In]) configure(*backend.ConsumerConfig) {}

func (h *batchHandler[K, V, In]) needsProducer() bool { return true }

func (h *batchHandler[K, V, In]) connected(context.Context, *conn) error { return nil }

func (h *batchHandler[K, V, In]) rewound(context.Context, *conn) error { return nil }

func (h *batchHandler[K, V, In]) handle(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error {
	events := make([]In, 0, len(records))
	var out []messaging.Record

	for _, r := range records {
		k, v, err := decode(h.codecs, r)
		if err != nil {
			out = append(out, c.poison(r, err)...)
			continue
		}
		events = append(events, h.convert(r, k, v))
	}

	if len(events) > 0 {
		produced, err := h.process(context.WithoutCancel(ctx), events)
		if err != nil {
			return processorError(err)
		}
		out = append(out, produced...)
	}

	return c.commit(ctx, records, out)
}

// decode turns a record into its typed key and value. A nil value decodes
// to the zero V without touching the codec.
func decode[K any, V any](codecs messaging.Codecs[K, V], r messaging.ConsumedRecord) (K, V, error) {
	var v V
	k, err := codecs.Key.Decode(r.Key)
	if err != nil {
		return k, v, err
	}
	if r.Value == nil {
		return k, v, nil
	}
	v, err = codecs.Value.Decode(r.Value)
	return k, v, err
}
