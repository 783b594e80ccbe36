package subscription

import (
	"context"

	"messagebus/internal/backend"
	"messagebus/internal/config"
	"messagebus/pkg/messaging"
)

// NewPubSub creates an at-most-once subscription. New groups start at the
// end of the topic. Offsets are committed before the records are handed to
// the processor, so a crash loses the batch instead of replaying it.
//
// The processor is called once per record and the engine waits for its
// future before the next one. A failed future is logged and the
// subscription moves on.
func NewPubSub[K any, V any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs messaging.Codecs[K, V],
	processor messaging.PubSubProcessor[K, V],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateSubscription(cfg, config.SubscriptionRules{}); err != nil {
		return nil, err
	}
	return newEngine(b, cfg, &pubSubHandler[K, V]{codecs: codecs, processor: processor}, opts), nil
}

type pubSubHandler[K any, V any] struct {
	codecs    messaging.Codecs[K, V]
	processor messaging.PubSubProcessor[K, V]
}

func (h *pubSubHandler[K, V]) configure(cfg *backend.ConsumerConfig) {
	cfg.Start = backend.StartLatest
	cfg.TransactionalID = ""
}

func (h *pubSubHandler[K, V]) needsProducer() bool { return false }

func (h *pubSubHandler[K, V]) connected(context.Context, *conn) error { return nil }

func (h *pubSubHandler[K, V]) rewound(context.Context, *conn) error { return nil }

func (h *pubSubHandler[K, V]) handle(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error {
	if c.e.cfg.GroupName != "" {
		if err := c.commitOffsets(context.WithoutCancel(ctx), records); err != nil {
			return err
		}
		if c.e.tracker != nil {
			c.e.tracker.UpdateRecords(c.e.cfg.GroupName, records)
		}
	}

	for _, r := range records {
		k, v, err := decode(h.codecs, r)
		if err != nil {
			c.poison(r, err)
			continue
		}

		future := h.processor.OnNext(context.WithoutCancel(ctx), messaging.Event[K, V]{
			Topic:   r.Topic,
			Key:     k,
			Value:   v,
			Headers: r.Headers,
		})
		if future == nil {
			continue
		}
		if _, err := future.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.e.logger.Warn("pub/sub processor failed, record dropped",
				"topic", r.Topic,
				"partition", r.Partition,
				"offset", r.Offset,
				"error", err)
		}
	}
	return nil
}
