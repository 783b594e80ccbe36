package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"messagebus/internal/backend"
	"messagebus/pkg/messaging"
)

// conn is one connection's consumer and (optional) producer.
type conn struct {
	e        *Engine
	consumer backend.Consumer
	producer backend.Producer
}

func (c *conn) transactional() bool {
	return c.producer != nil && c.producer.Transactional()
}

func (c *conn) close() {
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			c.e.logger.Warn("close producer", "error", err)
		}
	}
	if err := c.consumer.Close(); err != nil {
		c.e.logger.Warn("close consumer", "error", err)
	}
}

// =============================================================================
// COMMIT
// =============================================================================
//
//   transactional                      non-transactional
//   ─────────────                      ─────────────────
//   Begin                              Send(out)          (at-least-once)
//   Send(out)                          Commit(consumed)   (CommitRetries)
//   SendOffsets(group, consumed)
//   Commit ── fails ──► Fatal, unless the backend aborted the transaction
//                       itself, which is safe to replay
//
// Any failure before Commit aborts the transaction, so nothing from the
// batch is visible and the rewind replays it whole.
//
// =============================================================================

// commit writes out and the offsets after consumed.
func (c *conn) commit(ctx context.Context, consumed []messaging.ConsumedRecord, out []messaging.Record) error {
	ctx = context.WithoutCancel(ctx)
	group := c.e.cfg.GroupName

	var err error
	if c.transactional() {
		err = c.commitTransaction(ctx, group, consumed, out)
	} else {
		err = c.commitPlain(ctx, group, consumed, out)
	}
	if err != nil {
		return err
	}

	if c.e.tracker != nil && group != "" {
		c.e.tracker.UpdateRecords(group, consumed)
	}
	return nil
}

func (c *conn) commitTransaction(ctx context.Context, group string, consumed []messaging.ConsumedRecord, out []messaging.Record) error {
	p := c.producer
	if err := p.Begin(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	abort := func(cause error) error {
		if err := p.Abort(ctx); err != nil {
			c.e.logger.Warn("abort transaction", "error", err, "cause", cause)
		}
		return cause
	}

	if len(out) > 0 {
		if _, err := p.Send(ctx, out); err != nil {
			return abort(fmt.Errorf("send %d records: %w", len(out), err))
		}
	}
	if group != "" && len(consumed) > 0 {
		if err := p.SendOffsets(ctx, group, consumed); err != nil {
			return abort(fmt.Errorf("send offsets: %w", err))
		}
	}

	if err := p.Commit(ctx); err != nil {
		if errors.Is(err, backend.ErrTransactionAborted) {
			return messaging.Intermittent("commit", err)
		}
		return messaging.Fatal("commit", err)
	}
	return nil
}

func (c *conn) commitPlain(ctx context.Context, group string, consumed []messaging.ConsumedRecord, out []messaging.Record) error {
	if len(out) > 0 {
		if c.producer == nil {
			return messaging.Fatal("send", errors.New("subscription has no producer"))
		}
		if _, err := c.producer.Send(ctx, out); err != nil {
			return fmt.Errorf("send %d records: %w", len(out), err)
		}
	}
	if group == "" {
		return nil
	}
	return c.commitOffsets(ctx, consumed)
}

// commitOffsets commits consumer offsets outside any transaction, retrying
// intermittent failures up to CommitRetries times.
func (c *conn) commitOffsets(ctx context.Context, consumed []messaging.ConsumedRecord) error {
	if len(consumed) == 0 {
		return nil
	}
	var err error
	for attempt := 1; attempt <= c.e.cfg.CommitRetries; attempt++ {
		if err = c.consumer.Commit(ctx, consumed); err == nil {
			return nil
		}
		if !messaging.IsIntermittent(err) || attempt == c.e.cfg.CommitRetries {
			break
		}
		c.e.logger.Warn("offset commit failed, retrying",
			"attempt", attempt,
			"error", err)
		if serr := c.e.backoff.Sleep(ctx, attempt); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("commit offsets: %w", err)
}

// =============================================================================
// POISON RECORDS
// =============================================================================

// poison handles a record that could not be decoded. It returns the
// dead-letter record to write in the batch, or nothing when the record is
// simply skipped. Either way the record's offset is committed with the
// batch.
func (c *conn) poison(r messaging.ConsumedRecord, cause error) []messaging.Record {
	cfg := c.e.cfg
	c.e.logger.Warn("undecodable record",
		"topic", r.Topic,
		"partition", r.Partition,
		"offset", r.Offset,
		"dead_letter_topic", cfg.DeadLetterTopic,
		"error", cause)

	if cfg.DeadLetterTopic == "" || c.producer == nil {
		c.e.metrics.RecordPoison(cfg.GroupName, cfg.EventTopic, "skipped")
		return nil
	}
	c.e.metrics.RecordPoison(cfg.GroupName, cfg.EventTopic, "dead_lettered")
	return []messaging.Record{DeadLetter(cfg.DeadLetterTopic, r, cause)}
}

// DeadLetter builds the record forwarded to a dead-letter topic for r.
func DeadLetter(topic string, r messaging.ConsumedRecord, cause error) messaging.Record {
	dl := messaging.Record{Topic: topic, Key: r.Key, Value: r.Value, Headers: r.Headers}
	dl = dl.WithHeader(messaging.HeaderDeadLetterTopic, r.Topic)
	dl = dl.WithHeader(messaging.HeaderDeadLetterPartition, strconv.Itoa(r.Partition))
	dl = dl.WithHeader(messaging.HeaderDeadLetterOffset, strconv.FormatInt(r.Offset, 10))
	return dl.WithHeader(messaging.HeaderDeadLetterReason, cause.Error())
}

// processorError wraps a processor failure, keeping its kind.
func processorError(err error) error {
	return fmt.Errorf("processor: %w", err)
}
