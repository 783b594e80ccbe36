// =============================================================================
// SUBSCRIPTION ENGINE - THE CONSUME-PROCESS-PRODUCE LOOP
// =============================================================================
//
// One Engine runs one subscription on one dedicated goroutine. The processor
// variant is plugged in as a handler; everything else (connecting, polling,
// retries, commits, shutdown) lives here and is identical for every variant.
//
// TWO-TIER RETRY:
//
//   ┌──────────────────────────── outer loop (run) ───────────────────────────┐
//   │  connect: new consumer (+ producer)                                     │
//   │     │                                                                   │
//   │     ▼                                                                   │
//   │  ┌────────────────────── inner loop (session) ────────────────────────┐ │
//   │  │  poll ──► handle ──► commit          ok: attempts = 0              │ │
//   │  │    ▲                    │                                          │ │
//   │  │    │   intermittent     │                                          │ │
//   │  │    └─ reset to commit ◄─┘  attempts++                              │ │
//   │  │                            attempts > PollAndProcessRetries ───────┼─┼─► reconnect
//   │  └────────────────────────────────────────────────────────────────────┘ │
//   │  fatal (or anything untagged) ──► stop, no self-restart                 │
//   └─────────────────────────────────────────────────────────────────────────┘
//
// The cheap retry keeps the consumer and producer and only rewinds the
// fetch position to the last committed offset, so in-flight records are
// redelivered rather than lost. The heavy retry tears both handles down and
// builds new ones. SubscribeRetries bounds consecutive reconnects that make
// no progress; beyond it the subscription stops as if the error were fatal.
//
// SHUTDOWN:
//   Stop cancels the worker's context and joins it for ThreadStopTimeout.
//   Processor callbacks run on a context that is not canceled by Stop, so an
//   in-flight batch finishes (or times the join out) instead of being torn
//   in half. Polls and backoff waits are canceled immediately.
//
// =============================================================================

package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messagebus/internal/backend"
	"messagebus/internal/backoff"
	"messagebus/internal/metrics"
	"messagebus/internal/offset"
	"messagebus/pkg/messaging"
)

var allStates = []string{
	messaging.StateStopped.String(),
	messaging.StateConnecting.String(),
	messaging.StatePolling.String(),
	messaging.StateProcessing.String(),
}

// Options are the collaborators shared by every subscription variant. All
// fields are optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.SubscriptionMetrics
	Tracer  trace.Tracer

	// Tracker is told about every committed batch.
	Tracker *offset.Tracker

	// Backoff paces same-connection retries and reconnects.
	Backoff backoff.Policy

	// RebalanceListener is told when partitions move to or from this
	// subscription.
	RebalanceListener messaging.RebalanceListener
}

// handler is the variant-specific part of a subscription.
type handler interface {
	// configure adjusts the consumer before it is created.
	configure(cfg *backend.ConsumerConfig)

	needsProducer() bool

	// connected runs once per connection, before the first poll.
	connected(ctx context.Context, c *conn) error

	// handle processes one polled batch, including its commit.
	handle(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error

	// rewound runs after the consumer was reset to its committed offsets.
	rewound(ctx context.Context, c *conn) error
}

// rebalanceHandler is implemented by handlers that keep per-partition state.
type rebalanceHandler interface {
	partitionsAssigned(partitions []int)
	partitionsUnassigned(partitions []int)
}

// Engine runs a subscription. It implements messaging.Subscription.
type Engine struct {
	cfg     messaging.SubscriptionConfig
	backend backend.Backend
	handler handler
	logger  *slog.Logger
	metrics *metrics.SubscriptionMetrics
	tracer  trace.Tracer
	tracker *offset.Tracker
	backoff backoff.Policy
	userRL  messaging.RebalanceListener

	state atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	ready   chan struct{}
	err     error

	assignedMu sync.Mutex
	assigned   map[int]bool
}

var _ messaging.Subscription = (*Engine)(nil)

func newEngine(b backend.Backend, cfg messaging.SubscriptionConfig, h handler, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("messagebus/subscription")
	}
	policy := opts.Backoff
	if policy == (backoff.Policy{}) {
		policy = backoff.DefaultPolicy()
	}

	e := &Engine{
		cfg:      cfg,
		backend:  b,
		handler:  h,
		logger:   logger.With("component", "subscription", "subscription", cfg.Name()),
		metrics:  opts.Metrics,
		tracer:   tracer,
		tracker:  opts.Tracker,
		backoff:  policy,
		userRL:   opts.RebalanceListener,
		assigned: make(map[int]bool),
	}
	e.setState(messaging.StateStopped)
	return e
}

// Name identifies the subscription in logs and metrics.
func (e *Engine) Name() string {
	return e.cfg.Name()
}

// Config returns the effective configuration.
func (e *Engine) Config() messaging.SubscriptionConfig {
	return e.cfg
}

// State returns the current lifecycle state.
func (e *Engine) State() messaging.State {
	return messaging.State(e.state.Load())
}

func (e *Engine) setState(s messaging.State) {
	e.state.Store(int32(s))
	e.metrics.SetState(e.cfg.GroupName, e.cfg.EventTopic, s.String(), allStates)
}

// Err returns the error that stopped the last run, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start spawns the worker. It is a no-op while running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.ready = make(chan struct{})
	e.err = nil

	e.logger.Info("subscription starting")
	go e.run(ctx, e.done, e.ready)
}

// Stop asks the worker to exit and waits up to ThreadStopTimeout for it.
// It returns early if the worker is still inside a processor callback when
// the timeout expires.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	timer := time.NewTimer(e.cfg.ThreadStopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		e.logger.Info("subscription stopped")
	case <-timer.C:
		e.logger.Warn("subscription worker did not exit in time",
			"timeout", e.cfg.ThreadStopTimeout)
	}
}

// Done is closed when the current (or last) run has exited.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

// WaitReady blocks until the first connection of the current run is up.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.Lock()
	ready, done := e.ready, e.done
	e.mu.Unlock()
	if ready == nil {
		return messaging.ErrSubscriptionStopped
	}

	select {
	case <-ready:
		return nil
	case <-done:
		if err := e.Err(); err != nil {
			return err
		}
		return messaging.ErrSubscriptionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// OUTER LOOP
// =============================================================================

func (e *Engine) run(ctx context.Context, done, ready chan struct{}) {
	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.running = false
			e.cancel()
			e.setState(messaging.StateStopped)
		}
		e.mu.Unlock()
		close(done)
	}()

	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }

	failures := 0
	for ctx.Err() == nil {
		e.setState(messaging.StateConnecting)
		progressed, err := e.session(ctx, markReady)
		if ctx.Err() != nil {
			return
		}
		if !messaging.IsIntermittent(err) {
			e.fail(err)
			return
		}

		if progressed {
			failures = 0
		}
		failures++
		if failures > e.cfg.SubscribeRetries {
			e.fail(messaging.Fatal("subscribe",
				fmt.Errorf("%d consecutive reconnects failed: %w", failures-1, err)))
			return
		}

		e.logger.Warn("intermittent error, reconnecting",
			"attempt", failures,
			"error", err)
		e.metrics.RecordReconnect(e.cfg.GroupName, e.cfg.EventTopic)
		if e.backoff.Sleep(ctx, failures) != nil {
			return
		}
	}
}

func (e *Engine) fail(err error) {
	if err == nil {
		err = messaging.Fatal("run", errors.New("session ended without error"))
	}
	e.logger.Error("fatal error, stopping subscription", "error", err)
	e.metrics.RecordFatalStop(e.cfg.GroupName, e.cfg.EventTopic)
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// =============================================================================
// INNER LOOP
// =============================================================================

// session runs one connection. progressed reports whether any batch was
// committed on it.
func (e *Engine) session(ctx context.Context, markReady func()) (progressed bool, err error) {
	c, err := e.connect(ctx)
	if err != nil {
		return false, err
	}
	defer c.close()

	if err := e.handler.connected(ctx, c); err != nil {
		return false, err
	}
	markReady()

	attempts := 0
	for ctx.Err() == nil {
		e.setState(messaging.StatePolling)
		records, err := c.consumer.Poll(ctx, e.cfg.PollTimeout)
		if err == nil && len(records) == 0 {
			continue
		}
		if err == nil {
			e.setState(messaging.StateProcessing)
			if err = e.process(ctx, c, records); err == nil {
				progressed = true
				attempts = 0
				continue
			}
		}

		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}
		if !messaging.IsIntermittent(err) {
			return progressed, err
		}

		attempts++
		e.metrics.RecordRetry(e.cfg.GroupName, e.cfg.EventTopic)
		if attempts > e.cfg.PollAndProcessRetries {
			return progressed, messaging.Intermittent("poll-and-process",
				fmt.Errorf("%d attempts failed: %w", attempts, err))
		}
		e.logger.Warn("batch failed, rewinding to last commit",
			"attempt", attempts,
			"error", err)

		if err := c.consumer.ResetToCommitted(ctx); err != nil {
			return progressed, messaging.Intermittent("reset", err)
		}
		if err := e.handler.rewound(ctx, c); err != nil {
			return progressed, err
		}
		if e.backoff.Sleep(ctx, attempts) != nil {
			return progressed, ctx.Err()
		}
	}
	return progressed, ctx.Err()
}

func (e *Engine) process(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error {
	ctx, span := e.tracer.Start(ctx, "subscription.batch",
		trace.WithAttributes(
			attribute.String("messaging.subscription", e.cfg.Name()),
			attribute.String("messaging.destination", e.cfg.EventTopic),
			attribute.Int("messaging.batch.size", len(records)),
		))
	defer span.End()

	start := time.Now()
	err := e.handler.handle(ctx, c, records)
	e.metrics.RecordCommit(e.cfg.GroupName, e.cfg.EventTopic, time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.metrics.RecordProcessed(e.cfg.GroupName, e.cfg.EventTopic, len(records))
	return nil
}

func (e *Engine) connect(ctx context.Context) (*conn, error) {
	ccfg := backend.ConsumerConfig{
		Group:           e.cfg.GroupName,
		Topic:           e.cfg.EventTopic,
		Start:           backend.StartCommitted,
		BatchSize:       e.cfg.BatchSize,
		Listener:        &engineListener{e: e},
		TransactionalID: e.cfg.InstanceID,
	}
	e.handler.configure(&ccfg)

	consumer, err := e.backend.NewConsumer(ctx, ccfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	c := &conn{e: e, consumer: consumer}

	if e.handler.needsProducer() {
		producer, err := e.backend.NewProducer(ctx, backend.ProducerConfig{
			TransactionalID: e.cfg.InstanceID,
			Consumer:        consumer,
		})
		if err != nil {
			_ = consumer.Close()
			return nil, fmt.Errorf("create producer: %w", err)
		}
		c.producer = producer
	}

	e.logger.Info("subscription connected",
		"group", e.cfg.GroupName,
		"topic", e.cfg.EventTopic,
		"transactional", c.transactional())
	return c, nil
}

// =============================================================================
// REBALANCE FAN-OUT
// =============================================================================

// engineListener receives the backend's assignment changes and forwards them
// to the handler, the user's listener and the metrics.
type engineListener struct {
	e *Engine
}

func (l *engineListener) OnPartitionsAssigned(topic string, partitions []int) {
	e := l.e
	if len(partitions) > 0 {
		e.logger.Info("partitions assigned", "topic", topic, "partitions", partitions)
	}
	if h, ok := e.handler.(rebalanceHandler); ok {
		h.partitionsAssigned(partitions)
	}
	if e.userRL != nil {
		e.userRL.OnPartitionsAssigned(topic, partitions)
	}
	e.updateAssigned(partitions, true)
}

func (l *engineListener) OnPartitionsUnassigned(topic string, partitions []int) {
	e := l.e
	if len(partitions) > 0 {
		e.logger.Info("partitions unassigned", "topic", topic, "partitions", partitions)
	}
	if h, ok := e.handler.(rebalanceHandler); ok {
		h.partitionsUnassigned(partitions)
	}
	if e.userRL != nil {
		e.userRL.OnPartitionsUnassigned(topic, partitions)
	}
	e.updateAssigned(partitions, false)
}

func (e *Engine) updateAssigned(partitions []int, add bool) {
	e.assignedMu.Lock()
	for _, p := range partitions {
		if add {
			e.assigned[p] = true
		} else {
			delete(e.assigned, p)
		}
	}
	current := make([]int, 0, len(e.assigned))
	for p := range e.assigned {
		current = append(current, p)
	}
	e.assignedMu.Unlock()

	sort.Ints(current)
	e.metrics.SetAssigned(e.cfg.GroupName, e.cfg.EventTopic, current)
}
