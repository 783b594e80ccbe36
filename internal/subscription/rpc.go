package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"messagebus/internal/backend"
	"messagebus/internal/config"
	"messagebus/internal/publisher"
	"messagebus/pkg/messaging"
)

// =============================================================================
// RPC OVER TOPICS
// =============================================================================
//
//   RPCSender                        request topic                 RPCSubscription
//   ─────────                        ─────────────                 ───────────────
//   Send(req) ──► {correlation.id, reply.topic, req} ──► poll ──► Respond(req)
//       │                                                              │
//   Future ◄── complete by id ◄── poll ◄── reply topic ◄── {correlation.id, resp}
//
// The responder writes its reply in the same transaction as the request's
// offset, so a request is answered exactly once even across a rebalance.
// A responder error travels back in the rpc.error headers and fails the
// caller's future with the same kind (Transient or Fatal).
//
// =============================================================================

var (
	// ErrRPCTimeout fails a request nobody answered in time.
	ErrRPCTimeout = errors.New("rpc request timed out")

	// ErrSenderClosed fails requests on a closed sender.
	ErrSenderClosed = errors.New("rpc sender closed")
)

// RPCCodecs are the codecs of one RPC endpoint.
type RPCCodecs[Req any, Resp any] struct {
	Request  messaging.Codec[Req]
	Response messaging.Codec[Resp]
}

// RemoteError is how a responder's failure reaches the caller.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// =============================================================================
// RESPONDER SIDE
// =============================================================================

// NewRPCSubscription serves responder on cfg.EventTopic. Replies go to each
// request's reply.topic header, falling back to cfg.ReplyTopic.
func NewRPCSubscription[Req any, Resp any](
	b backend.Backend,
	cfg messaging.SubscriptionConfig,
	codecs RPCCodecs[Req, Resp],
	responder messaging.Responder[Req, Resp],
	opts Options,
) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := config.ValidateSubscription(cfg, config.SubscriptionRules{RequireGroup: true}); err != nil {
		return nil, err
	}
	h := &responderHandler[Req, Resp]{codecs: codecs, responder: responder, replyTopic: cfg.ReplyTopic}
	return newEngine(b, cfg, h, opts), nil
}

type responderHandler[Req any, Resp any] struct {
	codecs     RPCCodecs[Req, Resp]
	responder  messaging.Responder[Req, Resp]
	replyTopic string
}

func (h *responderHandler[Req, Resp]) configure(*backend.ConsumerConfig) {}

func (h *responderHandler[Req, Resp]) needsProducer() bool { return true }

func (h *responderHandler[Req, Resp]) connected(context.Context, *conn) error { return nil }

func (h *responderHandler[Req, Resp]) rewound(context.Context, *conn) error { return nil }

func (h *responderHandler[Req, Resp]) handle(ctx context.Context, c *conn, records []messaging.ConsumedRecord) error {
	pctx := context.WithoutCancel(ctx)
	var out []messaging.Record

	for _, r := range records {
		id := r.Header(messaging.HeaderCorrelationID)
		replyTopic := r.Header(messaging.HeaderReplyTopic)
		if replyTopic == "" {
			replyTopic = h.replyTopic
		}
		if id == "" || replyTopic == "" {
			out = append(out, c.poison(r, errors.New("request has no correlation id or reply topic"))...)
			continue
		}

		reply := messaging.Record{Topic: replyTopic, Key: r.Key}
		reply = reply.WithHeader(messaging.HeaderCorrelationID, id)

		req, err := h.codecs.Request.Decode(r.Value)
		if err != nil {
			out = append(out, c.poison(r, err)...)
			out = append(out, errorReply(reply, messaging.Fatal("decode request", err)))
			continue
		}

		resp, err := h.responder.Respond(pctx, req)
		if err != nil {
			out = append(out, errorReply(reply, err))
			continue
		}
		reply.Value, err = h.codecs.Response.Encode(resp)
		if err != nil {
			out = append(out, errorReply(reply, messaging.Fatal("encode response", err)))
			continue
		}
		out = append(out, reply)
	}

	return c.commit(ctx, records, out)
}

func errorReply(reply messaging.Record, err error) messaging.Record {
	reply.Value = []byte{}
	reply = reply.WithHeader(messaging.HeaderRPCError, err.Error())
	return reply.WithHeader(messaging.HeaderRPCErrorKind, messaging.KindOf(err).String())
}

// =============================================================================
// CALLER SIDE
// =============================================================================

// RPCSenderConfig configures an RPCSender.
type RPCSenderConfig struct {
	RequestTopic string
	ReplyTopic   string

	// Timeout fails a request with ErrRPCTimeout. Default 30s.
	Timeout time.Duration

	PollTimeout       time.Duration
	ThreadStopTimeout time.Duration
}

// RPCSender sends requests and completes their futures from replies.
type RPCSender[Req any, Resp any] struct {
	cfg       RPCSenderConfig
	codecs    RPCCodecs[Req, Resp]
	publisher *publisher.Publisher
	replies   *Engine
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall[Resp]
	closed  bool
}

type pendingCall[Resp any] struct {
	future *messaging.Future[Resp]
	timer  *time.Timer
}

// NewRPCSender creates a sender. pub must be non-transactional so requests
// are visible as soon as they are published.
func NewRPCSender[Req any, Resp any](
	b backend.Backend,
	pub *publisher.Publisher,
	cfg RPCSenderConfig,
	codecs RPCCodecs[Req, Resp],
	opts Options,
) (*RPCSender[Req, Resp], error) {
	var errs []string
	if cfg.RequestTopic == "" {
		errs = append(errs, "request-topic: must not be empty")
	}
	if cfg.ReplyTopic == "" {
		errs = append(errs, "reply-topic: must not be empty")
	}
	if pub == nil {
		errs = append(errs, "publisher: must not be nil")
	} else if pub.Transactional() {
		errs = append(errs, "publisher: must not be transactional")
	}
	if len(errs) > 0 {
		return nil, &config.ValidationError{Errors: errs}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &RPCSender[Req, Resp]{
		cfg:       cfg,
		codecs:    codecs,
		publisher: pub,
		logger:    logger.With("component", "rpc-sender", "request_topic", cfg.RequestTopic),
		pending:   make(map[string]*pendingCall[Resp]),
	}

	replyCfg := messaging.SubscriptionConfig{
		EventTopic:        cfg.ReplyTopic,
		PollTimeout:       cfg.PollTimeout,
		ThreadStopTimeout: cfg.ThreadStopTimeout,
	}.WithDefaults()
	s.replies = newEngine(b, replyCfg, &replyHandler[Req, Resp]{s: s}, opts)
	return s, nil
}

// Start begins reading replies and returns once the reply consumer is
// positioned, so no reply to a later Send can be missed.
func (s *RPCSender[Req, Resp]) Start(ctx context.Context) error {
	s.replies.Start()
	return s.replies.WaitReady(ctx)
}

// Send publishes request and returns a future for its response.
func (s *RPCSender[Req, Resp]) Send(ctx context.Context, request Req) *messaging.Future[Resp] {
	future := messaging.NewFuture[Resp]()

	value, err := s.codecs.Request.Encode(request)
	if err != nil {
		future.Fail(messaging.Fatal("encode request", err))
		return future
	}

	id := uuid.NewString()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		future.Fail(ErrSenderClosed)
		return future
	}
	call := &pendingCall[Resp]{future: future}
	call.timer = time.AfterFunc(s.cfg.Timeout, func() {
		s.resolve(id, func(f *messaging.Future[Resp]) {
			f.Fail(messaging.Transient("rpc", fmt.Errorf("%w after %s", ErrRPCTimeout, s.cfg.Timeout)))
		})
	})
	s.pending[id] = call
	s.mu.Unlock()

	record := messaging.Record{
		Topic: s.cfg.RequestTopic,
		Key:   []byte(id),
		Value: value,
		Headers: map[string]string{
			messaging.HeaderCorrelationID: id,
			messaging.HeaderReplyTopic:    s.cfg.ReplyTopic,
		},
	}
	published := s.publisher.Publish(ctx, []messaging.Record{record})[0]
	go func() {
		if _, err := published.Wait(context.WithoutCancel(ctx)); err != nil {
			s.resolve(id, func(f *messaging.Future[Resp]) {
				f.Fail(fmt.Errorf("publish request: %w", err))
			})
		}
	}()
	return future
}

// Pending returns the number of requests awaiting a reply.
func (s *RPCSender[Req, Resp]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops reading replies and fails every pending request.
func (s *RPCSender[Req, Resp]) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingCall[Resp])
	s.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.future.Fail(ErrSenderClosed)
	}
	s.replies.Stop()
}

// resolve removes the pending call for id and applies fn to its future.
func (s *RPCSender[Req, Resp]) resolve(id string, fn func(*messaging.Future[Resp])) bool {
	s.mu.Lock()
	call, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	fn(call.future)
	return true
}

// replyHandler completes sender futures from the reply topic. It reads
// every partition from the end, without a group.
type replyHandler[Req any, Resp any] struct {
	s *RPCSender[Req, Resp]
}

func (h *replyHandler[Req, Resp]) configure(cfg *backend.ConsumerConfig) {
	cfg.Group = ""
	cfg.Start = backend.StartLatest
	cfg.TransactionalID = ""
}

func (h *replyHandler[Req, Resp]) needsProducer() bool { return false }

func (h *replyHandler[Req, Resp]) connected(context.Context, *conn) error { return nil }

func (h *replyHandler[Req, Resp]) rewound(context.Context, *conn) error { return nil }

func (h *replyHandler[Req, Resp]) handle(_ context.Context, _ *conn, records []messaging.ConsumedRecord) error {
	for _, r := range records {
		id := r.Header(messaging.HeaderCorrelationID)
		if id == "" {
			continue
		}
		h.s.resolve(id, func(f *messaging.Future[Resp]) {
			if msg := r.Header(messaging.HeaderRPCError); msg != "" {
				remote := &RemoteError{Message: msg}
				if r.Header(messaging.HeaderRPCErrorKind) == messaging.KindTransient.String() {
					f.Fail(messaging.Transient("rpc", remote))
				} else {
					f.Fail(messaging.Fatal("rpc", remote))
				}
				return
			}
			resp, err := h.s.codecs.Response.Decode(r.Value)
			if err != nil {
				f.Fail(messaging.Fatal("decode response", err))
				return
			}
			f.Complete(resp)
		})
	}
	return nil
}
