package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messagebus/internal/backend"
	"messagebus/internal/backend/memory"
	"messagebus/internal/backoff"
	"messagebus/internal/metrics"
	"messagebus/internal/offset"
	"messagebus/pkg/messaging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

var stringCodecs = messaging.Codecs[string, string]{
	Key:   messaging.StringCodec{},
	Value: messaging.StringCodec{},
}

type order struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(quietLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testConfig(group, topic string) messaging.SubscriptionConfig {
	cfg := messaging.DefaultSubscriptionConfig(group, topic)
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.ThreadStopTimeout = 2 * time.Second
	return cfg
}

func fastOptions() Options {
	return Options{
		Logger:  quietLogger(),
		Backoff: backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func testMetrics() *metrics.Registry {
	return metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	e.Start()
	t.Cleanup(e.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))
}

func publish(t *testing.T, b backend.Backend, records ...messaging.Record) {
	t.Helper()
	ctx := context.Background()
	p, err := b.NewProducer(ctx, backend.ProducerConfig{})
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Send(ctx, records)
	require.NoError(t, err)
}

func rec(topic, key, value string) messaging.Record {
	return messaging.Record{Topic: topic, Key: []byte(key), Value: []byte(value)}
}

func values(records []messaging.ConsumedRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, string(r.Value))
	}
	return out
}

func committed(b *memory.Broker, group, topic string, p int) int64 {
	off, _ := b.Committed(group, topic, p)
	return off
}

// upper maps every event to an upper-cased record on "out".
func upper(calls *atomic.Int64) messaging.DurableFunc[string, string] {
	return func(_ context.Context, events []messaging.Event[string, string]) ([]messaging.Record, error) {
		if calls != nil {
			calls.Add(int64(len(events)))
		}
		out := make([]messaging.Record, 0, len(events))
		for _, ev := range events {
			out = append(out, rec("out", ev.Key, strings.ToUpper(ev.Value)))
		}
		return out, nil
	}
}

func setupInOut(t *testing.T, inPartitions int) *memory.Broker {
	b := newBroker(t)
	b.MustCreateTopic("in", inPartitions, false)
	b.MustCreateTopic("out", 2, false)
	return b
}

// =============================================================================
// DURABLE: HAPPY PATH AND EXACTLY-ONCE OUTPUT
// =============================================================================

func TestDurable_ProcessesAndCommits(t *testing.T) {
	b := setupInOut(t, 1)
	publish(t, b, rec("in", "k1", "a"), rec("in", "k2", "b"), rec("in", "k3", "c"))

	tracker := offset.NewTracker(offset.Config{Logger: quietLogger()})
	opts := fastOptions()
	opts.Tracker = tracker

	e, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, upper(nil), opts)
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 3 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, values(b.Records("out")))

	got, ok := tracker.Committed(offset.Key{Topic: "in", Partition: 1, Group: "upper"})
	assert.True(t, ok)
	assert.Equal(t, int64(3), got)
	assert.Equal(t, "upper/in", e.Name())
}

func TestDurable_ReplayAfterFailedTransactionHasNoDuplicates(t *testing.T) {
	b := setupInOut(t, 1)
	publish(t, b,
		rec("in", "k1", "a"), rec("in", "k2", "b"), rec("in", "k3", "c"),
		rec("in", "k4", "d"), rec("in", "k5", "e"))

	// crash after the outputs were sent but before the commit
	b.InjectFault(memory.OpSendOffsets, messaging.Intermittent("send-offsets", errors.New("coordinator moved")))

	var calls atomic.Int64
	cfg := testConfig("upper", "in")
	cfg.InstanceID = "upper-1"
	e, err := NewDurable(b, cfg, stringCodecs, upper(&calls), fastOptions())
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 5 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D", "E"}, values(b.Records("out")))
	assert.Equal(t, int64(10), calls.Load(), "batch must have been processed twice")
}

func TestDurable_AbortedByBackendIsRetried(t *testing.T) {
	b := setupInOut(t, 1)
	publish(t, b, rec("in", "k1", "a"))
	b.InjectFault(memory.OpCommit, fmt.Errorf("rebalance: %w", backend.ErrTransactionAborted))

	cfg := testConfig("upper", "in")
	cfg.InstanceID = "upper-1"
	e, err := NewDurable(b, cfg, stringCodecs, upper(nil), fastOptions())
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"A"}, values(b.Records("out")))
	assert.NoError(t, e.Err())
}

func TestDurable_IntermittentProcessorErrorIsRedelivered(t *testing.T) {
	b := setupInOut(t, 1)
	publish(t, b, rec("in", "k1", "a"))

	var failed atomic.Bool
	proc := messaging.DurableFunc[string, string](func(ctx context.Context, events []messaging.Event[string, string]) ([]messaging.Record, error) {
		if !failed.Swap(true) {
			return nil, messaging.Intermittent("lookup", errors.New("downstream busy"))
		}
		return upper(nil)(ctx, events)
	})

	e, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, proc, fastOptions())
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"A"}, values(b.Records("out")))
	assert.Equal(t, 1, b.ConsumersCreated(), "same-connection retry must not reconnect")
}

// =============================================================================
// RETRY EXHAUSTION AND RECONNECT
// =============================================================================

func TestEngine_RetryExhaustionReconnects(t *testing.T) {
	b := setupInOut(t, 1)
	reg := testMetrics()

	fault := messaging.Intermittent("poll", errors.New("connection reset"))
	b.InjectFault(memory.OpPoll, fault, fault, fault)

	cfg := testConfig("upper", "in")
	cfg.PollAndProcessRetries = 2
	opts := fastOptions()
	opts.Metrics = reg.SubscriptionMetrics()

	e, err := NewDurable(b, cfg, stringCodecs, upper(nil), opts)
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return b.ConsumersCreated() == 2 }, waitFor, tick)
	assert.Equal(t, 2, b.ProducersCreated(), "reconnect rebuilds the producer too")

	// the new handles work
	publish(t, b, rec("in", "k1", "a"))
	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 1 }, waitFor, tick)
	assert.Equal(t, 2, b.ConsumersCreated())

	assert.Equal(t, 3.0, testutil.ToFloat64(reg.Subscription.Retries.WithLabelValues("upper", "in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Subscription.Reconnects.WithLabelValues("upper", "in")))
}

func TestEngine_SubscribeRetriesExhaustedStops(t *testing.T) {
	b := setupInOut(t, 1)
	fault := messaging.Intermittent("connect", errors.New("no route to host"))
	b.InjectFault(memory.OpNewConsumer, fault, fault, fault, fault)

	cfg := testConfig("upper", "in")
	cfg.SubscribeRetries = 3
	e, err := NewDurable(b, cfg, stringCodecs, upper(nil), fastOptions())
	require.NoError(t, err)
	e.Start()
	t.Cleanup(e.Stop)

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription did not stop")
	}
	require.Error(t, e.Err())
	assert.Equal(t, messaging.KindFatal, messaging.KindOf(e.Err()))
	assert.Equal(t, messaging.StateStopped, e.State())
	assert.Equal(t, 0, b.ConsumersCreated())
}

// =============================================================================
// FATAL ERRORS
// =============================================================================

func TestEngine_FatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		inject  func(b *memory.Broker)
		proc    messaging.DurableFunc[string, string]
		wantErr string
	}{
		{
			name: "untagged processor error",
			proc: func(context.Context, []messaging.Event[string, string]) ([]messaging.Record, error) {
				return nil, errors.New("bad business rule")
			},
			wantErr: "bad business rule",
		},
		{
			name:    "transaction commit failure",
			inject:  func(b *memory.Broker) { b.InjectFault(memory.OpCommit, errors.New("log append failed")) },
			proc:    upper(nil),
			wantErr: "log append failed",
		},
		{
			name: "output to unknown topic",
			proc: func(context.Context, []messaging.Event[string, string]) ([]messaging.Record, error) {
				return []messaging.Record{rec("nowhere", "k", "v")}, nil
			},
			wantErr: "unknown topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setupInOut(t, 1)
			reg := testMetrics()
			publish(t, b, rec("in", "k1", "a"))
			if tt.inject != nil {
				tt.inject(b)
			}

			cfg := testConfig("upper", "in")
			cfg.InstanceID = "upper-1"
			opts := fastOptions()
			opts.Metrics = reg.SubscriptionMetrics()
			e, err := NewDurable(b, cfg, stringCodecs, tt.proc, opts)
			require.NoError(t, err)
			e.Start()
			t.Cleanup(e.Stop)

			select {
			case <-e.Done():
			case <-time.After(waitFor):
				t.Fatal("subscription did not stop")
			}
			require.Error(t, e.Err())
			assert.Contains(t, e.Err().Error(), tt.wantErr)
			assert.Equal(t, messaging.StateStopped, e.State())
			assert.Empty(t, b.Records("out"))
			_, ok := b.Committed("upper", "in", 1)
			assert.False(t, ok, "nothing may be committed")
			assert.Equal(t, 1.0, testutil.ToFloat64(reg.Subscription.FatalStops.WithLabelValues("upper", "in")))
		})
	}
}

// =============================================================================
// POISON RECORDS
// =============================================================================

func TestDurable_PoisonRecordIsSkippedAndCommitted(t *testing.T) {
	b := setupInOut(t, 1)
	reg := testMetrics()
	publish(t, b,
		rec("in", "o1", `{"id":"o1","qty":1}`),
		rec("in", "o2", `not json`),
		rec("in", "o3", `{"id":"o3","qty":3}`))

	var mu sync.Mutex
	var seen []string
	codecs := messaging.Codecs[string, order]{Key: messaging.StringCodec{}, Value: messaging.JSONCodec[order]{}}
	proc := messaging.DurableFunc[string, order](func(_ context.Context, events []messaging.Event[string, order]) ([]messaging.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			seen = append(seen, ev.Value.ID)
		}
		return nil, nil
	})

	opts := fastOptions()
	opts.Metrics = reg.SubscriptionMetrics()
	e, err := NewDurable(b, testConfig("orders", "in"), codecs, proc, opts)
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "orders", "in", 1) == 3 }, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"o1", "o3"}, seen)
	mu.Unlock()
	assert.NoError(t, e.Err())
	assert.NotEqual(t, messaging.StateStopped, e.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Subscription.PoisonRecords.WithLabelValues("orders", "in", "skipped")))
}

func TestDurable_PoisonRecordIsDeadLettered(t *testing.T) {
	b := setupInOut(t, 1)
	b.MustCreateTopic("in.dlq", 1, false)
	publish(t, b, rec("in", "o1", `{"id":"o1"}`), rec("in", "o2", `{{{`))

	codecs := messaging.Codecs[string, order]{Key: messaging.StringCodec{}, Value: messaging.JSONCodec[order]{}}
	proc := messaging.DurableFunc[string, order](func(context.Context, []messaging.Event[string, order]) ([]messaging.Record, error) {
		return nil, nil
	})

	cfg := testConfig("orders", "in")
	cfg.InstanceID = "orders-1"
	cfg.DeadLetterTopic = "in.dlq"
	e, err := NewDurable(b, cfg, codecs, proc, fastOptions())
	require.NoError(t, err)
	start(t, e)

	require.Eventually(t, func() bool { return committed(b, "orders", "in", 1) == 2 }, waitFor, tick)
	dead := b.Records("in.dlq")
	require.Len(t, dead, 1)
	assert.Equal(t, "{{{", string(dead[0].Value))
	assert.Equal(t, "in", dead[0].Header(messaging.HeaderDeadLetterTopic))
	assert.Equal(t, "1", dead[0].Header(messaging.HeaderDeadLetterPartition))
	assert.Equal(t, "1", dead[0].Header(messaging.HeaderDeadLetterOffset))
	assert.Contains(t, dead[0].Header(messaging.HeaderDeadLetterReason), "decode failed")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestEngine_StartIsIdempotent(t *testing.T) {
	b := setupInOut(t, 1)
	e, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, upper(nil), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, messaging.StateStopped, e.State())
	start(t, e)
	e.Start()
	e.Start()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.ConsumersCreated())
	assert.Contains(t, []messaging.State{messaging.StatePolling, messaging.StateProcessing}, e.State())

	e.Stop()
	e.Stop()
	assert.Equal(t, messaging.StateStopped, e.State())
}

func TestEngine_StopThenRestartResumesFromCommit(t *testing.T) {
	b := setupInOut(t, 1)
	var calls atomic.Int64
	e, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, upper(&calls), fastOptions())
	require.NoError(t, err)

	publish(t, b, rec("in", "k1", "a"), rec("in", "k2", "b"))
	start(t, e)
	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 2 }, waitFor, tick)
	e.Stop()

	publish(t, b, rec("in", "k3", "c"))
	start(t, e)
	require.Eventually(t, func() bool { return committed(b, "upper", "in", 1) == 3 }, waitFor, tick)

	assert.Equal(t, int64(3), calls.Load())
	assert.ElementsMatch(t, []string{"A", "B", "C"}, values(b.Records("out")))
}

func TestEngine_StopTimesOutOnBlockedProcessor(t *testing.T) {
	b := setupInOut(t, 1)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	proc := messaging.DurableFunc[string, string](func(context.Context, []messaging.Event[string, string]) ([]messaging.Record, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})

	cfg := testConfig("slow", "in")
	cfg.ThreadStopTimeout = 50 * time.Millisecond
	e, err := NewDurable(b, cfg, stringCodecs, proc, fastOptions())
	require.NoError(t, err)
	start(t, e)

	publish(t, b, rec("in", "k1", "a"))
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("processor never called")
	}

	begin := time.Now()
	e.Stop()
	elapsed := time.Since(begin)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	close(release)
	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit after the processor returned")
	}
	// the in-flight batch still committed
	assert.Equal(t, int64(1), committed(b, "slow", "in", 1))
}

func TestEngine_WaitReadyAfterFatalReturnsError(t *testing.T) {
	b := newBroker(t)
	e, err := NewDurable(b, testConfig("g", "missing"), stringCodecs, upper(nil), fastOptions())
	require.NoError(t, err)

	assert.ErrorIs(t, e.WaitReady(context.Background()), messaging.ErrSubscriptionStopped)

	e.Start()
	t.Cleanup(e.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err = e.WaitReady(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topic")
}

func TestNewDurable_ValidatesConfig(t *testing.T) {
	b := newBroker(t)
	cfg := testConfig("", "in")
	_, err := NewDurable(b, cfg, stringCodecs, upper(nil), fastOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group: must not be empty")
}

// =============================================================================
// REBALANCING
// =============================================================================

type recordingListener struct {
	mu       sync.Mutex
	assigned map[int]bool
}

func newRecordingListener() *recordingListener {
	return &recordingListener{assigned: make(map[int]bool)}
}

func (l *recordingListener) OnPartitionsAssigned(_ string, partitions []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range partitions {
		l.assigned[p] = true
	}
}

func (l *recordingListener) OnPartitionsUnassigned(_ string, partitions []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range partitions {
		delete(l.assigned, p)
	}
}

func (l *recordingListener) current() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.assigned))
	for p := range l.assigned {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func TestDurable_GroupMembersSplitPartitions(t *testing.T) {
	b := setupInOut(t, 4)

	l1, l2 := newRecordingListener(), newRecordingListener()
	opts1, opts2 := fastOptions(), fastOptions()
	opts1.RebalanceListener = l1
	opts2.RebalanceListener = l2

	e1, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, upper(nil), opts1)
	require.NoError(t, err)
	e2, err := NewDurable(b, testConfig("upper", "in"), stringCodecs, upper(nil), opts2)
	require.NoError(t, err)

	start(t, e1)
	assert.Equal(t, []int{1, 2, 3, 4}, l1.current())

	start(t, e2)
	require.Eventually(t, func() bool {
		return fmt.Sprint(l1.current()) == "[1 2]" && fmt.Sprint(l2.current()) == "[3 4]"
	}, waitFor, tick)

	// every key is processed exactly once across the group
	var records []messaging.Record
	for i := 0; i < 20; i++ {
		records = append(records, rec("in", fmt.Sprintf("key-%d", i), fmt.Sprintf("v%d", i)))
	}
	publish(t, b, records...)
	require.Eventually(t, func() bool { return len(b.Records("out")) == 20 }, waitFor, tick)

	e2.Stop()
	require.Eventually(t, func() bool { return fmt.Sprint(l1.current()) == "[1 2 3 4]" }, waitFor, tick)
	assert.Empty(t, l2.current())
}
