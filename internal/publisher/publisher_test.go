package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"messagebus/internal/backend/memory"
	"messagebus/internal/backend/sqldb"
	"messagebus/internal/metrics"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	b := memory.New(nil)
	b.MustCreateTopic("orders", 4, false)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func records(n, keys int) []messaging.Record {
	out := make([]messaging.Record, n)
	for i := range out {
		out[i] = messaging.Record{
			Topic: "orders",
			Key:   []byte(fmt.Sprintf("key-%d", i%keys)),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		}
	}
	return out
}

func TestPublishKeysStayOnOnePartition(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, DefaultConfig())
	require.NoError(t, err)
	defer p.Close()

	seen := make(map[string]int)
	for round := 0; round < 3; round++ {
		md, err := p.PublishSync(ctx, records(100, 10))
		require.NoError(t, err)
		for i, m := range md {
			key := fmt.Sprintf("key-%d", i%10)
			if prev, ok := seen[key]; ok {
				require.Equal(t, prev, m.Partition, "key %s moved", key)
			}
			seen[key] = m.Partition
			assert.Equal(t, partition.AssignString(key, 4), m.Partition)
		}
	}
	assert.Len(t, seen, 10)
	assert.Len(t, b.Records("orders"), 300)
}

func TestPublishOrderWithinPartition(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, Config{Workers: 2})
	require.NoError(t, err)
	defer p.Close()

	md, err := p.PublishSync(ctx, records(20, 1))
	require.NoError(t, err)
	for i := 1; i < len(md); i++ {
		assert.Equal(t, md[i-1].Offset+1, md[i].Offset)
	}
}

func TestNonTransactionalFailureIsPerBatch(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, Config{Workers: 1})
	require.NoError(t, err)
	defer p.Close()

	boom := messaging.Intermittent("send", errors.New("broker unavailable"))
	b.InjectFault(memory.OpSend, boom)

	futures := p.Publish(ctx, records(40, 8))
	failed, ok := 0, 0
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			assert.ErrorIs(t, err, boom)
			failed++
		} else {
			ok++
		}
	}
	assert.Greater(t, failed, 0)
	assert.Greater(t, ok, 0, "other partition batches must succeed")
	assert.Len(t, b.Records("orders"), ok)
}

func TestTransactionalFailureHidesEverything(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, Config{InstanceID: "pub-1", Workers: 1})
	require.NoError(t, err)
	defer p.Close()

	b.InjectFault(memory.OpCommit, messaging.Intermittent("commit", errors.New("coordinator moved")))

	_, err = p.PublishSync(ctx, records(12, 4))
	require.Error(t, err)
	assert.Empty(t, b.Records("orders"), "no partially visible records")

	_, err = p.PublishSync(ctx, records(12, 4))
	require.NoError(t, err)
	assert.Len(t, b.Records("orders"), 12)
}

func TestExplicitTransactionAcrossCalls(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, Config{InstanceID: "pub-2"})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Begin(ctx))
	first := p.Publish(ctx, records(3, 3))
	second := p.Publish(ctx, records(2, 2))

	_, _, done := first[0].Result()
	assert.False(t, done, "futures resolve at commit")
	assert.Empty(t, b.Records("orders"))

	require.NoError(t, p.Commit(ctx))
	require.NoError(t, messaging.WaitAll(ctx, append(first, second...)))
	assert.Len(t, b.Records("orders"), 5)

	require.NoError(t, p.Begin(ctx))
	aborted := p.Publish(ctx, records(2, 2))
	require.NoError(t, p.Abort(ctx))
	_, err = aborted[0].Wait(ctx)
	assert.Error(t, err)
	assert.Len(t, b.Records("orders"), 5)

	assert.ErrorIs(t, p.Commit(ctx), ErrNoTransaction)
}

func TestBeginRequiresInstanceID(t *testing.T) {
	b := newBroker(t)
	p, err := New(context.Background(), b, DefaultConfig())
	require.NoError(t, err)
	defer p.Close()
	assert.Error(t, p.Begin(context.Background()))
}

func TestUnknownTopicFailsOnlyItsRecords(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, DefaultConfig())
	require.NoError(t, err)
	defer p.Close()

	futures := p.Publish(ctx, []messaging.Record{
		{Topic: "missing", Key: []byte("k")},
		{Topic: "orders", Key: []byte("k"), Value: []byte("v")},
	})
	_, err = futures[0].Wait(ctx)
	assert.ErrorIs(t, err, partition.ErrUnknownTopic)
	_, err = futures[1].Wait(ctx)
	assert.NoError(t, err)
}

func TestClosedPublisher(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	futures := p.Publish(ctx, records(1, 1))
	_, err = futures[0].Wait(ctx)
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestPublishMetricsAndSpans(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(ctx) }()

	cfg := metrics.DefaultConfig()
	cfg.IncludeGoCollector = false
	cfg.IncludeProcessCollector = false
	reg := metrics.NewRegistry(cfg)

	p, err := New(ctx, b, Config{Tracer: tp.Tracer("test"), Metrics: reg.Publisher})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.PublishSync(ctx, records(8, 8))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "publisher.publish", exporter.GetSpans()[0].Name)
}

func TestPublishOrderAcrossCalls(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		config Config
	}{
		{"plain", Config{Workers: 4}},
		{"transactional", Config{InstanceID: "pub-order", Workers: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New(nil)
			b.MustCreateTopic("seq", 1, false)
			t.Cleanup(func() { _ = b.Close() })

			p, err := New(ctx, b, tt.config)
			require.NoError(t, err)
			defer p.Close()

			const n = 500
			var futures []*messaging.Future[messaging.RecordMetadata]
			for i := 0; i < n; i++ {
				futures = append(futures, p.Publish(ctx, []messaging.Record{
					{Topic: "seq", Key: []byte("k"), Value: []byte(fmt.Sprint(i))},
				})...)
			}
			require.NoError(t, messaging.WaitAll(ctx, futures))

			got := b.Records("seq")
			require.Len(t, got, n)
			for i, r := range got {
				require.Equal(t, fmt.Sprint(i), string(r.Value), "record %d out of order", i)
			}
		})
	}
}

func TestTransactionOnSingleConnectionDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := sqldb.Open(ctx, sqldb.Config{DSN: ":memory:"})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.CreateTopic(ctx, messaging.TopicInfo{Name: "orders", Partitions: 2}))

	p, err := New(ctx, b, Config{InstanceID: "tx-1"})
	require.NoError(t, err)
	defer p.Close()

	md, err := p.PublishSync(ctx, records(6, 3))
	require.NoError(t, err)
	require.Len(t, md, 6)

	require.NoError(t, p.Begin(ctx))
	explicit := p.Publish(ctx, records(4, 2))
	require.NoError(t, p.Commit(ctx))
	require.NoError(t, messaging.WaitAll(ctx, explicit))

	require.NoError(t, p.Begin(ctx))
	unknown := p.Publish(ctx, []messaging.Record{{Topic: "created-later", Key: []byte("k")}})
	_, err = unknown[0].Wait(ctx)
	assert.ErrorIs(t, err, partition.ErrUnknownTopic)
	assert.Error(t, p.Commit(ctx))
}

func TestOperationsAfterCloseFail(t *testing.T) {
	ctx := context.Background()
	b := newBroker(t)
	p, err := New(ctx, b, Config{InstanceID: "pub-3"})
	require.NoError(t, err)

	require.NoError(t, p.Begin(ctx))
	pending := p.Publish(ctx, records(2, 2))
	require.NoError(t, p.Close())

	_, err = pending[0].Wait(ctx)
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.ErrorIs(t, p.Begin(ctx), ErrPublisherClosed)
	assert.Empty(t, b.Records("orders"))
}
