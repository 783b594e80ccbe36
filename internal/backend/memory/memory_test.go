package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messagebus/internal/backend"
	"messagebus/internal/partition"
	"messagebus/pkg/messaging"
)

func rec(topic, key, value string) messaging.Record {
	return messaging.Record{Topic: topic, Key: []byte(key), Value: []byte(value)}
}

func TestNonTransactionalSendIsVisible(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("events", 3, false)

	p, err := b.NewProducer(ctx, backend.ProducerConfig{})
	require.NoError(t, err)
	md, err := p.Send(ctx, []messaging.Record{rec("events", "k1", "a"), rec("events", "k1", "b")})
	require.NoError(t, err)
	require.Len(t, md, 2)

	assert.Equal(t, partition.AssignString("k1", 3), md[0].Partition)
	assert.Equal(t, md[0].Partition, md[1].Partition)
	assert.Equal(t, md[0].Offset+1, md[1].Offset)
	assert.Len(t, b.Records("events"), 2)
}

func TestTransactionVisibility(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("events", 1, false)

	p, err := b.NewProducer(ctx, backend.ProducerConfig{TransactionalID: "tx-1"})
	require.NoError(t, err)

	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Topic: "events", Start: backend.StartEarliest})
	require.NoError(t, err)

	require.NoError(t, p.Begin(ctx))
	_, err = p.Send(ctx, []messaging.Record{rec("events", "k", "v1")})
	require.NoError(t, err)

	got, err := c.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got, "pending records must not be visible")

	ends, err := c.EndOffsets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ends[1])

	require.NoError(t, p.Abort(ctx))

	require.NoError(t, p.Begin(ctx))
	_, err = p.Send(ctx, []messaging.Record{rec("events", "k", "v2")})
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx))

	got, err = c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v2", string(got[0].Value))
	assert.Equal(t, int64(1), got[0].Offset, "aborted record keeps its offset")

	caught, err := backend.CaughtUp(ctx, c)
	require.NoError(t, err)
	assert.True(t, caught)
}

func TestSendOffsetsCommitWithTransaction(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("in", 1, false)
	b.MustCreateTopic("out", 1, false)

	seed, _ := b.NewProducer(ctx, backend.ProducerConfig{})
	_, err := seed.Send(ctx, []messaging.Record{rec("in", "k", "1"), rec("in", "k", "2")})
	require.NoError(t, err)

	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "g", Topic: "in"})
	require.NoError(t, err)
	batch, err := c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	p, err := b.NewProducer(ctx, backend.ProducerConfig{TransactionalID: "g-1", Consumer: c})
	require.NoError(t, err)

	require.NoError(t, p.Begin(ctx))
	_, err = p.Send(ctx, []messaging.Record{rec("out", "k", "x")})
	require.NoError(t, err)
	require.NoError(t, p.SendOffsets(ctx, "g", batch))

	_, ok := b.Committed("g", "in", 1)
	assert.False(t, ok, "offsets must wait for the commit")

	require.NoError(t, p.Commit(ctx))
	off, ok := b.Committed("g", "in", 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)
	assert.Len(t, b.Records("out"), 1)
}

func TestResetToCommittedRedelivers(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("in", 1, false)
	seed, _ := b.NewProducer(ctx, backend.ProducerConfig{})
	_, _ = seed.Send(ctx, []messaging.Record{rec("in", "k", "1"), rec("in", "k", "2"), rec("in", "k", "3")})

	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "g", Topic: "in", BatchSize: 2})
	require.NoError(t, err)

	first, err := c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NoError(t, c.Commit(ctx, first[:1]))

	require.NoError(t, c.ResetToCommitted(ctx))
	again, err := c.Poll(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, int64(1), again[0].Offset)
}

func TestFencing(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("out", 1, false)

	old, err := b.NewProducer(ctx, backend.ProducerConfig{TransactionalID: "tx"})
	require.NoError(t, err)
	require.NoError(t, old.Begin(ctx))
	_, err = old.Send(ctx, []messaging.Record{rec("out", "k", "zombie")})
	require.NoError(t, err)

	_, err = b.NewProducer(ctx, backend.ProducerConfig{TransactionalID: "tx"})
	require.NoError(t, err)

	err = old.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrFenced))
	assert.Empty(t, b.Records("out"), "zombie transaction must be aborted")
}

func TestGroupConsumersSplitPartitions(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("in", 4, false)

	c1, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "g", Topic: "in"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, c1.Assignment())

	c2, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "g", Topic: "in"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, c1.Assignment())
	assert.Equal(t, []int{3, 4}, c2.Assignment())

	other, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "other", Topic: "in"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, other.Assignment(), "groups are independent")

	require.NoError(t, c1.Close())
	assert.Equal(t, []int{1, 2, 3, 4}, c2.Assignment())
	assert.Equal(t, 3, b.ConsumersCreated())
}

func TestInjectFault(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("in", 1, false)
	boom := messaging.Intermittent("poll", errors.New("connection reset"))
	b.InjectFault(OpPoll, boom)

	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Topic: "in"})
	require.NoError(t, err)

	_, err = c.Poll(ctx, time.Millisecond)
	assert.ErrorIs(t, err, boom)
	_, err = c.Poll(ctx, time.Millisecond)
	assert.NoError(t, err, "fault fires once")
}

func TestUnknownTopic(t *testing.T) {
	b := New(nil)
	_, err := b.NewConsumer(context.Background(), backend.ConsumerConfig{Topic: "nope"})
	assert.ErrorIs(t, err, partition.ErrUnknownTopic)
}

func TestPollWakesOnSend(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	b.MustCreateTopic("in", 1, false)
	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Topic: "in", Start: backend.StartLatest})
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p, _ := b.NewProducer(ctx, backend.ProducerConfig{})
		_, _ = p.Send(ctx, []messaging.Record{rec("in", "k", "v")})
	}()

	got, err := c.Poll(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
