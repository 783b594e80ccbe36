package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"messagebus/internal/backend"
	"messagebus/internal/backend/memory"
	"messagebus/internal/offset"
	"messagebus/internal/partition"
	"messagebus/internal/publisher"
	"messagebus/internal/rpc"
	"messagebus/pkg/messaging"
)

// resetFlags puts every flag back to its default so runs do not leak into
// each other through the package-level flag variables.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
	// StringToString merges into the map once it has been set.
	produceHeaders = map[string]string{}
}

// busctl runs one command against a sqlite database in dir.
func busctl(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	lookupEnv = func(string) (string, bool) { return "", false }

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	base := []string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--backend", "sql",
		"--dsn", filepath.Join(dir, "bus.db"),
		"--log-level", "error",
	}
	rootCmd.SetArgs(append(base, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTopicCreateAndList(t *testing.T) {
	dir := t.TempDir()

	out, err := busctl(t, dir, "topic", "create", "orders", "-p", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Topic orders ready with 4 partitions")

	_, err = busctl(t, dir, "topic", "create", "state", "-p", "2", "--compacted")
	require.NoError(t, err)

	out, err = busctl(t, dir, "topic", "list", "-o", "json")
	require.NoError(t, err)
	var topics []messaging.TopicInfo
	require.NoError(t, json.Unmarshal([]byte(out), &topics))
	assert.Equal(t, []messaging.TopicInfo{
		{Name: "orders", Partitions: 4},
		{Name: "state", Partitions: 2, Compacted: true},
	}, topics)

	_, err = busctl(t, dir, "topic", "create", "orders", "-p", "8")
	assert.Error(t, err)
}

func TestProduceConsumeWithGroup(t *testing.T) {
	dir := t.TempDir()
	_, err := busctl(t, dir, "topic", "create", "orders", "-p", "3")
	require.NoError(t, err)

	out, err := busctl(t, dir, "produce", "orders", "-k", "user-1", "-m", "hello", "-H", "source=cli", "-o", "json")
	require.NoError(t, err)
	var published []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &published))
	require.Len(t, published, 1)
	assert.Equal(t, float64(partition.AssignString("user-1", 3)), published[0]["partition"])

	out, err = busctl(t, dir, "consume", "orders", "--group", "audit", "-o", "json")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "hello", views[0]["value"])
	assert.Equal(t, "user-1", views[0]["key"])
	assert.Equal(t, map[string]any{"source": "cli"}, views[0]["headers"])

	// committed: a second run of the group reads nothing
	out, err = busctl(t, dir, "consume", "orders", "--group", "audit", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	out, err = busctl(t, dir, "offsets", "audit", "-o", "json")
	require.NoError(t, err)
	var offsets struct {
		Group   string                   `json:"group"`
		Offsets map[string]map[int]int64 `json:"offsets"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &offsets))
	assert.Equal(t, int64(1), offsets.Offsets["orders"][partition.AssignString("user-1", 3)])
}

func TestProduceFromFileTransactionally(t *testing.T) {
	dir := t.TempDir()
	_, err := busctl(t, dir, "topic", "create", "state", "-p", "1", "--compacted")
	require.NoError(t, err)

	file := filepath.Join(dir, "records.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		`# seed`,
		`{"key": "a", "value": "1"}`,
		`{"key": "a", "value": "2"}`,
		`{"key": "b", "value": null}`,
		`plain text`,
		``,
	}, "\n")), 0o600))

	out, err := busctl(t, dir, "produce", "state", "-f", file, "--instance-id", "loader-1", "-o", "json")
	require.NoError(t, err)
	var published []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &published))
	assert.Len(t, published, 4)

	out, err = busctl(t, dir, "consume", "state", "-o", "json")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 4)
	assert.Nil(t, views[2]["value"])
	assert.Equal(t, "plain text", views[3]["value"])

	out, err = busctl(t, dir, "topic", "compact", "state")
	require.NoError(t, err)
	assert.Contains(t, out, "1 records removed")
}

func TestProduceNeedsInput(t *testing.T) {
	dir := t.TempDir()
	_, err := busctl(t, dir, "topic", "create", "orders", "-p", "1")
	require.NoError(t, err)

	_, err = busctl(t, dir, "produce", "orders")
	assert.Error(t, err)
	_, err = busctl(t, dir, "produce", "orders", "--tombstone")
	assert.Error(t, err)
}

func TestConsumeLimitAndPartition(t *testing.T) {
	dir := t.TempDir()
	_, err := busctl(t, dir, "topic", "create", "events", "-p", "2")
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := busctl(t, dir, "produce", "events", "-k", k, "-m", "v-"+k)
		require.NoError(t, err)
	}

	out, err := busctl(t, dir, "consume", "events", "-n", "2", "-o", "json")
	require.NoError(t, err)
	var views []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.Len(t, views, 2)

	out, err = busctl(t, dir, "consume", "events", "--partition", "2", "-o", "json")
	require.NoError(t, err)
	views = nil
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	for _, v := range views {
		assert.Equal(t, float64(2), v["partition"])
	}

	_, err = busctl(t, dir, "consume", "events", "--from", "sideways")
	assert.Error(t, err)
	_, err = busctl(t, dir, "consume", "events", "--group", "g", "--partition", "1")
	assert.Error(t, err)
}

func TestAllocation(t *testing.T) {
	dir := t.TempDir()
	_, err := busctl(t, dir, "topic", "create", "orders", "-p", "6")
	require.NoError(t, err)

	out, err := busctl(t, dir, "allocation", "orders", "--listeners", "3", "--leave", "2", "-o", "json")
	require.NoError(t, err)
	var got struct {
		Topic     string `json:"topic"`
		Listeners []struct {
			Listener   string `json:"listener"`
			Partitions []int  `json:"partitions"`
		} `json:"listeners"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Listeners, 2)
	assert.Equal(t, "listener-1", got.Listeners[0].Listener)
	assert.Equal(t, []int{1, 2, 3}, got.Listeners[0].Partitions)
	assert.Equal(t, "listener-3", got.Listeners[1].Listener)
	assert.Equal(t, []int{4, 5, 6}, got.Listeners[1].Partitions)

	_, err = busctl(t, dir, "allocation", "missing")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := busctl(t, t.TempDir(), "version", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "version: dev")
}

func TestKeygen(t *testing.T) {
	out, err := busctl(t, t.TempDir(), "keygen")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mb_"))
}

// =============================================================================
// SERVE ENDPOINTS
// =============================================================================

func TestBusServerEndpoints(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := memory.New(logger)
	defer b.Close()
	b.MustCreateTopic("orders", 2, false)

	pub, err := publisher.New(ctx, b, publisher.Config{Logger: logger})
	require.NoError(t, err)
	defer pub.Close()

	tracker := offset.NewTracker(offset.Config{Source: b, RefreshInterval: 5 * time.Millisecond, Logger: logger})
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Stop()

	srv, err := newBusServer(rpc.ServerConfig{Logger: logger}, b, pub, tracker)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := rpc.NewClient(rpc.ClientConfig{BaseURL: ts.URL, Retries: -1, Logger: logger})
	require.NoError(t, err)

	topics, err := rpc.Call(ctx, client, "topics", struct{}{},
		messaging.JSONCodec[struct{}]{}, messaging.JSONCodec[[]messaging.TopicInfo]{})
	require.NoError(t, err)
	assert.Equal(t, []messaging.TopicInfo{{Name: "orders", Partitions: 2}}, topics)

	value := "hello"
	md, err := rpc.Call(ctx, client, "publish",
		PublishRequest{Records: []PublishRecord{{Topic: "orders", Key: "k", Value: &value}}},
		messaging.JSONCodec[PublishRequest]{}, messaging.JSONCodec[[]messaging.RecordMetadata]{})
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, partition.AssignString("k", 2), md[0].Partition)
	require.Len(t, b.Records("orders"), 1)

	_, err = rpc.Call(ctx, client, "publish", PublishRequest{},
		messaging.JSONCodec[PublishRequest]{}, messaging.JSONCodec[[]messaging.RecordMetadata]{})
	require.Error(t, err)
	assert.Equal(t, messaging.KindFatal, messaging.KindOf(err))

	// read-your-own-writes: commit as group g, then await past the record
	c, err := b.NewConsumer(ctx, backend.ConsumerConfig{Group: "g", Topic: "orders", Start: backend.StartEarliest})
	require.NoError(t, err)
	defer c.Close()
	records, err := backend.ReadToEnd(ctx, c, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, c.Commit(ctx, records))

	awaited, err := rpc.Call(ctx, client, "await",
		AwaitRequest{Group: "g", Topic: "orders", Partition: md[0].Partition, Offset: md[0].Offset + 1, TimeoutMillis: 2000},
		messaging.JSONCodec[AwaitRequest]{}, messaging.JSONCodec[AwaitResponse]{})
	require.NoError(t, err)
	assert.Equal(t, md[0].Offset+1, awaited.Committed)

	_, err = rpc.Call(ctx, client, "await",
		AwaitRequest{Group: "g", Topic: "orders", Partition: md[0].Partition, Offset: 99, TimeoutMillis: 20},
		messaging.JSONCodec[AwaitRequest]{}, messaging.JSONCodec[AwaitResponse]{})
	require.Error(t, err)
	assert.Equal(t, messaging.KindTransient, messaging.KindOf(err))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransientIfIntermittent(t *testing.T) {
	err := transientIfIntermittent("op", messaging.Intermittent("poll", io.ErrUnexpectedEOF))
	assert.True(t, messaging.IsTransient(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = transientIfIntermittent("op", io.EOF)
	assert.Equal(t, io.EOF, err)
}

func TestBusServerEndpointsOverGRPC(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := memory.New(logger)
	defer b.Close()
	b.MustCreateTopic("orders", 2, false)

	pub, err := publisher.New(ctx, b, publisher.Config{Logger: logger})
	require.NoError(t, err)
	defer pub.Close()
	tracker := offset.NewTracker(offset.Config{Source: b, Logger: logger})

	srv, err := newBusServer(rpc.ServerConfig{Logger: logger}, b, pub, tracker)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g := rpc.NewGRPCServer(srv, rpc.GRPCConfig{Logger: logger})
	go func() { _ = g.Serve(lis) }()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Stop(stopCtx)
	}()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	topics, err := rpc.CallGRPC(ctx, conn, "topics", "", struct{}{},
		messaging.JSONCodec[struct{}]{}, messaging.JSONCodec[[]messaging.TopicInfo]{})
	require.NoError(t, err)
	assert.Equal(t, []messaging.TopicInfo{{Name: "orders", Partitions: 2}}, topics)

	value := "hello"
	md, err := rpc.CallGRPC(ctx, conn, "publish", "",
		PublishRequest{Records: []PublishRecord{{Topic: "orders", Key: "k", Value: &value}}},
		messaging.JSONCodec[PublishRequest]{}, messaging.JSONCodec[[]messaging.RecordMetadata]{})
	require.NoError(t, err)
	require.Len(t, md, 1)
	assert.Equal(t, partition.AssignString("k", 2), md[0].Partition)
	require.Len(t, b.Records("orders"), 1)
}
