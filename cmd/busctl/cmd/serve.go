// =============================================================================
// SERVE COMMAND - HTTP AND GRPC SERVERS
// =============================================================================
//
// Runs the HTTP server, and the gRPC server beside it, in front of the
// configured backend until SIGINT or SIGTERM:
//
//   GET  /health, /healthz, /readyz     probes; the backend is a named check
//   GET  /metrics                       Prometheus
//   POST /rpc/topics                    {} -> [{"name","partitions","compacted"}]
//   POST /rpc/publish                   {"records":[...]} -> [{"topic","partition","offset"}]
//   POST /rpc/await                     {"group","topic","partition","offset"} -> {"committed"}
//
// /rpc/publish goes through one publisher shared by every request. With
// --instance-id (or publisher.instance-id) each call is one transaction.
//
// /rpc/await blocks until the group has committed at least offset (the
// next offset to read), so a caller can read its own writes: publish, then
// await offset+1. Watched groups start from tracker.groups; any group
// awaited is watched from then on.
//
// grpc.addr (default :9090, --grpc-addr, MESSAGEBUS_GRPC_ADDR) serves the
// same endpoints as /messagebus.SyncRPC/{topics,publish,await} plus the
// grpc.health.v1 service; an empty address turns it off.
//
// http.tls switches both listeners to TLS; http.api-keys (or
// MESSAGEBUS_API_KEY) puts every /rpc call behind a key. tracing.enabled
// (or MESSAGEBUS_OTLP_ENDPOINT) exports spans over OTLP/gRPC.
//
// =============================================================================

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"messagebus/internal/backend"
	"messagebus/internal/bus"
	"messagebus/internal/metrics"
	"messagebus/internal/offset"
	"messagebus/internal/publisher"
	"messagebus/internal/rpc"
	"messagebus/internal/security"
	"messagebus/internal/tracing"
	"messagebus/pkg/messaging"
)

var (
	serveAddr       string
	serveGRPCAddr   string
	serveInstanceID string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers (sync RPC, health, metrics)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (env: MESSAGEBUS_HTTP_ADDR, default :8080)")
	serveCmd.Flags().StringVar(&serveGRPCAddr, "grpc-addr", "",
		"gRPC listen address (env: MESSAGEBUS_GRPC_ADDR, default :9090)")
	serveCmd.Flags().StringVar(&serveInstanceID, "instance-id", "",
		"Publish transactionally under this instance id")
}

// =============================================================================
// ENDPOINTS
// =============================================================================

// PublishRecord is one record in a publish request. A null value is a
// tombstone.
type PublishRecord struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Value   *string           `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PublishRequest is the body of POST /rpc/publish.
type PublishRequest struct {
	Records []PublishRecord `json:"records"`
}

// topicsEndpoint lists topics sorted by name.
func topicsEndpoint(b backend.Backend) messaging.SyncRPCProcessor[struct{}, []messaging.TopicInfo] {
	return messaging.SyncRPCFunc[struct{}, []messaging.TopicInfo](func(ctx context.Context, _ struct{}) ([]messaging.TopicInfo, error) {
		topics, err := b.Topics(ctx)
		if err != nil {
			return nil, transientIfIntermittent("list topics", err)
		}
		out := make([]messaging.TopicInfo, 0, len(topics))
		for _, t := range topics {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
}

// publishEndpoint publishes a request's records and returns their metadata.
func publishEndpoint(pub *publisher.Publisher) messaging.SyncRPCProcessor[PublishRequest, []messaging.RecordMetadata] {
	return messaging.SyncRPCFunc[PublishRequest, []messaging.RecordMetadata](func(ctx context.Context, req PublishRequest) ([]messaging.RecordMetadata, error) {
		if len(req.Records) == 0 {
			return nil, errors.New("records must not be empty")
		}
		records := make([]messaging.Record, len(req.Records))
		for i, r := range req.Records {
			if r.Topic == "" {
				return nil, fmt.Errorf("records[%d]: topic is required", i)
			}
			records[i] = messaging.Record{Topic: r.Topic, Headers: r.Headers}
			if r.Key != "" {
				records[i].Key = []byte(r.Key)
			}
			if r.Value != nil {
				records[i].Value = []byte(*r.Value)
			}
		}
		md, err := pub.PublishSync(ctx, records)
		if err != nil {
			return nil, transientIfIntermittent("publish", err)
		}
		return md, nil
	})
}

// AwaitRequest is the body of POST /rpc/await.
type AwaitRequest struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`

	// TimeoutMillis bounds the wait. Zero waits as long as the request
	// context allows.
	TimeoutMillis int64 `json:"timeout_ms,omitempty"`
}

// AwaitResponse reports the committed offset that satisfied the wait.
type AwaitResponse struct {
	Committed int64 `json:"committed"`
}

// awaitEndpoint waits on the tracker. A wait that times out is Transient:
// the commit may still come.
func awaitEndpoint(tr *offset.Tracker) messaging.SyncRPCProcessor[AwaitRequest, AwaitResponse] {
	return messaging.SyncRPCFunc[AwaitRequest, AwaitResponse](func(ctx context.Context, req AwaitRequest) (AwaitResponse, error) {
		if req.Group == "" || req.Topic == "" || req.Partition < 1 {
			return AwaitResponse{}, errors.New("group, topic and a partition >= 1 are required")
		}
		tr.Watch(req.Group)
		if req.TimeoutMillis > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
			defer cancel()
		}
		key := offset.Key{Group: req.Group, Topic: req.Topic, Partition: req.Partition}
		if err := tr.Await(ctx, key, req.Offset); err != nil {
			return AwaitResponse{}, messaging.Transient("await offset", err)
		}
		committed, _ := tr.Committed(key)
		return AwaitResponse{Committed: committed}, nil
	})
}

// transientIfIntermittent lets HTTP callers retry backend connection
// failures.
func transientIfIntermittent(op string, err error) error {
	if messaging.IsIntermittent(err) {
		return messaging.Transient(op, err)
	}
	return err
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.Init(busConfig.Metrics)

	shutdownTracing, err := tracing.Setup(ctx, busConfig.Tracing, logger)
	if err != nil {
		return handleError(err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	b, err := bus.Open(ctx, busConfig, logger, reg)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()
	if err := bus.Bootstrap(ctx, b, busConfig.Topics); err != nil {
		return handleError(err)
	}

	instanceID := serveInstanceID
	if instanceID == "" {
		instanceID = busConfig.Publisher.InstanceID
	}
	pub, err := publisher.New(ctx, b, publisher.Config{
		InstanceID: instanceID,
		Workers:    busConfig.Publisher.Workers,
		QueueSize:  busConfig.Publisher.QueueSize,
		Logger:     logger,
		Metrics:    reg.PublisherMetrics(),
	})
	if err != nil {
		return handleError(err)
	}
	defer pub.Close()

	tracker := offset.NewTracker(offset.Config{
		Source:          b,
		Groups:          busConfig.Tracker.Groups,
		RefreshInterval: busConfig.Tracker.RefreshInterval,
		Backoff:         busConfig.Backoff,
		Logger:          logger,
		Metrics:         reg.TrackerMetrics(),
	})
	if err := tracker.Start(ctx); err != nil {
		return handleError(err)
	}
	defer tracker.Stop()

	addr := busConfig.HTTP.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	serverCfg := rpc.DefaultServerConfig()
	serverCfg.Addr = addr
	serverCfg.Metrics = reg
	serverCfg.Logger = logger
	if serverCfg.TLS, err = busConfig.HTTP.TLS.ServerConfig(); err != nil {
		return handleError(err)
	}
	if serverCfg.APIKeys, err = security.NewKeyring(busConfig.HTTP.APIKeys); err != nil {
		return handleError(err)
	}
	srv, err := newBusServer(serverCfg, b, pub, tracker)
	if err != nil {
		return handleError(err)
	}

	grpcAddr := busConfig.GRPC.Addr
	if serveGRPCAddr != "" {
		grpcAddr = serveGRPCAddr
	}
	var grpcSrv *rpc.GRPCServer
	if grpcAddr != "" {
		grpcCfg := rpc.DefaultGRPCConfig()
		grpcCfg.Addr = grpcAddr
		grpcCfg.EnableReflection = busConfig.GRPC.Reflection
		grpcCfg.TLS = serverCfg.TLS
		grpcCfg.Logger = logger
		grpcSrv = rpc.NewGRPCServer(srv, grpcCfg)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	if grpcSrv != nil {
		go func() { errCh <- grpcSrv.Start() }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return handleError(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), busConfig.HTTP.ShutdownTimeout)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.Stop(shutdownCtx)
	}
	return srv.Stop(shutdownCtx)
}

// newBusServer builds the server with the backend check and the built-in
// endpoints.
func newBusServer(cfg rpc.ServerConfig, b backend.Backend, pub *publisher.Publisher, tr *offset.Tracker) (*rpc.Server, error) {
	srv := rpc.NewServer(cfg)
	srv.Health().AddCheck("backend", func(ctx context.Context) error {
		_, err := b.Topics(ctx)
		return err
	})
	if err := rpc.Handle(srv, "topics", topicsEndpoint(b),
		messaging.JSONCodec[struct{}]{}, messaging.JSONCodec[[]messaging.TopicInfo]{}); err != nil {
		return nil, err
	}
	if err := rpc.Handle(srv, "publish", publishEndpoint(pub),
		messaging.JSONCodec[PublishRequest]{}, messaging.JSONCodec[[]messaging.RecordMetadata]{}); err != nil {
		return nil, err
	}
	if err := rpc.Handle(srv, "await", awaitEndpoint(tr),
		messaging.JSONCodec[AwaitRequest]{}, messaging.JSONCodec[AwaitResponse]{}); err != nil {
		return nil, err
	}
	return srv, nil
}
