// =============================================================================
// SYNC RPC OVER GRPC
// =============================================================================
//
// The same endpoints registered with Handle are reachable over gRPC:
//
//   /messagebus.SyncRPC/{endpoint}     unary, payload = encoded request
//   /grpc.health.v1.Health/Check       standard health service
//   reflection                         grpcurl list / describe
//
// There are no generated stubs. Payloads are the endpoint codec's bytes,
// carried by a codec registered under the "proto" content-subtype that
// passes raw frames through and marshals real proto messages (health,
// reflection) with protobuf. Any gRPC client can call an endpoint with a
// bytes-passthrough codec; CallGRPC does exactly that.
//
// Endpoint methods are served by an unknown-service handler, so endpoints
// registered after Start are reachable without re-registration.
//
// STATUS MAPPING:
//
//   ┌───────────────────────────────┬──────────────────────┐
//   │ Processor result              │ gRPC code            │
//   ├───────────────────────────────┼──────────────────────┤
//   │ response                      │ OK                   │
//   │ error tagged Transient        │ Unavailable          │
//   │ undecodable request           │ InvalidArgument      │
//   │ unknown endpoint              │ Unimplemented        │
//   │ missing or unknown API key    │ Unauthenticated      │
//   │ key scoped to other endpoints │ PermissionDenied     │
//   │ any other error               │ Internal             │
//   └───────────────────────────────┴──────────────────────┘
//
// API keys travel as "authorization: Bearer <key>" or "x-api-key" metadata.
//
// =============================================================================

package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"messagebus/internal/security"
	"messagebus/pkg/messaging"
)

// GRPCServiceName is the service endpoints are exposed under.
const GRPCServiceName = "messagebus.SyncRPC"

// GRPCMethod returns the full method name for endpoint.
func GRPCMethod(endpoint string) string {
	return "/" + GRPCServiceName + "/" + endpoint
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// GRPCConfig holds gRPC listener configuration.
type GRPCConfig struct {
	Addr string

	// MaxRecvMsgSize and MaxSendMsgSize bound one message in bytes.
	MaxRecvMsgSize int
	MaxSendMsgSize int

	// MaxConcurrentStreams per connection.
	MaxConcurrentStreams uint32

	// KeepaliveTime pings idle connections; KeepaliveTimeout is how long
	// to wait for the ack before closing.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	EnableReflection bool

	// TLS, when set, serves over TLS.
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultGRPCConfig returns sensible defaults.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Addr:                 ":9090",
		MaxRecvMsgSize:       maxRequestBytes,
		MaxSendMsgSize:       maxRequestBytes,
		MaxConcurrentStreams: 100,
		KeepaliveTime:        30 * time.Second,
		KeepaliveTimeout:     10 * time.Second,
		EnableReflection:     true,
	}
}

// =============================================================================
// SERVER
// =============================================================================

// GRPCServer serves a Server's endpoints over gRPC.
type GRPCServer struct {
	rpc        *Server
	config     GRPCConfig
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	running  bool
}

// NewGRPCServer builds a gRPC server over s's endpoint registry. Zero
// fields in config take DefaultGRPCConfig values.
func NewGRPCServer(s *Server, config GRPCConfig) *GRPCServer {
	def := DefaultGRPCConfig()
	if config.MaxRecvMsgSize <= 0 {
		config.MaxRecvMsgSize = def.MaxRecvMsgSize
	}
	if config.MaxSendMsgSize <= 0 {
		config.MaxSendMsgSize = def.MaxSendMsgSize
	}
	if config.MaxConcurrentStreams == 0 {
		config.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = def.KeepaliveTime
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = def.KeepaliveTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = s.logger.With("transport", "grpc")
	}

	g := &GRPCServer{
		rpc:    s,
		config: config,
		health: health.NewServer(),
		logger: logger,
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),

		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		// clients may ping every 10s, even without active streams
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),

		grpc.ChainUnaryInterceptor(
			unaryLoggingInterceptor(logger),
			unaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(logger),
			streamRecoveryInterceptor(logger),
		),
		grpc.UnknownServiceHandler(g.handleEndpoint),
	}
	if config.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(config.TLS)))
	}

	g.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(g.grpcServer, g.health)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	g.health.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if config.EnableReflection {
		reflection.Register(g.grpcServer)
	}
	return g
}

// Health returns the gRPC health service, so callers can set per-service
// status.
func (g *GRPCServer) Health() *health.Server {
	return g.health
}

// handleEndpoint serves every method outside the registered services.
func (g *GRPCServer) handleEndpoint(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method on stream")
	}
	name, ok := strings.CutPrefix(method, "/"+GRPCServiceName+"/")
	if !ok || name == "" {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	ctx := stream.Context()
	if keyring := g.rpc.keyring; keyring.Enabled() {
		keyName, err := keyring.AuthenticateKey(keyFromMetadata(ctx), name)
		if err != nil {
			g.logger.Warn("rpc authentication failed", "endpoint", name, "error", err)
			code := codes.Unauthenticated
			if errors.Is(err, security.ErrPermissionDenied) {
				code = codes.PermissionDenied
			}
			return status.Error(code, err.Error())
		}
		ctx = security.WithKeyName(ctx, keyName)
	}

	ep, ok := g.rpc.lookup(name)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown endpoint: %s", name)
	}

	var in frame
	if err := stream.RecvMsg(&in); err != nil {
		return err
	}
	out, err := ep.invoke(ctx, in.data)
	if err != nil {
		return statusFor(err)
	}
	return stream.SendMsg(&frame{data: out})
}

// statusFor maps an invoke error to a gRPC status.
func statusFor(err error) error {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return status.Error(codes.InvalidArgument, reqErr.Error())
	case messaging.KindOf(err) == messaging.KindTransient:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func keyFromMetadata(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return security.KeyFromValues(first("authorization"), first("x-api-key"))
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start listens on config.Addr and serves until Stop. It blocks, so it is
// usually run in a goroutine.
func (g *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", g.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.config.Addr, err)
	}
	return g.Serve(listener)
}

// Serve serves on listener until Stop.
func (g *GRPCServer) Serve(listener net.Listener) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.New("server already running")
	}
	g.listener = listener
	g.running = true
	g.mu.Unlock()

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	g.logger.Info("gRPC server starting",
		"address", listener.Addr().String(),
		"reflection", g.config.EnableReflection,
	)

	err := g.grpcServer.Serve(listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks the services not serving and waits for in-flight RPCs. When
// ctx ends first the remaining RPCs are cancelled.
func (g *GRPCServer) Stop(ctx context.Context) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	g.logger.Info("gRPC server stopping...")
	g.health.Shutdown()

	done := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.grpcServer.Stop()
		<-done
	}
	g.logger.Info("gRPC server stopped")
}

// Address returns the address the server is listening on.
// Useful when using port 0 for dynamic port assignment.
func (g *GRPCServer) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.config.Addr
}

// =============================================================================
// CODEC
// =============================================================================

// frame is an endpoint payload: the request or response codec's bytes.
type frame struct {
	data []byte
}

// frameCodec passes frames through and marshals proto messages normally.
// It keeps the "proto" name so stock clients negotiate it.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.data, nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("rpc codec: cannot marshal %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *frame:
		// the transport may reuse data after Unmarshal returns
		m.data = append([]byte(nil), data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("rpc codec: cannot unmarshal into %T", v)
}

func (frameCodec) Name() string { return "proto" }

// =============================================================================
// INTERCEPTORS
// =============================================================================
//
//   Request → Logging → Recovery → Handler
//   Response ← Logging ← Recovery ← Handler
//
// Unary covers health checks; endpoint calls arrive on the stream chain
// through the unknown-service handler.
//
// =============================================================================

// unaryLoggingInterceptor logs unary RPC calls.
func unaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC unary",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return resp, err
	}
}

// unaryRecoveryInterceptor catches panics and converts them to errors.
func unaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered", "method", info.FullMethod, "panic", r)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// streamLoggingInterceptor logs streaming RPC calls, which includes every
// endpoint call.
func streamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		level := slog.LevelDebug
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ss.Context(), level, "gRPC call",
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
			"error", err,
		)
		return err
	}
}

// streamRecoveryInterceptor catches panics in streaming RPCs.
func streamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC panic recovered", "method", info.FullMethod, "panic", r)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// CallGRPC sends request to endpoint over conn. Unavailable, and a
// connection that could not be used, come back tagged Transient; every
// other failure is Fatal. apiKey, when set, is sent as a bearer token.
func CallGRPC[Req any, Resp any](
	ctx context.Context,
	conn grpc.ClientConnInterface,
	endpoint string,
	apiKey string,
	request Req,
	req messaging.Codec[Req],
	resp messaging.Codec[Resp],
) (Resp, error) {
	var zero Resp
	body, err := req.Encode(request)
	if err != nil {
		return zero, messaging.Fatal("encode request", err)
	}
	if apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+apiKey)
	}

	var out frame
	err = conn.Invoke(ctx, GRPCMethod(endpoint), &frame{data: body}, &out, grpc.ForceCodec(frameCodec{}))
	if err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if status.Code(err) == codes.Unavailable {
			return zero, messaging.Transient("rpc "+endpoint, err)
		}
		return zero, messaging.Fatal("rpc "+endpoint, err)
	}
	v, err := resp.Decode(out.data)
	if err != nil {
		return zero, messaging.Fatal("decode response", err)
	}
	return v, nil
}
