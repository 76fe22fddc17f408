// Package server provides a local development collector: a gRPC and HTTP
// sink that accepts event batches from the SDK and logs them.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gaugex/gaugex/internal/core/api"
	"github.com/gaugex/gaugex/internal/core/auth"
)

// Config configures the collector.
type Config struct {
	GRPCAddr      string
	APIKeys       []string
	SigningSecret []byte
	MaxBatchSize  int
}

// Collector counts and logs every accepted event.
type Collector struct {
	cfg           Config
	authenticator *auth.KeyAuthenticator
	signer        *auth.Signer
	logger        *zap.Logger

	server   *grpc.Server
	listener net.Listener

	batches  atomic.Int64
	accepted atomic.Int64
}

// NewCollector creates the collector with the auth interceptor and health service.
func NewCollector(cfg Config, logger *zap.Logger) (*Collector, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}

	c := &Collector{
		cfg:           cfg,
		authenticator: auth.NewKeyAuthenticator(cfg.APIKeys...),
		logger:        logger.Named("collector"),
	}
	if len(cfg.SigningSecret) > 0 {
		s, err := auth.NewSigner(cfg.SigningSecret)
		if err != nil {
			return nil, err
		}
		c.signer = s
	}

	c.server = grpc.NewServer(grpc.ChainUnaryInterceptor(c.authenticator.UnaryInterceptor()))
	c.server.RegisterService(&collectorServiceDesc, c)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(c.server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return c, nil
}

// collectorService is the handler type of collectorServiceDesc.
type collectorService interface {
	sendEvents(ctx context.Context, req *structpb.ListValue) (*structpb.Struct, error)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: "gaugex.collector.v1.CollectorService",
	HandlerType: (*collectorService)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SendEvents",
		Handler:    sendEventsHandler,
	}},
	Metadata: "gaugex/collector/v1/collector.proto",
}

func sendEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.ListValue)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectorService).sendEvents(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: api.SendEventsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(collectorService).sendEvents(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, req, info, handler)
}

func (c *Collector) sendEvents(ctx context.Context, req *structpb.ListValue) (*structpb.Struct, error) {
	if len(req.Values) > c.cfg.MaxBatchSize {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("batch size exceeds maximum of %d events", c.cfg.MaxBatchSize))
	}
	if c.signer != nil {
		sig := auth.SignatureFromContext(ctx)
		if sig == "" {
			return nil, status.Error(codes.PermissionDenied, auth.ErrMissingSignature.Error())
		}
		want, err := api.SignListValue(c.signer, req)
		if err != nil || want != sig {
			return nil, status.Error(codes.PermissionDenied, auth.ErrInvalidSignature.Error())
		}
	}

	for _, v := range req.Values {
		c.logEvent(v.GetStructValue().AsMap())
	}
	c.record(len(req.Values))
	return structpb.NewStruct(map[string]any{"accepted": float64(len(req.Values))})
}

func (c *Collector) logEvent(wire map[string]any) {
	ev, _ := wire["event"].(map[string]any)
	c.logger.Info("event received",
		zap.Any("id", ev["id"]),
		zap.Any("type", ev["type"]),
		zap.Any("session_id", wire["session_id"]),
		zap.Any("priority", wire["priority"]),
		zap.Any("retry_count", wire["retry_count"]))
}

func (c *Collector) record(n int) {
	c.batches.Add(1)
	c.accepted.Add(int64(n))
}

// Accepted returns the number of events accepted since start.
func (c *Collector) Accepted() int64 { return c.accepted.Load() }

// Batches returns the number of batches accepted since start.
func (c *Collector) Batches() int64 { return c.batches.Load() }

// Listen binds the gRPC address. Addr is valid afterwards.
func (c *Collector) Listen() error {
	listener, err := net.Listen("tcp", c.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", c.cfg.GRPCAddr, err)
	}
	c.listener = listener
	return nil
}

// Addr returns the bound gRPC address, nil before Listen.
func (c *Collector) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Start binds the listener if needed and serves gRPC requests.
// It blocks until Shutdown is called.
func (c *Collector) Start(ctx context.Context) error {
	if c.listener == nil {
		if err := c.Listen(); err != nil {
			return err
		}
	}
	c.logger.Info("collector listening", zap.String("grpc_addr", c.listener.Addr().String()))
	return c.server.Serve(c.listener)
}

// Shutdown gracefully stops server with 30-second timeout.
func (c *Collector) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		c.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		c.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		c.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}
