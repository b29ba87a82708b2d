// Package server runs a flow behind the executor gRPC contract. It is what
// "flowbatch executor serve" starts inside the executor process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rshade/flowbatch/internal/executor"
	"github.com/rshade/flowbatch/internal/executor/wire"
	"github.com/rshade/flowbatch/internal/flow"
	"github.com/rshade/flowbatch/internal/logging"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Service implements wire.ExecutorServer for one flow. Every line runs
// under the configured line timeout.
type Service struct {
	flow    *flow.Flow
	proxy   *executor.InProcessProxy
	version string
}

var _ wire.ExecutorServer = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithProtocolVersion overrides the protocol version reported by Info.
func WithProtocolVersion(v string) Option {
	return func(s *Service) { s.version = v }
}

// NewService returns a Service running f with tools.
func NewService(f *flow.Flow, tools *flow.ToolRegistry, lineTimeout time.Duration, opts ...Option) *Service {
	s := &Service{
		flow:    f,
		proxy:   executor.NewInProcessProxy(f, tools, nil, 1, lineTimeout),
		version: wire.ProtocolVersion,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info reports the protocol version and the served flow.
func (s *Service) Info(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(wire.InfoResponse{
		ProtocolVersion: s.version,
		FlowName:        s.flow.Name,
		Language:        string(s.flow.Language),
		HasAggregation:  s.flow.HasAggregation(),
	})
}

// ExecLine runs one line.
func (s *Service) ExecLine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req wire.ExecLineRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	if _, ok := runinfo.LineNumberOf(req.Inputs); ok {
		req.Inputs[runinfo.LineNumberKey] = req.Index
	}
	result, err := s.proxy.ExecLine(ctx, req.Inputs, req.Index, req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(result)
}

// ExecAggregation runs the aggregation nodes.
func (s *Service) ExecAggregation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req wire.ExecAggregationRequest
	if err := wire.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.proxy.ExecAggregation(ctx, req.BatchInputs, req.AggregationInputs, req.RunID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(result)
}

// InputsDefinition returns the flow inputs under the "inputs" key.
func (s *Service) InputsDefinition(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(map[string]any{"inputs": s.flow.Inputs})
}

// Close releases the underlying line pool.
func (s *Service) Close(ctx context.Context) {
	s.proxy.Destroy(ctx)
}

func encode(v any) (*structpb.Struct, error) {
	out, err := wire.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// Server hosts a Service and the standard health service.
type Server struct {
	svc    *Service
	grpc   *grpc.Server
	health *health.Server
}

// NewServer returns a Server for svc.
func NewServer(svc *Service) *Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(wire.ServerInterceptor()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	wire.RegisterExecutorServer(gs, svc)
	return &Server{svc: svc, grpc: gs, health: hs}
}

// Serve accepts calls on lis until ctx is done, then drains in-flight calls.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	logger := logging.FromContext(ctx)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)

	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	defer stop()

	logger.Info().Ctx(ctx).
		Str("component", "executor").
		Str("address", lis.Addr().String()).
		Str("flow", s.svc.flow.Name).
		Msg("executor serving")

	err := s.grpc.Serve(lis)
	s.svc.Close(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving executor: %w", err)
	}
	return nil
}

// Stop terminates the server immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
