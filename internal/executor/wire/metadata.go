package wire

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/rshade/flowbatch/internal/logging"
)

// Metadata keys attached to every executor call.
const (
	TraceIDKey   = "x-flowbatch-trace-id"
	RequestIDKey = "x-flowbatch-request-id"
)

// ClientInterceptor stamps outgoing calls with the caller's trace id and a
// fresh request id.
func ClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		pairs := []string{RequestIDKey, uuid.NewString()}
		if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
			pairs = append(pairs, TraceIDKey, traceID)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// ServerInterceptor restores the caller's trace id on the handler context
// and logs each call with its request id.
func ServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(TraceIDKey); len(v) > 0 {
				ctx = logging.ContextWithTraceID(ctx, v[0])
			}
			if v := md.Get(RequestIDKey); len(v) > 0 {
				requestID = v[0]
			}
		}
		logging.FromContext(ctx).Debug().Ctx(ctx).
			Str("component", "executor").
			Str("method", info.FullMethod).
			Str("request_id", requestID).
			Msg("executor call")
		return handler(ctx, req)
	}
}
