// Package wire is the gRPC contract between the batch engine and an
// executor process. Messages are google.protobuf.Struct values carrying
// the JSON form of the run records, so no generated stubs are needed.
package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtocolVersion is the executor protocol spoken by this build.
const ProtocolVersion = "1.0.0"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowbatch.executor.v1.Executor"

// Method names.
const (
	MethodInfo             = "Info"
	MethodExecLine         = "ExecLine"
	MethodExecAggregation  = "ExecAggregation"
	MethodInputsDefinition = "InputsDefinition"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// InfoResponse describes a running executor.
type InfoResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	FlowName        string `json:"flow_name"`
	Language        string `json:"language"`
	HasAggregation  bool   `json:"has_aggregation"`
}

// ExecLineRequest asks for one line.
type ExecLineRequest struct {
	Inputs map[string]any `json:"inputs"`
	Index  int            `json:"index"`
	RunID  string         `json:"run_id"`
}

// ExecAggregationRequest asks for the aggregation pass.
type ExecAggregationRequest struct {
	BatchInputs       map[string][]any `json:"batch_inputs"`
	AggregationInputs map[string][]any `json:"aggregation_inputs"`
	RunID             string           `json:"run_id"`
}

// ExecutorServer is implemented by the executor process.
type ExecutorServer interface {
	Info(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ExecLine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ExecAggregation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	InputsDefinition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv ExecutorServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExecutorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExecutorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodInfo, ExecutorServer.Info),
		unaryMethod(MethodExecLine, ExecutorServer.ExecLine),
		unaryMethod(MethodExecAggregation, ExecutorServer.ExecAggregation),
		unaryMethod(MethodInputsDefinition, ExecutorServer.InputsDefinition),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowbatch/executor/v1/executor.proto",
}

// RegisterExecutorServer registers srv on s.
func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls an executor process.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req encoded as a Struct and decodes the reply
// into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err = c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	return Decode(out, resp)
}

// Encode converts v to a Struct through its JSON encoding. A nil v encodes
// as an empty Struct.
func Encode(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	out := new(structpb.Struct)
	if err = protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encoding %T as struct: %w", v, err)
	}
	return out, nil
}

// Decode fills v from s. Numbers arrive as float64 where v holds any.
func Decode(s *structpb.Struct, v any) error {
	if v == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decoding struct: %w", err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
