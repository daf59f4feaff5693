package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/coral-monitor/internal/inference"
)

var pipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*inference.Adapter)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coralmonitor/inference/v1/pipeline.proto",
}

// RegisterPipelineServer exposes adapter as the remote pipeline service that
// DialPipeline talks to.
func RegisterPipelineServer(s grpc.ServiceRegistrar, adapter inference.Adapter) {
	s.RegisterService(&pipelineServiceDesc, adapter)
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		res, err := srv.(inference.Adapter).Run(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, status.Errorf(codes.Internal, "run pipeline: %v", err)
		}
		out, err := encodeResult(res)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode result: %v", err)
		}
		return out, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	return interceptor(ctx, in, info, handler)
}
