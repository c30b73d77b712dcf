package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/codec"
)

// CertificationServer is the handler set registered under
// codec.ServiceName.
type CertificationServer interface {
	GetCertificate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	IsCertifiedSafe(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCurrentMargin(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error)
	GetFailureRateEstimate(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error)
	GetConfidence(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error)
	GetEstimate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TriggerLockdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ReleaseLockdown(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	IsLockedDown(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	ReportCollision(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetRigor(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	PublishState(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: codec.ServiceName,
	HandlerType: (*CertificationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(codec.MethodGetCertificate, CertificationServer.GetCertificate),
		unary(codec.MethodIsCertifiedSafe, CertificationServer.IsCertifiedSafe),
		unary(codec.MethodEvaluate, CertificationServer.Evaluate),
		unary(codec.MethodGetCurrentMargin, CertificationServer.GetCurrentMargin),
		unary(codec.MethodGetFailureRateEstimate, CertificationServer.GetFailureRateEstimate),
		unary(codec.MethodGetConfidence, CertificationServer.GetConfidence),
		unary(codec.MethodGetEstimate, CertificationServer.GetEstimate),
		unary(codec.MethodTriggerLockdown, CertificationServer.TriggerLockdown),
		unary(codec.MethodReleaseLockdown, CertificationServer.ReleaseLockdown),
		unary(codec.MethodIsLockedDown, CertificationServer.IsLockedDown),
		unary(codec.MethodReportCollision, CertificationServer.ReportCollision),
		unary(codec.MethodResetRigor, CertificationServer.ResetRigor),
		unary(codec.MethodPublishState, CertificationServer.PublishState),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "navcert/v1/certification.proto",
}

// unary builds the method descriptor the protoc plugin would generate for
// one request/response pair.
func unary[Req any, Resp proto.Message, PReq interface {
	*Req
	proto.Message
}](name string, call func(CertificationServer, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CertificationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: codec.FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CertificationServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
