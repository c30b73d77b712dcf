// Package server exposes the controller API as a gRPC CertificationService.
package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/codec"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/gate"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

var tracer = otel.Tracer("navcert.server")

// Controller is the engine surface the service exposes.
type Controller interface {
	GetCertificate() scorer.SafetyCertificate
	IsCertifiedSafe() bool
	Evaluate(action actuation.Command) gate.GateDecision
	GetCurrentMargin() float64
	GetFailureRateEstimate() float64
	GetConfidence() float64
	Estimate() validation.Estimate
	TriggerLockdown()
	ReleaseLockdown() bool
	IsLockedDown() bool
	HandleCollision(ev healing.CollisionEvent) (healing.IncidentRecord, bool)
	ResetRigor() state.RigorParameters
}

// StatePublisher accepts pushed robot states.
type StatePublisher interface {
	Publish(st state.RobotState)
}

// #region server

// Server implements CertificationService over a Controller.
type Server struct {
	ctl    Controller
	states StatePublisher
	logger *slog.Logger
}

// New wraps ctl.
func New(ctl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctl: ctl, logger: logger.With("component", "grpc")}
}

// AcceptStates enables PublishState. Without it the RPC reports
// FailedPrecondition, as when the controller runs its own source.
func (s *Server) AcceptStates(p StatePublisher) *Server {
	s.states = p
	return s
}

// NewGRPCServer builds a grpc.Server with tracing and the service
// registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(s.traceUnary)}, opts...)
	g := grpc.NewServer(opts...)
	Register(g, s)
	return g
}

// Register adds the service to any registrar.
func Register(r grpc.ServiceRegistrar, s *Server) {
	r.RegisterService(&serviceDesc, s)
}

// #endregion server

// #region handlers

func (s *Server) GetCertificate(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	cert := s.ctl.GetCertificate()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("certificate.safe", cert.IsSafe),
		attribute.String("certificate.reason", string(cert.BreachReason)),
	)
	return encode(cert)
}

func (s *Server) IsCertifiedSafe(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.ctl.IsCertifiedSafe()), nil
}

// Evaluate arbitrates a proposed action. Malformed requests are rejected
// before they reach the gate.
func (s *Server) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var action actuation.Command
	if err := codec.FromStruct(in, &action); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode action: %v", err)
	}
	d := s.ctl.Evaluate(action)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("gate.approved", d.Approved),
		attribute.Bool("gate.trigger_breach", d.TriggerBreach),
	)
	if !d.Approved && len(d.VetoSignals) > 0 {
		span.SetAttributes(attribute.String("gate.veto", string(d.VetoSignals[0].Type)))
	}
	return encode(d)
}

func (s *Server) GetCurrentMargin(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error) {
	return wrapperspb.Double(s.ctl.GetCurrentMargin()), nil
}

func (s *Server) GetFailureRateEstimate(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error) {
	return wrapperspb.Double(s.ctl.GetFailureRateEstimate()), nil
}

func (s *Server) GetConfidence(context.Context, *emptypb.Empty) (*wrapperspb.DoubleValue, error) {
	return wrapperspb.Double(s.ctl.GetConfidence()), nil
}

func (s *Server) GetEstimate(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return encode(s.ctl.Estimate())
}

func (s *Server) TriggerLockdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.ctl.TriggerLockdown()
	s.logger.Warn("lockdown requested over gRPC")
	return &emptypb.Empty{}, nil
}

func (s *Server) ReleaseLockdown(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	ok := s.ctl.ReleaseLockdown()
	s.logger.Info("release requested over gRPC", "released", ok)
	return wrapperspb.Bool(ok), nil
}

func (s *Server) IsLockedDown(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.ctl.IsLockedDown()), nil
}

func (s *Server) ReportCollision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ev healing.CollisionEvent
	if err := codec.FromStruct(in, &ev); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode collision: %v", err)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	rec, ok := s.ctl.HandleCollision(ev)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Bool("collision.accepted", ok),
		attribute.String("collision.cause", string(rec.Cause)),
	)
	return encode(codec.CollisionReply{Accepted: ok, Incident: rec})
}

func (s *Server) ResetRigor(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return encode(s.ctl.ResetRigor())
}

func (s *Server) PublishState(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.states == nil {
		return nil, status.Error(codes.FailedPrecondition, "controller does not accept pushed states")
	}
	var st state.RobotState
	if err := codec.FromStruct(in, &st); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode state: %v", err)
	}
	s.states.Publish(st)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("state.timestamp_ms", int64(st.TimestampMS)))
	return &emptypb.Empty{}, nil
}

// #endregion handlers

// #region interceptor

// traceUnary wraps every call in a span named after the method.
func (s *Server) traceUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, span := tracer.Start(ctx, info.FullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.service", codec.ServiceName)),
	)
	defer span.End()

	resp, err := handler(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		s.logger.Warn("rpc failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}

// #endregion interceptor

// #region helpers
func encode(v any) (*structpb.Struct, error) {
	out, err := codec.ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// #endregion helpers
