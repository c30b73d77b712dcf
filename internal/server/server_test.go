package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/codec"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/engine"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

type fixture struct {
	eng    *engine.Engine
	env    *environment.Provider
	client *codec.Client
	dial   func(context.Context, string) (net.Conn, error)
	st     *state.RobotState
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{env: environment.NewProvider(environment.Snapshot{}, nil)}
	src := engine.StateSourceFunc(func() (state.RobotState, bool) {
		if f.st == nil {
			return state.RobotState{}, false
		}
		return *f.st, true
	})
	eng, err := engine.New(config.Default(), engine.Deps{Source: src, Environment: f.env})
	require.NoError(t, err)
	f.eng = eng

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(New(eng, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	f.dial = func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	client, err := codec.NewClient("passthrough:///bufnet", grpc.WithContextDialer(f.dial))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	f.client = client
	return f
}

// tickSafe publishes a safe state and runs one tick.
func (f *fixture) tickSafe() {
	f.st = &state.RobotState{Position: state.Vec3{X: 3, Z: 4}, Identity: 0.5, TimestampMS: 1}
	f.eng.Tick(time.Now())
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestGetCertificateBeforeFirstState(t *testing.T) {
	f := setup(t)
	cert, err := f.client.GetCertificate(ctx(t))
	require.NoError(t, err)
	assert.False(t, cert.IsSafe)
	assert.Equal(t, scorer.ReasonSensorStale, cert.BreachReason)

	safe, err := f.client.IsCertifiedSafe(ctx(t))
	require.NoError(t, err)
	assert.False(t, safe)
}

func TestEvaluateOverGRPC(t *testing.T) {
	f := setup(t)
	f.tickSafe()

	safe, err := f.client.IsCertifiedSafe(ctx(t))
	require.NoError(t, err)
	require.True(t, safe)

	d, err := f.client.Evaluate(ctx(t), actuation.Command{Linear: state.Vec3{X: 4}})
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.True(t, d.Clamped)
	assert.InDelta(t, 2.0, d.Action.Linear.Norm(), 1e-9)
}

func TestEvaluateRejectsMalformedAction(t *testing.T) {
	f := setup(t)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(f.dial),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	in, err := structpb.NewStruct(map[string]any{"linear": "fast"})
	require.NoError(t, err)
	err = conn.Invoke(ctx(t), codec.FullMethod(codec.MethodEvaluate), in, &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLockdownOverGRPC(t *testing.T) {
	f := setup(t)
	f.tickSafe()

	require.NoError(t, f.client.TriggerLockdown(ctx(t)))
	locked, err := f.client.IsLockedDown(ctx(t))
	require.NoError(t, err)
	assert.True(t, locked)

	d, err := f.client.Evaluate(ctx(t), actuation.Command{Linear: state.Vec3{X: 0.1}})
	require.NoError(t, err)
	assert.False(t, d.Approved)

	released, err := f.client.ReleaseLockdown(ctx(t))
	require.NoError(t, err)
	assert.True(t, released)
	locked, err = f.client.IsLockedDown(ctx(t))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestCollisionAndResetOverGRPC(t *testing.T) {
	f := setup(t)
	f.env.SetFriction(0.3)

	reply, err := f.client.ReportCollision(ctx(t), healing.CollisionEvent{Source: "bumper", Impulse: 4})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, healing.CauseTerrainFriction, reply.Incident.Cause)

	margin, err := f.client.GetCurrentMargin(ctx(t))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, margin, 1e-9)

	p, err := f.client.ResetRigor(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, state.DefaultRigorParameters(), p)
}

func TestEstimateOverGRPC(t *testing.T) {
	f := setup(t)
	est, err := f.client.GetEstimate(ctx(t))
	require.NoError(t, err)
	assert.True(t, est.IsUncertain)
	assert.Equal(t, 0, est.Samples)

	conf, err := f.client.GetConfidence(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, est.Confidence, conf)

	rate, err := f.client.GetFailureRateEstimate(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, est.EstimatedFailureRate, rate)
}

func TestCallsAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := setup(t)
	_, err := f.client.IsLockedDown(ctx(t))
	require.NoError(t, err)

	spans := rec.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, codec.FullMethod(codec.MethodIsLockedDown), spans[len(spans)-1].Name())
}

func TestPublishStateRequiresPublisher(t *testing.T) {
	f := setup(t)
	err := f.client.PublishState(ctx(t), state.RobotState{TimestampMS: 1})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(errors.Unwrap(err)))
}

func TestPublishStateFeedsEngine(t *testing.T) {
	states := &engine.LatestState{}
	eng, err := engine.New(config.Default(), engine.Deps{
		Source:      states,
		Environment: environment.NewProvider(environment.Snapshot{}, nil),
	})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(New(eng, nil).AcceptStates(states))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	client, err := codec.NewClient("passthrough:///bufnet", grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	st := state.RobotState{Position: state.Vec3{X: 3, Z: 4}, Identity: 0.5, TimestampMS: 42}
	require.NoError(t, client.PublishState(ctx(t), st))
	assert.Equal(t, uint64(1), states.Received())

	cert := eng.Tick(time.Now())
	assert.True(t, cert.IsSafe)
	got, ok := states.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(42), got.TimestampMS)
}
