package codec

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/gate"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

// #region types

// CollisionReply is the ReportCollision response.
type CollisionReply struct {
	Accepted bool                   `json:"accepted"`
	Incident healing.IncidentRecord `json:"incident"`
}

// #endregion types

// #region client-struct
// Client calls a remote CertificationService.
type Client struct {
	conn *grpc.ClientConn
}

// #endregion client-struct

// #region constructor
// NewClient connects to the controller gRPC server.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion constructor

// #region certificate
// GetCertificate fetches the latest certificate.
func (c *Client) GetCertificate(ctx context.Context) (scorer.SafetyCertificate, error) {
	var cert scorer.SafetyCertificate
	err := c.callStruct(ctx, MethodGetCertificate, &emptypb.Empty{}, &cert)
	return cert, err
}

// IsCertifiedSafe reports whether motion is currently certified.
func (c *Client) IsCertifiedSafe(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodIsCertifiedSafe)
}

// #endregion certificate

// #region evaluate
// Evaluate asks the gate to arbitrate action.
func (c *Client) Evaluate(ctx context.Context, action actuation.Command) (gate.GateDecision, error) {
	in, err := ToStruct(action)
	if err != nil {
		return gate.GateDecision{}, err
	}
	var d gate.GateDecision
	err = c.callStruct(ctx, MethodEvaluate, in, &d)
	return d, err
}

// #endregion evaluate

// #region estimates
func (c *Client) GetCurrentMargin(ctx context.Context) (float64, error) {
	return c.callDouble(ctx, MethodGetCurrentMargin)
}

func (c *Client) GetFailureRateEstimate(ctx context.Context) (float64, error) {
	return c.callDouble(ctx, MethodGetFailureRateEstimate)
}

func (c *Client) GetConfidence(ctx context.Context) (float64, error) {
	return c.callDouble(ctx, MethodGetConfidence)
}

// GetEstimate fetches the full validator output.
func (c *Client) GetEstimate(ctx context.Context) (validation.Estimate, error) {
	var est validation.Estimate
	err := c.callStruct(ctx, MethodGetEstimate, &emptypb.Empty{}, &est)
	return est, err
}

// #endregion estimates

// #region lockdown
func (c *Client) TriggerLockdown(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, FullMethod(MethodTriggerLockdown), &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("trigger lockdown rpc: %w", err)
	}
	return nil
}

// ReleaseLockdown returns whether the release was accepted.
func (c *Client) ReleaseLockdown(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodReleaseLockdown)
}

func (c *Client) IsLockedDown(ctx context.Context) (bool, error) {
	return c.callBool(ctx, MethodIsLockedDown)
}

// #endregion lockdown

// #region healing
// ReportCollision forwards a collision event. A zero At is stamped by the
// server.
func (c *Client) ReportCollision(ctx context.Context, ev healing.CollisionEvent) (CollisionReply, error) {
	in, err := ToStruct(ev)
	if err != nil {
		return CollisionReply{}, err
	}
	var reply CollisionReply
	err = c.callStruct(ctx, MethodReportCollision, in, &reply)
	return reply, err
}

// ResetRigor restores the initial parameters and returns them.
func (c *Client) ResetRigor(ctx context.Context) (state.RigorParameters, error) {
	var p state.RigorParameters
	err := c.callStruct(ctx, MethodResetRigor, &emptypb.Empty{}, &p)
	return p, err
}

// #endregion healing

// #region ingest
// PublishState pushes the latest robot state to a controller started
// without a local state source.
func (c *Client) PublishState(ctx context.Context, st state.RobotState) error {
	in, err := ToStruct(st)
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, FullMethod(MethodPublishState), in, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("%s rpc: %w", MethodPublishState, err)
	}
	return nil
}

// #endregion ingest

// #region helpers
func (c *Client) callStruct(ctx context.Context, method string, in proto.Message, out any) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(method), in, resp); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return FromStruct(resp, out)
}

func (c *Client) callBool(ctx context.Context, method string) (bool, error) {
	resp := &wrapperspb.BoolValue{}
	if err := c.conn.Invoke(ctx, FullMethod(method), &emptypb.Empty{}, resp); err != nil {
		return false, fmt.Errorf("%s rpc: %w", method, err)
	}
	return resp.GetValue(), nil
}

func (c *Client) callDouble(ctx context.Context, method string) (float64, error) {
	resp := &wrapperspb.DoubleValue{}
	if err := c.conn.Invoke(ctx, FullMethod(method), &emptypb.Empty{}, resp); err != nil {
		return 0, fmt.Errorf("%s rpc: %w", method, err)
	}
	return resp.GetValue(), nil
}

// #endregion helpers
