package main

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/codec"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/engine"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/server"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// startController serves a fresh engine on a loopback port.
func startController(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	src := &engine.LatestState{}
	eng, err := engine.New(config.Default(), engine.Deps{
		Source:      src,
		Environment: environment.NewProvider(environment.Snapshot{}, nil),
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	src.Publish(state.RobotState{Position: state.Vec3{X: 3, Z: 4}, Identity: 0.5, TimestampMS: 1})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.NewGRPCServer(server.New(eng, discardLogger()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return eng, lis.Addr().String()
}

func TestCtlStatusJSON(t *testing.T) {
	eng, addr := startController(t)
	eng.Tick(time.Now())

	out, err := execute(t, "ctl", "status", "--addr", addr, "--json")
	require.NoError(t, err, out)

	var v statusView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Certificate.IsSafe)
	assert.False(t, v.LockedDown)
	assert.InDelta(t, state.DefaultRigorParameters().CurrentMargin, v.Margin, 1e-9)
}

func TestCtlLockdownAndRelease(t *testing.T) {
	eng, addr := startController(t)
	eng.Tick(time.Now())

	out, err := execute(t, "ctl", "lockdown", "--addr", addr, "--json=false")
	require.NoError(t, err, out)
	assert.Contains(t, out, "locked down")
	assert.True(t, eng.IsLockedDown())

	out, err = execute(t, "ctl", "release", "--addr", addr)
	require.NoError(t, err, out)
	assert.Contains(t, out, "released")
	assert.False(t, eng.IsLockedDown())
}

func TestCtlReleaseRefusedBeforeSafeCertificate(t *testing.T) {
	eng, addr := startController(t)

	_, err := execute(t, "ctl", "lockdown", "--addr", addr)
	require.NoError(t, err)
	_, err = execute(t, "ctl", "release", "--addr", addr)
	assert.ErrorIs(t, err, errReleaseRefused)
	assert.True(t, eng.IsLockedDown())
}

func TestCtlCollideAndReset(t *testing.T) {
	eng, addr := startController(t)
	eng.Tick(time.Now())

	out, err := execute(t, "ctl", "collide", "--addr", addr, "--json")
	require.NoError(t, err, out)
	var reply codec.CollisionReply
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.True(t, reply.Accepted)
	assert.Equal(t, healing.CauseOneOff, reply.Incident.Cause)
	assert.Len(t, eng.Incidents(), 1)

	out, err = execute(t, "ctl", "reset", "--addr", addr, "--json")
	require.NoError(t, err, out)
	var p state.RigorParameters
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.InDelta(t, state.DefaultRigorParameters().CurrentMargin, p.CurrentMargin, 1e-9)
}
