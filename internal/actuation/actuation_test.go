package actuation

import (
	"testing"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	if !s.Send(Command{Linear: state.Vec3{X: 1}}) {
		t.Fatal("first send should succeed")
	}
	if s.Send(Command{Linear: state.Vec3{X: 2}}) {
		t.Fatal("second send should be dropped")
	}
	if s.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", s.Dropped())
	}
}

func TestEmergencyStopDisplacesPendingCommands(t *testing.T) {
	s := NewChannelSink(2)
	s.Send(Command{Linear: state.Vec3{X: 1}})
	s.Send(Command{Linear: state.Vec3{X: 2}})

	s.EmergencyStop()

	if !s.Stopped() {
		t.Fatal("expected stop latch")
	}
	var last Command
	for len(s.C()) > 0 {
		last = <-s.C()
	}
	if last != StopCommand() {
		t.Fatalf("expected stop command last, got %+v", last)
	}
	if last.Linear != (state.Vec3{}) || last.Angular != (state.Vec3{}) {
		t.Fatal("stop command must carry zero velocity")
	}
}

func TestStoppedSinkRejectsUntilResume(t *testing.T) {
	s := NewChannelSink(4)
	s.EmergencyStop()
	<-s.C()

	if s.Send(Command{Linear: state.Vec3{X: 1}}) {
		t.Fatal("send while stopped should be rejected")
	}
	s.Resume()
	if !s.Send(Command{Linear: state.Vec3{X: 1}}) {
		t.Fatal("send after resume should succeed")
	}
	if s.Stops() != 1 {
		t.Fatalf("expected 1 stop, got %d", s.Stops())
	}
}
