// Package actuation is the boundary to the motion-command layer.
package actuation

import (
	"sync/atomic"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// Command is a velocity command for the base.
type Command struct {
	Linear  state.Vec3 `json:"linear"`
	Angular state.Vec3 `json:"angular"`
	Stop    bool       `json:"stop"`
}

// stopCommand is preallocated so the emergency stop never allocates.
var stopCommand = Command{Stop: true}

// StopCommand returns the zero-velocity emergency stop command.
func StopCommand() Command { return stopCommand }

// Sink receives motion commands. Implementations must not block.
type Sink interface {
	Send(cmd Command) bool
	EmergencyStop()
}

// #region channel-sink
// ChannelSink delivers commands over a buffered channel. A full channel
// drops ordinary commands; an emergency stop always lands, displacing the
// oldest pending command when necessary, and is also latched so a consumer
// that polls Stopped() observes it even if it never drains the channel.
type ChannelSink struct {
	ch      chan Command
	stopped atomic.Bool
	dropped atomic.Uint64
	stops   atomic.Uint64
}

// NewChannelSink creates a sink with the given buffer depth.
func NewChannelSink(depth int) *ChannelSink {
	if depth < 1 {
		depth = 1
	}
	return &ChannelSink{ch: make(chan Command, depth)}
}

// C is the command stream for the consumer.
func (s *ChannelSink) C() <-chan Command { return s.ch }

// Send queues cmd unless the sink is latched stopped or full.
func (s *ChannelSink) Send(cmd Command) bool {
	if s.stopped.Load() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ch <- cmd:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// EmergencyStop latches the stop and pushes a zero command.
func (s *ChannelSink) EmergencyStop() {
	s.stopped.Store(true)
	s.stops.Add(1)
	for {
		select {
		case s.ch <- stopCommand:
			return
		default:
		}
		// drop the oldest pending command to make room
		select {
		case <-s.ch:
		default:
		}
	}
}

// Resume clears the stop latch after a lockdown release.
func (s *ChannelSink) Resume() { s.stopped.Store(false) }

// Stopped reports whether the stop latch is set.
func (s *ChannelSink) Stopped() bool { return s.stopped.Load() }

// Dropped returns the number of commands discarded.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// Stops returns the number of emergency stops issued.
func (s *ChannelSink) Stops() uint64 { return s.stops.Load() }

// #endregion channel-sink

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Send(Command) bool { return true }
func (Discard) EmergencyStop()    {}
