package engine

import (
	"sync/atomic"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// LatestState is a StateSource fed by pushes from the motion stack. Publish
// and Latest may be called from any goroutine.
type LatestState struct {
	st       atomic.Pointer[state.RobotState]
	received atomic.Uint64
}

// Publish replaces the current state. Later pushes win; nothing is queued.
func (l *LatestState) Publish(st state.RobotState) {
	l.st.Store(&st)
	l.received.Add(1)
}

// Latest implements StateSource.
func (l *LatestState) Latest() (state.RobotState, bool) {
	p := l.st.Load()
	if p == nil {
		return state.RobotState{}, false
	}
	return *p, true
}

// Received counts accepted pushes.
func (l *LatestState) Received() uint64 { return l.received.Load() }

