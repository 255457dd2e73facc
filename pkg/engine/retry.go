package engine

import (
	"context"
	"time"

	"github.com/srg/bleguard/pkg/device"
)

// retryState is the per-device reconnection bookkeeping. It is only touched while
// holding Engine.mu.
type retryState struct {
	id            device.DeviceID
	peripheral    device.Peripheral
	attemptCount  int
	lastAttemptAt time.Time
	lastErr       error

	// active is true while a delay task or an in-flight connect exists, and while the
	// retry is parked during an adapter outage.
	active bool

	// connecting is true between the Connect call and its outcome.
	connecting bool

	// echoes counts clean disconnects still expected for connects the engine tore down.
	echoes int

	// abandoned is the failure of an attempt interrupted by an adapter outage. It is
	// reported when the adapter returns.
	abandoned error

	// generation identifies the current attempt; tasks from older attempts see a
	// mismatch after waking and exit without side effects.
	generation uint64
	cancel     context.CancelFunc
}

func newRetryState(p device.Peripheral) *retryState {
	return &retryState{id: p.ID(), peripheral: p}
}

// beginAttempt increments the attempt counter and arms a new generation.
func (s *retryState) beginAttempt(gen uint64, cancel context.CancelFunc) {
	s.stopTasks()
	s.attemptCount++
	s.active = true
	s.connecting = false
	s.abandoned = nil
	s.generation = gen
	s.cancel = cancel
}

// stopTasks cancels the delay task and the timeout watchdog of the current attempt.
func (s *retryState) stopTasks() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.connecting = false
}

func (s *retryState) isCurrent(gen uint64) bool {
	return s.active && s.generation == gen
}
