// Package health classifies connection liveness from the time since a device last
// delivered data. The classifier is a two-tier threshold: Warning after half the
// stale timeout, Stale after the full timeout.
package health

import (
	"fmt"
	"time"
)

// Status is the liveness classification of a connected device.
type Status int

const (
	Healthy Status = iota
	Warning
	Stale
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Stale:
		return "stale"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WarningThreshold is the elapsed time after which a healthy device is flagged.
func WarningThreshold(staleTimeout time.Duration) time.Duration {
	return staleTimeout / 2
}

// Classify maps time since last data onto a status.
func Classify(elapsed, staleTimeout time.Duration) Status {
	switch {
	case elapsed > staleTimeout:
		return Stale
	case elapsed > WarningThreshold(staleTimeout):
		return Warning
	default:
		return Healthy
	}
}

// Evaluate applies one monitor tick to the current status.
//
// A device past the stale timeout becomes Stale unless it already is. A Healthy
// device past the warning threshold becomes Warning. No other transition happens on
// a tick; recovery to Healthy only happens when data arrives.
func Evaluate(current Status, elapsed, staleTimeout time.Duration) (Status, bool) {
	if current == Disconnected {
		return current, false
	}
	if elapsed > staleTimeout {
		if current != Stale {
			return Stale, true
		}
		return current, false
	}
	if elapsed > WarningThreshold(staleTimeout) && current == Healthy {
		return Warning, true
	}
	return current, false
}

// Record is the per-device liveness bookkeeping kept for connected devices.
type Record struct {
	LastDataReceivedAt time.Time
	Status             Status
}

// NewRecord creates a Healthy record stamped at now.
func NewRecord(now time.Time) *Record {
	return &Record{LastDataReceivedAt: now, Status: Healthy}
}

// Elapsed returns the time since data was last received.
func (r *Record) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.LastDataReceivedAt)
}

// Touch stamps new data at now and returns the previous status.
// Any non-Healthy status recovers to Healthy immediately.
func (r *Record) Touch(now time.Time) Status {
	prev := r.Status
	r.LastDataReceivedAt = now
	r.Status = Healthy
	return prev
}
