// Package events defines the typed events published by the engine and the Bus
// that fans them out to subscribers.
package events

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/health"
)

// Type identifies the kind of an Event.
type Type string

const (
	AttemptStarted      Type = "attempt_started"
	Succeeded           Type = "succeeded"
	Failed              Type = "failed"
	GaveUp              Type = "gave_up"
	RSSIUpdated         Type = "rssi_updated"
	HealthWarning       Type = "health_warning"
	ConnectionStale     Type = "connection_stale"
	HealthChanged       Type = "health_changed"
	AdapterStateChanged Type = "adapter_state_changed"
	WorkerStarted       Type = "worker_started"
	WorkerStopped       Type = "worker_stopped"
)

// Event is a single notification from the engine. Only the fields relevant to
// Type are populated; the rest keep their zero values.
type Event struct {
	Type   Type
	Device device.DeviceID
	Time   time.Time

	// AttemptStarted, Failed
	Attempt     int
	MaxAttempts int
	Delay       time.Duration

	// Succeeded, GaveUp
	TotalAttempts int

	// Failed, GaveUp
	Err       error
	WillRetry bool

	// RSSIUpdated
	RSSI int

	// HealthWarning, ConnectionStale, HealthChanged
	Reason         string
	Elapsed        time.Duration
	Health         health.Status
	PreviousHealth health.Status

	// AdapterStateChanged
	AdapterState device.AdapterState
}

// IsDeviceEvent reports whether the event concerns a single device.
func (e Event) IsDeviceEvent() bool {
	return e.Device != ""
}

// Fields returns the populated event fields for structured logging.
func (e Event) Fields() logrus.Fields {
	f := logrus.Fields{"event": string(e.Type)}
	if e.Device != "" {
		f["device"] = e.Device.String()
	}

	switch e.Type {
	case AttemptStarted:
		f["attempt"] = e.Attempt
		f["max_attempts"] = e.MaxAttempts
		f["delay"] = e.Delay.String()
	case Succeeded:
		f["total_attempts"] = e.TotalAttempts
	case Failed:
		f["attempt"] = e.Attempt
		f["will_retry"] = e.WillRetry
	case GaveUp:
		f["total_attempts"] = e.TotalAttempts
	case RSSIUpdated:
		f["rssi"] = e.RSSI
	case HealthWarning, ConnectionStale:
		f["elapsed"] = e.Elapsed.String()
		if e.Reason != "" {
			f["reason"] = e.Reason
		}
	case HealthChanged:
		f["from"] = e.PreviousHealth.String()
		f["to"] = e.Health.String()
	case AdapterStateChanged:
		f["adapter_state"] = e.AdapterState.String()
	}

	if e.Err != nil {
		f["error"] = e.Err.Error()
	}
	return f
}
