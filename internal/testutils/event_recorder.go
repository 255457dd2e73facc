package testutils

import (
	"sync"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
)

// EventRecorder captures every event published on a bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
	cancel func()
}

// NewEventRecorder subscribes a recorder to bus.
func NewEventRecorder(bus *events.Bus) *EventRecorder {
	rec := &EventRecorder{}
	rec.cancel = bus.Subscribe(rec.record)
	return rec
}

func (r *EventRecorder) record(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Close ends the subscription.
func (r *EventRecorder) Close() {
	r.cancel()
}

// All returns a copy of every recorded event.
func (r *EventRecorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Filter returns recorded events of type t, optionally restricted to one device.
func (r *EventRecorder) Filter(t events.Type, id ...device.DeviceID) []events.Event {
	var out []events.Event
	for _, ev := range r.All() {
		if ev.Type != t {
			continue
		}
		if len(id) > 0 && ev.Device != id[0] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count returns the number of recorded events of type t.
func (r *EventRecorder) Count(t events.Type, id ...device.DeviceID) int {
	return len(r.Filter(t, id...))
}

// Attempts returns the attempt numbers of every AttemptStarted event for id.
func (r *EventRecorder) Attempts(id device.DeviceID) []int {
	var out []int
	for _, ev := range r.Filter(events.AttemptStarted, id) {
		out = append(out, ev.Attempt)
	}
	return out
}

// WaitFor blocks until at least n events of type t were recorded.
func (r *EventRecorder) WaitFor(t require.TestingT, typ events.Type, n int, id ...device.DeviceID) []events.Event {
	require.Eventually(t, func() bool {
		return r.Count(typ, id...) >= n
	}, 2*time.Second, 2*time.Millisecond, "MUST receive %d %s event(s)", n, typ)
	return r.Filter(typ, id...)
}
