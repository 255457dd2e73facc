package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
)

// AdapterState returns the last adapter state reported by the radio.
func (e *Engine) AdapterState() device.AdapterState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adapter
}

// PendingReconnections returns the devices parked until the adapter returns, sorted.
func (e *Engine) PendingReconnections() []device.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]device.DeviceID, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// handleAdapterStateLocked pauses retries when the adapter goes away and resumes
// them when it returns. Every state other than PoweredOn counts as off.
func (e *Engine) handleAdapterStateLocked(state device.AdapterState) {
	prev := e.adapter
	if prev == state {
		return
	}
	e.adapter = state

	e.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   state.String(),
	}).Info("Adapter state changed")
	e.publishLocked(events.Event{Type: events.AdapterStateChanged, AdapterState: state})

	if state.IsReady() {
		e.resumeLocked()
		return
	}
	if e.cfg.PauseOnAdapterOff {
		e.pauseLocked()
	}
}

// pauseLocked parks every active retry. Parked retries stay active so a duplicate
// schedule request is still suppressed while the adapter is off.
func (e *Engine) pauseLocked() {
	paused := 0
	for id, st := range e.retries {
		if !st.active {
			continue
		}
		if _, parked := e.pending[id]; parked {
			continue
		}
		e.parkLocked(st)
		paused++
	}
	if paused > 0 {
		e.logger.WithField("count", paused).Info("Paused reconnections while adapter is unavailable")
	}
}

// parkLocked abandons the current attempt of an active retry and parks the device.
// An in-flight connect is torn down so the resumed attempt is not rejected as a
// duplicate dial.
func (e *Engine) parkLocked(st *retryState) {
	if st.connecting {
		e.radio.Disconnect(st.peripheral)
		st.echoes++
	}
	st.stopTasks()

	state := e.adapter
	if state.IsReady() {
		state = device.AdapterPoweredOff
	}
	if st.attemptCount > 0 {
		st.abandoned = device.NewAdapterUnavailable(state)
	}
	e.pending[st.id] = st.peripheral
}

// resumeLocked reschedules every parked device. Attempt counters carry over, so the
// next attempt continues the existing backoff sequence. An attempt abandoned by the
// outage is reported as failed first, which gives up when it was the last one.
func (e *Engine) resumeLocked() {
	if len(e.pending) == 0 {
		return
	}

	ids := make([]device.DeviceID, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sortIDs(ids)

	fresh := make(map[device.DeviceID]device.Peripheral, len(ids))
	for _, p := range e.radio.RetrievePeripherals(ids) {
		if p != nil {
			fresh[p.ID()] = p
		}
	}

	e.logger.WithFields(logrus.Fields{
		"count":     len(ids),
		"retrieved": len(fresh),
	}).Info("Adapter available, resuming reconnections")

	for _, id := range ids {
		p, ok := fresh[id]
		if !ok {
			p = e.pending[id]
		}
		delete(e.pending, id)

		if st, ok := e.retries[id]; ok {
			st.peripheral = p
			if cause := st.abandoned; cause != nil {
				st.abandoned = nil
				e.failLocked(st, cause)
				continue
			}
			st.active = false
		}
		e.scheduleLocked(p, false)
	}
}
