package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
	"github.com/srg/bleguard/pkg/health"
)

var errDisconnectedWhileConnecting = errors.New("disconnected while connecting")

// ScheduleReconnection starts or continues the retry cycle for p.
//
// The call is ignored when auto-reconnect is disabled, the engine is not running, or
// a retry for the device is already active. With immediate set, the first attempt
// of a cycle has no delay.
func (e *Engine) ScheduleReconnection(p device.Peripheral, immediate bool) {
	if p == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleLocked(p, immediate)
}

// CancelReconnection ends the retry cycle of one device. Unknown ids are ignored.
func (e *Engine) CancelReconnection(id device.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked(id)
}

// CancelAll ends every retry cycle and drops every parked reconnection.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]device.DeviceID, 0, len(e.retries)+len(e.pending))
	for id := range e.retries {
		ids = append(ids, id)
	}
	for id := range e.pending {
		if _, ok := e.retries[id]; !ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		e.cancelLocked(id)
	}
}

func (e *Engine) cancelLocked(id device.DeviceID) {
	st, hasRetry := e.retries[id]
	_, parked := e.pending[id]
	if !hasRetry && !parked {
		return
	}

	if hasRetry {
		if st.connecting {
			e.radio.Disconnect(st.peripheral)
		}
		st.stopTasks()
		st.active = false
		delete(e.retries, id)
	}
	delete(e.pending, id)

	e.logger.WithField("device", id.String()).Info("Reconnection cancelled")
}

func (e *Engine) scheduleLocked(p device.Peripheral, immediate bool) {
	id := p.ID()
	log := e.logger.WithField("device", id.String())

	if !e.cfg.AutoReconnect {
		log.Debug("Auto-reconnect disabled, not scheduling")
		return
	}
	if !e.running {
		log.Debug("Engine not running, not scheduling")
		return
	}

	st := e.retries[id]
	if st != nil && st.active {
		log.WithField("attempt", st.attemptCount).Debug("Retry already active, ignoring schedule request")
		return
	}

	if !e.radio.IsReady() && e.cfg.PauseOnAdapterOff {
		e.pending[id] = p
		log.Info("Adapter unavailable, reconnection parked until it returns")
		return
	}

	if st == nil {
		st = newRetryState(p)
		e.retries[id] = st
	}
	st.peripheral = p

	if st.attemptCount >= e.cfg.MaxAttempts {
		e.giveUpLocked(st)
		return
	}

	ctx, cancel := context.WithCancel(e.runCtx)
	gen := e.nextGenerationLocked()
	st.beginAttempt(gen, cancel)
	delay := e.policy.Delay(st.attemptCount, immediate)

	log.WithFields(logrus.Fields{
		"attempt":      st.attemptCount,
		"max_attempts": e.cfg.MaxAttempts,
		"delay":        delay,
	}).Info("Scheduling reconnection attempt")
	e.publishLocked(events.Event{
		Type:        events.AttemptStarted,
		Device:      id,
		Attempt:     st.attemptCount,
		MaxAttempts: e.cfg.MaxAttempts,
		Delay:       delay,
	})

	e.tasks.Go(ctx, fmt.Sprintf("reconnect-%s-%d", id, st.attemptCount), func(ctx context.Context) {
		e.runAttempt(ctx, id, gen, delay)
	})
}

// runAttempt waits out the backoff delay and issues the connect request.
func (e *Engine) runAttempt(ctx context.Context, id device.DeviceID, gen uint64, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.retries[id]
	if ctx.Err() != nil || st == nil || !st.isCurrent(gen) {
		return
	}

	if !e.radio.IsReady() {
		if e.cfg.PauseOnAdapterOff {
			// Stays active so duplicate schedule requests are still suppressed.
			e.parkLocked(st)
			e.logger.WithFields(logrus.Fields{
				"device":  id.String(),
				"attempt": st.attemptCount,
			}).Info("Adapter unavailable at attempt time, reconnection parked")
			return
		}
		e.failLocked(st, device.NewAdapterUnavailable(e.adapter))
		return
	}

	st.connecting = true
	st.lastAttemptAt = e.now()
	e.logger.WithFields(logrus.Fields{
		"device":  id.String(),
		"attempt": st.attemptCount,
	}).Debug("Connecting")
	e.radio.Connect(st.peripheral)

	e.tasks.Go(ctx, fmt.Sprintf("connect-timeout-%s-%d", id, st.attemptCount), func(ctx context.Context) {
		e.watchTimeout(ctx, id, gen)
	})
}

// watchTimeout fails the attempt if no outcome arrives within the connection timeout.
func (e *Engine) watchTimeout(ctx context.Context, id device.DeviceID, gen uint64) {
	timer := time.NewTimer(e.cfg.ConnectionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.retries[id]
	if ctx.Err() != nil || st == nil || !st.isCurrent(gen) || !st.connecting {
		return
	}

	e.radio.Disconnect(st.peripheral)
	st.echoes++
	e.failLocked(st, device.NewConnectionTimeout(id, e.cfg.ConnectionTimeout))
}

// failLocked records a failed attempt and either schedules the next one or gives up.
func (e *Engine) failLocked(st *retryState, cause error) {
	st.stopTasks()
	st.lastErr = cause

	willRetry := e.cfg.AutoReconnect && e.running && st.attemptCount < e.cfg.MaxAttempts
	e.logErrorLocked(cause, logrus.Fields{
		"device":     st.id.String(),
		"attempt":    st.attemptCount,
		"will_retry": willRetry,
	}, "Reconnection attempt failed")
	e.publishLocked(events.Event{
		Type:        events.Failed,
		Device:      st.id,
		Attempt:     st.attemptCount,
		MaxAttempts: e.cfg.MaxAttempts,
		Err:         cause,
		WillRetry:   willRetry,
	})

	if willRetry {
		st.active = false
		e.scheduleLocked(st.peripheral, false)
		return
	}
	e.giveUpLocked(st)
}

// giveUpLocked terminates the retry cycle. Only a new schedule call restarts it.
func (e *Engine) giveUpLocked(st *retryState) {
	st.stopTasks()
	st.active = false
	delete(e.retries, st.id)
	delete(e.pending, st.id)

	err := device.NewMaxAttemptsExceeded(st.id, st.attemptCount, st.lastErr)
	e.logErrorLocked(err, logrus.Fields{"device": st.id.String()}, "Giving up on device")
	e.publishLocked(events.Event{
		Type:          events.GaveUp,
		Device:        st.id,
		TotalAttempts: st.attemptCount,
		Err:           err,
	})
}

// handleConnectionSuccessLocked ends the retry cycle of a connected device and starts
// tracking its health.
func (e *Engine) handleConnectionSuccessLocked(p device.Peripheral) {
	if p == nil {
		return
	}
	id := p.ID()

	total := 0
	if st, ok := e.retries[id]; ok {
		total = st.attemptCount
		st.stopTasks()
		st.active = false
		delete(e.retries, id)
	}
	delete(e.pending, id)

	e.logger.WithFields(logrus.Fields{
		"device":         id.String(),
		"total_attempts": total,
	}).Info("Device connected")
	e.publishLocked(events.Event{
		Type:          events.Succeeded,
		Device:        id,
		TotalAttempts: total,
	})

	now := e.now()
	if rec, ok := e.records[id]; ok {
		rec.Touch(now)
	} else {
		e.records[id] = health.NewRecord(now)
	}
	e.setStatusLocked(id, health.Healthy, 0)
}

// handleDisconnectionLocked reacts to a link loss or a failed connect. A non-nil
// cause marks the disconnection as unexpected.
func (e *Engine) handleDisconnectionLocked(p device.Peripheral, cause error) {
	if p == nil {
		return
	}
	id := p.ID()

	st := e.retries[id]
	if st != nil && cause == nil && st.echoes > 0 {
		st.echoes--
		if st.connecting {
			e.logger.WithField("device", id.String()).Debug("Ignoring disconnect of a torn-down attempt")
			return
		}
	}
	if st != nil && st.connecting {
		if cause == nil {
			cause = errDisconnectedWhileConnecting
		}
		e.failLocked(st, device.NewConnectionFailed(id, cause))
		return
	}

	delete(e.records, id)
	e.rssi.Del(id)
	e.setStatusLocked(id, health.Disconnected, 0)

	if st != nil && st.active {
		e.logger.WithField("device", id.String()).Debug("Disconnect while a retry is pending, keeping retry")
		return
	}

	unexpected := cause != nil
	if unexpected {
		e.logErrorLocked(device.NewUnexpectedDisconnection(id, cause), logrus.Fields{"device": id.String()}, "Device disconnected")
	} else {
		e.logger.WithField("device", id.String()).Info("Device disconnected")
	}

	if unexpected && e.cfg.AutoReconnect {
		e.scheduleLocked(p, true)
		return
	}

	if st != nil {
		st.stopTasks()
		delete(e.retries, id)
	}
	delete(e.pending, id)
}
