package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
	"github.com/srg/bleguard/pkg/health"
)

// RecordDataReceived marks id as alive now. A device that was in Warning or Stale
// returns to Healthy immediately.
func (e *Engine) RecordDataReceived(id device.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.recordDataReceivedLocked(id)
}

func (e *Engine) recordDataReceivedLocked(id device.DeviceID) {
	if id == "" {
		return
	}
	now := e.now()
	rec, ok := e.records[id]
	if !ok {
		e.records[id] = health.NewRecord(now)
		e.setStatusLocked(id, health.Healthy, 0)
		return
	}

	prev := rec.Touch(now)
	if prev != health.Healthy {
		e.logger.WithFields(logrus.Fields{
			"device": id.String(),
			"from":   prev.String(),
		}).Info("Device recovered")
		e.setStatusLocked(id, health.Healthy, 0)
	}
}

func (e *Engine) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkHealth(ctx, e.now())
		}
	}
}

// checkHealth evaluates every health record against now.
func (e *Engine) checkHealth(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || ctx.Err() != nil {
		return
	}

	ids := make([]device.DeviceID, 0, len(e.records))
	for id := range e.records {
		ids = append(ids, id)
	}
	sortIDs(ids)

	for _, id := range ids {
		rec := e.records[id]
		elapsed := rec.Elapsed(now)
		next, changed := health.Evaluate(rec.Status, elapsed, e.cfg.StaleTimeout)
		if !changed {
			continue
		}
		rec.Status = next
		e.setStatusLocked(id, next, elapsed)

		log := e.logger.WithFields(logrus.Fields{
			"device":  id.String(),
			"elapsed": elapsed.Round(time.Millisecond),
		})
		switch next {
		case health.Stale:
			log.Warn("Connection stale")
			e.publishLocked(events.Event{
				Type:    events.ConnectionStale,
				Device:  id,
				Elapsed: elapsed,
				Health:  next,
			})
		case health.Warning:
			log.Warn("Connection health warning")
			e.publishLocked(events.Event{
				Type:    events.HealthWarning,
				Device:  id,
				Elapsed: elapsed,
				Health:  next,
				Reason:  fmt.Sprintf("no data for %s", elapsed.Round(time.Millisecond)),
			})
		}
	}
}
