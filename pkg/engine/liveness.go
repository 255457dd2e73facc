package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
)

type livenessLoop struct {
	cancel     context.CancelFunc
	generation uint64
	handles    []device.Peripheral
}

func (l *livenessLoop) stop() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.handles = nil
}

// StartLivenessPolling reads the signal strength of each connected handle every
// RSSIPollInterval. A second call replaces the running loop.
func (e *Engine) StartLivenessPolling(handles []device.Peripheral) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		e.logger.Debug("Engine not running, liveness polling not started")
		return
	}

	e.liveness.stop()
	ctx, cancel := context.WithCancel(e.runCtx)
	gen := e.nextGenerationLocked()
	e.liveness.cancel = cancel
	e.liveness.generation = gen
	e.liveness.handles = append([]device.Peripheral(nil), handles...)

	e.logger.WithFields(logrus.Fields{
		"devices":  len(handles),
		"interval": e.cfg.RSSIPollInterval,
	}).Debug("Liveness polling started")
	e.tasks.Go(ctx, "liveness-poller", func(ctx context.Context) {
		e.runLiveness(ctx, gen)
	})
}

// StopLivenessPolling stops the liveness loop. It is a no-op when no loop runs.
func (e *Engine) StopLivenessPolling() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.liveness.cancel == nil {
		return
	}
	e.liveness.stop()
	e.logger.Debug("Liveness polling stopped")
}

func (e *Engine) runLiveness(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(e.cfg.RSSIPollInterval)
	defer ticker.Stop()

	for {
		e.pollOnce(ctx, gen)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce reads RSSI from every polled handle that is currently connected.
// Reads happen outside the lock; results are applied only if the loop is still current.
func (e *Engine) pollOnce(ctx context.Context, gen uint64) {
	e.mu.Lock()
	var targets []device.Peripheral
	if e.liveness.generation == gen {
		for _, p := range e.liveness.handles {
			if _, connected := e.records[p.ID()]; connected {
				targets = append(targets, p)
			}
		}
	}
	e.mu.Unlock()

	for _, p := range targets {
		if ctx.Err() != nil {
			return
		}

		value, err := e.radio.ReadRSSI(ctx, p)

		e.mu.Lock()
		if ctx.Err() != nil || e.liveness.generation != gen {
			e.mu.Unlock()
			return
		}
		if err != nil {
			e.logErrorLocked(err, logrus.Fields{"device": p.ID().String()}, "RSSI read failed")
			e.mu.Unlock()
			continue
		}
		if _, connected := e.records[p.ID()]; connected {
			e.rssi.Set(p.ID(), value)
			e.publishLocked(events.Event{Type: events.RSSIUpdated, Device: p.ID(), RSSI: value})
		}
		e.mu.Unlock()
	}
}
