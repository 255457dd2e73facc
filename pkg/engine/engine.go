// Package engine keeps a set of BLE peripherals connected. It schedules reconnection
// attempts with exponential backoff, polls signal strength, classifies connection
// health and pauses all of it while the local adapter is unavailable.
//
// All per-device state is owned by a single Engine and mutated under one mutex, so
// the retry task, the timeout watchdog, the polling loops and the radio event pump
// never race on shared maps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/internal/backoff"
	"github.com/srg/bleguard/internal/groutine"
	"github.com/srg/bleguard/pkg/config"
	"github.com/srg/bleguard/pkg/device"
	"github.com/srg/bleguard/pkg/events"
	"github.com/srg/bleguard/pkg/health"
)

// Option customizes an Engine at construction time.
type Option func(*Engine)

// WithBus publishes events on an existing bus instead of a private one.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
		e.ownsBus = false
	}
}

// WithClock replaces time.Now for health bookkeeping and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(e *Engine) { e.random = fn }
}

// Engine is the connectivity resilience engine for a single radio.
type Engine struct {
	radio   device.RadioService
	cfg     config.ReconnectConfig
	logger  *logrus.Logger
	bus     *events.Bus
	ownsBus bool
	now     func() time.Time
	random  func() float64
	policy  backoff.Policy

	mu          sync.Mutex
	running     bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	tasks       *groutine.Group
	unsubscribe func()
	generation  uint64

	retries map[device.DeviceID]*retryState
	pending map[device.DeviceID]device.Peripheral
	records map[device.DeviceID]*health.Record
	adapter device.AdapterState

	liveness livenessLoop

	// Observable caches, readable without taking mu.
	rssi     *hashmap.Map[device.DeviceID, int]
	statuses *hashmap.Map[device.DeviceID, health.Status]
}

// New creates a stopped engine. The configuration is copied; later changes to cfg
// have no effect.
func New(radio device.RadioService, cfg config.ReconnectConfig, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if radio == nil {
		return nil, errors.New("radio service is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconnect config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	e := &Engine{
		radio:    radio,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		random:   rand.Float64,
		retries:  make(map[device.DeviceID]*retryState),
		pending:  make(map[device.DeviceID]device.Peripheral),
		records:  make(map[device.DeviceID]*health.Record),
		rssi:     hashmap.New[device.DeviceID, int](),
		statuses: hashmap.New[device.DeviceID, health.Status](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewBus(logger)
		e.ownsBus = true
	}

	e.policy = backoff.Policy{
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Jitter:    cfg.Jitter,
		Random:    e.random,
	}
	return e, nil
}

// Config returns the reconnect configuration the engine was built with.
func (e *Engine) Config() config.ReconnectConfig {
	return e.cfg
}

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Subscribe registers a callback for every engine event.
func (e *Engine) Subscribe(fn func(events.Event)) (cancel func()) {
	return e.bus.Subscribe(fn)
}

// Events returns a pull-style sequence of engine events.
func (e *Engine) Events(ctx context.Context) iter.Seq[events.Event] {
	return e.bus.Events(ctx)
}

// IsRunning reports whether the engine has been started and not stopped.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start begins the health monitor and consumes the radio event stream.
// Calling Start on a running engine is a no-op. Cancelling ctx ends the background
// work; Stop must still be called to release the engine.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Debug("Engine already running, ignoring start")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.running = true
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.tasks = &groutine.Group{}

	if e.radio.IsReady() {
		e.adapter = device.AdapterPoweredOn
	} else {
		e.adapter = device.AdapterUnknown
	}

	stream, unsubscribe := e.radio.Subscribe()
	e.unsubscribe = unsubscribe
	e.tasks.Go(e.runCtx, "radio-event-pump", func(ctx context.Context) {
		e.pump(ctx, stream)
	})
	e.tasks.Go(e.runCtx, "health-monitor", e.runHealthMonitor)

	e.logger.WithFields(logrus.Fields{
		"max_attempts":       e.cfg.MaxAttempts,
		"connection_timeout": e.cfg.ConnectionTimeout,
		"stale_timeout":      e.cfg.StaleTimeout,
		"adapter_ready":      e.adapter.IsReady(),
	}).Info("Connectivity engine started")
	e.publishLocked(events.Event{Type: events.WorkerStarted})
}

// Stop cancels every retry, timeout watchdog and loop, and waits for them to exit.
// Calling Stop on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}

	e.running = false
	e.runCancel()
	for id, st := range e.retries {
		st.stopTasks()
		delete(e.retries, id)
	}
	clear(e.pending)
	clear(e.records)
	e.liveness.stop()
	e.rssi = hashmap.New[device.DeviceID, int]()
	e.statuses = hashmap.New[device.DeviceID, health.Status]()

	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	tasks := e.tasks

	e.publishLocked(events.Event{Type: events.WorkerStopped})
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	tasks.Wait()
	e.logger.Info("Connectivity engine stopped")
}

// Close stops the engine and, if the engine created its own bus, closes it so pull
// subscribers terminate.
func (e *Engine) Close() {
	e.Stop()
	if e.ownsBus {
		e.bus.Close()
	}
}

// HealthStatuses returns the current health status of every tracked device.
func (e *Engine) HealthStatuses() map[device.DeviceID]health.Status {
	out := make(map[device.DeviceID]health.Status)
	e.mu.Lock()
	statuses := e.statuses
	e.mu.Unlock()

	statuses.Range(func(id device.DeviceID, s health.Status) bool {
		out[id] = s
		return true
	})
	return out
}

// RSSIValues returns the latest signal strength reading per device.
func (e *Engine) RSSIValues() map[device.DeviceID]int {
	out := make(map[device.DeviceID]int)
	e.mu.Lock()
	rssi := e.rssi
	e.mu.Unlock()

	rssi.Range(func(id device.DeviceID, v int) bool {
		out[id] = v
		return true
	})
	return out
}

// ActiveRetries returns the devices with an active retry, sorted.
func (e *Engine) ActiveRetries() []device.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []device.DeviceID
	for id, st := range e.retries {
		if st.active {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// DeviceStatus is a point-in-time view of one device.
type DeviceStatus struct {
	ID          device.DeviceID `json:"id"`
	Health      health.Status   `json:"health"`
	RSSI        *int            `json:"rssi,omitempty"`
	Attempts    int             `json:"attempts"`
	Retrying    bool            `json:"retrying"`
	Pending     bool            `json:"pending"`
	LastDataAt  time.Time       `json:"last_data_at,omitzero"`
	LastAttempt time.Time       `json:"last_attempt_at,omitzero"`
	LastError   string          `json:"last_error,omitempty"`
}

// Snapshot returns the status of every device the engine knows about, sorted by id.
func (e *Engine) Snapshot() []DeviceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[device.DeviceID]*DeviceStatus)
	get := func(id device.DeviceID) *DeviceStatus {
		ds, ok := byID[id]
		if !ok {
			ds = &DeviceStatus{ID: id, Health: health.Disconnected}
			byID[id] = ds
		}
		return ds
	}

	e.statuses.Range(func(id device.DeviceID, s health.Status) bool {
		get(id).Health = s
		return true
	})
	e.rssi.Range(func(id device.DeviceID, v int) bool {
		get(id).RSSI = &v
		return true
	})
	for id, rec := range e.records {
		get(id).LastDataAt = rec.LastDataReceivedAt
	}
	for id, st := range e.retries {
		ds := get(id)
		ds.Attempts = st.attemptCount
		ds.Retrying = st.active
		ds.LastAttempt = st.lastAttemptAt
		if st.lastErr != nil {
			ds.LastError = st.lastErr.Error()
		}
	}
	for id := range e.pending {
		get(id).Pending = true
	}

	out := make([]DeviceStatus, 0, len(byID))
	for _, ds := range byID {
		out = append(out, *ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pump forwards radio events to the handlers until the stream closes or ctx ends.
func (e *Engine) pump(ctx context.Context, stream <-chan device.RadioEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				e.logger.Debug("Radio event stream closed")
				return
			}
			e.handleRadioEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleRadioEvent(ctx context.Context, ev device.RadioEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || ctx.Err() != nil {
		return
	}

	switch ev.Type {
	case device.EventDeviceConnected:
		e.handleConnectionSuccessLocked(ev.Peripheral)
	case device.EventDeviceDisconnected:
		e.handleDisconnectionLocked(ev.Peripheral, ev.Err)
	case device.EventCharacteristicUpdated:
		if ev.Err != nil {
			e.logErrorLocked(ev.Err, logrus.Fields{
				"device":         ev.DeviceID().String(),
				"characteristic": ev.Characteristic,
			}, "Ignoring corrupted notification")
			return
		}
		e.recordDataReceivedLocked(ev.DeviceID())
	case device.EventAdapterStateChanged:
		e.handleAdapterStateLocked(ev.AdapterState)
	case device.EventError:
		fields := logrus.Fields{}
		if id := ev.DeviceID(); id != "" {
			fields["device"] = id.String()
		}
		e.logErrorLocked(ev.Err, fields, "Radio reported an error")
	default:
		e.logger.WithField("type", ev.Type.String()).Debug("Ignoring unknown radio event")
	}
}

// publishLocked stamps and publishes ev. Publishing under mu keeps the event order
// identical to the order of state changes.
func (e *Engine) publishLocked(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if e.logger.IsLevelEnabled(logrus.DebugLevel) {
		e.logger.WithFields(ev.Fields()).Debug("Publishing event")
	}
	e.bus.Publish(ev)
}

// logErrorLocked logs err at the logrus level matching its severity tier.
func (e *Engine) logErrorLocked(err error, fields logrus.Fields, msg string) {
	if err == nil {
		return
	}
	severity := device.SeverityOf(err)
	entry := e.logger.WithFields(fields).WithError(err).WithField("severity", severity.String())

	switch severity {
	case device.SeverityInfo:
		entry.Info(msg)
	case device.SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

func (e *Engine) nextGenerationLocked() uint64 {
	e.generation++
	return e.generation
}

// setStatusLocked updates the status cache and announces real transitions.
func (e *Engine) setStatusLocked(id device.DeviceID, status health.Status, elapsed time.Duration) {
	prev, known := e.statuses.Get(id)
	if !known {
		prev = health.Disconnected
	}
	e.statuses.Set(id, status)
	if known && prev == status {
		return
	}
	if !known && status == health.Disconnected {
		return
	}
	e.publishLocked(events.Event{
		Type:           events.HealthChanged,
		Device:         id,
		Health:         status,
		PreviousHealth: prev,
		Elapsed:        elapsed,
	})
}

func sortIDs(ids []device.DeviceID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
