// Package goble implements device.RadioService on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleguard/internal/groutine"
	"github.com/srg/bleguard/internal/ringchan"
	"github.com/srg/bleguard/pkg/config"
	"github.com/srg/bleguard/pkg/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDefaultDevice

var errLinkLost = errors.New("link lost")

// link is a live connection to one peripheral.
type link struct {
	peripheral device.Peripheral
	client     ble.Client
	requested  atomic.Bool // local side asked for the disconnect
}

// dial is an in-flight connection request.
type dial struct {
	cancel    context.CancelFunc
	requested bool
}

// subscriber is one consumer of the radio event stream.
type subscriber struct {
	mu        sync.RWMutex
	ch        chan device.RadioEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Radio is a device.RadioService backed by the platform go-ble device.
type Radio struct {
	cfg    config.RadioConfig
	logger *logrus.Logger

	mu      sync.Mutex
	dev     ble.Device
	state   device.AdapterState
	dialing map[device.DeviceID]*dial
	probing bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   groutine.Group

	links *hashmap.Map[device.DeviceID, *link]

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	notifications *ringchan.RingChannel[device.RadioEvent]

	// closing releases senders blocked on a full stream once Close starts.
	closing     chan struct{}
	closingOnce sync.Once
}

var _ device.RadioService = (*Radio)(nil)

// NewRadio creates a radio. Call Start to bring up the adapter.
func NewRadio(cfg config.RadioConfig, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 2 * time.Second
	}

	return &Radio{
		cfg:           cfg,
		logger:        logger,
		state:         device.AdapterUnknown,
		dialing:       make(map[device.DeviceID]*dial),
		links:         hashmap.New[device.DeviceID, *link](),
		subs:          make(map[int]*subscriber),
		notifications: ringchan.New[device.RadioEvent](cfg.EventBuffer),
		ctx:           context.Background(),
		closing:       make(chan struct{}),
	}
}

// Start brings up the adapter. A powered-off adapter is not an error: the radio
// reports PoweredOff and keeps probing until the adapter returns.
func (r *Radio) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.tasks.Go(r.ctx, "ble-notification-pump", r.pumpNotifications)

	dev, err := DeviceFactory()
	if err == nil {
		r.adapterUp(dev)
		return nil
	}

	nerr := NormalizeError(err)
	if errors.Is(nerr, device.ErrBluetoothOff) {
		r.logger.WithError(nerr).Warn("Bluetooth adapter is off, waiting for it")
		r.adapterDown(device.AdapterPoweredOff)
		return nil
	}

	r.setState(device.AdapterUnsupported)
	return fmt.Errorf("failed to create BLE device: %w", nerr)
}

// Close disconnects every link, stops background work and ends all subscriptions.
func (r *Radio) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	dev := r.dev
	r.dev = nil
	for _, d := range r.dialing {
		d.requested = true
		d.cancel()
	}
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}

	r.links.Range(func(id device.DeviceID, l *link) bool {
		l.requested.Store(true)
		if err := l.client.CancelConnection(); err != nil {
			r.logger.WithField("device", id.String()).WithError(err).Debug("Cancel connection failed during close")
		}
		return true
	})

	cancel()
	r.closingOnce.Do(func() { close(r.closing) })
	r.tasks.Wait()

	r.subsMu.Lock()
	subs := r.subs
	r.subs = make(map[int]*subscriber)
	r.subsMu.Unlock()
	for _, s := range subs {
		s.close()
	}

	if dev != nil {
		return NormalizeError(dev.Stop())
	}
	return nil
}

// IsReady reports whether the adapter is powered on.
func (r *Radio) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.IsReady()
}

// State returns the current adapter state.
func (r *Radio) State() device.AdapterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connect dials p in the background. The outcome is reported as DeviceConnected or
// DeviceDisconnected(err).
func (r *Radio) Connect(p device.Peripheral) {
	id := p.ID()
	log := r.logger.WithField("device", id.String())

	if l, ok := r.links.Get(id); ok {
		log.Debug("Already connected")
		r.tasks.Go(r.ctx, "ble-connect-echo", func(context.Context) {
			r.emit(device.RadioEvent{Type: device.EventDeviceConnected, Peripheral: l.peripheral})
		})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.dialing[id]; busy {
		log.Debug("Dial already in progress")
		return
	}
	if !r.state.IsReady() || r.dev == nil {
		err := device.NewAdapterUnavailable(r.state)
		r.tasks.Go(r.ctx, "ble-connect-reject", func(context.Context) {
			r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: p, Err: err})
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	d := &dial{cancel: cancel}
	r.dialing[id] = d
	dev := r.dev

	log.WithField("timeout", r.cfg.DialTimeout).Debug("Dialing BLE device...")
	r.tasks.Go(ctx, "ble-dial-"+id.String(), func(ctx context.Context) {
		defer cancel()
		client, err := dev.Dial(ctx, ble.NewAddr(id.String()))
		r.finishDial(p, d, client, err)
	})
}

func (r *Radio) finishDial(p device.Peripheral, d *dial, client ble.Client, err error) {
	id := p.ID()
	log := r.logger.WithField("device", id.String())

	r.mu.Lock()
	if r.dialing[id] == d {
		delete(r.dialing, id)
	}
	requested := d.requested
	r.mu.Unlock()

	if err != nil {
		if requested {
			log.Debug("Dial cancelled")
			r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: p})
			return
		}
		nerr := NormalizeError(err)
		log.WithError(nerr).Warn("Failed to dial BLE device")
		if errors.Is(nerr, device.ErrBluetoothOff) {
			r.adapterDown(device.AdapterPoweredOff)
		}
		r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: p, Err: nerr})
		return
	}

	if requested {
		// Cancelled after the link came up.
		_ = client.CancelConnection()
		r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: p})
		return
	}

	l := &link{peripheral: p, client: client}
	r.links.Set(id, l)
	log.Info("BLE device connected")

	r.subscribeNotifications(l)
	r.emit(device.RadioEvent{Type: device.EventDeviceConnected, Peripheral: p})
	r.watchLink(l)
}

// watchLink reports the end of a link through the client's Disconnected channel.
func (r *Radio) watchLink(l *link) {
	id := l.peripheral.ID()
	watcher, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		r.logger.WithField("device", id.String()).Debug("Client does not support Disconnected() channel")
		return
	}

	r.tasks.Go(r.ctx, "ble-link-monitor-"+id.String(), func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
		case <-ctx.Done():
			return
		}

		r.links.Del(id)
		if l.requested.Load() {
			r.logger.WithField("device", id.String()).Info("BLE device disconnected")
			r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: l.peripheral})
			return
		}
		r.logger.WithField("device", id.String()).Warn("BLE link lost")
		r.emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: l.peripheral, Err: errLinkLost})
	})
}

// subscribeNotifications enables the configured characteristics. Failures are logged
// and do not affect the connection.
func (r *Radio) subscribeNotifications(l *link) {
	if len(r.cfg.NotifyCharacteristics) == 0 {
		return
	}
	id := l.peripheral.ID()
	log := r.logger.WithField("device", id.String())

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		log.WithError(NormalizeError(err)).Warn("Failed to discover profile, notifications disabled")
		return
	}

	for _, raw := range r.cfg.NotifyCharacteristics {
		name := NormalizeUUID(raw)
		uuid, err := ble.Parse(name)
		if err != nil {
			log.WithField("uuid", raw).WithError(err).Warn("Invalid characteristic UUID")
			continue
		}
		char := profile.FindCharacteristic(ble.NewCharacteristic(uuid))
		if char == nil {
			log.WithField("uuid", raw).Warn("Characteristic not found")
			continue
		}

		handler := func(data []byte) {
			payload := append([]byte(nil), data...)
			if r.notifications.Send(device.RadioEvent{
				Type:           device.EventCharacteristicUpdated,
				Peripheral:     l.peripheral,
				Characteristic: name,
				Data:           payload,
				Timestamp:      time.Now(),
			}) {
				log.Debug("Notification buffer full, dropped oldest")
			}
		}
		if err := l.client.Subscribe(char, false, handler); err != nil {
			log.WithField("uuid", raw).WithError(NormalizeError(err)).Warn("Failed to subscribe")
			continue
		}
		log.WithField("uuid", raw).Debug("Subscribed to notifications")
	}
}

func (r *Radio) pumpNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.notifications.C():
			r.emit(ev)
		}
	}
}

// Disconnect cancels an in-flight dial or tears down the link.
func (r *Radio) Disconnect(p device.Peripheral) {
	id := p.ID()

	r.mu.Lock()
	if d, ok := r.dialing[id]; ok {
		d.requested = true
		d.cancel()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	l, ok := r.links.Get(id)
	if !ok {
		r.logger.WithField("device", id.String()).Debug("Disconnect called but not connected")
		return
	}
	l.requested.Store(true)

	r.tasks.Go(r.ctx, "ble-disconnect-"+id.String(), func(context.Context) {
		if err := l.client.CancelConnection(); err != nil {
			r.logger.WithField("device", id.String()).WithError(NormalizeError(err)).Warn("Failed to cancel connection")
		}
	})
}

// ReadRSSI reads the signal strength of a connected peripheral.
func (r *Radio) ReadRSSI(ctx context.Context, p device.Peripheral) (int, error) {
	l, ok := r.links.Get(p.ID())
	if !ok {
		return 0, device.ErrNotConnected
	}

	result := make(chan int, 1)
	go func() { result <- l.client.ReadRSSI() }()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case v := <-result:
		return v, nil
	}
}

// RetrievePeripherals resolves handles for known ids. go-ble addresses are stable,
// so an id is always resolvable; live links keep their original handle.
func (r *Radio) RetrievePeripherals(ids []device.DeviceID) []device.Peripheral {
	out := make([]device.Peripheral, 0, len(ids))
	for _, id := range ids {
		if l, ok := r.links.Get(id); ok {
			out = append(out, l.peripheral)
			continue
		}
		out = append(out, device.NewPeripheral(id, ""))
	}
	return out
}

// Subscribe returns a stream of radio events.
func (r *Radio) Subscribe() (<-chan device.RadioEvent, func()) {
	s := &subscriber{
		ch:   make(chan device.RadioEvent, r.cfg.EventBuffer),
		done: make(chan struct{}),
	}

	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = s
	r.subsMu.Unlock()

	return s.ch, func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
		s.close()
	}
}

// emit delivers ev to every subscriber, waiting for room in each stream.
func (r *Radio) emit(ev device.RadioEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.subsMu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subsMu.Unlock()

	for _, s := range subs {
		s.send(ev, r.closing)
	}
}

func (s *subscriber) send(ev device.RadioEvent, closing <-chan struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-closing:
	}
}

// close unblocks pending senders, then closes the stream once they have left.
func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

func (r *Radio) setState(state device.AdapterState) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	r.mu.Unlock()

	if prev != state {
		r.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   state.String(),
		}).Info("Adapter state changed")
		r.emit(device.RadioEvent{Type: device.EventAdapterStateChanged, AdapterState: state})
	}
}

func (r *Radio) adapterUp(dev ble.Device) {
	r.mu.Lock()
	r.dev = dev
	r.probing = false
	r.mu.Unlock()
	r.setState(device.AdapterPoweredOn)
}

// adapterDown records the outage and starts probing for the adapter's return.
func (r *Radio) adapterDown(state device.AdapterState) {
	r.mu.Lock()
	startProbe := !r.probing
	r.probing = true
	r.mu.Unlock()

	r.setState(state)
	if startProbe {
		r.tasks.Go(r.ctx, "ble-adapter-probe", r.probeAdapter)
	}
}

func (r *Radio) probeAdapter(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		dev, err := DeviceFactory()
		if err != nil {
			r.logger.WithError(NormalizeError(err)).Debug("Adapter still unavailable")
			continue
		}
		r.logger.Info("Bluetooth adapter is available again")
		r.adapterUp(dev)
		return
	}
}
