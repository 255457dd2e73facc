package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bleguard/pkg/device"
)

// ConnectFunc scripts the outcome of a Connect call. It runs on its own goroutine.
type ConnectFunc func(r *FakeRadio, p device.Peripheral, call int)

// Common connect scripts.
var (
	// ConnectHang never reports an outcome.
	ConnectHang ConnectFunc = func(*FakeRadio, device.Peripheral, int) {}

	// ConnectSucceed reports a connection.
	ConnectSucceed ConnectFunc = func(r *FakeRadio, p device.Peripheral, _ int) {
		r.EmitConnected(p)
	}

	// ConnectFail reports a failed connect as a disconnection with an error.
	ConnectFail ConnectFunc = func(r *FakeRadio, p device.Peripheral, _ int) {
		r.EmitDisconnected(p, device.ErrConnectionFailed)
	}
)

// FakeRadio is a scriptable device.RadioService for engine tests.
type FakeRadio struct {
	mu          sync.Mutex
	ready       bool
	subs        map[int]chan device.RadioEvent
	nextSub     int
	onConnect   map[device.DeviceID]ConnectFunc
	defaultConn ConnectFunc
	connects    map[device.DeviceID]int
	disconnects map[device.DeviceID]int
	rssiReads   map[device.DeviceID]int
	rssi        map[device.DeviceID]int
	rssiErr     map[device.DeviceID]error
	retrieved   [][]device.DeviceID
	dropped     int
}

var _ device.RadioService = (*FakeRadio)(nil)

// NewFakeRadio creates a radio whose connects hang until scripted otherwise.
func NewFakeRadio(ready bool) *FakeRadio {
	return &FakeRadio{
		ready:       ready,
		subs:        make(map[int]chan device.RadioEvent),
		onConnect:   make(map[device.DeviceID]ConnectFunc),
		defaultConn: ConnectHang,
		connects:    make(map[device.DeviceID]int),
		disconnects: make(map[device.DeviceID]int),
		rssiReads:   make(map[device.DeviceID]int),
		rssi:        make(map[device.DeviceID]int),
		rssiErr:     make(map[device.DeviceID]error),
	}
}

// OnConnect scripts the connect outcome for one device.
func (r *FakeRadio) OnConnect(id device.DeviceID, fn ConnectFunc) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect[id] = fn
	return r
}

// OnAnyConnect scripts the connect outcome for devices without a specific script.
func (r *FakeRadio) OnAnyConnect(fn ConnectFunc) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultConn = fn
	return r
}

// SetRSSI sets the value returned by ReadRSSI for id.
func (r *FakeRadio) SetRSSI(id device.DeviceID, value int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi[id] = value
	delete(r.rssiErr, id)
}

// SetRSSIError makes ReadRSSI fail for id.
func (r *FakeRadio) SetRSSIError(id device.DeviceID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssiErr[id] = err
}

func (r *FakeRadio) Connect(p device.Peripheral) {
	r.mu.Lock()
	r.connects[p.ID()]++
	call := r.connects[p.ID()]
	fn, ok := r.onConnect[p.ID()]
	if !ok {
		fn = r.defaultConn
	}
	r.mu.Unlock()

	go fn(r, p, call)
}

func (r *FakeRadio) Disconnect(p device.Peripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects[p.ID()]++
}

func (r *FakeRadio) ReadRSSI(ctx context.Context, p device.Peripheral) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rssiReads[p.ID()]++
	if err, ok := r.rssiErr[p.ID()]; ok {
		return 0, err
	}
	value, ok := r.rssi[p.ID()]
	if !ok {
		return 0, device.ErrNotConnected
	}
	return value, nil
}

func (r *FakeRadio) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *FakeRadio) RetrievePeripherals(ids []device.DeviceID) []device.Peripheral {
	r.mu.Lock()
	r.retrieved = append(r.retrieved, append([]device.DeviceID(nil), ids...))
	r.mu.Unlock()

	out := make([]device.Peripheral, 0, len(ids))
	for _, id := range ids {
		out = append(out, device.NewPeripheral(id, "retrieved"))
	}
	return out
}

func (r *FakeRadio) Subscribe() (<-chan device.RadioEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan device.RadioEvent, 1024)
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				delete(r.subs, id)
				close(c)
			}
		})
	}
}

// Emit delivers ev to every subscriber.
func (r *FakeRadio) Emit(ev device.RadioEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.dropped++
		}
	}
}

func (r *FakeRadio) EmitConnected(p device.Peripheral) {
	r.Emit(device.RadioEvent{Type: device.EventDeviceConnected, Peripheral: p})
}

func (r *FakeRadio) EmitDisconnected(p device.Peripheral, err error) {
	r.Emit(device.RadioEvent{Type: device.EventDeviceDisconnected, Peripheral: p, Err: err})
}

func (r *FakeRadio) EmitData(p device.Peripheral, data []byte) {
	r.Emit(device.RadioEvent{Type: device.EventCharacteristicUpdated, Peripheral: p, Characteristic: "2a37", Data: data})
}

func (r *FakeRadio) EmitCorrupted(p device.Peripheral) {
	r.Emit(device.RadioEvent{Type: device.EventCharacteristicUpdated, Peripheral: p, Characteristic: "2a37", Err: device.ErrDataCorrupted})
}

// SetAdapterState changes readiness and emits the state change.
func (r *FakeRadio) SetAdapterState(state device.AdapterState) {
	r.mu.Lock()
	r.ready = state.IsReady()
	r.mu.Unlock()
	r.Emit(device.RadioEvent{Type: device.EventAdapterStateChanged, AdapterState: state})
}

func (r *FakeRadio) ConnectCount(id device.DeviceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects[id]
}

func (r *FakeRadio) TotalConnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.connects {
		total += n
	}
	return total
}

func (r *FakeRadio) DisconnectCount(id device.DeviceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects[id]
}

func (r *FakeRadio) RSSIReads(id device.DeviceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssiReads[id]
}

// Retrieved returns every id list passed to RetrievePeripherals.
func (r *FakeRadio) Retrieved() [][]device.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]device.DeviceID(nil), r.retrieved...)
}

func (r *FakeRadio) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
