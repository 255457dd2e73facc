package device

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeviceID is the stable identifier the radio stack assigns to a peripheral
// (a MAC address on Linux, a CoreBluetooth UUID on macOS).
//
//nolint:revive // DeviceID reads better than ID at call sites (device.DeviceID)
type DeviceID string

func (id DeviceID) String() string {
	return string(id)
}

// NormalizeID converts an identifier to its canonical form: trimmed and lowercase.
// Both "AA:BB:CC:DD:EE:FF" and " aa:bb:cc:dd:ee:ff " map to the same DeviceID.
func NormalizeID(raw string) DeviceID {
	return DeviceID(strings.ToLower(strings.TrimSpace(raw)))
}

// ParseIDs validates and normalizes one or more raw identifiers.
func ParseIDs(raw ...string) ([]DeviceID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one device address is required")
	}

	result := make([]DeviceID, 0, len(raw))
	seen := make(map[DeviceID]struct{}, len(raw))
	for i, r := range raw {
		id := NormalizeID(r)
		if id == "" {
			return nil, fmt.Errorf("device address at index %d cannot be empty", i)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result, nil
}

// Peripheral is the connection handle for one device. The handle is supplied by
// the caller on every scheduling call and is only held for the duration of a retry cycle.
type Peripheral interface {
	ID() DeviceID
	Name() string
}

// BasicPeripheral is a Peripheral backed by plain values.
type BasicPeripheral struct {
	id   DeviceID
	name string
}

// NewPeripheral creates a handle for the given id. An empty name falls back to the id.
func NewPeripheral(id DeviceID, name string) *BasicPeripheral {
	return &BasicPeripheral{id: id, name: name}
}

func (p *BasicPeripheral) ID() DeviceID {
	return p.id
}

func (p *BasicPeripheral) Name() string {
	if p.name == "" {
		return string(p.id)
	}
	return p.name
}

// AdapterState is the power state reported by the local radio adapter.
// Only PoweredOn is able to service connections; every other state is surfaced
// verbatim for diagnostics but treated as "off" for scheduling.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// IsReady reports whether the adapter can service connection requests.
func (s AdapterState) IsReady() bool {
	return s == AdapterPoweredOn
}

// RadioEventType enumerates the raw connectivity events emitted by a RadioService.
type RadioEventType int

const (
	EventDeviceConnected RadioEventType = iota
	EventDeviceDisconnected
	EventCharacteristicUpdated
	EventAdapterStateChanged
	EventError
)

func (t RadioEventType) String() string {
	switch t {
	case EventDeviceConnected:
		return "device_connected"
	case EventDeviceDisconnected:
		return "device_disconnected"
	case EventCharacteristicUpdated:
		return "characteristic_updated"
	case EventAdapterStateChanged:
		return "adapter_state_changed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("radio_event(%d)", int(t))
	}
}

// RadioEvent is a single raw event from the radio stack.
//
// For EventDeviceDisconnected a non-nil Err marks the disconnection as unexpected
// (link loss, failed connect); a nil Err means the disconnect was requested.
// For EventCharacteristicUpdated a non-nil Err (typically ErrDataCorrupted) means the
// payload must not be treated as a liveness signal.
type RadioEvent struct {
	Type           RadioEventType
	Peripheral     Peripheral
	Err            error
	AdapterState   AdapterState
	Characteristic string
	Data           []byte
	Timestamp      time.Time
}

// DeviceID returns the id of the event's peripheral, or "" for adapter-level events.
func (e RadioEvent) DeviceID() DeviceID {
	if e.Peripheral == nil {
		return ""
	}
	return e.Peripheral.ID()
}

// RadioService is the transport collaborator that performs the actual radio work.
//
// Connect and Disconnect are fire-and-forget: the outcome arrives asynchronously on
// the event stream obtained from Subscribe, never as a return value.
type RadioService interface {
	Connect(p Peripheral)
	Disconnect(p Peripheral)
	ReadRSSI(ctx context.Context, p Peripheral) (int, error)
	IsReady() bool
	RetrievePeripherals(ids []DeviceID) []Peripheral

	// Subscribe returns the event stream and a function that ends the subscription.
	// The channel is closed once the subscription ends.
	Subscribe() (<-chan RadioEvent, func())
}
