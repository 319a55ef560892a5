package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Adapter errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnauthorized = errors.New("bluetooth access is not authorized")
	ErrUnsupported  = errors.New("bluetooth is not supported")
	ErrTimeout      = errors.New("timeout")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// AdapterStateFromError maps a normalized adapter error to the adapter state it implies.
func AdapterStateFromError(err error) AdapterState {
	switch {
	case err == nil:
		return AdapterPoweredOn
	case errors.Is(err, ErrBluetoothOff):
		return AdapterPoweredOff
	case errors.Is(err, ErrUnauthorized):
		return AdapterUnauthorized
	case errors.Is(err, ErrUnsupported):
		return AdapterUnsupported
	default:
		return AdapterUninitialized
	}
}

// AdapterState is the lifecycle state of the local radio.
type AdapterState int

const (
	AdapterUninitialized AdapterState = iota
	AdapterPoweredOff
	AdapterPoweredOn
	AdapterUnauthorized
	AdapterUnsupported
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUninitialized:
		return "uninitialized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("adapter_state(%d)", int(s))
	}
}

// Err explains why the adapter cannot be used, wrapping the matching sentinel.
// cause, when non-nil, is the backend's own report. Returns nil for AdapterPoweredOn.
func (s AdapterState) Err(cause error) error {
	var sentinel error
	switch s {
	case AdapterPoweredOn:
		return nil
	case AdapterPoweredOff:
		sentinel = ErrBluetoothOff
	case AdapterUnauthorized:
		sentinel = ErrUnauthorized
	case AdapterUnsupported:
		sentinel = ErrUnsupported
	}

	switch {
	case cause != nil && (sentinel == nil || errors.Is(cause, sentinel)):
		return cause
	case cause != nil:
		return fmt.Errorf("adapter %s: %w (%v)", s, sentinel, cause)
	case sentinel != nil:
		return fmt.Errorf("adapter %s: %w", s, sentinel)
	default:
		return fmt.Errorf("adapter %s", s)
	}
}

// ConnectionStatus is the status of a tracked peripheral.
type ConnectionStatus int

const (
	StatusDiscovered ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Peripheral is what a scan reports about a remote device.
type Peripheral struct {
	ID       string   // address on Linux, CoreBluetooth UUID on macOS
	Name     string   // advertised local name, may be empty
	RSSI     int      // dBm
	Services []string // advertised service UUIDs, normalized
}

// SameAs reports whether both values describe the same remote device.
func (p Peripheral) SameAs(other Peripheral) bool {
	return p.ID != "" && strings.EqualFold(p.ID, other.ID)
}

// Advertises reports whether the peripheral advertised the given service.
func (p Peripheral) Advertises(serviceUUID string) bool {
	want := NormalizeUUID(serviceUUID)
	for _, s := range p.Services {
		if NormalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// Service is a backend handle for a discovered GATT service.
type Service interface {
	UUID() string
}

// Characteristic is a backend handle for a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
	ServiceUUID() string
	CanNotify() bool
}

// EventSink receives the events a Radio produces. Implementations must accept
// events from any goroutine.
type EventSink func(Event)

// Radio is the platform collaborator driven by the discovery state machine.
//
// Commands return immediately. A returned error means the command was rejected
// outright; otherwise the outcome arrives later as an Event on the sink passed
// to Init.
type Radio interface {
	// Init requests the adapter handle and binds the sink every later event is
	// delivered to. Emits AdapterStateChanged. ctx bounds the lifetime of every
	// background operation the backend starts.
	Init(ctx context.Context, sink EventSink) error
	// StartScan emits PeripheralDiscovered for advertisers of any of serviceUUIDs.
	StartScan(serviceUUIDs []string) error
	StopScan() error
	// Connect emits Connected or ConnectFailed, and Disconnected when the link drops.
	Connect(p Peripheral) error
	// DiscoverServices emits ServicesDiscovered.
	DiscoverServices(p Peripheral, filter []string) error
	// DiscoverCharacteristics emits CharacteristicsDiscovered.
	DiscoverCharacteristics(p Peripheral, svc Service) error
	// SetNotify emits NotifyStateChanged, then NotificationReceived per value update.
	SetNotify(p Peripheral, char Characteristic, enable bool) error
	Disconnect(p Peripheral) error
	// Close releases the adapter. No events are emitted after Close returns.
	Close() error
}
