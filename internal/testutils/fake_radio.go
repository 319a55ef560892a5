package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/pulsemon/internal/device"
)

// CharacteristicConfig describes a characteristic exposed by a fake peripheral.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,notify"
}

// ServiceConfig describes a service exposed by a fake peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig describes one advertiser and its GATT profile.
type PeripheralConfig struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	RSSI     int             `json:"rssi,omitempty"`
	Adverts  []string        `json:"advertised,omitempty"`
	Services []ServiceConfig `json:"services,omitempty"`
}

// RadioProfileConfig is the scripted world a FakeRadio simulates.
type RadioProfileConfig struct {
	Adapter     string             `json:"adapter,omitempty"` // device.AdapterState string, default powered_on
	Peripherals []PeripheralConfig `json:"peripherals"`
}

// FakeService implements device.Service.
type FakeService struct {
	ID string
}

func (s *FakeService) UUID() string { return s.ID }

// FakeCharacteristic implements device.Characteristic.
type FakeCharacteristic struct {
	ID      string
	Service string
	Notify  bool
}

func (c *FakeCharacteristic) UUID() string        { return c.ID }
func (c *FakeCharacteristic) ServiceUUID() string { return c.Service }
func (c *FakeCharacteristic) CanNotify() bool     { return c.Notify }

// Call is one command received by a FakeRadio.
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Method
	}
	return fmt.Sprintf("%s(%s)", c.Method, strings.Join(c.Args, ", "))
}

// FakeRadio is a scripted device.Radio. In scripted mode (Script non-nil) it
// answers every command synchronously on the caller's goroutine, in the order
// a real backend would report results. Without a script it only records calls,
// and tests drive the machine by handing events in directly.
type FakeRadio struct {
	Script *RadioProfileConfig

	// Errors makes the named command fail outright, keyed by method name.
	Errors map[string]error
	// Withhold suppresses the result event of the named commands.
	Withhold map[string]bool

	mu     sync.Mutex
	sink   device.EventSink
	calls  []Call
	closed bool
}

// NewFakeRadio returns a recording-only fake.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		Errors:   make(map[string]error),
		Withhold: make(map[string]bool),
	}
}

// NewScriptedRadio returns a fake answering commands from a JSON profile
// built with fmt.Sprintf(jsonStrFmt, args...).
func NewScriptedRadio(jsonStrFmt string, args ...interface{}) *FakeRadio {
	return NewProfiledRadio(fmt.Sprintf(jsonStrFmt, args...))
}

// NewProfiledRadio returns a fake answering commands from a ready JSON profile.
// Panics on invalid JSON as this is intended for test data setup.
func NewProfiledRadio(profileJSON string) *FakeRadio {
	var profile RadioProfileConfig
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		panic(fmt.Sprintf("NewProfiledRadio: failed to unmarshal: %v", err))
	}
	r := NewFakeRadio()
	r.Script = &profile
	return r
}

// NewHeartRateStrap returns a fake with one heart rate strap named name at
// AA:BB:CC:DD:EE:FF, advertising 180D with a notifying 2A37, alongside an
// unrelated advertiser at 11:22:33:44:55:66.
func NewHeartRateStrap(name string) *FakeRadio {
	return NewProfiledRadio(heartRateProfile(name))
}

func heartRateProfile(name string) string {
	return fmt.Sprintf(`{
		"peripherals": [
			{ "id": "11:22:33:44:55:66", "name": "Other", "rssi": -40, "advertised": ["180d"] },
			{
				"id": "AA:BB:CC:DD:EE:FF", "name": %q, "rssi": -60, "advertised": ["180d"],
				"services": [
					{
						"uuid": "180d",
						"characteristics": [
							{ "uuid": "2a37", "properties": "notify" },
							{ "uuid": "2a38", "properties": "read" }
						]
					}
				]
			}
		]
	}`, name)
}

// Calls returns a copy of the recorded commands.
func (r *FakeRadio) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Methods returns the recorded command names in order.
func (r *FakeRadio) Methods() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// CallCount returns how many times method was invoked.
func (r *FakeRadio) CallCount(method string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (r *FakeRadio) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Emit delivers ev to the bound sink.
func (r *FakeRadio) Emit(ev device.Event) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Notify emits a value update for charUUID from peripheral id.
func (r *FakeRadio) Notify(id, charUUID string, value []byte) {
	r.Emit(device.NotificationReceived{
		Peripheral:         device.Peripheral{ID: id},
		CharacteristicUUID: charUUID,
		Value:              value,
	})
}

func (r *FakeRadio) record(method string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	return r.Errors[method]
}

func (r *FakeRadio) scripted(method string) bool {
	return r.Script != nil && !r.Withhold[method]
}

func (r *FakeRadio) Init(_ context.Context, sink device.EventSink) error {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()

	if err := r.record("Init"); err != nil {
		return err
	}
	if r.scripted("Init") {
		r.Emit(device.AdapterStateChanged{State: r.adapterState()})
	}
	return nil
}

func (r *FakeRadio) StartScan(serviceUUIDs []string) error {
	if err := r.record("StartScan", serviceUUIDs...); err != nil {
		return err
	}
	if !r.scripted("StartScan") {
		return nil
	}
	for _, p := range r.Script.Peripherals {
		info := p.peripheral()
		if len(serviceUUIDs) > 0 && !advertisesAny(info, serviceUUIDs) {
			continue
		}
		r.Emit(device.PeripheralDiscovered{Peripheral: info})
	}
	return nil
}

func (r *FakeRadio) StopScan() error {
	return r.record("StopScan")
}

func (r *FakeRadio) Connect(p device.Peripheral) error {
	if err := r.record("Connect", p.ID); err != nil {
		return err
	}
	if r.scripted("Connect") {
		if _, ok := r.lookup(p.ID); !ok {
			r.Emit(device.ConnectFailed{Peripheral: p, Err: device.ErrTimeout})
			return nil
		}
		r.Emit(device.Connected{Peripheral: p})
	}
	return nil
}

func (r *FakeRadio) DiscoverServices(p device.Peripheral, filter []string) error {
	if err := r.record("DiscoverServices", append([]string{p.ID}, filter...)...); err != nil {
		return err
	}
	if !r.scripted("DiscoverServices") {
		return nil
	}
	cfg, _ := r.lookup(p.ID)
	var services []device.Service
	for _, s := range cfg.Services {
		if len(filter) > 0 && !containsUUID(filter, s.UUID) {
			continue
		}
		services = append(services, &FakeService{ID: s.UUID})
	}
	r.Emit(device.ServicesDiscovered{Peripheral: p, Services: services})
	return nil
}

func (r *FakeRadio) DiscoverCharacteristics(p device.Peripheral, svc device.Service) error {
	if err := r.record("DiscoverCharacteristics", p.ID, svc.UUID()); err != nil {
		return err
	}
	if !r.scripted("DiscoverCharacteristics") {
		return nil
	}
	cfg, _ := r.lookup(p.ID)
	var chars []device.Characteristic
	for _, s := range cfg.Services {
		if !device.SameUUID(s.UUID, svc.UUID()) {
			continue
		}
		for _, c := range s.Characteristics {
			chars = append(chars, &FakeCharacteristic{
				ID:      c.UUID,
				Service: s.UUID,
				Notify:  strings.Contains(c.Properties, "notify"),
			})
		}
	}
	r.Emit(device.CharacteristicsDiscovered{Peripheral: p, Service: svc, Characteristics: chars})
	return nil
}

func (r *FakeRadio) SetNotify(p device.Peripheral, char device.Characteristic, enable bool) error {
	if err := r.record("SetNotify", p.ID, char.UUID(), fmt.Sprint(enable)); err != nil {
		return err
	}
	if r.scripted("SetNotify") {
		r.Emit(device.NotifyStateChanged{Peripheral: p, Characteristic: char, Enabled: enable})
	}
	return nil
}

func (r *FakeRadio) Disconnect(p device.Peripheral) error {
	return r.record("Disconnect", p.ID)
}

func (r *FakeRadio) Close() error {
	err := r.record("Close")
	r.mu.Lock()
	r.closed = true
	r.sink = nil
	r.mu.Unlock()
	return err
}

func (r *FakeRadio) adapterState() device.AdapterState {
	switch r.Script.Adapter {
	case "", "powered_on":
		return device.AdapterPoweredOn
	case "powered_off":
		return device.AdapterPoweredOff
	case "unauthorized":
		return device.AdapterUnauthorized
	case "unsupported":
		return device.AdapterUnsupported
	default:
		return device.AdapterUninitialized
	}
}

func (r *FakeRadio) lookup(id string) (PeripheralConfig, bool) {
	for _, p := range r.Script.Peripherals {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return PeripheralConfig{}, false
}

func (p PeripheralConfig) peripheral() device.Peripheral {
	return device.Peripheral{
		ID:       p.ID,
		Name:     p.Name,
		RSSI:     p.RSSI,
		Services: device.NormalizeUUIDs(p.Adverts),
	}
}

func advertisesAny(p device.Peripheral, uuids []string) bool {
	for _, u := range uuids {
		if p.Advertises(u) {
			return true
		}
	}
	return false
}

func containsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if device.SameUUID(u, uuid) {
			return true
		}
	}
	return false
}
