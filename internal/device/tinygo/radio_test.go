package tinygo

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/pulsemon/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "short", input: "180D", expected: "0000180d-0000-1000-8000-00805f9b34fb"},
		{name: "short with prefix", input: "0x2a37", expected: "00002a37-0000-1000-8000-00805f9b34fb"},
		{name: "full SIG form", input: "00002A37-0000-1000-8000-00805F9B34FB", expected: "00002a37-0000-1000-8000-00805f9b34fb"},
		{name: "vendor", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUUID(tt.input)
			require.NoError(t, err, "MUST parse %q", tt.input)
			assert.Equal(t, tt.expected, u.String())
		})
	}

	for _, bad := range []string{"", "zz", "12345"} {
		_, err := ParseUUID(bad)
		assert.Error(t, err, "MUST reject %q", bad)
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg    string
		target error
	}{
		{msg: "org.bluez.Error.NotReady: Resource Not Ready", target: device.ErrBluetoothOff},
		{msg: "bluetooth adapter is powered off", target: device.ErrBluetoothOff},
		{msg: "org.freedesktop.DBus.Error.AccessDenied: denied", target: device.ErrUnauthorized},
		{msg: "org.freedesktop.DBus.Error.ServiceUnknown: The name org.bluez was not provided", target: device.ErrUnsupported},
		{msg: "connection timed out", target: device.ErrTimeout},
		{msg: "device not connected", target: device.ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(errors.New(tt.msg)), tt.target)
		})
	}
	assert.NoError(t, NormalizeError(nil))
}

func TestCommandsBeforeInit(t *testing.T) {
	r := NewRadio(Options{}, nil)
	assert.ErrorIs(t, r.StartScan([]string{"180d"}), device.ErrNotInitialized)
	assert.ErrorIs(t, r.Connect(device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}), device.ErrNotInitialized)
	assert.True(t, device.IsConnectionState(
		r.DiscoverServices(device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}, nil), device.NotConnected))
	assert.NoError(t, r.StopScan())
	assert.NoError(t, r.Close())
	assert.Equal(t, "30s", r.opts.ConnectTimeout.String(), "MUST default the connect timeout")
}

// recordingNotifier stands in for a bluetooth.DeviceCharacteristic.
type recordingNotifier struct {
	mu       sync.Mutex
	calls    []bool // true for enable
	callback func([]byte)
	err      error
}

func (n *recordingNotifier) EnableNotifications(callback func(buf []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, callback != nil)
	n.callback = callback
	return n.err
}

func (n *recordingNotifier) Calls() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.calls...)
}

func connectedRadio(p device.Peripheral) (*Radio, chan device.Event) {
	events := make(chan device.Event, 8)
	r := NewRadio(Options{}, nil)
	r.links = map[string]*link{"aa:bb:cc:dd:ee:ff": {peripheral: p}}
	r.sink = func(ev device.Event) { events <- ev }
	return r, events
}

func nextEvent(t *testing.T, events <-chan device.Event) device.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("MUST emit an event")
		return nil
	}
}

func TestSetNotify_DisableIsSynchronous(t *testing.T) {
	// GOAL: disabling notifications completes before SetNotify returns, so a following Disconnect cannot overtake it
	//
	// TEST SCENARIO: SetNotify(false) → EnableNotifications(nil) already called on return → NotifyStateChanged{Enabled: false}

	strap := device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}
	r, events := connectedRadio(strap)
	n := &recordingNotifier{}
	char := &Characteristic{char: n, uuid: "2a37", serviceUUID: "180d"}

	require.NoError(t, r.SetNotify(strap, char, false))
	assert.Equal(t, []bool{false}, n.Calls(), "unsubscribe MUST have happened when SetNotify returns")

	ev, ok := nextEvent(t, events).(device.NotifyStateChanged)
	require.True(t, ok)
	assert.False(t, ev.Enabled)
	assert.NoError(t, ev.Err)
}

func TestSetNotify_EnableDeliversNotifications(t *testing.T) {
	strap := device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}
	r, events := connectedRadio(strap)
	n := &recordingNotifier{}
	char := &Characteristic{char: n, uuid: "2a37", serviceUUID: "180d"}

	require.NoError(t, r.SetNotify(strap, char, true))

	ev, ok := nextEvent(t, events).(device.NotifyStateChanged)
	require.True(t, ok)
	assert.True(t, ev.Enabled)
	assert.Equal(t, []bool{true}, n.Calls())

	buf := []byte{0x00, 0x48}
	n.callback(buf)
	buf[1] = 0xFF

	note, ok := nextEvent(t, events).(device.NotificationReceived)
	require.True(t, ok)
	assert.Equal(t, "2a37", note.CharacteristicUUID)
	assert.Equal(t, []byte{0x00, 0x48}, note.Value, "MUST copy the adapter's buffer")
}

func TestSetNotify_DisableFailureIsReported(t *testing.T) {
	strap := device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}
	r, events := connectedRadio(strap)
	char := &Characteristic{char: &recordingNotifier{err: errors.New("device not connected")}, uuid: "2a37"}

	require.NoError(t, r.SetNotify(strap, char, false))

	ev, ok := nextEvent(t, events).(device.NotifyStateChanged)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, device.ErrNotConnected)
}

func TestSetNotify_UnknownPeripheral(t *testing.T) {
	r := NewRadio(Options{}, nil)
	err := r.SetNotify(device.Peripheral{ID: "AA:BB:CC:DD:EE:FF"}, &Characteristic{char: &recordingNotifier{}}, true)
	assert.True(t, device.IsConnectionState(err, device.NotConnected))
}
