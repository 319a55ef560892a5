package monitor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/heartrate"
)

// Target identifies the single peripheral to connect to: by advertised name
// or by address, never both.
type Target struct {
	Name    string
	Address string
}

// Validate checks that exactly one identifier is set.
func (t Target) Validate() error {
	switch {
	case t.Name == "" && t.Address == "":
		return errors.New("target: a peripheral name or address is required")
	case t.Name != "" && t.Address != "":
		return errors.New("target: name and address are mutually exclusive")
	}
	return nil
}

// Matches applies the selection policy: exact advertised name match, or a
// case-insensitive address match. Peripherals without a name never match a name target.
func (t Target) Matches(p device.Peripheral) bool {
	if t.Address != "" {
		return p.ID != "" && strings.EqualFold(t.Address, p.ID)
	}
	return p.Name != "" && p.Name == t.Name
}

func (t Target) String() string {
	if t.Address != "" {
		return "address " + t.Address
	}
	return fmt.Sprintf("name %q", t.Name)
}

// Options configures a Machine.
type Options struct {
	Target Target

	ServiceUUID        string `default:"180d"`
	CharacteristicUUID string `default:"2a37"`

	// QueueSize bounds the number of radio events waiting for the loop.
	QueueSize int `default:"256"`

	// Decode turns a measurement payload into a value. Defaults to heartrate.Decode.
	Decode func([]byte) (int, error)

	// OnHeartRate is invoked on the event loop once per decoded payload.
	OnHeartRate func(bpm int)
	// OnDecodeError is invoked on the event loop for payloads that fail to decode.
	OnDecodeError func(err error)
	// OnUnrecognized is invoked for notifications from any other characteristic.
	OnUnrecognized func(p device.Peripheral, charUUID string)
	// OnStateChange is invoked after every transition.
	OnStateChange func(from, to State)
	// OnHalt is invoked when the machine stops making progress without
	// leaving its state: adapter not powered on, connect failure, or the
	// peripheral rejecting the last requested subscription.
	OnHalt func(reason error)
}

// withDefaults returns a copy with zero-valued fields filled in and UUIDs normalized.
func (o Options) withDefaults() (Options, error) {
	defaults.SetDefaults(&o)

	if err := o.Target.Validate(); err != nil {
		return o, err
	}
	if o.Decode == nil {
		o.Decode = heartrate.Decode
	}

	uuids, err := device.ValidateUUID(o.ServiceUUID, o.CharacteristicUUID)
	if err != nil {
		return o, fmt.Errorf("invalid monitor UUIDs: %w", err)
	}
	o.ServiceUUID, o.CharacteristicUUID = uuids[0], uuids[1]

	if o.QueueSize <= 0 {
		return o, fmt.Errorf("queue size must be > 0, got %d", o.QueueSize)
	}
	return o, nil
}
