package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// DeviceProfileConfig is the GATT profile of the peripheral a mocked central dials.
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a mocked goble.Central: scans replay the
// configured advertisements and every Dial returns one mocked client exposing
// the configured profile.
type PeripheralDeviceBuilder struct {
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement

	mu           sync.Mutex
	handlers     map[string]blelib.NotificationHandler
	disconnected chan struct{}
	dropOnce     sync.Once
	client       *mocks.MockClient
	central      *mocks.MockCentral
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		handlers:     make(map[string]blelib.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// WithAdvertisements adds advertisements replayed by every Scan.
func (b *PeripheralDeviceBuilder) WithAdvertisements(ads ...blelib.Advertisement) *PeripheralDeviceBuilder {
	b.scanAdvertisements = append(b.scanAdvertisements, ads...)
	return b
}

// parseCharacteristicProperties converts a comma separated property list to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if props == "" {
		return blelib.CharRead | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(p) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Build creates the mocked central with the configured profile.
func (b *PeripheralDeviceBuilder) Build() *mocks.MockCentral {
	central := &mocks.MockCentral{}
	client := &mocks.MockClient{}

	var bleServices []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
			})
		}
		bleServices = append(bleServices, svc)
	}

	central.On("Scan", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		handler := args.Get(2).(blelib.AdvHandler)
		for _, adv := range b.scanAdvertisements {
			handler(adv)
		}
		<-ctx.Done()
	}).Return(context.Canceled)
	central.On("Dial", mock.Anything, mock.Anything).Return(client, nil)
	central.On("Stop").Return(nil)

	client.On("DiscoverServices", mock.Anything).Return(bleServices, nil)
	for _, svc := range bleServices {
		client.On("DiscoverCharacteristics", mock.Anything, svc).Return(svc.Characteristics, nil)
		for _, char := range svc.Characteristics {
			key := device.NormalizeUUID(char.UUID.String())
			client.On("Subscribe", char, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				b.mu.Lock()
				defer b.mu.Unlock()
				b.handlers[key] = args.Get(2).(blelib.NotificationHandler)
			}).Return(nil)
		}
	}
	client.On("DiscoverDescriptors", mock.Anything, mock.Anything).Return(nil, nil)
	client.On("Unsubscribe", mock.Anything, mock.Anything).Return(nil)
	client.On("CancelConnection").Return(nil)
	client.On("Disconnected").Return(b.disconnected)

	b.client = client
	b.central = central
	return central
}

// Client returns the mocked client handed out by Dial. Valid after Build.
func (b *PeripheralDeviceBuilder) Client() *mocks.MockClient {
	return b.client
}

// Notify pushes a value through the handler registered by Subscribe.
// Returns false if nothing subscribed to charUUID.
func (b *PeripheralDeviceBuilder) Notify(charUUID string, value []byte) bool {
	b.mu.Lock()
	h, ok := b.handlers[device.NormalizeUUID(charUUID)]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h(value)
	return true
}

// Subscribed reports whether charUUID has a registered notification handler.
func (b *PeripheralDeviceBuilder) Subscribed(charUUID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[device.NormalizeUUID(charUUID)]
	return ok
}

// DropLink simulates the peripheral going out of range.
func (b *PeripheralDeviceBuilder) DropLink() {
	b.dropOnce.Do(func() { close(b.disconnected) })
}
