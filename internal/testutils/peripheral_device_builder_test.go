package testutils

import (
	"context"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"
)

// PeripheralDeviceBuilderTestSuite tests PeripheralDeviceBuilder functionality
type PeripheralDeviceBuilderTestSuite struct {
	suite.Suite
}

func (s *PeripheralDeviceBuilderTestSuite) TestProfileFromFluentCalls() {
	b := NewPeripheralDeviceBuilder().
		WithService("180D").
		WithCharacteristic("2A37", "notify").
		WithCharacteristic("2A39", "write, read")
	central := b.Build()

	client, err := central.Dial(context.Background(), blelib.NewAddr("AA:BB:CC:DD:EE:FF"))
	s.Require().NoError(err)

	services, err := client.DiscoverServices(nil)
	s.Require().NoError(err)
	s.Require().Len(services, 1)
	s.Equal("180d", services[0].UUID.String())

	chars, err := client.DiscoverCharacteristics(nil, services[0])
	s.Require().NoError(err)
	s.Require().Len(chars, 2)
	s.Equal(blelib.CharNotify, chars[0].Property, "notify MUST map to CharNotify only")
	s.Equal(blelib.CharWrite|blelib.CharRead, chars[1].Property)
}

func (s *PeripheralDeviceBuilderTestSuite) TestNotifyReachesSubscriber() {
	// GOAL: Notify delivers payloads only after Subscribe registered a handler
	//
	// TEST SCENARIO: notify before subscribe → false; subscribe → notify → handler sees payload

	b := createDefaultPeripheralBuilder()
	central := b.Build()
	client, err := central.Dial(context.Background(), blelib.NewAddr("AA:BB:CC:DD:EE:FF"))
	s.Require().NoError(err)

	s.False(b.Notify("2A37", []byte{0x00, 0x48}), "MUST NOT deliver before subscription")

	services, _ := client.DiscoverServices(nil)
	chars, _ := client.DiscoverCharacteristics(nil, services[0])

	received := make(chan []byte, 1)
	s.Require().NoError(client.Subscribe(chars[0], false, func(data []byte) { received <- data }))
	s.True(b.Subscribed("2a37"))

	s.True(b.Notify("2a37", []byte{0x00, 0x48}))
	s.Equal([]byte{0x00, 0x48}, <-received)
}

func (s *PeripheralDeviceBuilderTestSuite) TestScanReplaysAdvertisements() {
	b := NewPeripheralDeviceBuilder().WithAdvertisements(
		NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithName("Strap").Build(),
		NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Other").Build(),
	)
	central := b.Build()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var names []string
	err := central.Scan(ctx, false, func(a blelib.Advertisement) { names = append(names, a.LocalName()) })

	s.ErrorIs(err, context.Canceled)
	s.Equal([]string{"Strap", "Other"}, names)
}

func (s *PeripheralDeviceBuilderTestSuite) TestDropLinkClosesDisconnected() {
	b := createDefaultPeripheralBuilder()
	central := b.Build()
	client, err := central.Dial(context.Background(), blelib.NewAddr("AA:BB:CC:DD:EE:FF"))
	s.Require().NoError(err)

	b.DropLink()
	b.DropLink()

	select {
	case <-client.Disconnected():
	default:
		s.Fail("Disconnected MUST be closed after DropLink")
	}
}

func (s *PeripheralDeviceBuilderTestSuite) TestWithCharacteristicRequiresService() {
	s.Panics(func() { NewPeripheralDeviceBuilder().WithCharacteristic("2A37", "notify") })
}

func TestPeripheralDeviceBuilderTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralDeviceBuilderTestSuite))
}
