package goble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/device/goble"
	"github.com/srg/pulsemon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const strapAddr = "AA:BB:CC:DD:EE:FF"

var strap = device.Peripheral{ID: strapAddr, Name: "Strap"}

type RadioSuite struct {
	testutils.MockBLEPeripheralSuite

	events chan device.Event
	radio  *goble.Radio
	cancel context.CancelFunc
}

func (s *RadioSuite) SetupTest() {
	s.WithPeripheral().
		WithService("180D").
		WithCharacteristic("2A37", "notify").
		WithCharacteristic("2A38", "read")
	s.WithAdvertisements(
		testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Lamp").WithServices("FFF0").Build(),
		testutils.NewAdvertisementBuilder().WithAddress(strapAddr).WithName("Strap").WithRSSI(-61).WithServices("180D").Build(),
	)
	s.MockBLEPeripheralSuite.SetupTest()

	s.events = make(chan device.Event, 64)
	s.radio = goble.NewRadio(goble.Options{ConnectTimeout: time.Second}, s.Logger)
}

func (s *RadioSuite) TearDownTest() {
	if s.radio != nil {
		_ = s.radio.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.MockBLEPeripheralSuite.TearDownTest()
}

func (s *RadioSuite) init() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Require().NoError(s.radio.Init(ctx, func(ev device.Event) { s.events <- ev }))
}

func (s *RadioSuite) next() device.Event {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(s.TestTimeout):
		s.FailNow("timed out waiting for radio event")
		return nil
	}
}

func (s *RadioSuite) connect() {
	s.init()
	s.Require().IsType(device.AdapterStateChanged{}, s.next())
	s.Require().NoError(s.radio.Connect(strap))
	s.Require().Equal(device.Connected{Peripheral: strap}, s.next(), "MUST report the connection")
}

func (s *RadioSuite) TestInitReportsPoweredOn() {
	s.init()
	ev := s.next()
	s.Equal(device.AdapterStateChanged{State: device.AdapterPoweredOn}, ev)
}

func (s *RadioSuite) TestScanFiltersOnAdvertisedService() {
	// GOAL: only advertisers of the requested service reach the sink
	//
	// TEST SCENARIO: Lamp (FFF0) and Strap (180D) advertise → scan for 180D → only Strap reported

	s.init()
	s.next()

	s.Require().NoError(s.radio.StartScan([]string{"180d"}))
	ev := s.next()
	found, ok := ev.(device.PeripheralDiscovered)
	s.Require().True(ok, "MUST report a discovered peripheral, got %s", ev)
	s.Equal(strapAddr, found.Peripheral.ID)
	s.Equal("Strap", found.Peripheral.Name)
	s.Equal(-61, found.Peripheral.RSSI)
	s.Equal([]string{"180d"}, found.Peripheral.Services)

	s.NoError(s.radio.StopScan())
	select {
	case ev := <-s.events:
		s.Failf("unexpected event", "non-matching advertiser MUST be filtered, got %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *RadioSuite) TestCommandsBeforeInitAreRejected() {
	s.ErrorIs(s.radio.StartScan(nil), device.ErrNotInitialized)
	s.ErrorIs(s.radio.Connect(strap), device.ErrNotInitialized)
	s.True(device.IsConnectionState(s.radio.DiscoverServices(strap, nil), device.NotConnected))
}

func (s *RadioSuite) TestDiscoveryAndSubscription() {
	s.connect()

	s.Require().NoError(s.radio.DiscoverServices(strap, []string{"180d"}))
	services, ok := s.next().(device.ServicesDiscovered)
	s.Require().True(ok)
	s.Require().NoError(services.Err)
	s.Require().Len(services.Services, 1)
	s.Equal("180d", services.Services[0].UUID(), "service UUID MUST be normalized")

	s.Require().NoError(s.radio.DiscoverCharacteristics(strap, services.Services[0]))
	chars, ok := s.next().(device.CharacteristicsDiscovered)
	s.Require().True(ok)
	s.Require().Len(chars.Characteristics, 2)

	measurement := chars.Characteristics[0]
	s.Equal("2a37", measurement.UUID())
	s.Equal("180d", measurement.ServiceUUID())
	s.True(measurement.CanNotify())
	s.False(chars.Characteristics[1].CanNotify(), "2A38 is read-only")

	s.Require().NoError(s.radio.SetNotify(strap, measurement, true))
	confirm, ok := s.next().(device.NotifyStateChanged)
	s.Require().True(ok)
	s.NoError(confirm.Err)
	s.True(confirm.Enabled)

	s.Require().True(s.PeripheralBuilder.Notify("2a37", []byte{0x00, 0x48}), "MUST have subscribed")
	s.Equal(device.NotificationReceived{
		Peripheral:         strap,
		CharacteristicUUID: "2a37",
		Value:              []byte{0x00, 0x48},
	}, s.next())

	s.PeripheralBuilder.Client().AssertCalled(s.T(), "DiscoverDescriptors", mock.Anything, mock.Anything)
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "Subscribe", mock.Anything, false, mock.Anything)
}

func (s *RadioSuite) TestForeignHandlesAreRejected() {
	s.connect()

	err := s.radio.DiscoverCharacteristics(strap, &testutils.FakeService{ID: "180d"})
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf, "MUST reject handles from another backend")

	err = s.radio.SetNotify(strap, &testutils.FakeCharacteristic{ID: "2a37"}, true)
	s.ErrorAs(err, &nf)
}

func (s *RadioSuite) TestLinkLossIsReported() {
	s.connect()

	s.PeripheralBuilder.DropLink()
	ev := s.next()
	disc, ok := ev.(device.Disconnected)
	s.Require().True(ok, "MUST report link loss, got %s", ev)
	s.Equal(strapAddr, disc.Peripheral.ID)
	s.ErrorIs(disc.Err, device.ErrNotConnected)

	s.True(device.IsConnectionState(s.radio.DiscoverServices(strap, nil), device.NotConnected),
		"link MUST be forgotten after loss")
}

func (s *RadioSuite) TestDisconnectReleasesLink() {
	s.connect()

	s.NoError(s.radio.Disconnect(strap))
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "CancelConnection")
	s.True(device.IsConnectionState(s.radio.DiscoverServices(strap, nil), device.NotConnected))
	s.NoError(s.radio.Disconnect(strap), "second Disconnect MUST be a no-op")
}

func (s *RadioSuite) TestCloseStopsCentral() {
	s.connect()

	s.NoError(s.radio.Close())
	s.PeripheralBuilder.Client().AssertCalled(s.T(), "CancelConnection")
	s.NoError(s.radio.Close(), "Close MUST be idempotent")
	s.radio = nil
}

func TestRadioSuite(t *testing.T) {
	suite.Run(t, new(RadioSuite))
}

type FactoryFailureSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *FactoryFailureSuite) TestBluetoothOffIsReportedAsAdapterState() {
	s.DeviceFactoryErr = errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	s.MockBLEPeripheralSuite.SetupTest()

	events := make(chan device.Event, 1)
	radio := goble.NewRadio(goble.Options{}, s.Logger)
	defer radio.Close()

	s.Require().NoError(radio.Init(context.Background(), func(ev device.Event) { events <- ev }))

	select {
	case ev := <-events:
		state, ok := ev.(device.AdapterStateChanged)
		s.Require().True(ok)
		s.Equal(device.AdapterPoweredOff, state.State)
		s.ErrorIs(state.Err, device.ErrBluetoothOff)
	case <-time.After(s.TestTimeout):
		s.Fail("MUST report the adapter state")
	}
}

func TestFactoryFailureSuite(t *testing.T) {
	suite.Run(t, new(FactoryFailureSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "darwin powered off", err: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: device.ErrBluetoothOff},
		{name: "turned off", err: errors.New("Bluetooth is turned off"), target: device.ErrBluetoothOff},
		{name: "unauthorized", err: errors.New("central manager has invalid state: have=3 want=5"), target: device.ErrUnauthorized},
		{name: "linux permission", err: errors.New("can't init hci: operation not permitted"), target: device.ErrUnauthorized},
		{name: "unsupported", err: errors.New("central manager has invalid state: have=2 want=5"), target: device.ErrUnsupported},
		{name: "not connected", err: errors.New("device not connected"), target: device.ErrNotConnected},
		{name: "already connected", err: errors.New("device already connected"), target: device.ErrAlreadyConnected},
		{name: "deadline", err: context.DeadlineExceeded, target: device.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := goble.NormalizeError(tt.err)
			assert.ErrorIs(t, got, tt.target, "MUST map to the sentinel")
			assert.Contains(t, got.Error(), tt.err.Error(), "MUST keep the original message")
		})
	}

	assert.NoError(t, goble.NormalizeError(nil))
	plain := errors.New("something else")
	assert.Same(t, plain, goble.NormalizeError(plain))
}
