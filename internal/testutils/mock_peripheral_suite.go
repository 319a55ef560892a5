package testutils

import (
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device/goble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite with a mocked go-ble
// central installed as goble.DeviceFactory.
//
// Custom device profile usage:
//
//	type MonitorSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func (s *MonitorSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "notify")
//	    s.WithAdvertisements(testutils.NewAdvertisementBuilder().
//	        WithAddress("AA:BB:CC:DD:EE:FF").WithName("Strap").WithServices("180D").Build())
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	OriginalDeviceFactory func() (goble.Central, error)
	TestTimeout           time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	// DeviceFactoryErr, when set, makes the installed factory fail.
	DeviceFactoryErr error
}

// SetupSuite is called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second

	s.OriginalDeviceFactory = goble.DeviceFactory
	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
			s.Logger.Debug("Device factory restored via t.Cleanup")
		}
	})
}

// SetupTest installs the mocked central before each test.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}

	central := s.PeripheralBuilder.Build()
	factoryErr := s.DeviceFactoryErr
	goble.DeviceFactory = func() (goble.Central, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return central, nil
	}
}

// TearDownTest restores the factory and resets per-test configuration.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.PeripheralBuilder = nil
	s.DeviceFactoryErr = nil
}

// WithPeripheral returns the peripheral builder for fluent configuration.
func (s *MockBLEPeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements configures the advertisements replayed by Scan.
func (s *MockBLEPeripheralSuite) WithAdvertisements(ads ...blelib.Advertisement) *PeripheralDeviceBuilder {
	return s.WithPeripheral().WithAdvertisements(ads...)
}

// createDefaultPeripheralBuilder returns a heart rate strap exposing 180D/2A37.
func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": "180D",
					"characteristics": [
						{ "uuid": "2A37", "properties": "notify" },
						{ "uuid": "2A38", "properties": "read" }
					]
				}
			]
		}`)
}
