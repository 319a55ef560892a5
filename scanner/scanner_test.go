package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/device/goble"
	"github.com/srg/pulsemon/internal/testutils"
	"github.com/srg/pulsemon/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

func quickScan() *scanner.ScanOptions {
	opts := scanner.DefaultScanOptions()
	opts.Duration = 50 * time.Millisecond
	return opts
}

func ids(list []scanner.Sighting) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Peripheral.ID)
	}
	return out
}

func TestScan_ListsHeartRatePeripheralsByRSSI(t *testing.T) {
	radio := testutils.NewHeartRateStrap("Strap")
	sc := scanner.NewScanner(testutils.NewTestHelper(t).Logger)

	var phases []string
	list, err := sc.Scan(context.Background(), radio, quickScan(), func(phase string) {
		phases = append(phases, phase)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"11:22:33:44:55:66", "AA:BB:CC:DD:EE:FF"}, ids(list), "MUST sort by RSSI, strongest first")
	assert.Equal(t, "Strap", list[1].Peripheral.Name)
	assert.Equal(t, []string{"Initializing", "Scanning", "Processing results"}, phases)
	assert.Equal(t, []string{"Init", "StartScan", "StopScan", "Close"}, radio.Methods())
	assert.Equal(t, "StartScan(180d)", radio.Calls()[1].String())
	assert.True(t, radio.Closed())
	assert.Len(t, sc.Sightings(), 2)
}

func TestScan_AllowAndBlockLists(t *testing.T) {
	opts := quickScan()
	opts.AllowList = []string{"aa:bb:cc:dd:ee:ff"}
	list, err := scanner.NewScanner(nil).Scan(context.Background(),
		testutils.NewHeartRateStrap("Strap"), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, ids(list), "allow list MUST match case-insensitively")

	opts = quickScan()
	opts.BlockList = []string{"AA:BB:CC:DD:EE:FF"}
	list, err = scanner.NewScanner(nil).Scan(context.Background(),
		testutils.NewHeartRateStrap("Strap"), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"11:22:33:44:55:66"}, ids(list))
}

func TestScan_RepeatedAdvertisementsMerge(t *testing.T) {
	// GOAL: one sighting per peripheral; later advertisements refresh RSSI but keep the name
	//
	// TEST SCENARIO: nameless advert, then named advert, then nameless again → one sighting named "Strap"

	radio := testutils.NewScriptedRadio(`{
		"peripherals": [
			{ "id": "AA:BB:CC:DD:EE:FF", "rssi": -70, "advertised": ["180d"] },
			{ "id": "aa:bb:cc:dd:ee:ff", "name": "Strap", "rssi": -55, "advertised": ["180d"] },
			{ "id": "AA:BB:CC:DD:EE:FF", "rssi": -50 }
		]
	}`)
	sc := scanner.NewScanner(nil)

	list, err := sc.Scan(context.Background(), radio, &scanner.ScanOptions{Duration: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)

	s := list[0]
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, "Strap", s.Peripheral.Name, "MUST keep the name from an earlier advertisement")
	assert.Equal(t, -50, s.Peripheral.RSSI)
	assert.Equal(t, []string{"180d"}, s.Peripheral.Services)
	assert.False(t, s.LastSeen.Before(s.FirstSeen))

	var types []scanner.DeviceEventType
	for len(types) < 3 {
		select {
		case ev := <-sc.Events():
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("MUST publish one event per advertisement")
		}
	}
	assert.Equal(t, []scanner.DeviceEventType{scanner.EventNew, scanner.EventUpdated, scanner.EventUpdated}, types)
}

func TestScan_AdapterErrors(t *testing.T) {
	tests := []struct {
		adapter string
		target  error
	}{
		{adapter: "powered_off", target: device.ErrBluetoothOff},
		{adapter: "unauthorized", target: device.ErrUnauthorized},
		{adapter: "unsupported", target: device.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.adapter, func(t *testing.T) {
			radio := testutils.NewScriptedRadio(`{"adapter": %q, "peripherals": []}`, tt.adapter)

			_, err := scanner.NewScanner(nil).Scan(context.Background(), radio, quickScan(), nil)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, 0, radio.CallCount("StartScan"), "MUST NOT scan without a powered adapter")
			assert.True(t, radio.Closed())
		})
	}
}

func TestScan_InitFailure(t *testing.T) {
	radio := testutils.NewScriptedRadio(`{"peripherals": []}`)
	radio.Errors["Init"] = errors.New("no adapter")

	_, err := scanner.NewScanner(nil).Scan(context.Background(), radio, quickScan(), nil)
	assert.ErrorContains(t, err, "failed to initialize radio")
	assert.True(t, radio.Closed())
}

func TestScan_AdapterNeverReports(t *testing.T) {
	radio := testutils.NewScriptedRadio(`{"peripherals": []}`)
	radio.Withhold["Init"] = true

	_, err := scanner.NewScanner(nil).Scan(context.Background(), radio, quickScan(), nil)
	assert.ErrorIs(t, err, device.ErrTimeout)
}

func TestScan_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.NewScanner(nil).Scan(ctx,
		testutils.NewScriptedRadio(`{"peripherals": []}`), quickScan(), nil)
	assert.Error(t, err)
}

// GoBLEScanSuite runs the scanner over the go-ble backend with a mocked central.
type GoBLEScanSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *GoBLEScanSuite) SetupTest() {
	s.WithAdvertisements(
		testutils.NewAdvertisementBuilder().WithAddress("11:22:33:44:55:66").WithName("Lamp").WithRSSI(-30).WithServices("FFF0").Build(),
		testutils.NewAdvertisementBuilder().WithAddress("AA:BB:CC:DD:EE:FF").WithName("Polar H10").WithRSSI(-61).WithServices("180D").Build(),
	)
	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *GoBLEScanSuite) TestScanFiltersByHeartRateService() {
	radio := goble.NewRadio(goble.Options{}, s.Logger)

	list, err := scanner.NewScanner(s.Logger).Scan(context.Background(), radio, &scanner.ScanOptions{
		Duration:     200 * time.Millisecond,
		ServiceUUIDs: []string{"180D"},
	}, nil)
	s.Require().NoError(err)

	s.Require().Len(list, 1, "MUST only list peripherals advertising 180D")
	s.Equal("Polar H10", list[0].Peripheral.Name)
	s.Equal(-61, list[0].Peripheral.RSSI)
}

func TestGoBLEScanSuite(t *testing.T) {
	suitelib.Run(t, new(GoBLEScanSuite))
}
