package heartmonitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/heartrate"
	"github.com/srg/pulsemon/internal/monitor"
	"github.com/srg/pulsemon/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const strapID = "AA:BB:CC:DD:EE:FF"

type MonitorSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	radio  *testutils.FakeRadio

	mu     sync.Mutex
	values []int
}

func (s *MonitorSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.radio = testutils.NewHeartRateStrap("Target")
	s.values = nil
}

func (s *MonitorSuite) collected() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.values...)
}

func (s *MonitorSuite) start(opts Options) *Monitor {
	if opts.Target == (monitor.Target{}) {
		opts.Target = monitor.Target{Name: "Target"}
	}
	if opts.OnHeartRate == nil {
		opts.OnHeartRate = func(bpm int) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.values = append(s.values, bpm)
		}
	}
	mon, err := New(context.Background(), s.radio, opts, s.helper.Logger)
	s.Require().NoError(err, "MUST start the monitor")
	s.T().Cleanup(func() { _ = mon.Close() })

	s.Require().Eventually(func() bool { return mon.State() == monitor.Subscribed },
		2*time.Second, 5*time.Millisecond, "MUST reach Subscribed")
	return mon
}

func (s *MonitorSuite) TestEndToEndLiteralDecoding() {
	// GOAL: the facade delivers decoded values to OnHeartRate in arrival order
	//
	// TEST SCENARIO: scripted strap "Target" → Subscribed → [00 4B], [01 4B 00] → 75, 19201

	mon := s.start(Options{})

	s.radio.Notify(strapID, "2a37", []byte{0x00, 0x4B})
	s.radio.Notify(strapID, "2a37", []byte{0x01, 0x4B, 0x00})

	s.Eventually(func() bool { return len(s.collected()) == 2 }, 2*time.Second, 5*time.Millisecond)
	s.Equal([]int{75, 19201}, s.collected())

	status := mon.Status()
	s.Require().NotNil(status.Peripheral)
	s.Equal("Target", status.Peripheral.Name)
}

func (s *MonitorSuite) TestStandardVariant() {
	s.start(Options{Variant: heartrate.Standard})

	s.radio.Notify(strapID, "2a37", []byte{0x01, 0x4B, 0x00})

	s.Eventually(func() bool { return len(s.collected()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Equal([]int{0x4B}, s.collected(), "standard variant MUST skip the flags byte")
}

func (s *MonitorSuite) TestDecodeErrorsOnDistinctChannel() {
	mon := s.start(Options{})

	s.radio.Notify(strapID, "2a37", []byte{})
	s.radio.Notify(strapID, "2a37", []byte{0x00, 0x3C})

	select {
	case err := <-mon.Errors():
		var malformed *heartrate.MalformedPayloadError
		s.ErrorAs(err, &malformed, "MUST surface a malformed payload error")
		s.ErrorIs(err, heartrate.ErrEmptyPayload)
	case <-time.After(2 * time.Second):
		s.Fail("decode error MUST be delivered on Errors()")
	}

	s.Eventually(func() bool { return len(s.collected()) == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Equal([]int{60}, s.collected(), "errors MUST NOT be reported as values")
}

func (s *MonitorSuite) TestCloseTearsDown() {
	mon := s.start(Options{})

	s.NoError(mon.Close())
	s.NoError(mon.Close(), "Close MUST be idempotent")

	testutils.WaitClosed(s.T(), mon.Done(), time.Second, "Done MUST close after Close")
	s.Equal(monitor.Stopped, mon.State())
	s.NoError(mon.Err())
	s.True(s.radio.Closed(), "radio MUST be released")

	_, open := <-mon.Errors()
	s.False(open, "Errors MUST be closed after Close")
}

func (s *MonitorSuite) TestPeripheralDisconnect() {
	mon := s.start(Options{})

	s.radio.Emit(device.Disconnected{Peripheral: device.Peripheral{ID: strapID}, Err: errors.New("out of range")})

	testutils.WaitClosed(s.T(), mon.Done(), 2*time.Second, "Done MUST close on disconnect")
	s.Equal(monitor.Disconnected, mon.State())
	s.Eventually(func() bool { return mon.Err() != nil }, time.Second, 5*time.Millisecond)
	s.True(device.IsConnectionState(mon.Err(), device.NotConnected))
}

func (s *MonitorSuite) TestSlowConsumerReceivesEveryReading() {
	// GOAL: by default a slow display delays readings but never loses one
	//
	// TEST SCENARIO: OnHeartRate sleeps 2ms → 100 notifications [00 i] → 100 values in order, none dropped

	var got []int
	var mu sync.Mutex
	mon := s.start(Options{
		OnHeartRate: func(bpm int) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			got = append(got, bpm)
			mu.Unlock()
		},
	})

	for i := 0; i < 100; i++ {
		s.radio.Notify(strapID, "2a37", []byte{0x00, byte(i)})
	}

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, 5*time.Second, 5*time.Millisecond, "every decoded payload MUST reach OnHeartRate")

	mu.Lock()
	defer mu.Unlock()
	for i, bpm := range got {
		s.Equal(i, bpm, "readings MUST arrive in notification order")
	}
	s.Zero(mon.DroppedReadings())
}

func (s *MonitorSuite) TestSlowErrorReaderReceivesEveryError() {
	mon := s.start(Options{})

	for i := 0; i < 50; i++ {
		s.radio.Notify(strapID, "2a37", []byte{})
	}

	received := 0
	for received < 50 {
		select {
		case err := <-mon.Errors():
			s.ErrorIs(err, heartrate.ErrEmptyPayload)
			received++
			time.Sleep(time.Millisecond)
		case <-time.After(2 * time.Second):
			s.FailNowf("decode errors MUST NOT be dropped", "received %d of 50", received)
		}
	}
}

func (s *MonitorSuite) TestCloseGivesUpOnUnreadErrors() {
	// GOAL: queued decode errors nobody reads do not block Close forever

	mon := s.start(Options{ErrorDrainTimeout: 50 * time.Millisecond})
	s.radio.Notify(strapID, "2a37", []byte{})
	s.radio.Notify(strapID, "2a37", []byte{})
	s.radio.Notify(strapID, "2a37", []byte{0x00, 0x3C})
	s.Eventually(func() bool { return len(s.collected()) == 1 }, 2*time.Second, 5*time.Millisecond,
		"the reading after the broken payloads MUST arrive, so both errors are queued")

	closed := make(chan struct{})
	go func() {
		_ = mon.Close()
		close(closed)
	}()
	testutils.WaitClosed(s.T(), closed, 2*time.Second, "Close MUST return after ErrorDrainTimeout")

	for range mon.Errors() {
	}
}

func (s *MonitorSuite) TestBoundedDisplayBufferDropsOldest() {
	// GOAL: with an explicit DisplayBuffer a slow display never blocks the radio; the oldest readings are dropped

	entered := make(chan struct{})
	release := make(chan struct{})
	var got []int
	var mu sync.Mutex
	first := true

	mon := s.start(Options{
		DisplayBuffer: 2,
		OnHeartRate: func(bpm int) {
			if first {
				first = false
				close(entered)
				<-release
			}
			mu.Lock()
			got = append(got, bpm)
			mu.Unlock()
		},
	})

	s.radio.Notify(strapID, "2a37", []byte{0x00, 1})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		s.FailNow("pump MUST pick up the first reading")
	}
	for v := 2; v <= 6; v++ {
		s.radio.Notify(strapID, "2a37", []byte{0x00, byte(v)})
	}
	s.Eventually(func() bool { return mon.DroppedReadings() == 3 }, time.Second, time.Millisecond)

	close(release)
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]int{1, 5, 6}, got, "MUST keep the newest readings")
}

func TestMonitorSuite(t *testing.T) {
	suite.Run(t, new(MonitorSuite))
}

func TestNew_RejectsInvalidTarget(t *testing.T) {
	_, err := New(context.Background(), testutils.NewFakeRadio(), Options{}, nil)
	require.Error(t, err)

	_, err = New(context.Background(), testutils.NewFakeRadio(),
		Options{Target: monitor.Target{Name: "a", Address: "b"}}, nil)
	assert.Error(t, err, "MUST reject both identifiers")

	_, err = New(context.Background(), testutils.NewFakeRadio(),
		Options{Target: monitor.Target{Name: "a"}, DisplayBuffer: -1}, nil)
	assert.ErrorContains(t, err, "must not be negative")
}

func TestNew_ContextCancelStops(t *testing.T) {
	radio := testutils.NewScriptedRadio(`{"peripherals": []}`)
	ctx, cancel := context.WithCancel(context.Background())

	mon, err := New(ctx, radio, Options{Target: monitor.Target{Name: "Target"}}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mon.State() == monitor.Scanning }, 2*time.Second, 5*time.Millisecond)
	cancel()

	testutils.WaitClosed(t, mon.Done(), 2*time.Second, "cancel MUST stop the monitor")
	assert.NoError(t, mon.Close())
	assert.True(t, radio.Closed())
}
