// Package heartmonitor is the entry point for consumers: it owns one discovery
// state machine and hands decoded heart rate values to the consumer on a
// goroutine of its own.
//
//	mon, err := heartmonitor.New(ctx, radio, heartmonitor.Options{
//	    Target:      monitor.Target{Name: "Polar H10 12345"},
//	    OnHeartRate: func(bpm int) { fmt.Println(bpm) },
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	defer mon.Close()
//	<-mon.Done()
package heartmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/groutine"
	"github.com/srg/pulsemon/internal/heartrate"
	"github.com/srg/pulsemon/internal/monitor"
	"github.com/srg/pulsemon/internal/ringchan"
)

// Reading is one decoded measurement.
type Reading struct {
	BPM int
	At  time.Time
}

// Options configures a Monitor.
type Options struct {
	Target monitor.Target

	// Empty UUIDs fall back to the heart rate service and measurement characteristic.
	ServiceUUID        string
	CharacteristicUUID string

	Variant heartrate.Variant

	QueueSize int `default:"256"`
	// DisplayBuffer, when positive, bounds readings waiting for OnHeartRate and
	// drops the oldest one when full. Zero queues every reading.
	DisplayBuffer int `default:"0"`
	// ErrorBuffer is DisplayBuffer for decode errors waiting on Errors().
	ErrorBuffer int `default:"0"`
	// ErrorDrainTimeout is how long Close waits for a consumer to receive the
	// decode errors still queued; the rest are discarded.
	ErrorDrainTimeout time.Duration `default:"1s"`

	// OnHeartRate is invoked once per decoded payload, in order, on the
	// monitor's consumer goroutine.
	OnHeartRate func(bpm int)
	// OnReading is like OnHeartRate but carries the receive time.
	OnReading func(Reading)
	// OnStateChange is invoked on the event loop after every transition.
	OnStateChange func(from, to monitor.State)
	// OnUnrecognized is invoked on the event loop for notifications from other characteristics.
	OnUnrecognized func(p device.Peripheral, charUUID string)
	// OnHalt is invoked on the event loop when discovery stalls; see Status().HaltReason.
	OnHalt func(reason error)
}

// backlogWarnEvery is how many queued readings trigger a "falling behind" warning.
const backlogWarnEvery = 64

// handoff is the buffer between the event loop and a consumer goroutine.
// Send must never block.
type handoff[T any] interface {
	Send(v T) (dropped bool)
	Receive() (T, bool)
	Len() int
	Close()
	GetMetrics() ringchan.Metrics
}

func newHandoff[T any](size int) handoff[T] {
	if size > 0 {
		return ringchan.New[T](size)
	}
	return ringchan.NewQueue[T]()
}

// Monitor connects to one heart rate peripheral and streams its readings.
type Monitor struct {
	machine *monitor.Machine
	logger  *logrus.Logger
	opts    Options

	readings handoff[Reading]
	errs     handoff[error]
	errOut   chan error
	abandon  chan struct{}

	cancel      context.CancelFunc
	loopDone    <-chan struct{}
	pumpDone    <-chan struct{}
	errPumpDone <-chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	runErr    error
}

// New validates opts, builds the state machine on radio and starts it. The
// radio is owned by the monitor from here on and is released by Close or when
// ctx is cancelled.
func New(ctx context.Context, radio device.Radio, opts Options, logger *logrus.Logger) (*Monitor, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	if opts.DisplayBuffer < 0 || opts.ErrorBuffer < 0 {
		return nil, fmt.Errorf("display and error buffers must not be negative (got %d, %d)",
			opts.DisplayBuffer, opts.ErrorBuffer)
	}

	m := &Monitor{
		logger:   logger,
		opts:     opts,
		readings: newHandoff[Reading](opts.DisplayBuffer),
		errs:     newHandoff[error](opts.ErrorBuffer),
		errOut:   make(chan error),
		abandon:  make(chan struct{}),
	}

	machine, err := monitor.New(radio, monitor.Options{
		Target:             opts.Target,
		ServiceUUID:        opts.ServiceUUID,
		CharacteristicUUID: opts.CharacteristicUUID,
		QueueSize:          opts.QueueSize,
		Decode:             opts.Variant.Decoder(),
		OnHeartRate:        m.handOff,
		OnDecodeError:      m.reportDecodeError,
		OnUnrecognized:     opts.OnUnrecognized,
		OnStateChange:      opts.OnStateChange,
		OnHalt:             opts.OnHalt,
	}, logger)
	if err != nil {
		return nil, err
	}
	m.machine = machine

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.pumpDone = groutine.Go(runCtx, "heartmonitor-pump", func(context.Context) {
		m.pump()
	})
	m.errPumpDone = groutine.Go(runCtx, "heartmonitor-errors", func(context.Context) {
		m.forwardErrors()
	})
	m.loopDone = groutine.Go(runCtx, "heartmonitor-loop", func(ctx context.Context) {
		err := machine.Run(ctx)
		m.mu.Lock()
		m.runErr = err
		m.mu.Unlock()
		if err != nil {
			m.logger.WithField("error", err).Warn("Heart rate monitor stopped")
		}
		m.readings.Close()
		m.errs.Close()
	})

	return m, nil
}

// handOff runs on the event loop and must never block it.
func (m *Monitor) handOff(bpm int) {
	if dropped := m.readings.Send(Reading{BPM: bpm, At: time.Now()}); dropped {
		m.logger.WithField("bpm", bpm).Debug("Display is behind, dropped oldest reading")
		return
	}
	if backlog := m.readings.Len(); backlog > 0 && backlog%backlogWarnEvery == 0 {
		m.logger.WithField("backlog", backlog).Warn("Display is falling behind the strap")
	}
}

func (m *Monitor) reportDecodeError(err error) {
	if dropped := m.errs.Send(err); dropped {
		m.logger.WithField("error", err).Debug("Errors() is behind, dropped oldest decode error")
	}
}

// forwardErrors moves queued decode errors to Errors() and closes it once the
// queue is closed and drained, or when Close gives up waiting for a reader.
func (m *Monitor) forwardErrors() {
	defer close(m.errOut)
	for {
		err, ok := m.errs.Receive()
		if !ok {
			return
		}
		select {
		case m.errOut <- err:
		case <-m.abandon:
			m.logger.WithField("pending", m.errs.Len()+1).Debug("Nobody is reading Errors(), discarding decode errors")
			return
		}
	}
}

func (m *Monitor) pump() {
	for {
		r, ok := m.readings.Receive()
		if !ok {
			return
		}
		if m.opts.OnReading != nil {
			m.opts.OnReading(r)
		}
		if m.opts.OnHeartRate != nil {
			m.opts.OnHeartRate(r.BPM)
		}
	}
}

// Errors delivers payloads that failed to decode, in order. It is closed
// after the monitor stops and every queued error was received, or when Close
// times out waiting for a reader.
func (m *Monitor) Errors() <-chan error {
	return m.errOut
}

// State returns the state machine's current state.
func (m *Monitor) State() monitor.State {
	return m.machine.State()
}

// Status returns a snapshot of the state machine.
func (m *Monitor) Status() monitor.Status {
	return m.machine.Snapshot()
}

// Done is closed when the monitor reaches a terminal state.
func (m *Monitor) Done() <-chan struct{} {
	return m.machine.Done()
}

// Err returns why the event loop ended: nil after Close or cancellation, an
// error wrapping device.ErrNotConnected if the peripheral dropped the link.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// DroppedReadings counts readings discarded because the consumer fell behind.
// Always zero unless Options.DisplayBuffer is positive.
func (m *Monitor) DroppedReadings() int64 {
	return m.readings.GetMetrics().Overwritten
}

// Close tears the state machine down, waits for every queued reading to be
// delivered and releases the radio. Queued decode errors are offered on
// Errors() for up to ErrorDrainTimeout. It is safe to call more than once.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.machine.Stop()
		<-m.loopDone
		<-m.pumpDone

		timer := time.NewTimer(m.opts.ErrorDrainTimeout)
		defer timer.Stop()
		select {
		case <-m.errPumpDone:
		case <-timer.C:
			close(m.abandon)
			<-m.errPumpDone
		}
		m.cancel()
	})
	return nil
}
