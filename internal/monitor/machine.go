// Package monitor implements the heart rate discovery state machine: it drives
// a device.Radio from adapter power-on to a subscribed measurement
// characteristic and decodes every notification it receives.
//
// Events are processed one at a time by a single loop (Run). Handle is the
// transition function the loop calls; it is not safe for concurrent use.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrAlreadyRunning = errors.New("monitor: machine is already running")
	ErrStopped        = errors.New("monitor: machine stopped")
)

// Status is a point-in-time view of the machine, safe to read from any goroutine.
type Status struct {
	State            State
	Adapter          device.AdapterState
	Peripheral       *device.Peripheral
	PeripheralStatus device.ConnectionStatus
	Subscribed       int
	// HaltReason explains why forward progress stopped, if it did.
	HaltReason error
}

type characteristicDescriptor struct {
	handle     device.Characteristic
	subscribed bool
	lastValue  []byte
}

type serviceDescriptor struct {
	handle          device.Service
	characteristics *orderedmap.OrderedMap[string, *characteristicDescriptor]
}

// peripheralHandle is the single tracked peripheral and the GATT subtree
// discovered on it. services is nil unless the peripheral is connected.
type peripheralHandle struct {
	info     device.Peripheral
	status   device.ConnectionStatus
	services *orderedmap.OrderedMap[string, *serviceDescriptor]
}

// Machine is the discovery state machine. It owns its radio for its whole
// lifetime and closes it when the machine terminates.
type Machine struct {
	radio  device.Radio
	opts   Options
	logger *logrus.Logger

	events   chan device.Event
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	running  atomic.Bool
	release  sync.Once

	// Owned by the loop.
	state      State
	target     *peripheralHandle
	disconnect error

	statusMu sync.RWMutex
	status   Status
}

// New creates a machine in the AdapterInitializing state. Nothing happens
// until Run is called.
func New(radio device.Radio, opts Options, logger *logrus.Logger) (*Machine, error) {
	if radio == nil {
		return nil, fmt.Errorf("monitor: radio is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	return &Machine{
		radio:   radio,
		opts:    opts,
		logger:  logger,
		events:  make(chan device.Event, opts.QueueSize),
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
		state:   AdapterInitializing,
		status:  Status{State: AdapterInitializing},
	}, nil
}

// Run requests the adapter and then processes events until the machine
// reaches a terminal state, Stop is called, or ctx is cancelled.
// It returns an error wrapping device.ErrNotConnected if the peripheral
// dropped the link; nil otherwise.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.releaseRadio()

	fields := logrus.Fields{
		"target":  m.opts.Target.String(),
		"service": device.DescribeUUID(m.opts.ServiceUUID),
	}
	if name := groutine.GetName(ctx); name != "" {
		fields["goroutine"] = name
	}
	m.logger.WithFields(fields).Info("Requesting BLE adapter...")

	if err := m.radio.Init(ctx, m.sink(ctx)); err != nil {
		state := device.AdapterStateFromError(err)
		m.updateStatus(func(s *Status) { s.Adapter = state })
		m.halt(fmt.Errorf("adapter initialization failed: %w", err))
	}

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case <-m.stopReq:
			m.teardown()
			return nil
		case ev := <-m.events:
			m.Handle(ev)
			if m.state.Terminal() {
				if m.state == Disconnected {
					return fmt.Errorf("%w: %v", device.ErrNotConnected, m.disconnect)
				}
				return nil
			}
		}
	}
}

// Post queues an event for the loop. It blocks while the queue is full.
func (m *Machine) Post(ctx context.Context, ev device.Event) error {
	select {
	case m.events <- ev:
		return nil
	case <-m.done:
		return ErrStopped
	case <-m.stopReq:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) sink(ctx context.Context) device.EventSink {
	return func(ev device.Event) {
		if err := m.Post(ctx, ev); err != nil {
			m.logger.WithFields(logrus.Fields{
				"event": ev.String(),
				"error": err,
			}).Debug("Dropping radio event after shutdown")
		}
	}
}

// Stop asks the loop to tear the machine down. It does not wait; use Done.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stopReq) })
}

// Done is closed once the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// State returns the current state.
func (m *Machine) State() State {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status.State
}

// Snapshot returns a copy of the machine status.
func (m *Machine) Snapshot() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	s := m.status
	if s.Peripheral != nil {
		p := *s.Peripheral
		s.Peripheral = &p
	}
	return s
}

// Handle applies one event to the machine.
func (m *Machine) Handle(ev device.Event) {
	if m.state.Terminal() {
		return
	}

	m.logger.WithFields(logrus.Fields{
		"state": m.state.String(),
		"event": ev.String(),
	}).Debug("Handling radio event")

	switch e := ev.(type) {
	case device.AdapterStateChanged:
		m.onAdapterState(e)
	case device.PeripheralDiscovered:
		m.onPeripheralDiscovered(e)
	case device.Connected:
		m.onConnected(e)
	case device.ConnectFailed:
		m.onConnectFailed(e)
	case device.ServicesDiscovered:
		m.onServicesDiscovered(e)
	case device.CharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(e)
	case device.NotifyStateChanged:
		m.onNotifyStateChanged(e)
	case device.NotificationReceived:
		m.onNotification(e)
	case device.Disconnected:
		m.onDisconnected(e)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unknown radio event")
	}
}

func (m *Machine) onAdapterState(e device.AdapterStateChanged) {
	m.updateStatus(func(s *Status) { s.Adapter = e.State })

	if e.State != device.AdapterPoweredOn {
		fields := logrus.Fields{"adapter": e.State.String()}
		if e.Err != nil {
			fields["error"] = e.Err
		}
		m.logger.WithFields(fields).Warn("BLE adapter is not powered on")

		m.halt(e.State.Err(e.Err))
		return
	}

	if m.state != AdapterInitializing {
		return
	}

	m.logger.Info("BLE adapter is powered on")
	m.clearHalt()
	if err := m.radio.StartScan([]string{m.opts.ServiceUUID}); err != nil {
		m.halt(fmt.Errorf("failed to start scan: %w", err))
		return
	}
	m.transition(Scanning)
}

func (m *Machine) onPeripheralDiscovered(e device.PeripheralDiscovered) {
	if m.state != Scanning {
		return
	}

	if !m.opts.Target.Matches(e.Peripheral) {
		m.logger.WithFields(logrus.Fields{
			"peripheral": e.Peripheral.ID,
			"name":       e.Peripheral.Name,
			"rssi":       e.Peripheral.RSSI,
		}).Debug("Ignoring non-matching peripheral")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"peripheral": e.Peripheral.ID,
		"name":       e.Peripheral.Name,
		"rssi":       e.Peripheral.RSSI,
	}).Info("Found target peripheral")

	m.track(e.Peripheral)

	if err := m.radio.StopScan(); err != nil {
		m.logger.WithField("error", err).Warn("Failed to stop scan")
	}

	m.setPeripheralStatus(device.StatusConnecting)
	m.transition(Connecting)

	if err := m.radio.Connect(e.Peripheral); err != nil {
		m.connectFailed(e.Peripheral, err)
	}
}

func (m *Machine) onConnected(e device.Connected) {
	if m.state != Connecting || !m.isTracked(e.Peripheral) {
		return
	}

	m.logger.WithField("peripheral", e.Peripheral.ID).Info("Connected to heart rate monitor")

	m.target.services = orderedmap.New[string, *serviceDescriptor]()
	m.setPeripheralStatus(device.StatusConnected)
	m.transition(ServiceDiscovering)

	if err := m.radio.DiscoverServices(m.target.info, []string{m.opts.ServiceUUID}); err != nil {
		m.halt(fmt.Errorf("failed to discover services: %w", err))
	}
}

func (m *Machine) onConnectFailed(e device.ConnectFailed) {
	if m.state != Connecting || !m.isTracked(e.Peripheral) {
		return
	}
	m.connectFailed(e.Peripheral, e.Err)
}

func (m *Machine) connectFailed(p device.Peripheral, err error) {
	m.logger.WithFields(logrus.Fields{
		"peripheral": p.ID,
		"error":      err,
	}).Error("Failed to connect to peripheral")

	m.setPeripheralStatus(device.StatusDisconnected)
	m.halt(fmt.Errorf("failed to connect to %s: %w", p.ID, err))
}

func (m *Machine) onServicesDiscovered(e device.ServicesDiscovered) {
	if m.state != ServiceDiscovering || !m.isTracked(e.Peripheral) {
		return
	}

	if e.Err != nil {
		m.logger.WithField("error", e.Err).Error("Service discovery failed")
		m.halt(fmt.Errorf("service discovery failed: %w", e.Err))
		return
	}

	var found []*serviceDescriptor
	for _, svc := range e.Services {
		if svc == nil {
			continue
		}
		uuid := device.NormalizeUUID(svc.UUID())
		desc, ok := m.target.services.Get(uuid)
		if !ok {
			desc = &serviceDescriptor{
				handle:          svc,
				characteristics: orderedmap.New[string, *characteristicDescriptor](),
			}
			m.target.services.Set(uuid, desc)
		}
		m.logger.WithField("service_uuid", device.DescribeUUID(uuid)).Debug("Found service")
		found = append(found, desc)
	}

	if len(found) == 0 {
		m.logger.WithField("peripheral", e.Peripheral.ID).Warn("Peripheral returned no services")
		return
	}

	m.transition(CharacteristicDiscovering)

	for _, desc := range found {
		if err := m.radio.DiscoverCharacteristics(m.target.info, desc.handle); err != nil {
			m.logger.WithFields(logrus.Fields{
				"service_uuid": desc.handle.UUID(),
				"error":        err,
			}).Warn("Failed to request characteristic discovery")
		}
	}
}

func (m *Machine) onCharacteristicsDiscovered(e device.CharacteristicsDiscovered) {
	if (m.state != CharacteristicDiscovering && m.state != Subscribed) || !m.isTracked(e.Peripheral) {
		return
	}
	if e.Service == nil {
		return
	}

	svcUUID := device.NormalizeUUID(e.Service.UUID())
	svc, ok := m.target.services.Get(svcUUID)
	if !ok {
		m.logger.WithField("service_uuid", svcUUID).Debug("Characteristics for unknown service")
		return
	}

	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"service_uuid": svcUUID,
			"error":        e.Err,
		}).Warn("Characteristic discovery failed")
		return
	}

	requested := 0
	for _, char := range e.Characteristics {
		if char == nil {
			continue
		}
		charUUID := device.NormalizeUUID(char.UUID())
		desc, ok := svc.characteristics.Get(charUUID)
		if !ok {
			desc = &characteristicDescriptor{handle: char}
			svc.characteristics.Set(charUUID, desc)
		}

		if charUUID != m.opts.CharacteristicUUID || desc.subscribed {
			continue
		}

		fields := logrus.Fields{
			"service_uuid": svcUUID,
			"char_uuid":    device.DescribeUUID(charUUID),
		}
		if !char.CanNotify() {
			m.logger.WithFields(fields).Warn("Measurement characteristic does not advertise notify support")
		}

		if err := m.radio.SetNotify(m.target.info, char, true); err != nil {
			m.logger.WithFields(fields).WithField("error", err).Error("Failed to request notifications")
			continue
		}
		desc.subscribed = true
		requested++
		m.logger.WithFields(fields).Info("Requested measurement notifications")
	}

	if requested == 0 {
		m.logger.WithField("service_uuid", svcUUID).Debug("No measurement characteristic in service")
		return
	}

	m.updateStatus(func(s *Status) { s.Subscribed += requested })
	if m.state == CharacteristicDiscovering {
		m.transition(Subscribed)
	}
}

func (m *Machine) onNotifyStateChanged(e device.NotifyStateChanged) {
	if !m.isTracked(e.Peripheral) || m.target.services == nil || e.Characteristic == nil {
		return
	}

	desc := m.findCharacteristic(e.Characteristic)
	if desc == nil {
		return
	}

	fields := logrus.Fields{"char_uuid": device.DescribeUUID(e.Characteristic.UUID())}
	if e.Err != nil {
		m.logger.WithFields(fields).WithField("error", e.Err).Error("Peripheral rejected notification subscription")
		if !desc.subscribed {
			return
		}
		desc.subscribed = false
		remaining := 0
		m.updateStatus(func(s *Status) {
			s.Subscribed--
			remaining = s.Subscribed
		})
		if remaining == 0 {
			m.halt(fmt.Errorf("notification subscription rejected: %w", e.Err))
		}
		return
	}
	m.logger.WithFields(fields).WithField("enabled", e.Enabled).Debug("Notification state confirmed")
}

func (m *Machine) onNotification(e device.NotificationReceived) {
	if !m.isTracked(e.Peripheral) {
		return
	}

	charUUID := device.NormalizeUUID(e.CharacteristicUUID)
	if charUUID != m.opts.CharacteristicUUID {
		m.logger.WithFields(logrus.Fields{
			"peripheral": e.Peripheral.ID,
			"char_uuid":  e.CharacteristicUUID,
		}).Warn("Unknown characteristic")
		if m.opts.OnUnrecognized != nil {
			m.safeCall("OnUnrecognized", func() { m.opts.OnUnrecognized(e.Peripheral, e.CharacteristicUUID) })
		}
		return
	}

	if m.state != Subscribed {
		m.logger.WithField("state", m.state.String()).Debug("Dropping measurement received before subscription")
		return
	}

	if desc := m.measurementDescriptor(); desc != nil {
		desc.lastValue = append(desc.lastValue[:0], e.Value...)
	}

	bpm, err := m.opts.Decode(e.Value)
	if err != nil {
		m.logger.WithField("error", err).Warn("Failed to decode heart rate measurement")
		if m.opts.OnDecodeError != nil {
			m.safeCall("OnDecodeError", func() { m.opts.OnDecodeError(err) })
		}
		return
	}

	m.logger.WithField("bpm", bpm).Debug("Heart rate updated")
	if m.opts.OnHeartRate != nil {
		m.safeCall("OnHeartRate", func() { m.opts.OnHeartRate(bpm) })
	}
}

func (m *Machine) onDisconnected(e device.Disconnected) {
	if !m.isTracked(e.Peripheral) {
		return
	}

	fields := logrus.Fields{"peripheral": e.Peripheral.ID}
	if e.Err != nil {
		fields["error"] = e.Err
	}
	m.logger.WithFields(fields).Warn("Peripheral disconnected")

	m.disconnect = e.Err
	if m.disconnect == nil {
		m.disconnect = errors.New("peripheral closed the connection")
	}
	m.target.services = nil
	m.setPeripheralStatus(device.StatusDisconnected)
	m.updateStatus(func(s *Status) { s.Subscribed = 0 })
	m.transition(Disconnected)
}

// teardown releases everything the machine acquired, newest first.
func (m *Machine) teardown() {
	if m.state.Terminal() {
		return
	}

	m.logger.WithField("state", m.state.String()).Info("Stopping heart rate monitor...")

	if m.state == Scanning {
		if err := m.radio.StopScan(); err != nil {
			m.logger.WithField("error", err).Warn("Failed to stop scan")
		}
	}

	if m.target != nil && m.target.status != device.StatusDisconnected {
		if m.target.services != nil {
			for svc := m.target.services.Oldest(); svc != nil; svc = svc.Next() {
				for char := svc.Value.characteristics.Oldest(); char != nil; char = char.Next() {
					if !char.Value.subscribed {
						continue
					}
					if err := m.radio.SetNotify(m.target.info, char.Value.handle, false); err != nil {
						m.logger.WithFields(logrus.Fields{
							"char_uuid": char.Key,
							"error":     err,
						}).Warn("Failed to disable notifications")
					}
					char.Value.subscribed = false
				}
			}
		}
		if err := m.radio.Disconnect(m.target.info); err != nil {
			m.logger.WithField("error", err).Warn("Failed to disconnect peripheral")
		}
		m.target.services = nil
		m.setPeripheralStatus(device.StatusDisconnected)
	}

	m.updateStatus(func(s *Status) { s.Subscribed = 0 })
	m.transition(Stopped)
}

func (m *Machine) releaseRadio() {
	m.release.Do(func() {
		if err := m.radio.Close(); err != nil {
			m.logger.WithField("error", err).Warn("Failed to release BLE adapter")
		}
		m.finish()
	})
}

func (m *Machine) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.updateStatus(func(s *Status) { s.State = to })

	m.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("State transition")

	if m.opts.OnStateChange != nil {
		m.safeCall("OnStateChange", func() { m.opts.OnStateChange(from, to) })
	}
	if to.Terminal() {
		m.finish()
	}
}

// track replaces any previously tracked peripheral; the old subtree is discarded.
func (m *Machine) track(p device.Peripheral) {
	m.target = &peripheralHandle{info: p, status: device.StatusDiscovered}
	m.updateStatus(func(s *Status) {
		info := p
		s.Peripheral = &info
		s.PeripheralStatus = device.StatusDiscovered
	})
}

func (m *Machine) isTracked(p device.Peripheral) bool {
	return m.target != nil && m.target.info.SameAs(p)
}

func (m *Machine) setPeripheralStatus(status device.ConnectionStatus) {
	if m.target == nil {
		return
	}
	m.target.status = status
	m.updateStatus(func(s *Status) { s.PeripheralStatus = status })
}

func (m *Machine) findCharacteristic(char device.Characteristic) *characteristicDescriptor {
	svc, ok := m.target.services.Get(device.NormalizeUUID(char.ServiceUUID()))
	if !ok {
		return nil
	}
	desc, _ := svc.characteristics.Get(device.NormalizeUUID(char.UUID()))
	return desc
}

func (m *Machine) measurementDescriptor() *characteristicDescriptor {
	if m.target == nil || m.target.services == nil {
		return nil
	}
	for svc := m.target.services.Oldest(); svc != nil; svc = svc.Next() {
		if desc, ok := svc.Value.characteristics.Get(m.opts.CharacteristicUUID); ok && desc.subscribed {
			return desc
		}
	}
	return nil
}

func (m *Machine) halt(reason error) {
	m.logger.WithFields(logrus.Fields{
		"state":  m.state.String(),
		"reason": reason,
	}).Warn("Monitor halted")
	m.updateStatus(func(s *Status) { s.HaltReason = reason })
	if m.opts.OnHalt != nil {
		m.safeCall("OnHalt", func() { m.opts.OnHalt(reason) })
	}
}

func (m *Machine) clearHalt() {
	m.updateStatus(func(s *Status) { s.HaltReason = nil })
}

func (m *Machine) updateStatus(fn func(*Status)) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	fn(&m.status)
}

// safeCall keeps a panicking consumer callback from killing the event loop.
func (m *Machine) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"callback": name,
				"panic":    r,
			}).Error("Monitor callback panicked")
		}
	}()
	fn()
}
