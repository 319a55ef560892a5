// Package tinygo implements device.Radio on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Options configures the tinygo radio.
type Options struct {
	// ConnectTimeout bounds a single connect attempt. tinygo's Connect cannot
	// be cancelled, so a late success is disconnected immediately.
	ConnectTimeout time.Duration `default:"30s"`
}

// Radio is a device.Radio backed by the tinygo bluetooth default adapter.
type Radio struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  *logrus.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sink     device.EventSink
	enabled  bool
	scanning bool
	seen     map[string]bluetooth.Address
	links    map[string]*link
	closed   bool
}

type link struct {
	peripheral device.Peripheral
	device     bluetooth.Device
}

// NewRadio creates a radio on bluetooth.DefaultAdapter.
func NewRadio(opts Options, logger *logrus.Logger) *Radio {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		adapter: bluetooth.DefaultAdapter,
		opts:    opts,
		logger:  logger,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*link),
	}
}

func (r *Radio) Init(ctx context.Context, sink device.EventSink) error {
	r.mu.Lock()
	if r.sink != nil {
		r.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.sink = sink
	r.mu.Unlock()

	if err := r.adapter.Enable(); err != nil {
		err = NormalizeError(err)
		state := device.AdapterStateFromError(err)
		if state == device.AdapterUninitialized {
			state = device.AdapterUnsupported
		}
		r.logger.WithFields(logrus.Fields{
			"adapter": state.String(),
			"error":   err,
		}).Error("Failed to enable BLE adapter")
		r.emitAsync(device.AdapterStateChanged{State: state, Err: err})
		return nil
	}

	// Fired with connected=false when a peripheral drops the link.
	r.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToLower(d.Address.String())
		r.mu.Lock()
		l, ok := r.links[key]
		delete(r.links, key)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.logger.WithField("peripheral", l.peripheral.ID).Warn("BLE peripheral reported disconnection")
		r.emit(device.Disconnected{Peripheral: l.peripheral, Err: device.ErrNotConnected})
	})

	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()

	r.logger.Debug("BLE adapter enabled")
	r.emitAsync(device.AdapterStateChanged{State: device.AdapterPoweredOn})
	return nil
}

func (r *Radio) StartScan(serviceUUIDs []string) error {
	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	normalized := make([]string, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := ParseUUID(s)
		if err != nil {
			return err
		}
		filter = append(filter, u)
		normalized = append(normalized, device.NormalizeUUID(s))
	}

	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return device.ErrNotInitialized
	}
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	r.scanning = true
	r.mu.Unlock()

	r.logger.WithField("services", normalized).Info("Scanning for BLE peripherals...")

	groutine.Go(r.ctx, "tinygo-scan", func(ctx context.Context) {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			var advertised []string
			for i, u := range filter {
				if result.HasServiceUUID(u) {
					advertised = append(advertised, normalized[i])
				}
			}
			if len(filter) > 0 && len(advertised) == 0 {
				return
			}

			id := result.Address.String()
			r.mu.Lock()
			r.seen[strings.ToLower(id)] = result.Address
			r.mu.Unlock()

			r.emit(device.PeripheralDiscovered{Peripheral: device.Peripheral{
				ID:       id,
				Name:     result.LocalName(),
				RSSI:     int(result.RSSI),
				Services: advertised,
			}})
		})

		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			err = NormalizeError(err)
			r.logger.WithField("error", err).Error("Scan failed")
			if state := device.AdapterStateFromError(err); state != device.AdapterUninitialized {
				r.emit(device.AdapterStateChanged{State: state, Err: err})
			}
			return
		}
		r.logger.Debug("Scan finished")
	})
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()

	if !scanning {
		return nil
	}
	return NormalizeError(r.adapter.StopScan())
}

// Connect connects to a peripheral seen by the current scan, or parses p.ID
// as an address when it was never seen.
func (r *Radio) Connect(p device.Peripheral) error {
	key := strings.ToLower(p.ID)

	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return device.ErrNotInitialized
	}
	if _, ok := r.links[key]; ok {
		r.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	addr, ok := r.seen[key]
	r.mu.Unlock()

	if !ok {
		addr.Set(p.ID)
	}

	r.logger.WithFields(logrus.Fields{
		"peripheral": p.ID,
		"timeout":    r.opts.ConnectTimeout,
	}).Info("Connecting to BLE peripheral...")

	groutine.Go(r.ctx, "tinygo-connect", func(ctx context.Context) {
		type connectResult struct {
			device bluetooth.Device
			err    error
		}
		ch := make(chan connectResult, 1)
		groutine.Go(ctx, "tinygo-dial", func(context.Context) {
			d, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
			ch <- connectResult{device: d, err: err}
		})

		timer := time.NewTimer(r.opts.ConnectTimeout)
		defer timer.Stop()

		select {
		case res := <-ch:
			if res.err != nil {
				err := NormalizeError(res.err)
				r.logger.WithFields(logrus.Fields{
					"peripheral": p.ID,
					"error":      err,
				}).Error("Failed to connect to BLE peripheral")
				r.emit(device.ConnectFailed{Peripheral: p, Err: err})
				return
			}

			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				_ = res.device.Disconnect()
				return
			}
			r.links[key] = &link{peripheral: p, device: res.device}
			r.mu.Unlock()

			r.logger.WithField("peripheral", p.ID).Info("BLE peripheral connected")
			r.emit(device.Connected{Peripheral: p})

		case <-timer.C:
			r.emit(device.ConnectFailed{Peripheral: p, Err: fmt.Errorf("%w: connect to %s", device.ErrTimeout, p.ID)})
			groutine.Go(context.Background(), "tinygo-late-connect", func(context.Context) {
				if res := <-ch; res.err == nil {
					_ = res.device.Disconnect()
				}
			})

		case <-ctx.Done():
		}
	})
	return nil
}

func (r *Radio) DiscoverServices(p device.Peripheral, filter []string) error {
	l, err := r.link(p)
	if err != nil {
		return err
	}

	uuids := make([]bluetooth.UUID, 0, len(filter))
	for _, s := range filter {
		u, err := ParseUUID(s)
		if err != nil {
			return err
		}
		uuids = append(uuids, u)
	}
	if len(uuids) == 0 {
		uuids = nil
	}

	groutine.Go(r.ctx, "tinygo-discover-services", func(context.Context) {
		svcs, err := l.device.DiscoverServices(uuids)
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithField("error", err).Error("Failed to discover services")
			r.emit(device.ServicesDiscovered{Peripheral: p, Err: err})
			return
		}

		services := make([]device.Service, 0, len(svcs))
		for i := range svcs {
			s := &Service{svc: &svcs[i], uuid: device.NormalizeUUID(svcs[i].UUID().String())}
			r.logger.WithField("service_uuid", s.uuid).Debug("Found service UUID")
			services = append(services, s)
		}
		r.emit(device.ServicesDiscovered{Peripheral: p, Services: services})
	})
	return nil
}

func (r *Radio) DiscoverCharacteristics(p device.Peripheral, svc device.Service) error {
	if _, err := r.link(p); err != nil {
		return err
	}
	s, ok := svc.(*Service)
	if !ok || s == nil {
		return &device.NotFoundError{Resource: "service"}
	}

	groutine.Go(r.ctx, "tinygo-discover-characteristics", func(context.Context) {
		chars, err := s.svc.DiscoverCharacteristics(nil)
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithFields(logrus.Fields{
				"service_uuid": s.uuid,
				"error":        err,
			}).Error("Failed to discover characteristics")
			r.emit(device.CharacteristicsDiscovered{Peripheral: p, Service: s, Err: err})
			return
		}

		result := make([]device.Characteristic, 0, len(chars))
		for i := range chars {
			c := &Characteristic{
				char:        &chars[i],
				uuid:        device.NormalizeUUID(chars[i].UUID().String()),
				serviceUUID: s.uuid,
			}
			r.logger.WithFields(logrus.Fields{
				"service_uuid": s.uuid,
				"char_uuid":    c.uuid,
			}).Debug("Found characteristic UUID")
			result = append(result, c)
		}
		r.emit(device.CharacteristicsDiscovered{Peripheral: p, Service: s, Characteristics: result})
	})
	return nil
}

// SetNotify subscribes to (or unsubscribes from) value updates. Enabling runs
// in the background; disabling is synchronous so a following Disconnect cannot
// overtake it.
func (r *Radio) SetNotify(p device.Peripheral, char device.Characteristic, enable bool) error {
	if _, err := r.link(p); err != nil {
		return err
	}
	c, ok := char.(*Characteristic)
	if !ok || c == nil || c.char == nil {
		return &device.NotFoundError{Resource: "characteristic"}
	}

	if !enable {
		err := NormalizeError(c.char.EnableNotifications(nil))
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"char_uuid": c.uuid,
				"error":     err,
			}).Warn("Failed to disable notifications")
		}
		r.emitAsync(device.NotifyStateChanged{Peripheral: p, Characteristic: c, Enabled: false, Err: err})
		return nil
	}

	handler := func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		r.emit(device.NotificationReceived{Peripheral: p, CharacteristicUUID: c.uuid, Value: value})
	}

	groutine.Go(r.ctx, "tinygo-set-notify", func(context.Context) {
		err := NormalizeError(c.char.EnableNotifications(handler))
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"char_uuid": c.uuid,
				"error":     err,
			}).Error("Failed to enable notifications")
		}
		r.emit(device.NotifyStateChanged{Peripheral: p, Characteristic: c, Enabled: true, Err: err})
	})
	return nil
}

func (r *Radio) Disconnect(p device.Peripheral) error {
	key := strings.ToLower(p.ID)

	r.mu.Lock()
	l, ok := r.links[key]
	delete(r.links, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.WithField("peripheral", p.ID).Info("Disconnecting BLE peripheral...")
	return NormalizeError(l.device.Disconnect())
}

// Close stops scanning and disconnects every link. The default adapter
// itself stays enabled; tinygo offers no way to release it.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	links := r.links
	r.links = make(map[string]*link)
	scanning := r.scanning
	cancel := r.cancel
	r.sink = nil
	r.mu.Unlock()

	var errs []error
	if scanning {
		if err := r.adapter.StopScan(); err != nil {
			errs = append(errs, fmt.Errorf("stop scan: %w", err))
		}
	}
	for _, l := range links {
		if err := l.device.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", l.peripheral.ID, err))
		}
	}
	if cancel != nil {
		cancel()
	}
	return errors.Join(errs...)
}

func (r *Radio) link(p device.Peripheral) (*link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[strings.ToLower(p.ID)]
	if !ok {
		return nil, &device.ConnectionError{State: device.NotConnected, Msg: p.ID}
	}
	return l, nil
}

func (r *Radio) emit(ev device.Event) {
	r.mu.Lock()
	sink := r.sink
	closed := r.closed
	r.mu.Unlock()

	if closed || sink == nil {
		return
	}
	sink(ev)
}

func (r *Radio) emitAsync(ev device.Event) {
	groutine.Go(context.Background(), "tinygo-emit", func(context.Context) {
		r.emit(ev)
	})
}

// ParseUUID converts any accepted UUID spelling to a bluetooth.UUID.
// 16-bit forms expand onto the SIG base UUID.
func ParseUUID(s string) (bluetooth.UUID, error) {
	n := device.NormalizeUUID(s)
	switch len(n) {
	case 4:
		v, err := strconv.ParseUint(n, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	case 32:
		return bluetooth.ParseUUID(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32])
	default:
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", s)
	}
}

// NormalizeError maps BlueZ and CoreBluetooth error strings to the device taxonomy.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "not powered"),
		strings.Contains(msg, "org.bluez.error.notready"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "org.freedesktop.dbus.error.accessdenied"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "no bluetooth adapter"),
		strings.Contains(msg, "serviceunknown"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}
