// Package goble implements device.Radio on top of github.com/go-ble/ble.
//
// go-ble exposes blocking calls. Every command runs its blocking work on a
// named goroutine and reports the result as a device.Event on the sink bound
// by Init, so the caller's event loop is never blocked by the radio.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/groutine"
)

// Options configures the go-ble radio.
type Options struct {
	// ConnectTimeout bounds a single Dial.
	ConnectTimeout time.Duration `default:"30s"`
	// AllowDuplicates reports every advertisement instead of the first per peripheral.
	AllowDuplicates bool `default:"false"`
}

// Radio is a device.Radio backed by a go-ble central.
type Radio struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sink       device.EventSink
	central    Central
	scanCancel context.CancelFunc
	links      map[string]*link
	closed     bool
}

// link is one established connection.
type link struct {
	peripheral device.Peripheral
	client     GATTClient
	cancel     context.CancelFunc
}

// NewRadio creates an uninitialized radio. Nothing touches the adapter until Init.
func NewRadio(opts Options, logger *logrus.Logger) *Radio {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		opts:   opts,
		logger: logger,
		links:  make(map[string]*link),
	}
}

// Init creates the platform central through DeviceFactory and reports the
// resulting adapter state. A central that cannot be created is reported as an
// AdapterStateChanged event, not as an error.
func (r *Radio) Init(ctx context.Context, sink device.EventSink) error {
	r.mu.Lock()
	if r.sink != nil {
		r.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.sink = sink
	r.mu.Unlock()

	central, err := DeviceFactory()
	if err != nil {
		err = NormalizeError(err)
		state := device.AdapterStateFromError(err)
		if state == device.AdapterUninitialized {
			state = device.AdapterUnsupported
		}
		r.logger.WithFields(logrus.Fields{
			"adapter": state.String(),
			"error":   err,
		}).Error("Failed to create BLE device")
		r.emitAsync(device.AdapterStateChanged{State: state, Err: err})
		return nil
	}

	r.mu.Lock()
	r.central = central
	r.mu.Unlock()

	r.logger.Debug("BLE central created")
	r.emitAsync(device.AdapterStateChanged{State: device.AdapterPoweredOn})
	return nil
}

// StartScan scans until StopScan or Close. Advertisements not listing any of
// serviceUUIDs are dropped; an empty list reports every advertisement.
func (r *Radio) StartScan(serviceUUIDs []string) error {
	var filter []string
	if len(serviceUUIDs) > 0 {
		var err error
		if filter, err = device.ValidateUUID(serviceUUIDs...); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.central == nil {
		return device.ErrNotInitialized
	}
	if r.scanCancel != nil {
		r.scanCancel()
	}

	scanCtx, cancel := context.WithCancel(r.ctx)
	r.scanCancel = cancel
	central := r.central

	r.logger.WithField("services", filter).Info("Scanning for BLE peripherals...")

	groutine.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		handler := func(adv ble.Advertisement) {
			p := PeripheralFromAdvertisement(adv)
			if len(filter) > 0 && !advertisesAny(p, filter) {
				return
			}
			r.emit(device.PeripheralDiscovered{Peripheral: p})
		}

		err := central.Scan(ctx, r.opts.AllowDuplicates, handler)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			r.logger.Debug("Scan finished")
			return
		}

		err = NormalizeError(err)
		r.logger.WithField("error", err).Error("Scan failed")
		if state := device.AdapterStateFromError(err); state != device.AdapterUninitialized {
			r.emit(device.AdapterStateChanged{State: state, Err: err})
		}
	})
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
		r.logger.Debug("Scan stopped")
	}
	return nil
}

// Connect dials p.ID. The outcome is reported as Connected or ConnectFailed;
// a later link loss is reported as Disconnected.
func (r *Radio) Connect(p device.Peripheral) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.central == nil {
		return device.ErrNotInitialized
	}
	key := linkKey(p.ID)
	if _, ok := r.links[key]; ok {
		return device.ErrAlreadyConnected
	}

	central := r.central
	parent := r.ctx

	r.logger.WithFields(logrus.Fields{
		"peripheral": p.ID,
		"timeout":    r.opts.ConnectTimeout,
	}).Info("Connecting to BLE peripheral...")

	groutine.Go(parent, "goble-connect", func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
		defer cancel()

		client, err := central.Dial(dialCtx, ble.NewAddr(p.ID))
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithFields(logrus.Fields{
				"peripheral": p.ID,
				"error":      err,
			}).Error("Failed to dial BLE peripheral")
			r.emit(device.ConnectFailed{Peripheral: p, Err: err})
			return
		}

		linkCtx, linkCancel := context.WithCancel(parent)
		l := &link{peripheral: p, client: client, cancel: linkCancel}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			linkCancel()
			_ = client.CancelConnection()
			return
		}
		r.links[key] = l
		r.mu.Unlock()

		r.logger.WithField("peripheral", p.ID).Info("BLE peripheral connected")
		r.emit(device.Connected{Peripheral: p})
		r.watch(linkCtx, key, l)
	})
	return nil
}

// watch reports a link loss signalled by the client.
func (r *Radio) watch(ctx context.Context, key string, l *link) {
	groutine.Go(ctx, "goble-link-monitor", func(ctx context.Context) {
		select {
		case <-l.client.Disconnected():
			r.mu.Lock()
			current, ok := r.links[key]
			if ok && current == l {
				delete(r.links, key)
			}
			r.mu.Unlock()
			if !ok || current != l {
				return
			}

			r.logger.WithField("peripheral", l.peripheral.ID).Warn("BLE peripheral reported disconnection")
			l.cancel()
			r.emit(device.Disconnected{Peripheral: l.peripheral, Err: device.ErrNotConnected})
		case <-ctx.Done():
		}
	})
}

func (r *Radio) DiscoverServices(p device.Peripheral, filter []string) error {
	l, err := r.link(p)
	if err != nil {
		return err
	}

	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	groutine.Go(r.ctx, "goble-discover-services", func(ctx context.Context) {
		bleServices, err := l.client.DiscoverServices(uuids)
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithFields(logrus.Fields{
				"peripheral": p.ID,
				"error":      err,
			}).Error("Failed to discover services")
			r.emit(device.ServicesDiscovered{Peripheral: p, Err: err})
			return
		}

		services := make([]device.Service, 0, len(bleServices))
		for _, s := range bleServices {
			if s == nil {
				continue
			}
			r.logger.WithField("service_uuid", s.UUID.String()).Debug("Found service UUID")
			services = append(services, newService(s))
		}
		r.emit(device.ServicesDiscovered{Peripheral: p, Services: services})
	})
	return nil
}

func (r *Radio) DiscoverCharacteristics(p device.Peripheral, svc device.Service) error {
	l, err := r.link(p)
	if err != nil {
		return err
	}

	s, ok := svc.(*Service)
	if !ok || s == nil {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{uuidOf(svc)}}
	}

	groutine.Go(r.ctx, "goble-discover-characteristics", func(ctx context.Context) {
		bleChars, err := l.client.DiscoverCharacteristics(nil, s.svc)
		if err != nil {
			err = NormalizeError(err)
			r.logger.WithFields(logrus.Fields{
				"service_uuid": s.uuid,
				"error":        err,
			}).Error("Failed to discover characteristics")
			r.emit(device.CharacteristicsDiscovered{Peripheral: p, Service: s, Err: err})
			return
		}

		chars := make([]device.Characteristic, 0, len(bleChars))
		for _, c := range bleChars {
			if c == nil {
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"service_uuid": s.uuid,
				"char_uuid":    c.UUID.String(),
			}).Debug("Found characteristic UUID")
			chars = append(chars, newCharacteristic(c, s.uuid))
		}
		r.emit(device.CharacteristicsDiscovered{Peripheral: p, Service: s, Characteristics: chars})
	})
	return nil
}

// SetNotify subscribes to (or unsubscribes from) value updates. Enabling runs
// in the background; disabling is synchronous so a following Disconnect cannot
// overtake it.
func (r *Radio) SetNotify(p device.Peripheral, char device.Characteristic, enable bool) error {
	l, err := r.link(p)
	if err != nil {
		return err
	}

	c, ok := char.(*Characteristic)
	if !ok || c == nil {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuidOf(char)}}
	}

	if !enable {
		err := NormalizeError(l.client.Unsubscribe(c.char, c.indicate()))
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"char_uuid": c.uuid,
				"error":     err,
			}).Warn("Failed to unsubscribe")
		}
		r.emitAsync(device.NotifyStateChanged{Peripheral: p, Characteristic: c, Enabled: false, Err: err})
		return nil
	}

	groutine.Go(r.ctx, "goble-subscribe", func(ctx context.Context) {
		// CCCD handles are only known after descriptor discovery on Linux.
		if c.char.CCCD == nil {
			if _, err := l.client.DiscoverDescriptors(nil, c.char); err != nil {
				r.logger.WithFields(logrus.Fields{
					"char_uuid": c.uuid,
					"error":     err,
				}).Debug("Descriptor discovery failed, subscribing anyway")
			}
		}

		handler := func(data []byte) {
			value := make([]byte, len(data))
			copy(value, data)
			r.emit(device.NotificationReceived{Peripheral: p, CharacteristicUUID: c.uuid, Value: value})
		}

		err := NormalizeError(l.client.Subscribe(c.char, c.indicate(), handler))
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"char_uuid": c.uuid,
				"error":     err,
			}).Error("Failed to subscribe")
		} else {
			r.logger.WithField("char_uuid", c.uuid).Info("Subscribed to notifications")
		}
		r.emit(device.NotifyStateChanged{Peripheral: p, Characteristic: c, Enabled: true, Err: err})
	})
	return nil
}

// Disconnect releases the link to p. No Disconnected event is reported for a
// link released this way.
func (r *Radio) Disconnect(p device.Peripheral) error {
	key := linkKey(p.ID)

	r.mu.Lock()
	l, ok := r.links[key]
	delete(r.links, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	l.cancel()
	r.logger.WithField("peripheral", p.ID).Info("Disconnecting BLE peripheral...")
	if err := l.client.CancelConnection(); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Close disconnects every link, stops the central and detaches the sink.
func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	links := r.links
	r.links = make(map[string]*link)
	central := r.central
	cancel := r.cancel
	r.sink = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	for _, l := range links {
		l.cancel()
		if err := l.client.CancelConnection(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", l.peripheral.ID, NormalizeError(err)))
		}
	}
	if central != nil {
		if err := central.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop central: %w", err))
		}
	}
	r.logger.Debug("BLE radio closed")
	return errors.Join(errs...)
}

func (r *Radio) link(p device.Peripheral) (*link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[linkKey(p.ID)]
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

// emitAsync reports from a goroutine of its own; commands may be issued from
// the same goroutine that drains the sink.
func (r *Radio) emitAsync(ev device.Event) {
	groutine.Go(context.Background(), "goble-emit", func(context.Context) {
		r.emit(ev)
	})
}

func linkKey(id string) string {
	return strings.ToLower(id)
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

func advertisesAny(p device.Peripheral, uuids []string) bool {
	for _, u := range uuids {
		if p.Advertises(u) {
			return true
		}
	}
	return false
}

func uuidOf(v interface{ UUID() string }) string {
	if v == nil {
		return ""
	}
	return v.UUID()
}
