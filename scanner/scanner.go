package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the peripheral was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type     DeviceEventType
	Sighting Sighting
}

// Sighting aggregates every advertisement received from one peripheral.
type Sighting struct {
	Peripheral device.Peripheral
	FirstSeen  time.Time
	LastSeen   time.Time
	Count      int
}

// Scanner handles heart rate peripheral discovery
type Scanner struct {
	sightings *hashmap.Map[string, Sighting]
	events    *ringchan.RingChannel[DeviceEvent]
	logger    *logrus.Logger
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:     10 * time.Second,
		ServiceUUIDs: []string{device.HeartRateServiceUUID},
	}
}

// NewScanner creates a new scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		sightings: hashmap.New[string, Sighting](),
		events:    ringchan.New[DeviceEvent](100),
		logger:    logger,
	}
}

// Scan initializes radio, scans for opts.Duration and returns the sightings
// ordered by signal strength. The radio is closed before Scan returns.
// Cancelling ctx ends the scan early and still returns what was seen.
func (s *Scanner) Scan(ctx context.Context, radio device.Radio, opts *ScanOptions, progressCallback ProgressCallback) ([]Sighting, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := hashmap.New[string, Sighting]()
	s.sightings = seen

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	ready := make(chan error, 1)
	sink := func(ev device.Event) {
		switch e := ev.(type) {
		case device.AdapterStateChanged:
			select {
			case ready <- e.State.Err(e.Err):
			default:
			}
		case device.PeripheralDiscovered:
			s.handleSighting(seen, e.Peripheral, opts)
		}
	}

	progressCallback("Initializing")
	if err := radio.Init(scanCtx, sink); err != nil {
		_ = radio.Close()
		return nil, fmt.Errorf("failed to initialize radio: %w", err)
	}
	defer func() {
		if err := radio.Close(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to close radio")
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
	case <-scanCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bluetooth adapter did not power on: %w", device.ErrTimeout)
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	if err := radio.StartScan(opts.ServiceUUIDs); err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	progressCallback("Scanning")

	<-scanCtx.Done()
	if err := radio.StopScan(); err != nil {
		s.logger.WithField("error", err).Debug("Failed to stop scan")
	}

	s.logger.WithField("device_count", seen.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return snapshot(seen), nil
}

// handleSighting updates an existing or adds a new sighting
func (s *Scanner) handleSighting(seen *hashmap.Map[string, Sighting], p device.Peripheral, opts *ScanOptions) {
	key := strings.ToLower(p.ID)
	now := time.Now()

	sighting, existing := seen.Get(key)
	if existing {
		if p.Name == "" {
			p.Name = sighting.Peripheral.Name
		}
		if len(p.Services) == 0 {
			p.Services = sighting.Peripheral.Services
		}
		sighting.Peripheral = p
		sighting.LastSeen = now
		sighting.Count++
	} else {
		if !shouldInclude(p, opts) {
			return
		}
		sighting = Sighting{Peripheral: p, FirstSeen: now, LastSeen: now, Count: 1}
		s.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": p.ID,
			"rssi":    p.RSSI,
		}).Info("Discovered new device")
	}
	seen.Set(key, sighting)

	event := DeviceEvent{Type: EventNew, Sighting: sighting}
	if existing {
		event.Type = EventUpdated
	}
	s.events.Send(event)
}

// shouldInclude applies allow/block/service filters
func shouldInclude(p device.Peripheral, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(p.ID, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(p.ID, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			if p.Advertises(required) {
				return true
			}
		}
		return false
	}

	return true
}

func snapshot(seen *hashmap.Map[string, Sighting]) []Sighting {
	list := make([]Sighting, 0, seen.Len())
	seen.Range(func(_ string, v Sighting) bool {
		list = append(list, v)
		return true
	})
	sort.Slice(list, func(i, j int) bool {
		if list[i].Peripheral.RSSI != list[j].Peripheral.RSSI {
			return list[i].Peripheral.RSSI > list[j].Peripheral.RSSI
		}
		return list[i].Peripheral.ID < list[j].Peripheral.ID
	})
	return list
}

// Sightings returns a snapshot of the current or last scan.
func (s *Scanner) Sightings() []Sighting {
	return snapshot(s.sightings)
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
