package heartrate

import (
	"encoding/binary"
	"fmt"
)

const (
	flagContactDetected  = 0x02
	flagContactSupported = 0x04
	flagEnergyExpended   = 0x08
	flagRRIntervals      = 0x10
)

// SensorContact is the skin contact status reported in the flags byte.
type SensorContact struct {
	Supported bool
	Detected  bool
}

// Measurement is a fully parsed Heart Rate Measurement.
type Measurement struct {
	BPM            int
	WideFormat     bool
	Contact        SensorContact
	EnergyExpended *int  // kJ, nil when not present
	RRIntervals    []int // 1/1024 s units
}

// RRIntervalsMs returns the RR intervals converted to milliseconds.
func (m Measurement) RRIntervalsMs() []int {
	ms := make([]int, len(m.RRIntervals))
	for i, rr := range m.RRIntervals {
		ms[i] = int(float64(rr) / 1024.0 * 1000.0)
	}
	return ms
}

func (m Measurement) String() string {
	s := fmt.Sprintf("Heart rate: %d", m.BPM)
	if m.Contact.Supported {
		s += fmt.Sprintf(", contact: %t", m.Contact.Detected)
	}
	if m.EnergyExpended != nil {
		s += fmt.Sprintf(", energy: %d kJ", *m.EnergyExpended)
	}
	if len(m.RRIntervals) > 0 {
		s += fmt.Sprintf(", RR interval(s): %v ms", m.RRIntervalsMs())
	}
	return s
}

// ParseMeasurement decodes every field of a 0x2A37 payload following the
// Bluetooth SIG layout: flags, uint8/uint16 value, optional energy expended,
// optional RR intervals.
func ParseMeasurement(raw []byte) (Measurement, error) {
	if len(raw) == 0 {
		return Measurement{}, malformed(raw, ErrEmptyPayload, "")
	}

	flags := raw[0]
	m := Measurement{
		WideFormat: flags&flagValueFormat != 0,
		Contact: SensorContact{
			Supported: flags&flagContactSupported != 0,
			Detected:  flags&flagContactSupported != 0 && flags&flagContactDetected != 0,
		},
	}

	offset := 1
	if m.WideFormat {
		if len(raw) < offset+2 {
			return Measurement{}, malformed(raw, ErrTruncatedPayload, "uint16 heart rate value")
		}
		m.BPM = int(binary.LittleEndian.Uint16(raw[offset:]))
		offset += 2
	} else {
		if len(raw) < offset+1 {
			return Measurement{}, malformed(raw, ErrTruncatedPayload, "uint8 heart rate value")
		}
		m.BPM = int(raw[offset])
		offset++
	}

	if flags&flagEnergyExpended != 0 {
		if len(raw) < offset+2 {
			return Measurement{}, malformed(raw, ErrTruncatedPayload, "energy expended")
		}
		energy := int(binary.LittleEndian.Uint16(raw[offset:]))
		m.EnergyExpended = &energy
		offset += 2
	}

	if flags&flagRRIntervals != 0 {
		if (len(raw)-offset)%2 != 0 {
			return Measurement{}, malformed(raw, ErrTruncatedPayload, "odd RR interval byte count")
		}
		m.RRIntervals = make([]int, 0, (len(raw)-offset)/2)
		for ; offset < len(raw); offset += 2 {
			m.RRIntervals = append(m.RRIntervals, int(binary.LittleEndian.Uint16(raw[offset:])))
		}
	}

	return m, nil
}
