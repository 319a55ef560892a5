// Package heartrate decodes Heart Rate Measurement (0x2A37) payloads.
package heartrate

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// flagValueFormat is bit 0 of the flags byte: 0 = single-byte value, 1 = multi-byte value.
const flagValueFormat = 0x01

// maxValueBytes is the longest multi-byte payload whose positional sum fits an int.
const maxValueBytes = 8

var (
	ErrEmptyPayload     = errors.New("empty payload")
	ErrTruncatedPayload = errors.New("truncated payload")
	ErrPayloadTooLong   = errors.New("payload too long")
)

// MalformedPayloadError reports a payload that cannot be decoded.
// It unwraps to one of the Err*Payload sentinels.
type MalformedPayloadError struct {
	Reason  error
	Payload []byte
	Detail  string
}

func (e *MalformedPayloadError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("malformed heart rate payload % x: %v", e.Payload, e.Reason)
	}
	return fmt.Sprintf("malformed heart rate payload % x: %v: %s", e.Payload, e.Reason, e.Detail)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Reason
}

func malformed(raw []byte, reason error, detail string) error {
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return &MalformedPayloadError{Reason: reason, Payload: payload, Detail: detail}
}

// Decode returns the measurement value carried by raw.
//
// With the format flag clear the value is raw[1]. With the flag set the value is
// the little-endian base-256 sum of every byte in the payload, the flags byte
// included (raw[0]*256^0 + raw[1]*256^1 + ...).
func Decode(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, malformed(raw, ErrEmptyPayload, "")
	}

	if raw[0]&flagValueFormat == 0 {
		return decodeShort(raw)
	}
	return sumLittleEndian(raw, raw)
}

// DecodeStandard is the Bluetooth SIG reading of the same payload: with the
// format flag set, the value is little-endian over the bytes after the flags byte.
func DecodeStandard(raw []byte) (int, error) {
	if len(raw) == 0 {
		return 0, malformed(raw, ErrEmptyPayload, "")
	}

	if raw[0]&flagValueFormat == 0 {
		return decodeShort(raw)
	}
	if len(raw) < 2 {
		return 0, malformed(raw, ErrTruncatedPayload, "multi-byte format without value bytes")
	}
	return sumLittleEndian(raw, raw[1:])
}

func decodeShort(raw []byte) (int, error) {
	if len(raw) < 2 {
		return 0, malformed(raw, ErrTruncatedPayload, "short format without value byte")
	}
	return int(raw[1]), nil
}

func sumLittleEndian(raw, value []byte) (int, error) {
	if len(value) > maxValueBytes {
		return 0, malformed(raw, ErrPayloadTooLong, fmt.Sprintf("%d value bytes", len(value)))
	}

	var sum uint64
	for i, b := range value {
		sum |= uint64(b) << (8 * uint(i))
	}
	if sum > math.MaxInt {
		return 0, malformed(raw, ErrPayloadTooLong, "value overflows int")
	}
	return int(sum), nil
}

// Variant selects which decoding rule applies to multi-byte payloads.
type Variant int

const (
	// Literal sums every byte, flags byte included.
	Literal Variant = iota
	// Standard sums the bytes after the flags byte.
	Standard
)

func (v Variant) String() string {
	switch v {
	case Literal:
		return "literal"
	case Standard:
		return "standard"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant converts a configuration string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "literal":
		return Literal, nil
	case "standard", "sig":
		return Standard, nil
	default:
		return Literal, fmt.Errorf("invalid decoder variant %q: use literal or standard", s)
	}
}

// Decoder returns the decode function for the variant.
func (v Variant) Decoder() func([]byte) (int, error) {
	if v == Standard {
		return DecodeStandard
	}
	return Decode
}
