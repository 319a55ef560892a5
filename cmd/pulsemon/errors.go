package main

import (
	"errors"
	"fmt"

	"github.com/srg/pulsemon/internal/device"
	"github.com/srg/pulsemon/internal/heartrate"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the strap dropped the link while being monitored.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a peripheral that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
	// ErrMonitorHalted indicates discovery stopped before readings could flow.
	ErrMonitorHalted = errors.New("monitor halted")
)

// FormatUserError turns internal errors into a message fit for a terminal.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError
	var malformed *heartrate.MalformedPayloadError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; switch it on and try again"
	case errors.Is(err, device.ErrUnauthorized):
		return "Bluetooth access was denied; grant this program Bluetooth permission"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth Low Energy is not available on this system"
	case errors.Is(err, ErrConnectionLost):
		return fmt.Sprintf("heart rate strap went away (%s)", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("timed out: %s", err)
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.As(err, &malformed):
		return fmt.Sprintf("cannot decode payload: %s", malformed)
	default:
		return err.Error()
	}
}
