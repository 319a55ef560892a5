package tinygo

import "tinygo.org/x/bluetooth"

// Service wraps a discovered bluetooth.DeviceService.
type Service struct {
	svc  *bluetooth.DeviceService
	uuid string
}

func (s *Service) UUID() string {
	if s == nil {
		return ""
	}
	return s.uuid
}

// notifier is the part of bluetooth.DeviceCharacteristic the radio drives.
type notifier interface {
	EnableNotifications(callback func(buf []byte)) error
}

// Characteristic wraps a discovered bluetooth.DeviceCharacteristic.
type Characteristic struct {
	char        notifier
	uuid        string
	serviceUUID string
}

func (c *Characteristic) UUID() string {
	if c == nil {
		return ""
	}
	return c.uuid
}

func (c *Characteristic) ServiceUUID() string {
	if c == nil {
		return ""
	}
	return c.serviceUUID
}

// CanNotify always reports true: tinygo does not expose characteristic
// properties on every platform, so EnableNotifications is the only check.
func (c *Characteristic) CanNotify() bool {
	return c != nil
}
