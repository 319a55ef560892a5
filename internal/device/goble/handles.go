package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/pulsemon/internal/device"
)

// Service wraps a discovered *ble.Service as a device.Service.
type Service struct {
	svc  *ble.Service
	uuid string
}

func newService(s *ble.Service) *Service {
	return &Service{svc: s, uuid: device.NormalizeUUID(s.UUID.String())}
}

// UUID returns the normalized service UUID.
func (s *Service) UUID() string {
	if s == nil {
		return ""
	}
	return s.uuid
}

// Characteristic wraps a discovered *ble.Characteristic as a device.Characteristic.
type Characteristic struct {
	char        *ble.Characteristic
	uuid        string
	serviceUUID string
}

func newCharacteristic(c *ble.Characteristic, serviceUUID string) *Characteristic {
	return &Characteristic{
		char:        c,
		uuid:        device.NormalizeUUID(c.UUID.String()),
		serviceUUID: serviceUUID,
	}
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

// CanNotify reports notify or indicate support.
func (c *Characteristic) CanNotify() bool {
	return c != nil && c.char.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// indicate selects indications for characteristics that support only those.
func (c *Characteristic) indicate() bool {
	return c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
}

// PeripheralFromAdvertisement converts a go-ble advertisement. A nil Addr
// yields an empty ID, which never matches an address target.
func PeripheralFromAdvertisement(adv ble.Advertisement) device.Peripheral {
	p := device.Peripheral{
		Name: adv.LocalName(),
		RSSI: adv.RSSI(),
	}
	if addr := adv.Addr(); addr != nil {
		p.ID = addr.String()
	}
	for _, u := range adv.Services() {
		if n := device.NormalizeUUID(u.String()); n != "" {
			p.Services = append(p.Services, n)
		}
	}
	return p
}
