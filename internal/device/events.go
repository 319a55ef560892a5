package device

import "fmt"

// Event is a result reported by a Radio. The concrete types below form a closed set.
type Event interface {
	fmt.Stringer
	isEvent()
}

// AdapterStateChanged reports the adapter lifecycle state. Err carries the
// platform error behind a non-powered-on state, if any.
type AdapterStateChanged struct {
	State AdapterState
	Err   error
}

// PeripheralDiscovered reports one advertisement received while scanning.
type PeripheralDiscovered struct {
	Peripheral Peripheral
}

// Connected reports a successful connect request.
type Connected struct {
	Peripheral Peripheral
}

// ConnectFailed reports a connect request that did not complete.
type ConnectFailed struct {
	Peripheral Peripheral
	Err        error
}

// ServicesDiscovered reports the result of DiscoverServices. Services may be empty.
type ServicesDiscovered struct {
	Peripheral Peripheral
	Services   []Service
	Err        error
}

// CharacteristicsDiscovered reports the result of DiscoverCharacteristics for one service.
type CharacteristicsDiscovered struct {
	Peripheral      Peripheral
	Service         Service
	Characteristics []Characteristic
	Err             error
}

// NotifyStateChanged confirms (or rejects) a SetNotify request.
type NotifyStateChanged struct {
	Peripheral     Peripheral
	Characteristic Characteristic
	Enabled        bool
	Err            error
}

// NotificationReceived carries a characteristic value pushed by the peripheral.
type NotificationReceived struct {
	Peripheral         Peripheral
	CharacteristicUUID string
	Value              []byte
}

// Disconnected reports the loss or release of the link to a peripheral.
type Disconnected struct {
	Peripheral Peripheral
	Err        error
}

func (AdapterStateChanged) isEvent()       {}
func (PeripheralDiscovered) isEvent()      {}
func (Connected) isEvent()                 {}
func (ConnectFailed) isEvent()             {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (NotifyStateChanged) isEvent()        {}
func (NotificationReceived) isEvent()      {}
func (Disconnected) isEvent()              {}

func (e AdapterStateChanged) String() string {
	return fmt.Sprintf("AdapterStateChanged(%s)", e.State)
}

func (e PeripheralDiscovered) String() string {
	return fmt.Sprintf("PeripheralDiscovered(%s %q)", e.Peripheral.ID, e.Peripheral.Name)
}

func (e Connected) String() string {
	return fmt.Sprintf("Connected(%s)", e.Peripheral.ID)
}

func (e ConnectFailed) String() string {
	return fmt.Sprintf("ConnectFailed(%s: %v)", e.Peripheral.ID, e.Err)
}

func (e ServicesDiscovered) String() string {
	return fmt.Sprintf("ServicesDiscovered(%s, %d)", e.Peripheral.ID, len(e.Services))
}

func (e CharacteristicsDiscovered) String() string {
	svc := ""
	if e.Service != nil {
		svc = e.Service.UUID()
	}
	return fmt.Sprintf("CharacteristicsDiscovered(%s, %s, %d)", e.Peripheral.ID, svc, len(e.Characteristics))
}

func (e NotifyStateChanged) String() string {
	char := ""
	if e.Characteristic != nil {
		char = e.Characteristic.UUID()
	}
	return fmt.Sprintf("NotifyStateChanged(%s, %s, %t)", e.Peripheral.ID, char, e.Enabled)
}

func (e NotificationReceived) String() string {
	return fmt.Sprintf("NotificationReceived(%s, %s, % x)", e.Peripheral.ID, e.CharacteristicUUID, e.Value)
}

func (e Disconnected) String() string {
	return fmt.Sprintf("Disconnected(%s)", e.Peripheral.ID)
}
