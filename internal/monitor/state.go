package monitor

import "fmt"

// State is a step of the discovery state machine.
type State int

const (
	AdapterInitializing State = iota
	Scanning
	Connecting
	ServiceDiscovering
	CharacteristicDiscovering
	Subscribed
	// Disconnected is terminal: the tracked peripheral dropped the link.
	Disconnected
	// Stopped is terminal: the machine was torn down by its owner.
	Stopped
)

func (s State) String() string {
	switch s {
	case AdapterInitializing:
		return "AdapterInitializing"
	case Scanning:
		return "Scanning"
	case Connecting:
		return "Connecting"
	case ServiceDiscovering:
		return "ServiceDiscovering"
	case CharacteristicDiscovering:
		return "CharacteristicDiscovering"
	case Subscribed:
		return "Subscribed"
	case Disconnected:
		return "Disconnected"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can leave the state.
func (s State) Terminal() bool {
	return s == Disconnected || s == Stopped
}
