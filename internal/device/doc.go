// Package device defines the contract between the heart rate discovery state
// machine and the Bluetooth Low Energy stack that drives it.
//
// The package provides:
//   - Adapter and peripheral lifecycle states
//   - The Radio command interface implemented by each backend
//   - The Event tagged union through which backends report results
//   - Connection and adapter error sentinels shared by all backends
package device
