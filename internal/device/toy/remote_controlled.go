// Package toy implements a reference remote-controlled device whose
// "observed" port can be set externally by an adapter, demonstrating
// the interrupt path from a protocol front-end into the tick loop.
package toy

import "github.com/tickit-go/tickit/internal/types"

// RemoteControlled holds three values of which only "observed" is
// exposed as a device output; "unobserved" and "hidden" exist purely so
// an adapter has state to read without it affecting the tick graph.
type RemoteControlled struct {
	Observed   float64
	Unobserved float64
	Hidden     float64
}

// New creates a RemoteControlled device with the given initial values.
func New(initialObserved, initialUnobserved, initialHidden float64) *RemoteControlled {
	return &RemoteControlled{
		Observed:   initialObserved,
		Unobserved: initialUnobserved,
		Hidden:     initialHidden,
	}
}

// Update implements types.Device. It never requests a wakeup; changes
// to Observed happen out of band via SetObserved, typically called by
// an adapter command handler which then raises an Interrupt.
func (d *RemoteControlled) Update(types.SimTime, types.Changes) types.DeviceUpdate {
	return types.DeviceUpdate{Outputs: types.Changes{"observed": d.Observed}}
}

// SetObserved updates the observed value. Adapters call this from their
// command handlers and then invoke the interrupt callback supplied to
// Run so the new value is published on the next tick.
func (d *RemoteControlled) SetObserved(value float64) {
	d.Observed = value
}
