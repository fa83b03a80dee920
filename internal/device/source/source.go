// Package source implements a reference device that emits a constant or
// periodically recomputed value on a single output port, the simplest
// upstream end of a simulated graph.
package source

import "github.com/tickit-go/tickit/internal/types"

// ValueFunc computes the value a Device should output at time, given
// how many times it has previously been called. Used to implement
// periodic or time-varying sources; a constant source ignores both
// arguments.
type ValueFunc func(time types.SimTime, call int) any

// Device produces a single output port, Port ("value" when empty), from
// a ValueFunc. When
// Period is non-zero, it requests a wakeup Period nanoseconds after
// every update it serves, producing an indefinitely repeating series.
type Device struct {
	Port   types.PortID
	Value  ValueFunc
	Period types.SimTime

	calls int
}

// Const returns a Device that always outputs value on port "value" and
// never requests a wakeup.
func Const(value any) *Device {
	return &Device{Port: "value", Value: func(types.SimTime, int) any { return value }}
}

// Periodic returns a Device that outputs fn's result on port "value"
// and requests to be woken again every period nanoseconds.
func Periodic(period types.SimTime, fn ValueFunc) *Device {
	return &Device{Port: "value", Value: fn, Period: period}
}

// Update implements types.Device.
func (d *Device) Update(time types.SimTime, _ types.Changes) types.DeviceUpdate {
	port := d.Port
	if port == "" {
		port = "value"
	}
	value := d.Value(time, d.calls)
	d.calls++

	update := types.DeviceUpdate{Outputs: types.Changes{port: value}}
	if d.Period > 0 {
		callAt := time + d.Period
		update.CallAt = &callAt
	}
	return update
}
