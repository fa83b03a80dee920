package slave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/types"
)

// Device presents a Scheduler as a single types.Device of an outer
// simulation: each Update runs one inner tick, the inputs become the
// synthetic External component's outputs, and the accumulated Expose
// changes become the device's outputs.
//
// Device also implements types.Adapter: registering it as one of its
// own component's adapters binds the parent's interrupt callback so
// that an interrupt raised anywhere inside the nested simulation
// re-ticks the outer one.
type Device struct {
	sched *Scheduler

	mu     sync.Mutex
	runCtx context.Context
	raise  func()
}

// NewDevice constructs a nested scheduler over r (built by BuildRouter
// or BuildRouterFromInverse) and wraps it as a device. The caller must
// subscribe Scheduler().HandleMessage to every inner component's output
// topic before the first Update.
func NewDevice(r *router.EventRouter, b Bus, logger *slog.Logger) *Device {
	d := &Device{}
	d.sched = New(r, b, func(context.Context) error {
		d.raiseParent()
		return nil
	}, logger)
	return d
}

// Scheduler returns the wrapped nested scheduler.
func (d *Device) Scheduler() *Scheduler { return d.sched }

// Update implements types.Device by resolving one tick of the nested
// simulation. A nested tick failure panics; the component runtime
// converts the panic into a ComponentException.
func (d *Device) Update(time types.SimTime, inputs types.Changes) types.DeviceUpdate {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	out, callIn, err := d.sched.OnTick(ctx, time, inputs)
	if err != nil {
		panic(fmt.Sprintf("nested simulation tick: %v", err))
	}

	update := types.DeviceUpdate{Outputs: out}
	if callIn != nil {
		at := time + *callIn
		update.CallAt = &at
	}
	return update
}

// Run implements types.Adapter. It records the interrupt callback and
// the run context, then blocks until ctx is cancelled.
func (d *Device) Run(ctx context.Context, raiseInterrupt func()) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.raise = raiseInterrupt
	d.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// AfterUpdate implements types.Adapter.
func (d *Device) AfterUpdate() {}

func (d *Device) raiseParent() {
	d.mu.Lock()
	f := d.raise
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

var _ types.Device = (*Device)(nil)
var _ types.Adapter = (*Device)(nil)
