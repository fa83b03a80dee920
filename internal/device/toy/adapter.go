package toy

import (
	"context"

	"github.com/tickit-go/tickit/internal/types"
)

// command is a single externally-issued request to change the observed
// value.
type command struct {
	value float64
	done  chan struct{}
}

// Adapter lets an external caller (typically internal/adapter/httpadapter,
// or a test) set RemoteControlled's observed value and have that change
// interrupt the simulation. Commands are serialised through Run's
// channel so the device is only ever mutated from the adapter's own
// goroutine, never concurrently with a tick.
type Adapter struct {
	device *RemoteControlled
	cmds   chan command
}

// NewAdapter returns an Adapter that drives device.
func NewAdapter(device *RemoteControlled) *Adapter {
	return &Adapter{device: device, cmds: make(chan command)}
}

// Set requests that the device's observed value become value. It blocks
// until the adapter's Run loop has applied the change and raised an
// interrupt, or until ctx is cancelled.
func (a *Adapter) Set(ctx context.Context, value float64) error {
	cmd := command{value: value, done: make(chan struct{})}
	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run implements types.Adapter. It applies queued Set commands to the
// device and raises an interrupt after each one, until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, raiseInterrupt func()) error {
	for {
		select {
		case cmd := <-a.cmds:
			a.device.SetObserved(cmd.value)
			raiseInterrupt()
			close(cmd.done)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AfterUpdate implements types.Adapter. RemoteControlled has no state
// derived from the device's latest update, so this is a no-op.
func (a *Adapter) AfterUpdate() {}

var _ types.Adapter = (*Adapter)(nil)
