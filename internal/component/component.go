// Package component implements the per-component runtime contract
// between a scheduler and a device-bearing component: receive an
// Input, invoke the device's update, publish an Output or a
// ComponentException, and honour StopComponent. Observed inputs
// accumulate across ticks by shallow merge, and outputs are
// delta-compressed against the previous update before publication.
package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/tickerr"
	"github.com/tickit-go/tickit/internal/types"
)

// Runtime drives one device and its adapters for the lifetime of a
// simulation run.
type Runtime struct {
	name     types.ComponentID
	device   types.Device
	adapters []types.Adapter
	producer bus.Producer
	logger   *slog.Logger

	mu           sync.Mutex
	deviceInputs types.Changes
	lastOutputs  types.Changes

	adapterCancel context.CancelFunc
	adapterWG     sync.WaitGroup
}

// New creates a component runtime for name, wrapping device and its
// adapters. producer is used to publish Output, ComponentException and
// Interrupt messages on the component's output topic.
func New(name types.ComponentID, device types.Device, adapters []types.Adapter, producer bus.Producer, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		name:         name,
		device:       device,
		adapters:     adapters,
		producer:     producer,
		logger:       logger,
		deviceInputs: make(types.Changes),
		lastOutputs:  make(types.Changes),
	}
}

// Start subscribes to the component's input topic via consumer and
// launches every adapter's Run loop. It returns once subscription is
// established; adapters and message handling continue in the
// background until ctx is cancelled or a StopComponent message arrives.
func (r *Runtime) Start(ctx context.Context, consumer bus.Consumer) error {
	adapterCtx, cancel := context.WithCancel(ctx)
	r.adapterCancel = cancel

	for _, a := range r.adapters {
		r.adapterWG.Add(1)
		go func(a types.Adapter) {
			defer r.adapterWG.Done()
			if err := a.Run(adapterCtx, r.raiseInterrupt); err != nil && adapterCtx.Err() == nil {
				r.logger.Error("adapter failed", "component", string(r.name), "error", err)
			}
		}(a)
	}

	topic := bus.InputTopic(r.name)
	return consumer.Subscribe(adapterCtx, []bus.Topic{topic}, r.handle)
}

// Stop cancels every adapter task and the context the input
// subscription was made with, then waits for the adapters to return.
// Safe to call more than once.
func (r *Runtime) Stop() {
	if r.adapterCancel != nil {
		r.adapterCancel()
	}
	r.adapterWG.Wait()
}

func (r *Runtime) raiseInterrupt() {
	ctx := context.Background()
	if err := r.producer.Produce(ctx, bus.OutputTopic(r.name), types.Interrupt{Source: r.name}); err != nil {
		r.logger.Error("failed to raise interrupt", "component", string(r.name), "error", err)
	}
}

func (r *Runtime) handle(_ bus.Topic, msg types.Message) {
	ctx := context.Background()
	switch m := msg.(type) {
	case types.Input:
		r.onInput(ctx, m)
	case types.StopComponent:
		r.Stop()
	default:
		r.logger.Warn("component received unexpected message kind",
			"component", string(r.name), "type", fmt.Sprintf("%T", msg))
	}
}

func (r *Runtime) onInput(ctx context.Context, in types.Input) {
	r.mu.Lock()
	r.deviceInputs = r.deviceInputs.Merge(in.Changes)
	inputsSnapshot := types.NewChanges(r.deviceInputs)
	r.mu.Unlock()

	update, err := r.safeUpdate(in.Time, inputsSnapshot)
	if err != nil {
		exc := tickerr.New(tickerr.KindDeviceFailure, r.name, err).ComponentException()
		if pubErr := r.producer.Produce(ctx, bus.OutputTopic(r.name), exc); pubErr != nil {
			r.logger.Error("failed to publish component exception",
				"component", string(r.name), "error", pubErr)
		}
		return
	}

	r.mu.Lock()
	outChanges := make(types.Changes)
	for k, v := range update.Outputs {
		if prev, ok := r.lastOutputs[k]; !ok || prev != v {
			outChanges[k] = v
		}
	}
	r.lastOutputs = update.Outputs
	r.mu.Unlock()

	out := types.Output{Source: r.name, Time: in.Time, Changes: outChanges, CallAt: update.CallAt}
	if err := r.producer.Produce(ctx, bus.OutputTopic(r.name), out); err != nil {
		// The transport has already exhausted its own retries by the
		// time Produce fails, so escalate: without this Output the tick
		// can never resolve.
		r.logger.Error("failed to publish output", "component", string(r.name), "error", err)
		exc := tickerr.New(tickerr.KindBusFailure, r.name, err).ComponentException()
		if pubErr := r.producer.Produce(ctx, bus.OutputTopic(r.name), exc); pubErr != nil {
			r.logger.Error("failed to publish bus-failure exception",
				"component", string(r.name), "error", pubErr)
		}
	}

	for _, a := range r.adapters {
		a.AfterUpdate()
	}
}

// safeUpdate invokes the device's Update, converting a panic into an
// error so a single misbehaving device cannot crash the runtime
// goroutine; onInput demotes the error to a ComponentException.
func (r *Runtime) safeUpdate(time types.SimTime, inputs types.Changes) (update types.DeviceUpdate, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("device panicked: %v", p)
		}
	}()
	update = r.device.Update(time, inputs)
	return update, nil
}
