// Package ticker resolves one simulated instant by eagerly driving
// components in dependency order: as soon as a component's upstream is
// resolved it is scheduled, without needing a topological sort.
package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/tickerr"
	"github.com/tickit-go/tickit/internal/types"
)

// UpdateComponent requests that the named component in in.Target
// perform an update; the ticker's caller is responsible for arranging
// that the component's resulting Output eventually reaches Propagate.
type UpdateComponent func(ctx context.Context, in types.Input) error

// Ticker performs one tick at a time, reusing the same EventRouter and
// update callback across its lifetime. Not safe to call Tick
// concurrently with itself; Propagate may be called concurrently with
// schedule dispatch from the same tick.
type Ticker struct {
	router *router.EventRouter
	update UpdateComponent
	logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	time      types.SimTime
	toUpdate  map[types.ComponentID]struct{} // components awaiting an Output this tick
	scheduled map[types.ComponentID]struct{} // components already published this tick
	inputs    []types.Input
	finished  chan struct{}
}

// New creates a Ticker over router, which must already be validated
// (acyclic). update is invoked, potentially from the goroutine that
// called Tick, to publish an Input once a component's dependencies are
// resolved.
func New(r *router.EventRouter, update UpdateComponent, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{router: r, update: update, logger: logger}
}

// Components returns every component referenced by the underlying
// wiring.
func (t *Ticker) Components() map[types.ComponentID]struct{} {
	return t.router.Components()
}

// Tick resolves one simulated instant at time, starting from roots:
// components that must be woken regardless of whether any Input is
// pending for them (due wakeups, pending interrupts, synthetic slave
// roots). It blocks until every dependant of every root has produced an
// Output, or ctx is cancelled.
func (t *Ticker) Tick(ctx context.Context, time types.SimTime, roots map[types.ComponentID]struct{}) error {
	t.mu.Lock()
	t.ctx = ctx
	t.time = time
	t.inputs = nil
	t.toUpdate = make(map[types.ComponentID]struct{})
	for root := range roots {
		for c := range t.router.Dependants(root) {
			t.toUpdate[c] = struct{}{}
		}
	}
	t.scheduled = make(map[types.ComponentID]struct{})
	t.finished = make(chan struct{})
	t.logger.Debug("tick starting", "time", int64(time), "roots", len(roots), "to_update", len(t.toUpdate))

	if len(t.toUpdate) == 0 {
		close(t.finished)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.schedulePossibleUpdates(ctx); err != nil {
		return err
	}

	select {
	case <-t.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedulePossibleUpdates publishes an Input for every component in
// toUpdate that has not yet been scheduled this tick and whose
// inverse-component-tree no longer intersects toUpdate, meaning every
// component it depends on has already produced its Output.
func (t *Ticker) schedulePossibleUpdates(ctx context.Context) error {
	t.mu.Lock()
	var ready []types.Input
	for c := range t.toUpdate {
		if _, already := t.scheduled[c]; already {
			continue
		}
		if t.intersectsLocked(t.router.InverseComponentTree(c), t.toUpdate) {
			continue
		}
		t.scheduled[c] = struct{}{}
		ready = append(ready, t.collateLocked(c))
	}
	t.mu.Unlock()

	for _, in := range ready {
		if err := t.update(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (t *Ticker) intersectsLocked(a, b map[types.ComponentID]struct{}) bool {
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// collateLocked builds the Input for component by merging every pending
// Input in t.inputs whose target matches and whose time equals the tick
// time. Must be called with t.mu held.
func (t *Ticker) collateLocked(component types.ComponentID) types.Input {
	changes := make(types.Changes)
	for _, in := range t.inputs {
		if in.Target != component || in.Time != t.time {
			continue
		}
		for k, v := range in.Changes {
			changes[k] = v
		}
	}
	return types.Input{Target: component, Time: t.time, Changes: changes}
}

// Propagate is called when an Output arrives for the component in
// progress. It removes the component from the unresolved set, routes
// its changes into new pending Inputs for dependants, and re-runs
// scheduling. Returns a ProtocolViolation if o does not belong to the
// in-flight tick.
func (t *Ticker) Propagate(o types.Output) error {
	t.mu.Lock()
	if _, ok := t.toUpdate[o.Source]; !ok {
		t.mu.Unlock()
		return tickerr.New(tickerr.KindProtocolViolation, o.Source,
			fmt.Errorf("output from %q not awaited this tick", o.Source))
	}
	if o.Time != t.time {
		t.mu.Unlock()
		return tickerr.New(tickerr.KindProtocolViolation, o.Source,
			fmt.Errorf("output time %d does not match tick time %d", o.Time, t.time))
	}
	delete(t.toUpdate, o.Source)
	delete(t.scheduled, o.Source)
	t.inputs = append(t.inputs, t.router.Route(o)...)
	done := len(t.toUpdate) == 0
	ctx := t.ctx
	if done {
		close(t.finished)
	}
	t.mu.Unlock()

	if done {
		return nil
	}
	return t.schedulePossibleUpdates(ctx)
}
