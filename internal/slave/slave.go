// Package slave implements the slave scheduler: a nested sub-simulation
// that behaves, from its parent's point of view, like a single
// component with an "external" input and an "expose" output, while
// internally running its own dependency-ordered tick exactly like the
// master scheduler does.
package slave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/ticker"
	"github.com/tickit-go/tickit/internal/types"
	"github.com/tickit-go/tickit/internal/wakeup"
)

// External and Expose name the synthetic components every slave wiring
// gains: a source of parent-supplied inputs and a sink that collects
// the values the slave exposes upward. They alias the reserved
// identifiers types.ExternalComponent/types.ExposeComponent.
const (
	External = types.ExternalComponent
	Expose   = types.ExposeComponent
)

// ExposeMap names, for each port the slave should expose to its
// parent, the inner ComponentPort whose output feeds it.
type ExposeMap map[types.PortID]types.ComponentPort

// BuildRouter augments inner with one synthetic edge per entry of
// expose (source.Port -> Expose.port) and constructs the resulting
// EventRouter. The caller's inner
// wiring is expected to already reference External as a source wherever
// an inner component consumes a parent-supplied value; BuildRouter does
// not need to add edges for External since EventRouter treats any
// component name appearing as a wiring source like any other node.
func BuildRouter(inner router.Wiring, expose ExposeMap) (*router.EventRouter, error) {
	combined := make(router.Wiring, len(inner)+1)
	for src, ports := range inner {
		combined[src] = ports
	}
	for port, source := range expose {
		if combined[source.Component] == nil {
			combined[source.Component] = make(map[types.PortID]map[types.ComponentPort]struct{})
		}
		if combined[source.Component][source.Port] == nil {
			combined[source.Component][source.Port] = make(map[types.ComponentPort]struct{})
		}
		combined[source.Component][source.Port][types.ComponentPort{Component: Expose, Port: port}] = struct{}{}
	}
	return router.New(combined)
}

// BuildRouterFromInverse is BuildRouter for a graph already declared in
// inverse form: each expose entry is inserted as an input of the
// synthetic Expose component, then the router is built directly.
func BuildRouterFromInverse(inner router.InverseWiring, expose ExposeMap) (*router.EventRouter, error) {
	combined := make(router.InverseWiring, len(inner)+1)
	for sink, ports := range inner {
		combined[sink] = ports
	}
	exposePorts := make(map[types.PortID]types.ComponentPort, len(expose))
	for port, source := range expose {
		exposePorts[port] = source
	}
	combined[Expose] = exposePorts
	return router.NewFromInverse(combined)
}

// Bus is the subset of the bus contract a Scheduler needs for its inner,
// non-synthetic components.
type Bus interface {
	bus.Producer
	bus.Consumer
}

// RaiseInterrupt is called when any inner component interrupts; the
// caller (whatever embeds this Scheduler as a component of an outer
// simulation) is expected to forward it as its own interrupt.
type RaiseInterrupt func(ctx context.Context) error

// Scheduler runs a sub-simulation on behalf of a single component of an
// outer simulation.
type Scheduler struct {
	router *router.EventRouter
	bus    Bus
	raise  RaiseInterrupt
	logger *slog.Logger

	tk *ticker.Ticker

	mu            sync.Mutex
	wakeups       *wakeup.Queue
	interrupts    map[types.ComponentID]struct{}
	inputChanges  types.Changes
	outputChanges types.Changes
}

// New constructs a Scheduler over r (built by BuildRouter), using b for
// every inner component's bus traffic and raise to propagate interrupts
// upward.
func New(r *router.EventRouter, b Bus, raise RaiseInterrupt, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		router:     r,
		bus:        b,
		raise:      raise,
		logger:     logger,
		wakeups:    wakeup.NewQueue(),
		interrupts: make(map[types.ComponentID]struct{}),
	}
	s.tk = ticker.New(r, s.updateComponent, logger)
	return s
}

// updateComponent is the Ticker's UpdateComponent callback. External and
// Expose are intercepted locally; every other component's Input is
// published on the shared bus exactly as the master scheduler does.
func (s *Scheduler) updateComponent(ctx context.Context, in types.Input) error {
	switch in.Target {
	case External:
		s.mu.Lock()
		changes := s.inputChanges
		s.mu.Unlock()
		return s.tk.Propagate(types.Output{Source: External, Time: in.Time, Changes: changes})
	case Expose:
		s.mu.Lock()
		for k, v := range in.Changes {
			s.outputChanges[k] = v
		}
		s.mu.Unlock()
		return s.tk.Propagate(types.Output{Source: Expose, Time: in.Time, Changes: types.Changes{}})
	default:
		return s.bus.Produce(ctx, bus.InputTopic(in.Target), in)
	}
}

// HandleMessage is the bus.Handler to subscribe to every inner
// component's output topic (excluding External and Expose, which never
// publish to the bus).
func (s *Scheduler) HandleMessage(_ bus.Topic, msg types.Message) {
	switch m := msg.(type) {
	case types.Output:
		if err := s.tk.Propagate(m); err != nil {
			s.logger.Error("slave propagate failed", "component", string(m.Source), "error", err)
			return
		}
		if m.CallAt != nil {
			s.mu.Lock()
			s.wakeups.Add(m.Source, *m.CallAt)
			s.mu.Unlock()
		}
	case types.Interrupt:
		s.ScheduleInterrupt(context.Background(), m.Source)
	case types.ComponentException:
		s.logger.Error("inner component exception", "component", string(m.Source), "kind", m.Kind, "detail", m.Detail)
	}
}

// ScheduleInterrupt records source as due for the next OnTick's root
// set and forwards the interrupt to the parent simulation, so an
// adapter deep inside nested simulations can wake the whole hierarchy.
func (s *Scheduler) ScheduleInterrupt(ctx context.Context, source types.ComponentID) {
	s.mu.Lock()
	s.interrupts[source] = struct{}{}
	s.mu.Unlock()
	if s.raise != nil {
		if err := s.raise(ctx); err != nil {
			s.logger.Error("failed to raise interrupt to parent", "error", err)
		}
	}
}

// OnTick runs one inner tick at time with changes supplied by the
// parent on External's behalf, and returns the accumulated Expose
// changes plus, if any inner component has a pending wakeup, how long
// (in simulated nanoseconds) until the earliest one.
func (s *Scheduler) OnTick(ctx context.Context, time types.SimTime, changes types.Changes) (types.Changes, *types.SimTime, error) {
	s.mu.Lock()
	roots := map[types.ComponentID]struct{}{External: {}}
	for c := range s.interrupts {
		roots[c] = struct{}{}
	}
	s.interrupts = make(map[types.ComponentID]struct{})
	for _, c := range s.wakeups.AllLT(time) {
		roots[c] = struct{}{}
	}
	s.inputChanges = changes
	s.outputChanges = make(types.Changes)
	s.mu.Unlock()

	if err := s.tk.Tick(ctx, time, roots); err != nil {
		return nil, nil, fmt.Errorf("slave tick at %d: %w", time, err)
	}

	s.mu.Lock()
	out := s.outputChanges
	var callIn *types.SimTime
	if _, when, ok := s.wakeups.PeekMin(); ok {
		gap := when - time
		callIn = &gap
	}
	s.mu.Unlock()

	return out, callIn, nil
}

// Components returns every inner component referenced by the wiring,
// including the synthetic External and Expose nodes.
func (s *Scheduler) Components() map[types.ComponentID]struct{} {
	return s.router.Components()
}
