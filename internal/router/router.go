// Package router declares the static wiring between components and
// derives, from it, the forward/inverse dependency graphs and output
// routing table the ticker needs to resolve one simulated instant.
package router

import (
	"fmt"
	"sort"

	"github.com/tickit-go/tickit/internal/tickerr"
	"github.com/tickit-go/tickit/internal/types"
)

// Wiring maps a source component to each of its output ports and the
// set of downstream ComponentPorts that port feeds.
type Wiring map[types.ComponentID]map[types.PortID]map[types.ComponentPort]struct{}

// InverseWiring maps a sink component to each of its input ports and the
// single upstream ComponentPort that feeds it.
type InverseWiring map[types.ComponentID]map[types.PortID]types.ComponentPort

// ToInverse converts a Wiring to an InverseWiring, validating that every
// sink ComponentPort appears exactly once across the whole wiring.
func (w Wiring) ToInverse() (InverseWiring, error) {
	inv := make(InverseWiring)
	seen := make(map[types.ComponentPort]types.ComponentPort)
	for src, ports := range w {
		for srcPort, sinks := range ports {
			for sink := range sinks {
				if prior, ok := seen[sink]; ok {
					return nil, tickerr.New(tickerr.KindConfigError, sink.Component,
						fmt.Errorf("input %s is wired from both %s.%s and %s.%s",
							sink, prior.Component, prior.Port, src, srcPort))
				}
				seen[sink] = types.ComponentPort{Component: src, Port: srcPort}
				if inv[sink.Component] == nil {
					inv[sink.Component] = make(map[types.PortID]types.ComponentPort)
				}
				inv[sink.Component][sink.Port] = types.ComponentPort{Component: src, Port: srcPort}
			}
		}
	}
	return inv, nil
}

// ToForward converts an InverseWiring back to a Wiring.
func (iw InverseWiring) ToForward() Wiring {
	w := make(Wiring)
	for sink, ports := range iw {
		for sinkPort, source := range ports {
			if w[source.Component] == nil {
				w[source.Component] = make(map[types.PortID]map[types.ComponentPort]struct{})
			}
			if w[source.Component][source.Port] == nil {
				w[source.Component][source.Port] = make(map[types.ComponentPort]struct{})
			}
			w[source.Component][source.Port][types.ComponentPort{Component: sink, Port: sinkPort}] = struct{}{}
		}
	}
	return w
}

// EventRouter derives the forward and inverse component dependency
// graphs from a Wiring/InverseWiring pair and routes component outputs
// to downstream inputs. Immutable once constructed; construction fails
// with a ConfigError if the wiring contains a cycle.
type EventRouter struct {
	wiring               Wiring
	inverse              InverseWiring
	componentTree        map[types.ComponentID]map[types.ComponentID]struct{} // fan-out
	inverseComponentTree map[types.ComponentID]map[types.ComponentID]struct{} // fan-in
	componentSet         map[types.ComponentID]struct{}
	dependantsCache      map[types.ComponentID]map[types.ComponentID]struct{}
}

// New builds an EventRouter from a forward Wiring.
func New(w Wiring) (*EventRouter, error) {
	inv, err := w.ToInverse()
	if err != nil {
		return nil, err
	}
	return newFromBoth(w, inv)
}

// NewFromInverse builds an EventRouter from an InverseWiring.
func NewFromInverse(iw InverseWiring) (*EventRouter, error) {
	return newFromBoth(iw.ToForward(), iw)
}

func newFromBoth(w Wiring, inv InverseWiring) (*EventRouter, error) {
	r := &EventRouter{
		wiring:               w,
		inverse:              inv,
		componentTree:        make(map[types.ComponentID]map[types.ComponentID]struct{}),
		inverseComponentTree: make(map[types.ComponentID]map[types.ComponentID]struct{}),
		componentSet:         make(map[types.ComponentID]struct{}),
		dependantsCache:      make(map[types.ComponentID]map[types.ComponentID]struct{}),
	}

	for src, ports := range w {
		r.componentSet[src] = struct{}{}
		for _, sinks := range ports {
			for sink := range sinks {
				r.componentSet[sink.Component] = struct{}{}
				r.addEdge(src, sink.Component)
			}
		}
	}
	for sink, ports := range inv {
		r.componentSet[sink] = struct{}{}
		for _, source := range ports {
			r.componentSet[source.Component] = struct{}{}
			r.addEdge(source.Component, sink)
		}
	}
	// Ensure every known component has a (possibly empty) entry in both
	// trees so set-intersection lookups never need a nil check.
	for c := range r.componentSet {
		if r.componentTree[c] == nil {
			r.componentTree[c] = make(map[types.ComponentID]struct{})
		}
		if r.inverseComponentTree[c] == nil {
			r.inverseComponentTree[c] = make(map[types.ComponentID]struct{})
		}
	}

	if cyc := r.findCycle(); cyc != "" {
		return nil, tickerr.New(tickerr.KindConfigError, types.ComponentID(cyc),
			fmt.Errorf("wiring contains a cycle through component %q", cyc))
	}

	return r, nil
}

func (r *EventRouter) addEdge(src, sink types.ComponentID) {
	if r.componentTree[src] == nil {
		r.componentTree[src] = make(map[types.ComponentID]struct{})
	}
	r.componentTree[src][sink] = struct{}{}
	if r.inverseComponentTree[sink] == nil {
		r.inverseComponentTree[sink] = make(map[types.ComponentID]struct{})
	}
	r.inverseComponentTree[sink][src] = struct{}{}
}

// findCycle runs Kahn's algorithm over the component graph and returns
// a component on a cycle, or "" if the graph is acyclic.
func (r *EventRouter) findCycle() string {
	inDegree := make(map[types.ComponentID]int, len(r.componentSet))
	for c := range r.componentSet {
		inDegree[c] = len(r.inverseComponentTree[c])
	}

	var queue []types.ComponentID
	for _, c := range r.sortedComponents() {
		if inDegree[c] == 0 {
			queue = append(queue, c)
		}
	}

	visited := 0
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range r.sortedSet(r.componentTree[c]) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(r.componentSet) {
		return ""
	}
	for c, deg := range inDegree {
		if deg > 0 {
			return string(c)
		}
	}
	return ""
}

func (r *EventRouter) sortedComponents() []types.ComponentID {
	out := make([]types.ComponentID, 0, len(r.componentSet))
	for c := range r.componentSet {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *EventRouter) sortedSet(s map[types.ComponentID]struct{}) []types.ComponentID {
	out := make([]types.ComponentID, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Components returns the set of all components referenced as a source
// or sink anywhere in the wiring.
func (r *EventRouter) Components() map[types.ComponentID]struct{} {
	out := make(map[types.ComponentID]struct{}, len(r.componentSet))
	for c := range r.componentSet {
		out[c] = struct{}{}
	}
	return out
}

// InverseComponentTree returns the set of components c directly depends
// on (its fan-in).
func (r *EventRouter) InverseComponentTree(c types.ComponentID) map[types.ComponentID]struct{} {
	return r.inverseComponentTree[c]
}

// ComponentTree returns the set of components that directly depend on
// c's outputs (its fan-out).
func (r *EventRouter) ComponentTree(c types.ComponentID) map[types.ComponentID]struct{} {
	return r.componentTree[c]
}

// Dependants returns the transitive closure of ComponentTree starting at
// c, including c itself. Results are memoized since the wiring is
// immutable for the router's lifetime.
func (r *EventRouter) Dependants(c types.ComponentID) map[types.ComponentID]struct{} {
	if cached, ok := r.dependantsCache[c]; ok {
		return cached
	}
	out := map[types.ComponentID]struct{}{c: {}}
	queue := []types.ComponentID{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range r.componentTree[cur] {
			if _, seen := out[next]; !seen {
				out[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}
	r.dependantsCache[c] = out
	return out
}

// Route produces one Input per downstream ComponentPort for each output
// port present in o.Changes. An Output with empty Changes yields no
// Inputs.
func (r *EventRouter) Route(o types.Output) []types.Input {
	byTarget := make(map[types.ComponentID]types.Changes)
	ports, ok := r.wiring[o.Source]
	if !ok {
		return nil
	}
	for port, value := range o.Changes {
		sinks, ok := ports[port]
		if !ok {
			continue
		}
		for sink := range sinks {
			if byTarget[sink.Component] == nil {
				byTarget[sink.Component] = make(types.Changes)
			}
			byTarget[sink.Component][sink.Port] = value
		}
	}
	inputs := make([]types.Input, 0, len(byTarget))
	for target, changes := range byTarget {
		inputs = append(inputs, types.Input{Target: target, Time: o.Time, Changes: changes})
	}
	return inputs
}
