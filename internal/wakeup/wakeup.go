// Package wakeup tracks pending future ticks in the two flavours the
// schedulers need: a master scheduler's overwrite-on-add map, and a
// slave scheduler's min-priority-queue that keeps every pending wakeup
// per component.
package wakeup

import (
	"container/heap"

	"github.com/tickit-go/tickit/internal/types"
)

// Table is the master scheduler's wakeup flavour: a mapping from
// component to its single earliest pending wakeup. Adding a wakeup for
// an already-present component overwrites the previous one.
type Table struct {
	m map[types.ComponentID]types.SimTime
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{m: make(map[types.ComponentID]types.SimTime)}
}

// Add overwrites the wakeup for c with when.
func (t *Table) Add(c types.ComponentID, when types.SimTime) {
	t.m[c] = when
}

// First returns every component tied at the minimum wakeup time, and
// that minimum. Returns an empty set and nil if the table is empty.
func (t *Table) First() (map[types.ComponentID]struct{}, *types.SimTime) {
	if len(t.m) == 0 {
		return map[types.ComponentID]struct{}{}, nil
	}
	var min types.SimTime
	first := true
	for _, when := range t.m {
		if first || when < min {
			min = when
			first = false
		}
	}
	out := make(map[types.ComponentID]struct{})
	for c, when := range t.m {
		if when == min {
			out[c] = struct{}{}
		}
	}
	return out, &min
}

// Pop removes each of components from the table, typically once it has
// been dispatched to a tick.
func (t *Table) Pop(components map[types.ComponentID]struct{}) {
	for c := range components {
		delete(t.m, c)
	}
}

// Len reports the number of distinct components with a pending wakeup.
func (t *Table) Len() int { return len(t.m) }

// entry is one scheduled wakeup in the slave priority queue: a
// component due at a given SimTime. Ties break on ComponentID for a
// stable, deterministic pop order.
type entry struct {
	component types.ComponentID
	when      types.SimTime
	index     int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].component < h[j].component
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the slave scheduler's wakeup flavour: a min-priority-queue
// that supports multiple pending wakeups per component simultaneously.
type Queue struct {
	h entryHeap
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add inserts a new wakeup for component at when. Unlike Table, this
// does not overwrite any existing wakeup for the same component.
func (q *Queue) Add(component types.ComponentID, when types.SimTime) {
	heap.Push(&q.h, &entry{component: component, when: when})
}

// Empty reports whether the queue holds no pending wakeups.
func (q *Queue) Empty() bool { return q.h.Len() == 0 }

// PeekMin returns the earliest pending wakeup without removing it. ok
// is false if the queue is empty.
func (q *Queue) PeekMin() (component types.ComponentID, when types.SimTime, ok bool) {
	if q.h.Len() == 0 {
		return "", 0, false
	}
	e := q.h[0]
	return e.component, e.when, true
}

// PopMin removes and returns the earliest pending wakeup. ok is false
// if the queue is empty.
func (q *Queue) PopMin() (component types.ComponentID, when types.SimTime, ok bool) {
	if q.h.Len() == 0 {
		return "", 0, false
	}
	e := heap.Pop(&q.h).(*entry)
	return e.component, e.when, true
}

// AllLT removes and returns every component with a pending wakeup
// strictly before time, in ascending (when, component) order, which is
// the heap's own pop order. Components with more than one qualifying
// wakeup appear once per wakeup.
func (q *Queue) AllLT(time types.SimTime) []types.ComponentID {
	var out []types.ComponentID
	for q.h.Len() > 0 && q.h[0].when < time {
		e := heap.Pop(&q.h).(*entry)
		out = append(out, e.component)
	}
	return out
}
