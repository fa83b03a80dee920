package wakeup

import (
	"testing"

	"github.com/tickit-go/tickit/internal/types"
)

func TestTableFirstEmpty(t *testing.T) {
	tb := NewTable()
	components, when := tb.First()
	if len(components) != 0 || when != nil {
		t.Fatalf("First() on empty table = %v, %v, want empty set and nil", components, when)
	}
}

func TestTableFirstTies(t *testing.T) {
	tb := NewTable()
	tb.Add("a", 100)
	tb.Add("b", 50)
	tb.Add("c", 50)

	components, when := tb.First()
	if when == nil || *when != 50 {
		t.Fatalf("First() when = %v, want 50", when)
	}
	if _, ok := components["b"]; !ok {
		t.Error("expected b in tied set")
	}
	if _, ok := components["c"]; !ok {
		t.Error("expected c in tied set")
	}
	if _, ok := components["a"]; ok {
		t.Error("a should not be in tied set")
	}
}

func TestTableAddOverwrites(t *testing.T) {
	tb := NewTable()
	tb.Add("a", 100)
	tb.Add("a", 10)
	_, when := tb.First()
	if when == nil || *when != 10 {
		t.Fatalf("expected overwritten wakeup of 10, got %v", when)
	}
	if tb.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tb.Len())
	}
}

func TestTablePop(t *testing.T) {
	tb := NewTable()
	tb.Add("a", 10)
	tb.Add("b", 10)
	tb.Add("c", 20)
	tb.Pop(map[types.ComponentID]struct{}{"a": {}, "b": {}})
	if tb.Len() != 1 {
		t.Fatalf("Len() after pop = %d, want 1", tb.Len())
	}
	components, when := tb.First()
	if when == nil || *when != 20 {
		t.Fatalf("First() after pop = %v, want 20", when)
	}
	if _, ok := components["c"]; !ok {
		t.Error("expected c remaining")
	}
}

func TestQueueOrdersByTimeThenComponent(t *testing.T) {
	q := NewQueue()
	q.Add("b", 10)
	q.Add("a", 10)
	q.Add("z", 5)

	c, when, ok := q.PopMin()
	if !ok || c != "z" || when != 5 {
		t.Fatalf("PopMin() = %v, %v, %v, want z, 5, true", c, when, ok)
	}
	c, when, ok = q.PopMin()
	if !ok || c != "a" || when != 10 {
		t.Fatalf("PopMin() = %v, %v, %v, want a, 10, true", c, when, ok)
	}
	c, when, ok = q.PopMin()
	if !ok || c != "b" || when != 10 {
		t.Fatalf("PopMin() = %v, %v, %v, want b, 10, true", c, when, ok)
	}
	if !q.Empty() {
		t.Fatal("expected queue to be empty")
	}
}

func TestQueueSupportsMultipleWakeupsPerComponent(t *testing.T) {
	q := NewQueue()
	q.Add("a", 10)
	q.Add("a", 20)
	if q.Empty() {
		t.Fatal("queue should not be empty")
	}
	all := q.AllLT(15)
	if len(all) != 1 || all[0] != "a" {
		t.Fatalf("AllLT(15) = %v, want [a]", all)
	}
	all = q.AllLT(25)
	if len(all) != 1 || all[0] != "a" {
		t.Fatalf("AllLT(25) = %v, want [a]", all)
	}
	if !q.Empty() {
		t.Fatal("expected queue to be drained")
	}
}

func TestQueuePeekMinDoesNotRemove(t *testing.T) {
	q := NewQueue()
	q.Add("a", 5)
	c, when, ok := q.PeekMin()
	if !ok || c != "a" || when != 5 {
		t.Fatalf("PeekMin() = %v, %v, %v", c, when, ok)
	}
	if q.Empty() {
		t.Fatal("PeekMin should not remove the entry")
	}
}
