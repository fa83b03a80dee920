package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/bus/inproc"
	"github.com/tickit-go/tickit/internal/component"
	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/types"
)

// recordingDevice records every Changes it sees and never itself
// requests a wakeup.
type recordingDevice struct {
	mu   sync.Mutex
	seen []types.Changes
}

func (d *recordingDevice) Update(_ types.SimTime, in types.Changes) types.DeviceUpdate {
	cp := make(types.Changes, len(in))
	for k, v := range in {
		cp[k] = v
	}
	d.mu.Lock()
	d.seen = append(d.seen, cp)
	d.mu.Unlock()
	return types.DeviceUpdate{}
}

func (d *recordingDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *recordingDevice) last() types.Changes {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[len(d.seen)-1]
}

// echoOnceDevice always outputs the same value, regardless of time or
// input, and never requests a wakeup.
type echoOnceDevice struct {
	value int
}

func (d echoOnceDevice) Update(_ types.SimTime, _ types.Changes) types.DeviceUpdate {
	return types.DeviceUpdate{Outputs: types.Changes{"value": d.value}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRunInitialTickResolvesSourceToSink(t *testing.T) {
	w := router.Wiring{"src": {"value": {{Component: "sink", Port: "in"}: {}}}}
	r, err := router.New(w)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcRt := component.New("src", echoOnceDevice{value: 42}, nil, b, nil)
	if err := srcRt.Start(ctx, b); err != nil {
		t.Fatalf("start src: %v", err)
	}
	sink := &recordingDevice{}
	sinkRt := component.New("sink", sink, nil, b, nil)
	if err := sinkRt.Start(ctx, b); err != nil {
		t.Fatalf("start sink: %v", err)
	}

	s := New(r, b, 1.0, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sink.count() > 0 },
		"timed out waiting for the initial tick to resolve")

	if got := sink.last(); got["in"] != 42 {
		t.Errorf("sink input = %v, want in=42", got)
	}

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

// periodicDevice requests a wakeup 1000ns after every tick until it has
// been updated limit times, so successive call_at values can be
// checked for strict monotonicity.
type periodicDevice struct {
	mu    sync.Mutex
	ticks []types.SimTime
	limit int
}

func (d *periodicDevice) Update(t types.SimTime, _ types.Changes) types.DeviceUpdate {
	d.mu.Lock()
	d.ticks = append(d.ticks, t)
	n := len(d.ticks)
	d.mu.Unlock()

	out := types.Changes{"v": int64(t)}
	if n >= d.limit {
		return types.DeviceUpdate{Outputs: out}
	}
	next := t + 1000
	return types.DeviceUpdate{Outputs: out, CallAt: &next}
}

func (d *periodicDevice) snapshot() []types.SimTime {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.SimTime(nil), d.ticks...)
}

func TestRunWakeupsAreStrictlyMonotonic(t *testing.T) {
	w := router.Wiring{"src": {}}
	r, err := router.New(w)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := &periodicDevice{limit: 4}
	rt := component.New("src", dev, nil, b, nil)
	if err := rt.Start(ctx, b); err != nil {
		t.Fatalf("start src: %v", err)
	}

	// A huge simulation_speed collapses the wall-clock pacing delay to
	// ~0 so the test doesn't have to wait out real nanosecond gaps.
	s := New(r, b, 1e9, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return len(dev.snapshot()) >= dev.limit },
		"timed out waiting for all periodic ticks")

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}

	ticks := dev.snapshot()
	want := []types.SimTime{0, 1000, 2000, 3000}
	if len(ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Errorf("ticks[%d] = %d, want %d", i, ticks[i], want[i])
		}
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] <= ticks[i-1] {
			t.Fatalf("call_at wakeups are not strictly increasing: %v", ticks)
		}
	}
}

// interruptToggleDevice requests a far-future wakeup on its first
// update, then answers plainly on every subsequent one, so a test can
// distinguish "woken by the original wakeup" from "woken by an
// interrupt that pre-empted it".
type interruptToggleDevice struct {
	mu    sync.Mutex
	calls []types.SimTime
	armed bool
}

func (d *interruptToggleDevice) Update(t types.SimTime, _ types.Changes) types.DeviceUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, t)
	if !d.armed {
		d.armed = true
		callAt := t + types.SimTime(200*time.Millisecond)
		return types.DeviceUpdate{CallAt: &callAt}
	}
	return types.DeviceUpdate{}
}

func (d *interruptToggleDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *interruptToggleDevice) snapshot() []types.SimTime {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.SimTime(nil), d.calls...)
}

func TestRunInterruptPreemptsWallClockSleep(t *testing.T) {
	w := router.Wiring{"src": {}}
	r, err := router.New(w)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := &interruptToggleDevice{}
	rt := component.New("src", dev, nil, b, nil)
	if err := rt.Start(ctx, b); err != nil {
		t.Fatalf("start src: %v", err)
	}

	// simulation_speed=1.0 ns-per-ns means the 200ms call_at scheduled
	// by the first tick becomes a real 200ms wall-clock sleep, leaving
	// the test plenty of room to fire an interrupt well before it
	// would otherwise elapse.
	s := New(r, b, 1.0, nil)
	start := time.Now()
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return dev.count() >= 1 },
		"timed out waiting for the initial tick")

	if err := b.Produce(ctx, bus.OutputTopic("src"), types.Interrupt{Source: "src"}); err != nil {
		t.Fatalf("produce interrupt: %v", err)
	}

	waitFor(t, time.Second, func() bool { return dev.count() >= 2 },
		"timed out waiting for the interrupt-driven re-tick")
	elapsed := time.Since(start)

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}

	calls := dev.snapshot()
	if len(calls) < 2 {
		t.Fatalf("calls = %v, want at least 2", calls)
	}
	if calls[0] != 0 {
		t.Fatalf("initial tick time = %d, want 0", calls[0])
	}
	// An interrupt means the next tick runs at sim_time+0 with no
	// wall-clock delay, not at the far-future wakeup the first tick
	// scheduled.
	if calls[1] != 0 {
		t.Errorf("post-interrupt tick time = %d, want 0 (no jump forward)", calls[1])
	}
	if elapsed >= 150*time.Millisecond {
		t.Errorf("interrupt took %v to pre-empt a 200ms wall-clock sleep, want well under it", elapsed)
	}
}

// stalledClockDevice schedules a wakeup at t=1000 from the initial
// tick, then illegally re-requests the same instant from the tick that
// wakeup produced.
type stalledClockDevice struct{}

func (stalledClockDevice) Update(t types.SimTime, _ types.Changes) types.DeviceUpdate {
	callAt := types.SimTime(1000)
	return types.DeviceUpdate{CallAt: &callAt}
}

func TestRunRejectsNonAdvancingCallAt(t *testing.T) {
	w := router.Wiring{"src": {}}
	r, err := router.New(w)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := component.New("src", stalledClockDevice{}, nil, b, nil)
	if err := rt.Start(ctx, b); err != nil {
		t.Fatalf("start src: %v", err)
	}

	s := New(r, b, 1e9, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	select {
	case err := <-runDone:
		var exc types.ComponentException
		if !errors.As(err, &exc) {
			t.Fatalf("Run returned %v (%T), want a types.ComponentException", err, err)
		}
		if exc.Kind != "protocol_violation" {
			t.Errorf("exception kind = %q, want protocol_violation", exc.Kind)
		}
		if exc.Source != "src" {
			t.Errorf("exception source = %q, want src", exc.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not reject a call_at that does not advance past the tick time")
	}
}

type panicOnceDevice struct{}

func (panicOnceDevice) Update(types.SimTime, types.Changes) types.DeviceUpdate {
	panic("boom")
}

type benignDevice struct{}

func (benignDevice) Update(types.SimTime, types.Changes) types.DeviceUpdate {
	return types.DeviceUpdate{}
}

func TestRunFatalExceptionBroadcastsStopAndShutsDown(t *testing.T) {
	w := router.Wiring{"bad": {}, "other": {}}
	r, err := router.New(w)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	badRt := component.New("bad", panicOnceDevice{}, nil, b, nil)
	if err := badRt.Start(ctx, b); err != nil {
		t.Fatalf("start bad: %v", err)
	}
	otherRt := component.New("other", benignDevice{}, nil, b, nil)
	if err := otherRt.Start(ctx, b); err != nil {
		t.Fatalf("start other: %v", err)
	}

	stopCh := make(chan struct{}, 1)
	if err := b.Subscribe(ctx, []bus.Topic{bus.InputTopic("other")}, func(_ bus.Topic, m types.Message) {
		if _, ok := m.(types.StopComponent); ok {
			select {
			case stopCh <- struct{}{}:
			default:
			}
		}
	}); err != nil {
		t.Fatalf("subscribe to other's input topic: %v", err)
	}

	s := New(r, b, 1.0, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	select {
	case err := <-runDone:
		var exc types.ComponentException
		if !errors.As(err, &exc) {
			t.Fatalf("Run returned %v (%T), want a types.ComponentException", err, err)
		}
		if exc.Source != "bad" {
			t.Errorf("exception source = %q, want %q", exc.Source, "bad")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a fatal component exception")
	}

	select {
	case <-stopCh:
	case <-time.After(time.Second):
		t.Fatal("other component never received the StopComponent broadcast")
	}
}
