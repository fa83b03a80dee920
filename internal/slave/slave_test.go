package slave

import (
	"context"
	"testing"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/bus/inproc"
	"github.com/tickit-go/tickit/internal/component"
	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/types"
)

// echoDevice copies its "x" input straight through to its "out" output,
// used to exercise the External -> inner -> Expose path end to end.
type echoDevice struct{}

func (echoDevice) Update(_ types.SimTime, inputs types.Changes) types.DeviceUpdate {
	return types.DeviceUpdate{Outputs: types.Changes{"out": inputs["x"]}}
}

func TestSlaveExposesInnerOutput(t *testing.T) {
	wiring := router.Wiring{
		External: {
			"x": {types.ComponentPort{Component: "inner", Port: "x"}: {}},
		},
	}
	expose := ExposeMap{
		"y": types.ComponentPort{Component: "inner", Port: "out"},
	}

	r, err := BuildRouter(wiring, expose)
	if err != nil {
		t.Fatalf("BuildRouter: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := component.New("inner", echoDevice{}, nil, b, nil)
	if err := rt.Start(ctx, b); err != nil {
		t.Fatalf("Start inner: %v", err)
	}

	sched := New(r, b, nil, nil)
	if err := b.Subscribe(ctx, []bus.Topic{bus.OutputTopic("inner")}, sched.HandleMessage); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	out, callIn, err := sched.OnTick(ctx, 0, types.Changes{"x": 5})
	if err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if callIn != nil {
		t.Errorf("callIn = %v, want nil", callIn)
	}
	// OnTick's Tick call blocks until every root's dependant, including
	// "inner" here, has published its Output and been propagated back
	// through HandleMessage, so out is already populated synchronously.
	if out["y"] != 5 {
		t.Errorf("exposed y = %v, want 5", out["y"])
	}
}

func TestDevicePresentsNestedSimulationAsOneDevice(t *testing.T) {
	wiring := router.Wiring{
		External: {
			"x": {types.ComponentPort{Component: "inner", Port: "x"}: {}},
		},
	}
	expose := ExposeMap{
		"y": types.ComponentPort{Component: "inner", Port: "out"},
	}
	r, err := BuildRouter(wiring, expose)
	if err != nil {
		t.Fatalf("BuildRouter: %v", err)
	}

	b := inproc.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := component.New("inner", echoDevice{}, nil, b, nil)
	if err := rt.Start(ctx, b); err != nil {
		t.Fatalf("Start inner: %v", err)
	}

	dev := NewDevice(r, b, nil)
	if err := b.Subscribe(ctx, []bus.Topic{bus.OutputTopic("inner")}, dev.Scheduler().HandleMessage); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	update := dev.Update(0, types.Changes{"x": 5})
	if update.Outputs["y"] != 5 {
		t.Errorf("exposed y = %v, want 5", update.Outputs["y"])
	}
	if update.CallAt != nil {
		t.Errorf("CallAt = %v, want nil", update.CallAt)
	}
}

func TestBuildRouterFromInverseWiresExpose(t *testing.T) {
	inner := router.InverseWiring{
		"inner": {"x": types.ComponentPort{Component: External, Port: "x"}},
	}
	expose := ExposeMap{"y": types.ComponentPort{Component: "inner", Port: "out"}}

	r, err := BuildRouterFromInverse(inner, expose)
	if err != nil {
		t.Fatalf("BuildRouterFromInverse: %v", err)
	}
	deps := r.ComponentTree("inner")
	if _, ok := deps[Expose]; !ok {
		t.Errorf("ComponentTree(inner) = %v, want to include %q", deps, Expose)
	}
	roots := r.ComponentTree(External)
	if _, ok := roots["inner"]; !ok {
		t.Errorf("ComponentTree(external) = %v, want to include inner", roots)
	}
}

func TestExposeMapWiresToSyntheticExposeComponent(t *testing.T) {
	wiring := router.Wiring{}
	expose := ExposeMap{"y": types.ComponentPort{Component: "inner", Port: "out"}}

	r, err := BuildRouter(wiring, expose)
	if err != nil {
		t.Fatalf("BuildRouter: %v", err)
	}
	deps := r.ComponentTree("inner")
	if _, ok := deps[Expose]; !ok {
		t.Errorf("ComponentTree(inner) = %v, want to include %q", deps, Expose)
	}
}
