// The registry resolves each ComponentConfig's declarative Kind/Settings
// into a concrete types.Device and its types.Adapters. The core engine
// never sees device kinds; only this command knows how to build them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tickit-go/tickit/internal/adapter/httpadapter"
	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/component"
	"github.com/tickit-go/tickit/internal/config"
	"github.com/tickit-go/tickit/internal/device/source"
	"github.com/tickit-go/tickit/internal/device/toy"
	"github.com/tickit-go/tickit/internal/slave"
	"github.com/tickit-go/tickit/internal/types"
)

// buildDevice resolves one ComponentConfig into a device and its
// adapters. Unknown kinds are a configuration error.
func buildDevice(ctx context.Context, cfg config.ComponentConfig, b simBus, logger *slog.Logger) (types.Device, []types.Adapter, error) {
	switch cfg.Kind {
	case "source":
		return buildSource(cfg)
	case "toy":
		return buildToy(cfg, logger)
	case "simulation":
		return buildSimulation(ctx, cfg, b, logger)
	default:
		return nil, nil, fmt.Errorf("component %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

type sourceSettings struct {
	Value      any    `yaml:"value"`
	IntervalNS int64  `yaml:"interval_ns"`
	Port       string `yaml:"port"`
}

func buildSource(cfg config.ComponentConfig) (types.Device, []types.Adapter, error) {
	var s sourceSettings
	if err := decodeSettings(cfg.Settings, &s); err != nil {
		return nil, nil, fmt.Errorf("component %q settings: %w", cfg.ID, err)
	}

	var dev *source.Device
	if s.IntervalNS > 0 {
		value := s.Value
		dev = source.Periodic(types.SimTime(s.IntervalNS), func(types.SimTime, int) any { return value })
	} else {
		dev = source.Const(s.Value)
	}
	if s.Port != "" {
		dev.Port = types.PortID(s.Port)
	}
	return dev, nil, nil
}

type toySettings struct {
	Observed   float64 `yaml:"observed"`
	Unobserved float64 `yaml:"unobserved"`
	Hidden     float64 `yaml:"hidden"`
	HTTPAddr   string  `yaml:"http_addr"`
}

// buildToy wires a RemoteControlled device and, when the component
// declares an http_addr, both the reference toy.Adapter (which owns the
// device-mutation/interrupt-raising half) and the httpadapter transport
// (which exposes that half over HTTP and pushes every interrupt to any
// connected WebSocket client).
func buildToy(cfg config.ComponentConfig, logger *slog.Logger) (types.Device, []types.Adapter, error) {
	var s toySettings
	if err := decodeSettings(cfg.Settings, &s); err != nil {
		return nil, nil, fmt.Errorf("component %q settings: %w", cfg.ID, err)
	}

	dev := toy.New(s.Observed, s.Unobserved, s.Hidden)
	if s.HTTPAddr == "" {
		return dev, nil, nil
	}

	toyAdapter := toy.NewAdapter(dev)
	commands := []httpadapter.Command{
		{
			Method: http.MethodPost,
			Path:   "/observed",
			Set: func(body []byte) (any, error) {
				var req struct {
					Value float64 `json:"value"`
				}
				if err := json.Unmarshal(body, &req); err != nil {
					return nil, fmt.Errorf("decode request: %w", err)
				}
				setCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := toyAdapter.Set(setCtx, req.Value); err != nil {
					return nil, err
				}
				return map[string]float64{"observed": req.Value}, nil
			},
			// toyAdapter.Run already raises the interrupt once its own
			// command loop applies the change; asking httpadapter to
			// raise it too would fire it twice for the same command.
			Interrupt: false,
		},
	}
	httpAdapter := httpadapter.New(s.HTTPAddr, commands, logger.With("component", string(cfg.ID)))

	return dev, []types.Adapter{toyAdapter, httpAdapter}, nil
}

// simulationSettings declares a nested sub-simulation: its own inner
// component list (whose inputs may reference the reserved "external"
// component for parent-supplied values) and which inner output feeds
// each exposed port. Inner component IDs share the bus topic namespace
// with the outer simulation, so they must be globally unique.
type simulationSettings struct {
	Components []config.ComponentConfig        `yaml:"components"`
	Expose     map[types.PortID]config.PortRef `yaml:"expose"`
}

// buildSimulation wires a slave scheduler presented as a single device:
// inner components are built and started here (their lifetime is bound
// to ctx), and the returned slave.Device doubles as the adapter that
// chains inner interrupts to the outer scheduler.
func buildSimulation(ctx context.Context, cfg config.ComponentConfig, b simBus, logger *slog.Logger) (types.Device, []types.Adapter, error) {
	var s simulationSettings
	if err := decodeSettings(cfg.Settings, &s); err != nil {
		return nil, nil, fmt.Errorf("component %q settings: %w", cfg.ID, err)
	}
	if len(s.Components) == 0 {
		return nil, nil, fmt.Errorf("component %q: simulation declares no inner components", cfg.ID)
	}

	// The synthetic entry lets inner inputs reference "external" without
	// tripping the unknown-component validation; it is never built.
	inner := &config.Config{
		SimulationSpeed: 1,
		Bus:             config.BusConfig{Kind: "inprocess"},
		Components: append(
			[]config.ComponentConfig{{ID: types.ExternalComponent, Kind: "external"}},
			s.Components...),
	}
	if err := inner.Validate(); err != nil {
		return nil, nil, fmt.Errorf("component %q: inner graph: %w", cfg.ID, err)
	}

	expose := make(slave.ExposeMap, len(s.Expose))
	for port, ref := range s.Expose {
		expose[port] = types.ComponentPort{Component: ref.Component, Port: ref.Port}
	}
	r, err := slave.BuildRouterFromInverse(inner.Wiring(), expose)
	if err != nil {
		return nil, nil, fmt.Errorf("component %q: build inner router: %w", cfg.ID, err)
	}

	dev := slave.NewDevice(r, b, logger.With("component", string(cfg.ID)))

	topics := make([]bus.Topic, 0, len(s.Components))
	for _, innerCfg := range s.Components {
		topics = append(topics, bus.OutputTopic(innerCfg.ID))
	}
	if err := b.Subscribe(ctx, topics, dev.Scheduler().HandleMessage); err != nil {
		return nil, nil, fmt.Errorf("component %q: subscribe to inner outputs: %w", cfg.ID, err)
	}

	for _, innerCfg := range s.Components {
		innerDev, innerAdapters, err := buildDevice(ctx, innerCfg, b, logger)
		if err != nil {
			return nil, nil, err
		}
		rt := component.New(innerCfg.ID, innerDev, innerAdapters, b, logger.With("component", string(innerCfg.ID)))
		if err := rt.Start(ctx, b); err != nil {
			return nil, nil, fmt.Errorf("start inner component %q: %w", innerCfg.ID, err)
		}
	}

	return dev, []types.Adapter{dev}, nil
}

func decodeSettings(n yaml.Node, out any) error {
	if n.Kind == 0 {
		return nil
	}
	return n.Decode(out)
}
