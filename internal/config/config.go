// Package config loads the YAML declaration of a simulation: a list of
// components, each with an identifier, a device descriptor and input
// port bindings, plus the ambient settings (log level, wall-clock
// pacing, bus selection) every subcommand needs. Load only produces
// declarative data; resolving a descriptor Kind into a concrete
// types.Device is the job of the registry in cmd/tickit.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/types"
)

// LevelTrace sits below Debug and is reserved for wire-level forensics:
// the bus implementations log every message crossing a topic at this
// level, so a stuck tick can be reconstructed from the message flow
// without instrumenting the scheduler.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts the log_level config field (or the --log-level
// flag) to a slog.Level. Valid values: trace, debug, info, warn, error;
// empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// NewLogger builds the text logger every tickit subcommand hands down
// to the schedulers, component runtimes and bus implementations.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLogLevelNames,
	}))
}

// replaceLogLevelNames renders LevelTrace as "TRACE" rather than
// slog's default "DEBUG-4".
func replaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// DefaultSearchPaths returns the config file search order. An explicit
// path (from a CLI flag) is checked first by FindConfig. Then:
// ./config.yaml, ~/.config/tickit/config.yaml, /etc/tickit/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tickit", "config.yaml"))
	}

	paths = append(paths, "/etc/tickit/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// PortRef names the upstream ComponentPort an input port is bound to.
type PortRef struct {
	Component types.ComponentID `yaml:"component"`
	Port      types.PortID      `yaml:"port"`
}

// ComponentConfig declares one entry of the component graph: its
// identifier, a device/scheduler descriptor (Kind plus kind-specific
// Settings, left as raw YAML for the registry to decode), and its
// input port bindings.
type ComponentConfig struct {
	ID       types.ComponentID   `yaml:"id"`
	Kind     string              `yaml:"kind"`
	Settings yaml.Node           `yaml:"settings"`
	Inputs   map[types.PortID]PortRef `yaml:"inputs"`
}

// BusConfig selects and configures the transport every component and
// scheduler uses: in-process for single-process runs, MQTT for
// distributed ones.
type BusConfig struct {
	// Kind is "inprocess" (default) or "mqtt".
	Kind string `yaml:"kind"`

	MQTT MQTTBusConfig `yaml:"mqtt"`
}

// MQTTBusConfig configures the distributed bus when BusConfig.Kind is
// "mqtt". Mirrors mqttbus.Config; kept separate so config has no
// import-time dependency on the mqttbus package.
type MQTTBusConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config holds everything a tickit subcommand needs to run: the
// component graph plus the ambient runtime settings.
type Config struct {
	LogLevel        string            `yaml:"log_level"`
	SimulationSpeed float64           `yaml:"simulation_speed"`
	Bus             BusConfig         `yaml:"bus"`
	Components      []ComponentConfig `yaml:"components"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully every field is usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${MQTT_PASSWORD}) as a
	// convenience for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load.
func (c *Config) applyDefaults() {
	if c.SimulationSpeed == 0 {
		c.SimulationSpeed = 1.0
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = "inprocess"
	}
}

var componentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.SimulationSpeed <= 0 {
		return fmt.Errorf("simulation_speed must be positive, got %v", c.SimulationSpeed)
	}
	switch c.Bus.Kind {
	case "inprocess", "mqtt":
	default:
		return fmt.Errorf("bus.kind %q not recognised (want inprocess or mqtt)", c.Bus.Kind)
	}
	if c.Bus.Kind == "mqtt" && c.Bus.MQTT.Broker == "" {
		return fmt.Errorf("bus.mqtt.broker is required when bus.kind is mqtt")
	}

	seen := make(map[types.ComponentID]struct{}, len(c.Components))
	for _, comp := range c.Components {
		if comp.ID == "" {
			return fmt.Errorf("component entry missing id")
		}
		// IDs embed verbatim into bus topic names, so the charset is
		// restricted to what every transport can carry.
		if !componentIDPattern.MatchString(string(comp.ID)) {
			return fmt.Errorf("component id %q contains characters outside [A-Za-z0-9_.-]", comp.ID)
		}
		if _, dup := seen[comp.ID]; dup {
			return fmt.Errorf("component %q declared more than once", comp.ID)
		}
		seen[comp.ID] = struct{}{}
		if comp.Kind == "" {
			return fmt.Errorf("component %q missing kind", comp.ID)
		}
	}
	for _, comp := range c.Components {
		for port, ref := range comp.Inputs {
			if ref.Component == "" {
				return fmt.Errorf("component %q input %q has no source component", comp.ID, port)
			}
			if _, ok := seen[ref.Component]; !ok {
				return fmt.Errorf("component %q input %q references unknown component %q", comp.ID, port, ref.Component)
			}
		}
	}
	return nil
}

// Wiring converts the component graph into a router.InverseWiring.
// Every declared component gets an entry, even an empty one, so a component
// with no inputs and no downstream consumer (e.g. a bare HTTP-driven
// sensor) is still part of the router's component set and can be
// ticked on its own interrupts.
func (c *Config) Wiring() router.InverseWiring {
	inv := make(router.InverseWiring, len(c.Components))
	for _, comp := range c.Components {
		ports := make(map[types.PortID]types.ComponentPort, len(comp.Inputs))
		for port, ref := range comp.Inputs {
			ports[port] = types.ComponentPort{Component: ref.Component, Port: ref.Port}
		}
		inv[comp.ID] = ports
	}
	return inv
}

// ComponentIDs returns every declared component's ID in declaration
// order, used by the CLI's "all" subcommand to start every component.
func (c *Config) ComponentIDs() []types.ComponentID {
	ids := make([]types.ComponentID, 0, len(c.Components))
	for _, comp := range c.Components {
		ids = append(ids, comp.ID)
	}
	return ids
}

// Component returns the ComponentConfig for id, or false if no such
// component was declared.
func (c *Config) Component(id types.ComponentID) (ComponentConfig, bool) {
	for _, comp := range c.Components {
		if comp.ID == id {
			return comp, true
		}
	}
	return ComponentConfig{}, false
}
