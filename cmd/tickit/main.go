// Package main is the entry point for the tickit simulation runner:
// three subcommands (all, scheduler, components) plus global
// --log-level/--version flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tickit-go/tickit/internal/buildinfo"
	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/bus/inproc"
	"github.com/tickit-go/tickit/internal/bus/mqttbus"
	"github.com/tickit-go/tickit/internal/component"
	"github.com/tickit-go/tickit/internal/config"
	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/scheduler"
	"github.com/tickit-go/tickit/internal/types"
)

// simBus is the subset of bus behaviour every subcommand needs,
// satisfied by both bus/inproc and bus/mqttbus.
type simBus interface {
	bus.Producer
	bus.Consumer
}

func main() {
	logLevel := flag.String("log-level", "info", "log level: trace, debug, info, warn, error")
	configPath := flag.String("config", "", "path to config file")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	level, err := config.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stderr, level)

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	// The config file is the last positional argument ("all <config>",
	// "components <id...> <config>"); --config may be given instead.
	args := flag.Args()
	explicitCfg := *configPath
	if explicitCfg == "" && len(args) >= 2 {
		explicitCfg = args[len(args)-1]
		args = args[:len(args)-1]
	}

	cfgPath, err := config.FindConfig(explicitCfg)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	var runErr error
	switch args[0] {
	case "all":
		runErr = runAll(ctx, cfg, logger)
	case "scheduler":
		runErr = runScheduler(ctx, cfg, logger)
	case "components":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: tickit components <id...> <config>")
			os.Exit(1)
		}
		ids := make([]types.ComponentID, 0, len(args)-1)
		for _, a := range args[1:] {
			ids = append(ids, types.ComponentID(a))
		}
		runErr = runComponents(ctx, cfg, ids, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if runErr != nil && ctx.Err() == nil {
		logger.Error("tickit exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("tickit stopped")
}

func usage() {
	fmt.Println("tickit - discrete-event device simulation tick engine")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  all <config>                Run the master scheduler plus every component in-process")
	fmt.Println("  scheduler <config>          Run only the master scheduler, expecting an external bus")
	fmt.Println("  components <id...> <config> Run only the named components, expecting an external bus")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// buildBus constructs the transport cfg.Bus selects. For mqtt it also
// returns a close function to disconnect on shutdown.
func buildBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (simBus, func(), error) {
	switch cfg.Bus.Kind {
	case "mqtt":
		b, err := mqttbus.Connect(ctx, mqttbus.Config{
			Broker:   cfg.Bus.MQTT.Broker,
			ClientID: cfg.Bus.MQTT.ClientID,
			Username: cfg.Bus.MQTT.Username,
			Password: cfg.Bus.MQTT.Password,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mqtt broker: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return inproc.New(logger), func() {}, nil
	}
}

// runAll builds the full component graph in-process, starts every
// component and the master scheduler, and runs until ctx is cancelled
// or a fatal ComponentException is returned.
func runAll(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r, err := router.NewFromInverse(cfg.Wiring())
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	b, closeBus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	runtimes, err := startComponents(ctx, cfg, cfg.ComponentIDs(), b, logger)
	if err != nil {
		return err
	}
	defer stopComponents(runtimes)

	s := scheduler.New(r, b, cfg.SimulationSpeed, logger)
	return s.Run(ctx)
}

// runScheduler runs only the master scheduler against an external bus;
// components are expected to be started separately (see runComponents).
func runScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	r, err := router.NewFromInverse(cfg.Wiring())
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	b, closeBus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	s := scheduler.New(r, b, cfg.SimulationSpeed, logger)
	return s.Run(ctx)
}

// runComponents starts only the named components against an external
// bus and blocks until ctx is cancelled.
func runComponents(ctx context.Context, cfg *config.Config, ids []types.ComponentID, logger *slog.Logger) error {
	b, closeBus, err := buildBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	runtimes, err := startComponents(ctx, cfg, ids, b, logger)
	if err != nil {
		return err
	}
	defer stopComponents(runtimes)

	<-ctx.Done()
	return nil
}

func startComponents(ctx context.Context, cfg *config.Config, ids []types.ComponentID, b simBus, logger *slog.Logger) ([]*component.Runtime, error) {
	runtimes := make([]*component.Runtime, 0, len(ids))
	for _, id := range ids {
		compCfg, ok := cfg.Component(id)
		if !ok {
			return nil, fmt.Errorf("no component named %q declared in config", id)
		}
		device, adapters, err := buildDevice(ctx, compCfg, b, logger)
		if err != nil {
			return nil, err
		}
		rt := component.New(id, device, adapters, b, logger.With("component", string(id)))
		if err := rt.Start(ctx, b); err != nil {
			return nil, fmt.Errorf("start component %q: %w", id, err)
		}
		runtimes = append(runtimes, rt)
	}
	return runtimes, nil
}

func stopComponents(runtimes []*component.Runtime) {
	for _, rt := range runtimes {
		rt.Stop()
	}
}
