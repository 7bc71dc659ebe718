package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/robo-infra/armbus/internal/backend"
	"github.com/robo-infra/armbus/internal/canbus"
	"github.com/robo-infra/armbus/internal/config"
	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/internal/httpapi"
	"github.com/robo-infra/armbus/internal/metrics"
	"github.com/robo-infra/armbus/internal/relay"
	"github.com/robo-infra/armbus/internal/supervisor"
	"github.com/robo-infra/armbus/internal/transport"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "armbusd: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewFileLogger("armbusd", logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	if err != nil {
		log = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	}

	if err := run(cfg, log); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Fatal() {
			log.Fatal("Startup failed", map[string]interface{}{"error": err.Error()})
		}
		log.Error("Daemon exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	met := metrics.New(registry)

	// Bring up the buses first; nothing else is useful without them.
	bus := canbus.NewManager(cfg.Bitrate, log)
	adapters, err := bus.AssignRoles(ctx, cfg.ChannelRoles)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := bus.Bind(ctx, a.Name); err != nil {
			return err
		}
		if err := bus.Verify(ctx, a.Name); err != nil {
			log.Warn("Adapter bound but failed verification", map[string]interface{}{
				"interface": a.Name,
				"error":     err.Error(),
			})
		}
	}

	enable, err := transport.NewEnableListener(ctx, cfg.Ports.Enable, log)
	if err != nil {
		return err
	}
	defer enable.Close()

	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	// First pass: arm backends and the supervisor channel set.
	type armRuntime struct {
		arm *config.ArmConfig
		be  backend.Backend
	}
	var (
		runtimes []armRuntime
		channels []supervisor.Channel
	)
	for i := range cfg.Arms {
		armCfg := &cfg.Arms[i]
		be, chain, err := buildBackend(ctx, armCfg, bus, log)
		if err != nil {
			return err
		}
		closers = append(closers, be.Close)
		runtimes = append(runtimes, armRuntime{arm: armCfg, be: be})

		if chain != nil {
			name := armCfg.Channel
			if adapter, ok := bus.ByRole(armCfg.Channel); ok {
				name = adapter.Name
			}
			channels = append(channels, supervisor.Channel{
				Name:   name,
				Arm:    armCfg.Side,
				Chain:  chain,
				Ladder: canbus.NewLadder(bus, name, cfg.Supervisor.SettleTime),
			})
		}
	}

	sup := supervisor.New(cfg.Supervisor, channels, enable.Requests(), met, log)

	// Second pass: sockets and relays, now that the supervisor exists to
	// receive bus-fault reports.
	var relays []*relay.Relay
	for i, rt := range runtimes {
		arm := models.NewArm(rt.arm.Side, rt.arm.Backend, rt.arm.Channel)
		ports := cfg.ArmPorts(i)

		source, err := transport.NewCommandSource(ctx, arm.Side, ports.Command, log)
		if err != nil {
			return err
		}
		closers = append(closers, source.Close)

		sink, err := transport.NewObservationStream(ctx, ports.Observation, log)
		if err != nil {
			return err
		}
		closers = append(closers, sink.Close)

		obsPub, err := transport.NewObservationSink(ctx, ports.ObservationPub, log)
		if err != nil {
			return err
		}
		closers = append(closers, obsPub.Close)

		echo, err := transport.NewCommandBroadcast(ctx, ports.CommandPub, log)
		if err != nil {
			return err
		}
		closers = append(closers, echo.Close)

		relays = append(relays, relay.New(arm, relay.Config{
			Period:         cfg.LoopPeriod(),
			ReceiveTimeout: cfg.ReceiveTimeout,
		}, source, rt.be, obsFanout{sink, obsPub}, echo, sup, met, log))
	}

	api := httpapi.New(cfg.Ports.HTTP, sup, bus, registry, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(); err != nil {
			log.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Supervisor stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	for _, r := range relays {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Relay stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	log.Info("armbusd running", map[string]interface{}{
		"arms":      len(relays),
		"channels":  len(channels),
		"http_port": cfg.Ports.HTTP,
	})

	<-ctx.Done()
	log.Info("Shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = api.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}

// obsFanout hands each observation to every publisher. Both sinks are
// non-blocking, so the fan-out is too.
type obsFanout []relay.ObservationPublisher

func (f obsFanout) Publish(obs *models.Observation) {
	for _, p := range f {
		p.Publish(obs)
	}
}

// buildBackend constructs the arm backend. Direct arms also expose a
// maintenance chain for the supervisor; proxied arms are supervised by
// the remote hardware server, not locally.
func buildBackend(ctx context.Context, armCfg *config.ArmConfig, bus *canbus.Manager, log *logging.Logger) (backend.Backend, backend.Chain, error) {
	switch armCfg.Backend {
	case models.BackendProxied:
		be, err := backend.NewProxy(ctx, armCfg.Side, armCfg.Channel, armCfg.ServerEndpoint, log)
		return be, nil, err

	default:
		adapter, ok := bus.ByRole(armCfg.Channel)
		if !ok {
			return nil, nil, fault.ConfigError(
				fmt.Sprintf("no adapter bound for channel role %q", armCfg.Channel), nil)
		}
		be, err := backend.NewDirect(ctx, adapter.Name, backend.DirectConfig{
			Interface: adapter.Name,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return be, be, nil
	}
}
