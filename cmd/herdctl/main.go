// Command herdctl boots the fleet supervisor in the foreground: it loads
// the daemon and per-agent configuration, wires the runtime factory,
// lifecycle manager, and fleet supervisor together, registers every
// configured agent and its schedules, and runs until an interrupt signal
// stops it cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ikido/herdctl/internal/config"
	"github.com/ikido/herdctl/internal/container"
	"github.com/ikido/herdctl/internal/eventbus"
	"github.com/ikido/herdctl/internal/fleet"
	"github.com/ikido/herdctl/internal/lifecycle"
	"github.com/ikido/herdctl/internal/logger"
	"github.com/ikido/herdctl/internal/mcpext"
	"github.com/ikido/herdctl/internal/runtime"
	"github.com/ikido/herdctl/internal/runtime/cli"
	"github.com/ikido/herdctl/internal/runtime/sdk"
	"github.com/ikido/herdctl/internal/statestore"
	"github.com/ikido/herdctl/internal/telemetry"
	"github.com/ikido/herdctl/pkg/herd"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the fleet config file or directory")
	flag.Parse()

	if flag.NArg() > 0 {
		if flag.Arg(0) != "start" {
			fmt.Fprintf(os.Stderr, "usage: herdctl start [--config <path>]\n")
			os.Exit(2)
		}
		// flag.Parse stops at the "start" verb; parse the flags after it.
		_ = flag.CommandLine.Parse(flag.Args()[1:])
	}

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if cfg.Telemetry.OTLPEndpoint != "" {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := telemetry.Shutdown(shutdownCtx); serr != nil {
			log.Warn("telemetry shutdown failed", zap.Error(serr))
		}
	}()

	log.Info("starting herdctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := statestore.Open(cfg.StateDir, log)
	if err != nil {
		log.Fatal("failed to open state store", zap.Error(err))
	}

	var bus eventbus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, nerr := eventbus.NewNATSEventBus(cfg.NATS, log)
		if nerr != nil {
			log.Fatal("failed to connect to NATS", zap.Error(nerr))
		}
		bus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		bus = eventbus.NewMemoryEventBus(log)
	}

	var wrap func(base runtime.Runtime, agent herd.Agent) (runtime.Runtime, error)
	if cfg.Docker.Enabled {
		dockerClient, derr := container.NewClient(cfg.Docker.Host, cfg.Docker.APIVersion, log)
		if derr != nil {
			log.Warn("failed to initialize Docker client, container runtime disabled", zap.Error(derr))
		} else {
			defer dockerClient.Close()
			if perr := dockerClient.Ping(ctx); perr != nil {
				log.Warn("Docker daemon not reachable, container runtime disabled", zap.Error(perr))
			} else {
				containerMgr := container.NewManager(dockerClient, cfg.Docker, store.DockerSessionsDir(), log)
				decorator := container.NewDecorator(containerMgr, log)
				defer containerMgr.StopAll(context.Background())
				wrap = decorator.Wrap
			}
		}
	}

	factory := runtime.NewFactory(
		func() runtime.Runtime { return sdk.NewRunner(log) },
		func(command string) runtime.Runtime { return cli.NewRunner(command, log) },
		wrap,
	)

	lifecycleMgr := lifecycle.NewManager(store, factory, bus, log)
	supervisor := fleet.NewSupervisor(store, lifecycleMgr, bus, fleet.AgentDefaults{
		MaxConcurrent: cfg.Agent.MaxConcurrent,
		Timeout:       cfg.Agent.Timeout,
		SessionTTL:    cfg.Agent.SessionTTL,
	}, log)

	mcpServer := mcpext.New(supervisor, mcpext.Config{Addr: cfg.MCP.Addr}, log)
	if serr := mcpServer.Start(ctx); serr != nil {
		log.Fatal("failed to start fleet-control mcp server", zap.Error(serr))
	}
	defer mcpServer.Stop(context.Background())
	lifecycleMgr.SetExtensionStatusURL(fmt.Sprintf("http://%s/mcp", mcpServer.Addr()))
	log.Info("fleet-control mcp server listening", zap.String("addr", mcpServer.Addr()))

	agents, err := config.LoadAgentsDir(cfg.AgentsDir, *cfg)
	if err != nil {
		log.Fatal("failed to load agent documents", zap.Error(err))
	}
	for _, agent := range agents {
		if rerr := supervisor.RegisterAgent(agent); rerr != nil {
			log.Fatal("failed to register agent", zap.String("agent", agent.Name), zap.Error(rerr))
		}
		log.Info("registered agent", zap.String("agent", agent.Name), zap.Int("schedules", len(agent.Schedules)))
	}

	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("failed to start fleet supervisor", zap.Error(err))
	}
	log.Info("herdctl running", zap.Int("agents", len(agents)))

	<-ctx.Done()
	log.Info("shutting down herdctl")

	if err := supervisor.Stop(); err != nil {
		log.Error("fleet supervisor stop error", zap.Error(err))
	}
	log.Info("herdctl stopped")
}
