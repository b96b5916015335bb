package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/database"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/scheduler"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"
)

func newServeCmd(flags *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, flags)
		},
	}
}

func runServe(ctx context.Context, stdout io.Writer, flags *globalFlags) error {
	cfg, cfgPath, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Storage ---
	db, err := database.Open(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer db.Close()

	history, err := memory.NewSQLStore(ctx, db, logger)
	if err != nil {
		return err
	}
	usageStore, err := usage.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	logger.Info("history store ready", "driver", cfg.History.Driver)

	// --- Providers and tools ---
	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	mcpd, discoverer, err := buildDiscoverer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeMCP(mcpd, logger)

	bus := events.New()
	static := tools.Builtins(nil, cfg.Tools.Calculator)

	opts := agent.Options{
		Store:            history,
		Providers:        providers,
		Discoverer:       discoverer,
		Usage:            usageStore,
		Pricing:          cfg.Pricing,
		Bus:              bus,
		Logger:           logger,
		Model:            cfg.Model,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxSteps:         cfg.Agent.MaxSteps,
		ToolTimeout:      seconds(cfg.Tools.TimeoutSec),
		DiscoveryTimeout: seconds(cfg.Agent.DiscoveryTimeoutSec),
	}

	// --- Scheduler ---
	// The scheduler and the agent refer to each other: tasks fire into
	// the agent and the agent's tools create tasks.
	var sched *scheduler.Scheduler
	var ag *agent.Agent
	if cfg.Scheduler.Enabled {
		taskStore, err := scheduler.NewStore(ctx, db)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		sched = scheduler.New(logger, taskStore, func(ctx context.Context, t *scheduler.Task, e *scheduler.Execution) error {
			return ag.RunTask(ctx, t, e)
		}, seconds(cfg.Scheduler.TaskTimeoutSec))
		static = append(static, tools.ScheduleTools(sched, nil)...)
	}
	opts.Static = tools.NewSet(static...)
	ag = agent.New(opts)

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// --- Health ---
	connMgr := connwatch.NewManager(logger, bus)
	defer connMgr.Stop()
	watchServices(ctx, connMgr, providers, mcpd)

	// --- MQTT telemetry ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub, err = startMQTT(ctx, cfg, bus, connMgr, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API ---
	srvOpts := api.Options{
		Addr:      net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
		Agent:     ag,
		Providers: providers,
		Usage:     usageStore,
		Health:    connMgr,
		Bus:       bus,
		Logger:    logger,
	}
	if sched != nil {
		srvOpts.Tasks = sched
	}
	server := api.NewServer(srvOpts)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("parley stopped")
	return nil
}

func startMQTT(ctx context.Context, cfg *config.Config, bus *events.Bus, connMgr *connwatch.Manager, logger *slog.Logger) (*mqtt.Publisher, error) {
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	stats := &mqttStats{model: cfg.Model}
	pub := mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyTokens(nil), stats, bus, logger)
	go func() {
		if err := pub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Kind: connwatch.KindMQTT,
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	logger.Info("mqtt publishing enabled",
		"broker", cfg.MQTT.Broker,
		"device_name", cfg.MQTT.DeviceName,
		"interval", cfg.MQTT.PublishIntervalSec,
	)
	return pub, nil
}

// mqttStats adapts process information to [mqtt.StatsSource].
type mqttStats struct {
	model string
}

func (s *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *mqttStats) Version() string       { return buildinfo.Version }
func (s *mqttStats) DefaultModel() string  { return s.model }
