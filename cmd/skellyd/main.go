// Package main implements the entry point for the skelly-jelly runtime.
// skellyd hosts the in-process message bus, the module orchestrator, and
// the resilience infrastructure (retries, circuit breakers, dead letter
// queue, recovery) the application modules run on.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/chreez/skelly-jelly-sub001/breaker"
	"github.com/chreez/skelly-jelly-sub001/bus"
	"github.com/chreez/skelly-jelly-sub001/config"
	"github.com/chreez/skelly-jelly-sub001/deadletter"
	"github.com/chreez/skelly-jelly-sub001/errlog"
	"github.com/chreez/skelly-jelly-sub001/message"
	"github.com/chreez/skelly-jelly-sub001/metric"
	"github.com/chreez/skelly-jelly-sub001/module"
	"github.com/chreez/skelly-jelly-sub001/orchestrator"
	"github.com/chreez/skelly-jelly-sub001/pkg/retry"
	"github.com/chreez/skelly-jelly-sub001/recovery"
	"github.com/chreez/skelly-jelly-sub001/resource"
	"github.com/chreez/skelly-jelly-sub001/telemetry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "skellyd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	configManager, err := config.NewManager(cliCfg.ConfigPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := configManager.GetConfig().Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	infra, err := setupInfrastructure(ctx, cfg, configManager, logger)
	if err != nil {
		return err
	}
	defer infra.close(ctx)

	orch, restartCh, err := buildOrchestrator(cfg, infra, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, orch, restartCh, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting skelly-jelly runtime",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// infrastructure bundles everything the orchestrator sits on top of.
// close tears it down in reverse dependency order.
type infrastructure struct {
	configManager  *config.Manager
	metricsServer  *metric.Server
	errlogger      *errlog.Logger
	store          *deadletter.Store
	dlq            *deadletter.Queue
	recoverySystem *recovery.System
	bus            *bus.EnhancedBus
	resources      *resource.Manager
	collector      *telemetry.Collector
}

// setupInfrastructure creates and starts the resilience stack: metrics,
// error logging, dead letter queue, recovery system, the enhanced bus,
// and the resource/telemetry monitors.
func setupInfrastructure(
	ctx context.Context,
	cfg *config.Config,
	configManager *config.Manager,
	logger *slog.Logger,
) (*infrastructure, error) {
	infra := &infrastructure{configManager: configManager}

	metricsRegistry := metric.NewMetricsRegistry()
	if cfg.Metrics.Enabled {
		infra.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		go func() {
			if err := infra.metricsServer.Start(); err != nil {
				slog.Error("Metrics server stopped", "error", err)
			}
		}()
		slog.Info("Metrics endpoint enabled", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	infra.errlogger = errlog.New(errlog.Config{
		MinSeverity:      errlog.ParseSeverity(cfg.ErrorLog.MinSeverity),
		Format:           errlog.Format(cfg.ErrorLog.Format),
		MaxMessageLength: cfg.ErrorLog.MaxMessageLength,
		TopMessages:      cfg.ErrorLog.TopMessages,
	}, errlog.WithMetrics(metricsRegistry.Metrics))

	store, err := deadletter.OpenStore(deadletter.StoreConfig{
		Path:       cfg.DeadLetter.Path,
		InMemory:   cfg.DeadLetter.InMemory,
		SyncWrites: cfg.DeadLetter.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	infra.store = store

	// The replay callback closes over the bus variable, which is only
	// assigned below once the bus exists.
	replay := func(ctx context.Context, env *message.Envelope) error {
		return infra.bus.ReplayFunc()(ctx, env)
	}
	infra.dlq = deadletter.NewQueue(store, deadletter.QueueConfig{
		MaxAge:          cfg.DeadLetter.MaxAge.Std(),
		CleanupInterval: cfg.DeadLetter.CleanupInterval.Std(),
	}, replay, logger, deadletter.WithQueueMetrics(metricsRegistry.Metrics))
	infra.dlq.Start(ctx)

	infra.recoverySystem = recovery.NewSystem(recovery.SystemConfig{
		MaxConcurrentActions: cfg.Recovery.MaxConcurrentActions,
	}, logger,
		recovery.WithSystemMetrics(metricsRegistry.Metrics),
		recovery.WithErrorRateWindow(cfg.Recovery.ErrorRateWindow.Std()))
	if err := infra.recoverySystem.Start(ctx); err != nil {
		return nil, fmt.Errorf("start recovery system: %w", err)
	}

	infra.bus, err = bus.NewEnhancedBus(bus.EnhancedConfig{
		Core: bus.Config{
			QueueCapacity:   cfg.Bus.QueueCapacity,
			DeliveryTimeout: cfg.Bus.DeliveryTimeout.Std(),
		},
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay.Std(),
			MaxDelay:     cfg.Retry.MaxDelay.Std(),
			Multiplier:   cfg.Retry.Multiplier,
			AddJitter:    true,
			JitterFactor: cfg.Retry.JitterFactor,
			TotalTimeout: cfg.Retry.TotalTimeout.Std(),
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			ResetTimeout:     cfg.Breaker.OpenTimeout.Std(),
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenProbes,
		},
	}, infra.dlq, infra.errlogger, infra.recoverySystem, logger,
		bus.WithMetrics(metricsRegistry.Metrics))
	if err != nil {
		return nil, fmt.Errorf("create bus: %w", err)
	}

	registerBreakerResetAction(infra.recoverySystem, infra.bus.Breakers(), cfg.Recovery.DefaultCooldown.Std())

	limits := make(map[message.ModuleID]config.ResourceLimits, len(cfg.Resource.Limits))
	for id, l := range cfg.Resource.Limits {
		limits[message.ModuleID(id)] = l
	}
	infra.resources = resource.NewManager(resource.ManagerConfig{
		SampleInterval: cfg.Resource.SampleInterval.Std(),
		Limits:         limits,
	}, logger)

	infra.collector = telemetry.NewCollector(telemetry.Config{
		AggregationInterval: cfg.Telemetry.SampleInterval.Std(),
		HistorySize:         cfg.Telemetry.HistorySize,
		RegressionPercent:   cfg.Telemetry.RegressionPercent,
		BaselineWarmup:      cfg.Telemetry.BaselineWarmup,
	}, logger)
	infra.resources.OnSample(func(system resource.SystemUsage, modules map[message.ModuleID]resource.Usage) {
		infra.collector.RecordSystemUsage(system)
		for id, usage := range modules {
			infra.collector.RecordModuleUsage(id, usage)
		}
		infra.collector.RecordPerf(telemetry.PerfStats{
			CPUPercent:  system.CPUPercent,
			MemoryBytes: system.MemoryBytes,
		})
	})
	infra.resources.Start(ctx)
	infra.collector.Start(ctx)

	go watchConfigChanges(ctx, configManager)

	return infra, nil
}

// registerBreakerResetAction lets the recovery system force open
// publish breakers closed once an incident blames a tripped circuit.
func registerBreakerResetAction(sys *recovery.System, breakers *breaker.Registry, cooldown time.Duration) {
	action := recovery.Action{
		Name:       "reset-open-breakers",
		Level:      recovery.LevelAutomatic,
		Conditions: []recovery.Condition{recovery.ErrorContains("circuit breaker")},
		Cooldown:   cooldown,
		Execute: func(_ context.Context, inc *recovery.Incident) error {
			reset := 0
			for name, stats := range breakers.AllStats() {
				if stats.State == breaker.StateOpen {
					breakers.Get(name).ForceClose()
					reset++
				}
			}
			slog.Info("Forced open circuit breakers closed",
				"incident", inc.ID, "module", inc.Module, "count", reset)
			return nil
		},
	}
	if err := sys.RegisterAction(action); err != nil {
		slog.Warn("Could not register breaker reset action", "error", err)
	}
}

// watchConfigChanges logs hot reloads picked up by the config watcher.
func watchConfigChanges(ctx context.Context, manager *config.Manager) {
	updates := manager.OnChange()
	if err := manager.Start(ctx); err != nil {
		slog.Warn("Config hot reload unavailable", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			slog.Info("Configuration reloaded", "path", update.Path,
				"version", update.Config.Get().Version)
		}
	}
}

// buildOrchestrator wires the module orchestrator over the bus and
// registers the bus itself as the first core-phase module so its health
// participates in system health.
func buildOrchestrator(
	cfg *config.Config,
	infra *infrastructure,
	logger *slog.Logger,
) (*orchestrator.Orchestrator, <-chan string, error) {
	restartCh := make(chan string, 1)

	orch := orchestrator.New(orchestrator.Config{
		Sequencer: orchestrator.SequencerConfig{
			PhaseTimeout:  cfg.Startup.PhaseTimeout.Std(),
			ModuleTimeout: cfg.Startup.ModuleTimeout.Std(),
			MaxParallel:   cfg.Startup.MaxParallel,
			ForceStart:    cfg.Startup.ForceStart,
		},
		Recovery: orchestrator.RecoveryConfig{
			DefaultStrategy: orchestrator.StrategyRestart,
			Strategies: map[message.ModuleID]orchestrator.Strategy{
				message.ModuleEventBus: orchestrator.StrategySystemRestart,
				message.ModuleStorage:  orchestrator.StrategyRestartWithReset,
				message.ModuleFigurine: orchestrator.StrategyDegradedMode,
			},
			BaseBackoff: cfg.Recovery.DefaultCooldown.Std(),
		},
	}, infra.bus, logger,
		orchestrator.WithResourceManager(infra.resources),
		orchestrator.WithRecoveryOptions(
			orchestrator.WithSystemRestartFunc(func(reason string) {
				select {
				case restartCh <- reason:
				default:
				}
			}),
			orchestrator.WithNotifyFunc(func(id message.ModuleID, reason string) {
				slog.Error("Module needs manual intervention", "module", id, "reason", reason)
			}),
		))

	err := orch.RegisterModule(module.Descriptor{
		ID:      message.ModuleEventBus,
		Version: Version,
		Phase:   module.PhaseCore,
		Runner:  newBusRunner(infra.bus),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("register bus module: %w", err)
	}

	return orch, restartCh, nil
}

// runWithSignalHandling starts the system and blocks until a shutdown
// signal arrives or recovery requests a full restart.
func runWithSignalHandling(
	ctx context.Context,
	orch *orchestrator.Orchestrator,
	restartCh <-chan string,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := orch.StartSystem(signalCtx); err != nil {
		return fmt.Errorf("start system: %w", err)
	}
	report := orch.StartupReport()
	if report != nil {
		slog.Info("skelly-jelly started",
			"modules", len(report.Started),
			"duration", report.TotalDuration,
			"target_met", report.TargetMet)
	}

	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case reason := <-restartCh:
		slog.Error("System restart requested by recovery", "reason", reason)
	}

	if err := orch.StopSystem(shutdownTimeout); err != nil {
		slog.Error("Error stopping modules", "error", err)
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("skelly-jelly shutdown complete")
	return nil
}

// close tears the infrastructure down in reverse start order. Errors
// are logged rather than returned since shutdown should proceed.
func (i *infrastructure) close(ctx context.Context) {
	if i.collector != nil {
		i.collector.Stop()
	}
	if i.resources != nil {
		i.resources.Stop()
	}
	if i.bus != nil {
		// Shutdown also stops the recovery system and the dead letter
		// queue, which closes the store.
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := i.bus.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down bus", "error", err)
		}
		cancel()
	} else {
		// Partial construction: the bus never took ownership, so stop
		// what did come up.
		if i.recoverySystem != nil {
			if err := i.recoverySystem.Stop(5 * time.Second); err != nil {
				slog.Error("Error stopping recovery system", "error", err)
			}
		}
		if i.dlq != nil {
			if err := i.dlq.Stop(); err != nil {
				slog.Error("Error stopping dead letter queue", "error", err)
			}
		} else if i.store != nil {
			if err := i.store.Close(); err != nil {
				slog.Error("Error closing dead letter store", "error", err)
			}
		}
	}
	if i.metricsServer != nil {
		if err := i.metricsServer.Stop(); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}
	if i.configManager != nil {
		i.configManager.Stop()
	}
}
