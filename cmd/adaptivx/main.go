package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adaptivx/internal/api"
	"adaptivx/internal/artifacts"
	"adaptivx/internal/capview"
	"adaptivx/internal/config"
	"adaptivx/internal/dispatch"
	"adaptivx/internal/events"
	"adaptivx/internal/fusion"
	"adaptivx/internal/ingest"
	"adaptivx/internal/logging"
	"adaptivx/internal/observability"
	"adaptivx/internal/oracle"
	"adaptivx/internal/policy"
	"adaptivx/internal/storage"
	"adaptivx/internal/twin"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	writeConfig := flag.String("write-config", "", "write the effective config (defaults applied) to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := dumpConfig(*configPath, *writeConfig); err != nil {
			fmt.Fprintln(os.Stderr, "adaptivx:", err)
			os.Exit(1)
		}
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "adaptivx:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

// dumpConfig writes the config adaptivx would run with. The format follows
// the target extension: .json writes JSON, anything else YAML.
func dumpConfig(configPath, target string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Save(target, mgr.Get()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func run(configPath string) error {
	mgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	raw, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	store := storage.NewRetrying(raw, cfg.Storage.Retry, logger)
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	bus, err := events.NewBus(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer bus.Close()

	cal := calibrate(ctx, cfg, logger)
	detCfg, simCfg, fusionCfg := cal.Apply(cfg.Detector, cfg.Simulation, cfg.Fusion)
	estimator := oracle.NewStatDetector(detCfg, fusionCfg.ModelVersion)
	physics := oracle.NewBearingModel(simCfg.Coefficients, simCfg.Version)

	tw := twin.New(store)
	fusionEngine := fusion.NewEngine(fusionCfg, estimator, physics, tw, bus, logger)

	policyEngine, err := policy.NewEngine(cfg.Policy, tw, bus, store, logger)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := policyEngine.Restore(ctx); err != nil {
		logger.Warn("audit restore failed", "error", err)
	}
	driver := policy.NewDriver(policyEngine, bus, cfg.Policy.Interval, cfg.Policy.Polling, logger)

	dispatcher := dispatch.NewEngine(cfg.Dispatch, tw, bus, logger)
	defer dispatcher.Close()

	view := capview.New(cfg.Dispatch, logger)
	if err := view.Subscribe(ctx, bus); err != nil {
		return fmt.Errorf("capability view: %w", err)
	}

	for _, id := range cfg.Assets {
		created, err := tw.Register(ctx, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
		if created {
			logger.Info("asset registered", "asset_id", id)
		}
	}

	pipeline := ingest.NewPipeline(cfg.Ingest, fusionEngine, logger)
	go func() { _ = pipeline.Run(ctx) }()
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, pipeline, logger)

	driverDone := make(chan error, 1)
	go func() { driverDone <- driver.Run(ctx) }()

	api.Start(ctx, api.Deps{
		Config:   mgr,
		Twin:     tw,
		Fusion:   fusionEngine,
		Policy:   policyEngine,
		Dispatch: dispatcher,
		View:     view,
		Ingest:   pipeline,
		Logger:   logger,
		Version:  version,
	})

	go mgr.Watch(3*time.Second, func(next *config.Config) {
		fusionEngine.UpdateConfig(calibratedFusion(cal, next))
		if err := policyEngine.UpdateConfig(next.Policy); err != nil {
			logger.Error("policy config rejected", "error", err)
		}
		driver.SetInterval(next.Policy.Interval)
		dispatcher.UpdateConfig(next.Dispatch)
		view.UpdateConfig(next.Dispatch)
		pipeline.UpdateConfig(next.Ingest)
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	}, ctx.Done())

	logger.Info("adaptivx started", "version", version, "assets", len(cfg.Assets))
	select {
	case <-ctx.Done():
	case err := <-driverDone:
		if err != nil {
			return fmt.Errorf("policy driver: %w", err)
		}
	}
	logger.Info("shutting down")
	return nil
}

// calibrate loads the calibration artifact when one is configured. It
// returns nil when there is none or it cannot be read.
func calibrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) *oracle.Calibration {
	key := cfg.Simulation.CalibrationKey
	if key == "" {
		return nil
	}
	store, err := artifacts.New(cfg.Artifacts)
	if err != nil {
		logger.Warn("artifact store unavailable", "error", err)
		return nil
	}
	if store == nil {
		return nil
	}
	c, err := oracle.LoadCalibration(ctx, store, key)
	if errors.Is(err, oracle.ErrNoCalibration) {
		logger.Info("no calibration artifact, using configured coefficients", "key", key)
		return nil
	}
	if err != nil {
		logger.Warn("calibration load failed", "key", key, "error", err)
		return nil
	}
	logger.Info("calibration loaded", "key", key, "simulation_version", c.SimulationVersion, "model_version", c.ModelVersion)
	return c
}

// calibratedFusion is the fusion section of cfg with the startup
// calibration overlaid, so a config reload keeps the calibrated versions.
func calibratedFusion(cal *oracle.Calibration, cfg *config.Config) config.FusionConfig {
	_, _, fus := cal.Apply(cfg.Detector, cfg.Simulation, cfg.Fusion)
	return fus
}
