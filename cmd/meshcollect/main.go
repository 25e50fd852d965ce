package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xmesh/meshcollect/internal/checkpoint"
	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/internal/health"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/metrics"
	"github.com/xmesh/meshcollect/internal/profiling"
	"github.com/xmesh/meshcollect/internal/server"
	"github.com/xmesh/meshcollect/internal/session"
	"github.com/xmesh/meshcollect/internal/shutdown"
	"github.com/xmesh/meshcollect/internal/sink"
	"github.com/xmesh/meshcollect/internal/tracing"
	"github.com/xmesh/meshcollect/internal/upload"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Str("session", cfg.Session.Name).
		Int("channels", len(cfg.Channels)).
		Msg("Starting mesh collector")

	// A signal ends the session early; the workers drain and the
	// summary is still written.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := shutdown.New(shutdown.Config{Logger: logger})
	defer manager.HandlePanic()

	// Tracing. The provider is a no-op when disabled, so the session
	// can hold a tracer unconditionally.
	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		}
	}
	provider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	manager.RegisterFunc("tracing", provider.Shutdown)

	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		profiler, err := profiling.New(profiling.Config{
			Enabled:        true,
			Address:        cfg.Profiling.Address,
			CPUProfilePath: cfg.Profiling.CPUProfilePath,
			MemProfilePath: cfg.Profiling.MemProfilePath,
			BlockProfile:   cfg.Profiling.BlockProfile,
			MutexProfile:   cfg.Profiling.MutexProfile,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create profiler: %w", err)
		}
		if err := profiler.Start(); err != nil {
			return fmt.Errorf("failed to start profiler: %w", err)
		}
		manager.RegisterFunc("profiling", func(context.Context) error {
			return profiler.Stop()
		})
	}

	// Workers record into the collector unconditionally; the system
	// sampler and the scrape endpoint run only when metrics are on.
	collector := metrics.NewCollector()
	var fieldGauges *metrics.FieldGauges
	metricsEnabled := cfg.Metrics != nil && cfg.Metrics.Enabled
	if metricsEnabled {
		collector.Start()
		manager.RegisterFunc("metrics", func(context.Context) error {
			collector.Stop()
			return nil
		})

		fieldGauges, err = metrics.NewFieldGauges(collector.Registry(), cfg.Metrics.FieldGauges)
		if err != nil {
			return fmt.Errorf("failed to build field gauges: %w", err)
		}
	}

	var healthTimeout time.Duration
	healthEnabled := cfg.Health != nil && cfg.Health.Enabled
	if healthEnabled {
		healthTimeout = cfg.Health.Timeout
	}
	checker := health.NewChecker(healthTimeout)

	if metricsEnabled || healthEnabled {
		serverCfg := server.Config{
			HealthChecker: checker,
			Logger:        logger,
		}
		if metricsEnabled {
			serverCfg.MetricsAddress = cfg.Metrics.Address
			serverCfg.MetricsPath = cfg.Metrics.Path
			serverCfg.MetricsRegistry = collector.Registry()
		}
		if healthEnabled {
			serverCfg.HealthAddress = cfg.Health.Address
			serverCfg.LivenessPath = cfg.Health.LivenessPath
			serverCfg.ReadinessPath = cfg.Health.ReadinessPath
		}

		srv := server.New(serverCfg)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		manager.RegisterFunc("server", srv.Stop)
	}

	forwarders, deadLetters, err := sink.BuildForwarders(cfg.Forwarders, logger)
	if err != nil {
		return fmt.Errorf("failed to build forwarders: %w", err)
	}

	// Records stranded by a previous run get another chance before new
	// ones start arriving.
	if deadLetters != nil && len(forwarders) > 0 && deadLetters.Size() > 0 {
		replayCtx, span := tracing.TraceReplay(ctx, provider.Tracer(), deadLetters.Size())
		sink.ReplayDeadLetters(replayCtx, deadLetters, forwarders, logger)
		span.End()
	}

	var checkpoints *checkpoint.Manager
	if cfg.Checkpoint != nil {
		checkpoints, err = checkpoint.NewManager(cfg.Checkpoint.Path, cfg.Checkpoint.Interval)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint manager: %w", err)
		}
		if err := checkpoints.Load(); err != nil {
			logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
		}
		checkpoints.Start()
		manager.RegisterFunc("checkpoints", func(context.Context) error {
			checkpoints.Stop()
			return nil
		})
	}

	sess, err := session.New(cfg, session.Dependencies{
		Forwarders:  forwarders,
		DeadLetters: deadLetters,
		Checkpoints: checkpoints,
		Metrics:     collector,
		FieldGauges: fieldGauges,
		Health:      checker,
		Tracer:      provider.Tracer(),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}

	summary, runErr := sess.Run(ctx)

	// Flush buffered records while the queue that catches their
	// failures is still open.
	sink.CloseForwarders(forwarders, logger)
	if deadLetters != nil {
		if err := deadLetters.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close dead letter queue")
		}
	}

	// Upload gets its own context: the signal that ended the session
	// already cancelled ctx, and the artifacts still have to ship.
	if cfg.Upload != nil && cfg.Upload.Enabled && summary != nil {
		uploadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		uploadCtx, span := tracing.TraceUpload(uploadCtx, provider.Tracer(), cfg.Upload.Bucket)

		uploader, err := upload.New(uploadCtx, *cfg.Upload, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create uploader, artifacts remain local")
		} else if n, err := uploader.UploadDir(uploadCtx, cfg.SessionDir(), cfg.Session.Name); err != nil {
			logger.Error().Err(err).Int("uploaded", n).Msg("Artifact upload incomplete")
		} else {
			logger.Info().Int("uploaded", n).Str("bucket", cfg.Upload.Bucket).Msg("Artifacts uploaded")
		}

		span.End()
		cancel()
	}

	manager.Shutdown()

	if runErr != nil {
		return runErr
	}

	logger.Info().
		Int("healthy", summary.HealthyChannels).
		Int("channels", len(summary.Channels)).
		Int64("records", summary.TotalRecords).
		Msg("Mesh collector exiting")
	return nil
}
