package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/lease"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/stage"
	"github.com/agentplane/agentplane/pkg/storage"
	"github.com/agentplane/agentplane/pkg/worker"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "orchestrator",
		Short: "AgentPlane Orchestrator - deployment control plane for AI agents",
		Long: `The AgentPlane Orchestrator accepts agent deployment submissions, runs each
one through the build, deploy and register pipeline, and serves deployment
status. Multiple replicas may share one database; the event log and lease
table coordinate them.`,
		RunE: run,
	}
)

func init() {
	// Set up flags
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("listen", ":8080", "API server bind address")
	rootCmd.PersistentFlags().String("metrics-listen", ":9091", "Metrics server bind address")
	rootCmd.PersistentFlags().String("storage-path", "agentplane.db", "SQLite database path")
	rootCmd.PersistentFlags().Int("workers", 2, "Claim loops per process")
	rootCmd.PersistentFlags().String("build-endpoint", "", "Build engine base URL")
	rootCmd.PersistentFlags().String("build-registry", "", "Image registry host for built images")
	rootCmd.PersistentFlags().String("deploy-endpoint", "", "Cluster scheduler base URL")
	rootCmd.PersistentFlags().String("gateway-endpoint", "", "Gateway admin API base URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("server.listen", rootCmd.PersistentFlags().Lookup("listen"))
	viper.BindPFlag("metrics.listen", rootCmd.PersistentFlags().Lookup("metrics-listen"))
	viper.BindPFlag("storage.path", rootCmd.PersistentFlags().Lookup("storage-path"))
	viper.BindPFlag("worker.count", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("stages.build.endpoint", rootCmd.PersistentFlags().Lookup("build-endpoint"))
	viper.BindPFlag("stages.build.registry", rootCmd.PersistentFlags().Lookup("build-registry"))
	viper.BindPFlag("stages.deploy.endpoint", rootCmd.PersistentFlags().Lookup("deploy-endpoint"))
	viper.BindPFlag("stages.gateway.endpoint", rootCmd.PersistentFlags().Lookup("gateway-endpoint"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Set up environment variable binding
	viper.SetEnvPrefix("AGENTPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AgentPlane Orchestrator\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	logger, err = observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting AgentPlane orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize distributed tracing
	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    "agentplane-orchestrator",
		ServiceVersion: Version,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Open storage and run migrations
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	store := deployment.NewStore(db)
	elog, err := eventlog.NewLog(db, cfg.EventLog.Partitions, cfg.Worker.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}
	leases := lease.NewManager(db, cfg.Worker.LeaseTTL)
	registry := worker.NewRegistry(db, cfg.Worker.StaleAfter)
	events := observability.NewEventStream(observability.EventStreamConfig{}, logger)

	// Stage clients
	buildClient, err := stage.NewBuildClient(stage.BuildConfig{
		Endpoint:     cfg.Stages.Build.Endpoint,
		Registry:     cfg.Stages.Build.Registry,
		Timeout:      cfg.Stages.Build.Timeout,
		PollInterval: cfg.Stages.Build.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create build client: %w", err)
	}
	deployClient, err := stage.NewDeployClient(stage.DeployConfig{
		Endpoint:         cfg.Stages.Deploy.Endpoint,
		AgentPort:        cfg.Stages.Deploy.AgentPort,
		ReadinessTimeout: cfg.Stages.Deploy.ReadinessTimeout,
		PollInterval:     cfg.Stages.Deploy.PollInterval,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create deploy client: %w", err)
	}
	gatewayClient, err := stage.NewGatewayClient(stage.GatewayConfig{
		Endpoint:       cfg.Stages.Gateway.Endpoint,
		RoutePrefix:    cfg.Stages.Gateway.RoutePrefix,
		RequestTimeout: cfg.Stages.Gateway.Timeout,
		ConfirmTimeout: cfg.Stages.Gateway.ConfirmTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway client: %w", err)
	}

	// Host resource monitor feeds worker heartbeats
	monitor := worker.NewHostMonitor(worker.MonitorConfig{}, logger)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start host monitor: %w", err)
	}

	// Worker pool
	pool, err := worker.New(worker.Config{
		Count:             cfg.Worker.Count,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		Group:             cfg.EventLog.Group,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Retry: worker.RetryPolicy{
			BuildBudget:     cfg.Worker.Retry.BuildBudget,
			DeployBudget:    cfg.Worker.Retry.DeployBudget,
			RegisterBudget:  cfg.Worker.Retry.RegisterBudget,
			InitialInterval: cfg.Worker.Retry.InitialInterval,
			Multiplier:      cfg.Worker.Retry.Multiplier,
			MaxInterval:     cfg.Worker.Retry.MaxInterval,
		},
		Registry: registry,
		Monitor:  monitor,
		Events:   events,
		Logger:   logger,
	}, store, elog, leases, worker.Stages{
		Build:    buildClient,
		Deploy:   deployClient,
		Register: gatewayClient,
		Gateway:  gatewayClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// API server
	apiServer, err := api.NewServer(api.Config{
		Listen: cfg.Server.Listen,
		Logger: logger,
	}, store, elog, registry, events)
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	// Metrics server
	metricsServer := observability.NewMetricsServer(cfg.Metrics.Listen, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	metricsServer.SetReady(true)

	observability.SystemInfo.WithLabelValues(Version, BuildTime, GitCommit).Set(1)
	started := time.Now()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.UptimeSeconds.WithLabelValues("orchestrator").Set(time.Since(started).Seconds())
			}
		}
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	logger.Info("Starting graceful shutdown...")
	metricsServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first so no new events arrive, then drain the pool.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping api server", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}
	if err := monitor.Stop(); err != nil {
		logger.Error("Error stopping host monitor", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down tracer", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
