package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildos/buildos/internal/api"
	"github.com/buildos/buildos/internal/artifacts"
	"github.com/buildos/buildos/internal/builder"
	"github.com/buildos/buildos/internal/config"
	"github.com/buildos/buildos/internal/db"
	"github.com/buildos/buildos/internal/logging"
	"github.com/buildos/buildos/internal/logstore"
	"github.com/buildos/buildos/internal/metrics"
	"github.com/buildos/buildos/internal/queue"
	"github.com/buildos/buildos/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func buildServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the BuildOS server",
		Long:  "Start the HTTP API, the scheduler and the worker. SIGINT or SIGTERM stops admission, cancels the running job and exits.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs the service until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger := logging.C("serve")

	logger.WithFields(logrus.Fields{
		"version":  Version,
		"database": cfg.DatabasePath,
		"store":    cfg.StorePath,
		"runner":   cfg.Runner,
		"address":  cfg.Address(),
	}).Info("Starting BuildOS")

	// Initialize database
	database, err := db.NewDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	if err := database.SeedRepositories(cfg.Repositories); err != nil {
		return fmt.Errorf("failed to register repositories: %w", err)
	}

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	// Job state
	logs := logstore.New(
		logstore.WithJournal(database),
		logstore.WithAppendHook(collector.LogLineAppended),
	)
	reg := registry.New(logs,
		registry.WithStore(database),
		registry.WithObserver(collector),
		registry.WithMaxPending(cfg.MaxPendingJobs),
	)

	tasks, err := database.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	requeued, err := reg.Restore(tasks)
	if err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"tasks":    len(tasks),
		"requeued": requeued,
	}).Info("Restored tasks")

	// Execution
	store, err := artifacts.New(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	bldr := builder.NewBuilder(cfg, store)

	sched := queue.NewScheduler(reg, bldr, queue.Options{
		JobTimeout:       cfg.JobTimeout(),
		KillGrace:        cfg.KillGrace(),
		SweepInterval:    cfg.SweepInterval(),
		LivenessDeadline: cfg.LivenessDeadline(),
	})
	go sched.Start(ctx)

	// HTTP
	server := api.NewServer(api.Options{
		Config:       cfg,
		Queue:        sched,
		Registry:     reg,
		Repositories: database,
		Artifacts:    store,
		Metrics:      collector,
		Health:       database,
	})
	serveErr := server.Run(ctx)

	log.Info("Shutting down")
	sched.Stop()

	if serveErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serveErr)
	}
	return nil
}
