package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/studioforge/model-trainer/backend/config"
	"github.com/studioforge/model-trainer/backend/converter"
	"github.com/studioforge/model-trainer/backend/monitor"
	"github.com/studioforge/model-trainer/backend/observability"
	"github.com/studioforge/model-trainer/backend/providers/modal"
	"github.com/studioforge/model-trainer/backend/providers/replicate"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
	"github.com/studioforge/model-trainer/backend/storage"
	"github.com/studioforge/model-trainer/backend/triggers"
)

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           "trainer",
		Short:         "Training job status reconciliation service",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "log format (json, console)")
	root.PersistentFlags().String("database-driver", config.DriverPostgres, "database driver (postgres, sqlite, memory)")
	root.PersistentFlags().String("database-url", "", "database connection string")
	bindFlags(v, root, map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"database.driver": "database-driver",
		"database.url":    "database-url",
	})

	load := func() (*config.Config, error) {
		return config.Load(v, configPath)
	}
	root.AddCommand(newServeCmd(v, load), newSweepCmd(load))
	return root
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(flag)
		}
		if f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// app is the wired service shared by serve and sweep
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *observability.Metrics
	db         *gorm.DB
	store      repository.Store
	reconciler *reconciler.Reconciler
	policy     triggers.TimeoutPolicy
	replicate  *replicate.Client
	sources    []triggers.StatusSource
	inventory  []triggers.ArtifactInventory
}

func newApp(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*app, error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		policy: triggers.TimeoutPolicy{
			Base:             cfg.Reconcile.LongTimeout,
			PerThousandSteps: cfg.Reconcile.TimeoutPer1000Steps,
		},
	}

	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory job store; records are lost on restart")
		a.store = repository.NewMemoryStore()
	} else {
		db, err := config.OpenDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.store = repository.NewRepository(db)
		logger.Info("Database initialized", zap.String("driver", cfg.Database.Driver))
	}

	a.reconciler = reconciler.New(a.store,
		reconciler.WithLogger(logger.Named("reconciler")),
		reconciler.WithMetrics(metrics))

	if cfg.Replicate.APIToken != "" {
		client, err := replicate.NewClient(replicate.Config{
			APIToken:   cfg.Replicate.APIToken,
			WebhookURL: cfg.Replicate.WebhookURL,
		}, logger, metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.replicate = client
		a.sources = append(a.sources, client)
		a.inventory = append(a.inventory, client)
	} else {
		logger.Warn("Replicate API token not set; replicate polling and submission disabled")
	}

	if cfg.Modal.StatusURL != "" {
		client, err := modal.NewClient(modal.Config{
			StatusURL: cfg.Modal.StatusURL,
			Token:     cfg.Modal.Token,
			RetryMax:  cfg.Modal.RetryMax,
		}, logger, metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sources = append(a.sources, client)
	}

	if cfg.MinIO.Endpoint != "" {
		client, err := storage.NewMinIOClient(storage.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			logger.Warn("Artifact bucket check failed", zap.Error(err))
		}
		a.inventory = append(a.inventory, client)
	}
	return a, nil
}

func (a *app) sweeper() *monitor.Sweeper {
	return monitor.NewSweeper(a.reconciler, a.policy, a.cfg.Sweep.Interval, a.logger.Named("sweeper"), a.metrics)
}

func (a *app) submitter() *triggers.Submitter {
	conv := converter.NewConverter(a.cfg.Replicate.Owner)
	// a nil *replicate.Client must not become a non-nil Launcher
	if a.replicate == nil {
		return triggers.NewSubmitter(a.reconciler, conv, nil, a.logger)
	}
	return triggers.NewSubmitter(a.reconciler, conv, a.replicate, a.logger)
}

func (a *app) Close() {
	if err := config.Close(a.db); err != nil {
		a.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func loadApp(ctx context.Context, load func() (*config.Config, error), metrics *observability.Metrics) (*app, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, nil
}
