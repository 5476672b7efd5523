package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/config"
	"github.com/studioforge/model-trainer/backend/handlers"
	"github.com/studioforge/model-trainer/backend/middleware"
	"github.com/studioforge/model-trainer/backend/observability"
	"github.com/studioforge/model-trainer/backend/providers/replicate"
	"github.com/studioforge/model-trainer/backend/triggers"
)

func newServeCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, load)
		},
	}
	cmd.Flags().Int("port", 8080, "server port")
	cmd.Flags().Bool("sweep", true, "run the stale-job sweeper in the background")
	bindFlags(v, cmd, map[string]string{
		"server.port":   "port",
		"sweep.enabled": "sweep",
	})
	return cmd
}

func serve(ctx context.Context, load func() (*config.Config, error)) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	a, err := loadApp(ctx, load, metrics)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	var verifier *replicate.SignatureVerifier
	if cfg.Replicate.WebhookSecret != "" {
		verifier, err = replicate.NewSignatureVerifier(cfg.Replicate.WebhookSecret, a.reconciler.Clock())
		if err != nil {
			return err
		}
	} else {
		logger.Warn("Replicate webhook secret not set; webhook signatures are not verified")
	}

	handler := handlers.NewHandler(handlers.Deps{
		Store:     a.store,
		Submitter: a.submitter(),
		Poller:    triggers.NewPoller(a.reconciler, cfg.Reconcile.PollTimeout, logger.Named("poller"), a.sources...),
		Force: triggers.NewForceUpdater(a.reconciler, a.policy, cfg.Reconcile.InventoryTimeout,
			logger.Named("force"), a.inventory...),
		Webhook:  triggers.NewWebhook(a.reconciler, logger.Named("webhook")),
		Verifier: verifier,
		Logger:   logger.Named("http"),
	})
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst,
		cfg.RateLimit.MaxClients, cfg.RateLimit.TTL)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.ClientIdentityMiddleware())
	router.Use(middleware.AccessLogMiddleware(logger.Named("access"), metrics))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(metricsHandler))
	handler.Register(router.Group("/api/v1"), limiter.Middleware(),
		middleware.OperatorAuthMiddleware(cfg.Auth.OperatorToken))

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Reconcile.InventoryTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Sweep.Enabled {
		sweeper := a.sweeper()
		sweeper.Start()
		defer sweeper.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped gracefully")
	return nil
}
