// Package server provides the application container: it builds long-lived
// dependencies from config, runs the HTTP server, and tears everything down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/api"
	"github.com/JakeFAU/gce-vm-relay/internal/clock/system"
	"github.com/JakeFAU/gce-vm-relay/internal/config"
	"github.com/JakeFAU/gce-vm-relay/internal/gce"
	"github.com/JakeFAU/gce-vm-relay/internal/id/uuid"
	"github.com/JakeFAU/gce-vm-relay/internal/policy/ratelimit"
	logpublisher "github.com/JakeFAU/gce-vm-relay/internal/publisher/log"
	gcppublisher "github.com/JakeFAU/gce-vm-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/gce-vm-relay/internal/relay"
	"github.com/JakeFAU/gce-vm-relay/internal/telemetry"
)

// ControllerCloser is a relay.Controller holding releasable resources.
type ControllerCloser interface {
	relay.Controller
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	controller     ControllerCloser
	pubsubClient   *pubsub.Client
	pubsubTopic    *gcppublisher.Publisher
	tracerShutdown telemetry.ShutdownFunc
}

// NewApp wires an App around an existing controller and publisher.
func NewApp(cfg config.Config, logger *zap.Logger, controller ControllerCloser, publisher relay.Publisher) *App {
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("project", cfg.GCE.ProjectID),
		zap.String("default_zone", cfg.GCE.Zone),
		zap.String("default_instance", cfg.GCE.Instance),
	)
	return &App{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		apiServer: api.NewServer(
			controller,
			publisher,
			uuid.New(),
			system.New(),
			cfg,
			logger.Named("api"),
		),
	}
}

// initTracerProvider is swapped in tests.
var initTracerProvider = telemetry.InitTracerProvider

// Build creates the application's dependencies from config.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	tracerShutdown, err := initTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ProjectID:   cfg.GCE.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	// Anything built before a failure is released before returning.
	abort := func(err error) (*App, error) {
		if serr := tracerShutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(serr))
		}
		return nil, err
	}

	client, err := NewController(ctx, cfg, logger)
	if err != nil {
		return abort(err)
	}
	var controller ControllerCloser = client
	if limits := rateLimitConfig(cfg); limits.Enabled() {
		logger.Info("per-instance rate limit enabled",
			zap.Float64("rps", limits.PerInstanceRPS),
			zap.Int("burst", limits.Burst),
		)
		controller = ratelimit.Wrap(client, limits)
	}

	pubsubClient, topic, err := setupPubSub(ctx, cfg, logger)
	if err != nil {
		_ = controller.Close()
		return abort(err)
	}
	var publisher relay.Publisher = logpublisher.New(logger.Named("events"))
	if topic != nil {
		publisher = topic
	}

	app := NewApp(cfg, logger, controller, publisher)
	app.pubsubClient = pubsubClient
	app.pubsubTopic = topic
	app.tracerShutdown = tracerShutdown
	return app, nil
}

// NewController builds the Compute Engine controller described by cfg.
func NewController(ctx context.Context, cfg config.Config, logger *zap.Logger) (*gce.Client, error) {
	client, err := gce.New(ctx, gce.Config{
		CredentialsFile:       cfg.GCE.CredentialsFile,
		Endpoint:              cfg.GCE.Endpoint,
		WithoutAuthentication: cfg.GCE.WithoutAuthentication,
	}, logger.Named("gce"))
	if err != nil {
		return nil, fmt.Errorf("compute client init failed: %w", err)
	}
	return client, nil
}

func rateLimitConfig(cfg config.Config) ratelimit.Config {
	return ratelimit.Config{
		PerInstanceRPS: cfg.GCE.RateLimit.PerInstanceRPS,
		Burst:          cfg.GCE.RateLimit.Burst,
	}
}

func setupPubSub(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pubsub.Client, *gcppublisher.Publisher, error) {
	if cfg.PubSub.TopicID == "" {
		logger.Info("no Pub/Sub topic configured, operation events go to the log")
		return nil, nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicID),
	)
	return client, gcppublisher.New(client.Topic(cfg.PubSub.TopicID)), nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until the context is canceled or a termination signal
// arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases clients and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.controller != nil {
		if err := a.controller.Close(); err != nil {
			a.logger.Warn("compute client close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
