package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/config"
	"github.com/JakeFAU/gce-vm-relay/internal/metrics"
	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

const notifyTimeout = 5 * time.Second

// Server wires HTTP handlers to the compute controller.
type Server struct {
	router     chi.Router
	controller relay.Controller
	publisher  relay.Publisher
	idGen      relay.IDGenerator
	clock      relay.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	controller relay.Controller,
	publisher relay.Publisher,
	idGen relay.IDGenerator,
	clock relay.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		controller: controller,
		publisher:  publisher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(idGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Server.HandlerTimeout))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/vm", func(r chi.Router) {
		r.Post("/start", s.lifecycle(relay.ActionStart))
		r.Post("/stop", s.lifecycle(relay.ActionStop))
	})

	s.router = r
	return s
}

// Handler returns the instrumented router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "vm-relay",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// readyz is static: the process only starts serving with a valid config.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) lifecycle(action relay.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("action", string(action)),
		)
		q := r.URL.Query()
		ref, err := relay.Resolve(s.cfg.Defaults(), q.Get("instance"), q.Get("zone"))
		if err != nil {
			logger.Info("invalid lifecycle request", zap.Error(err))
			metrics.ObserveOperation(string(action), metrics.OutcomeInvalid, 0)
			writeJSON(w, http.StatusBadRequest, relay.Rejected(action, ref, err))
			return
		}

		// A submitted operation must not be abandoned when the caller disconnects.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.GCE.RequestTimeout)
		defer cancel()

		start := time.Now()
		op, err := relay.Submit(ctx, s.controller, action, ref)
		elapsed := time.Since(start)
		if err != nil {
			status := relay.HTTPStatus(err)
			logger.Warn("compute API rejected request",
				zap.String("instance", ref.String()),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			metrics.ObserveOperation(string(action), metrics.OutcomeRejected, elapsed)
			result := relay.Rejected(action, ref, err)
			s.notify(r.Context(), logger, result, status)
			writeJSON(w, status, result)
			return
		}

		logger.Info("operation accepted",
			zap.String("instance", ref.String()),
			zap.String("operation", op.ID),
			zap.Duration("elapsed", elapsed),
		)
		metrics.ObserveOperation(string(action), metrics.OutcomeAccepted, elapsed)
		result := relay.Accepted(action, ref, op)
		s.notify(r.Context(), logger, result, http.StatusOK)
		writeJSON(w, http.StatusOK, result)
	}
}

// notify publishes the outcome of a provider call. Failures are logged only.
func (s *Server) notify(parent context.Context, logger *zap.Logger, result relay.OperationResult, status int) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), notifyTimeout)
	defer cancel()

	ev := relay.OperationEvent{
		RequestID:   requestIDFromContext(parent),
		Action:      result.Action,
		Project:     result.Project,
		Zone:        result.Zone,
		Instance:    result.Instance,
		Accepted:    result.Accepted,
		OperationID: result.OperationID,
		Status:      status,
		Message:     result.Message,
		Timestamp:   s.clock.Now(),
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.PubSub.TopicID, ev); err != nil {
		logger.Warn("operation event publish failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
