package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"fitsync/internal/config"
	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/httputil"
	"fitsync/internal/middleware"
	"fitsync/internal/models"
	"fitsync/internal/tracing"
	"fitsync/internal/versioning"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the agent's loopback HTTP API
type Server struct {
	router *mux.Router
	logger *logrus.Logger
	cfg    *models.Config
	app    *app
	server *http.Server
}

// NewServer builds the router. Detailed body logging is enabled in verbose
// mode only.
func NewServer(cfg *models.Config, a *app, logger *logrus.Logger, verbose bool) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		cfg:    cfg,
		app:    a,
	}

	s.router.Use(middleware.ObservabilityMiddleware(logger))
	if verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(logger, middleware.DefaultDetailedLoggingConfig()))
	}
	s.router.Use(s.loopbackOnly)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(versioning.NewVersionMiddleware(s.logger).VersionHandler)

	api.HandleFunc("/actions", s.handleEnqueue()).Methods(http.MethodPost)
	api.HandleFunc("/actions", s.handleListActions()).Methods(http.MethodGet)
	api.HandleFunc("/actions", s.handleClearActions()).Methods(http.MethodDelete)
	api.HandleFunc("/dead-letters", s.handleDeadLetters()).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync()).Methods(http.MethodPost)
	api.HandleFunc("/push/subscribe", s.handlePushSubscribe()).Methods(http.MethodPost)
	api.HandleFunc("/push/test", s.handlePushTest()).Methods(http.MethodPost)
	api.Handle("/notifications/ws", s.app.hub).Methods(http.MethodGet)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on %s", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// loopbackOnly refuses remote callers in production; the API has no auth of
// its own
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.IsProduction() && !httputil.IsLoopbackRequest(r) {
			s.logger.WithField("remote_ip", httputil.GetClientIP(r)).Warn("Rejected non-loopback API request")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		action, err := s.app.enqueuer.QueueAndSync(r.Context(), req.Type, req.Payload)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, action)
	}
}

func (s *Server) handleListActions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.app.store.GetAll(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"actions": pending,
			"count":   len(pending),
		})
	}
}

func (s *Server) handleClearActions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.store.Clear(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.WithField("request_id", tracing.GetRequestID(r.Context())).Warn("Action queue cleared")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		letters, err := s.app.store.DeadLetters(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"dead_letters": letters,
			"count":        len(letters),
		})
	}
}

// handleSync fires the sync tag in the background, or with ?wait=true runs
// one drain pass inline and returns its report
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
			report := s.app.replayer.Drain(r.Context())
			if report.ReadError != nil {
				s.writeError(w, r, report.ReadError)
				return
			}
			s.writeJSON(w, http.StatusOK, report)
			return
		}

		if err := s.app.host.Fire(r.Context(), s.cfg.Sync.Tag); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"tag": s.cfg.Sync.Tag, "fired": true})
	}
}

func (s *Server) handlePushSubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := s.app.subscribePush(r.Context())
		s.writeJSON(w, http.StatusOK, map[string]any{
			"subscribed":   sub != nil,
			"subscription": sub,
		})
	}
}

// handlePushTest presents the request body as if it had arrived as a push
func (s *Server) handlePushTest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes))
		if err != nil {
			s.writeError(w, r, apperrors.NewInvalidActionError("", "request body too large"))
			return
		}

		notification, err := s.app.presenter.HandlePush(r.Context(), data)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, notification)
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"online":  s.app.host.Online(),
			"armed":   s.app.host.Armed(s.cfg.Sync.Tag),
			"clients": s.app.hub.Clients(),
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewInvalidActionError("", fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)

	entry := s.logger.WithField("request_id", requestID).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("API request failed")
	} else {
		entry.Debug("API request rejected")
	}

	s.writeJSON(w, status, apperrors.ToHTTPResponse(err, requestID))
}
