// Package server exposes conversions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/converter"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/handler"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/logging"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/metrics"
)

// MaxEventSize bounds the request body of a conversion event.
const MaxEventSize = 1 << 20

// Config configures the HTTP server.
type Config struct {
	Address        string
	RequestTimeout time.Duration
}

// Server is the HTTP trigger for conversions.
type Server struct {
	handler *handler.Handler
	router  *chi.Mux
	server  *http.Server
	cfg     Config
	log     *slog.Logger
}

// New creates a Server that applies events with h.
func New(h *handler.Handler, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Minute
	}
	s := &Server{
		handler: h,
		router:  chi.NewRouter(),
		cfg:     cfg,
		log:     slog.With("component", "server"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/conversions", s.handleConvert)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown. It returns nil
// at once if Shutdown has already been called.
func (s *Server) Start() error {
	s.log.Info("starting server", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. It is safe to call before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := middleware.GetReqID(ctx); id != "" {
		ctx = logging.WithCorrelationID(ctx, id)
	}

	ev, err := handler.DecodeEvent(http.MaxBytesReader(w, r.Body, MaxEventSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, handler.ErrorResponse(err))
		return
	}

	resp, err := s.handler.Apply(ctx, ev)
	if err != nil {
		writeJSON(w, StatusFor(err), handler.ErrorResponse(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusFor maps a conversion error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, converter.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	kind, ok := converter.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case converter.KindSchemaNotFound:
		return http.StatusNotFound
	case converter.KindHeaderMismatch:
		return http.StatusUnprocessableEntity
	case converter.KindSourceRead:
		return http.StatusBadGateway
	case converter.KindUpload:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
