package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/config"
	"github.com/blackmichael/nostr-calendar/internal/nip05"
	"github.com/blackmichael/nostr-calendar/internal/session"
)

// Server is the local HTTP API over a session.
type Server struct {
	sess       *session.Session
	nip05      *nip05.Client
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new HTTP server for the given session.
func NewServer(cfg *config.Config, sess *session.Session, resolver *nip05.Client, logger *slog.Logger) *Server {
	s := &Server{
		sess:   sess,
		nip05:  resolver,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withLogging(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/calendar.ics", s.handleCalendarExport)

	r.Route("/api", func(r chi.Router) {
		r.Get("/me", s.handleMe)
		r.Get("/relays", s.handleRelays)
		r.Get("/profiles/{pubkey}", s.handleProfile)

		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleCreateEvent)
		r.Get("/events/{uid}", s.handleGetEvent)
		r.Put("/events/{uid}", s.handleUpdateEvent)

		r.Get("/draft", s.handleGetDraft)
		r.Patch("/draft", s.handlePatchDraft)
		r.Delete("/draft", s.handleResetDraft)
		r.Post("/draft/submit", s.handleSubmitDraft)
		r.Post("/draft/load/{uid}", s.handleLoadDraft)

		r.Get("/publish/status", s.handlePublishStatus)

		r.Get("/search", s.handleGetSearch)
		r.Put("/search", s.handlePutSearch)
		r.Delete("/search", s.handleResetSearch)

		r.Get("/sort", s.handleGetSort)
		r.Put("/sort", s.handlePutSort)
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"relaysConnected": s.sess.Relays.ConnectedCount(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.User())
}

func (s *Server) handleRelays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"relays": s.sess.Relays.States()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as an apperr record with a status derived from
// its code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rec := apperr.Handle(err)
	status := statusFor(rec.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "code", rec.Code, "error", err)
	}
	writeJSON(w, status, rec)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePublishInProgress:
		return http.StatusConflict
	case apperr.CodeSigning:
		return http.StatusUnauthorized
	case apperr.CodeConnection:
		return http.StatusServiceUnavailable
	case apperr.CodePublish:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed request body", err)
	}
	return nil
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
