// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orbit-notifier/pkg/notifier"
	"orbit-notifier/poll"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Poller runs one polling cycle.
type Poller interface {
	RunCycle(ctx context.Context) (poll.Report, error)
}

// Store is the subset of storage used for watchlist and profile management.
type Store interface {
	ListByUser(ctx context.Context, userID string) ([]notifier.WatchlistItem, error)
	AddItem(ctx context.Context, item notifier.WatchlistItem) error
	DeleteItem(ctx context.Context, itemID string) error
	SaveContact(ctx context.Context, c notifier.Contact) error
}

// Tester sends a fixed test alert to one address.
type Tester interface {
	SendTest(ctx context.Context, to string) notifier.Result
}

// Server handles HTTP requests.
type Server struct {
	poller     Poller
	store      Store
	email      Tester
	messaging  Tester
	metrics    http.Handler
	limiter    *ipLimiter
	logger     *slog.Logger
	cronSecret string
}

// Config holds server configuration.
type Config struct {
	Poller     Poller
	Store      Store
	Email      Tester
	Messaging  Tester
	Metrics    http.Handler // optional
	Logger     *slog.Logger
	CronSecret string // when set, every route except /health requires "Authorization: Bearer <secret>"
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:     cfg.Poller,
		store:      cfg.Store,
		email:      cfg.Email,
		messaging:  cfg.Messaging,
		metrics:    cfg.Metrics,
		limiter:    newIPLimiter(),
		logger:     cfg.Logger,
		cronSecret: cfg.CronSecret,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.requireSecret)
	authed.HandleFunc("/cron", s.handleCron).Methods(http.MethodGet, http.MethodPost)
	if s.metrics != nil {
		authed.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	authed.HandleFunc("/test-email", s.limited(s.handleTestEmail)).Methods(http.MethodPost)
	authed.HandleFunc("/test-messaging", s.limited(s.handleTestMessaging)).Methods(http.MethodPost)
	authed.HandleFunc("/watchlist", s.handleListWatchlist).Methods(http.MethodGet)
	authed.HandleFunc("/watchlist", s.limited(s.handleAddWatchlist)).Methods(http.MethodPost)
	authed.HandleFunc("/watchlist/{id}", s.handleDeleteWatchlist).Methods(http.MethodDelete)
	authed.HandleFunc("/profiles/{user_id}", s.limited(s.handleSaveProfile)).Methods(http.MethodPut)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return handlers.ProxyHeaders(handlers.CustomLoggingHandler(io.Discard, r, s.logRequest))
}

// logRequest writes one access line per request through the structured logger.
func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Info("HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote_addr", p.Request.RemoteAddr,
		"user_agent", p.Request.UserAgent(),
		"duration_ms", time.Since(p.TimeStamp).Milliseconds())
}

// ListenAndServe serves on port until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion. WriteTimeout leaves room
	// for a full cycle behind /cron.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cronSecret)) != 1 {
				s.logger.Warn("Rejected unauthorized request", "path", r.URL.Path, "ip", clientIP(r))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Cron endpoint triggered", "method", r.Method)

	report, err := s.poller.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("Cycle failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.logger, http.StatusOK, report)
}

type testEmailRequest struct {
	Email string `json:"email"`
}

type testMessagingRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	var req testEmailRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !isValidEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	s.writeResult(w, s.email.SendTest(r.Context(), req.Email))
}

func (s *Server) handleTestMessaging(w http.ResponseWriter, r *http.Request) {
	var req testMessagingRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if !isValidPhone(req.Phone) {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}
	s.writeResult(w, s.messaging.SendTest(r.Context(), req.Phone))
}

func (s *Server) writeResult(w http.ResponseWriter, res notifier.Result) {
	if !res.Success {
		writeError(w, http.StatusBadGateway, res.Error)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, res)
}

const maxBodyBytes = 16 << 10

// decode reads a JSON body into v, writing a 400 and returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck // client gone
}
