// Package http exposes the ledger over a JSON API.
package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"commonpurse/internal/core"
	applog "commonpurse/internal/log"
	"commonpurse/internal/report"
	"commonpurse/internal/session"
	"commonpurse/internal/storage"
)

// Ledger is the transaction surface the server needs.
type Ledger interface {
	Append(ctx context.Context, group core.GroupID, amount core.Money, recordDate time.Time, category, description string, recordedBy core.UserID) (core.Transaction, error)
	DeleteByID(ctx context.Context, group core.GroupID, txID int64) error
	ListRecent(ctx context.Context, group core.GroupID, limit int) ([]core.Transaction, error)
	Balance(ctx context.Context, group core.GroupID) (core.Money, error)
	Stamp(ctx context.Context, group core.GroupID) string
}

// GroupStore covers user and group membership plus report input data.
type GroupStore interface {
	RegisterUser(ctx context.Context, id core.UserID, language core.LanguageCode) error
	CreateGroup(ctx context.Context, owner core.UserID, token string) (core.GroupID, error)
	GroupByToken(ctx context.Context, token string) (core.Group, error)
	AddMember(ctx context.Context, group core.GroupID, user core.UserID) error
	RemoveMember(ctx context.Context, group core.GroupID, user core.UserID) error
	DeleteGroup(ctx context.Context, group core.GroupID) ([]core.UserID, error)
	CategoryTotals(ctx context.Context, group core.GroupID) (map[string]storage.CategorySummary, error)
}

// Publisher pushes a ledger row onto the export queue.
type Publisher interface {
	PublishExportTransaction(ctx context.Context, group core.GroupID, txID int64) error
}

type Server struct {
	http.Server
	ledger      Ledger
	store       GroupStore
	sessions    *session.Caches
	correlator  *report.Correlator
	publisher   Publisher
	rateLimiter *rateLimiter
	logger      *applog.Logger

	dispatchTimeout time.Duration

	shutdownOnce sync.Once
}

// NewServer configures routes and returns a ready-to-run http.Server.
// publisher may be nil, in which case export messages are skipped and the
// backup sweep picks the rows up.
func NewServer(addr string, ledger Ledger, store GroupStore, sessions *session.Caches, correlator *report.Correlator, publisher Publisher, dispatchTimeout time.Duration) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ledger:          ledger,
		store:           store,
		sessions:        sessions,
		correlator:      correlator,
		publisher:       publisher,
		rateLimiter:     newRateLimiter(),
		logger:          applog.Default(applog.ComponentHTTP),
		dispatchTimeout: dispatchTimeout,
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /users", s.withMiddleware(s.handleRegisterUser))
	mux.HandleFunc("GET /users/{id}/language", s.withMiddleware(s.handleGetLanguage))
	mux.HandleFunc("PUT /users/{id}/language", s.withMiddleware(s.handleChangeLanguage))

	mux.HandleFunc("POST /groups", s.withMiddleware(s.handleCreateGroup))
	mux.HandleFunc("POST /groups/join", s.withMiddleware(s.handleJoinGroup))
	mux.HandleFunc("POST /groups/{id}/leave", s.withMiddleware(s.handleLeaveGroup))
	mux.HandleFunc("DELETE /groups/{id}", s.withMiddleware(s.handleDeleteGroup))

	mux.HandleFunc("POST /groups/{id}/transactions", s.withMiddleware(s.handleAppendTransaction))
	mux.HandleFunc("GET /groups/{id}/transactions", s.withMiddleware(s.handleListTransactions))
	mux.HandleFunc("DELETE /groups/{id}/transactions/{txID}", s.withMiddleware(s.handleDeleteTransaction))
	mux.HandleFunc("GET /groups/{id}/balance", s.withMiddleware(s.handleBalance))

	mux.HandleFunc("POST /groups/{id}/reports", s.withMiddleware(s.handleRequestReport))

	return s
}

// Shutdown gracefully shuts down the server and its cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// withMiddleware adds request tracing, rate limiting, and security headers.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		requestID := generateRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		s.logger.InfoContext(ctx, "Request started",
			applog.FieldRequestID, requestID,
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldClientIP, clientIP)

		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			s.logger.WarnContext(ctx, "Rate limit exceeded",
				applog.FieldClientIP, clientIP, applog.FieldMethod, r.Method, applog.FieldPath, r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		s.logger.InfoContext(ctx, "Request completed",
			applog.FieldRequestID, requestID,
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path,
			applog.FieldStatusCode, rw.statusCode,
			applog.FieldDuration, time.Since(start).Milliseconds())
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
