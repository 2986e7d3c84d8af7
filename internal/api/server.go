// Package api exposes the defisage chat service over HTTP: a websocket
// endpoint streaming conversation turns, REST endpoints for the chat history
// sidebar, plus health and metrics routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defisage/defisage/internal/agent"
	"github.com/defisage/defisage/internal/health"
	"github.com/defisage/defisage/internal/history"
	"github.com/defisage/defisage/internal/observe"
	"github.com/defisage/defisage/internal/stream"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// TurnRunner drives one conversation turn, streaming output through the
// annotator. Implemented by [agent.Loop].
type TurnRunner interface {
	Run(ctx context.Context, req agent.RunRequest, ann *stream.Annotator) (*agent.RunResult, error)
}

// Server is the defisage HTTP server.
type Server struct {
	runner  TurnRunner
	store   history.Store
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler

	certFile string
	keyFile  string

	http *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth installs readiness checkers evaluated on /readyz.
func WithHealth(checkers ...health.Checker) Option {
	return func(s *Server) { s.health = health.New(checkers...) }
}

// WithTLS enables HTTPS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// New assembles a Server listening on addr.
func New(addr string, runner TurnRunner, store history.Store, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		health:  health.New(),
	}
	for _, o := range opts {
		o(s)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.metrics)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler. Used by tests to mount the
// server on an httptest listener.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/chats", s.listChats)
	mux.HandleFunc("GET /api/chats/{id}", s.getChat)
	mux.HandleFunc("DELETE /api/chats/{id}", s.deleteChat)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = s.http.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.logger.Info("http server listening", "addr", s.http.Addr, "tls", s.certFile != "")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// chatDetail is the response body for GET /api/chats/{id}.
type chatDetail struct {
	Chat     history.Chat      `json:"chat"`
	Messages []history.Message `json:"messages"`
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	chats, err := s.store.ListChats(r.Context(), limit)
	if err != nil {
		s.logger.Error("list chats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []history.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	chat, msgs, err := s.store.GetChat(r.Context(), chatID)
	if err != nil {
		var nf *history.ErrNotFound
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("get chat failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, http.StatusOK, chatDetail{Chat: chat, Messages: msgs})
}

func (s *Server) deleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	if err := s.store.DeleteChat(r.Context(), chatID); err != nil {
		s.logger.Error("delete chat failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
