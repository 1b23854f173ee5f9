// Package server exposes the relay over HTTP: the WebSocket endpoint, a
// health check and a read-only view of stored conversations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/courier-chat/courier/internal/envelope"
	"github.com/courier-chat/courier/internal/hub"
	"github.com/courier-chat/courier/internal/identity"
	"github.com/courier-chat/courier/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HistoryReader is the read side of the message log.
type HistoryReader interface {
	History(ctx context.Context, a, b string, limit int) ([]store.Record, error)
}

// Options tunes the HTTP surface.
type Options struct {
	// Origins are the host patterns allowed to open a WebSocket from a
	// browser. Empty means same origin only.
	Origins []string
	// HistoryLimit is both the default and the maximum page size of
	// /history.
	HistoryLimit int
}

// Server serves the relay endpoints for one Hub.
type Server struct {
	ctx     context.Context
	hub     *hub.Hub
	auth    identity.Authenticator
	history HistoryReader
	opts    Options
	log     *slog.Logger
}

// New builds a Server. Connections are served under ctx, which outlives any
// single request. history may be nil, in which case /history answers 503.
func New(ctx context.Context, h *hub.Hub, auth identity.Authenticator, history HistoryReader, opts Options, log *slog.Logger) *Server {
	return &Server{
		ctx:     ctx,
		hub:     h,
		auth:    auth,
		history: history,
		opts:    opts,
		log:     log,
	}
}

// Routes returns the chi router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/history", s.handleHistory)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleWS upgrades the request and runs the connection until it closes.
// With authentication enabled the token is checked before the upgrade.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Info("rejecting websocket upgrade", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.Origins,
	})
	if err != nil {
		s.log.Error("websocket accept error", "remote", r.RemoteAddr, "error", err)
		return
	}

	if err := s.hub.Serve(s.ctx, conn, user); err != nil {
		s.log.Info("connection refused", "remote", r.RemoteAddr, "error", err)
	}
}

type health struct {
	Goroutines  int `json:"goroutines"`
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// handleHealth reports goroutine, connection and registered user counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns, users := s.hub.Registry().Stats()
	s.writeJSON(w, http.StatusOK, health{
		Goroutines:  runtime.NumGoroutine(),
		Connections: conns,
		Users:       users,
	})
}

// handleHistory returns one conversation, oldest first. An authenticated
// caller names the other party with ?with=, an anonymous one names both with
// ?a= and ?b=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	user, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	a, b := envelope.UserID(q.Get("a")), envelope.UserID(q.Get("b"))
	if user != "" {
		a, b = user, envelope.UserID(q.Get("with"))
	}
	if envelope.ValidateUserID(a) != nil || envelope.ValidateUserID(b) != nil {
		http.Error(w, "invalid conversation participants", http.StatusBadRequest)
		return
	}

	limit, err := s.pageSize(q.Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	records, err := s.history.History(r.Context(), string(a), string(b), limit)
	switch {
	case errors.Is(err, store.ErrInvalidParticipant):
		http.Error(w, "invalid conversation participants", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("history lookup failed", "a", a, "b", b, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// pageSize parses ?limit=, clamping it to the configured maximum.
func (s *Server) pageSize(raw string) (int, error) {
	if raw == "" {
		return s.opts.HistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > s.opts.HistoryLimit {
		return s.opts.HistoryLimit, nil
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", "error", err)
	}
}
