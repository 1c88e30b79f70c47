// Package web is the HTTP ingress: webhook intake for the chat and
// source-control services, operator endpoints for retries and triggers, and
// a server-sent event stream of everything moving through the dispatcher.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/madhatter5501/conductor"
	"github.com/madhatter5501/conductor/internal/db"
)

// maxWebhookBody caps how much of a delivery is read. Real payloads sit in
// the tens of kilobytes; anything past a megabyte is garbage.
const maxWebhookBody = 1 << 20

// Webhook redelivery window. GitHub retries for a few minutes, Slack for an
// hour at most; fifteen minutes of ids catches the overlap that matters.
const (
	dedupSize = 4096
	dedupTTL  = 15 * time.Minute
)

// newMeta stamps event metadata for a delivery, keeping the raw payload for
// the event stream and post-mortems.
func newMeta(source string, raw []byte) conductor.Meta {
	m := conductor.NewMeta(source)
	m.Raw = raw
	return m
}

// Server verifies webhook deliveries, turns them into dispatched events, and
// serves the operator endpoints.
type Server struct {
	dispatch func(conductor.Event)
	store    *db.Store
	depths   func() map[string]int
	logger   *slog.Logger
	server   *http.Server

	github *gitHubWebhook
	slack  *slackWebhook

	sseClients   map[chan []byte]bool
	sseMu        sync.RWMutex
	shutdownOnce sync.Once
}

// NewServer wires the ingress. dispatch feeds events into the dispatcher;
// depths reports queue depths for health checks.
func NewServer(cfg conductor.Config, dispatch func(conductor.Event), store *db.Store, depths func() map[string]int, logger *slog.Logger) *Server {
	return &Server{
		dispatch:   dispatch,
		store:      store,
		depths:     depths,
		logger:     logger.With("component", "web"),
		github:     newGitHubWebhook(cfg.GitHubWebhookSecret),
		slack:      newSlackWebhook(cfg.SlackSigningSecret),
		sseClients: make(map[chan []byte]bool),
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/{source}", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/retry/{prNumber:[0-9]+}/ci", s.handleRetryCI).Methods(http.MethodPost)
	r.HandleFunc("/retry/{prNumber:[0-9]+}/review", s.handleRetryReview).Methods(http.MethodPost)
	r.HandleFunc("/trigger/{designId}", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)
	return r
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(s.router()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: /events holds its response open.
	}

	s.logger.Info("starting ingress server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the server and disconnects the event-stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.sseMu.Lock()
		for ch := range s.sseClients {
			close(ch)
			delete(s.sseClients, ch)
		}
		s.sseMu.Unlock()
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if source != "github" && source != "slack" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		webhooksTotal.WithLabelValues(source, "oversize").Inc()
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var (
		events    []conductor.Event
		challenge string
	)
	switch source {
	case "github":
		if err := s.github.Verify(r, body); err != nil {
			s.reject(w, source, err)
			return
		}
		events, err = s.github.Parse(r, body)
	case "slack":
		if err := s.slack.Verify(r, body); err != nil {
			s.reject(w, source, err)
			return
		}
		events, challenge, err = s.slack.Parse(body)
	}
	if err != nil {
		s.logger.Warn("webhook payload unparseable", "source", source, "error", err)
		webhooksTotal.WithLabelValues(source, "malformed").Inc()
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	if challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	for _, ev := range events {
		s.dispatch(ev)
	}
	webhooksTotal.WithLabelValues(source, "accepted").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": len(events)})
}

// reject answers a delivery that failed signature verification. The body is
// deliberately uninformative; the reason goes to the log.
func (s *Server) reject(w http.ResponseWriter, source string, err error) {
	s.logger.Warn("webhook signature rejected", "source", source, "error", err)
	webhooksTotal.WithLabelValues(source, "rejected").Inc()
	http.Error(w, "signature verification failed", http.StatusUnauthorized)
}

// handleRetryCI zeroes the CI attempt counter and re-enqueues a ci:failed
// event so the triage path runs again.
func (s *Server) handleRetryCI(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.prFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.ResetCIAttempts(pr.PRNumber); err != nil {
		s.internalError(w, "reset ci attempts", err)
		return
	}
	s.dispatch(&conductor.CIFailed{
		Meta:     conductor.NewMeta("manual"),
		PRNumber: pr.PRNumber,
		Branch:   pr.Branch,
		IssueKey: pr.IssueKey,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "pr": pr.PRNumber})
}

// handleRetryReview zeroes the review attempt counter and re-enqueues an
// automated review of the PR.
func (s *Server) handleRetryReview(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.prFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.ResetPRReviewAttempts(pr.PRNumber); err != nil {
		s.internalError(w, "reset review attempts", err)
		return
	}
	s.dispatch(&conductor.AgentCompleted{
		Meta:     conductor.NewMeta("manual"),
		Agent:    conductor.AgentCodeWriter,
		TaskType: conductor.TaskReviewFix,
		DesignID: pr.DesignID,
		PRNumber: pr.PRNumber,
		IssueKey: pr.IssueKey,
		Branch:   pr.Branch,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "pr": pr.PRNumber})
}

// handleTrigger re-emits the intake event for a stuck design.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["designId"]
	design, err := s.store.GetDesign(id)
	if err != nil {
		s.internalError(w, "load design", err)
		return
	}
	if design == nil {
		http.Error(w, "unknown design", http.StatusNotFound)
		return
	}
	s.dispatch(&conductor.TaskRequested{
		Meta:     conductor.NewMeta("manual"),
		Message:  design.Description,
		DesignID: design.ID,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "designId": design.ID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queues": s.depths(),
	})
}

// prFromPath resolves the {prNumber} path variable to a tracked PR, writing
// the error response itself when it cannot.
func (s *Server) prFromPath(w http.ResponseWriter, r *http.Request) (*db.PRState, bool) {
	number, err := strconv.Atoi(mux.Vars(r)["prNumber"])
	if err != nil {
		http.Error(w, "invalid pr number", http.StatusBadRequest)
		return nil, false
	}
	pr, err := s.store.GetPRState(number)
	if err != nil {
		s.internalError(w, "load pr state", err)
		return nil, false
	}
	if pr == nil {
		http.Error(w, "unknown pr", http.StatusNotFound)
		return nil, false
	}
	return pr, true
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withLogging wraps a handler with request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
