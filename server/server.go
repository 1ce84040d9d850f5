// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"boardgame-notifier/match"
	"boardgame-notifier/metrics"
	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/poll"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 64 << 10

// Pipeline ingests drafts.
type Pipeline interface {
	ProcessDraft(ctx context.Context, draft *notifier.Draft, sourceID string) (*notifier.Event, error)
}

// Poller runs scraper agents on demand.
type Poller interface {
	CheckAll(ctx context.Context, force bool) ([]poll.Result, error)
}

// Suggester ranks catalog games for a title.
type Suggester interface {
	Suggest(ctx context.Context, title string, limit int) ([]match.Suggestion, error)
}

// Store is the persistence behind rule and push subscription management.
type Store interface {
	SaveRule(ctx context.Context, r *notifier.Rule) error
	EnabledRules(ctx context.Context) ([]*notifier.Rule, error)
	SavePushSubscription(ctx context.Context, sub *notifier.PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint string) error
	Notifications(ctx context.Context, ruleID string) ([]*notifier.Notification, error)
}

// Server handles HTTP requests.
type Server struct {
	pipeline  Pipeline
	poller    Poller
	suggester Suggester
	store     Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	limiter   *rateLimiter
	channels  map[string]bool
}

// Config holds server configuration.
type Config struct {
	Pipeline  Pipeline
	Poller    Poller // optional
	Suggester Suggester
	Store     Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Channels lists the channel names rules may reference.
	Channels []string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	channels := make(map[string]bool, len(cfg.Channels))
	for _, c := range cfg.Channels {
		channels[c] = true
	}
	return &Server{
		pipeline:  cfg.Pipeline,
		poller:    cfg.Poller,
		suggester: cfg.Suggester,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		limiter:   newRateLimiter(10, time.Hour),
		channels:  channels,
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Post("/pollz", s.handlePoll)
	r.Post("/drafts", s.handleDraft)
	r.Get("/games/suggest", s.handleSuggest)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleSaveRule)
		r.Get("/{id}/notifications", s.handleRuleNotifications)
	})
	r.Route("/push/subscriptions", func(r chi.Router) {
		r.Post("/", s.handleSubscribe)
		r.Delete("/", s.handleUnsubscribe)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // /pollz runs every agent inline
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "Polling not configured", http.StatusServiceUnavailable)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	s.logger.Info("Poll endpoint triggered", "force", force)

	results, err := s.poller.CheckAll(r.Context(), force)
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	type agentResult struct {
		Agent      string `json:"agent"`
		Error      string `json:"error,omitempty"`
		Drafts     int    `json:"drafts"`
		Accepted   int    `json:"accepted"`
		Duplicates int    `json:"duplicates"`
		Invalid    int    `json:"invalid"`
		Failed     int    `json:"failed"`
		Skipped    bool   `json:"skipped,omitempty"`
	}
	out := make([]agentResult, 0, len(results))
	for _, res := range results {
		if res.Agent == "" {
			continue
		}
		ar := agentResult{
			Agent:      res.Agent,
			Drafts:     res.Drafts,
			Accepted:   res.Accepted,
			Duplicates: res.Duplicates,
			Invalid:    res.Invalid,
			Failed:     res.Failed,
			Skipped:    res.Skipped,
		}
		if res.Err != nil {
			ar.Error = res.Err.Error()
		}
		out = append(out, ar)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "agents": out})
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var draft notifier.Draft
	if err := decodeJSON(w, r, &draft); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	source := strings.TrimSpace(r.Header.Get("X-Source-ID"))
	if source == "" {
		source = "http"
	}

	ev, err := s.pipeline.ProcessDraft(r.Context(), &draft, source)
	switch {
	case errors.Is(err, notifier.ErrInvalidDraft):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		s.logger.Error("Draft processing failed", "title", draft.Title, "request_id", middleware.GetReqID(r.Context()), "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
	case ev == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		s.writeJSON(w, http.StatusCreated, map[string]any{"status": "accepted", "event": ev})
	}
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		http.Error(w, "Missing title", http.StatusBadRequest)
		return
	}
	limit := match.DefaultSuggestions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			http.Error(w, "limit must be 1..50", http.StatusBadRequest)
			return
		}
		limit = n
	}

	suggestions, err := s.suggester.Suggest(r.Context(), title, limit)
	if err != nil {
		s.logger.Error("Suggest failed", "title", title, "error", err)
		http.Error(w, "Suggest failed", http.StatusInternalServerError)
		return
	}
	if suggestions == nil {
		suggestions = []match.Suggestion{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"title": title, "suggestions": suggestions})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
