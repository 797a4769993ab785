package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/event"
	"github.com/drewdunne/mergequeue/internal/metrics"
	"github.com/drewdunne/mergequeue/internal/registry"
	"github.com/drewdunne/mergequeue/internal/store"
	"github.com/drewdunne/mergequeue/internal/webhook"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Server is the HTTP server that receives forge webhooks and exposes
// health/metrics endpoints.
type Server struct {
	cfg          *config.Config
	mux          *http.ServeMux
	httpServer   *httpServer
	httpServerMu sync.RWMutex  // protects httpServer pointer
	ready        chan struct{} // closed when server is ready to accept connections

	eventRouter *event.Router
	registry    *registry.Registry
	store       store.Store
}

// New creates a Server wired to the given event router, forge client
// registry, and store. The registry and store back the /health endpoint;
// either may be nil, in which case the corresponding check is skipped.
func New(cfg *config.Config, router *event.Router, reg *registry.Registry, st store.Store) *Server {
	s := &Server{
		cfg:         cfg,
		mux:         http.NewServeMux(),
		ready:       make(chan struct{}),
		eventRouter: router,
		registry:    reg,
		store:       st,
	}
	s.routes()
	return s
}

// NewWithRouter creates a Server with only an event router configured, for
// callers that don't need health-check visibility into the registry/store.
func NewWithRouter(cfg *config.Config, router *event.Router) *Server {
	return New(cfg, router, nil, nil)
}

// Ready returns a channel that is closed when the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// routes sets up the HTTP routes.
func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)

	// GitHub webhook
	if s.cfg.Providers.GitHub.WebhookSecret != "" {
		githubHandler := webhook.NewGitHubHandler(
			s.cfg.Providers.GitHub.WebhookSecret,
			s.handleGitHubEvent,
		)
		s.mux.Handle("/webhook/github", githubHandler)
	}

	// GitLab webhook
	if s.cfg.Providers.GitLab.WebhookSecret != "" {
		gitlabHandler := webhook.NewGitLabHandler(
			s.cfg.Providers.GitLab.WebhookSecret,
			s.handleGitLabEvent,
		)
		s.mux.Handle("/webhook/gitlab", gitlabHandler)
	}
}

// handleHealth responds with server health status: whether at least one
// forge provider is configured and whether the store is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providersConfigured := s.registry != nil && len(s.registry.List()) > 0
	storeReachable := true
	if s.store != nil {
		if _, err := s.store.ListPRsByState(r.Context(), store.PRRequested); err != nil {
			storeReachable = false
		}
	}

	checks := map[string]interface{}{
		"providers_configured": providersConfigured,
		"store_reachable":      storeReachable,
	}

	status := "ok"
	if s.registry != nil && !providersConfigured {
		status = "degraded"
	}
	if !storeReachable {
		status = "degraded"
	}

	health := HealthResponse{
		Status: status,
		Checks: checks,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleGitHubEvent processes a GitHub webhook event.
func (s *Server) handleGitHubEvent(ghEvent *webhook.GitHubEvent) error {
	metrics.WebhookReceived()
	log.Printf("received GitHub event: %s, action: %s", ghEvent.EventType, ghEvent.Action)

	if s.eventRouter == nil {
		return nil
	}

	normalizedEvent, err := event.NormalizeGitHubEvent(ghEvent)
	if err != nil {
		log.Printf("failed to normalize GitHub event: %v", err)
		return nil // don't fail the webhook, just log
	}

	if err := s.eventRouter.Route(context.Background(), normalizedEvent); err != nil {
		log.Printf("failed to route event: %v", err)
		return nil // don't fail the webhook, just log
	}

	metrics.WebhookProcessed()
	return nil
}

// handleGitLabEvent processes a GitLab webhook event.
func (s *Server) handleGitLabEvent(glEvent *webhook.GitLabEvent) error {
	metrics.WebhookReceived()
	log.Printf("received GitLab event: %s, kind: %s", glEvent.EventType, glEvent.ObjectKind)

	if s.eventRouter == nil {
		return nil
	}

	normalizedEvent, err := event.NormalizeGitLabEvent(glEvent)
	if err != nil {
		log.Printf("failed to normalize GitLab event: %v", err)
		return nil // don't fail the webhook, just log
	}

	if err := s.eventRouter.Route(context.Background(), normalizedEvent); err != nil {
		log.Printf("failed to route event: %v", err)
		return nil // don't fail the webhook, just log
	}

	metrics.WebhookProcessed()
	return nil
}

// handleMetrics responds with current operational metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := metrics.Get()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}
