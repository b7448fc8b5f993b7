// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"hn-digest/pkg/digest"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Subscriptions is the subscriber lifecycle surface the handlers need.
type Subscriptions interface {
	Subscribe(ctx context.Context, email, strategyType string) error
	Verify(ctx context.Context, email, token string) error
	Unsubscribe(ctx context.Context, token string) (bool, error)
	Lookup(ctx context.Context, token string) (string, bool)
}

// Bounces consumes mail-provider delivery-failure webhooks.
type Bounces interface {
	Handle(ctx context.Context, payload []byte) error
}

// Digests triggers a digest run.
type Digests interface {
	Run(ctx context.Context, date time.Time) error
}

// Captcha verifies challenge tokens on subscribe requests.
type Captcha interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// Server handles HTTP requests.
type Server struct {
	subs       Subscriptions
	bounces    Bounces
	digests    Digests
	captcha    Captcha
	logger     *slog.Logger
	pagesURL   string
	strategies []digest.Strategy
	limiter    *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Subscriptions Subscriptions
	Bounces       Bounces
	Digests       Digests
	Captcha       Captcha
	Logger        *slog.Logger
	// PagesBaseURL hosts the static result pages for redirects.
	PagesBaseURL string
	Strategies   []digest.Strategy
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		subs:       cfg.Subscriptions,
		bounces:    cfg.Bounces,
		digests:    cfg.Digests,
		captcha:    cfg.Captcha,
		logger:     cfg.Logger,
		pagesURL:   cfg.PagesBaseURL,
		strategies: cfg.Strategies,
		limiter:    newRateLimiter(),
	}
}

// Handler returns the routed handler. Exposed separately from ListenAndServe
// for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/bounce", s.handleBounce)
	mux.HandleFunc("/digestz", s.handleDigest)
	return mux
}

// ListenAndServe starts the HTTP server on the given port.
func (s *Server) ListenAndServe(port int) error {
	// Timeouts prevent resource exhaustion from slow clients.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	type option struct {
		Type        string
		Description string
	}
	options := make([]option, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		options = append(options, option{Type: strategy.Type(), Description: strategy.Description()})
	}

	if err := templates.ExecuteTemplate(w, "index.tmpl", map[string]any{"Strategies": options}); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Digest endpoint triggered")

	if err := s.digests.Run(r.Context(), time.Now().UTC()); err != nil {
		s.logger.Error("Digest run failed", "error", err)
		http.Error(w, "Digest run failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
