// ABOUTME: Gateway orchestrator that wires the store, AI collaborator, and HTTP server
// ABOUTME: Manages route registration, startup, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jeetjeet26/oneclick-chat/internal/assistant"
	"github.com/jeetjeet26/oneclick-chat/internal/auth"
	"github.com/jeetjeet26/oneclick-chat/internal/config"
	"github.com/jeetjeet26/oneclick-chat/internal/conversation"
	"github.com/jeetjeet26/oneclick-chat/internal/store"
)

// Gateway orchestrates the leasing-gateway server components.
// It owns the store, the conversation service, and the HTTP server that
// serves both the visitor widget API and the operator console API.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	broadcaster  *conversation.EventBroadcaster
	verifier     auth.TokenVerifier
	httpServer   *http.Server
	logger       *slog.Logger
}

// initStore creates the SQLite store, honoring the LEASING_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LEASING_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	collaborator, err := assistant.New(assistant.Config{
		APIKey:  cfg.AI.APIKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
		Timeout: cfg.AI.Timeout,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating AI collaborator: %w", err)
	}

	broadcaster := conversation.NewEventBroadcaster(logger)

	convService := conversation.New(s, collaborator, logger)
	convService.SetDirectories(s, s)
	convService.SetBroadcaster(broadcaster)
	if cfg.AI.GenerationTimeout > 0 {
		convService.SetGenerationTimeout(cfg.AI.GenerationTimeout)
	}

	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: convService,
		broadcaster:  broadcaster,
		verifier:     auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:       logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. Visitor endpoints (message posting, session
// view, event stream) are open; operator endpoints sit behind JWT auth.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	// Visitor-facing endpoints
	mux.HandleFunc("/api/messages", g.handleMessages)

	// Conversation routes: session view and the event stream are open so the
	// visitor widget can render; takeover/release/reply require an operator
	// token and enforce it per-route inside the dispatcher.
	mux.HandleFunc("/api/conversations", g.handleListConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationRoutes)

	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.broadcaster != nil {
		g.broadcaster.Close()
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
