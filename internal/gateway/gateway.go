// ABOUTME: Gateway orchestrator wiring the store, providers, and WS server
// ABOUTME: Manages listeners, health endpoint, tick broadcast, and shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/moltis/gateway/internal/approval"
	"github.com/moltis/gateway/internal/auth"
	"github.com/moltis/gateway/internal/broadcast"
	"github.com/moltis/gateway/internal/chat"
	"github.com/moltis/gateway/internal/config"
	"github.com/moltis/gateway/internal/protocol"
	"github.com/moltis/gateway/internal/provider"
	"github.com/moltis/gateway/internal/push"
	"github.com/moltis/gateway/internal/session"
	"github.com/moltis/gateway/internal/store"
	"github.com/moltis/gateway/internal/tools"
)

// Version is the server version reported on /health and in the handshake.
const Version = "0.3.0"

// Gateway orchestrates the moltis-gateway server components. It owns the
// WebSocket endpoint for clients and the HTTP server for health checks.
type Gateway struct {
	config      *config.Config
	store       store.Store
	sessions    *session.Registry
	engine      *chat.Engine
	chain       *provider.Chain
	tools       *tools.Registry
	gate        *approval.Gate
	broadcaster *broadcast.Broadcaster
	auth        *auth.Manager
	notifier    chat.Notifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	handlers map[string]handlerFunc

	connsMu sync.Mutex
	conns   map[string]*conn
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MOLTIS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildChain constructs the provider fallback chain from config.
func buildChain(cfg *config.Config, logger *slog.Logger) (*provider.Chain, error) {
	chain := provider.NewChain(logger)
	for _, pc := range cfg.Providers {
		switch pc.Kind {
		case "openai":
			p := provider.NewOpenAI(provider.OpenAIConfig{
				ID:      pc.ID,
				Name:    pc.Name,
				Model:   pc.Model,
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Vision:  pc.Vision,
				Tools:   pc.Tools,
			}, logger)
			chain.Add(p, pc.Priority, pc.RPS)
		case "mock":
			p := provider.NewMock(pc.ID, provider.Capabilities{Vision: pc.Vision, Tools: pc.Tools})
			chain.Add(p, pc.Priority, pc.RPS)
		default:
			return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
	}
	return chain, nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.New(logger)
	sessions := session.New(s, broadcaster, nil, cfg.Chat.DefaultModel, logger)

	chain, err := buildChain(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	toolReg := tools.NewRegistry()
	toolReg.Register(tools.NewExecTool(cfg.Server.WorkDir))
	toolReg.Register(&tools.ClockTool{})

	gate := approval.New(cfg.Chat.ApprovalTimeout, func(req *approval.Request) {
		frame, err := protocol.NewEvent(protocol.EventApprovalRequested, &protocol.ApprovalRequestEvent{
			ID:         req.ID,
			SessionKey: req.SessionKey,
			Command:    req.Command,
			ExpiresAt:  req.ExpiresAt,
		})
		if err != nil {
			logger.Error("encoding approval event", "error", err)
			return
		}
		broadcaster.PublishAll(frame)
	}, logger)

	var notifier chat.Notifier = push.Noop{}
	if cfg.Push.Enabled {
		notifier = push.NewWebhook(cfg.Push.WebhookURL, logger)
		logger.Info("webhook notifications enabled")
	}

	engine := chat.NewEngine(sessions, chain, toolReg, gate, broadcaster, notifier, chat.Options{
		SystemPrompt:  cfg.Chat.SystemPrompt,
		MaxIterations: cfg.Chat.MaxIterations,
		RunTimeout:    cfg.Chat.RunTimeout,
	}, logger)

	authMgr := auth.New(auth.Config{
		TokenSecret:  cfg.Auth.TokenSecret,
		PasswordHash: cfg.Auth.PasswordHash,
	}, logger)
	if !authMgr.Required() {
		logger.Warn("auth disabled - no credentials configured")
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		sessions:    sessions,
		engine:      engine,
		chain:       chain,
		tools:       toolReg,
		gate:        gate,
		broadcaster: broadcaster,
		auth:        authMgr,
		notifier:    notifier,
		logger:      logger.With("component", "gateway"),
		conns:       make(map[string]*conn),
	}
	gw.handlers = map[string]handlerFunc{
		MethodPing:            gw.handlePing,
		MethodSessionsList:    gw.handleSessionsList,
		MethodSessionsSwitch:  gw.handleSessionsSwitch,
		MethodSessionsResolve: gw.handleSessionsResolve,
		MethodSessionsPatch:   gw.handleSessionsPatch,
		MethodSessionsDelete:  gw.handleSessionsDelete,
		MethodChatSend:        gw.handleChatSend,
		MethodChatClear:       gw.handleChatClear,
		MethodChatContext:     gw.handleChatContext,
		MethodApprovalResolve: gw.handleApprovalResolve,
		MethodModelsList:      gw.handleModelsList,
	}

	// Credential changes invalidate every live connection: each one must
	// re-run the handshake before issuing further requests.
	authMgr.OnChange(func() {
		frame, err := protocol.NewEvent(protocol.EventCredentialsChange, struct{}{})
		if err != nil {
			return
		}
		broadcaster.PublishAll(frame)
		gw.connsMu.Lock()
		for _, c := range gw.conns {
			c.setAuthenticated(false)
		}
		gw.connsMu.Unlock()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWebSocket)
	mux.HandleFunc("/health", gw.handleHealth)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving /ws and /health, for embedding
// the gateway in an existing server.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Run starts the gateway and blocks until the context is canceled. Returns
// nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.tickLoop(egCtx)
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "moltis-gateway", "tailscale"), nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		AuthKey:   authKey,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
	}

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("bringing up tailscale: %w", err)
	}
	g.logger.Info("tailscale up", "hostname", tsCfg.Hostname, "ips", status.TailscaleIPs)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("tailscale listen: %w", err)
	}
	return ln, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for in-flight generation runs, and
// closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	done := make(chan struct{})
	go func() {
		g.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown timeout with generation runs still active")
	}

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if wn, ok := g.notifier.(*push.WebhookNotifier); ok {
		wn.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// tickLoop broadcasts a periodic liveness event to every connection.
func (g *Gateway) tickLoop(ctx context.Context) {
	interval := protocol.TickIntervalMs * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame, err := protocol.NewEvent(protocol.EventTick, &protocol.TickEvent{
				ServerTime: time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			g.broadcaster.PublishAll(frame)
		case <-ctx.Done():
			return
		}
	}
}

// handleHealth reports liveness, version, protocol range, and connection count.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"version":     Version,
		"protocol":    protocol.VersionMax,
		"connections": g.broadcaster.ConnCount(),
	})
}
