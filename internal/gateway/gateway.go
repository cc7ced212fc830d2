// ABOUTME: Gateway orchestrator that wires the store, key material, sessions and servers
// ABOUTME: Manages the HTTP API, optional gRPC health listener, sweeper and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/httpapi"
	"github.com/2389/beacon-gateway/internal/notify"
	"github.com/2389/beacon-gateway/internal/passkey"
	"github.com/2389/beacon-gateway/internal/secretbox"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/webhook"
)

// Gateway owns every long-lived component of the server process.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	keys        *secretbox.KeyMaterial
	sessions    *session.Registry
	sweeper     *session.Sweeper
	accounts    *account.Service
	channels    *notify.Service
	passkeys    *passkey.Service
	httpServer  *http.Server
	grpcServer  *grpc.Server // nil when server.grpc_addr is empty
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// determineBaseURL resolves the external base URL used as the passkey relying party.
func determineBaseURL(cfg *config.Config) string {
	if cfg.Passkeys.BaseURL != "" {
		return cfg.Passkeys.BaseURL
	}
	if envURL := os.Getenv("BEACON_GATEWAY_URL"); envURL != "" {
		return envURL
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS {
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// initStore opens the database named by config or BEACON_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BEACON_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway from cfg. Key material is resolved exactly once here
// and shared by every component for the life of the process.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := build(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func build(cfg *config.Config, s *store.SQLiteStore, logger *slog.Logger) (*Gateway, error) {
	keys, err := secretbox.ResolveKey(cfg.Encryption, logger.With("component", "secretbox"))
	if err != nil {
		return nil, fmt.Errorf("resolving encryption key: %w", err)
	}
	cipher, err := secretbox.New(keys, logger)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	sessions := session.NewRegistry(s, session.WithLogger(logger))
	sweeper, err := session.NewSweeper(sessions, cfg.Sessions.SweepSchedule, logger)
	if err != nil {
		return nil, err
	}

	resolver := auth.NewResolver(s, sessions, tokens, logger)
	accounts := account.NewService(s, sessions, tokens, logger)

	guard := webhook.NewGuard(cfg.Webhooks.AllowHTTP, cfg.Webhooks.DNSTimeout, webhook.WithLogger(logger))
	if cfg.Webhooks.AllowHTTP {
		logger.Warn("webhooks.allow_http is enabled; plain http webhook targets are accepted")
	}
	channels, err := notify.NewService(s, cipher, guard, logger, notify.WithDispatchTimeout(cfg.Webhooks.DispatchTimeout))
	if err != nil {
		return nil, fmt.Errorf("creating notification service: %w", err)
	}

	pkCfg := cfg.Passkeys
	pkCfg.BaseURL = determineBaseURL(cfg)
	passkeys, err := passkey.NewService(pkCfg, s, accounts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating passkey service: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		keys:     keys,
		sessions: sessions,
		sweeper:  sweeper,
		accounts: accounts,
		channels: channels,
		passkeys: passkeys,
		health:   health.NewServer(),
		logger:   logger.With("component", "gateway"),
	}

	api := httpapi.New(httpapi.Deps{
		Accounts:   accounts,
		Channels:   channels,
		Passkeys:   passkeys,
		Sessions:   sessions,
		Middleware: auth.NewMiddleware(resolver, cfg.Auth.CookieName),
		Cookie:     auth.CookieConfig{Name: cfg.Auth.CookieName, Secure: cfg.Auth.CookieSecure},
		Logger:     logger,
	})
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = newGRPCServer(resolver, gw.health, logger)
	}

	gw.logger.Info("gateway configured",
		"key_source", string(keys.Source),
		"key_fingerprint", keys.Fingerprint(),
		"passkey_base_url", pkCfg.BaseURL,
	)
	return gw, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Accounts returns the account service.
func (g *Gateway) Accounts() *account.Service {
	return g.accounts
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run sweeps expired sessions, starts the servers and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.sweeper.Start(ctx); err != nil {
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		g.sweeper.Stop(ctx)
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the sweeper and servers, then closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.sweeper.Stop(ctx)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.passkeys.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
