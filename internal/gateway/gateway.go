// ABOUTME: Gateway orchestrator that wires store, runtime and HTTP server
// ABOUTME: Owns listener setup (TCP or tsnet) and the shutdown sequence

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/cors"
	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/sessiongate/internal/agent"
	"github.com/2389/sessiongate/internal/auth"
	"github.com/2389/sessiongate/internal/config"
	"github.com/2389/sessiongate/internal/conversation"
	"github.com/2389/sessiongate/internal/eventbus"
	"github.com/2389/sessiongate/internal/eventlog"
	"github.com/2389/sessiongate/internal/idempotency"
	"github.com/2389/sessiongate/internal/runtime"
	"github.com/2389/sessiongate/internal/session"
	"github.com/2389/sessiongate/internal/store"
)

const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyMaxKeys = 10000
)

// Version is reported by the health endpoints.
var Version = "dev"

// Gateway owns every long-lived component of a running server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	agents      *agent.Registry
	broadcaster *eventbus.Broadcaster
	kafka       *eventbus.KafkaPublisher
	idempotency *idempotency.Cache
	clients     []*runtime.Client
	api         *API
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the store named by database.driver.
func initStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLiteCGO:
		return store.OpenSQLite(config.DriverSQLiteCGO, cfg.Path)
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}

// dialOptions returns the extra options for runtime connections.
func dialOptions(cfg config.RuntimeConfig) []grpc.DialOption {
	if cfg.Token == "" {
		return nil
	}
	return []grpc.DialOption{grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: cfg.Token})}
}

// initRuntime builds the backend router. Agents with an endpoint get their
// own client; the rest use runtime.address, or the echo backend.
func initRuntime(cfg *config.Config, agents []agent.Agent, logger *slog.Logger) (*runtime.Router, []*runtime.Client, error) {
	var clients []*runtime.Client
	closeAll := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}

	var fallback runtime.Backend
	switch {
	case cfg.Runtime.Address != "":
		c, err := runtime.Dial(cfg.Runtime.Address, logger, dialOptions(cfg.Runtime)...)
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, c)
		fallback = c
	case cfg.Runtime.Echo:
		logger.Warn("using built-in echo runtime")
		fallback = &runtime.Echo{}
	}

	router := runtime.NewRouter(fallback)
	for _, a := range agents {
		if a.Endpoint == "" {
			continue
		}
		c, err := runtime.Dial(a.Endpoint, logger, dialOptions(cfg.Runtime)...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		clients = append(clients, c)
		router.Route(a.ID, c)
	}
	return router, clients, nil
}

// corsHandler wraps h with the configured CORS policy.
func corsHandler(cfg config.CORSConfig, h http.Handler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "Last-Event-ID"},
		AllowCredentials: true,
	}).Handler(h)
}

// New creates a gateway from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := agent.NewRegistry(cfg.AgentList())
	if err != nil {
		return nil, fmt.Errorf("building agent registry: %w", err)
	}

	s, err := initStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		agents:      registry,
		broadcaster: eventbus.NewBroadcaster(logger),
		idempotency: idempotency.New(idempotencyTTL, idempotencyMaxKeys),
		logger:      logger.With("component", "gateway"),
	}

	publishers := eventbus.Multi{gw.broadcaster}
	if cfg.Events.Kafka.Enabled {
		gw.kafka, err = eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
		}, logger)
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		publishers = append(publishers, gw.kafka)
	}

	router, clients, err := initRuntime(cfg, registry.List(), logger)
	if err != nil {
		gw.closeComponents()
		return nil, fmt.Errorf("connecting to runtime: %w", err)
	}
	gw.clients = clients

	log := eventlog.New(s, eventlog.WithPublisher(publishers), eventlog.WithLogger(logger))
	sessions := session.NewManager(registry, s, log, session.WithLogger(logger))
	queries := conversation.New(sessions, router, conversation.Config{
		QueueSize:    cfg.Stream.QueueSize,
		Timeout:      cfg.Runtime.Timeout,
		FlushTimeout: cfg.Stream.FlushTimeout,
	}, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	} else {
		gw.logger.Warn("auth.jwt_secret not set, API is unauthenticated")
	}

	gw.api = NewAPI(APIConfig{
		Agents:      registry,
		Store:       s,
		Sessions:    sessions,
		Log:         log,
		Queries:     queries,
		Broadcaster: gw.broadcaster,
		Idempotency: gw.idempotency,
		Verifier:    verifier,
		Keepalive:   cfg.Stream.Keepalive,
		Version:     Version,
		Logger:      logger,
	})

	gw.httpServer = &http.Server{
		Handler:           corsHandler(cfg.CORS, gw.api.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway configured",
		"agents", len(registry.List()),
		"driver", cfg.Database.Driver,
		"kafka", cfg.Events.Kafka.Enabled,
		"auth", verifier != nil,
	)
	return gw, nil
}

// Handler exposes the routed HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListener returns the HTTP listener for the configured mode.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		g.closeComponents()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serverErr = <-errCh:
		g.logger.Error("server failed", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
	return filepath.Join(homeDir, ".local", "share", "sessiongate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with
// tailnet certificates when tailscale.https is set.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
	return g.createTailscaleTLSListener()
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything except the HTTP server and returns
// the errors it hit.
func (g *Gateway) closeComponents() []error {
	var errs []error
	for _, c := range g.clients {
		errs = appendCloseError(errs, "runtime client close", c.Close())
	}
	if g.kafka != nil {
		errs = appendCloseError(errs, "kafka close", g.kafka.Close())
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.idempotency != nil {
		g.idempotency.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops the HTTP server and then releases everything it used.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
