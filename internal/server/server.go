// SPDX-License-Identifier: MIT

// Package server owns the TLS listener, the HTTP router, the WebSocket
// handler, and all session state transitions for the transcription
// service (C6). It wires together the token store, session auth manager,
// failure limiter, and engine adapter built by cmd/transcribe-server.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voxgate/transcribe-server/internal/auth"
	"github.com/voxgate/transcribe-server/internal/cache"
	"github.com/voxgate/transcribe-server/internal/config"
	"github.com/voxgate/transcribe-server/internal/control/middleware"
	"github.com/voxgate/transcribe-server/internal/engine"
	"github.com/voxgate/transcribe-server/internal/health"
	xglog "github.com/voxgate/transcribe-server/internal/log"
	"github.com/voxgate/transcribe-server/internal/ratelimit"
	"github.com/voxgate/transcribe-server/internal/sessionauth"
	tlsutil "github.com/voxgate/transcribe-server/internal/tls"
	"github.com/voxgate/transcribe-server/internal/tokenstore"
)

// Deps bundles the already-constructed collaborators a Server wires
// together; cmd/transcribe-server builds these from an AppConfig and
// passes them in, so unit tests can substitute fakes without touching
// the network.
type Deps struct {
	Tokens      *tokenstore.Store
	Sessions    *sessionauth.Manager
	FailureRLim *ratelimit.FailureLimiter
	Engine      *engine.Engine
	Health      *health.Manager
	Logger      zerolog.Logger
}

// Server is the transcription daemon's top-level HTTP/WebSocket server.
// It holds exactly one active WebSocket connection slot (activeConn), not
// a broadcast hub: the service caps at a single logical session.
type Server struct {
	cfg  config.AppConfig
	deps Deps

	httpServer *http.Server
	logger     zerolog.Logger

	fileTranscribeMu sync.Mutex // global in-flight guard for POST /api/transcribe/file

	connMu     sync.Mutex
	activeConn *wsConn
}

// New constructs a Server from cfg and deps. It does not open a listener;
// call Start for that.
func New(cfg config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = xglog.WithComponent("server")
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// BuildDeps loads the token store, session auth manager, failure limiter,
// and engine adapter from cfg, wiring a shared Redis client across the
// session lock and login limiter when RateLimit.RedisAddr is configured so
// the single-session and lockout invariants hold across replicas.
func BuildDeps(cfg config.AppConfig, backend engine.Backend) (Deps, error) {
	logger := xglog.WithComponent("server")

	store, err := tokenstore.Open(cfg.Token.StorePath, xglog.WithComponent("tokenstore"))
	if err != nil {
		return Deps{}, fmt.Errorf("open token store: %w", err)
	}

	var redisClient *redis.Client
	var sharedCache cache.Cache
	if cfg.RateLimit.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		rc, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RateLimit.RedisAddr}, xglog.WithComponent("cache"))
		if err != nil {
			return Deps{}, fmt.Errorf("connect rate-limit redis: %w", err)
		}
		sharedCache = rc
	}

	var sessions *sessionauth.Manager
	if redisClient != nil {
		sessions = sessionauth.NewWithRedis(store, redisClient)
	} else {
		sessions = sessionauth.New(store)
	}

	var failureLim *ratelimit.FailureLimiter
	if sharedCache != nil {
		failureLim = ratelimit.NewFailureLimiterWithCache(sharedCache)
	} else {
		failureLim = ratelimit.NewFailureLimiter()
	}

	eng := engine.New(engine.Config{
		MaxQueueSize: cfg.Engine.MaxQueueDepth,
		Workers:      cfg.Engine.Workers,
		MaxWaitTime:  30 * time.Second,
	}, backend, xglog.WithComponent("engine"))

	healthMgr := health.NewManager(cfg.Environment)
	healthMgr.SetReadyStrict(true)
	healthMgr.RegisterChecker(health.NewEngineChecker(eng.IsLoaded, eng.IsBusy))
	healthMgr.RegisterChecker(health.NewTokenStoreChecker(cfg.Token.StorePath, func() bool {
		toks, err := store.List()
		if err != nil {
			return false
		}
		for _, t := range toks {
			if t.Admin && t.IsValid() {
				return true
			}
		}
		return false
	}))
	healthMgr.RegisterChecker(health.NewFileChecker("tls_cert", cfg.TLS.CertPath))

	return Deps{
		Tokens:      store,
		Sessions:    sessions,
		FailureRLim: failureLim,
		Engine:      eng,
		Health:      healthMgr,
		Logger:      logger,
	}, nil
}

// Handler returns the fully configured chi router: security middleware,
// the WebSocket upgrade endpoint, the HTTPS API, and the static asset
// fallback.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	trustedProxies, err := middleware.ParseCIDRs(s.cfg.Network.TrustedProxies)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid trusted_proxies entry, proceeding with none trusted")
		trustedProxies = nil
	}

	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:           s.cfg.CORS.Enabled,
		AllowedOrigins:       s.cfg.CORS.AllowedOrigins,
		CORSAllowCredentials: s.cfg.CORS.AllowCredentials,

		EnableSecurityHeaders: true,
		CSP:                   middleware.CSPForEnvironment(s.cfg.Environment),
		TrustedProxies:        trustedProxies,

		EnableMetrics: true,
		EnableLogging: true,

		EnableRateLimit:    true,
		RateLimitEnabled:   s.cfg.RateLimit.APIEnabled,
		RateLimitGlobalRPS: s.cfg.RateLimit.APIGlobalRPS,
		RateLimitBurst:     s.cfg.RateLimit.APIBurst,
		RateLimitWhitelist: s.cfg.RateLimit.APIWhitelist,
	})

	r.Get("/ws", s.handleWebSocket)

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/auth/tokens", s.requireAdmin(s.handleListTokens))
	r.Post("/api/auth/tokens", s.requireAdmin(s.handleCreateToken))
	r.Delete("/api/auth/tokens/{token_id}", s.requireAdmin(s.handleRevokeToken))

	r.Post("/api/transcribe/file", s.requireBearer(s.handleTranscribeFile))
	r.Get("/api/status", s.handleStatus)

	r.Get("/{path:.*}", s.handleStatic)

	return r
}

// Start runs the HTTPS/WSS listener until ctx is cancelled, then performs
// a graceful shutdown. Certificates are generated on first start if
// missing and auto-generation is enabled.
func (s *Server) Start(ctx context.Context) error {
	certPath, keyPath, err := tlsutil.EnsureCertificates(tlsutil.Config{
		CertPath: s.cfg.TLS.CertPath,
		KeyPath:  s.cfg.TLS.KeyPath,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("ensure tls certificates: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("load tls key pair: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:      s.cfg.Network.Addr(),
		Handler:   s.Handler(),
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}},
	}

	s.logger.Info().
		Str("addr", s.cfg.Network.Addr()).
		Msg("starting transcription server")

	errChan := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			errChan <- fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
			return
		}
		tlsLn := tls.NewListener(ln, s.httpServer.TLSConfig)
		if err := s.httpServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("serve: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server and the engine's worker queue.
// The engine is not force-unloaded: its on-disk model cache may be reused
// across restarts.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down transcription server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpServer != nil {
		shutdownErr = s.httpServer.Shutdown(shutdownCtx)
	}

	s.connMu.Lock()
	if s.activeConn != nil {
		s.activeConn.closeLocked()
		s.activeConn = nil
	}
	s.connMu.Unlock()

	if s.deps.Engine != nil {
		s.deps.Engine.Shutdown(shutdownCtx)
	}

	s.logger.Info().Msg("transcription server stopped")
	return shutdownErr
}

// WaitForShutdown returns a context cancelled on SIGINT/SIGTERM, for
// standalone-process use (cmd/transcribe-server serve). Embedded use
// (tests, an orchestrator) should pass its own context to Start instead.
func WaitForShutdown() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

// requireAdmin wraps next with bearer-token extraction and admin-scope
// enforcement via the token store, matching the teacher's authMiddleware
// fail-closed posture.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := xglog.WithComponentFromContext(r.Context(), "auth")
		tok := auth.ExtractToken(r, false)
		if tok == "" {
			logger.Warn().Str("event", "auth.missing_token").Msg("admin endpoint requires a bearer token")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		isAdmin, err := s.deps.Tokens.IsAdmin(tok)
		if err != nil || !isAdmin {
			logger.Warn().Str("event", "auth.not_admin").Msg("token is not an admin token")
			writeJSONError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next(w, r)
	}
}

// requireBearer wraps next with bearer-token extraction and validation
// against the token store, without requiring admin scope.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := xglog.WithComponentFromContext(r.Context(), "auth")
		tok := auth.ExtractToken(r, false)
		if tok == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		stored, err := s.deps.Tokens.Validate(tok)
		if err != nil || stored == nil {
			logger.Warn().Str("event", "auth.invalid_token").Msg("invalid or expired token")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r)
	}
}
