// Package main provides the entry point for the bypass server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jmylchreest/refyne-bypass/internal/api/handlers"
	"github.com/jmylchreest/refyne-bypass/internal/auth"
	"github.com/jmylchreest/refyne-bypass/internal/browser"
	"github.com/jmylchreest/refyne-bypass/internal/bypass"
	"github.com/jmylchreest/refyne-bypass/internal/cache"
	"github.com/jmylchreest/refyne-bypass/internal/config"
	"github.com/jmylchreest/refyne-bypass/internal/fetch"
	"github.com/jmylchreest/refyne-bypass/internal/fingerprint"
	"github.com/jmylchreest/refyne-bypass/internal/flaresolverr"
	"github.com/jmylchreest/refyne-bypass/internal/http/mw"
	"github.com/jmylchreest/refyne-bypass/internal/logging"
	"github.com/jmylchreest/refyne-bypass/internal/monitor"
	"github.com/jmylchreest/refyne-bypass/internal/proxypool"
	"github.com/jmylchreest/refyne-bypass/internal/shutdown"
	"github.com/jmylchreest/refyne-bypass/internal/signing"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
	"github.com/jmylchreest/refyne-bypass/internal/transport"
	"github.com/jmylchreest/refyne-bypass/internal/version"
)

func main() {
	cfg := config.Load()

	logger := logging.SetDefault(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	logger.Info("starting bypass server",
		"version", version.Get().Version,
		"port", cfg.Port,
		"strategy", cfg.Settings.Strategy,
		"remote_solver", cfg.SolverURL != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := config.NewSettingsStore(cfg.Settings)
	hosts := monitor.New()

	// Host stats persistence (optional warm start)
	var statsStore *monitor.SQLiteStore
	persistDone := make(chan struct{})
	if cfg.StatsDBPath != "" {
		var err error
		statsStore, err = monitor.NewSQLiteStore(cfg.StatsDBPath, logger)
		if err != nil {
			logger.Error("failed to open stats database", "path", cfg.StatsDBPath, "error", err)
			os.Exit(1)
		}
		defer func() { _ = statsStore.Close() }()

		if stats, err := statsStore.LoadAll(ctx); err != nil {
			logger.Warn("failed to restore host stats", "error", err)
		} else {
			hosts.Restore(stats)
			logger.Info("restored host stats", "hosts", len(stats))
		}
		go func() {
			defer close(persistDone)
			monitor.RunPersistLoop(ctx, hosts, statsStore, cfg.StatsPersistInterval, logger)
		}()
	} else {
		close(persistDone)
	}

	var s3Client *s3.Client
	if cfg.ProxyListS3Bucket != "" {
		var err error
		s3Client, err = config.NewS3Client(ctx, cfg)
		if err != nil {
			logger.Error("failed to create S3 client", "error", err)
			os.Exit(1)
		}
	}

	// Proxy pool: file, then S3, then the local seeds
	proxies := proxypool.New()
	switch {
	case cfg.ProxyListFile != "":
		list, err := proxypool.LoadFile(cfg.ProxyListFile)
		if err != nil {
			logger.Error("failed to load proxy list", "path", cfg.ProxyListFile, "error", err)
			os.Exit(1)
		}
		proxies.Replace(list)
		logger.Info("proxy list loaded", "path", cfg.ProxyListFile, "proxies", proxies.Len())
	case s3Client != nil:
		loader := config.NewS3Loader(config.S3LoaderConfig{
			S3Client: s3Client,
			Bucket:   cfg.ProxyListS3Bucket,
			Key:      cfg.ProxyListS3Key,
			CacheTTL: cfg.ProxyRefreshInterval,
			Logger:   logger,
		})
		go proxypool.Watch(ctx, proxies, loader, cfg.ProxyRefreshInterval, logger)
	default:
		proxies.Replace(proxypool.DefaultSeeds())
	}

	if s3Client != nil && cfg.LogFiltersS3Key != "" {
		loader := config.NewS3Loader(config.S3LoaderConfig{
			S3Client: s3Client,
			Bucket:   cfg.ProxyListS3Bucket,
			Key:      cfg.LogFiltersS3Key,
			Logger:   logger,
		})
		go logging.WatchFilters(ctx, loader, time.Minute, logger)
	}

	// Solver: a remote FlareSolverr-compatible service, or local browsers
	var (
		browsers   *browser.Pool
		solverName string
		solvers    []solver.Solver
	)
	if cfg.SolverURL != "" {
		remote := flaresolverr.NewClient(flaresolverr.ClientConfig{
			BaseURL:   cfg.SolverURL,
			Secret:    cfg.SolverSecret,
			ServiceID: "bypass-server",
			Logger:    logger,
		})
		if health, err := remote.Health(ctx); err != nil {
			logger.Warn("remote solver not reachable yet", "url", cfg.SolverURL, "error", err)
		} else {
			logger.Info("remote solver enabled", "url", cfg.SolverURL, "version", health.Version)
		}
		solvers = append(solvers, remote)
		solverName = remote.Name()
	} else {
		browsers = browser.NewPool(browser.PoolConfigFrom(cfg), logger)
		defer browsers.Close()
		go browsers.StartCleanup(ctx)
		go func() {
			if err := browsers.Warmup(ctx); err != nil {
				logger.Warn("browser warmup failed", "error", err)
			}
		}()
		rod := browser.NewRodSolver(browsers, logger)
		solvers = append(solvers, rod)
		solverName = rod.Name()
	}

	manager := bypass.NewManager(bypass.Options{
		Monitor:   hosts,
		Cache:     cache.New(cache.WithTTL(settings.CacheTTL)),
		Pool:      proxies,
		Generator: fingerprint.NewGenerator(nil),
		Solver:    solver.NewChain(solvers...),
		Settings:  settings,
		ProxyDoer: func(c proxypool.Config) (bypass.Doer, error) {
			client, err := proxypool.Client(c, cfg.FetchTimeout)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Logger: logger,
	})

	fetcher := fetch.New(fetch.Config{
		Transport: transport.NewInterceptor(nil, manager, logger),
		Logger:    logger,
	})

	// Auth
	signer := signing.NewSigner(cfg.APISecret)
	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, "")
	}
	authConfig := mw.AuthConfig{
		Signer:               signer,
		Verifier:             verifier,
		RequiredScope:        cfg.RequiredScope,
		AllowUnauthenticated: cfg.AllowUnauthenticated,
		Logger:               logger,
	}
	switch {
	case cfg.AllowUnauthenticated:
		logger.Warn("authentication disabled - ALLOW_UNAUTHENTICATED is set")
	case !signer.Enabled() && verifier == nil:
		logger.Warn("no authentication configured - service is unprotected")
		authConfig.AllowUnauthenticated = true
	default:
		logger.Info("authentication middleware enabled",
			"has_api_secret", signer.Enabled(),
			"has_jwt_secret", verifier != nil,
			"required_scope", cfg.RequiredScope,
		)
	}

	// Idle shutdown waits for browsers still solving
	idle := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Timeout: cfg.IdleTimeout,
		Logger:  logger,
		Busy: func() bool {
			return browsers != nil && browsers.Stats().InUse > 0
		},
	})

	var persisted handlers.StatsStore
	if statsStore != nil {
		persisted = statsStore
	}
	h := handlers.Handlers{
		Health:   handlers.NewHealthHandler(manager, browsers, solverName),
		Settings: handlers.NewSettingsHandler(settings, logger),
		Hosts:    handlers.NewHostsHandler(manager, persisted),
		Proxies:  handlers.NewProxiesHandler(proxies),
		Fetch:    handlers.NewFetchHandler(fetcher, logger),
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.LogContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.FetchTimeout + 30*time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Refyne-*"},
		ExposedHeaders:   []string{"Link", mw.VersionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(mw.APIVersion())
	r.Use(idle.Middleware)

	humaConfig := huma.DefaultConfig("Bypass Server", version.Get().Version)
	humaConfig.Info.Description = "Adaptive Cloudflare challenge bypass service"
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		mw.SecurityScheme: {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	handlers.RegisterPublic(humachi.New(r, humaConfig), h)

	protectedRouter := chi.NewRouter()
	protectedRouter.Use(mw.Auth(authConfig))
	protectedRouter.Use(limitPath("/v1/fetch", mw.RateLimitByCaller(cfg.FetchRateLimit)))
	handlers.RegisterProtected(humachi.New(protectedRouter, humaConfig), h)

	r.Mount("/", protectedRouter)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.FetchTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	idle.Start()
	defer idle.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server...", "signal", sig.String())
	case <-idle.ShutdownChan():
		logger.Info("shutting down idle server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop background loops; the persist loop flushes a final snapshot.
	cancel()
	<-persistDone

	logger.Info("server stopped", "hosts", hosts.Len())
}

// limitPath applies limiter to requests for path only.
func limitPath(path string, limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
