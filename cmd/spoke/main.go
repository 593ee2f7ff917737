// cmd/spoke — the coalition spoke daemon. Keeps the local policy engine fed
// from the hub's bundle endpoint, survives hub outages on the local cache,
// and exposes spoke-side partner activation.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dive25/federation/internal/activation"
	"github.com/dive25/federation/internal/connectivity"
	"github.com/dive25/federation/internal/events"
	"github.com/dive25/federation/internal/handler"
	"github.com/dive25/federation/internal/identity"
	"github.com/dive25/federation/internal/kas"
	"github.com/dive25/federation/internal/policycache"
	"github.com/dive25/federation/internal/policysync"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("spoke exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("spoke")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("spoke.port", 8081)
	viper.SetDefault("identity.instance_code", "GBR")
	viper.SetDefault("identity.cert_dir", "certs")
	viper.SetDefault("hub.url", "")
	viper.SetDefault("hub.cert_file", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("policy.cache_dir", "policy-cache")
	viper.SetDefault("policy.verify_signatures", true)
	viper.SetDefault("policy.max_age_hours", 24)
	viper.SetDefault("policy_engine.url", "http://localhost:8181")
	viper.SetDefault("policy_engine.token", "")
	viper.SetDefault("sync.interval_seconds", 300)
	viper.SetDefault("sync.token", "")
	viper.SetDefault("sync.token_url", "")
	viper.SetDefault("sync.client_id", "")
	viper.SetDefault("sync.client_secret", "")
	viper.SetDefault("connectivity.interval_seconds", 30)
	viper.SetDefault("kas.default_url", "")
	viper.SetDefault("idp.base_url", "")
	viper.SetDefault("idp.realm", "dive25")
	viper.SetDefault("idp.admin_client_id", "admin-cli")
	viper.SetDefault("idp.admin_client_secret", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	hubURL := strings.TrimRight(viper.GetString("hub.url"), "/")
	if hubURL == "" {
		return fmt.Errorf("HUB_URL is required")
	}
	engineURL := viper.GetString("policy_engine.url")

	// ── Instance identity ────────────────────────────────────────────────────
	code := viper.GetString("identity.instance_code")
	inst, err := identity.LoadOrCreateInstance(code, viper.GetString("identity.cert_dir"))
	if err != nil {
		return fmt.Errorf("instance identity setup: %w", err)
	}
	logger.Info("instance identity ready",
		zap.String("instance_code", code),
		zap.String("fingerprint", inst.Fingerprint()),
		zap.String("spiffe_id", inst.SPIFFEID()),
	)

	// ── Policy cache ─────────────────────────────────────────────────────────
	var hubCertPEM string
	verify := viper.GetBool("policy.verify_signatures")
	if certFile := viper.GetString("hub.cert_file"); certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return fmt.Errorf("read hub certificate %s: %w", certFile, err)
		}
		hubCertPEM = string(pem)
	} else if verify {
		logger.Warn("HUB_CERT_FILE not set — bundle signature verification will reject all signed bundles")
	}

	bus := events.NewBus()
	bus.Subscribe(func(ev events.FederationEvent) {
		logger.Info("federation event",
			zap.String("kind", string(ev.Kind)),
			zap.String("instance_code", ev.InstanceCode),
		)
	})

	store, err := policycache.NewFileStore(viper.GetString("policy.cache_dir"))
	if err != nil {
		return fmt.Errorf("policy cache store: %w", err)
	}
	engine := newOPAEngine(engineURL, viper.GetString("policy_engine.token"), logger)
	maxAge := time.Duration(viper.GetInt("policy.max_age_hours")) * time.Hour
	cache := policycache.NewService(store, engine, bus, hubCertPEM, verify, maxAge, logger)

	// Serve from cache at startup so a hub outage during boot does not leave
	// the policy engine empty.
	if b, err := cache.LoadFromCache(context.Background()); err != nil {
		if !errors.Is(err, policycache.ErrNoCache) {
			logger.Warn("startup cache load failed", zap.Error(err))
		}
	} else {
		logger.Info("policy engine primed from cache", zap.String("version", b.Version))
	}

	// ── Connectivity monitor ─────────────────────────────────────────────────
	monitor := connectivity.NewMonitor(code,
		&connectivity.HTTPProber{URL: hubURL + "/healthz"},
		&connectivity.HTTPProber{URL: strings.TrimRight(engineURL, "/") + "/health"},
		connectivity.Config{
			Interval: time.Duration(viper.GetInt("connectivity.interval_seconds")) * time.Second,
		},
		bus, logger,
	)

	bus.Subscribe(func(ev events.FederationEvent) {
		switch ev.Kind {
		case events.ConnectivityModeChange:
			handler.SetConnectivityMode(ev.Detail["to"])
		case events.ConnectivityOffline:
			// Re-assert the cached bundle so the engine keeps authorizing
			// while the hub is gone.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := cache.LoadFromCache(ctx); err != nil && !errors.Is(err, policycache.ErrNoCache) {
				logger.Error("offline cache reload failed", zap.Error(err))
			}
		}
	})
	handler.SetConnectivityMode(string(connectivity.ModeOnline))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start(ctx)
	defer monitor.Stop()

	// ── Policy sync loop ─────────────────────────────────────────────────────
	syncClient := policysync.NewClient(policysync.Config{
		HubURL:       hubURL,
		TokenURL:     viper.GetString("sync.token_url"),
		ClientID:     viper.GetString("sync.client_id"),
		ClientSecret: viper.GetString("sync.client_secret"),
		StaticToken:  viper.GetString("sync.token"),
		Interval:     time.Duration(viper.GetInt("sync.interval_seconds")) * time.Second,
	}, cache, monitor, logger)
	go syncClient.Run(ctx)

	// ── Spoke-side activation (optional) ─────────────────────────────────────
	var activationSvc *activation.Service
	idpURL := viper.GetString("idp.base_url")
	dbURL := viper.GetString("database.url")
	if idpURL != "" && dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		registry := kas.NewRegistry(kas.NewRepository(db, logger), viper.GetString("kas.default_url"), logger)
		idp := activation.NewIdPClient(activation.IdPClientConfig{
			BaseURL:           idpURL,
			Realm:             viper.GetString("idp.realm"),
			AdminClientID:     viper.GetString("idp.admin_client_id"),
			AdminClientSecret: viper.GetString("idp.admin_client_secret"),
		}, logger)
		publisher := activation.NewPolicyEngineClient(engineURL, viper.GetString("policy_engine.token"), 10*time.Second)
		activationSvc = activation.NewService(code, "USA", nil, idp, publisher, registry, nil, nil, logger)
		logger.Info("partner activation enabled", zap.String("idp_url", idpURL))
	} else {
		logger.Info("partner activation disabled (set IDP_BASE_URL and DATABASE_URL to enable)")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.PrometheusMiddleware())

	httpPort := viper.GetInt("spoke.port")
	baseURL := fmt.Sprintf("http://localhost:%d", httpPort)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"instanceCode": code,
			"mode":         monitor.Mode(),
		})
	})
	router.GET("/metrics", handler.MetricsHandler())
	router.GET("/.well-known/federation.json", handler.NewDiscoveryHandler(inst, baseURL).ServeDiscovery)

	spokeHandler := handler.NewSpokeHandler(activationSvc, cache, monitor, logger)
	spokeHandler.Register(router.Group("/api/v1/federation"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("spoke HTTP listening", zap.Int("port", httpPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down spoke...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("spoke stopped")
	return nil
}
