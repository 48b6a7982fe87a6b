package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/ledger"
	"github.com/tollgate-ai/gateway/logger"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/observability"
	"github.com/tollgate-ai/gateway/oidcserver"
	"github.com/tollgate-ai/gateway/orchestrator"
	"github.com/tollgate-ai/gateway/policy"
	"github.com/tollgate-ai/gateway/pricing"
	"github.com/tollgate-ai/gateway/provider"
	"github.com/tollgate-ai/gateway/ratelimit"
	"github.com/tollgate-ai/gateway/redisclient"
	"github.com/tollgate-ai/gateway/router"
	"github.com/tollgate-ai/gateway/security"
	"github.com/tollgate-ai/gateway/store"
	"github.com/tollgate-ai/gateway/usage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("tollgate gateway starting")

	ctx := context.Background()

	db, err := store.Open(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — continuing without shared rate-limit store")
		rc = nil
	} else if err := rc.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing without shared rate-limit store")
		rc = nil
	} else {
		log.Info().Msg("redis connected")
	}

	vault := security.NewVaultClient(security.VaultConfig{
		Enabled:    cfg.VaultEnabled,
		Address:    cfg.VaultAddress,
		Token:      cfg.VaultToken,
		MountPath:  cfg.VaultMountPath,
		RenewTTL:   10 * time.Minute,
		MaxRetries: 3,
	})

	registry := provider.NewRegistry()
	registerProviders(ctx, cfg, vault, registry, log)

	pricingEngine := pricing.NewEngine(db)
	catalog := models.NewCatalog(db, log, 5*time.Minute)
	if err := catalog.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("model catalog initial load failed")
	}

	led := ledger.New(db, log)

	oidc, err := oidcserver.New(ctx, cfg, db, vault, log)
	if err != nil {
		log.Fatal().Err(err).Msg("oidc server init failed")
	}

	opaClient := policy.NewOPAClient(policy.OPAConfig{})
	verifier := auth.NewVerifier(cfg.Issuer, cfg.Issuer+"/.well-known/jwks.json", opaClient, log)

	limiter := ratelimit.NewLimiter(cfg, rc, log)

	usageStore := usage.NewStore(db)
	var usageSink usage.Sink
	var chSink *usage.ClickHouseSink
	if cfg.ClickHouseDSN != "" {
		chSink, err = usage.NewClickHouseSink(ctx, cfg.ClickHouseDSN, log)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse sink init failed — falling back to log sink")
			usageSink = usage.NewLogSink(log)
			chSink = nil
		} else {
			usageSink = chSink
			log.Info().Msg("clickhouse usage sink connected")
		}
	} else {
		usageSink = usage.NewLogSink(log)
		log.Info().Msg("usage analytics using log sink (set CLICKHOUSE_DSN for production)")
	}
	usagePipeline := usage.NewPipeline(log, usageSink)
	usagePipeline.Start(ctx)

	writer := orchestrator.NewGormWriter(db)
	writer.Analytics = usagePipeline
	orch := orchestrator.New(catalog, registry, pricingEngine, led, writer, log)

	metrics := observability.NewMetrics(log)

	r := router.NewRouter(router.Deps{
		Config:       cfg,
		Logger:       log,
		Verifier:     verifier,
		OAuth:        oidc,
		Catalog:      catalog,
		Orchestrator: orch,
		Ledger:       led,
		UsageStore:   usageStore,
		UsageStats:   chSink,
		RateLimiter:  limiter,
		Metrics:      metrics,
		DB:           db,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.StreamingTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, status provider.HealthStatus) {
		metrics.TrackProviderHealth(name, healthy)
		if healthy {
			log.Info().Str("provider", name).Msg("provider recovered")
		} else {
			log.Error().Str("provider", name).Str("error", status.Error).Msg("provider degraded")
		}
	})
	healthPoller.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()
	catalog.Stop()
	usagePipeline.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

func registerProviders(ctx context.Context, cfg *config.Config, vault *security.VaultClient, registry *provider.Registry, log zerolog.Logger) {
	type providerDef struct {
		name  string
		build func(provider.ProviderConfig) provider.Provider
	}
	defs := []providerDef{
		{"openai", func(pc provider.ProviderConfig) provider.Provider { return provider.NewOpenAIProvider(pc) }},
		{"anthropic", func(pc provider.ProviderConfig) provider.Provider { return provider.NewAnthropicProvider(pc) }},
		{"google", func(pc provider.ProviderConfig) provider.Provider { return provider.NewGeminiProvider(pc) }},
	}

	for _, def := range defs {
		key, err := vault.GetProviderKey(ctx, def.name)
		if err != nil || key == "" {
			if envKey := cfg.ProviderAPIKeys[def.name]; envKey != "" {
				key = envKey
			} else {
				log.Warn().Str("provider", def.name).Msg("no API key configured, skipping registration")
				continue
			}
		}
		p := def.build(provider.ProviderConfig{
			Name:    def.name,
			APIKey:  key,
			Timeout: cfg.ProviderTimeout(def.name),
		})
		registry.Register(p)
		log.Info().Str("provider", def.name).Msg("registered provider")
	}

	log.Info().Int("providers", len(registry.List())).Msg("provider registration complete")
}
