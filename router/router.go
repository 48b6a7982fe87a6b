// Package router wires the gateway's HTTP surface (C8): middleware chain,
// auth/scope enforcement, rate-limit admission, and route table.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/handler"
	"github.com/tollgate-ai/gateway/ledger"
	gwmw "github.com/tollgate-ai/gateway/middleware"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/observability"
	"github.com/tollgate-ai/gateway/oidcserver"
	"github.com/tollgate-ai/gateway/orchestrator"
	"github.com/tollgate-ai/gateway/ratelimit"
	"github.com/tollgate-ai/gateway/usage"
)

// Deps collects every dependency the router needs to build handlers and
// middleware. Passed as a struct rather than a long positional argument
// list since C8 wires nearly every other component.
type Deps struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Verifier     *auth.Verifier
	OAuth        *oidcserver.Server
	Catalog      *models.Catalog
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	UsageStore   *usage.Store
	UsageStats   *usage.ClickHouseSink // nil when ClickHouse isn't configured
	RateLimiter  *ratelimit.Limiter
	Metrics      *observability.Metrics
	DB           *gorm.DB
}

// NewRouter returns a configured chi Router with the full middleware chain
// and every route named in spec §6 mounted.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(d.Logger))
	r.Use(mwMaxBodySize(d.Config.MaxBodyBytes))

	headerNorm := gwmw.NewHeaderNormalization(d.Logger)
	timeoutMW := gwmw.NewTimeoutMiddleware(d.Logger, d.Config)
	r.Use(headerNorm.Handler)
	r.Use(timeoutMW.Handler)

	// --- Unauthenticated endpoints ---
	r.Get("/healthz", healthHandler)
	r.Get("/ready", healthHandler)
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	oauthHandler := handler.NewOAuthHandler(d.Logger, d.OAuth, d.DB)
	r.Get("/.well-known/openid-configuration", oauthHandler.Discovery)
	r.Get("/.well-known/jwks.json", oauthHandler.JWKS)

	r.Group(func(r chi.Router) {
		r.Use(d.RateLimiter.Handler(noIdentity))
		r.Get("/oauth/authorize", oauthHandler.Authorize)
		r.Post("/oauth/token", oauthHandler.Token)
		r.Post("/oauth/revoke", oauthHandler.Revoke)
	})

	// --- Authenticated, scoped, rate-limited endpoints ---
	modelsHandler := handler.NewModelsHandler(d.Logger, d.Catalog)
	inferenceHandler := handler.NewInferenceHandler(d.Logger, d.Orchestrator)
	creditsHandler := handler.NewCreditsHandler(d.Logger, d.Ledger)
	usageHandler := handler.NewUsageHandler(d.Logger, d.UsageStore, d.UsageStats)
	rateLimitHandler := handler.NewRateLimitHandler(d.Logger, d.RateLimiter, d.Config)

	// Scope check (RequireScope) must run before the rate limiter so the
	// limiter's auth.Identity lookup finds claims already attached to the
	// request context — hence it's listed first in each .With() chain,
	// which chi executes in order (outermost first).
	rl := d.RateLimiter.Handler(auth.Identity)
	r.Group(func(r chi.Router) {
		r.With(d.Verifier.RequireScope("user.info"), rl).Get("/oauth/userinfo", oauthHandler.UserInfo)

		r.With(d.Verifier.RequireScope("models.read"), rl).Get("/v1/models", modelsHandler.List)
		r.With(d.Verifier.RequireScope("models.read"), rl).Get("/v1/models/{id}", modelsHandler.Get)

		r.With(d.Verifier.RequireScope("llm.inference"), rl).Post("/v1/completions", inferenceHandler.Completions)
		r.With(d.Verifier.RequireScope("llm.inference"), rl).Post("/v1/chat/completions", inferenceHandler.ChatCompletions)

		r.With(d.Verifier.RequireScope("credits.read"), rl).Get("/v1/credits/me", creditsHandler.Me)
		r.With(d.Verifier.RequireScope("credits.read"), rl).Get("/v1/usage", usageHandler.List)
		r.With(d.Verifier.RequireScope("credits.read"), rl).Get("/v1/usage/stats", usageHandler.Stats)

		r.With(d.Verifier.RequireScope("credits.read"), rl).Get("/v1/rate-limit", rateLimitHandler.Get)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"tollgate-gateway"}`))
}

// noIdentity routes the unauthenticated OAuth endpoints through
// Limiter.Handler's IP-keyed fallback bucket (spec §4.4) instead of the
// per-user RPM window.
func noIdentity(r *http.Request) (string, string, bool) {
	return "", "", false
}

func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}
			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
