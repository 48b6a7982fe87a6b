package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/ratelimit"
)

// RateLimitHandler serves GET /v1/rate-limit.
type RateLimitHandler struct {
	logger  zerolog.Logger
	limiter *ratelimit.Limiter
	cfg     *config.Config
}

func NewRateLimitHandler(logger zerolog.Logger, limiter *ratelimit.Limiter, cfg *config.Config) *RateLimitHandler {
	return &RateLimitHandler{logger: logger, limiter: limiter, cfg: cfg}
}

func (h *RateLimitHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	tierLimits := h.cfg.TierLimit(claims.Tier)
	rpm := h.limiter.PeekRPM(r.Context(), claims.Subject, claims.Tier)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tier": claims.Tier,
		"limits": map[string]int{
			"rpm":        tierLimits.RPM,
			"tpm":        tierLimits.TPM,
			"creditsDay": tierLimits.CreditsDay,
		},
		"remaining": map[string]interface{}{
			"rpm":     rpm.Remaining,
			"resetAt": rpm.ResetAt,
		},
		"degraded": h.limiter.Degraded(),
	})
}
