// Package apierror maps internal errors to the canonical HTTP error
// envelope from spec §6/§7: { "error": { "code", "message", "details" } }.
// It is the single place in the HTTP layer that knows how to translate a
// component's typed error into a status code and a client-facing code,
// matching the teacher's error-mapping done inline in each handler, but
// centralized since this gateway funnels every component's errors through
// one orchestrator.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/ledger"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/oidcserver"
	"github.com/tollgate-ai/gateway/orchestrator"
	"github.com/tollgate-ai/gateway/provider"
	"github.com/tollgate-ai/gateway/ratelimit"
)

// upgradeURL is included in tier_restricted responses per spec §6's
// requiredTier/currentTier/upgradeUrl detail shape. Overridable at boot via
// SetUpgradeURL since the actual billing-upgrade page isn't part of this
// core (Stripe/billing UI are named external collaborators).
var upgradeURL = "https://tollgate.ai/upgrade"

// SetUpgradeURL overrides the upgrade-page URL attached to tier_restricted
// error details.
func SetUpgradeURL(url string) { upgradeURL = url }

// Error is the canonical envelope body's inner object.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	status int
}

func (e *Error) Error() string { return e.Message }

// New builds an Error with an explicit status, for handlers that detect a
// client-input problem before any component is even called (payload
// decode failures, missing path params).
func New(status int, code, message string, details map[string]interface{}) *Error {
	return &Error{status: status, Code: code, Message: message, Details: details}
}

// envelope is the wire shape: {"error": {...}}.
type envelope struct {
	Error *Error `json:"error"`
}

// Write serializes the canonical error envelope and sets the status code.
func Write(w http.ResponseWriter, apiErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.status)
	_ = json.NewEncoder(w).Encode(envelope{Error: apiErr})
}

// Respond maps an arbitrary error from a component into the canonical
// envelope and writes it. Unknown errors become internal_server_error.
func Respond(w http.ResponseWriter, err error) {
	Write(w, Map(err))
}

// Map implements the propagation policy from spec §7: the orchestrator
// (and the handlers sitting directly on top of it) is the one place that
// translates typed component errors into HTTP.
func Map(err error) *Error {
	if err == nil {
		return New(http.StatusInternalServerError, "internal_server_error", "unknown error", nil)
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var valErr *orchestrator.ValidationError
	if errors.As(err, &valErr) {
		return New(http.StatusUnprocessableEntity, "validation_error", valErr.Error(), map[string]interface{}{
			"param": valErr.Param,
		})
	}

	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 400 && statusErr.Code < 500 {
			return New(statusErr.Code, "invalid_request", statusErr.Error(), nil)
		}
		return New(http.StatusBadGateway, "service_unavailable", statusErr.Error(), nil)
	}

	// Checked ahead of the sentinel switch below so the S6 tier_restricted
	// detail shape (modelId/requiredTier/currentTier) reaches the client
	// instead of the generic "model not accessible" fallback.
	var accessErr *models.AccessDeniedError
	if errors.As(err, &accessErr) {
		return TierRestricted(accessErr.ModelID, accessErr.RequiredTier, accessErr.CurrentTier)
	}

	// Checked ahead of the sentinel switch so the S4 insufficient_credits
	// detail shape (required/available/shortfall) reaches the client.
	var credErr *orchestrator.InsufficientCreditsError
	if errors.As(err, &credErr) {
		return New(http.StatusPaymentRequired, "insufficient_credits", "insufficient credit balance", map[string]interface{}{
			"required":  credErr.Required,
			"available": credErr.Available,
			"shortfall": credErr.Required - credErr.Available,
		})
	}

	switch {
	case errors.Is(err, models.ErrNotFound):
		return New(http.StatusNotFound, "not_found", "model not found", nil)
	case errors.Is(err, models.ErrArchived):
		return New(http.StatusNotFound, "not_found", "model is archived", nil)
	case errors.Is(err, models.ErrNotAccessible), errors.Is(err, orchestrator.ErrModelNotAccessible):
		return New(http.StatusForbidden, "tier_restricted", "model not accessible at current tier", map[string]interface{}{
			"upgradeUrl": upgradeURL,
		})

	case errors.Is(err, ledger.ErrInsufficientCredits), errors.Is(err, orchestrator.ErrInsufficientCredits):
		return New(http.StatusPaymentRequired, "insufficient_credits", "insufficient credit balance", nil)

	case errors.Is(err, orchestrator.ErrUpstream):
		return New(http.StatusBadGateway, "service_unavailable", "upstream provider error", nil)

	case errors.Is(err, auth.ErrMissingToken):
		return New(http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		return New(http.StatusUnauthorized, "unauthorized", "invalid or expired access token", nil)
	case errors.Is(err, auth.ErrMissingScope):
		return New(http.StatusForbidden, "forbidden", "token missing required scope", nil)
	case errors.Is(err, auth.ErrUserInactive):
		return New(http.StatusForbidden, "forbidden", "user account inactive", nil)

	case errors.Is(err, oidcserver.ErrInvalidClient), errors.Is(err, oidcserver.ErrInvalidGrant),
		errors.Is(err, oidcserver.ErrInvalidPKCE), errors.Is(err, oidcserver.ErrUnsupportedGrant):
		return New(http.StatusBadRequest, "invalid_request", err.Error(), nil)
	}

	return New(http.StatusInternalServerError, "internal_server_error", "internal error", nil)
}

// RateLimited builds the canonical 429 body for a denied ratelimit.Decision.
func RateLimited(d ratelimit.Decision) *Error {
	return New(http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded", map[string]interface{}{
		"limit":          d.Limit,
		"remaining":      d.Remaining,
		"resetAt":        d.ResetAt,
		"retryAfterSecs": d.RetryAfterSecs,
	})
}

// TierRestricted builds the canonical 403 body spec §6 names explicitly
// for a tier-gated model (S6 test scenario).
func TierRestricted(modelID, requiredTier, currentTier string) *Error {
	return New(http.StatusForbidden, "tier_restricted", "model requires a higher tier", map[string]interface{}{
		"modelId":      modelID,
		"requiredTier": requiredTier,
		"currentTier":  currentTier,
		"upgradeUrl":   upgradeURL,
	})
}
