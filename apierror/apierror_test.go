package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/ledger"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/oidcserver"
	"github.com/tollgate-ai/gateway/orchestrator"
	"github.com/tollgate-ai/gateway/provider"
)

func TestMapNilReturnsInternalError(t *testing.T) {
	e := Map(nil)
	if e.status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for nil error, got %d", e.status)
	}
}

func TestMapPassesThroughExistingAPIError(t *testing.T) {
	orig := New(http.StatusTeapot, "custom", "already mapped", nil)
	got := Map(orig)
	if got != orig {
		t.Fatal("expected Map to pass an already-mapped *Error through unchanged")
	}
}

func TestMapValidationError(t *testing.T) {
	err := &orchestrator.ValidationError{Param: "temperature", Reason: "must be between 0 and 2"}
	e := Map(err)
	if e.status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", e.status)
	}
	if e.Details["param"] != "temperature" {
		t.Fatalf("expected param detail, got %+v", e.Details)
	}
}

func TestMapStatusErrorClientVsUpstream(t *testing.T) {
	client := Map(&provider.StatusError{Provider: "openai", Code: 400, Body: "bad request"})
	if client.status != 400 {
		t.Fatalf("expected 4xx passthrough, got %d", client.status)
	}

	upstream := Map(&provider.StatusError{Provider: "openai", Code: 500, Body: "boom"})
	if upstream.status != http.StatusBadGateway {
		t.Fatalf("expected 502 for a 5xx upstream error, got %d", upstream.status)
	}
}

func TestMapModelErrors(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{models.ErrNotFound, http.StatusNotFound, "not_found"},
		{models.ErrArchived, http.StatusNotFound, "not_found"},
		{models.ErrNotAccessible, http.StatusForbidden, "tier_restricted"},
		{orchestrator.ErrModelNotAccessible, http.StatusForbidden, "tier_restricted"},
	}
	for _, tc := range cases {
		e := Map(tc.err)
		if e.status != tc.wantStatus || e.Code != tc.wantCode {
			t.Fatalf("%v: expected (%d, %s), got (%d, %s)", tc.err, tc.wantStatus, tc.wantCode, e.status, e.Code)
		}
	}
}

func TestMapTierRestrictedIncludesUpgradeURL(t *testing.T) {
	e := Map(models.ErrNotAccessible)
	if e.Details["upgradeUrl"] != upgradeURL {
		t.Fatalf("expected upgradeUrl detail %q, got %+v", upgradeURL, e.Details)
	}
}

func TestMapCreditErrors(t *testing.T) {
	for _, err := range []error{ledger.ErrInsufficientCredits, orchestrator.ErrInsufficientCredits} {
		e := Map(err)
		if e.status != http.StatusPaymentRequired || e.Code != "insufficient_credits" {
			t.Fatalf("expected 402/insufficient_credits for %v, got %d/%s", err, e.status, e.Code)
		}
	}
}

func TestMapInsufficientCreditsErrorIncludesDetails(t *testing.T) {
	e := Map(&orchestrator.InsufficientCreditsError{Required: 5, Available: 2})
	if e.status != http.StatusPaymentRequired || e.Code != "insufficient_credits" {
		t.Fatalf("expected 402/insufficient_credits, got %d/%s", e.status, e.Code)
	}
	if e.Details["required"] != 5 || e.Details["available"] != 2 || e.Details["shortfall"] != 3 {
		t.Fatalf("expected required/available/shortfall details, got %+v", e.Details)
	}
}

func TestMapAccessDeniedErrorIncludesTierDetails(t *testing.T) {
	e := Map(&models.AccessDeniedError{ModelID: "gpt-5", RequiredTier: "pro", CurrentTier: "free"})
	if e.status != http.StatusForbidden || e.Code != "tier_restricted" {
		t.Fatalf("expected 403/tier_restricted, got %d/%s", e.status, e.Code)
	}
	if e.Details["modelId"] != "gpt-5" || e.Details["requiredTier"] != "pro" || e.Details["currentTier"] != "free" {
		t.Fatalf("expected full tier detail set, got %+v", e.Details)
	}
}

func TestMapUpstreamError(t *testing.T) {
	e := Map(orchestrator.ErrUpstream)
	if e.status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", e.status)
	}
}

func TestMapAuthErrors(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{auth.ErrMissingToken, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrTokenExpired, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrMissingScope, http.StatusForbidden, "forbidden"},
		{auth.ErrUserInactive, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		e := Map(tc.err)
		if e.status != tc.wantStatus || e.Code != tc.wantCode {
			t.Fatalf("%v: expected (%d, %s), got (%d, %s)", tc.err, tc.wantStatus, tc.wantCode, e.status, e.Code)
		}
	}
}

func TestMapOAuthErrors(t *testing.T) {
	for _, err := range []error{
		oidcserver.ErrInvalidClient, oidcserver.ErrInvalidGrant,
		oidcserver.ErrInvalidPKCE, oidcserver.ErrUnsupportedGrant,
	} {
		e := Map(err)
		if e.status != http.StatusBadRequest || e.Code != "invalid_request" {
			t.Fatalf("%v: expected (400, invalid_request), got (%d, %s)", err, e.status, e.Code)
		}
	}
}

func TestMapUnknownErrorFallsBackToInternal(t *testing.T) {
	e := Map(errors.New("something unexpected"))
	if e.status != http.StatusInternalServerError || e.Code != "internal_server_error" {
		t.Fatalf("expected internal_server_error fallback, got (%d, %s)", e.status, e.Code)
	}
}

func TestMapWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("loading model: %w", models.ErrNotFound)
	e := Map(wrapped)
	if e.status != http.StatusNotFound {
		t.Fatalf("expected errors.Is unwrapping to still map to 404, got %d", e.status)
	}
}

func TestTierRestrictedIncludesAllDetails(t *testing.T) {
	e := TierRestricted("gpt-5", "pro", "free")
	if e.Details["modelId"] != "gpt-5" || e.Details["requiredTier"] != "pro" || e.Details["currentTier"] != "free" {
		t.Fatalf("expected full detail set, got %+v", e.Details)
	}
	if e.Details["upgradeUrl"] != upgradeURL {
		t.Fatalf("expected upgradeUrl in TierRestricted details, got %+v", e.Details)
	}
}

func TestSetUpgradeURLOverride(t *testing.T) {
	original := upgradeURL
	defer SetUpgradeURL(original)

	SetUpgradeURL("https://example.com/upgrade")
	e := TierRestricted("m1", "pro", "free")
	if e.Details["upgradeUrl"] != "https://example.com/upgrade" {
		t.Fatalf("expected overridden upgrade URL, got %+v", e.Details["upgradeUrl"])
	}
}
