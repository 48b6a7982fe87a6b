// Package auth validates bearer access tokens issued by this gateway's own
// OIDC authorization server and enforces the per-route scope table from
// spec §6. JWKS key retrieval and caching is delegated to coreos/go-oidc's
// RemoteKeySet; claim parsing follows the JWKS-verifier shape used
// elsewhere in the example corpus for third-party-issued JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/policy"
)

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid access token")
	ErrTokenExpired  = errors.New("access token expired")
	ErrMissingScope  = errors.New("token missing required scope")
	ErrUserInactive  = errors.New("user account inactive")
)

// Claims are the custom access-token claims minted by the oidcserver
// package (see the Server's mintAccessToken method).
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Tier  string `json:"tier"`
	Role  string `json:"role"`
}

// HasScope reports whether the space-delimited scope claim grants s.
func (c *Claims) HasScope(s string) bool {
	for _, tok := range strings.Fields(c.Scope) {
		if tok == s {
			return true
		}
	}
	return false
}

type contextKey string

const claimsContextKey contextKey = "gateway_claims"

// FromContext extracts the validated claims a prior Middleware call placed
// on the request context.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok
}

// NewContext attaches claims to ctx the same way RequireScope does, for
// handler tests that need to exercise the authenticated path without going
// through a real bearer token.
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Identity adapts FromContext to ratelimit.IdentityFunc.
func Identity(r *http.Request) (userID, tier string, ok bool) {
	c, found := FromContext(r.Context())
	if !found {
		return "", "", false
	}
	return c.Subject, c.Tier, true
}

// roleResolver abstracts policy.OPAClient.ResolveRole so auth doesn't need
// OPA wired in tests that don't exercise the admin-scope fallback.
type roleResolver interface {
	ResolveRole(ctx context.Context, userID string) (string, error)
}

// Verifier validates access tokens against this gateway's own JWKS.
type Verifier struct {
	issuer   string
	keySet   oidc.KeySet
	log      zerolog.Logger
	opa      roleResolver
	roleTTL  time.Duration
}

// NewVerifier builds a Verifier backed by the gateway's own JWKS endpoint,
// e.g. "https://gateway.example.com/.well-known/jwks.json".
func NewVerifier(issuer, jwksURL string, opa *policy.OPAClient, log zerolog.Logger) *Verifier {
	return &Verifier{
		issuer:  issuer,
		keySet:  oidc.NewRemoteKeySet(context.Background(), jwksURL),
		log:     log.With().Str("component", "auth").Logger(),
		opa:     opa,
		roleTTL: 5 * time.Minute,
	}
}

// Verify checks signature, issuer, and expiry, returning the parsed claims.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if _, err := v.keySet.VerifySignature(ctx, rawToken); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(rawToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	if claims.Role == "" && v.opa != nil {
		role, err := v.opa.ResolveRole(ctx, claims.Subject)
		if err != nil {
			v.log.Warn().Err(err).Str("user_id", claims.Subject).Msg("OPA role fallback failed, defaulting to user")
			claims.Role = "user"
		} else {
			claims.Role = role
		}
	}

	return claims, nil
}

// RequireScope returns chi-compatible middleware that authenticates the
// bearer token and rejects requests lacking the named scope.
func (v *Verifier) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "missing_token", err.Error())
				return
			}

			claims, err := v.Verify(r.Context(), raw)
			if err != nil {
				status := http.StatusUnauthorized
				writeAuthError(w, status, "invalid_token", err.Error())
				return
			}

			if scope != "" && !claims.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "insufficient_scope", ErrMissingScope.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}
