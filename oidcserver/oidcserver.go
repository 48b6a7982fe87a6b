// Package oidcserver implements the gateway's own OAuth2/OIDC authorization
// server: PKCE-protected authorization codes, token issuance/refresh, and
// the JWKS discovery document clients and auth.Verifier rely on.
package oidcserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/security"
	"github.com/tollgate-ai/gateway/store"
)

var (
	ErrInvalidClient      = errors.New("invalid client")
	ErrInvalidGrant        = errors.New("invalid or expired grant")
	ErrInvalidPKCE         = errors.New("PKCE verification failed")
	ErrUnsupportedGrant    = errors.New("unsupported grant_type")
)

// Server issues and validates OAuth2 authorization codes and tokens for
// the gateway's first-party and third-party OAuth clients.
type Server struct {
	cfg    *config.Config
	db     *gorm.DB
	vault  *security.VaultClient
	log    zerolog.Logger

	signingKey *rsa.PrivateKey
	kid        string
}

func New(ctx context.Context, cfg *config.Config, db *gorm.DB, vault *security.VaultClient, log zerolog.Logger) (*Server, error) {
	pemBytes, err := vault.GetSigningKey(ctx, cfg.JWKSPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load OIDC signing key: %w", err)
	}
	key, err := parseRSAPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse OIDC signing key: %w", err)
	}
	return &Server{
		cfg:        cfg,
		db:         db,
		vault:      vault,
		log:        log.With().Str("component", "oidcserver").Logger(),
		signingKey: key,
		kid:        "gateway-signing-key-1",
	}, nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return rsaKey, nil
}

// AuthorizeRequest captures the /oauth/authorize inputs spec §5.1 requires.
type AuthorizeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize mints a single-use authorization code bound to a PKCE
// challenge. The authenticated user is assumed to have already approved
// the request by the time this is called: the user id is taken as given,
// and no consent UI or session check runs inside the gateway.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = "S256"
	}
	if req.CodeChallengeMethod != "S256" {
		return "", fmt.Errorf("%w: only S256 code_challenge_method is supported", ErrInvalidPKCE)
	}

	code := randomToken(32)
	rec := store.AuthCode{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().Add(s.cfg.AuthCodeTTL),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("store auth code: %w", err)
	}
	return code, nil
}

// TokenResponse is the JSON body returned from /oauth/token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeCode implements the authorization_code grant with mandatory PKCE
// verifier checking (invariant: no code is redeemable without the
// matching verifier, even for confidential clients).
func (s *Server) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	var rec store.AuthCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(`SELECT * FROM auth_codes WHERE code = ? FOR UPDATE`, code).Scan(&rec).Error; err != nil {
			return err
		}
		if rec.Code == "" || rec.Used || time.Now().After(rec.ExpiresAt) {
			return ErrInvalidGrant
		}
		if rec.RedirectURI != redirectURI {
			return fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
		}
		if !verifyPKCE(rec.CodeChallenge, codeVerifier) {
			return ErrInvalidPKCE
		}
		rec.Used = true
		return tx.Save(&rec).Error
	})
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, rec.UserID, rec.ClientID, rec.Scope)
}

// RefreshGrant implements the refresh_token grant, rotating the refresh
// token on each use (old token is revoked).
func (s *Server) RefreshGrant(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var rec store.RefreshToken
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(`SELECT * FROM refresh_tokens WHERE token = ? FOR UPDATE`, refreshToken).Scan(&rec).Error; err != nil {
			return err
		}
		if rec.Token == "" || rec.Revoked || time.Now().After(rec.ExpiresAt) {
			return ErrInvalidGrant
		}
		rec.Revoked = true
		return tx.Save(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, rec.UserID, rec.ClientID, rec.Scope)
}

// Revoke invalidates a refresh token on logout/revocation requests.
func (s *Server) Revoke(ctx context.Context, refreshToken string) error {
	return s.db.WithContext(ctx).Model(&store.RefreshToken{}).
		Where("token = ?", refreshToken).
		Update("revoked", true).Error
}

func (s *Server) issueTokens(ctx context.Context, userID, clientID, scope string) (*TokenResponse, error) {
	var user store.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: user account inactive", ErrInvalidGrant)
	}

	access, err := s.mintAccessToken(user, scope)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	refresh := randomToken(32)
	rec := store.RefreshToken{
		Token:     refresh,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: time.Now().Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

func (s *Server) mintAccessToken(user store.User, scope string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.cfg.Issuer,
		"sub":   user.ID,
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.AccessTokenTTL).Unix(),
		"scope": scope,
		"tier":  user.Tier,
		"role":  user.Role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.signingKey)
}

// JWKS renders the public half of the signing key as an RFC 7517 key set.
func (s *Server) JWKS() map[string]interface{} {
	pub := s.signingKey.PublicKey
	return map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": s.kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
}

// Discovery renders the OpenID Connect discovery document.
func (s *Server) Discovery() map[string]interface{} {
	return map[string]interface{}{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + "/oauth/authorize",
		"token_endpoint":                         s.cfg.Issuer + "/oauth/token",
		"revocation_endpoint":                    s.cfg.Issuer + "/oauth/revoke",
		"userinfo_endpoint":                      s.cfg.Issuer + "/oauth/userinfo",
		"jwks_uri":                               s.cfg.Issuer + "/.well-known/jwks.json",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":       []string{"S256"},
		"token_endpoint_auth_methods_supported":  []string{"none"},
		"subject_types_supported":                []string{"public"},
		"id_token_signing_alg_values_supported":  []string{"RS256"},
	}
}

func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// WriteJSON is a small helper the HTTP handlers share for discovery/JWKS
// responses, kept here rather than in handler/ since it's purely this
// package's data being serialized.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
