package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/oidcserver"
	"github.com/tollgate-ai/gateway/store"
)

// OAuthHandler exposes the gateway's own OIDC provider surface (spec §6):
// discovery, authorize, token, revoke, userinfo.
type OAuthHandler struct {
	logger zerolog.Logger
	server *oidcserver.Server
	db     *gorm.DB
}

func NewOAuthHandler(logger zerolog.Logger, server *oidcserver.Server, db *gorm.DB) *OAuthHandler {
	return &OAuthHandler{logger: logger, server: server, db: db}
}

// Discovery handles GET /.well-known/openid-configuration.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	oidcserver.WriteJSON(w, http.StatusOK, h.server.Discovery())
}

// JWKS handles GET /.well-known/jwks.json.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	oidcserver.WriteJSON(w, http.StatusOK, h.server.JWKS())
}

// Authorize handles GET /oauth/authorize. The consent/login UI is an
// external collaborator (spec Non-goals); this endpoint trusts that the
// caller has already established a session and passes the user id along,
// matching how the teacher's own handlers treat identity as pre-resolved
// upstream of the gateway.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oidcserver.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		UserID:              q.Get("user_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if req.ClientID == "" || req.RedirectURI == "" || req.CodeChallenge == "" || req.UserID == "" {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "client_id, user_id, redirect_uri, and code_challenge are required", nil))
		return
	}

	code, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	redirectURL := req.RedirectURI + "?code=" + code
	if state := q.Get("state"); state != "" {
		redirectURL += "&state=" + state
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Token handles POST /oauth/token.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "malformed form body", nil))
		return
	}

	var (
		resp *oidcserver.TokenResponse
		err  error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		resp, err = h.server.ExchangeCode(r.Context(),
			r.PostForm.Get("code"),
			r.PostForm.Get("redirect_uri"),
			r.PostForm.Get("code_verifier"),
		)
	case "refresh_token":
		resp, err = h.server.RefreshGrant(r.Context(), r.PostForm.Get("refresh_token"))
	default:
		err = oidcserver.ErrUnsupportedGrant
	}
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	oidcserver.WriteJSON(w, http.StatusOK, resp)
}

// Revoke handles POST /oauth/revoke.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "malformed form body", nil))
		return
	}
	token := r.PostForm.Get("token")
	if token == "" {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "token is required", nil))
		return
	}
	if err := h.server.Revoke(r.Context(), token); err != nil {
		apierror.Respond(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// userinfoResponse is the OIDC UserInfo shape spec §6 requires. Name and
// Picture are always empty: the gateway's own User record (unlike a
// full-blown IdP profile) tracks only what the billing/auth surfaces need,
// so those two fields are reserved for a future profile sync rather than
// fabricated here.
type userinfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	UpdatedAt     int64  `json:"updated_at"`
}

// UserInfo handles GET /oauth/userinfo.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	var user store.User
	if err := h.db.WithContext(r.Context()).First(&user, "id = ?", claims.Subject).Error; err != nil {
		apierror.Respond(w, apierror.New(http.StatusNotFound, "not_found", "user not found", nil))
		return
	}

	resp := userinfoResponse{
		Sub:           user.ID,
		Email:         user.Email,
		EmailVerified: true,
		UpdatedAt:     user.UpdatedAt.Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
