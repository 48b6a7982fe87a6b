package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/ledger"
)

// CreditsHandler serves GET /v1/credits/me.
type CreditsHandler struct {
	logger zerolog.Logger
	ledger *ledger.Ledger
}

func NewCreditsHandler(logger zerolog.Logger, led *ledger.Ledger) *CreditsHandler {
	return &CreditsHandler{logger: logger, ledger: led}
}

func (h *CreditsHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	balance, err := h.ledger.GetDetailed(r.Context(), claims.Subject)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptionRemaining": balance.SubscriptionRemaining,
		"purchasedRemaining":    balance.PurchasedRemaining,
		"total":                 balance.Total,
	})
}
