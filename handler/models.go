package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/store"
)

// ModelsHandler serves the model catalog endpoints (spec §6).
type ModelsHandler struct {
	logger  zerolog.Logger
	catalog *models.Catalog
}

func NewModelsHandler(logger zerolog.Logger, catalog *models.Catalog) *ModelsHandler {
	return &ModelsHandler{logger: logger, catalog: catalog}
}

// List handles GET /v1/models, applying the available/capability/provider
// filters and the admin-only includeArchived flag named in spec §6.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	q := r.URL.Query()
	rows := h.catalog.List(claims.Tier)
	if q.Get("includeArchived") == "true" && claims.Role == "admin" {
		rows = h.catalog.ListWithArchived(claims.Tier)
	}

	available := q.Get("available")
	capability := q.Get("capability")
	providerFilter := q.Get("provider")

	out := make([]map[string]interface{}, 0, len(rows))
	for _, m := range rows {
		if available == "true" && !m.IsAvailable {
			continue
		}
		if available == "false" && m.IsAvailable {
			continue
		}
		if providerFilter != "" && m.Provider != providerFilter {
			continue
		}
		if capability != "" && !hasCapability(m.Capabilities, capability) {
			continue
		}
		out = append(out, modelSummary(m))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// Get handles GET /v1/models/{id}.
func (h *ModelsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, found := h.catalog.Get(id)
	if !found {
		apierror.Respond(w, models.ErrNotFound)
		return
	}

	detail := modelSummary(m)
	detail["contextWindow"] = m.ContextWindow
	detail["maxOutputTokens"] = m.MaxOutputTokens
	detail["isLegacy"] = m.IsLegacy
	detail["isArchived"] = m.IsArchived
	if legacy, ok := m.Meta["legacy_info"]; ok {
		detail["legacy_info"] = legacy
	}

	writeJSON(w, http.StatusOK, detail)
}

func modelSummary(m store.Model) map[string]interface{} {
	caps := make([]string, 0, len(m.Capabilities))
	caps = append(caps, m.Capabilities...)
	return map[string]interface{}{
		"id":           m.ID,
		"object":       "model",
		"provider":     m.Provider,
		"capabilities": caps,
		"isAvailable":  m.IsAvailable,
		"requiredTier": m.RequiredTier,
	}
}

func hasCapability(caps datatypes.JSONSlice[string], want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
