package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/orchestrator"
	"github.com/tollgate-ai/gateway/provider"
)

// InferenceHandler serves the two billed inference routes (spec §6):
// POST /v1/completions and POST /v1/chat/completions. Both funnel through
// the same orchestrator pipeline — a plain completion is a chat request
// with a single synthesized user message, matching how most vendor APIs
// treat the legacy completions shape as chat's predecessor.
type InferenceHandler struct {
	logger zerolog.Logger
	orch   *orchestrator.Orchestrator
}

func NewInferenceHandler(logger zerolog.Logger, orch *orchestrator.Orchestrator) *InferenceHandler {
	return &InferenceHandler{logger: logger, orch: orch}
}

// completionRequest is the legacy text-completion wire shape.
type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func identity(r *http.Request) (orchestrator.Identity, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return orchestrator.Identity{}, false
	}
	return orchestrator.Identity{UserID: claims.Subject, Tier: claims.Tier}, true
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *InferenceHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error(), nil))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		apierror.Respond(w, apierror.New(http.StatusUnprocessableEntity, "validation_error", "model and messages are required", nil))
		return
	}

	h.dispatch(w, r, ident, &req)
}

// Completions handles POST /v1/completions.
func (h *InferenceHandler) Completions(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(r)
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	var cr completionRequest
	if err := json.NewDecoder(r.Body).Decode(&cr); err != nil {
		apierror.Respond(w, apierror.New(http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error(), nil))
		return
	}
	if cr.Model == "" || cr.Prompt == "" {
		apierror.Respond(w, apierror.New(http.StatusUnprocessableEntity, "validation_error", "model and prompt are required", nil))
		return
	}

	req := &provider.ChatRequest{
		Model:       cr.Model,
		MaxTokens:   cr.MaxTokens,
		Temperature: cr.Temperature,
		Stop:        cr.Stop,
		Stream:      cr.Stream,
		Messages:    []provider.ChatMessage{{Role: "user", Content: cr.Prompt}},
	}

	h.dispatch(w, r, ident, req)
}

func (h *InferenceHandler) dispatch(w http.ResponseWriter, r *http.Request, ident orchestrator.Identity, req *provider.ChatRequest) {
	if req.Stream {
		if err := h.orch.CompleteStream(r.Context(), ident, req, w); err != nil {
			h.logger.Error().Err(err).Str("user_id", ident.UserID).Msg("streaming completion failed")
			apierror.Respond(w, err)
		}
		return
	}

	result, err := h.orch.Complete(r.Context(), ident, req)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	resp := map[string]interface{}{
		"id":       result.Response.ID,
		"object":   result.Response.Object,
		"created":  result.Response.Created,
		"model":    result.Response.Model,
		"choices":  result.Response.Choices,
		"usage":    result.Usage,
		"warnings": result.Warnings,
	}
	writeJSON(w, http.StatusOK, resp)
}
