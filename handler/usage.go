package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/apierror"
	"github.com/tollgate-ai/gateway/auth"
	"github.com/tollgate-ai/gateway/usage"
)

// UsageHandler serves GET /v1/usage and GET /v1/usage/stats. History reads
// the transactional Postgres copy; stats reads the ClickHouse sink, per the
// split documented on usage.Store and usage.ClickHouseSink.
type UsageHandler struct {
	logger  zerolog.Logger
	history *usage.Store
	stats   *usage.ClickHouseSink // nil when ClickHouse is not configured
}

func NewUsageHandler(logger zerolog.Logger, history *usage.Store, stats *usage.ClickHouseSink) *UsageHandler {
	return &UsageHandler{logger: logger, history: history, stats: stats}
}

// List handles GET /v1/usage.
func (h *UsageHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}

	q := r.URL.Query()
	filter := usage.ListFilter{
		ModelID:   q.Get("model_id"),
		Operation: q.Get("operation"),
		Limit:     atoiOr(q.Get("limit"), 100),
		Offset:    atoiOr(q.Get("offset"), 0),
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = &t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = &t
		}
	}

	result, err := h.history.List(r.Context(), claims.Subject, filter)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result.Records,
		"meta": map[string]interface{}{
			"total":   result.Total,
			"summary": result.Summary,
		},
	})
}

// Stats handles GET /v1/usage/stats.
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		apierror.Respond(w, auth.ErrMissingToken)
		return
	}
	if h.stats == nil {
		apierror.Respond(w, apierror.New(http.StatusServiceUnavailable, "service_unavailable", "usage analytics sink not configured", nil))
		return
	}

	q := r.URL.Query()
	groupBy := q.Get("group_by")
	if groupBy == "" {
		groupBy = "day"
	}

	end := time.Now()
	start := end.AddDate(0, 0, -30)
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	buckets, err := h.stats.Aggregate(r.Context(), claims.Subject, groupBy, start, end)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": buckets})
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
