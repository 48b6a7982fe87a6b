// Package orchestrator implements the inference orchestrator (C6): the
// request pipeline from parsed body to billed, vendor-normalized response,
// described in spec §4.6. It is the one component that calls every other
// core component (models, ratelimit, pricing, ledger, provider) in a single
// request's lifetime.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/ledger"
	"github.com/tollgate-ai/gateway/metering"
	"github.com/tollgate-ai/gateway/models"
	"github.com/tollgate-ai/gateway/pricing"
	"github.com/tollgate-ai/gateway/provider"
	"github.com/tollgate-ai/gateway/routing"
	"github.com/tollgate-ai/gateway/store"
)

var (
	ErrModelNotAccessible  = errors.New("model not accessible")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUpstream            = errors.New("upstream provider error")
)

// InsufficientCreditsError is the typed form of ErrInsufficientCredits
// carrying the required/available numbers spec §7 scenario S4 mandates in
// the insufficient_credits error body. It unwraps to ErrInsufficientCredits
// so existing errors.Is call sites keep working.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// CreditsInfo is embedded in the response envelope's usage object per
// spec §4.6 step 10.
type CreditsInfo struct {
	Deducted              int `json:"deducted"`
	Remaining             int `json:"remaining"`
	SubscriptionRemaining int `json:"subscriptionRemaining"`
	PurchasedRemaining    int `json:"purchasedRemaining"`
}

// UsageOut is the OpenAI-shaped usage object the orchestrator attaches to
// every completed (non-error) response.
type UsageOut struct {
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	Credits          CreditsInfo `json:"credits"`
}

// Result is what the HTTP handler renders for a unary completion.
type Result struct {
	Response *provider.ChatResponse
	Usage    UsageOut
	Warnings []paramWarning
}

// Orchestrator wires together model access, admission, pricing, the
// provider registry, and the credit ledger into the spec §4.6 pipeline.
type Orchestrator struct {
	catalog  *models.Catalog
	registry *provider.Registry
	pricing  *pricing.Engine
	ledger   *ledger.Ledger
	counter  *metering.TokenCounter
	reserves *metering.ReservationStore
	log      zerolog.Logger
	db       reconciliationWriter
	sla      *routing.SLABalancer
}

// reconciliationWriter is the narrow slice of *gorm.DB the orchestrator
// needs for writing usage records and reconciliation flags; kept as an
// interface so tests can substitute a fake.
type reconciliationWriter interface {
	CreateUsageRecord(ctx context.Context, rec *store.UsageRecord) error
	CreateReconciliation(ctx context.Context, rec *store.ReconciliationRecord) error
	// TrackAnalytics fans a usage record out to analytics only, without
	// writing it to the database. Used on the successful-deduction path,
	// where ledger.Deduct has already inserted the record transactionally
	// alongside the credit debit (spec §4.3 step 4 / §3.5).
	TrackAnalytics(rec *store.UsageRecord)
}

func New(catalog *models.Catalog, registry *provider.Registry, pricingEngine *pricing.Engine, led *ledger.Ledger, db reconciliationWriter, log zerolog.Logger) *Orchestrator {
	sla := routing.NewSLABalancer(log)
	for _, name := range registry.List() {
		sla.RegisterProvider(name, routing.DefaultSLATarget())
	}
	return &Orchestrator{
		catalog:  catalog,
		registry: registry,
		pricing:  pricingEngine,
		ledger:   led,
		counter:  metering.NewTokenCounter(0),
		reserves: metering.NewReservationStore(),
		log:      log.With().Str("component", "orchestrator").Logger(),
		db:       db,
		sla:      sla,
	}
}

// Identity is the caller context the HTTP layer resolves from the bearer
// token before invoking the orchestrator.
type Identity struct {
	UserID string
	Tier   string
}

// Complete runs the full unary pipeline (spec §4.6 steps 1-10).
func (o *Orchestrator) Complete(ctx context.Context, ident Identity, req *provider.ChatRequest) (*Result, error) {
	model, constraints, err := o.resolveModel(ctx, req.Model, ident.Tier)
	if err != nil {
		return nil, err
	}

	warnings, err := applyParameterConstraints(req, constraints)
	if err != nil {
		return nil, err
	}

	estimatedOutput := estimateMaxTokens(req)
	inputTokens := o.counter.EstimateMessagesTokens(toMeteringMessages(req.Messages))

	estimatedCost, err := o.pricing.Estimate(ctx, model.Provider, model.ID, inputTokens, estimatedOutput)
	if err != nil {
		return nil, fmt.Errorf("estimate cost: %w", err)
	}
	multiplier, err := o.pricing.Multiplier(ctx, ident.Tier, model.Provider, model.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve multiplier: %w", err)
	}
	estimatedCredits := pricing.CreditsForCost(estimatedCost, multiplier)

	preflight, err := o.ledger.GetDetailed(ctx, ident.UserID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if preflight.Total < estimatedCredits {
		return nil, &InsufficientCreditsError{Required: estimatedCredits, Available: preflight.Total}
	}

	reservationID := uuid.NewString()
	o.reserves.Reserve(reservationID, ident.UserID, model.Provider, model.ID, estimatedCost, inputTokens)

	prov, ok := o.registry.Get(model.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s not registered", ErrUpstream, model.Provider)
	}

	resp, err := o.dispatchWithRetry(ctx, prov, req)
	if err != nil {
		o.reserves.Refund(reservationID)
		return nil, err
	}

	usage := normalizeUsage(model.Provider, resp.Usage)
	cost := pricing.Calculate(mustPricingRow(ctx, o.pricing, model.Provider, model.ID), usage)
	credits := pricing.CreditsForCost(cost.VendorCostUSD, multiplier)
	breakdown := pricing.Breakdown(cost, multiplier)

	finishReason := ""
	if len(resp.Choices) > 0 {
		finishReason = provider.NormalizeFinishReason(model.Provider, resp.Choices[0].FinishReason)
	}

	var breakdownMap map[string]interface{}
	bm, _ := json.Marshal(breakdown)
	_ = json.Unmarshal(bm, &breakdownMap)

	rec := &store.UsageRecord{
		ID:                  uuid.NewString(),
		UserID:              ident.UserID,
		ModelID:             model.ID,
		Provider:            model.Provider,
		Operation:           "chat",
		PromptTokens:        resp.Usage.PromptTokens,
		CompletionTokens:    resp.Usage.CompletionTokens,
		TotalTokens:         resp.Usage.TotalTokens,
		CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		CachedPromptTokens:  resp.Usage.CachedPromptTokens,
		VendorCostUSD:       cost.VendorCostUSD,
		MarginMultiplier:    multiplier,
		GrossMarginUSD:      float64(credits)/100 - cost.VendorCostUSD,
		CacheHitRate:        cacheHitRate(usage),
		CostSavingsPercent:  pricing.SavingsPercent(mustPricingRow(ctx, o.pricing, model.Provider, model.ID), usage, cost),
		FinishReason:        finishReason,
		CreditBreakdown:     breakdownMap,
		ExecutedAt:          time.Now(),
	}

	// Deduct inserts rec in the same transaction as the pool debits (spec
	// §4.3 step 4 / §3.5 / §8.1): charge and usage record commit or roll
	// back together, rather than risking a charge with no matching record.
	deduction, deductErr := o.ledger.Deduct(ctx, ident.UserID, credits, rec)

	var balance ledger.Balance
	if deductErr != nil {
		rec.CreditsUsed = 0
		rec.DebitTrail = nil
		o.handleDeductionFailure(ctx, reservationID, rec, ident, credits, deductErr)
		if err := o.db.CreateUsageRecord(ctx, rec); err != nil {
			o.log.Error().Err(err).Msg("failed to persist reconciliation usage record")
		}
		balance, _ = o.ledger.GetDetailed(ctx, ident.UserID)
	} else {
		o.reserves.Settle(reservationID, deduction.CreditsDeducted, resp.Usage.CompletionTokens)
		o.db.TrackAnalytics(rec)
		balance = deduction.Balance
	}

	result := &Result{
		Response: resp,
		Warnings: warnings,
		Usage: UsageOut{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Credits: CreditsInfo{
				Deducted:              rec.CreditsUsed,
				Remaining:             balance.Total,
				SubscriptionRemaining: balance.SubscriptionRemaining,
				PurchasedRemaining:    balance.PurchasedRemaining,
			},
		},
	}
	return result, nil
}

// handleDeductionFailure implements spec §4.6 step 8 / failure semantics:
// content has already been produced, so the request still succeeds for the
// caller, but the uncharged usage is flagged for out-of-band reconciliation
// rather than silently dropped.
func (o *Orchestrator) handleDeductionFailure(ctx context.Context, reservationID string, rec *store.UsageRecord, ident Identity, estimatedCredits int, deductErr error) {
	o.log.Error().Err(deductErr).Str("user_id", ident.UserID).Str("reservation_id", reservationID).
		Msg("credit deduction failed after successful inference, flagging for reconciliation")
	o.reserves.FlagForReconciliation(reservationID, rec.CompletionTokens)

	reconciliation := &store.ReconciliationRecord{
		ID:               uuid.NewString(),
		UserID:           ident.UserID,
		ModelID:          rec.ModelID,
		EstimatedCredits: estimatedCredits,
		Reason:           deductErr.Error(),
		CreatedAt:        time.Now(),
	}
	if err := o.db.CreateReconciliation(ctx, reconciliation); err != nil {
		o.log.Error().Err(err).Msg("failed to persist reconciliation record")
	}
}

// dispatchWithRetry implements the "one retry on 5xx/transport error"
// failure semantics from spec §4.6. 4xx errors are returned immediately
// (no deduction, no retry). The SLA balancer's EWMA error/latency score
// gates the retry: a provider the balancer scores at zero (marked
// unhealthy or fully penalized) is not worth a second round trip.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, prov provider.Provider, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()
	resp, err := prov.ChatCompletion(ctx, req)
	if err == nil {
		o.sla.RecordSuccess(prov.Name(), float64(time.Since(start).Milliseconds()))
		return resp, nil
	}
	o.sla.RecordFailure(prov.Name())
	if !isRetryable(err) {
		return nil, err
	}
	if _, score := o.sla.SelectProvider([]string{prov.Name()}); score == 0 {
		o.log.Warn().Str("provider", prov.Name()).Msg("provider scored down, abandoning retry")
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	o.log.Warn().Err(err).Str("provider", prov.Name()).Msg("upstream error, retrying once")
	start = time.Now()
	resp, err = prov.ChatCompletion(ctx, req)
	if err != nil {
		o.sla.RecordFailure(prov.Name())
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	o.sla.RecordSuccess(prov.Name(), float64(time.Since(start).Milliseconds()))
	return resp, nil
}

// resolveModel passes catalog.Resolve's error straight through so the
// distinct models.ErrNotFound / models.ErrArchived / models.ErrNotAccessible
// (and *models.AccessDeniedError) sentinels stay in the error chain for
// apierror.Map's errors.Is/errors.As dispatch (spec §7 resource taxonomy).
func (o *Orchestrator) resolveModel(ctx context.Context, modelID, tier string) (store.Model, map[string]ParameterConstraint, error) {
	m, err := o.catalog.Resolve(modelID, tier)
	if err != nil {
		return store.Model{}, nil, err
	}
	constraints := map[string]ParameterConstraint{}
	if raw, ok := m.Meta["parameterConstraints"]; ok {
		b, _ := json.Marshal(raw)
		_ = json.Unmarshal(b, &constraints)
	}
	return m, constraints, nil
}

func mustPricingRow(ctx context.Context, eng *pricing.Engine, provider, model string) *store.VendorPricing {
	row, err := eng.Lookup(ctx, provider, model, time.Now())
	if err != nil {
		return &store.VendorPricing{}
	}
	return row
}

func normalizeUsage(vendor string, u provider.Usage) pricing.Usage {
	return pricing.Usage{
		InputTokens:         u.PromptTokens,
		OutputTokens:        u.CompletionTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CachedPromptTokens:  u.CachedPromptTokens,
		CachedContentTokens: u.CachedContentTokenCount,
	}
}

func cacheHitRate(u pricing.Usage) float64 {
	cached := u.CacheReadTokens + u.CachedPromptTokens + u.CachedContentTokens
	if u.InputTokens == 0 {
		return 0
	}
	return float64(cached) / float64(u.InputTokens)
}

func estimateMaxTokens(req *provider.ChatRequest) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	return 1024
}

func toMeteringMessages(msgs []provider.ChatMessage) []metering.Message {
	out := make([]metering.Message, 0, len(msgs))
	for _, m := range msgs {
		content := ""
		if s, ok := m.Content.(string); ok {
			content = s
		}
		out = append(out, metering.Message{Role: m.Role, Content: content, Name: m.Name})
	}
	return out
}

func isRetryable(err error) bool {
	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	// Transport-level errors (no status code available, e.g. timeouts,
	// connection resets) are treated as retryable per spec §4.6.
	return true
}
