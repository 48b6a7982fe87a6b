package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tollgate-ai/gateway/pricing"
	"github.com/tollgate-ai/gateway/provider"
	"github.com/tollgate-ai/gateway/store"
)

// chunkEnvelope is the OpenAI-style delta frame the orchestrator writes to
// the client for every upstream chunk. The Usage field is nil on every
// frame except the terminal one, per spec §4.6.
type chunkEnvelope struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created"`
	Model   string    `json:"model"`
	Choices []delta   `json:"choices"`
	Usage   *UsageOut `json:"usage,omitempty"`
}

type delta struct {
	Index        int                 `json:"index"`
	Delta        deltaContent        `json:"delta"`
	FinishReason *string             `json:"finish_reason"`
}

type deltaContent struct {
	Content string `json:"content,omitempty"`
}

// CompleteStream runs the streaming pipeline (spec §4.6): steps 1-5 are
// shared with Complete, then upstream chunks are re-framed into the
// gateway's own SSE envelope as they arrive, finalize/deduct/record happen
// after the provider's terminal usage frame and before it's flushed to the
// client, and a mid-stream client disconnect finalizes against whatever
// usage the provider had reported so far (zero if none, in which case no
// deduction is made and the usage record is written with finish_reason
// "canceled").
func (o *Orchestrator) CompleteStream(ctx context.Context, ident Identity, req *provider.ChatRequest, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}

	model, constraints, err := o.resolveModel(ctx, req.Model, ident.Tier)
	if err != nil {
		return err
	}
	if _, err := applyParameterConstraints(req, constraints); err != nil {
		return err
	}

	estimatedOutput := estimateMaxTokens(req)
	inputTokens := o.counter.EstimateMessagesTokens(toMeteringMessages(req.Messages))
	estimatedCost, err := o.pricing.Estimate(ctx, model.Provider, model.ID, inputTokens, estimatedOutput)
	if err != nil {
		return fmt.Errorf("estimate cost: %w", err)
	}
	multiplier, err := o.pricing.Multiplier(ctx, ident.Tier, model.Provider, model.ID)
	if err != nil {
		return fmt.Errorf("resolve multiplier: %w", err)
	}
	estimatedCredits := pricing.CreditsForCost(estimatedCost, multiplier)
	preflight, err := o.ledger.GetDetailed(ctx, ident.UserID)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if preflight.Total < estimatedCredits {
		return &InsufficientCreditsError{Required: estimatedCredits, Available: preflight.Total}
	}

	prov, ok := o.registry.Get(model.Provider)
	if !ok {
		return fmt.Errorf("%w: provider %s not registered", ErrUpstream, model.Provider)
	}

	upstream, err := prov.ChatCompletionStream(ctx, req)
	if err != nil {
		return err
	}
	defer upstream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	reservationID := uuid.NewString()
	o.reserves.Reserve(reservationID, ident.UserID, model.Provider, model.ID, estimatedCost, inputTokens)

	events := provider.NewSSEEventReader(upstream)
	var finalUsage *provider.Usage
	var finishReason string
	respID := uuid.NewString()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	eventCh := make(chan *provider.SSEEvent)
	errCh := make(chan error, 1)
	go func() {
		for {
			ev, err := events.Next()
			if err != nil {
				errCh <- err
				return
			}
			eventCh <- ev
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			o.log.Warn().Str("reservation_id", reservationID).Msg("client disconnected mid-stream")
			o.finalizeCanceled(context.Background(), ident, model, reservationID, finalUsage, inputTokens)
			return ctx.Err()

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case err := <-errCh:
			if err != nil && err.Error() != "EOF" {
				o.log.Error().Err(err).Msg("upstream stream read error")
			}
			break loop

		case ev := <-eventCh:
			chunk, ok := provider.DecodeStreamEvent(model.Provider, ev)
			if !ok {
				continue
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Done {
				break loop
			}
			if chunk.ContentDelta == "" {
				continue
			}
			frame := chunkEnvelope{
				ID:      respID,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model.ID,
				Choices: []delta{{Index: 0, Delta: deltaContent{Content: chunk.ContentDelta}}},
			}
			b, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}

	usage := pricing.Usage{}
	if finalUsage != nil {
		usage = normalizeUsage(model.Provider, *finalUsage)
	} else {
		usage.InputTokens = inputTokens
	}

	cost := pricing.Calculate(mustPricingRow(ctx, o.pricing, model.Provider, model.ID), usage)
	credits := pricing.CreditsForCost(cost.VendorCostUSD, multiplier)

	var creditsInfo CreditsInfo
	rec := &store.UsageRecord{
		ID:                  uuid.NewString(),
		UserID:              ident.UserID,
		ModelID:             model.ID,
		Provider:            model.Provider,
		Operation:           "chat",
		PromptTokens:        usage.InputTokens,
		CompletionTokens:    usage.OutputTokens,
		TotalTokens:         usage.InputTokens + usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CachedPromptTokens:  usage.CachedPromptTokens,
		VendorCostUSD:       cost.VendorCostUSD,
		MarginMultiplier:    multiplier,
		FinishReason:        provider.NormalizeFinishReason(model.Provider, finishReason),
		ExecutedAt:          time.Now(),
	}

	if finalUsage == nil {
		rec.FinishReason = provider.FinishCanceled
		o.reserves.Refund(reservationID)
		if err := o.db.CreateUsageRecord(ctx, rec); err != nil {
			o.log.Error().Err(err).Msg("failed to persist streaming usage record")
		}
	} else {
		// Deduct inserts rec in the same transaction as the pool debits
		// (spec §4.3 step 4 / §3.5), matching the unary Complete path.
		deduction, err := o.ledger.Deduct(ctx, ident.UserID, credits, rec)
		if err != nil {
			rec.CreditsUsed = 0
			rec.DebitTrail = nil
			o.handleDeductionFailure(ctx, reservationID, rec, ident, credits, err)
			if err := o.db.CreateUsageRecord(ctx, rec); err != nil {
				o.log.Error().Err(err).Msg("failed to persist streaming usage record")
			}
		} else {
			o.reserves.Settle(reservationID, deduction.CreditsDeducted, usage.OutputTokens)
			o.db.TrackAnalytics(rec)
			creditsInfo = CreditsInfo{
				Deducted:              rec.CreditsUsed,
				Remaining:             deduction.Balance.Total,
				SubscriptionRemaining: deduction.Balance.SubscriptionRemaining,
				PurchasedRemaining:    deduction.Balance.PurchasedRemaining,
			}
		}
	}

	finalFrame := chunkEnvelope{
		ID:      respID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model.ID,
		Choices: []delta{{Index: 0, Delta: deltaContent{}, FinishReason: strPtr(rec.FinishReason)}},
		Usage: &UsageOut{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
			Credits:          creditsInfo,
		},
	}
	b, _ := json.Marshal(finalFrame)
	fmt.Fprintf(w, "data: %s\n\n", b)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

// finalizeCanceled handles client disconnect mid-stream: deduct against
// whatever usage was reported so far (zero means no deduction), and record
// the request with finish_reason=canceled for audit (spec §4.6).
func (o *Orchestrator) finalizeCanceled(ctx context.Context, ident Identity, model store.Model, reservationID string, finalUsage *provider.Usage, inputTokens int) {
	rec := &store.UsageRecord{
		ID:           uuid.NewString(),
		UserID:       ident.UserID,
		ModelID:      model.ID,
		Provider:     model.Provider,
		Operation:    "chat",
		FinishReason: provider.FinishCanceled,
		ExecutedAt:   time.Now(),
		PromptTokens: inputTokens,
	}
	if finalUsage == nil {
		o.reserves.Refund(reservationID)
	} else {
		usage := normalizeUsage(model.Provider, *finalUsage)
		row := mustPricingRow(ctx, o.pricing, model.Provider, model.ID)
		cost := pricing.Calculate(row, usage)
		multiplier, _ := o.pricing.Multiplier(ctx, ident.Tier, model.Provider, model.ID)
		credits := pricing.CreditsForCost(cost.VendorCostUSD, multiplier)
		rec.CompletionTokens = usage.OutputTokens
		rec.TotalTokens = usage.InputTokens + usage.OutputTokens
		rec.VendorCostUSD = cost.VendorCostUSD
		rec.MarginMultiplier = multiplier
		// Deduct inserts rec transactionally alongside the pool debits
		// (spec §4.3 step 4 / §3.5); the failure branch persists rec
		// itself since nothing committed.
		deduction, err := o.ledger.Deduct(ctx, ident.UserID, credits, rec)
		if err == nil {
			o.reserves.Settle(reservationID, deduction.CreditsDeducted, usage.OutputTokens)
			o.db.TrackAnalytics(rec)
			return
		}
		rec.CreditsUsed = 0
		rec.DebitTrail = nil
		o.handleDeductionFailure(ctx, reservationID, rec, ident, credits, err)
	}
	if err := o.db.CreateUsageRecord(ctx, rec); err != nil {
		o.log.Error().Err(err).Msg("failed to persist canceled-stream usage record")
	}
}

func strPtr(s string) *string { return &s }
