package orchestrator

import (
	"context"

	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/store"
	"github.com/tollgate-ai/gateway/usage"
)

// GormWriter is the default reconciliationWriter, backed directly by gorm.
// Analytics is optional: when set, every successfully persisted usage
// record is also fanned out to the async usage pipeline feeding the
// ClickHouse-backed /v1/usage/stats path, without slowing down the
// request that produced it.
type GormWriter struct {
	DB        *gorm.DB
	Analytics *usage.Pipeline
}

func NewGormWriter(db *gorm.DB) *GormWriter {
	return &GormWriter{DB: db}
}

func (w *GormWriter) CreateUsageRecord(ctx context.Context, rec *store.UsageRecord) error {
	if err := w.DB.WithContext(ctx).Create(rec).Error; err != nil {
		return err
	}
	w.TrackAnalytics(rec)
	return nil
}

// TrackAnalytics fans rec out to the async usage pipeline without writing
// it to the database. Used on the successful-deduction path, where
// ledger.Deduct has already inserted rec transactionally alongside the
// credit debit.
func (w *GormWriter) TrackAnalytics(rec *store.UsageRecord) {
	if w.Analytics == nil {
		return
	}
	w.Analytics.Track(usage.Event{
		ID:               rec.ID,
		UserID:           rec.UserID,
		ModelID:          rec.ModelID,
		Provider:         rec.Provider,
		Operation:        rec.Operation,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		TotalTokens:      rec.TotalTokens,
		CreditsUsed:      rec.CreditsUsed,
		VendorCostUSD:    rec.VendorCostUSD,
		CacheHitRate:     rec.CacheHitRate,
		FinishReason:     rec.FinishReason,
		ExecutedAt:       rec.ExecutedAt,
	})
}

func (w *GormWriter) CreateReconciliation(ctx context.Context, rec *store.ReconciliationRecord) error {
	return w.DB.WithContext(ctx).Create(rec).Error
}
