package usage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tollgate-ai/gateway/store"
)

// ListFilter narrows GET /v1/usage per spec §6: pagination plus
// start_date/end_date/model_id/operation filters.
type ListFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	ModelID   string
	Operation string
	Limit     int
	Offset    int
}

// Summary is the totals block returned alongside the paginated rows.
type Summary struct {
	TotalRequests int64 `json:"totalRequests"`
	TotalTokens   int64 `json:"totalTokens"`
	TotalCredits  int64 `json:"totalCredits"`
}

// ListResult is the {data, meta} envelope for GET /v1/usage.
type ListResult struct {
	Records []store.UsageRecord `json:"data"`
	Total   int64               `json:"total"`
	Summary Summary             `json:"summary"`
}

// Store reads the authoritative, transactional usage_records table
// (Postgres) for the paginated history endpoint. The aggregate-by-bucket
// endpoint is served by the ClickHouse sink instead, since that is the
// copy built for scan-heavy analytical queries.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) scoped(ctx context.Context, userID string, f ListFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&store.UsageRecord{}).Where("user_id = ?", userID)
	if f.StartDate != nil {
		q = q.Where("executed_at >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		q = q.Where("executed_at < ?", *f.EndDate)
	}
	if f.ModelID != "" {
		q = q.Where("model_id = ?", f.ModelID)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	return q
}

// List returns a page of usage history plus the summary totals for the
// full (unpaginated) filtered set.
func (s *Store) List(ctx context.Context, userID string, f ListFilter) (ListResult, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var total int64
	if err := s.scoped(ctx, userID, f).Count(&total).Error; err != nil {
		return ListResult{}, err
	}

	var records []store.UsageRecord
	if err := s.scoped(ctx, userID, f).
		Order("executed_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&records).Error; err != nil {
		return ListResult{}, err
	}

	var summary Summary
	row := s.scoped(ctx, userID, f).Select(
		"COUNT(*) AS total_requests, COALESCE(SUM(total_tokens),0) AS total_tokens, COALESCE(SUM(credits_used),0) AS total_credits",
	).Row()
	if err := row.Scan(&summary.TotalRequests, &summary.TotalTokens, &summary.TotalCredits); err != nil {
		return ListResult{}, err
	}

	return ListResult{Records: records, Total: total, Summary: summary}, nil
}
