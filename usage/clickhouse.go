package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog"
)

// ClickHouseSink writes usage events to ClickHouse through database/sql,
// grounded on the driver's sql.Open("clickhouse", dsn) registration as used
// elsewhere in the pack.
type ClickHouseSink struct {
	conn *sql.DB
	log  zerolog.Logger
}

// NewClickHouseSink opens a ClickHouse connection and verifies connectivity.
func NewClickHouseSink(ctx context.Context, dsn string, log zerolog.Logger) (*ClickHouseSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("clickhouse DSN is required")
	}
	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, log: log.With().Str("sink", "clickhouse").Logger()}, nil
}

// Migrate applies the usage_events schema and its materialized views.
func (s *ClickHouseSink) Migrate(ctx context.Context) error {
	for _, stmt := range AllSchemas() {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply clickhouse schema: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseSink) WriteEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clickhouse batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_events (
			id, user_id, model_id, provider, operation,
			prompt_tokens, completion_tokens, total_tokens,
			credits_used, vendor_cost_usd, cache_hit_rate,
			finish_reason, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare clickhouse insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.UserID, e.ModelID, e.Provider, e.Operation,
			e.PromptTokens, e.CompletionTokens, e.TotalTokens,
			e.CreditsUsed, e.VendorCostUSD, e.CacheHitRate,
			e.FinishReason, e.ExecutedAt,
		); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clickhouse batch: %w", err)
	}
	s.log.Debug().Int("count", len(events)).Msg("usage batch written to clickhouse")
	return nil
}

func (s *ClickHouseSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// bucketExpr maps the GET /v1/usage/stats groupBy query parameter to the
// ClickHouse date-bucketing expression used in Aggregate's query.
func bucketExpr(groupBy string) (string, error) {
	switch groupBy {
	case "day":
		return "toDate(executed_at)", nil
	case "hour":
		return "toStartOfHour(executed_at)", nil
	case "model":
		return "model_id", nil
	default:
		return "", fmt.Errorf("unsupported groupBy %q", groupBy)
	}
}

// Bucket is one aggregated row of GET /v1/usage/stats.
type Bucket struct {
	Key              string    `json:"key"`
	BucketStart      time.Time `json:"bucketStart,omitempty"`
	RequestCount     int64     `json:"requestCount"`
	TotalTokens      int64     `json:"totalTokens"`
	TotalCredits     int64     `json:"totalCredits"`
	TotalVendorCost  float64   `json:"totalVendorCostUsd"`
}

// Aggregate runs the day/hour/model grouping behind GET /v1/usage/stats.
func (s *ClickHouseSink) Aggregate(ctx context.Context, userID, groupBy string, start, end time.Time) ([]Bucket, error) {
	expr, err := bucketExpr(groupBy)
	if err != nil {
		return nil, err
	}

	isTimeBucket := groupBy != "model"
	query := fmt.Sprintf(`
		SELECT
			%s AS bucket,
			count()                 AS request_count,
			sum(total_tokens)       AS total_tokens,
			sum(credits_used)       AS total_credits,
			sum(vendor_cost_usd)    AS total_vendor_cost
		FROM usage_events
		WHERE user_id = ? AND executed_at >= ? AND executed_at < ?
		GROUP BY bucket
		ORDER BY bucket DESC
	`, expr)

	rows, err := s.conn.QueryContext(ctx, query, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if isTimeBucket {
			var bucket time.Time
			if err := rows.Scan(&bucket, &b.RequestCount, &b.TotalTokens, &b.TotalCredits, &b.TotalVendorCost); err != nil {
				return nil, fmt.Errorf("scan usage stats row: %w", err)
			}
			b.BucketStart = bucket
			b.Key = bucket.Format(time.RFC3339)
		} else {
			var modelID string
			if err := rows.Scan(&modelID, &b.RequestCount, &b.TotalTokens, &b.TotalCredits, &b.TotalVendorCost); err != nil {
				return nil, fmt.Errorf("scan usage stats row: %w", err)
			}
			b.Key = modelID
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage stats rows: %w", err)
	}
	return out, nil
}
