package usage

// UsageEventSchema is the DDL for the ClickHouse-backed analytics copy of
// billed inference events, adapted from the teacher's request_log table to
// this domain's credit/cache-accounting columns.
const UsageEventSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id                String,
    user_id           String,
    model_id          String,
    provider          String,
    operation         String,

    prompt_tokens     UInt32,
    completion_tokens UInt32,
    total_tokens      UInt32,

    credits_used      UInt32,
    vendor_cost_usd   Float64,
    cache_hit_rate    Float32,

    finish_reason     String,

    executed_at       DateTime64(3),
    event_date        Date DEFAULT toDate(executed_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (user_id, executed_at)
TTL event_date + INTERVAL 365 DAY
SETTINGS index_granularity = 8192;
`

// DailyUsageMV aggregates credits/tokens by user and model per day.
// Aggregate (GET /v1/usage/stats) queries usage_events, not this view.
const DailyUsageMV = `
CREATE MATERIALIZED VIEW IF NOT EXISTS daily_usage_mv
ENGINE = SummingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (user_id, model_id, event_date)
AS SELECT
    user_id,
    model_id,
    provider,
    toDate(executed_at) AS event_date,
    count()             AS request_count,
    sum(prompt_tokens)     AS total_prompt_tokens,
    sum(completion_tokens) AS total_completion_tokens,
    sum(total_tokens)      AS total_tokens,
    sum(credits_used)      AS total_credits
FROM usage_events
GROUP BY user_id, model_id, provider, event_date;
`

// HourlyUsageMV aggregates the same counts per hour. Aggregate
// (GET /v1/usage/stats) queries usage_events, not this view.
const HourlyUsageMV = `
CREATE MATERIALIZED VIEW IF NOT EXISTS hourly_usage_mv
ENGINE = SummingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (user_id, event_hour)
AS SELECT
    user_id,
    toStartOfHour(executed_at) AS event_hour,
    toDate(executed_at)        AS event_date,
    count()                    AS request_count,
    sum(total_tokens)          AS total_tokens,
    sum(credits_used)          AS total_credits
FROM usage_events
GROUP BY user_id, event_hour, event_date;
`

// AllSchemas returns every DDL statement in creation order.
func AllSchemas() []string {
	return []string{UsageEventSchema, DailyUsageMV, HourlyUsageMV}
}
