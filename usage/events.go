// Package usage provides the read and analytics side of billed inference
// records: paginated/filtered history and day/hour/model aggregates behind
// /v1/usage and /v1/usage/stats, plus the async pipeline that feeds the
// ClickHouse side without blocking the request path.
package usage

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event is one billed (or reconciled) inference, shaped for the analytics
// sink. It mirrors store.UsageRecord's fields rather than embedding the
// gorm model directly, so the pipeline has no import-time dependency on
// the relational store.
type Event struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ModelID          string    `json:"model_id"`
	Provider         string    `json:"provider"`
	Operation        string    `json:"operation"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreditsUsed      int       `json:"credits_used"`
	VendorCostUSD    float64   `json:"vendor_cost_usd"`
	CacheHitRate     float64   `json:"cache_hit_rate"`
	FinishReason     string    `json:"finish_reason"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// Sink is the destination for usage events (ClickHouse, stdout).
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
	Close() error
}

// PipelineConfig controls batching and backpressure, matching the shape of
// the teacher's analytics pipeline config.
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    20000,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Pipeline is the async, non-blocking usage event ingestion engine that
// feeds the analytics sink behind /v1/usage/stats. The authoritative,
// transactional UsageRecord insert happens in the ledger/orchestrator's
// own Postgres transaction; this pipeline is a best-effort secondary path
// and never blocks or fails the request that produced the event.
type Pipeline struct {
	log    zerolog.Logger
	config PipelineConfig
	sink   Sink

	eventCh chan Event
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	received int64
	written  int64
	dropped  int64
}

// NewPipeline wires a pipeline to its sink. Pass a LogSink in development,
// a ClickHouseSink in production.
func NewPipeline(log zerolog.Logger, sink Sink, config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		log:     log.With().Str("component", "usage-pipeline").Logger(),
		config:  cfg,
		sink:    sink,
		eventCh: make(chan Event, cfg.BufferSize),
	}
}

// Start launches the flush worker.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.worker(ctx)
	p.log.Info().
		Int("buffer_size", p.config.BufferSize).
		Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("usage pipeline started")
}

// Stop flushes whatever remains buffered and closes the sink.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drain()
	if p.sink != nil {
		_ = p.sink.Close()
	}
	p.log.Info().
		Int64("received", atomic.LoadInt64(&p.received)).
		Int64("written", atomic.LoadInt64(&p.written)).
		Int64("dropped", atomic.LoadInt64(&p.dropped)).
		Msg("usage pipeline stopped")
}

// Track submits an event without blocking the caller. If the buffer is
// full the event is dropped and counted, never blocking the request path
// that produced it.
func (p *Pipeline) Track(e Event) {
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}
	select {
	case p.eventCh <- e:
		atomic.AddInt64(&p.received, 1)
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.log.Warn().Str("usage_id", e.ID).Msg("usage event dropped: buffer full")
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		case e := <-p.eventCh:
			batch = append(batch, e)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteEvents(ctx, batch)
		if err == nil {
			atomic.AddInt64(&p.written, int64(len(batch)))
			return
		}
		p.log.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("usage flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	atomic.AddInt64(&p.dropped, int64(len(batch)))
	p.log.Error().Err(err).Int("batch_size", len(batch)).Msg("usage batch dropped after retries")
}

func (p *Pipeline) drain() {
	batch := make([]Event, 0, p.config.BatchSize)
	for {
		select {
		case e := <-p.eventCh:
			batch = append(batch, e)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flush(batch)
			}
			return
		}
	}
}

// Stats exposes pipeline counters for health/metrics endpoints.
type Stats struct {
	Received int64 `json:"received"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Buffered int   `json:"buffered"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received: atomic.LoadInt64(&p.received),
		Written:  atomic.LoadInt64(&p.written),
		Dropped:  atomic.LoadInt64(&p.dropped),
		Buffered: len(p.eventCh),
	}
}

// LogSink writes events as structured JSON logs — the fallback sink when
// no ClickHouse DSN is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("sink", "log").Logger()}
}

func (s *LogSink) WriteEvents(_ context.Context, events []Event) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.log.Debug().RawJSON("event", data).Msg("usage_event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
