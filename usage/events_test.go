package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-ai/gateway/usage"
)

type fakeSink struct {
	mu     sync.Mutex
	events []usage.Event
	fail   int
}

func (f *fakeSink) WriteEvents(_ context.Context, events []usage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return assert.AnError
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	sink := &fakeSink{}
	p := usage.NewPipeline(zerolog.Nop(), sink, usage.PipelineConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.Track(usage.Event{ID: "evt"})
	}

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPipelineFlushesOnTicker(t *testing.T) {
	sink := &fakeSink{}
	p := usage.NewPipeline(zerolog.Nop(), sink, usage.PipelineConfig{
		BufferSize:    100,
		BatchSize:     1000,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Track(usage.Event{ID: "evt"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipelineDropsWhenBufferFull(t *testing.T) {
	sink := &fakeSink{}
	p := usage.NewPipeline(zerolog.Nop(), sink, usage.PipelineConfig{
		BufferSize:    1,
		BatchSize:     1000,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Track(usage.Event{ID: "a"})
	p.Track(usage.Event{ID: "b"})
	p.Track(usage.Event{ID: "c"})

	require.Eventually(t, func() bool { return p.Stats().Dropped >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{fail: 1}
	p := usage.NewPipeline(zerolog.Nop(), sink, usage.PipelineConfig{
		BufferSize:    100,
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Track(usage.Event{ID: "retry-me"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), p.Stats().Dropped)
}

func TestPipelineStopDrainsRemaining(t *testing.T) {
	sink := &fakeSink{}
	p := usage.NewPipeline(zerolog.Nop(), sink, usage.PipelineConfig{
		BufferSize:    100,
		BatchSize:     1000,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())

	p.Track(usage.Event{ID: "left-in-buffer"})
	p.Stop()

	assert.Equal(t, 1, sink.count())
}
