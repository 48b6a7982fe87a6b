package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// SSEEvent is one "event:"/"data:" block from a Server-Sent Events stream.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEEventReader turns the raw byte chunks a Stream yields into complete
// SSE events, buffering across Next() calls since HTTPStream makes no
// promise that a read lines up with an event boundary.
type SSEEventReader struct {
	stream Stream
	reader *bufio.Reader
	pr     *io.PipeReader
	pw     *io.PipeWriter
}

// NewSSEEventReader wraps a Stream for line-oriented SSE parsing.
func NewSSEEventReader(s Stream) *SSEEventReader {
	pr, pw := io.Pipe()
	r := &SSEEventReader{stream: s, reader: bufio.NewReader(pr), pr: pr, pw: pw}
	go r.pump()
	return r
}

func (r *SSEEventReader) pump() {
	for {
		chunk, err := r.stream.Next()
		if len(chunk) > 0 {
			if _, werr := r.pw.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			r.pw.CloseWithError(err)
			return
		}
	}
}

// Next reads and returns the next complete SSE event, returning io.EOF
// when the upstream stream closes cleanly.
func (r *SSEEventReader) Next() (*SSEEvent, error) {
	ev := &SSEEvent{}
	var dataLines []string
	sawAny := false

	for {
		line, err := r.reader.ReadString('\n')
		line = strings.TrimRightFunc(line, isCR)
		if line != "" {
			sawAny = true
			switch {
			case strings.HasPrefix(line, "event:"):
				ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err != nil {
			if sawAny {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			return nil, err
		}
		if line == "" && sawAny {
			ev.Data = strings.Join(dataLines, "\n")
			return ev, nil
		}
	}
}

// Close releases the underlying stream and pipe.
func (r *SSEEventReader) Close() error {
	r.pw.Close()
	r.pr.Close()
	return r.stream.Close()
}

func isCR(r rune) bool { return r == '\r' }

// StreamChunk is the canonical incremental-delta shape the orchestrator's
// SSE re-framer emits, after per-vendor normalization.
type StreamChunk struct {
	ID           string
	Model        string
	ContentDelta string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *Usage // only set on the terminal chunk
	Done         bool
}

// DecodeStreamEvent parses one vendor-native SSE event into the canonical
// StreamChunk shape. Vendors that send multiple small events per token
// (Anthropic, Gemini) are collapsed to a content delta or ignored when the
// event carries no client-visible delta.
func DecodeStreamEvent(vendor string, ev *SSEEvent) (*StreamChunk, bool) {
	switch vendor {
	case "anthropic":
		return decodeAnthropicEvent(ev)
	case "google":
		return decodeGeminiEvent(ev)
	default:
		return decodeOpenAIEvent(ev)
	}
}

func decodeOpenAIEvent(ev *SSEEvent) (*StreamChunk, bool) {
	if ev.Data == "[DONE]" {
		return &StreamChunk{Done: true}, true
	}
	var raw struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content   string     `json:"content"`
				ToolCalls []ToolCall `json:"tool_calls"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &raw); err != nil {
		return nil, false
	}
	chunk := &StreamChunk{ID: raw.ID, Model: raw.Model, Usage: raw.Usage}
	if len(raw.Choices) > 0 {
		chunk.ContentDelta = raw.Choices[0].Delta.Content
		chunk.ToolCalls = raw.Choices[0].Delta.ToolCalls
		chunk.FinishReason = raw.Choices[0].FinishReason
	}
	return chunk, true
}

func decodeAnthropicEvent(ev *SSEEvent) (*StreamChunk, bool) {
	switch ev.Event {
	case "content_block_delta":
		var payload struct {
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil, false
		}
		return &StreamChunk{ContentDelta: payload.Delta.Text}, true
	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage *struct {
				InputTokens              int `json:"input_tokens"`
				OutputTokens             int `json:"output_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return nil, false
		}
		chunk := &StreamChunk{FinishReason: payload.Delta.StopReason}
		if u := payload.Usage; u != nil {
			chunk.Usage = &Usage{
				PromptTokens:             u.InputTokens,
				CompletionTokens:         u.OutputTokens,
				TotalTokens:              u.InputTokens + u.OutputTokens,
				CacheCreationInputTokens: u.CacheCreationInputTokens,
				CacheReadInputTokens:     u.CacheReadInputTokens,
			}
		}
		return chunk, true
	case "message_stop":
		return &StreamChunk{Done: true}, true
	default:
		return nil, false
	}
}

func decodeGeminiEvent(ev *SSEEvent) (*StreamChunk, bool) {
	var payload struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
			CachedContentTokenCount int `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return nil, false
	}
	chunk := &StreamChunk{}
	if len(payload.Candidates) > 0 {
		c := payload.Candidates[0]
		for _, p := range c.Content.Parts {
			chunk.ContentDelta += p.Text
		}
		chunk.FinishReason = c.FinishReason
	}
	if payload.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:            payload.UsageMetadata.PromptTokenCount,
			CompletionTokens:        payload.UsageMetadata.CandidatesTokenCount,
			TotalTokens:             payload.UsageMetadata.TotalTokenCount,
			CachedContentTokenCount: payload.UsageMetadata.CachedContentTokenCount,
		}
	}
	if chunk.FinishReason != "" {
		chunk.Done = chunk.Usage != nil
	}
	return chunk, true
}
