package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/osman-sultan/persona-ai/internal/reliability"
)

type HTTPConfig struct {
	URL            string
	Model          string
	MaxTokens      int
	MaxPromptChars int
	// Attempts bounds how often opening the stream is tried on retryable
	// statuses. Zero means three.
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Client      *http.Client
}

// HTTPBackend streams from an endpoint speaking SSE or NDJSON. Deltas may
// be OpenAI-compatible chat chunks or flat {"delta"} / {"text"} objects.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	client := cfg.Client
	if client == nil {
		// No overall timeout: streams are bounded by the caller's context.
		client = &http.Client{}
	}
	return &HTTPBackend{cfg: cfg, client: client}
}

var _ Backend = (*HTTPBackend)(nil)

func (b *HTTPBackend) Model() string       { return b.cfg.Model }
func (b *HTTPBackend) MaxPromptChars() int { return b.cfg.MaxPromptChars }

type httpRequest struct {
	Model     string        `json:"model,omitempty"`
	Prompt    string        `json:"prompt"`
	Messages  []httpMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

type httpMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.code, e.body)
}

func (b *HTTPBackend) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	payload, err := json.Marshal(httpRequest{
		Model:     b.cfg.Model,
		Prompt:    prompt,
		Messages:  []httpMessage{{Role: "user", Content: prompt}},
		MaxTokens: b.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	res, err := b.open(ctx, payload)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer res.Body.Close()

		ct := strings.ToLower(res.Header.Get("Content-Type"))
		if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
			consumeStream(ctx, res.Body, out)
			return
		}
		consumeBody(ctx, res.Body, out)
	}()
	return out, nil
}

func (b *HTTPBackend) open(ctx context.Context, payload []byte) (*http.Response, error) {
	backoff := reliability.Backoff{Base: b.cfg.BackoffBase, Cap: b.cfg.BackoffCap, Jitter: 0.2}
	var lastErr error
	for attempt := 0; attempt < b.cfg.Attempts; attempt++ {
		if attempt > 0 {
			var hint time.Duration
			var se *statusError
			if errors.As(lastErr, &se) {
				hint = se.retryAfter
			}
			wait := backoff.After(attempt-1, hint)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

		res, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		_ = res.Body.Close()
		lastErr = &statusError{
			code:       res.StatusCode,
			body:       strings.TrimSpace(string(body)),
			retryAfter: reliability.ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
		}
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// consumeStream reads SSE "data:" lines or bare NDJSON lines. Only a
// "[DONE]" marker or a {"done":true} object finishes the generation; a body
// that ends without one is reported as an error.
func consumeStream(ctx context.Context, body io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			emit(ctx, out, Chunk{Done: true})
			return
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if msg := errorMessage(obj); msg != "" {
				emit(ctx, out, Chunk{Err: fmt.Errorf("%w: %s", ErrUnavailable, msg)})
				return
			}
			delta = extractDelta(obj)
			if done, _ := obj["done"].(bool); done {
				if delta != "" && !emit(ctx, out, Chunk{Text: delta}) {
					return
				}
				emit(ctx, out, Chunk{Done: true})
				return
			}
		}
		if delta == "" {
			continue
		}
		if !emit(ctx, out, Chunk{Text: delta}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, out, Chunk{Err: fmt.Errorf("stream read: %w", err)})
		return
	}
	if ctx.Err() != nil {
		return
	}
	emit(ctx, out, Chunk{Err: errStreamEnded})
}

// errStreamEnded reports a stream body that closed before its end marker.
var errStreamEnded = fmt.Errorf("%w: stream ended without end marker", ErrUnavailable)

// consumeBody handles endpoints that answer with one JSON or plain body.
func consumeBody(ctx context.Context, body io.Reader, out chan<- Chunk) {
	raw, err := io.ReadAll(body)
	if err != nil {
		emit(ctx, out, Chunk{Err: fmt.Errorf("read response: %w", err)})
		return
	}
	text := string(raw)
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		text = extractDelta(obj)
		if text == "" {
			text = extractMessage(obj)
		}
	}
	if text != "" && !emit(ctx, out, Chunk{Text: text}) {
		return
	}
	emit(ctx, out, Chunk{Done: true})
}

func extractDelta(obj map[string]any) string {
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if s, ok := delta["content"].(string); ok {
					return s
				}
			}
			if s, ok := choice["text"].(string); ok {
				return s
			}
		}
		return ""
	}
	for _, k := range []string{"delta", "text", "response", "output"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}

func extractMessage(obj map[string]any) string {
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if s, ok := msg["content"].(string); ok {
					return s
				}
			}
		}
	}
	if s, ok := obj["message"].(string); ok {
		return s
	}
	return ""
}

func errorMessage(obj map[string]any) string {
	switch v := obj["error"].(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["message"].(string); ok {
			return s
		}
		return "upstream error"
	}
	return ""
}
