// Package llm adapts streaming text-generation backends to one channel
// contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable reports a backend that could not serve the request.
var ErrUnavailable = errors.New("llm backend unavailable")

// Chunk is one element of a completion stream. Exactly one of Text, Err or
// Done is meaningful. A stream that closes without a Done chunk was cut
// short.
type Chunk struct {
	Text string
	Err  error
	Done bool
}

// Backend streams completions for one model.
type Backend interface {
	Model() string
	// MaxPromptChars is the longest prompt the backend accepts; zero means
	// no stated limit.
	MaxPromptChars() int
	// Stream starts a generation. The returned channel is closed by the
	// backend when the generation ends or ctx is done.
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// Config selects and tunes a backend.
type Config struct {
	Provider        string
	Model           string
	HTTPURL         string
	AnthropicAPIKey string
	MaxTokens       int
	MaxPromptChars  int
}

// NewBackend builds a backend from cfg. "auto" prefers Anthropic when a key
// is configured, then the HTTP endpoint, then the local echo backend.
func NewBackend(cfg Config) (Backend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "auto" {
		switch {
		case strings.TrimSpace(cfg.AnthropicAPIKey) != "":
			provider = "anthropic"
		case strings.TrimSpace(cfg.HTTPURL) != "":
			provider = "http"
		default:
			provider = "mock"
		}
	}

	switch provider {
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return nil, errors.New("anthropic api key is required for anthropic provider")
		}
		return NewAnthropicBackend(AnthropicConfig{
			APIKey:         cfg.AnthropicAPIKey,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			MaxPromptChars: cfg.MaxPromptChars,
		}), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("llm http url is required for http provider")
		}
		return NewHTTPBackend(HTTPConfig{
			URL:            cfg.HTTPURL,
			Model:          cfg.Model,
			MaxTokens:      cfg.MaxTokens,
			MaxPromptChars: cfg.MaxPromptChars,
		}), nil
	case "mock":
		return NewMockBackend(cfg.Model, cfg.MaxPromptChars), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// emit sends c unless ctx is done first.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
