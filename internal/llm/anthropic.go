package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	MaxPromptChars int
}

// AnthropicBackend streams from the Anthropic Messages API.
type AnthropicBackend struct {
	client         anthropic.Client
	model          string
	maxTokens      int64
	maxPromptChars int
}

func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &AnthropicBackend{
		client:         anthropic.NewClient(opts...),
		model:          cfg.Model,
		maxTokens:      int64(cfg.MaxTokens),
		maxPromptChars: cfg.MaxPromptChars,
	}
}

var _ Backend = (*AnthropicBackend)(nil)

func (b *AnthropicBackend) Model() string       { return b.model }
func (b *AnthropicBackend) MaxPromptChars() int { return b.maxPromptChars }

func (b *AnthropicBackend) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	stream := b.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		stopped := false
		for stream.Next() {
			event := stream.Current()
			switch evt := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !emit(ctx, out, Chunk{Text: delta.Text}) {
						return
					}
				}
			case anthropic.MessageStopEvent:
				stopped = true
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, out, Chunk{Err: fmt.Errorf("%w: anthropic stream: %v", ErrUnavailable, err)})
			return
		}
		if stopped {
			emit(ctx, out, Chunk{Done: true})
		}
	}()
	return out, nil
}
