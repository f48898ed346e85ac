package llm

import (
	"context"
	"strings"
)

// MockBackend streams a deterministic echo of the last prompt line, word by
// word. It keeps the service usable without a model provider.
type MockBackend struct {
	model          string
	maxPromptChars int
}

func NewMockBackend(model string, maxPromptChars int) *MockBackend {
	if model == "" {
		model = "mock"
	}
	return &MockBackend{model: model, maxPromptChars: maxPromptChars}
}

var _ Backend = (*MockBackend)(nil)

func (b *MockBackend) Model() string       { return b.model }
func (b *MockBackend) MaxPromptChars() int { return b.maxPromptChars }

func (b *MockBackend) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := buildMockReply(prompt)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if !emit(ctx, out, Chunk{Text: w}) {
				return
			}
		}
		emit(ctx, out, Chunk{Done: true})
	}()
	return out, nil
}

func buildMockReply(prompt string) string {
	last := ""
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "User: ") {
			last = strings.TrimSpace(strings.TrimPrefix(line, "User: "))
		}
	}
	if last == "" {
		return "I am listening."
	}
	return "I heard you: " + last
}
