package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/osman-sultan/persona-ai/internal/policy"
)

// Document is one long-term memory entry.
type Document struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
	Similarity  float32   `json:"similarity,omitempty"`
}

// Embedder turns text into a vector. It shares chromem-go's function shape
// so library embedding funcs plug in directly.
type Embedder = chromem.EmbeddingFunc

// VectorBackend persists documents and answers nearest-neighbour queries
// inside a namespace.
type VectorBackend interface {
	Add(ctx context.Context, doc Document, embedding []float32) error
	// Search returns at most k documents, most similar first. An empty
	// namespace yields no documents and no error.
	Search(ctx context.Context, namespace string, embedding []float32, k int) ([]Document, error)
	Close() error
}

type LongTermOptions struct {
	TopK      int
	RedactPII bool
	Logger    *slog.Logger
	// OnDegraded is called when a query fails and an empty result is
	// returned in its place.
	OnDegraded func(err error)
}

// LongTermIndex is the append-only semantic memory of a persona.
type LongTermIndex struct {
	backend    VectorBackend
	embed      Embedder
	topK       int
	redact     bool
	logger     *slog.Logger
	onDegraded func(error)
}

func NewLongTermIndex(backend VectorBackend, embed Embedder, opt LongTermOptions) *LongTermIndex {
	if opt.TopK <= 0 {
		opt.TopK = 3
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &LongTermIndex{
		backend:    backend,
		embed:      embed,
		topK:       opt.TopK,
		redact:     opt.RedactPII,
		logger:     opt.Logger,
		onDegraded: opt.OnDegraded,
	}
}

// Query returns up to TopK documents relevant to window in namespace.
// Failures degrade to an empty result; turns proceed without long-term recall.
func (x *LongTermIndex) Query(ctx context.Context, window TranscriptWindow, namespace string) []Document {
	text := strings.TrimSpace(window.Text())
	if text == "" {
		return nil
	}
	docs, err := x.query(ctx, text, namespace)
	if err != nil {
		x.logger.Warn("long-term query degraded", "namespace", namespace, "error", err)
		if x.onDegraded != nil {
			x.onDegraded(err)
		}
		return nil
	}
	return docs
}

func (x *LongTermIndex) query(ctx context.Context, text, namespace string) ([]Document, error) {
	emb, err := x.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docs, err := x.backend.Search(ctx, namespace, emb, x.topK)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Upsert appends text as a new document. Earlier documents are never
// rewritten.
func (x *LongTermIndex) Upsert(ctx context.Context, namespace, text string) (Document, error) {
	doc := Document{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if x.redact {
		doc.Text, doc.PIIRedacted = policy.RedactPII(text)
	}
	emb, err := x.embed(ctx, doc.Text)
	if err != nil {
		return Document{}, fmt.Errorf("embed document: %w", err)
	}
	if err := x.backend.Add(ctx, doc, emb); err != nil {
		return Document{}, fmt.Errorf("add document: %w", err)
	}
	return doc, nil
}

func (x *LongTermIndex) Close() error {
	return x.backend.Close()
}

// JoinDocuments renders retrieved documents for the prompt, one per line.
func JoinDocuments(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Text)
	}
	return strings.Join(parts, "\n")
}
