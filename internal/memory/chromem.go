package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

var errNoEmbedder = errors.New("chromem: documents must carry embeddings")

// ChromemBackend keeps one chromem collection per namespace.
type ChromemBackend struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemBackend opens an in-process store. A non-empty path makes it
// persistent on disk.
func NewChromemBackend(path string) (*ChromemBackend, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemBackend{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

var _ VectorBackend = (*ChromemBackend)(nil)

func (b *ChromemBackend) collection(namespace string) (*chromem.Collection, error) {
	b.mu.RLock()
	col, ok := b.collections[namespace]
	b.mu.RUnlock()
	if ok {
		return col, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if col, ok := b.collections[namespace]; ok {
		return col, nil
	}
	col, err := b.db.GetOrCreateCollection(namespace, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", namespace, err)
	}
	b.collections[namespace] = col
	return col, nil
}

func (b *ChromemBackend) Add(ctx context.Context, doc Document, embedding []float32) error {
	col, err := b.collection(doc.Namespace)
	if err != nil {
		return err
	}
	meta := map[string]string{
		"namespace":  doc.Namespace,
		"created_at": doc.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if doc.PIIRedacted {
		meta["pii_redacted"] = "true"
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Text,
		Metadata:  meta,
		Embedding: embedding,
	})
}

func (b *ChromemBackend) Search(ctx context.Context, namespace string, embedding []float32, k int) ([]Document, error) {
	col, err := b.collection(namespace)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the collection size.
	if n := col.Count(); n < k {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		created, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		docs = append(docs, Document{
			ID:          r.ID,
			Namespace:   namespace,
			Text:        r.Content,
			PIIRedacted: r.Metadata["pii_redacted"] == "true",
			CreatedAt:   created,
			Similarity:  r.Similarity,
		})
	}
	return docs, nil
}

func (b *ChromemBackend) Close() error { return nil }

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}
