package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/philippgille/chromem-go"
)

// NewOpenAIEmbedder embeds through the OpenAI embeddings API.
func NewOpenAIEmbedder(apiKey, model string) (Embedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	if model == "" {
		model = string(chromem.EmbeddingModelOpenAI3Small)
	}
	return chromem.NewEmbeddingFuncOpenAI(apiKey, chromem.EmbeddingModelOpenAI(model)), nil
}

// NewOllamaEmbedder embeds through a local Ollama server.
func NewOllamaEmbedder(model, baseURL string) Embedder {
	return chromem.NewEmbeddingFuncOllama(model, baseURL)
}

// NewHashEmbedder returns a deterministic offline embedder. Identical texts
// map to identical vectors; it carries no semantic signal and is meant for
// local runs and tests.
func NewHashEmbedder(dim int) Embedder {
	if dim <= 0 {
		dim = 1536
	}
	return func(_ context.Context, text string) ([]float32, error) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		seed := h.Sum64()

		vec := make([]float32, dim)
		var norm float64
		for i := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			v := float64(int64(seed>>11))/float64(1<<52) - 1
			vec[i] = float32(v)
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return vec, nil
		}
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
		return vec, nil
	}
}

// EmbeddingCache memoizes an Embedder by text hash.
type EmbeddingCache struct {
	next  Embedder
	cache *ristretto.Cache
}

func NewEmbeddingCache(next Embedder, size int) (*EmbeddingCache, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &EmbeddingCache{next: next, cache: cache}, nil
}

// Embed satisfies Embedder.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.next(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

func (c *EmbeddingCache) Close() {
	c.cache.Close()
}
