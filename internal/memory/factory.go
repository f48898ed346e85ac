package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// NewHistoryBackend picks a transcript backend. "auto" prefers Redis, then
// Postgres, then the in-process list.
func NewHistoryBackend(ctx context.Context, kind, redisURL, databaseURL string) (HistoryBackend, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || kind == "auto" {
		switch {
		case strings.TrimSpace(redisURL) != "":
			kind = "redis"
		case strings.HasPrefix(databaseURL, "postgres"):
			kind = "postgres"
		default:
			kind = "memory"
		}
	}
	switch kind {
	case "memory":
		return NewMemoryHistory(), nil
	case "redis":
		client, err := NewRedisClient(redisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisHistory(client, true), nil
	case "postgres":
		return NewPostgresHistory(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unknown history backend %q", kind)
	}
}

// NewVectorBackend picks a document backend: "chromem" or "pgvector".
func NewVectorBackend(ctx context.Context, kind, chromemPath, databaseURL string, dim int) (VectorBackend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "chromem":
		return NewChromemBackend(chromemPath)
	case "pgvector":
		return NewPGVectorBackend(ctx, databaseURL, dim)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", kind)
	}
}

// NewEmbedder picks an embedding provider. "auto" uses OpenAI when a key
// is present and the hash embedder otherwise.
func NewEmbedder(provider, model, openAIKey, ollamaURL string, dim int) (Embedder, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "auto" {
		provider = "hash"
		if strings.TrimSpace(openAIKey) != "" {
			provider = "openai"
		}
	}
	switch provider {
	case "openai":
		return NewOpenAIEmbedder(openAIKey, model)
	case "ollama":
		return NewOllamaEmbedder(model, ollamaURL), nil
	case "hash":
		return NewHashEmbedder(dim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
