// Package app wires configuration into a running chat service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osman-sultan/persona-ai/internal/config"
	"github.com/osman-sultan/persona-ai/internal/engine"
	"github.com/osman-sultan/persona-ai/internal/httpapi"
	"github.com/osman-sultan/persona-ai/internal/identity"
	"github.com/osman-sultan/persona-ai/internal/llm"
	"github.com/osman-sultan/persona-ai/internal/memory"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/ratelimit"
	"github.com/osman-sultan/persona-ai/internal/store"
)

// Backends names what Build selected, for the startup log line.
type Backends struct {
	Store     string
	History   string
	Vectors   string
	Embedder  string
	RateLimit string
	Model     string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Engine   *engine.Engine
	Metrics  *observability.Metrics
	Backends Backends

	// Cleanup releases every client handle Build opened. Call it once on shutdown.
	Cleanup func() error
}

// Build opens every backend named by cfg. On error nothing stays open.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	var closers closerStack
	fail := func(err error) (*BuildResult, error) {
		_ = closers.closeAll()
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("store init failed: %w", err))
	}
	closers.push(st.Close)

	history, err := memory.NewHistoryBackend(ctx, cfg.HistoryBackend, cfg.RedisURL, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("history backend init failed: %w", err))
	}
	shortTerm := memory.NewShortTermLog(history, memory.ShortTermOptions{
		Window:    cfg.HistoryWindow,
		Delimiter: cfg.SeedDelimiter,
		Logger:    logger,
	})
	closers.push(shortTerm.Close)

	embed, err := memory.NewEmbedder(cfg.EmbeddingProvider, cfg.EmbeddingModel, cfg.OpenAIAPIKey, cfg.OllamaURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return fail(fmt.Errorf("embedder init failed: %w", err))
	}
	if cfg.EmbeddingCacheSize > 0 {
		cache, err := memory.NewEmbeddingCache(embed, cfg.EmbeddingCacheSize)
		if err != nil {
			return fail(fmt.Errorf("embedding cache init failed: %w", err))
		}
		closers.pushExtra(func() error { cache.Close(); return nil })
		embed = cache.Embed
	}

	vectors, err := memory.NewVectorBackend(ctx, cfg.VectorBackend, cfg.VectorChromemPath, cfg.DatabaseURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return fail(fmt.Errorf("vector backend init failed: %w", err))
	}
	longTerm := memory.NewLongTermIndex(vectors, embed, memory.LongTermOptions{
		TopK:      cfg.VectorTopK,
		RedactPII: cfg.MemoryRedactPII,
		Logger:    logger,
		OnDegraded: func(error) {
			metrics.RetrievalErrors.Inc()
		},
	})
	closers.push(longTerm.Close)

	limiter, limiterKind, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		return fail(fmt.Errorf("rate limiter init failed: %w", err))
	}
	if closeLimiter != nil {
		closers.pushExtra(closeLimiter)
	}

	backend, err := llm.NewBackend(llm.Config{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		HTTPURL:         cfg.LLMHTTPURL,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		MaxTokens:       cfg.LLMMaxTokens,
		MaxPromptChars:  cfg.LLMMaxPromptChars,
	})
	if err != nil {
		return fail(fmt.Errorf("llm backend init failed: %w", err))
	}
	registry := llm.NewRegistry()
	registry.Register(backend)

	eng := engine.New(engine.Deps{
		Gate:      ratelimit.NewGate(limiter, cfg.RateLimitTimeout),
		Store:     st,
		ShortTerm: shortTerm,
		LongTerm:  longTerm,
		Backends:  registry,
		Metrics:   metrics,
		Logger:    logger,
		Closers:   closers.extras,
	}, engine.Options{
		Model:             backend.Model(),
		PersistTimeout:    cfg.PersistTimeout,
		StreamMaxDuration: cfg.StreamMaxDuration,
	})

	api := httpapi.New(eng, st, httpapi.Options{
		Identity: identity.NewHeaderProvider(cfg.IdentityUserHeader, cfg.IdentityNameHeader),
		Metrics:  metrics,
		Logger:   logger,
		Ready:    st.Ping,
	})

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Engine:  eng,
		Metrics: metrics,
		Backends: Backends{
			Store:     storeKind(cfg.DatabaseURL),
			History:   fmt.Sprintf("%T", history),
			Vectors:   fmt.Sprintf("%T", vectors),
			Embedder:  cfg.EmbeddingProvider,
			RateLimit: limiterKind,
			Model:     backend.Model(),
		},
		Cleanup: eng.Close,
	}, nil
}

func newLimiter(cfg config.Config) (ratelimit.Limiter, string, func() error, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.RateLimitBackend))
	if kind == "" || kind == "auto" {
		kind = "memory"
		if strings.TrimSpace(cfg.RedisURL) != "" {
			kind = "redis"
		}
	}
	switch kind {
	case "memory":
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow), kind, nil, nil
	case "redis":
		client, err := memory.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, "", nil, err
		}
		return ratelimit.NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow), kind, client.Close, nil
	default:
		return nil, "", nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimitBackend)
	}
}

func storeKind(databaseURL string) string {
	switch {
	case strings.TrimSpace(databaseURL) == "":
		return "memory"
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return "sqlite"
	default:
		return "postgres"
	}
}

// closerStack collects release funcs while Build runs. The engine closes
// the store and both memory tiers itself; extras are handed to it as
// additional closers.
type closerStack struct {
	all    []func() error
	extras []func() error
}

func (c *closerStack) push(fn func() error) {
	c.all = append(c.all, fn)
}

func (c *closerStack) pushExtra(fn func() error) {
	c.all = append(c.all, fn)
	c.extras = append(c.extras, fn)
}

// closeAll releases everything opened so far, newest first.
func (c *closerStack) closeAll() error {
	var errs []error
	for i := len(c.all) - 1; i >= 0; i-- {
		if err := c.all[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.all = nil
	return errors.Join(errs...)
}
