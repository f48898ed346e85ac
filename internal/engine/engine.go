// Package engine sequences a chat turn: rate gate, durable user message,
// seeding, short-term append, long-term recall, prompt assembly, streamed
// completion and writeback.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/osman-sultan/persona-ai/internal/identity"
	"github.com/osman-sultan/persona-ai/internal/llm"
	"github.com/osman-sultan/persona-ai/internal/memory"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/prompt"
	"github.com/osman-sultan/persona-ai/internal/ratelimit"
	"github.com/osman-sultan/persona-ai/internal/store"
)

// Deps are the client handles the engine owns for its lifetime.
type Deps struct {
	Gate      *ratelimit.Gate
	Store     store.Store
	ShortTerm *memory.ShortTermLog
	LongTerm  *memory.LongTermIndex
	Backends  *llm.Registry
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Tracer    trace.Tracer
	// Closers run on Close after the engine's own handles, in order.
	Closers []func() error
}

type Options struct {
	// Model picks the backend; empty uses the registry default.
	Model             string
	PersistTimeout    time.Duration
	StreamMaxDuration time.Duration
}

// Engine is safe for concurrent use; it holds no per-turn state.
type Engine struct {
	deps Deps
	opt  Options
	log  *slog.Logger
}

func New(deps Deps, opt Options) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.Tracer()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics("personaai")
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = 5 * time.Second
	}
	if opt.StreamMaxDuration <= 0 {
		opt.StreamMaxDuration = 5 * time.Minute
	}
	return &Engine{deps: deps, opt: opt, log: deps.Logger}
}

// ChatRequest is one inbound user message.
type ChatRequest struct {
	PersonaID string
	// Route is the logical route the request arrived on; it scopes rate limits.
	Route  string
	Caller identity.Caller
	Prompt string
}

// Prepare runs every step up to an open completion stream. On success the
// caller must call Turn.Relay or Turn.Abort exactly once.
func (e *Engine) Prepare(ctx context.Context, req ChatRequest) (*Turn, error) {
	started := time.Now()
	turnID := uuid.NewString()
	ctx, span := e.deps.Tracer.Start(ctx, "engine.prepare", trace.WithAttributes(
		attribute.String("persona_id", req.PersonaID),
		attribute.String("turn_id", turnID),
	))
	defer span.End()

	t, err := e.prepare(ctx, req, turnID)
	if err != nil {
		e.finish(span, err)
		return nil, err
	}
	t.started = started
	return t, nil
}

func (e *Engine) prepare(ctx context.Context, req ChatRequest, turnID string) (*Turn, error) {
	if !req.Caller.Valid() {
		return nil, fail(AuthenticationRequired, "identify caller", nil)
	}
	req.PersonaID = strings.TrimSpace(req.PersonaID)
	if req.PersonaID == "" {
		return nil, fail(ValidationFailed, "parse request", errors.New("persona id is required"))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fail(ValidationFailed, "parse request", errors.New("prompt is required"))
	}
	log := e.log.With("persona_id", req.PersonaID, "caller_id", req.Caller.ID, "turn_id", turnID)

	if err := e.stage(ctx, observability.StageRateCheck, func(ctx context.Context) error {
		d, err := e.deps.Gate.Admit(ctx, ratelimit.Identifier(req.Route, req.Caller.ID))
		if err != nil {
			e.deps.Metrics.RateDecisions.WithLabelValues("error").Inc()
			log.Warn("rate gate unavailable, rejecting", "error", err)
			return fail(RateLimitExceeded, "rate check", err)
		}
		if !d.Allowed {
			e.deps.Metrics.RateDecisions.WithLabelValues("denied").Inc()
			return fail(RateLimitExceeded, "rate check", nil)
		}
		e.deps.Metrics.RateDecisions.WithLabelValues("allowed").Inc()
		return nil
	}); err != nil {
		return nil, err
	}

	backend, err := e.deps.Backends.Lookup(e.opt.Model)
	if err != nil {
		return nil, fail(BackendUnavailable, "select backend", err)
	}

	var persona store.Persona
	if err := e.stage(ctx, observability.StagePersonaUpdate, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opt.PersistTimeout)
		defer cancel()
		p, err := e.deps.Store.AppendMessage(ctx, req.PersonaID, store.Message{
			Role:    store.RoleUser,
			Content: req.Prompt,
			UserID:  req.Caller.ID,
		})
		if errors.Is(err, store.ErrNotFound) {
			return fail(PersonaNotFound, "record user message", err)
		}
		if err != nil {
			return fail(InternalFailure, "record user message", err)
		}
		persona = p
		return nil
	}); err != nil {
		return nil, err
	}

	key := memory.Derive(persona.Name, req.Caller.ID, backend.Model())
	namespace := memory.PersonaNamespace(persona.Name)

	if err := e.stage(ctx, observability.StageSeed, func(ctx context.Context) error {
		seeded, err := e.deps.ShortTerm.EnsureSeeded(ctx, key, persona.Seed)
		if err != nil {
			return fail(InternalFailure, "seed transcript", err)
		}
		if seeded {
			e.deps.Metrics.SeedEvents.Inc()
		}
		if err := e.deps.ShortTerm.Append(ctx, key, "User: "+req.Prompt); err != nil {
			return fail(InternalFailure, "append user line", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var recent memory.TranscriptWindow
	if err := e.stage(ctx, observability.StageReadLatest, func(ctx context.Context) error {
		w, err := e.deps.ShortTerm.ReadLatest(ctx, key)
		if err != nil {
			return fail(InternalFailure, "read transcript", err)
		}
		recent = w
		return nil
	}); err != nil {
		return nil, err
	}

	var docs []memory.Document
	_ = e.stage(ctx, observability.StageRetrieve, func(ctx context.Context) error {
		docs = e.deps.LongTerm.Query(ctx, recent, namespace)
		return nil
	})

	var text string
	if err := e.stage(ctx, observability.StageAssemble, func(context.Context) error {
		text = prompt.Assemble(prompt.Input{
			PersonaName:      persona.Name,
			CallerName:       req.Caller.FirstName,
			Instructions:     persona.Instructions,
			RelevantHistory:  memory.JoinDocuments(docs),
			RecentTranscript: recent.Text(),
		})
		if err := prompt.Check(text, backend.MaxPromptChars()); err != nil {
			return fail(InputTooLarge, "assemble prompt", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// The stream outlives the request setup but never the caller; Relay
	// applies the hard upper bound.
	streamCtx, cancel := context.WithTimeout(ctx, e.opt.StreamMaxDuration)
	var chunks <-chan llm.Chunk
	if err := e.stage(ctx, observability.StageStreamOpen, func(context.Context) error {
		ch, err := backend.Stream(streamCtx, text)
		if err != nil {
			return fail(BackendUnavailable, "open completion stream", err)
		}
		chunks = ch
		return nil
	}); err != nil {
		cancel()
		return nil, err
	}

	log.Debug("turn prepared",
		"prompt_chars", len(text),
		"recent_lines", len(recent),
		"recalled_docs", len(docs),
		"model", backend.Model(),
	)
	return &Turn{
		ID:        turnID,
		Persona:   persona,
		Key:       key,
		Namespace: namespace,
		CallerID:  req.Caller.ID,
		recent:    recent,
		chunks:    chunks,
		cancel:    cancel,
		engine:    e,
		log:       log,
	}, nil
}

// Messages returns the durable turns between callerID and personaID.
func (e *Engine) Messages(ctx context.Context, personaID, callerID string) ([]store.Message, error) {
	msgs, err := e.deps.Store.ListMessages(ctx, personaID, callerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fail(PersonaNotFound, "list messages", err)
	}
	if err != nil {
		return nil, fail(InternalFailure, "list messages", err)
	}
	return msgs, nil
}

// Close releases every injected handle and returns the first error.
func (e *Engine) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if e.deps.ShortTerm != nil {
		keep(e.deps.ShortTerm.Close())
	}
	if e.deps.LongTerm != nil {
		keep(e.deps.LongTerm.Close())
	}
	if e.deps.Store != nil {
		keep(e.deps.Store.Close())
	}
	for _, c := range e.deps.Closers {
		keep(c())
	}
	return first
}

// stage times fn under a child span and the stage metrics.
func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.deps.Tracer.Start(ctx, "engine."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	e.deps.Metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	return err
}

func (e *Engine) finish(span trace.Span, err error) {
	kind := KindOf(err)
	e.deps.Metrics.ChatRequests.WithLabelValues(kind.String()).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	if kind == InternalFailure || kind == BackendUnavailable {
		e.log.Error("turn failed", "kind", kind.String(), "error", err)
		return
	}
	e.log.Info("turn rejected", "kind", kind.String(), "error", err)
}
