package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/osman-sultan/persona-ai/internal/completion"
	"github.com/osman-sultan/persona-ai/internal/llm"
	"github.com/osman-sultan/persona-ai/internal/memory"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/store"
)

// Turn is a prepared generation waiting to be relayed.
type Turn struct {
	ID        string
	Persona   store.Persona
	Key       memory.SessionKey
	Namespace string
	CallerID  string

	recent  memory.TranscriptWindow
	chunks  <-chan llm.Chunk
	cancel  context.CancelFunc
	engine  *Engine
	log     *slog.Logger
	started time.Time
	once    sync.Once
}

// Outcome summarizes a relayed turn.
type Outcome struct {
	Completion completion.Result
	Writeback  WritebackReport
}

// Relay streams the completion to sink and, once the backend signals the
// end of the generation, runs the writeback. A stream cut short by an
// error, cancellation or a failing sink writes nothing back.
func (t *Turn) Relay(ctx context.Context, sink completion.Sink) (Outcome, error) {
	var out Outcome
	err := errors.New("turn already relayed")
	t.once.Do(func() {
		out, err = t.relay(ctx, sink)
	})
	return out, err
}

// Abort releases the stream without relaying it.
func (t *Turn) Abort() {
	t.once.Do(func() {
		t.cancel()
		t.engine.deps.Metrics.ChatRequests.WithLabelValues("aborted").Inc()
	})
}

func (t *Turn) relay(ctx context.Context, sink completion.Sink) (Outcome, error) {
	e := t.engine
	m := e.deps.Metrics
	defer t.cancel()

	ctx, span := e.deps.Tracer.Start(ctx, "engine.relay")
	defer span.End()

	m.ActiveStreams.Inc()
	defer m.ActiveStreams.Dec()

	relayStart := time.Now()
	first := true
	counted := func(text string) error {
		if first {
			first = false
			m.ObserveStage(observability.StageFirstChunk, time.Since(relayStart))
		}
		m.StreamedBytes.Add(float64(len(text)))
		if sink == nil {
			return nil
		}
		return sink(text)
	}

	// The caller's context governs relaying; the stream's own context
	// already carries the upper bound.
	res, err := completion.Relay(ctx, t.chunks, counted)
	m.ObserveStage(observability.StageStream, time.Since(relayStart))
	out := Outcome{Completion: res}
	if err != nil {
		t.cancel()
		kind := BackendUnavailable
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			kind = InternalFailure
			m.ChatRequests.WithLabelValues("cancelled").Inc()
		} else {
			m.ChatRequests.WithLabelValues("truncated").Inc()
		}
		t.log.Warn("completion not received in full; skipping writeback",
			"relayed_bytes", res.Relayed,
			"error", err,
		)
		wrapped := fail(kind, "relay completion", err)
		span.RecordError(wrapped)
		return out, wrapped
	}

	out.Writeback = e.writeback(ctx, t, res.Text)
	m.ObserveStage(observability.StageTurnTotal, time.Since(t.started))
	m.ChatRequests.WithLabelValues("completed").Inc()
	t.log.Info("turn completed",
		"completion_chars", len(res.Text),
		"writeback", out.Writeback.Result(),
	)
	return out, nil
}
