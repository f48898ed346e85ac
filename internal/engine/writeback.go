package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/store"
)

// Writeback stages, in execution order.
const (
	WritebackShortTerm  = "short_term"
	WritebackLongTerm   = "long_term"
	WritebackRelational = "relational"
)

// WritebackReport records how far a writeback got.
type WritebackReport struct {
	Skipped bool
	// Completed lists stages that succeeded.
	Completed []string
	// Failed names the stage that stopped the writeback, if any.
	Failed string
	Err    error
}

func (r WritebackReport) Result() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Failed != "":
		return "partial_" + r.Failed
	default:
		return "ok"
	}
}

// writeback persists a complete generation: short-term append, long-term
// upsert of the recent transcript plus the reply, then the durable system
// message. It runs detached from the caller so a client that leaves after
// the last chunk cannot cut it short.
func (e *Engine) writeback(ctx context.Context, t *Turn, text string) WritebackReport {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) <= 1 {
		e.deps.Metrics.Writebacks.WithLabelValues("skipped").Inc()
		return WritebackReport{Skipped: true}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opt.PersistTimeout)
	defer cancel()

	var rep WritebackReport
	steps := []struct {
		name string
		run  func() error
	}{
		{WritebackShortTerm, func() error {
			return e.deps.ShortTerm.Append(ctx, t.Key, trimmed)
		}},
		{WritebackLongTerm, func() error {
			_, err := e.deps.LongTerm.Upsert(ctx, t.Namespace, t.recent.Text()+"\n"+trimmed)
			return err
		}},
		{WritebackRelational, func() error {
			_, err := e.deps.Store.AppendMessage(ctx, t.Persona.ID, store.Message{
				Role:    store.RoleSystem,
				Content: trimmed,
				UserID:  t.CallerID,
			})
			return err
		}},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			rep.Failed, rep.Err = s.name, err
			t.log.Error("partial writeback", "failed_stage", s.name, "completed", rep.Completed, "error", err)
			e.deps.Metrics.MarkIndicator("writeback_partial_" + s.name)
			break
		}
		rep.Completed = append(rep.Completed, s.name)
	}
	e.deps.Metrics.Writebacks.WithLabelValues(rep.Result()).Inc()
	e.deps.Metrics.ObserveStage(observability.StageWriteback, time.Since(start))
	return rep
}
