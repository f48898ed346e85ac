package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osman-sultan/persona-ai/internal/identity"
	"github.com/osman-sultan/persona-ai/internal/llm"
	"github.com/osman-sultan/persona-ai/internal/memory"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/ratelimit"
	"github.com/osman-sultan/persona-ai/internal/store"
)

type scriptedBackend struct {
	mu       sync.Mutex
	chunks   []llm.Chunk
	maxChars int
	prompts  []string
}

func (b *scriptedBackend) Model() string       { return "test-model" }
func (b *scriptedBackend) MaxPromptChars() int { return b.maxChars }

func (b *scriptedBackend) Stream(ctx context.Context, prompt string) (<-chan llm.Chunk, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, prompt)
	chunks := append([]llm.Chunk(nil), b.chunks...)
	b.mu.Unlock()

	out := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (b *scriptedBackend) lastPrompt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prompts) == 0 {
		return ""
	}
	return b.prompts[len(b.prompts)-1]
}

type countingVectors struct {
	memory.VectorBackend
	mu   sync.Mutex
	adds int
}

func (c *countingVectors) Add(ctx context.Context, doc memory.Document, emb []float32) error {
	c.mu.Lock()
	c.adds++
	c.mu.Unlock()
	return c.VectorBackend.Add(ctx, doc, emb)
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string) (bool, error) { return false, d.err }

type failingSystemStore struct{ store.Store }

func (s failingSystemStore) AppendMessage(ctx context.Context, personaID string, m store.Message) (store.Persona, error) {
	if m.Role == store.RoleSystem {
		return store.Persona{}, errors.New("database gone")
	}
	return s.Store.AppendMessage(ctx, personaID, m)
}

type harness struct {
	engine  *Engine
	store   store.Store
	history *memory.MemoryHistory
	vectors *countingVectors
	backend *scriptedBackend
	persona store.Persona
	caller  identity.Caller
}

type harnessOption func(*Deps, *harness)

func withLimiter(l ratelimit.Limiter) harnessOption {
	return func(d *Deps, _ *harness) { d.Gate = ratelimit.NewGate(l, time.Second) }
}

func withBackend(b llm.Backend) harnessOption {
	return func(d *Deps, _ *harness) {
		registry := llm.NewRegistry()
		registry.Register(b)
		d.Backends = registry
	}
}

func withStore(wrap func(store.Store) store.Store) harnessOption {
	return func(d *Deps, _ *harness) { d.Store = wrap(d.Store) }
}

func newHarness(t *testing.T, chunks []llm.Chunk, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	persona, err := st.CreatePersona(ctx, store.Persona{
		UserID:       "owner",
		Name:         "Lionel",
		Instructions: "You are Lionel Messi.",
		Seed:         "Fan: Hi\nLionel: Hello\n",
		CategoryID:   "sports",
	})
	if err != nil {
		t.Fatalf("CreatePersona() error = %v", err)
	}

	chromemBackend, err := memory.NewChromemBackend("")
	if err != nil {
		t.Fatalf("NewChromemBackend() error = %v", err)
	}
	vectors := &countingVectors{VectorBackend: chromemBackend}
	history := memory.NewMemoryHistory()
	backend := &scriptedBackend{chunks: chunks}
	registry := llm.NewRegistry()
	registry.Register(backend)

	h := &harness{store: st, history: history, vectors: vectors, backend: backend, persona: persona,
		caller: identity.Caller{ID: "fan-1", FirstName: "Sam"}}

	deps := Deps{
		Gate:      ratelimit.NewGate(ratelimit.NewMemoryLimiter(100, time.Minute), time.Second),
		Store:     st,
		ShortTerm: memory.NewShortTermLog(history, memory.ShortTermOptions{Window: 30, Delimiter: "\n"}),
		LongTerm:  memory.NewLongTermIndex(vectors, memory.NewHashEmbedder(32), memory.LongTermOptions{TopK: 3}),
		Backends:  registry,
		Metrics:   observability.NewMetrics("engine_test"),
	}
	for _, o := range opts {
		o(&deps, h)
	}
	h.engine = New(deps, Options{PersistTimeout: time.Second, StreamMaxDuration: 5 * time.Second})
	return h
}

func (h *harness) request(prompt string) ChatRequest {
	return ChatRequest{PersonaID: h.persona.ID, Route: "/chat/" + h.persona.ID, Caller: h.caller, Prompt: prompt}
}

func (h *harness) key() memory.SessionKey {
	return memory.Derive("Lionel", h.caller.ID, "test-model")
}

func (h *harness) transcript(t *testing.T) []string {
	t.Helper()
	lines, err := h.history.Range(context.Background(), h.key().String(), 100)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	return lines
}

func (h *harness) messages(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), h.persona.ID, h.caller.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func runTurn(t *testing.T, h *harness, prompt string) (string, Outcome, error) {
	t.Helper()
	turn, err := h.engine.Prepare(context.Background(), h.request(prompt))
	if err != nil {
		return "", Outcome{}, err
	}
	var relayed strings.Builder
	out, err := turn.Relay(context.Background(), func(s string) error {
		relayed.WriteString(s)
		return nil
	})
	return relayed.String(), out, err
}

func complete(text ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(text)+1)
	for _, s := range text {
		out = append(out, llm.Chunk{Text: s})
	}
	return append(out, llm.Chunk{Done: true})
}

func TestFirstTurnSeedsAppendsAndWritesBack(t *testing.T) {
	h := newHarness(t, complete("Hey ", "there, how are you?"))

	relayed, out, err := runTurn(t, h, "Hi Lionel")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	if relayed != "Hey there, how are you?" {
		t.Fatalf("relayed = %q", relayed)
	}
	if out.Writeback.Result() != "ok" {
		t.Fatalf("writeback = %+v, want ok", out.Writeback)
	}

	lines := h.transcript(t)
	want := []string{"Fan: Hi", "Lionel: Hello", "User: Hi Lionel", "Hey there, how are you?"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("transcript = %q, want %q", lines, want)
	}

	p := h.backend.lastPrompt()
	if strings.Contains(p, "relevant details") {
		t.Fatalf("first turn prompt must omit the relevant history block:\n%s", p)
	}
	if !strings.Contains(p, "You are Lionel Messi.") || !strings.Contains(p, "Fan: Hi\nLionel: Hello\nUser: Hi Lionel") {
		t.Fatalf("prompt missing instructions or transcript:\n%s", p)
	}
	if !strings.Contains(p, "currently talking to Sam") {
		t.Fatalf("prompt missing caller name:\n%s", p)
	}

	msgs := h.messages(t)
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleSystem {
		t.Fatalf("messages = %+v, want user then system", msgs)
	}
	if h.vectors.adds != 1 {
		t.Fatalf("upserts = %d, want 1", h.vectors.adds)
	}
}

func TestSecondTurnRecallsLongTermMemory(t *testing.T) {
	h := newHarness(t, complete("Great to meet you."))
	if _, _, err := runTurn(t, h, "Hi"); err != nil {
		t.Fatalf("first turn error = %v", err)
	}
	if _, _, err := runTurn(t, h, "Remember me?"); err != nil {
		t.Fatalf("second turn error = %v", err)
	}
	p := h.backend.lastPrompt()
	if !strings.Contains(p, "Below are relevant details about Lionel's past") {
		t.Fatalf("second prompt should include recalled history:\n%s", p)
	}
	if got := len(h.transcript(t)); got != 6 {
		t.Fatalf("transcript lines = %d, want 6 (seed not repeated)", got)
	}
}

func TestRateDeniedLeavesNoTrace(t *testing.T) {
	h := newHarness(t, complete("never"), withLimiter(denyLimiter{}))

	_, _, err := runTurn(t, h, "Hi")
	if KindOf(err) != RateLimitExceeded {
		t.Fatalf("kind = %v, want RateLimitExceeded (err %v)", KindOf(err), err)
	}
	if n := len(h.transcript(t)); n != 0 {
		t.Fatalf("transcript lines = %d, want 0", n)
	}
	if n := len(h.messages(t)); n != 0 {
		t.Fatalf("messages = %d, want 0", n)
	}
	if h.vectors.adds != 0 {
		t.Fatalf("upserts = %d, want 0", h.vectors.adds)
	}
}

func TestRateGateFailureFailsClosed(t *testing.T) {
	h := newHarness(t, complete("never"), withLimiter(denyLimiter{err: errors.New("redis down")}))
	_, _, err := runTurn(t, h, "Hi")
	if KindOf(err) != RateLimitExceeded {
		t.Fatalf("kind = %v, want RateLimitExceeded", KindOf(err))
	}
	if !errors.Is(err, ratelimit.ErrUnavailable) {
		t.Fatalf("err = %v, want wrapped ErrUnavailable", err)
	}
}

func TestTruncatedStreamSkipsWriteback(t *testing.T) {
	h := newHarness(t, []llm.Chunk{{Text: "Hello"}, {Text: " the"}})

	relayed, _, err := runTurn(t, h, "Hi")
	if KindOf(err) != BackendUnavailable {
		t.Fatalf("kind = %v, want BackendUnavailable (err %v)", KindOf(err), err)
	}
	if relayed != "Hello the" {
		t.Fatalf("caller saw %q, want partial text", relayed)
	}
	for _, line := range h.transcript(t) {
		if strings.Contains(line, "Hello the") {
			t.Fatalf("partial text leaked into transcript: %q", h.transcript(t))
		}
	}
	if n := len(h.transcript(t)); n != 3 {
		t.Fatalf("transcript lines = %d, want 3", n)
	}
	if msgs := h.messages(t); len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("messages = %+v, want only the user row", msgs)
	}
	if h.vectors.adds != 0 {
		t.Fatalf("upserts = %d, want 0", h.vectors.adds)
	}
}

func TestHTTPStreamEndingWithoutMarkerSkipsWriteback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello the\"}}]}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer upstream.Close()

	h := newHarness(t, nil, withBackend(llm.NewHTTPBackend(llm.HTTPConfig{URL: upstream.URL, Model: "test-model"})))

	relayed, _, err := runTurn(t, h, "Hi")
	if KindOf(err) != BackendUnavailable {
		t.Fatalf("kind = %v, want BackendUnavailable (err %v)", KindOf(err), err)
	}
	if relayed != "Hello the" {
		t.Fatalf("caller saw %q, want partial text", relayed)
	}
	if n := len(h.transcript(t)); n != 3 {
		t.Fatalf("transcript lines = %d, want 3: %q", n, h.transcript(t))
	}
	if msgs := h.messages(t); len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("messages = %+v, want only the user row", msgs)
	}
	if h.vectors.adds != 0 {
		t.Fatalf("upserts = %d, want 0", h.vectors.adds)
	}
}

func TestDegenerateCompletionSkipsWriteback(t *testing.T) {
	h := newHarness(t, complete(" k "))

	_, out, err := runTurn(t, h, "Hi")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	if !out.Writeback.Skipped {
		t.Fatalf("writeback = %+v, want skipped", out.Writeback)
	}
	if n := len(h.transcript(t)); n != 3 {
		t.Fatalf("transcript lines = %d, want 3", n)
	}
	if msgs := h.messages(t); len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (user only)", len(msgs))
	}
	if h.vectors.adds != 0 {
		t.Fatalf("upserts = %d, want 0", h.vectors.adds)
	}
}

func TestPartialWritebackRecordsFailedStage(t *testing.T) {
	h := newHarness(t, complete("Hello again"), withStore(func(s store.Store) store.Store {
		return failingSystemStore{Store: s}
	}))

	_, out, err := runTurn(t, h, "Hi")
	if err != nil {
		t.Fatalf("turn error = %v", err)
	}
	rep := out.Writeback
	if rep.Failed != WritebackRelational || len(rep.Completed) != 2 {
		t.Fatalf("writeback = %+v, want relational failure after two stages", rep)
	}
	if rep.Result() != "partial_relational" {
		t.Fatalf("Result() = %q", rep.Result())
	}
}

func TestPersonaNotFound(t *testing.T) {
	h := newHarness(t, complete("never"))
	req := h.request("Hi")
	req.PersonaID = "missing"
	_, err := h.engine.Prepare(context.Background(), req)
	if KindOf(err) != PersonaNotFound {
		t.Fatalf("kind = %v, want PersonaNotFound", KindOf(err))
	}
	if n := len(h.transcript(t)); n != 0 {
		t.Fatalf("transcript lines = %d, want 0", n)
	}
}

func TestPrepareRejectsBadRequests(t *testing.T) {
	h := newHarness(t, complete("never"))

	req := h.request("Hi")
	req.Caller = identity.Caller{ID: "x"}
	if _, err := h.engine.Prepare(context.Background(), req); KindOf(err) != AuthenticationRequired {
		t.Fatalf("missing first name kind = %v, want AuthenticationRequired", KindOf(err))
	}
	if _, err := h.engine.Prepare(context.Background(), h.request("   ")); KindOf(err) != ValidationFailed {
		t.Fatalf("blank prompt kind = %v, want ValidationFailed", KindOf(err))
	}
}

func TestPromptOverBackendLimit(t *testing.T) {
	h := newHarness(t, complete("never"))
	h.backend.maxChars = 20
	_, err := h.engine.Prepare(context.Background(), h.request("Hi"))
	if KindOf(err) != InputTooLarge {
		t.Fatalf("kind = %v, want InputTooLarge", KindOf(err))
	}
}

func TestCallerCancellationSkipsWriteback(t *testing.T) {
	h := newHarness(t, complete("Hello", " there"))
	turn, err := h.engine.Prepare(context.Background(), h.request("Hi"))
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	_, err = turn.Relay(ctx, func(string) error {
		cancel()
		return context.Canceled
	})
	if err == nil {
		t.Fatalf("Relay() error = nil, want cancellation")
	}
	if n := len(h.transcript(t)); n != 3 {
		t.Fatalf("transcript lines = %d, want 3", n)
	}
	if _, err := turn.Relay(context.Background(), nil); err == nil {
		t.Fatalf("second Relay() should fail")
	}
}

func TestMessages(t *testing.T) {
	h := newHarness(t, complete("Hello there"))
	if _, _, err := runTurn(t, h, "Hi"); err != nil {
		t.Fatalf("turn error = %v", err)
	}
	msgs, err := h.engine.Messages(context.Background(), h.persona.ID, h.caller.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Messages() = %d, %v; want 2, nil", len(msgs), err)
	}
	if _, err := h.engine.Messages(context.Background(), "missing", h.caller.ID); KindOf(err) != PersonaNotFound {
		t.Fatalf("Messages(missing) kind = %v", KindOf(err))
	}
}
