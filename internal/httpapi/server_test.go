package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osman-sultan/persona-ai/internal/engine"
	"github.com/osman-sultan/persona-ai/internal/llm"
	"github.com/osman-sultan/persona-ai/internal/memory"
	"github.com/osman-sultan/persona-ai/internal/observability"
	"github.com/osman-sultan/persona-ai/internal/protocol"
	"github.com/osman-sultan/persona-ai/internal/ratelimit"
	"github.com/osman-sultan/persona-ai/internal/store"
)

type fixture struct {
	ts      *httptest.Server
	store   store.Store
	persona store.Persona
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, limit, Options{})
}

func newFixtureWithOptions(t *testing.T, limit int, opt Options) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	persona, err := st.CreatePersona(ctx, store.Persona{
		UserID:       "owner",
		UserName:     "Olive",
		Src:          "https://img.example/lionel.png",
		Name:         "Lionel",
		Description:  "Footballer",
		Instructions: "You are Lionel Messi.",
		Seed:         "Fan: Hi\nLionel: Hello",
		CategoryID:   "sports",
	})
	if err != nil {
		t.Fatalf("CreatePersona() error = %v", err)
	}

	vectors, err := memory.NewChromemBackend("")
	if err != nil {
		t.Fatalf("NewChromemBackend() error = %v", err)
	}
	registry := llm.NewRegistry()
	registry.Register(llm.NewMockBackend("mock", 0))
	metrics := observability.NewMetrics("httpapi_test")

	eng := engine.New(engine.Deps{
		Gate:      ratelimit.NewGate(ratelimit.NewMemoryLimiter(limit, time.Minute), time.Second),
		Store:     st,
		ShortTerm: memory.NewShortTermLog(memory.NewMemoryHistory(), memory.ShortTermOptions{}),
		LongTerm:  memory.NewLongTermIndex(vectors, memory.NewHashEmbedder(16), memory.LongTermOptions{TopK: 3}),
		Backends:  registry,
		Metrics:   metrics,
	}, engine.Options{PersistTimeout: time.Second})

	opt.Metrics = metrics
	opt.Ready = st.Ping
	srv := New(eng, st, opt)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, persona: persona}
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
		req.Header.Set("X-User-First-Name", "Sam")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeError(t *testing.T, res *http.Response) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, 10)
	for _, path := range []string{"/healthz", "/readyz"} {
		res := f.do(t, http.MethodGet, path, "", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
	}
}

func TestReadinessReportsDependencyFailure(t *testing.T) {
	srv := New(nil, store.NewMemoryStore(), Options{
		Metrics: observability.NewMetrics("httpapi_ready_test"),
		Ready:   func(context.Context) error { return errors.New("db down") },
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestChatRequiresIdentity(t *testing.T) {
	f := newFixture(t, 10)
	res := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "", map[string]string{"prompt": "hi"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestChatRejectsMissingPrompt(t *testing.T) {
	f := newFixture(t, 10)
	res := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "fan-1", map[string]string{"prompt": "   "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if got := decodeError(t, res).Code; got != "invalid_request" {
		t.Fatalf("code = %q, want invalid_request", got)
	}
}

func TestChatStreamsReplyAndRecordsMessages(t *testing.T) {
	f := newFixture(t, 10)
	res := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "fan-1", map[string]string{"prompt": "hello there"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.Header.Get("X-Turn-Id") == "" {
		t.Fatalf("missing X-Turn-Id header")
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got, want := string(body), "I heard you: hello there"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}

	msgs := f.do(t, http.MethodGet, "/chat/"+f.persona.ID+"/messages", "fan-1", nil)
	if msgs.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d, want %d", msgs.StatusCode, http.StatusOK)
	}
	var listed struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(msgs.Body).Decode(&listed); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(listed.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(listed.Messages))
	}
	if listed.Messages[0].Role != store.RoleUser || listed.Messages[1].Role != store.RoleSystem {
		t.Fatalf("roles = %q,%q, want user,system", listed.Messages[0].Role, listed.Messages[1].Role)
	}
	if listed.Messages[1].Content != "I heard you: hello there" {
		t.Fatalf("system content = %q", listed.Messages[1].Content)
	}
}

func TestChatRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	first := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "fan-1", map[string]string{"prompt": "one"})
	_, _ = io.ReadAll(first.Body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want %d", first.StatusCode, http.StatusOK)
	}
	second := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "fan-1", map[string]string{"prompt": "two"})
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", second.StatusCode, http.StatusTooManyRequests)
	}
	if got := decodeError(t, second).Code; got != "rate_limited" {
		t.Fatalf("code = %q, want rate_limited", got)
	}
}

func TestChatUnknownPersona(t *testing.T) {
	f := newFixture(t, 10)
	res := f.do(t, http.MethodPost, "/chat/missing", "fan-1", map[string]string{"prompt": "hi"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		kind engine.Kind
		want int
	}{
		{engine.AuthenticationRequired, http.StatusUnauthorized},
		{engine.ValidationFailed, http.StatusBadRequest},
		{engine.RateLimitExceeded, http.StatusTooManyRequests},
		{engine.PersonaNotFound, http.StatusNotFound},
		{engine.InputTooLarge, http.StatusRequestEntityTooLarge},
		{engine.BackendUnavailable, http.StatusBadGateway},
		{engine.InternalFailure, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _, msg := statusFor(&engine.Error{Kind: tc.kind, Op: "test", Err: errors.New("secret detail")})
		if status != tc.want {
			t.Fatalf("statusFor(%s) = %d, want %d", tc.kind, status, tc.want)
		}
		if strings.Contains(msg, "secret") {
			t.Fatalf("statusFor(%s) leaked cause into %q", tc.kind, msg)
		}
	}
}

func TestPersonaLifecycle(t *testing.T) {
	f := newFixture(t, 10)
	create := map[string]string{
		"src":          "https://img.example/ada.png",
		"name":         "Ada",
		"description":  "Mathematician",
		"instructions": "You are Ada Lovelace.",
		"seed":         "Fan: Hi\nAda: Hello",
		"categoryId":   "science",
	}

	res := f.do(t, http.MethodPost, "/persona", "creator", create)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created store.Persona
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode persona: %v", err)
	}
	if created.ID == "" || created.UserID != "creator" || created.UserName != "Sam" {
		t.Fatalf("created = %+v, want id and caller ownership", created)
	}

	get := f.do(t, http.MethodGet, "/persona/"+created.ID, "someone", nil)
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", get.StatusCode, http.StatusOK)
	}

	create["description"] = "Analyst"
	notOwner := f.do(t, http.MethodPatch, "/persona/"+created.ID, "intruder", create)
	if notOwner.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign patch status = %d, want %d", notOwner.StatusCode, http.StatusNotFound)
	}
	patch := f.do(t, http.MethodPatch, "/persona/"+created.ID, "creator", create)
	if patch.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want %d", patch.StatusCode, http.StatusOK)
	}
	var updated store.Persona
	if err := json.NewDecoder(patch.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Description != "Analyst" {
		t.Fatalf("Description = %q, want Analyst", updated.Description)
	}

	del := f.do(t, http.MethodDelete, "/persona/"+created.ID, "creator", nil)
	if del.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", del.StatusCode, http.StatusOK)
	}
	gone := f.do(t, http.MethodGet, "/persona/"+created.ID, "creator", nil)
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", gone.StatusCode, http.StatusNotFound)
	}
}

func TestCreatePersonaMissingFields(t *testing.T) {
	f := newFixture(t, 10)
	res := f.do(t, http.MethodPost, "/persona", "creator", map[string]string{"name": "Ada"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if got := decodeError(t, res).Error; !strings.HasPrefix(got, "Missing required fields") {
		t.Fatalf("error = %q, want missing fields message", got)
	}
}

func TestMetricsAndLatencyEndpoints(t *testing.T) {
	f := newFixture(t, 10)
	chat := f.do(t, http.MethodPost, "/chat/"+f.persona.ID, "fan-1", map[string]string{"prompt": "hi"})
	_, _ = io.ReadAll(chat.Body)

	metrics := f.do(t, http.MethodGet, "/metrics", "", nil)
	raw, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(raw), "httpapi_test_chat_requests_total") {
		t.Fatalf("metrics output missing chat request counter")
	}

	perf := f.do(t, http.MethodGet, "/v1/perf/latency", "", nil)
	if perf.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want %d", perf.StatusCode, http.StatusOK)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(perf.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency snapshot: %v", err)
	}
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageTurnTotal && st.Samples > 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot missing %s samples: %+v", observability.StageTurnTotal, snap.Stages)
	}
}

func TestChatWebsocketTurn(t *testing.T) {
	f := newFixture(t, 10)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/chat/" + f.persona.ID + "/ws"
	header := http.Header{}
	header.Set("X-User-Id", "fan-ws")
	header.Set("X-User-First-Name", "Sam")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer res.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientPrompt{Type: protocol.TypeClientPrompt, Prompt: "ping"}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	var text strings.Builder
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch protocol.MessageType(frame["type"].(string)) {
		case protocol.TypeAssistantTextDelta:
			text.WriteString(frame["text_delta"].(string))
			continue
		case protocol.TypeAssistantTurnEnd:
			if frame["reason"] != protocol.ReasonCompleted {
				t.Fatalf("reason = %v, want %s", frame["reason"], protocol.ReasonCompleted)
			}
			if frame["writeback"] != "ok" {
				t.Fatalf("writeback = %v, want ok", frame["writeback"])
			}
		default:
			t.Fatalf("unexpected frame %+v", frame)
		}
		break
	}
	if got, want := text.String(), "I heard you: ping"; got != want {
		t.Fatalf("streamed text = %q, want %q", got, want)
	}
}

func TestChatWebsocketKeepalivePingsOutlastReadTimeout(t *testing.T) {
	f := newFixtureWithOptions(t, 10, Options{
		WSPingInterval: 20 * time.Millisecond,
		WSReadTimeout:  150 * time.Millisecond,
	})
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/chat/" + f.persona.ID + "/ws"
	header := http.Header{}
	header.Set("X-User-Id", "fan-ws")
	header.Set("X-User-First-Name", "Sam")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer res.Body.Close()
	defer conn.Close()

	var pings atomic.Int32
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	frames := make(chan map[string]any, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			frames <- frame
		}
	}()

	// Stay silent for longer than the read timeout; only pongs flow upstream.
	select {
	case err := <-readErr:
		t.Fatalf("connection dropped while idle: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
	if pings.Load() == 0 {
		t.Fatalf("pings = 0, want keepalive pings while idle")
	}

	if err := conn.WriteJSON(protocol.ClientPrompt{Type: protocol.TypeClientPrompt, Prompt: "still here"}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-readErr:
			t.Fatalf("read frame: %v", err)
		case <-deadline:
			t.Fatalf("no turn end after idle period")
		case frame := <-frames:
			if protocol.MessageType(frame["type"].(string)) != protocol.TypeAssistantTurnEnd {
				continue
			}
			if frame["reason"] != protocol.ReasonCompleted {
				t.Fatalf("reason = %v, want %s", frame["reason"], protocol.ReasonCompleted)
			}
			return
		}
	}
}

func TestChatWebsocketUnknownPersona(t *testing.T) {
	f := newFixture(t, 10)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/chat/missing/ws"
	header := http.Header{}
	header.Set("X-User-Id", "fan-ws")
	header.Set("X-User-First-Name", "Sam")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer res.Body.Close()
	defer conn.Close()

	if err := conn.WriteJSON(protocol.ClientPrompt{Type: protocol.TypeClientPrompt, Prompt: "hello"}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.ErrorEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if ev.Type != protocol.TypeErrorEvent || ev.Code != "persona_not_found" {
		t.Fatalf("frame = %+v, want persona_not_found error event", ev)
	}
	if ev.Retryable {
		t.Fatalf("Retryable = true, want false for a missing persona")
	}
}

func TestChatWebsocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, 10)
	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/chat/" + f.persona.ID + "/ws"
	header := http.Header{}
	header.Set("X-User-Id", "fan-ws")
	header.Set("X-User-First-Name", "Sam")
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("dial succeeded, want origin rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", res)
	}
}
