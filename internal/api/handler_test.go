package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/dispatch"
	"github.com/malloy/porter/internal/llm"
	"github.com/malloy/porter/internal/memstore"
	"github.com/malloy/porter/internal/plugin"
	"github.com/malloy/porter/internal/retrieval"
	"github.com/malloy/porter/internal/task"
)

const testToken = "test-token"

type stubChatter struct {
	text string
}

func (s stubChatter) Chat(ctx context.Context, req llm.ChatRequest) plugin.Result[llm.ChatReply] {
	return plugin.Ok(llm.ChatReply{Text: s.text})
}

func newTestHandler(t *testing.T) (http.Handler, Deps) {
	t.Helper()

	engine := retrieval.NewMemoryEngine()
	engine.Index(context.Background(), []plugin.Document{
		{Text: "Refunds are processed within five business days.", Source: "billing.md"},
	}, false)

	store := memstore.NewWithLatency(0, 0)
	pipe := answer.New(engine, stubChatter{text: "Refunds take five days. [1]"}, store, nil, answer.Options{})

	reg := dispatch.NewRegistry()
	reg.Register(dispatch.Definition{
		ID: "kb", Type: "retrieval", Version: "1", Runtime: dispatch.RuntimeInProcess,
		Handler: func(ctx context.Context, tk task.Task) task.Result {
			return task.OK(map[string]string{"ok": "yes"})
		},
	})

	deps := Deps{
		Dispatcher: dispatch.New(reg, dispatch.Options{}),
		Registry:   reg,
		Pipeline:   pipe,
		Retrieval:  engine,
		Data:       store,
		Token:      testToken,
	}
	return NewHandler(deps), deps
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthOpen(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", w.Code)
	}
}

func TestAnswerEndpoint(t *testing.T) {
	h, deps := newTestHandler(t)

	sres := deps.Data.CreateSession(context.Background())
	if !sres.OK {
		t.Fatalf("CreateSession: %s", sres.Err)
	}

	w := doJSON(t, h, http.MethodPost, "/v1/answer", AnswerRequest{
		SessionID: sres.Data.SessionID,
		Question:  "how long do refunds take?",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("answer = %d: %s", w.Code, w.Body.String())
	}

	var ans answer.Answer
	if err := json.NewDecoder(w.Body).Decode(&ans); err != nil {
		t.Fatalf("decoding answer: %v", err)
	}
	if ans.FinalText == "" {
		t.Error("empty final text")
	}
	if len(ans.Citations) == 0 {
		t.Error("expected citations for matched snippets")
	}
}

func TestAnswerRequiresQuestion(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/answer", AnswerRequest{SessionID: "s"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty question = %d, want 400", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/search?q=refunds&limit=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Results []plugin.SearchSnippet `json:"results"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Results) == 0 {
		t.Error("no results for indexed term")
	}

	w = doJSON(t, h, http.MethodGet, "/v1/search", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing q = %d, want 400", w.Code)
	}
}

func TestIndexDocumentsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/documents", IndexRequest{
		Documents: []plugin.Document{
			{Text: "Invoices are emailed monthly.", Source: "billing.md"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("documents = %d: %s", w.Code, w.Body.String())
	}

	var stats plugin.IndexStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if stats.Indexed != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v, want Indexed=1 Total=2", stats)
	}
}

func TestIndexChunkedContent(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/documents", IndexRequest{
		Content: "# Shipping\nOrders ship in two days.\n# Returns\nReturns accepted within thirty days.",
		Source:  "policies.md",
		Chunk:   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("documents = %d: %s", w.Code, w.Body.String())
	}

	var stats plugin.IndexStats
	json.NewDecoder(w.Body).Decode(&stats)
	if stats.Indexed < 2 {
		t.Errorf("Indexed = %d, want at least 2 chunks", stats.Indexed)
	}
}

func TestIndexHTMLContent(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/documents", IndexRequest{
		Content: "<html><body><p>Warranty lasts one year.</p><script>alert(1)</script></body></html>",
		Source:  "warranty.html",
		Format:  "html",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("documents = %d: %s", w.Code, w.Body.String())
	}

	sw := doJSON(t, h, http.MethodGet, "/v1/search?q=warranty", nil)
	var body struct {
		Results []plugin.SearchSnippet `json:"results"`
	}
	json.NewDecoder(sw.Body).Decode(&body)
	if len(body.Results) == 0 {
		t.Fatal("extracted HTML text not searchable")
	}
	for _, r := range body.Results {
		if bytes.Contains([]byte(r.Text), []byte("alert")) {
			t.Error("script content leaked into index")
		}
	}
}

func TestIndexRejectsEmpty(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/documents", IndexRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty index = %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var st plugin.EngineStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !st.Indexed || st.DocCount != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestTaskEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	tk, err := task.New("", task.TypeSearch, task.SearchPayload{Query: "refunds"}, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	w := doJSON(t, h, http.MethodPost, "/v1/tasks", TaskRequest{Backend: "kb", Task: tk})
	if w.Code != http.StatusOK {
		t.Fatalf("tasks = %d: %s", w.Code, w.Body.String())
	}

	var res task.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !res.Success {
		t.Errorf("result failed: %s", res.Error)
	}
	if res.Meta == nil || res.Meta.BackendID != "kb" {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestTaskEndpointUnknownBackend(t *testing.T) {
	h, _ := newTestHandler(t)

	tk, _ := task.New("", task.TypeSearch, task.SearchPayload{Query: "x"}, nil)
	w := doJSON(t, h, http.MethodPost, "/v1/tasks", TaskRequest{Backend: "missing", Task: tk})
	if w.Code != http.StatusOK {
		t.Fatalf("tasks = %d, want 200 with failure result", w.Code)
	}

	var res task.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Success {
		t.Error("expected failure result for unknown backend")
	}
}

func TestRegisterBackendEndpoint(t *testing.T) {
	h, deps := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/backends", dispatch.Definition{
		ID: "remote-kb", Type: "retrieval", Runtime: dispatch.RuntimeHTTP,
		Config: dispatch.Config{URL: "http://localhost:9999"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := deps.Registry.Get("remote-kb"); !ok {
		t.Error("backend not registered")
	}

	w = doJSON(t, h, http.MethodPost, "/v1/backends", dispatch.Definition{
		ID: "local", Type: "retrieval", Runtime: dispatch.RuntimeInProcess,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("in-process register = %d, want 400", w.Code)
	}
}

func TestListBackendsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/v1/backends", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("backends = %d", w.Code)
	}

	var defs []dispatch.Definition
	if err := json.NewDecoder(w.Body).Decode(&defs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "kb" {
		t.Errorf("defs = %+v", defs)
	}
}

func TestSessionEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/v1/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session = %d", w.Code)
	}
	var sess plugin.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if sess.SessionID == "" {
		t.Fatal("empty session id")
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/"+sess.SessionID+"/messages", AppendMessageRequest{
		Role: "user", Text: "hello",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("append message = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/v1/sessions/"+sess.SessionID+"/messages", nil)
	var msgs struct {
		Messages []plugin.Message `json:"messages"`
	}
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Text != "hello" {
		t.Errorf("messages = %+v", msgs.Messages)
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/"+sess.SessionID+"/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end session = %d", w.Code)
	}
	var ended plugin.Session
	json.NewDecoder(w.Body).Decode(&ended)
	if ended.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	w = doJSON(t, h, http.MethodPost, "/v1/sessions/nope/end", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("end unknown session = %d, want 404", w.Code)
	}
}
