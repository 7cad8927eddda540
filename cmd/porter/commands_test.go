package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/dispatch"
	"github.com/malloy/porter/internal/llm"
	"github.com/malloy/porter/internal/memstore"
	"github.com/malloy/porter/internal/retrieval"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func TestClientPostAnswer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/answer": `{"finalText":"Five business days.","citations":[{"ref":1,"source":"billing.md","snippet":"...","score":1}]}`,
	})

	client := ts.client()
	resp, err := client.post("/v1/answer", map[string]any{
		"sessionId": "s-1",
		"question":  "how long do refunds take?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ans struct {
		FinalText string `json:"finalText"`
	}
	if err := decodeJSON(resp, &ans); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ans.FinalText != "Five business days." {
		t.Errorf("finalText = %q", ans.FinalText)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "how long do refunds take?" {
		t.Errorf("body.question = %v", body["question"])
	}
}

func TestClientErrorStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get("/v1/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code included", err)
	}
}

func TestColorizeRespectNoColor(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "hello"); got != "hello" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "hello"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := pidFilePath(dir)

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error reading removed PID file")
	}
}

func TestPIDFileCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	path := pidFilePath(dir)

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile into missing dir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	engine := retrieval.NewMemoryEngine()
	data := memstore.NewWithLatency(0, 0)
	pipe := answer.New(engine, llm.NewClient("http://127.0.0.1:0", "", "test"), data, nil, answer.Options{})

	reg := dispatch.NewRegistry()
	if err := registerBuiltins(reg, engine, data, pipe); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	defs := reg.List()
	if len(defs) != 3 {
		t.Fatalf("got %d backends, want 3", len(defs))
	}
	for _, id := range []string{"answer", "data", "retrieval"} {
		if _, ok := reg.Get(id); !ok {
			t.Errorf("backend %s not registered", id)
		}
	}
}
