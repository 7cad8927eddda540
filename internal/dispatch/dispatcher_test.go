package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/malloy/porter/internal/task"
)

func searchTask(t *testing.T) task.Task {
	t.Helper()
	tk, err := task.New("t1", task.TypeSearch, task.SearchPayload{Query: "refunds"}, nil)
	if err != nil {
		t.Fatalf("task.New: %v", err)
	}
	return tk
}

func registerEcho(t *testing.T, reg *Registry, id string) {
	t.Helper()
	err := reg.Register(Definition{
		ID:      id,
		Type:    "retrieval",
		Version: "1",
		Runtime: RuntimeInProcess,
		Handler: func(ctx context.Context, tk task.Task) task.Result {
			return task.OK(map[string]string{"echo": tk.Type})
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestExecuteInProcess(t *testing.T) {
	reg := NewRegistry()
	registerEcho(t, reg, "mem")
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "mem", searchTask(t))
	if !res.Success {
		t.Fatalf("Execute: %s", res.Error)
	}
	var data map[string]string
	if !res.Decode(&data) || data["echo"] != task.TypeSearch {
		t.Errorf("data = %v", data)
	}
	if res.Meta == nil || res.Meta.BackendID != "mem" || res.Meta.Version != "1" {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestExecuteUnknownBackend(t *testing.T) {
	d := New(NewRegistry(), Options{})

	res := d.Execute(context.Background(), "ghost", searchTask(t))
	if res.Success {
		t.Fatal("expected failure for unknown backend")
	}
	if res.Error != "backend not registered" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteValidatesPayloadFirst(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(Definition{
		ID: "mem", Type: "retrieval", Runtime: RuntimeInProcess,
		Handler: func(ctx context.Context, tk task.Task) task.Result {
			called = true
			return task.OK(nil)
		},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "mem", task.Task{ID: "t", Type: "bogus.type", Payload: json.RawMessage(`{}`)})
	if res.Success {
		t.Fatal("expected validation failure")
	}
	if called {
		t.Error("backend invoked despite invalid task type")
	}
}

func TestRegistryOverwriteLastWriteWins(t *testing.T) {
	reg := NewRegistry()
	registerEcho(t, reg, "dup")

	err := reg.Register(Definition{
		ID: "dup", Type: "retrieval", Version: "2", Runtime: RuntimeHTTP,
		Config: Config{URL: "http://localhost:9"},
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	defs := reg.List()
	if len(defs) != 1 {
		t.Fatalf("got %d registrations, want 1", len(defs))
	}
	if defs[0].Version != "2" || defs[0].Runtime != RuntimeHTTP {
		t.Errorf("registration not replaced: %+v", defs[0])
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	cases := []Definition{
		{Type: "x", Runtime: RuntimeInProcess},                       // missing id
		{ID: "a", Runtime: RuntimeInProcess},                         // missing handler
		{ID: "b", Runtime: RuntimeHTTP},                              // missing url
		{ID: "c", Runtime: RuntimeContainer},                         // missing image
		{ID: "d", Runtime: RuntimeProcess},                           // missing script
		{ID: "e", Runtime: Runtime("carrier-pigeon")},                // unknown runtime
	}
	for i, def := range cases {
		if err := reg.Register(def); err == nil {
			t.Errorf("case %d: Register accepted invalid definition %+v", i, def)
		}
	}
}

func TestExecuteHTTPRoundTrip(t *testing.T) {
	var gotTask task.Task
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotTask)
		json.NewEncoder(w).Encode(task.OK(map[string]int{"indexed": 7}))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "remote", Type: "retrieval", Runtime: RuntimeHTTP,
		Config: Config{URL: srv.URL},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "remote", searchTask(t))
	if !res.Success {
		t.Fatalf("Execute: %s", res.Error)
	}
	if gotTask.ID != "t1" || gotTask.Type != task.TypeSearch {
		t.Errorf("wire task = %+v", gotTask)
	}
}

func TestExecuteHTTPNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "broken", Type: "retrieval", Runtime: RuntimeHTTP,
		Config: Config{URL: srv.URL},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "broken", searchTask(t))
	if res.Success {
		t.Fatal("expected failure on HTTP 500")
	}
}

func TestExecuteHTTPUnreachable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		ID: "down", Type: "retrieval", Runtime: RuntimeHTTP,
		Config: Config{URL: "http://127.0.0.1:1"},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "down", searchTask(t))
	if res.Success {
		t.Fatal("expected failure for unreachable backend")
	}
}

// A backend that never responds must produce a failure Result within the
// configured timeout bound, not hang.
func TestExecuteTimeoutIsolation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "hung", Type: "retrieval", Runtime: RuntimeHTTP,
		Config: Config{URL: srv.URL},
	})
	d := New(reg, Options{CallTimeout: 100 * time.Millisecond})

	start := time.Now()
	res := d.Execute(context.Background(), "hung", searchTask(t))
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Execute took %v, want well under 2s", elapsed)
	}
}

func TestExecuteContainerViaRunner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(task.OK(nil))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "boxed", Type: "retrieval", Runtime: RuntimeContainer,
		Config: Config{Image: "porter-backend:latest", Ports: map[int]int{18080: 8080}},
	})
	d := New(reg, Options{Containers: runnerFunc(func(ctx context.Context, def Definition) (string, error) {
		return srv.URL, nil
	})})

	res := d.Execute(context.Background(), "boxed", searchTask(t))
	if !res.Success {
		t.Fatalf("Execute: %s", res.Error)
	}
}

func TestExecuteContainerWithoutRunner(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		ID: "boxed", Type: "retrieval", Runtime: RuntimeContainer,
		Config: Config{Image: "porter-backend:latest"},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "boxed", searchTask(t))
	if res.Success {
		t.Fatal("expected failure without a container runner")
	}
}

// runnerFunc adapts a function to ContainerRunner.
type runnerFunc func(ctx context.Context, def Definition) (string, error)

func (f runnerFunc) Ensure(ctx context.Context, def Definition) (string, error) {
	return f(ctx, def)
}

func TestExecuteProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process runtime test uses a shell script")
	}

	script := filepath.Join(t.TempDir(), "backend.sh")
	body := "#!/bin/sh\necho '{\"success\":true,\"data\":{\"docCount\":3}}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "proc", Type: "retrieval", Runtime: RuntimeProcess,
		Config: Config{Script: script},
	})
	d := New(reg, Options{})

	res := d.Execute(context.Background(), "proc", searchTask(t))
	if !res.Success {
		t.Fatalf("Execute: %s", res.Error)
	}
	var data map[string]int
	if !res.Decode(&data) || data["docCount"] != 3 {
		t.Errorf("data = %v", data)
	}
}

func TestExecuteProcessTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process runtime test uses a shell script")
	}

	script := filepath.Join(t.TempDir(), "slow.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	reg := NewRegistry()
	reg.Register(Definition{
		ID: "slow", Type: "retrieval", Runtime: RuntimeProcess,
		Config: Config{Script: script},
	})
	d := New(reg, Options{CallTimeout: 100 * time.Millisecond})

	start := time.Now()
	res := d.Execute(context.Background(), "slow", searchTask(t))
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process not killed on timeout, took %v", elapsed)
	}
}
