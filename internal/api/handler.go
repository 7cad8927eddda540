package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malloy/porter/internal/answer"
	"github.com/malloy/porter/internal/dispatch"
	"github.com/malloy/porter/internal/plugin"
	"github.com/malloy/porter/internal/retrieval"
	"github.com/malloy/porter/internal/task"
)

const maxDocumentBodySize = 10 << 20 // 10MB

// Deps holds everything the HTTP surface needs. All fields except Token
// are required.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *dispatch.Registry
	Pipeline   *answer.Pipeline
	Retrieval  plugin.Retrieval
	Data       plugin.Data
	Token      string
}

// NewHandler returns the REST API router. The health endpoint is open;
// everything under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/tasks", handleTask(deps))
		r.Get("/backends", handleListBackends(deps))
		r.Post("/backends", handleRegisterBackend(deps))

		r.Post("/answer", handleAnswer(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/documents", handleIndexDocuments(deps))
		r.Get("/status", handleStatus(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions/{id}/end", handleEndSession(deps))
		r.Get("/sessions/{id}/messages", handleListMessages(deps))
		r.Post("/sessions/{id}/messages", handleAppendMessage(deps))
		r.Get("/sessions/{id}/actions", handleListActions(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// TaskRequest is the wire form of a dispatch call: which backend to hit
// and the task envelope to hand it.
type TaskRequest struct {
	Backend string    `json:"backend"`
	Task    task.Task `json:"task"`
}

func handleTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Backend == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "backend is required")
			return
		}
		if req.Task.ID == "" {
			req.Task.ID = uuid.New().String()
		}

		res := deps.Dispatcher.Execute(r.Context(), req.Backend, req.Task)
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListBackends(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Registry.List())
	}
}

func handleRegisterBackend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var def dispatch.Definition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		// In-process handlers cannot cross the wire.
		if def.Runtime == dispatch.RuntimeInProcess {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "in-process backends cannot be registered remotely")
			return
		}
		if err := deps.Registry.Register(def); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, def)
	}
}

type AnswerRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
	Persona   string `json:"persona,omitempty"`
}

func handleAnswer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AnswerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.New().String()
		}

		ans, err := deps.Pipeline.Ask(r.Context(), req.SessionID, req.Question, req.Persona)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "answer failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		res := deps.Retrieval.Search(r.Context(), query, limit)
		if !res.OK {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": res.Data})
	}
}

// IndexRequest carries content to index. Format selects extraction:
// "text" and raw documents index as-is, "html" strips markup, "pdf"
// expects base64 content. When Chunk is set, content splits on section
// headings before indexing.
type IndexRequest struct {
	Documents []plugin.Document `json:"documents,omitempty"`
	Content   string            `json:"content,omitempty"`
	Source    string            `json:"source,omitempty"`
	Format    string            `json:"format,omitempty"`
	Chunk     bool              `json:"chunk,omitempty"`
	Replace   bool              `json:"replace,omitempty"`
}

func handleIndexDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req IndexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		docs := req.Documents
		if req.Content != "" {
			text, err := extractContent(req)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting content: %v", err)
				return
			}
			if req.Chunk {
				docs = append(docs, retrieval.Chunk(text, req.Source)...)
			} else {
				docs = append(docs, plugin.Document{Text: text, Source: req.Source})
			}
		}
		if len(docs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no documents to index")
			return
		}

		res := deps.Retrieval.Index(r.Context(), docs, req.Replace)
		if !res.OK {
			httpError(w, http.StatusBadGateway, "api_error", "index failed: %s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res.Data)
	}
}

func extractContent(req IndexRequest) (string, error) {
	switch req.Format {
	case "", "text":
		return req.Content, nil
	case "html":
		return retrieval.ExtractHTML([]byte(req.Content))
	case "pdf":
		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return "", err
		}
		tmp := filepath.Join(os.TempDir(), "porter-upload-"+uuid.New().String()+".pdf")
		if err := os.WriteFile(tmp, raw, 0o600); err != nil {
			return "", err
		}
		defer os.Remove(tmp)
		return retrieval.ExtractPDF(tmp)
	default:
		return "", fmt.Errorf("unknown format %q", req.Format)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Retrieval.Status(r.Context())
		if !res.OK {
			httpError(w, http.StatusBadGateway, "api_error", "status failed: %s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res.Data)
	}
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Data.CreateSession(r.Context())
		if !res.OK {
			httpError(w, http.StatusBadGateway, "api_error", "creating session: %s", res.Err)
			return
		}
		writeJSON(w, http.StatusCreated, res.Data)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Data.ListSessions(r.Context())
		if !res.OK {
			httpError(w, http.StatusBadGateway, "api_error", "listing sessions: %s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": res.Data})
	}
}

func handleEndSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := deps.Data.EndSession(r.Context(), id)
		if !res.OK {
			httpError(w, http.StatusNotFound, "not_found_error", "%s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, res.Data)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := deps.Data.MessagesBySession(r.Context(), id)
		if !res.OK {
			httpError(w, http.StatusNotFound, "not_found_error", "%s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": res.Data})
	}
}

type AppendMessageRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func handleAppendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AppendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Role == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "role and text are required")
			return
		}

		id := chi.URLParam(r, "id")
		res := deps.Data.AppendMessage(r.Context(), id, req.Role, req.Text)
		if !res.OK {
			httpError(w, http.StatusNotFound, "not_found_error", "%s", res.Err)
			return
		}
		writeJSON(w, http.StatusCreated, res.Data)
	}
}

func handleListActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res := deps.Data.ActionsBySession(r.Context(), id)
		if !res.OK {
			httpError(w, http.StatusNotFound, "not_found_error", "%s", res.Err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"actions": res.Data})
	}
}
