// Package plugin defines the capability contracts every backend
// implementation satisfies. Operations return a Result value instead of
// raising: callers branch on OK, and only programming errors may panic
// across the plugin boundary.
package plugin

import (
	"context"
	"time"
)

// Result is the uniform return value of every plugin operation.
type Result[T any] struct {
	OK   bool
	Data T
	Err  string
}

// Ok wraps data in a successful Result.
func Ok[T any](data T) Result[T] {
	return Result[T]{OK: true, Data: data}
}

// Err wraps an operational failure. The message is preserved for
// diagnostics but is never shown to end users directly.
func Err[T any](msg string) Result[T] {
	return Result[T]{Err: msg}
}

// SearchSnippet is a scored, bounded excerpt of an indexed document.
// Snippets are derived per query, never persisted.
type SearchSnippet struct {
	Source string            `json:"source"`
	Text   string            `json:"text"`
	Score  float64           `json:"score"`
	Meta   map[string]string `json:"metadata,omitempty"`
}

// IndexStats reports the outcome of an index call.
type IndexStats struct {
	Indexed int `json:"indexed"`
	Total   int `json:"total"`
}

// EngineStatus describes the retrieval backend's current state.
type EngineStatus struct {
	Indexed  bool   `json:"indexed"`
	DocCount int    `json:"docCount"`
	Engine   string `json:"engine"`
}

// Document is one unit of indexed content, owned by the retrieval
// backend. Documents are appended on index and never mutated; replace-all
// is available via the index call's replace flag.
type Document struct {
	ID     string            `json:"id"`
	Text   string            `json:"text"`
	Source string            `json:"source"`
	Meta   map[string]string `json:"metadata,omitempty"`
}

// Retrieval is the search/index capability contract.
type Retrieval interface {
	Search(ctx context.Context, query string, maxResults int) Result[[]SearchSnippet]
	Index(ctx context.Context, docs []Document, replace bool) Result[IndexStats]
	Status(ctx context.Context) Result[EngineStatus]
}

// Session is one conversation with the assistant. SessionID is an opaque
// token generated by the backend, never supplied by a client.
type Session struct {
	SessionID string     `json:"sessionId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Message is one transcript entry, append-only within a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActionLog records one agent-side action, append-only within a session.
type ActionLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Escalation is the single mutable record per session. Re-upserting
// overwrites severity, reason and thread id and bumps LastEmailAt while
// CreatedAt is preserved from the first insert.
type Escalation struct {
	SessionID   string    `json:"sessionId"`
	Severity    string    `json:"severity"`
	Reason      string    `json:"reason"`
	ThreadID    string    `json:"threadId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastEmailAt time.Time `json:"lastEmailAt"`
}

// Data is the session/action persistence capability contract.
type Data interface {
	CreateSession(ctx context.Context) Result[Session]
	EndSession(ctx context.Context, sessionID string) Result[Session]
	ListSessions(ctx context.Context) Result[[]Session]
	AppendMessage(ctx context.Context, sessionID, role, text string) Result[Message]
	MessagesBySession(ctx context.Context, sessionID string) Result[[]Message]
	LogAction(ctx context.Context, sessionID, action, detail string) Result[ActionLog]
	ActionsBySession(ctx context.Context, sessionID string) Result[[]ActionLog]
	UpsertEscalation(ctx context.Context, sessionID, severity, reason, threadID string) Result[Escalation]
}

// SimulateLatency sleeps for d or until ctx is cancelled. Reference
// backends call it explicitly to preserve realistic async timing in
// tests that assert on ordering and concurrency; real backends simply
// don't call it. A helper function rather than a shared base type so
// non-mock implementations aren't forced through mock plumbing.
func SimulateLatency(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
