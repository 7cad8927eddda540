// Package memstore is the in-memory reference implementation of the data
// capability, used for tests and default operation. Operations simulate a
// small latency window so tests that assert on ordering and concurrency
// see realistic async timing.
package memstore

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malloy/porter/internal/plugin"
)

// Compile-time check that Store implements the data capability.
var _ plugin.Data = (*Store)(nil)

// Store keeps sessions, messages, actions and escalations in maps keyed
// by session id. All mutation happens behind one mutex; messages and
// actions are append-only so insertion order equals read order.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]plugin.Session
	order       []string // session ids in creation order
	messages    map[string][]plugin.Message
	actions     map[string][]plugin.ActionLog
	escalations map[string]plugin.Escalation

	// latency bounds for SimulateLatency; zero disables simulation.
	minLatency time.Duration
	maxLatency time.Duration
}

// New creates a Store with the default 10-30ms simulated latency window.
func New() *Store {
	return NewWithLatency(10*time.Millisecond, 30*time.Millisecond)
}

// NewWithLatency creates a Store with explicit latency bounds. Pass zeros
// to disable latency simulation entirely.
func NewWithLatency(min, max time.Duration) *Store {
	return &Store{
		sessions:    make(map[string]plugin.Session),
		messages:    make(map[string][]plugin.Message),
		actions:     make(map[string][]plugin.ActionLog),
		escalations: make(map[string]plugin.Escalation),
		minLatency:  min,
		maxLatency:  max,
	}
}

func (s *Store) simulate(ctx context.Context) {
	if s.maxLatency <= 0 {
		return
	}
	d := s.minLatency
	if jitter := s.maxLatency - s.minLatency; jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	plugin.SimulateLatency(ctx, d)
}

// CreateSession starts a new session with a server-generated id.
func (s *Store) CreateSession(ctx context.Context) plugin.Result[plugin.Session] {
	s.simulate(ctx)

	sess := plugin.Session{
		SessionID: uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.order = append(s.order, sess.SessionID)
	s.mu.Unlock()

	return plugin.Ok(sess)
}

// EndSession stamps EndedAt on an existing session.
func (s *Store) EndSession(ctx context.Context, sessionID string) plugin.Result[plugin.Session] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return plugin.Err[plugin.Session]("session not found")
	}
	now := time.Now().UTC()
	sess.EndedAt = &now
	s.sessions[sessionID] = sess
	return plugin.Ok(sess)
}

// ListSessions returns all sessions in creation order.
func (s *Store) ListSessions(ctx context.Context) plugin.Result[[]plugin.Session] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]plugin.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return plugin.Ok(out)
}

// AppendMessage appends one message to the session transcript.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, text string) plugin.Result[plugin.Message] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return plugin.Err[plugin.Message]("session not found")
	}
	msg := plugin.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return plugin.Ok(msg)
}

// MessagesBySession returns the transcript in append order.
func (s *Store) MessagesBySession(ctx context.Context, sessionID string) plugin.Result[[]plugin.Message] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return plugin.Err[[]plugin.Message]("session not found")
	}
	return plugin.Ok(append([]plugin.Message(nil), s.messages[sessionID]...))
}

// LogAction appends one action record to the session.
func (s *Store) LogAction(ctx context.Context, sessionID, action, detail string) plugin.Result[plugin.ActionLog] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return plugin.Err[plugin.ActionLog]("session not found")
	}
	entry := plugin.ActionLog{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	s.actions[sessionID] = append(s.actions[sessionID], entry)
	return plugin.Ok(entry)
}

// ActionsBySession returns the action log in append order.
func (s *Store) ActionsBySession(ctx context.Context, sessionID string) plugin.Result[[]plugin.ActionLog] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return plugin.Err[[]plugin.ActionLog]("session not found")
	}
	return plugin.Ok(append([]plugin.ActionLog(nil), s.actions[sessionID]...))
}

// UpsertEscalation creates or updates the single escalation record for a
// session. CreatedAt survives re-upserts; everything else is overwritten
// and LastEmailAt is bumped.
func (s *Store) UpsertEscalation(ctx context.Context, sessionID, severity, reason, threadID string) plugin.Result[plugin.Escalation] {
	s.simulate(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	esc, exists := s.escalations[sessionID]
	if !exists {
		esc = plugin.Escalation{SessionID: sessionID, CreatedAt: now}
	}
	esc.Severity = severity
	esc.Reason = reason
	esc.ThreadID = threadID
	esc.LastEmailAt = now
	s.escalations[sessionID] = esc
	return plugin.Ok(esc)
}

// EscalationBySession returns the escalation record for a session, if
// one exists. Read-side helper for tests and the HTTP surface; not part
// of the capability contract.
func (s *Store) EscalationBySession(sessionID string) (plugin.Escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escalations[sessionID]
	return esc, ok
}

// ClearAll wipes all state. Test isolation only.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]plugin.Session)
	s.order = nil
	s.messages = make(map[string][]plugin.Message)
	s.actions = make(map[string][]plugin.ActionLog)
	s.escalations = make(map[string]plugin.Escalation)
}
