package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/malloy/porter/internal/plugin"
)

// Compile-time check that Store implements the data capability.
var _ plugin.Data = (*Store)(nil)

// CreateSession starts a new session with a server-generated id.
func (s *Store) CreateSession(ctx context.Context) plugin.Result[plugin.Session] {
	sess := plugin.Session{
		SessionID: uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)`,
		sess.SessionID, sess.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return plugin.Err[plugin.Session]("inserting session: " + err.Error())
	}
	return plugin.Ok(sess)
}

// EndSession stamps ended_at on an existing session.
func (s *Store) EndSession(ctx context.Context, sessionID string) plugin.Result[plugin.Session] {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		now.Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return plugin.Err[plugin.Session]("updating session: " + err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return plugin.Err[plugin.Session]("session not found")
	}
	return s.getSession(ctx, sessionID)
}

func (s *Store) getSession(ctx context.Context, sessionID string) plugin.Result[plugin.Session] {
	var sess plugin.Session
	var started string
	var ended sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.SessionID, &started, &ended)
	if err == sql.ErrNoRows {
		return plugin.Err[plugin.Session]("session not found")
	}
	if err != nil {
		return plugin.Err[plugin.Session]("loading session: " + err.Error())
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if ended.Valid {
		t, _ := time.Parse(time.RFC3339Nano, ended.String)
		sess.EndedAt = &t
	}
	return plugin.Ok(sess)
}

// ListSessions returns all sessions in creation order.
func (s *Store) ListSessions(ctx context.Context) plugin.Result[[]plugin.Session] {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, ended_at FROM sessions ORDER BY rowid`)
	if err != nil {
		return plugin.Err[[]plugin.Session]("listing sessions: " + err.Error())
	}
	defer rows.Close()

	var out []plugin.Session
	for rows.Next() {
		var sess plugin.Session
		var started string
		var ended sql.NullString
		if err := rows.Scan(&sess.SessionID, &started, &ended); err != nil {
			return plugin.Err[[]plugin.Session]("scanning session: " + err.Error())
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			t, _ := time.Parse(time.RFC3339Nano, ended.String)
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return plugin.Err[[]plugin.Session]("listing sessions: " + err.Error())
	}
	return plugin.Ok(out)
}

// AppendMessage appends one message to the session transcript.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, text string) plugin.Result[plugin.Message] {
	if !s.sessionExists(ctx, sessionID) {
		return plugin.Err[plugin.Message]("session not found")
	}
	msg := plugin.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Text, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return plugin.Err[plugin.Message]("inserting message: " + err.Error())
	}
	return plugin.Ok(msg)
}

// MessagesBySession returns the transcript in append order (rowid order,
// which is insertion order for this table).
func (s *Store) MessagesBySession(ctx context.Context, sessionID string) plugin.Result[[]plugin.Message] {
	if !s.sessionExists(ctx, sessionID) {
		return plugin.Err[[]plugin.Message]("session not found")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, text, created_at FROM messages WHERE session_id = ? ORDER BY rowid`,
		sessionID)
	if err != nil {
		return plugin.Err[[]plugin.Message]("listing messages: " + err.Error())
	}
	defer rows.Close()

	var out []plugin.Message
	for rows.Next() {
		var m plugin.Message
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text, &created); err != nil {
			return plugin.Err[[]plugin.Message]("scanning message: " + err.Error())
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return plugin.Err[[]plugin.Message]("listing messages: " + err.Error())
	}
	return plugin.Ok(out)
}

// LogAction appends one action record to the session.
func (s *Store) LogAction(ctx context.Context, sessionID, action, detail string) plugin.Result[plugin.ActionLog] {
	if !s.sessionExists(ctx, sessionID) {
		return plugin.Err[plugin.ActionLog]("session not found")
	}
	entry := plugin.ActionLog{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, session_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Action, entry.Detail, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return plugin.Err[plugin.ActionLog]("inserting action: " + err.Error())
	}
	return plugin.Ok(entry)
}

// ActionsBySession returns the action log in append order.
func (s *Store) ActionsBySession(ctx context.Context, sessionID string) plugin.Result[[]plugin.ActionLog] {
	if !s.sessionExists(ctx, sessionID) {
		return plugin.Err[[]plugin.ActionLog]("session not found")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, action, detail, created_at FROM actions WHERE session_id = ? ORDER BY rowid`,
		sessionID)
	if err != nil {
		return plugin.Err[[]plugin.ActionLog]("listing actions: " + err.Error())
	}
	defer rows.Close()

	var out []plugin.ActionLog
	for rows.Next() {
		var a plugin.ActionLog
		var created string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Action, &a.Detail, &created); err != nil {
			return plugin.Err[[]plugin.ActionLog]("scanning action: " + err.Error())
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return plugin.Err[[]plugin.ActionLog]("listing actions: " + err.Error())
	}
	return plugin.Ok(out)
}

// UpsertEscalation creates or updates the single escalation row for a
// session. created_at survives re-upserts; severity, reason and thread id
// are overwritten and last_email_at is bumped.
func (s *Store) UpsertEscalation(ctx context.Context, sessionID, severity, reason, threadID string) plugin.Result[plugin.Escalation] {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (session_id, severity, reason, thread_id, created_at, last_email_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			severity = excluded.severity,
			reason = excluded.reason,
			thread_id = excluded.thread_id,
			last_email_at = excluded.last_email_at`,
		sessionID, severity, reason, threadID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return plugin.Err[plugin.Escalation]("upserting escalation: " + err.Error())
	}

	var esc plugin.Escalation
	var created, lastEmail string
	err = s.db.QueryRowContext(ctx,
		`SELECT session_id, severity, reason, thread_id, created_at, last_email_at
		 FROM escalations WHERE session_id = ?`, sessionID).
		Scan(&esc.SessionID, &esc.Severity, &esc.Reason, &esc.ThreadID, &created, &lastEmail)
	if err != nil {
		return plugin.Err[plugin.Escalation]("loading escalation: " + err.Error())
	}
	esc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	esc.LastEmailAt, _ = time.Parse(time.RFC3339Nano, lastEmail)
	return plugin.Ok(esc)
}

func (s *Store) sessionExists(ctx context.Context, sessionID string) bool {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return false
	}
	return n > 0
}
