package task

import (
	"encoding/json"
	"fmt"
)

// Task types form a closed set. The dispatcher and backends share these
// constants so payload shapes are checked at compile time on both sides
// instead of being rediscovered from untyped maps.
const (
	TypeSearch           = "retrieval.search"
	TypeIndex            = "retrieval.index"
	TypeStatus           = "retrieval.status"
	TypeAsk              = "answer.ask"
	TypeSessionCreate    = "data.session.create"
	TypeSessionEnd       = "data.session.end"
	TypeSessionList      = "data.session.list"
	TypeMessageAppend    = "data.message.append"
	TypeMessageList      = "data.message.list"
	TypeActionLog        = "data.action.log"
	TypeActionList       = "data.action.list"
	TypeEscalationUpsert = "data.escalation.upsert"
)

// SearchPayload requests a ranked snippet search.
type SearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// IndexPayload submits documents for indexing. Replace requests
// replace-all semantics instead of appending.
type IndexPayload struct {
	Documents []IndexDocument `json:"documents"`
	Replace   bool            `json:"replace,omitempty"`
}

// IndexDocument is one unit of indexable content.
type IndexDocument struct {
	ID     string            `json:"id,omitempty"`
	Text   string            `json:"text"`
	Source string            `json:"source"`
	Meta   map[string]string `json:"metadata,omitempty"`
}

// AskPayload requests a retrieval-augmented answer.
type AskPayload struct {
	Question string `json:"question"`
	Persona  string `json:"persona,omitempty"`
}

// MessageAppendPayload appends one message to a session transcript.
type MessageAppendPayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// ActionLogPayload records one agent action against a session.
type ActionLogPayload struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
}

// EscalationUpsertPayload creates or updates the single escalation record
// for a session.
type EscalationUpsertPayload struct {
	SessionID string `json:"sessionId"`
	Severity  string `json:"severity"`
	Reason    string `json:"reason"`
	ThreadID  string `json:"threadId,omitempty"`
}

// SessionScopedPayload addresses an existing session by id.
type SessionScopedPayload struct {
	SessionID string `json:"sessionId"`
}

// DecodePayload returns the typed payload variant for the task's type.
// Unknown types and malformed payloads are validation errors, rejected
// before any backend is invoked.
func DecodePayload(t Task) (any, error) {
	var out any
	switch t.Type {
	case TypeSearch:
		out = &SearchPayload{}
	case TypeIndex:
		out = &IndexPayload{}
	case TypeStatus, TypeSessionCreate, TypeSessionList:
		return nil, nil // no payload
	case TypeAsk:
		out = &AskPayload{}
	case TypeSessionEnd, TypeMessageList, TypeActionList:
		out = &SessionScopedPayload{}
	case TypeMessageAppend:
		out = &MessageAppendPayload{}
	case TypeActionLog:
		out = &ActionLogPayload{}
	case TypeEscalationUpsert:
		out = &EscalationUpsertPayload{}
	default:
		return nil, fmt.Errorf("unknown task type %q", t.Type)
	}
	if len(t.Payload) == 0 {
		return nil, fmt.Errorf("task type %q requires a payload", t.Type)
	}
	if err := json.Unmarshal(t.Payload, out); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", t.Type, err)
	}
	return out, nil
}
