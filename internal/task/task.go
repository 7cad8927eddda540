package task

import (
	"encoding/json"
	"fmt"
)

// Task is the uniform request envelope for any capability call. The same
// shape is used for in-process dispatch and on the wire when a call crosses
// a process boundary.
type Task struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Context *Context        `json:"context,omitempty"`
}

// Context carries caller-side correlation identifiers. All fields are
// optional; they are used for tracing and persistence scoping, never for
// uniqueness enforcement.
type Context struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Result is the uniform response envelope. Exactly one Result is produced
// per Task; the dispatcher never retries on the caller's behalf.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Meta    *Meta           `json:"metadata,omitempty"`
}

// Meta holds diagnostic information attached to a Result by the dispatcher.
type Meta struct {
	LatencyMs int64  `json:"latency,omitempty"`
	BackendID string `json:"backendId,omitempty"`
	Version   string `json:"version,omitempty"`
}

// New creates a Task of the given type with a JSON-encoded payload.
// Marshalling failures are reported through the returned error so callers
// never dispatch a half-built envelope.
func New(id, taskType string, payload any, tc *Context) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, err
	}
	return Task{ID: id, Type: taskType, Payload: raw, Context: tc}, nil
}

// OK builds a successful Result carrying data. A nil data value produces a
// Result with no data field.
func OK(data any) Result {
	if data == nil {
		return Result{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(err)
	}
	return Result{Success: true, Data: raw}
}

// Fail builds a failure Result from an error.
func Fail(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Failf builds a failure Result from a format string.
func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Decode unmarshals the Result data into out. Returns false if the Result
// is a failure or carries no data.
func (r Result) Decode(out any) bool {
	if !r.Success || len(r.Data) == 0 {
		return false
	}
	return json.Unmarshal(r.Data, out) == nil
}
