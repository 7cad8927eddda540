// Package notify delivers escalation notifications. Delivery is
// fire-and-forget: a failed notification is logged and never fails the
// operation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notification describes one escalation event for human follow-up.
type Notification struct {
	SessionID string `json:"sessionId"`
	Severity  string `json:"severity"`
	Reason    string `json:"reason"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Notifier sends a notification to an external channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Webhook posts notifications as JSON to a configured endpoint, typically
// a mail-gateway or chat-channel hook.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook notifier. Returns nil if url is empty so
// callers can treat notification as disabled.
func NewWebhook(url string) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the notification.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Dispatch runs delivery in a detached goroutine with its own timeout.
// Errors are logged, not surfaced: escalation delivery must never fail
// the enclosing operation. A nil notifier is a no-op.
func Dispatch(n Notifier, note Notification) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Notify(ctx, note); err != nil {
			slog.Warn("escalation notification failed",
				"session_id", note.SessionID, "error", err)
		}
	}()
}
