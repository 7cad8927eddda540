// Package answer composes retrieval output with the chat capability into
// cited answers, deduplicating concurrent identical requests and applying
// content guardrails up front.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/malloy/porter/internal/llm"
	"github.com/malloy/porter/internal/notify"
	"github.com/malloy/porter/internal/plugin"
)

const (
	defaultTopN       = 5
	defaultBudget     = 45 * time.Second
	defaultDedupeWait = 60 * time.Second
)

// Answer is the structured result of one pipeline run.
type Answer struct {
	FinalText string     `json:"finalText"`
	Citations []Citation `json:"citations"`
	LatencyMs int64      `json:"latencyMs"`
}

// Options tune the pipeline; zero values pick defaults.
type Options struct {
	TopN       int           // snippets retrieved per question
	Budget     time.Duration // overall elapsed budget per upstream run
	DedupeWait time.Duration // how long a collapsed caller waits on the shared result
}

// Pipeline answers questions. Stateless per call except for the dedupe
// table; safe for unbounded concurrent use.
type Pipeline struct {
	retrieval plugin.Retrieval
	chat      llm.Chatter
	data      plugin.Data     // optional; nil disables persistence
	notifier  notify.Notifier // optional; nil disables escalation delivery
	guard     *Guardrail

	topN       int
	budget     time.Duration
	dedupeWait time.Duration

	group singleflight.Group
}

// New wires a Pipeline. retrieval and chat are required; data and
// notifier may be nil.
func New(retrieval plugin.Retrieval, chat llm.Chatter, data plugin.Data, notifier notify.Notifier, opts Options) *Pipeline {
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.DedupeWait <= 0 {
		opts.DedupeWait = defaultDedupeWait
	}
	return &Pipeline{
		retrieval:  retrieval,
		chat:       chat,
		data:       data,
		notifier:   notifier,
		guard:      NewGuardrail(),
		topN:       opts.TopN,
		budget:     opts.Budget,
		dedupeWait: opts.DedupeWait,
	}
}

// Ask runs the full pipeline for one question. Identical concurrent
// requests (same session + exact question text) collapse to a single
// upstream execution; every collapsed caller receives the same Answer.
func (p *Pipeline) Ask(ctx context.Context, sessionID, question, persona string) (Answer, error) {
	start := time.Now()

	if question == "" {
		return Answer{}, fmt.Errorf("question is required")
	}

	// Guardrail check happens per caller, before dedupe: a rejection is
	// cheap and must never reach retrieval or generation.
	if v := p.guard.Check(question); v.Blocked {
		p.recordRejection(sessionID, question, v)
		return Answer{
			FinalText: v.Message,
			LatencyMs: time.Since(start).Milliseconds(),
		}, nil
	}

	key := sessionID + "\n" + question
	ch := p.group.DoChan(key, func() (any, error) {
		// The shared run gets its own budget, detached from any single
		// caller's context, so one caller's cancellation cannot fail the
		// result for the others.
		runCtx, cancel := context.WithTimeout(context.Background(), p.budget)
		defer cancel()
		defer p.group.Forget(key)
		return p.run(runCtx, sessionID, question, persona)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Answer{}, res.Err
		}
		ans := res.Val.(Answer)
		ans.LatencyMs = time.Since(start).Milliseconds()
		return ans, nil
	case <-time.After(p.dedupeWait):
		// Evict so a wedged upstream call cannot hold the key forever.
		p.group.Forget(key)
		return Answer{}, fmt.Errorf("answer timed out")
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// run is the single upstream execution shared by all collapsed callers.
func (p *Pipeline) run(ctx context.Context, sessionID, question, persona string) (Answer, error) {
	// Retrieval. A failed retrieval degrades to an uncited answer rather
	// than failing the question outright.
	var snippets []plugin.SearchSnippet
	if res := p.retrieval.Search(ctx, question, p.topN); res.OK {
		snippets = res.Data
	} else {
		slog.Warn("retrieval failed, answering without context", "error", res.Err)
	}

	system, citations := composePrompt(question, persona, snippets)

	reply := p.chat.Chat(ctx, llm.ChatRequest{System: system, User: question})
	if !reply.OK {
		if ctx.Err() != nil {
			return Answer{}, fmt.Errorf("answer timed out")
		}
		return Answer{}, fmt.Errorf("chat upstream: %s", reply.Err)
	}

	final := stripCitationMarkers(reply.Data.Text)
	p.persistExchange(sessionID, question, final)

	return Answer{FinalText: final, Citations: citations}, nil
}

// recordRejection persists the refusal to the session transcript,
// best-effort, and escalates severe violations.
func (p *Pipeline) recordRejection(sessionID, question string, v Verdict) {
	if p.data == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if res := p.data.AppendMessage(ctx, sessionID, "user", question); !res.OK {
		slog.Warn("persisting rejected question failed", "session_id", sessionID, "error", res.Err)
	}
	if res := p.data.AppendMessage(ctx, sessionID, "assistant", v.Message); !res.OK {
		slog.Warn("persisting rejection message failed", "session_id", sessionID, "error", res.Err)
	}
	if res := p.data.LogAction(ctx, sessionID, "guardrail.block", v.Reason); !res.OK {
		slog.Warn("logging guardrail block failed", "session_id", sessionID, "error", res.Err)
	}

	if v.Severity == "high" {
		if res := p.data.UpsertEscalation(ctx, sessionID, v.Severity, v.Reason, ""); !res.OK {
			slog.Warn("escalation upsert failed", "session_id", sessionID, "error", res.Err)
		}
		notify.Dispatch(p.notifier, notify.Notification{
			SessionID: sessionID,
			Severity:  v.Severity,
			Reason:    v.Reason,
		})
	}
}

// persistExchange appends the question/answer pair to the session
// transcript. Failures are logged and never fail the response.
func (p *Pipeline) persistExchange(sessionID, question, answerText string) {
	if p.data == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if res := p.data.AppendMessage(ctx, sessionID, "user", question); !res.OK {
		slog.Warn("persisting question failed", "session_id", sessionID, "error", res.Err)
	}
	if res := p.data.AppendMessage(ctx, sessionID, "assistant", answerText); !res.OK {
		slog.Warn("persisting answer failed", "session_id", sessionID, "error", res.Err)
	}
	if res := p.data.LogAction(ctx, sessionID, "answer", ""); !res.OK {
		slog.Warn("logging answer action failed", "session_id", sessionID, "error", res.Err)
	}
}
