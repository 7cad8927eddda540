package answer

import "regexp"

// Verdict is the outcome of a guardrail check. A blocked question never
// reaches retrieval or generation; the refusal Message is returned as the
// answer text. A rejection is not a failure.
type Verdict struct {
	Blocked  bool
	Severity string // "low" or "high"; high triggers an escalation
	Reason   string
	Message  string
}

type rule struct {
	pattern  *regexp.Regexp
	severity string
	reason   string
	message  string
}

// Guardrail is the pre-flight policy check applied to every raw question.
type Guardrail struct {
	rules []rule
}

const defaultRefusal = "I can't help with that request. If you have a question about our product or documentation, I'm happy to help."

// NewGuardrail returns a Guardrail with the default policy rules.
func NewGuardrail() *Guardrail {
	return &Guardrail{rules: []rule{
		{
			pattern:  regexp.MustCompile(`(?i)ignore\s+(all|any|every|the|previous|prior)\s+\w*\s*instructions`),
			severity: "low",
			reason:   "prompt injection attempt",
			message:  defaultRefusal,
		},
		{
			pattern:  regexp.MustCompile(`(?i)(reveal|share|show|give|tell)\b.*\b(password|passwords|api key|secret|credential|token)s?\b`),
			severity: "high",
			reason:   "credential disclosure attempt",
			message:  defaultRefusal,
		},
		{
			pattern:  regexp.MustCompile(`(?i)\b(system prompt|hidden prompt|internal prompt)\b`),
			severity: "low",
			reason:   "prompt disclosure attempt",
			message:  defaultRefusal,
		},
		{
			pattern:  regexp.MustCompile(`(?i)\b(hack|exploit|bypass)\b.*\b(account|auth|authentication|login|paywall)\b`),
			severity: "high",
			reason:   "abuse attempt",
			message:  defaultRefusal,
		},
	}}
}

// Check evaluates the question against the policy rules. The first match
// wins.
func (g *Guardrail) Check(question string) Verdict {
	for _, r := range g.rules {
		if r.pattern.MatchString(question) {
			return Verdict{
				Blocked:  true,
				Severity: r.severity,
				Reason:   r.reason,
				Message:  r.message,
			}
		}
	}
	return Verdict{}
}
