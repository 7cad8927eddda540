package answer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/malloy/porter/internal/plugin"
)

// Citation ties a bracketed marker in the generated text back to the
// snippet it was grounded on.
type Citation struct {
	Ref     int     `json:"ref"`
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

const defaultPersona = "You are a concise, factual support assistant."

// composePrompt builds the system prompt embedding retrieved snippets as
// numbered context entries, and the citation list that mirrors them. The
// model is instructed to mark claims with the matching [n].
func composePrompt(question, persona string, snippets []plugin.SearchSnippet) (system string, citations []Citation) {
	if persona == "" {
		persona = defaultPersona
	}

	var sb strings.Builder
	sb.WriteString(persona)
	sb.WriteString("\n\nAnswer using only the context below. Mark every claim taken from the context with its bracketed reference, e.g. [1]. If the context does not cover the question, say so.\n")

	for i, s := range snippets {
		ref := i + 1
		fmt.Fprintf(&sb, "\n[%d] (source: %s)\n%s\n", ref, s.Source, s.Text)
		citations = append(citations, Citation{
			Ref:     ref,
			Source:  s.Source,
			Snippet: s.Text,
			Score:   s.Score,
		})
	}

	return sb.String(), citations
}

var citationMarker = regexp.MustCompile(`\s*\[\d+\]`)

// stripCitationMarkers removes bracketed reference markers for end-user
// display. The structured citation list keeps the traceability.
func stripCitationMarkers(text string) string {
	return strings.TrimSpace(citationMarker.ReplaceAllString(text, ""))
}
