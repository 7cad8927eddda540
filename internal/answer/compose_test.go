package answer

import (
	"strings"
	"testing"
)

func TestComposePromptNumbersSnippets(t *testing.T) {
	system, citations := composePrompt("how do refunds work", "", testSnippets())

	if !strings.Contains(system, "[1] (source: billing.md)") {
		t.Errorf("system prompt missing first context entry:\n%s", system)
	}
	if !strings.Contains(system, "[2] (source: faq.md)") {
		t.Errorf("system prompt missing second context entry:\n%s", system)
	}
	if len(citations) != 2 {
		t.Fatalf("got %d citations, want 2", len(citations))
	}
	if citations[1].Ref != 2 || citations[1].Score != 0.5 {
		t.Errorf("citation[1] = %+v", citations[1])
	}
}

func TestComposePromptDefaultPersona(t *testing.T) {
	system, _ := composePrompt("q", "", nil)
	if !strings.Contains(system, defaultPersona) {
		t.Errorf("default persona missing:\n%s", system)
	}

	system, _ = composePrompt("q", "You are a pirate.", nil)
	if !strings.HasPrefix(system, "You are a pirate.") {
		t.Errorf("custom persona ignored:\n%s", system)
	}
}

func TestStripCitationMarkers(t *testing.T) {
	in := "Refunds take 5 days [1]. See the FAQ [2]."
	got := stripCitationMarkers(in)
	want := "Refunds take 5 days. See the FAQ."
	if got != want {
		t.Errorf("stripCitationMarkers = %q, want %q", got, want)
	}

	if got := stripCitationMarkers("no markers here"); got != "no markers here" {
		t.Errorf("unmarked text changed: %q", got)
	}
}
