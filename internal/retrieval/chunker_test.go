package retrieval

import (
	"strings"
	"testing"
)

func TestChunkSplitsOnHeadings(t *testing.T) {
	text := `# Getting Started
Install the binary and run it.

# Configuration
Set PORTER_PORT to change the listen port.

## Advanced
Environment overrides win over the config file.`

	docs := Chunk(text, "guide.md")
	if len(docs) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(docs), docs)
	}
	if !strings.Contains(docs[1].Text, "PORTER_PORT") {
		t.Errorf("second chunk = %q", docs[1].Text)
	}
	for i, d := range docs {
		if d.Source != "guide.md" {
			t.Errorf("chunk %d source = %q", i, d.Source)
		}
		if d.Meta["chunk"] == "" {
			t.Errorf("chunk %d missing chunk index meta", i)
		}
	}
}

func TestChunkNumberedHeadings(t *testing.T) {
	text := `1. Overview
The system has two halves.
2. Details
The second half has the details.`

	docs := Chunk(text, "spec.txt")
	if len(docs) != 2 {
		t.Fatalf("got %d chunks, want 2", len(docs))
	}
}

func TestChunkNoHeadings(t *testing.T) {
	docs := Chunk("just a single paragraph of text", "note.txt")
	if len(docs) != 1 {
		t.Fatalf("got %d chunks, want 1", len(docs))
	}
	if docs[0].ID != "note.txt#0" {
		t.Errorf("chunk id = %q", docs[0].ID)
	}
}

func TestChunkSkipsEmptySections(t *testing.T) {
	docs := Chunk("   \n\n  ", "empty.txt")
	if len(docs) != 0 {
		t.Errorf("got %d chunks from whitespace input, want 0", len(docs))
	}
}

func TestExtractHTML(t *testing.T) {
	raw := []byte(`<html><head><style>body{color:red}</style>
<script>alert(1)</script></head>
<body><h1>Release Notes</h1><p>Fixed the snippet window bug.</p></body></html>`)

	text, err := ExtractHTML(raw)
	if err != nil {
		t.Fatalf("ExtractHTML: %v", err)
	}
	if !strings.Contains(text, "Release Notes") || !strings.Contains(text, "snippet window") {
		t.Errorf("extracted text = %q", text)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color:red") {
		t.Errorf("script/style leaked into text: %q", text)
	}
}
