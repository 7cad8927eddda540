// Package retrieval implements the reference keyword retrieval engine:
// section-boundary chunking, coverage-ratio scoring, snippet window
// extraction and a fixed fallback set for zero-match queries.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/malloy/porter/internal/plugin"
)

const (
	// maxSnippetLen bounds extracted snippet windows.
	maxSnippetLen = 350
	// snippetBefore/snippetAfter define the extraction window around the
	// first occurrence of the full query string.
	snippetBefore = 50
	snippetAfter  = 150

	defaultMaxResults = 5
)

// fallbackSnippets is returned when no indexed document matches, so
// downstream composition always has something to cite.
var fallbackSnippets = []plugin.SearchSnippet{
	{
		Source: "general",
		Text:   "No directly relevant documentation was found for this question. The answer below is based on general knowledge and may need verification.",
		Score:  0.1,
	},
}

// MemoryEngine is the in-memory reference implementation of the retrieval
// capability. Documents are held in insertion order; all state is guarded
// by one mutex since index writes are rare relative to searches.
type MemoryEngine struct {
	mu   sync.RWMutex
	docs []plugin.Document
}

// NewMemoryEngine creates an empty in-memory retrieval engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{}
}

// Index appends documents to the store. With replace set, the existing
// document set is discarded first, so re-indexing the same set is
// idempotent with respect to the reported total. A document whose id is
// already indexed is updated in place rather than appended; chunked
// documents carry deterministic ids, so re-indexing the same source
// refreshes content instead of accumulating duplicates.
func (e *MemoryEngine) Index(ctx context.Context, docs []plugin.Document, replace bool) plugin.Result[plugin.IndexStats] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if replace {
		e.docs = nil
	}
	for _, d := range docs {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if i := e.indexOf(d.ID); i >= 0 {
			e.docs[i] = d
			continue
		}
		e.docs = append(e.docs, d)
	}
	return plugin.Ok(plugin.IndexStats{Indexed: len(docs), Total: len(e.docs)})
}

// indexOf finds the position of an indexed document by id. Caller holds
// the lock. Linear scan; the document set is small.
func (e *MemoryEngine) indexOf(id string) int {
	for i, d := range e.docs {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// Search scores every indexed document against the query and returns up
// to maxResults snippets. Accumulation stops at maxResults in
// first-matched order before the final score sort; a later, higher-
// scoring document can therefore be excluded. Kept as-is for
// compatibility with existing result sets.
func (e *MemoryEngine) Search(ctx context.Context, query string, maxResults int) plugin.Result[[]plugin.SearchSnippet] {
	e.mu.RLock()
	docs := e.docs
	e.mu.RUnlock()

	return plugin.Ok(scoreDocuments(docs, query, maxResults))
}

// Status reports document count and engine identity.
func (e *MemoryEngine) Status(ctx context.Context) plugin.Result[plugin.EngineStatus] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return plugin.Ok(plugin.EngineStatus{
		Indexed:  len(e.docs) > 0,
		DocCount: len(e.docs),
		Engine:   "memory",
	})
}

// scoreDocuments runs the shared scoring pass used by both the memory and
// sqlite engines.
func scoreDocuments(docs []plugin.Document, query string, maxResults int) []plugin.SearchSnippet {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	terms := queryTerms(query)
	if len(terms) == 0 {
		return append([]plugin.SearchSnippet(nil), fallbackSnippets...)
	}

	var snippets []plugin.SearchSnippet
	for _, d := range docs {
		if len(snippets) >= maxResults {
			break
		}
		lower := strings.ToLower(d.Text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		snippets = append(snippets, plugin.SearchSnippet{
			Source: d.Source,
			Text:   extractSnippet(d.Text, query),
			Score:  float64(matched) / float64(len(terms)),
			Meta:   d.Meta,
		})
	}

	if len(snippets) == 0 {
		return append([]plugin.SearchSnippet(nil), fallbackSnippets...)
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	return snippets
}

// queryTerms lower-cases and tokenizes the query, dropping tokens of
// length <= 2 as stop-noise.
func queryTerms(query string) []string {
	var terms []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) <= 2 {
			continue
		}
		terms = append(terms, tok)
	}
	return terms
}

// extractSnippet returns a bounded window around the first
// case-insensitive occurrence of the full query string. When the full
// query does not occur verbatim (only individual terms matched), the
// document's leading characters are used instead.
func extractSnippet(text, query string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		return truncate(text, maxSnippetLen)
	}

	start := idx - snippetBefore
	prefix := ""
	if start > 0 {
		prefix = "..."
	} else {
		start = 0
	}

	end := idx + len(query) + snippetAfter
	suffix := ""
	if end < len(text) {
		suffix = "..."
	} else {
		end = len(text)
	}

	start = runeStart(text, start)
	end = runeStart(text, end)
	return truncate(prefix+text[start:end]+suffix, maxSnippetLen)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:runeStart(s, n)] + "..."
}

// runeStart walks i back to the nearest rune boundary so window cuts
// never split a multi-byte rune.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
