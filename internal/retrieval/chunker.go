package retrieval

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/malloy/porter/internal/plugin"
)

// headingPattern matches section-boundary lines: markdown headings,
// numbered headings ("3. Title", "2.1 Title") and "Section N" lines.
var headingPattern = regexp.MustCompile(`(?m)^(#{1,6}\s+.+|\d+(\.\d+)*[.)]?\s+[A-Z].*|Section\s+\d+.*)$`)

// Chunk splits text into section chunks at heading-like boundaries and
// returns one Document per chunk, tagged with the originating source and
// chunk index. Chunk order within a source is preserved.
func Chunk(text, source string) []plugin.Document {
	sections := splitSections(text)

	docs := make([]plugin.Document, 0, len(sections))
	for i, sec := range sections {
		sec = strings.TrimSpace(sec)
		if sec == "" {
			continue
		}
		docs = append(docs, plugin.Document{
			ID:     fmt.Sprintf("%s#%d", source, i),
			Text:   sec,
			Source: source,
			Meta:   map[string]string{"chunk": strconv.Itoa(i)},
		})
	}
	return docs
}

// splitSections cuts text immediately before each heading line. Text with
// no headings yields a single section.
func splitSections(text string) []string {
	locs := headingPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}

	var sections []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			sections = append(sections, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	sections = append(sections, text[prev:])
	return sections
}

// ExtractHTML strips markup from an HTML document and returns its
// visible text. Script and style contents are dropped.
func ExtractHTML(raw []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String(), nil
}

// ExtractPDF returns the plain text of a PDF file at path.
func ExtractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
