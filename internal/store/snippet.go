package store

import (
	"sort"
	"strings"
)

// snippetContextLines is how many lines of context surround the match line.
const snippetContextLines = 2

// BuildSnippet extracts a few lines around the first occurrence of any
// matched term and records highlight offsets within the excerpt. When no
// term occurs literally (tokenization may have split identifiers), the
// head of the file is returned without highlights.
func BuildSnippet(content string, terms []string) Snippet {
	lines := strings.Split(content, "\n")
	lower := make([]string, len(lines))
	for i, l := range lines {
		lower[i] = strings.ToLower(l)
	}

	matchLine := -1
	for i := range lower {
		for _, term := range terms {
			if term == "" {
				continue
			}
			if strings.Contains(lower[i], strings.ToLower(term)) {
				matchLine = i
				break
			}
		}
		if matchLine >= 0 {
			break
		}
	}
	if matchLine < 0 {
		matchLine = 0
	}

	start := matchLine - snippetContextLines
	if start < 0 {
		start = 0
	}
	end := matchLine + snippetContextLines + 1
	if end > len(lines) {
		end = len(lines)
	}

	text := strings.Join(lines[start:end], "\n")
	return Snippet{
		StartLine:  start + 1,
		Text:       text,
		Highlights: highlightOffsets(text, terms),
	}
}

// highlightOffsets finds every case-insensitive occurrence of each term
// in text, as [start,end) byte ranges sorted by position.
func highlightOffsets(text string, terms []string) [][2]int {
	lower := strings.ToLower(text)
	var spans [][2]int
	for _, term := range terms {
		t := strings.ToLower(term)
		if t == "" {
			continue
		}
		for from := 0; ; {
			idx := strings.Index(lower[from:], t)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, [2]int{start, start + len(t)})
			from = start + len(t)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	return spans
}
