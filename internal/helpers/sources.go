package helpers

import (
	"fmt"
	"net/url"
	"strings"
)

// Source is the metadata of one retrieved document as it appears in an
// LLM prompt. Callers map their own result types into it.
type Source struct {
	Title     string
	URL       string
	Snippet   string
	Provider  string
	Published string
}

type sourceListConfig struct {
	maxSnippet int
	limit      int
}

// SourceListOption configures source-block rendering.
type SourceListOption func(*sourceListConfig)

// WithMaxSnippetLength truncates snippets to the provided length (default 180).
func WithMaxSnippetLength(n int) SourceListOption {
	return func(cfg *sourceListConfig) {
		if n > 0 {
			cfg.maxSnippet = n
		}
	}
}

// WithSourceLimit caps how many sources are rendered (default 8).
func WithSourceLimit(n int) SourceListOption {
	return func(cfg *sourceListConfig) {
		if n > 0 {
			cfg.limit = n
		}
	}
}

// FormatSourceList renders sources as a numbered, citation-friendly block
// for LLM prompts:
//
//	[1] (tavily, 2025-04-15) Title
//	URL: https://example.com/article
//	Snippet: "…"
//
// An empty list renders as "(no search results)" so prompts never carry a
// silent hole.
func FormatSourceList(sources []Source, opts ...SourceListOption) string {
	cfg := sourceListConfig{maxSnippet: 180, limit: 8}
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(sources) > cfg.limit {
		sources = sources[:cfg.limit]
	}
	var blocks []string
	for i, s := range sources {
		blocks = append(blocks, formatSource(i+1, s, cfg))
	}
	joined := strings.TrimSpace(strings.Join(blocks, "\n\n"))
	if joined == "" {
		return "(no search results)"
	}
	return joined
}

func formatSource(n int, s Source, cfg sourceListConfig) string {
	head := fmt.Sprintf("[%d]", n)
	if meta := sourceMeta(s); meta != "" {
		head += " (" + meta + ")"
	}
	if title := strings.TrimSpace(s.Title); title != "" {
		head += " " + title
	}

	lines := []string{head}
	if link := strings.TrimSpace(s.URL); link != "" {
		lines = append(lines, "URL: "+link)
	}
	if snippet := formatSnippet(s.Snippet, cfg.maxSnippet); snippet != "" {
		lines = append(lines, "Snippet: "+snippet)
	}
	return strings.Join(lines, "\n")
}

func sourceMeta(s Source) string {
	var parts []string
	if provider := strings.TrimSpace(s.Provider); provider != "" {
		parts = append(parts, provider)
	}
	if published := strings.TrimSpace(s.Published); published != "" {
		parts = append(parts, published)
	}
	if len(parts) == 0 {
		if domain := extractDomain(s.URL); domain != "" {
			parts = append(parts, domain)
		}
	}
	return strings.Join(parts, ", ")
}

func formatSnippet(snippet string, limit int) string {
	snippet = strings.TrimSpace(snippet)
	if snippet == "" {
		return ""
	}
	// Collapse whitespace so one source never spans extra prompt lines.
	snippet = strings.Join(strings.Fields(snippet), " ")
	if runes := []rune(snippet); limit > 0 && len(runes) > limit {
		snippet = strings.TrimSpace(string(runes[:limit]))
		if !strings.HasSuffix(snippet, "…") {
			snippet += "…"
		}
	}
	if !strings.HasPrefix(snippet, "\"") {
		snippet = `"` + snippet
	}
	if !strings.HasSuffix(snippet, "\"") {
		snippet = snippet + `"`
	}
	return snippet
}

func extractDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	return host
}
