package helpers

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Outcome is the terminal result of a structured-extraction attempt.
// A successful extraction carries the decoded object and an empty Reason;
// a failed one carries a non-empty Reason plus the raw text so callers can
// surface diagnostics. Extraction never panics and never returns an error:
// callers branch on OK().
type Outcome struct {
	Object  map[string]interface{}
	Reason  string
	RawText string
}

// OK reports whether extraction produced an object.
func (o Outcome) OK() bool { return o.Object != nil }

type extractConfig struct {
	anyOfKeys []string
}

// ExtractOption configures Extract.
type ExtractOption func(*extractConfig)

// WithAnyOfKeys restricts fenced-block and brace-span candidates to objects
// carrying at least one of the given keys. Long replies often echo an
// unrelated example object before the real one; the key filter skips those.
func WithAnyOfKeys(keys ...string) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.anyOfKeys = append(cfg.anyOfKeys, keys...)
	}
}

// Extract recovers a JSON object embedded in free-form generated text.
// Strategies run in order, first success wins: fenced code blocks (most
// recent block first), the largest brace-delimited span, the whole text;
// then all three again after a trailing-comma cleanup pass. On total
// failure the Outcome carries the reason and the original text.
func Extract(raw string, opts ...ExtractOption) Outcome {
	var cfg extractConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	accept := func(obj map[string]interface{}) bool {
		if len(cfg.anyOfKeys) == 0 {
			return true
		}
		for _, k := range cfg.anyOfKeys {
			if _, ok := obj[k]; ok {
				return true
			}
		}
		return false
	}

	text := trimBOM(strings.TrimSpace(raw))
	if text == "" {
		return Outcome{Reason: "empty input", RawText: raw}
	}

	strategies := []func(string) (map[string]interface{}, bool){
		func(s string) (map[string]interface{}, bool) { return fromFencedBlocks(s, accept) },
		func(s string) (map[string]interface{}, bool) { return fromLargestBraceSpan(s, accept) },
		fromWholeText,
	}

	for _, strategy := range strategies {
		if obj, ok := strategy(text); ok {
			return Outcome{Object: obj, RawText: raw}
		}
	}

	if cleaned := stripTrailingCommas(text); cleaned != text {
		for _, strategy := range strategies {
			if obj, ok := strategy(cleaned); ok {
				return Outcome{Object: obj, RawText: raw}
			}
		}
	}

	return Outcome{Reason: "no parseable JSON object in text", RawText: raw}
}

// DecodeInto re-marshals a successful outcome into a typed struct so
// downstream code works with explicit shapes instead of raw maps.
func DecodeInto(o Outcome, v interface{}) error {
	if !o.OK() {
		return fmt.Errorf("cannot decode failed extraction: %s", o.Reason)
	}
	b, err := json.Marshal(o.Object)
	if err != nil {
		return fmt.Errorf("re-encoding extracted object: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding extracted object: %w", err)
	}
	return nil
}

// fromFencedBlocks tries every fenced code block, most recent first.
// Summaries tend to be emitted at the end of a running dialogue, so the
// last block is the best candidate.
func fromFencedBlocks(s string, accept func(map[string]interface{}) bool) (map[string]interface{}, bool) {
	blocks := fencedBlocks(s)
	for i := len(blocks) - 1; i >= 0; i-- {
		if obj, ok := decodeObject(blocks[i]); ok && accept(obj) {
			return obj, true
		}
	}
	return nil, false
}

// fromLargestBraceSpan first tries the greedy first-'{' to last-'}' span,
// then falls back to the longest balanced candidate the scanner can find.
func fromLargestBraceSpan(s string, accept func(map[string]interface{}) bool) (map[string]interface{}, bool) {
	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first == -1 || last <= first {
		return nil, false
	}
	if obj, ok := decodeObject(s[first : last+1]); ok && accept(obj) {
		return obj, true
	}

	var best map[string]interface{}
	bestLen := 0
	for i := first; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		span, ok := balancedSpan(s, i)
		if !ok || len(span) <= bestLen {
			continue
		}
		if obj, ok := decodeObject(span); ok && accept(obj) {
			best = obj
			bestLen = len(span)
		}
	}
	return best, best != nil
}

func fromWholeText(s string) (map[string]interface{}, bool) {
	return decodeObject(s)
}

// decodeObject parses s as a JSON object. Arrays and scalars are rejected:
// the extraction contract is about recovering one structured object.
func decodeObject(s string) (map[string]interface{}, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// fencedBlocks collects the contents of every fenced code block in order
// of appearance. Both ``` and ~~~ fences are recognised; the info string
// (language tag) on the opening line is discarded.
func fencedBlocks(s string) []string {
	var blocks []string
	for _, fence := range []string{"```", "~~~"} {
		start := 0
		for {
			i := strings.Index(s[start:], fence)
			if i == -1 {
				break
			}
			i += start
			after := i + len(fence)
			nl := strings.IndexByte(s[after:], '\n')
			if nl == -1 {
				break
			}
			contentStart := after + nl + 1
			j := strings.Index(s[contentStart:], fence)
			if j == -1 {
				break
			}
			blocks = append(blocks, strings.TrimSpace(s[contentStart:contentStart+j]))
			start = contentStart + j + len(fence)
		}
	}
	return blocks
}

// balancedSpan extracts a balanced {...} value starting at startIdx,
// ignoring braces and brackets inside string literals.
func balancedSpan(s string, startIdx int) (string, bool) {
	if startIdx < 0 || startIdx >= len(s) || s[startIdx] != '{' {
		return "", false
	}

	var (
		stack    []byte
		inString bool
		escape   bool
	)
	stack = append(stack, '{')

	for i := startIdx + 1; i < len(s); i++ {
		c := s[i]

		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[startIdx : i+1], true
			}
		}
	}
	return "", false
}

// stripTrailingCommas removes commas whose next non-whitespace byte closes
// an object or array. String literals are left untouched.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escape := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// trimBOM removes an optional UTF-8 BOM.
func trimBOM(s string) string {
	if strings.HasPrefix(s, "\uFEFF") {
		return strings.TrimPrefix(s, "\uFEFF")
	}
	if len(s) >= 3 {
		b0, b1, b2 := s[0], s[1], s[2]
		if b0 == 0xEF && b1 == 0xBB && b2 == 0xBF && utf8.ValidString(s[3:]) {
			return s[3:]
		}
	}
	return s
}
