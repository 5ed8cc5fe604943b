package helpers

import (
	"io"
	"strings"
	"unicode"
)

// ReadAllAndClose drains r fully and closes it, so the underlying HTTP
// connection can be reused regardless of how the caller handles the body.
func ReadAllAndClose(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}

// BodySnippet condenses a response body into one short line suitable for
// an error message. Runs of whitespace and control characters collapse to
// a single space; anything beyond max runes is cut with an ellipsis.
func BodySnippet(body []byte, max int) string {
	condensed := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, string(body))
	condensed = strings.Join(strings.Fields(condensed), " ")
	if max > 0 {
		if runes := []rune(condensed); len(runes) > max {
			condensed = string(runes[:max]) + "…"
		}
	}
	return condensed
}
