package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"utm_source":      {},
	"utm_medium":      {},
	"utm_campaign":    {},
	"utm_term":        {},
	"utm_content":     {},
	"utm_id":          {},
	"utm_name":        {},
	"utm_reader":      {},
	"utm_place":       {},
	"utm_social":      {},
	"utm_social-type": {},
	"gclid":           {},
	"dclid":           {},
	"fbclid":          {},
	"msclkid":         {},
	"igshid":          {},
	"yclid":           {},
	"twclid":          {},
}

// CanonicalURL normalises a URL string for comparison. It lowercases
// scheme/host, removes default ports, strips fragments, cleans path
// segments, drops tracking query parameters (utm_*, fbclid, …) and sorts
// the remaining query deterministically. A missing scheme defaults to
// https. Two results pointing at the same article through different
// tracking links canonicalise to the same string.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := parseMaybeSchemeless(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host
	parsed.Path = canonicalPath(parsed.Path)
	parsed.Fragment = ""
	parsed.RawQuery = canonicalQuery(parsed.Query())

	return parsed.String(), nil
}

// DedupKey is the merge-dedup key for a search result URL: the canonical
// form when the URL parses, the trimmed raw string otherwise. The merge
// path must never fail on a malformed vendor URL.
func DedupKey(raw string) string {
	if canonical, err := CanonicalURL(raw); err == nil {
		return canonical
	}
	return strings.TrimSpace(raw)
}

// URLFingerprint returns a deterministic SHA-256 hex digest of the
// canonical URL, suitable as a stable artifact name for fetched pages.
func URLFingerprint(raw string) (string, error) {
	canonical, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	clean := path.Clean(p)
	if clean == "." {
		clean = "/"
	}
	if !strings.HasPrefix(clean, "/") {
		clean = "/" + clean
	}
	// Preserve an explicit trailing slash on non-root paths.
	if clean != "/" && strings.HasSuffix(p, "/") && !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	return clean
}

func canonicalQuery(query url.Values) string {
	for key := range query {
		if _, drop := trackingQueryParams[strings.ToLower(key)]; drop {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		return ""
	}
	for _, values := range query {
		sort.Strings(values)
	}
	// Encode sorts keys, giving a deterministic ordering.
	return query.Encode()
}

// parseMaybeSchemeless parses raw into a url.URL, tolerating schemeless
// forms like example.com/path and //example.com/path.
func parseMaybeSchemeless(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
