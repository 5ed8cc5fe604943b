package helpers

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy

	pagePolicyOnce sync.Once
	pagePolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every
// HTML element and attribute, leaving plain text.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PageHTMLPolicy returns a policy for fetched article bodies: basic
// formatting survives, scripts, event handlers and unsafe URL schemes do
// not. Cached because the fetcher sanitises many documents.
func PageHTMLPolicy() *bluemonday.Policy {
	pagePolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowElements("figure", "figcaption")
		policy.AllowURLSchemes("http", "https")
		policy.RequireParseableURLs(true)
		pagePolicy = policy
	})
	return pagePolicy
}

// CleanSnippet turns a vendor-supplied snippet into prompt-safe plain
// text: tags stripped, whitespace collapsed. Search APIs routinely embed
// <b> highlights and stray markup in descriptions.
func CleanSnippet(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	plain := StrictHTMLPolicy().Sanitize(s)
	return strings.Join(strings.Fields(plain), " ")
}

// SanitizePageHTML cleans a fetched document with PageHTMLPolicy.
func SanitizePageHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(PageHTMLPolicy().Sanitize(s))
}
