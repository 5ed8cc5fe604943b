// Package chromedp renders pages in a headless browser and distils them
// to readable article text.
package chromedp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/tools/web_fetch/models"
)

const defaultUserAgent = "playbook-research/1.0"

type Fetch struct {
	Timeout   time.Duration
	MaxChars  int // maximum characters of article text to keep
	UserAgent string
}

// Exec navigates to the page and extracts the readable article. Failed
// navigations and unreadable documents degrade to partial results rather
// than errors, so evidence expansion can skip them and move on.
func (f *Fetch) Exec(ctx context.Context, pageURL string) (models.Result, error) {
	if strings.TrimSpace(pageURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t0 := time.Now()

	html, err := f.fetchHTML(ctx, pageURL)
	if err != nil {
		return models.Result{URL: pageURL, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(pageURL))
	if err != nil {
		return models.Result{URL: pageURL, Status: 200, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}

	text := strings.TrimSpace(helpers.StrictHTMLPolicy().Sanitize(article.TextContent))
	text = truncateRunes(text, f.MaxChars)

	sum := sha1.Sum([]byte(html))

	return models.Result{
		URL:      pageURL,
		Title:    helpers.CleanSnippet(article.Title),
		Byline:   helpers.CleanSnippet(article.Byline),
		SiteName: helpers.CleanSnippet(article.SiteName),
		Excerpt:  helpers.CleanSnippet(article.Excerpt),
		Text:     text,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   200,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func (f *Fetch) fetchHTML(ctx context.Context, pageURL string) (string, error) {
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// truncateRunes cuts on rune boundaries; articles here are mostly CJK
// text where byte slicing would split characters.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
