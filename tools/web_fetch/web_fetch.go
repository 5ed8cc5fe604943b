// Package web_fetch turns URLs into readable article text for evidence
// expansion and on-demand research fetches.
package web_fetch

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/playbook/tools/web_fetch/models"
)

const MaxCharsDefault = 20000

// WebFetcher pulls one page and returns its readable extraction.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
)

// New builds the configured fetcher. Only the chromedp backend exists
// today; an empty type selects it.
func New(fetcherType FetcherType, cfg config.WebFetchConfig) (WebFetcher, error) {
	switch fetcherType {
	case ChromedpFetcherType, "":
		return &chromedp.Fetch{
			Timeout:   cfg.Timeout,
			MaxChars:  MaxCharsDefault,
			UserAgent: cfg.UserAgent,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported fetcher type %q", fetcherType)
	}
}
