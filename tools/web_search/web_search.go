package web_search

import (
	"context"
	"errors"
	"net/http"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search/brave"
	"github.com/mohammad-safakhou/playbook/tools/web_search/newsapi"
	"github.com/mohammad-safakhou/playbook/tools/web_search/serper"
	"github.com/mohammad-safakhou/playbook/tools/web_search/tavily"
)

// Query aliases the shared request shape so callers can stay inside this
// package.
type Query = models.SearchQuery

// Searcher is one web search provider. Available must not perform I/O; it
// reports credential presence so the orchestrator can skip unconfigured
// providers cheaply. Search returns provider-neutral results with the
// Provider field stamped.
type Searcher interface {
	Name() string
	Available() bool
	Search(ctx context.Context, q Query) ([]models.SearchResult, error)
}

type Provider string

const (
	TavilyProvider  Provider = "tavily"
	BraveProvider   Provider = "brave"
	SerperProvider  Provider = "serper"
	NewsAPIProvider Provider = "newsapi"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// New constructs a single provider adapter. The adapter is returned even
// when the key is empty; it will simply report Available() == false.
func New(provider Provider, apiKey string, client *http.Client) (Searcher, error) {
	switch provider {
	case TavilyProvider:
		return tavily.Search{APIKey: apiKey, Client: client}, nil
	case BraveProvider:
		return brave.Search{APIKey: apiKey, Client: client}, nil
	case SerperProvider:
		return serper.Search{APIKey: apiKey, Client: client}, nil
	case NewsAPIProvider:
		return newsapi.Search{APIKey: apiKey, Client: client}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// FromConfig builds the priority-ordered provider slice. Order follows
// cfg.Providers; unknown names were rejected by config validation.
// Unavailable providers are still constructed so the orchestrator can log
// the skip per call.
func FromConfig(cfg config.SearchConfig) []Searcher {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	keys := map[Provider]string{
		TavilyProvider:  cfg.TavilyAPIKey,
		BraveProvider:   cfg.BraveAPIKey,
		SerperProvider:  cfg.SerperAPIKey,
		NewsAPIProvider: cfg.NewsAPIKey,
	}

	out := make([]Searcher, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		s, err := New(Provider(name), keys[Provider(name)], client)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}
