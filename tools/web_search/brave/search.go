package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/models"
)

const defaultEndpoint = "https://api.search.brave.com/res/v1"

type Search struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (s Search) Name() string { return "brave" }

func (s Search) Available() bool { return strings.TrimSpace(s.APIKey) != "" }

// Search ignores q.Depth; Brave has no equivalent knob. News queries hit
// the news vertical, everything else the web one.
func (s Search) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	// https://api.search.brave.com/app/documentation/web-search
	n := clamp(q.MaxResults)

	base := s.Endpoint
	if base == "" {
		base = defaultEndpoint
	}
	vertical := "/web/search"
	if q.Topic == models.TopicNews {
		vertical = "/news/search"
	}

	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("count", strconv.Itoa(n))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+vertical+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.APIKey)

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave: %s: %s", resp.Status, helpers.BodySnippet(respBody, 200))
	}

	type entry struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Description string `json:"description"`
		Age         string `json:"age"`
	}
	var raw struct {
		Web struct {
			Results []entry `json:"results"`
		} `json:"web"`
		Results []entry `json:"results"` // news vertical puts them at the top level
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}

	entries := raw.Web.Results
	if len(entries) == 0 {
		entries = raw.Results
	}

	var out []models.SearchResult
	for _, r := range entries {
		if len(out) >= n {
			break
		}
		title := strings.TrimSpace(r.Title)
		link := strings.TrimSpace(r.URL)
		if title == "" || link == "" {
			continue
		}
		out = append(out, models.SearchResult{
			Title:     title,
			URL:       link,
			Snippet:   helpers.CleanSnippet(r.Description),
			Provider:  "brave",
			Published: r.Age,
		})
	}
	return out, nil
}

func (s Search) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func clamp(n int) int {
	if n <= 0 {
		return 5
	}
	if n > 10 {
		return 10
	}
	return n
}
