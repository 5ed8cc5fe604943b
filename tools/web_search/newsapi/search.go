package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/models"
)

const defaultEndpoint = "https://newsapi.org/v2/everything"

type Search struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (s Search) Name() string { return "newsapi" }

func (s Search) Available() bool { return strings.TrimSpace(s.APIKey) != "" }

// Search only serves the news topic; NewsAPI has no general-web vertical,
// so other topics yield no results rather than an error.
func (s Search) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	// https://newsapi.org/docs/endpoints/everything
	if q.Topic != models.TopicNews {
		return nil, nil
	}
	n := clamp(q.MaxResults)

	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("pageSize", strconv.Itoa(n))
	params.Set("sortBy", "publishedAt")
	// Free-plan articles only reach back a month; asking for more is a 426.
	params.Set("from", time.Now().AddDate(0, 0, -30).Format("2006-01-02"))
	params.Set("apiKey", s.APIKey)

	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch news: %w", err)
	}
	respBody, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("newsapi error: %s: %s", resp.Status, helpers.BodySnippet(respBody, 200))
	}

	var raw struct {
		Status   string `json:"status"`
		Articles []struct {
			Source struct {
				Name string `json:"name"`
			} `json:"source"`
			Title       string    `json:"title"`
			Description string    `json:"description"`
			URL         string    `json:"url"`
			PublishedAt time.Time `json:"publishedAt"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var out []models.SearchResult
	for _, a := range raw.Articles {
		if len(out) >= n {
			break
		}
		title := strings.TrimSpace(a.Title)
		link := strings.TrimSpace(a.URL)
		if title == "" || link == "" {
			continue
		}
		published := ""
		if !a.PublishedAt.IsZero() {
			published = a.PublishedAt.Format("2006-01-02")
		}
		out = append(out, models.SearchResult{
			Title:     title,
			URL:       link,
			Snippet:   helpers.CleanSnippet(a.Description),
			Provider:  "newsapi",
			Published: published,
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
