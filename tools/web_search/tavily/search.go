package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/models"
)

const defaultEndpoint = "https://api.tavily.com/search"

type Search struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (s Search) Name() string { return "tavily" }

func (s Search) Available() bool { return strings.TrimSpace(s.APIKey) != "" }

func (s Search) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	// https://docs.tavily.com/docs/rest-api/api-reference
	n := clamp(q.MaxResults)
	payload := map[string]interface{}{
		"api_key":      s.APIKey,
		"query":        q.Text,
		"max_results":  n,
		"search_depth": string(q.Depth),
		"topic":        string(q.Topic),
	}
	body, _ := json.Marshal(payload)

	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := helpers.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily: %s: %s", resp.Status, helpers.BodySnippet(respBody, 200))
	}

	var raw struct {
		Results []struct {
			Title         string  `json:"title"`
			URL           string  `json:"url"`
			Content       string  `json:"content"`
			Score         float64 `json:"score"`
			PublishedDate string  `json:"published_date"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}

	var out []models.SearchResult
	for _, r := range raw.Results {
		if len(out) >= n {
			break
		}
		title := strings.TrimSpace(r.Title)
		url := strings.TrimSpace(r.URL)
		if title == "" || url == "" {
			continue
		}
		out = append(out, models.SearchResult{
			Title:     title,
			URL:       url,
			Snippet:   helpers.CleanSnippet(r.Content),
			Provider:  "tavily",
			Published: r.PublishedDate,
			Score:     r.Score,
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
