package serper

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

const defaultEndpoint = "https://google.serper.dev"

type Search struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func (s Search) Name() string { return "serper" }

func (s Search) Available() bool { return strings.TrimSpace(s.APIKey) != "" }

func (s Search) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	// https://serper.dev/ docs
	n := clamp(q.MaxResults)
	payload := map[string]interface{}{"q": q.Text, "num": n}
	body, _ := json.Marshal(payload)

	base := s.Endpoint
	if base == "" {
		base = defaultEndpoint
	}
	path := "/search"
	if q.Topic == models.TopicNews {
		path = "/news"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
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
		return nil, fmt.Errorf("serper: %s: %s", resp.Status, helpers.BodySnippet(respBody, 200))
	}

	type entry struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	}
	var raw struct {
		Organic []entry `json:"organic"`
		News    []entry `json:"news"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}

	entries := raw.Organic
	if q.Topic == models.TopicNews {
		entries = raw.News
	}

	var out []models.SearchResult
	for _, r := range entries {
		if len(out) >= n {
			break
		}
		title := strings.TrimSpace(r.Title)
		link := strings.TrimSpace(r.Link)
		if title == "" || link == "" {
			continue
		}
		out = append(out, models.SearchResult{
			Title:     title,
			URL:       link,
			Snippet:   helpers.CleanSnippet(r.Snippet),
			Provider:  "serper",
			Published: r.Date,
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
