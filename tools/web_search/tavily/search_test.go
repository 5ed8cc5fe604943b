package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/playbook/models"
)

func TestSearchMapsResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if payload["query"] != "nvidia earnings" {
			t.Errorf("query not forwarded: %v", payload["query"])
		}
		if payload["search_depth"] != "advanced" {
			t.Errorf("depth not forwarded: %v", payload["search_depth"])
		}
		if payload["max_results"].(float64) != 10 {
			t.Errorf("max_results should clamp to 10, got %v", payload["max_results"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Q2 beat","url":"https://example.com/a","content":"<b>Revenue</b> up","score":0.91,"published_date":"2025-08-01"},
			{"title":"","url":"https://example.com/missing-title"},
			{"title":"No URL","url":""}
		]}`))
	}))
	defer srv.Close()

	s := Search{APIKey: "k", Endpoint: srv.URL, Client: srv.Client()}
	got, err := s.Search(context.Background(), models.SearchQuery{
		Text:       "nvidia earnings",
		MaxResults: 50,
		Topic:      models.TopicNews,
		Depth:      models.DepthAdvanced,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result after dropping incomplete entries, got %d", len(got))
	}
	r := got[0]
	if r.Provider != "tavily" || r.Title != "Q2 beat" || r.Published != "2025-08-01" || r.Score != 0.91 {
		t.Fatalf("unexpected mapping: %#v", r)
	}
	if r.Snippet != "Revenue up" {
		t.Fatalf("snippet should be sanitised, got %q", r.Snippet)
	}
}

func TestSearchErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := Search{APIKey: "bad", Endpoint: srv.URL, Client: srv.Client()}
	_, err := s.Search(context.Background(), models.SearchQuery{Text: "x"})
	if err == nil {
		t.Fatalf("expected error on non-200 status")
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("error should carry the response body, got %q", err)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	if (Search{}).Available() {
		t.Fatalf("no key should mean unavailable")
	}
	if !(Search{APIKey: "k"}).Available() {
		t.Fatalf("key should mean available")
	}
}
