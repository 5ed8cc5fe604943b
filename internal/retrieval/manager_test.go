package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

type fakeSearcher struct {
	name    string
	offline bool
	results []models.SearchResult
	err     error
	delay   time.Duration
	calls   int32
}

func (f *fakeSearcher) Name() string    { return f.name }
func (f *fakeSearcher) Available() bool { return !f.offline }

func (f *fakeSearcher) Search(ctx context.Context, q web_search.Query) ([]models.SearchResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeSearcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

type memCache struct {
	mu      sync.Mutex
	entries map[string][]models.SearchResult
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]models.SearchResult)}
}

func (c *memCache) Get(key string) ([]models.SearchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	results, ok := c.entries[key]
	return results, ok
}

func (c *memCache) Put(key string, results []models.SearchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = results
}

func (c *memCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func result(title, url, provider string) models.SearchResult {
	return models.SearchResult{Title: title, URL: url, Provider: provider}
}

func testQuery() web_search.Query {
	return web_search.Query{
		Text:       "nvda earnings",
		MaxResults: 10,
		Topic:      models.TopicNews,
		Depth:      models.DepthBasic,
	}
}

func TestSearchUnionCacheHit(t *testing.T) {
	t.Parallel()

	p := &fakeSearcher{name: "tavily", results: []models.SearchResult{
		result("NVDA beats", "https://example.com/nvda", "tavily"),
	}}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{p}, newMemCache(), nil)

	first := mgr.Search(context.Background(), testQuery())
	if len(first) != 1 {
		t.Fatalf("first search returned %d results, want 1", len(first))
	}
	second := mgr.Search(context.Background(), testQuery())
	if len(second) != 1 {
		t.Fatalf("second search returned %d results, want 1", len(second))
	}
	if p.callCount() != 1 {
		t.Fatalf("provider called %d times, union cache should have answered the second search", p.callCount())
	}
}

func TestSearchProviderFailureTolerated(t *testing.T) {
	t.Parallel()

	broken := &fakeSearcher{name: "tavily", err: errors.New("rate limited")}
	healthy := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("Story one", "https://example.com/one", "brave"),
		result("Story two", "https://example.com/two", "brave"),
	}}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{broken, healthy}, newMemCache(), nil)

	got := mgr.Search(context.Background(), testQuery())
	if len(got) != 2 {
		t.Fatalf("got %d results, want the 2 from the healthy provider", len(got))
	}
	for _, r := range got {
		if r.Provider != "brave" {
			t.Fatalf("unexpected provider %q in %+v", r.Provider, r)
		}
	}
}

func TestSearchAllProvidersFailCachesEmptyUnion(t *testing.T) {
	t.Parallel()

	a := &fakeSearcher{name: "tavily", err: errors.New("boom")}
	b := &fakeSearcher{name: "brave", err: errors.New("also boom")}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{a, b}, newMemCache(), nil)

	if got := mgr.Search(context.Background(), testQuery()); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}

	// Second round must be answered by the cached empty union.
	mgr.Search(context.Background(), testQuery())
	if a.callCount() != 1 || b.callCount() != 1 {
		t.Fatalf("providers re-consulted despite cached empty union: a=%d b=%d", a.callCount(), b.callCount())
	}
}

func TestSearchSkipsUnavailableProviders(t *testing.T) {
	t.Parallel()

	missingKey := &fakeSearcher{name: "tavily", offline: true, results: []models.SearchResult{
		result("Should not appear", "https://example.com/hidden", "tavily"),
	}}
	configured := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("Visible", "https://example.com/visible", "brave"),
	}}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{missingKey, configured}, newMemCache(), nil)

	got := mgr.Search(context.Background(), testQuery())
	if missingKey.callCount() != 0 {
		t.Fatal("unavailable provider was invoked")
	}
	if len(got) != 1 || got[0].Provider != "brave" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestSearchDedupFirstSeenWins(t *testing.T) {
	t.Parallel()

	a := &fakeSearcher{name: "tavily", results: []models.SearchResult{
		result("From tavily", "https://example.com/story?utm_source=feed", "tavily"),
	}}
	b := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("From brave", "example.com/story", "brave"),
		result("Fresh", "https://example.com/other", "brave"),
	}}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{a, b}, newMemCache(), nil)

	got := mgr.Search(context.Background(), testQuery())
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2 after dedup", len(got))
	}
	if got[0].Title != "From tavily" {
		t.Fatalf("first-seen result lost the dedup: %+v", got[0])
	}
	if got[1].Title != "Fresh" {
		t.Fatalf("distinct URL dropped: %+v", got[1])
	}
}

func TestSearchStopsOnceMaxResultsGathered(t *testing.T) {
	t.Parallel()

	a := &fakeSearcher{name: "tavily", results: []models.SearchResult{
		result("One", "https://example.com/1", "tavily"),
		result("Two", "https://example.com/2", "tavily"),
		result("Three", "https://example.com/3", "tavily"),
	}}
	b := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("Never needed", "https://example.com/4", "brave"),
	}}
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{a, b}, newMemCache(), nil)

	q := testQuery()
	q.MaxResults = 2
	got := mgr.Search(context.Background(), q)
	if len(got) != 2 {
		t.Fatalf("got %d results, want cap of 2", len(got))
	}
	if b.callCount() != 0 {
		t.Fatal("second provider consulted after the cap was already met")
	}
}

func TestSearchBudgetStopsConsultation(t *testing.T) {
	t.Parallel()

	slow := &fakeSearcher{name: "tavily", delay: 60 * time.Millisecond, results: []models.SearchResult{
		result("Slow but useful", "https://example.com/slow", "tavily"),
	}}
	never := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("Too late", "https://example.com/late", "brave"),
	}}
	cfg := config.SearchConfig{HardTimeout: 30 * time.Millisecond}
	mgr := NewManager(cfg, []web_search.Searcher{slow, never}, newMemCache(), nil)

	got := mgr.Search(context.Background(), testQuery())
	if never.callCount() != 0 {
		t.Fatal("provider consulted after the time budget was spent")
	}
	if len(got) != 1 || got[0].Title != "Slow but useful" {
		t.Fatalf("in-flight provider's results lost: %+v", got)
	}
}

func TestSearchReusesProviderCache(t *testing.T) {
	t.Parallel()

	p := &fakeSearcher{name: "tavily", results: []models.SearchResult{
		result("Cached upstream", "https://example.com/cached", "tavily"),
	}}
	cache := newMemCache()
	mgr := NewManager(config.SearchConfig{}, []web_search.Searcher{p}, cache, nil)

	q := testQuery()
	mgr.Search(context.Background(), q)

	// Dropping only the union entry forces a re-merge from provider caches.
	cache.drop(Key(q.Text, UnionProvider, q.MaxResults, q.Topic, q.Depth))

	got := mgr.Search(context.Background(), q)
	if p.callCount() != 1 {
		t.Fatalf("provider called %d times, its cache entry should have answered", p.callCount())
	}
	if len(got) != 1 || got[0].URL != "https://example.com/cached" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestSearchFanoutMergesInPriorityOrder(t *testing.T) {
	t.Parallel()

	slow := &fakeSearcher{name: "tavily", delay: 20 * time.Millisecond, results: []models.SearchResult{
		result("Priority", "https://example.com/priority", "tavily"),
	}}
	fast := &fakeSearcher{name: "brave", results: []models.SearchResult{
		result("Finished first", "https://example.com/fast", "brave"),
	}}
	cfg := config.SearchConfig{Strategy: "fanout", FanoutLimit: 2}
	mgr := NewManager(cfg, []web_search.Searcher{slow, fast}, newMemCache(), nil)

	got := mgr.Search(context.Background(), testQuery())
	if slow.callCount() != 1 || fast.callCount() != 1 {
		t.Fatalf("both providers should run: slow=%d fast=%d", slow.callCount(), fast.callCount())
	}
	if len(got) != 2 || got[0].Title != "Priority" {
		t.Fatalf("merge order should follow priority, not completion: %+v", got)
	}
}

func TestFormatForPrompt(t *testing.T) {
	t.Parallel()

	block := FormatForPrompt([]models.SearchResult{
		{Title: "NVDA beats", URL: "https://example.com/nvda", Snippet: "Revenue up", Provider: "tavily", Published: "2025-04-15"},
	}, 8)
	if !strings.Contains(block, "[1] (tavily, 2025-04-15) NVDA beats") {
		t.Fatalf("missing source header in:\n%s", block)
	}
	if !strings.Contains(block, "URL: https://example.com/nvda") {
		t.Fatalf("missing URL line in:\n%s", block)
	}

	if got := FormatForPrompt(nil, 8); got != "(no search results)" {
		t.Fatalf("empty list rendered %q", got)
	}
}
