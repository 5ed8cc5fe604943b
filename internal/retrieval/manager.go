package retrieval

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

// Manager answers search queries from cache when it can and from the
// configured providers when it must. Search never returns an error: a query
// nothing can answer yields an empty, cached result set.
type Manager struct {
	providers   []web_search.Searcher
	cache       CacheStore
	maxResults  int
	hardTimeout time.Duration
	caller      caller
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewManager wires providers (in priority order) to a cache tier. A nil
// telemetry falls back to a disabled recorder so call sites never nil-check.
func NewManager(cfg config.SearchConfig, providers []web_search.Searcher, cache CacheStore, tel *telemetry.Telemetry) *Manager {
	if tel == nil {
		tel = telemetry.New(config.TelemetryConfig{})
	}
	m := &Manager{
		providers:   providers,
		cache:       cache,
		maxResults:  cfg.MaxResults,
		hardTimeout: cfg.HardTimeout,
		telemetry:   tel,
		logger:      log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags),
	}
	if m.maxResults <= 0 {
		m.maxResults = 10
	}
	if m.hardTimeout <= 0 {
		m.hardTimeout = 25 * time.Second
	}
	switch cfg.Strategy {
	case "fanout":
		limit := cfg.FanoutLimit
		if limit <= 0 {
			limit = 4
		}
		m.caller = &fanoutCaller{limit: limit}
	default:
		m.caller = sequentialCaller{}
	}
	return m
}

// Search returns up to q.MaxResults results, deduplicated by canonical URL
// with the earliest provider winning. The merged set is written back to
// cache even when empty, so a dead-end query stops hitting providers until
// its entry expires.
func (m *Manager) Search(ctx context.Context, q web_search.Query) []models.SearchResult {
	if q.MaxResults <= 0 {
		q.MaxResults = m.maxResults
	}
	if q.Topic == "" {
		q.Topic = models.TopicNews
	}
	if q.Depth == "" {
		q.Depth = models.DepthBasic
	}

	unionKey := Key(q.Text, UnionProvider, q.MaxResults, q.Topic, q.Depth)
	if cached, ok := m.cache.Get(unionKey); ok {
		m.telemetry.RecordCacheEvent("union", "hit")
		return cached
	}
	m.telemetry.RecordCacheEvent("union", "miss")

	batches := m.caller.collect(ctx, m, q)
	merged := mergeBatches(batches, q.MaxResults)
	m.cache.Put(unionKey, merged)
	return merged
}

// consult answers one provider's share of the query, from its own cache
// entry when fresh. Provider failures are logged and count as zero results.
// Only non-empty result sets are cached per provider, so a vendor hiccup is
// retried on the next miss instead of pinning an empty entry for a full TTL.
func (m *Manager) consult(ctx context.Context, s web_search.Searcher, q web_search.Query) []models.SearchResult {
	key := Key(q.Text, s.Name(), q.MaxResults, q.Topic, q.Depth)
	if cached, ok := m.cache.Get(key); ok {
		m.telemetry.RecordCacheEvent("provider", "hit")
		return cached
	}
	m.telemetry.RecordCacheEvent("provider", "miss")

	start := time.Now()
	results, err := s.Search(ctx, q)
	if err != nil {
		m.logger.Printf("provider %s failed: %v", s.Name(), err)
		m.telemetry.RecordSearch(s.Name(), "error", time.Since(start))
		return nil
	}
	m.telemetry.RecordSearch(s.Name(), "ok", time.Since(start))
	if len(results) > 0 {
		m.cache.Put(key, results)
	}
	return results
}

// batch is one provider's contribution, kept in priority order so the merge
// is deterministic regardless of call strategy.
type batch struct {
	provider string
	results  []models.SearchResult
}

func mergeBatches(batches []batch, max int) []models.SearchResult {
	merged := make([]models.SearchResult, 0, max)
	seen := make(map[string]struct{})
	for _, b := range batches {
		for _, r := range b.results {
			if r.URL == "" {
				continue
			}
			key := helpers.DedupKey(r.URL)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, r)
			if len(merged) >= max {
				return merged
			}
		}
	}
	return merged
}

// caller is the strategy for consulting providers on a union miss. Both
// implementations return batches in provider priority order.
type caller interface {
	collect(ctx context.Context, m *Manager, q web_search.Query) []batch
}

// sequentialCaller walks providers one at a time and stops as soon as the
// time budget is spent or enough distinct URLs have been gathered.
type sequentialCaller struct{}

func (sequentialCaller) collect(ctx context.Context, m *Manager, q web_search.Query) []batch {
	start := time.Now()
	seen := make(map[string]struct{})
	var batches []batch
	for _, p := range m.providers {
		if time.Since(start) > m.hardTimeout {
			m.logger.Printf("search budget spent after %s, skipping remaining providers", time.Since(start).Round(time.Millisecond))
			break
		}
		if ctx.Err() != nil {
			break
		}
		if !p.Available() {
			m.telemetry.RecordSearch(p.Name(), "skipped", 0)
			continue
		}
		results := m.consult(ctx, p, q)
		batches = append(batches, batch{provider: p.Name(), results: results})
		for _, r := range results {
			seen[helpers.DedupKey(r.URL)] = struct{}{}
		}
		if len(seen) >= q.MaxResults {
			break
		}
	}
	return batches
}

// fanoutCaller consults every available provider concurrently, at most limit
// in flight, all under a single deadline derived from the time budget.
// Results land in per-provider slots so the later merge still runs in
// priority order.
type fanoutCaller struct {
	limit int
}

func (f *fanoutCaller) collect(ctx context.Context, m *Manager, q web_search.Query) []batch {
	ctx, cancel := context.WithTimeout(ctx, m.hardTimeout)
	defer cancel()

	var avail []web_search.Searcher
	for _, p := range m.providers {
		if !p.Available() {
			m.telemetry.RecordSearch(p.Name(), "skipped", 0)
			continue
		}
		avail = append(avail, p)
	}

	slots := make([][]models.SearchResult, len(avail))
	sem := make(chan struct{}, f.limit)
	var wg sync.WaitGroup
	for i, p := range avail {
		wg.Add(1)
		go func(i int, p web_search.Searcher) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			slots[i] = m.consult(ctx, p, q)
		}(i, p)
	}
	wg.Wait()

	batches := make([]batch, 0, len(avail))
	for i, p := range avail {
		batches = append(batches, batch{provider: p.Name(), results: slots[i]})
	}
	return batches
}

// FormatForPrompt renders results as the numbered source block research
// prompts embed. limit caps how many results are rendered; values below one
// keep the renderer's default.
func FormatForPrompt(results []models.SearchResult, limit int) string {
	sources := make([]helpers.Source, 0, len(results))
	for _, r := range results {
		sources = append(sources, helpers.Source{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Snippet,
			Provider:  r.Provider,
			Published: r.Published,
		})
	}
	return helpers.FormatSourceList(sources, helpers.WithSourceLimit(limit))
}
