package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/playbook/config"
)

// Telemetry tracks retrieval, extraction, pipeline and LLM spend metrics
// on a private prometheus registry, plus an in-process cost summary.
type Telemetry struct {
	cfg      config.TelemetryConfig
	logger   *log.Logger
	registry *prometheus.Registry

	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	cacheEvents    *prometheus.CounterVec
	extractions    *prometheus.CounterVec
	cycles         *prometheus.CounterVec
	llmRequests    *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	llmCost        prometheus.Counter

	mu          sync.RWMutex
	totalCost   float64
	totalTokens int64
	modelCosts  map[string]float64
}

// CostSummary is a point-in-time view of accumulated LLM spend.
type CostSummary struct {
	TotalCost   float64            `json:"total_cost"`
	TotalTokens int64              `json:"total_tokens"`
	ModelCosts  map[string]float64 `json:"model_costs"`
}

// New builds a Telemetry with all collectors registered. Recording is a
// no-op when cfg.Enabled is false; the /metrics handler still serves.
func New(cfg config.TelemetryConfig) *Telemetry {
	registry := prometheus.NewRegistry()

	t := &Telemetry{
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		registry: registry,
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "searches_total",
			Help:      "Provider search calls by outcome (ok, error, skipped).",
		}, []string{"provider", "outcome"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "playbook",
			Name:      "search_duration_seconds",
			Help:      "Wall-clock duration of provider search calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "cache_events_total",
			Help:      "Search cache hits and misses by tier (union, provider, redis).",
		}, []string{"tier", "event"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "extractions_total",
			Help:      "Structured-JSON extraction attempts by outcome (ok, fallback).",
		}, []string{"outcome"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "research_cycles_total",
			Help:      "Completed research cycles by outcome (researched, no_research, error).",
		}, []string{"outcome"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "llm_requests_total",
			Help:      "LLM calls by model.",
		}, []string{"model"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "llm_tokens_total",
			Help:      "Prompt plus completion tokens by model.",
		}, []string{"model"}),
		llmCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "playbook",
			Name:      "llm_cost_dollars_total",
			Help:      "Accumulated LLM spend in dollars.",
		}),
		modelCosts: make(map[string]float64),
	}

	registry.MustRegister(
		t.searches, t.searchDuration, t.cacheEvents, t.extractions,
		t.cycles, t.llmRequests, t.llmTokens, t.llmCost,
	)

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.periodicCostLog()
	}
	return t
}

// Handler serves the private registry; mount it at /metrics.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordSearch records one provider consultation.
func (t *Telemetry) RecordSearch(provider, outcome string, duration time.Duration) {
	if !t.cfg.Enabled {
		return
	}
	t.searches.WithLabelValues(provider, outcome).Inc()
	if outcome != "skipped" {
		t.searchDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordCacheEvent records a cache hit or miss for a tier.
func (t *Telemetry) RecordCacheEvent(tier, event string) {
	if !t.cfg.Enabled {
		return
	}
	t.cacheEvents.WithLabelValues(tier, event).Inc()
}

// RecordExtraction records whether structured extraction succeeded or the
// caller fell back to a default shape.
func (t *Telemetry) RecordExtraction(ok bool) {
	if !t.cfg.Enabled {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "fallback"
	}
	t.extractions.WithLabelValues(outcome).Inc()
}

// RecordCycle records a finished research cycle.
func (t *Telemetry) RecordCycle(outcome string, duration time.Duration, cost float64, tokens int64) {
	if !t.cfg.Enabled {
		return
	}
	t.cycles.WithLabelValues(outcome).Inc()
	t.logger.Printf("cycle finished: outcome=%s duration=%v cost=$%.4f tokens=%d",
		outcome, duration.Round(time.Millisecond), cost, tokens)
}

// RecordLLMCall records one generation call and accumulates spend.
func (t *Telemetry) RecordLLMCall(model string, tokens int64, cost float64) {
	if !t.cfg.Enabled {
		return
	}
	t.llmRequests.WithLabelValues(model).Inc()
	t.llmTokens.WithLabelValues(model).Add(float64(tokens))
	t.llmCost.Add(cost)

	if !t.cfg.CostTracking {
		return
	}
	t.mu.Lock()
	t.totalCost += cost
	t.totalTokens += tokens
	t.modelCosts[model] += cost
	t.mu.Unlock()
}

// Costs returns the accumulated spend summary.
func (t *Telemetry) Costs() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	models := make(map[string]float64, len(t.modelCosts))
	for model, cost := range t.modelCosts {
		models[model] = cost
	}
	return CostSummary{
		TotalCost:   t.totalCost,
		TotalTokens: t.totalTokens,
		ModelCosts:  models,
	}
}

func (t *Telemetry) periodicCostLog() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		summary := t.Costs()
		t.logger.Printf("cost summary: total=$%.4f tokens=%d models=%d",
			summary.TotalCost, summary.TotalTokens, len(summary.ModelCosts))
	}
}
