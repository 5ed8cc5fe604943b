package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/retrieval"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
	webfetchmodels "github.com/mohammad-safakhou/playbook/tools/web_fetch/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

const (
	maxEvidenceItems    = 20
	perDimensionResults = 5
	maxExcerptRunes     = 1200
)

// PageFetcher pulls a readable article for evidence expansion. The
// chromedp fetcher in tools/web_fetch satisfies it.
type PageFetcher interface {
	Exec(ctx context.Context, url string) (webfetchmodels.Result, error)
}

// searchDimension is one layer of the evidence collection. Focus explains
// what the dimension watches for and is carried onto each item's
// relevance tag.
type searchDimension struct {
	Dimension string
	Query     string
	Focus     string
}

// Collector gathers the environment a research cycle runs on: layered
// evidence searches, title dedup, change detection against the previous
// cycle, and optional page expansion for advanced-depth runs.
type Collector struct {
	search  *retrieval.Manager
	store   *store.Store
	fetcher PageFetcher
	webCfg  config.WebFetchConfig
	logger  *log.Logger
	now     func() time.Time
}

func NewCollector(search *retrieval.Manager, st *store.Store, fetcher PageFetcher, webCfg config.WebFetchConfig) *Collector {
	return &Collector{
		search:  search,
		store:   st,
		fetcher: fetcher,
		webCfg:  webCfg,
		logger:  log.New(log.Writer(), "[COLLECT] ", log.LstdFlags),
		now:     time.Now,
	}
}

func firstN[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// buildDimensions derives the search layers from the stock playbook: four
// fixed dimensions, a thesis-verification layer when the playbook carries
// core-thesis key points, and a risk layer from invalidation triggers.
func buildDimensions(stockName string, playbook map[string]interface{}) []searchDimension {
	related := firstN(recordStrings(playbook, "related_entities"), 3)

	dims := []searchDimension{
		{
			Dimension: "公司核心动态",
			Query:     stockName + " 财报 业绩 公告 管理层 重大事项",
			Focus:     "财报发布、业绩预告、重大公告、人事变动、股东变化",
		},
		{
			Dimension: "行业与竞争",
			Query:     strings.TrimSpace(stockName + " 竞争对手 行业格局 市场份额 " + strings.Join(related, " ")),
			Focus:     "竞争对手动态、行业趋势、市场格局变化、新进入者",
		},
		{
			Dimension: "产品与技术",
			Query:     stockName + " 新产品 技术突破 研发 创新 专利",
			Focus:     "新产品发布、技术进展、研发投入、专利动态",
		},
		{
			Dimension: "宏观与政策",
			Query:     stockName + " 政策 监管 行业政策 补贴 法规",
			Focus:     "监管政策变化、行业扶持政策、法规调整、政府动态",
		},
	}

	var thesis []string
	core := recordMap(playbook, "core_thesis")
	if s := recordString(core, "summary"); s != "" {
		thesis = append(thesis, s)
	}
	thesis = append(thesis, firstN(recordStrings(core, "key_points"), 3)...)
	if len(thesis) > 0 {
		dims = append(dims, searchDimension{
			Dimension: "论点验证",
			Query:     stockName + " " + strings.Join(firstN(thesis, 3), " "),
			Focus:     "与投资核心论点相关的验证信息",
		})
	}

	if risks := firstN(recordStrings(playbook, "invalidation_triggers"), 3); len(risks) > 0 {
		dims = append(dims, searchDimension{
			Dimension: "风险监测",
			Query:     stockName + " " + strings.Join(risks, " "),
			Focus:     "可能触发投资失效条件的风险信号",
		})
	}
	return dims
}

func importanceFromScore(score float64) string {
	switch {
	case score >= 0.8:
		return "高"
	case score >= 0.5:
		return "中"
	case score > 0:
		return "低"
	default:
		return ""
	}
}

var importanceRank = map[string]int{"高": 0, "中": 1, "低": 2}

func rankOf(importance string) int {
	if r, ok := importanceRank[importance]; ok {
		return r
	}
	return 2
}

// dedupeByTitle keeps the first item per normalised title prefix.
func dedupeByTitle(items []models.NewsItem) []models.NewsItem {
	seen := make(map[string]struct{}, len(items))
	unique := make([]models.NewsItem, 0, len(items))
	for _, item := range items {
		key := truncate(strings.TrimSpace(strings.ToLower(item.Title)), 50)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}

// sortEvidence orders newest first, more important first within a date.
func sortEvidence(items []models.NewsItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := rankOf(items[i].Importance), rankOf(items[j].Importance)
		if ri != rj {
			return ri < rj
		}
		return items[i].Date < items[j].Date
	})
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Date > items[j].Date
	})
}

// Collect runs every dimension through the search orchestrator and
// assembles the environment snapshot. It degrades rather than fails:
// unreadable playbooks drop the derived dimensions, cancelled searches
// land in the metadata warnings.
func (c *Collector) Collect(ctx context.Context, stockID, stockName string, timeRangeDays int, uploads []models.UploadAnalysis, depth models.SearchDepth) *EnvironmentSnapshot {
	if timeRangeDays <= 0 {
		timeRangeDays = 7
	}
	if depth == "" {
		depth = models.DepthBasic
	}

	playbook, err := c.store.StockPlaybook(stockID)
	if err != nil && !errors.Is(err, models.ErrStockNotFound) {
		c.logger.Printf("reading playbook for %s: %v", stockID, err)
	}

	dims := buildDimensions(stockName, playbook)
	meta := SearchMetadata{TotalDimensions: len(dims)}

	var all []models.NewsItem
	for _, dim := range dims {
		if ctx.Err() != nil {
			meta.FailedDimensions = append(meta.FailedDimensions, DimensionError{Dimension: dim.Dimension, Error: ctx.Err().Error()})
			meta.SearchWarnings = append(meta.SearchWarnings, fmt.Sprintf("维度「%s」搜索失败", dim.Dimension))
			continue
		}
		results := c.search.Search(ctx, web_search.Query{
			Text:       dim.Query,
			MaxResults: perDimensionResults,
			Topic:      models.TopicNews,
			Depth:      depth,
		})
		if len(results) == 0 && ctx.Err() != nil {
			meta.FailedDimensions = append(meta.FailedDimensions, DimensionError{Dimension: dim.Dimension, Error: ctx.Err().Error()})
			meta.SearchWarnings = append(meta.SearchWarnings, fmt.Sprintf("维度「%s」搜索失败", dim.Dimension))
			continue
		}
		meta.SuccessfulDimensions++
		for _, r := range results {
			all = append(all, models.NewsItem{
				Date:       r.Published,
				Title:      r.Title,
				Summary:    r.Snippet,
				Dimension:  dim.Dimension,
				Relevance:  dim.Focus,
				Importance: importanceFromScore(r.Score),
				Source:     r.Provider,
				URL:        r.URL,
			})
		}
	}

	unique := dedupeByTitle(all)
	sortEvidence(unique)
	if len(unique) > maxEvidenceItems {
		unique = unique[:maxEvidenceItems]
	}

	if depth == models.DepthAdvanced && c.fetcher != nil && c.webCfg.Enabled {
		c.ExpandPages(ctx, unique)
	}

	headlines := make([]string, 0, len(unique))
	for _, item := range unique {
		headlines = append(headlines, item.Title)
	}
	prev := c.previousEvidence(stockID)
	delta := helpers.CompareEvidence(prev, headlines, c.now(), time.Duration(timeRangeDays)*24*time.Hour)

	if uploads == nil {
		uploads = []models.UploadAnalysis{}
	}
	return &EnvironmentSnapshot{
		Input: EnvironmentInput{
			TimeRange:      fmt.Sprintf("%dd", timeRangeDays),
			AutoCollected:  unique,
			UserUploaded:   uploads,
			SearchMetadata: meta,
			EvidenceHash:   delta.CurrentHash,
			Unchanged:      !delta.Changed,
		},
		Delta: delta,
	}
}

// previousEvidence reconstructs the change-detection snapshot from the
// newest history record.
func (c *Collector) previousEvidence(stockID string) helpers.EvidenceSnapshot {
	records, err := c.store.History(stockID)
	if err != nil || len(records) == 0 {
		return helpers.EvidenceSnapshot{}
	}
	last := records[0]
	env := recordMap(last, "environment_input")

	hash := recordString(env, "evidence_hash")
	if hash == "" {
		items, _ := env["auto_collected"].([]interface{})
		var titles []string
		for _, it := range items {
			if m, ok := it.(map[string]interface{}); ok {
				if t := recordString(m, "title"); t != "" {
					titles = append(titles, t)
				}
			}
		}
		hash = helpers.EvidenceHash(titles)
	}

	collectedAt, _ := time.Parse(time.RFC3339, recordString(last, "date"))
	return helpers.EvidenceSnapshot{Hash: hash, CollectedAt: collectedAt}
}

// ExpandPages attaches readable excerpts to the top evidence items, at
// most webCfg.MaxPages of them. Items without a URL and pages that fail
// to fetch are skipped in place; the same article reached through
// different tracking links is fetched only once.
func (c *Collector) ExpandPages(ctx context.Context, items []models.NewsItem) {
	if c.fetcher == nil {
		return
	}
	max := c.webCfg.MaxPages
	if max <= 0 {
		max = 3
	}
	expanded := 0
	seen := make(map[string]struct{}, max)
	for i := range items {
		if expanded >= max {
			return
		}
		if items[i].URL == "" {
			continue
		}
		key := items[i].URL
		if fp, err := helpers.URLFingerprint(items[i].URL); err == nil {
			key = fp
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		res, err := c.fetcher.Exec(ctx, items[i].URL)
		if err != nil || res.Text == "" {
			c.logger.Printf("expanding %s failed: %v", items[i].URL, err)
			continue
		}
		items[i].Excerpt = truncate(res.Text, maxExcerptRunes)
		expanded++
	}
}
