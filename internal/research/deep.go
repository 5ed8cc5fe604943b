package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/retrieval"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

const deepSearchResults = 5

// Engine executes a research plan: it runs the plan's queries through the
// search orchestrator, renders the deep-research prompt around the
// evidence, and extracts the structured conclusion from the report.
type Engine struct {
	llm    provider.Provider
	search *retrieval.Manager
	store  *store.Store
	tel    *telemetry.Telemetry
	logger *log.Logger
}

func NewEngine(llm provider.Provider, search *retrieval.Manager, st *store.Store, tel *telemetry.Telemetry) *Engine {
	return &Engine{
		llm:    llm,
		search: search,
		store:  st,
		tel:    tel,
		logger: log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

// fallbackConclusion marks a report whose conclusion JSON could not be
// recovered. The full report is still persisted, so the verdict points
// the reader there.
func fallbackConclusion(parseErr string) *Conclusion {
	return &Conclusion{
		ThesisImpact:   "待定",
		Recommendation: "待定",
		Confidence:     "低",
		Reasoning:      "无法自动解析结论，请查看完整报告",
		FollowUpItems:  []string{},
		ParseSuccess:   false,
		ParseError:     orDefault(parseErr, "未找到有效的 JSON 结构"),
	}
}

// KeyFindings flattens the conclusion's highlights for list displays: the
// headline finding, then up to two catalysts and two risks.
func (c *Conclusion) KeyFindings() []string {
	var items []string
	if c.KeyFinding != "" {
		items = append(items, c.KeyFinding)
	}
	for _, catalyst := range firstN(c.KeyCatalysts, 2) {
		items = append(items, "催化剂: "+catalyst)
	}
	for _, risk := range firstN(c.KeyRisks, 2) {
		items = append(items, "风险: "+risk)
	}
	return items
}

// collectSearchResults walks the plan's modules and runs their queries,
// falling back through hypotheses and core questions when the plan has no
// modules. Queries are used verbatim; the plan author already scoped them
// to the stock.
func (e *Engine) collectSearchResults(ctx context.Context, plan *ResearchPlan) string {
	runQuery := func(q string) string {
		hits := e.search.Search(ctx, web_search.Query{
			Text:       q,
			MaxResults: deepSearchResults,
			Topic:      models.TopicNews,
			Depth:      models.DepthBasic,
		})
		return retrieval.FormatForPrompt(hits, deepSearchResults)
	}

	var sections []string
	for _, module := range plan.ResearchModules {
		sections = append(sections, fmt.Sprintf("\n## 📊 研究模块: %s\n", orDefault(module.ModuleName, "未命名模块")))
		for _, q := range firstN(module.SearchQueries, 3) {
			sections = append(sections, fmt.Sprintf("### 🔍 搜索: %s\n%s\n", q, runQuery(q)))
		}
		if len(module.SearchQueries) == 0 {
			for _, q := range firstN(module.KeyQuestions, 2) {
				sections = append(sections, fmt.Sprintf("### 🔍 问题: %s\n%s\n", q, runQuery(q)))
			}
		}
	}

	if len(sections) == 0 {
		for _, h := range firstN(plan.HypothesisToTest, 2) {
			verify := strings.TrimSpace(h.HowToVerify)
			if verify == "" {
				continue
			}
			sections = append(sections, fmt.Sprintf("### 🔍 验证假设: %s\n%s\n", h.Hypothesis, runQuery(verify)))
		}
	}

	if len(sections) == 0 {
		if objective := strings.TrimSpace(plan.ResearchObjective); objective != "" {
			sections = append(sections, fmt.Sprintf("### 🔍 研究目标: %s\n%s\n", objective, runQuery(objective)))
		}
		for _, q := range firstN(plan.CoreQuestions, 3) {
			sections = append(sections, fmt.Sprintf("### 🔍 %s\n%s\n", q, runQuery(q)))
		}
	}

	if len(sections) == 0 {
		return "（未执行搜索）"
	}
	return strings.Join(sections, "\n")
}

func (e *Engine) promptFor(stockID, stockName string, plan *ResearchPlan, input EnvironmentInput, searchBlock string) string {
	portfolio, err := e.store.PortfolioPlaybook()
	if err != nil {
		e.logger.Printf("portfolio playbook: %v", err)
	}
	playbook, err := e.store.StockPlaybook(stockID)
	if err != nil && !errors.Is(err, models.ErrStockNotFound) {
		e.logger.Printf("stock playbook for %s: %v", stockID, err)
	}

	context, err := e.store.ResearchContext(stockID, assessHistoryDepth)
	if err != nil {
		e.logger.Printf("research context for %s: %v", stockID, err)
	}
	recent, err := e.store.RecentRecords(stockID, assessHistoryDepth)
	if err != nil {
		e.logger.Printf("recent records for %s: %v", stockID, err)
	}
	uploads, err := e.store.HistoricalUploads(stockID, assessUploadsDepth)
	if err != nil {
		e.logger.Printf("historical uploads for %s: %v", stockID, err)
	}

	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		planJSON = []byte("{}")
	}

	return strings.NewReplacer(
		"{stock_name}", stockName,
		"{trigger_reason}", plan.TriggerReason,
		"{portfolio_playbook}", formatPlaybook(portfolio),
		"{stock_playbook}", formatPlaybook(playbook),
		"{user_preferences}", e.store.PreferencesForPrompt(),
		"{research_history}", formatResearchHistory(context, recent),
		"{environment_changes}", formatEnvironmentChanges(input),
		"{historical_uploads}", formatHistoricalUploads(uploads, true),
		"{research_plan}", string(planJSON),
		"{search_results}", searchBlock,
	).Replace(deepResearchPrompt)
}

// Execute runs one deep-research pass. It never errors: transport
// failures produce a fallback conclusion with an empty report, so the
// cycle can still be recorded.
func (e *Engine) Execute(ctx context.Context, stockID, stockName string, plan *ResearchPlan, input EnvironmentInput) (*Conclusion, string, models.TokenUsage) {
	if plan == nil {
		plan = &ResearchPlan{}
	}

	searchBlock := e.collectSearchResults(ctx, plan)
	prompt := e.promptFor(stockID, stockName, plan, input, searchBlock)

	report, usage, err := e.llm.Generate(ctx, prompt, nil)
	if err != nil {
		e.logger.Printf("research generate for %s: %v", stockID, err)
		fb := fallbackConclusion("generate: " + err.Error())
		fb.Reasoning = "模型调用失败：" + err.Error()
		return fb, "", usage
	}
	return e.extractConclusion(report), report, usage
}

func (e *Engine) extractConclusion(report string) *Conclusion {
	outcome := helpers.Extract(report, helpers.WithAnyOfKeys("thesis_impact", "recommendation"))
	e.tel.RecordExtraction(outcome.OK())
	if !outcome.OK() {
		e.logger.Printf("conclusion parse failed: %s", outcome.Reason)
		return fallbackConclusion(outcome.Reason)
	}
	var c Conclusion
	if err := helpers.DecodeInto(outcome, &c); err != nil {
		e.logger.Printf("conclusion decode failed: %v", err)
		return fallbackConclusion(err.Error())
	}
	c.ParseSuccess = true
	return &c
}
