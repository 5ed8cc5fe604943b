package research

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

func TestCollectSearchResultsShapes(t *testing.T) {
	newEngine := func(t *testing.T) (*Engine, *scriptedSearcher) {
		searcher := &scriptedSearcher{
			name: "tavily",
			hits: func(q web_search.Query) []models.SearchResult {
				return []models.SearchResult{{
					Title:    "结果: " + q.Text,
					URL:      "https://example.com/" + q.Text,
					Snippet:  "摘要",
					Provider: "tavily",
				}}
			},
		}
		engine := NewEngine(nil, newTestManager(t, searcher), newResearchStore(t), quietTelemetry())
		return engine, searcher
	}

	t.Run("module search queries capped at three", func(t *testing.T) {
		engine, searcher := newEngine(t)
		plan := &ResearchPlan{ResearchModules: []ResearchModule{{
			ModuleName:    "需求验证",
			SearchQueries: []string{"q1", "q2", "q3", "q4"},
		}}}

		out := engine.collectSearchResults(context.Background(), plan)
		if !strings.Contains(out, "## 📊 研究模块: 需求验证") {
			t.Fatalf("missing module header:\n%s", out)
		}
		if !strings.Contains(out, "### 🔍 搜索: q1") || !strings.Contains(out, "### 🔍 搜索: q3") {
			t.Fatalf("missing search labels:\n%s", out)
		}
		if got := searcher.queries(); !reflect.DeepEqual(got, []string{"q1", "q2", "q3"}) {
			t.Fatalf("queries = %v, want first three", got)
		}
	})

	t.Run("key questions used when module has no queries", func(t *testing.T) {
		engine, searcher := newEngine(t)
		plan := &ResearchPlan{ResearchModules: []ResearchModule{{
			ModuleName:   "盲区排查",
			KeyQuestions: []string{"k1", "k2", "k3"},
		}}}

		out := engine.collectSearchResults(context.Background(), plan)
		if !strings.Contains(out, "### 🔍 问题: k1") {
			t.Fatalf("missing question label:\n%s", out)
		}
		if got := searcher.queries(); !reflect.DeepEqual(got, []string{"k1", "k2"}) {
			t.Fatalf("queries = %v, want first two questions", got)
		}
	})

	t.Run("hypotheses verified when plan has no modules", func(t *testing.T) {
		engine, searcher := newEngine(t)
		plan := &ResearchPlan{HypothesisToTest: []Hypothesis{
			{Hypothesis: "需求依旧强劲", HowToVerify: "检查云厂商资本开支"},
			{Hypothesis: "没有验证路径"},
			{Hypothesis: "第三个假设", HowToVerify: "不会被执行"},
		}}

		out := engine.collectSearchResults(context.Background(), plan)
		if !strings.Contains(out, "### 🔍 验证假设: 需求依旧强劲") {
			t.Fatalf("hypothesis label should show the hypothesis text:\n%s", out)
		}
		if got := searcher.queries(); !reflect.DeepEqual(got, []string{"检查云厂商资本开支"}) {
			t.Fatalf("queries = %v, want the verification path only", got)
		}
	})

	t.Run("objective and core questions as last resort", func(t *testing.T) {
		engine, searcher := newEngine(t)
		plan := &ResearchPlan{
			ResearchObjective: "重估核心论点",
			CoreQuestions:     []string{"c1", "c2", "c3", "c4"},
		}

		out := engine.collectSearchResults(context.Background(), plan)
		if !strings.Contains(out, "### 🔍 研究目标: 重估核心论点") {
			t.Fatalf("missing objective label:\n%s", out)
		}
		if !strings.Contains(out, "### 🔍 c1\n") {
			t.Fatalf("core questions use a bare label:\n%s", out)
		}
		want := []string{"重估核心论点", "c1", "c2", "c3"}
		if got := searcher.queries(); !reflect.DeepEqual(got, want) {
			t.Fatalf("queries = %v, want %v", got, want)
		}
	})

	t.Run("empty plan", func(t *testing.T) {
		engine, searcher := newEngine(t)
		out := engine.collectSearchResults(context.Background(), &ResearchPlan{})
		if out != "（未执行搜索）" {
			t.Fatalf("out = %q", out)
		}
		if len(searcher.queries()) != 0 {
			t.Fatalf("no queries expected for an empty plan")
		}
	})
}

const researchReport = `# 英伟达深度研究报告

## 一、研究结论

订单可见性延长至六个季度。

## 八、结论 JSON

` + "```json\n" + `{
  "research_date": "2025-05-03",
  "stock": "英伟达",
  "thesis_impact": "强化",
  "recommendation": "增持",
  "confidence": "高",
  "position_suggestion": "回调时加仓至8%",
  "key_finding": "订单可见性延长",
  "reasoning": "供需缺口仍在，价格坚挺",
  "bull_case_probability": 40,
  "base_case_probability": 45,
  "bear_case_probability": 15,
  "key_risks": ["出口管制升级"],
  "key_catalysts": ["新品发布", "产能爬坡"],
  "follow_up_items": ["跟踪月度出货"]
}` + "\n```\n"

func TestExecuteProducesConclusion(t *testing.T) {
	searcher := &scriptedSearcher{
		name: "tavily",
		hits: func(q web_search.Query) []models.SearchResult {
			return []models.SearchResult{{Title: "结果", URL: "https://example.com/a", Provider: "tavily"}}
		},
	}
	llm := &stubLLM{
		response: researchReport,
		usage:    models.TokenUsage{PromptTokens: 4000, CompletionTokens: 1500, Cost: 0.35},
	}
	engine := NewEngine(llm, newTestManager(t, searcher), newResearchStore(t), quietTelemetry())

	plan := &ResearchPlan{
		TriggerReason: "云厂商资本开支指引下调",
		ResearchModules: []ResearchModule{{
			ModuleName:    "需求验证",
			SearchQueries: []string{"英伟达 数据中心 订单"},
		}},
	}
	conclusion, report, usage := engine.Execute(context.Background(), "nvda", "英伟达", plan, EnvironmentInput{})

	if !conclusion.ParseSuccess {
		t.Fatalf("conclusion should parse: %+v", conclusion)
	}
	if conclusion.Recommendation != "增持" || conclusion.ThesisImpact != "强化" {
		t.Fatalf("verdict = %q/%q", conclusion.ThesisImpact, conclusion.Recommendation)
	}
	if conclusion.BullCaseProbability != "40" {
		t.Fatalf("numeric probability should decode to %q, got %q", "40", conclusion.BullCaseProbability)
	}
	if report != researchReport {
		t.Fatalf("full report should pass through")
	}
	if usage.Cost != 0.35 {
		t.Fatalf("usage = %+v", usage)
	}

	prompt := llm.lastPrompt()
	for _, want := range []string{"英伟达", "云厂商资本开支指引下调", "## 📊 研究模块: 需求验证", "需求验证"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "{stock_name}") || strings.Contains(prompt, "{search_results}") {
		t.Fatalf("prompt still contains unexpanded placeholders")
	}
}

func TestExecuteFallbackConclusion(t *testing.T) {
	llm := &stubLLM{response: "报告正文，但没有结论区块。"}
	engine := NewEngine(llm, newTestManager(t, &scriptedSearcher{name: "tavily"}), newResearchStore(t), quietTelemetry())

	conclusion, report, _ := engine.Execute(context.Background(), "nvda", "英伟达", &ResearchPlan{}, EnvironmentInput{})

	if conclusion.ParseSuccess {
		t.Fatalf("parse should fail")
	}
	if conclusion.ThesisImpact != "待定" || conclusion.Recommendation != "待定" || conclusion.Confidence != "低" {
		t.Fatalf("fallback verdict = %+v", conclusion)
	}
	if conclusion.Reasoning != "无法自动解析结论，请查看完整报告" {
		t.Fatalf("reasoning = %q", conclusion.Reasoning)
	}
	if conclusion.ParseError == "" {
		t.Fatalf("parse error should be set")
	}
	if report == "" {
		t.Fatalf("report should survive a conclusion parse failure")
	}
}

func TestExecuteTransportError(t *testing.T) {
	llm := &stubLLM{err: errors.New("upstream timeout")}
	engine := NewEngine(llm, newTestManager(t, &scriptedSearcher{name: "tavily"}), newResearchStore(t), quietTelemetry())

	conclusion, report, _ := engine.Execute(context.Background(), "nvda", "英伟达", &ResearchPlan{}, EnvironmentInput{})

	if conclusion.ParseSuccess {
		t.Fatalf("transport failure must not look parsed")
	}
	if !strings.Contains(conclusion.Reasoning, "模型调用失败") {
		t.Fatalf("reasoning = %q", conclusion.Reasoning)
	}
	if !strings.Contains(conclusion.ParseError, "upstream timeout") {
		t.Fatalf("parse error should carry the cause, got %q", conclusion.ParseError)
	}
	if report != "" {
		t.Fatalf("no report expected when generation failed")
	}
}

func TestKeyFindings(t *testing.T) {
	t.Parallel()

	c := &Conclusion{
		KeyFinding:   "订单可见性延长",
		KeyCatalysts: []string{"新品发布", "产能爬坡", "第三催化"},
		KeyRisks:     []string{"出口管制", "竞争加剧", "第三风险"},
	}
	want := []string{
		"订单可见性延长",
		"催化剂: 新品发布",
		"催化剂: 产能爬坡",
		"风险: 出口管制",
		"风险: 竞争加剧",
	}
	if got := c.KeyFindings(); !reflect.DeepEqual(got, want) {
		t.Fatalf("KeyFindings() = %v, want %v", got, want)
	}

	if got := (&Conclusion{}).KeyFindings(); len(got) != 0 {
		t.Fatalf("empty conclusion should yield no findings, got %v", got)
	}
}
