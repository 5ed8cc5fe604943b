package prefs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
)

type stubLLM struct {
	mu       sync.Mutex
	response string
	usage    models.TokenUsage
	err      error
	prompts  []string
}

func (s *stubLLM) Generate(_ context.Context, prompt string, _ []provider.Message) (string, provider.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", provider.Usage{}, s.err
	}
	return s.response, s.usage, nil
}

func (s *stubLLM) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *stubLLM) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func newLearner(t *testing.T, llm provider.Provider) (*Learner, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return NewLearner(llm, st), st
}

const learnResponse = "分析完成，以下是提取结果：\n" +
	"```json\n" +
	`{
  "extracted_preferences": [
    {
      "trigger": "研究报告只有多头观点",
      "my_response": "要求补充空头论据",
      "category": "research_focus",
      "confidence": "高",
      "reasoning": "用户两次在反馈中要求反方观点"
    },
    {
      "trigger": "报告只有多头观点",
      "my_response": "要求补充空头论据",
      "category": "research_focus",
      "confidence": "中",
      "reasoning": "与上一条重复"
    },
    {
      "trigger": "估值超过历史90分位时",
      "my_response": "倾向于减仓",
      "category": "risk_tolerance",
      "confidence": "中",
      "reasoning": "用户在高估值时两次选择减仓"
    }
  ],
  "preference_summary": {
    "decision_style": "谨慎",
    "risk_tolerance": "中等偏低，倾向于分批建仓",
    "research_focus": ["竞争格局", "财务数据"],
    "custom_rules": []
  }
}` + "\n```"

func seedFeedbackInteraction(t *testing.T, l *Learner) {
	t.Helper()
	err := l.LogFeedback("nvda", "英伟达", FeedbackContext{
		Recommendation: "增持",
		Confidence:     "高",
		Reasoning:      "供需缺口仍在",
		ThesisImpact:   "强化",
	}, map[string]interface{}{
		"final_decision":       "减仓",
		"feedback_on_research": "分析太乐观，缺少空头视角",
	})
	if err != nil {
		t.Fatalf("LogFeedback: %v", err)
	}
}

func TestLogHelpersShapeInteractions(t *testing.T) {
	t.Parallel()
	l, st := newLearner(t, &stubLLM{})

	seedFeedbackInteraction(t, l)

	original := &research.ResearchPlan{
		ResearchObjective: "验证数据中心需求",
		ResearchModules: []research.ResearchModule{
			{ModuleName: "需求验证"},
			{ModuleName: "竞争格局"},
		},
	}
	adjusted := &research.ResearchPlan{ResearchObjective: "只验证毛利率走势"}
	if err := l.LogPlanAdjustment("nvda", "英伟达", "聚焦毛利率就够了", original, adjusted); err != nil {
		t.Fatalf("LogPlanAdjustment: %v", err)
	}

	longContext := strings.Repeat("结论要点。", 60)
	if err := l.LogFollowUpQuestion("nvda", "英伟达", longContext, "竞品的进展呢？"); err != nil {
		t.Fatalf("LogFollowUpQuestion: %v", err)
	}

	if err := l.LogPlaybookEdit("nvda", "英伟达", "modify_thesis", map[string]interface{}{"summary": "新逻辑"}); err != nil {
		t.Fatalf("LogPlaybookEdit: %v", err)
	}

	interactions, err := st.RecentInteractions(10)
	if err != nil {
		t.Fatalf("RecentInteractions: %v", err)
	}
	if len(interactions) != 4 {
		t.Fatalf("expected 4 interactions, got %d", len(interactions))
	}

	// Newest first.
	if got := stringField(interactions[0], "type"); got != "playbook_edit" {
		t.Fatalf("unexpected order, first is %q", got)
	}

	followUp := interactions[1]
	if got := len([]rune(stringField(followUp, "context"))); got != maxContextRunes {
		t.Fatalf("follow-up context not truncated: %d runes", got)
	}

	adjustment := interactions[2]
	mods, _ := mapField(adjustment, "context")["original_modules"].([]interface{})
	if len(mods) != 2 || mods[0] != "需求验证" {
		t.Fatalf("original modules not captured: %v", mods)
	}
	if got := mapField(adjustment, "result")["new_objective"]; got != "只验证毛利率走势" {
		t.Fatalf("new objective not captured: %v", got)
	}

	feedback := interactions[3]
	if got := stringField(mapField(feedback, "context"), "ai_recommendation"); got != "增持" {
		t.Fatalf("ai recommendation not captured: %q", got)
	}
	fb := mapField(feedback, "user_feedback")
	if got := stringField(fb, "decision"); got != "减仓" {
		t.Fatalf("decision not captured: %q", got)
	}
	if metrics, ok := fb["tracking_metrics"].([]interface{}); !ok || len(metrics) != 0 {
		t.Fatalf("tracking_metrics should default to an empty list: %v", fb["tracking_metrics"])
	}
}

func TestFormatInteractions(t *testing.T) {
	t.Parallel()
	text := formatInteractions([]map[string]interface{}{
		{
			"type":       "research_feedback",
			"timestamp":  "2025-05-01T10:00:00Z",
			"stock_name": "英伟达",
			"context":    map[string]interface{}{"ai_recommendation": "增持", "ai_confidence": "高"},
			"user_feedback": map[string]interface{}{
				"decision":             "减仓",
				"feedback_on_research": "太乐观",
			},
		},
		{
			"type":            "plan_adjustment",
			"timestamp":       "2025-05-02T10:00:00Z",
			"stock_name":      "英伟达",
			"user_adjustment": "聚焦毛利率",
		},
	})

	for _, want := range []string{
		"### 交互 1 (research_feedback)",
		"时间: 2025-05-01",
		"股票: 英伟达",
		"AI建议: 增持 (信心: 高)",
		"用户决策: 减仓",
		"用户反馈: 太乐观",
		"### 交互 2 (plan_adjustment)",
		"用户调整请求: 聚焦毛利率",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("formatted interactions missing %q:\n%s", want, text)
		}
	}
}

func TestExtractSkipsModelOnEmptyLog(t *testing.T) {
	t.Parallel()
	llm := &stubLLM{response: "should not be called"}
	l, _ := newLearner(t, llm)

	ex, usage, err := l.ExtractFromInteractions(context.Background(), 20)
	if err != nil {
		t.Fatalf("ExtractFromInteractions: %v", err)
	}
	if llm.promptCount() != 0 {
		t.Fatal("model must not be called for an empty log")
	}
	if len(ex.Preferences) != 0 || len(ex.Summary) != 0 {
		t.Fatalf("expected empty extraction, got %+v", ex)
	}
	if usage.Cost != 0 {
		t.Fatalf("expected zero usage, got %+v", usage)
	}
}

func TestLearnAndSaveStoresNewPreferences(t *testing.T) {
	t.Parallel()
	llm := &stubLLM{response: learnResponse, usage: models.TokenUsage{PromptTokens: 600, CompletionTokens: 200, Cost: 0.03}}
	l, st := newLearner(t, llm)

	// An existing manual rule already covers the high-valuation trigger.
	if _, err := l.AddManual("估值超过历史90分位", "倾向于减仓", "risk_tolerance"); err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	seedFeedbackInteraction(t, l)

	result, usage, err := l.LearnAndSave(context.Background())
	if err != nil {
		t.Fatalf("LearnAndSave: %v", err)
	}
	if len(result.AddedIDs) != 1 {
		t.Fatalf("expected 1 added preference, got %d: %v", len(result.AddedIDs), result.AddedIDs)
	}
	if result.SkippedDuplicates != 2 {
		t.Fatalf("expected 2 skipped duplicates, got %d", result.SkippedDuplicates)
	}
	if usage.Cost != 0.03 {
		t.Fatalf("usage not carried through: %+v", usage)
	}
	if !strings.Contains(llm.lastPrompt(), "### 交互 1 (research_feedback)") {
		t.Fatalf("prompt missing formatted interactions:\n%s", llm.lastPrompt())
	}

	active, err := st.ActivePreferences()
	if err != nil {
		t.Fatalf("ActivePreferences: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected manual + 1 learned preference, got %d", len(active))
	}
	learned := active[0]
	if stringField(learned, "trigger") != "研究报告只有多头观点" {
		t.Fatalf("wrong preference stored: %v", learned)
	}
	if stringField(learned, "source") != "auto_extracted" {
		t.Fatalf("learned preference must be marked auto_extracted: %v", learned)
	}

	prefs, err := st.Preferences()
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	summary, _ := prefs["preference_summary"].(map[string]interface{})
	if stringField(summary, "risk_tolerance") != "中等偏低，倾向于分批建仓" {
		t.Fatalf("summary not merged: %v", summary)
	}
}

func TestLearnAndSaveMergesSummary(t *testing.T) {
	t.Parallel()
	llm := &stubLLM{response: learnResponse}
	l, st := newLearner(t, llm)

	err := st.UpdatePreferenceSummary(map[string]interface{}{
		"decision_style": "谨慎型，倾向于等待验证信号确认后分批加仓",
		"research_focus": []interface{}{"财务数据"},
		"custom_rules":   []interface{}{"达到止损点就平仓"},
	})
	if err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	seedFeedbackInteraction(t, l)

	if _, _, err := l.LearnAndSave(context.Background()); err != nil {
		t.Fatalf("LearnAndSave: %v", err)
	}

	prefs, err := st.Preferences()
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	summary, _ := prefs["preference_summary"].(map[string]interface{})

	// The new "谨慎" is shorter than the stored style, so it must not win.
	if got := stringField(summary, "decision_style"); got != "谨慎型，倾向于等待验证信号确认后分批加仓" {
		t.Fatalf("shorter text replaced the stored style: %q", got)
	}
	if got := stringField(summary, "risk_tolerance"); got != "中等偏低，倾向于分批建仓" {
		t.Fatalf("empty field not filled: %q", got)
	}

	focus, _ := summary["research_focus"].([]interface{})
	if len(focus) != 2 || focus[0] != "财务数据" || focus[1] != "竞争格局" {
		t.Fatalf("list union broken: %v", focus)
	}
	rules, _ := summary["custom_rules"].([]interface{})
	if len(rules) != 1 || rules[0] != "达到止损点就平仓" {
		t.Fatalf("empty incoming list clobbered current rules: %v", rules)
	}
}

func TestLearnAndSaveUnparseableResponse(t *testing.T) {
	t.Parallel()
	llm := &stubLLM{response: "交互记录太少，我无法得出可靠的偏好结论。"}
	l, st := newLearner(t, llm)
	seedFeedbackInteraction(t, l)

	result, _, err := l.LearnAndSave(context.Background())
	if err != nil {
		t.Fatalf("LearnAndSave: %v", err)
	}
	if len(result.AddedIDs) != 0 || result.SkippedDuplicates != 0 {
		t.Fatalf("nothing should be stored: %+v", result)
	}
	active, err := st.ActivePreferences()
	if err != nil {
		t.Fatalf("ActivePreferences: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no preferences, got %d", len(active))
	}
}

func TestExtractTransportError(t *testing.T) {
	t.Parallel()
	llm := &stubLLM{err: errors.New("upstream timeout")}
	l, _ := newLearner(t, llm)
	seedFeedbackInteraction(t, l)

	if _, _, err := l.ExtractFromInteractions(context.Background(), 20); err == nil || !strings.Contains(err.Error(), "preference extraction call") {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestAddManualDefaults(t *testing.T) {
	t.Parallel()
	l, st := newLearner(t, &stubLLM{})

	id, err := l.AddManual("财报电话会后", "等待管理层指引再决策", "")
	if err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	if id == "" {
		t.Fatal("expected a preference id")
	}

	active, err := st.ActivePreferences()
	if err != nil {
		t.Fatalf("ActivePreferences: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 preference, got %d", len(active))
	}
	p := active[0]
	if stringField(p, "source") != "manual" || stringField(p, "confidence") != "高" {
		t.Fatalf("manual defaults not applied: %v", p)
	}
	if stringField(p, "category") != "general" {
		t.Fatalf("category should default to general: %v", p["category"])
	}
	if stringField(p, "reasoning") != "用户手动添加" {
		t.Fatalf("manual reasoning not set: %v", p["reasoning"])
	}
}
