// Package prefs learns user preferences from the interaction log. Every
// meaningful user action (research feedback, plan adjustments, follow-up
// questions, playbook edits) is logged; a learning pass
// distils the log into "when X, the user tends to Y" rules plus a
// profile summary that research prompts embed.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
)

const (
	defaultInteractionLimit = 20
	maxContextRunes         = 200
)

const preferenceExtractionPrompt = `## 角色
你是一位用户行为分析专家，擅长从用户的反馈和决策中提取他们的偏好模式。

## 任务
基于用户的交互记录，提取用户的投资偏好。请用"当X发生时，用户倾向于Y"的格式总结。

## 用户交互记录
{interaction_data}

## 输出要求
请输出 JSON 格式：

` + "```json" + `
{
  "extracted_preferences": [
    {
      "trigger": "触发条件（当什么发生时）",
      "my_response": "用户的倾向/反应（用户倾向于怎么做）",
      "category": "类别（decision_style/risk_tolerance/research_focus/communication_style）",
      "confidence": "高/中/低",
      "reasoning": "为什么这样推断"
    }
  ],
  "preference_summary": {
    "decision_style": "用户的决策风格描述（例如：谨慎型，倾向于等待验证信号）",
    "risk_tolerance": "风险偏好描述（例如：中等偏低，倾向于分批建仓）",
    "research_focus": ["用户关注的研究重点，如：财务数据", "竞争格局"],
    "disliked_patterns": ["用户不喜欢的模式，如：过于乐观的分析", "缺少数据支撑"],
    "custom_rules": ["用户的自定义规则，如：达到止损点就平仓再看"]
  }
}
` + "```" + `

注意：
1. 只提取有明确依据的偏好，不要过度推断
2. 偏好要具体、可操作
3. 如果信息不足以提取偏好，返回空数组`

// Learner extracts and stores preferences for one user.
type Learner struct {
	llm    provider.Provider
	store  *store.Store
	logger *log.Logger
}

func NewLearner(llm provider.Provider, st *store.Store) *Learner {
	return &Learner{
		llm:    llm,
		store:  st,
		logger: log.New(os.Stdout, "[PREFS] ", log.LstdFlags),
	}
}

// ExtractedPreference is one "when X, the user tends to Y" rule the
// model read out of the interaction log.
type ExtractedPreference struct {
	Trigger    string `json:"trigger"`
	MyResponse string `json:"my_response"`
	Category   string `json:"category"`
	Confidence string `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Extraction is the model's full read of the log.
type Extraction struct {
	Preferences []ExtractedPreference  `json:"extracted_preferences"`
	Summary     map[string]interface{} `json:"preference_summary"`
}

// LearnResult reports what a learning pass actually stored.
type LearnResult struct {
	Extraction
	AddedIDs          []string `json:"added_ids"`
	SkippedDuplicates int      `json:"skipped_duplicates"`
}

// FeedbackContext captures what the model had recommended when the user
// reacted, so later extraction can contrast advice with decisions.
type FeedbackContext struct {
	Recommendation string
	Confidence     string
	Reasoning      string
	ThesisImpact   string
}

// LogFeedback records the user's reaction to a research conclusion.
func (l *Learner) LogFeedback(stockID, stockName string, fctx FeedbackContext, feedback map[string]interface{}) error {
	return l.store.LogInteraction(map[string]interface{}{
		"type":       "research_feedback",
		"stock_id":   stockID,
		"stock_name": stockName,
		"context": map[string]interface{}{
			"ai_recommendation": fctx.Recommendation,
			"ai_confidence":     fctx.Confidence,
			"ai_reasoning":      fctx.Reasoning,
			"thesis_impact":     fctx.ThesisImpact,
		},
		"user_feedback": map[string]interface{}{
			"decision":                   valueOr(feedback, "final_decision", ""),
			"feedback_on_research":       valueOr(feedback, "feedback_on_research", ""),
			"needs_further_research":     valueOr(feedback, "needs_further_research", ""),
			"further_research_direction": valueOr(feedback, "further_research_direction", ""),
			"tracking_metrics":           valueOr(feedback, "tracking_metrics", []interface{}{}),
		},
	})
}

// LogPlanAdjustment records a user rewrite of a research plan.
func (l *Learner) LogPlanAdjustment(stockID, stockName, request string, original, adjusted *research.ResearchPlan) error {
	return l.store.LogInteraction(map[string]interface{}{
		"type":       "plan_adjustment",
		"stock_id":   stockID,
		"stock_name": stockName,
		"context": map[string]interface{}{
			"original_objective": planObjective(original),
			"original_modules":   moduleNames(original),
		},
		"user_adjustment": request,
		"result": map[string]interface{}{
			"new_objective": planObjective(adjusted),
			"new_modules":   moduleNames(adjusted),
		},
	})
}

// LogFollowUpQuestion records a question the user asked about a report.
// Only the head of the report context is kept.
func (l *Learner) LogFollowUpQuestion(stockID, stockName, researchContext, question string) error {
	return l.store.LogInteraction(map[string]interface{}{
		"type":          "follow_up_question",
		"stock_id":      stockID,
		"stock_name":    stockName,
		"context":       truncateRunes(researchContext, maxContextRunes),
		"user_question": question,
	})
}

// LogPlaybookEdit records a direct playbook edit.
func (l *Learner) LogPlaybookEdit(stockID, stockName, editType string, changes map[string]interface{}) error {
	return l.store.LogInteraction(map[string]interface{}{
		"type":       "playbook_edit",
		"stock_id":   stockID,
		"stock_name": stockName,
		"edit_type":  editType,
		"changes":    changes,
	})
}

// ExtractFromInteractions asks the model to distil preferences from the
// recent interaction log. An empty log skips the model call, and a reply
// that cannot be parsed degrades to an empty extraction.
func (l *Learner) ExtractFromInteractions(ctx context.Context, limit int) (*Extraction, models.TokenUsage, error) {
	interactions, err := l.store.RecentInteractions(limit)
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	if len(interactions) == 0 {
		return &Extraction{Summary: map[string]interface{}{}}, models.TokenUsage{}, nil
	}

	prompt := strings.NewReplacer("{interaction_data}", formatInteractions(interactions)).Replace(preferenceExtractionPrompt)
	resp, usage, err := l.llm.Generate(ctx, prompt, nil)
	if err != nil {
		return nil, usage, fmt.Errorf("preference extraction call: %w", err)
	}

	outcome := helpers.Extract(resp, helpers.WithAnyOfKeys("extracted_preferences", "preference_summary"))
	if !outcome.OK() {
		l.logger.Printf("preference extraction unparseable: %s", outcome.Reason)
		return &Extraction{Summary: map[string]interface{}{}}, usage, nil
	}
	var ex Extraction
	if err := helpers.DecodeInto(outcome, &ex); err != nil {
		l.logger.Printf("preference extraction decode: %v", err)
		return &Extraction{Summary: map[string]interface{}{}}, usage, nil
	}
	if ex.Summary == nil {
		ex.Summary = map[string]interface{}{}
	}
	return &ex, usage, nil
}

// LearnAndSave runs one extraction pass and persists the result: new
// rules are appended unless an active one already covers the trigger,
// and the profile summary merges under longer-text-wins / list-union
// rules.
func (l *Learner) LearnAndSave(ctx context.Context) (*LearnResult, models.TokenUsage, error) {
	extraction, usage, err := l.ExtractFromInteractions(ctx, defaultInteractionLimit)
	if err != nil {
		return nil, usage, err
	}

	result := &LearnResult{Extraction: *extraction, AddedIDs: []string{}}

	existing, err := l.store.ActivePreferences()
	if err != nil {
		return nil, usage, err
	}
	for _, pref := range extraction.Preferences {
		if pref.Trigger == "" || preferenceExists(existing, pref.Trigger) {
			result.SkippedDuplicates++
			continue
		}
		id, err := l.store.AddPreference(map[string]interface{}{
			"trigger":     pref.Trigger,
			"my_response": pref.MyResponse,
			"category":    orDefault(pref.Category, "general"),
			"confidence":  orDefault(pref.Confidence, "中"),
			"reasoning":   pref.Reasoning,
			"source":      "auto_extracted",
		})
		if err != nil {
			return nil, usage, err
		}
		result.AddedIDs = append(result.AddedIDs, id)
		existing = append(existing, map[string]interface{}{"trigger": pref.Trigger})
	}

	if len(extraction.Summary) > 0 {
		prefs, err := l.store.Preferences()
		if err != nil {
			return nil, usage, err
		}
		merged := mergeSummaries(mapField(prefs, "preference_summary"), extraction.Summary)
		if err := l.store.UpdatePreferenceSummary(merged); err != nil {
			return nil, usage, err
		}
	}

	l.logger.Printf("learning pass stored %d preferences (%d duplicates skipped)", len(result.AddedIDs), result.SkippedDuplicates)
	return result, usage, nil
}

// AddManual stores a user-authored rule directly.
func (l *Learner) AddManual(trigger, response, category string) (string, error) {
	return l.store.AddPreference(map[string]interface{}{
		"trigger":     trigger,
		"my_response": response,
		"category":    orDefault(category, "general"),
		"confidence":  "高",
		"reasoning":   "用户手动添加",
		"source":      "manual",
	})
}

// preferenceExists does a coarse duplicate check: one trigger containing
// the other counts as the same rule.
func preferenceExists(existing []map[string]interface{}, trigger string) bool {
	needle := strings.ToLower(trigger)
	for _, p := range existing {
		have := strings.ToLower(stringField(p, "trigger"))
		if have == "" {
			continue
		}
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			return true
		}
	}
	return false
}

// mergeSummaries folds a new summary into the current one. Text fields
// replace only when the new text is longer; list fields union keeping
// current order first; fields outside the known profile shape are left
// alone.
func mergeSummaries(current, next map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(current)+len(next))
	for k, v := range current {
		merged[k] = v
	}
	for _, field := range []string{"decision_style", "risk_tolerance"} {
		cur := stringField(current, field)
		if v := stringField(next, field); v != "" && len([]rune(v)) > len([]rune(cur)) {
			merged[field] = v
		}
	}
	for _, field := range []string{"research_focus", "disliked_patterns", "custom_rules"} {
		merged[field] = stringsUnion(stringList(current, field), stringList(next, field))
	}
	return merged
}

func stringsUnion(lists ...[]string) []string {
	out := []string{}
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, s := range list {
			if _, dup := seen[s]; dup || s == "" {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func formatInteractions(interactions []map[string]interface{}) string {
	var lines []string
	for i, inter := range interactions {
		lines = append(lines, fmt.Sprintf("\n### 交互 %d (%s)", i+1, orDefault(stringField(inter, "type"), "unknown")))
		lines = append(lines, "时间: "+truncateRunes(stringField(inter, "timestamp"), 10))
		if name := stringField(inter, "stock_name"); name != "" {
			lines = append(lines, "股票: "+name)
		}

		switch stringField(inter, "type") {
		case "research_feedback":
			fctx := mapField(inter, "context")
			fb := mapField(inter, "user_feedback")
			lines = append(lines, fmt.Sprintf("AI建议: %s (信心: %s)", stringField(fctx, "ai_recommendation"), stringField(fctx, "ai_confidence")))
			lines = append(lines, "用户决策: "+stringField(fb, "decision"))
			if v := stringField(fb, "feedback_on_research"); v != "" {
				lines = append(lines, "用户反馈: "+v)
			}
			if v := stringField(fb, "further_research_direction"); v != "" {
				lines = append(lines, "用户希望的研究方向: "+v)
			}
		case "plan_adjustment":
			lines = append(lines, "用户调整请求: "+stringField(inter, "user_adjustment"))
		case "follow_up_question":
			lines = append(lines, "用户追问: "+stringField(inter, "user_question"))
		case "playbook_edit":
			lines = append(lines, "编辑类型: "+stringField(inter, "edit_type"))
			changes, _ := json.Marshal(valueOr(inter, "changes", map[string]interface{}{}))
			lines = append(lines, "变更: "+string(changes))
		}
	}
	return strings.Join(lines, "\n")
}

func planObjective(p *research.ResearchPlan) string {
	if p == nil {
		return ""
	}
	return p.ResearchObjective
}

func moduleNames(p *research.ResearchPlan) []string {
	if p == nil {
		return []string{}
	}
	names := make([]string, 0, len(p.ResearchModules))
	for _, m := range p.ResearchModules {
		names = append(names, m.ModuleName)
	}
	return names
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func stringList(m map[string]interface{}, key string) []string {
	items, _ := m[key].([]interface{})
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func valueOr(m map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return fallback
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
