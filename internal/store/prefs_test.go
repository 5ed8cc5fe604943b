package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/playbook/models"
)

func TestPreferencesDefaultShape(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	prefs, err := s.Preferences()
	if err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if len(listField(prefs, "preferences")) != 0 {
		t.Fatalf("default preferences should be empty: %v", prefs)
	}
	summary := mapField(prefs, "preference_summary")
	if summary == nil {
		t.Fatalf("default summary missing: %v", prefs)
	}
	for _, key := range []string{"decision_style", "risk_tolerance", "research_focus", "disliked_patterns", "custom_rules"} {
		if _, ok := summary[key]; !ok {
			t.Fatalf("summary missing %s: %v", key, summary)
		}
	}
}

func TestPreferenceLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id, err := s.AddPreference(map[string]interface{}{
		"trigger":     "研究只有多头观点",
		"my_response": "要求补充空头论据",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.HasPrefix(id, "pref_") {
		t.Fatalf("unexpected id: %s", id)
	}

	active, err := s.ActivePreferences()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active preference, got %d", len(active))
	}
	if active[0]["trigger"] != "研究只有多头观点" {
		t.Fatalf("unexpected preference: %v", active[0])
	}

	if err := s.UpdatePreference(id, map[string]interface{}{"my_response": "补充风险分析"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, _ = s.ActivePreferences()
	if active[0]["my_response"] != "补充风险分析" {
		t.Fatalf("update not applied: %v", active[0])
	}

	on, err := s.TogglePreference(id)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if on {
		t.Fatalf("toggle should deactivate")
	}
	active, _ = s.ActivePreferences()
	if len(active) != 0 {
		t.Fatalf("deactivated preference still active: %v", active)
	}

	if err := s.DeletePreference(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeletePreference(id); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("second delete: got %v, want ErrRecordNotFound", err)
	}
	if err := s.UpdatePreference("pref_missing", nil); !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("update missing: got %v, want ErrRecordNotFound", err)
	}
}

func TestPreferenceWithoutActiveFlagCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	prefs, _ := s.Preferences()
	prefs["preferences"] = []interface{}{
		map[string]interface{}{"id": "pref_legacy", "trigger": "老偏好"},
	}
	if err := s.SavePreferences(prefs); err != nil {
		t.Fatalf("save: %v", err)
	}

	active, err := s.ActivePreferences()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("legacy preference without active flag should stay in force, got %d", len(active))
	}
}

func TestUpdatePreferenceSummaryMerges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.UpdatePreferenceSummary(map[string]interface{}{
		"decision_style": "数据驱动",
		"research_focus": []interface{}{"毛利率", "现金流"},
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdatePreferenceSummary(map[string]interface{}{
		"risk_tolerance": "中等偏低",
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	prefs, _ := s.Preferences()
	summary := mapField(prefs, "preference_summary")
	if summary["decision_style"] != "数据驱动" {
		t.Fatalf("partial update wiped decision_style: %v", summary)
	}
	if summary["risk_tolerance"] != "中等偏低" {
		t.Fatalf("second update lost: %v", summary)
	}
	if len(listField(summary, "research_focus")) != 2 {
		t.Fatalf("research_focus lost: %v", summary)
	}
}

func TestInteractionLogCapped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < interactionLogLimit+5; i++ {
		err := s.LogInteraction(map[string]interface{}{
			"type":    "research_feedback",
			"content": fmt.Sprintf("entry %d", i),
		})
		if err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	prefs, _ := s.Preferences()
	if n := len(listField(prefs, "interaction_log")); n != interactionLogLimit {
		t.Fatalf("log should cap at %d, got %d", interactionLogLimit, n)
	}

	recent, err := s.RecentInteractions(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 20 {
		t.Fatalf("default limit should be 20, got %d", len(recent))
	}
	if recent[0]["content"] != fmt.Sprintf("entry %d", interactionLogLimit+4) {
		t.Fatalf("newest entry should come first: %v", recent[0])
	}
}

func TestPreferencesForPrompt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if got := s.PreferencesForPrompt(); got != "（暂无用户偏好记录）" {
		t.Fatalf("empty profile: got %q", got)
	}

	if err := s.UpdatePreferenceSummary(map[string]interface{}{
		"decision_style": "数据驱动",
		"risk_tolerance": "中等",
		"research_focus": []interface{}{"毛利率"},
	}); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if _, err := s.AddPreference(map[string]interface{}{
		"trigger":     "研究只有多头观点",
		"my_response": "要求补充空头论据",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	text := s.PreferencesForPrompt()
	for _, want := range []string{
		"## 用户偏好档案",
		"**决策风格:** 数据驱动",
		"**风险偏好:** 中等",
		"**研究重点:** 毛利率",
		"**历史偏好记录:**",
		"- 当「研究只有多头观点」时，用户倾向于「要求补充空头论据」",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("prompt block missing %q:\n%s", want, text)
		}
	}
}
