package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/models"
)

const interactionLogLimit = 100

func (s *Store) preferencesPath() string {
	return filepath.Join(s.baseDir, "user_preferences.json")
}

func defaultPreferences() map[string]interface{} {
	return map[string]interface{}{
		"preferences": []interface{}{},
		"preference_summary": map[string]interface{}{
			"decision_style":    "",
			"risk_tolerance":    "",
			"research_focus":    []interface{}{},
			"disliked_patterns": []interface{}{},
			"custom_rules":      []interface{}{},
		},
		"interaction_log": []interface{}{},
	}
}

// Preferences returns the preference document, with the default shape when
// none has been saved yet.
func (s *Store) Preferences() (map[string]interface{}, error) {
	var prefs map[string]interface{}
	if err := readJSONFile(s.preferencesPath(), &prefs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultPreferences(), nil
		}
		return nil, err
	}
	return prefs, nil
}

func (s *Store) SavePreferences(prefs map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePreferencesLocked(prefs)
}

func (s *Store) savePreferencesLocked(prefs map[string]interface{}) error {
	prefs["updated_at"] = time.Now().Format(time.RFC3339)
	return writeJSONFile(s.preferencesPath(), prefs)
}

// AddPreference prepends one learned preference, stamps it, and returns its
// id. New preferences start active.
func (s *Store) AddPreference(preference map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return "", err
	}
	list := listField(prefs, "preferences")

	now := time.Now()
	id := fmt.Sprintf("pref_%s_%d", now.Format("20060102_150405"), len(list))
	preference["id"] = id
	preference["created_at"] = now.Format(time.RFC3339)
	preference["updated_at"] = preference["created_at"]
	preference["active"] = true

	prefs["preferences"] = append([]interface{}{preference}, list...)
	if err := s.savePreferencesLocked(prefs); err != nil {
		return "", err
	}
	return id, nil
}

// UpdatePreference applies the updates to the matching preference.
func (s *Store) UpdatePreference(prefID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return err
	}
	for _, item := range listField(prefs, "preferences") {
		p, ok := item.(map[string]interface{})
		if !ok || stringField(p, "id", "") != prefID {
			continue
		}
		for k, v := range updates {
			p[k] = v
		}
		p["updated_at"] = time.Now().Format(time.RFC3339)
		return s.savePreferencesLocked(prefs)
	}
	return models.ErrRecordNotFound
}

// DeletePreference removes the preference entirely.
func (s *Store) DeletePreference(prefID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return err
	}
	list := listField(prefs, "preferences")
	kept := make([]interface{}, 0, len(list))
	for _, item := range list {
		if p, ok := item.(map[string]interface{}); ok && stringField(p, "id", "") == prefID {
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == len(list) {
		return models.ErrRecordNotFound
	}
	prefs["preferences"] = kept
	return s.savePreferencesLocked(prefs)
}

// TogglePreference flips the active flag and returns the new state.
func (s *Store) TogglePreference(prefID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return false, err
	}
	for _, item := range listField(prefs, "preferences") {
		p, ok := item.(map[string]interface{})
		if !ok || stringField(p, "id", "") != prefID {
			continue
		}
		next := !preferenceActive(p)
		p["active"] = next
		p["updated_at"] = time.Now().Format(time.RFC3339)
		if err := s.savePreferencesLocked(prefs); err != nil {
			return false, err
		}
		return next, nil
	}
	return false, models.ErrRecordNotFound
}

// preferenceActive defaults to true: preferences saved before the active
// flag existed stay in force.
func preferenceActive(p map[string]interface{}) bool {
	v, ok := p["active"].(bool)
	if !ok {
		return true
	}
	return v
}

// ActivePreferences returns the preferences currently in force.
func (s *Store) ActivePreferences() ([]map[string]interface{}, error) {
	prefs, err := s.Preferences()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for _, item := range listField(prefs, "preferences") {
		if p, ok := item.(map[string]interface{}); ok && preferenceActive(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdatePreferenceSummary deep-merges the patch into preference_summary, so
// a partial update never wipes sibling fields.
func (s *Store) UpdatePreferenceSummary(summary map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return err
	}
	current := mapField(prefs, "preference_summary")
	if current == nil {
		current = map[string]interface{}{}
	}
	prefs["preference_summary"] = helpers.DeepMerge(current, summary)
	return s.savePreferencesLocked(prefs)
}

// LogInteraction prepends one interaction and trims the log to the most
// recent hundred entries.
func (s *Store) LogInteraction(interaction map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, err := s.Preferences()
	if err != nil {
		return err
	}
	now := time.Now()
	interaction["id"] = "int_" + now.Format("20060102_150405")
	interaction["timestamp"] = now.Format(time.RFC3339)

	logEntries := append([]interface{}{interaction}, listField(prefs, "interaction_log")...)
	if len(logEntries) > interactionLogLimit {
		logEntries = logEntries[:interactionLogLimit]
	}
	prefs["interaction_log"] = logEntries
	return s.savePreferencesLocked(prefs)
}

// RecentInteractions returns up to limit interactions, newest first.
func (s *Store) RecentInteractions(limit int) ([]map[string]interface{}, error) {
	prefs, err := s.Preferences()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	var out []map[string]interface{}
	for _, item := range listField(prefs, "interaction_log") {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// PreferencesForPrompt renders the preference profile as the text block
// research prompts embed. Read failures degrade to the empty-profile line;
// a prompt must never fail because preferences were unreadable.
func (s *Store) PreferencesForPrompt() string {
	prefs, err := s.Preferences()
	if err != nil {
		s.logger.Printf("reading preferences for prompt: %v", err)
		return "（暂无用户偏好记录）"
	}
	summary := mapField(prefs, "preference_summary")

	lines := []string{"## 用户偏好档案\n"}
	if v := stringField(summary, "decision_style", ""); v != "" {
		lines = append(lines, "**决策风格:** "+v)
	}
	if v := stringField(summary, "risk_tolerance", ""); v != "" {
		lines = append(lines, "**风险偏好:** "+v)
	}
	if items := stringList(summary, "research_focus"); len(items) > 0 {
		lines = append(lines, "**研究重点:** "+strings.Join(items, ", "))
	}
	if items := stringList(summary, "disliked_patterns"); len(items) > 0 {
		lines = append(lines, "**不喜欢的模式:** "+strings.Join(items, ", "))
	}
	if items := stringList(summary, "custom_rules"); len(items) > 0 {
		lines = append(lines, "**自定义规则:** "+strings.Join(items, ", "))
	}

	active, err := s.ActivePreferences()
	if err == nil && len(active) > 0 {
		lines = append(lines, "\n**历史偏好记录:**")
		for i, p := range active {
			if i >= 10 {
				break
			}
			trigger := stringField(p, "trigger", "")
			response := stringField(p, "my_response", "")
			if trigger != "" && response != "" {
				lines = append(lines, fmt.Sprintf("- 当「%s」时，用户倾向于「%s」", trigger, response))
			}
		}
	}

	if len(lines) == 1 {
		return "（暂无用户偏好记录）"
	}
	return strings.Join(lines, "\n")
}

func stringList(m map[string]interface{}, key string) []string {
	var out []string
	for _, item := range listField(m, key) {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
