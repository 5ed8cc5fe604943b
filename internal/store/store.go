// Package store persists playbooks, research history and user preferences
// as JSON files under one data directory. Postgres archiving and the
// history search index sit beside it as optional mirrors; the files stay
// the source of truth.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/playbook/models"
)

// Store is the JSON-file store. One mutex serialises every
// read-modify-write cycle; files are small and contention is rare.
type Store struct {
	baseDir string
	logger  *log.Logger
	mu      sync.Mutex
}

func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".playbook")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "stocks"), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Store{
		baseDir: dataDir,
		logger:  log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

func (s *Store) BaseDir() string { return s.baseDir }

// SearchCacheDir is where the retrieval cache keeps its entries.
func (s *Store) SearchCacheDir() string { return filepath.Join(s.baseDir, "cache", "search") }

// NormalizeStockID maps a user-facing stock id to its directory form:
// lower-case with spaces collapsed to underscores. Every operation that
// touches a stock goes through this, so "Micron Tech" and "micron_tech"
// address the same playbook.
func NormalizeStockID(stockID string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(stockID)), " ", "_")
}

func (s *Store) stockPath(stockID string, parts ...string) string {
	elems := append([]string{s.baseDir, "stocks", NormalizeStockID(stockID)}, parts...)
	return filepath.Join(elems...)
}

func (s *Store) ensureStockDir(stockID string) (string, error) {
	dir := s.stockPath(stockID)
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o755); err != nil {
		return "", fmt.Errorf("creating stock dir: %w", err)
	}
	return dir, nil
}

func readJSONFile(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONFile goes through a temp file and a rename so a crash mid-write
// never leaves a truncated document behind.
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// stampTimestamps sets updated_at and, on first save, created_at.
func stampTimestamps(doc map[string]interface{}) {
	now := time.Now().Format(time.RFC3339)
	doc["updated_at"] = now
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = now
	}
}

func stringField(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolField(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func listField(m map[string]interface{}, key string) []interface{} {
	v, _ := m[key].([]interface{})
	return v
}

// ---- portfolio playbook ----

func (s *Store) portfolioPath() string { return filepath.Join(s.baseDir, "portfolio_playbook.json") }

// PortfolioPlaybook returns nil without an error when none has been saved
// yet; an empty portfolio is a normal pre-interview state.
func (s *Store) PortfolioPlaybook() (map[string]interface{}, error) {
	var pb map[string]interface{}
	if err := readJSONFile(s.portfolioPath(), &pb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return pb, nil
}

func (s *Store) SavePortfolioPlaybook(playbook map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stampTimestamps(playbook)
	return writeJSONFile(s.portfolioPath(), playbook)
}

func (s *Store) HasPortfolioPlaybook() bool {
	_, err := os.Stat(s.portfolioPath())
	return err == nil
}

// ---- stock playbooks ----

func (s *Store) StockPlaybook(stockID string) (map[string]interface{}, error) {
	var pb map[string]interface{}
	if err := readJSONFile(s.stockPath(stockID, "playbook.json"), &pb); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.ErrStockNotFound
		}
		return nil, err
	}
	return pb, nil
}

func (s *Store) SaveStockPlaybook(stockID string, playbook map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ensureStockDir(stockID); err != nil {
		return err
	}
	playbook["stock_id"] = NormalizeStockID(stockID)
	stampTimestamps(playbook)
	return writeJSONFile(s.stockPath(stockID, "playbook.json"), playbook)
}

// StockSummary is one row of the tracked-stock listing.
type StockSummary struct {
	StockID   string `json:"stock_id"`
	StockName string `json:"stock_name"`
	Ticker    string `json:"ticker"`
	Summary   string `json:"summary"`
	UpdatedAt string `json:"updated_at"`
}

// ListStocks returns every stock directory that carries a playbook.
func (s *Store) ListStocks() ([]StockSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "stocks"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var stocks []StockSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pb, err := s.StockPlaybook(e.Name())
		if err != nil {
			continue
		}
		stocks = append(stocks, StockSummary{
			StockID:   e.Name(),
			StockName: stringField(pb, "stock_name", e.Name()),
			Ticker:    stringField(pb, "ticker", ""),
			Summary:   stringField(mapField(pb, "core_thesis"), "summary", ""),
			UpdatedAt: stringField(pb, "updated_at", ""),
		})
	}
	return stocks, nil
}

// DeleteStock removes the whole stock tree: playbook, history and uploads.
// This is the only way records die.
func (s *Store) DeleteStock(stockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.stockPath(stockID)
	if _, err := os.Stat(filepath.Join(dir, "playbook.json")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.ErrStockNotFound
		}
		return err
	}
	return os.RemoveAll(dir)
}

// ---- research history ----

type historyFile struct {
	StockID string                   `json:"stock_id"`
	Records []map[string]interface{} `json:"records"`
}

func (s *Store) loadHistory(stockID string) (historyFile, error) {
	var h historyFile
	if err := readJSONFile(s.stockPath(stockID, "history.json"), &h); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return historyFile{StockID: NormalizeStockID(stockID)}, nil
		}
		return historyFile{}, err
	}
	return h, nil
}

func (s *Store) saveHistory(stockID string, h historyFile) error {
	if _, err := s.ensureStockDir(stockID); err != nil {
		return err
	}
	return writeJSONFile(s.stockPath(stockID, "history.json"), h)
}

// AppendRecord prepends the record so the file reads newest-first, stamps
// id and date, and returns the id. The uuid suffix keeps ids distinct when
// two cycles land within the same second.
func (s *Store) AppendRecord(stockID string, record map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.loadHistory(stockID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	id := fmt.Sprintf("research_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
	record["id"] = id
	record["date"] = now.Format(time.RFC3339)
	h.Records = append([]map[string]interface{}{record}, h.Records...)
	if err := s.saveHistory(stockID, h); err != nil {
		return "", err
	}
	return id, nil
}

// History returns every record, newest first.
func (s *Store) History(stockID string) ([]map[string]interface{}, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	return h.Records, nil
}

// RecentRecords returns up to limit regular records plus every milestone,
// deduplicated and sorted newest first. Milestones never age out of the
// research context this way.
func (s *Store) RecentRecords(stockID string, limit int) ([]map[string]interface{}, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}

	var milestones, regular []map[string]interface{}
	for _, r := range h.Records {
		if boolField(r, "is_milestone") {
			milestones = append(milestones, r)
		} else {
			regular = append(regular, r)
		}
	}
	if len(regular) > limit {
		regular = regular[:limit]
	}

	recent := append([]map[string]interface{}{}, regular...)
	seen := make(map[string]struct{}, len(recent))
	for _, r := range recent {
		seen[stringField(r, "id", "")] = struct{}{}
	}
	for _, m := range milestones {
		if _, dup := seen[stringField(m, "id", "")]; !dup {
			recent = append(recent, m)
		}
	}
	sortByDateDesc(recent)
	return recent, nil
}

func sortByDateDesc(records []map[string]interface{}) {
	sort.SliceStable(records, func(i, j int) bool {
		return stringField(records[i], "date", "") > stringField(records[j], "date", "")
	})
}

// ToggleMilestone flips the milestone flag and returns the new state.
func (s *Store) ToggleMilestone(stockID, recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.loadHistory(stockID)
	if err != nil {
		return false, err
	}
	for _, r := range h.Records {
		if stringField(r, "id", "") != recordID {
			continue
		}
		next := !boolField(r, "is_milestone")
		r["is_milestone"] = next
		r["milestone_updated_at"] = time.Now().Format(time.RFC3339)
		if err := s.saveHistory(stockID, h); err != nil {
			return false, err
		}
		return next, nil
	}
	return false, models.ErrRecordNotFound
}

// MilestoneRecords returns every record pinned as a milestone.
func (s *Store) MilestoneRecords(stockID string) ([]map[string]interface{}, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for _, r := range h.Records {
		if boolField(r, "is_milestone") {
			out = append(out, r)
		}
	}
	return out, nil
}

// AttachFeedback replaces the record's user_feedback block. Unknown keys in
// the submitted feedback are dropped; missing ones get their defaults, so
// the stored shape is always complete.
func (s *Store) AttachFeedback(stockID, recordID string, feedback map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.loadHistory(stockID)
	if err != nil {
		return err
	}
	for _, r := range h.Records {
		if stringField(r, "id", "") != recordID {
			continue
		}
		r["user_feedback"] = normaliseFeedback(feedback)
		return s.saveHistory(stockID, h)
	}
	return models.ErrRecordNotFound
}

func normaliseFeedback(feedback map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{
		"research_valuable":      true,
		"direction_correct":      "",
		"continue_research":      false,
		"next_direction":         "",
		"decision":               "持有",
		"tracking_metrics":       []interface{}{},
		"notes":                  "",
		"follow_up_conversation": []interface{}{},
	}
	for key := range out {
		if v, ok := feedback[key]; ok {
			out[key] = v
		}
	}
	out["feedback_date"] = time.Now().Format(time.RFC3339)
	return out
}

// LatestRecordWithFeedback returns the newest record carrying feedback, or
// nil when none does.
func (s *Store) LatestRecordWithFeedback(stockID string) (map[string]interface{}, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	for _, r := range h.Records {
		if len(mapField(r, "user_feedback")) > 0 {
			return r, nil
		}
	}
	return nil, nil
}

// ResearchContext projects the records worth grounding a new cycle on:
// milestones always, plus up to limit regular records that carry feedback
// or user uploads. Each projection keeps only the prompt-relevant fields.
func (s *Store) ResearchContext(stockID string, limit int) ([]map[string]interface{}, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}

	var milestones, regular []map[string]interface{}
	for _, r := range h.Records {
		isMilestone := boolField(r, "is_milestone")
		hasFeedback := len(mapField(r, "user_feedback")) > 0
		hasUploads := len(listField(mapField(r, "environment_input"), "user_uploaded")) > 0

		projection := map[string]interface{}{
			"date":              stringField(r, "date", ""),
			"research_result":   mapField(r, "research_result"),
			"user_feedback":     mapField(r, "user_feedback"),
			"environment_input": mapField(r, "environment_input"),
			"is_milestone":      isMilestone,
		}

		switch {
		case isMilestone:
			milestones = append(milestones, projection)
		case hasFeedback || hasUploads:
			if len(regular) < limit {
				regular = append(regular, projection)
			}
		}
	}

	result := append([]map[string]interface{}{}, regular...)
	seen := make(map[string]struct{}, len(result))
	for _, r := range result {
		seen[stringField(r, "date", "")] = struct{}{}
	}
	for _, m := range milestones {
		if _, dup := seen[stringField(m, "date", "")]; !dup {
			result = append(result, m)
		}
	}
	sortByDateDesc(result)
	return result, nil
}

// HistoricalUploads walks the history for user-uploaded document summaries,
// newest records first.
func (s *Store) HistoricalUploads(stockID string, limit int) ([]models.UploadAnalysis, error) {
	h, err := s.loadHistory(stockID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	var uploads []models.UploadAnalysis
	for _, r := range h.Records {
		date := stringField(r, "date", "")
		if len(date) > 10 {
			date = date[:10]
		}
		for _, item := range listField(mapField(r, "environment_input"), "user_uploaded") {
			u, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			uploads = append(uploads, models.UploadAnalysis{
				Filename: stringField(u, "filename", ""),
				Summary:  stringField(u, "summary", ""),
				Date:     date,
			})
			if len(uploads) >= limit {
				return uploads, nil
			}
		}
	}
	return uploads, nil
}

// ---- uploads ----

// SaveUpload stores the document under the stock's uploads directory with a
// uuid prefix and returns the destination path.
func (s *Store) SaveUpload(stockID, filename string, r io.Reader) (string, error) {
	dir, err := s.ensureStockDir(stockID)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, "uploads", uuid.NewString()+"_"+filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing upload: %w", err)
	}
	return dest, nil
}

// ---- assistant log ----

// Log appends one line to assistant.log. Failures are reported to the
// process logger and otherwise swallowed; the assistant log is advisory.
func (s *Store) Log(message, level string) {
	if level == "" {
		level = "INFO"
	}
	line := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), level, message)
	f, err := os.OpenFile(filepath.Join(s.baseDir, "assistant.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Printf("appending assistant log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		s.logger.Printf("appending assistant log: %v", err)
	}
}
