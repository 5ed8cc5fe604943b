// Package interview runs the Socratic playbook-building dialogues. An
// interview is a short-lived in-memory session: the model asks one
// question per turn until it has enough to emit a playbook summary,
// which is merged onto any existing playbook and saved.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
)

// Interview kinds. A portfolio interview builds the account-level
// playbook; a stock interview builds one stock's playbook.
const (
	KindPortfolio = "portfolio"
	KindStock     = "stock"
)

const sessionTTL = 2 * time.Hour

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("interview session not found or expired")

type session struct {
	id        string
	kind      string
	stockName string
	history   []provider.Message
	expiresAt time.Time
}

// Turn is one exchange of an interview as returned to the caller. When
// Completed is set, Playbook carries the saved (merged) document and the
// session is gone; otherwise Message is the next question.
type Turn struct {
	SessionID    string                 `json:"session_id"`
	Message      string                 `json:"message"`
	Completed    bool                   `json:"completed"`
	Playbook     map[string]interface{} `json:"playbook,omitempty"`
	ParseWarning string                 `json:"parse_warning,omitempty"`
	SaveError    string                 `json:"save_error,omitempty"`
	Usage        models.TokenUsage      `json:"usage"`
}

// Interviewer drives interviews against one LLM provider and one store.
type Interviewer struct {
	llm    provider.Provider
	store  *store.Store
	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewInterviewer(llm provider.Provider, st *store.Store) *Interviewer {
	return &Interviewer{
		llm:      llm,
		store:    st,
		logger:   log.New(os.Stdout, "[INTERVIEW] ", log.LstdFlags),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start opens a session and returns its first question. The kind defaults
// to stock, and a stock interview needs a non-empty stock name. The first
// question is derived locally: from the existing playbook when updating,
// from the portfolio's bullish themes when available, else a generic
// opener. No model call happens here.
func (iv *Interviewer) Start(kind, stockName string) (*Turn, error) {
	switch kind {
	case "":
		kind = KindStock
	case KindPortfolio, KindStock:
	default:
		return nil, fmt.Errorf("unknown interview kind %q", kind)
	}
	stockName = strings.TrimSpace(stockName)
	if kind == KindStock && stockName == "" {
		return nil, errors.New("stock interviews need a stock name")
	}

	first := iv.firstPortfolioQuestion()
	if kind == KindStock {
		first = iv.firstStockQuestion(stockName)
	}

	sess := &session{
		id:        uuid.NewString(),
		kind:      kind,
		stockName: stockName,
		history:   []provider.Message{{Role: "assistant", Content: first}},
		expiresAt: iv.now().Add(sessionTTL),
	}

	iv.mu.Lock()
	iv.pruneLocked()
	iv.sessions[sess.id] = sess
	iv.mu.Unlock()

	iv.logger.Printf("interview %s started (kind=%s)", sess.id, kind)
	return &Turn{SessionID: sess.id, Message: first}, nil
}

// Continue feeds the user's answer to the model. The session stays open
// until a summary passes the shape guard; transport errors leave the
// session untouched so the same answer can be retried.
func (iv *Interviewer) Continue(ctx context.Context, sessionID, answer string) (*Turn, error) {
	iv.mu.Lock()
	sess, ok := iv.sessions[sessionID]
	if ok && iv.now().After(sess.expiresAt) {
		delete(iv.sessions, sessionID)
		ok = false
	}
	var (
		kind, stockName string
		history         []provider.Message
	)
	if ok {
		kind, stockName = sess.kind, sess.stockName
		history = append([]provider.Message(nil), sess.history...)
	}
	iv.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	history = append(history, provider.Message{Role: "user", Content: answer})
	prompt := iv.promptFor(kind, stockName, history)

	resp, usage, err := iv.llm.Generate(ctx, prompt, nil)
	if err != nil {
		return nil, fmt.Errorf("interview model call: %w", err)
	}

	turn := &Turn{SessionID: sessionID, Message: resp, Usage: usage}

	playbook, warning := extractPlaybook(kind, resp)
	if playbook == nil {
		turn.ParseWarning = warning
		iv.mu.Lock()
		sess.history = append(history, provider.Message{Role: "assistant", Content: resp})
		sess.expiresAt = iv.now().Add(sessionTTL)
		iv.mu.Unlock()
		return turn, nil
	}

	// The transcript ends at the user's last answer: the summary reply
	// itself lives in Turn.Message, not in the saved document.
	playbook["interview_transcript"] = history
	if kind == KindStock {
		if name, _ := playbook["stock_name"].(string); name == "" {
			playbook["stock_name"] = stockName
		}
	}

	saved, err := iv.save(kind, stockName, playbook)
	if err != nil {
		iv.logger.Printf("saving %s playbook: %v", kind, err)
		turn.SaveError = "Playbook 保存失败: " + err.Error()
	}
	turn.Completed = true
	turn.Playbook = saved

	iv.mu.Lock()
	delete(iv.sessions, sessionID)
	iv.mu.Unlock()

	iv.logger.Printf("interview %s completed (kind=%s)", sessionID, kind)
	return turn, nil
}

func (iv *Interviewer) firstPortfolioQuestion() string {
	if iv.store.HasPortfolioPlaybook() {
		return "好的，让我们更新你的投资观点。\n\n你对当前看好的方向有什么变化吗？"
	}
	return "你当前最看好的投资方向或主题是什么？"
}

func (iv *Interviewer) firstStockQuestion(stockName string) string {
	if existing, err := iv.store.StockPlaybook(store.NormalizeStockID(stockName)); err == nil {
		summary := nestedString(existing, "core_thesis", "summary")
		return fmt.Sprintf("好的，让我们更新%s的投资逻辑。\n\n当前的核心逻辑是「%s」，有什么变化吗？", stockName, summary)
	}
	if portfolio, err := iv.store.PortfolioPlaybook(); err == nil {
		if theme := firstBullishTheme(portfolio); theme != "" {
			return fmt.Sprintf("好的，让我们来聊聊%s。\n\n我看到你的总体 Playbook 看好「%s」。%s和这个主题有什么关系？", stockName, theme, stockName)
		}
	}
	return fmt.Sprintf("好的，让我们来聊聊%s。\n\n你为什么想买入%s？核心看好什么？", stockName, stockName)
}

func (iv *Interviewer) promptFor(kind, stockName string, history []provider.Message) string {
	transcript := formatTranscript(history)
	if kind == KindPortfolio {
		return strings.NewReplacer("{conversation_history}", transcript).Replace(portfolioInterviewPrompt)
	}
	portfolio, _ := iv.store.PortfolioPlaybook()
	return strings.NewReplacer(
		"{portfolio_playbook}", formatPlaybook(portfolio),
		"{stock_name}", stockName,
		"{conversation_history}", transcript,
	).Replace(stockInterviewPrompt)
}

// save merges the summary onto any existing playbook and persists it.
// The merged document is returned even when the write fails so the
// caller still gets what was built.
func (iv *Interviewer) save(kind, stockName string, playbook map[string]interface{}) (map[string]interface{}, error) {
	if kind == KindPortfolio {
		if existing, err := iv.store.PortfolioPlaybook(); err == nil {
			playbook = helpers.DeepMerge(existing, playbook)
		}
		return playbook, iv.store.SavePortfolioPlaybook(playbook)
	}
	stockID := store.NormalizeStockID(stockName)
	if existing, err := iv.store.StockPlaybook(stockID); err == nil {
		playbook = helpers.DeepMerge(existing, playbook)
	}
	return playbook, iv.store.SaveStockPlaybook(stockID, playbook)
}

// extractPlaybook pulls the summary object out of a reply. The key guard
// skips the example skeleton the prompt itself shows the model; the kind
// check rejects a summary of the wrong shape, such as a stock playbook
// emitted during a portfolio interview. A non-empty warning means a
// summary was probably attempted but could not be used.
func extractPlaybook(kind, resp string) (map[string]interface{}, string) {
	const warning = "检测到响应中可能包含 Playbook，但解析失败。如果你认为访谈已完成，可以尝试输入「请总结并生成 Playbook」让 AI 重新生成。"

	outcome := helpers.Extract(resp, helpers.WithAnyOfKeys("core_thesis", "market_views", "stock_name"))
	if outcome.OK() {
		if matchesKind(kind, outcome.Object) {
			return outcome.Object, ""
		}
		return nil, warning
	}
	if looksLikeSummary(resp) {
		return nil, warning
	}
	return nil, ""
}

func matchesKind(kind string, obj map[string]interface{}) bool {
	if kind == KindPortfolio {
		_, views := obj["market_views"]
		_, strategy := obj["portfolio_strategy"]
		return views || strategy
	}
	_, thesis := obj["core_thesis"]
	_, name := obj["stock_name"]
	return thesis || name
}

func looksLikeSummary(resp string) bool {
	return strings.Contains(resp, "```json") ||
		strings.Contains(resp, `"core_thesis"`) ||
		strings.Contains(resp, `"market_views"`)
}

func (iv *Interviewer) pruneLocked() {
	now := iv.now()
	for id, sess := range iv.sessions {
		if now.After(sess.expiresAt) {
			delete(iv.sessions, id)
		}
	}
}

func firstBullishTheme(portfolio map[string]interface{}) string {
	views, _ := portfolio["market_views"].(map[string]interface{})
	themes, _ := views["bullish_themes"].([]interface{})
	if len(themes) == 0 {
		return ""
	}
	switch t := themes[0].(type) {
	case map[string]interface{}:
		s, _ := t["theme"].(string)
		return s
	case string:
		return t
	}
	return ""
}

func nestedString(m map[string]interface{}, path ...string) string {
	cur := m
	for i, k := range path {
		if i == len(path)-1 {
			s, _ := cur[k].(string)
			return s
		}
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}
