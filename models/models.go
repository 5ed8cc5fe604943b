package models

import "errors"

// ErrStockNotFound is returned when a tracked stock has no playbook on disk.
var ErrStockNotFound = errors.New("stock not found")

// ErrRecordNotFound is returned when a research record id does not exist.
var ErrRecordNotFound = errors.New("research record not found")

// SearchTopic selects a provider search vertical.
type SearchTopic string

// SearchDepth selects how thorough a provider search should be.
type SearchDepth string

const (
	TopicNews    SearchTopic = "news"
	TopicGeneral SearchTopic = "general"

	DepthBasic    SearchDepth = "basic"
	DepthAdvanced SearchDepth = "advanced"
)

// SearchQuery is one retrieval request. Providers without a matching knob
// ignore Topic or Depth rather than erroring.
type SearchQuery struct {
	Text       string      `json:"q"`
	MaxResults int         `json:"n"`
	Topic      SearchTopic `json:"topic"`
	Depth      SearchDepth `json:"depth"`
}

// SearchResult is the provider-neutral shape every search adapter maps
// vendor responses into. Title and URL must both be non-empty; adapters
// drop anything else at ingestion. URL is the dedup key in merged lists.
type SearchResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Provider  string  `json:"provider"`
	Published string  `json:"published,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// ChatMessage is one turn of an LLM conversation. The json tags match the
// chat-completions wire shape so histories marshal straight into requests.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage reports what one LLM call consumed. Cost comes from the
// configured per-1K rates of the model that served the call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

func (u TokenUsage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// NewsItem is one piece of environment evidence surfaced for a stock,
// tagged with the search dimension that produced it.
type NewsItem struct {
	Date       string `json:"date"`
	Title      string `json:"title"`
	Summary    string `json:"summary,omitempty"`
	Dimension  string `json:"dimension,omitempty"`
	Relevance  string `json:"relevance,omitempty"`
	Importance string `json:"importance,omitempty"`
	Source     string `json:"source,omitempty"`
	URL        string `json:"url,omitempty"`
	// Excerpt holds readable page text when an advanced-depth cycle
	// expanded the item's URL.
	Excerpt string `json:"excerpt,omitempty"`
}

// UploadAnalysis summarises one user-supplied document.
type UploadAnalysis struct {
	ID       string `json:"id,omitempty"`
	Filename string `json:"filename"`
	Summary  string `json:"summary"`
	Err      bool   `json:"error,omitempty"`
	Date     string `json:"date,omitempty"`
}
