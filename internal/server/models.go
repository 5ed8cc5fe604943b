package server

import (
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/models"
)

// EnvironmentResponse is the outcome of one evidence collection pass.
type EnvironmentResponse struct {
	News                  []models.NewsItem       `json:"news"`
	UploadedFilesAnalysis []models.UploadAnalysis `json:"uploaded_files_analysis"`
	SearchMetadata        research.SearchMetadata `json:"search_metadata"`
	TimeRange             string                  `json:"time_range"`
	EvidenceHash          string                  `json:"evidence_hash,omitempty"`
	Unchanged             bool                    `json:"unchanged"`
}

// AssessResponse wraps the assessment with the spend that produced it.
type AssessResponse struct {
	research.ImpactAssessment
	Usage models.TokenUsage `json:"usage"`
}

// AdjustPlanResponse carries the revised plan. On a parse failure the
// original plan comes back unchanged with a summary saying so.
type AdjustPlanResponse struct {
	AdjustmentSummary string                 `json:"adjustment_summary"`
	UpdatedPlan       *research.ResearchPlan `json:"updated_plan"`
	Usage             models.TokenUsage      `json:"usage"`
}

// FollowUpResponse is the analyst's answer to one report question.
type FollowUpResponse struct {
	Answer string            `json:"answer"`
	Usage  models.TokenUsage `json:"usage"`
}

// ExecuteResponse is one finished deep-research pass, already recorded.
type ExecuteResponse struct {
	RecordID    string               `json:"record_id,omitempty"`
	FullReport  string               `json:"full_report"`
	Conclusion  *research.Conclusion `json:"conclusion"`
	KeyFindings []string             `json:"key_findings"`
	ExecutedAt  string               `json:"executed_at"`
	Usage       models.TokenUsage    `json:"usage"`
}

// FeedbackResponse confirms which record the feedback landed on.
type FeedbackResponse struct {
	Success  bool   `json:"success"`
	RecordID string `json:"record_id"`
}

// SaveResponse acknowledges a write, optionally naming the created id.
type SaveResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// MilestoneResponse reports the flag state after a toggle.
type MilestoneResponse struct {
	Success     bool `json:"success"`
	IsMilestone bool `json:"is_milestone"`
}

// HistorySearchHit joins an index hit with its full record.
type HistorySearchHit struct {
	RecordID string                 `json:"record_id"`
	Score    float64                `json:"score"`
	Record   map[string]interface{} `json:"record"`
}

// InvalidationWarning flags a scan whose evidence touches the playbook's
// exit conditions.
type InvalidationWarning struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ScanResult is one stock's outcome within a batch scan.
type ScanResult struct {
	StockID              string                     `json:"stock_id"`
	StockName            string                     `json:"stock_name"`
	Days                 int                        `json:"days"`
	NewsCount            int                        `json:"news_count"`
	HighImportanceCount  int                        `json:"high_importance_count"`
	News                 []models.NewsItem          `json:"news"`
	Assessment           *research.ImpactAssessment `json:"assessment,omitempty"`
	NeedsResearch        bool                       `json:"needs_research"`
	Confidence           string                     `json:"confidence,omitempty"`
	Urgency              string                     `json:"urgency,omitempty"`
	Summary              string                     `json:"summary,omitempty"`
	KeyRisk              string                     `json:"key_risk,omitempty"`
	KeyOpportunity       string                     `json:"key_opportunity,omitempty"`
	SearchMetadata       research.SearchMetadata    `json:"search_metadata"`
	InvalidationWarnings []InvalidationWarning      `json:"invalidation_warnings,omitempty"`
	Usage                models.TokenUsage          `json:"usage"`
	Error                string                     `json:"error,omitempty"`
}

// BatchStatus is the in-memory progress of the current (or last) batch
// scan.
type BatchStatus struct {
	Running    bool         `json:"running"`
	StartedAt  string       `json:"started_at,omitempty"`
	FinishedAt string       `json:"finished_at,omitempty"`
	Total      int          `json:"total"`
	Completed  int          `json:"completed"`
	Results    []ScanResult `json:"results"`
}
