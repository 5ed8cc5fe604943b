// Package research runs the core cycle: collect environment evidence,
// assess its impact on the investment thesis, execute deep research when
// the assessment calls for it, and append one record to the history.
package research

import (
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/models"
)

// Judgment is the headline verdict of an impact assessment.
type Judgment struct {
	NeedsDeepResearch bool   `json:"needs_deep_research"`
	Confidence        string `json:"confidence,omitempty"`
	Urgency           string `json:"urgency,omitempty"`
}

// AssessmentConclusion carries the assessment's prose verdict. Models fill
// whichever of these fields the prompt asked for; Reason doubles as the
// fallback slot when parsing failed.
type AssessmentConclusion struct {
	Summary        string `json:"summary,omitempty"`
	Reason         string `json:"reason,omitempty"`
	KeyRisk        string `json:"key_risk,omitempty"`
	KeyOpportunity string `json:"key_opportunity,omitempty"`
	Action         string `json:"action,omitempty"`
}

// Hypothesis is one testable claim inside a research plan.
type Hypothesis struct {
	Hypothesis         string `json:"hypothesis"`
	IfTrueImplication  string `json:"if_true_implication,omitempty"`
	IfFalseImplication string `json:"if_false_implication,omitempty"`
	HowToVerify        string `json:"how_to_verify,omitempty"`
}

// ResearchModule is one unit of work inside a research plan.
type ResearchModule struct {
	ModuleName        string   `json:"module_name"`
	KeyQuestions      []string `json:"key_questions,omitempty"`
	DataSources       []string `json:"data_sources,omitempty"`
	SearchQueries     []string `json:"search_queries,omitempty"`
	AnalysisFramework string   `json:"analysis_framework,omitempty"`
}

// MetricToTrack names a number the plan wants watched.
type MetricToTrack struct {
	Metric       string `json:"metric"`
	CurrentValue string `json:"current_value,omitempty"`
	Threshold    string `json:"threshold,omitempty"`
	DataSource   string `json:"data_source,omitempty"`
}

// ScenarioAnalysis sketches the bull, base and bear cases.
type ScenarioAnalysis struct {
	BullCase string `json:"bull_case,omitempty"`
	BaseCase string `json:"base_case,omitempty"`
	BearCase string `json:"bear_case,omitempty"`
}

// DecisionFramework maps research outcomes to suggested actions.
type DecisionFramework struct {
	IfConfirmsThesis    string `json:"if_research_confirms_thesis,omitempty"`
	IfWeakensThesis     string `json:"if_research_weakens_thesis,omitempty"`
	IfInvalidatesThesis string `json:"if_research_invalidates_thesis,omitempty"`
}

// ResearchPlan is the assessment's blueprint for a deep-research pass.
// The fields from CoreQuestions down only appear on fallback plans;
// ManualReview marks plans a human should look at before execution.
type ResearchPlan struct {
	ResearchObjective     string             `json:"research_objective,omitempty"`
	HypothesisToTest      []Hypothesis       `json:"hypothesis_to_test,omitempty"`
	ResearchModules       []ResearchModule   `json:"research_modules,omitempty"`
	KeyMetricsToTrack     []MetricToTrack    `json:"key_metrics_to_track,omitempty"`
	ScenarioAnalysis      *ScenarioAnalysis  `json:"scenario_analysis,omitempty"`
	DecisionFramework     *DecisionFramework `json:"decision_framework,omitempty"`
	Timeline              string             `json:"timeline,omitempty"`
	PriorityRanking       []string           `json:"priority_ranking,omitempty"`
	RelatedPlaybookPoints []string           `json:"related_playbook_points,omitempty"`
	TriggerReason         string             `json:"trigger_reason,omitempty"`
	CoreQuestions         []string           `json:"core_questions,omitempty"`
	ResearchDimensions    []string           `json:"research_dimensions,omitempty"`
	InformationSources    []string           `json:"information_sources,omitempty"`
	SearchTimeRange       string             `json:"search_time_range,omitempty"`
	ManualReview          bool               `json:"manual_review,omitempty"`
}

// ImpactAssessment is the full parsed output of the assessment stage. Raw
// holds the model response verbatim so a failed parse can be debugged;
// ParseError is empty when extraction succeeded.
type ImpactAssessment struct {
	Judgment          Judgment               `json:"judgment"`
	DimensionAnalysis map[string]interface{} `json:"dimension_analysis,omitempty"`
	Conclusion        AssessmentConclusion   `json:"conclusion"`
	ResearchPlan      *ResearchPlan          `json:"research_plan,omitempty"`
	ParseError        string                 `json:"parse_error,omitempty"`
	Raw               string                 `json:"-"`
}

// Reason picks the best available prose explanation for the verdict.
func (a *ImpactAssessment) Reason() string {
	if a.Conclusion.Reason != "" {
		return a.Conclusion.Reason
	}
	return a.Conclusion.Summary
}

// Probability tolerates the numeric and string renderings models produce
// for scenario odds ("30", 30, "30%").
type Probability string

func (p *Probability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Probability(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("probability must be a string or number, got %s", data)
	}
	*p = Probability(n.String())
	return nil
}

// Conclusion is the structured verdict of a deep-research pass.
// ParseSuccess false marks the fallback shape produced when the report's
// conclusion JSON could not be extracted.
type Conclusion struct {
	ResearchDate        string      `json:"research_date,omitempty"`
	Stock               string      `json:"stock,omitempty"`
	ThesisImpact        string      `json:"thesis_impact"`
	Recommendation      string      `json:"recommendation"`
	Confidence          string      `json:"confidence"`
	PositionSuggestion  string      `json:"position_suggestion,omitempty"`
	KeyFinding          string      `json:"key_finding,omitempty"`
	Reasoning           string      `json:"reasoning,omitempty"`
	BullCaseProbability Probability `json:"bull_case_probability,omitempty"`
	BaseCaseProbability Probability `json:"base_case_probability,omitempty"`
	BearCaseProbability Probability `json:"bear_case_probability,omitempty"`
	KeyRisks            []string    `json:"key_risks,omitempty"`
	KeyCatalysts        []string    `json:"key_catalysts,omitempty"`
	FollowUpItems       []string    `json:"follow_up_items,omitempty"`
	NextResearchTrigger []string    `json:"next_research_trigger,omitempty"`
	ParseSuccess        bool        `json:"parse_success"`
	ParseError          string      `json:"parse_error,omitempty"`
}

// DimensionError records one evidence dimension whose search failed.
type DimensionError struct {
	Dimension string `json:"dimension"`
	Error     string `json:"error"`
}

// SearchMetadata summarises how the dimensional evidence collection went.
type SearchMetadata struct {
	TotalDimensions      int              `json:"total_dimensions"`
	SuccessfulDimensions int              `json:"successful_dimensions"`
	FailedDimensions     []DimensionError `json:"failed_dimensions,omitempty"`
	SearchWarnings       []string         `json:"search_warnings,omitempty"`
}

// EnvironmentInput is the evidence a cycle ran on, as persisted in its
// record.
type EnvironmentInput struct {
	TimeRange      string                  `json:"time_range"`
	AutoCollected  []models.NewsItem       `json:"auto_collected"`
	UserUploaded   []models.UploadAnalysis `json:"user_uploaded"`
	SearchMetadata SearchMetadata          `json:"search_metadata"`
	EvidenceHash   string                  `json:"evidence_hash,omitempty"`
	Unchanged      bool                    `json:"unchanged,omitempty"`
}

// EnvironmentSnapshot is the collector's working output: the persisted
// input plus the change delta against the previous cycle.
type EnvironmentSnapshot struct {
	Input EnvironmentInput
	Delta helpers.EvidenceDelta
}

// AssessmentSummary is the projection of an assessment stored on a record.
type AssessmentSummary struct {
	NeedsDeepResearch    bool     `json:"needs_deep_research"`
	Reason               string   `json:"reason,omitempty"`
	AffectedThesisPoints []string `json:"affected_thesis_points,omitempty"`
}

// PipelineRecord is one completed cycle as appended to the history. The
// store stamps ID and Date.
type PipelineRecord struct {
	ID               string                 `json:"id,omitempty"`
	Date             string                 `json:"date,omitempty"`
	Trigger          string                 `json:"trigger"`
	EnvironmentInput EnvironmentInput       `json:"environment_input"`
	ImpactAssessment AssessmentSummary      `json:"impact_assessment"`
	ResearchPlan     *ResearchPlan          `json:"research_plan,omitempty"`
	ResearchResult   *Conclusion            `json:"research_result,omitempty"`
	FullReport       string                 `json:"full_report,omitempty"`
	UserFeedback     map[string]interface{} `json:"user_feedback,omitempty"`
	IsMilestone      bool                   `json:"is_milestone,omitempty"`
	Usage            models.TokenUsage      `json:"usage"`
	Warnings         []string               `json:"warnings,omitempty"`
}

// asMap renders the record the way the file store persists it.
func (r PipelineRecord) asMap() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return m, nil
}

// DecodeRecord reads a stored history record back into the typed shape.
func DecodeRecord(m map[string]interface{}) (PipelineRecord, error) {
	var r PipelineRecord
	data, err := json.Marshal(m)
	if err != nil {
		return r, fmt.Errorf("encoding stored record: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decoding stored record: %w", err)
	}
	return r, nil
}
