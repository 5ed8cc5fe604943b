package research

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/playbook/internal/budget"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/models"
)

// State names the stage a running cycle is in.
type State string

const (
	StateCollectingEnvironment State = "collecting_environment"
	StateAssessingImpact       State = "assessing_impact"
	StateNoResearchNeeded      State = "no_research_needed"
	StatePlanningResearch      State = "planning_research"
	StateExecutingResearch     State = "executing_research"
	StateAwaitingFeedback      State = "awaiting_feedback"
	StateRecorded              State = "recorded"
)

// ErrCycleInFlight is returned when a second cycle is requested for a
// stock whose previous cycle has not finished.
var ErrCycleInFlight = errors.New("a research cycle for this stock is already running")

// PlanApprover confirms an expensive plan before it runs. It may return
// an edited plan; ok=false skips the research stage.
type PlanApprover func(ctx context.Context, plan *ResearchPlan, estimatedCost float64) (edited *ResearchPlan, ok bool, err error)

// FeedbackCollector gathers user feedback on a finished research pass so
// it lands inside the same record.
type FeedbackCollector func(ctx context.Context, conclusion *Conclusion, report string) (map[string]interface{}, error)

// CycleRequest describes one research cycle.
type CycleRequest struct {
	StockID       string
	StockName     string
	TimeRangeDays int
	Trigger       string
	Depth         models.SearchDepth
	Uploads       []models.UploadAnalysis
	Approver      PlanApprover
	Feedback      FeedbackCollector
}

// CycleResult is what a finished cycle hands back to the caller. State is
// StateRecorded on success; on failure it names the stage that broke.
type CycleResult struct {
	RecordID    string
	State       State
	Input       EnvironmentInput
	Assessment  *ImpactAssessment
	Plan        *ResearchPlan
	Conclusion  *Conclusion
	FullReport  string
	KeyFindings []string
	Usage       models.TokenUsage
	Warnings    []string
}

// PipelineDeps wires the pipeline's collaborators. Archive and Index are
// optional sinks; the model names label LLM spend metrics.
type PipelineDeps struct {
	Collector     *Collector
	Assessor      *Assessor
	Engine        *Engine
	Store         *store.Store
	Archive       *store.Archive
	Index         *store.Index
	Telemetry     *telemetry.Telemetry
	AssessModel   string
	ResearchModel string
}

// Pipeline coordinates one research cycle end to end and guarantees that
// every run, researched or not, appends exactly one history record.
type Pipeline struct {
	collector     *Collector
	assessor      *Assessor
	engine        *Engine
	store         *store.Store
	archive       *store.Archive
	index         *store.Index
	tel           *telemetry.Telemetry
	budgetCfg     budget.Config
	assessModel   string
	researchModel string
	logger        *log.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewPipeline(deps PipelineDeps, budgetCfg budget.Config) *Pipeline {
	return &Pipeline{
		collector:     deps.Collector,
		assessor:      deps.Assessor,
		engine:        deps.Engine,
		store:         deps.Store,
		archive:       deps.Archive,
		index:         deps.Index,
		tel:           deps.Telemetry,
		budgetCfg:     budgetCfg,
		assessModel:   deps.AssessModel,
		researchModel: deps.ResearchModel,
		logger:        log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		inFlight:      make(map[string]struct{}),
	}
}

func (p *Pipeline) acquire(stockID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[stockID]; busy {
		return false
	}
	p.inFlight[stockID] = struct{}{}
	return true
}

func (p *Pipeline) release(stockID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, stockID)
}

func (p *Pipeline) resolveStockName(stockID, override string) string {
	if override != "" {
		return override
	}
	if pb, err := p.store.StockPlaybook(stockID); err == nil {
		if name := recordString(pb, "stock_name"); name != "" {
			return name
		}
	}
	return stockID
}

func sumUsage(a, b models.TokenUsage) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		Cost:             a.Cost + b.Cost,
	}
}

func affectedPoints(plan *ResearchPlan) []string {
	if plan == nil {
		return nil
	}
	return plan.RelatedPlaybookPoints
}

// Run executes one research cycle. Only the final record append can fail;
// every earlier stage degrades into warnings on the record.
func (p *Pipeline) Run(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	stockID := store.NormalizeStockID(req.StockID)
	if stockID == "" {
		return nil, fmt.Errorf("stock id is required")
	}
	if !p.acquire(stockID) {
		return nil, ErrCycleInFlight
	}
	defer p.release(stockID)

	started := time.Now()
	monitor := budget.NewMonitor(p.budgetCfg)
	trigger := orDefault(req.Trigger, "user_initiated")
	stockName := p.resolveStockName(stockID, req.StockName)

	p.store.Log(fmt.Sprintf("research cycle started for %s (trigger=%s)", stockID, trigger), "INFO")

	result := &CycleResult{State: StateCollectingEnvironment}
	var warnings []string

	snapshot := p.collector.Collect(ctx, stockID, stockName, req.TimeRangeDays, req.Uploads, req.Depth)
	result.Input = snapshot.Input
	warnings = append(warnings, snapshot.Input.SearchMetadata.SearchWarnings...)
	if snapshot.Input.Unchanged {
		p.store.Log(fmt.Sprintf("environment unchanged for %s since last cycle", stockID), "INFO")
	}

	result.State = StateAssessingImpact
	assessment, assessUsage := p.assessor.Assess(ctx, stockID, snapshot.Input)
	result.Assessment = assessment
	p.tel.RecordLLMCall(p.assessModel, int64(assessUsage.TotalTokens()), assessUsage.Cost)

	budgetBlown := false
	if err := monitor.Add(assessUsage.Cost, int64(assessUsage.TotalTokens())); err != nil {
		warnings = append(warnings, "超出预算限制，跳过深度研究："+err.Error())
		budgetBlown = true
	}

	plan := assessment.ResearchPlan
	needResearch := assessment.Judgment.NeedsDeepResearch && !budgetBlown
	if !assessment.Judgment.NeedsDeepResearch {
		result.State = StateNoResearchNeeded
	}

	if needResearch {
		result.State = StatePlanningResearch
		// The research pass dwarfs the assessment, so its cost is the
		// best available estimate baseline.
		costSoFar, _, _ := monitor.Usage()
		estimate := costSoFar * 3
		if budget.RequiresApproval(p.budgetCfg, estimate) {
			switch {
			case req.Approver == nil:
				warnings = append(warnings, "研究计划需要批准但未提供批准通道，跳过深度研究")
				needResearch = false
			default:
				edited, ok, err := req.Approver(ctx, plan, estimate)
				if err != nil {
					warnings = append(warnings, "研究计划批准失败："+err.Error())
					needResearch = false
				} else if !ok {
					warnings = append(warnings, "用户未批准研究计划，跳过深度研究")
					needResearch = false
				} else if edited != nil {
					plan = edited
				}
			}
		}
	}

	if needResearch {
		if err := monitor.CheckTime(); err != nil {
			warnings = append(warnings, "超出时间预算，跳过深度研究："+err.Error())
			needResearch = false
		}
	}

	var (
		conclusion *Conclusion
		report     string
		deepUsage  models.TokenUsage
	)
	if needResearch {
		result.State = StateExecutingResearch
		conclusion, report, deepUsage = p.engine.Execute(ctx, stockID, stockName, plan, snapshot.Input)
		p.tel.RecordLLMCall(p.researchModel, int64(deepUsage.TotalTokens()), deepUsage.Cost)
		if err := monitor.Add(deepUsage.Cost, int64(deepUsage.TotalTokens())); err != nil {
			warnings = append(warnings, "研究完成时已超出预算限制："+err.Error())
		}
		result.Conclusion = conclusion
		result.FullReport = report
		result.KeyFindings = conclusion.KeyFindings()
	}

	var feedback map[string]interface{}
	if req.Feedback != nil && conclusion != nil {
		result.State = StateAwaitingFeedback
		fb, err := req.Feedback(ctx, conclusion, report)
		if err != nil {
			p.logger.Printf("feedback collection for %s: %v", stockID, err)
			warnings = append(warnings, "反馈收集失败："+err.Error())
		} else {
			feedback = fb
		}
	}

	result.Plan = plan
	result.Usage = sumUsage(assessUsage, deepUsage)
	result.Warnings = warnings

	record := PipelineRecord{
		Trigger:          trigger,
		EnvironmentInput: snapshot.Input,
		ImpactAssessment: AssessmentSummary{
			NeedsDeepResearch:    assessment.Judgment.NeedsDeepResearch,
			Reason:               assessment.Reason(),
			AffectedThesisPoints: affectedPoints(assessment.ResearchPlan),
		},
		ResearchPlan:   plan,
		ResearchResult: conclusion,
		FullReport:     report,
		UserFeedback:   feedback,
		Usage:          result.Usage,
		Warnings:       warnings,
	}

	stored, err := record.asMap()
	if err == nil {
		result.RecordID, err = p.store.AppendRecord(stockID, stored)
	}

	totalCost, totalTokens, _ := monitor.Usage()
	if err != nil {
		p.tel.RecordCycle("error", time.Since(started), totalCost, totalTokens)
		p.store.Log(fmt.Sprintf("research cycle for %s failed to record: %v", stockID, err), "ERROR")
		return result, fmt.Errorf("recording cycle for %s: %w", stockID, err)
	}

	p.propagate(ctx, stockID, stored)

	outcome := "no_research"
	if conclusion != nil {
		outcome = "researched"
	}
	result.State = StateRecorded
	p.tel.RecordCycle(outcome, time.Since(started), totalCost, totalTokens)
	p.store.Log(fmt.Sprintf("research cycle finished for %s (outcome=%s, cost=$%.4f)", stockID, outcome, totalCost), "INFO")
	return result, nil
}

// SaveRecord appends an externally assembled record and mirrors it into
// the archive and index like a pipeline-run record. The interactive flow
// runs collection, assessment and research as separate requests and
// lands the pieces here.
func (p *Pipeline) SaveRecord(ctx context.Context, stockID string, record PipelineRecord) (string, error) {
	stockID = store.NormalizeStockID(stockID)
	if stockID == "" {
		return "", fmt.Errorf("stock id is required")
	}
	if record.Trigger == "" {
		record.Trigger = "user_initiated"
	}
	stored, err := record.asMap()
	if err != nil {
		return "", err
	}
	recordID, err := p.store.AppendRecord(stockID, stored)
	if err != nil {
		return "", fmt.Errorf("recording cycle for %s: %w", stockID, err)
	}
	p.propagate(ctx, stockID, stored)
	return recordID, nil
}

// propagate mirrors a freshly appended record into the archive and the
// search index. Both are best-effort: the history file already holds the
// truth.
func (p *Pipeline) propagate(ctx context.Context, stockID string, record map[string]interface{}) {
	if p.archive != nil {
		if err := p.archive.ArchiveRecord(ctx, stockID, record); err != nil {
			p.logger.Printf("archiving record for %s: %v", stockID, err)
			p.store.Log(fmt.Sprintf("archive failed for %s: %v", stockID, err), "WARNING")
		}
	}
	if p.index != nil {
		if err := p.index.IndexRecord(stockID, record); err != nil {
			p.logger.Printf("indexing record for %s: %v", stockID, err)
		}
	}
}
