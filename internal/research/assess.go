package research

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
)

const (
	assessHistoryDepth = 3
	assessUploadsDepth = 5
	maxUploadRunes     = 12000
)

// Assessor judges whether collected evidence moves the thesis enough to
// warrant deep research. It never errors out of the stage: transport and
// parse failures both collapse into the conservative fallback so the
// cycle always has a verdict to record.
type Assessor struct {
	llm    provider.Provider
	store  *store.Store
	tel    *telemetry.Telemetry
	logger *log.Logger
}

func NewAssessor(llm provider.Provider, st *store.Store, tel *telemetry.Telemetry) *Assessor {
	return &Assessor{
		llm:    llm,
		store:  st,
		tel:    tel,
		logger: log.New(log.Writer(), "[ASSESS] ", log.LstdFlags),
	}
}

// fallbackAssessment is the conservative verdict used when the model's
// answer could not be parsed: research is recommended and the plan is
// flagged for manual review.
func fallbackAssessment(raw, parseErr, timeRange string) *ImpactAssessment {
	return &ImpactAssessment{
		Judgment: Judgment{NeedsDeepResearch: true, Confidence: "中"},
		Conclusion: AssessmentConclusion{
			Reason: truncate(raw, 200),
			Action: "建议进行研究",
		},
		ResearchPlan: &ResearchPlan{
			TriggerReason:      "无法自动解析，建议人工判断",
			CoreQuestions:      []string{"需要人工确认研究问题"},
			ResearchDimensions: []string{"待定"},
			InformationSources: []string{"待定"},
			SearchTimeRange:    timeRange,
			ManualReview:       true,
		},
		ParseError: parseErr,
		Raw:        raw,
	}
}

func (a *Assessor) promptFor(stockID string, input EnvironmentInput) string {
	context, err := a.store.ResearchContext(stockID, assessHistoryDepth)
	if err != nil {
		a.logger.Printf("research context for %s: %v", stockID, err)
	}
	recent, err := a.store.RecentRecords(stockID, assessHistoryDepth)
	if err != nil {
		a.logger.Printf("recent records for %s: %v", stockID, err)
	}

	portfolio, err := a.store.PortfolioPlaybook()
	if err != nil {
		a.logger.Printf("portfolio playbook: %v", err)
	}
	playbook, err := a.store.StockPlaybook(stockID)
	if err != nil && !errors.Is(err, models.ErrStockNotFound) {
		a.logger.Printf("stock playbook for %s: %v", stockID, err)
	}

	uploads, err := a.store.HistoricalUploads(stockID, assessUploadsDepth)
	if err != nil {
		a.logger.Printf("historical uploads for %s: %v", stockID, err)
	}

	news := formatAutoCollected(input.AutoCollected)
	if input.Unchanged {
		news = "（环境与上次研究相比无明显变化）\n" + news
	}

	return strings.NewReplacer(
		"{recent_research_history}", formatAssessmentHistory(context, recent),
		"{portfolio_playbook}", formatPlaybook(portfolio),
		"{stock_playbook}", formatPlaybook(playbook),
		"{user_preferences}", a.store.PreferencesForPrompt(),
		"{time_range}", input.TimeRange,
		"{auto_collected_news}", news,
		"{user_uploaded_content}", formatUploads(input.UserUploaded),
		"{historical_uploads}", formatHistoricalUploads(uploads, false),
	).Replace(impactAssessmentPrompt)
}

// Assess runs the impact-assessment stage over one environment snapshot.
func (a *Assessor) Assess(ctx context.Context, stockID string, input EnvironmentInput) (*ImpactAssessment, models.TokenUsage) {
	prompt := a.promptFor(stockID, input)

	resp, usage, err := a.llm.Generate(ctx, prompt, nil)
	if err != nil {
		a.logger.Printf("assessment generate for %s: %v", stockID, err)
		fb := fallbackAssessment("", "generate: "+err.Error(), input.TimeRange)
		fb.Conclusion.Reason = "模型调用失败：" + err.Error()
		return fb, usage
	}

	outcome := helpers.Extract(resp, helpers.WithAnyOfKeys("judgment"))
	a.tel.RecordExtraction(outcome.OK())
	if !outcome.OK() {
		a.logger.Printf("assessment parse for %s: %s", stockID, outcome.Reason)
		return fallbackAssessment(resp, outcome.Reason, input.TimeRange), usage
	}

	var assessment ImpactAssessment
	if err := helpers.DecodeInto(outcome, &assessment); err != nil {
		a.logger.Printf("assessment decode for %s: %v", stockID, err)
		return fallbackAssessment(resp, err.Error(), input.TimeRange), usage
	}
	assessment.Raw = resp
	return &assessment, usage
}

// AnalyzeUpload summarises one user-supplied document for the evidence
// set. Failures produce an error-flagged analysis instead of dropping
// the document, so the user can see which upload went unread.
func (a *Assessor) AnalyzeUpload(ctx context.Context, filename string, content []byte) (models.UploadAnalysis, models.TokenUsage) {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return models.UploadAnalysis{Filename: filename, Summary: "文件内容为空", Err: true}, models.TokenUsage{}
	}
	if runes := []rune(text); len(runes) > maxUploadRunes {
		text = string(runes[:maxUploadRunes])
	}

	prompt := strings.NewReplacer(
		"{filename}", filename,
		"{content}", text,
	).Replace(uploadAnalysisPrompt)

	resp, usage, err := a.llm.Generate(ctx, prompt, nil)
	if err != nil {
		a.logger.Printf("upload analysis for %s: %v", filename, err)
		return models.UploadAnalysis{Filename: filename, Summary: "文件分析失败: " + err.Error(), Err: true}, usage
	}
	return models.UploadAnalysis{Filename: filename, Summary: strings.TrimSpace(resp)}, usage
}
