package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/provider"
)

// maxUploadBytes caps how much of an uploaded document is read. The
// analysis prompt truncates further by runes.
const maxUploadBytes = 4 << 20

const planAdjustmentPrompt = `## 任务
根据用户的调整意见，修改研究计划。

## 当前研究计划
` + "```json" + `
{current_plan}
` + "```" + `

## 用户的调整意见
{adjustment_request}

## 要求
1. 理解用户的意图，对研究计划进行针对性调整
2. 保持计划的整体结构不变
3. 可以添加新的研究模块、假设、搜索关键词等
4. 可以调整优先级顺序
5. 确保调整后的计划更符合用户需求

## 输出格式
请输出 JSON：
` + "```json" + `
{
  "adjustment_summary": "一句话总结做了什么调整",
  "updated_plan": {
    "research_objective": "...",
    "hypothesis_to_test": [...],
    "research_modules": [...],
    "key_metrics_to_track": [...],
    "scenario_analysis": {...},
    "decision_framework": {...},
    "timeline": "...",
    "priority_ranking": [...]
  }
}
` + "```"

const followUpPrompt = `## 角色
你是一位资深投资研究员，正在与用户就一份研究报告进行深入讨论。

## 研究标的
{stock_name}

## 用户的投资逻辑（Playbook）

### 总体投资框架
{portfolio_playbook}

### 个股投资逻辑
{stock_playbook}

## 研究报告核心结论
- 建议: {recommendation}
- 信心: {confidence}
- 核心推理: {reasoning}

## 完整研究报告摘要
{report}

## 之前的对话历史
{history}

## 用户当前的问题
{question}

## 要求
1. 直接回答用户的问题，不要重复已有的内容
2. 如果需要搜索额外信息，可以基于你的知识进行分析
3. 回答要具体、有依据，避免空泛
4. 如果问题涉及到需要更新研究结论，明确指出
5. 保持专业但易懂的语言风格
6. 回答控制在 500 字以内，除非问题需要详细展开

请直接回答：`

// ResearchHandler drives the interactive research flow: each stage of a
// cycle runs as its own request so the user can inspect and steer between
// stages.
type ResearchHandler struct {
	Store       *store.Store
	Archive     *store.Archive
	Collector   *research.Collector
	Assessor    *research.Assessor
	Engine      *research.Engine
	Pipeline    *research.Pipeline
	Learner     *prefs.Learner
	AssessLLM   provider.Provider
	ResearchLLM provider.Provider
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/research/:id/environment", h.environment)
	g.POST("/research/:id/assess", h.assess)
	g.POST("/research/:id/adjust-plan", h.adjustPlan)
	g.POST("/research/:id/follow-up", h.followUp)
	g.POST("/research/:id/execute", h.execute)
	g.POST("/research/:id/feedback", h.feedback)
	g.GET("/research/:id/feedback", h.latestFeedback)
}

// environment collects fresh evidence for one stock. The request is
// multipart so documents can ride along; each file is stored and
// summarised before the search pass runs.
func (h *ResearchHandler) environment(c echo.Context) error {
	stockID := c.Param("id")
	ctx := c.Request().Context()

	days := 7
	if v := c.FormValue("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
		}
		days = n
	}
	depth := models.SearchDepth(c.FormValue("depth"))

	uploads := h.analyzeUploads(c, stockID)
	snapshot := h.Collector.Collect(ctx, stockID, h.stockName(stockID), days, uploads, depth)

	news := snapshot.Input.AutoCollected
	if news == nil {
		news = []models.NewsItem{}
	}
	analyses := snapshot.Input.UserUploaded
	if analyses == nil {
		analyses = []models.UploadAnalysis{}
	}
	return c.JSON(http.StatusOK, EnvironmentResponse{
		News:                  news,
		UploadedFilesAnalysis: analyses,
		SearchMetadata:        snapshot.Input.SearchMetadata,
		TimeRange:             snapshot.Input.TimeRange,
		EvidenceHash:          snapshot.Input.EvidenceHash,
		Unchanged:             snapshot.Input.Unchanged,
	})
}

func (h *ResearchHandler) analyzeUploads(c echo.Context, stockID string) []models.UploadAnalysis {
	form, err := c.MultipartForm()
	if err != nil || form == nil {
		return nil
	}
	var analyses []models.UploadAnalysis
	for _, fh := range form.File["files"] {
		if fh.Filename == "" {
			continue
		}
		analyses = append(analyses, h.analyzeUpload(c.Request().Context(), c, stockID, fh))
	}
	return analyses
}

func (h *ResearchHandler) analyzeUpload(ctx context.Context, c echo.Context, stockID string, fh *multipart.FileHeader) models.UploadAnalysis {
	src, err := fh.Open()
	if err != nil {
		return models.UploadAnalysis{Filename: fh.Filename, Summary: "文件分析失败: " + err.Error(), Err: true}
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, maxUploadBytes))
	if err != nil {
		return models.UploadAnalysis{Filename: fh.Filename, Summary: "文件分析失败: " + err.Error(), Err: true}
	}
	if _, err := h.Store.SaveUpload(stockID, fh.Filename, bytes.NewReader(content)); err != nil {
		c.Logger().Warnf("saving upload %s for %s: %v", fh.Filename, stockID, err)
	}
	analysis, _ := h.Assessor.AnalyzeUpload(ctx, fh.Filename, content)
	return analysis
}

func (h *ResearchHandler) assess(c echo.Context) error {
	stockID := c.Param("id")
	var req struct {
		News          []models.NewsItem       `json:"news"`
		UploadedFiles []models.UploadAnalysis `json:"uploaded_files"`
		TimeRange     string                  `json:"time_range"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TimeRange == "" {
		req.TimeRange = "7d"
	}

	input := research.EnvironmentInput{
		TimeRange:     req.TimeRange,
		AutoCollected: req.News,
		UserUploaded:  req.UploadedFiles,
	}
	assessment, usage := h.Assessor.Assess(c.Request().Context(), stockID, input)
	return c.JSON(http.StatusOK, AssessResponse{ImpactAssessment: *assessment, Usage: usage})
}

// adjustPlan rewrites a research plan per the user's instructions. When
// the model's reply cannot be parsed the original plan comes back with a
// summary saying so, never an error.
func (h *ResearchHandler) adjustPlan(c echo.Context) error {
	stockID := c.Param("id")
	var req struct {
		CurrentPlan       *research.ResearchPlan `json:"current_plan"`
		AdjustmentRequest string                 `json:"adjustment_request"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.AdjustmentRequest) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "adjustment_request is required")
	}
	if req.CurrentPlan == nil {
		req.CurrentPlan = &research.ResearchPlan{}
	}

	planJSON, err := json.MarshalIndent(req.CurrentPlan, "", "  ")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	prompt := strings.NewReplacer(
		"{current_plan}", string(planJSON),
		"{adjustment_request}", req.AdjustmentRequest,
	).Replace(planAdjustmentPrompt)

	resp, usage, err := h.AssessLLM.Generate(c.Request().Context(), prompt, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	fallback := AdjustPlanResponse{
		AdjustmentSummary: "调整请求已收到，但解析失败",
		UpdatedPlan:       req.CurrentPlan,
		Usage:             usage,
	}
	outcome := helpers.Extract(resp, helpers.WithAnyOfKeys("updated_plan"))
	if !outcome.OK() {
		return c.JSON(http.StatusOK, fallback)
	}
	var parsed struct {
		AdjustmentSummary string                 `json:"adjustment_summary"`
		UpdatedPlan       *research.ResearchPlan `json:"updated_plan"`
	}
	if err := helpers.DecodeInto(outcome, &parsed); err != nil || parsed.UpdatedPlan == nil {
		return c.JSON(http.StatusOK, fallback)
	}

	if h.Learner != nil {
		if err := h.Learner.LogPlanAdjustment(stockID, h.stockName(stockID), req.AdjustmentRequest, req.CurrentPlan, parsed.UpdatedPlan); err != nil {
			c.Logger().Warnf("logging plan adjustment for %s: %v", stockID, err)
		}
	}
	return c.JSON(http.StatusOK, AdjustPlanResponse{
		AdjustmentSummary: parsed.AdjustmentSummary,
		UpdatedPlan:       parsed.UpdatedPlan,
		Usage:             usage,
	})
}

// followUp answers a question about a finished report in the report's
// context. The exchange is logged for preference learning but changes no
// stored record.
func (h *ResearchHandler) followUp(c echo.Context) error {
	stockID := c.Param("id")
	var req struct {
		Question            string               `json:"question"`
		ResearchReport      string               `json:"research_report"`
		ResearchConclusion  *research.Conclusion `json:"research_conclusion"`
		ConversationHistory []models.ChatMessage `json:"conversation_history"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	portfolio, err := h.Store.PortfolioPlaybook()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	stockPlaybook, err := h.Store.StockPlaybook(stockID)
	if err != nil {
		stockPlaybook = nil
	}
	stockName := stockNameOf(stockPlaybook, stockID)

	var history strings.Builder
	for _, m := range req.ConversationHistory {
		role := "AI"
		if m.Role == "user" {
			role = "用户"
		}
		fmt.Fprintf(&history, "\n%s: %s\n", role, m.Content)
	}
	historyStr := history.String()
	if historyStr == "" {
		historyStr = "（这是第一个问题）"
	}

	rec, conf, reasoning := "未知", "未知", "无"
	if cl := req.ResearchConclusion; cl != nil {
		if cl.Recommendation != "" {
			rec = cl.Recommendation
		}
		if cl.Confidence != "" {
			conf = cl.Confidence
		}
		if cl.Reasoning != "" {
			reasoning = cl.Reasoning
		}
	}
	report := "（无）"
	if req.ResearchReport != "" {
		if runes := []rune(req.ResearchReport); len(runes) > 3000 {
			report = string(runes[:3000]) + "..."
		} else {
			report = req.ResearchReport
		}
	}

	prompt := strings.NewReplacer(
		"{stock_name}", stockName,
		"{portfolio_playbook}", playbookJSON(portfolio),
		"{stock_playbook}", playbookJSON(stockPlaybook),
		"{recommendation}", rec,
		"{confidence}", conf,
		"{reasoning}", reasoning,
		"{report}", report,
		"{history}", historyStr,
		"{question}", req.Question,
	).Replace(followUpPrompt)

	resp, usage, err := h.ResearchLLM.Generate(c.Request().Context(), prompt, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if h.Learner != nil {
		if err := h.Learner.LogFollowUpQuestion(stockID, stockName, req.ResearchReport, req.Question); err != nil {
			c.Logger().Warnf("logging follow-up for %s: %v", stockID, err)
		}
	}
	return c.JSON(http.StatusOK, FollowUpResponse{Answer: strings.TrimSpace(resp), Usage: usage})
}

// execute runs deep research over an already-assessed environment and
// appends the outcome to the stock's history. The plan saved on the
// record is the one that actually ran, adjustments included.
func (h *ResearchHandler) execute(c echo.Context) error {
	stockID := c.Param("id")
	ctx := c.Request().Context()
	var req struct {
		ResearchPlan  *research.ResearchPlan     `json:"research_plan"`
		News          []models.NewsItem          `json:"news"`
		UploadedFiles []models.UploadAnalysis    `json:"uploaded_files"`
		TimeRange     string                     `json:"time_range"`
		Assessment    *research.ImpactAssessment `json:"assessment"`
		FetchPages    bool                       `json:"fetch_pages"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ResearchPlan == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "research_plan is required")
	}
	if req.TimeRange == "" {
		req.TimeRange = "7d"
	}

	if req.FetchPages {
		h.Collector.ExpandPages(ctx, req.News)
	}
	input := research.EnvironmentInput{
		TimeRange:     req.TimeRange,
		AutoCollected: req.News,
		UserUploaded:  req.UploadedFiles,
	}

	conclusion, report, usage := h.Engine.Execute(ctx, stockID, h.stockName(stockID), req.ResearchPlan, input)

	record := research.PipelineRecord{
		Trigger:          "user_initiated",
		EnvironmentInput: input,
		ImpactAssessment: assessmentSummaryOf(req.Assessment, req.ResearchPlan),
		ResearchPlan:     req.ResearchPlan,
		ResearchResult:   conclusion,
		FullReport:       report,
		Usage:            usage,
	}
	recordID, err := h.Pipeline.SaveRecord(ctx, stockID, record)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, ExecuteResponse{
		RecordID:    recordID,
		FullReport:  report,
		Conclusion:  conclusion,
		KeyFindings: conclusion.KeyFindings(),
		ExecutedAt:  time.Now().Format(time.RFC3339),
		Usage:       usage,
	})
}

// feedback attaches the user's verdict to the newest record. Frontend
// field names are mapped onto the stored canonical keys here; the store
// fills defaults and stamps the date.
func (h *ResearchHandler) feedback(c echo.Context) error {
	stockID := c.Param("id")
	var req struct {
		Feedback            map[string]interface{} `json:"feedback"`
		ResearchResult      map[string]interface{} `json:"research_result"`
		ConversationHistory []interface{}          `json:"conversation_history"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	raw := req.Feedback
	if raw == nil {
		raw = map[string]interface{}{}
	}
	conversation := req.ConversationHistory
	if conversation == nil {
		conversation = []interface{}{}
	}

	feedback := map[string]interface{}{
		"research_valuable":      valueOr(raw, "research_valuable", true),
		"direction_correct":      valueOr(raw, "feedback_on_research", ""),
		"continue_research":      stringOr(raw, "needs_further_research") == "yes",
		"next_direction":         valueOr(raw, "further_research_direction", ""),
		"decision":               valueOr(raw, "final_decision", "持有"),
		"tracking_metrics":       valueOr(raw, "tracking_metrics", []interface{}{}),
		"notes":                  valueOr(raw, "notes", ""),
		"follow_up_conversation": conversation,
	}

	records, err := h.Store.History(stockID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(records) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "没有找到研究记录")
	}
	recordID, _ := records[0]["id"].(string)

	if err := h.Store.AttachFeedback(stockID, recordID, feedback); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "更新反馈失败: "+err.Error())
	}
	if h.Archive != nil {
		if updated, err := h.Store.History(stockID); err == nil && len(updated) > 0 {
			if fb, ok := updated[0]["user_feedback"].(map[string]interface{}); ok && len(fb) > 0 {
				if err := h.Archive.StoreFeedback(c.Request().Context(), recordID, fb); err != nil {
					c.Logger().Warnf("archiving feedback for %s: %v", recordID, err)
				}
			}
		}
	}

	if h.Learner != nil {
		conclusion, _ := req.ResearchResult["conclusion"].(map[string]interface{})
		fctx := prefs.FeedbackContext{
			Recommendation: stringOr(conclusion, "recommendation"),
			Confidence:     stringOr(conclusion, "confidence"),
			Reasoning:      stringOr(conclusion, "reasoning"),
			ThesisImpact:   stringOr(conclusion, "thesis_impact"),
		}
		if err := h.Learner.LogFeedback(stockID, h.stockName(stockID), fctx, raw); err != nil {
			c.Logger().Warnf("logging feedback for %s: %v", stockID, err)
		}
	}
	return c.JSON(http.StatusOK, FeedbackResponse{Success: true, RecordID: recordID})
}

// latestFeedback returns the newest record carrying user feedback, so a
// client can surface the previous verdict and its follow-up direction
// before collecting a new one.
func (h *ResearchHandler) latestFeedback(c echo.Context) error {
	record, err := h.Store.LatestRecordWithFeedback(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound, "没有找到带反馈的研究记录")
	}
	return c.JSON(http.StatusOK, record)
}

func (h *ResearchHandler) stockName(stockID string) string {
	playbook, err := h.Store.StockPlaybook(stockID)
	if err != nil {
		return stockID
	}
	return stockNameOf(playbook, stockID)
}

func assessmentSummaryOf(a *research.ImpactAssessment, plan *research.ResearchPlan) research.AssessmentSummary {
	s := research.AssessmentSummary{NeedsDeepResearch: true}
	if a != nil {
		s.NeedsDeepResearch = a.Judgment.NeedsDeepResearch
		s.Reason = a.Reason()
	}
	if plan != nil {
		s.AffectedThesisPoints = plan.RelatedPlaybookPoints
	}
	return s
}

func playbookJSON(playbook map[string]interface{}) string {
	if len(playbook) == 0 {
		return "（暂无）"
	}
	data, err := json.MarshalIndent(playbook, "", "  ")
	if err != nil {
		return "（暂无）"
	}
	return string(data)
}

func valueOr(m map[string]interface{}, key string, fallback interface{}) interface{} {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

func stringOr(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
