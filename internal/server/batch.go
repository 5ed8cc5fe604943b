package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
)

const defaultScanWorkers = 3

// BatchHandler scans every tracked stock for thesis-relevant changes.
// A scan is collection plus assessment, never deep research, so a full
// portfolio pass stays cheap. One batch runs at a time; progress is held
// in memory and polled via the status endpoint.
type BatchHandler struct {
	Store     *store.Store
	Collector *research.Collector
	Assessor  *research.Assessor
	Workers   int

	mu     sync.Mutex
	status BatchStatus
}

func (h *BatchHandler) Register(g *echo.Group) {
	g.POST("/batch-scan/start", h.start)
	g.GET("/batch-scan/status", h.getStatus)
	g.POST("/batch-scan/stock/:id", h.scanStock)
}

func (h *BatchHandler) start(c echo.Context) error {
	var req struct {
		Days  int    `json:"days"`
		Depth string `json:"depth"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Days <= 0 {
		req.Days = 7
	}

	stocks, err := h.Store.ListStocks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(stocks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no stocks tracked")
	}

	h.mu.Lock()
	if h.status.Running {
		h.mu.Unlock()
		return echo.NewHTTPError(http.StatusConflict, "a batch scan is already running")
	}
	h.status = BatchStatus{
		Running:   true,
		StartedAt: time.Now().Format(time.RFC3339),
		Total:     len(stocks),
		Results:   []ScanResult{},
	}
	h.mu.Unlock()

	// The batch outlives the request; it runs on its own context.
	go h.run(context.Background(), stocks, req.Days, models.SearchDepth(req.Depth))

	return c.JSON(http.StatusAccepted, h.snapshot())
}

func (h *BatchHandler) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.snapshot())
}

// scanStock runs one synchronous scan, outside any batch.
func (h *BatchHandler) scanStock(c echo.Context) error {
	var req struct {
		Days  int    `json:"days"`
		Depth string `json:"depth"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Days <= 0 {
		req.Days = 7
	}
	stockID := c.Param("id")
	result := h.scanOne(c.Request().Context(), stockID, h.scanName(stockID), req.Days, models.SearchDepth(req.Depth))
	return c.JSON(http.StatusOK, result)
}

func (h *BatchHandler) run(ctx context.Context, stocks []store.StockSummary, days int, depth models.SearchDepth) {
	workers := h.Workers
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	if workers > len(stocks) {
		workers = len(stocks)
	}

	jobs := make(chan store.StockSummary)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for stock := range jobs {
				h.append(h.scanOne(ctx, stock.StockID, stock.StockName, days, depth))
			}
		}()
	}
	for _, stock := range stocks {
		jobs <- stock
	}
	close(jobs)
	wg.Wait()

	h.mu.Lock()
	h.status.Running = false
	h.status.FinishedAt = time.Now().Format(time.RFC3339)
	h.mu.Unlock()
}

// scanOne collects and assesses one stock. A panic inside a scan is
// recorded on its result so the rest of the batch keeps going.
func (h *BatchHandler) scanOne(ctx context.Context, stockID, stockName string, days int, depth models.SearchDepth) (result ScanResult) {
	result = ScanResult{StockID: stockID, StockName: stockName, Days: days}
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("scan panicked: %v", r)
		}
	}()

	snapshot := h.Collector.Collect(ctx, stockID, stockName, days, nil, depth)
	news := snapshot.Input.AutoCollected
	if news == nil {
		news = []models.NewsItem{}
	}

	assessment, usage := h.Assessor.Assess(ctx, stockID, snapshot.Input)

	playbook, err := h.Store.StockPlaybook(stockID)
	if err != nil {
		playbook = nil
	}

	high := 0
	for _, item := range news {
		if item.Importance == "高" {
			high++
		}
	}

	result.NewsCount = len(news)
	result.HighImportanceCount = high
	result.News = news
	result.Assessment = assessment
	result.NeedsResearch = assessment.Judgment.NeedsDeepResearch
	result.Confidence = assessment.Judgment.Confidence
	result.Urgency = assessment.Judgment.Urgency
	result.Summary = assessment.Conclusion.Summary
	result.KeyRisk = assessment.Conclusion.KeyRisk
	result.KeyOpportunity = assessment.Conclusion.KeyOpportunity
	result.SearchMetadata = snapshot.Input.SearchMetadata
	result.InvalidationWarnings = invalidationWarnings(playbook, assessment)
	result.Usage = usage
	return result
}

func (h *BatchHandler) scanName(stockID string) string {
	playbook, err := h.Store.StockPlaybook(stockID)
	if err != nil {
		return stockID
	}
	return stockNameOf(playbook, stockID)
}

func (h *BatchHandler) append(result ScanResult) {
	h.mu.Lock()
	h.status.Results = append(h.status.Results, result)
	h.status.Completed++
	h.mu.Unlock()
}

func (h *BatchHandler) snapshot() BatchStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.status
	status.Results = append([]ScanResult{}, h.status.Results...)
	return status
}

// invalidationWarnings checks the assessment against the playbook's exit
// conditions: an activated invalidation trigger or a shaken core thesis
// both warrant a loud flag.
func invalidationWarnings(playbook map[string]interface{}, assessment *research.ImpactAssessment) []InvalidationWarning {
	if playbook == nil || assessment == nil {
		return nil
	}
	thesisImpact, _ := assessment.DimensionAnalysis["thesis_impact"].(map[string]interface{})
	if thesisImpact == nil {
		return nil
	}

	var warnings []InvalidationWarning
	if check, _ := thesisImpact["invalidation_check"].(map[string]interface{}); check != nil {
		if triggered, _ := check["any_triggered"].(bool); triggered {
			details := stringOr(check, "details")
			if details == "" {
				details = "详情请查看评估报告"
			}
			warnings = append(warnings, InvalidationWarning{
				Type:     "trigger_activated",
				Message:  "失效条件可能已触发: " + details,
				Severity: "high",
			})
		}
	}
	if stringOr(thesisImpact, "core_thesis_status") == "动摇" {
		warnings = append(warnings, InvalidationWarning{
			Type:     "thesis_shaken",
			Message:  "核心论点受到动摇，建议立即深入研究",
			Severity: "high",
		})
	}
	return warnings
}
