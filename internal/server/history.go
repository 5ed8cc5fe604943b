package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
)

// HistoryHandler serves the research history: listing, full-text search,
// milestone pinning and the context projection prompts build on.
type HistoryHandler struct {
	Store   *store.Store
	Index   *store.Index
	Archive *store.Archive
}

func (h *HistoryHandler) Register(g *echo.Group) {
	g.GET("/stock/:id/history", h.history)
	g.GET("/stock/:id/history/search", h.search)
	g.GET("/stock/:id/milestones", h.milestones)
	g.POST("/stock/:id/milestone/:recordID", h.toggleMilestone)
	g.GET("/stock/:id/context", h.researchContext)
}

// history lists recent records. Milestones always ride along regardless
// of the limit.
//
//	@Summary Research history
//	@Tags    history
//	@Produce json
//	@Param   id    path  string true  "stock id"
//	@Param   limit query int    false "regular records to return" default(20)
//	@Success 200 {array} map[string]interface{}
//	@Router  /api/stock/{id}/history [get]
func (h *HistoryHandler) history(c echo.Context) error {
	limit, err := limitParam(c, 20)
	if err != nil {
		return err
	}
	records, err := h.Store.RecentRecords(c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []map[string]interface{}{}
	}
	return c.JSON(http.StatusOK, records)
}

// search runs a full-text query over the stock's records and joins each
// hit back to its stored record.
func (h *HistoryHandler) search(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, err := limitParam(c, 10)
	if err != nil {
		return err
	}
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index unavailable")
	}

	stockID := c.Param("id")
	hits, err := h.Index.Search(query, stockID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	records, err := h.Store.History(stockID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	byID := make(map[string]map[string]interface{}, len(records))
	for _, r := range records {
		if id, ok := r["id"].(string); ok {
			byID[id] = r
		}
	}

	out := make([]HistorySearchHit, 0, len(hits))
	for _, hit := range hits {
		record, ok := byID[hit.RecordID]
		if !ok {
			continue
		}
		out = append(out, HistorySearchHit{RecordID: hit.RecordID, Score: hit.Score, Record: record})
	}
	return c.JSON(http.StatusOK, out)
}

// milestones lists only the records pinned as milestones, newest first.
func (h *HistoryHandler) milestones(c echo.Context) error {
	records, err := h.Store.MilestoneRecords(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []map[string]interface{}{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *HistoryHandler) toggleMilestone(c echo.Context) error {
	stockID := c.Param("id")
	recordID := c.Param("recordID")

	status, err := h.Store.ToggleMilestone(stockID, recordID)
	if errors.Is(err, models.ErrRecordNotFound) || errors.Is(err, models.ErrStockNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Archive != nil {
		if err := h.Archive.MarkMilestone(c.Request().Context(), recordID, status); err != nil {
			c.Logger().Warnf("archiving milestone for %s: %v", recordID, err)
		}
	}
	return c.JSON(http.StatusOK, MilestoneResponse{Success: true, IsMilestone: status})
}

func (h *HistoryHandler) researchContext(c echo.Context) error {
	limit, err := limitParam(c, 3)
	if err != nil {
		return err
	}
	context, err := h.Store.ResearchContext(c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if context == nil {
		context = []map[string]interface{}{}
	}
	return c.JSON(http.StatusOK, context)
}

func limitParam(c echo.Context, fallback int) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	return n, nil
}
