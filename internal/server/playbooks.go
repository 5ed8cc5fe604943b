package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/helpers"
	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
)

// PlaybooksHandler serves the portfolio and per-stock playbooks.
type PlaybooksHandler struct {
	Store   *store.Store
	Index   *store.Index
	Learner *prefs.Learner
}

func (h *PlaybooksHandler) Register(g *echo.Group) {
	g.GET("/portfolio", h.getPortfolio)
	g.POST("/portfolio", h.savePortfolio)
	g.GET("/stocks", h.listStocks)
	g.GET("/stock/:id", h.getStock)
	g.POST("/stock/:id", h.saveStock)
	g.DELETE("/stock/:id", h.deleteStock)
	g.POST("/stock/:id/edit", h.editStock)
}

// getPortfolio returns the portfolio playbook.
//
//	@Summary Portfolio playbook
//	@Tags    playbooks
//	@Produce json
//	@Success 200 {object} map[string]interface{}
//	@Router  /api/portfolio [get]
func (h *PlaybooksHandler) getPortfolio(c echo.Context) error {
	playbook, err := h.Store.PortfolioPlaybook()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if playbook == nil {
		playbook = map[string]interface{}{}
	}
	return c.JSON(http.StatusOK, playbook)
}

func (h *PlaybooksHandler) savePortfolio(c echo.Context) error {
	var playbook map[string]interface{}
	if err := c.Bind(&playbook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(playbook) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "playbook body is required")
	}
	if err := h.Store.SavePortfolioPlaybook(playbook); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

// listStocks returns a summary row per tracked stock.
//
//	@Summary Tracked stocks
//	@Tags    playbooks
//	@Produce json
//	@Success 200 {array} store.StockSummary
//	@Router  /api/stocks [get]
func (h *PlaybooksHandler) listStocks(c echo.Context) error {
	stocks, err := h.Store.ListStocks()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if stocks == nil {
		stocks = []store.StockSummary{}
	}
	return c.JSON(http.StatusOK, stocks)
}

func (h *PlaybooksHandler) getStock(c echo.Context) error {
	playbook, err := h.Store.StockPlaybook(c.Param("id"))
	if errors.Is(err, models.ErrStockNotFound) {
		return c.JSON(http.StatusOK, map[string]interface{}{})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, playbook)
}

func (h *PlaybooksHandler) saveStock(c echo.Context) error {
	stockID := c.Param("id")
	var playbook map[string]interface{}
	if err := c.Bind(&playbook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(playbook) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "playbook body is required")
	}
	if err := h.Store.SaveStockPlaybook(stockID, playbook); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

func (h *PlaybooksHandler) deleteStock(c echo.Context) error {
	stockID := c.Param("id")
	if err := h.Store.DeleteStock(stockID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Index != nil {
		h.Index.RemoveStock(stockID)
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

// editStock applies a partial update. The patch is deep-merged onto the
// stored playbook, so keys the caller did not mention survive untouched.
func (h *PlaybooksHandler) editStock(c echo.Context) error {
	stockID := c.Param("id")
	var req struct {
		EditType string                 `json:"edit_type"`
		Changes  map[string]interface{} `json:"changes"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Changes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "changes are required")
	}

	current, err := h.Store.StockPlaybook(stockID)
	if errors.Is(err, models.ErrStockNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "stock not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	merged := helpers.DeepMerge(current, req.Changes)
	if err := h.Store.SaveStockPlaybook(stockID, merged); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if h.Learner != nil {
		stockName := stockNameOf(current, stockID)
		editType := req.EditType
		if strings.TrimSpace(editType) == "" {
			editType = "manual_edit"
		}
		if err := h.Learner.LogPlaybookEdit(stockID, stockName, editType, req.Changes); err != nil {
			c.Logger().Warnf("logging playbook edit for %s: %v", stockID, err)
		}
	}
	return c.JSON(http.StatusOK, merged)
}

func stockNameOf(playbook map[string]interface{}, fallback string) string {
	if playbook != nil {
		if name, ok := playbook["stock_name"].(string); ok && name != "" {
			return name
		}
	}
	return fallback
}
