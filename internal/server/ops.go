package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/telemetry"
)

// OpsHandler exposes operational endpoints beyond the prometheus scrape:
// human-readable spend summaries.
type OpsHandler struct {
	Telemetry *telemetry.Telemetry
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/ops/costs", h.costs)
}

// costs returns accumulated LLM spend by model.
//
//	@Summary Cost summary
//	@Tags    ops
//	@Produce json
//	@Success 200 {object} telemetry.CostSummary
//	@Router  /api/ops/costs [get]
func (h *OpsHandler) costs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Telemetry.Costs())
}
