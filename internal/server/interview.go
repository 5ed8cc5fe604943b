package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/interview"
)

// InterviewHandler runs the guided playbook-building conversations.
type InterviewHandler struct {
	Interviewer *interview.Interviewer
}

func (h *InterviewHandler) Register(g *echo.Group) {
	g.POST("/interview/start", h.start)
	g.POST("/interview/continue", h.resume)
}

func (h *InterviewHandler) start(c echo.Context) error {
	var req struct {
		Kind      string `json:"kind"`
		StockName string `json:"stock_name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	turn, err := h.Interviewer.Start(req.Kind, req.StockName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, turn)
}

func (h *InterviewHandler) resume(c echo.Context) error {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	turn, err := h.Interviewer.Continue(c.Request().Context(), req.SessionID, req.Message)
	if errors.Is(err, interview.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, turn)
}
