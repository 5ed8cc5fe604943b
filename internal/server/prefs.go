package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
)

// PrefsHandler manages the preference profile and its interaction log.
type PrefsHandler struct {
	Store   *store.Store
	Learner *prefs.Learner
}

func (h *PrefsHandler) Register(g *echo.Group) {
	g.GET("/preferences", h.get)
	g.POST("/preferences", h.saveSummary)
	g.POST("/preferences/add", h.add)
	g.POST("/preferences/learn", h.learn)
	g.GET("/preferences/interactions", h.interactions)
	g.PUT("/preferences/:prefID", h.update)
	g.DELETE("/preferences/:prefID", h.remove)
	g.POST("/preferences/:prefID/toggle", h.toggle)
}

func (h *PrefsHandler) get(c echo.Context) error {
	preferences, err := h.Store.Preferences()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, preferences)
}

func (h *PrefsHandler) saveSummary(c echo.Context) error {
	var req struct {
		PreferenceSummary map[string]interface{} `json:"preference_summary"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.PreferenceSummary) > 0 {
		if err := h.Store.UpdatePreferenceSummary(req.PreferenceSummary); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

func (h *PrefsHandler) add(c echo.Context) error {
	var req struct {
		Trigger    string `json:"trigger"`
		MyResponse string `json:"my_response"`
		Category   string `json:"category"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Trigger) == "" || strings.TrimSpace(req.MyResponse) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "trigger and my_response are required")
	}
	id, err := h.Learner.AddManual(req.Trigger, req.MyResponse, req.Category)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true, ID: id})
}

func (h *PrefsHandler) update(c echo.Context) error {
	var updates map[string]interface{}
	if err := c.Bind(&updates); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(updates) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "updates are required")
	}
	err := h.Store.UpdatePreference(c.Param("prefID"), updates)
	if errors.Is(err, models.ErrRecordNotFound) {
		return c.JSON(http.StatusOK, SaveResponse{Success: false})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

func (h *PrefsHandler) remove(c echo.Context) error {
	err := h.Store.DeletePreference(c.Param("prefID"))
	if errors.Is(err, models.ErrRecordNotFound) {
		return c.JSON(http.StatusOK, SaveResponse{Success: false})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SaveResponse{Success: true})
}

func (h *PrefsHandler) toggle(c echo.Context) error {
	active, err := h.Store.TogglePreference(c.Param("prefID"))
	if errors.Is(err, models.ErrRecordNotFound) {
		return c.JSON(http.StatusOK, map[string]interface{}{"success": false})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "active": active})
}

// learn runs one extraction pass over the interaction log and stores what
// it found.
func (h *PrefsHandler) learn(c echo.Context) error {
	result, usage, err := h.Learner.LearnAndSave(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, struct {
		*prefs.LearnResult
		Usage models.TokenUsage `json:"usage"`
	}{result, usage})
}

func (h *PrefsHandler) interactions(c echo.Context) error {
	limit, err := limitParam(c, 20)
	if err != nil {
		return err
	}
	interactions, err := h.Store.RecentInteractions(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if interactions == nil {
		interactions = []map[string]interface{}{}
	}
	return c.JSON(http.StatusOK, interactions)
}
