package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/retrieval"
	"github.com/mohammad-safakhou/playbook/models"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

// SearchHandler exposes the retrieval layer directly, mostly for probing
// provider configuration and cache behaviour.
type SearchHandler struct {
	Retrieval *retrieval.Manager
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.GET("/search", h.search)
}

func (h *SearchHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	maxResults := 0
	if v := c.QueryParam("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be a positive integer")
		}
		maxResults = n
	}

	results := h.Retrieval.Search(c.Request().Context(), web_search.Query{
		Text:       q,
		MaxResults: maxResults,
		Topic:      models.SearchTopic(c.QueryParam("topic")),
		Depth:      models.SearchDepth(c.QueryParam("depth")),
	})
	if results == nil {
		results = []models.SearchResult{}
	}
	return c.JSON(http.StatusOK, results)
}
