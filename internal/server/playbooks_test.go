package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func TestPortfolioRoundTrip(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &PlaybooksHandler{Store: st}

	req := httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	rec := httptest.NewRecorder()
	if err := handler.getPortfolio(e.NewContext(req, rec)); err != nil {
		t.Fatalf("getPortfolio: %v", err)
	}
	var fresh map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &fresh); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("fresh portfolio should be an empty object, got %v", fresh)
	}

	body := `{"investment_philosophy":"长期持有优质资产","bullish_themes":["AI 算力"]}`
	req = httptest.NewRequest(http.MethodPost, "/api/portfolio", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	if err := handler.savePortfolio(e.NewContext(req, rec)); err != nil {
		t.Fatalf("savePortfolio: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/portfolio", nil)
	rec = httptest.NewRecorder()
	if err := handler.getPortfolio(e.NewContext(req, rec)); err != nil {
		t.Fatalf("getPortfolio after save: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["investment_philosophy"] != "长期持有优质资产" {
		t.Fatalf("portfolio did not round-trip: %v", got)
	}
}

func TestSavePortfolioRejectsEmptyBody(t *testing.T) {
	e := echo.New()
	handler := &PlaybooksHandler{Store: newTestStore(t)}

	req := httptest.NewRequest(http.MethodPost, "/api/portfolio", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := handler.savePortfolio(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestListStocks(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &PlaybooksHandler{Store: st}

	req := httptest.NewRequest(http.MethodGet, "/api/stocks", nil)
	rec := httptest.NewRecorder()
	if err := handler.listStocks(e.NewContext(req, rec)); err != nil {
		t.Fatalf("listStocks: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty store should list as [], got %s", rec.Body.String())
	}

	if err := st.SaveStockPlaybook("NVDA", map[string]interface{}{
		"stock_name": "英伟达",
		"ticker":     "NVDA",
		"core_thesis": map[string]interface{}{
			"summary": "AI 算力需求持续增长",
		},
	}); err != nil {
		t.Fatalf("seed NVDA: %v", err)
	}
	if err := st.SaveStockPlaybook("TSLA", map[string]interface{}{"stock_name": "特斯拉"}); err != nil {
		t.Fatalf("seed TSLA: %v", err)
	}

	rec = httptest.NewRecorder()
	if err := handler.listStocks(e.NewContext(req, rec)); err != nil {
		t.Fatalf("listStocks: %v", err)
	}
	var stocks []store.StockSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &stocks); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(stocks) != 2 {
		t.Fatalf("expected 2 stocks, got %d", len(stocks))
	}
	if stocks[0].StockID != "NVDA" || stocks[0].StockName != "英伟达" || stocks[0].Summary != "AI 算力需求持续增长" {
		t.Fatalf("unexpected first row: %+v", stocks[0])
	}
}

func TestGetStockMissingReturnsEmptyObject(t *testing.T) {
	e := echo.New()
	handler := &PlaybooksHandler{Store: newTestStore(t)}

	req := httptest.NewRequest(http.MethodGet, "/api/stock/GHOST", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("GHOST")

	if err := handler.getStock(ctx); err != nil {
		t.Fatalf("getStock: %v", err)
	}
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("missing stock should answer 200 {}, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteStock(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &PlaybooksHandler{Store: st}

	if err := st.SaveStockPlaybook("NVDA", map[string]interface{}{"stock_name": "英伟达"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/stock/NVDA", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("NVDA")

	if err := handler.deleteStock(ctx); err != nil {
		t.Fatalf("deleteStock: %v", err)
	}
	if _, err := st.StockPlaybook("NVDA"); !errors.Is(err, models.ErrStockNotFound) {
		t.Fatalf("playbook should be gone, got %v", err)
	}
}

func TestEditStockMergesWithoutDroppingKeys(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &PlaybooksHandler{Store: st, Learner: prefs.NewLearner(nil, st)}

	if err := st.SaveStockPlaybook("NVDA", map[string]interface{}{
		"stock_name": "英伟达",
		"core_thesis": map[string]interface{}{
			"summary":           "AI 算力需求持续增长",
			"supporting_points": []interface{}{"数据中心收入连续超预期"},
		},
		"risk_factors": []interface{}{"出口管制收紧"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := `{"edit_type":"thesis_update","changes":{"core_thesis":{"summary":"需求放缓风险上升"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/stock/NVDA/edit", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("NVDA")

	if err := handler.editStock(ctx); err != nil {
		t.Fatalf("editStock: %v", err)
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &merged); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	thesis, _ := merged["core_thesis"].(map[string]interface{})
	if thesis == nil || thesis["summary"] != "需求放缓风险上升" {
		t.Fatalf("summary not replaced: %v", merged)
	}
	if points, _ := thesis["supporting_points"].([]interface{}); len(points) != 1 {
		t.Fatalf("untouched sibling key was dropped: %v", thesis)
	}
	if merged["stock_name"] != "英伟达" {
		t.Fatalf("top-level key was dropped: %v", merged)
	}
	if _, ok := merged["risk_factors"]; !ok {
		t.Fatalf("risk_factors was dropped: %v", merged)
	}

	saved, err := st.StockPlaybook("NVDA")
	if err != nil {
		t.Fatalf("re-read playbook: %v", err)
	}
	savedThesis, _ := saved["core_thesis"].(map[string]interface{})
	if savedThesis == nil || savedThesis["summary"] != "需求放缓风险上升" {
		t.Fatalf("merge not persisted: %v", saved)
	}

	interactions, err := st.RecentInteractions(5)
	if err != nil {
		t.Fatalf("RecentInteractions: %v", err)
	}
	if len(interactions) != 1 || interactions[0]["type"] != "playbook_edit" {
		t.Fatalf("edit should be logged for learning, got %v", interactions)
	}
	if interactions[0]["edit_type"] != "thesis_update" {
		t.Fatalf("edit_type not carried: %v", interactions[0])
	}
}

func TestEditStockUnknown(t *testing.T) {
	e := echo.New()
	handler := &PlaybooksHandler{Store: newTestStore(t)}

	body := `{"changes":{"core_thesis":{"summary":"x"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/stock/GHOST/edit", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("GHOST")

	err := handler.editStock(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}
