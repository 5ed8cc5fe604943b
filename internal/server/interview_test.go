package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/playbook/internal/interview"
)

func TestInterviewStartValidation(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &InterviewHandler{Interviewer: interview.NewInterviewer(&stubLLM{}, st)}

	for name, body := range map[string]string{
		"unknown kind":            `{"kind":"band"}`,
		"stock kind without name": `{"kind":"stock"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/interview/start", strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()

			err := handler.start(e.NewContext(req, rec))
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
}

func TestInterviewStartOpensSession(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &InterviewHandler{Interviewer: interview.NewInterviewer(&stubLLM{}, st)}

	req := httptest.NewRequest(http.MethodPost, "/api/interview/start", strings.NewReader(`{"kind":"portfolio"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := handler.start(e.NewContext(req, rec)); err != nil {
		t.Fatalf("start: %v", err)
	}

	var turn interview.Turn
	if err := json.Unmarshal(rec.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if turn.SessionID == "" || turn.Message == "" {
		t.Fatalf("first turn must carry a session id and a question: %+v", turn)
	}
	if turn.Completed {
		t.Fatalf("interview cannot complete on start")
	}
}

func TestInterviewContinueValidation(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &InterviewHandler{Interviewer: interview.NewInterviewer(&stubLLM{}, st)}

	for name, body := range map[string]string{
		"missing session": `{"message":"我看好 AI"}`,
		"missing message": `{"session_id":"abc"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/interview/continue", strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()

			err := handler.resume(e.NewContext(req, rec))
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %v", err)
			}
		})
	}
}

func TestInterviewContinueUnknownSession(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	handler := &InterviewHandler{Interviewer: interview.NewInterviewer(&stubLLM{}, st)}

	req := httptest.NewRequest(http.MethodPost, "/api/interview/continue", strings.NewReader(`{"session_id":"ghost","message":"我看好 AI"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := handler.resume(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestInterviewContinueAsksNextQuestion(t *testing.T) {
	e := echo.New()
	st := newTestStore(t)
	llm := &stubLLM{response: "你的持仓周期一般是多久？"}
	handler := &InterviewHandler{Interviewer: interview.NewInterviewer(llm, st)}

	req := httptest.NewRequest(http.MethodPost, "/api/interview/start", strings.NewReader(`{"kind":"portfolio"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := handler.start(e.NewContext(req, rec)); err != nil {
		t.Fatalf("start: %v", err)
	}
	var opened interview.Turn
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	body := `{"session_id":"` + opened.SessionID + `","message":"我看好 AI 算力，主要仓位在英伟达"}`
	req = httptest.NewRequest(http.MethodPost, "/api/interview/continue", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	if err := handler.resume(e.NewContext(req, rec)); err != nil {
		t.Fatalf("resume: %v", err)
	}

	var turn interview.Turn
	if err := json.Unmarshal(rec.Body.Bytes(), &turn); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if turn.Completed {
		t.Fatalf("a plain question reply must not complete the interview: %+v", turn)
	}
	if turn.Message != "你的持仓周期一般是多久？" {
		t.Fatalf("message = %q", turn.Message)
	}
	if !strings.Contains(llm.lastPrompt(), "我看好 AI 算力") {
		t.Fatalf("user answer should reach the prompt")
	}
}
