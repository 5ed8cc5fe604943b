package openai_provider

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/models"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(config.LLMProvider{}, config.LLMModel{Name: "gpt-4o-mini"}); err == nil {
		t.Fatal("expected an error without an api key")
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq struct {
		Model       string               `json:"model"`
		Messages    []models.ChatMessage `json:"messages"`
		Temperature float64              `json:"temperature"`
		MaxTokens   int                  `json:"max_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"ok\": true}"}}],
			"usage": {"prompt_tokens": 500, "completion_tokens": 200}
		}`))
	}))
	defer srv.Close()

	client, err := New(
		config.LLMProvider{APIKey: "sk-test", BaseURL: srv.URL},
		config.LLMModel{Name: "gpt-4o-mini", APIName: "gpt-4o-mini-2024", Temperature: 0.2, MaxTokens: 800, CostPer1K: 0.0025, CostPer1KOutput: 0.01},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	history := []models.ChatMessage{{Role: "system", Content: "You are terse."}}
	content, usage, err := client.Generate(context.Background(), "assess NVDA", history)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if content != `{"ok": true}` {
		t.Fatalf("content = %q", content)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini-2024" {
		t.Errorf("model = %q, want the api name", gotReq.Model)
	}
	if gotReq.Temperature != 0.2 || gotReq.MaxTokens != 800 {
		t.Errorf("model knobs not forwarded: %+v", gotReq)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Content != "assess NVDA" {
		t.Errorf("messages = %+v, want history then prompt", gotReq.Messages)
	}

	if usage.PromptTokens != 500 || usage.CompletionTokens != 200 {
		t.Errorf("usage = %+v", usage)
	}
	wantCost := 500.0/1000.0*0.0025 + 200.0/1000.0*0.01
	if math.Abs(usage.Cost-wantCost) > 1e-9 {
		t.Errorf("cost = %f, want %f", usage.Cost, wantCost)
	}
}

func TestGenerateErrorStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "rate limited", body: `{"error": {"message": "slow down"}}`, code: http.StatusTooManyRequests},
		{name: "empty choices", body: `{"choices": []}`, code: http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, err := New(config.LLMProvider{APIKey: "sk-test", BaseURL: srv.URL}, config.LLMModel{Name: "gpt-4o-mini"})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, _, err := client.Generate(context.Background(), "prompt", nil); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
