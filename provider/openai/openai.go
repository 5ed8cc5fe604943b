package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls an OpenAI-compatible chat completions endpoint with one
// configured model. Temperature, token limit and pricing all come from the
// model's configuration.
type Client struct {
	apiKey     string
	baseURL    string
	model      config.LLMModel
	httpClient *http.Client
}

// New builds a client for one provider/model pair. The API key must already
// be resolved (config handles env fallback); a missing key is an error here
// rather than a 401 at first use.
func New(pc config.LLMProvider, mc config.LLMModel) (*Client, error) {
	if pc.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	baseURL := strings.TrimSuffix(pc.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := pc.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:     pc.APIKey,
		baseURL:    baseURL,
		model:      mc,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends history plus the prompt as the final user turn and returns
// the first choice's content with token and cost accounting.
func (c *Client) Generate(ctx context.Context, prompt string, history []models.ChatMessage) (string, models.TokenUsage, error) {
	messages := make([]models.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: prompt})

	apiModel := c.model.APIName
	if apiModel == "" {
		apiModel = c.model.Name
	}
	body, err := json.Marshal(chatRequest{
		Model:       apiModel,
		Messages:    messages,
		Temperature: c.model.Temperature,
		MaxTokens:   c.model.MaxTokens,
	})
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", models.TokenUsage{}, fmt.Errorf("chat completions returned status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", models.TokenUsage{}, errors.New("no choices in response")
	}

	usage := models.TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}
	usage.Cost = float64(usage.PromptTokens)/1000.0*c.model.CostPer1K +
		float64(usage.CompletionTokens)/1000.0*c.model.CostPer1KOutput

	return out.Choices[0].Message.Content, usage, nil
}
