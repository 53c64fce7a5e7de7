package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct {
	settings Settings
	client   *http.Client
	logger   *log.Logger
}

func newAnthropic(s Settings, logger *log.Logger) *anthropicAdapter {
	if s.BaseURL == "" {
		s.BaseURL = "https://api.anthropic.com"
	}
	return &anthropicAdapter{
		settings: s,
		client:   &http.Client{Timeout: s.Timeout},
		logger:   logger,
	}
}

func (a *anthropicAdapter) Name() Name { return Anthropic }

func (a *anthropicAdapter) Available() bool { return a.settings.key(Anthropic) != "" }

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
	// Temperature is a pointer so 0 is sent explicitly.
	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicAdapter) Call(ctx context.Context, model string, prompt string, cfg CallConfig) (*CallResult, error) {
	apiKey := a.settings.key(Anthropic)
	if apiKey == "" {
		return nil, &UnavailableError{Provider: Anthropic}
	}
	return callWithRetry(ctx, Anthropic, a.settings, a.logger, func() (*CallResult, error) {
		return a.callOnce(ctx, apiKey, model, prompt, cfg)
	})
}

func (a *anthropicAdapter) callOnce(ctx context.Context, apiKey, model, prompt string, cfg CallConfig) (*CallResult, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	temp := cfg.Temperature
	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic read: %w", err)
	}
	var out anthropicResponse
	_ = json.Unmarshal(raw, &out)
	message := ""
	if out.Error != nil {
		message = out.Error.Message
	}
	if resp.StatusCode != http.StatusOK || out.Error != nil {
		if rateLimited(resp.StatusCode, message) {
			return nil, &RateLimitError{Provider: Anthropic, Model: model, Status: resp.StatusCode, Message: message}
		}
		return nil, &APIError{Provider: Anthropic, Model: model, Status: resp.StatusCode, Message: message}
	}

	text := ""
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, &APIError{Provider: Anthropic, Model: model, Status: resp.StatusCode, Message: "empty response content"}
	}

	return &CallResult{
		Text:         text,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Duration:     time.Since(start),
		Provider:     Anthropic,
		Model:        model,
	}, nil
}
