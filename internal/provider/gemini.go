package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

type geminiAdapter struct {
	settings Settings
	client   *http.Client
	logger   *log.Logger
}

func newGemini(s Settings, logger *log.Logger) *geminiAdapter {
	return &geminiAdapter{
		settings: s,
		client:   &http.Client{Timeout: s.Timeout},
		logger:   logger,
	}
}

func (g *geminiAdapter) Name() Name { return Gemini }

func (g *geminiAdapter) Available() bool { return g.settings.key(Gemini) != "" }

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
		Temperature      float64 `json:"temperature"`
		ResponseMimeType string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *geminiAdapter) Call(ctx context.Context, model string, prompt string, cfg CallConfig) (*CallResult, error) {
	apiKey := g.settings.key(Gemini)
	if apiKey == "" {
		return nil, &UnavailableError{Provider: Gemini}
	}
	return callWithRetry(ctx, Gemini, g.settings, g.logger, func() (*CallResult, error) {
		return g.callOnce(ctx, apiKey, model, prompt, cfg)
	})
}

func (g *geminiAdapter) callOnce(ctx context.Context, apiKey, model, prompt string, cfg CallConfig) (*CallResult, error) {
	var reqBody geminiRequest
	reqBody.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	reqBody.Contents[0].Parts = []struct {
		Text string `json:"text"`
	}{{Text: prompt}}
	reqBody.GenerationConfig.MaxOutputTokens = cfg.MaxTokens
	reqBody.GenerationConfig.Temperature = cfg.Temperature
	if cfg.JSONOutput {
		reqBody.GenerationConfig.ResponseMimeType = "application/json"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		g.settings.BaseURL, url.PathEscape(model), url.QueryEscape(apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini read: %w", err)
	}
	var out geminiResponse
	_ = json.Unmarshal(raw, &out)
	message := ""
	if out.Error != nil {
		message = out.Error.Message
		// Gemini reports quota exhaustion as RESOURCE_EXHAUSTED.
		if out.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, &RateLimitError{Provider: Gemini, Model: model, Status: resp.StatusCode, Message: message}
		}
	}
	if resp.StatusCode != http.StatusOK || out.Error != nil {
		if rateLimited(resp.StatusCode, message) {
			return nil, &RateLimitError{Provider: Gemini, Model: model, Status: resp.StatusCode, Message: message}
		}
		return nil, &APIError{Provider: Gemini, Model: model, Status: resp.StatusCode, Message: message}
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &APIError{Provider: Gemini, Model: model, Status: resp.StatusCode, Message: "no candidates in response"}
	}

	text := ""
	for _, part := range out.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &CallResult{
		Text:         text,
		InputTokens:  out.UsageMetadata.PromptTokenCount,
		OutputTokens: out.UsageMetadata.CandidatesTokenCount,
		Duration:     time.Since(start),
		Provider:     Gemini,
		Model:        model,
	}, nil
}
