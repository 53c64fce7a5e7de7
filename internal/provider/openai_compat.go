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

// Compat talks the OpenAI chat-completions wire format. openai, groq,
// mistral, cerebras and deepseek all speak it; one instance is registered
// per backend with its own base URL and retry policy.
type Compat struct {
	name     Name
	settings Settings
	client   *http.Client
	logger   *log.Logger
}

func newCompat(name Name, s Settings, logger *log.Logger) *Compat {
	return &Compat{
		name:     name,
		settings: s,
		client:   &http.Client{Timeout: s.Timeout},
		logger:   logger,
	}
}

func (c *Compat) Name() Name { return c.name }

func (c *Compat) Available() bool { return c.settings.key(c.name) != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string      `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64     `json:"temperature"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends one chat completion, retrying rate limits per the backend's
// fixed-backoff policy.
func (c *Compat) Call(ctx context.Context, model string, prompt string, cfg CallConfig) (*CallResult, error) {
	apiKey := c.settings.key(c.name)
	if apiKey == "" {
		return nil, &UnavailableError{Provider: c.name}
	}
	return callWithRetry(ctx, c.name, c.settings, c.logger, func() (*CallResult, error) {
		return c.callOnce(ctx, apiKey, model, prompt, cfg)
	})
}

func (c *Compat) callOnce(ctx context.Context, apiKey, model, prompt string, cfg CallConfig) (*CallResult, error) {
	reqBody := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if cfg.JSONOutput {
		reqBody.ResponseFormat = map[string]string{"type": "json_object"}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s do: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", c.name, err)
	}

	var out chatResponse
	_ = json.Unmarshal(raw, &out)
	message := ""
	if out.Error != nil {
		message = out.Error.Message
	}

	if resp.StatusCode != http.StatusOK || out.Error != nil {
		if rateLimited(resp.StatusCode, message) {
			return nil, &RateLimitError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: message}
		}
		return nil, &APIError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: message}
	}
	if len(out.Choices) == 0 {
		return nil, &APIError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: "no choices in response"}
	}

	return &CallResult{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Duration:     time.Since(start),
		Provider:     c.name,
		Model:        model,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed returns one vector per input, in input order.
func (c *Compat) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	apiKey := c.settings.key(c.name)
	if apiKey == "" {
		return nil, &UnavailableError{Provider: c.name}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read: %w", c.name, err)
	}
	var out embeddingResponse
	_ = json.Unmarshal(raw, &out)
	message := ""
	if out.Error != nil {
		message = out.Error.Message
	}
	if resp.StatusCode != http.StatusOK || out.Error != nil {
		if rateLimited(resp.StatusCode, message) {
			return nil, &RateLimitError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: message}
		}
		return nil, &APIError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: message}
	}
	if len(out.Data) != len(inputs) {
		return nil, &APIError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(out.Data))}
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &APIError{Provider: c.name, Model: model, Status: resp.StatusCode, Message: "embedding index out of range"}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
