package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// Name identifies a model backend. Routing decisions are made against this
// enum, never against concrete adapter types.
type Name string

const (
	Anthropic Name = "anthropic"
	Gemini    Name = "gemini"
	OpenAI    Name = "openai"
	Mistral   Name = "mistral"
	Groq      Name = "groq"
	Cerebras  Name = "cerebras"
	DeepSeek  Name = "deepseek"
)

// All lists every supported backend in a stable order.
func All() []Name {
	return []Name{Anthropic, Gemini, OpenAI, Mistral, Groq, Cerebras, DeepSeek}
}

// CallConfig carries the per-call generation parameters.
type CallConfig struct {
	MaxTokens   int
	Temperature float64
	JSONOutput  bool
}

// CallResult is the uniform response shape across all backends.
type CallResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	Provider     Name
	Model        string
}

// Adapter is the closed interface every backend implements. Call blocks
// until the model responds or ctx is done.
type Adapter interface {
	Name() Name
	Available() bool
	Call(ctx context.Context, model string, prompt string, cfg CallConfig) (*CallResult, error)
}

// Settings configures a single backend adapter.
type Settings struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Rate-limit retry policy per backend. Only rate-limit failures are
// retried, with a fixed wait between attempts.
var defaultSettings = map[Name]Settings{
	Anthropic: {Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 10 * time.Second},
	Gemini:    {BaseURL: "https://generativelanguage.googleapis.com", Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 10 * time.Second},
	OpenAI:    {BaseURL: "https://api.openai.com/v1", Timeout: 120 * time.Second, MaxAttempts: 4, RetryBackoff: 30 * time.Second},
	Mistral:   {BaseURL: "https://api.mistral.ai/v1", Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 35 * time.Second},
	Groq:      {BaseURL: "https://api.groq.com/openai/v1", Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 10 * time.Second},
	Cerebras:  {BaseURL: "https://api.cerebras.ai/v1", Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 10 * time.Second},
	DeepSeek:  {BaseURL: "https://api.deepseek.com", Timeout: 120 * time.Second, MaxAttempts: 3, RetryBackoff: 15 * time.Second},
}

var envKeys = map[Name]string{
	Anthropic: "ANTHROPIC_API_KEY",
	Gemini:    "GEMINI_API_KEY",
	OpenAI:    "OPENAI_API_KEY",
	Mistral:   "MISTRAL_API_KEY",
	Groq:      "GROQ_API_KEY",
	Cerebras:  "CEREBRAS_API_KEY",
	DeepSeek:  "DEEPSEEK_API_KEY",
}

// DefaultSettings returns the built-in settings for a backend.
func DefaultSettings(name Name) Settings {
	return defaultSettings[name]
}

// resolve fills zero-valued fields of s from the backend defaults.
func resolve(name Name, s Settings) Settings {
	d := defaultSettings[name]
	if s.BaseURL == "" {
		s.BaseURL = d.BaseURL
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.RetryBackoff == 0 {
		s.RetryBackoff = d.RetryBackoff
	}
	return s
}

func (s Settings) key(name Name) string {
	if s.APIKey != "" {
		return s.APIKey
	}
	return os.Getenv(envKeys[name])
}

// Registry holds one adapter per configured backend.
type Registry struct {
	adapters map[Name]Adapter
	logger   *log.Logger
}

// NewRegistry builds adapters for all supported backends. Missing entries
// in settings fall back to the built-in defaults; a backend with no API key
// is still registered but reports Available() == false.
func NewRegistry(settings map[Name]Settings, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	}
	r := &Registry{adapters: make(map[Name]Adapter), logger: logger}
	for _, name := range All() {
		s := resolve(name, settings[name])
		switch name {
		case Anthropic:
			r.adapters[name] = newAnthropic(s, logger)
		case Gemini:
			r.adapters[name] = newGemini(s, logger)
		default:
			r.adapters[name] = newCompat(name, s, logger)
		}
	}
	return r
}

// Get returns the adapter for a backend.
func (r *Registry) Get(name Name) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return a, nil
}

// Available reports whether a backend can accept calls.
func (r *Registry) Available(name Name) bool {
	a, ok := r.adapters[name]
	return ok && a.Available()
}

// Embedder returns the embedding client, backed by the OpenAI adapter.
func (r *Registry) Embedder() (*Compat, error) {
	a, err := r.Get(OpenAI)
	if err != nil {
		return nil, err
	}
	c, ok := a.(*Compat)
	if !ok {
		return nil, fmt.Errorf("openai adapter does not support embeddings")
	}
	return c, nil
}

// callWithRetry drives the fixed-backoff retry loop. Only rate-limit
// failures are retried; anything else propagates on first occurrence.
func callWithRetry(ctx context.Context, name Name, s Settings, logger *log.Logger, fn func() (*CallResult, error)) (*CallResult, error) {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if Classify(err) != KindRetryable || attempt == attempts {
			return nil, err
		}
		logger.Printf("%s rate limited, waiting %s before attempt %d/%d", name, s.RetryBackoff, attempt+1, attempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.RetryBackoff):
		}
	}
	return nil, lastErr
}
