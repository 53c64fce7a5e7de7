package provider

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(testWriter{}, "[PROVIDER] ", 0)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func chatOK(w http.ResponseWriter, text string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": text}},
		},
		"usage": map[string]int64{"prompt_tokens": 10, "completion_tokens": 5},
	})
}

func TestCompatRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"message": "rate_limit_exceeded"}})
			return
		}
		chatOK(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newCompat(Groq, Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 3, RetryBackoff: time.Millisecond}, testLogger())
	res, err := c.Call(context.Background(), "llama-3.3-70b-versatile", "hello", CallConfig{MaxTokens: 100})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
	if res.Text != `{"ok":true}` {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Fatalf("unexpected usage: in=%d out=%d", res.InputTokens, res.OutputTokens)
	}
	if res.Provider != Groq {
		t.Fatalf("unexpected provider: %s", res.Provider)
	}
}

func TestCompatDoesNotRetryFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": map[string]string{"message": "invalid model"}})
	}))
	defer srv.Close()

	c := newCompat(OpenAI, Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 4, RetryBackoff: time.Millisecond}, testLogger())
	_, err := c.Call(context.Background(), "gpt-4o", "hello", CallConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != KindFatal {
		t.Fatalf("expected fatal classification, got %v", Classify(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fatal error should not be retried, got %d requests", got)
	}
}

func TestCompatRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newCompat(Mistral, Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 3, RetryBackoff: time.Millisecond}, testLogger())
	_, err := c.Call(context.Background(), "mistral-large-latest", "hello", CallConfig{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if Classify(err) != KindRetryable {
		t.Fatalf("expected retryable classification, got %v", Classify(err))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCompatUnavailableWithoutKey(t *testing.T) {
	t.Setenv("CEREBRAS_API_KEY", "")
	c := newCompat(Cerebras, Settings{Timeout: time.Second, MaxAttempts: 3, RetryBackoff: time.Millisecond}, testLogger())
	if c.Available() {
		t.Fatal("expected unavailable without key")
	}
	_, err := c.Call(context.Background(), "gpt-oss-120b", "hello", CallConfig{})
	if Classify(err) != KindUnavailable {
		t.Fatalf("expected unavailable classification, got %v (%v)", Classify(err), err)
	}
}

func TestCompatJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		rf, ok := req["response_format"].(map[string]interface{})
		if !ok || rf["type"] != "json_object" {
			t.Errorf("expected response_format json_object, got %v", req["response_format"])
		}
		chatOK(w, "{}")
	}))
	defer srv.Close()

	c := newCompat(DeepSeek, Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 1, RetryBackoff: time.Millisecond}, testLogger())
	if _, err := c.Call(context.Background(), "deepseek-chat", "hello", CallConfig{JSONOutput: true}); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestAnthropicCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing anthropic-version header")
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": `{"category":"contract"}`}},
			"usage":   map[string]int64{"input_tokens": 20, "output_tokens": 8},
		})
	}))
	defer srv.Close()

	a := newAnthropic(Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 1, RetryBackoff: time.Millisecond}, testLogger())
	res, err := a.Call(context.Background(), "claude-haiku-4-5", "classify", CallConfig{MaxTokens: 4096})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Text != `{"category":"contract"}` {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.InputTokens != 20 || res.OutputTokens != 8 {
		t.Fatalf("unexpected usage: in=%d out=%d", res.InputTokens, res.OutputTokens)
	}
}

func TestGeminiResourceExhaustedIsRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota exceeded"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"parts": []map[string]string{{"text": "done"}}}},
			},
			"usageMetadata": map[string]int64{"promptTokenCount": 5, "candidatesTokenCount": 2},
		})
	}))
	defer srv.Close()

	g := newGemini(Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 2, RetryBackoff: time.Millisecond}, testLogger())
	res, err := g.Call(context.Background(), "gemini-2.5-flash", "hello", CallConfig{})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.Text != "done" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deliberately out of order.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0.2}},
				{"index": 0, "embedding": []float32{0.1}},
			},
		})
	}))
	defer srv.Close()

	c := newCompat(OpenAI, Settings{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second, MaxAttempts: 1, RetryBackoff: time.Millisecond}, testLogger())
	vecs, err := c.Embed(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Fatalf("embeddings not reordered by index: %v", vecs)
	}
}

func TestRegistryCoversAllBackends(t *testing.T) {
	r := NewRegistry(map[Name]Settings{OpenAI: {APIKey: "k"}}, testLogger())
	for _, name := range All() {
		if _, err := r.Get(name); err != nil {
			t.Fatalf("missing adapter for %s: %v", name, err)
		}
	}
	if _, err := r.Get("mystery"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !r.Available(OpenAI) {
		t.Fatal("openai should be available with a key")
	}
}
