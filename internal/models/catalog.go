package models

import (
	"fmt"

	"github.com/controllame/docpipe/internal/provider"
)

// ModelKey names an entry in the catalog. Routing tables reference models
// by key, never by raw API model id.
type ModelKey string

// ModelConfig describes one catalog entry.
type ModelConfig struct {
	Provider provider.Name `json:"provider"`
	// Model is the id sent on the wire.
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
	// Costs are USD per 1M tokens. 0 = free tier.
	InputCostPer1M  float64 `json:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m"`
	ContextWindow   int     `json:"context_window"`
}

// Catalog is the full model registry. To point an agent at a different
// model, change the chain tables in tiers.go, not this map.
var Catalog = map[ModelKey]ModelConfig{
	// Anthropic
	"claude-opus-4.5":   {Provider: provider.Anthropic, Model: "claude-opus-4-5-20251101", DisplayName: "Claude Opus 4.5", InputCostPer1M: 15.0, OutputCostPer1M: 75.0, ContextWindow: 200_000},
	"claude-sonnet-4.5": {Provider: provider.Anthropic, Model: "claude-sonnet-4-5-20250929", DisplayName: "Claude Sonnet 4.5", InputCostPer1M: 3.0, OutputCostPer1M: 15.0, ContextWindow: 200_000},
	"claude-haiku-4.5":  {Provider: provider.Anthropic, Model: "claude-haiku-4-5-20251001", DisplayName: "Claude Haiku 4.5", InputCostPer1M: 1.0, OutputCostPer1M: 5.0, ContextWindow: 200_000},

	// Google Gemini
	"gemini-2.5-flash":      {Provider: provider.Gemini, Model: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", InputCostPer1M: 0.15, OutputCostPer1M: 0.6, ContextWindow: 1_000_000},
	"gemini-2.5-pro":        {Provider: provider.Gemini, Model: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", InputCostPer1M: 1.25, OutputCostPer1M: 10.0, ContextWindow: 1_000_000},
	"gemini-2.5-flash-lite": {Provider: provider.Gemini, Model: "gemini-2.5-flash-lite", DisplayName: "Gemini 2.5 Flash Lite", InputCostPer1M: 0.1, OutputCostPer1M: 0.4, ContextWindow: 1_000_000},

	// OpenAI
	"gpt-4o":       {Provider: provider.OpenAI, Model: "gpt-4o", DisplayName: "GPT-4o", InputCostPer1M: 2.5, OutputCostPer1M: 10.0, ContextWindow: 128_000},
	"gpt-4o-mini":  {Provider: provider.OpenAI, Model: "gpt-4o-mini", DisplayName: "GPT-4o Mini", InputCostPer1M: 0.15, OutputCostPer1M: 0.6, ContextWindow: 128_000},
	"gpt-4.1":      {Provider: provider.OpenAI, Model: "gpt-4.1", DisplayName: "GPT-4.1", InputCostPer1M: 2.0, OutputCostPer1M: 8.0, ContextWindow: 1_000_000},
	"gpt-4.1-mini": {Provider: provider.OpenAI, Model: "gpt-4.1-mini", DisplayName: "GPT-4.1 Mini", InputCostPer1M: 0.4, OutputCostPer1M: 1.6, ContextWindow: 1_000_000},
	"gpt-4.1-nano": {Provider: provider.OpenAI, Model: "gpt-4.1-nano", DisplayName: "GPT-4.1 Nano", InputCostPer1M: 0.1, OutputCostPer1M: 0.4, ContextWindow: 1_000_000},
	"gpt-5":        {Provider: provider.OpenAI, Model: "gpt-5", DisplayName: "GPT-5", InputCostPer1M: 1.25, OutputCostPer1M: 10.0, ContextWindow: 400_000},
	"gpt-5-mini":   {Provider: provider.OpenAI, Model: "gpt-5-mini", DisplayName: "GPT-5 Mini", InputCostPer1M: 0.25, OutputCostPer1M: 2.0, ContextWindow: 400_000},
	"gpt-5-nano":   {Provider: provider.OpenAI, Model: "gpt-5-nano", DisplayName: "GPT-5 Nano", InputCostPer1M: 0.05, OutputCostPer1M: 0.4, ContextWindow: 400_000},
	"gpt-oss-20b":  {Provider: provider.OpenAI, Model: "gpt-oss-20b", DisplayName: "GPT-OSS 20B", InputCostPer1M: 0.03, OutputCostPer1M: 0.14, ContextWindow: 128_000},
	"gpt-oss-120b": {Provider: provider.OpenAI, Model: "gpt-oss-120b", DisplayName: "GPT-OSS 120B", InputCostPer1M: 0.04, OutputCostPer1M: 0.19, ContextWindow: 128_000},

	// Mistral
	"mistral-large-3":  {Provider: provider.Mistral, Model: "mistral-large-2512", DisplayName: "Mistral Large 3", InputCostPer1M: 0.5, OutputCostPer1M: 1.5, ContextWindow: 256_000},
	"mistral-medium-3": {Provider: provider.Mistral, Model: "mistral-medium-3.1", DisplayName: "Mistral Medium 3.1", InputCostPer1M: 0.4, OutputCostPer1M: 2.0, ContextWindow: 128_000},
	"mistral-small-3":  {Provider: provider.Mistral, Model: "mistral-small-3.2-24b-instruct", DisplayName: "Mistral Small 3.2", InputCostPer1M: 0.06, OutputCostPer1M: 0.18, ContextWindow: 128_000},
	"ministral-8b":     {Provider: provider.Mistral, Model: "ministral-8b-2512", DisplayName: "Ministral 3 8B", InputCostPer1M: 0.15, OutputCostPer1M: 0.15, ContextWindow: 256_000},
	"mistral-nemo":     {Provider: provider.Mistral, Model: "open-mistral-nemo", DisplayName: "Mistral Nemo", InputCostPer1M: 0.02, OutputCostPer1M: 0.04, ContextWindow: 128_000},

	// Groq
	"groq-llama4-scout": {Provider: provider.Groq, Model: "meta-llama/llama-4-scout-17b-16e-instruct", DisplayName: "Llama 4 Scout (Groq)", InputCostPer1M: 0.11, OutputCostPer1M: 0.34, ContextWindow: 128_000},
	"groq-llama3-70b":   {Provider: provider.Groq, Model: "llama-3.3-70b-versatile", DisplayName: "Llama 3.3 70B (Groq)", InputCostPer1M: 0.59, OutputCostPer1M: 0.79, ContextWindow: 128_000},
	"groq-llama3-8b":    {Provider: provider.Groq, Model: "llama-3.1-8b-instant", DisplayName: "Llama 3.1 8B (Groq)", InputCostPer1M: 0.05, OutputCostPer1M: 0.08, ContextWindow: 128_000},
	"groq-qwen3-32b":    {Provider: provider.Groq, Model: "qwen/qwen3-32b", DisplayName: "Qwen 3 32B (Groq)", InputCostPer1M: 0.29, OutputCostPer1M: 0.59, ContextWindow: 128_000},
	"groq-gpt-oss-120b": {Provider: provider.Groq, Model: "gpt-oss-120b", DisplayName: "GPT-OSS 120B (Groq)", InputCostPer1M: 0.15, OutputCostPer1M: 0.6, ContextWindow: 128_000},
	"groq-kimi-k2":      {Provider: provider.Groq, Model: "moonshotai/kimi-k2-instruct", DisplayName: "Kimi K2 (Groq)", InputCostPer1M: 1.0, OutputCostPer1M: 3.0, ContextWindow: 256_000},

	// Cerebras
	"cerebras-gpt-oss-120b": {Provider: provider.Cerebras, Model: "gpt-oss-120b", DisplayName: "GPT-OSS 120B (Cerebras)", InputCostPer1M: 0.35, OutputCostPer1M: 0.75, ContextWindow: 128_000},
	"cerebras-llama3-8b":    {Provider: provider.Cerebras, Model: "llama3.1-8b", DisplayName: "Llama 3.1 8B (Cerebras)", InputCostPer1M: 0.1, OutputCostPer1M: 0.1, ContextWindow: 128_000},
	"cerebras-qwen3-235b":   {Provider: provider.Cerebras, Model: "qwen3-235b", DisplayName: "Qwen 3 235B (Cerebras)", InputCostPer1M: 0.6, OutputCostPer1M: 1.2, ContextWindow: 128_000},

	// DeepSeek
	"deepseek-v3": {Provider: provider.DeepSeek, Model: "deepseek-chat", DisplayName: "DeepSeek V3.2", InputCostPer1M: 0.28, OutputCostPer1M: 0.42, ContextWindow: 128_000},
	"deepseek-r1": {Provider: provider.DeepSeek, Model: "deepseek-reasoner", DisplayName: "DeepSeek R1", InputCostPer1M: 0.55, OutputCostPer1M: 2.19, ContextWindow: 128_000},
}

// Lookup returns the catalog entry for a key.
func Lookup(key ModelKey) (ModelConfig, error) {
	cfg, ok := Catalog[key]
	if !ok {
		return ModelConfig{}, fmt.Errorf("unknown model key %q", key)
	}
	return cfg, nil
}

// Cost computes the USD cost of one call against a catalog entry.
func Cost(key ModelKey, inputTokens, outputTokens int64) float64 {
	cfg, ok := Catalog[key]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*cfg.InputCostPer1M +
		float64(outputTokens)/1_000_000*cfg.OutputCostPer1M
}
