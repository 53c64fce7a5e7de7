package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/provider"
)

// AdapterSource hands out backend adapters. *provider.Registry satisfies it.
type AdapterSource interface {
	Get(provider.Name) (provider.Adapter, error)
	Available(provider.Name) bool
}

// CostObserver receives per-call accounting. Implementations must not block.
type CostObserver interface {
	ObserveAgentCall(agent models.AgentName, key models.ModelKey, usedFallback bool, res *provider.CallResult)
}

// RunResult is the outcome of one agent execution.
type RunResult struct {
	Text         string
	Parsed       json.RawMessage
	UsedFallback bool
	ModelKey     models.ModelKey
	Provider     provider.Name
	Model        string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// NoProviderError means no model in the agent's chain could serve the call.
type NoProviderError struct {
	Agent    models.AgentName
	Chain    []models.ModelKey
	Failures []string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("%s: no provider available in chain %v (failures: %s)",
		e.Agent, e.Chain, strings.Join(e.Failures, "; "))
}

// Runner executes agents against their tier-sliced fallback chains.
type Runner struct {
	adapters AdapterSource
	resolver *models.Resolver
	costs    CostObserver
	logger   *log.Logger
}

// NewRunner builds a runner. costs may be nil.
func NewRunner(adapters AdapterSource, resolver *models.Resolver, costs CostObserver, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	}
	return &Runner{adapters: adapters, resolver: resolver, costs: costs, logger: logger}
}

// Run walks the agent's active chain: unavailable providers are skipped,
// a failed call falls to the next available entry, and a failure with no
// available entry left propagates as-is. The model's JSON output is parsed
// tolerantly; a parse failure counts as a call failure and falls through
// the chain the same way.
func (r *Runner) Run(ctx context.Context, call models.CallContext, agent models.AgentName, prompt string) (*RunResult, error) {
	chain, err := r.resolver.ActiveChain(agent, call)
	if err != nil {
		return nil, err
	}
	params := models.Params(agent)
	cfg := provider.CallConfig{
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		JSONOutput:  true,
	}

	var failures []string
	for i, key := range chain {
		mc, err := models.Lookup(key)
		if err != nil {
			return nil, err
		}
		if !r.adapters.Available(mc.Provider) {
			r.logger.Printf("%s chain[%d] %s skipped (%s not configured) sid=%s", agent, i, key, mc.Provider, call.SID)
			continue
		}
		adapter, err := r.adapters.Get(mc.Provider)
		if err != nil {
			return nil, err
		}

		res, callErr := adapter.Call(ctx, mc.Model, prompt, cfg)
		var parsed json.RawMessage
		if callErr == nil {
			parsed, callErr = ParseJSON(res.Text)
		}
		if callErr == nil {
			if i > 0 {
				r.logger.Printf("%s resolved with chain[%d] %s after fallback sid=%s", agent, i, key, call.SID)
			}
			if r.costs != nil {
				r.costs.ObserveAgentCall(agent, key, i > 0, res)
			}
			return &RunResult{
				Text:         res.Text,
				Parsed:       parsed,
				UsedFallback: i > 0,
				ModelKey:     key,
				Provider:     res.Provider,
				Model:        res.Model,
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				Duration:     res.Duration,
			}, nil
		}

		// Cancellation ends the walk: falling to another provider after
		// the caller gave up would waste quota.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failures = append(failures, fmt.Sprintf("%s: %v", key, callErr))
		if i == len(chain)-1 || !r.anyAvailable(chain[i+1:]) {
			return nil, callErr
		}
		r.logger.Printf("%s chain[%d] %s failed, falling through: %v sid=%s", agent, i, key, callErr, call.SID)
	}

	return nil, &NoProviderError{Agent: agent, Chain: chain, Failures: failures}
}

func (r *Runner) anyAvailable(keys []models.ModelKey) bool {
	for _, key := range keys {
		if mc, err := models.Lookup(key); err == nil && r.adapters.Available(mc.Provider) {
			return true
		}
	}
	return false
}
