package models

import (
	"fmt"

	"github.com/controllame/docpipe/internal/provider"
)

// AgentName identifies a pipeline phase agent.
type AgentName string

const (
	Classifier   AgentName = "classifier"
	Analyzer     AgentName = "analyzer"
	Investigator AgentName = "investigator"
	Advisor      AgentName = "advisor"
)

// Agents lists the pipeline agents in execution order.
func Agents() []AgentName {
	return []AgentName{Classifier, Analyzer, Investigator, Advisor}
}

// Tier is a cost/quality level. It selects where in each fallback chain a
// request starts; fallback within the chain still runs downward from there.
type Tier string

const (
	TierPartner   Tier = "partner"
	TierAssociate Tier = "associate"
	TierIntern    Tier = "intern"
)

// ValidTier reports whether t is a known tier name.
func ValidTier(t Tier) bool {
	return t == TierPartner || t == TierAssociate || t == TierIntern
}

// agentChains holds the full fallback chain per agent, best model first.
// On rate limit exhaustion or provider error the runner walks down.
var agentChains = map[AgentName][]ModelKey{
	Classifier: {
		"claude-haiku-4.5",
		"gemini-2.5-flash",
		"cerebras-gpt-oss-120b",
		"groq-llama4-scout",
		"mistral-small-3",
	},
	Analyzer: {
		"claude-sonnet-4.5",
		"gemini-2.5-pro",
		"mistral-large-3",
		"groq-llama3-70b",
		"cerebras-gpt-oss-120b",
	},
	// Investigation needs web search, which only Anthropic models carry.
	Investigator: {
		"claude-sonnet-4.5",
		"claude-haiku-4.5",
	},
	Advisor: {
		"claude-sonnet-4.5",
		"gemini-2.5-pro",
		"mistral-large-3",
		"groq-llama3-70b",
		"cerebras-gpt-oss-120b",
	},
}

// tierStart is the chain start index per agent and tier. A tier never
// starts above its floor; it only falls downward from there.
var tierStart = map[AgentName]map[Tier]int{
	Classifier:   {TierPartner: 0, TierAssociate: 1, TierIntern: 2},
	Analyzer:     {TierPartner: 0, TierAssociate: 1, TierIntern: 2},
	Investigator: {TierPartner: 0, TierAssociate: 1, TierIntern: 1},
	Advisor:      {TierPartner: 0, TierAssociate: 1, TierIntern: 2},
}

// AgentParams are the generation parameters per agent.
type AgentParams struct {
	MaxTokens   int
	Temperature float64
}

var agentParams = map[AgentName]AgentParams{
	Classifier:   {MaxTokens: 4096, Temperature: 0},
	Analyzer:     {MaxTokens: 8192, Temperature: 0},
	Investigator: {MaxTokens: 8192, Temperature: 0},
	Advisor:      {MaxTokens: 4096, Temperature: 0},
}

// Params returns the generation parameters for an agent.
func Params(agent AgentName) AgentParams {
	return agentParams[agent]
}

// typicalTokens drives per-query cost estimates.
var typicalTokens = map[AgentName]struct{ input, output int64 }{
	Classifier:   {5000, 1200},
	Analyzer:     {10000, 4000},
	Investigator: {6000, 3000},
	Advisor:      {8000, 2000},
}

// CallContext is the request-scoped tier state. It travels as an explicit
// parameter through the runner and controller; there is no process-global
// tier. The zero value means "use the resolver's default tier, all agents
// enabled".
type CallContext struct {
	Tier Tier
	// Disabled agents are skipped in the pipeline, substituting the
	// phase's empty result.
	Disabled map[AgentName]bool
	// SID correlates log lines with the owning session.
	SID string
}

// Enabled reports whether the agent should run under this context.
func (c CallContext) Enabled(agent AgentName) bool {
	return !c.Disabled[agent]
}

// Availability answers whether a backend currently has credentials.
// *provider.Registry satisfies it.
type Availability interface {
	Available(provider.Name) bool
}

// Resolver turns (agent, CallContext) into concrete model choices.
type Resolver struct {
	avail       Availability
	defaultTier Tier
}

// NewResolver builds a resolver with the configured default tier.
func NewResolver(avail Availability, defaultTier Tier) *Resolver {
	if !ValidTier(defaultTier) {
		defaultTier = TierPartner
	}
	return &Resolver{avail: avail, defaultTier: defaultTier}
}

// DefaultTier returns the tier used when a CallContext carries none.
func (r *Resolver) DefaultTier() Tier { return r.defaultTier }

func (r *Resolver) tierOf(call CallContext) Tier {
	if ValidTier(call.Tier) {
		return call.Tier
	}
	return r.defaultTier
}

// Chain returns the full fallback chain for an agent, ignoring tier.
func (r *Resolver) Chain(agent AgentName) ([]ModelKey, error) {
	chain, ok := agentChains[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
	out := make([]ModelKey, len(chain))
	copy(out, chain)
	return out, nil
}

// ActiveChain returns the tier-sliced chain for an agent under a context.
func (r *Resolver) ActiveChain(agent AgentName, call CallContext) ([]ModelKey, error) {
	chain, ok := agentChains[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agent)
	}
	start := tierStart[agent][r.tierOf(call)]
	if start > len(chain)-1 {
		start = len(chain) - 1
	}
	out := make([]ModelKey, len(chain)-start)
	copy(out, chain[start:])
	return out, nil
}

// ActiveModel returns the first chain entry whose provider is available,
// or the chain head when nothing is available.
func (r *Resolver) ActiveModel(agent AgentName, call CallContext) (ModelKey, error) {
	chain, err := r.ActiveChain(agent, call)
	if err != nil {
		return "", err
	}
	for _, key := range chain {
		if r.avail.Available(Catalog[key].Provider) {
			return key, nil
		}
	}
	return chain[0], nil
}

// ChainEntry is one link of an agent's chain with availability metadata,
// for the console UI.
type ChainEntry struct {
	Key         ModelKey      `json:"key"`
	DisplayName string        `json:"display_name"`
	Provider    provider.Name `json:"provider"`
	Available   bool          `json:"available"`
}

// AgentTierInfo describes one agent's routing under a context.
type AgentTierInfo struct {
	Chain       []ChainEntry `json:"chain"`
	ActiveIndex int          `json:"active_index"`
	ActiveModel ModelKey     `json:"active_model"`
	Enabled     bool         `json:"enabled"`
}

// TierInfo is the full routing picture for a context.
type TierInfo struct {
	Current Tier                        `json:"current"`
	Agents  map[AgentName]AgentTierInfo `json:"agents"`
}

// TierInfo builds routing introspection for every agent under a context.
func (r *Resolver) TierInfo(call CallContext) TierInfo {
	info := TierInfo{Current: r.tierOf(call), Agents: make(map[AgentName]AgentTierInfo, len(agentChains))}
	for _, agent := range Agents() {
		chain, _ := r.ActiveChain(agent, call)
		entries := make([]ChainEntry, 0, len(chain))
		activeIndex := 0
		for _, key := range chain {
			cfg := Catalog[key]
			entries = append(entries, ChainEntry{
				Key:         key,
				DisplayName: cfg.DisplayName,
				Provider:    cfg.Provider,
				Available:   r.avail.Available(cfg.Provider),
			})
		}
		for i, key := range chain {
			if r.avail.Available(Catalog[key].Provider) {
				activeIndex = i
				break
			}
		}
		info.Agents[agent] = AgentTierInfo{
			Chain:       entries,
			ActiveIndex: activeIndex,
			ActiveModel: chain[activeIndex],
			Enabled:     call.Enabled(agent),
		}
	}
	return info
}

// EstimateCost estimates the USD cost of one full pipeline run under a
// context, based on typical token counts per agent.
func (r *Resolver) EstimateCost(call CallContext) float64 {
	var total float64
	for _, agent := range Agents() {
		if !call.Enabled(agent) {
			continue
		}
		key, err := r.ActiveModel(agent, call)
		if err != nil {
			continue
		}
		tokens := typicalTokens[agent]
		total += Cost(key, tokens.input, tokens.output)
	}
	return total
}
