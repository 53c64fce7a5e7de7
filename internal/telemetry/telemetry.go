// Package telemetry tracks pipeline health and model spend. Metrics are
// exported through Prometheus; cost totals are additionally kept in
// process for the console endpoints.
package telemetry

import (
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/provider"
)

// Telemetry aggregates prometheus collectors and the cost tracker.
type Telemetry struct {
	logger *log.Logger
	costs  *CostTracker

	phaseTotal    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	providerCalls *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runsTotal     *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer
// in production; tests use a private registry.
func New(reg prometheus.Registerer, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	t := &Telemetry{
		logger: logger,
		costs:  NewCostTracker(),
		phaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_phase_total",
			Help: "Pipeline phase outcomes.",
		}, []string{"phase", "status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipe_phase_duration_seconds",
			Help:    "Pipeline phase wall time.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"phase"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_provider_calls_total",
			Help: "Model calls by provider and fallback use.",
		}, []string{"provider", "model_key", "fallback"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_cost_usd_total",
			Help: "Estimated model spend in USD.",
		}, []string{"provider"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipe_runs_active",
			Help: "Pipeline runs currently executing.",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_runs_total",
			Help: "Pipeline run outcomes.",
		}, []string{"status"}),
	}
	reg.MustRegister(t.phaseTotal, t.phaseDuration, t.providerCalls, t.tokensTotal, t.costTotal, t.runsActive, t.runsTotal)
	return t
}

// ObserveAgentCall records accounting for one successful model call.
func (t *Telemetry) ObserveAgentCall(agent models.AgentName, key models.ModelKey, usedFallback bool, res *provider.CallResult) {
	cost := models.Cost(key, res.InputTokens, res.OutputTokens)
	t.providerCalls.WithLabelValues(string(res.Provider), string(key), strconv.FormatBool(usedFallback)).Inc()
	t.tokensTotal.WithLabelValues(string(res.Provider), "input").Add(float64(res.InputTokens))
	t.tokensTotal.WithLabelValues(string(res.Provider), "output").Add(float64(res.OutputTokens))
	t.costTotal.WithLabelValues(string(res.Provider)).Add(cost)
	t.costs.Record(agent, key, res.InputTokens, res.OutputTokens, cost)
	t.logger.Printf("%s call %s in=%d out=%d cost=$%.5f fallback=%v",
		agent, key, res.InputTokens, res.OutputTokens, cost, usedFallback)
}

// ObservePhase records a phase outcome. status is one of running's
// terminal states: done, error, cached, skipped.
func (t *Telemetry) ObservePhase(phase string, status string, d time.Duration) {
	t.phaseTotal.WithLabelValues(phase, status).Inc()
	if d > 0 {
		t.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// RunStarted marks a pipeline run as active.
func (t *Telemetry) RunStarted() { t.runsActive.Inc() }

// RunFinished marks a run complete with its terminal status.
func (t *Telemetry) RunFinished(status string) {
	t.runsActive.Dec()
	t.runsTotal.WithLabelValues(status).Inc()
}

// Costs exposes the process-local cost tracker.
func (t *Telemetry) Costs() *CostTracker { return t.costs }

// CostTracker keeps per-model spend totals in memory.
type CostTracker struct {
	mu      sync.RWMutex
	byModel map[models.ModelKey]*ModelSpend
	total   float64
}

// ModelSpend is the accumulated usage of one model.
type ModelSpend struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ModelSpendEntry pairs a model key with its spend, for sorted snapshots.
type ModelSpendEntry struct {
	Key   models.ModelKey `json:"key"`
	Spend ModelSpend      `json:"spend"`
}

func NewCostTracker() *CostTracker {
	return &CostTracker{byModel: make(map[models.ModelKey]*ModelSpend)}
}

// Record adds one call's usage.
func (c *CostTracker) Record(agent models.AgentName, key models.ModelKey, inputTokens, outputTokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spend, ok := c.byModel[key]
	if !ok {
		spend = &ModelSpend{}
		c.byModel[key] = spend
	}
	spend.Calls++
	spend.InputTokens += inputTokens
	spend.OutputTokens += outputTokens
	spend.CostUSD += cost
	c.total += cost
}

// Total returns the accumulated spend in USD.
func (c *CostTracker) Total() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Snapshot returns per-model spend sorted by cost, highest first.
func (c *CostTracker) Snapshot() []ModelSpendEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelSpendEntry, 0, len(c.byModel))
	for key, spend := range c.byModel {
		out = append(out, ModelSpendEntry{Key: key, Spend: *spend})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spend.CostUSD > out[j].Spend.CostUSD })
	return out
}
