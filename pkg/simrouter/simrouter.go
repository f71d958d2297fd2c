// Package simrouter implements a multi-provider simulate() façade with
// health-scored ordering, timeout/fallback, a TTL-bounded result cache, and
// golang.org/x/sync/singleflight-based request coalescing for identical
// concurrent simulation requests.
package simrouter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Request is the simulate() input; its Fingerprint is the cache/coalescing
// key.
type Request struct {
	Chain            string
	From             string
	To               string
	Data             string
	Value            string
	GasLimit         uint64
	BlockTag         string
	StateOverrideKey string // pre-hashed state-overrides fingerprint, if any
}

// Fingerprint derives the cache/coalescing key: (chain, from, to, data,
// value, gasLimit, blockTag?, stateOverridesHash).
func (r Request) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s|%s", r.Chain, r.From, r.To, r.Data, r.Value, r.GasLimit, r.BlockTag, r.StateOverrideKey)
	return hex.EncodeToString(h.Sum(nil))
}

// Result is a provider's simulate() outcome.
type Result struct {
	Success      bool
	WouldRevert  bool
	RevertReason string
	GasUsed      uint64
	IsTimeout    bool
	IsProviderErr bool
	Error        error
}

// isTransportFailure reports whether Result represents a provider/transport
// failure (as opposed to a definitive would-revert answer), i.e. whether the
// router should consider falling back to the next provider.
func (r *Result) isTransportFailure() bool {
	return r.IsTimeout || r.IsProviderErr || (r.Error != nil && !r.Success && !r.WouldRevert)
}

// Health is a provider's self-reported health snapshot.
type Health struct {
	Healthy          bool
	SuccessRate      float64 // [0,1]
	AverageLatencyMs float64
}

// Metrics are a provider's rolling operational counters.
type Metrics struct {
	Total     uint64
	Successes uint64
	Failures  uint64
}

// Provider is one simulation backend (local Anvil fork, Tenderly, Alchemy,
// ...).
type Provider interface {
	Name() string
	Simulate(ctx context.Context, req Request) (*Result, error)
	GetHealth() Health
	GetMetrics() Metrics
	HealthCheck(ctx context.Context) error
}

// Config tunes the router's ordering, cache, and coalescing behaviour.
type Config struct {
	UseFallback             bool
	PerProviderTimeout      time.Duration
	CacheTTL                time.Duration
	CacheMaxEntries         int
	ProviderPriority        []string // tiebreaker order
	LatencyWeight           float64  // k in healthy AND (successRate - k*normalizedLatency)
	MinProfitForSimulation  decimal.Decimal
	BypassForTimeCritical   bool
	TimeCriticalThresholdMs int64
}

func (c Config) withDefaults() Config {
	if c.PerProviderTimeout <= 0 {
		c.PerProviderTimeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 2 * time.Second
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 1000
	}
	if c.LatencyWeight <= 0 {
		c.LatencyWeight = 0.001
	}
	return c
}

type cacheEntry struct {
	result   *Result
	expireAt time.Time
	seq      uint64
}

// Router scores, calls, caches, and coalesces simulate() across providers.
type Router struct {
	cfg       Config
	providers map[string]Provider
	order     []string

	mu       sync.Mutex
	cache    map[string]cacheEntry
	seq      uint64
	fallback uint64

	group singleflight.Group
}

// New builds a Router from a priority-ordered provider list.
func New(cfg Config, providers []Provider) *Router {
	cfg = cfg.withDefaults()
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providers)),
		cache:     make(map[string]cacheEntry),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// FallbackUsedCount returns how many simulate() calls fell back to a
// secondary provider.
func (r *Router) FallbackUsedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback
}

// ShouldSimulate reports whether a simulation is worth running at all: no
// providers, profit too small, or (when bypassForTimeCritical) the
// opportunity is already stale.
func (r *Router) ShouldSimulate(estProfitUsd decimal.Decimal, age time.Duration) bool {
	if len(r.providers) == 0 {
		return false
	}
	if estProfitUsd.LessThan(r.cfg.MinProfitForSimulation) {
		return false
	}
	if r.cfg.BypassForTimeCritical && age.Milliseconds() > r.cfg.TimeCriticalThresholdMs {
		return false
	}
	return true
}

// enabledByScore returns provider names ordered by
// healthy AND (successRate - k*normalizedLatency), with ProviderPriority as
// tiebreaker for equal scores.
func (r *Router) enabledByScore() []string {
	type scored struct {
		name  string
		score float64
	}
	var maxLatency float64
	for _, name := range r.order {
		h := r.providers[name].GetHealth()
		if h.AverageLatencyMs > maxLatency {
			maxLatency = h.AverageLatencyMs
		}
	}
	if maxLatency == 0 {
		maxLatency = 1
	}

	priorityIndex := make(map[string]int, len(r.cfg.ProviderPriority))
	for i, name := range r.cfg.ProviderPriority {
		priorityIndex[name] = i
	}

	var candidates []scored
	for _, name := range r.order {
		h := r.providers[name].GetHealth()
		if !h.Healthy {
			continue
		}
		normalizedLatency := h.AverageLatencyMs / maxLatency
		score := h.SuccessRate - r.cfg.LatencyWeight*normalizedLatency
		candidates = append(candidates, scored{name: name, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		pi, oki := priorityIndex[candidates[i].name]
		pj, okj := priorityIndex[candidates[j].name]
		if oki && okj {
			return pi < pj
		}
		return oki
	})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

// Simulate calls the top-scored provider with a per-provider timeout,
// falling back through the ordered list on transport failure (never on a
// definitive wouldRevert answer), consulting the cache first and
// coalescing concurrent identical requests.
func (r *Router) Simulate(ctx context.Context, req Request) (*Result, error) {
	fp := req.Fingerprint()

	if cached, ok := r.cacheGet(fp); ok {
		return cached, nil
	}

	v, err, _ := r.group.Do(fp, func() (interface{}, error) {
		defer r.group.Forget(fp)
		result, callErr := r.dispatch(ctx, req)
		if callErr == nil && result.Success && !result.WouldRevert {
			r.cachePut(fp, result)
		}
		return result, callErr
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Router) dispatch(ctx context.Context, req Request) (*Result, error) {
	ordered := r.enabledByScore()
	if len(ordered) == 0 {
		return nil, fmt.Errorf("simrouter: no healthy providers")
	}

	var last *Result
	for i, name := range ordered {
		provider := r.providers[name]
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.PerProviderTimeout)
		result, err := provider.Simulate(callCtx, req)
		cancel()

		if err != nil {
			result = &Result{IsProviderErr: true, Error: err}
		}
		if callCtx.Err() == context.DeadlineExceeded {
			result.IsTimeout = true
		}
		last = result

		if !result.isTransportFailure() {
			// definitive answer (success or wouldRevert) — stop here.
			return result, nil
		}
		if !r.cfg.UseFallback {
			return result, nil
		}
		if i < len(ordered)-1 {
			r.mu.Lock()
			r.fallback++
			r.mu.Unlock()
		}
	}
	return last, nil
}

func (r *Router) cacheGet(fp string) (*Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[fp]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expireAt) {
		delete(r.cache, fp)
		return nil, false
	}
	return entry.result, true
}

func (r *Router) cachePut(fp string, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.cache) >= int(float64(r.cfg.CacheMaxEntries)*0.8) {
		r.evictOldestLocked()
	}

	r.seq++
	r.cache[fp] = cacheEntry{result: result, expireAt: time.Now().Add(r.cfg.CacheTTL), seq: r.seq}
}

// evictOldestLocked must be called with r.mu held.
func (r *Router) evictOldestLocked() {
	var oldestKey string
	var oldestSeq uint64 = ^uint64(0)
	for k, v := range r.cache {
		if v.seq < oldestSeq {
			oldestSeq = v.seq
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// stateOverridesHash hashes an arbitrary state-overrides payload into a
// Request.StateOverrideKey.
func stateOverridesHash(overrides interface{}) string {
	if overrides == nil {
		return ""
	}
	b, err := json.Marshal(overrides)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StateOverrideKey is exported so callers building a Request can derive the
// same fingerprint component the router uses internally.
func StateOverrideKey(overrides interface{}) string {
	return stateOverridesHash(overrides)
}
