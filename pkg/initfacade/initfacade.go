// Package initfacade implements the one-time, mutex-guarded startup
// sequence for MEV providers, capital-risk components, and bridge routing.
// The "only one concurrent invocation" guarantee uses the same
// golang.org/x/sync/singleflight idiom the simulation router uses for
// request coalescing.
package initfacade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/arbexec/engine/pkg/bridgerouter"
	"github.com/arbexec/engine/pkg/mevprovider"
	"github.com/arbexec/engine/pkg/risk"
)

// ChainSettings describes the per-chain inputs the MEV sub-initializer
// needs: whether this chain is configured at all, whether it has both a
// wallet and a provider endpoint, whether MEV submission is disabled for
// it, and which strategy it uses.
type ChainSettings struct {
	Chain         string
	HasWallet     bool
	HasProvider   bool
	Disabled      bool
	Strategy      mevprovider.Strategy
}

// Config holds every input the facade's three sub-initializers need.
type Config struct {
	MEVGloballyDisabled bool
	Chains              []ChainSettings

	RiskDisabled      bool
	RiskForceEnabled  bool
	Production        bool
	ValidateRiskConfig func() error // optional; nil skips validation

	ProbabilityWindow     time.Duration
	ProbabilityMaxSamples int
	AssumedLossFactor     decimal.Decimal
	ChainRiskBudgets      map[string]decimal.Decimal
	MinEV                 decimal.Decimal
	CautionDrawdownPct    decimal.Decimal
	HaltDrawdownPct       decimal.Decimal

	BridgeProtocols []bridgerouter.Protocol

	CreateMEVProvider mevprovider.CreateFunc
}

// MEVResult is the MEV sub-initializer's outcome.
type MEVResult struct {
	Disabled      bool
	Success       bool
	Error         string
	Factory       *mevprovider.Factory
	FailedChains  []string
	SkippedChains []string
	FailureReasons map[string]string
}

// RiskResult is the risk sub-initializer's outcome.
type RiskResult struct {
	Disabled     bool
	Orchestrator *risk.Orchestrator
}

// BridgeResult is the bridge sub-initializer's outcome.
type BridgeResult struct {
	Router               *bridgerouter.Router
	AvailableProtocols    []bridgerouter.Protocol
	ChainKeys             []string
}

// Result is the facade's overall outcome — always populated with whatever
// partial results were produced, even on failure, for diagnostics.
type Result struct {
	Success bool
	Error   string
	MEV     MEVResult
	Risk    RiskResult
	Bridge  BridgeResult
}

// Facade runs the ordered MEV -> risk -> bridge sub-initializer sequence
// exactly once, guarded against concurrent and repeat invocation.
type Facade struct {
	group singleflight.Group

	mu          sync.Mutex
	initialized bool
	lastResult  Result
}

// New builds an uninitialized Facade.
func New() *Facade {
	return &Facade{}
}

// Initialize runs the one-time startup sequence. Concurrent callers
// coalesce onto the single in-flight attempt via singleflight. Calling
// again after a successful Initialize fails with "already initialized"
// unless Reset has been called first.
func (f *Facade) Initialize(ctx context.Context, cfg Config) (Result, error) {
	f.mu.Lock()
	if f.initialized {
		f.mu.Unlock()
		return f.lastResult, fmt.Errorf("initfacade:all:already_initialized")
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do("init", func() (interface{}, error) {
		result := f.run(ctx, cfg)

		f.mu.Lock()
		f.lastResult = result
		f.initialized = result.Success
		f.mu.Unlock()

		if !result.Success {
			return result, fmt.Errorf("initfacade:all:%s", result.Error)
		}
		return result, nil
	})

	return v.(Result), err
}

func (f *Facade) run(ctx context.Context, cfg Config) Result {
	mevResult := initMEV(ctx, cfg)
	if !mevResult.Disabled && !mevResult.Success {
		return Result{Success: false, Error: mevResult.Error, MEV: mevResult}
	}

	riskResult, err := initRisk(cfg)
	if err != nil {
		return Result{Success: false, Error: err.Error(), MEV: mevResult, Risk: riskResult}
	}

	bridgeResult, err := initBridge(mevResult, cfg)
	if err != nil {
		return Result{Success: false, Error: err.Error(), MEV: mevResult, Risk: riskResult, Bridge: bridgeResult}
	}

	return Result{Success: true, MEV: mevResult, Risk: riskResult, Bridge: bridgeResult}
}

func initMEV(ctx context.Context, cfg Config) MEVResult {
	if cfg.MEVGloballyDisabled {
		return MEVResult{Disabled: true, Success: true}
	}

	factory := mevprovider.NewFactory(cfg.CreateMEVProvider)
	var failedChains, skippedChains []string
	failureReasons := make(map[string]string)
	attempted := 0

	for _, chain := range cfg.Chains {
		if !chain.HasWallet || !chain.HasProvider {
			skippedChains = append(skippedChains, chain.Chain)
			continue
		}
		if chain.Disabled {
			skippedChains = append(skippedChains, chain.Chain)
			continue
		}
		if chain.Strategy == mevprovider.StrategyJito {
			skippedChains = append(skippedChains, chain.Chain)
			continue
		}

		attempted++
		if err := factory.CreateProviderAsync(ctx, chain.Chain, chain.Strategy); err != nil {
			failedChains = append(failedChains, chain.Chain)
			failureReasons[chain.Chain] = err.Error()
			continue
		}
		if !factory.IsCached(chain.Chain) {
			failedChains = append(failedChains, chain.Chain)
			failureReasons[chain.Chain] = fmt.Errorf("mev:%s:provider_not_cached", chain.Chain).Error()
		}
	}

	if attempted > 0 && len(failedChains) == attempted {
		return MEVResult{
			Success:        false,
			Error:          fmt.Sprintf("mev:all_providers_failed:%d_attempted", attempted),
			Factory:        factory,
			FailedChains:   failedChains,
			SkippedChains:  skippedChains,
			FailureReasons: failureReasons,
		}
	}

	return MEVResult{
		Success:        true,
		Factory:        factory,
		FailedChains:   failedChains,
		SkippedChains:  skippedChains,
		FailureReasons: failureReasons,
	}
}

func initRisk(cfg Config) (RiskResult, error) {
	if cfg.RiskDisabled && !cfg.RiskForceEnabled {
		return RiskResult{Disabled: true}, nil
	}

	if cfg.ValidateRiskConfig != nil {
		if err := cfg.ValidateRiskConfig(); err != nil {
			if cfg.Production {
				return RiskResult{}, fmt.Errorf("risk:config:validation_failed: %w", err)
			}
			// non-production: the validation error is discarded and
			// initialization continues; the facade has no logger, so no
			// warning is emitted.
		}
	}

	tracker := risk.NewProbabilityTracker(cfg.ProbabilityWindow, cfg.ProbabilityMaxSamples)
	evCalc := risk.NewEVCalculator(tracker, cfg.AssumedLossFactor)
	sizer := risk.NewPositionSizer(cfg.ChainRiskBudgets, tracker)
	breaker := risk.NewDrawdownBreaker(cfg.CautionDrawdownPct, cfg.HaltDrawdownPct)

	orchestrator := &risk.Orchestrator{
		Tracker: tracker,
		EV:      evCalc,
		Sizer:   sizer,
		Breaker: breaker,
		MinEV:   cfg.MinEV,
	}

	return RiskResult{Orchestrator: orchestrator}, nil
}

func initBridge(mevResult MEVResult, cfg Config) (BridgeResult, error) {
	if mevResult.Factory == nil || len(mevResult.Factory.Chains()) == 0 {
		return BridgeResult{}, fmt.Errorf("bridge-router:no_providers_available")
	}

	router, err := bridgerouter.NewRouter(mevResult.Factory, cfg.BridgeProtocols)
	if err != nil {
		return BridgeResult{}, err
	}

	return BridgeResult{
		Router:             router,
		AvailableProtocols: router.AvailableProtocols(),
		ChainKeys:          router.ChainKeys(),
	}, nil
}

// Reset drains owned MEV/risk/bridge resources and flips the initialized
// flag back to false, allowing a subsequent Initialize call to run fresh.
// The facade owns this cleanup rather than leaving it to the caller, so
// resources never leak across a reset.
func (f *Facade) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.lastResult.MEV.Factory != nil {
		err = f.lastResult.MEV.Factory.Close()
	}

	f.initialized = false
	f.lastResult = Result{}
	return err
}

// IsInitialized reports whether the facade has completed a successful
// Initialize call since construction or the last Reset.
func (f *Facade) IsInitialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// LastResult returns the most recent Initialize outcome, including partial
// results from a failed attempt, for diagnostics.
func (f *Facade) LastResult() Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastResult
}
