// Package risk implements the capital-risk components the initialization
// facade assembles: a per-strategy win-probability tracker, an EV
// calculator built on top of it, a position sizer, and a per-chain
// drawdown breaker.
package risk

import (
	"sync"
	"time"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/xerrors"
	"github.com/shopspring/decimal"
)

// ProbabilityTracker maintains a bounded, time-windowed win/loss histogram
// per strategy, independent of any other risk component so it stays usable
// even if EV/sizing/drawdown fail to initialize.
type ProbabilityTracker struct {
	mu         sync.Mutex
	window     time.Duration
	maxSamples int
	histograms map[string]*engine.WinProbabilityHistogram
}

// NewProbabilityTracker builds a tracker with the given window and
// per-strategy sample cap.
func NewProbabilityTracker(window time.Duration, maxSamples int) *ProbabilityTracker {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxSamples <= 0 {
		maxSamples = 500
	}
	return &ProbabilityTracker{
		window:     window,
		maxSamples: maxSamples,
		histograms: make(map[string]*engine.WinProbabilityHistogram),
	}
}

// Record appends a win/loss outcome for strategy.
func (t *ProbabilityTracker) Record(strategy string, win bool, profit decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.histograms[strategy]
	if !ok {
		h = &engine.WinProbabilityHistogram{Window: t.window, MaxLen: t.maxSamples}
		t.histograms[strategy] = h
	}
	h.Record(time.Now(), win, profit)
}

// WinProbability returns strategy's current online win-rate estimate, or
// 0.5 (no information) if it has never been recorded.
func (t *ProbabilityTracker) WinProbability(strategy string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.histograms[strategy]
	if !ok {
		return 0.5
	}
	return h.WinProbability()
}

// EVCalculator derives an expected-value gate from the probability
// tracker: EV = p*expectedProfit - (1-p)*expectedLoss.
type EVCalculator struct {
	tracker           *ProbabilityTracker
	assumedLossFactor decimal.Decimal // fraction of expectedProfit assumed lost on a miss
}

// NewEVCalculator builds a calculator reading from tracker.
func NewEVCalculator(tracker *ProbabilityTracker, assumedLossFactor decimal.Decimal) *EVCalculator {
	if assumedLossFactor.IsZero() {
		assumedLossFactor = decimal.NewFromFloat(0.5)
	}
	return &EVCalculator{tracker: tracker, assumedLossFactor: assumedLossFactor}
}

// ExpectedValue computes the EV of executing a strategy with the given
// expected profit.
func (e *EVCalculator) ExpectedValue(strategy string, expectedProfit decimal.Decimal) decimal.Decimal {
	p := decimal.NewFromFloat(e.tracker.WinProbability(strategy))
	loss := expectedProfit.Mul(e.assumedLossFactor)
	gain := p.Mul(expectedProfit)
	expectedLoss := decimal.NewFromInt(1).Sub(p).Mul(loss)
	return gain.Sub(expectedLoss)
}

// PositionSizer caps a trade's notional based on per-chain risk budget and
// the strategy's current win probability — a higher-confidence strategy is
// allowed a larger fraction of the budget.
type PositionSizer struct {
	mu           sync.Mutex
	chainBudgets map[string]decimal.Decimal
	tracker      *ProbabilityTracker
}

// NewPositionSizer builds a sizer with a per-chain notional budget.
func NewPositionSizer(chainBudgets map[string]decimal.Decimal, tracker *ProbabilityTracker) *PositionSizer {
	return &PositionSizer{chainBudgets: chainBudgets, tracker: tracker}
}

// MaxNotional returns the largest notional this chain/strategy pairing
// should be sized at right now.
func (s *PositionSizer) MaxNotional(chain, strategy string) decimal.Decimal {
	s.mu.Lock()
	budget, ok := s.chainBudgets[chain]
	s.mu.Unlock()
	if !ok {
		return decimal.Zero
	}
	p := decimal.NewFromFloat(s.tracker.WinProbability(strategy))
	return budget.Mul(p)
}

// DrawdownBreaker is a per-chain state machine over trailing loss: it
// tracks consecutive losses and a rolling drawdown percentage, escalating
// NORMAL -> CAUTION -> HALT as thresholds are crossed.
type DrawdownBreaker struct {
	mu              sync.Mutex
	cautionPct      decimal.Decimal
	haltPct         decimal.Decimal
	states          map[string]*engine.RiskState
	chainEquityPeak map[string]decimal.Decimal
	chainEquity     map[string]decimal.Decimal
}

// NewDrawdownBreaker builds a breaker with the given caution/halt drawdown
// thresholds (fractions, e.g. 0.05 = 5%).
func NewDrawdownBreaker(cautionPct, haltPct decimal.Decimal) *DrawdownBreaker {
	return &DrawdownBreaker{
		cautionPct:      cautionPct,
		haltPct:         haltPct,
		states:          make(map[string]*engine.RiskState),
		chainEquityPeak: make(map[string]decimal.Decimal),
		chainEquity:     make(map[string]decimal.Decimal),
	}
}

func (b *DrawdownBreaker) stateFor(chain string) *engine.RiskState {
	s, ok := b.states[chain]
	if !ok {
		s = &engine.RiskState{Chain: chain, Drawdown: engine.DrawdownNormal, WinHistogram: map[string]*engine.WinProbabilityHistogram{}}
		b.states[chain] = s
		b.chainEquityPeak[chain] = decimal.Zero
		b.chainEquity[chain] = decimal.Zero
	}
	return s
}

// RecordOutcome updates chain's drawdown state machine with the realized
// profit/loss of one execution.
func (b *DrawdownBreaker) RecordOutcome(chain string, profit decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateFor(chain)
	b.chainEquity[chain] = b.chainEquity[chain].Add(profit)
	if b.chainEquity[chain].GreaterThan(b.chainEquityPeak[chain]) {
		b.chainEquityPeak[chain] = b.chainEquity[chain]
	}

	if profit.IsNegative() {
		state.ConsecutiveLosses++
	} else {
		state.ConsecutiveLosses = 0
	}

	peak := b.chainEquityPeak[chain]
	if peak.IsPositive() {
		drawdown := peak.Sub(b.chainEquity[chain]).Div(peak)
		switch {
		case drawdown.GreaterThanOrEqual(b.haltPct):
			state.Drawdown = engine.DrawdownHalt
		case drawdown.GreaterThanOrEqual(b.cautionPct):
			state.Drawdown = engine.DrawdownCaution
		default:
			state.Drawdown = engine.DrawdownNormal
		}
	}
}

// State returns a copy of chain's current risk state.
func (b *DrawdownBreaker) State(chain string) engine.RiskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.stateFor(chain)
}

// Reset clears chain's drawdown state back to NORMAL, e.g. after a manual
// operator intervention.
func (b *DrawdownBreaker) Reset(chain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, chain)
	delete(b.chainEquityPeak, chain)
	delete(b.chainEquity, chain)
}

// Assessment is the orchestrator's verdict on whether an opportunity may
// proceed to strategy execution.
type Assessment struct {
	Allowed        bool
	RejectionCode  string
	ExpectedValue  decimal.Decimal
	MaxNotional    decimal.Decimal
}

// Orchestrator combines the four components into the single Assess call
// the pipeline makes before execution.
type Orchestrator struct {
	Tracker  *ProbabilityTracker
	EV       *EVCalculator
	Sizer    *PositionSizer
	Breaker  *DrawdownBreaker
	MinEV    decimal.Decimal
}

// Assess evaluates opp against drawdown state and the EV gate.
func (o *Orchestrator) Assess(opp engine.Opportunity) Assessment {
	state := o.Breaker.State(opp.BuyChain)
	if state.Drawdown == engine.DrawdownHalt {
		return Assessment{Allowed: false, RejectionCode: xerrors.New("risk", opp.BuyChain, "drawdown_halt").Error()}
	}

	strategy := string(opp.Kind)
	ev := o.EV.ExpectedValue(strategy, opp.ExpectedProfit)
	if ev.LessThan(o.MinEV) {
		return Assessment{Allowed: false, RejectionCode: xerrors.New("risk", opp.BuyChain, "ev_below_threshold").Error(), ExpectedValue: ev}
	}

	maxNotional := o.Sizer.MaxNotional(opp.BuyChain, strategy)
	if state.Drawdown == engine.DrawdownCaution {
		maxNotional = maxNotional.Div(decimal.NewFromInt(2))
	}

	return Assessment{Allowed: true, ExpectedValue: ev, MaxNotional: maxNotional}
}

// RecordResult feeds an execution's outcome back into the tracker and
// breaker — the only writers of risk state, and only after a definitive
// outcome.
func (o *Orchestrator) RecordResult(opp engine.Opportunity, win bool, profit decimal.Decimal) {
	o.Tracker.Record(string(opp.Kind), win, profit)
	o.Breaker.RecordOutcome(opp.BuyChain, profit)
}
