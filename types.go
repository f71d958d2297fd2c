// Package engine defines the data model shared by every component of the
// cross-DEX arbitrage execution core: opportunities arriving from the bus,
// the pool/pair state the simulator reasons about, and the results the
// pipeline publishes back.
package engine

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// OpportunityKind enumerates the arbitrage shapes the pipeline accepts.
type OpportunityKind string

const (
	KindIntraChain  OpportunityKind = "intra-chain"
	KindCrossChain  OpportunityKind = "cross-chain"
	KindFlashLoan   OpportunityKind = "flash-loan"
	KindBackrun     OpportunityKind = "backrun"
	KindUniswapX    OpportunityKind = "uniswapx"
	KindStatistical OpportunityKind = "statistical"
	KindSimulation  OpportunityKind = "simulation"
)

// Opportunity is a candidate arbitrage trade as emitted by a detector onto
// the bus. The pipeline owns it only for the duration of execution.
type Opportunity struct {
	ID             string          `json:"id"`
	Kind           OpportunityKind `json:"kind"`
	BuyChain       string          `json:"buyChain"`
	SellChain      string          `json:"sellChain,omitempty"`
	BuyDex         string          `json:"buyDex"`
	SellDex        string          `json:"sellDex"`
	Path           []string        `json:"path"`
	ExpectedProfit decimal.Decimal `json:"expectedProfit"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Pool is a liquidity venue indexed both by address and by canonical token
// pair. Canonicalization happens in the index builder, not here.
type Pool struct {
	Address     common.Address
	Dex         string
	Token0      common.Address
	Token1      common.Address
	FeeBps      uint32
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	LastUpdate  time.Time
}

// PendingSwapIntent is a mempool-observed swap the simulator replays against
// the local fork to predict post-swap reserves.
type PendingSwapIntent struct {
	TxHash              common.Hash
	Router              common.Address
	DexKind             string
	TokenIn             common.Address
	TokenOut            common.Address
	AmountIn            *big.Int
	ExpectedAmountOut   *big.Int
	Path                []common.Address
	SlippageTolerance   float64
	Deadline            time.Time
	Sender              common.Address
	GasPrice            *big.Int
	GasLimit            uint64
	Nonce               uint64
	ChainID             *big.Int
	FeeBps              *uint32
	IsNativeInput       bool
}

// GasBaselineEntry is one sample in a chain's bounded gas-price ring.
type GasBaselineEntry struct {
	PriceWei  *big.Int
	Timestamp time.Time
}

// LockRecord mirrors the distributed lock store's record shape: at most one
// holder per resource, valid while now < AcquiredAt+TTL.
type LockRecord struct {
	Resource   string
	Holder     string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Valid reports whether the lock record has not yet expired.
func (l LockRecord) Valid(now time.Time) bool {
	return now.Before(l.AcquiredAt.Add(l.TTL))
}

// ExecutionResult is published back to the bus once an opportunity's fate is
// decided.
type ExecutionResult struct {
	OpportunityID string           `json:"opportunityId"`
	Success       bool             `json:"success"`
	ActualProfit  *decimal.Decimal `json:"actualProfit,omitempty"`
	GasCost       *big.Int         `json:"gasCost,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// DrawdownState is the per-chain risk state machine's current mode.
type DrawdownState string

const (
	DrawdownNormal  DrawdownState = "NORMAL"
	DrawdownCaution DrawdownState = "CAUTION"
	DrawdownHalt    DrawdownState = "HALT"
)

// RiskState is one chain's drawdown state and consecutive-loss count.
// DrawdownBreaker leaves WinHistogram empty; the per-strategy win-probability
// histograms are kept by risk.ProbabilityTracker.
type RiskState struct {
	Chain             string
	Drawdown          DrawdownState
	ConsecutiveLosses int
	WinHistogram      map[string]*WinProbabilityHistogram
}

// WinProbabilityHistogram is a bounded, time-windowed record of outcomes for
// one strategy, used to derive an online win-probability estimate.
type WinProbabilityHistogram struct {
	Window  time.Duration
	Outcome []HistogramEntry
	MaxLen  int
}

// HistogramEntry is one recorded execution outcome.
type HistogramEntry struct {
	At   time.Time
	Win  bool
	Meta decimal.Decimal
}

// Record appends an outcome, evicting the oldest entry once MaxLen is
// exceeded and dropping anything older than Window relative to now.
func (h *WinProbabilityHistogram) Record(now time.Time, win bool, meta decimal.Decimal) {
	h.Outcome = append(h.Outcome, HistogramEntry{At: now, Win: win, Meta: meta})
	cutoff := now.Add(-h.Window)
	kept := h.Outcome[:0]
	for _, e := range h.Outcome {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	h.Outcome = kept
	if h.MaxLen > 0 && len(h.Outcome) > h.MaxLen {
		h.Outcome = h.Outcome[len(h.Outcome)-h.MaxLen:]
	}
}

// WinProbability returns the fraction of recorded outcomes that were wins, or
// 0.5 (no information) when the histogram is empty.
func (h *WinProbabilityHistogram) WinProbability() float64 {
	if len(h.Outcome) == 0 {
		return 0.5
	}
	wins := 0
	for _, e := range h.Outcome {
		if e.Win {
			wins++
		}
	}
	return float64(wins) / float64(len(h.Outcome))
}

// ProviderHealth is the Provider Service's per-chain health snapshot.
type ProviderHealth struct {
	Healthy             bool
	LastCheck           time.Time
	ConsecutiveFailures int
	AverageLatencyMs    float64
	SuccessRate         float64
}
