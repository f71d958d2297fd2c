// Package gasoptimizer maintains a chain-aware gas price baseline with an
// exponential moving average, a bounded sample ring, and spike rejection
// on the refresh-before-submission path.
package gasoptimizer

import (
	"context"
	"math"
	"math/big"
	"sort"
	"sync"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/util"
	"github.com/arbexec/engine/internal/xerrors"
)

const (
	ringCapacity       = 50
	emaAlpha           = 0.2
	safetyMultiplier   = 2.5
	spikeFailFactor    = 1.5
	spikeWarnFactor    = 1.2
	minSamplesForEMA   = 3
)

// FeeDataProvider is the subset of a chain RPC client needed to fetch a
// current gas price; satisfied by *ethclient.Client's SuggestGasPrice.
type FeeDataProvider interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ChainLimits are the hard min/max floors a chain's gas price is clamped
// against; L2s configure much lower bounds than L1s.
type ChainLimits struct {
	MinGwei      float64
	MaxGwei      float64
	FallbackGwei float64
}

type chainState struct {
	mu      sync.Mutex
	ring    *util.Ring[engine.GasBaselineEntry]
	ema     float64
	hasEMA  bool
}

// WarnFunc is invoked when a refreshed price crosses the warn (but not fail)
// spike threshold, letting the caller route it through its own logger.
type WarnFunc func(chain string, prevGwei, newGwei float64)

// Optimizer tracks a per-chain gas baseline and exposes validate/refresh
// operations used by the pipeline before submitting a transaction.
type Optimizer struct {
	mu     sync.RWMutex
	limits map[string]ChainLimits
	state  map[string]*chainState
	onWarn WarnFunc
}

// New builds an Optimizer with a hard limit table per chain.
func New(limits map[string]ChainLimits, onWarn WarnFunc) *Optimizer {
	return &Optimizer{
		limits: limits,
		state:  make(map[string]*chainState),
		onWarn: onWarn,
	}
}

func (o *Optimizer) stateFor(chain string) *chainState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.state[chain]
	if !ok {
		s = &chainState{ring: util.NewRing[engine.GasBaselineEntry](ringCapacity)}
		o.state[chain] = s
	}
	return s
}

// ValidateGasPrice clamps gwei to the chain's configured [min, max] floor;
// NaN is treated as "use the minimum".
func (o *Optimizer) ValidateGasPrice(chain string, gwei float64) float64 {
	limits := o.limitsFor(chain)
	if math.IsNaN(gwei) {
		return limits.MinGwei
	}
	if gwei < limits.MinGwei {
		return limits.MinGwei
	}
	if limits.MaxGwei > 0 && gwei > limits.MaxGwei {
		return limits.MaxGwei
	}
	return gwei
}

func (o *Optimizer) limitsFor(chain string) ChainLimits {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.limits[chain]
}

// UpdateBaseline appends a new price sample to chain's ring and updates its
// EMA. A zero price is ignored — it carries no information.
func (o *Optimizer) UpdateBaseline(chain string, priceWei *big.Int) {
	if priceWei == nil || priceWei.Sign() == 0 {
		return
	}
	gwei := weiToGwei(priceWei)

	s := o.stateFor(chain)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring.Push(engine.GasBaselineEntry{PriceWei: new(big.Int).Set(priceWei)})
	if !s.hasEMA {
		s.ema = gwei
		s.hasEMA = true
	} else {
		s.ema = emaAlpha*gwei + (1-emaAlpha)*s.ema
	}
}

// GetBaseline returns the chain's current baseline gwei: the EMA once
// established; with fewer than three samples the simple average scaled by a
// safety multiplier; otherwise the sample median.
func (o *Optimizer) GetBaseline(chain string) float64 {
	s := o.stateFor(chain)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEMA {
		return s.ema
	}

	samples := s.ring.Values()
	if len(samples) == 0 {
		return 0
	}
	if len(samples) < minSamplesForEMA {
		return average(samples) * safetyMultiplier
	}
	return median(samples)
}

// GetOptimalGasPrice asks provider for the current fee data, falling back to
// the chain's configured fallback price on any error or nil provider.
func (o *Optimizer) GetOptimalGasPrice(ctx context.Context, chain string, provider FeeDataProvider) *big.Int {
	limits := o.limitsFor(chain)
	fallback := gweiToWei(limits.FallbackGwei)

	if provider == nil {
		return fallback
	}
	price, err := provider.SuggestGasPrice(ctx)
	if err != nil || price == nil {
		return fallback
	}
	return price
}

// RefreshForSubmission re-fetches the current price just before submission
// and enforces spike protection: refuses with ErrGasSpike at >= 1.5x the
// previously-quoted price, warns at >= 1.2x, and falls back to prevPrice on
// any provider error or nil fee data.
func (o *Optimizer) RefreshForSubmission(ctx context.Context, chain string, provider FeeDataProvider, prevPrice *big.Int) (*big.Int, error) {
	if provider == nil {
		return prevPrice, nil
	}
	current, err := provider.SuggestGasPrice(ctx)
	if err != nil || current == nil {
		return prevPrice, nil
	}

	prevGwei := weiToGwei(prevPrice)
	currentGwei := weiToGwei(current)

	if prevGwei > 0 && currentGwei >= prevGwei*spikeFailFactor {
		return nil, xerrors.Wrap("gas-optimizer", chain, "gas_spike", xerrors.ErrGasSpike)
	}
	if prevGwei > 0 && currentGwei >= prevGwei*spikeWarnFactor && o.onWarn != nil {
		o.onWarn(chain, prevGwei, currentGwei)
	}
	return current, nil
}

func average(samples []engine.GasBaselineEntry) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += weiToGwei(s.PriceWei)
	}
	return sum / float64(len(samples))
}

func median(samples []engine.GasBaselineEntry) float64 {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = weiToGwei(s.PriceWei)
	}
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

var weiPerGwei = big.NewFloat(1e9)

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, weiPerGwei)
	v, _ := f.Float64()
	return v
}

func gweiToWei(gwei float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(gwei), weiPerGwei)
	out, _ := f.Int(nil)
	return out
}
