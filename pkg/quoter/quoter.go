// Package quoter batches multi-path quotes: it prefers an on-chain
// batch-quoter contract when one is configured for the chain, falling back
// to sequential per-router getAmountsOut calls that are tolerated to fail
// individually.
package quoter

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/arbexec/engine/internal/util"
	"github.com/arbexec/engine/pkg/contractclient"
)

// Metrics are the quoter's rolling operational counters.
type Metrics struct {
	Total            uint64
	Successes        uint64
	Failures         uint64
	FallbackUsed     uint64
	AverageLatencyMs float64
}

// Router is the minimal per-DEX router contract used in the fallback path:
// getAmountsOut(amountIn, path) -> amounts.
type Router interface {
	GetAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// BatchQuoterContract is the on-chain multi-path quoter, when configured
// for a chain.
type BatchQuoterContract interface {
	QuoteBatch(ctx context.Context, paths [][]common.Address, amountsIn []*big.Int) ([]*big.Int, error)
}

// Quoter batches multi-path quote requests, preferring an on-chain
// quoter contract and falling back to sequential router calls.
type Quoter struct {
	mu      sync.Mutex
	metrics Metrics
	latency *util.Ring[float64]

	onChain map[string]BatchQuoterContract // chain -> quoter contract
	routers map[string]Router              // dex name -> router
}

// New builds a Quoter. onChain entries are optional per chain; routers are
// required for the fallback path.
func New(onChain map[string]BatchQuoterContract, routers map[string]Router) *Quoter {
	return &Quoter{
		onChain: onChain,
		routers: routers,
		latency: util.NewRing[float64](100),
	}
}

// PathQuote is one path's quoted output amount, or the error it failed
// with — failures in the fallback path are per-path, not fatal to the
// batch.
type PathQuote struct {
	Path      []common.Address
	AmountOut *big.Int
	Err       error
}

// GetBatchedQuotes quotes every path for amountsIn[i] against path[i],
// using the chain's on-chain batch quoter when configured, otherwise
// falling back to sequential getAmountsOut calls via dex's router.
func (q *Quoter) GetBatchedQuotes(ctx context.Context, chain, dex string, paths [][]common.Address, amountsIn []*big.Int) []PathQuote {
	start := time.Now()
	success := false
	defer q.record(start)
	defer func() { q.recordOutcome(success) }()

	if len(paths) != len(amountsIn) {
		return []PathQuote{{Err: fmt.Errorf("quoter: paths and amountsIn length mismatch")}}
	}

	if onChain, ok := q.onChain[chain]; ok {
		amounts, err := onChain.QuoteBatch(ctx, paths, amountsIn)
		if err == nil && len(amounts) == len(paths) {
			out := make([]PathQuote, len(paths))
			for i := range paths {
				out[i] = PathQuote{Path: paths[i], AmountOut: amounts[i]}
			}
			success = true
			return out
		}
		// on-chain batch call failed wholesale — fall through to per-path.
	}

	q.mu.Lock()
	q.metrics.FallbackUsed++
	q.mu.Unlock()

	router, ok := q.routers[dex]
	if !ok {
		return []PathQuote{{Err: fmt.Errorf("quoter: no router configured for dex %q", dex)}}
	}

	out := make([]PathQuote, len(paths))
	for i, path := range paths {
		amounts, err := router.GetAmountsOut(ctx, amountsIn[i], path)
		if err != nil || len(amounts) == 0 {
			out[i] = PathQuote{Path: path, Err: err}
			continue
		}
		out[i] = PathQuote{Path: path, AmountOut: amounts[len(amounts)-1]}
		success = true
	}
	return out
}

// SimulateArbitragePath computes the profit of borrowing flashLoanAmount and
// routing it through path, net of the flash-loan fee: owed = amount +
// amount*feeBps/10000, profit = final - owed. Any failed hop clamps the
// result to zero profit.
func (q *Quoter) SimulateArbitragePath(ctx context.Context, dex string, path []common.Address, flashLoanAmount *big.Int, feeBps uint32) (*big.Int, error) {
	router, ok := q.routers[dex]
	if !ok {
		return nil, fmt.Errorf("quoter: no router configured for dex %q", dex)
	}

	amounts, err := router.GetAmountsOut(ctx, flashLoanAmount, path)
	if err != nil || len(amounts) == 0 {
		q.recordOutcome(false)
		return big.NewInt(0), nil
	}
	q.recordOutcome(true)

	final := amounts[len(amounts)-1]
	owed := flashLoanFeeOwed(flashLoanAmount, feeBps)
	profit := new(big.Int).Sub(final, owed)
	if profit.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return profit, nil
}

func flashLoanFeeOwed(amount *big.Int, feeBps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	return new(big.Int).Add(amount, fee)
}

// PathComparison ranks one candidate arbitrage path by its simulated net
// profit.
type PathComparison struct {
	Path   []common.Address
	Profit *big.Int
	Err    error
}

// CompareArbitragePaths simulates every path with its paired flash-loan
// amount and fee, returning results in input order (callers sort by
// Profit themselves — this just computes it).
func (q *Quoter) CompareArbitragePaths(ctx context.Context, dex string, paths [][]common.Address, amounts []*big.Int, feeBps uint32) []PathComparison {
	out := make([]PathComparison, len(paths))
	for i, path := range paths {
		profit, err := q.SimulateArbitragePath(ctx, dex, path, amounts[i], feeBps)
		out[i] = PathComparison{Path: path, Profit: profit, Err: err}
	}
	return out
}

// MetricsSnapshot returns a copy of the quoter's rolling counters.
func (q *Quoter) MetricsSnapshot() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.metrics
}

func (q *Quoter) recordOutcome(success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if success {
		q.metrics.Successes++
	} else {
		q.metrics.Failures++
	}
}

func (q *Quoter) record(start time.Time) {
	latencyMs := float64(time.Since(start).Milliseconds())
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics.Total++
	q.latency.Push(latencyMs)
	var sum float64
	for _, v := range q.latency.Values() {
		sum += v
	}
	if q.latency.Len() > 0 {
		q.metrics.AverageLatencyMs = sum / float64(q.latency.Len())
	}
}

// ContractBackedRouter adapts a contractclient.ContractClient bound to a
// V2-style router contract into the Router interface.
type ContractBackedRouter struct {
	Client *contractclient.ContractClient
}

// GetAmountsOut calls the bound router's getAmountsOut(amountIn, path).
func (r *ContractBackedRouter) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	values, err := r.Client.Call(contractclient.CallOpts(ctx, common.Address{}, nil), "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("quoter: getAmountsOut: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("quoter: empty getAmountsOut response")
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("quoter: unexpected getAmountsOut return shape")
	}
	return amounts, nil
}
