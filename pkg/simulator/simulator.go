// Package simulator takes a pending swap intent observed in the mempool,
// replays it against the local Anvil fork, and predicts the resulting
// reserves of pools of interest.
package simulator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/util"
	"github.com/arbexec/engine/pkg/fork"
)

const (
	maxPoolsPerQuery     = 8
	defaultSyntheticFund = "1000000000000000000000" // 1000 ETH, wei
	maxSnapshotBatch     = 10 * time.Second
)

// Swap event topics used to locate the amount-out word in a receipt's logs.
var (
	v2SwapTopicHash = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")
	v3SwapTopic     = common.HexToHash("0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67")
)

const v2RouterABI = `[
{"name":"swapExactTokensForTokens","type":"function","inputs":[
 {"name":"amountIn","type":"uint256"},
 {"name":"amountOutMin","type":"uint256"},
 {"name":"path","type":"address[]"},
 {"name":"to","type":"address"},
 {"name":"deadline","type":"uint256"}],
 "outputs":[{"name":"amounts","type":"uint256[]"}]},
{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[
 {"name":"amountOutMin","type":"uint256"},
 {"name":"path","type":"address[]"},
 {"name":"to","type":"address"},
 {"name":"deadline","type":"uint256"}],
 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const v3RouterABI = `[
{"name":"exactInputSingle","type":"function","inputs":[{"name":"params","type":"tuple","components":[
 {"name":"tokenIn","type":"address"},
 {"name":"tokenOut","type":"address"},
 {"name":"fee","type":"uint24"},
 {"name":"recipient","type":"address"},
 {"name":"deadline","type":"uint256"},
 {"name":"amountIn","type":"uint256"},
 {"name":"amountOutMinimum","type":"uint256"},
 {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
 "outputs":[{"name":"amountOut","type":"uint256"}]},
{"name":"exactInput","type":"function","inputs":[{"name":"params","type":"tuple","components":[
 {"name":"path","type":"bytes"},
 {"name":"recipient","type":"address"},
 {"name":"deadline","type":"uint256"},
 {"name":"amountIn","type":"uint256"},
 {"name":"amountOutMinimum","type":"uint256"}]}],
 "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// DexKind enumerates the router shapes this simulator knows how to encode.
type DexKind string

const (
	DexV2       DexKind = "v2"
	DexV3Single DexKind = "v3-single"
	DexV3Multi  DexKind = "v3-multi"
)

// Result is the outcome of one simulated swap.
type Result struct {
	Success        bool
	RevertReason   string
	Error          error
	LatencyMs      int64
	AmountOut      *big.Int
	ExecutionPrice *big.Float // amountOut * 1e18 / amountIn
	Reserves       map[common.Address][2]*big.Int
}

// Simulator replays pending swap intents against a shared fork and predicts
// post-swap reserves for pools of interest.
type Simulator struct {
	fork *fork.Manager

	v2ABI abi.ABI
	v3ABI abi.ABI

	mu        sync.RWMutex
	poolIndex map[string][]common.Address // canonical token pair -> pool addresses
}

// New builds a Simulator bound to fork, indexing pools once up front so
// DetectAffectedPools is O(1) per lookup on the hot path.
func New(forkManager *fork.Manager, pools []engine.Pool) (*Simulator, error) {
	v2ABI, err := abi.JSON(strings.NewReader(v2RouterABI))
	if err != nil {
		return nil, fmt.Errorf("simulator: parse v2 router ABI: %w", err)
	}
	v3ABI, err := abi.JSON(strings.NewReader(v3RouterABI))
	if err != nil {
		return nil, fmt.Errorf("simulator: parse v3 router ABI: %w", err)
	}

	s := &Simulator{
		fork:      forkManager,
		v2ABI:     v2ABI,
		v3ABI:     v3ABI,
		poolIndex: make(map[string][]common.Address),
	}
	for _, p := range pools {
		s.indexPool(p.Token0, p.Token1, p.Address)
	}
	return s, nil
}

func canonicalPairKey(a, b common.Address) string {
	lo, hi := strings.ToLower(a.Hex()), strings.ToLower(b.Hex())
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo + ":" + hi
}

func (s *Simulator) indexPool(token0, token1, pool common.Address) {
	key := canonicalPairKey(token0, token1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poolIndex[key] = append(s.poolIndex[key], pool)
}

// DetectAffectedPools returns every pool registered under the intent's
// token pair and under each consecutive pair of its Path, without
// duplicates, via O(1) index lookups — no linear scan of the pool set.
func (s *Simulator) DetectAffectedPools(intent engine.PendingSwapIntent) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address

	add := func(a, b common.Address) {
		s.mu.RLock()
		pools := s.poolIndex[canonicalPairKey(a, b)]
		s.mu.RUnlock()
		for _, p := range pools {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}

	add(intent.TokenIn, intent.TokenOut)
	for i := 0; i+1 < len(intent.Path); i++ {
		add(intent.Path[i], intent.Path[i+1])
	}
	return out
}

// Simulate applies intent against a borrowed fork snapshot, predicts
// reserves for pools, then reverts — refilling the snapshot pool. The
// whole call is wrapped in a cancellable timeout, cancelled on every exit
// path.
func (s *Simulator) Simulate(ctx context.Context, intent engine.PendingSwapIntent, pools []common.Address, timeout time.Duration) *Result {
	to := util.NewCancellableTimeout(ctx, timeout)
	defer to.Cancel()
	return s.simulateOnCtx(to.Context(), intent, pools)
}

func (s *Simulator) simulateOnCtx(ctx context.Context, intent engine.PendingSwapIntent, pools []common.Address) *Result {
	start := time.Now()

	snapshotID, err := s.fork.CreateSnapshot(ctx)
	if err != nil {
		return &Result{Error: fmt.Errorf("simulator: borrow snapshot: %w", err), LatencyMs: elapsedMs(start)}
	}

	result := s.execute(ctx, intent, pools)
	result.LatencyMs = elapsedMs(start)

	if err := s.fork.RevertToSnapshot(ctx, snapshotID); err != nil {
		// a snapshot release failure is discarded and not reported in the
		// Result; the borrowed snapshot is simply lost from the pool.
		_ = err
	}

	return result
}

func (s *Simulator) execute(ctx context.Context, intent engine.PendingSwapIntent, pools []common.Address) *Result {
	calldata, to, value, err := s.encodeCalldata(intent)
	if err != nil {
		return &Result{Error: err}
	}

	if err := s.fork.ImpersonateAccount(ctx, intent.Sender, syntheticBalance()); err != nil {
		return &Result{Error: fmt.Errorf("simulator: impersonate: %w", err)}
	}
	defer s.fork.StopImpersonating(ctx, intent.Sender)

	txArgs := map[string]interface{}{
		"from": intent.Sender.Hex(),
		"to":   to.Hex(),
		"data": "0x" + common.Bytes2Hex(calldata),
	}
	if value != nil && value.Sign() > 0 {
		txArgs["value"] = "0x" + value.Text(16)
	}

	txHash, err := s.fork.SendImpersonatedTx(ctx, txArgs)
	if err != nil {
		return &Result{Success: false, RevertReason: extractRevert(err.Error()), Error: err}
	}

	if err := s.fork.MineBlock(ctx); err != nil {
		return &Result{Error: fmt.Errorf("simulator: mine block: %w", err)}
	}

	receipt, err := s.fork.Receipt(ctx, txHash)
	if err != nil {
		return &Result{Error: fmt.Errorf("simulator: fetch receipt: %w", err)}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &Result{Success: false, RevertReason: "execution reverted"}
	}

	amountOut := parseSwapAmountOut(receipt.Logs, intent.TokenOut)
	var execPrice *big.Float
	if amountOut != nil && intent.AmountIn != nil && intent.AmountIn.Sign() > 0 {
		execPrice = new(big.Float).Quo(
			new(big.Float).Mul(new(big.Float).SetInt(amountOut), big.NewFloat(1e18)),
			new(big.Float).SetInt(intent.AmountIn),
		)
	}

	reserves := s.queryReserves(ctx, pools)

	return &Result{
		Success:        true,
		AmountOut:      amountOut,
		ExecutionPrice: execPrice,
		Reserves:       reserves,
	}
}

// BatchItem pairs one intent with the pools its simulation should read.
type BatchItem struct {
	Intent engine.PendingSwapIntent
	Pools  []common.Address
}

// SimulateBatch replays intents sequentially under a single enclosing
// snapshot, applying each in turn without reverting between them (so later
// intents in the batch see earlier ones' effects), then reverts once at the
// end. Total timeout is min(perIntentTimeout*n, 10s) — stale opportunities
// have no value.
func (s *Simulator) SimulateBatch(ctx context.Context, items []BatchItem, perIntentTimeout time.Duration) []*Result {
	budget := perIntentTimeout * time.Duration(len(items))
	if budget > maxSnapshotBatch {
		budget = maxSnapshotBatch
	}
	to := util.NewCancellableTimeout(ctx, budget)
	defer to.Cancel()
	ctx = to.Context()

	snapshotID, err := s.fork.CreateSnapshot(ctx)
	if err != nil {
		out := make([]*Result, len(items))
		for i := range out {
			out[i] = &Result{Error: fmt.Errorf("simulator: borrow batch snapshot: %w", err)}
		}
		return out
	}
	defer func() { _ = s.fork.RevertToSnapshot(ctx, snapshotID) }()

	results := make([]*Result, 0, len(items))
	for _, item := range items {
		start := time.Now()
		r := s.execute(ctx, item.Intent, item.Pools)
		r.LatencyMs = elapsedMs(start)
		results = append(results, r)
		if ctx.Err() != nil {
			break
		}
	}
	for len(results) < len(items) {
		results = append(results, &Result{Error: fmt.Errorf("simulator: batch timeout exceeded")})
	}
	return results
}

// queryReserves fans out GetPoolReserves calls in parallel, capped at
// maxPoolsPerQuery per invocation.
func (s *Simulator) queryReserves(ctx context.Context, pools []common.Address) map[common.Address][2]*big.Int {
	if len(pools) > maxPoolsPerQuery {
		pools = pools[:maxPoolsPerQuery]
	}

	out := make(map[common.Address][2]*big.Int, len(pools))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pool := range pools {
		wg.Add(1)
		go func(p common.Address) {
			defer wg.Done()
			r0, r1, err := s.fork.GetPoolReserves(ctx, p)
			if err != nil {
				return
			}
			mu.Lock()
			out[p] = [2]*big.Int{r0, r1}
			mu.Unlock()
		}(pool)
	}
	wg.Wait()
	return out
}

func (s *Simulator) encodeCalldata(intent engine.PendingSwapIntent) ([]byte, common.Address, *big.Int, error) {
	switch DexKind(intent.DexKind) {
	case DexV2:
		return s.encodeV2(intent)
	case DexV3Single:
		return s.encodeV3Single(intent)
	case DexV3Multi:
		return s.encodeV3Multi(intent)
	default:
		return nil, common.Address{}, nil, fmt.Errorf("simulator: unsupported dex kind %q", intent.DexKind)
	}
}

func (s *Simulator) encodeV2(intent engine.PendingSwapIntent) ([]byte, common.Address, *big.Int, error) {
	path := intent.Path
	if len(path) == 0 {
		path = []common.Address{intent.TokenIn, intent.TokenOut}
	}
	amountOutMin := minOutFromSlippage(intent.ExpectedAmountOut, intent.SlippageTolerance)
	deadline := big.NewInt(intent.Deadline.Unix())

	if intent.IsNativeInput {
		data, err := s.v2ABI.Pack("swapExactETHForTokens", amountOutMin, path, intent.Sender, deadline)
		if err != nil {
			return nil, common.Address{}, nil, fmt.Errorf("simulator: pack swapExactETHForTokens: %w", err)
		}
		return data, intent.Router, intent.AmountIn, nil
	}

	data, err := s.v2ABI.Pack("swapExactTokensForTokens", intent.AmountIn, amountOutMin, path, intent.Sender, deadline)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("simulator: pack swapExactTokensForTokens: %w", err)
	}
	return data, intent.Router, nil, nil
}

type v3SingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func (s *Simulator) encodeV3Single(intent engine.PendingSwapIntent) ([]byte, common.Address, *big.Int, error) {
	fee := big.NewInt(3000)
	if intent.FeeBps != nil {
		fee = big.NewInt(int64(*intent.FeeBps))
	}
	params := v3SingleParams{
		TokenIn:           intent.TokenIn,
		TokenOut:          intent.TokenOut,
		Fee:               fee,
		Recipient:         intent.Sender,
		Deadline:          big.NewInt(intent.Deadline.Unix()),
		AmountIn:          intent.AmountIn,
		AmountOutMinimum:  minOutFromSlippage(intent.ExpectedAmountOut, intent.SlippageTolerance),
		SqrtPriceLimitX96: big.NewInt(0),
	}
	data, err := s.v3ABI.Pack("exactInputSingle", params)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("simulator: pack exactInputSingle: %w", err)
	}
	var value *big.Int
	if intent.IsNativeInput {
		value = intent.AmountIn
	}
	return data, intent.Router, value, nil
}

type v3MultiParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// encodeV3Multi builds the exactInput path: token(20) | fee(3) | token(20) | ...
func (s *Simulator) encodeV3Multi(intent engine.PendingSwapIntent) ([]byte, common.Address, *big.Int, error) {
	if len(intent.Path) < 2 {
		return nil, common.Address{}, nil, fmt.Errorf("simulator: v3 multi-hop path needs at least 2 tokens")
	}
	fee := uint32(3000)
	if intent.FeeBps != nil {
		fee = *intent.FeeBps
	}

	var encodedPath []byte
	for i, token := range intent.Path {
		encodedPath = append(encodedPath, token.Bytes()...)
		if i < len(intent.Path)-1 {
			feeBytes := []byte{byte(fee >> 16), byte(fee >> 8), byte(fee)}
			encodedPath = append(encodedPath, feeBytes...)
		}
	}

	params := v3MultiParams{
		Path:             encodedPath,
		Recipient:        intent.Sender,
		Deadline:         big.NewInt(intent.Deadline.Unix()),
		AmountIn:         intent.AmountIn,
		AmountOutMinimum: minOutFromSlippage(intent.ExpectedAmountOut, intent.SlippageTolerance),
	}
	data, err := s.v3ABI.Pack("exactInput", params)
	if err != nil {
		return nil, common.Address{}, nil, fmt.Errorf("simulator: pack exactInput: %w", err)
	}
	var value *big.Int
	if intent.IsNativeInput {
		value = intent.AmountIn
	}
	return data, intent.Router, value, nil
}

func minOutFromSlippage(expected *big.Int, slippage float64) *big.Int {
	if expected == nil {
		return big.NewInt(0)
	}
	if slippage <= 0 {
		return expected
	}
	factor := new(big.Float).Sub(big.NewFloat(1), big.NewFloat(slippage))
	out := new(big.Float).Mul(new(big.Float).SetInt(expected), factor)
	result, _ := out.Int(nil)
	return result
}

// parseSwapAmountOut scans receipt logs for a V2 or V3 Swap event and
// returns the output amount it recorded. For a V2 log that is amount1Out
// (the trailing word), or amount0Out when amount1Out is zero; for a V3 log
// it is the absolute value of whichever of amount0/amount1 is negative
// (the leg the pool paid out). tokenOut is not consulted.
func parseSwapAmountOut(logs []*types.Log, tokenOut common.Address) *big.Int {
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case v2SwapTopicHash:
			if len(l.Data) < 32 {
				continue
			}
			out := new(big.Int).SetBytes(l.Data[len(l.Data)-32:])
			if out.Sign() == 0 && len(l.Data) >= 128 {
				out.SetBytes(l.Data[64:96])
			}
			return out
		case v3SwapTopic:
			if len(l.Data) < 64 {
				continue
			}
			for _, w := range [][]byte{l.Data[0:32], l.Data[32:64]} {
				if w[0]&0x80 != 0 {
					v := new(big.Int).SetBytes(w)
					return v.Sub(new(big.Int).Lsh(big.NewInt(1), 256), v)
				}
			}
		}
	}
	return nil
}

func extractRevert(msg string) string {
	const marker = "execution reverted"
	if idx := strings.Index(msg, marker); idx >= 0 {
		return strings.TrimSpace(msg[idx:])
	}
	return ""
}

func syntheticBalance() *big.Int {
	v, _ := new(big.Int).SetString(defaultSyntheticFund, 10)
	return v
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
