package quoter

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBatchQuoter struct {
	amounts []*big.Int
	err     error
}

func (f *fakeBatchQuoter) QuoteBatch(ctx context.Context, paths [][]common.Address, amountsIn []*big.Int) ([]*big.Int, error) {
	return f.amounts, f.err
}

type fakeRouter struct {
	amounts map[string][]*big.Int
	err     error
}

func (f *fakeRouter) GetAmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := path[len(path)-1].Hex()
	if amounts, ok := f.amounts[key]; ok {
		return amounts, nil
	}
	return nil, errors.New("no quote for path")
}

func addr(hex byte) common.Address {
	var a common.Address
	a[19] = hex
	return a
}

func TestGetBatchedQuotes_UsesOnChainQuoterWhenAvailable(t *testing.T) {
	path := []common.Address{addr(1), addr(2)}
	onChain := map[string]BatchQuoterContract{
		"ethereum": &fakeBatchQuoter{amounts: []*big.Int{big.NewInt(100)}},
	}
	q := New(onChain, nil)

	out := q.GetBatchedQuotes(context.Background(), "ethereum", "uniswap", [][]common.Address{path}, []*big.Int{big.NewInt(10)})

	require.Len(t, out, 1)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, big.NewInt(100), out[0].AmountOut)
	assert.Zero(t, q.MetricsSnapshot().FallbackUsed)
}

func TestGetBatchedQuotes_FallsBackWhenOnChainQuoterFails(t *testing.T) {
	path := []common.Address{addr(1), addr(2)}
	onChain := map[string]BatchQuoterContract{"ethereum": &fakeBatchQuoter{err: errors.New("revert")}}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{addr(2).Hex(): {big.NewInt(5), big.NewInt(50)}}}}
	q := New(onChain, routers)

	out := q.GetBatchedQuotes(context.Background(), "ethereum", "uniswap", [][]common.Address{path}, []*big.Int{big.NewInt(10)})

	require.Len(t, out, 1)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, big.NewInt(50), out[0].AmountOut)
	assert.Equal(t, uint64(1), q.MetricsSnapshot().FallbackUsed)
}

func TestGetBatchedQuotes_PerPathFailureDoesNotFailWholeBatch(t *testing.T) {
	good := []common.Address{addr(1), addr(2)}
	bad := []common.Address{addr(1), addr(9)}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{addr(2).Hex(): {big.NewInt(5), big.NewInt(50)}}}}
	q := New(nil, routers)

	out := q.GetBatchedQuotes(context.Background(), "ethereum", "uniswap", [][]common.Address{good, bad}, []*big.Int{big.NewInt(10), big.NewInt(10)})

	require.Len(t, out, 2)
	assert.NoError(t, out[0].Err)
	assert.Error(t, out[1].Err)
}

func TestGetBatchedQuotes_MismatchedLengthsReturnsError(t *testing.T) {
	q := New(nil, nil)
	out := q.GetBatchedQuotes(context.Background(), "ethereum", "uniswap", [][]common.Address{{addr(1)}}, nil)
	require.Len(t, out, 1)
	assert.Error(t, out[0].Err)
}

func TestGetBatchedQuotes_UnknownDexReturnsError(t *testing.T) {
	q := New(nil, map[string]Router{})
	out := q.GetBatchedQuotes(context.Background(), "ethereum", "sushiswap", [][]common.Address{{addr(1)}}, []*big.Int{big.NewInt(1)})
	require.Len(t, out, 1)
	assert.Error(t, out[0].Err)
}

func TestSimulateArbitragePath_ProfitNetOfFee(t *testing.T) {
	path := []common.Address{addr(1), addr(2)}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{addr(2).Hex(): {big.NewInt(1000), big.NewInt(1030)}}}}
	q := New(nil, routers)

	profit, err := q.SimulateArbitragePath(context.Background(), "uniswap", path, big.NewInt(1000), 30)

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(27), profit)
}

func TestSimulateArbitragePath_ClampsNegativeProfitToZero(t *testing.T) {
	path := []common.Address{addr(1), addr(2)}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{addr(2).Hex(): {big.NewInt(1000), big.NewInt(1001)}}}}
	q := New(nil, routers)

	profit, err := q.SimulateArbitragePath(context.Background(), "uniswap", path, big.NewInt(1000), 30)

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), profit)
}

func TestSimulateArbitragePath_FailedHopYieldsZeroProfit(t *testing.T) {
	path := []common.Address{addr(1), addr(9)}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{}}}
	q := New(nil, routers)

	profit, err := q.SimulateArbitragePath(context.Background(), "uniswap", path, big.NewInt(1000), 30)

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), profit)
}

func TestCompareArbitragePaths_ReturnsAllInInputOrder(t *testing.T) {
	pathA := []common.Address{addr(1), addr(2)}
	pathB := []common.Address{addr(1), addr(3)}
	routers := map[string]Router{"uniswap": &fakeRouter{amounts: map[string][]*big.Int{
		addr(2).Hex(): {big.NewInt(1000), big.NewInt(1030)},
		addr(3).Hex(): {big.NewInt(1000), big.NewInt(1010)},
	}}}
	q := New(nil, routers)

	out := q.CompareArbitragePaths(context.Background(), "uniswap", [][]common.Address{pathA, pathB}, []*big.Int{big.NewInt(1000), big.NewInt(1000)}, 30)

	require.Len(t, out, 2)
	assert.True(t, out[0].Profit.Cmp(out[1].Profit) > 0)
}
