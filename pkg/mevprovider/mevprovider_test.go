package mevprovider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	chain  string
	closed bool
}

func (p *fakeProvider) Chain() string { return p.chain }
func (p *fakeProvider) SubmitBundle(ctx context.Context, signedTxs [][]byte, targetBlock uint64) (string, error) {
	return "0xbundle", nil
}
func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func TestCreateProviderAsync_CachesOnSuccess(t *testing.T) {
	created := &fakeProvider{chain: "ethereum"}
	f := NewFactory(func(ctx context.Context, chain string, strategy Strategy) (Provider, error) {
		return created, nil
	})

	err := f.CreateProviderAsync(context.Background(), "ethereum", StrategyFlashbots)

	require.NoError(t, err)
	assert.True(t, f.IsCached("ethereum"))
	p, ok := f.Get("ethereum")
	assert.True(t, ok)
	assert.Equal(t, created, p)
}

func TestCreateProviderAsync_ReturnsTaggedErrorOnFailure(t *testing.T) {
	f := NewFactory(func(ctx context.Context, chain string, strategy Strategy) (Provider, error) {
		return nil, errors.New("rpc down")
	})

	err := f.CreateProviderAsync(context.Background(), "ethereum", StrategyFlashbots)

	assert.ErrorContains(t, err, "mev:ethereum:create_failed")
	assert.False(t, f.IsCached("ethereum"))
}

func TestClose_ClosesAllCachedProviders(t *testing.T) {
	p1 := &fakeProvider{chain: "ethereum"}
	p2 := &fakeProvider{chain: "arbitrum"}
	calls := 0
	f := NewFactory(func(ctx context.Context, chain string, strategy Strategy) (Provider, error) {
		calls++
		if chain == "ethereum" {
			return p1, nil
		}
		return p2, nil
	})

	require.NoError(t, f.CreateProviderAsync(context.Background(), "ethereum", StrategyFlashbots))
	require.NoError(t, f.CreateProviderAsync(context.Background(), "arbitrum", StrategyFlashbots))

	require.NoError(t, f.Close())
	assert.True(t, p1.closed)
	assert.True(t, p2.closed)
	assert.Empty(t, f.Chains())
}
