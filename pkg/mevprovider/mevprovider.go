// Package mevprovider implements the MEV-submission provider factory the
// initialization facade brings up as its first, asynchronous sub-step: a
// chain-keyed registry of MEV relay/bundle submission backends
// (Flashbots-style, Jito on Solana).
package mevprovider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Strategy identifies the MEV submission strategy configured for a chain.
type Strategy string

const (
	StrategyFlashbots Strategy = "flashbots"
	StrategyMevShare  Strategy = "mev-share"
	StrategyJito      Strategy = "jito" // non-EVM (Solana); always skipped by the facade
)

// Provider is one chain's MEV bundle/transaction submitter.
type Provider interface {
	Chain() string
	SubmitBundle(ctx context.Context, signedTxs [][]byte, targetBlock uint64) (string, error)
	Close() error
}

// CreateFunc constructs a Provider for chain under the given strategy. The
// facade calls this under a 30s timeout.
type CreateFunc func(ctx context.Context, chain string, strategy Strategy) (Provider, error)

// Factory caches created providers per chain, the same chain-keyed caching
// shape the RPC provider registry uses for ethclient/wallet pairs.
type Factory struct {
	create CreateFunc

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory builds a Factory that uses create to construct providers.
func NewFactory(create CreateFunc) *Factory {
	return &Factory{create: create, providers: make(map[string]Provider)}
}

// CreateProviderAsync constructs and caches chain's provider, bounded by a
// 30s timeout. On success the provider is registered in the factory's
// cache under chain.
func (f *Factory) CreateProviderAsync(ctx context.Context, chain string, strategy Strategy) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	provider, err := f.create(callCtx, chain, strategy)
	if err != nil {
		return fmt.Errorf("mev:%s:create_failed: %w", chain, err)
	}

	f.mu.Lock()
	f.providers[chain] = provider
	f.mu.Unlock()
	return nil
}

// IsCached reports whether chain's provider was registered successfully.
func (f *Factory) IsCached(chain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.providers[chain]
	return ok
}

// Get returns chain's cached provider, if any.
func (f *Factory) Get(chain string) (Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[chain]
	return p, ok
}

// Chains returns every chain with a currently cached provider.
func (f *Factory) Chains() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	chains := make([]string, 0, len(f.providers))
	for chain := range f.providers {
		chains = append(chains, chain)
	}
	return chains
}

// Close tears down every cached provider, collecting (not short-circuiting
// on) individual failures.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for chain, p := range f.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mev:%s:close_failed: %w", chain, err)
		}
	}
	f.providers = make(map[string]Provider)
	return firstErr
}
