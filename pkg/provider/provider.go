// Package provider implements a per-chain RPC client registry with
// periodic health checks, automatic reconnection after a failure streak,
// and a reconnect-notification fan-out via a small subscriber interface.
package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/ethclient"

	engine "github.com/arbexec/engine"
)

const (
	defaultHealthInterval     = 30 * time.Second
	failuresBeforeReconnect   = 3
	reconnectAttempts         = 3
	reconnectBaseDelay        = 200 * time.Millisecond
)

// Dialer creates a fresh RPC client for a chain's configured URL; production
// code wires this to ethclient.DialContext, tests can substitute a fake.
type Dialer func(ctx context.Context, rpcURL string) (*ethclient.Client, error)

// ReconnectSubscriber is notified, in registration order, whenever a chain's
// client is swapped in after a successful reconnect, so a subscriber can
// reset per-chain state tied to the old client.
type ReconnectSubscriber interface {
	OnReconnect(chain string)
}

type chainEntry struct {
	mu                  sync.RWMutex
	rpcURL              string
	client              *ethclient.Client
	wallet              *ecdsa.PrivateKey
	health              engine.ProviderHealth
	consecutiveFailures int
}

// Service holds the chain -> client / wallet maps and runs the periodic
// health loop.
type Service struct {
	dial Dialer

	mu     sync.RWMutex
	chains map[string]*chainEntry

	subMu sync.Mutex
	subs  []ReconnectSubscriber

	reconnections uint64 // accessed via atomic; never under s.mu or entry.mu

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Service. Call AddChain for each chain before Start.
func New(dial Dialer) *Service {
	return &Service{dial: dial, chains: make(map[string]*chainEntry)}
}

// AddChain registers a chain's RPC URL and (optional) signing wallet,
// dialing it immediately to validate connectivity via a block-number read.
func (s *Service) AddChain(ctx context.Context, chain, rpcURL string, wallet *ecdsa.PrivateKey) error {
	client, err := s.dial(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("provider: dial %s: %w", chain, err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("provider: validate connectivity for %s: %w", chain, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[chain] = &chainEntry{
		rpcURL: rpcURL,
		client: client,
		wallet: wallet,
		health: engine.ProviderHealth{Healthy: true, LastCheck: time.Now(), SuccessRate: 1},
	}
	return nil
}

// Subscribe registers a reconnect subscriber.
func (s *Service) Subscribe(sub ReconnectSubscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, sub)
}

// GetProvider returns the live client for chain, or false if unregistered.
func (s *Service) GetProvider(chain string) (*ethclient.Client, bool) {
	s.mu.RLock()
	entry, ok := s.chains[chain]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.client, true
}

// GetWallet returns the signing key for chain, or false if unregistered or
// unconfigured.
func (s *Service) GetWallet(chain string) (*ecdsa.PrivateKey, bool) {
	s.mu.RLock()
	entry, ok := s.chains[chain]
	s.mu.RUnlock()
	if !ok || entry.wallet == nil {
		return nil, false
	}
	return entry.wallet, true
}

// GetHealth returns the last known health snapshot for chain.
func (s *Service) GetHealth(chain string) (engine.ProviderHealth, bool) {
	s.mu.RLock()
	entry, ok := s.chains[chain]
	s.mu.RUnlock()
	if !ok {
		return engine.ProviderHealth{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.health, true
}

// GetHealthyCount returns how many registered chains are currently healthy.
func (s *Service) GetHealthyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, entry := range s.chains {
		entry.mu.RLock()
		if entry.health.Healthy {
			count++
		}
		entry.mu.RUnlock()
	}
	return count
}

// Reconnections returns the total count of successful reconnects, a metric
// surfaced alongside GetHealth.
func (s *Service) Reconnections() uint64 {
	return atomic.LoadUint64(&s.reconnections)
}

// Start launches the periodic health loop at interval (defaulting to 30s).
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.checkAll(loopCtx)
			}
		}
	}()
}

// Shutdown cancels the health loop and clears the chain map.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = make(map[string]*chainEntry)
}

func (s *Service) checkAll(ctx context.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.chains))
	for name := range s.chains {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		s.checkChain(ctx, name)
	}
}

func (s *Service) checkChain(ctx context.Context, chain string) {
	s.mu.RLock()
	entry, ok := s.chains[chain]
	s.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.RLock()
	client := entry.client
	entry.mu.RUnlock()

	start := time.Now()
	_, err := client.BlockNumber(ctx)
	latency := time.Since(start)

	entry.mu.Lock()
	if err != nil {
		entry.consecutiveFailures++
		entry.health.Healthy = false
		entry.health.ConsecutiveFailures = entry.consecutiveFailures
		entry.health.LastCheck = time.Now()
		needsReconnect := entry.consecutiveFailures >= failuresBeforeReconnect
		entry.mu.Unlock()

		if needsReconnect {
			s.attemptReconnect(ctx, chain, entry)
		}
		return
	}

	entry.consecutiveFailures = 0
	entry.health.Healthy = true
	entry.health.ConsecutiveFailures = 0
	entry.health.LastCheck = time.Now()
	entry.health.AverageLatencyMs = float64(latency.Milliseconds())
	entry.mu.Unlock()
}

// attemptReconnect must NOT be called with entry.mu held — it dials and
// retries over the network, which can take several seconds, and it only
// ever takes s.mu after releasing entry.mu (never the reverse) to keep lock
// order consistent with GetHealthyCount.
func (s *Service) attemptReconnect(ctx context.Context, chain string, entry *chainEntry) {
	entry.mu.RLock()
	rpcURL := entry.rpcURL
	entry.mu.RUnlock()

	fresh, err := retry.DoWithData(
		func() (*ethclient.Client, error) {
			client, dialErr := s.dial(ctx, rpcURL)
			if dialErr != nil {
				return nil, dialErr
			}
			if _, blockErr := client.BlockNumber(ctx); blockErr != nil {
				return nil, blockErr
			}
			return client, nil
		},
		retry.Context(ctx),
		retry.Attempts(reconnectAttempts),
		retry.Delay(reconnectBaseDelay),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return
	}

	entry.mu.Lock()
	entry.client = fresh
	entry.consecutiveFailures = 0
	entry.health.Healthy = true
	entry.health.ConsecutiveFailures = 0
	entry.health.LastCheck = time.Now()
	entry.mu.Unlock()

	atomic.AddUint64(&s.reconnections, 1)

	s.notifyReconnect(chain)
}

func (s *Service) notifyReconnect(chain string) {
	s.subMu.Lock()
	subs := append([]ReconnectSubscriber(nil), s.subs...)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.OnReconnect(chain)
	}
}
