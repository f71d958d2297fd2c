package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/bus"
	"github.com/arbexec/engine/internal/lockstore"
	"github.com/arbexec/engine/pkg/circuitbreaker"
)

// fakeLocker is an in-process Locker used so pipeline tests don't need a
// real Redis instance; it mirrors lockstore.Store's SET-NX + compare-delete
// contract with a plain map.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]*lockstore.Lease
	acquires int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]*lockstore.Lease)}
}

func (l *fakeLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (lockstore.Result, *lockstore.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if _, held := l.held[resource]; held {
		return lockstore.NotAcquired, nil, nil
	}
	lease := &lockstore.Lease{Resource: resource}
	l.held[resource] = lease
	return lockstore.Acquired, lease, nil
}

func (l *fakeLocker) Release(ctx context.Context, lease *lockstore.Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lease.Resource)
	return nil
}

func (l *fakeLocker) ForceRelease(ctx context.Context, resource string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, resource)
	return nil
}

func (l *fakeLocker) preAcquire(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[resource] = &lockstore.Lease{Resource: resource}
}

type fakeConsumer struct {
	mu       sync.Mutex
	active   []string
	complete []string
	acked    []string
}

func (c *fakeConsumer) MarkActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = append(c.active, id)
}

func (c *fakeConsumer) MarkComplete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = append(c.complete, id)
}

func (c *fakeConsumer) AckMessageAfterExecution(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, id)
	return nil
}

func (c *fakeConsumer) ackCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.acked {
		if a == id {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu      sync.Mutex
	results []engine.ExecutionResult
}

func (p *fakePublisher) Publish(_ context.Context, _ string, msg interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := msg.(engine.ExecutionResult); ok {
		p.results = append(p.results, r)
	}
	return nil
}

func (p *fakePublisher) last() engine.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[len(p.results)-1]
}

// S1 (happy path): lock acquired, strategy succeeds.
func TestExecuteOpportunity_HappyPath(t *testing.T) {
	consumer := &fakeConsumer{}
	publisher := &fakePublisher{}
	strategy := StrategyFunc(func(ctx context.Context, opp engine.Opportunity) (StrategyResult, error) {
		return StrategyResult{Success: true, ActualProfit: decimal.NewFromInt(50)}, nil
	})

	p := New(Config{}, Deps{
		Source:    bus.NewMemoryQueue(8),
		Consumer:  consumer,
		Publisher: publisher,
		Locks:     newFakeLocker(),
		Breaker:   circuitbreaker.New(circuitbreaker.Config{}),
		Strategies: map[engine.OpportunityKind]Strategy{
			engine.KindIntraChain: strategy,
		},
	})

	op := engine.Opportunity{ID: "opp-1", Kind: engine.KindIntraChain, BuyChain: "ethereum", ExpectedProfit: decimal.NewFromInt(100)}
	p.executeOpportunityWithLock(context.Background(), op)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ExecutionAttempts)
	assert.Equal(t, uint64(1), stats.SuccessfulExecutions)
	assert.Equal(t, 1, consumer.ackCount("opp-1"))
	assert.True(t, publisher.last().Success)
}

// S2 (missing chain): strategy never invoked, failure result published.
func TestExecuteOpportunity_MissingBuyChain(t *testing.T) {
	consumer := &fakeConsumer{}
	publisher := &fakePublisher{}
	called := false
	strategy := StrategyFunc(func(ctx context.Context, opp engine.Opportunity) (StrategyResult, error) {
		called = true
		return StrategyResult{Success: true}, nil
	})

	p := New(Config{}, Deps{
		Source:    bus.NewMemoryQueue(8),
		Consumer:  consumer,
		Publisher: publisher,
		Locks:     newFakeLocker(),
		Breaker:   circuitbreaker.New(circuitbreaker.Config{}),
		Strategies: map[engine.OpportunityKind]Strategy{
			engine.KindIntraChain: strategy,
		},
	})

	op := engine.Opportunity{ID: "opp-2", Kind: engine.KindIntraChain, BuyChain: ""}
	p.executeOpportunity(context.Background(), op)

	assert.False(t, called)
	assert.Equal(t, "Missing required buyChain field", publisher.last().Error)
	assert.Contains(t, consumer.complete, "opp-2")
}

// S3 (lock contention + crash recovery): after StaleLockConflictThreshold
// conflicts the pipeline force-releases and retries once, succeeding.
func TestExecuteOpportunityWithLock_StaleLockRecovery(t *testing.T) {
	consumer := &fakeConsumer{}
	publisher := &fakePublisher{}
	strategy := StrategyFunc(func(ctx context.Context, opp engine.Opportunity) (StrategyResult, error) {
		return StrategyResult{Success: true, ActualProfit: decimal.NewFromInt(10)}, nil
	})

	locks := newFakeLocker()
	p := New(Config{StaleLockConflictThreshold: 1}, Deps{
		Source:    bus.NewMemoryQueue(8),
		Consumer:  consumer,
		Publisher: publisher,
		Locks:     locks,
		Breaker:   circuitbreaker.New(circuitbreaker.Config{}),
		Strategies: map[engine.OpportunityKind]Strategy{
			engine.KindIntraChain: strategy,
		},
	})

	op := engine.Opportunity{ID: "opp-3", Kind: engine.KindIntraChain, BuyChain: "ethereum"}

	// simulate another instance already holding the lock.
	locks.preAcquire("opportunity:opp-3")

	p.executeOpportunityWithLock(context.Background(), op)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.LockConflicts)
	assert.Equal(t, uint64(1), stats.StaleLockRecoveries)
	assert.Equal(t, 1, consumer.ackCount("opp-3"))
}

// CB re-enqueue count for a given opportunity id never exceeds
// MaxCBReenqueueAttempts.
func TestHandleOpportunity_CircuitBreakerReenqueueCap(t *testing.T) {
	consumer := &fakeConsumer{}
	publisher := &fakePublisher{}

	breaker := circuitbreaker.New(circuitbreaker.Config{MinSamples: 1, Threshold: 0.1})
	breaker.RecordFailure("ethereum")

	source := bus.NewMemoryQueue(16)
	p := New(Config{}, Deps{
		Source:     source,
		Consumer:   consumer,
		Publisher:  publisher,
		Locks:      newFakeLocker(),
		Breaker:    breaker,
		Strategies: map[engine.OpportunityKind]Strategy{},
	})

	op := engine.Opportunity{ID: "opp-4", Kind: engine.KindIntraChain, BuyChain: "ethereum"}
	for i := 0; i < MaxCBReenqueueAttempts+2; i++ {
		p.handleOpportunity(context.Background(), op)
	}

	stats := p.Stats()
	assert.Equal(t, uint64(MaxCBReenqueueAttempts+2), stats.CircuitBreakerBlocks)
	assert.LessOrEqual(t, source.Len(), MaxCBReenqueueAttempts)
}
