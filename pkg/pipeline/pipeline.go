// Package pipeline implements the execution pipeline: the hot path that
// turns a dequeued Opportunity into an at-most-once, risk-gated,
// circuit-breaker-gated strategy execution, with distributed locking and
// crash recovery, on a single-goroutine fire-and-forget cooperative event
// loop.
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/bus"
	"github.com/arbexec/engine/internal/lockstore"
	"github.com/arbexec/engine/internal/metrics"
	"github.com/arbexec/engine/internal/xerrors"
	"github.com/arbexec/engine/pkg/circuitbreaker"
	"github.com/arbexec/engine/pkg/risk"
)

// MaxCBReenqueueAttempts bounds how many times an opportunity may be
// re-enqueued after a circuit-breaker block before it is dropped.
const MaxCBReenqueueAttempts = 3

// Locker is the distributed-lock surface the pipeline needs; satisfied by
// *lockstore.Store, and faked in tests without a real Redis instance.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (lockstore.Result, *lockstore.Lease, error)
	Release(ctx context.Context, lease *lockstore.Lease) error
	ForceRelease(ctx context.Context, resource string) error
}

// StrategyResult is what a strategy call reports after attempting an
// opportunity.
type StrategyResult struct {
	Success      bool
	ActualProfit decimal.Decimal
	GasCost      *big.Int
	Error        error
}

// Strategy executes one opportunity's trade. Implementations are expected
// to be cooperative: they must return promptly on ctx cancellation.
type Strategy interface {
	Execute(ctx context.Context, opp engine.Opportunity) (StrategyResult, error)
}

// StrategyFunc adapts a plain function to the Strategy interface.
type StrategyFunc func(ctx context.Context, opp engine.Opportunity) (StrategyResult, error)

// Execute calls f.
func (f StrategyFunc) Execute(ctx context.Context, opp engine.Opportunity) (StrategyResult, error) {
	return f(ctx, opp)
}

// Config tunes the pipeline's concurrency and timing.
type Config struct {
	MaxConcurrentExecutions int
	LockTTL                 time.Duration
	ExecutionTimeout        time.Duration
	StaleLockConflictThreshold int
	RiskEnabled             bool
	SimulationMode          bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = 8
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 55 * time.Second
	}
	if c.StaleLockConflictThreshold <= 0 {
		c.StaleLockConflictThreshold = 3
	}
	return c
}

// Stats are the pipeline's monotonic counters, mirrored onto the
// prometheus registry when one is configured.
type Stats struct {
	mu                   sync.Mutex
	ExecutionAttempts    uint64
	SuccessfulExecutions uint64
	Failures             uint64
	QueueRejects         uint64
	LockConflicts        uint64
	StaleLockRecoveries  uint64
	ExecutionTimeouts    uint64
	CircuitBreakerBlocks uint64
}

func (s *Stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ExecutionAttempts:    s.ExecutionAttempts,
		SuccessfulExecutions: s.SuccessfulExecutions,
		Failures:             s.Failures,
		QueueRejects:         s.QueueRejects,
		LockConflicts:        s.LockConflicts,
		StaleLockRecoveries:  s.StaleLockRecoveries,
		ExecutionTimeouts:    s.ExecutionTimeouts,
		CircuitBreakerBlocks: s.CircuitBreakerBlocks,
	}
}

// Pipeline is the single-instance hot path: it drains a bus.Source,
// gates each opportunity through the circuit breaker and distributed lock,
// and runs it against Strategy under a bounded concurrency cap.
type Pipeline struct {
	cfg Config

	source     bus.Source
	consumer   bus.Consumer
	publisher  bus.Publisher
	locks      Locker
	breaker    *circuitbreaker.Breaker
	risk       *risk.Orchestrator
	strategies map[engine.OpportunityKind]Strategy
	metrics    *metrics.Registry

	stats Stats

	mu             sync.Mutex
	running        bool
	active         int
	processingGate bool // re-entrancy guard for processQueueItems
	cbReenqueues   map[string]int
	lockConflicts  map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the Pipeline's collaborators.
type Deps struct {
	Source     bus.Source
	Consumer   bus.Consumer
	Publisher  bus.Publisher
	Locks      Locker
	Breaker    *circuitbreaker.Breaker
	Risk       *risk.Orchestrator
	Strategies map[engine.OpportunityKind]Strategy
	Metrics    *metrics.Registry
}

// New builds a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	return &Pipeline{
		cfg:           cfg.withDefaults(),
		source:        deps.Source,
		consumer:      deps.Consumer,
		publisher:     deps.Publisher,
		locks:         deps.Locks,
		breaker:       deps.Breaker,
		risk:          deps.Risk,
		strategies:    deps.Strategies,
		metrics:       deps.Metrics,
		cbReenqueues:  make(map[string]int),
		lockConflicts: make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// Stats returns a snapshot of the pipeline's monotonic counters.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}

// Start begins the cooperative event loop: it wakes on a short tick and
// whenever a follow-up task finishes, draining the queue up to the
// concurrency cap each time. Start returns immediately; call Stop to halt.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the event loop and waits for in-flight executions to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processQueueItems(ctx)
		}
	}
}

// processQueueItems is re-entrancy-guarded: only one invocation runs the
// drain loop at a time.
func (p *Pipeline) processQueueItems(ctx context.Context) {
	p.mu.Lock()
	if p.processingGate {
		p.mu.Unlock()
		return
	}
	p.processingGate = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.processingGate = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		running := p.running
		canFire := p.active < p.cfg.MaxConcurrentExecutions
		p.mu.Unlock()
		if !running || !canFire || p.source.Len() == 0 {
			return
		}

		op, ok := p.source.Dequeue()
		if !ok || op == nil {
			return
		}

		p.mu.Lock()
		p.active++
		p.mu.Unlock()

		p.wg.Add(1)
		go func(op *engine.Opportunity) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				// wake follow-ups waiting on the concurrency cap.
				go p.processQueueItems(ctx)
			}()
			p.handleOpportunity(ctx, *op)
		}(op)
	}
}

// handleOpportunity applies the circuit-breaker gate, then the locking
// discriminant, to one opportunity.
func (p *Pipeline) handleOpportunity(ctx context.Context, op engine.Opportunity) {
	if !p.breaker.CanExecute(op.BuyChain) {
		p.incr(&p.stats.CircuitBreakerBlocks)
		if p.metrics != nil {
			p.metrics.CircuitBreakerBlocks.Inc()
		}

		p.mu.Lock()
		p.cbReenqueues[op.ID]++
		attempts := p.cbReenqueues[op.ID]
		p.mu.Unlock()

		if attempts <= MaxCBReenqueueAttempts {
			p.source.Enqueue(&op)
		}
		return
	}

	p.mu.Lock()
	delete(p.cbReenqueues, op.ID)
	p.mu.Unlock()

	p.executeOpportunityWithLock(ctx, op)
}

func (p *Pipeline) incr(counter *uint64) {
	p.stats.mu.Lock()
	*counter++
	p.stats.mu.Unlock()
}

// executeOpportunityWithLock implements the at-most-once locking
// discriminant: acquired / not-acquired / store-unavailable / execution
// error, each handled differently on the ack path.
func (p *Pipeline) executeOpportunityWithLock(ctx context.Context, op engine.Opportunity) {
	resource := fmt.Sprintf("opportunity:%s", op.ID)

	result, lease, err := p.locks.Acquire(ctx, resource, p.cfg.LockTTL)
	switch result {
	case lockstore.Acquired:
		p.runLockedExecution(ctx, op, lease)
		return

	case lockstore.NotAcquired:
		p.incr(&p.stats.LockConflicts)
		if p.metrics != nil {
			p.metrics.LockConflicts.Inc()
		}
		p.mu.Lock()
		p.lockConflicts[op.ID]++
		conflicts := p.lockConflicts[op.ID]
		p.mu.Unlock()

		if conflicts < p.cfg.StaleLockConflictThreshold {
			return
		}

		// stale-lock crash recovery: force-release and retry once.
		if relErr := p.locks.ForceRelease(ctx, resource); relErr != nil {
			return
		}
		p.incr(&p.stats.StaleLockRecoveries)
		if p.metrics != nil {
			p.metrics.StaleLockRecoveries.Inc()
		}
		p.mu.Lock()
		delete(p.lockConflicts, op.ID)
		p.mu.Unlock()

		retryResult, retryLease, retryErr := p.locks.Acquire(ctx, resource, p.cfg.LockTTL)
		if retryErr != nil || retryResult != lockstore.Acquired {
			return
		}
		p.runLockedExecution(ctx, op, retryLease)
		return

	case lockstore.Unavailable:
		// redis_error: do not ack, do not execute; message is redelivered.
		_ = err
		return
	}
}

// runLockedExecution runs executeOpportunity while holding lease, releasing
// it and acking the bus message once the outcome is determined.
func (p *Pipeline) runLockedExecution(ctx context.Context, op engine.Opportunity, lease *lockstore.Lease) {
	defer func() {
		_ = p.locks.Release(ctx, lease)
	}()

	p.executeOpportunity(ctx, op)

	if err := p.consumer.AckMessageAfterExecution(op.ID); err != nil {
		// ack failure is logged upstream by the bus client; nothing more to
		// do here without a logger threaded through.
		_ = err
	}
}

// executeOpportunity is step 4.J's "opportunity execution" sequence,
// running entirely inside the caller's held lock.
func (p *Pipeline) executeOpportunity(ctx context.Context, op engine.Opportunity) {
	if op.BuyChain == "" {
		p.publish(ctx, engine.ExecutionResult{
			OpportunityID: op.ID,
			Success:       false,
			Error:         "Missing required buyChain field",
		})
		p.consumer.MarkComplete(op.ID)
		return
	}

	p.consumer.MarkActive(op.ID)
	p.incr(&p.stats.ExecutionAttempts)
	if p.metrics != nil {
		p.metrics.ExecutionAttempts.Inc()
	}

	var assessment risk.Assessment
	if p.risk != nil && p.cfg.RiskEnabled && !p.cfg.SimulationMode {
		assessment = p.risk.Assess(op)
		if !assessment.Allowed {
			p.recordOutcome(op, false, decimal.Zero)
			p.finishFailure(ctx, op, assessment.RejectionCode)
			return
		}
	}

	strategy, ok := p.strategies[op.Kind]
	if !ok {
		p.finishFailure(ctx, op, xerrors.New("pipeline", string(op.Kind), "strategy_not_registered").Error())
		return
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()

	type outcome struct {
		result StrategyResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := strategy.Execute(execCtx, op)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		p.incr(&p.stats.ExecutionTimeouts)
		if p.metrics != nil {
			p.metrics.ExecutionTimeouts.Inc()
		}
		p.recordOutcome(op, false, decimal.Zero)
		p.finishFailure(ctx, op, xerrors.New("pipeline", op.BuyChain, "execution_timeout").Error())
		return

	case out := <-done:
		latency := time.Since(start)
		if p.metrics != nil {
			p.metrics.ExecutionLatencyMs.Observe(float64(latency.Milliseconds()))
		}

		if out.err != nil || !out.result.Success {
			errMsg := "strategy execution failed"
			if out.err != nil {
				errMsg = out.err.Error()
			}
			p.recordOutcome(op, false, decimal.Zero)
			p.finishFailure(ctx, op, errMsg)
			return
		}

		p.recordOutcome(op, true, out.result.ActualProfit)
		p.finishSuccess(ctx, op, out.result)
	}
}

func (p *Pipeline) recordOutcome(op engine.Opportunity, win bool, profit decimal.Decimal) {
	if win {
		p.breaker.RecordSuccess(op.BuyChain)
	} else {
		p.breaker.RecordFailure(op.BuyChain)
	}
	if p.risk != nil {
		p.risk.RecordResult(op, win, profit)
	}
}

func (p *Pipeline) finishSuccess(ctx context.Context, op engine.Opportunity, result StrategyResult) {
	p.incr(&p.stats.SuccessfulExecutions)
	if p.metrics != nil {
		p.metrics.ExecutionSuccesses.Inc()
	}

	profit := result.ActualProfit
	p.publish(ctx, engine.ExecutionResult{
		OpportunityID: op.ID,
		Success:       true,
		ActualProfit:  &profit,
		GasCost:       result.GasCost,
	})
	p.consumer.MarkComplete(op.ID)
}

func (p *Pipeline) finishFailure(ctx context.Context, op engine.Opportunity, reason string) {
	p.incr(&p.stats.Failures)
	if p.metrics != nil {
		p.metrics.ExecutionFailures.Inc()
	}
	p.publish(ctx, engine.ExecutionResult{
		OpportunityID: op.ID,
		Success:       false,
		Error:         reason,
	})
	p.consumer.MarkComplete(op.ID)
}

func (p *Pipeline) publish(ctx context.Context, result engine.ExecutionResult) {
	_ = bus.PublishResult(ctx, p.publisher, result)
}
