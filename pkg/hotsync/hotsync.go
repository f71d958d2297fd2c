// Package hotsync implements a background task that keeps an Anvil fork
// within a block or two of its source chain's head, in fixed or
// adaptive-interval mode, with exponential backoff on consecutive
// failures.
package hotsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbexec/engine/internal/util"
	"github.com/arbexec/engine/pkg/fork"
)

// State is the synchronizer's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
)

const (
	blockTimeRingCapacity = 20
	adaptiveTargetFactor  = 0.8
	maxBackoffMultiplier  = 10
)

// SourceHead is the subset of a chain client the synchronizer needs: the
// current head block number.
type SourceHead interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Resetter is the minimal fork contract: reset to a block, reporting success
// or an error string. Satisfied by *fork.Manager.
type Resetter interface {
	ResetToBlock(ctx context.Context, blockNumber uint64) *fork.OpResult
}

// Config tunes one chain's synchronizer.
type Config struct {
	Fixed                bool
	SyncIntervalMs       int
	MinSyncIntervalMs    int
	MaxSyncIntervalMs    int
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.SyncIntervalMs <= 0 {
		c.SyncIntervalMs = 2000
	}
	if c.MinSyncIntervalMs <= 0 {
		c.MinSyncIntervalMs = 500
	}
	if c.MaxSyncIntervalMs <= 0 {
		c.MaxSyncIntervalMs = 15000
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	return c
}

// Metrics are the synchronizer's rolling operational counters.
type Metrics struct {
	AverageSyncLatencyMs float64
	LastUpdated          time.Time
	ConsecutiveFailures  int
}

// Synchronizer keeps one fork near its source chain's head.
type Synchronizer struct {
	cfg    Config
	source SourceHead
	fork   Resetter
	onError func(err error)

	mu              sync.Mutex
	state           State
	lastSyncedBlock uint64
	isSyncing       bool
	consecutiveFail int
	timer           *time.Timer
	stopCh          chan struct{}
	blockTimes      *util.Ring[time.Time]
	metrics         Metrics

	wg sync.WaitGroup
}

// New builds a Synchronizer. The fork must already be running before
// Start is called.
func New(cfg Config, source SourceHead, fork Resetter, onError func(err error)) *Synchronizer {
	return &Synchronizer{
		cfg:        cfg.withDefaults(),
		source:     source,
		fork:       fork,
		onError:    onError,
		state:      StateStopped,
		blockTimes: util.NewRing[time.Time](blockTimeRingCapacity),
	}
}

// State returns the synchronizer's current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MetricsSnapshot returns a copy of the rolling metrics.
func (s *Synchronizer) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Start begins the periodic sync loop; requires the fork to already be
// running (callers are expected to have called fork.StartFork first).
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and cancels any pending scheduled tick, honouring a
// stop that lands mid-sync by re-checking state after every await inside
// the sync path.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
}

// Pause is an idempotent no-op outside of running.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.state = StatePaused
}

// Resume is an idempotent no-op outside of paused.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return
	}
	s.state = StateRunning
}

// ForceSync triggers an immediate synchronous sync regardless of the
// scheduled tick.
func (s *Synchronizer) ForceSync(ctx context.Context) {
	s.runSync(ctx)
}

func (s *Synchronizer) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		interval := s.nextInterval()
		timer := time.NewTimer(interval)
		s.mu.Lock()
		s.timer = timer
		stopCh := s.stopCh
		s.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		running := s.state == StateRunning
		s.mu.Unlock()
		if !running {
			continue
		}

		s.runSync(ctx)

		s.mu.Lock()
		stillRunning := s.state == StateRunning || s.state == StatePaused
		s.mu.Unlock()
		if !stillRunning {
			return
		}
	}
}

func (s *Synchronizer) runSync(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning || s.isSyncing {
		s.mu.Unlock()
		return
	}
	s.isSyncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		s.mu.Unlock()
	}()

	start := time.Now()
	head, err := s.source.BlockNumber(ctx)

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err != nil {
		s.recordFailure(err)
		return
	}

	s.mu.Lock()
	last := s.lastSyncedBlock
	s.mu.Unlock()

	if head > last {
		result := s.fork.ResetToBlock(ctx, head)

		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if !result.IsSuccess() {
			s.recordFailure(fmt.Errorf("hotsync: reset to block %d: %s", head, result.ErrString()))
			return
		}

		s.mu.Lock()
		s.lastSyncedBlock = head
		s.blockTimes.Push(time.Now())
		s.mu.Unlock()
	}

	latencyMs := float64(time.Since(start).Milliseconds())
	s.mu.Lock()
	s.consecutiveFail = 0
	s.metrics.ConsecutiveFailures = 0
	s.metrics.LastUpdated = time.Now()
	if s.metrics.AverageSyncLatencyMs == 0 {
		s.metrics.AverageSyncLatencyMs = latencyMs
	} else {
		s.metrics.AverageSyncLatencyMs = s.metrics.AverageSyncLatencyMs*0.8 + latencyMs*0.2
	}
	s.mu.Unlock()
}

func (s *Synchronizer) recordFailure(err error) {
	s.mu.Lock()
	s.consecutiveFail++
	s.metrics.ConsecutiveFailures = s.consecutiveFail
	transitioned := s.consecutiveFail >= s.cfg.MaxConsecutiveFailures && s.state != StatePaused
	if transitioned {
		s.state = StatePaused
	}
	s.mu.Unlock()

	if transitioned && s.onError != nil {
		s.onError(err)
	}
}

// nextInterval computes the fixed or adaptive next-tick delay, applying
// exponential backoff (capped at 10x) on consecutive failures.
func (s *Synchronizer) nextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := time.Duration(s.cfg.SyncIntervalMs) * time.Millisecond
	if !s.cfg.Fixed {
		base = s.adaptiveIntervalLocked()
	}

	if s.consecutiveFail > 0 {
		mult := s.consecutiveFail
		if mult > maxBackoffMultiplier {
			mult = maxBackoffMultiplier
		}
		base *= time.Duration(mult)
	}

	min := time.Duration(s.cfg.MinSyncIntervalMs) * time.Millisecond
	max := time.Duration(s.cfg.MaxSyncIntervalMs) * time.Millisecond
	if base < min {
		base = min
	}
	if base > max {
		base = max
	}
	return base
}

// adaptiveIntervalLocked must be called with s.mu held.
func (s *Synchronizer) adaptiveIntervalLocked() time.Duration {
	times := s.blockTimes.Values()
	if len(times) < 2 {
		return time.Duration(s.cfg.SyncIntervalMs) * time.Millisecond
	}
	var total time.Duration
	for i := 1; i < len(times); i++ {
		total += times[i].Sub(times[i-1])
	}
	avg := total / time.Duration(len(times)-1)
	return time.Duration(float64(avg) * adaptiveTargetFactor)
}
