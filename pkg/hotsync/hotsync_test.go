package hotsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbexec/engine/pkg/fork"
)

type fakeSource struct {
	mu   sync.Mutex
	head uint64
	err  error
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.head, nil
}

func (f *fakeSource) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

type fakeResetter struct {
	calls  int32
	result *fork.OpResult
}

func (f *fakeResetter) ResetToBlock(ctx context.Context, blockNumber uint64) *fork.OpResult {
	atomic.AddInt32(&f.calls, 1)
	return f.result
}

func TestForceSync_ResetsForkWhenHeadAdvances(t *testing.T) {
	source := &fakeSource{head: 100}
	resetter := &fakeResetter{result: &fork.OpResult{Success: true}}
	s := New(Config{}, source, resetter, nil)

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.ForceSync(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&resetter.calls))
	assert.Equal(t, uint64(100), s.lastSyncedBlock)
	assert.Equal(t, 0, s.MetricsSnapshot().ConsecutiveFailures)
}

func TestForceSync_SkipsResetWhenHeadUnchanged(t *testing.T) {
	source := &fakeSource{head: 100}
	resetter := &fakeResetter{result: &fork.OpResult{Success: true}}
	s := New(Config{}, source, resetter, nil)
	s.mu.Lock()
	s.state = StateRunning
	s.lastSyncedBlock = 100
	s.mu.Unlock()

	s.ForceSync(context.Background())

	assert.Equal(t, int32(0), atomic.LoadInt32(&resetter.calls))
}

func TestRecordFailure_PausesAfterMaxConsecutiveFailures(t *testing.T) {
	source := &fakeSource{err: errors.New("rpc down")}
	resetter := &fakeResetter{result: &fork.OpResult{Success: true}}
	var errCount int32
	s := New(Config{MaxConsecutiveFailures: 3}, source, resetter, func(err error) {
		atomic.AddInt32(&errCount, 1)
	})
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.ForceSync(context.Background())
	s.ForceSync(context.Background())
	assert.Equal(t, StateRunning, s.State())

	s.ForceSync(context.Background())
	assert.Equal(t, StatePaused, s.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&errCount))
	assert.Equal(t, 3, s.MetricsSnapshot().ConsecutiveFailures)
}

func TestRecordFailure_ForkResetFailureAlsoCountsAsFailure(t *testing.T) {
	source := &fakeSource{head: 50}
	resetter := &fakeResetter{result: &fork.OpResult{Success: false, Error: errors.New("anvil unreachable")}}
	s := New(Config{MaxConsecutiveFailures: 5}, source, resetter, nil)
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.ForceSync(context.Background())

	assert.Equal(t, 1, s.MetricsSnapshot().ConsecutiveFailures)
	assert.Equal(t, uint64(0), s.lastSyncedBlock)
}

func TestStartStop_TransitionsStateCleanly(t *testing.T) {
	source := &fakeSource{head: 1}
	resetter := &fakeResetter{result: &fork.OpResult{Success: true}}
	s := New(Config{SyncIntervalMs: 5000}, source, resetter, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestPauseResume_OnlyTransitionFromExpectedState(t *testing.T) {
	s := New(Config{}, &fakeSource{}, &fakeResetter{result: &fork.OpResult{Success: true}}, nil)

	s.Pause()
	assert.Equal(t, StateStopped, s.State())

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.Pause()
	assert.Equal(t, StatePaused, s.State())

	s.Resume()
	assert.Equal(t, StateRunning, s.State())
}

func TestNextInterval_BacksOffOnConsecutiveFailures(t *testing.T) {
	s := New(Config{Fixed: true, SyncIntervalMs: 1000, MaxSyncIntervalMs: 10000}, &fakeSource{}, &fakeResetter{}, nil)

	base := s.nextInterval()
	assert.Equal(t, time.Second, base)

	s.mu.Lock()
	s.consecutiveFail = 3
	s.mu.Unlock()

	backedOff := s.nextInterval()
	assert.Equal(t, 3*time.Second, backedOff)
}
