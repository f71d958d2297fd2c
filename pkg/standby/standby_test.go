package standby

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeadership struct {
	mu        sync.Mutex
	leader    bool
	inStandby bool
	acquireErr error
	acquireCalls int32
	acquireDelay time.Duration
}

func (f *fakeLeadership) IsLeader(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader, nil
}

func (f *fakeLeadership) IsStandby(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inStandby, nil
}

func (f *fakeLeadership) AcquireLeadership(ctx context.Context) error {
	atomic.AddInt32(&f.acquireCalls, 1)
	if f.acquireDelay > 0 {
		time.Sleep(f.acquireDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.leader = true
	return nil
}

func (f *fakeLeadership) ClearStandby(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inStandby = false
	return nil
}

func TestAttemptActivation_Succeeds(t *testing.T) {
	leadership := &fakeLeadership{inStandby: true}
	a := New(leadership, func() bool { return true })

	err := a.AttemptActivation(context.Background())

	require.NoError(t, err)
	assert.False(t, a.IsStandby())
	assert.Equal(t, int32(1), atomic.LoadInt32(&leadership.acquireCalls))
}

func TestAttemptActivation_RejectsWhenNotInStandby(t *testing.T) {
	leadership := &fakeLeadership{inStandby: false}
	a := New(leadership, func() bool { return true })

	err := a.AttemptActivation(context.Background())

	assert.Error(t, err)
}

func TestAttemptActivation_RejectsWhenNotCapable(t *testing.T) {
	leadership := &fakeLeadership{inStandby: true}
	a := New(leadership, func() bool { return false })

	err := a.AttemptActivation(context.Background())

	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&leadership.acquireCalls))
}

// Concurrent callers must coalesce onto a single activation attempt and
// share its result.
func TestAttemptActivation_ConcurrentCallersCoalesce(t *testing.T) {
	leadership := &fakeLeadership{inStandby: true, acquireDelay: 50 * time.Millisecond}
	a := New(leadership, func() bool { return true })

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = a.AttemptActivation(context.Background())
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, err := range errs {
		if err == nil {
			successCount++
		}
	}
	assert.Equal(t, n, successCount)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&leadership.acquireCalls)), 1)
}

func TestOnLeadershipLost_ReArmsStandby(t *testing.T) {
	leadership := &fakeLeadership{inStandby: true}
	a := New(leadership, func() bool { return true })

	require.NoError(t, a.AttemptActivation(context.Background()))
	assert.False(t, a.IsStandby())

	a.OnLeadershipLost()
	assert.True(t, a.IsStandby())
}

func TestAttemptActivation_ContextCancelledWhileWaiting(t *testing.T) {
	leadership := &fakeLeadership{inStandby: true}
	a := New(leadership, func() bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	a.mu.Lock()
	a.inFlight = &activationFuture{done: make(chan struct{})}
	a.mu.Unlock()

	err := a.AttemptActivation(ctx)
	assert.Error(t, err)
}
