// Package standby implements standby-to-active activation on a failover
// signal from the external coordinator, as a promise-valued mutex: the
// first caller owns the activation attempt, later concurrent callers await
// a completion signal and share its result.
package standby

import (
	"context"
	"fmt"
	"sync"
)

// LeadershipService is the external leader-election collaborator this
// component delegates the actual acquisition to.
type LeadershipService interface {
	IsLeader(ctx context.Context) (bool, error)
	IsStandby(ctx context.Context) (bool, error)
	AcquireLeadership(ctx context.Context) error
	ClearStandby(ctx context.Context) error
}

// CapabilityCheck reports whether this instance is currently capable of
// leading (e.g. all required providers/components are initialized).
type CapabilityCheck func() bool

// Activator runs the promise-valued activation sequence: AttemptActivation
// is safe to call concurrently — only the first call actually does the
// work, every other concurrent caller awaits and receives its result.
type Activator struct {
	leadership LeadershipService
	canLead    CapabilityCheck

	mu       sync.Mutex
	standbyFlag bool
	inFlight *activationFuture
}

type activationFuture struct {
	done chan struct{}
	err  error
}

// New builds an Activator whose local "I am in standby" flag (reported by
// IsStandby) starts set; a successful activation clears it.
func New(leadership LeadershipService, canLead CapabilityCheck) *Activator {
	return &Activator{leadership: leadership, canLead: canLead, standbyFlag: true}
}

// AttemptActivation runs (or joins) one activation attempt. The first
// caller performs the verification + acquisition sequence and publishes its
// result via the shared future; every other concurrent caller blocks on
// that same future and receives the identical result.
func (a *Activator) AttemptActivation(ctx context.Context) error {
	a.mu.Lock()
	if a.inFlight != nil {
		future := a.inFlight
		a.mu.Unlock()
		select {
		case <-future.done:
			return future.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	future := &activationFuture{done: make(chan struct{})}
	a.inFlight = future
	a.mu.Unlock()

	err := a.activate(ctx)

	future.err = err
	close(future.done)

	a.mu.Lock()
	a.inFlight = nil
	a.mu.Unlock()

	return err
}

func (a *Activator) activate(ctx context.Context) error {
	alreadyLeader, err := a.leadership.IsLeader(ctx)
	if err != nil {
		return fmt.Errorf("standby: check leader state: %w", err)
	}
	if alreadyLeader {
		return fmt.Errorf("standby: already leader")
	}

	inStandby, err := a.leadership.IsStandby(ctx)
	if err != nil {
		return fmt.Errorf("standby: check standby state: %w", err)
	}
	if !inStandby {
		return fmt.Errorf("standby: not currently in standby")
	}

	if a.canLead != nil && !a.canLead() {
		return fmt.Errorf("standby: not capable of leading")
	}

	if err := a.leadership.AcquireLeadership(ctx); err != nil {
		return fmt.Errorf("standby: acquire leadership: %w", err)
	}

	if err := a.leadership.ClearStandby(ctx); err != nil {
		return fmt.Errorf("standby: clear standby flag: %w", err)
	}

	a.mu.Lock()
	a.standbyFlag = false
	a.mu.Unlock()

	return nil
}

// IsStandby reports this instance's locally mirrored standby flag.
func (a *Activator) IsStandby() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.standbyFlag
}

// OnLeadershipLost sets the local standby flag reported by IsStandby again.
// AttemptActivation does not read this flag; it checks the leadership
// service's own standby state.
func (a *Activator) OnLeadershipLost() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.standbyFlag = true
}
