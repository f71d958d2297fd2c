package util

import (
	"context"
	"time"
)

// CancellableTimeout wraps context.WithTimeout so every suspension point in
// the engine (provider calls, lock store operations, simulator calls, fork
// RPC) follows the same cancel-on-every-exit-path discipline. Cancel must be
// invoked on both the success and failure path to avoid leaking the internal
// timer.
type CancellableTimeout struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancellableTimeout derives a context bounded by d from parent.
func NewCancellableTimeout(parent context.Context, d time.Duration) *CancellableTimeout {
	ctx, cancel := context.WithTimeout(parent, d)
	return &CancellableTimeout{ctx: ctx, cancel: cancel}
}

// Context returns the derived, timeout-bounded context.
func (c *CancellableTimeout) Context() context.Context {
	return c.ctx
}

// Cancel releases the underlying timer. Safe to call more than once.
func (c *CancellableTimeout) Cancel() {
	c.cancel()
}
