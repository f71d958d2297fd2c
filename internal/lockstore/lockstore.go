// Package lockstore implements the distributed lock the execution pipeline
// uses for at-most-once opportunity execution across instances: a
// Redis-backed SET-NX-with-TTL lock plus a Lua compare-and-delete unlock,
// instead of a hand-rolled mutex.
package lockstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps any transport-level Redis error; the pipeline
// treats it uniformly as "must not proceed, do not ack".
var ErrStoreUnavailable = errors.New("lockstore: store unavailable")

// Result discriminates the three outcomes of a lock attempt.
type Result int

const (
	// Acquired means the caller now holds the lock.
	Acquired Result = iota
	// NotAcquired means another holder currently owns the resource.
	NotAcquired
	// Unavailable means the store itself could not be reached.
	Unavailable
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// Store is a Redis-backed distributed lock keyed by resource name (the
// pipeline uses "opportunity:{id}").
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Dial builds a Store from connection options, matching the config layer's
// LockStoreConfig fields.
func Dial(addr, password string, db int) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}))
}

// Lease is a held lock; release it via Release or ForceRelease.
type Lease struct {
	Resource string
	holder   string
}

// Acquire attempts a zero-retry SET-NX lock on resource with the given TTL.
func (s *Store) Acquire(ctx context.Context, resource string, ttl time.Duration) (Result, *Lease, error) {
	holder := uuid.NewString()
	ok, err := s.client.SetNX(ctx, resource, holder, ttl).Result()
	if err != nil {
		return Unavailable, nil, errors.Join(ErrStoreUnavailable, err)
	}
	if !ok {
		return NotAcquired, nil, nil
	}
	return Acquired, &Lease{Resource: resource, holder: holder}, nil
}

// Release performs a compare-and-delete unlock: it only removes the key if
// this lease is still the recorded holder, so a lease outlived by its own
// TTL never deletes a newer holder's lock.
func (s *Store) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := s.client.Eval(ctx, unlockScript, []string{lease.Resource}, lease.holder).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// ForceRelease unconditionally deletes resource's lock, used by the
// pipeline's stale-lock crash-recovery path once a conflict-count threshold
// is crossed.
func (s *Store) ForceRelease(ctx context.Context, resource string) error {
	if err := s.client.Del(ctx, resource).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying client connection.
func (s *Store) Close() error {
	return s.client.Close()
}
