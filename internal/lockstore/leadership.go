package lockstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeadership implements standby.LeadershipService on top of the same
// SET-NX idiom Store uses for opportunity locks, keyed by an
// instance-independent leader key and a per-instance standby marker. A
// failover signal is published on the "arbexec:failover:<group>" pub/sub channel by
// the external coordinator; Watch relays it as a channel of activation
// triggers.
type RedisLeadership struct {
	client     *redis.Client
	leaderKey  string
	standbyKey string
	instanceID string
	ttl        time.Duration
}

// NewRedisLeadership builds a leadership service scoped to group (the
// logical set of instances contending for one leader slot) and instanceID
// (this process's identity).
func NewRedisLeadership(client *redis.Client, group, instanceID string, ttl time.Duration) *RedisLeadership {
	return &RedisLeadership{
		client:     client,
		leaderKey:  "arbexec:leader:" + group,
		standbyKey: "arbexec:standby:" + group + ":" + instanceID,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

func (r *RedisLeadership) IsLeader(ctx context.Context) (bool, error) {
	holder, err := r.client.Get(ctx, r.leaderKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return holder == r.instanceID, nil
}

// IsStandby reports whether the external coordinator has this instance
// marked as the designated standby for its group.
func (r *RedisLeadership) IsStandby(ctx context.Context) (bool, error) {
	ok, err := r.client.Exists(ctx, r.standbyKey).Result()
	if err != nil {
		return false, errors.Join(ErrStoreUnavailable, err)
	}
	return ok == 1, nil
}

// AcquireLeadership claims the group's leader key with SET-NX, failing if
// another instance already holds it.
func (r *RedisLeadership) AcquireLeadership(ctx context.Context) error {
	ok, err := r.client.SetNX(ctx, r.leaderKey, r.instanceID, r.ttl).Result()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !ok {
		return errors.New("lockstore: leader key already held")
	}
	return nil
}

// ClearStandby removes this instance's standby marker once it has become
// leader, so the coordinator can designate a new standby.
func (r *RedisLeadership) ClearStandby(ctx context.Context) error {
	if err := r.client.Del(ctx, r.standbyKey).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// Watch relays failover signals published by the external coordinator on
// "arbexec:failover:<group>" as a channel of activation triggers. The
// returned channel is closed when ctx is cancelled.
func (r *RedisLeadership) Watch(ctx context.Context, group string) <-chan struct{} {
	sub := r.client.Subscribe(ctx, "arbexec:failover:"+group)
	out := make(chan struct{})
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
