package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeasesBusy is returned when a concurrency limit has no free slot. The
// wrapped message includes when the next held lease expires.
var ErrLeasesBusy = errors.New("no lease available")

// Lease is one held slot of a concurrency limit, e.g. one outbound connection
// counted against a cluster-wide connection limit. Leases expire after their
// TTL unless extended, so a crashed node cannot pin slots forever.
type Lease struct {
	key    string
	id     string
	ttl    time.Duration
	shared bool
}

// leaseSet is the local backend: uuid -> expiry.
type leaseSet struct {
	sync.Mutex
	held map[string]time.Time
}

var localLeases sync.Map // string -> *leaseSet

func leaseTable(key string) *leaseSet {
	if v, ok := localLeases.Load(key); ok {
		return v.(*leaseSet)
	}
	v, _ := localLeases.LoadOrStore(key, &leaseSet{held: map[string]time.Time{}})
	return v.(*leaseSet)
}

func (ls *leaseSet) acquire(id string, limit int, ttl time.Duration, now time.Time) (time.Time, bool) {
	ls.Lock()
	defer ls.Unlock()
	next := time.Time{}
	n := 0
	for held, expiry := range ls.held {
		if !expiry.After(now) {
			delete(ls.held, held)
			continue
		}
		n++
		if next.IsZero() || expiry.Before(next) {
			next = expiry
		}
	}
	if n >= limit {
		return next, false
	}
	ls.held[id] = now.Add(ttl)
	return time.Time{}, true
}

// Acquire takes one slot of the concurrency limit identified by key,
// returning ErrLeasesBusy when limit slots are already held. Shared leases go
// through Redis when configured.
func Acquire(ctx context.Context, key string, limit int, ttl time.Duration, scope Scope) (*Lease, error) {
	id := uuid.New().String()
	if scope == ScopeShared {
		if c := redisClient.Load(); c != nil {
			l, err := redisAcquire(ctx, *c, key, id, limit, ttl)
			if err == nil || errors.Is(err, ErrLeasesBusy) {
				return l, err
			}
			redisErrors.Inc()
		}
	}
	next, ok := leaseTable(key).acquire(id, limit, ttl, time.Now())
	if !ok {
		return nil, fmt.Errorf("%w: next expiry in %v", ErrLeasesBusy, time.Until(next).Round(time.Second))
	}
	return &Lease{key: key, id: id, ttl: ttl}, nil
}

// Extend renews the lease TTL. Call on use, so an active holder keeps its
// slot while an idle or dead one loses it.
func (l *Lease) Extend(ctx context.Context) error {
	if l.shared {
		if c := redisClient.Load(); c != nil {
			expiry := float64(time.Now().Add(l.ttl).UnixMilli()) / 1000
			err := leaseExtendScript.Run(ctx, *c, []string{"lease:" + l.key}, l.id, expiry).Err()
			if err == nil {
				return nil
			}
			redisErrors.Inc()
			return fmt.Errorf("extending shared lease: %w", err)
		}
	}
	ls := leaseTable(l.key)
	ls.Lock()
	defer ls.Unlock()
	if _, ok := ls.held[l.id]; !ok {
		return errors.New("lease expired")
	}
	ls.held[l.id] = time.Now().Add(l.ttl)
	return nil
}

// Release gives the slot back immediately.
func (l *Lease) Release(ctx context.Context) {
	if l.shared {
		if c := redisClient.Load(); c != nil {
			if err := (*c).ZRem(ctx, "lease:"+l.key, l.id).Err(); err != nil {
				redisErrors.Inc()
			}
			return
		}
	}
	ls := leaseTable(l.key)
	ls.Lock()
	defer ls.Unlock()
	delete(ls.held, l.id)
}

// Held leases live in a sorted set scored by expiry. Expired members are
// pruned on each acquisition, giving release-on-idle semantics without a
// background sweeper.
var leaseAcquireScript = redis.NewScript(`
local t = redis.call("TIME")
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[2]) then
  local next = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, tostring(next[2])}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
redis.call("PEXPIRE", KEYS[1], math.ceil((tonumber(ARGV[3]) - now) * 1000))
return {1, "0"}
`)

var leaseExtendScript = redis.NewScript(`
return redis.call("ZADD", KEYS[1], "XX", "CH", ARGV[2], ARGV[1])
`)

func redisAcquire(ctx context.Context, c redis.UniversalClient, key, id string, limit int, ttl time.Duration) (*Lease, error) {
	expiry := float64(time.Now().Add(ttl).UnixMilli()) / 1000
	v, err := leaseAcquireScript.Run(ctx, c, []string{"lease:" + key}, id, limit, expiry).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis lease acquire: %w", err)
	}
	if len(v) != 2 {
		return nil, fmt.Errorf("redis lease acquire: unexpected reply of %d values", len(v))
	}
	ok, _ := v[0].(int64)
	if ok == 0 {
		return nil, ErrLeasesBusy
	}
	return &Lease{key: key, id: id, ttl: ttl, shared: true}, nil
}
