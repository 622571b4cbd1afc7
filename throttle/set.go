package throttle

import (
	"context"
	"sort"
	"time"
)

// Named is a throttle spec with the name its state is stored under.
type Named struct {
	Name string
	Spec Spec
}

// Set is a group of throttles that must all admit before an operation
// proceeds, e.g. a per-path message rate combined with a per-tenant rate.
type Set struct {
	throttles []Named
}

// NewSet returns a set over the given throttles, ignoring zero specs. Members
// are ordered by allowance, tightest first, so the most restrictive throttle
// is consulted before any state would be modified.
func NewSet(throttles ...Named) Set {
	var ts []Named
	for _, t := range throttles {
		if !t.Spec.IsZero() {
			ts = append(ts, t)
		}
	}
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].Spec.Rate() < ts[j].Spec.Rate()
	})
	return Set{throttles: ts}
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return len(s.throttles) == 0
}

// Check probes every member without modifying state and, only if all admit,
// commits one admission to each. There are no partial commits: a denial by
// any member leaves every member untouched. The result of the first denying
// member (the tightest one, by construction) is returned along with its name.
func (s Set) Check(ctx context.Context) (Result, string, error) {
	now := time.Now()
	c := redisClient.Load()
	for _, t := range s.throttles {
		var r Result
		if t.Spec.Scope == ScopeShared && c != nil {
			var err error
			r, err = t.Spec.redisCheck(ctx, *c, t.Name, 1, false)
			if err != nil {
				redisErrors.Inc()
				r = t.Spec.localCheck(t.Name, now, 1, false)
			}
		} else {
			r = t.Spec.localCheck(t.Name, now, 1, false)
		}
		if !r.Allowed {
			return r, t.Name, nil
		}
	}
	for _, t := range s.throttles {
		if t.Spec.Scope == ScopeShared && c != nil {
			if err := t.Spec.redisCommit(ctx, *c, t.Name, 1); err == nil {
				continue
			}
			redisErrors.Inc()
		}
		t.Spec.localCommit(t.Name, now, 1)
	}
	return Result{Allowed: true}, "", nil
}
