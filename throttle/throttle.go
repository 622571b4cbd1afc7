// Package throttle provides rate admission control based on the generic cell
// rate algorithm (GCRA), and lease-based concurrency limits.
//
// A throttle is identified by a name and a Spec such as "100/s" or
// "500/m,max_burst=2". State is a single "theoretical arrival time" per name,
// updated with an atomic compare-and-swap loop, so admission checks do not
// take a lock on the hot path.
//
// Throttles are either local to the process or shared across a cluster
// through Redis. Shared throttles are approximate: when Redis is unreachable
// the local store takes over until it recovers.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrSpecSyntax = errors.New("malformed throttle spec")

// Scope determines where throttle state lives.
type Scope int

const (
	// State kept in this process only.
	ScopeLocal Scope = iota
	// State shared through Redis, when configured with InitRedis.
	ScopeShared
)

// Spec describes one throttle: Quantity admissions per Period, with bursts up
// to MaxBurst full windows.
//
// MaxBurst defaults to 1, meaning at most Quantity admissions are possible at
// once; sustained use is then spread out at one admission per Period/Quantity.
type Spec struct {
	Quantity int64
	Period   time.Duration
	MaxBurst int64
	Scope    Scope
}

// ParseSpec parses a spec string: "quantity/period" with optional
// ",max_burst=n" suffix and optional "local:" or "shared:" prefix. Period is
// one of "s", "m", "h", "d".
func ParseSpec(s string) (Spec, error) {
	spec := Spec{MaxBurst: 1}
	orig := s
	if rest, ok := strings.CutPrefix(s, "shared:"); ok {
		spec.Scope = ScopeShared
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "local:"); ok {
		s = rest
	}
	var opts string
	if i := strings.IndexByte(s, ','); i >= 0 {
		s, opts = s[:i], s[i+1:]
	}
	qs, ps, ok := strings.Cut(s, "/")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q: missing '/'", ErrSpecSyntax, orig)
	}
	q, err := strconv.ParseInt(qs, 10, 64)
	if err != nil || q <= 0 {
		return Spec{}, fmt.Errorf("%w: %q: bad quantity", ErrSpecSyntax, orig)
	}
	spec.Quantity = q
	switch ps {
	case "s":
		spec.Period = time.Second
	case "m":
		spec.Period = time.Minute
	case "h":
		spec.Period = time.Hour
	case "d":
		spec.Period = 24 * time.Hour
	default:
		return Spec{}, fmt.Errorf("%w: %q: unknown period %q", ErrSpecSyntax, orig, ps)
	}
	if opts != "" {
		k, v, _ := strings.Cut(opts, "=")
		if k != "max_burst" {
			return Spec{}, fmt.Errorf("%w: %q: unknown option %q", ErrSpecSyntax, orig, k)
		}
		b, err := strconv.ParseInt(v, 10, 64)
		if err != nil || b <= 0 {
			return Spec{}, fmt.Errorf("%w: %q: bad max_burst", ErrSpecSyntax, orig)
		}
		spec.MaxBurst = b
	}
	return spec, nil
}

// String returns the parseable form of the spec.
func (s Spec) String() string {
	var b strings.Builder
	if s.Scope == ScopeShared {
		b.WriteString("shared:")
	}
	var unit string
	switch s.Period {
	case time.Second:
		unit = "s"
	case time.Minute:
		unit = "m"
	case time.Hour:
		unit = "h"
	case 24 * time.Hour:
		unit = "d"
	default:
		unit = s.Period.String()
	}
	fmt.Fprintf(&b, "%d/%s", s.Quantity, unit)
	if s.MaxBurst != 1 {
		fmt.Fprintf(&b, ",max_burst=%d", s.MaxBurst)
	}
	return b.String()
}

// IsZero reports whether the spec is unset.
func (s Spec) IsZero() bool {
	return s.Quantity == 0
}

// Rate is the allowance in admissions per second, used to order composed
// throttle sets tightest-first.
func (s Spec) Rate() float64 {
	if s.Period == 0 {
		return 0
	}
	return float64(s.Quantity) / s.Period.Seconds()
}

// interval is the emission interval: nanoseconds of budget one admission
// consumes.
func (s Spec) interval() int64 {
	return s.Period.Nanoseconds() / s.Quantity
}

// burstOffset is how far the theoretical arrival time may run ahead of now.
func (s Spec) burstOffset() int64 {
	return s.interval() * s.Quantity * s.MaxBurst
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed bool
	// When not allowed, how long to wait before one admission can succeed.
	RetryAfter time.Duration
	// How long until the throttle is fully reset.
	ResetAfter time.Duration
	// Admissions remaining in the current burst capacity.
	Remaining int64
}

// state key for the local store: name plus parameters, so reusing a name with
// different parameters does not produce nonsense.
func (s Spec) stateKey(name string) string {
	return fmt.Sprintf("%s:%d:%d:%d", name, s.Quantity, s.MaxBurst, s.Period.Milliseconds())
}

// localTats holds the theoretical arrival time per key, as unix nanoseconds.
var localTats sync.Map // string -> *atomic.Int64

func localTat(key string) *atomic.Int64 {
	if v, ok := localTats.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := localTats.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// localCheck evaluates the GCRA for quantity admissions at time now,
// committing the new theoretical arrival time only when admitted and commit
// is set.
func (s Spec) localCheck(name string, now time.Time, quantity int64, commit bool) Result {
	interval := s.interval()
	increment := interval * quantity
	burst := s.burstOffset()
	tat := localTat(s.stateKey(name))
	nowNs := now.UnixNano()
	for {
		old := tat.Load()
		t := old
		if nowNs > t {
			t = nowNs
		}
		newTat := t + increment
		allowAt := newTat - burst
		diff := nowNs - allowAt
		if diff < 0 {
			return Result{
				Allowed:    false,
				RetryAfter: time.Duration(-diff),
				ResetAfter: time.Duration(max64(t-nowNs, 0)),
				Remaining:  max64((nowNs-(t-burst))/interval, 0),
			}
		}
		if !commit {
			return Result{Allowed: true, ResetAfter: time.Duration(newTat - nowNs), Remaining: diff / interval}
		}
		if tat.CompareAndSwap(old, newTat) {
			return Result{Allowed: true, ResetAfter: time.Duration(newTat - nowNs), Remaining: diff / interval}
		}
		// Lost a race with a concurrent admission, re-evaluate.
	}
}

// localCommit unconditionally consumes quantity admissions, used by Set after
// all members have been probed successfully.
func (s Spec) localCommit(name string, now time.Time, quantity int64) {
	increment := s.interval() * quantity
	tat := localTat(s.stateKey(name))
	nowNs := now.UnixNano()
	for {
		old := tat.Load()
		t := old
		if nowNs > t {
			t = nowNs
		}
		if tat.CompareAndSwap(old, t+increment) {
			return
		}
	}
}

// Check performs an admission check for a single token, consuming it when
// admitted.
func (s Spec) Check(ctx context.Context, name string) (Result, error) {
	return s.CheckN(ctx, name, 1)
}

// CheckN is Check for quantity tokens at once.
func (s Spec) CheckN(ctx context.Context, name string, quantity int64) (Result, error) {
	if s.Scope == ScopeShared {
		if c := redisClient.Load(); c != nil {
			r, err := s.redisCheck(ctx, *c, name, quantity, true)
			if err == nil {
				return r, nil
			}
			redisErrors.Inc()
			// Fall back to the local store so delivery keeps moving while
			// Redis is unavailable. Limits become per-node approximate.
		}
	}
	return s.localCheck(name, time.Now(), quantity, true), nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
