package throttle

import (
	"context"
	"errors"
	"testing"
	"time"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestParseSpec(t *testing.T) {
	check := func(s string, exp Spec) {
		t.Helper()
		spec, err := ParseSpec(s)
		tcheck(t, err, "parse "+s)
		if spec != exp {
			t.Fatalf("parse %q: got %#v, expected %#v", s, spec, exp)
		}
	}
	check("10/s", Spec{Quantity: 10, Period: time.Second, MaxBurst: 1})
	check("500/m,max_burst=50", Spec{Quantity: 500, Period: time.Minute, MaxBurst: 50})
	check("shared:100/h", Spec{Quantity: 100, Period: time.Hour, MaxBurst: 1, Scope: ScopeShared})
	check("local:1/d", Spec{Quantity: 1, Period: 24 * time.Hour, MaxBurst: 1})

	for _, s := range []string{"", "10", "/s", "x/s", "10/w", "0/s", "10/s,max_burst=0", "10/s,burst=1"} {
		if _, err := ParseSpec(s); !errors.Is(err, ErrSpecSyntax) {
			t.Fatalf("parse %q: got %v, expected ErrSpecSyntax", s, err)
		}
	}

	for _, s := range []string{"10/s", "500/m,max_burst=50", "shared:100/h"} {
		spec, err := ParseSpec(s)
		tcheck(t, err, "parse")
		if spec.String() != s {
			t.Fatalf("round trip %q: got %q", s, spec.String())
		}
	}
}

func TestGCRABurst(t *testing.T) {
	spec, err := ParseSpec("10/s")
	tcheck(t, err, "parse")

	// 11 admissions at the same instant: 10 allowed, the 11th delayed by one
	// emission interval (100ms).
	now := time.Now()
	allowed := 0
	var denied Result
	for i := 0; i < 11; i++ {
		r := spec.localCheck("t-burst", now, 1, true)
		if r.Allowed {
			allowed++
		} else {
			denied = r
		}
	}
	if allowed != 10 {
		t.Fatalf("got %d admissions, expected 10", allowed)
	}
	if denied.RetryAfter != 100*time.Millisecond {
		t.Fatalf("retry after %v, expected 100ms", denied.RetryAfter)
	}

	// After waiting out the retry interval, exactly one more is admitted.
	now = now.Add(denied.RetryAfter)
	if r := spec.localCheck("t-burst", now, 1, true); !r.Allowed {
		t.Fatalf("admission after retry interval denied, retry after %v", r.RetryAfter)
	}
	if r := spec.localCheck("t-burst", now, 1, true); r.Allowed {
		t.Fatalf("second admission after retry interval allowed")
	}
}

func TestGCRAWindow(t *testing.T) {
	// Beyond the burst allowance, the i-th admission can never happen before
	// i-burst emission intervals have elapsed: the sustained rate is bounded
	// by quantity/period for every call pattern.
	spec := Spec{Quantity: 5, Period: time.Second, MaxBurst: 1}
	interval := time.Duration(spec.interval())
	burst := spec.Quantity * spec.MaxBurst
	start := time.Now()
	var admitted []time.Time
	for i := 0; i < 400; i++ {
		now := start.Add(time.Duration(i) * 17 * time.Millisecond)
		if r := spec.localCheck("t-window", now, 1, true); r.Allowed {
			admitted = append(admitted, now)
		}
	}
	for i, tm := range admitted {
		earliest := start.Add(time.Duration(int64(i)+1-burst) * interval)
		if tm.Before(earliest) {
			t.Fatalf("admission %d at +%v, earliest permitted +%v", i, tm.Sub(start), earliest.Sub(start))
		}
	}
	if len(admitted) < 20 {
		t.Fatalf("only %d admissions over ~6.8s for 5/s, sustained rate not honored", len(admitted))
	}
}

func TestGCRASustained(t *testing.T) {
	// At exactly the configured rate, every admission is allowed.
	spec := Spec{Quantity: 10, Period: time.Second, MaxBurst: 1}
	start := time.Now()
	for i := 0; i < 50; i++ {
		now := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if r := spec.localCheck("t-sustained", now, 1, true); !r.Allowed {
			t.Fatalf("admission %d at configured rate denied", i)
		}
	}
}

func TestSetTightestFirst(t *testing.T) {
	tight := Named{Name: "t-set-tight", Spec: Spec{Quantity: 2, Period: time.Second, MaxBurst: 1}}
	loose := Named{Name: "t-set-loose", Spec: Spec{Quantity: 100, Period: time.Second, MaxBurst: 1}}
	s := NewSet(loose, tight)

	var deniedBy string
	allowed := 0
	for i := 0; i < 5; i++ {
		r, name, err := s.Check(ctxbg)
		tcheck(t, err, "set check")
		if r.Allowed {
			allowed++
		} else {
			deniedBy = name
		}
	}
	if allowed != 2 {
		t.Fatalf("set admitted %d, expected 2 (tightest member)", allowed)
	}
	if deniedBy != "t-set-tight" {
		t.Fatalf("denied by %q, expected tightest member", deniedBy)
	}

	// The denials must not have consumed anything from the loose member: it
	// still has its full budget minus the two committed admissions.
	r := loose.Spec.localCheck(loose.Name, time.Now(), 1, false)
	if !r.Allowed || r.Remaining < 97 {
		t.Fatalf("loose member remaining %d after 2 set admissions, expected >= 97 (no partial commits)", r.Remaining)
	}
}

func TestSetEmpty(t *testing.T) {
	s := NewSet(Named{Name: "x"}, Named{Name: "y"})
	if !s.Empty() {
		t.Fatalf("set of zero specs not empty")
	}
	r, _, err := s.Check(ctxbg)
	tcheck(t, err, "empty set check")
	if !r.Allowed {
		t.Fatalf("empty set denied")
	}
}

func TestLeaseLocal(t *testing.T) {
	l1, err := Acquire(ctxbg, "t-lease", 2, time.Minute, ScopeLocal)
	tcheck(t, err, "acquire 1")
	l2, err := Acquire(ctxbg, "t-lease", 2, time.Minute, ScopeLocal)
	tcheck(t, err, "acquire 2")
	if _, err := Acquire(ctxbg, "t-lease", 2, time.Minute, ScopeLocal); !errors.Is(err, ErrLeasesBusy) {
		t.Fatalf("third acquire: got %v, expected ErrLeasesBusy", err)
	}

	l1.Release(ctxbg)
	l3, err := Acquire(ctxbg, "t-lease", 2, time.Minute, ScopeLocal)
	tcheck(t, err, "acquire after release")

	tcheck(t, l2.Extend(ctxbg), "extend")
	l2.Release(ctxbg)
	l3.Release(ctxbg)
}

func TestLeaseExpiry(t *testing.T) {
	_, err := Acquire(ctxbg, "t-lease-exp", 1, time.Millisecond, ScopeLocal)
	tcheck(t, err, "acquire")
	time.Sleep(5 * time.Millisecond)
	// Expired lease no longer counts against the limit.
	l, err := Acquire(ctxbg, "t-lease-exp", 1, time.Minute, ScopeLocal)
	tcheck(t, err, "acquire after expiry")
	l.Release(ctxbg)
}
