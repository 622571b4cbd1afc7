package timewheel

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

func TestPopDueExactlyOnce(t *testing.T) {
	w := New[int]()
	now := time.Now()

	// A spread of due times from immediate to days out, across all levels.
	delays := []time.Duration{
		0, time.Millisecond, 50 * time.Millisecond, time.Second, 3 * time.Second,
		time.Minute, 10 * time.Minute, time.Hour, 8 * time.Hour,
		24 * time.Hour, 6 * 24 * time.Hour, 30 * 24 * time.Hour,
	}
	for i, d := range delays {
		w.Insert(now.Add(d), i)
	}
	if w.Len() != len(delays) {
		t.Fatalf("len %d, expected %d", w.Len(), len(delays))
	}

	seen := map[int]int{}
	// Advance time step by step, popping as we go. Every entry must come out
	// exactly once, never before it is due.
	cur := now
	for _, step := range []time.Duration{
		10 * time.Millisecond, 100 * time.Millisecond, 2 * time.Second, 30 * time.Second,
		5 * time.Minute, 30 * time.Minute, 5 * time.Hour, 20 * time.Hour,
		5 * 24 * time.Hour, 25 * 24 * time.Hour,
	} {
		cur = now.Add(step)
		for _, e := range w.PopDue(cur) {
			i := e.Payload
			seen[i]++
			if due := now.Add(delays[i]); due.After(cur) {
				t.Fatalf("entry %d popped at +%v before due +%v", i, step, delays[i])
			}
		}
	}
	for i := range delays {
		if seen[i] != 1 {
			t.Fatalf("entry %d popped %d times, expected once", i, seen[i])
		}
	}
	if w.Len() != 0 {
		t.Fatalf("len %d after popping everything", w.Len())
	}
}

func TestPopDueDoesNotReturnFuture(t *testing.T) {
	w := New[string]()
	now := time.Now()
	w.Insert(now.Add(time.Hour), "later")
	if got := w.PopDue(now.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("popped %d entries an hour early", len(got))
	}
	if got := w.PopDue(now.Add(2 * time.Hour)); len(got) != 1 || got[0].Payload != "later" {
		t.Fatalf("got %v, expected the one due entry", got)
	}
}

func TestCancel(t *testing.T) {
	w := New[int]()
	now := time.Now()

	h1 := w.Insert(now.Add(time.Second), 1)
	h2 := w.Insert(now.Add(time.Second), 2)
	w.Insert(now.Add(time.Second), 3)

	if !w.Cancel(h2) {
		t.Fatalf("cancel of live entry failed")
	}
	if w.Cancel(h2) {
		t.Fatalf("double cancel succeeded")
	}
	if w.Len() != 2 {
		t.Fatalf("len %d after cancel, expected 2", w.Len())
	}

	got := w.PopDue(now.Add(2 * time.Second))
	if len(got) != 2 {
		t.Fatalf("popped %d entries, expected 2", len(got))
	}
	for _, e := range got {
		if e.Payload == 2 {
			t.Fatalf("cancelled entry was popped")
		}
	}

	// Handle of a popped entry is stale.
	if w.Cancel(h1) {
		t.Fatalf("cancel after pop succeeded")
	}
}

func TestReschedule(t *testing.T) {
	w := New[string]()
	now := time.Now()

	h := w.Insert(now.Add(time.Hour), "x")
	h2, ok := w.Reschedule(h, now.Add(time.Second))
	if !ok {
		t.Fatalf("reschedule failed")
	}
	if w.Cancel(h) {
		t.Fatalf("old handle still valid after reschedule")
	}
	if w.Len() != 1 {
		t.Fatalf("len %d after reschedule, expected 1", w.Len())
	}

	got := w.PopDue(now.Add(2 * time.Second))
	if len(got) != 1 || got[0].Payload != "x" {
		t.Fatalf("rescheduled entry not popped at new due time, got %v", got)
	}
	// The entry popped, both handles now stale.
	if _, ok := w.Reschedule(h2, now); ok {
		t.Fatalf("reschedule after pop succeeded")
	}
}

func TestNextDue(t *testing.T) {
	w := New[int]()
	now := time.Now()

	if _, ok := w.NextDue(); ok {
		t.Fatalf("next due on empty wheel")
	}

	w.Insert(now.Add(time.Hour), 1)
	h := w.Insert(now.Add(time.Minute), 2)
	w.Insert(now.Add(10*24*time.Hour), 3)

	due, ok := w.NextDue()
	if !ok || due.Sub(now.Add(time.Minute)).Abs() > 20*time.Millisecond {
		t.Fatalf("next due %v, expected ~1m out", due.Sub(now))
	}

	w.Cancel(h)
	due, ok = w.NextDue()
	if !ok || due.Sub(now.Add(time.Hour)).Abs() > 20*time.Millisecond {
		t.Fatalf("next due %v after cancel, expected ~1h out", due.Sub(now))
	}
}

func TestDrain(t *testing.T) {
	w := New[int]()
	now := time.Now()
	for i := 0; i < 10; i++ {
		w.Insert(now.Add(time.Duration(i)*time.Hour), i)
	}
	got := w.Drain()
	if len(got) != 10 || w.Len() != 0 {
		t.Fatalf("drain returned %d entries, len now %d", len(got), w.Len())
	}
}

func TestTardiness(t *testing.T) {
	w := New[int]()
	var obs []time.Duration
	w.OnTardiness = func(d time.Duration) { obs = append(obs, d) }

	now := time.Now()
	w.Insert(now.Add(time.Second), 1)
	w.PopDue(now.Add(11 * time.Second))
	if len(obs) != 1 || obs[0] < 9*time.Second {
		t.Fatalf("tardiness observations %v, expected one of ~10s", obs)
	}
}

func TestManyRandom(t *testing.T) {
	w := New[int]()
	now := time.Now()
	rng := rand.New(rand.NewSource(42))

	type ent struct {
		due    time.Duration
		handle Handle
	}
	n := 5000
	ents := make([]ent, n)
	for i := 0; i < n; i++ {
		d := time.Duration(rng.Int63n(int64(48 * time.Hour)))
		ents[i] = ent{d, w.Insert(now.Add(d), i)}
	}
	// Cancel a third.
	cancelled := map[int]bool{}
	for i := 0; i < n; i += 3 {
		w.Cancel(ents[i].handle)
		cancelled[i] = true
	}

	var popped []int
	cur := now
	for cur.Sub(now) < 49*time.Hour {
		cur = cur.Add(13 * time.Minute)
		for _, e := range w.PopDue(cur) {
			i := e.Payload
			if cancelled[i] {
				t.Fatalf("cancelled entry %d popped", i)
			}
			if now.Add(ents[i].due).After(cur) {
				t.Fatalf("entry %d popped early", i)
			}
			popped = append(popped, i)
		}
	}
	if len(popped) != n-len(cancelled) {
		t.Fatalf("popped %d entries, expected %d", len(popped), n-len(cancelled))
	}
	sort.Ints(popped)
	for i := 1; i < len(popped); i++ {
		if popped[i] == popped[i-1] {
			t.Fatalf("entry %d popped twice", popped[i])
		}
	}
}
