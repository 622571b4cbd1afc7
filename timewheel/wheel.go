// Package timewheel implements a hierarchical timer wheel: a due-time-ordered
// collection that stays cheap with millions of pending entries.
//
// Near-term entries live in fine-grained buckets, far-out entries in
// progressively coarser ones, and entries cascade into finer buckets as the
// clock advances. Entries are referenced through a stable slab index plus a
// generation tag: cancel and reschedule bump the generation, so a stale bucket
// reference is skipped as a tombstone during a pop instead of requiring list
// surgery. This is what makes cancel and reschedule O(1).
package timewheel

import (
	"sync"
	"time"
)

// tickMs is the finest granularity. Due times quantize to it.
const tickMs = 10

// Level spans with 10ms ticks: 2.56s, ~2.7m, ~2.9h, ~7.8d. Entries further
// out than the last level go to the overflow list.
const (
	l0Slots = 256
	lnSlots = 64
)

var levelSpan = [4]int64{
	l0Slots,
	l0Slots * lnSlots,
	l0Slots * lnSlots * lnSlots,
	l0Slots * lnSlots * lnSlots * lnSlots,
}

// Handle references a scheduled entry. The zero Handle is invalid.
type Handle struct {
	index int32
	gen   uint32
}

// Valid reports whether h references an entry at all (it may still have been
// cancelled or popped since).
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slabEntry[T any] struct {
	gen     uint32
	live    bool
	dueMs   int64 // Absolute, relative to wheel start.
	payload T
}

type bucketRef struct {
	index int32
	gen   uint32
}

type level struct {
	buckets [][]bucketRef
	used    int // Number of live (non-tombstone) references across buckets.
}

// Wheel is a timer wheel over payloads of type T. All methods are safe for
// concurrent use.
type Wheel[T any] struct {
	mu       sync.Mutex
	start    time.Time
	cur      int64 // Next tick to process.
	slab     []slabEntry[T]
	freelist []int32
	levels   [4]level
	overflow []bucketRef
	count    int

	// OnTardiness, if set, is called from PopDue with how late each entry was
	// popped relative to its due time. A growing value means the wheel's
	// consumer is falling behind; callers use it as a load signal.
	OnTardiness func(time.Duration)
}

// New returns an empty wheel with its epoch at now.
func New[T any]() *Wheel[T] {
	w := &Wheel[T]{start: time.Now()}
	w.levels[0].buckets = make([][]bucketRef, l0Slots)
	for i := 1; i < 4; i++ {
		w.levels[i].buckets = make([][]bucketRef, lnSlots)
	}
	return w
}

// Len returns the number of scheduled (non-cancelled) entries.
func (w *Wheel[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Wheel[T]) dueTick(due time.Time) int64 {
	ms := due.Sub(w.start).Milliseconds() / tickMs
	if ms < w.cur {
		return w.cur
	}
	return ms
}

// place files a reference into the bucket for its due tick. Caller holds mu.
func (w *Wheel[T]) place(ref bucketRef, dueTick int64) {
	delta := dueTick - w.cur
	switch {
	case delta < levelSpan[0]:
		w.levels[0].buckets[dueTick%l0Slots] = append(w.levels[0].buckets[dueTick%l0Slots], ref)
		w.levels[0].used++
	case delta < levelSpan[1]:
		slot := (dueTick / levelSpan[0]) % lnSlots
		w.levels[1].buckets[slot] = append(w.levels[1].buckets[slot], ref)
		w.levels[1].used++
	case delta < levelSpan[2]:
		slot := (dueTick / levelSpan[1]) % lnSlots
		w.levels[2].buckets[slot] = append(w.levels[2].buckets[slot], ref)
		w.levels[2].used++
	case delta < levelSpan[3]:
		slot := (dueTick / levelSpan[2]) % lnSlots
		w.levels[3].buckets[slot] = append(w.levels[3].buckets[slot], ref)
		w.levels[3].used++
	default:
		w.overflow = append(w.overflow, ref)
	}
}

func (w *Wheel[T]) alloc() int32 {
	if n := len(w.freelist); n > 0 {
		i := w.freelist[n-1]
		w.freelist = w.freelist[:n-1]
		return i
	}
	w.slab = append(w.slab, slabEntry[T]{})
	return int32(len(w.slab) - 1)
}

// Insert schedules payload for due and returns a handle for cancellation or
// rescheduling.
func (w *Wheel[T]) Insert(due time.Time, payload T) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.alloc()
	e := &w.slab[i]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.live = true
	e.dueMs = due.Sub(w.start).Milliseconds()
	e.payload = payload
	w.count++
	w.place(bucketRef{i, e.gen}, w.dueTick(due))
	return Handle{i, e.gen}
}

// Cancel removes the entry referenced by h. It returns false if the entry was
// already popped, cancelled or rescheduled. The bucket reference is left
// behind as a tombstone and skipped later.
func (w *Wheel[T]) Cancel(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelLocked(h)
}

func (w *Wheel[T]) cancelLocked(h Handle) bool {
	if h.index < 0 || int(h.index) >= len(w.slab) {
		return false
	}
	e := &w.slab[h.index]
	if !e.live || e.gen != h.gen {
		return false
	}
	e.live = false
	e.gen++
	var zero T
	e.payload = zero
	w.count--
	w.freelist = append(w.freelist, h.index)
	return true
}

// Reschedule moves the entry to a new due time, returning the new handle. The
// old handle becomes stale. ok is false if the entry no longer exists.
func (w *Wheel[T]) Reschedule(h Handle, due time.Time) (Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if h.index < 0 || int(h.index) >= len(w.slab) {
		return Handle{}, false
	}
	e := &w.slab[h.index]
	if !e.live || e.gen != h.gen {
		return Handle{}, false
	}
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.dueMs = due.Sub(w.start).Milliseconds()
	w.place(bucketRef{h.index, e.gen}, w.dueTick(due))
	return Handle{h.index, e.gen}, true
}

// Entry is a popped wheel entry.
type Entry[T any] struct {
	Due     time.Time
	Payload T
}

// takeBucket pops all live, due entries from a level-0 bucket into out,
// dropping tombstones. An entry whose precise due time is still a few ms out
// (due times are quantized to ticks) is re-filed for the next tick.
func (w *Wheel[T]) takeBucket(refs []bucketRef, nowMs int64, out []Entry[T]) []Entry[T] {
	w.levels[0].used -= len(refs)
	for _, ref := range refs {
		e := &w.slab[ref.index]
		if !e.live || e.gen != ref.gen {
			continue // Tombstone from cancel/reschedule.
		}
		if e.dueMs > nowMs {
			dt := e.dueMs / tickMs
			if dt <= w.cur {
				dt = w.cur + 1
			}
			w.place(ref, dt)
			continue
		}
		out = append(out, Entry[T]{w.start.Add(time.Duration(e.dueMs) * time.Millisecond), e.payload})
		e.live = false
		e.gen++
		var zero T
		e.payload = zero
		w.count--
		w.freelist = append(w.freelist, ref.index)
	}
	return out
}

// PopDue returns all entries with due time <= now, each exactly once, in
// cascade order (approximately due-time order at tick granularity).
func (w *Wheel[T]) PopDue(now time.Time) []Entry[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := now.Sub(w.start).Milliseconds() / tickMs
	var out []Entry[T]
	nowMs := now.Sub(w.start).Milliseconds()

	for w.cur <= target {
		if w.count == 0 {
			w.cur = target + 1
			break
		}
		// Cascade coarser levels on their boundaries.
		if w.cur%levelSpan[0] == 0 {
			w.cascade(1, (w.cur/levelSpan[0])%lnSlots)
			if w.cur%levelSpan[1] == 0 {
				w.cascade(2, (w.cur/levelSpan[1])%lnSlots)
				if w.cur%levelSpan[2] == 0 {
					w.cascade(3, (w.cur/levelSpan[2])%lnSlots)
					if w.cur%levelSpan[3] == 0 {
						w.cascadeOverflow()
					}
				}
			}
		}
		if w.levels[0].used == 0 {
			// Nothing near-term: jump to the next cascade boundary.
			next := (w.cur/levelSpan[0] + 1) * levelSpan[0]
			if next > target+1 {
				next = target + 1
			}
			w.cur = next
			continue
		}
		slot := w.cur % l0Slots
		if refs := w.levels[0].buckets[slot]; len(refs) > 0 {
			w.levels[0].buckets[slot] = nil
			out = w.takeBucket(refs, nowMs, out)
		}
		w.cur++
	}

	if w.OnTardiness != nil {
		for _, e := range out {
			w.OnTardiness(now.Sub(e.Due))
		}
	}
	return out
}

// cascade re-files the entries of a coarse bucket into finer levels now that
// the clock has reached their window.
func (w *Wheel[T]) cascade(li int, slot int64) {
	refs := w.levels[li].buckets[slot]
	if len(refs) == 0 {
		return
	}
	w.levels[li].buckets[slot] = nil
	w.levels[li].used -= len(refs)
	for _, ref := range refs {
		e := &w.slab[ref.index]
		if !e.live || e.gen != ref.gen {
			continue
		}
		dt := e.dueMs / tickMs
		if dt < w.cur {
			dt = w.cur
		}
		w.place(ref, dt)
	}
}

func (w *Wheel[T]) cascadeOverflow() {
	refs := w.overflow
	w.overflow = nil
	for _, ref := range refs {
		e := &w.slab[ref.index]
		if !e.live || e.gen != ref.gen {
			continue
		}
		dt := e.dueMs / tickMs
		if dt < w.cur {
			dt = w.cur
		}
		w.place(ref, dt)
	}
}

// NextDue returns the earliest due time of any scheduled entry, or ok false
// when the wheel is empty.
func (w *Wheel[T]) NextDue() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return time.Time{}, false
	}
	best := int64(-1)
	scan := func(refs []bucketRef) {
		for _, ref := range refs {
			e := &w.slab[ref.index]
			if !e.live || e.gen != ref.gen {
				continue
			}
			if best < 0 || e.dueMs < best {
				best = e.dueMs
			}
		}
	}
	// Levels are filed by distance from the current tick at insertion time, so
	// near a window boundary a higher level can briefly hold an earlier entry
	// than a lower one. Scan them all.
	for li := 0; li < 4; li++ {
		if w.levels[li].used == 0 {
			continue
		}
		for _, refs := range w.levels[li].buckets {
			scan(refs)
		}
	}
	scan(w.overflow)
	if best >= 0 {
		return w.start.Add(time.Duration(best) * time.Millisecond), true
	}
	return time.Time{}, false
}

// Drain removes and returns all entries regardless of due time.
func (w *Wheel[T]) Drain() []Entry[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Entry[T]
	take := func(refs []bucketRef) {
		for _, ref := range refs {
			e := &w.slab[ref.index]
			if !e.live || e.gen != ref.gen {
				continue
			}
			out = append(out, Entry[T]{w.start.Add(time.Duration(e.dueMs) * time.Millisecond), e.payload})
			e.live = false
			e.gen++
			var zero T
			e.payload = zero
			w.count--
			w.freelist = append(w.freelist, ref.index)
		}
	}
	for li := range w.levels {
		for slot, refs := range w.levels[li].buckets {
			w.levels[li].buckets[slot] = nil
			take(refs)
		}
		w.levels[li].used = 0
	}
	take(w.overflow)
	w.overflow = nil
	return out
}
