package egress

import (
	"sync"
)

// RoundRobin implements weighted round-robin selection over the entries of
// a pool. Zero-weight entries never come up. Safe for concurrent use.
type RoundRobin struct {
	mu        sync.Mutex
	pool      string
	entries   []PoolEntry
	maxWeight int
	gcd       int
	index     int
	weight    int
}

// NewRoundRobin returns a selector for the pool. Entries without an explicit
// weight get weight 1.
func NewRoundRobin(pool Pool) *RoundRobin {
	rr := &RoundRobin{pool: pool.Name}
	for _, e := range pool.Entries {
		if e.Weight == 0 {
			e.Weight = 1
		}
		if e.Weight < 0 {
			continue
		}
		rr.entries = append(rr.entries, e)
		if e.Weight > rr.maxWeight {
			rr.maxWeight = e.Weight
		}
		rr.gcd = gcd(rr.gcd, e.Weight)
	}
	return rr
}

// AllSources returns the names of all selectable entries.
func (rr *RoundRobin) AllSources() []string {
	l := make([]string, len(rr.entries))
	for i, e := range rr.entries {
		l[i] = e.Source
	}
	return l
}

// Next returns the next source name, with entries coming up in proportion to
// their weight. Returns false when the pool has no usable entries.
func (rr *RoundRobin) Next() (string, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.next()
}

func (rr *RoundRobin) next() (string, bool) {
	if len(rr.entries) == 0 || rr.maxWeight == 0 {
		return "", false
	}
	if len(rr.entries) == 1 {
		return rr.entries[0].Source, true
	}
	for {
		rr.index = (rr.index + 1) % len(rr.entries)
		if rr.index == 0 {
			rr.weight -= rr.gcd
			if rr.weight <= 0 {
				rr.weight = rr.maxWeight
			}
		}
		if rr.entries[rr.index].Weight >= rr.weight {
			return rr.entries[rr.index].Source, true
		}
	}
}

// NextAllowed returns the next source admitted by the allowed callback,
// moving on through the rotation when a source is rejected, e.g. because its
// selection-rate throttle is exhausted. Returns false when no source is
// currently allowed.
func (rr *RoundRobin) NextAllowed(allowed func(source string) bool) (string, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	denied := map[string]bool{}
	for len(denied) < len(rr.entries) {
		name, ok := rr.next()
		if !ok {
			return "", false
		}
		if denied[name] {
			continue
		}
		if allowed(name) {
			return name, true
		}
		denied[name] = true
	}
	return "", false
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
