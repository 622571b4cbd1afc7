package egress

import (
	"context"
	"fmt"
)

// CachePolicy says how long a resolved value may be reused. Epoch is the
// config generation the value was resolved under: bumping the topology epoch
// invalidates it regardless of TTL.
type CachePolicy struct {
	TTL   int64 // Seconds. 0 means DefaultTTL.
	Epoch int64
}

// Resolver provides egress configuration by name. Implementations may go to
// static config, a control plane, or scripts. Lookups happen on queue and
// path creation and on refresh, through a Topology cache, so they may be
// slow.
type Resolver interface {
	QueueConfig(ctx context.Context, queueName string) (QueueConfig, CachePolicy, error)
	Pool(ctx context.Context, name string) (Pool, CachePolicy, error)
	Source(ctx context.Context, name string) (Source, CachePolicy, error)
	// PathConfig resolves settings for deliveries from source to the site,
	// for messages of the named queue.
	PathConfig(ctx context.Context, siteName, sourceName, queueName string) (PathConfig, CachePolicy, error)
}

// Unspecified is the name of the implicit egress source used when a queue
// has no pool configured: connect from whatever the kernel picks.
const Unspecified = "unspecified"

// StaticResolver resolves from in-memory maps, filled from the config file.
// Unknown queues and paths resolve to the defaults, unknown pools and
// sources are errors.
type StaticResolver struct {
	Queues  map[string]QueueConfig // Key is queue name, or "default".
	Pools   map[string]Pool
	Sources map[string]Source
	Paths   map[string]PathConfig // Key is "site\x00source", "site", "source" or "default", most specific wins.
}

var _ Resolver = (*StaticResolver)(nil)

func (r *StaticResolver) QueueConfig(ctx context.Context, queueName string) (QueueConfig, CachePolicy, error) {
	qc, ok := r.Queues[queueName]
	if !ok {
		qc = r.Queues["default"]
	}
	qc.Fill()
	return qc, CachePolicy{TTL: int64(qc.TTL.Seconds())}, nil
}

func (r *StaticResolver) Pool(ctx context.Context, name string) (Pool, CachePolicy, error) {
	if name == Unspecified {
		return Pool{Name: Unspecified, Entries: []PoolEntry{{Source: Unspecified, Weight: 1}}, TTL: DefaultTTL}, CachePolicy{TTL: int64(DefaultTTL.Seconds())}, nil
	}
	p, ok := r.Pools[name]
	if !ok {
		return Pool{}, CachePolicy{}, fmt.Errorf("unknown egress pool %q", name)
	}
	p.Name = name
	if p.TTL == 0 {
		p.TTL = DefaultTTL
	}
	return p, CachePolicy{TTL: int64(p.TTL.Seconds())}, nil
}

func (r *StaticResolver) Source(ctx context.Context, name string) (Source, CachePolicy, error) {
	if name == Unspecified {
		return Source{Name: Unspecified, TTL: DefaultTTL}, CachePolicy{TTL: int64(DefaultTTL.Seconds())}, nil
	}
	s, ok := r.Sources[name]
	if !ok {
		return Source{}, CachePolicy{}, fmt.Errorf("unknown egress source %q", name)
	}
	s.Name = name
	if s.TTL == 0 {
		s.TTL = DefaultTTL
	}
	return s, CachePolicy{TTL: int64(s.TTL.Seconds())}, nil
}

func (r *StaticResolver) PathConfig(ctx context.Context, siteName, sourceName, queueName string) (PathConfig, CachePolicy, error) {
	pc, ok := r.Paths[siteName+"\x00"+sourceName]
	if !ok {
		pc, ok = r.Paths[siteName]
	}
	if !ok {
		pc, ok = r.Paths[sourceName]
	}
	if !ok {
		pc = r.Paths["default"]
	}
	pc.Fill()
	return pc, CachePolicy{TTL: int64(pc.TTL.Seconds())}, nil
}
