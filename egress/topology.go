package egress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drover-mta/drover/mlog"
)

var metricTopology = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "drover_egress_topology_lookups_total",
		Help: "Topology cache lookups by kind and result.",
	},
	[]string{"kind", "result"}, // Result: hit, resolve, stale, error.
)

// How long past its TTL an entry may still be served when re-resolving
// fails. Beyond this, resolution errors propagate.
const staleBound = time.Hour

// Topology caches resolved egress configuration. Entries expire by TTL and
// are invalidated collectively by bumping the epoch after a config change.
// When a refresh fails, the previous value is served up to an hour past its
// expiry so a flapping control plane does not stall deliveries.
type Topology struct {
	log      mlog.Log
	resolver Resolver
	epoch    atomic.Int64

	queues  cache[QueueConfig]
	pools   cache[Pool]
	sources cache[Source]
	paths   cache[PathConfig]
}

// NewTopology returns a Topology resolving through r.
func NewTopology(elog *slog.Logger, r Resolver) *Topology {
	return &Topology{log: mlog.New("egress", elog), resolver: r}
}

// Epoch returns the current config epoch.
func (t *Topology) Epoch() int64 { return t.epoch.Load() }

// BumpEpoch invalidates all cached entries. Values resolved under an older
// epoch are re-resolved on next use.
func (t *Topology) BumpEpoch() { t.epoch.Add(1) }

// Flush drops all cached entries, for memory pressure.
func (t *Topology) Flush() {
	t.queues.flush()
	t.pools.flush()
	t.sources.flush()
	t.paths.flush()
}

func (t *Topology) QueueConfig(ctx context.Context, queueName string) (QueueConfig, error) {
	return lookup(ctx, t, &t.queues, "queue", queueName, t.resolver.QueueConfig)
}

func (t *Topology) Pool(ctx context.Context, name string) (Pool, error) {
	return lookup(ctx, t, &t.pools, "pool", name, t.resolver.Pool)
}

func (t *Topology) Source(ctx context.Context, name string) (Source, error) {
	return lookup(ctx, t, &t.sources, "source", name, t.resolver.Source)
}

func (t *Topology) PathConfig(ctx context.Context, siteName, sourceName, queueName string) (PathConfig, error) {
	resolve := func(ctx context.Context, key string) (PathConfig, CachePolicy, error) {
		return t.resolver.PathConfig(ctx, siteName, sourceName, queueName)
	}
	return lookup(ctx, t, &t.paths, "path", siteName+"\x00"+sourceName, resolve)
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
	epoch   int64
}

type cache[T any] struct {
	sync.Mutex
	entries map[string]cacheEntry[T]
}

func (c *cache[T]) get(key string) (cacheEntry[T], bool) {
	c.Lock()
	defer c.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *cache[T]) set(key string, e cacheEntry[T]) {
	c.Lock()
	defer c.Unlock()
	if c.entries == nil {
		c.entries = map[string]cacheEntry[T]{}
	}
	c.entries[key] = e
}

func (c *cache[T]) flush() {
	c.Lock()
	defer c.Unlock()
	c.entries = nil
}

func lookup[T any](ctx context.Context, t *Topology, c *cache[T], kind, key string, resolve func(context.Context, string) (T, CachePolicy, error)) (T, error) {
	epoch := t.epoch.Load()
	now := time.Now()

	e, ok := c.get(key)
	if ok && e.epoch == epoch && now.Before(e.expires) {
		metricTopology.WithLabelValues(kind, "hit").Inc()
		return e.value, nil
	}

	v, policy, err := resolve(ctx, key)
	if err == nil {
		ttl := time.Duration(policy.TTL) * time.Second
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		c.set(key, cacheEntry[T]{value: v, expires: now.Add(ttl), epoch: epoch})
		metricTopology.WithLabelValues(kind, "resolve").Inc()
		return v, nil
	}

	// Soft-fail on a stale entry within bounds, even from an older epoch.
	if ok && now.Before(e.expires.Add(staleBound)) {
		metricTopology.WithLabelValues(kind, "stale").Inc()
		t.log.WithContext(ctx).Infox("serving stale topology entry after resolve error", err,
			slog.String("kind", kind),
			slog.String("key", key),
			slog.Time("expired", e.expires),
		)
		return e.value, nil
	}

	metricTopology.WithLabelValues(kind, "error").Inc()
	var zero T
	return zero, fmt.Errorf("resolving %s %q: %w", kind, key, err)
}
