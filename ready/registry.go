package ready

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
	"github.com/drover-mta/drover/throttle"
)

// Config wires a registry to its collaborators.
type Config struct {
	// Opens protocol sessions on established connections.
	NewProto dispatch.NewProtoFunc

	// Receives delivery outcomes.
	Disposer dispatch.Disposer

	// Takes messages back for rescheduling when a ready queue gives them
	// up: suspension, shutdown or idle teardown.
	Requeue func(batch dispatch.Batch)

	// Shared across all sessions so a TLS-broken site is remembered
	// path-wide. Optional.
	TLSMemo *dispatch.TLSMemo

	// Relaxed maintenance tick. Default 1m.
	Interval time.Duration

	// Tear down a ready queue after this long without messages or
	// sessions. Default 10m.
	IdleAge time.Duration

	// TTL of the shared connection leases sessions hold. Sessions extend
	// their lease while they run. Default 5m.
	LeaseTTL time.Duration
}

// Registry tracks the live ready queues, creating them on demand and
// reaping them when idle.
type Registry struct {
	log    mlog.Log
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex  sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(elog *slog.Logger, cfg Config) *Registry {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.IdleAge == 0 {
		cfg.IdleAge = 10 * time.Minute
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		log:    mlog.New("ready", elog),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		queues: map[string]*Queue{},
	}
}

// Deliver offers messages to the ready queue for the given egress path,
// creating the queue and its maintainer if needed. All messages are accepted
// or none, with ErrFull when the queue lacks room: the caller then
// reschedules with a short delay, not counting a delivery attempt.
func (r *Registry) Deliver(site string, source egress.Source, path egress.PathConfig, sts dns.STSMode, plan *dispatch.Plan, msgs ...*spool.Msg) error {
	for {
		q := r.queue(site, source, path)
		err := q.insert(plan, sts, msgs)
		if !errors.Is(err, errRemoved) {
			return err
		}
		// Raced an idle teardown, a fresh queue takes its place.
	}
}

func (r *Registry) queue(site string, source egress.Source, path egress.PathConfig) *Queue {
	name := source.Name + "->" + site
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	q := &Queue{
		Name:    name,
		reg:     r,
		site:    site,
		source:  source,
		path:    path,
		wake:    make(chan struct{}, 1),
		arrival: make(chan struct{}),
		lastUse: time.Now(),
	}
	if path.MaxMessageRate != "" {
		if spec, err := throttle.ParseSpec(path.MaxMessageRate); err == nil {
			q.msgRate = &spec
		} else {
			r.log.Errorx("invalid message rate, ignoring", err, slog.String("ready", name))
		}
	}
	if path.MaxConnectionRate != "" {
		if spec, err := throttle.ParseSpec(path.MaxConnectionRate); err == nil {
			q.cnRate = &spec
		} else {
			r.log.Errorx("invalid connection rate, ignoring", err, slog.String("ready", name))
		}
	}
	r.queues[name] = q
	r.wg.Add(1)
	go q.maintain()
	return q
}

// remove takes q out of the registry if it is still idle. Locks are taken
// in registry-then-queue order, the same order Depths and Suspend use.
func (r *Registry) remove(q *Queue) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if len(q.msgs) > 0 || q.sessions > 0 {
		return false
	}
	q.removed = true
	delete(r.queues, q.Name)
	return true
}

// Suspend pauses delivery for matching ready queues until the given time.
// Empty site or source matches any. Queued messages are handed back for
// rescheduling on the next maintenance pass.
func (r *Registry) Suspend(site, source string, until time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, q := range r.queues {
		if site != "" && q.site != site {
			continue
		}
		if source != "" && q.source.Name != source {
			continue
		}
		q.mutex.Lock()
		q.suspended = until
		q.mutex.Unlock()
		q.nudge()
	}
}

// Shrink drops resident message bodies across all ready queues, returning
// how many were shed. Wired to the memory governor.
func (r *Registry) Shrink() int {
	r.mutex.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mutex.Unlock()
	n := 0
	for _, q := range queues {
		n += q.shrink()
	}
	return n
}

// DrainAll hands all queued messages back for rescheduling, e.g. when
// memory headroom is exhausted. Live sessions finish their in-flight
// batches and then find the queues empty.
func (r *Registry) DrainAll() int {
	r.mutex.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mutex.Unlock()
	n := 0
	for _, q := range queues {
		msgs := q.drain()
		if len(msgs) == 0 {
			continue
		}
		n += len(msgs)
		metricRequeued.Add(float64(len(msgs)))
		if r.cfg.Requeue != nil {
			r.cfg.Requeue(dispatch.Batch(msgs))
		}
	}
	return n
}

// Remove takes messages with the given IDs out of all ready queues, for
// admin removal of messages already promoted. Messages in flight with a
// session are not here anymore; the disposer skips those when their spool
// record turns out to be gone.
func (r *Registry) Remove(ids map[int64]bool) int {
	r.mutex.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mutex.Unlock()
	n := 0
	for _, q := range queues {
		n += q.removeIDs(ids)
	}
	return n
}

// Depths returns the current depth per ready queue, for admin inspection.
func (r *Registry) Depths() map[string]int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	depths := make(map[string]int, len(r.queues))
	for name, q := range r.queues {
		depths[name] = q.depth()
	}
	return depths
}

// Shutdown stops all maintainers and sessions and hands queued messages
// back. Waits for them to finish.
func (r *Registry) Shutdown() {
	r.cancel()
	r.wg.Wait()
}
