package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/ready"
	"github.com/drover-mta/drover/spool"
	"github.com/drover-mta/drover/throttle"
	"github.com/drover-mta/drover/timewheel"
)

// schedQueue is one scheduled queue: a timer wheel of message IDs ordered by
// next attempt, with a maintainer that promotes due messages into ready
// queues.
type schedQueue struct {
	mgr  *Manager
	name string
	log  mlog.Log
	kick chan struct{}

	mutex   sync.Mutex
	wheel   *timewheel.Wheel[int64]
	handles map[int64]timewheel.Handle
	rr      map[string]*egress.RoundRobin // Rotation state per egress pool.
	rrEpoch int64
	lastUse time.Time
	removed bool
}

func newSchedQueue(mgr *Manager, name string) *schedQueue {
	return &schedQueue{
		mgr:     mgr,
		name:    name,
		log:     mgr.log.WithAttrs(slog.String("queue", name)),
		kick:    make(chan struct{}, 1),
		wheel:   timewheel.New[int64](),
		handles: map[int64]timewheel.Handle{},
		rr:      map[string]*egress.RoundRobin{},
		lastUse: time.Now(),
	}
}

func (q *schedQueue) schedule(id int64, due time.Time) {
	q.mutex.Lock()
	if q.removed {
		q.mutex.Unlock()
		// Raced an idle teardown, a fresh queue takes its place.
		q.mgr.queue(q.name).schedule(id, due)
		return
	}
	if h, ok := q.handles[id]; ok {
		q.wheel.Cancel(h)
	} else {
		metricScheduled.Inc()
	}
	q.handles[id] = q.wheel.Insert(due, id)
	q.lastUse = time.Now()
	q.mutex.Unlock()
	q.nudge()
}

func (q *schedQueue) unschedule(id int64) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if h, ok := q.handles[id]; ok {
		q.wheel.Cancel(h)
		delete(q.handles, id)
		metricScheduled.Dec()
	}
}

func (q *schedQueue) nudge() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// config resolves the queue's retry policy through the topology cache.
// Resolution failures fall back to defaults so delivery keeps moving.
func (q *schedQueue) config(ctx context.Context) egress.QueueConfig {
	qc, err := q.mgr.topo.QueueConfig(ctx, q.name)
	if err != nil {
		q.log.Errorx("resolving queue config, using defaults", err)
	}
	qc.Fill()
	if qc.EgressPool == "" {
		qc.EgressPool = egress.Unspecified
	}
	return qc
}

// maintain pops due messages and promotes them until shutdown or idle
// teardown. It wakes for the earliest due message, for kicks, and on a
// refresh tick so config changes and suspensions are picked up.
func (q *schedQueue) maintain() {
	defer q.mgr.wg.Done()
	for {
		qc := q.config(q.mgr.ctx)

		wait := qc.RefreshInterval
		q.mutex.Lock()
		next, ok := q.wheel.NextDue()
		q.mutex.Unlock()
		if ok {
			if until := time.Until(next); until < wait {
				wait = until
			}
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-q.mgr.ctx.Done():
				t.Stop()
				return
			case <-q.kick:
				t.Stop()
			case <-t.C:
			}
		}

		q.mutex.Lock()
		if q.removed {
			q.mutex.Unlock()
			return
		}
		entries := q.wheel.PopDue(time.Now())
		for _, e := range entries {
			delete(q.handles, e.Payload)
		}
		idle := q.wheel.Len() == 0 && time.Since(q.lastUse) > qc.ReapInterval
		q.mutex.Unlock()

		metricScheduled.Sub(float64(len(entries)))
		for _, e := range entries {
			q.promote(q.mgr.ctx, qc, e.Payload)
		}
		if idle && q.mgr.removeQueue(q) {
			q.log.Debug("tearing down idle scheduled queue")
			return
		}
	}
}

// promote takes one due message through resolution and into a ready queue.
func (q *schedQueue) promote(ctx context.Context, qc egress.QueueConfig, id int64) {
	m, err := spool.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, bstore.ErrAbsent) {
			q.log.Errorx("loading scheduled message", err, slog.Int64("msgid", id))
		}
		// Removed by an admin, nothing to do.
		return
	}
	log := q.log.WithCid(mlog.Cid()).WithAttrs(slog.Int64("msgid", m.ID))

	if m.Hold {
		// Held messages stay out of the schedule until kicked.
		return
	}
	if time.Since(m.Queued) > qc.MaxAge {
		q.mgr.expire(ctx, log, &m)
		return
	}
	if qc.MaxMessageRate != "" {
		if spec, err := throttle.ParseSpec(qc.MaxMessageRate); err == nil {
			res, err := spec.Check(ctx, "queuerate:"+q.name)
			if err == nil && !res.Allowed {
				q.mgr.delay(ctx, log, &m, res.RetryAfter, "queue message rate")
				return
			}
		}
	}

	delivery, err := q.mgr.resolver.ResolveDelivery(ctx, m.DestinationDomain())
	if err != nil {
		q.mgr.Failed(ctx, log, &m, dispatch.Error{Err: err})
		return
	}
	if delivery.NullMX {
		q.mgr.Failed(ctx, log, &m, dispatch.Error{Permanent: true, Code: 556, Secode: "1.10", Err: errors.New("domain does not accept mail (null mx)")})
		return
	}

	source, err := q.selectSource(ctx, qc)
	if err != nil {
		q.mgr.delay(ctx, log, &m, time.Minute, "no egress source available")
		return
	}
	path, err := q.mgr.topo.PathConfig(ctx, delivery.SiteName, source.Name, q.name)
	if err != nil {
		q.mgr.delay(ctx, log, &m, time.Minute, "resolving path config")
		return
	}
	path.Fill()

	skip, err := egress.NewHostMatcher(path.SkipHosts)
	if err != nil {
		log.Errorx("bad skip hosts, ignoring list", err)
		skip = nil
	}
	prohibited, err := egress.NewHostMatcher(path.ProhibitedHosts)
	if err != nil {
		log.Errorx("bad prohibited hosts, using defaults", err)
		prohibited, _ = egress.NewHostMatcher([]string{"127.0.0.0/8", "::1"})
	}
	plan, err := dispatch.NewPlan(delivery, skip, prohibited)
	if err != nil {
		perm := errors.Is(err, dispatch.ErrHostsProhibited)
		q.mgr.Failed(ctx, log, &m, dispatch.Error{Permanent: perm, Err: err})
		return
	}

	err = q.mgr.ready.Deliver(delivery.SiteName, source, path, delivery.STS, plan, &m)
	if err == nil {
		return
	}
	if errors.Is(err, ready.ErrFull) {
		// The path is saturated. Come back a bit later; this is not a
		// delivery attempt.
		q.mgr.delay(ctx, log, &m, time.Duration(rand.Int63n(int64(time.Minute))), "ready queue full")
		return
	}
	q.mgr.delay(ctx, log, &m, time.Minute, err.Error())
}

// selectSource picks an egress source from the queue's pool via weighted
// round-robin, skipping sources whose selection-rate throttle is exhausted.
func (q *schedQueue) selectSource(ctx context.Context, qc egress.QueueConfig) (egress.Source, error) {
	pool, err := q.mgr.topo.Pool(ctx, qc.EgressPool)
	if err != nil {
		return egress.Source{}, err
	}
	q.mutex.Lock()
	if epoch := q.mgr.topo.Epoch(); epoch != q.rrEpoch {
		q.rr = map[string]*egress.RoundRobin{}
		q.rrEpoch = epoch
	}
	rr, ok := q.rr[pool.Name]
	if !ok {
		rr = egress.NewRoundRobin(pool)
		q.rr[pool.Name] = rr
	}
	q.mutex.Unlock()

	name, ok := rr.NextAllowed(func(sourceName string) bool {
		src, err := q.mgr.topo.Source(ctx, sourceName)
		if err != nil || src.SelectionRate == "" {
			return err == nil
		}
		spec, err := throttle.ParseSpec(src.SelectionRate)
		if err != nil {
			return true
		}
		res, err := spec.Check(ctx, "selrate:"+sourceName)
		return err != nil || res.Allowed
	})
	if !ok {
		return egress.Source{}, errors.New("no egress source admitted")
	}
	src, err := q.mgr.topo.Source(ctx, name)
	if err != nil {
		return egress.Source{}, err
	}
	src.Name = name
	return src, nil
}
