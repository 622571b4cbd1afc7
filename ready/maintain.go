package ready

import (
	"log/slog"
	"math"
	"time"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/metrics"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/throttle"
)

// idealConnections is how many simultaneous connections a queue depth
// warrants: a few messages get one connection, deeper queues approach the
// connection limit asymptotically.
func idealConnections(depth, limit int) int {
	if depth == 0 || limit <= 0 {
		return 0
	}
	n := int(math.Ceil(float64(limit) * (1 - math.Exp(-float64(depth)*0.023))))
	if n < 1 {
		n = 1
	}
	if n > limit {
		n = limit
	}
	return n
}

// maintain runs until shutdown or idle teardown. It reacts to inserts right
// away and re-evaluates on a relaxed tick otherwise, so throttle delays and
// suspensions resolve without new traffic.
func (q *Queue) maintain() {
	defer q.reg.wg.Done()
	t := time.NewTimer(q.reg.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-q.reg.ctx.Done():
			q.requeueAll()
			return
		case <-q.wake:
		case <-t.C:
		}
		t.Reset(q.reg.cfg.Interval)

		if q.maybeRemove() {
			q.requeueAll()
			return
		}
		q.drainSuspended()
		q.startSessions()
	}
}

// maybeRemove tears the queue down when it has had no messages or sessions
// for the idle age. The registry re-checks emptiness under both locks, so a
// concurrent Deliver either lands before the removal or creates a fresh
// queue afterwards.
func (q *Queue) maybeRemove() bool {
	q.mutex.Lock()
	idle := len(q.msgs) == 0 && q.sessions == 0 && time.Since(q.lastUse) >= q.reg.cfg.IdleAge
	q.mutex.Unlock()
	if !idle || !q.reg.remove(q) {
		return false
	}
	q.reg.log.Debug("tearing down idle ready queue", slog.String("ready", q.Name))
	return true
}

func (q *Queue) drainSuspended() {
	q.mutex.Lock()
	suspended := time.Now().Before(q.suspended)
	q.mutex.Unlock()
	if suspended {
		q.requeueAll()
	}
}

func (q *Queue) requeueAll() {
	msgs := q.drain()
	if len(msgs) == 0 {
		return
	}
	metricRequeued.Add(float64(len(msgs)))
	if q.reg.cfg.Requeue != nil {
		q.reg.cfg.Requeue(dispatch.Batch(msgs))
	}
}

// startSessions brings the number of live sessions up to what the current
// depth warrants, within the connection limit, the connection-rate throttle
// and the path's failure backoff.
func (q *Queue) startSessions() {
	for {
		q.mutex.Lock()
		now := time.Now()
		if q.removed || now.Before(q.delayUntil) || now.Before(q.suspended) || q.plan == nil {
			q.mutex.Unlock()
			return
		}
		if q.sessions >= idealConnections(len(q.msgs), q.path.ConnectionLimit) {
			q.mutex.Unlock()
			return
		}
		q.mutex.Unlock()

		if !q.admitConnection() {
			return
		}
		lease, err := throttle.Acquire(q.reg.ctx, "conn:"+q.Name, q.path.ConnectionLimit, q.reg.cfg.LeaseTTL, throttle.ScopeShared)
		if err != nil {
			// All slots in use, possibly by other nodes.
			return
		}
		q.mutex.Lock()
		q.sessions++
		q.mutex.Unlock()
		metricSessions.Inc()
		q.reg.wg.Add(1)
		go q.runSession(lease)
	}
}

func (q *Queue) admitConnection() bool {
	if q.cnRate == nil {
		return true
	}
	res, err := q.cnRate.Check(q.reg.ctx, "cnrate:"+q.Name)
	if err != nil {
		q.reg.log.Errorx("connection rate throttle", err, slog.String("ready", q.Name))
		return true
	}
	if res.Allowed {
		return true
	}
	q.mutex.Lock()
	q.delayUntil = time.Now().Add(res.RetryAfter)
	q.mutex.Unlock()
	return false
}

// runSession drives one delivery session over the current connection plan.
func (q *Queue) runSession(lease *throttle.Lease) {
	defer q.reg.wg.Done()
	ctx := q.reg.ctx
	defer lease.Release(ctx)

	log := q.reg.log.WithCid(mlog.Cid()).WithAttrs(slog.String("ready", q.Name))

	// Keep the connection lease alive while the session runs, so slow
	// destinations don't make us exceed the shared connection limit.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(q.reg.cfg.LeaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				err := lease.Extend(ctx)
				log.Check(err, "extending connection lease")
			}
		}
	}()

	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic in delivery session", slog.Any("panic", x))
			metrics.PanicInc("ready")
			q.noteSessionEnd(false)
		}
	}()

	q.mutex.Lock()
	plan, sts, path, source := q.plan, q.sts, q.path, q.source
	q.mutex.Unlock()

	dialer, err := dispatch.NewDialer(source, path.ConnectTimeout)
	if err != nil {
		log.Errorx("building dialer for egress source", err)
		q.noteSessionEnd(false)
		return
	}
	sess := &dispatch.Session{
		Log:              log,
		Plan:             plan,
		Path:             path,
		Source:           source,
		STS:              sts,
		Dialer:           dialer,
		NewProto:         q.reg.cfg.NewProto,
		Feeder:           q,
		Disposer:         q.reg.cfg.Disposer,
		TLSMemo:          q.reg.cfg.TLSMemo,
		OnConnectFailure: q.noteConnectFailure,
	}
	err = sess.Run(ctx)
	log.Check(err, "delivery session ended")
	q.noteSessionEnd(err == nil)
}
