// Package ready holds messages that are due for delivery right now, grouped
// per egress path: the combination of an egress source and a destination
// site. Each ready queue is a bounded FIFO with a maintainer that opens as
// many delivery sessions as the queue depth warrants, within the path's
// connection limit and rate throttles.
package ready

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/spool"
	"github.com/drover-mta/drover/throttle"
)

var (
	metricInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_ready_inserts_total",
			Help: "Messages offered to ready queues.",
		},
		[]string{"result"},
	)
	metricSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_ready_sessions",
			Help: "Live delivery sessions over all ready queues.",
		},
	)
	metricRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_ready_requeued_total",
			Help: "Messages handed back to their scheduled queues, e.g. on suspension or shutdown.",
		},
	)
)

// ErrFull is returned when a ready queue is at its configured max depth. The
// caller should reschedule the message with a short delay, without counting
// a delivery attempt.
var ErrFull = errors.New("ready queue full")

// errRemoved means the queue was torn down between lookup and insert. The
// registry retries against a fresh queue.
var errRemoved = errors.New("ready queue removed")

// Queue is the bounded FIFO of messages ready for one egress path. It
// implements dispatch.Feeder for the sessions its maintainer spawns.
type Queue struct {
	// "source->site", unique per registry.
	Name string

	reg     *Registry
	site    string
	source  egress.Source
	path    egress.PathConfig
	msgRate *throttle.Spec // Parsed path.MaxMessageRate, nil when unset.
	cnRate  *throttle.Spec // Parsed path.MaxConnectionRate, nil when unset.

	wake chan struct{} // Buffered, nudges the maintainer.

	mutex      sync.Mutex
	msgs       []*spool.Msg
	arrival    chan struct{} // Closed and replaced on insert, for waiting feeders.
	plan       *dispatch.Plan
	sts        dns.STSMode
	sessions   int
	failures   int // Consecutive connection failures across the path.
	delayUntil time.Time
	suspended  time.Time // Suspended until, zero when not.
	lastUse    time.Time
	removed    bool
}

func (q *Queue) depth() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.msgs)
}

// insert appends msgs, all or nothing.
func (q *Queue) insert(plan *dispatch.Plan, sts dns.STSMode, msgs []*spool.Msg) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.removed {
		return errRemoved
	}
	if len(q.msgs)+len(msgs) > q.path.MaxReady {
		metricInserts.WithLabelValues("full").Add(float64(len(msgs)))
		return fmt.Errorf("%w: %d+%d over %d", ErrFull, len(q.msgs), len(msgs), q.path.MaxReady)
	}
	q.msgs = append(q.msgs, msgs...)
	q.plan = plan
	q.sts = sts
	q.lastUse = time.Now()
	close(q.arrival)
	q.arrival = make(chan struct{})
	metricInserts.WithLabelValues("ok").Add(float64(len(msgs)))
	q.nudge()
	return nil
}

// nudge wakes the maintainer without blocking.
func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Fetch hands the next batch to a delivery session, waiting up to wait for
// work to arrive. Messages sharing a BaseID are fetched together, they form
// one transaction. A denied message-rate throttle ends the session and
// delays the path until the throttle would admit again.
func (q *Queue) Fetch(ctx context.Context, wait time.Duration) (dispatch.Batch, bool) {
	deadline := time.Now().Add(wait)
	for {
		q.mutex.Lock()
		if len(q.msgs) > 0 && q.suspended.Before(time.Now()) {
			batch := q.popBatch()
			q.lastUse = time.Now()
			q.mutex.Unlock()
			if !q.admitMessages(ctx, len(batch)) {
				q.Return(batch)
				return nil, false
			}
			return batch, true
		}
		arrival := q.arrival
		q.mutex.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, false
		}
		t := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
			return nil, false
		case <-arrival:
			t.Stop()
		}
	}
}

// popBatch removes the head message plus any companions with the same
// nonzero BaseID. Called with the mutex held.
func (q *Queue) popBatch() dispatch.Batch {
	head := q.msgs[0]
	batch := dispatch.Batch{head}
	rest := q.msgs[1:]
	if head.BaseID != 0 {
		keep := rest[:0]
		for _, m := range rest {
			if m.BaseID == head.BaseID {
				batch = append(batch, m)
			} else {
				keep = append(keep, m)
			}
		}
		rest = keep
	}
	q.msgs = append([]*spool.Msg{}, rest...)
	return batch
}

// Return puts unattempted messages back at the front of the queue.
func (q *Queue) Return(batch dispatch.Batch) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.msgs = append(append([]*spool.Msg{}, batch...), q.msgs...)
	close(q.arrival)
	q.arrival = make(chan struct{})
}

func (q *Queue) admitMessages(ctx context.Context, n int) bool {
	if q.msgRate == nil {
		return true
	}
	res, err := q.msgRate.CheckN(ctx, "msgrate:"+q.Name, int64(n))
	if err != nil {
		q.reg.log.Errorx("message rate throttle", err, slog.String("ready", q.Name))
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

// noteConnectFailure feeds the consecutive-failure delay: after the
// configured number of connection failures in a row the whole path backs
// off for a minute instead of hammering a dead destination.
func (q *Queue) noteConnectFailure(h dns.Host, err error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.failures++
	if limit := q.path.ConsecutiveConnectionFailuresBeforeDelay; limit > 0 && q.failures >= limit {
		q.delayUntil = time.Now().Add(time.Minute)
		q.failures = 0
	}
}

func (q *Queue) noteSessionEnd(clean bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.sessions--
	if clean {
		q.failures = 0
	}
	q.lastUse = time.Now()
	metricSessions.Dec()
	q.nudge()
}

// shrink drops resident message bodies, the spool files remain
// authoritative. Called when the process runs low on memory.
func (q *Queue) shrink() (n int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for _, m := range q.msgs {
		if m.Body != nil {
			m.Shrink()
			n++
		}
	}
	return n
}

// removeIDs filters out queued messages with the given spool IDs, for admin
// removal. Returns how many were taken out.
func (q *Queue) removeIDs(ids map[int64]bool) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	keep := q.msgs[:0]
	n := 0
	for _, m := range q.msgs {
		if ids[m.ID] {
			n++
			continue
		}
		keep = append(keep, m)
	}
	q.msgs = keep
	return n
}

// drain takes all queued messages out, for handing back to the scheduled
// queues.
func (q *Queue) drain() []*spool.Msg {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	msgs := q.msgs
	q.msgs = nil
	return msgs
}
