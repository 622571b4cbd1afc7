// Package queue implements the scheduled side of outbound delivery.
// Messages wait in per-destination queues under exponential backoff until
// they fall due; a maintainer then resolves the destination topology, picks
// an egress source and promotes them into ready queues for dispatch.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/ready"
	"github.com/drover-mta/drover/spool"
)

var (
	metricScheduled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_scheduled",
			Help: "Messages waiting in scheduled queues.",
		},
	)
	metricOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_queue_outcomes_total",
			Help: "Final and intermediate message outcomes.",
		},
		[]string{"outcome"},
	)
)

// Manager owns the scheduled queues and the ready-queue registry, and
// implements the delivery outcome handling that closes the loop: failed
// attempts are rescheduled with backoff, successes and permanent failures
// leave the spool.
type Manager struct {
	log      mlog.Log
	elog     *slog.Logger
	topo     *egress.Topology
	resolver dns.DeliveryResolver
	ready    *ready.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	memState atomic.Int32 // memlimit.State, refuses submissions when critical.

	mutex  sync.Mutex
	queues map[string]*schedQueue
}

// NewManager wires the manager into its collaborators. The ready registry is
// created here so the manager can install itself as the outcome handler;
// readyCfg supplies the protocol session factory and tuning.
func NewManager(elog *slog.Logger, topo *egress.Topology, resolver dns.DeliveryResolver, readyCfg ready.Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		log:      mlog.New("queue", elog),
		elog:     elog,
		topo:     topo,
		resolver: resolver,
		ctx:      ctx,
		cancel:   cancel,
		queues:   map[string]*schedQueue{},
	}
	readyCfg.Disposer = mgr
	readyCfg.Requeue = mgr.requeueBatch
	if readyCfg.TLSMemo == nil {
		readyCfg.TLSMemo = dispatch.NewTLSMemo(0)
	}
	mgr.ready = ready.NewRegistry(elog, readyCfg)
	return mgr
}

// Start rebuilds the schedules from the spool, for messages that were
// pending when the process last stopped.
func (mgr *Manager) Start() error {
	names, err := spool.QueueNames(mgr.ctx)
	if err != nil {
		return fmt.Errorf("listing queues in spool: %v", err)
	}
	n := 0
	for _, name := range names {
		msgs, err := spool.MsgsByQueue(mgr.ctx, name)
		if err != nil {
			return fmt.Errorf("loading queue %s: %v", name, err)
		}
		for i := range msgs {
			mgr.schedule(&msgs[i])
			n++
		}
	}
	if n > 0 {
		mgr.log.Info("rebuilt schedules from spool", slog.Int("messages", n), slog.Int("queues", len(names)))
	}
	return nil
}

// Shutdown stops maintainers and delivery sessions and waits for them.
// Messages stay in the spool for the next start.
func (mgr *Manager) Shutdown() {
	mgr.ready.Shutdown()
	mgr.cancel()
	mgr.wg.Wait()
}

// Ready exposes the ready-queue registry, for admin suspension and depth
// inspection.
func (mgr *Manager) Ready() *ready.Registry {
	return mgr.ready
}

// queue returns the scheduled queue with the given name, creating it and
// its maintainer if needed.
func (mgr *Manager) queue(name string) *schedQueue {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	if q, ok := mgr.queues[name]; ok {
		return q
	}
	q := newSchedQueue(mgr, name)
	mgr.queues[name] = q
	mgr.wg.Add(1)
	go q.maintain()
	return q
}

// removeQueue takes q out of the manager if its wheel is still empty. Locks
// are taken in manager-then-queue order, so a concurrent schedule either
// lands before the removal or finds a fresh queue under the same name.
func (mgr *Manager) removeQueue(q *schedQueue) bool {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.wheel.Len() > 0 || mgr.queues[q.name] != q {
		return false
	}
	q.removed = true
	delete(mgr.queues, q.name)
	return true
}

// schedule files m with its scheduled queue at m.NextAttempt. An existing
// schedule for the same message is replaced.
func (mgr *Manager) schedule(m *spool.Msg) {
	mgr.queue(m.QueueName).schedule(m.ID, m.NextAttempt)
}

// unschedule cancels a pending schedule, e.g. after an admin removed the
// message. Messages already promoted to a ready queue are unaffected.
func (mgr *Manager) unschedule(queueName string, id int64) {
	mgr.mutex.Lock()
	q := mgr.queues[queueName]
	mgr.mutex.Unlock()
	if q != nil {
		q.unschedule(id)
	}
}

// kick wakes all queue maintainers, e.g. after admin changes to next
// attempt times.
func (mgr *Manager) kick() {
	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	for _, q := range mgr.queues {
		q.nudge()
	}
}
