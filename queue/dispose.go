package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mjl-/bstore"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
)

// Record kinds for the structured delivery log. One record is emitted per
// significant event in a message's life, for operators to ship to their log
// pipeline.
const (
	recReception = "Reception"
	recDelivery  = "Delivery"
	recTransient = "TransientFailure"
	recBounce    = "Bounce"
	recExpired   = "Expired"
	recDelayed   = "Delayed"
)

func record(log mlog.Log, kind string, m *spool.Msg, attrs ...slog.Attr) {
	all := append([]slog.Attr{
		slog.String("record", kind),
		slog.Int64("msgid", m.ID),
		slog.String("queue", m.QueueName),
		slog.String("recipient", m.Recipient),
		slog.Int("attempts", m.Attempts),
	}, attrs...)
	log.Info("delivery event", all...)
}

// Delivered handles a successful delivery: the message leaves the spool.
func (mgr *Manager) Delivered(ctx context.Context, log mlog.Log, m *spool.Msg) {
	metricOutcomes.WithLabelValues("delivered").Inc()
	record(log, recDelivery, m)
	if err := spool.Remove(ctx, log, *m); err != nil {
		log.Errorx("removing delivered message from spool", err, slog.Int64("msgid", m.ID))
	}
}

// Failed handles a failed delivery attempt: permanent failures bounce,
// transient ones are rescheduled with backoff until the message exceeds its
// maximum age.
func (mgr *Manager) Failed(ctx context.Context, log mlog.Log, m *spool.Msg, derr dispatch.Error) {
	now := time.Now()
	m.Attempts++
	m.LastAttempt = &now
	m.LastError = derr.Error()

	if derr.Permanent {
		mgr.bounce(ctx, log, m, derr.Error())
		return
	}

	qc := mgr.queue(m.QueueName).config(ctx)
	if time.Since(m.Queued) > qc.MaxAge {
		mgr.expire(ctx, log, m)
		return
	}
	d := retryDelay(qc.RetryInterval, qc.MaxRetryInterval, m.Attempts)
	m.NextAttempt = now.Add(d)
	if err := spool.Update(ctx, m); err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			// Removed by an admin while the attempt was in flight.
			return
		}
		log.Errorx("updating message after failed attempt", err, slog.Int64("msgid", m.ID))
	}
	metricOutcomes.WithLabelValues("transient").Inc()
	record(log, recTransient, m, slog.Duration("delay", d), slog.String("error", derr.Error()))
	mgr.schedule(m)
}

// delay reschedules without counting a delivery attempt, e.g. when the
// ready queue is full or no egress source is admitted right now.
func (mgr *Manager) delay(ctx context.Context, log mlog.Log, m *spool.Msg, d time.Duration, reason string) {
	if d > time.Minute {
		d = time.Minute
	}
	if d <= 0 {
		d = time.Second
	}
	m.NextAttempt = time.Now().Add(d)
	if err := spool.Update(ctx, m); err != nil {
		if errors.Is(err, bstore.ErrAbsent) {
			// Removed by an admin while the message was in a ready queue.
			return
		}
		log.Errorx("updating delayed message", err, slog.Int64("msgid", m.ID))
	}
	metricOutcomes.WithLabelValues("delayed").Inc()
	record(log, recDelayed, m, slog.Duration("delay", d), slog.String("reason", reason))
	mgr.schedule(m)
}

// expire removes a message that exceeded the queue's maximum age.
func (mgr *Manager) expire(ctx context.Context, log mlog.Log, m *spool.Msg) {
	metricOutcomes.WithLabelValues("expired").Inc()
	record(log, recExpired, m, slog.Time("queued", m.Queued))
	if err := spool.Remove(ctx, log, *m); err != nil {
		log.Errorx("removing expired message from spool", err, slog.Int64("msgid", m.ID))
	}
}

// bounce removes a permanently failed message.
func (mgr *Manager) bounce(ctx context.Context, log mlog.Log, m *spool.Msg, reason string) {
	metricOutcomes.WithLabelValues("bounced").Inc()
	record(log, recBounce, m, slog.String("error", reason))
	if err := spool.Remove(ctx, log, *m); err != nil {
		log.Errorx("removing bounced message from spool", err, slog.Int64("msgid", m.ID))
	}
}

// requeueBatch takes messages back from a ready queue, e.g. on suspension
// or shutdown, and reschedules them shortly without counting an attempt.
func (mgr *Manager) requeueBatch(batch dispatch.Batch) {
	ctx := context.Background()
	for _, m := range batch {
		log := mgr.log.WithCid(mlog.Cid())
		mgr.delay(ctx, log, m, time.Duration(rand.Int63n(int64(time.Minute))), "returned by ready queue")
	}
}

// retryDelay is the backoff before attempt n+1: the base interval doubled
// per prior attempt, capped when a cap is configured, with jitter of a
// twentieth of the interval bounded by a minute.
func retryDelay(base, maxInterval time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 20 * time.Minute
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if maxInterval > 0 && d >= maxInterval {
			d = maxInterval
			break
		}
		if d > 30*24*time.Hour {
			d = 30 * 24 * time.Hour
			break
		}
	}
	if maxInterval > 0 && d > maxInterval {
		d = maxInterval
	}
	j := d / 20
	if j > time.Minute {
		j = time.Minute
	}
	if j > 0 {
		d += time.Duration(rand.Int63n(int64(2*j))) - j
	}
	return d
}

var _ dispatch.Disposer = (*Manager)(nil)
