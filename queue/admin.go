package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
)

// Filter selects messages in the spool for admin operations. Zero values
// match everything.
type Filter struct {
	IDs           []int64
	Queue         string // Exact queue name.
	Campaign      string
	Tenant        string
	Domain        string
	RoutingDomain string
	From          string // Substring of the envelope sender.
	To            string // Substring of the recipient.
	Hold          *bool
	Submitted     string // Whether submitted before/after a time relative to now. ">$duration" or "<$duration", also with "now" for duration.
	NextAttempt   string // ">$duration" or "<$duration", also with "now" for duration.
}

func (f Filter) apply(q *bstore.Query[spool.Msg]) error {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	applyTime := func(field string, s string) error {
		orig := s
		var before bool
		if strings.HasPrefix(s, "<") {
			before = true
		} else if !strings.HasPrefix(s, ">") {
			return fmt.Errorf(`must start with "<" for before or ">" for after a duration`)
		}
		s = s[1:]
		var t time.Time
		if s == "now" {
			t = time.Now()
		} else if d, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("parsing duration %q: %v", orig, err)
		} else {
			t = time.Now().Add(d)
		}
		if before {
			q.FilterLess(field, t)
		} else {
			q.FilterGreater(field, t)
		}
		return nil
	}
	if f.Hold != nil {
		q.FilterEqual("Hold", *f.Hold)
	}
	if f.Submitted != "" {
		if err := applyTime("Queued", f.Submitted); err != nil {
			return fmt.Errorf("applying filter for submitted: %v", err)
		}
	}
	if f.NextAttempt != "" {
		if err := applyTime("NextAttempt", f.NextAttempt); err != nil {
			return fmt.Errorf("applying filter for next attempt: %v", err)
		}
	}
	if f.Queue != "" {
		q.FilterNonzero(spool.Msg{QueueName: f.Queue})
	}
	if f.Campaign != "" {
		q.FilterNonzero(spool.Msg{Campaign: f.Campaign})
	}
	if f.Tenant != "" {
		q.FilterNonzero(spool.Msg{Tenant: f.Tenant})
	}
	if f.Domain != "" {
		q.FilterNonzero(spool.Msg{Domain: f.Domain})
	}
	if f.RoutingDomain != "" {
		q.FilterNonzero(spool.Msg{RoutingDomain: f.RoutingDomain})
	}
	if f.From != "" || f.To != "" {
		q.FilterFn(func(m spool.Msg) bool {
			return f.From != "" && strings.Contains(m.Sender, f.From) || f.To != "" && strings.Contains(m.Recipient, f.To)
		})
	}
	return nil
}

// List returns matching messages, ordered by next attempt.
func (mgr *Manager) List(ctx context.Context, f Filter) ([]spool.Msg, error) {
	q := bstore.QueryDB[spool.Msg](ctx, spool.DB)
	if err := f.apply(q); err != nil {
		return nil, err
	}
	msgs, err := q.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].NextAttempt.Equal(msgs[j].NextAttempt) {
			return msgs[i].NextAttempt.Before(msgs[j].NextAttempt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// Kick sets the next attempt of matching messages to now and wakes their
// queues.
func (mgr *Manager) Kick(ctx context.Context, f Filter) (int, error) {
	return mgr.NextAttemptSet(ctx, f, time.Now())
}

// NextAttemptSet sets the next attempt of matching messages and reschedules
// them.
func (mgr *Manager) NextAttemptSet(ctx context.Context, f Filter, t time.Time) (affected int, err error) {
	msgs, err := mgr.updateMsgs(ctx, f, func(m *spool.Msg) {
		m.NextAttempt = t
	})
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		mgr.schedule(&msgs[i])
	}
	return len(msgs), nil
}

// NextAttemptAdd shifts the next attempt of matching messages by d.
func (mgr *Manager) NextAttemptAdd(ctx context.Context, f Filter, d time.Duration) (affected int, err error) {
	msgs, err := mgr.updateMsgs(ctx, f, func(m *spool.Msg) {
		m.NextAttempt = m.NextAttempt.Add(d)
	})
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		mgr.schedule(&msgs[i])
	}
	return len(msgs), nil
}

// HoldSet sets the hold flag of matching messages. Held messages stay in
// the spool but are not delivered; clearing the flag reschedules them.
func (mgr *Manager) HoldSet(ctx context.Context, f Filter, hold bool) (affected int, err error) {
	msgs, err := mgr.updateMsgs(ctx, f, func(m *spool.Msg) {
		m.Hold = hold
		if !hold {
			m.NextAttempt = time.Now()
		}
	})
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		if hold {
			mgr.unschedule(msgs[i].QueueName, msgs[i].ID)
		} else {
			mgr.schedule(&msgs[i])
		}
	}
	return len(msgs), nil
}

func (mgr *Manager) updateMsgs(ctx context.Context, f Filter, update func(m *spool.Msg)) ([]spool.Msg, error) {
	var msgs []spool.Msg
	err := spool.DB.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[spool.Msg](tx)
		if err := f.apply(q); err != nil {
			return err
		}
		var err error
		msgs, err = q.List()
		if err != nil {
			return fmt.Errorf("listing matching messages: %v", err)
		}
		for i := range msgs {
			update(&msgs[i])
			if err := tx.Update(&msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Fail bounces matching messages out of the spool, as if they failed
// permanently.
func (mgr *Manager) Fail(ctx context.Context, f Filter) (affected int, err error) {
	return mgr.removeMsgs(ctx, f, func(log mlog.Log, m *spool.Msg) {
		mgr.bounce(ctx, log, m, "delivery canceled by admin")
	})
}

// Bounce fails matching messages with the given reason. It returns
// immediately, matching and bouncing continue in the background.
func (mgr *Manager) Bounce(ctx context.Context, f Filter, reason string) {
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		n, err := mgr.removeMsgs(mgr.ctx, f, func(log mlog.Log, m *spool.Msg) {
			mgr.bounce(mgr.ctx, log, m, reason)
		})
		mgr.log.Check(err, "bouncing messages", slog.Int("affected", n), slog.String("reason", reason))
	}()
}

// Suspend pushes the next attempt of matching messages to t without
// counting an attempt. It returns immediately, matching continues in the
// background.
func (mgr *Manager) Suspend(ctx context.Context, f Filter, t time.Time) {
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		n, err := mgr.NextAttemptSet(mgr.ctx, f, t)
		mgr.log.Check(err, "suspending messages", slog.Int("affected", n), slog.Time("until", t))
	}()
}

// Drop removes matching messages without a bounce record.
func (mgr *Manager) Drop(ctx context.Context, f Filter) (affected int, err error) {
	return mgr.removeMsgs(ctx, f, func(log mlog.Log, m *spool.Msg) {
		if err := spool.Remove(ctx, log, *m); err != nil {
			log.Errorx("removing dropped message", err)
		}
	})
}

func (mgr *Manager) removeMsgs(ctx context.Context, f Filter, remove func(log mlog.Log, m *spool.Msg)) (int, error) {
	q := bstore.QueryDB[spool.Msg](ctx, spool.DB)
	if err := f.apply(q); err != nil {
		return 0, err
	}
	msgs, err := q.List()
	if err != nil {
		return 0, err
	}
	log := mgr.log.WithCid(mlog.Cid())
	ids := make(map[int64]bool, len(msgs))
	for i := range msgs {
		ids[msgs[i].ID] = true
		mgr.unschedule(msgs[i].QueueName, msgs[i].ID)
	}
	// Messages already promoted must leave their ready queues too, or they
	// linger there without a spool record.
	mgr.ready.Remove(ids)
	for i := range msgs {
		remove(log, &msgs[i])
	}
	return len(msgs), nil
}
