package queue

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/memlimit"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/ready"
	"github.com/drover-mta/drover/spool"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestName(t *testing.T) {
	vectors := []struct {
		s string
		n Name
	}{
		{"example.com", Name{Domain: "example.com"}},
		{"tenant@example.com", Name{Tenant: "tenant", Domain: "example.com"}},
		{"campaign:tenant@example.com", Name{Campaign: "campaign", Tenant: "tenant", Domain: "example.com"}},
		{"campaign:tenant@example.com!relay.example.net", Name{Campaign: "campaign", Tenant: "tenant", Domain: "example.com", RoutingDomain: "relay.example.net"}},
		{"example.com!relay.example.net", Name{Domain: "example.com", RoutingDomain: "relay.example.net"}},
	}
	for _, v := range vectors {
		n, err := ParseName(v.s)
		tcheck(t, err, "parse "+v.s)
		if n != v.n {
			t.Fatalf("parsed %q to %+v, expected %+v", v.s, n, v.n)
		}
		if s := n.String(); s != v.s {
			t.Fatalf("rendered %+v as %q, expected %q", n, s, v.s)
		}
	}
	if _, err := ParseName("not a domain"); err == nil {
		t.Fatalf("parse of malformed name succeeded")
	}
}

func TestRetryDelay(t *testing.T) {
	within := func(d, lo, hi time.Duration) {
		t.Helper()
		if d < lo || d > hi {
			t.Fatalf("delay %v outside [%v, %v]", d, lo, hi)
		}
	}
	// Base interval with a minute of jitter headroom either way.
	within(retryDelay(20*time.Minute, 0, 1), 19*time.Minute, 21*time.Minute)
	within(retryDelay(20*time.Minute, 0, 2), 39*time.Minute, 41*time.Minute)
	within(retryDelay(20*time.Minute, 0, 3), 79*time.Minute, 81*time.Minute)
	// The cap bounds growth.
	within(retryDelay(20*time.Minute, time.Hour, 10), 59*time.Minute, 61*time.Minute)
}

type scriptedProto struct {
	err error // Returned by every Deliver, nil for success.
}

func (p scriptedProto) Deliver(ctx context.Context, sender string, rcpts []string, body []byte) ([]error, error) {
	var e dispatch.Error
	if p.err != nil && errors.As(p.err, &e) && e.Transport() {
		return nil, p.err
	}
	rcptErrs := make([]error, len(rcpts))
	for i := range rcptErrs {
		rcptErrs[i] = p.err
	}
	return rcptErrs, nil
}
func (p scriptedProto) Quit(ctx context.Context) error { return nil }
func (p scriptedProto) Close() error                   { return nil }

func protoFactory(err error) dispatch.NewProtoFunc {
	return func(ctx context.Context, log mlog.Log, conn net.Conn, opts dispatch.ProtoOpts) (dispatch.Proto, error) {
		return scriptedProto{err: err}, nil
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close()
						return
					}
				}
			}()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 300; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// setup builds a manager against a mock DNS zone for example.com and a
// static egress config delivering to 127.0.0.1:port.
func setup(t *testing.T, port int, protoErr error, pathTweak func(*egress.PathConfig)) *Manager {
	t.Helper()
	err := spool.Init(t.TempDir())
	tcheck(t, err, "spool init")
	t.Cleanup(spool.Shutdown)

	mock := dns.MockResolver{
		A:  map[string][]string{"mx.example.com.": {"127.0.0.1"}},
		MX: map[string][]*net.MX{"example.com.": {{Host: "mx.example.com.", Pref: 10}}},
	}
	resolver := dns.LiveResolver{Resolver: mock}

	path := egress.PathConfig{
		ReconnectStrategy: egress.TerminateSession,
		ConnectTimeout:    time.Second,
	}
	if pathTweak != nil {
		pathTweak(&path)
	}
	static := &egress.StaticResolver{
		Queues: map[string]egress.QueueConfig{
			"default": {EgressPool: "testpool"},
		},
		Pools: map[string]egress.Pool{
			"testpool": {Entries: []egress.PoolEntry{{Source: "testsource"}}},
		},
		Sources: map[string]egress.Source{
			"testsource": {RemotePort: port},
		},
		Paths: map[string]egress.PathConfig{"default": path},
	}
	topo := egress.NewTopology(nil, static)

	mgr := NewManager(nil, topo, resolver, ready.Config{
		NewProto: protoFactory(protoErr),
		Interval: 20 * time.Millisecond,
	})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func count(t *testing.T, mgr *Manager, f Filter) int {
	t.Helper()
	msgs, err := mgr.List(ctxbg, f)
	tcheck(t, err, "list")
	return len(msgs)
}

func TestSubmitDeliver(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	mgr := setup(t, port, nil, nil)

	ids, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "submit")
	if len(ids) != 1 {
		t.Fatalf("got ids %v, expected one", ids)
	}

	waitFor(t, "delivery", func() bool { return count(t, mgr, Filter{}) == 0 })
}

func TestSubmitBatch(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	mgr := setup(t, port, nil, nil)

	rcpts := []string{"a@example.com", "b@example.com", "c@example.com"}
	ids, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: rcpts}, []byte("Subject: hi\r\n\r\nhello\r\n"))
	tcheck(t, err, "submit")
	if len(ids) != 3 {
		t.Fatalf("got ids %v, expected three", ids)
	}
	msgs, err := mgr.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	for _, m := range msgs {
		if m.BaseID != ids[0] {
			t.Fatalf("message %d has base id %d, expected %d", m.ID, m.BaseID, ids[0])
		}
	}

	waitFor(t, "delivery", func() bool { return count(t, mgr, Filter{}) == 0 })
}

func TestPermanentFailure(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	derr := dispatch.Error{Permanent: true, Code: 550, Secode: "1.1", Line: "550 5.1.1 no such user"}
	mgr := setup(t, port, derr, nil)

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")

	// Bounced out of the spool after one attempt.
	waitFor(t, "bounce", func() bool { return count(t, mgr, Filter{}) == 0 })
}

func TestTransientBackoff(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	derr := dispatch.Error{Code: 452, Secode: "2.2", Line: "452 4.2.2 mailbox full"}
	mgr := setup(t, port, derr, nil)

	start := time.Now()
	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")

	waitFor(t, "attempt", func() bool {
		msgs, err := mgr.List(ctxbg, Filter{})
		tcheck(t, err, "list")
		return len(msgs) == 1 && msgs[0].Attempts >= 1
	})
	msgs, err := mgr.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	m := msgs[0]
	if m.LastError == "" || m.LastAttempt == nil {
		t.Fatalf("message without failure bookkeeping: %+v", m)
	}
	// First retry is scheduled roughly a base interval out.
	if m.NextAttempt.Before(start.Add(15*time.Minute)) || m.NextAttempt.After(start.Add(25*time.Minute)) {
		t.Fatalf("next attempt %v, expected around 20m after %v", m.NextAttempt, start)
	}
}

func TestReadyFull(t *testing.T) {
	// No listener: connections fail, so messages pile up in the bounded
	// ready queue instead of draining.
	mgr := setup(t, closedPort(t), nil, func(pc *egress.PathConfig) {
		pc.MaxReady = 1
	})

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"one@example.com"}}, []byte("m"))
	tcheck(t, err, "submit one")
	_, err = mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"two@example.com"}}, []byte("m"))
	tcheck(t, err, "submit two")

	waitFor(t, "ready queue to fill", func() bool {
		return mgr.Ready().Depths()["testsource->mx.example.com"] == 1
	})
	// Both messages survive, neither counts a delivery attempt: connection
	// failures and a full ready queue are not attempts.
	msgs, err := mgr.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	if len(msgs) != 2 {
		t.Fatalf("%d messages in spool, expected 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Attempts != 0 {
			t.Fatalf("message %d has %d attempts, expected 0", m.ID, m.Attempts)
		}
	}
}

func TestMemoryCritical(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")
	waitFor(t, "promotion", func() bool {
		return mgr.Ready().Depths()["testsource->mx.example.com"] == 1
	})

	mgr.noteMemState(memlimit.StateCritical)
	if _, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"more@example.com"}}, []byte("m")); !errors.Is(err, ErrMemory) {
		t.Fatalf("got %v, expected ErrMemory", err)
	}
	// The ready queues were drained back into the scheduled queues, the
	// message survives in the spool.
	if d := mgr.Ready().Depths()["testsource->mx.example.com"]; d != 0 {
		t.Fatalf("ready queue depth %d after drain, expected 0", d)
	}
	if count(t, mgr, Filter{}) != 1 {
		t.Fatalf("message lost during drain")
	}

	mgr.noteMemState(memlimit.StateOK)
	_, err = mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"more@example.com"}}, []byte("m"))
	tcheck(t, err, "submit after recovery")
}

func TestShrinkAfterPromotion(t *testing.T) {
	// A promoted message carries its resident body into the ready queue,
	// so shedding under memory pressure has something to shed.
	mgr := setup(t, closedPort(t), nil, nil)

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")
	waitFor(t, "promotion", func() bool {
		return mgr.Ready().Depths()["testsource->mx.example.com"] == 1
	})

	if n := mgr.Ready().Shrink(); n != 1 {
		t.Fatalf("shed %d resident bodies, expected 1", n)
	}
}

func TestScheduleAfterTeardown(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)

	q := mgr.queue("example.com")
	if !mgr.removeQueue(q) {
		t.Fatalf("idle queue not removed")
	}

	// A schedule racing the teardown lands in a fresh queue, not in the
	// dead wheel.
	m := &spool.Msg{
		QueueName:   "example.com",
		Domain:      "example.com",
		Sender:      "s@origin.example",
		Recipient:   "late@example.com",
		NextAttempt: time.Now().Add(time.Hour),
	}
	err := spool.Add(ctxbg, mlog.New("test", nil), m, []byte("m"))
	tcheck(t, err, "spool add")
	q.schedule(m.ID, m.NextAttempt)

	q2 := mgr.queue("example.com")
	if q2 == q {
		t.Fatalf("stale queue still registered")
	}
	q2.mutex.Lock()
	_, scheduled := q2.handles[m.ID]
	q2.mutex.Unlock()
	if !scheduled {
		t.Fatalf("message not scheduled in the fresh queue")
	}
	// A queue with pending work refuses removal.
	if mgr.removeQueue(q2) {
		t.Fatalf("queue with a scheduled message removed")
	}
}

func TestDropFromReady(t *testing.T) {
	// No listener: the message is promoted but sits in the ready queue.
	mgr := setup(t, closedPort(t), nil, nil)

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")
	waitFor(t, "promotion", func() bool {
		return mgr.Ready().Depths()["testsource->mx.example.com"] == 1
	})

	n, err := mgr.Drop(ctxbg, Filter{})
	tcheck(t, err, "drop")
	if n != 1 {
		t.Fatalf("drop affected %d messages, expected 1", n)
	}
	if d := mgr.Ready().Depths()["testsource->mx.example.com"]; d != 0 {
		t.Fatalf("dropped message still in ready queue, depth %d", d)
	}
	if count(t, mgr, Filter{}) != 0 {
		t.Fatalf("spool not empty after drop")
	}
}

func TestFailedAfterRemove(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)
	log := mlog.New("test", nil)

	m := &spool.Msg{
		QueueName:   "example.com",
		Domain:      "example.com",
		Sender:      "s@origin.example",
		Recipient:   "gone@example.com",
		NextAttempt: time.Now().Add(time.Hour),
	}
	err := spool.Add(ctxbg, log, m, []byte("m"))
	tcheck(t, err, "spool add")
	err = spool.Remove(ctxbg, log, *m)
	tcheck(t, err, "spool remove")

	// A transient failure for a message an admin removed mid-flight is
	// dropped instead of rescheduled.
	mgr.Failed(ctxbg, log, m, dispatch.Error{Code: 452, Secode: "2.2", Line: "452 4.2.2 try later"})
	mgr.delay(ctxbg, log, m, time.Second, "returned by ready queue")
	q := mgr.queue("example.com")
	q.mutex.Lock()
	_, scheduled := q.handles[m.ID]
	q.mutex.Unlock()
	if scheduled {
		t.Fatalf("removed message was rescheduled")
	}
}

func TestExpire(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)

	// Spool a message that exceeded the default maximum age.
	m := &spool.Msg{
		QueueName:   "example.com",
		Domain:      "example.com",
		Sender:      "s@origin.example",
		Recipient:   "old@example.com",
		Queued:      time.Now().Add(-8 * 24 * time.Hour),
		NextAttempt: time.Now(),
	}
	err := spool.Add(ctxbg, mlog.New("test", nil), m, []byte("m"))
	tcheck(t, err, "spool add")
	mgr.schedule(m)

	waitFor(t, "expiry", func() bool { return count(t, mgr, Filter{}) == 0 })
}

func TestSuppressed(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)

	err := spool.SuppressionAdd(ctxbg, "blocked@example.com", "hard bounce")
	tcheck(t, err, "suppression add")

	_, err = mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"blocked@example.com"}}, []byte("m"))
	if !errors.Is(err, spool.ErrSuppressed) {
		t.Fatalf("got %v, expected ErrSuppressed", err)
	}

	// Variants of the same base address are suppressed too.
	_, err = mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"blocked+tag@example.com"}}, []byte("m"))
	if !errors.Is(err, spool.ErrSuppressed) {
		t.Fatalf("got %v for variant, expected ErrSuppressed", err)
	}
}

func TestAdmin(t *testing.T) {
	mgr := setup(t, closedPort(t), nil, nil)
	// Make resolution fail so the message stays rescheduled far out.
	mgr.resolver = dns.LiveResolver{Resolver: dns.MockResolver{
		Fail: []string{"mx example.com."},
	}}

	_, err := mgr.Submit(ctxbg, Submission{Sender: "s@origin.example", Recipients: []string{"rcpt@example.com"}}, []byte("m"))
	tcheck(t, err, "submit")

	waitFor(t, "transient resolve failure", func() bool {
		msgs, err := mgr.List(ctxbg, Filter{})
		tcheck(t, err, "list")
		return len(msgs) == 1 && msgs[0].Attempts == 1
	})

	hold := true
	n, err := mgr.HoldSet(ctxbg, Filter{To: "rcpt@"}, true)
	tcheck(t, err, "hold")
	if n != 1 {
		t.Fatalf("hold affected %d messages, expected 1", n)
	}
	if count(t, mgr, Filter{Hold: &hold}) != 1 {
		t.Fatalf("held message not listed")
	}

	// Kicking a held message promotes nothing; its attempts stay put.
	n, err = mgr.Kick(ctxbg, Filter{})
	tcheck(t, err, "kick")
	if n != 1 {
		t.Fatalf("kick affected %d messages, expected 1", n)
	}
	time.Sleep(100 * time.Millisecond)
	msgs, err := mgr.List(ctxbg, Filter{})
	tcheck(t, err, "list")
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("held message was attempted: %+v", msgs)
	}

	n, err = mgr.Drop(ctxbg, Filter{})
	tcheck(t, err, "drop")
	if n != 1 {
		t.Fatalf("drop affected %d messages, expected 1", n)
	}
	if count(t, mgr, Filter{}) != 0 {
		t.Fatalf("spool not empty after drop")
	}
}
