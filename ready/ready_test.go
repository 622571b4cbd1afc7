package ready

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
	"github.com/drover-mta/drover/throttle"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestIdealConnections(t *testing.T) {
	if n := idealConnections(0, 32); n != 0 {
		t.Fatalf("empty queue wants %d connections, expected 0", n)
	}
	if n := idealConnections(1, 32); n != 1 {
		t.Fatalf("single message wants %d connections, expected 1", n)
	}
	// Deep queues approach the limit but never exceed it.
	if n := idealConnections(100, 32); n != 29 {
		t.Fatalf("depth 100 wants %d connections, expected 29", n)
	}
	if n := idealConnections(1000000, 32); n != 32 {
		t.Fatalf("very deep queue wants %d connections, expected the limit of 32", n)
	}
	if n := idealConnections(5, 1); n != 1 {
		t.Fatalf("limit 1 wants %d connections, expected 1", n)
	}
}

type recordingDisposer struct {
	sync.Mutex
	delivered []int64
	failed    []int64
}

func (d *recordingDisposer) Delivered(ctx context.Context, log mlog.Log, m *spool.Msg) {
	d.Lock()
	defer d.Unlock()
	d.delivered = append(d.delivered, m.ID)
}

func (d *recordingDisposer) Failed(ctx context.Context, log mlog.Log, m *spool.Msg, err dispatch.Error) {
	d.Lock()
	defer d.Unlock()
	d.failed = append(d.failed, m.ID)
}

func (d *recordingDisposer) deliveredIDs() []int64 {
	d.Lock()
	defer d.Unlock()
	return append([]int64{}, d.delivered...)
}

type okProto struct{}

func (okProto) Deliver(ctx context.Context, sender string, rcpts []string, body []byte) ([]error, error) {
	return make([]error, len(rcpts)), nil
}
func (okProto) Quit(ctx context.Context) error { return nil }
func (okProto) Close() error                   { return nil }

func newProtoOK(ctx context.Context, log mlog.Log, conn net.Conn, opts dispatch.ProtoOpts) (dispatch.Proto, error) {
	return okProto{}, nil
}

func testMsg(id int64) *spool.Msg {
	body := []byte("Subject: test\r\n\r\nhi\r\n")
	return &spool.Msg{ID: id, Sender: "s@origin.example", Recipient: "r@example.com", Body: body, Size: int64(len(body))}
}

func testPlan() *dispatch.Plan {
	return &dispatch.Plan{
		Site: "test-site",
		Hosts: []dns.Host{
			{Name: dns.Domain{ASCII: "mx.example.com"}, IPs: []net.IP{net.ParseIP("127.0.0.1")}},
		},
	}
}

// listen returns a listener that accepts and discards connections, and the
// port it listens on.
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

// closedPort returns a port nothing listens on.
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
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestDeliverEndToEnd(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	disp := &recordingDisposer{}
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: disp,
		Interval: 10 * time.Millisecond,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	source := egress.Source{Name: "default", RemotePort: port}

	err := reg.Deliver("test-site", source, path, dns.STSNone, testPlan(), testMsg(1))
	tcheck(t, err, "deliver")

	waitFor(t, "delivery", func() bool { return len(disp.deliveredIDs()) == 1 })
	if depths := reg.Depths(); depths["default->test-site"] != 0 {
		t.Fatalf("queue still has depth %d", depths["default->test-site"])
	}
}

func TestDeliverFull(t *testing.T) {
	disp := &recordingDisposer{}
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: disp,
		Interval: time.Hour, // Keep the maintainer out of the way.
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.MaxReady = 1
	path.ReconnectStrategy = egress.TerminateSession
	source := egress.Source{Name: "default", RemotePort: closedPort(t)}

	err := reg.Deliver("full-site", source, path, dns.STSNone, testPlan(), testMsg(1))
	tcheck(t, err, "first deliver")
	err = reg.Deliver("full-site", source, path, dns.STSNone, testPlan(), testMsg(2))
	if !errors.Is(err, ErrFull) {
		t.Fatalf("got %v, expected ErrFull", err)
	}
}

func TestSuspendRequeues(t *testing.T) {
	var mu sync.Mutex
	var requeued []int64
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: &recordingDisposer{},
		Requeue: func(batch dispatch.Batch) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range batch {
				requeued = append(requeued, m.ID)
			}
		},
		Interval: 10 * time.Millisecond,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.ReconnectStrategy = egress.TerminateSession
	source := egress.Source{Name: "default", RemotePort: closedPort(t)}

	err := reg.Deliver("suspend-site", source, path, dns.STSNone, testPlan(), testMsg(1))
	tcheck(t, err, "deliver")
	reg.Suspend("suspend-site", "", time.Now().Add(time.Hour))

	waitFor(t, "requeue", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requeued) == 1
	})
}

func TestShrink(t *testing.T) {
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: &recordingDisposer{},
		Interval: time.Hour,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.ReconnectStrategy = egress.TerminateSession
	source := egress.Source{Name: "default", RemotePort: closedPort(t)}

	m := testMsg(1)
	err := reg.Deliver("shrink-site", source, path, dns.STSNone, testPlan(), m)
	tcheck(t, err, "deliver")

	if n := reg.Shrink(); n != 1 {
		t.Fatalf("shed %d bodies, expected 1", n)
	}
	if m.Body != nil {
		t.Fatalf("resident body still present after shrink")
	}
}

func TestDeliverAfterTeardown(t *testing.T) {
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: &recordingDisposer{},
		Interval: time.Hour,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.ReconnectStrategy = egress.TerminateSession
	source := egress.Source{Name: "default", RemotePort: closedPort(t)}

	q := reg.queue("gone-site", source, path)
	if !reg.remove(q) {
		t.Fatalf("idle queue not removed")
	}
	// The stale queue refuses inserts, Deliver starts over with a fresh one.
	if err := q.insert(testPlan(), dns.STSNone, []*spool.Msg{testMsg(1)}); !errors.Is(err, errRemoved) {
		t.Fatalf("got %v, expected errRemoved", err)
	}
	err := reg.Deliver("gone-site", source, path, dns.STSNone, testPlan(), testMsg(2))
	tcheck(t, err, "deliver after teardown")
	if depths := reg.Depths(); depths["default->gone-site"] != 1 {
		t.Fatalf("fresh queue depths %v, expected message 2 queued", depths)
	}
}

func TestTeardownConcurrent(t *testing.T) {
	// Registry-wide operations and idle teardowns run concurrently without
	// wedging: both take the registry lock before any queue lock.
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: &recordingDisposer{},
		Interval: time.Millisecond,
		IdleAge:  time.Millisecond,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	source := egress.Source{Name: "default"}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			reg.Depths()
			reg.Suspend("churn-site", "", time.Now())
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		reg.queue("churn-site", source, path)
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("registry operations wedged during idle teardowns")
	}
}

func TestRemoveIDs(t *testing.T) {
	reg := NewRegistry(nil, Config{
		NewProto: newProtoOK,
		Disposer: &recordingDisposer{},
		Interval: time.Hour,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.ReconnectStrategy = egress.TerminateSession
	source := egress.Source{Name: "default", RemotePort: closedPort(t)}

	err := reg.Deliver("remove-site", source, path, dns.STSNone, testPlan(), testMsg(1), testMsg(2), testMsg(3))
	tcheck(t, err, "deliver")

	if n := reg.Remove(map[int64]bool{2: true, 4: true}); n != 1 {
		t.Fatalf("removed %d messages, expected 1", n)
	}
	if depths := reg.Depths(); depths["default->remove-site"] != 2 {
		t.Fatalf("depths %v, expected 2 left", depths)
	}
}

type slowProto struct {
	release chan struct{}
}

func (p slowProto) Deliver(ctx context.Context, sender string, rcpts []string, body []byte) ([]error, error) {
	<-p.release
	return make([]error, len(rcpts)), nil
}
func (p slowProto) Quit(ctx context.Context) error { return nil }
func (p slowProto) Close() error                   { return nil }

func TestSessionLeaseKeepalive(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	release := make(chan struct{})
	newProto := func(ctx context.Context, log mlog.Log, conn net.Conn, opts dispatch.ProtoOpts) (dispatch.Proto, error) {
		return slowProto{release: release}, nil
	}
	disp := &recordingDisposer{}
	reg := NewRegistry(nil, Config{
		NewProto: newProto,
		Disposer: disp,
		Interval: 10 * time.Millisecond,
		LeaseTTL: 300 * time.Millisecond,
	})
	defer reg.Shutdown()

	var path egress.PathConfig
	path.Fill()
	path.ConnectionLimit = 1
	source := egress.Source{Name: "default", RemotePort: port}

	err := reg.Deliver("slow-site", source, path, dns.STSNone, testPlan(), testMsg(1))
	tcheck(t, err, "deliver")

	// Long past the original TTL the running session must still hold the
	// single connection lease.
	time.Sleep(time.Second)
	lease, err := throttle.Acquire(ctxbg, "conn:default->slow-site", 1, 300*time.Millisecond, throttle.ScopeShared)
	if err == nil {
		lease.Release(ctxbg)
		t.Fatalf("acquired a second lease while a session holds the only slot")
	}
	if !errors.Is(err, throttle.ErrLeasesBusy) {
		t.Fatalf("got %v, expected ErrLeasesBusy", err)
	}
	close(release)
	waitFor(t, "delivery", func() bool { return len(disp.deliveredIDs()) == 1 })
}

func TestFetchBatching(t *testing.T) {
	q := &Queue{
		Name:    "default->batch-site",
		reg:     NewRegistry(nil, Config{Interval: time.Hour}),
		path:    egress.PathConfig{MaxReady: 100},
		wake:    make(chan struct{}, 1),
		arrival: make(chan struct{}),
	}
	m1 := testMsg(1)
	m1.BaseID = 7
	m2 := testMsg(2)
	m3 := testMsg(3)
	m3.BaseID = 7
	err := q.insert(testPlan(), dns.STSNone, []*spool.Msg{m1, m2, m3})
	tcheck(t, err, "insert")

	batch, ok := q.Fetch(ctxbg, 0)
	if !ok || len(batch) != 2 || batch[0].ID != 1 || batch[1].ID != 3 {
		t.Fatalf("got batch %v, expected messages 1 and 3 together", batch)
	}
	batch, ok = q.Fetch(ctxbg, 0)
	if !ok || len(batch) != 1 || batch[0].ID != 2 {
		t.Fatalf("got batch %v, expected message 2", batch)
	}
	if _, ok = q.Fetch(ctxbg, 0); ok {
		t.Fatalf("fetch from empty queue succeeded")
	}

	// Returned messages come out first again.
	q.Return(dispatch.Batch{m2})
	batch, ok = q.Fetch(ctxbg, 0)
	if !ok || len(batch) != 1 || batch[0].ID != 2 {
		t.Fatalf("got batch %v after return, expected message 2", batch)
	}
}

func TestFetchWaits(t *testing.T) {
	reg := NewRegistry(nil, Config{Interval: time.Hour})
	q := reg.queue("wait-site", egress.Source{Name: "default"}, egress.PathConfig{MaxReady: 100, ConnectionLimit: -1})

	start := time.Now()
	go func() {
		time.Sleep(50 * time.Millisecond)
		err := q.insert(testPlan(), dns.STSNone, []*spool.Msg{testMsg(1)})
		if err != nil {
			panic(err)
		}
	}()
	batch, ok := q.Fetch(ctxbg, 2*time.Second)
	if !ok || len(batch) != 1 {
		t.Fatalf("fetch did not see the late insert")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("fetch took too long")
	}
	reg.Shutdown()
}
