package spool

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/drover-mta/drover/mlog"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func setup(t *testing.T) mlog.Log {
	t.Helper()
	dir := t.TempDir()
	tcheck(t, Init(dir), "init spool")
	t.Cleanup(Shutdown)
	return mlog.New("spool", nil)
}

func TestAddLoadRemove(t *testing.T) {
	log := setup(t)

	body := []byte("Subject: hi\r\n\r\nhello\r\n")
	m := Msg{
		QueueName:   "camp:acme@example.com",
		Campaign:    "camp",
		Tenant:      "acme",
		Domain:      "example.com",
		Sender:      "bounce@sender.example",
		Recipient:   "user@example.com",
		Meta:        map[string]string{"batch": "7"},
		NextAttempt: time.Now(),
	}
	tcheck(t, Add(ctxbg, log, &m, body), "add message")
	if m.ID == 0 {
		t.Fatalf("no id assigned")
	}
	if m.Size != int64(len(body)) {
		t.Fatalf("size %d, expected %d", m.Size, len(body))
	}
	if _, err := os.Stat(m.MessagePath()); err != nil {
		t.Fatalf("message file: %v", err)
	}

	// Resident body is served without touching the file.
	got, err := m.LoadBody()
	tcheck(t, err, "load resident body")
	if string(got) != string(body) {
		t.Fatalf("resident body mismatch")
	}

	// After shrinking, the file is read.
	m.Shrink()
	if m.Body != nil {
		t.Fatalf("body still resident after shrink")
	}
	got, err = m.LoadBody()
	tcheck(t, err, "load body from file")
	if string(got) != string(body) {
		t.Fatalf("file body mismatch")
	}

	// Scheduling updates survive a reload.
	m.Attempts = 3
	m.LastError = "connection refused"
	tcheck(t, Update(ctxbg, &m), "update message")
	l, err := MsgsByQueue(ctxbg, m.QueueName)
	tcheck(t, err, "list queue")
	if len(l) != 1 || l[0].Attempts != 3 || l[0].LastError != "connection refused" {
		t.Fatalf("got %+v, expected updated message", l)
	}

	tcheck(t, Remove(ctxbg, log, m), "remove message")
	if _, err := os.Stat(m.MessagePath()); !os.IsNotExist(err) {
		t.Fatalf("message file still present after remove: %v", err)
	}
	l, err = MsgsByQueue(ctxbg, m.QueueName)
	tcheck(t, err, "list queue")
	if len(l) != 0 {
		t.Fatalf("%d messages left after remove", len(l))
	}
}

func TestResidentBody(t *testing.T) {
	log := setup(t)

	body := []byte("Subject: hi\r\n\r\nhello\r\n")
	m := Msg{QueueName: "example.com", Domain: "example.com", Recipient: "u@example.com", NextAttempt: time.Now()}
	tcheck(t, Add(ctxbg, log, &m, body), "add message")

	// A fresh Get carries the resident body, so a rescheduled message
	// keeps its fast path.
	got, err := Get(ctxbg, m.ID)
	tcheck(t, err, "get message")
	if string(got.Body) != string(body) {
		t.Fatalf("got body %q, expected the resident copy", got.Body)
	}

	// Shedding under memory pressure really drops it: the next Get falls
	// back to the file.
	if n := ReleaseBodies(); n != 1 {
		t.Fatalf("shed %d bodies, expected 1", n)
	}
	got, err = Get(ctxbg, m.ID)
	tcheck(t, err, "get after release")
	if got.Body != nil {
		t.Fatalf("body still resident after release")
	}
	buf, err := got.LoadBody()
	tcheck(t, err, "load body from file")
	if string(buf) != string(body) {
		t.Fatalf("file body mismatch")
	}

	// Shrinking one message drops only its own body.
	m2 := Msg{QueueName: "example.com", Domain: "example.com", Recipient: "v@example.com", NextAttempt: time.Now()}
	tcheck(t, Add(ctxbg, log, &m2, body), "add second message")
	m2.Shrink()
	if n := ReleaseBodies(); n != 0 {
		t.Fatalf("shed %d bodies after shrink, expected 0", n)
	}
}

func TestQueueNames(t *testing.T) {
	log := setup(t)

	for _, qn := range []string{"a:t@one.example", "a:t@one.example", "b:t@two.example"} {
		m := Msg{QueueName: qn, Domain: "one.example", Recipient: "u@one.example", NextAttempt: time.Now()}
		tcheck(t, Add(ctxbg, log, &m, []byte("x")), "add message")
	}
	names, err := QueueNames(ctxbg)
	tcheck(t, err, "queue names")
	if len(names) != 2 {
		t.Fatalf("got %v, expected 2 distinct names", names)
	}
}

func TestSuppression(t *testing.T) {
	setup(t)

	addr := "John.Smith+tag@Example.com"
	sup, err := SuppressionLookup(ctxbg, addr)
	tcheck(t, err, "lookup")
	if sup != nil {
		t.Fatalf("unexpected suppression %+v", sup)
	}

	tcheck(t, SuppressionAdd(ctxbg, addr, "mailbox does not exist"), "add suppression")
	if err := SuppressionAdd(ctxbg, "johnsmith@example.com", "dup"); err == nil {
		t.Fatalf("adding duplicate base address succeeded")
	}

	// Variants of the same base address match.
	sup, err = SuppressionLookup(ctxbg, "john.smith@example.com")
	tcheck(t, err, "lookup variant")
	if sup == nil || sup.OriginalAddress != addr {
		t.Fatalf("got %+v, expected match", sup)
	}

	l, err := SuppressionList(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("%d suppressions, expected 1", len(l))
	}

	tcheck(t, SuppressionRemove(ctxbg, "JOHNSMITH@example.com"), "remove")
	if err := SuppressionRemove(ctxbg, addr); err == nil {
		t.Fatalf("second remove succeeded")
	}
}
