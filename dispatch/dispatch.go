// Package dispatch turns a resolved destination into live delivery sessions.
// It plans which hosts to connect to, dials them for a configured egress
// source, decides the TLS policy per host, and drives batched transactions
// over a protocol session, reporting per-message outcomes to its caller.
package dispatch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/spool"
)

var (
	metricConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_dispatch_connects_total",
			Help: "Outbound connection attempts, including session setup.",
		},
		[]string{"result"},
	)
	metricTransaction = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_dispatch_transaction_duration_seconds",
			Help:    "Duration of mail transactions, by result.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{"result"},
	)
	metricTLSFallback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_dispatch_tls_fallbacks_total",
			Help: "Opportunistic sessions redone in cleartext after a failed TLS negotiation.",
		},
	)
)

var (
	ErrTLS      = errors.New("tls negotiation failed")
	ErrProtocol = errors.New("protocol error") // Malformed or inconsistent response.
	ErrStatus   = errors.New("unexpected response status")
)

// Error is a classified delivery failure.
type Error struct {
	// Whether the failure is permanent, typically a 5xx response.
	Permanent bool
	// Response status code, e.g. 4xx for transient errors and 5xx for
	// permanent failures. Zero for connection-level failures.
	Code int
	// Enhanced status code without the leading class digit and dot, e.g.
	// "7.1" for "550 5.7.1 ...". Empty if the server sent none.
	Secode string
	// Response line that caused the failure, without CRLF.
	Line string
	// Underlying error, e.g. ErrTLS or an i/o error.
	Err error
}

func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

func (e Error) Unwrap() error {
	return e.Err
}

// Transport reports whether the failure happened at the connection level
// rather than as a response status, e.g. an i/o error or timeout. The
// connection is no longer usable after a transport failure.
func (e Error) Transport() bool {
	return e.Code == 0
}

// Proto is an open protocol session on an established connection, with the
// greeting exchanged and TLS negotiated. Implementations speak ESMTP; tests
// substitute fakes.
type Proto interface {
	// Deliver runs one transaction delivering body from sender to rcpts.
	// rcptErrs has one entry per recipient: nil when the message was
	// delivered to that recipient, a classified Error otherwise. A non-nil
	// err is a transport-level failure: the connection is unusable and the
	// per-recipient outcomes are unknown.
	Deliver(ctx context.Context, sender string, rcpts []string, body []byte) (rcptErrs []error, err error)

	// Quit ends the session cleanly and closes the connection.
	Quit(ctx context.Context) error

	// Close drops the connection without a protocol goodbye.
	Close() error
}

// ProtoOpts configure session setup on a fresh connection.
type ProtoOpts struct {
	EhloDomain string
	TLS        TLSDecision
	Banner     time.Duration // Timeout for the greeting exchange.
}

// NewProtoFunc opens a protocol session on conn: read the banner, introduce
// ourselves and negotiate TLS per opts. On error the caller closes conn. A
// setup error counts as a connection failure and never increments message
// attempt counters; a TLS failure must wrap ErrTLS so opportunistic sessions
// can fall back to cleartext.
type NewProtoFunc func(ctx context.Context, log mlog.Log, conn net.Conn, opts ProtoOpts) (Proto, error)

// Batch is one or more spooled messages with identical content, deliverable
// in a single transaction.
type Batch []*spool.Msg

// Feeder hands a session its work. Fetch blocks until a batch is available,
// wait passes or ctx is done; ok false means there is no more work and the
// session should wind down. Return gives unattempted messages back, to be
// fetched again by this session on its next connection or by another one.
type Feeder interface {
	Fetch(ctx context.Context, wait time.Duration) (batch Batch, ok bool)
	Return(batch Batch)
}

// Disposer receives the outcome of attempted deliveries. Failed covers both
// transient and permanent failures, distinguished by err.Permanent.
type Disposer interface {
	Delivered(ctx context.Context, log mlog.Log, m *spool.Msg)
	Failed(ctx context.Context, log mlog.Log, m *spool.Msg, err Error)
}

func classify(err error) Error {
	var e Error
	if !errors.As(err, &e) {
		e = Error{Err: err}
	}
	return e
}
