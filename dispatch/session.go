package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
)

// Session drives one outbound connection over a plan: connect to a host,
// open the protocol session, deliver batches until the feeder runs dry or
// the per-connection delivery cap is reached, and close down. Depending on
// path policy a broken connection moves the session to the next host in the
// plan or ends it.
type Session struct {
	Log    mlog.Log
	Plan   *Plan
	Path   egress.PathConfig
	Source egress.Source
	STS    dns.STSMode

	Dialer   Dialer
	NewProto NewProtoFunc
	Feeder   Feeder
	Disposer Disposer
	TLSMemo  *TLSMemo

	// Called for each failed connection attempt, feeding the caller's
	// consecutive-failure accounting. Optional.
	OnConnectFailure func(host dns.Host, err error)
}

// Run executes the session. It returns nil when the session ended cleanly,
// or the last connection or transport error when it did not. Connection
// failures are never delivery attempts: they do not touch message attempt
// counters, messages stay with the feeder.
func (s *Session) Run(ctx context.Context) error {
	sameHostRetried := false
	var lastErr error
	i := 0
	for i < len(s.Plan.Hosts) {
		host := s.Plan.Hosts[i]
		proto, err := s.connect(ctx, host)
		if err != nil {
			lastErr = err
			s.Log.Infox("connecting for delivery", err, slog.String("host", host.Name.ASCII), slog.String("site", s.Plan.Site))
			if s.OnConnectFailure != nil {
				s.OnConnectFailure(host, err)
			}
			switch s.Path.ReconnectStrategy {
			case egress.TerminateSession:
				return err
			case egress.ReconnectSameHost:
				if sameHostRetried {
					return err
				}
				sameHostRetried = true
			default:
				sameHostRetried = false
				i++
			}
			continue
		}
		err = s.deliver(ctx, proto)
		if err == nil {
			return nil
		}
		lastErr = err
		if !s.Path.TryNextHostOnTransportError {
			return err
		}
		s.Log.Infox("transport error, moving to next host", err, slog.String("host", host.Name.ASCII))
		sameHostRetried = false
		i++
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: empty connection plan", ErrNoHostAddresses)
	}
	return lastErr
}

// connect dials host and opens the protocol session. For plain opportunistic
// TLS, a failed negotiation is retried once in cleartext on a fresh
// connection, and the site is memoized as TLS-broken.
func (s *Session) connect(ctx context.Context, host dns.Host) (Proto, error) {
	dec := DecideTLS(s.Path, host, s.STS, s.TLSMemo, s.Plan.Site)
	proto, err := s.attempt(ctx, host, dec)
	if err == nil || !dec.Fallback || !errors.Is(err, ErrTLS) {
		return proto, err
	}
	s.Log.Infox("tls negotiation failed, retrying in cleartext", err, slog.String("host", host.Name.ASCII), slog.String("site", s.Plan.Site))
	if s.TLSMemo != nil {
		s.TLSMemo.MarkBroken(s.Plan.Site)
	}
	metricTLSFallback.Inc()
	return s.attempt(ctx, host, TLSDecision{Mode: egress.TLSDisabled})
}

func (s *Session) attempt(ctx context.Context, host dns.Host, dec TLSDecision) (Proto, error) {
	conn, ip, err := s.dialHost(ctx, host)
	if err != nil {
		metricConnects.WithLabelValues("dialerror").Inc()
		return nil, fmt.Errorf("dial %s: %w", host.Name.ASCII, err)
	}
	opts := ProtoOpts{
		EhloDomain: s.Path.EhloDomain,
		TLS:        dec,
		Banner:     s.Path.BannerTimeout,
	}
	proto, err := s.NewProto(ctx, s.Log, conn, opts)
	if err != nil {
		conn.Close()
		metricConnects.WithLabelValues("setuperror").Inc()
		return nil, fmt.Errorf("session with %s (%s): %w", host.Name.ASCII, ip, err)
	}
	metricConnects.WithLabelValues("ok").Inc()
	return proto, nil
}

// dialHost tries the host addresses in order, with the connect timeout
// spread over them.
func (s *Session) dialHost(ctx context.Context, host dns.Host) (net.Conn, net.IP, error) {
	port := s.Path.SMTPPort
	if s.Source.RemotePort != 0 {
		port = s.Source.RemotePort
	}
	timeout := s.Path.ConnectTimeout
	if len(host.IPs) > 1 {
		timeout /= time.Duration(len(host.IPs))
	}
	var lastErr error
	for _, ip := range host.IPs {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		s.Log.Debug("dialing", slog.String("addr", addr))
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := s.Dialer.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, ip, nil
		}
		s.Log.Debugx("connection attempt", err, slog.String("addr", addr))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("host has no addresses")
	}
	return nil, nil, lastErr
}

// deliver runs transactions on proto until the feeder has no more work or
// the delivery cap is reached, then quits the session. A non-nil return
// means the connection broke mid-session.
func (s *Session) deliver(ctx context.Context, proto Proto) error {
	deliveries := 0
	for deliveries < s.Path.MaxDeliveriesPerConnection {
		batch, ok := s.Feeder.Fetch(ctx, s.Path.IdleTimeout)
		if !ok {
			break
		}
		body, err := batch[0].LoadBody()
		if err != nil {
			// Spool trouble, not the remote server's fault. Transient.
			e := Error{Code: 451, Secode: "3.0", Err: fmt.Errorf("loading message: %v", err)}
			for _, m := range batch {
				s.Disposer.Failed(ctx, s.Log, m, e)
			}
			continue
		}
		for len(batch) > 0 && deliveries < s.Path.MaxDeliveriesPerConnection {
			part := batch
			if n := s.Path.MaxRecipientsPerTransaction; len(part) > n {
				part = batch[:n]
			}
			batch = batch[len(part):]
			if terr := s.transact(ctx, proto, part, body); terr != nil {
				if len(batch) > 0 {
					s.Feeder.Return(batch)
				}
				return terr
			}
			deliveries++
		}
		if len(batch) > 0 {
			// Delivery cap reached mid-batch.
			s.Feeder.Return(batch)
			break
		}
	}
	if err := proto.Quit(ctx); err != nil {
		s.Log.Debugx("ending session", err)
	}
	return nil
}

// transact runs one transaction for part, reporting a disposition per
// recipient. A non-nil return means the connection is no longer usable; the
// messages of part were then either returned to the feeder or given a
// transient failure, per path policy.
func (s *Session) transact(ctx context.Context, proto Proto, part Batch, body []byte) error {
	rcpts := make([]string, len(part))
	for i, m := range part {
		rcpts[i] = m.Recipient
	}
	start := time.Now()
	rcptErrs, err := proto.Deliver(ctx, part[0].Sender, rcpts, body)
	if err != nil {
		e := classify(err)
		metricTransaction.WithLabelValues("transport").Observe(time.Since(start).Seconds())
		proto.Close()
		if s.Path.TryNextHostOnTransportError {
			s.Feeder.Return(part)
		} else {
			for _, m := range part {
				s.Disposer.Failed(ctx, s.Log, m, e)
			}
		}
		return e
	}
	result := "ok"
	for i, m := range part {
		if rcptErrs[i] == nil {
			s.Disposer.Delivered(ctx, s.Log, m)
			continue
		}
		e := classify(rcptErrs[i])
		s.Disposer.Failed(ctx, s.Log, m, e)
		if !e.Permanent {
			result = "transient"
		} else if result == "ok" {
			result = "permanent"
		}
	}
	metricTransaction.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return nil
}
