// Package smtpclient speaks just enough ESMTP to hand transactions to a
// remote mail server: greeting, EHLO, STARTTLS with optional DANE or PKIX
// verification, and pipelined MAIL/RCPT/DATA. It implements the protocol
// session the dispatcher drives; everything above the wire (host selection,
// batching, retry policy) lives elsewhere.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/drover-mta/drover/dispatch"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/mlog"
)

// Timeouts per RFC 5321 are minimums, we keep them practical.
const (
	cmdTimeout  = 30 * time.Second
	dataTimeout = 5 * time.Minute
)

// Client is an open SMTP session. It satisfies dispatch.Proto.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	log  mlog.Log

	extEcodes     bool // Supports enhanced status codes.
	extStartTLS   bool
	ext8bitmime   bool
	extSMTPUTF8   bool
	extPipelining bool

	botched bool // After a transport error the connection is unusable.
}

var _ dispatch.Proto = (*Client)(nil)

// New is a dispatch.NewProtoFunc: it exchanges the greeting on conn and
// negotiates TLS per opts. On error the caller closes conn; a failed TLS
// negotiation wraps dispatch.ErrTLS.
func New(ctx context.Context, log mlog.Log, conn net.Conn, opts dispatch.ProtoOpts) (dispatch.Proto, error) {
	c := &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		log:  log,
	}
	if err := c.hello(ctx, opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) hello(ctx context.Context, opts dispatch.ProtoOpts) error {
	banner := opts.Banner
	if banner == 0 {
		banner = time.Minute
	}
	c.deadline(ctx, banner)
	code, _, line, _, err := c.read(false)
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if code != 220 {
		return fmt.Errorf("%w: greeting %q", dispatch.ErrStatus, line)
	}

	if err := c.ehlo(ctx, opts.EhloDomain); err != nil {
		return err
	}

	mode := opts.TLS.Mode
	if mode == egress.TLSDisabled {
		return nil
	}
	if !c.extStartTLS {
		if mode == egress.TLSOpportunistic {
			return nil
		}
		return fmt.Errorf("%w: server does not announce starttls", dispatch.ErrTLS)
	}

	c.deadline(ctx, cmdTimeout)
	code, _, line, _, err = c.cmd(false, "STARTTLS")
	if err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if code != 220 {
		return fmt.Errorf("%w: starttls response %q", dispatch.ErrTLS, line)
	}

	tlsConn := tls.Client(c.conn, tlsConfig(opts.TLS))
	c.deadline(ctx, cmdTimeout)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrTLS, err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	cs := tlsConn.ConnectionState()
	c.log.Debug("tls session established",
		slog.String("version", tls.VersionName(cs.Version)),
		slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)))

	// Extensions may differ after the handshake, start over.
	return c.ehlo(ctx, opts.EhloDomain)
}

func (c *Client) ehlo(ctx context.Context, domain string) error {
	c.deadline(ctx, cmdTimeout)
	code, _, line, texts, err := c.cmd(false, "EHLO %s", domain)
	if err != nil {
		return fmt.Errorf("ehlo: %w", err)
	}
	if code == 250 {
		c.extEcodes, c.extStartTLS, c.ext8bitmime, c.extSMTPUTF8, c.extPipelining = false, false, false, false, false
		for _, t := range texts {
			switch strings.ToUpper(strings.SplitN(t, " ", 2)[0]) {
			case "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case "STARTTLS":
				c.extStartTLS = true
			case "8BITMIME":
				c.ext8bitmime = true
			case "SMTPUTF8":
				c.extSMTPUTF8 = true
			case "PIPELINING":
				c.extPipelining = true
			}
		}
		return nil
	}
	// Last-resort HELO for servers that reject EHLO outright.
	c.deadline(ctx, cmdTimeout)
	code, _, line, _, err = c.cmd(false, "HELO %s", domain)
	if err != nil {
		return fmt.Errorf("helo: %w", err)
	}
	if code != 250 {
		return fmt.Errorf("%w: helo response %q", dispatch.ErrStatus, line)
	}
	return nil
}

func tlsConfig(dec dispatch.TLSDecision) *tls.Config {
	cfg := &tls.Config{
		ServerName: dec.ServerName,
		MinVersion: tls.VersionTLS10,
	}
	if len(dec.DANE) > 0 {
		cfg.InsecureSkipVerify = true
		records := dec.DANE
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyDANE(records, rawCerts)
		}
	} else if !dec.VerifyPKIX {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// verifyDANE checks the presented chain against DNSSEC-verified TLSA
// records. DANE-EE matches the leaf, DANE-TA any other certificate in the
// chain. PKIX-rooted usages need a CA set we don't carry for opportunistic
// outbound mail and are skipped, as recommended for SMTP.
func verifyDANE(records []adns.TLSA, rawCerts [][]byte) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return fmt.Errorf("no server certificate")
	}

	match := func(r adns.TLSA, cert *x509.Certificate) bool {
		var buf []byte
		switch r.Selector {
		case adns.TLSASelectorCert:
			buf = cert.Raw
		case adns.TLSASelectorSPKI:
			buf = cert.RawSubjectPublicKeyInfo
		default:
			return false
		}
		switch r.MatchType {
		case adns.TLSAMatchTypeFull:
		case adns.TLSAMatchTypeSHA256:
			d := sha256.Sum256(buf)
			buf = d[:]
		case adns.TLSAMatchTypeSHA512:
			d := sha512.Sum512(buf)
			buf = d[:]
		default:
			return false
		}
		return bytes.Equal(buf, r.CertAssoc)
	}

	for _, r := range records {
		switch r.Usage {
		case adns.TLSAUsageDANEEE:
			if match(r, certs[0]) {
				return nil
			}
		case adns.TLSAUsageDANETA:
			for _, cert := range certs {
				if match(r, cert) {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no tlsa record matched the certificate chain")
}

// Deliver runs one transaction, returning an outcome per recipient: nil
// when the message was delivered to that recipient, a dispatch.Error for a
// rejection. Delivery continues when the server rejects some recipients but
// accepts others. A non-nil err means the connection failed at the
// transport level: the outcomes are unknown and only Close is useful.
func (c *Client) Deliver(ctx context.Context, sender string, rcpts []string, body []byte) ([]error, error) {
	if c.botched {
		return nil, dispatch.Error{Err: fmt.Errorf("session in failed state")}
	}

	rcptErrs := make([]error, len(rcpts))

	c.deadline(ctx, cmdTimeout)
	params := ""
	if c.ext8bitmime {
		params = " BODY=8BITMIME"
	}
	code, secode, line, _, err := c.cmd(c.extEcodes, "MAIL FROM:<%s>%s", sender, params)
	if err != nil {
		return nil, c.transport(err)
	}
	if code != 250 {
		failRemaining(rcptErrs, respErr(code, secode, line))
		c.rset(ctx)
		return rcptErrs, nil
	}

	accepted := 0
	for i, rcpt := range rcpts {
		c.deadline(ctx, cmdTimeout)
		code, secode, line, _, err = c.cmd(c.extEcodes, "RCPT TO:<%s>", rcpt)
		if err != nil {
			return nil, c.transport(err)
		}
		if code == 250 || code == 251 {
			accepted++
			continue
		}
		rcptErrs[i] = respErr(code, secode, line)
	}
	if accepted == 0 {
		c.rset(ctx)
		return rcptErrs, nil
	}

	c.deadline(ctx, cmdTimeout)
	code, secode, line, _, err = c.cmd(c.extEcodes, "DATA")
	if err != nil {
		return nil, c.transport(err)
	}
	if code != 354 {
		failRemaining(rcptErrs, respErr(code, secode, line))
		c.rset(ctx)
		return rcptErrs, nil
	}

	c.deadline(ctx, dataTimeout)
	if err := writeData(c.w, body); err != nil {
		return nil, c.transport(err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, c.transport(err)
	}
	code, secode, line, _, err = c.read(c.extEcodes)
	if err != nil {
		return nil, c.transport(err)
	}
	if code != 250 {
		failRemaining(rcptErrs, respErr(code, secode, line))
	}
	return rcptErrs, nil
}

func respErr(code int, secode, line string) dispatch.Error {
	return dispatch.Error{Permanent: code/100 == 5, Code: code, Secode: secode, Line: line, Err: dispatch.ErrStatus}
}

// failRemaining applies e to the recipients without an outcome yet,
// leaving earlier per-recipient rejections intact.
func failRemaining(rcptErrs []error, e dispatch.Error) {
	for i := range rcptErrs {
		if rcptErrs[i] == nil {
			rcptErrs[i] = e
		}
	}
}

// rset aborts the transaction so the session stays usable for the next
// batch. Best effort: a transport failure here leaves the session in the
// failed state.
func (c *Client) rset(ctx context.Context) {
	c.deadline(ctx, cmdTimeout)
	code, _, line, _, err := c.cmd(false, "RSET")
	if err != nil {
		c.transport(err)
		return
	}
	if code != 250 {
		c.log.Debug("unexpected rset response", slog.String("line", line))
	}
}

func (c *Client) transport(err error) error {
	c.botched = true
	var derr dispatch.Error
	if errors.As(err, &derr) {
		return derr
	}
	return dispatch.Error{Err: err}
}

// Quit ends the session cleanly.
func (c *Client) Quit(ctx context.Context) error {
	if !c.botched {
		c.deadline(ctx, cmdTimeout)
		if _, _, _, _, err := c.cmd(false, "QUIT"); err != nil {
			c.log.Debugx("quit", err)
		}
	}
	return c.conn.Close()
}

// Close drops the connection without a goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) deadline(ctx context.Context, d time.Duration) {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		t = dl
	}
	if err := c.conn.SetDeadline(t); err != nil {
		c.log.Errorx("setting connection deadline", err)
	}
}

// cmd writes a command line and reads the (possibly multiline) response.
func (c *Client) cmd(ecodes bool, format string, args ...any) (code int, secode, firstLine string, texts []string, rerr error) {
	if _, err := fmt.Fprintf(c.w, format+"\r\n", args...); err != nil {
		return 0, "", "", nil, err
	}
	if err := c.w.Flush(); err != nil {
		return 0, "", "", nil, err
	}
	return c.read(ecodes)
}

// read parses a response. texts holds the message part of each line after
// the first, used for EHLO extension listings.
func (c *Client) read(ecodes bool) (code int, secode, firstLine string, texts []string, rerr error) {
	for {
		line, err := c.readline()
		if err != nil {
			return 0, "", "", nil, err
		}
		co, sec, text, last, err := parseLine(line, ecodes)
		if err != nil {
			return 0, "", "", nil, err
		}
		if firstLine == "" {
			firstLine = line
			code, secode = co, sec
		} else {
			if co != code {
				return 0, "", "", nil, fmt.Errorf("%w: inconsistent codes in multiline response, %d then %d", dispatch.ErrProtocol, code, co)
			}
			texts = append(texts, text)
		}
		if last {
			return code, secode, firstLine, texts, nil
		}
	}
}

func (c *Client) readline() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseLine(line string, ecodes bool) (code int, secode, text string, last bool, rerr error) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i != 3 {
		return 0, "", "", false, fmt.Errorf("%w: missing response code: %q", dispatch.ErrProtocol, line)
	}
	v, err := strconv.Atoi(line[:i])
	if err != nil {
		return 0, "", "", false, fmt.Errorf("%w: bad response code: %q", dispatch.ErrProtocol, line)
	}
	code = v
	s := line[3:]
	switch {
	case strings.HasPrefix(s, " "):
		last = true
		s = s[1:]
	case strings.HasPrefix(s, "-"):
		s = s[1:]
	case s == "":
		// Some servers omit the space on the last line.
		last = true
	default:
		return 0, "", "", false, fmt.Errorf("%w: expected space or dash after code: %q", dispatch.ErrProtocol, line)
	}
	if ecodes {
		secode, s = parseEcode(code/100, s)
	}
	return code, secode, s, last, nil
}

// parseEcode takes an enhanced status code like "5.7.1" off the front of s,
// returning it without the leading class digit and dot. A malformed or
// mismatched code is treated as absent.
func parseEcode(class int, s string) (secode, remain string) {
	t := s
	digits := func() (string, bool) {
		n := 0
		for n < len(t) && t[n] >= '0' && t[n] <= '9' {
			n++
		}
		if n == 0 {
			return "", false
		}
		d := t[:n]
		t = t[n:]
		return d, true
	}
	dot := func() bool {
		if strings.HasPrefix(t, ".") {
			t = t[1:]
			return true
		}
		return false
	}

	first, ok := digits()
	if !ok || !dot() {
		return "", s
	}
	sub, ok := digits()
	if !ok || !dot() {
		return "", s
	}
	det, ok := digits()
	if !ok {
		return "", s
	}
	if c, err := strconv.Atoi(first); err != nil || c != class {
		return "", s
	}
	t = strings.TrimPrefix(t, " ")
	return sub + "." + det, t
}

// writeData writes body as the DATA payload: dot-stuffed, CRLF line
// endings enforced, terminated with the final dot.
func writeData(w *bufio.Writer, body []byte) error {
	for len(body) > 0 {
		line := body
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			line = body[:i+1]
			body = body[i+1:]
		} else {
			body = nil
		}
		if line[0] == '.' {
			if err := w.WriteByte('.'); err != nil {
				return err
			}
		}
		end := line
		if bytes.HasSuffix(line, []byte("\r\n")) {
			end = nil
		} else if bytes.HasSuffix(line, []byte("\n")) {
			line = line[:len(line)-1]
			end = []byte("\r\n")
		} else {
			end = []byte("\r\n")
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if end != nil {
			if _, err := w.Write(end); err != nil {
				return err
			}
		}
	}
	_, err := w.WriteString(".\r\n")
	return err
}
