package dispatch

import (
	"sync"
	"time"

	"github.com/mjl-/adns"

	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
)

// TLSDecision is the effective TLS policy for one connection attempt.
type TLSDecision struct {
	// One of the egress TLS policy values. After DANE and MTA-STS are taken
	// into account this is the mode the connection must use, possibly
	// stricter than the path config asked for.
	Mode string

	// DANE records to verify the certificate against. Only set when the
	// records were DNSSEC-verified; implies Mode required.
	DANE []adns.TLSA

	// Verify the certificate against the web PKI and ServerName.
	VerifyPKIX bool

	// Name to verify the certificate for and to send in SNI.
	ServerName string

	// Whether a failed negotiation may be retried in cleartext on a fresh
	// connection. Only for opportunistic mode without DANE or MTA-STS.
	Fallback bool
}

// DecideTLS determines the TLS policy for connecting to host. DANE overrides
// an MTA-STS policy, which overrides the statically configured mode. With
// plain opportunistic TLS, a site recently memoized as TLS-broken goes
// straight to cleartext instead of failing another handshake.
func DecideTLS(path egress.PathConfig, host dns.Host, sts dns.STSMode, memo *TLSMemo, site string) TLSDecision {
	if len(host.TLSA) > 0 {
		return TLSDecision{Mode: egress.TLSRequired, DANE: host.TLSA, ServerName: host.Name.ASCII}
	}
	if sts == dns.STSEnforce {
		return TLSDecision{Mode: egress.TLSRequired, VerifyPKIX: true, ServerName: host.Name.ASCII}
	}
	switch path.EnableTLS {
	case egress.TLSDisabled:
		return TLSDecision{Mode: egress.TLSDisabled}
	case egress.TLSRequired:
		return TLSDecision{Mode: egress.TLSRequired, VerifyPKIX: true, ServerName: host.Name.ASCII}
	case egress.TLSRequiredInsecure:
		return TLSDecision{Mode: egress.TLSRequiredInsecure, ServerName: host.Name.ASCII}
	}
	if memo != nil && memo.Broken(site) {
		return TLSDecision{Mode: egress.TLSDisabled}
	}
	return TLSDecision{Mode: egress.TLSOpportunistic, ServerName: host.Name.ASCII, Fallback: true}
}

// DefaultTLSMemoTTL is how long a site stays marked TLS-broken.
const DefaultTLSMemoTTL = 15 * time.Minute

// TLSMemo remembers sites where TLS negotiation recently failed, so
// opportunistic sessions to those sites start in cleartext for a while
// instead of repeating the failed handshake for every message.
type TLSMemo struct {
	ttl time.Duration
	now func() time.Time

	mutex sync.Mutex
	until map[string]time.Time
}

func NewTLSMemo(ttl time.Duration) *TLSMemo {
	if ttl == 0 {
		ttl = DefaultTLSMemoTTL
	}
	return &TLSMemo{ttl: ttl, now: time.Now, until: map[string]time.Time{}}
}

// MarkBroken records a failed negotiation for site.
func (m *TLSMemo) MarkBroken(site string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.until[site] = m.now().Add(m.ttl)
}

// Broken reports whether site is still within its cooldown.
func (m *TLSMemo) Broken(site string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	t, ok := m.until[site]
	if !ok {
		return false
	}
	if m.now().After(t) {
		delete(m.until, site)
		return false
	}
	return true
}
