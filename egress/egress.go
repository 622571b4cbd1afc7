// Package egress describes how mail leaves this machine: the local sources
// connections are made from, weighted pools of those sources, per-path
// settings for a (site, source) combination, and per-queue scheduling
// settings. A Topology caches resolved settings with TTL and config-epoch
// invalidation.
package egress

import (
	"fmt"
	"net"
	"time"
)

// Source is a local identity to make connections from.
type Source struct {
	Name          string        `sconf:"-" json:"-"`
	Address       string        `sconf:"optional" sconf-doc:"Local IP address to bind to before connecting. If empty, the kernel chooses."`
	RemotePort    int           `sconf:"optional" sconf-doc:"Override the destination port, for deployments that use port mapping."`
	SocksProxy    string        `sconf:"optional" sconf-doc:"host:port of a SOCKS5 server to connect through."`
	SocksLocalIP  string        `sconf:"optional" sconf-doc:"Local address to bind for the connection to the SOCKS5 server."`
	SelectionRate string        `sconf:"optional" sconf-doc:"Throttle on how often this source may be picked from a pool, e.g. 100/h. Overflow moves on to the next pool member."`
	TTL           time.Duration `sconf:"optional" sconf-doc:"How long a resolved source may be cached. Default 60s."`
}

// PoolEntry is a member of a Pool.
type PoolEntry struct {
	Source string `sconf-doc:"Name of the source."`
	Weight int    `sconf:"optional" sconf-doc:"Relative selection weight. Default 1. A negative weight disables the entry."`
}

// Pool is a weighted set of sources. Messages of a queue bound to a pool
// round-robin over its entries.
type Pool struct {
	Name    string        `sconf:"-" json:"-"`
	Entries []PoolEntry   `sconf-doc:"Members of the pool."`
	TTL     time.Duration `sconf:"optional" sconf-doc:"How long a resolved pool may be cached. Default 60s."`
}

// PathConfig is the configuration for one path: deliveries from one source
// to one destination site.
type PathConfig struct {
	ConnectionLimit             int           `sconf:"optional" sconf-doc:"Max simultaneous connections on this path. Default 32."`
	MaxReady                    int           `sconf:"optional" sconf-doc:"Max messages queued for immediate delivery on this path. Default 1024."`
	SMTPPort                    int           `sconf:"optional" sconf-doc:"Destination port. Default 25."`
	EnableTLS                   string        `sconf:"optional" sconf-doc:"TLS policy for this path: opportunistic (default), required, required-insecure (no verification), disabled."`
	EhloDomain                  string        `sconf:"optional" sconf-doc:"Domain to use in the session greeting. Default is the machine hostname."`
	ConnectTimeout              time.Duration `sconf:"optional" sconf-doc:"Timeout for establishing a connection. Default 60s."`
	BannerTimeout               time.Duration `sconf:"optional" sconf-doc:"Timeout for the server greeting after connecting. Default 60s."`
	IdleTimeout                 time.Duration `sconf:"optional" sconf-doc:"How long an idle connection is kept for more deliveries. Default 60s."`
	MaxDeliveriesPerConnection  int           `sconf:"optional" sconf-doc:"Deliveries made on one connection before it is closed and re-established. Default 1024."`
	MaxRecipientsPerTransaction int           `sconf:"optional" sconf-doc:"Recipients batched into one transaction for identical message content. Default 100."`
	MaxMessageRate              string        `sconf:"optional" sconf-doc:"Throttle on message sends on this path, e.g. 500/m. Prefix shared: to share across nodes through Redis."`
	MaxConnectionRate           string        `sconf:"optional" sconf-doc:"Throttle on new connections on this path, e.g. 100/m."`

	ReconnectStrategy           string `sconf:"optional" sconf-doc:"What to do when a connection closes with messages still owned: connect-next-host (default), reconnect-same-host, terminate-session."`
	TryNextHostOnTransportError bool   `sconf:"optional" sconf-doc:"On a transport-level error mid-session, move to the next host in the plan instead of failing the attempt."`

	ConsecutiveConnectionFailuresBeforeDelay int `sconf:"optional" sconf-doc:"After this many connection failures in a row across the path, delay the whole path. Default 100."`

	ProhibitedHosts []string `sconf:"optional" sconf-doc:"CIDR prefixes or host names never connected to. If a plan only contains prohibited hosts its messages fail immediately. Default 127.0.0.0/8 and ::1."`
	SkipHosts       []string `sconf:"optional" sconf-doc:"CIDR prefixes or host names silently removed from a plan."`

	TTL time.Duration `sconf:"optional" sconf-doc:"How long resolved path settings may be cached. Default 60s."`
}

// QueueConfig is the per-scheduled-queue configuration.
type QueueConfig struct {
	RetryInterval    time.Duration `sconf:"optional" sconf-doc:"Base delay after a failed attempt, doubled each further attempt. Default 20m."`
	MaxRetryInterval time.Duration `sconf:"optional" sconf-doc:"Cap on the delay between attempts. 0 means no cap."`
	MaxAge           time.Duration `sconf:"optional" sconf-doc:"Messages older than this are returned as expired. Default 168h."`
	EgressPool       string        `sconf:"optional" sconf-doc:"Name of the egress pool to deliver through. Empty uses the unspecified source."`
	MaxMessageRate   string        `sconf:"optional" sconf-doc:"Throttle on promotions out of this scheduled queue, e.g. 1000/h."`
	RefreshInterval  time.Duration `sconf:"optional" sconf-doc:"How often the queue re-checks its configuration and topology. Default 60s."`
	ReapInterval     time.Duration `sconf:"optional" sconf-doc:"An empty queue this long idle is torn down. Default 10m."`

	TTL time.Duration `sconf:"optional" sconf-doc:"How long resolved queue settings may be cached. Default 60s."`
}

const (
	DefaultConnectionLimit = 32
	DefaultMaxReady        = 1024
	DefaultSMTPPort        = 25
	DefaultTTL             = 60 * time.Second
)

// TLS policy values for PathConfig.EnableTLS.
const (
	TLSOpportunistic    = "opportunistic"
	TLSRequired         = "required"
	TLSRequiredInsecure = "required-insecure"
	TLSDisabled         = "disabled"
)

// Reconnect strategies for PathConfig.ReconnectStrategy.
const (
	ConnectNextHost   = "connect-next-host"
	ReconnectSameHost = "reconnect-same-host"
	TerminateSession  = "terminate-session"
)

// Fill replaces zero fields with their defaults.
func (pc *PathConfig) Fill() {
	if pc.ConnectionLimit == 0 {
		pc.ConnectionLimit = DefaultConnectionLimit
	}
	if pc.MaxReady == 0 {
		pc.MaxReady = DefaultMaxReady
	}
	if pc.SMTPPort == 0 {
		pc.SMTPPort = DefaultSMTPPort
	}
	if pc.EnableTLS == "" {
		pc.EnableTLS = TLSOpportunistic
	}
	if pc.ConnectTimeout == 0 {
		pc.ConnectTimeout = 60 * time.Second
	}
	if pc.BannerTimeout == 0 {
		pc.BannerTimeout = 60 * time.Second
	}
	if pc.IdleTimeout == 0 {
		pc.IdleTimeout = 60 * time.Second
	}
	if pc.MaxDeliveriesPerConnection == 0 {
		pc.MaxDeliveriesPerConnection = 1024
	}
	if pc.MaxRecipientsPerTransaction == 0 {
		pc.MaxRecipientsPerTransaction = 100
	}
	if pc.ReconnectStrategy == "" {
		pc.ReconnectStrategy = ConnectNextHost
	}
	if pc.ConsecutiveConnectionFailuresBeforeDelay == 0 {
		pc.ConsecutiveConnectionFailuresBeforeDelay = 100
	}
	if pc.ProhibitedHosts == nil {
		pc.ProhibitedHosts = []string{"127.0.0.0/8", "::1"}
	}
	if pc.TTL == 0 {
		pc.TTL = DefaultTTL
	}
}

// Fill replaces zero fields with their defaults.
func (qc *QueueConfig) Fill() {
	if qc.RetryInterval == 0 {
		qc.RetryInterval = 20 * time.Minute
	}
	if qc.MaxAge == 0 {
		qc.MaxAge = 7 * 24 * time.Hour
	}
	if qc.RefreshInterval == 0 {
		qc.RefreshInterval = 60 * time.Second
	}
	if qc.ReapInterval == 0 {
		qc.ReapInterval = 10 * time.Minute
	}
	if qc.TTL == 0 {
		qc.TTL = DefaultTTL
	}
}

// HostMatcher matches host names and IPs against the prohibited/skip lists
// of a path config. Entries are CIDR prefixes, IPs or host names.
type HostMatcher struct {
	nets  []*net.IPNet
	ips   []net.IP
	names map[string]bool
}

// NewHostMatcher parses list entries. A malformed entry is an error, not
// silently ignored, since a typo'd prohibited host would otherwise allow
// connections it was meant to block.
func NewHostMatcher(list []string) (*HostMatcher, error) {
	m := &HostMatcher{names: map[string]bool{}}
	for _, s := range list {
		if _, ipnet, err := net.ParseCIDR(s); err == nil {
			m.nets = append(m.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			m.ips = append(m.ips, ip)
			continue
		}
		if len(s) == 0 {
			return nil, fmt.Errorf("empty host matcher entry")
		}
		m.names[s] = true
	}
	return m, nil
}

// Matches reports whether the host name or any of its addresses is covered.
func (m *HostMatcher) Matches(name string, ips []net.IP) bool {
	if m.names[name] {
		return true
	}
	for _, ip := range ips {
		for _, mip := range m.ips {
			if mip.Equal(ip) {
				return true
			}
		}
		for _, n := range m.nets {
			if n.Contains(ip) {
				return true
			}
		}
	}
	return false
}
