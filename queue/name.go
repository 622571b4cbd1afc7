package queue

import (
	"strings"

	"github.com/drover-mta/drover/dns"
)

// Name identifies a scheduled queue. Messages sharing a campaign, tenant and
// destination domain share a queue, and with it a retry policy and egress
// pool. The routing domain, when set, overrides the domain for MX
// resolution, e.g. for smarthost deployments.
type Name struct {
	Campaign      string
	Tenant        string
	Domain        string
	RoutingDomain string
}

// String renders the canonical queue name,
// "campaign:tenant@domain!routing_domain" with the campaign, tenant and
// routing domain parts left out when empty.
func (n Name) String() string {
	var b strings.Builder
	if n.Campaign != "" {
		b.WriteString(n.Campaign)
		b.WriteByte(':')
	}
	if n.Tenant != "" {
		b.WriteString(n.Tenant)
		b.WriteByte('@')
	}
	b.WriteString(n.Domain)
	if n.RoutingDomain != "" {
		b.WriteByte('!')
		b.WriteString(n.RoutingDomain)
	}
	return b.String()
}

// ParseName parses a canonical queue name.
func ParseName(s string) (Name, error) {
	var n Name
	if i := strings.IndexByte(s, '!'); i >= 0 {
		n.RoutingDomain = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		n.Campaign = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		n.Tenant = s[:i]
		s = s[i+1:]
	}
	d, err := dns.ParseDomain(s)
	if err != nil {
		return Name{}, err
	}
	n.Domain = d.ASCII
	if n.RoutingDomain != "" {
		rd, err := dns.ParseDomain(n.RoutingDomain)
		if err != nil {
			return Name{}, err
		}
		n.RoutingDomain = rd.ASCII
	}
	return n, nil
}
