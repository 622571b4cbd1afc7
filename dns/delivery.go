package dns

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sort"
	"strings"

	"github.com/mjl-/adns"
)

// STSMode is the MTA-STS policy mode that applies to a destination domain.
type STSMode string

const (
	STSNone    STSMode = "none"
	STSTesting STSMode = "testing"
	STSEnforce STSMode = "enforce"
)

// Host is a single delivery target: an MX host (or the destination domain
// itself for an implicit MX) with its resolved addresses.
type Host struct {
	Name      Domain
	Pref      int
	IPs       []net.IP
	Authentic bool        // Address records were DNSSEC-verified.
	TLSA      []adns.TLSA // DANE records for _25._tcp.<name>, only looked up when both the MX set and the address records are authentic.
}

// Delivery is the resolved topology for a destination domain: the hosts to
// attempt in order, plus the site name that groups domains sharing an MX set.
type Delivery struct {
	Domain    IPDomain
	Hosts     []Host // Ascending MX preference. Hosts within a preference keep DNS response order.
	SiteName  string
	IsMX      bool // False for an address literal or when falling back to the implicit MX.
	NullMX    bool // MX is a single ".", the domain does not accept mail.
	Authentic bool // The MX response itself was DNSSEC-verified.
	STS       STSMode
}

// DeliveryResolver resolves a destination domain into a delivery topology.
type DeliveryResolver interface {
	ResolveDelivery(ctx context.Context, domain string) (Delivery, error)
}

// LiveResolver resolves deliveries through a DNS Resolver.
type LiveResolver struct {
	Resolver Resolver

	// STSPolicy, if set, is consulted for the MTA-STS mode of a destination
	// domain. Policy fetching and caching is up to the implementation.
	STSPolicy func(ctx context.Context, domain Domain) STSMode
}

var _ DeliveryResolver = LiveResolver{}

// ResolveDelivery resolves the MX set for domain, the addresses of each host
// and their DANE records, and computes the site name.
//
// A domain without MX records resolves to the implicit MX: the domain itself
// as only host. A single "." MX resolves to a null MX without hosts. An MX
// host without address records stays in the result with empty IPs.
func (r LiveResolver) ResolveDelivery(ctx context.Context, domain string) (Delivery, error) {
	ipd, err := ParseIPDomain(domain)
	if err != nil {
		return Delivery{}, fmt.Errorf("parsing destination %q: %w", domain, err)
	}
	if ipd.IsIP() {
		return Delivery{
			Domain:   ipd,
			Hosts:    []Host{{IPs: []net.IP{ipd.IP}}},
			SiteName: ipd.IP.String(),
		}, nil
	}

	d := Delivery{Domain: ipd, IsMX: true}
	mxl, result, err := r.Resolver.LookupMX(ctx, ipd.Domain.ASCII+".")
	if err != nil && !IsNotFound(err) {
		return Delivery{}, fmt.Errorf("looking up mx for %s: %w", ipd.Domain, err)
	}
	d.Authentic = result.Authentic

	if IsNotFound(err) || len(mxl) == 0 {
		// Implicit MX, the domain itself at preference 0.
		d.IsMX = false
		mxl = []*net.MX{{Host: ipd.Domain.ASCII + ".", Pref: 0}}
	} else if len(mxl) == 1 && mxl[0].Host == "." {
		d.NullMX = true
		d.SiteName = ipd.Domain.ASCII
		return d, nil
	}

	sort.SliceStable(mxl, func(i, j int) bool {
		return mxl[i].Pref < mxl[j].Pref
	})

	names := make([]string, len(mxl))
	for i, mx := range mxl {
		names[i] = mx.Host
	}
	d.SiteName = factorNames(names)

	for _, mx := range mxl {
		hd, err := ParseDomain(strings.TrimSuffix(mx.Host, "."))
		if err != nil {
			return Delivery{}, fmt.Errorf("bad mx host %q for %s: %w", mx.Host, ipd.Domain, err)
		}
		host := Host{Name: hd, Pref: int(mx.Pref)}

		ips, ipResult, err := r.Resolver.LookupIP(ctx, "ip", hd.ASCII+".")
		if err != nil && !IsNotFound(err) {
			return Delivery{}, fmt.Errorf("looking up address of %s: %w", hd, err)
		}
		host.IPs = ips
		host.Authentic = ipResult.Authentic

		if d.Authentic && host.Authentic && len(ips) > 0 {
			tlsa, _, err := r.Resolver.LookupTLSA(ctx, 25, "tcp", hd.ASCII+".")
			if err != nil && !IsNotFound(err) {
				return Delivery{}, fmt.Errorf("looking up tlsa for %s: %w", hd, err)
			}
			host.TLSA = tlsa
		}

		d.Hosts = append(d.Hosts, host)
	}

	if r.STSPolicy != nil {
		d.STS = r.STSPolicy(ctx, ipd.Domain)
	}
	if d.STS == "" {
		d.STS = STSNone
	}
	return d, nil
}

// factorNames produces a pseudo-regex alternation of a list of host names
// with the common trailing components factored out, e.g.
// "(mta5|mta6|mta7).am0.yahoodns.net". Domains sharing an MX set thereby
// share a site name regardless of which member names each MX response
// happened to return.
func factorNames(names []string) string {
	maxFields := 0
	var split [][]string
	for _, name := range names {
		host, port := splitColonPort(name)
		host = strings.TrimSuffix(strings.ToLower(host), ".")
		if host == "" {
			continue
		}
		fields := strings.Split(host, ".")
		if port != "" {
			fields[len(fields)-1] += ":" + port
		}
		slices.Reverse(fields)
		if len(fields) > maxFields {
			maxFields = len(fields)
		}
		split = append(split, fields)
	}

	// Per position (TLD first), the distinct values in first-seen order.
	// Shorter names contribute a "?" placeholder for their missing positions.
	var elements [][]string
	add := func(field string, i int) {
		if i >= len(elements) {
			elements = append(elements, []string{field})
		} else if !slices.Contains(elements[i], field) {
			elements[i] = append(elements[i], field)
		}
	}
	for _, fields := range split {
		for i, f := range fields {
			add(f, i)
		}
		for i := len(fields); i < maxFields; i++ {
			add("?", i)
		}
	}

	parts := make([]string, 0, len(elements))
	for _, ele := range elements {
		hasOpt := false
		vals := ele[:0]
		for _, f := range ele {
			if f == "?" {
				hasOpt = true
			} else {
				vals = append(vals, f)
			}
		}
		var text string
		if len(vals) == 1 {
			text = vals[0]
		} else {
			text = "(" + strings.Join(vals, "|") + ")"
		}
		if hasOpt {
			text += "?"
		}
		parts = append(parts, text)
	}
	slices.Reverse(parts)
	return strings.Join(parts, ".")
}

func splitColonPort(s string) (host, port string) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return s, ""
	}
	for _, c := range s[i+1:] {
		if c < '0' || c > '9' {
			return s, ""
		}
	}
	return s[:i], s[i+1:]
}
