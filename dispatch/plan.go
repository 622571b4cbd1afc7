package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"net"

	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
)

var (
	// ErrHostsProhibited means every destination host is on the prohibited
	// list. Delivery can never succeed and the message must fail permanently.
	ErrHostsProhibited = errors.New("all destination hosts prohibited")

	// ErrNoHostAddresses means no usable host resolved to any address.
	ErrNoHostAddresses = errors.New("no addresses for destination hosts")
)

// Plan is the ordered host list for one connection session. The dispatcher
// works through the hosts in order until a connection sticks.
type Plan struct {
	Site  string
	Hosts []dns.Host
}

// NewPlan filters and orders the hosts of a resolved delivery. Hosts on the
// skip list are dropped. Prohibited hosts are removed, as are individual
// prohibited addresses of otherwise acceptable hosts. Hosts within one MX
// preference group are shuffled so load spreads over equal-preference
// servers; the groups themselves keep their preference order.
func NewPlan(d dns.Delivery, skip, prohibited *egress.HostMatcher) (*Plan, error) {
	var hosts []dns.Host
	var blocked, unresolved int
	for _, h := range d.Hosts {
		if skip != nil && skip.Matches(h.Name.ASCII, h.IPs) {
			continue
		}
		if prohibited != nil && prohibited.Matches(h.Name.ASCII, nil) {
			blocked++
			continue
		}
		if len(h.IPs) == 0 {
			unresolved++
			continue
		}
		if prohibited != nil {
			var ips []net.IP
			for _, ip := range h.IPs {
				if !prohibited.Matches("", []net.IP{ip}) {
					ips = append(ips, ip)
				}
			}
			if len(ips) == 0 {
				blocked++
				continue
			}
			h.IPs = ips
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		if blocked > 0 && unresolved == 0 {
			return nil, fmt.Errorf("%w: %s", ErrHostsProhibited, d.Domain)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoHostAddresses, d.Domain)
	}
	shufflePrefGroups(hosts)
	return &Plan{Site: d.SiteName, Hosts: hosts}, nil
}

func shufflePrefGroups(hosts []dns.Host) {
	i := 0
	for i < len(hosts) {
		j := i + 1
		for j < len(hosts) && hosts[j].Pref == hosts[i].Pref {
			j++
		}
		group := hosts[i:j]
		rand.Shuffle(len(group), func(a, b int) {
			group[a], group[b] = group[b], group[a]
		})
		i = j
	}
}
