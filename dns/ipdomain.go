package dns

import (
	"net"
	"strings"
)

// IPDomain is an ip address, a domain, or empty. Destination domains in
// square brackets ("[127.0.0.1]") parse to the IP form and bypass MX
// resolution.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// ParseIPDomain parses s as an address literal ("[ip]" or a bare IP) or as a
// domain name.
func ParseIPDomain(s string) (IPDomain, error) {
	lit := s
	if strings.HasPrefix(lit, "[") && strings.HasSuffix(lit, "]") {
		lit = lit[1 : len(lit)-1]
		lit = strings.TrimPrefix(lit, "IPv6:")
	}
	if ip := net.ParseIP(lit); ip != nil {
		return IPDomain{IP: ip}, nil
	}
	d, err := ParseDomain(s)
	if err != nil {
		return IPDomain{}, err
	}
	return IPDomain{Domain: d}, nil
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}

// String returns the IP or the domain name.
func (d IPDomain) String() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.Name()
}
