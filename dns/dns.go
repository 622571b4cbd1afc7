// Package dns provides domain name types and a strict, logging DNS resolver
// used to build delivery topologies for remote destinations.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is an ASCII domain name with one or more labels, always lower case.
// The name never has a trailing dot.
type Domain struct {
	ASCII string
}

// Name returns the domain name.
func (d Domain) Name() string {
	return d.ASCII
}

// String returns a human-readable string.
func (d Domain) String() string {
	return d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses and canonicalizes a domain name: lower-cased, no
// trailing dot, labels checked against hostname syntax.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	s = strings.ToLower(s)
	if len(s) == 0 || len(s) > 253 {
		return Domain{}, fmt.Errorf("invalid domain name length %d", len(s))
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return Domain{}, fmt.Errorf("invalid label %q", label)
		}
		for i, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			case c == '-' || c == '_':
				if i == 0 || i == len(label)-1 {
					return Domain{}, fmt.Errorf("label %q starts or ends with hyphen", label)
				}
			default:
				return Domain{}, fmt.Errorf("invalid character %q in label %q", c, label)
			}
		}
	}
	return Domain{s}, nil
}

// IsNotFound returns whether an error is an adns.DNSError with IsNotFound set.
// IsNotFound means the requested type does not exist for the given domain (a
// nodata or nxdomain response). It doesn't necessarily mean no other types
// for that name exist.
func IsNotFound(err error) bool {
	var dnsErr *adns.DNSError
	return err != nil && errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
