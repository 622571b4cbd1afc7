package dispatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/drover-mta/drover/egress"
)

// Dialer connects to remote hosts, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer builds the dialer for an egress source. It binds the source
// address when one is configured, and routes through the source's SOCKS5
// proxy when set. With a proxy, SocksLocalIP binds the local side of the
// connection to the proxy.
func NewDialer(source egress.Source, timeout time.Duration) (Dialer, error) {
	d := &net.Dialer{Timeout: timeout}
	laddr := source.Address
	if source.SocksProxy != "" && source.SocksLocalIP != "" {
		laddr = source.SocksLocalIP
	}
	if laddr != "" {
		ip := net.ParseIP(laddr)
		if ip == nil {
			return nil, fmt.Errorf("egress source %s: invalid local address %q", source.Name, laddr)
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	if source.SocksProxy == "" {
		return d, nil
	}
	pd, err := proxy.SOCKS5("tcp", source.SocksProxy, nil, d)
	if err != nil {
		return nil, fmt.Errorf("egress source %s: socks5 proxy: %v", source.Name, err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("egress source %s: socks5 dialer without context support", source.Name)
	}
	return cd, nil
}
