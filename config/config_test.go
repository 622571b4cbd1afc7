package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodConf = `DataDir: data
Hostname: drover1.example.com
LogLevel: debug
Queues:
	default:
		EgressPool: shared
Pools:
	shared:
		Entries:
			-
				Source: ip1
			-
				Source: ip2
				Weight: 3
Sources:
	ip1:
		Address: 198.51.100.10
	ip2:
		Address: 198.51.100.11
		SelectionRate: 100/h
Paths:
	gmail:
		Site: gmail.com
		Config:
			MaxMessageRate: 500/m
	slowstart:
		Site: gmail.com
		Source: ip2
		Config:
			ConnectionLimit: 2
	default:
		Config:
			MaxReady: 2048
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "drover.conf")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %s", err)
	}
	return p
}

func TestLoad(t *testing.T) {
	p := writeConf(t, goodConf)
	static, err := Load(p)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if static.DataDir != filepath.Join(filepath.Dir(p), "data") {
		t.Fatalf("datadir %q not made relative to config dir", static.DataDir)
	}
	if static.HostnameDomain.ASCII != "drover1.example.com" {
		t.Fatalf("hostname not parsed: %+v", static.HostnameDomain)
	}

	r := static.Resolver()
	if len(r.Paths) != 3 {
		t.Fatalf("resolver has %d paths, expected 3", len(r.Paths))
	}
	for _, key := range []string{"gmail.com", "gmail.com\x00ip2", "default"} {
		if _, ok := r.Paths[key]; !ok {
			t.Fatalf("resolver missing path key %q", key)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	bad := []struct {
		replace [2]string
		errstr  string
	}{
		{[2]string{"LogLevel: debug", "LogLevel: chatty"}, "log level"},
		{[2]string{"Hostname: drover1.example.com", "Hostname: bad host"}, "hostname"},
		{[2]string{"EgressPool: shared", "EgressPool: nosuch"}, "unknown egress pool"},
		{[2]string{"Source: ip2\n				Weight: 3", "Source: nosuch"}, "unknown source"},
		{[2]string{"SelectionRate: 100/h", "SelectionRate: all of them"}, "parsing rate"},
		{[2]string{"MaxMessageRate: 500/m", "MaxMessageRate: fast"}, "parsing rate"},
	}
	for _, b := range bad {
		conf := strings.Replace(goodConf, b.replace[0], b.replace[1], 1)
		if conf == goodConf {
			t.Fatalf("replacement %q did not apply", b.replace[0])
		}
		_, err := Load(writeConf(t, conf))
		if err == nil || !strings.Contains(err.Error(), b.errstr) {
			t.Fatalf("got error %v, expected %q", err, b.errstr)
		}
	}
}
