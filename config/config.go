// Package config holds the parsed static configuration file.
//
// The file is in sconf format. Egress topology (queues, pools, sources,
// paths) from the file is served through an egress.StaticResolver, so the
// rest of the system does not care whether configuration came from a file or
// from a control plane.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/mjl-/sconf"

	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	"github.com/drover-mta/drover/throttle"
)

// Redis configures the shared store for cross-node throttles and connection
// leases.
type Redis struct {
	Addresses []string `sconf-doc:"Addresses of the Redis server, host:port. Multiple addresses are treated as a cluster."`
	Username  string   `sconf:"optional"`
	Password  string   `sconf:"optional"`
}

// Path selects the deliveries a path configuration applies to. With both
// Site and Source empty it is the default for all paths.
type Path struct {
	Site   string            `sconf:"optional" sconf-doc:"Destination site the settings apply to, e.g. the factored MX hostname. Empty matches any site."`
	Source string            `sconf:"optional" sconf-doc:"Egress source the settings apply to. Empty matches any source."`
	Config egress.PathConfig `sconf-doc:"Settings for matching deliveries."`
}

// Static is the parsed form of the drover.conf configuration file.
type Static struct {
	DataDir        string                        `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the spool and other state is stored. If this is a relative path, it is relative to the directory of the config file."`
	LogLevel       string                        `sconf:"optional" sconf-doc:"Default log level: error, info or debug. Default info."`
	Hostname       string                        `sconf-doc:"Full hostname of this machine, announced in the EHLO greeting on outgoing connections unless a path overrides it."`
	HostnameDomain dns.Domain                    `sconf:"-" json:"-"`
	AdminAddress   string                        `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics and the queue admin API on, e.g. localhost:8267. Empty disables the listener."`
	MemoryInterval time.Duration                 `sconf:"optional" sconf-doc:"How often memory usage is sampled for the memory governor. Default 3s."`
	Redis          *Redis                        `sconf:"optional" sconf-doc:"Shared store for cross-node throttles and connection leases. Without it, throttles marked shared are enforced per node."`
	Queues         map[string]egress.QueueConfig `sconf:"optional" sconf-doc:"Settings per scheduled queue name. The key 'default' applies to queues not named."`
	Pools          map[string]egress.Pool        `sconf:"optional" sconf-doc:"Egress pools, weighted sets of sources."`
	Sources        map[string]egress.Source      `sconf:"optional" sconf-doc:"Egress sources, the local identities connections are made from."`
	Paths          map[string]Path               `sconf:"optional" sconf-doc:"Path settings, keyed by a free-form rule name. The most specific match wins: site and source, site, source, then the rule with both empty."`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Static, error) {
	var static Static
	if err := sconf.ParseFile(path, &static); err != nil {
		return Static{}, fmt.Errorf("parsing config file: %v", err)
	}
	if err := static.check(filepath.Dir(path)); err != nil {
		return Static{}, err
	}
	return static, nil
}

var logLevels = map[string]slog.Level{
	"":      slog.LevelInfo,
	"error": slog.LevelError,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
}

// SlogLevel returns the configured log level. Must be called after Load.
func (s Static) SlogLevel() slog.Level {
	return logLevels[s.LogLevel]
}

func (s *Static) check(dir string) error {
	if !filepath.IsAbs(s.DataDir) {
		s.DataDir = filepath.Join(dir, s.DataDir)
	}
	if _, ok := logLevels[s.LogLevel]; !ok {
		return fmt.Errorf("unknown log level %q", s.LogLevel)
	}
	d, err := dns.ParseDomain(s.Hostname)
	if err != nil {
		return fmt.Errorf("parsing hostname: %v", err)
	}
	s.HostnameDomain = d
	if s.Redis != nil && len(s.Redis.Addresses) == 0 {
		return fmt.Errorf("redis configured without addresses")
	}

	for name, qc := range s.Queues {
		if qc.EgressPool != "" {
			if _, ok := s.Pools[qc.EgressPool]; !ok {
				return fmt.Errorf("queue %q: unknown egress pool %q", name, qc.EgressPool)
			}
		}
		if err := checkRate(qc.MaxMessageRate); err != nil {
			return fmt.Errorf("queue %q: %v", name, err)
		}
	}
	for name, p := range s.Pools {
		if len(p.Entries) == 0 {
			return fmt.Errorf("pool %q: no entries", name)
		}
		for _, e := range p.Entries {
			if _, ok := s.Sources[e.Source]; !ok {
				return fmt.Errorf("pool %q: unknown source %q", name, e.Source)
			}
		}
	}
	for name, src := range s.Sources {
		if err := checkRate(src.SelectionRate); err != nil {
			return fmt.Errorf("source %q: %v", name, err)
		}
	}
	strategies := []string{"", egress.ConnectNextHost, egress.ReconnectSameHost, egress.TerminateSession}
	tlsModes := []string{"", egress.TLSOpportunistic, egress.TLSRequired, egress.TLSRequiredInsecure, egress.TLSDisabled}
	for name, p := range s.Paths {
		pc := p.Config
		if !slices.Contains(strategies, pc.ReconnectStrategy) {
			return fmt.Errorf("path %q: unknown reconnect strategy %q", name, pc.ReconnectStrategy)
		}
		if !slices.Contains(tlsModes, pc.EnableTLS) {
			return fmt.Errorf("path %q: unknown tls mode %q", name, pc.EnableTLS)
		}
		if err := checkRate(pc.MaxMessageRate); err != nil {
			return fmt.Errorf("path %q: %v", name, err)
		}
		if err := checkRate(pc.MaxConnectionRate); err != nil {
			return fmt.Errorf("path %q: %v", name, err)
		}
		if p.Source != "" {
			if _, ok := s.Sources[p.Source]; !ok {
				return fmt.Errorf("path %q: unknown source %q", name, p.Source)
			}
		}
	}
	return nil
}

func checkRate(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := throttle.ParseSpec(spec); err != nil {
		return fmt.Errorf("parsing rate %q: %v", spec, err)
	}
	return nil
}

// Resolver returns the egress resolver serving the topology from this
// config.
func (s Static) Resolver() *egress.StaticResolver {
	paths := map[string]egress.PathConfig{}
	for _, p := range s.Paths {
		key := "default"
		switch {
		case p.Site != "" && p.Source != "":
			key = p.Site + "\x00" + p.Source
		case p.Site != "":
			key = p.Site
		case p.Source != "":
			key = p.Source
		}
		paths[key] = p.Config
	}
	return &egress.StaticResolver{
		Queues:  s.Queues,
		Pools:   s.Pools,
		Sources: s.Sources,
		Paths:   paths,
	}
}

// Describe writes an example configuration file documenting all fields.
func Describe(w io.Writer, s Static) error {
	return sconf.Describe(w, s)
}
