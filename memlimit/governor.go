package memlimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drover-mta/drover/mlog"
)

var (
	metricUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_memory_usage_bytes",
		Help: "Current process memory usage.",
	})
	metricLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drover_memory_limit_bytes",
		Help: "Effective process memory limit.",
	})
	metricOverLimit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drover_memory_over_limit_total",
		Help: "Number of transitions into the critical memory state.",
	})
)

// State is the memory pressure level the governor reports.
type State int32

const (
	StateOK       State = iota
	StateLow            // Headroom below 10% of the limit, shed what can be shed.
	StateCritical       // At or over the limit, refuse new work until recovered.
)

func (s State) String() string {
	switch s {
	case StateLow:
		return "low"
	case StateCritical:
		return "critical"
	}
	return "ok"
}

// Governor samples memory usage against the discovered limit and notifies
// subscribers on state transitions.
type Governor struct {
	log      mlog.Log
	limit    Limit
	interval time.Duration

	state    atomic.Int32
	headroom atomic.Uint64

	// For tests.
	usage func() (uint64, error)

	sync.Mutex // Protects subs.
	subs       []chan State
}

// NewGovernor discovers the memory limit. The zero interval defaults to 3s.
func NewGovernor(elog *slog.Logger, interval time.Duration) (*Governor, error) {
	limit, err := Discover()
	if err != nil {
		return nil, err
	}
	if interval == 0 {
		interval = 3 * time.Second
	}
	g := &Governor{log: mlog.New("memlimit", elog), limit: limit, interval: interval, usage: Usage}
	g.headroom.Store(limit.Bytes)
	metricLimit.Set(float64(limit.Bytes))
	g.log.Info("using memory limit",
		slog.Uint64("bytes", limit.Bytes),
		slog.String("source", limit.Source),
	)
	return g, nil
}

// Limit returns the discovered limit.
func (g *Governor) Limit() Limit { return g.limit }

// State returns the current memory pressure level.
func (g *Governor) State() State { return State(g.state.Load()) }

// Headroom returns how many bytes can still be allocated before the limit.
func (g *Governor) Headroom() uint64 { return g.headroom.Load() }

// Subscribe returns a channel that receives the new state on each
// transition. The channel is never closed and receives are never blocked on:
// a slow subscriber only sees the most recent transition.
func (g *Governor) Subscribe() <-chan State {
	c := make(chan State, 1)
	g.Lock()
	g.subs = append(g.subs, c)
	g.Unlock()
	return c
}

// Run samples until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		g.sample()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (g *Governor) sample() {
	usage, err := g.usage()
	if err != nil {
		g.log.Errorx("querying memory usage", err)
		return
	}
	metricUsage.Set(float64(usage))

	limit := g.limit.Bytes
	var headroom uint64
	if usage < limit {
		headroom = limit - usage
	}
	g.headroom.Store(headroom)

	next := StateOK
	switch {
	case headroom == 0:
		next = StateCritical
	case headroom < limit/10:
		next = StateLow
	}
	prev := State(g.state.Swap(int32(next)))
	if next == prev {
		return
	}
	if next == StateCritical {
		metricOverLimit.Inc()
	}
	logfn := g.log.Info
	if next == StateCritical || prev == StateCritical {
		logfn = g.log.Error
	}
	logfn("memory state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.Uint64("usage", usage),
		slog.Uint64("limit", limit),
	)

	g.Lock()
	defer g.Unlock()
	for _, c := range g.subs {
		select {
		case c <- next:
		default:
			// Replace a pending older state.
			select {
			case <-c:
			default:
			}
			select {
			case c <- next:
			default:
			}
		}
	}
}
