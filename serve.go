package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/drover-mta/drover/config"
	"github.com/drover-mta/drover/dns"
	"github.com/drover-mta/drover/egress"
	droverhttp "github.com/drover-mta/drover/http"
	"github.com/drover-mta/drover/memlimit"
	"github.com/drover-mta/drover/mlog"
	"github.com/drover-mta/drover/queue"
	"github.com/drover-mta/drover/ready"
	"github.com/drover-mta/drover/smtpclient"
	"github.com/drover-mta/drover/spool"
	"github.com/drover-mta/drover/throttle"
)

func cmdServe(c *cmd) {
	c.help = "Start the delivery scheduler and serve until SIGINT or SIGTERM."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	static := xloadConfig()
	mlog.Level.Set(static.SlogLevel())
	log := mlog.New("serve", nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := spool.Init(static.DataDir)
	xcheckf(err, "initializing spool in %s", static.DataDir)
	defer spool.Shutdown()

	if static.Redis != nil {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    static.Redis.Addresses,
			Username: static.Redis.Username,
			Password: static.Redis.Password,
		})
		defer client.Close()
		throttle.InitRedis(client)
		log.Info("shared throttles through redis", slog.Any("addrs", static.Redis.Addresses))
	}

	gov, err := memlimit.NewGovernor(nil, static.MemoryInterval)
	xcheckf(err, "discovering memory limits")
	go gov.Run(ctx)

	topo := egressTopology(static)
	resolver := dns.LiveResolver{Resolver: dns.StrictResolver{Pkg: "queue"}}

	mgr := queue.NewManager(nil, topo, resolver, ready.Config{
		NewProto: smtpclient.New,
	})
	err = mgr.Start()
	xcheckf(err, "restoring queue schedules from spool")
	go mgr.Watch(ctx, gov)

	if static.AdminAddress != "" {
		go func() {
			err := droverhttp.Serve(ctx, nil, static.AdminAddress, mgr)
			log.Check(err, "admin listener")
		}()
	}

	log.Info("drover started",
		slog.String("datadir", static.DataDir),
		slog.String("hostname", static.Hostname),
		slog.Any("memlimit", gov.Limit()))

	<-ctx.Done()
	log.Info("shutting down")
	mgr.Shutdown()
}

// egressTopology builds the topology from the static config, filling in the
// machine hostname as the default EHLO domain for paths that don't set one.
func egressTopology(static config.Static) *egress.Topology {
	r := static.Resolver()
	if r.Paths == nil {
		r.Paths = map[string]egress.PathConfig{}
	}
	for key, pc := range r.Paths {
		if pc.EhloDomain == "" {
			pc.EhloDomain = static.Hostname
			r.Paths[key] = pc
		}
	}
	if _, ok := r.Paths["default"]; !ok {
		r.Paths["default"] = egress.PathConfig{EhloDomain: static.Hostname}
	}
	return egress.NewTopology(nil, r)
}
