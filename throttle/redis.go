package throttle

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var redisErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "drover_throttle_redis_errors_total",
		Help: "Shared throttle operations that fell back to the local store.",
	},
)

var redisClient atomic.Pointer[redis.UniversalClient]

// InitRedis configures the backing store for shared-scope throttles and
// leases. Without it, shared throttles behave as local ones.
func InitRedis(client redis.UniversalClient) {
	redisClient.Store(&client)
}

// The same GCRA as localCheck, evaluated atomically in Redis so multiple
// nodes share one theoretical arrival time. Times are in float seconds from
// the Redis clock, keeping nodes free of clock skew concerns. ARGV[4] != 0
// commits the new arrival time when admitted.
var gcraScript = redis.NewScript(`
local interval = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local increment = interval * tonumber(ARGV[3])
local commit = tonumber(ARGV[4]) ~= 0

local t = redis.call("TIME")
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000

local tat = tonumber(redis.call("GET", KEYS[1]))
if not tat or tat < now then
  tat = now
end

local new_tat = tat + increment
local allow_at = new_tat - burst
local diff = now - allow_at

if diff < 0 then
  local remaining = math.floor((now - (tat - burst)) / interval)
  if remaining < 0 then remaining = 0 end
  return {1, remaining, math.ceil((tat - now) * 1000), math.ceil(-diff * 1000)}
end

local reset = math.ceil((new_tat - now) * 1000)
if commit then
  redis.call("SET", KEYS[1], tostring(new_tat), "PX", reset)
end
return {0, math.floor(diff / interval), reset, 0}
`)

func (s Spec) redisCheck(ctx context.Context, c redis.UniversalClient, name string, quantity int64, commit bool) (Result, error) {
	commitArg := 0
	if commit {
		commitArg = 1
	}
	v, err := gcraScript.Run(ctx, c,
		[]string{"throttle:" + s.stateKey(name)},
		float64(s.interval())/float64(time.Second),
		float64(s.burstOffset())/float64(time.Second),
		quantity,
		commitArg,
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis gcra: %w", err)
	}
	if len(v) != 4 {
		return Result{}, fmt.Errorf("redis gcra: unexpected reply of %d values", len(v))
	}
	return Result{
		Allowed:    v[0] == 0,
		Remaining:  v[1],
		ResetAfter: time.Duration(v[2]) * time.Millisecond,
		RetryAfter: time.Duration(v[3]) * time.Millisecond,
	}, nil
}

// redisCommit unconditionally consumes quantity admissions.
var gcraCommitScript = redis.NewScript(`
local increment = tonumber(ARGV[1]) * tonumber(ARGV[2])
local t = redis.call("TIME")
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000
local tat = tonumber(redis.call("GET", KEYS[1]))
if not tat or tat < now then
  tat = now
end
local new_tat = tat + increment
redis.call("SET", KEYS[1], tostring(new_tat), "PX", math.ceil((new_tat - now) * 1000))
return 1
`)

func (s Spec) redisCommit(ctx context.Context, c redis.UniversalClient, name string, quantity int64) error {
	err := gcraCommitScript.Run(ctx, c,
		[]string{"throttle:" + s.stateKey(name)},
		float64(s.interval())/float64(time.Second),
		quantity,
	).Err()
	if err != nil {
		return fmt.Errorf("redis gcra commit: %w", err)
	}
	return nil
}
