package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "nox:quota:"

// ledgerScript rolls, checks and updates one hash atomically.
//
// KEYS[1] ledger hash
// ARGV: now (unix seconds), window seconds, max requests, max cpu, cpu to add, admit flag
// Returns {admitted, requests, cpu, window_start}; floats are returned as strings.
var ledgerScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_req = tonumber(ARGV[3])
local max_cpu = tonumber(ARGV[4])
local add_cpu = tonumber(ARGV[5])
local admit = ARGV[6] == "1"

local start = tonumber(redis.call("HGET", key, "start"))
local count = tonumber(redis.call("HGET", key, "count")) or 0
local cpu = tonumber(redis.call("HGET", key, "cpu")) or 0
if not start or now >= start + window then
  start = now
  count = 0
  cpu = 0
end

local ok = 1
if admit then
  if (max_req > 0 and count >= max_req) or (max_cpu > 0 and cpu >= max_cpu) then
    ok = 0
  else
    count = count + 1
  end
end
cpu = cpu + add_cpu

redis.call("HSET", key, "start", tostring(start), "count", tostring(count), "cpu", tostring(cpu))
redis.call("EXPIRE", key, math.ceil(start + window - now) + 60)
return {ok, count, tostring(cpu), tostring(start)}
`)

// RedisLedger keeps the ledger in Redis hashes so that several instances
// share one quota. Every operation is a single script evaluation.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger creates a ledger on client. Keys are "<prefix><fingerprint>".
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix, now: time.Now}
}

// Admit implements Ledger.
func (r *RedisLedger) Admit(ctx context.Context, fingerprint string, limits Limits) (Usage, error) {
	u, ok, err := r.eval(ctx, fingerprint, limits, 0, true)
	if err != nil {
		return Usage{}, err
	}
	if !ok {
		if err := Check(u, limits); err != nil {
			return u, err
		}
		return u, ErrQuotaExceeded
	}
	return u, nil
}

// AddCPU implements Ledger.
func (r *RedisLedger) AddCPU(ctx context.Context, fingerprint string, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	_, _, err := r.eval(ctx, fingerprint, Limits{}, seconds, false)
	return err
}

// Usage implements Ledger.
func (r *RedisLedger) Usage(ctx context.Context, fingerprint string) (Usage, error) {
	u, _, err := r.eval(ctx, fingerprint, Limits{}, 0, false)
	return u, err
}

// Ping checks the connection for readiness probes.
func (r *RedisLedger) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLedger) eval(ctx context.Context, fingerprint string, limits Limits, addCPU float64, admit bool) (Usage, bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	flag := "0"
	if admit {
		flag = "1"
	}
	res, err := ledgerScript.Run(ctx, r.client, []string{r.prefix + fingerprint},
		strconv.FormatFloat(now, 'f', 6, 64),
		int64(Window/time.Second),
		limits.DailyRequests,
		strconv.FormatFloat(limits.DailyCPUSeconds, 'f', -1, 64),
		strconv.FormatFloat(addCPU, 'f', -1, 64),
		flag,
	).Slice()
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota script: %w", err)
	}
	if len(res) != 4 {
		return Usage{}, false, fmt.Errorf("quota script: unexpected reply %v", res)
	}

	ok, _ := res[0].(int64)
	count, _ := res[1].(int64)
	cpuStr, _ := res[2].(string)
	startStr, _ := res[3].(string)
	cpu, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota script: cpu %q: %w", cpuStr, err)
	}
	start, err := strconv.ParseFloat(startStr, 64)
	if err != nil {
		return Usage{}, false, fmt.Errorf("quota script: start %q: %w", startStr, err)
	}

	return Usage{
		Fingerprint: fingerprint,
		Requests:    int(count),
		CPUSeconds:  cpu,
		WindowStart: time.UnixMicro(int64(start * 1e6)).UTC(),
	}, ok == 1, nil
}
