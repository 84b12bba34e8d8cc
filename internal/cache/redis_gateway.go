package cache

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
	"github.com/redis/go-redis/v9"
)

// casDeleteScript deletes KEYS[1] only if its current value equals ARGV[1].
// Returns 1 on delete, 0 if the key was absent or held by someone else.
// Used by ReleaseUserLock. ClearOrderProcessing takes no owner and deletes
// the processing mark with a plain DEL, without checking the holder.
const casDeleteScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisGateway implements Gateway over github.com/redis/go-redis/v9.
type RedisGateway struct {
	client       *redis.Client
	casDeleteSHA string
}

// NewRedisGateway connects to Redis and preloads the CAS-delete script, the
// same "load once, EvalSha forever" discipline as the teacher's
// NewRedisStore.
func NewRedisGateway(addr, password string, db int) (*RedisGateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, casDeleteScript).Result()
	if err != nil {
		return nil, errors.New("cache: failed to preload CAS-delete script: " + err.Error())
	}

	return &RedisGateway{client: client, casDeleteSHA: sha}, nil
}

// Ping reports whether the Redis connection is currently reachable, for the
// composition root's fatal-unreachability watchdog.
func (g *RedisGateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGateway) observe(op string, start time.Time) {
	observability.CacheLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (g *RedisGateway) casDelete(ctx context.Context, key, owner string) (bool, error) {
	res, err := g.client.EvalSha(ctx, g.casDeleteSHA, []string{key}, owner).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		sha, loadErr := g.client.ScriptLoad(ctx, casDeleteScript).Result()
		if loadErr != nil {
			return false, loadErr
		}
		g.casDeleteSHA = sha
		res, err = g.client.EvalSha(ctx, g.casDeleteSHA, []string{key}, owner).Result()
	}
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (g *RedisGateway) GetUserStatus(userID string) model.UserStatus {
	start := time.Now()
	defer g.observe("get_user_status", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := g.client.Get(ctx, userStatusKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.UserStatusUnknown
	}
	if err != nil {
		log.Printf("cache: getUserStatus(%s) failed: %v", userID, err)
		return model.UserStatusUnknown
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return model.UserStatusUnknown
	}
	return model.UserStatus(n)
}

func (g *RedisGateway) SetUserStatus(userID string, status model.UserStatus, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("set_user_status", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.Set(ctx, userStatusKey(userID), int(status), ttl).Err(); err != nil {
		log.Printf("cache: setUserStatus(%s) failed: %v", userID, err)
		return false
	}
	return true
}

func (g *RedisGateway) GetGroupStatus(groupID string) model.GroupStatus {
	start := time.Now()
	defer g.observe("get_group_status", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := g.client.Get(ctx, groupStatusKey(groupID)).Result()
	if errors.Is(err, redis.Nil) {
		return model.GroupStatusUnknown
	}
	if err != nil {
		log.Printf("cache: getGroupStatus(%s) failed: %v", groupID, err)
		return model.GroupStatusUnknown
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return model.GroupStatusUnknown
	}
	return model.GroupStatus(n)
}

func (g *RedisGateway) SetGroupStatus(groupID string, status model.GroupStatus, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("set_group_status", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.Set(ctx, groupStatusKey(groupID), int(status), ttl).Err(); err != nil {
		log.Printf("cache: setGroupStatus(%s) failed: %v", groupID, err)
		return false
	}
	return true
}

func (g *RedisGateway) SetOrderStatusHint(orderID string, status model.OrderStatus, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("set_order_status_hint", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.Set(ctx, orderStatusKey(orderID), string(status), ttl).Err(); err != nil {
		log.Printf("cache: setOrderStatusHint(%s) failed: %v", orderID, err)
		return false
	}
	return true
}

// AcquireUserLock is an atomic "set if absent with expiry" — SET NX EX.
func (g *RedisGateway) AcquireUserLock(userID, worker string, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("acquire_user_lock", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := g.client.SetNX(ctx, userLockKey(userID), worker, ttl).Result()
	if err != nil {
		log.Printf("cache: acquireUserLock(%s) failed: %v", userID, err)
		return false
	}
	if !ok {
		observability.LeaseAttempts.WithLabelValues("contended").Inc()
	} else {
		observability.LeaseAttempts.WithLabelValues("acquired").Inc()
	}
	return ok
}

// ReleaseUserLock deletes the lock only if worker is still the holder. A
// release by a non-holder is a no-op (the lock already expired and was
// possibly reacquired) and is logged at warning level, not treated as an
// error.
func (g *RedisGateway) ReleaseUserLock(userID, worker string) bool {
	start := time.Now()
	defer g.observe("release_user_lock", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := g.casDelete(ctx, userLockKey(userID), worker)
	if err != nil {
		log.Printf("cache: releaseUserLock(%s) failed: %v", userID, err)
		return false
	}
	if !ok {
		log.Printf("cache: releaseUserLock(%s) by %s was a no-op (lock already expired or reassigned)", userID, worker)
	}
	return ok
}

func (g *RedisGateway) MarkOrderProcessing(orderID, worker string, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("mark_order_processing", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := g.client.SetNX(ctx, orderMarkKey(orderID), worker, ttl).Result()
	if err != nil {
		log.Printf("cache: markOrderProcessing(%s) failed: %v", orderID, err)
		return false
	}
	if !ok {
		observability.DuplicateProcessingPrevented.Inc()
	}
	return ok
}

func (g *RedisGateway) ClearOrderProcessing(orderID string) bool {
	start := time.Now()
	defer g.observe("clear_order_processing", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.Del(ctx, orderMarkKey(orderID)).Err(); err != nil {
		log.Printf("cache: clearOrderProcessing(%s) failed: %v", orderID, err)
		return false
	}
	return true
}

func (g *RedisGateway) IsOrderProcessing(orderID string) bool {
	start := time.Now()
	defer g.observe("is_order_processing", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := g.client.Exists(ctx, orderMarkKey(orderID)).Result()
	if err != nil {
		log.Printf("cache: isOrderProcessing(%s) failed: %v", orderID, err)
		return false
	}
	return n > 0
}

func (g *RedisGateway) PushEvent(queueName string, payload []byte) bool {
	start := time.Now()
	defer g.observe("push_event", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.LPush(ctx, queueName, payload).Err(); err != nil {
		log.Printf("cache: pushEvent(%s) failed: %v", queueName, err)
		return false
	}
	return true
}

func (g *RedisGateway) PopEvent(queueName string) ([]byte, bool) {
	start := time.Now()
	defer g.observe("pop_event", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := g.client.RPop(ctx, queueName).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Printf("cache: popEvent(%s) failed: %v", queueName, err)
		return nil, false
	}
	return val, true
}

func (g *RedisGateway) RecordWorkerHeartbeat(worker string, ttl time.Duration) bool {
	start := time.Now()
	defer g.observe("record_heartbeat", start)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.client.Set(ctx, heartbeatKey(worker), time.Now().Unix(), ttl).Err(); err != nil {
		log.Printf("cache: recordWorkerHeartbeat(%s) failed: %v", worker, err)
		return false
	}
	return true
}

// ListLiveWorkers scans the heartbeat namespace. A SCAN result only ever
// contains keys whose TTL has not expired, so every returned worker id is
// live by construction.
func (g *RedisGateway) ListLiveWorkers() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var workers []string
	iter := g.client.Scan(ctx, 0, keyHeartbeat+"*", 0).Iterator()
	for iter.Next(ctx) {
		workers = append(workers, strings.TrimPrefix(iter.Val(), keyHeartbeat))
	}
	if err := iter.Err(); err != nil {
		log.Printf("cache: listLiveWorkers scan failed: %v", err)
	}
	return workers
}

func (g *RedisGateway) UpdateCounters(mapping map[string]int64) bool {
	start := time.Now()
	defer g.observe("update_counters", start)

	if len(mapping) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := g.client.Pipeline()
	for field, delta := range mapping {
		pipe.HIncrBy(ctx, keyStats, field, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("cache: updateCounters failed: %v", err)
		return false
	}
	return true
}

func (g *RedisGateway) ReadCounters() map[string]int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := g.client.HGetAll(ctx, keyStats).Result()
	if err != nil {
		log.Printf("cache: readCounters failed: %v", err)
		return map[string]int64{}
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out
}
