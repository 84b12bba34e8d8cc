package cache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
)

type memEntry struct {
	value   string
	expires time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryGateway is an in-memory Gateway used by tests that need CAS and TTL
// semantics without a live Redis. It is not meant for production use; it
// holds everything in a single map guarded by one mutex.
type MemoryGateway struct {
	mu       sync.Mutex
	kv       map[string]memEntry
	queues   map[string][][]byte
	counters map[string]int64
}

// NewMemoryGateway returns an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		kv:       make(map[string]memEntry),
		queues:   make(map[string][][]byte),
		counters: make(map[string]int64),
	}
}

func (g *MemoryGateway) getLocked(key string) (string, bool) {
	e, ok := g.kv[key]
	if !ok || !e.live(time.Now()) {
		return "", false
	}
	return e.value, true
}

func (g *MemoryGateway) setLocked(key, value string, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	g.kv[key] = memEntry{value: value, expires: expires}
}

func (g *MemoryGateway) GetUserStatus(userID string) model.UserStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.getLocked(userStatusKey(userID))
	if !ok {
		return model.UserStatusUnknown
	}
	return model.UserStatus(parseIntOrZero(v))
}

func (g *MemoryGateway) SetUserStatus(userID string, status model.UserStatus, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(userStatusKey(userID), itoa(int(status)), ttl)
	return true
}

func (g *MemoryGateway) GetGroupStatus(groupID string) model.GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.getLocked(groupStatusKey(groupID))
	if !ok {
		return model.GroupStatusUnknown
	}
	return model.GroupStatus(parseIntOrZero(v))
}

func (g *MemoryGateway) SetGroupStatus(groupID string, status model.GroupStatus, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(groupStatusKey(groupID), itoa(int(status)), ttl)
	return true
}

func (g *MemoryGateway) SetOrderStatusHint(orderID string, status model.OrderStatus, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(orderStatusKey(orderID), string(status), ttl)
	return true
}

func (g *MemoryGateway) AcquireUserLock(userID, worker string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := userLockKey(userID)
	if _, ok := g.getLocked(key); ok {
		return false
	}
	g.setLocked(key, worker, ttl)
	return true
}

func (g *MemoryGateway) ReleaseUserLock(userID, worker string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := userLockKey(userID)
	v, ok := g.getLocked(key)
	if !ok || v != worker {
		return false
	}
	delete(g.kv, key)
	return true
}

func (g *MemoryGateway) MarkOrderProcessing(orderID, worker string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := orderMarkKey(orderID)
	if _, ok := g.getLocked(key); ok {
		return false
	}
	g.setLocked(key, worker, ttl)
	return true
}

func (g *MemoryGateway) ClearOrderProcessing(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.kv, orderMarkKey(orderID))
	return true
}

func (g *MemoryGateway) IsOrderProcessing(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.getLocked(orderMarkKey(orderID))
	return ok
}

func (g *MemoryGateway) PushEvent(queueName string, payload []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queues[queueName] = append(g.queues[queueName], payload)
	return true
}

func (g *MemoryGateway) PopEvent(queueName string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.queues[queueName]
	if len(q) == 0 {
		return nil, false
	}
	val := q[0]
	g.queues[queueName] = q[1:]
	return val, true
}

func (g *MemoryGateway) RecordWorkerHeartbeat(worker string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(heartbeatKey(worker), itoa(int(time.Now().Unix())), ttl)
	return true
}

func (g *MemoryGateway) ListLiveWorkers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	var workers []string
	for key, e := range g.kv {
		if !strings.HasPrefix(key, keyHeartbeat) || !e.live(now) {
			continue
		}
		workers = append(workers, strings.TrimPrefix(key, keyHeartbeat))
	}
	return workers
}

func (g *MemoryGateway) UpdateCounters(mapping map[string]int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for field, delta := range mapping {
		g.counters[field] += delta
	}
	return true
}

func (g *MemoryGateway) ReadCounters() map[string]int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int64, len(g.counters))
	for k, v := range g.counters {
		out[k] = v
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func parseIntOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
