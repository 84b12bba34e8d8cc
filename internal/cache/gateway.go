// Package cache is the typed façade over the shared key-value store
// described in spec.md §4.1. Every operation returns a success flag rather
// than an error: on transport failure the Gateway logs and returns the
// failure form, so callers treat it as a best-effort fast path and fall
// back to the authoritative store.
package cache

import (
	"time"

	"github.com/lw7895123/orderflow/internal/model"
)

// Gateway is the contract every cache backend (Redis, or the in-memory
// fake used in tests) implements.
type Gateway interface {
	GetUserStatus(userID string) model.UserStatus
	SetUserStatus(userID string, status model.UserStatus, ttl time.Duration) bool
	GetGroupStatus(groupID string) model.GroupStatus
	SetGroupStatus(groupID string, status model.GroupStatus, ttl time.Duration) bool

	// SetOrderStatusHint caches an order's last known status, refreshed by
	// the OrderStatusChange handler on every commit.
	SetOrderStatusHint(orderID string, status model.OrderStatus, ttl time.Duration) bool

	AcquireUserLock(userID, worker string, ttl time.Duration) bool
	ReleaseUserLock(userID, worker string) bool

	MarkOrderProcessing(orderID, worker string, ttl time.Duration) bool
	ClearOrderProcessing(orderID string) bool
	IsOrderProcessing(orderID string) bool

	PushEvent(queueName string, payload []byte) bool
	PopEvent(queueName string) ([]byte, bool)

	RecordWorkerHeartbeat(worker string, ttl time.Duration) bool
	ListLiveWorkers() []string

	UpdateCounters(mapping map[string]int64) bool
	ReadCounters() map[string]int64
}

// Key namespaces, per spec.md §6.
const (
	keyUserStatus  = "user:status:"
	keyGroupStatus = "group:status:"
	keyOrderMark   = "order:processing:"
	keyOrderStatus = "order:status:"
	keyUserLock    = "user:lock:"
	keyHeartbeat   = "monitor:heartbeat:"
	keyStats       = "monitor:stats"
)

func userStatusKey(userID string) string  { return keyUserStatus + userID }
func groupStatusKey(groupID string) string { return keyGroupStatus + groupID }
func orderMarkKey(orderID string) string   { return keyOrderMark + orderID }
func orderStatusKey(orderID string) string { return keyOrderStatus + orderID }
func userLockKey(userID string) string     { return keyUserLock + userID }
func heartbeatKey(worker string) string    { return keyHeartbeat + worker }
