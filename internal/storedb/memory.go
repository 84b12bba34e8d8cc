package storedb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
)

// MemoryStore is an in-memory Store used by tests that need deterministic
// fixtures without a live Postgres.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]model.User
	groups map[string]model.OrderGroup
	orders map[string]model.Order
	logs   []model.StatusLog
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]model.User),
		groups: make(map[string]model.OrderGroup),
		orders: make(map[string]model.Order),
	}
}

// Seed installs fixtures directly, bypassing the Store interface, for test
// setup.
func (s *MemoryStore) Seed(users []model.User, groups []model.OrderGroup, orders []model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
}

func (s *MemoryStore) ActiveUsers(ctx context.Context) ([]model.ActiveUserStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type acc struct {
		count      int
		prioritySum int
	}
	byUser := make(map[string]*acc)

	for _, o := range s.orders {
		if o.Status != model.OrderPending && o.Status != model.OrderPartial {
			continue
		}
		u, ok := s.users[o.UserID]
		if !ok || u.Status != model.UserEnabled {
			continue
		}
		g, ok := s.groups[o.GroupID]
		if !ok || g.Status != model.GroupOpen {
			continue
		}
		a, ok := byUser[o.UserID]
		if !ok {
			a = &acc{}
			byUser[o.UserID] = a
		}
		a.count++
		a.prioritySum += o.Priority
	}

	var stats []model.ActiveUserStat
	for userID, a := range byUser {
		stats = append(stats, model.ActiveUserStat{
			UserID:      userID,
			OrderCount:  a.count,
			AvgPriority: float64(a.prioritySum) / float64(a.count),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].OrderCount != stats[j].OrderCount {
			return stats[i].OrderCount > stats[j].OrderCount
		}
		return stats[i].AvgPriority > stats[j].AvgPriority
	})
	return stats, nil
}

func (s *MemoryStore) UserWorkingSet(ctx context.Context, userID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if o.Status != model.OrderPending && o.Status != model.OrderPartial {
			continue
		}
		orders = append(orders, o)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Priority != orders[j].Priority {
			return orders[i].Priority > orders[j].Priority
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) UserStatus(ctx context.Context, userID string) (model.UserStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return model.UserStatusUnknown, nil
	}
	return u.Status, nil
}

func (s *MemoryStore) GroupStatus(ctx context.Context, groupID string) (model.GroupStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return model.GroupStatusUnknown, nil
	}
	return g.Status, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (*model.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.NewStatusSnapshot()
	for id, u := range s.users {
		snap.Users[id] = u.Status
	}
	for id, g := range s.groups {
		snap.Groups[id] = g.Status
		snap.GroupOwner[id] = g.UserID
		snap.GroupName[id] = g.Name
	}
	snap.CapturedAt = time.Now()
	return snap, nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, orderID string, next model.OrderStatus, filledQty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return errOrderNotFound(orderID)
	}
	o.Status = next
	o.FilledQuantity = filledQty
	o.UpdatedAt = time.Now()
	if next.Filled() {
		now := time.Now()
		o.FilledAt = &now
	}
	s.orders[orderID] = o
	return nil
}

func (s *MemoryStore) AppendStatusLog(ctx context.Context, log model.StatusLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.CreatedAt = time.Now()
	s.logs = append(s.logs, log)
	return nil
}

// Logs returns a copy of the appended status logs, for test assertions.
func (s *MemoryStore) Logs() []model.StatusLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StatusLog, len(s.logs))
	copy(out, s.logs)
	return out
}

type errOrderNotFound string

func (e errOrderNotFound) Error() string { return "storedb: order not found: " + string(e) }
