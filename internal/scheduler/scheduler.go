// Package scheduler selects the next (user, batch) pair for any free
// worker, maintains the active-user set, and upholds the distributed
// user-lock contract, per spec.md §4.3.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/backoff"
	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
	"github.com/lw7895123/orderflow/internal/orderqueue"
	"github.com/lw7895123/orderflow/internal/storedb"
)

// DefaultActiveRefreshInterval is how often refreshActiveUsers is allowed
// to re-query the store.
const DefaultActiveRefreshInterval = 30 * time.Second

// DefaultLockTTL is the default user-lock TTL.
const DefaultLockTTL = 300 * time.Second

// PriorityWeights is the policy for turning an ActiveUserStat into a single
// priorityScore: Count*c.Count + AvgPriority*c.Avg. Kept as a named
// constant, not inlined, so retuning the policy is a one-line edit.
type PriorityWeights struct {
	Count float64
	Avg   float64
}

// DefaultPriorityWeights matches spec.md §4.3's 0.7*count + 0.3*avgPriority.
var DefaultPriorityWeights = PriorityWeights{Count: 0.7, Avg: 0.3}

// Config bundles the tunables Scheduler needs beyond its collaborators.
type Config struct {
	ActiveRefreshInterval time.Duration
	LockTTL               time.Duration
	QueueRefreshInterval  time.Duration
	MaxInFlightPerUser    int
}

// Batch is the result of a successful leaseBatch: the user the batch
// belongs to and the orders leased. The caller holds the user's
// distributed lock and is responsible for releasing it.
type Batch struct {
	User   string
	Orders []model.Order
}

// Scheduler tracks which users currently have outstanding work and hands
// batches of orders to workers under the user-lock discipline.
type Scheduler struct {
	store  storedb.Store
	cache  cache.Gateway
	config Config

	mu                sync.RWMutex
	activeUsers       map[string]struct{}
	priorityScore     map[string]float64
	queues            map[string]*orderqueue.Queue
	lastActiveRefresh time.Time
	cursor            int
	retry             *backoff.Limiter
}

// New builds a Scheduler against the given store and cache.
func New(store storedb.Store, gateway cache.Gateway, config Config) *Scheduler {
	if config.ActiveRefreshInterval <= 0 {
		config.ActiveRefreshInterval = DefaultActiveRefreshInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	return &Scheduler{
		store:         store,
		cache:         gateway,
		config:        config,
		activeUsers:   make(map[string]struct{}),
		priorityScore: make(map[string]float64),
		queues:        make(map[string]*orderqueue.Queue),
		retry:         backoff.NewLimiter(5, 1),
	}
}

// refreshActiveUsers re-derives the active-user set from the store, at most
// once every ActiveRefreshInterval. A TransientStore error from the store is
// retried once after a short backoff before the refresh is given up on.
// Returns the size of the active-user set after the refresh (or the current
// size, if the refresh was skipped because it wasn't due, or both attempts
// failed).
func (s *Scheduler) refreshActiveUsers(ctx context.Context) int {
	s.mu.Lock()
	due := time.Since(s.lastActiveRefresh) > s.config.ActiveRefreshInterval
	if !due {
		n := len(s.activeUsers)
		s.mu.Unlock()
		return n
	}
	s.mu.Unlock()

	var stats []model.ActiveUserStat
	err := s.retry.Retry(ctx, "active_users", func(ctx context.Context) error {
		fetched, err := s.store.ActiveUsers(ctx)
		stats = fetched
		return err
	})
	if err != nil {
		log.Printf("scheduler: refreshActiveUsers failed after retry, keeping stale set: %v", err)
		s.mu.RLock()
		n := len(s.activeUsers)
		s.mu.RUnlock()
		return n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]struct{}, len(stats))
	for _, st := range stats {
		fresh[st.UserID] = struct{}{}
		s.priorityScore[st.UserID] = DefaultPriorityWeights.Count*float64(st.OrderCount) + DefaultPriorityWeights.Avg*st.AvgPriority
	}
	for userID := range s.activeUsers {
		if _, stillActive := fresh[userID]; !stillActive {
			delete(s.queues, userID)
			delete(s.priorityScore, userID)
		}
	}
	s.activeUsers = fresh
	s.lastActiveRefresh = time.Now()
	observability.ActiveUsers.Set(float64(len(s.activeUsers)))
	return len(s.activeUsers)
}

// rankedUsers returns the active users sorted by descending priority score,
// rotated by the internal cursor so repeated calls spread lease pressure
// across equally-ranked users instead of always starting from the top.
func (s *Scheduler) rankedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]string, 0, len(s.activeUsers))
	for userID := range s.activeUsers {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool {
		if s.priorityScore[users[i]] != s.priorityScore[users[j]] {
			return s.priorityScore[users[i]] > s.priorityScore[users[j]]
		}
		return users[i] < users[j]
	})

	if len(users) == 0 {
		return users
	}
	s.cursor = (s.cursor + 1) % len(users)
	return append(users[s.cursor:], users[:s.cursor]...)
}

func (s *Scheduler) queueFor(userID string) *orderqueue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[userID]
	if !ok {
		q = orderqueue.New(userID, s.store, s.config.QueueRefreshInterval, s.config.MaxInFlightPerUser)
		s.queues[userID] = q
	}
	return q
}

// LeaseBatch finds the next user with work for worker, returning up to
// batchSize orders. The caller holds the returned user's distributed lock
// and must eventually call Release. Returns ok=false if no user yielded
// work.
func (s *Scheduler) LeaseBatch(ctx context.Context, worker string, batchSize int) (Batch, bool) {
	s.refreshActiveUsers(ctx)

	for _, userID := range s.rankedUsers() {
		if !s.cache.AcquireUserLock(userID, worker, s.config.LockTTL) {
			continue
		}

		q := s.queueFor(userID)
		if q.NeedsRefresh() {
			q.Refresh(ctx)
		}

		var taken []model.Order
		for len(taken) < batchSize {
			o, ok := q.Take()
			if !ok {
				break
			}
			taken = append(taken, o)
		}

		observability.LeaseBatchSize.Observe(float64(len(taken)))

		if len(taken) > 0 {
			return Batch{User: userID, Orders: taken}, true
		}

		s.cache.ReleaseUserLock(userID, worker)
	}

	return Batch{}, false
}

// Release forwards to the cache gateway's user-lock release.
func (s *Scheduler) Release(userID, worker string) {
	s.cache.ReleaseUserLock(userID, worker)
}

// MarkComplete forwards to the user's queue's complete, so a subsequent
// refresh can re-lease the order's slot.
func (s *Scheduler) MarkComplete(userID, orderID string) {
	s.queueFor(userID).Complete(orderID)
}
