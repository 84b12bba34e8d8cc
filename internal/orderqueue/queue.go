// Package orderqueue bounds per-user concurrency and recycles orders from
// the authoritative store on a cadence, per spec.md §4.2.
package orderqueue

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/backoff"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
	"github.com/lw7895123/orderflow/internal/storedb"
)

// DefaultMaxInFlight bounds how many orders a queue lets out via take()
// before it must wait on a complete().
const DefaultMaxInFlight = 3

// DefaultRefreshInterval is how long a refresh stays valid before
// needsRefresh reports true again.
const DefaultRefreshInterval = 5 * time.Second

// Status is the read-only snapshot returned by Queue.Status.
type Status struct {
	PendingCount  int
	InFlightCount int
	LastRefresh   time.Time
}

// Queue holds one user's pending-and-partial orders, ordered by descending
// priority then ascending creation time, plus the set of ids currently
// leased out to a worker.
type Queue struct {
	mu sync.Mutex

	userID          string
	store           storedb.Store
	refreshInterval time.Duration
	maxInFlight     int

	sequence    []model.Order
	inFlight    map[string]struct{}
	lastRefresh time.Time
	retry       *backoff.Limiter
}

// New builds a Queue for userID against store, with the given refresh
// cadence and in-flight cap. A zero refreshInterval/maxInFlight falls back
// to the package defaults.
func New(userID string, store storedb.Store, refreshInterval time.Duration, maxInFlight int) *Queue {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Queue{
		userID:          userID,
		store:           store,
		refreshInterval: refreshInterval,
		maxInFlight:     maxInFlight,
		inFlight:        make(map[string]struct{}),
		retry:           backoff.NewLimiter(5, 1),
	}
}

// NeedsRefresh reports whether more than refreshInterval has elapsed since
// the last successful refresh.
func (q *Queue) NeedsRefresh() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Since(q.lastRefresh) > q.refreshInterval
}

// Refresh fetches the user's working set from the store, retrying once
// after a short backoff on a TransientStore error, drops any id already in
// flight for this queue so a refresh can never duplicate a leased order,
// sorts the remainder, and replaces the sequence. If both attempts fail it
// logs and leaves the existing sequence untouched. Returns the number of
// orders now queued.
func (q *Queue) Refresh(ctx context.Context) int {
	var orders []model.Order
	err := q.retry.Retry(ctx, q.userID, func(ctx context.Context) error {
		fetched, err := q.store.UserWorkingSet(ctx, q.userID)
		orders = fetched
		return err
	})
	if err != nil {
		log.Printf("orderqueue: refresh(%s) failed after retry, keeping stale sequence: %v", q.userID, err)
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.sequence)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var filtered []model.Order
	for _, o := range orders {
		if _, leased := q.inFlight[o.ID]; leased {
			continue
		}
		filtered = append(filtered, o)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority > filtered[j].Priority
		}
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	q.sequence = filtered
	q.lastRefresh = time.Now()
	observability.QueueDepth.WithLabelValues(q.userID).Set(float64(len(q.sequence)))
	return len(q.sequence)
}

// Take returns the next order if the in-flight set has room and the
// sequence is non-empty, moving the id into the in-flight set before
// returning so a concurrent Take cannot yield the same id.
func (q *Queue) Take() (model.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inFlight) >= q.maxInFlight || len(q.sequence) == 0 {
		return model.Order{}, false
	}

	order := q.sequence[0]
	q.sequence = q.sequence[1:]
	q.inFlight[order.ID] = struct{}{}
	observability.QueueDepth.WithLabelValues(q.userID).Set(float64(len(q.sequence)))
	return order, true
}

// Complete removes orderID from the in-flight set. Calling Complete without
// a prior Take, or calling it twice, is a no-op.
func (q *Queue) Complete(orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, orderID)
}

// Status returns a point-in-time view of the queue's counters.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		PendingCount:  len(q.sequence),
		InFlightCount: len(q.inFlight),
		LastRefresh:   q.lastRefresh,
	}
}
