package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
)

func newFixture(t *testing.T) (*Scheduler, *storedb.MemoryStore, *cache.MemoryGateway) {
	t.Helper()
	store := storedb.NewMemoryStore()
	now := time.Now()
	store.Seed(
		[]model.User{{ID: "u1", Status: model.UserEnabled}},
		[]model.OrderGroup{{ID: "g1", UserID: "u1", Name: "g1", Status: model.GroupOpen}},
		[]model.Order{
			{ID: "o1", UserID: "u1", GroupID: "g1", Status: model.OrderPending, Priority: 5, CreatedAt: now},
			{ID: "o2", UserID: "u1", GroupID: "g1", Status: model.OrderPending, Priority: 4, CreatedAt: now},
		},
	)
	gateway := cache.NewMemoryGateway()
	sched := New(store, gateway, Config{
		ActiveRefreshInterval: time.Millisecond,
		LockTTL:               time.Minute,
		QueueRefreshInterval:  time.Millisecond,
		MaxInFlightPerUser:    3,
	})
	return sched, store, gateway
}

func TestLeaseBatchMutualExclusion(t *testing.T) {
	sched, _, _ := newFixture(t)

	// Lease one of u1's two orders, so the other is still queued for
	// worker-b once worker-a releases the lock.
	batch1, ok1 := sched.LeaseBatch(context.Background(), "worker-a", 1)
	if !ok1 || batch1.User != "u1" {
		t.Fatalf("expected worker-a to lease u1's batch, got %+v ok=%v", batch1, ok1)
	}

	_, ok2 := sched.LeaseBatch(context.Background(), "worker-b", 10)
	if ok2 {
		t.Fatal("expected worker-b's lease to find no free user while worker-a holds the lock")
	}

	sched.Release("u1", "worker-a")

	batch3, ok3 := sched.LeaseBatch(context.Background(), "worker-b", 10)
	if !ok3 || batch3.User != "u1" {
		t.Fatalf("expected worker-b to lease u1 after release, got %+v ok=%v", batch3, ok3)
	}
}

func TestLeaseBatchConcurrentWorkersNeverShareAUser(t *testing.T) {
	sched, store, _ := newFixture(t)
	store.Seed(
		[]model.User{{ID: "u2", Status: model.UserEnabled}},
		[]model.OrderGroup{{ID: "g2", UserID: "u2", Name: "g2", Status: model.GroupOpen}},
		[]model.Order{{ID: "o3", UserID: "u2", GroupID: "g2", Status: model.OrderPending, Priority: 1, CreatedAt: time.Now()}},
	)

	var mu sync.Mutex
	seen := make(map[string]string) // user -> worker
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		worker := "worker-" + string(rune('a'+i))
		go func(worker string) {
			defer wg.Done()
			batch, ok := sched.LeaseBatch(context.Background(), worker, 10)
			if !ok {
				return
			}
			mu.Lock()
			if prior, taken := seen[batch.User]; taken && prior != worker {
				t.Errorf("user %s leased by both %s and %s concurrently", batch.User, prior, worker)
			}
			seen[batch.User] = worker
			mu.Unlock()
		}(worker)
	}
	wg.Wait()
}

func TestLockExpiryAllowsEventualLiveness(t *testing.T) {
	store := storedb.NewMemoryStore()
	now := time.Now()
	store.Seed(
		[]model.User{{ID: "u1", Status: model.UserEnabled}},
		[]model.OrderGroup{{ID: "g1", UserID: "u1", Name: "g1", Status: model.GroupOpen}},
		[]model.Order{
			{ID: "o1", UserID: "u1", GroupID: "g1", Status: model.OrderPending, Priority: 5, CreatedAt: now},
			{ID: "o2", UserID: "u1", GroupID: "g1", Status: model.OrderPending, Priority: 4, CreatedAt: now},
		},
	)
	gateway := cache.NewMemoryGateway()
	sched := New(store, gateway, Config{
		ActiveRefreshInterval: time.Millisecond,
		LockTTL:               10 * time.Millisecond,
		QueueRefreshInterval:  time.Minute,
		MaxInFlightPerUser:    2,
	})

	batch, ok := sched.LeaseBatch(context.Background(), "worker-a", 1)
	if !ok || batch.User != "u1" || len(batch.Orders) != 1 {
		t.Fatalf("expected initial lease of exactly one order, got %+v ok=%v", batch, ok)
	}

	// worker-a crashes without releasing its lock or its order. With
	// maxInFlight=2, the orphaned order occupies only one of the two
	// in-flight slots, so a second worker must eventually be able to lease
	// u1's remaining queued order once the abandoned lock's TTL expires.
	time.Sleep(20 * time.Millisecond)

	batch2, ok2 := sched.LeaseBatch(context.Background(), "worker-b", 10)
	if !ok2 {
		t.Fatal("expected worker-b to lease u1 once the abandoned lock expired")
	}
	if len(batch2.Orders) != 1 || batch2.Orders[0].ID == batch.Orders[0].ID {
		t.Fatalf("expected worker-b to get the other queued order, got %+v", batch2.Orders)
	}
}
