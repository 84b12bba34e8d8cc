package orderqueue

import (
	"context"
	"testing"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
)

func seedStore(t *testing.T) *storedb.MemoryStore {
	t.Helper()
	s := storedb.NewMemoryStore()
	now := time.Now()
	s.Seed(nil, nil, []model.Order{
		{ID: "o1", UserID: "u1", Status: model.OrderPending, Priority: 1, CreatedAt: now},
		{ID: "o2", UserID: "u1", Status: model.OrderPending, Priority: 5, CreatedAt: now.Add(time.Second)},
		{ID: "o3", UserID: "u1", Status: model.OrderPending, Priority: 5, CreatedAt: now},
	})
	return s
}

func TestRefreshOrdersByPriorityThenCreatedAt(t *testing.T) {
	q := New("u1", seedStore(t), time.Minute, 3)
	n := q.Refresh(context.Background())
	if n != 3 {
		t.Fatalf("expected 3 orders queued, got %d", n)
	}

	var got []string
	for {
		o, ok := q.Take()
		if !ok {
			break
		}
		got = append(got, o.ID)
	}
	want := []string{"o3", "o2", "o1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTakeSetDisjointFromSequence(t *testing.T) {
	q := New("u1", seedStore(t), time.Minute, 3)
	q.Refresh(context.Background())

	taken := make(map[string]bool)
	for i := 0; i < 3; i++ {
		o, ok := q.Take()
		if !ok {
			t.Fatalf("expected take %d to succeed", i)
		}
		if taken[o.ID] {
			t.Fatalf("order %s taken twice", o.ID)
		}
		taken[o.ID] = true
	}

	if _, ok := q.Take(); ok {
		t.Fatal("expected take to fail once maxInFlight is reached and sequence is empty")
	}
}

func TestTakeRespectsMaxInFlight(t *testing.T) {
	q := New("u1", seedStore(t), time.Minute, 2)
	q.Refresh(context.Background())

	if _, ok := q.Take(); !ok {
		t.Fatal("expected first take to succeed")
	}
	if _, ok := q.Take(); !ok {
		t.Fatal("expected second take to succeed")
	}
	if _, ok := q.Take(); ok {
		t.Fatal("expected third take to fail: maxInFlight=2 reached")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	q := New("u1", seedStore(t), time.Minute, 3)
	q.Refresh(context.Background())
	o, _ := q.Take()

	q.Complete(o.ID)
	q.Complete(o.ID) // must not panic or double-free in-flight bookkeeping

	status := q.Status()
	if status.InFlightCount != 0 {
		t.Fatalf("expected 0 in-flight after complete, got %d", status.InFlightCount)
	}
}

func TestRefreshNeverDuplicatesInFlightIDs(t *testing.T) {
	store := seedStore(t)
	q := New("u1", store, time.Minute, 3)
	q.Refresh(context.Background())

	leased, ok := q.Take()
	if !ok {
		t.Fatal("expected a take to succeed")
	}

	// A second refresh (e.g. the store returning the same working set again)
	// must not reintroduce the leased id into the sequence.
	q.Refresh(context.Background())

	for {
		o, ok := q.Take()
		if !ok {
			break
		}
		if o.ID == leased.ID {
			t.Fatalf("refresh reintroduced in-flight order %s into the sequence", leased.ID)
		}
	}
}

func TestNeedsRefreshHonorsInterval(t *testing.T) {
	q := New("u1", seedStore(t), 10*time.Millisecond, 3)
	if !q.NeedsRefresh() {
		t.Fatal("expected a never-refreshed queue to need refresh")
	}
	q.Refresh(context.Background())
	if q.NeedsRefresh() {
		t.Fatal("expected queue to not need refresh immediately after refreshing")
	}
	time.Sleep(20 * time.Millisecond)
	if !q.NeedsRefresh() {
		t.Fatal("expected queue to need refresh after the interval elapsed")
	}
}
