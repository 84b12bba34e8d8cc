package cache

import (
	"testing"
	"time"

	"github.com/lw7895123/orderflow/internal/model"
)

func TestUserLockMutualExclusion(t *testing.T) {
	g := NewMemoryGateway()

	if !g.AcquireUserLock("u1", "worker-a", time.Minute) {
		t.Fatal("expected first acquire to succeed")
	}
	if g.AcquireUserLock("u1", "worker-b", time.Minute) {
		t.Fatal("expected second acquire by a different worker to fail while held")
	}
}

func TestReleaseUserLockIsNoOpForNonHolder(t *testing.T) {
	g := NewMemoryGateway()
	g.AcquireUserLock("u1", "worker-a", time.Minute)

	if g.ReleaseUserLock("u1", "worker-b") {
		t.Fatal("release by a non-holder must not succeed")
	}
	if g.AcquireUserLock("u1", "worker-c", time.Minute) {
		t.Fatal("lock should still be held by worker-a")
	}
	if !g.ReleaseUserLock("u1", "worker-a") {
		t.Fatal("release by the actual holder must succeed")
	}
	if !g.AcquireUserLock("u1", "worker-c", time.Minute) {
		t.Fatal("lock should be free after the holder released it")
	}
}

func TestReleaseUserLockIsIdempotent(t *testing.T) {
	g := NewMemoryGateway()
	g.AcquireUserLock("u1", "worker-a", time.Minute)

	if !g.ReleaseUserLock("u1", "worker-a") {
		t.Fatal("first release must succeed")
	}
	if g.ReleaseUserLock("u1", "worker-a") {
		t.Fatal("second release of an already-released lock must be a no-op")
	}
}

func TestMarkOrderProcessingPreventsDuplicateClaim(t *testing.T) {
	g := NewMemoryGateway()

	if !g.MarkOrderProcessing("o1", "worker-a", time.Minute) {
		t.Fatal("first mark should succeed")
	}
	if g.MarkOrderProcessing("o1", "worker-b", time.Minute) {
		t.Fatal("second mark while still processing must fail")
	}
	if !g.IsOrderProcessing("o1") {
		t.Fatal("order should be reported as processing")
	}

	g.ClearOrderProcessing("o1")
	if g.IsOrderProcessing("o1") {
		t.Fatal("order should no longer be processing after clear")
	}
	if !g.MarkOrderProcessing("o1", "worker-b", time.Minute) {
		t.Fatal("mark should succeed again once cleared")
	}
}

func TestEventQueueFIFO(t *testing.T) {
	g := NewMemoryGateway()
	g.PushEvent("events", []byte("first"))
	g.PushEvent("events", []byte("second"))

	v1, ok := g.PopEvent("events")
	if !ok || string(v1) != "first" {
		t.Fatalf("expected first, got %q ok=%v", v1, ok)
	}
	v2, ok := g.PopEvent("events")
	if !ok || string(v2) != "second" {
		t.Fatalf("expected second, got %q ok=%v", v2, ok)
	}
	if _, ok := g.PopEvent("events"); ok {
		t.Fatal("expected empty queue to report no value")
	}
}

func TestUserAndGroupStatusHintsRoundTrip(t *testing.T) {
	g := NewMemoryGateway()

	if got := g.GetUserStatus("u1"); got != model.UserStatusUnknown {
		t.Fatalf("expected Unknown before any hint is set, got %v", got)
	}
	g.SetUserStatus("u1", model.UserEnabled, time.Minute)
	if got := g.GetUserStatus("u1"); got != model.UserEnabled {
		t.Fatalf("expected UserEnabled, got %v", got)
	}

	g.SetGroupStatus("g1", model.GroupClosed, time.Minute)
	if got := g.GetGroupStatus("g1"); got != model.GroupClosed {
		t.Fatalf("expected GroupClosed, got %v", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	g := NewMemoryGateway()
	g.UpdateCounters(map[string]int64{"processed": 3})
	g.UpdateCounters(map[string]int64{"processed": 2, "errors": 1})

	counters := g.ReadCounters()
	if counters["processed"] != 5 {
		t.Fatalf("expected processed=5, got %d", counters["processed"])
	}
	if counters["errors"] != 1 {
		t.Fatalf("expected errors=1, got %d", counters["errors"])
	}
}
