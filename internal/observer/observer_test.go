package observer

import (
	"context"
	"testing"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
)

func TestFirstTickEmitsAddedEvents(t *testing.T) {
	store := storedb.NewMemoryStore()
	store.Seed(
		[]model.User{{ID: "u1", Status: model.UserEnabled}},
		[]model.OrderGroup{{ID: "g1", UserID: "u1", Name: "g1", Status: model.GroupOpen}},
		nil,
	)
	gateway := cache.NewMemoryGateway()
	bus := eventbus.New(10, 1, time.Second)

	var kinds []model.EventKind
	bus.Register(model.KindUserAdded, "collect", func(ctx context.Context, e model.Event) error {
		kinds = append(kinds, e.Kind())
		return nil
	})
	bus.Register(model.KindGroupAdded, "collect", func(ctx context.Context, e model.Event) error {
		kinds = append(kinds, e.Kind())
		return nil
	})

	obs := New(store, gateway, bus, time.Hour)
	obs.tick(context.Background())

	if len(kinds) != 2 {
		t.Fatalf("expected one user-added and one group-added event, got %v", kinds)
	}
}

func TestSecondTickEmitsStatusChangeOnly(t *testing.T) {
	store := storedb.NewMemoryStore()
	store.Seed([]model.User{{ID: "u1", Status: model.UserEnabled}}, nil, nil)
	gateway := cache.NewMemoryGateway()
	bus := eventbus.New(10, 1, time.Second)

	var changes int
	var adds int
	bus.Register(model.KindUserStatusChange, "collect", func(ctx context.Context, e model.Event) error {
		changes++
		return nil
	})
	bus.Register(model.KindUserAdded, "collect", func(ctx context.Context, e model.Event) error {
		adds++
		return nil
	})

	obs := New(store, gateway, bus, time.Hour)
	obs.tick(context.Background()) // first tick: UserAdded

	store.Seed([]model.User{{ID: "u1", Status: model.UserDisabled}}, nil, nil)
	obs.tick(context.Background()) // second tick: status changed

	if adds != 1 {
		t.Fatalf("expected exactly one UserAdded across both ticks, got %d", adds)
	}
	if changes != 1 {
		t.Fatalf("expected exactly one UserStatusChange on the second tick, got %d", changes)
	}
}

func TestUnchangedStatusEmitsNothing(t *testing.T) {
	store := storedb.NewMemoryStore()
	store.Seed([]model.User{{ID: "u1", Status: model.UserEnabled}}, nil, nil)
	gateway := cache.NewMemoryGateway()
	bus := eventbus.New(10, 1, time.Second)

	var count int
	bus.Register(model.KindUserStatusChange, "collect", func(ctx context.Context, e model.Event) error {
		count++
		return nil
	})

	obs := New(store, gateway, bus, time.Hour)
	obs.tick(context.Background())
	obs.tick(context.Background())

	if count != 0 {
		t.Fatalf("expected no status-change events when nothing changed, got %d", count)
	}
}

func TestStatusChangeEventsArePushedToTailQueue(t *testing.T) {
	store := storedb.NewMemoryStore()
	store.Seed([]model.User{{ID: "u1", Status: model.UserEnabled}}, nil, nil)
	gateway := cache.NewMemoryGateway()
	bus := eventbus.New(10, 1, time.Second)

	obs := New(store, gateway, bus, time.Hour)
	obs.tick(context.Background())

	store.Seed([]model.User{{ID: "u1", Status: model.UserDisabled}}, nil, nil)
	obs.tick(context.Background())

	if _, ok := gateway.PopEvent("events"); !ok {
		t.Fatal("expected the status-change event to be pushed onto the tail queue")
	}
}
