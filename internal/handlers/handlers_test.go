package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
	"github.com/lw7895123/orderflow/internal/userlog"
)

func newFixture(t *testing.T) (*eventbus.Bus, cache.Gateway, *storedb.MemoryStore, *userlog.Store) {
	t.Helper()
	bus := eventbus.New(10, 1, time.Second)
	gateway := cache.NewMemoryGateway()
	store := storedb.NewMemoryStore()
	logs := userlog.NewStore()
	Register(bus, gateway, store, logs)
	return bus, gateway, store, logs
}

func TestOrderStatusChangeHandlerLogsAndNotifies(t *testing.T) {
	bus, gateway, _, logs := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bus.Run(ctx); close(done) }()

	ev := model.OrderStatusChangeEvent{
		EventID:        "e1",
		Timestamp:      time.Now(),
		OrderID:        "o1",
		UserID:         "u1",
		GroupID:        "g1",
		OldStatus:      model.OrderPending,
		NewStatus:      model.OrderFilled,
		FilledQuantity: 10,
		Symbol:         "XYZ",
	}
	bus.Publish(ev)

	deadline := time.After(time.Second)
	for {
		if len(logs.ForUser("u1")) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the per-user log entry")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	if _, ok := gateway.PopEvent("notifications"); !ok {
		t.Fatal("expected a notification payload to be pushed")
	}
}

func TestUserDisabledClosesOwnedGroups(t *testing.T) {
	bus, gateway, store, _ := newFixture(t)
	store.Seed(
		[]model.User{{ID: "u1", Status: model.UserDisabled}},
		[]model.OrderGroup{{ID: "g1", UserID: "u1", Name: "g1", Status: model.GroupOpen}},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { bus.Run(ctx); close(done) }()

	bus.Publish(model.UserStatusChangeEvent{
		EventID:   "e1",
		Timestamp: time.Now(),
		UserID:    "u1",
		Old:       model.UserEnabled,
		New:       model.UserDisabled,
	})

	deadline := time.After(time.Second)
	for gateway.GetGroupStatus("g1") != model.GroupClosed {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the group to be closed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}
