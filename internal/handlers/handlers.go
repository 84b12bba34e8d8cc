// Package handlers implements the four built-in event handlers spec.md
// §4.5 requires the host to register against the event bus.
package handlers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
	"github.com/lw7895123/orderflow/internal/userlog"
)

const notificationsQueue = "notifications"

// StatusCacheTTL is the TTL used when these handlers populate cache status
// hints, matching spec.md §6's 3600 s default.
const StatusCacheTTL = 3600 * time.Second

// Register installs all four built-in handlers on bus.
func Register(bus *eventbus.Bus, gateway cache.Gateway, store storedb.Store, logs *userlog.Store) {
	bus.Register(model.KindOrderStatusChange, "order-status-notify", orderStatusChange(gateway, logs))
	bus.Register(model.KindUserStatusChange, "user-status-disable-groups", userStatusChange(gateway, store))
	bus.Register(model.KindGroupStatusChange, "group-status-hint", groupStatusChange(gateway, store))
}

func orderStatusChange(gateway cache.Gateway, logs *userlog.Store) eventbus.Handler {
	return func(ctx context.Context, e model.Event) error {
		ev, ok := e.(model.OrderStatusChangeEvent)
		if !ok {
			return fmt.Errorf("handlers: unexpected event type %T for order status change", e)
		}

		logs.Append(ev.UserID, fmt.Sprintf("order %s: %s -> %s", ev.OrderID, ev.OldStatus, ev.NewStatus), map[string]string{
			"order_id": ev.OrderID,
			"symbol":   ev.Symbol,
		})

		gateway.SetOrderStatusHint(ev.OrderID, ev.NewStatus, StatusCacheTTL)

		payload, err := model.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if !gateway.PushEvent(notificationsQueue, payload) {
			return fmt.Errorf("handlers: failed to push notification for order %s", ev.OrderID)
		}
		return nil
	}
}

func userStatusChange(gateway cache.Gateway, store storedb.Store) eventbus.Handler {
	return func(ctx context.Context, e model.Event) error {
		ev, ok := e.(model.UserStatusChangeEvent)
		if !ok {
			return fmt.Errorf("handlers: unexpected event type %T for user status change", e)
		}

		switch ev.New {
		case model.UserDisabled:
			return closeUsersGroups(ctx, gateway, store, ev.UserID)
		case model.UserEnabled:
			return reconcileUsersGroups(ctx, gateway, store, ev.UserID)
		}
		return nil
	}
}

// closeUsersGroups marks every group owned by userID as Closed in the
// cache and logs the count of affected groups.
func closeUsersGroups(ctx context.Context, gateway cache.Gateway, store storedb.Store, userID string) error {
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}

	affected := 0
	for groupID, owner := range snap.GroupOwner {
		if owner != userID {
			continue
		}
		gateway.SetGroupStatus(groupID, model.GroupClosed, StatusCacheTTL)
		affected++
	}
	log.Printf("handlers: user %s monitoring disabled, closed %d groups", userID, affected)
	return nil
}

// reconcileUsersGroups refreshes the cache hint for every group owned by
// userID from the store's current status.
func reconcileUsersGroups(ctx context.Context, gateway cache.Gateway, store storedb.Store, userID string) error {
	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}

	for groupID, owner := range snap.GroupOwner {
		if owner != userID {
			continue
		}
		gateway.SetGroupStatus(groupID, snap.Groups[groupID], StatusCacheTTL)
	}
	return nil
}

func groupStatusChange(gateway cache.Gateway, store storedb.Store) eventbus.Handler {
	return func(ctx context.Context, e model.Event) error {
		ev, ok := e.(model.GroupStatusChangeEvent)
		if !ok {
			return fmt.Errorf("handlers: unexpected event type %T for group status change", e)
		}
		if ev.New != model.GroupClosed && ev.New != model.GroupOpen {
			return nil
		}

		gateway.SetGroupStatus(ev.GroupID, ev.New, StatusCacheTTL)

		activeCount, err := countActiveOrdersInGroup(ctx, store, ev.UserID, ev.GroupID)
		if err != nil {
			return err
		}
		log.Printf("handlers: group %s (%s) status changed to %s, %d active orders", ev.GroupID, ev.GroupName, ev.New, activeCount)
		return nil
	}
}

// countActiveOrdersInGroup counts the owner's pending/partial orders that
// belong to groupID.
func countActiveOrdersInGroup(ctx context.Context, store storedb.Store, ownerUserID, groupID string) (int, error) {
	orders, err := store.UserWorkingSet(ctx, ownerUserID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, o := range orders {
		if o.GroupID == groupID {
			count++
		}
	}
	return count, nil
}
