// Package storedb is the authoritative-store contract the scheduler and
// worker pool fall back to when the cache can't answer, and the only place
// order state is durably written.
package storedb

import (
	"context"

	"github.com/lw7895123/orderflow/internal/model"
)

// Store is the contract every backend (Postgres, or the in-memory fake used
// in tests) implements.
type Store interface {
	// ActiveUsers returns, per user, the count of pending/partial orders and
	// their average priority, restricted to enabled users in open groups.
	ActiveUsers(ctx context.Context) ([]model.ActiveUserStat, error)

	// UserWorkingSet returns a user's pending/partial orders ordered by
	// descending priority then ascending creation time.
	UserWorkingSet(ctx context.Context, userID string) ([]model.Order, error)

	UserStatus(ctx context.Context, userID string) (model.UserStatus, error)
	GroupStatus(ctx context.Context, groupID string) (model.GroupStatus, error)

	// Snapshot returns the full user/group status table, used by the
	// Status Observer's diff loop.
	Snapshot(ctx context.Context) (*model.StatusSnapshot, error)

	// UpdateOrder persists a status/filled-quantity transition. When next is
	// Filled or Partial, filled_at is stamped to now; Cancelled and Failed
	// leave it untouched.
	UpdateOrder(ctx context.Context, orderID string, next model.OrderStatus, filledQty float64) error

	AppendStatusLog(ctx context.Context, log model.StatusLog) error
}
