package storedb

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
)

// PostgresStore implements Store over a pgxpool-managed connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore parses connString, applies the pool tuning the teacher
// always carries alongside pgxpool use, and pings once before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping reports whether the pool can currently reach Postgres, for the
// composition root's fatal-unreachability watchdog.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) observe(op string, start time.Time) {
	observability.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *PostgresStore) ActiveUsers(ctx context.Context) ([]model.ActiveUserStat, error) {
	start := time.Now()
	defer s.observe("active_users", start)

	query := `
		SELECT o.user_id, COUNT(*), AVG(o.priority)
		FROM orders o
		JOIN users u ON u.id = o.user_id
		JOIN order_groups g ON g.id = o.group_id
		WHERE o.status IN ($1, $2) AND u.status = $3 AND g.status = $4
		GROUP BY o.user_id
		ORDER BY COUNT(*) DESC, AVG(o.priority) DESC
	`
	rows, err := s.pool.Query(ctx, query,
		model.OrderPending, model.OrderPartial,
		int(model.UserEnabled), int(model.GroupOpen),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.ActiveUserStat
	for rows.Next() {
		var st model.ActiveUserStat
		if err := rows.Scan(&st.UserID, &st.OrderCount, &st.AvgPriority); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) UserWorkingSet(ctx context.Context, userID string) ([]model.Order, error) {
	start := time.Now()
	defer s.observe("user_working_set", start)

	query := `
		SELECT id, user_id, group_id, symbol, order_type, price, quantity, filled_quantity,
		       status, priority, created_at, updated_at, filled_at
		FROM orders
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY priority DESC, created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, userID, model.OrderPending, model.OrderPartial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.GroupID, &o.Symbol, &o.Side, &o.Price, &o.Quantity,
			&o.FilledQuantity, &o.Status, &o.Priority, &o.CreatedAt, &o.UpdatedAt, &o.FilledAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UserStatus(ctx context.Context, userID string) (model.UserStatus, error) {
	start := time.Now()
	defer s.observe("user_status", start)

	var code int
	err := s.pool.QueryRow(ctx, `SELECT status FROM users WHERE id = $1`, userID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserStatusUnknown, nil
	}
	if err != nil {
		return model.UserStatusUnknown, err
	}
	return model.UserStatus(code), nil
}

func (s *PostgresStore) GroupStatus(ctx context.Context, groupID string) (model.GroupStatus, error) {
	start := time.Now()
	defer s.observe("group_status", start)

	var code int
	err := s.pool.QueryRow(ctx, `SELECT status FROM order_groups WHERE id = $1`, groupID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.GroupStatusUnknown, nil
	}
	if err != nil {
		return model.GroupStatusUnknown, err
	}
	return model.GroupStatus(code), nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*model.StatusSnapshot, error) {
	start := time.Now()
	defer s.observe("snapshot", start)

	snap := model.NewStatusSnapshot()

	userRows, err := s.pool.Query(ctx, `SELECT id, status FROM users`)
	if err != nil {
		return nil, err
	}
	for userRows.Next() {
		var id string
		var code int
		if err := userRows.Scan(&id, &code); err != nil {
			userRows.Close()
			return nil, err
		}
		snap.Users[id] = model.UserStatus(code)
	}
	userRows.Close()
	if err := userRows.Err(); err != nil {
		return nil, err
	}

	groupRows, err := s.pool.Query(ctx, `SELECT id, user_id, group_name, status FROM order_groups`)
	if err != nil {
		return nil, err
	}
	for groupRows.Next() {
		var id, userID, name string
		var code int
		if err := groupRows.Scan(&id, &userID, &name, &code); err != nil {
			groupRows.Close()
			return nil, err
		}
		snap.Groups[id] = model.GroupStatus(code)
		snap.GroupOwner[id] = userID
		snap.GroupName[id] = name
	}
	groupRows.Close()
	if err := groupRows.Err(); err != nil {
		return nil, err
	}

	snap.CapturedAt = time.Now()
	return snap, nil
}

// UpdateOrder persists a status/filled-quantity transition. filled_at is
// stamped to now only when next is Filled or Partial; Cancelled and Failed
// never had quantity filled and leave filled_at untouched.
func (s *PostgresStore) UpdateOrder(ctx context.Context, orderID string, next model.OrderStatus, filledQty float64) error {
	start := time.Now()
	defer s.observe("update_order", start)

	var query string
	if next.Filled() {
		query = `UPDATE orders SET status = $2, filled_quantity = $3, updated_at = NOW(), filled_at = NOW() WHERE id = $1`
	} else {
		query = `UPDATE orders SET status = $2, filled_quantity = $3, updated_at = NOW() WHERE id = $1`
	}

	tag, err := s.pool.Exec(ctx, query, orderID, next, filledQty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("storedb: order not found: " + orderID)
	}
	return nil
}

func (s *PostgresStore) AppendStatusLog(ctx context.Context, log model.StatusLog) error {
	start := time.Now()
	defer s.observe("append_status_log", start)

	query := `
		INSERT INTO order_status_logs
			(order_id, old_status, new_status, old_filled_quantity, new_filled_quantity, change_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		log.OrderID, log.OldStatus, log.NewStatus, log.OldFilledQty, log.NewFilledQty, log.ChangeReason,
	)
	return err
}
