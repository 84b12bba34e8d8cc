// Package worker runs the long-lived worker loop of spec.md §4.4: lease a
// batch from the scheduler, drive each order through the host's transition
// function, and commit any resulting change to the authoritative store.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lw7895123/orderflow/internal/backoff"
	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
	"github.com/lw7895123/orderflow/internal/scheduler"
	"github.com/lw7895123/orderflow/internal/storedb"
	"github.com/lw7895123/orderflow/internal/userlog"
)

// TransitionResult is what the host's transition function returns for an
// order it examined.
type TransitionResult struct {
	Changed        bool
	NewStatus      model.OrderStatus
	NewFilledQty   float64
	ChangeReason   string
}

// TransitionFunc is the host logic that decides what, if anything, should
// happen to an order. A returned error is treated as "no change" by the
// worker loop; it is counted and logged, never propagated.
type TransitionFunc func(ctx context.Context, order model.Order) (TransitionResult, error)

// Config bundles the Worker Pool's tunables.
type Config struct {
	WorkerCount        int
	BatchSize          int
	CheckInterval      time.Duration
	ProcessingTTL      time.Duration
	StatusCacheTTL     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTTL       time.Duration
}

// Pool runs Config.WorkerCount long-lived workers against a Scheduler.
type Pool struct {
	scheduler  *scheduler.Scheduler
	gateway    cache.Gateway
	store      storedb.Store
	bus        *eventbus.Bus
	logs       *userlog.Store
	transition TransitionFunc
	config     Config
	idlePoll   *backoff.Limiter
	storeRetry *backoff.Limiter
}

// New builds a Pool. transition is the host-supplied order-processing
// decision function.
func New(sched *scheduler.Scheduler, gateway cache.Gateway, store storedb.Store, bus *eventbus.Bus, logs *userlog.Store, transition TransitionFunc, config Config) *Pool {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 8
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 100 * time.Millisecond
	}
	if config.ProcessingTTL <= 0 {
		config.ProcessingTTL = 300 * time.Second
	}
	if config.StatusCacheTTL <= 0 {
		config.StatusCacheTTL = 3600 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTTL <= 0 {
		config.HeartbeatTTL = 60 * time.Second
	}
	return &Pool{
		scheduler:  sched,
		gateway:    gateway,
		store:      store,
		bus:        bus,
		logs:       logs,
		transition: transition,
		config:     config,
		idlePoll:   backoff.NewLimiter(10, 1),
		storeRetry: backoff.NewLimiter(10, 1),
	}
}

// Run starts WorkerCount workers and blocks until ctx is cancelled and every
// worker has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(workerID)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	var lastHeartbeat time.Time

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if time.Since(lastHeartbeat) > p.config.HeartbeatInterval {
			p.gateway.RecordWorkerHeartbeat(workerID, p.config.HeartbeatTTL)
			lastHeartbeat = time.Now()
		}

		batch, ok := p.scheduler.LeaseBatch(ctx, workerID, p.config.BatchSize)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idlePoll.IdlePoll(workerID, p.config.CheckInterval)):
			}
			continue
		}

		p.processBatch(ctx, workerID, batch)
		p.scheduler.Release(batch.User, workerID)
	}
}

func (p *Pool) processBatch(ctx context.Context, workerID string, batch scheduler.Batch) {
	for _, order := range batch.Orders {
		select {
		case <-ctx.Done():
			// Cancellation: release anything still owned before returning.
			p.gateway.ClearOrderProcessing(order.ID)
			return
		default:
		}
		p.processOrder(ctx, workerID, order)
		p.scheduler.MarkComplete(batch.User, order.ID)
	}
}

func (p *Pool) processOrder(ctx context.Context, workerID string, order model.Order) {
	if !p.gateway.MarkOrderProcessing(order.ID, workerID, p.config.ProcessingTTL) {
		return
	}

	eligible, err := p.checkEligibility(ctx, order)
	if err != nil {
		log.Printf("worker %s: eligibility check failed for order %s: %v", workerID, order.ID, err)
	}
	if !eligible {
		p.gateway.ClearOrderProcessing(order.ID)
		return
	}

	result, err := p.invokeTransition(ctx, order)
	if err != nil {
		observability.WorkerErrors.WithLabelValues(workerID, "host_logic").Inc()
		log.Printf("worker %s: transition function failed for order %s: %v", workerID, order.ID, err)
		p.gateway.ClearOrderProcessing(order.ID)
		return
	}

	if !result.Changed {
		p.gateway.ClearOrderProcessing(order.ID)
		return
	}

	committed, err := p.commitTransition(ctx, workerID, order, result)
	if err != nil {
		observability.WorkerErrors.WithLabelValues(workerID, "store_update").Inc()
		log.Printf("worker %s: commit failed for order %s, will retry on next refresh: %v", workerID, order.ID, err)
		p.gateway.ClearOrderProcessing(order.ID)
		return
	}

	if committed {
		observability.WorkerProcessed.WithLabelValues(workerID).Inc()
	}
	p.gateway.ClearOrderProcessing(order.ID)
}

// invokeTransition guards against the host's function raising a panic; a
// panic is treated exactly like a returned error ("no change").
func (p *Pool) invokeTransition(ctx context.Context, order model.Order) (result TransitionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transition function panicked: %v", r)
		}
	}()
	return p.transition(ctx, order)
}

// checkEligibility re-checks the order's user/group status. An Unknown
// cache hint is read through to the store and cached with StatusCacheTTL.
func (p *Pool) checkEligibility(ctx context.Context, order model.Order) (bool, error) {
	userStatus := p.gateway.GetUserStatus(order.UserID)
	if userStatus == model.UserStatusUnknown {
		s, err := p.store.UserStatus(ctx, order.UserID)
		if err != nil {
			return false, err
		}
		userStatus = s
		p.gateway.SetUserStatus(order.UserID, userStatus, p.config.StatusCacheTTL)
	}
	if userStatus != model.UserEnabled {
		return false, nil
	}

	groupStatus := p.gateway.GetGroupStatus(order.GroupID)
	if groupStatus == model.GroupStatusUnknown {
		s, err := p.store.GroupStatus(ctx, order.GroupID)
		if err != nil {
			return false, err
		}
		groupStatus = s
		p.gateway.SetGroupStatus(order.GroupID, groupStatus, p.config.StatusCacheTTL)
	}
	return groupStatus == model.GroupOpen, nil
}

// commitTransition persists the order row, appends a status log, emits an
// OrderStatusChange event, and writes a per-user log entry. The bool result
// reports whether a commit actually happened; an invariant violation is not
// an error, but it is not processed work either.
func (p *Pool) commitTransition(ctx context.Context, workerID string, order model.Order, result TransitionResult) (bool, error) {
	if result.NewFilledQty > order.Quantity {
		observability.WorkerErrors.WithLabelValues(workerID, "invariant").Inc()
		log.Printf("worker: invariant violation on order %s: filled %.4f exceeds quantity %.4f, skipping", order.ID, result.NewFilledQty, order.Quantity)
		return false, nil
	}

	err := p.storeRetry.Retry(ctx, order.ID, func(ctx context.Context) error {
		return p.store.UpdateOrder(ctx, order.ID, result.NewStatus, result.NewFilledQty)
	})
	if err != nil {
		return false, err
	}

	logErr := p.store.AppendStatusLog(ctx, model.StatusLog{
		OrderID:      order.ID,
		OldStatus:    order.Status,
		NewStatus:    result.NewStatus,
		OldFilledQty: order.FilledQuantity,
		NewFilledQty: result.NewFilledQty,
		ChangeReason: result.ChangeReason,
	})
	if logErr != nil {
		log.Printf("worker: status log append failed for order %s: %v", order.ID, logErr)
	}

	event := model.OrderStatusChangeEvent{
		EventID:        order.ID + ":" + string(result.NewStatus),
		Timestamp:      time.Now(),
		OrderID:        order.ID,
		UserID:         order.UserID,
		GroupID:        order.GroupID,
		OldStatus:      order.Status,
		NewStatus:      result.NewStatus,
		FilledQuantity: result.NewFilledQty,
		Symbol:         order.Symbol,
	}
	p.bus.Publish(event)

	p.logs.Append(order.UserID, fmt.Sprintf("order %s transitioned %s -> %s", order.ID, order.Status, result.NewStatus), map[string]string{
		"order_id": order.ID,
	})

	return true, nil
}
