// Package core is the composition root for the order processing pipeline:
// it wires a Store, a Gateway, a Scheduler, an EventBus, a Worker Pool, a
// Status Observer, a per-user log, and the built-in event handlers into one
// explicitly-constructed object. There is no global state and no package
// level singleton; every collaborator is passed in or built in New.
package core

import (
	"context"
	"sync"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/config"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/handlers"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observer"
	"github.com/lw7895123/orderflow/internal/scheduler"
	"github.com/lw7895123/orderflow/internal/storedb"
	"github.com/lw7895123/orderflow/internal/userlog"
	"github.com/lw7895123/orderflow/internal/worker"
)

// liveStreamKinds are the event kinds mirrored to external WebSocket
// tailers: every status change, but not the one-shot Added events emitted
// on the observer's first tick.
var liveStreamKinds = []model.EventKind{
	model.KindOrderStatusChange,
	model.KindUserStatusChange,
	model.KindGroupStatusChange,
}

// Core bundles every long-lived collaborator the pipeline needs. Construct
// with New, then call Run to start all background loops; Run blocks until
// ctx is cancelled and every loop has exited.
type Core struct {
	Store     storedb.Store
	Gateway   cache.Gateway
	Bus       *eventbus.Bus
	Scheduler *scheduler.Scheduler
	Pool      *worker.Pool
	Observer  *observer.Observer
	Logs      *userlog.Store
	Stream    *eventbus.LiveStream
}

// New wires a Core from its collaborators. transition is the host's order
// decision function, handed straight through to the worker pool.
func New(store storedb.Store, gateway cache.Gateway, cfg config.Config, transition worker.TransitionFunc) *Core {
	bus := eventbus.New(cfg.EventBusQueueSize, cfg.EventBusWorkers, cfg.EventHandlerTimeout)
	logs := userlog.NewStore()

	sched := scheduler.New(store, gateway, scheduler.Config{
		ActiveRefreshInterval: cfg.ActiveRefreshInterval,
		LockTTL:               cfg.UserLockTTL,
		QueueRefreshInterval:  cfg.QueueRefreshInterval,
		MaxInFlightPerUser:    cfg.MaxInFlightPerUser,
	})

	pool := worker.New(sched, gateway, store, bus, logs, transition, worker.Config{
		WorkerCount:       cfg.WorkerCount,
		BatchSize:         cfg.BatchSize,
		CheckInterval:     cfg.CheckInterval,
		ProcessingTTL:     cfg.OrderProcessingTTL,
		StatusCacheTTL:    cfg.StatusCacheTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
	})

	obs := observer.New(store, gateway, bus, cfg.ObserverInterval)

	handlers.Register(bus, gateway, store, logs)

	stream := eventbus.NewLiveStream()
	stream.Attach(bus, liveStreamKinds...)

	return &Core{
		Store:     store,
		Gateway:   gateway,
		Bus:       bus,
		Scheduler: sched,
		Pool:      pool,
		Observer:  obs,
		Logs:      logs,
		Stream:    stream,
	}
}

// Run starts every background loop and blocks until ctx is cancelled and
// all of them have returned.
func (c *Core) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); c.Bus.Run(ctx) }()
	go func() { defer wg.Done(); c.Pool.Run(ctx) }()
	go func() { defer wg.Done(); c.Observer.Run(ctx) }()
	go func() { defer wg.Done(); c.Stream.Run(ctx) }()

	wg.Wait()
}
