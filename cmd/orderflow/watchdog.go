package main

import (
	"context"
	"log"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/storedb"
)

// pinger is implemented by the concrete Postgres/Redis collaborators; the
// in-memory fakes don't implement it and are treated as always reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthWatchdog implements spec.md §7's Fatal error handling: once both
// the store and the cache have been unreachable continuously for
// gracePeriod, it cancels the run context so the composition root shuts
// down cleanly rather than spinning workers against two dead backends.
type healthWatchdog struct {
	store       storedb.Store
	gateway     cache.Gateway
	gracePeriod time.Duration
}

func newHealthWatchdog(store storedb.Store, gateway cache.Gateway, gracePeriod time.Duration) *healthWatchdog {
	if gracePeriod <= 0 {
		gracePeriod = 60 * time.Second
	}
	return &healthWatchdog{store: store, gateway: gateway, gracePeriod: gracePeriod}
}

func (h *healthWatchdog) run(ctx context.Context, cancel context.CancelFunc) {
	const pollInterval = 5 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var unhealthySince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.bothUnreachable(ctx) {
				if unhealthySince.IsZero() {
					unhealthySince = time.Now()
					log.Println("orderflow: store and cache both unreachable, starting fatal grace period")
				} else if time.Since(unhealthySince) > h.gracePeriod {
					log.Printf("orderflow: store and cache unreachable for over %s, shutting down", h.gracePeriod)
					cancel()
					return
				}
			} else {
				unhealthySince = time.Time{}
			}
		}
	}
}

func (h *healthWatchdog) bothUnreachable(ctx context.Context) bool {
	storeDown := false
	if p, ok := h.store.(pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		storeDown = p.Ping(pingCtx) != nil
		cancel()
	}

	gatewayDown := false
	if p, ok := h.gateway.(pinger); ok {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		gatewayDown = p.Ping(pingCtx) != nil
		cancel()
	}

	return storeDown && gatewayDown
}
