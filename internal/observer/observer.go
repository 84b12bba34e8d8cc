// Package observer runs the Status Observer loop of spec.md §4.5: on every
// tick it snapshots user/group status from the authoritative store, diffs
// against the previous snapshot, and publishes the resulting change events.
package observer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/eventbus"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/observability"
	"github.com/lw7895123/orderflow/internal/storedb"
)

// DefaultInterval is the default tick period.
const DefaultInterval = 5 * time.Second

// statusChangeQueue is the cache FIFO status-change payloads are mirrored
// to for external tailers, per spec.md §6.
const statusChangeQueue = "events"

// Observer diffs consecutive StatusSnapshots and publishes the difference
// to the event bus.
type Observer struct {
	store    storedb.Store
	gateway  cache.Gateway
	bus      *eventbus.Bus
	interval time.Duration

	previous *model.StatusSnapshot
	seq      int
}

// New builds an Observer. A zero interval falls back to DefaultInterval.
func New(store storedb.Store, gateway cache.Gateway, bus *eventbus.Bus, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Observer{store: store, gateway: gateway, bus: bus, interval: interval}
}

// Run ticks every interval until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Observer) tick(ctx context.Context) {
	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		log.Printf("observer: snapshot failed, skipping this tick: %v", err)
		return
	}

	events := o.diff(snap)
	o.previous = snap

	for _, e := range events {
		observability.ObserverDiffEvents.WithLabelValues(string(e.Kind())).Inc()
		o.publish(e)
	}
}

// diff compares snap against the previously captured snapshot and returns
// the events the transition implies. Deletions (present before, absent
// after) are not emitted in this version, per spec.md §9.
func (o *Observer) diff(snap *model.StatusSnapshot) []model.Event {
	var events []model.Event
	now := time.Now()

	if o.previous == nil {
		for userID, status := range snap.Users {
			o.seq++
			events = append(events, model.UserAddedEvent{
				EventID:   fmt.Sprintf("user-added-%d", o.seq),
				Timestamp: now,
				UserID:    userID,
				Status:    status,
			})
		}
		for groupID, status := range snap.Groups {
			o.seq++
			events = append(events, model.GroupAddedEvent{
				EventID:   fmt.Sprintf("group-added-%d", o.seq),
				Timestamp: now,
				GroupID:   groupID,
				UserID:    snap.GroupOwner[groupID],
				GroupName: snap.GroupName[groupID],
				Status:    status,
			})
		}
		return events
	}

	for userID, status := range snap.Users {
		old, existed := o.previous.Users[userID]
		o.seq++
		switch {
		case !existed:
			events = append(events, model.UserAddedEvent{
				EventID:   fmt.Sprintf("user-added-%d", o.seq),
				Timestamp: now,
				UserID:    userID,
				Status:    status,
			})
		case old != status:
			events = append(events, model.UserStatusChangeEvent{
				EventID:   fmt.Sprintf("user-status-%d", o.seq),
				Timestamp: now,
				UserID:    userID,
				Old:       old,
				New:       status,
			})
		default:
			o.seq--
		}
	}

	for groupID, status := range snap.Groups {
		old, existed := o.previous.Groups[groupID]
		o.seq++
		switch {
		case !existed:
			events = append(events, model.GroupAddedEvent{
				EventID:   fmt.Sprintf("group-added-%d", o.seq),
				Timestamp: now,
				GroupID:   groupID,
				UserID:    snap.GroupOwner[groupID],
				GroupName: snap.GroupName[groupID],
				Status:    status,
			})
		case old != status:
			events = append(events, model.GroupStatusChangeEvent{
				EventID:   fmt.Sprintf("group-status-%d", o.seq),
				Timestamp: now,
				GroupID:   groupID,
				UserID:    snap.GroupOwner[groupID],
				GroupName: snap.GroupName[groupID],
				Old:       old,
				New:       status,
			})
		default:
			o.seq--
		}
	}

	return events
}

// publish pushes the serialized payload to the named cache queue (for any
// external consumer tailing it) for status-change events, then hands the
// event to the bus via Publish. Publish only enqueues: handlers run on the
// bus's own workers, not before publish returns, and a full bus queue drops
// the event with a log line.
func (o *Observer) publish(e model.Event) {
	switch e.Kind() {
	case model.KindUserStatusChange, model.KindGroupStatusChange, model.KindOrderStatusChange:
		if payload, err := model.EncodeEvent(e); err != nil {
			log.Printf("observer: failed to encode event %s for the tail queue: %v", e.ID(), err)
		} else {
			o.gateway.PushEvent(statusChangeQueue, payload)
		}
	}

	if !o.bus.Publish(e) {
		log.Printf("observer: event bus queue full, dropped %s event %s", e.Kind(), e.ID())
	}
}
