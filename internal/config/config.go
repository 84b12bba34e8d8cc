// Package config holds the configuration surface of spec.md §6 and loads it
// from environment variables the way the teacher's main.go does: os.Getenv
// with typed defaults, no flag/CLI parsing framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full recognized option set.
type Config struct {
	WorkerCount           int
	BatchSize             int
	CheckInterval         time.Duration
	QueueRefreshInterval  time.Duration
	ActiveRefreshInterval time.Duration
	UserLockTTL           time.Duration
	OrderProcessingTTL    time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatTTL          time.Duration
	ObserverInterval      time.Duration
	EventBusWorkers       int
	EventBusQueueSize     int
	EventHandlerTimeout   time.Duration
	MaxInFlightPerUser    int
	StatusCacheTTL        time.Duration

	// Fatal-error grace period: how long the store and cache may both be
	// unreachable before the composition root triggers graceful shutdown.
	FatalGracePeriod time.Duration
}

// Default returns the defaults named throughout spec.md.
func Default() Config {
	return Config{
		WorkerCount:           8,
		BatchSize:             10,
		CheckInterval:         100 * time.Millisecond,
		QueueRefreshInterval:  5 * time.Second,
		ActiveRefreshInterval: 30 * time.Second,
		UserLockTTL:           300 * time.Second,
		OrderProcessingTTL:    300 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTTL:          60 * time.Second,
		ObserverInterval:      5 * time.Second,
		EventBusWorkers:       5,
		EventBusQueueSize:     1000,
		EventHandlerTimeout:   30 * time.Second,
		MaxInFlightPerUser:    3,
		StatusCacheTTL:        3600 * time.Second,
		FatalGracePeriod:      60 * time.Second,
	}
}

// FromEnv overlays environment variables onto the defaults. Unset variables
// leave the default in place; malformed values are reported as an error
// rather than silently ignored.
func FromEnv() (Config, error) {
	cfg := Default()

	ints := map[string]*int{
		"ORDERFLOW_WORKER_COUNT":        &cfg.WorkerCount,
		"ORDERFLOW_BATCH_SIZE":          &cfg.BatchSize,
		"ORDERFLOW_EVENT_BUS_WORKERS":   &cfg.EventBusWorkers,
		"ORDERFLOW_EVENT_BUS_QUEUE_SIZE": &cfg.EventBusQueueSize,
		"ORDERFLOW_MAX_IN_FLIGHT_PER_USER": &cfg.MaxInFlightPerUser,
	}
	for env, dst := range ints {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid int for %s: %w", env, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"ORDERFLOW_CHECK_INTERVAL":          &cfg.CheckInterval,
		"ORDERFLOW_QUEUE_REFRESH_INTERVAL":  &cfg.QueueRefreshInterval,
		"ORDERFLOW_ACTIVE_REFRESH_INTERVAL": &cfg.ActiveRefreshInterval,
		"ORDERFLOW_USER_LOCK_TTL":           &cfg.UserLockTTL,
		"ORDERFLOW_ORDER_PROCESSING_TTL":    &cfg.OrderProcessingTTL,
		"ORDERFLOW_HEARTBEAT_INTERVAL":      &cfg.HeartbeatInterval,
		"ORDERFLOW_HEARTBEAT_TTL":           &cfg.HeartbeatTTL,
		"ORDERFLOW_OBSERVER_INTERVAL":       &cfg.ObserverInterval,
		"ORDERFLOW_EVENT_HANDLER_TIMEOUT":   &cfg.EventHandlerTimeout,
		"ORDERFLOW_STATUS_CACHE_TTL":        &cfg.StatusCacheTTL,
		"ORDERFLOW_FATAL_GRACE_PERIOD":      &cfg.FatalGracePeriod,
	}
	for env, dst := range durations {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid duration for %s: %w", env, err)
			}
			*dst = d
		}
	}

	return cfg, nil
}
