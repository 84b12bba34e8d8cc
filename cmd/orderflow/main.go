// Command orderflow is the composition root: it wires the authoritative
// store, the cache gateway, and the five core components into one Core
// value and serves a minimal operational HTTP surface alongside it.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lw7895123/orderflow/internal/cache"
	"github.com/lw7895123/orderflow/internal/config"
	"github.com/lw7895123/orderflow/internal/core"
	"github.com/lw7895123/orderflow/internal/model"
	"github.com/lw7895123/orderflow/internal/storedb"
	"github.com/lw7895123/orderflow/internal/worker"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("orderflow: invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, gateway := dial(ctx)

	c := core.New(store, gateway, cfg, noopTransition)

	watchdog := newHealthWatchdog(store, gateway, cfg.FatalGracePeriod)
	runCtx, cancelRun := context.WithCancel(ctx)
	go watchdog.run(runCtx, cancelRun)

	go c.Run(runCtx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stream", newStreamHandler(c))

	srv := &http.Server{Addr: listenAddr(), Handler: mux}
	go func() {
		log.Printf("orderflow: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("orderflow: http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("orderflow: shutdown signal received")
	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("orderflow: http server shutdown error: %v", err)
	}
}

func listenAddr() string {
	if addr := os.Getenv("ORDERFLOW_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

// dial connects to Postgres and Redis using the same environment variables
// the teacher's main.go reads, falling back to in-memory fakes when the
// corresponding address is unset so the binary can still be exercised
// standalone (e.g. for the live-event-stream demo) without either service.
func dial(ctx context.Context) (storedb.Store, cache.Gateway) {
	var store storedb.Store
	if dsn := os.Getenv("ORDERFLOW_POSTGRES_DSN"); dsn != "" {
		pg, err := storedb.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("orderflow: failed to connect to postgres: %v", err)
		}
		log.Println("orderflow: connected to postgres")
		store = pg
	} else {
		log.Println("orderflow: ORDERFLOW_POSTGRES_DSN unset, using in-memory store (unsafe for production)")
		store = storedb.NewMemoryStore()
	}

	var gateway cache.Gateway
	if addr := os.Getenv("ORDERFLOW_REDIS_ADDR"); addr != "" {
		redisGateway, err := cache.NewRedisGateway(addr, os.Getenv("ORDERFLOW_REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("orderflow: failed to connect to redis: %v", err)
		}
		log.Printf("orderflow: connected to redis at %s", addr)
		gateway = redisGateway
	} else {
		log.Println("orderflow: ORDERFLOW_REDIS_ADDR unset, using in-memory gateway (unsafe for production, single-node only)")
		gateway = cache.NewMemoryGateway()
	}

	return store, gateway
}

// noopTransition is the default host transition function: it never changes
// an order. A real deployment supplies its own TransitionFunc encoding the
// actual trading decision logic, which this module treats as an external
// collaborator (spec.md's Non-goals explicitly exclude it).
func noopTransition(ctx context.Context, order model.Order) (worker.TransitionResult, error) {
	return worker.TransitionResult{}, nil
}
