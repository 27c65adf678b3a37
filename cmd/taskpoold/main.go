// Command taskpoold runs the category-partitioned worker pool behind an
// HTTP surface. The scraping/embedding/RAG collaborators the spec treats as
// external are out of scope (spec.md §1); this binary registers small
// demonstration handlers in their place so the engine is runnable end to
// end without those real implementations.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docpipeline/taskpool/internal/api"
	"github.com/docpipeline/taskpool/internal/engine"
	"github.com/docpipeline/taskpool/internal/ratelimit"
	"github.com/docpipeline/taskpool/internal/taskpoolcfg"
	"github.com/docpipeline/taskpool/internal/telemetry/logging"
)

func main() {
	configFile := flag.String("config", "", "path to a JSON config file (optional; env and defaults still apply)")
	flag.Parse()

	cfg, err := taskpoolcfg.Load(*configFile)
	if err != nil {
		log.Fatalf("taskpoold: invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LoggerConfig())

	registry := engine.NewRegistry()
	registerDemoHandlers(registry)

	pool := engine.NewPool(cfg.EngineConfig(), registry, logger.WithComponent("engine"))
	pool.Start()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimitPerMin,
		MaxConcurrent:     20,
		BanDuration:       15 * time.Minute,
		CleanupInterval:   5 * time.Minute,
	})
	defer limiter.Stop()

	server := api.New(pool, limiter, logger.WithComponent("api"))

	broadcastCtx, cancelBroadcast := context.WithCancel(context.Background())
	go server.BroadcastLoop(broadcastCtx, 250*time.Millisecond)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancelBroadcast()

	drainTimeout := time.Duration(cfg.Server.DrainTimeoutSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout+5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err.Error())
	}

	pool.Stop(drainTimeout)
	logger.Info("shutdown complete")
}

// registerDemoHandlers stands in for the real scraping/embedding/RAG
// collaborators, which spec.md §1 explicitly places out of scope. Each
// handler only demonstrates the shape workers will actually call: it reads
// its args, sleeps briefly to simulate remote latency, and returns a value.
func registerDemoHandlers(registry *engine.Registry) {
	registry.Register("scrape_page", demoLatencyHandler(50*time.Millisecond, 150*time.Millisecond), nil)
	registry.Register("generate_embedding", demoLatencyHandler(10*time.Millisecond, 40*time.Millisecond), nil)
	registry.Register("rag_query", demoLatencyHandler(5*time.Millisecond, 20*time.Millisecond), nil)
	registry.Register("reindex", demoLatencyHandler(200*time.Millisecond, 500*time.Millisecond), nil)
}

func demoLatencyHandler(min, max time.Duration) engine.Handler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		delay := min
		if max > min {
			delay += time.Duration(rand.Int63n(int64(max - min)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]interface{}{"echo": args, "simulated_latency_ms": delay.Milliseconds()}, nil
	}
}
