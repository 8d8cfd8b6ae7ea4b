// Spins up the imgcache server, serving a persistent image cache over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/imgcache/pkg/config"
	"github.com/nobletooth/imgcache/pkg/imagecache"
	"github.com/nobletooth/imgcache/pkg/port"
	"github.com/nobletooth/imgcache/pkg/storage"
	"github.com/nobletooth/imgcache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port serving Prometheus metrics on /metrics; empty disables it.")
)

// serveMetrics serves /metrics on `addr` until `ctx` is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down the metrics server.", "err", err)
		}
	}()

	slog.Info("Serving metrics.", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server stopped: %w", err)
	}
	return nil
}

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("imgcache build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		select {
		case sig := <-signals:
			slog.Info("Received termination signal, cancelling server context.", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if *metricsAddress != "" {
		go func() {
			if err := serveMetrics(ctx, *metricsAddress); err != nil {
				slog.Error("Metrics are unavailable.", "err", err)
			}
		}()
	}

	backend, err := storage.NewBackendFromFlags()
	if err != nil {
		slog.Error("Failed to create the storage backend.", "err", err)
		os.Exit(1)
	}
	imageCache := imagecache.New(backend)
	// A cache that failed to open still answers every lookup with a miss.
	_ = imageCache.Initialize(ctx)

	if err := port.RunRedisServer(ctx, imageCache); err != nil {
		slog.Error("imgcache server stopped.", "err", err, "uptime", utils.Uptime())
		os.Exit(1)
	}
	slog.Info("imgcache server stopped.", "uptime", utils.Uptime())
}
