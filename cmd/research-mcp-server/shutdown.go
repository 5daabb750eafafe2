package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// shutdownTimeout bounds how long the HTTP servers get to drain in-flight
// requests. The cleanup that follows (cache, event store and audit log
// flush) runs to completion afterwards and is not bounded by it.
const shutdownTimeout = 30 * time.Second

// shutdownOnSignal blocks until SIGINT, SIGTERM or SIGHUP is received, then
// drains the given HTTP servers (if any) and runs cleanup, grounded in the
// teacher's cmd/skyline/shutdown.go shutdownOnSignal. A second signal forces
// immediate exit.
func shutdownOnSignal(servers []*http.Server, cleanup func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	slog.Info("shutting down gracefully", "signal", sig.String(), "timeout", shutdownTimeout)

	go func() {
		sig := <-sigCh
		slog.Warn("forced shutdown", "signal", sig.String())
		os.Exit(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				slog.Error("http server shutdown error", "addr", s.Addr, "error", err)
			}
		}(srv)
	}
	wg.Wait()

	if cleanup != nil {
		cleanup()
	}

	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("forced shutdown after timeout")
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
