// Package shutdown coordinates graceful service stop: drain the HTTP
// server, cancel background workers, then close the store, in order.
package shutdown

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/pkg/logger"
)

// Hook is one named teardown step. Hooks run in registration order.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

const drainTimeout = 15 * time.Second

// Wait blocks until SIGINT/SIGTERM (or ctx cancellation), then drains the
// HTTP server and runs the hooks. It returns once teardown finished.
func Wait(ctx context.Context, srv *http.Server, hooks ...Hook) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		logger.Info("shutdown_context_done")
	}

	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(dctx); err != nil {
			logger.Error("http_drain_failed", "error", err)
		} else {
			logger.Info("http_drained")
		}
	}
	for _, h := range hooks {
		if err := h.Fn(dctx); err != nil {
			logger.Error("shutdown_hook_failed", "hook", h.Name, "error", err)
			continue
		}
		logger.Info("shutdown_hook_done", "hook", h.Name)
	}
	logger.Info("shutdown_complete")
}
