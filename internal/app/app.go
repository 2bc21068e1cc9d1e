// Package app wires the Voxlane subsystems into a running application: the
// HTTP side (health probes, Prometheus metrics) and the lifecycle of the
// single active voice session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxlane/voxlane/internal/config"
	"github.com/voxlane/voxlane/internal/health"
	"github.com/voxlane/voxlane/internal/observe"
)

// shutdownGrace is how long in-flight HTTP requests get to finish after the
// run context is cancelled.
const shutdownGrace = 10 * time.Second

// App owns the HTTP server that exposes health probes and the /metrics
// endpoint. Voice sessions are managed separately by the [SessionManager].
type App struct {
	server *config.ServerConfig
	srv    *http.Server
}

// New builds the App's HTTP surface. The checkers are evaluated on every
// /readyz request.
func New(server config.ServerConfig, checkers ...health.Checker) *App {
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := observe.Middleware(observe.DefaultMetrics())(mux)

	return &App{
		server: &server,
		srv: &http.Server{
			Addr:              server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the root HTTP handler (health probes, metrics, and the
// observability middleware).
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// Run serves HTTP until ctx is cancelled, then shuts the server down with a
// grace period. A blank listen address disables the HTTP surface; Run then
// just blocks until cancellation.
func (a *App) Run(ctx context.Context) error {
	if a.server.ListenAddr == "" {
		slog.Info("http server disabled, no listen address configured")
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening",
			"addr", a.server.ListenAddr,
			"tls", a.server.TLS != nil,
		)
		var err error
		if a.server.TLS != nil {
			err = a.srv.ListenAndServeTLS(a.server.TLS.CertFile, a.server.TLS.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return ctx.Err()
	})

	return g.Wait()
}
