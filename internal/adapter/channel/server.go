// Package channel implements the inbound messaging adapters: the WhatsApp
// Cloud API webhook and a plain JSON webhook. Both run their own HTTP
// listener with health and metrics endpoints.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"estate-ai/internal/infra/config"
	"estate-ai/internal/infra/metrics"
	"estate-ai/internal/infra/middleware"
)

// maxBodyBytes caps inbound webhook payloads.
const maxBodyBytes = 1 << 20

// ServerOptions configures the HTTP listener shared by webhook channels.
type ServerOptions struct {
	Server  config.ServerConfig
	Metrics *metrics.Metrics // nil disables /metrics
}

// listener owns one HTTP server and the background work started from it.
type listener struct {
	name   string
	addr   string
	opts   ServerOptions
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	bound  string
	cancel context.CancelFunc
}

func newListener(name, addr string, opts ServerOptions, logger *slog.Logger) *listener {
	return &listener{name: name, addr: addr, opts: opts, logger: logger}
}

// start binds the address and serves in a goroutine. routes registers the
// channel's own handlers; /healthz and the metrics path are added here.
func (l *listener) start(ctx context.Context, routes func(mux *http.ServeMux)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil {
		return fmt.Errorf("%s channel already started", l.name)
	}

	ctx, cancel := context.WithCancel(ctx)

	mux := http.NewServeMux()
	routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if l.opts.Metrics != nil && l.opts.Server.MetricsPath != "" {
		mux.Handle("GET "+l.opts.Server.MetricsPath, l.opts.Metrics.Handler())
	}

	readTimeout := l.opts.Server.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	srv := &http.Server{
		Addr:              l.addr,
		Handler:           middleware.Secure(ctx, l.opts.Server, l.logger, mux),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.server, l.bound, l.cancel = srv, ln.Addr().String(), cancel

	go func() {
		l.logger.Info("channel listening", "channel", l.name, "addr", l.bound)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("channel server error", "channel", l.name, "error", err)
		}
	}()
	return nil
}

func (l *listener) stop(ctx context.Context) error {
	l.mu.Lock()
	srv, cancel := l.server, l.cancel
	l.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	cancel()
	return err
}

func (l *listener) boundAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
