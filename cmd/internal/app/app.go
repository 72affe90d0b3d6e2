// Package app wires the linkgate runtime: config, logging, the auth-state
// store, the bridge transport, the session manager and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"linkgate/cmd/internal/api"
	"linkgate/cmd/internal/sessions"
	"linkgate/cmd/internal/transport"
	"linkgate/cmd/internal/transport/wsbridge"
)

// App is the linkgate server runtime.
type App struct {
	cfg Config
	log Logger

	reg   *prometheus.Registry
	store *storeHandle
	mgr   *sessions.Manager
	api   *api.Handler
}

// New constructs a fully wired App that reaches the network through the
// websocket bridge at LINKGATE_BRIDGE_URL.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var header http.Header
	if cfg.BridgeToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + cfg.BridgeToken}}
	}
	dialer := &wsbridge.Dialer{
		URL:         cfg.BridgeURL,
		DialTimeout: cfg.BridgeDialTimeout,
		Header:      header,
		Logger:      log.With("component", "wsbridge"),
	}
	return newApp(ctx, cfg, log, dialer)
}

func newApp(ctx context.Context, cfg Config, log Logger, dialer transport.Dialer) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := openStore(ctx, cfg, log, reg)
	if err != nil {
		return nil, err
	}

	scfg := cfg.sessionsConfig()
	scfg.Logger = log
	scfg.Metrics = reg
	mgr, err := sessions.NewManager(st.Store, dialer, scfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	h, err := api.NewHandler(log, mgr, cfg.apiConfig())
	if err != nil {
		_ = mgr.Shutdown(ctx)
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfg:   cfg,
		log:   log,
		reg:   reg,
		store: st,
		mgr:   mgr,
		api:   h,
	}, nil
}

// Run listens on LINKGATE_HTTP_ADDR and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.serve(ctx, ln)
}

// serve revives persisted sessions, serves HTTP on ln and shuts everything
// down in order once ctx is done: listener, sessions, store.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           newRouter(a.log, a.reg, a.store, a.api),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.store.Backend(),
	)

	bootDone := make(chan struct{})
	go func() {
		defer close(bootDone)
		if _, err := a.mgr.Boot(ctx, a.cfg.BootParallelism); err != nil {
			a.log.Error("boot.fail", "err", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case serveErr = <-errCh:
		a.log.Error("server.fail", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}

	select {
	case <-bootDone:
	case <-shutdownCtx.Done():
		a.log.Warn("boot.shutdown.timeout")
	}

	if err := a.close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	a.log.Info("server.stopped")
	return serveErr
}

// close stops every session (persisted state is kept) and releases the store.
func (a *App) close(ctx context.Context) error {
	err := a.mgr.Shutdown(ctx)
	if err != nil {
		a.log.Error("sessions.shutdown.fail", "err", err)
	}
	if cerr := a.store.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
		err = errors.Join(err, cerr)
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
