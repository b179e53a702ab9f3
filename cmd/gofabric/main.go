// gofabric daemon -- hosts a fabric router with its admin and metrics
// HTTP surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofabric/internal/config"
	fabricmetrics "github.com/dantte-lp/gofabric/internal/metrics"
	"github.com/dantte-lp/gofabric/internal/router"
	adminserver "github.com/dantte-lp/gofabric/internal/server"
	"github.com/dantte-lp/gofabric/internal/session"
	appversion "github.com/dantte-lp/gofabric/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// readHeaderTimeout bounds request header reads on both HTTP servers.
const readHeaderTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		info := appversion.Get()
		fmt.Printf("gofabric %s (%s, %s)\n", info.Version, info.Commit, info.Date)
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gofabric starting",
		slog.String("version", appversion.Version),
		slog.String("router_ep", cfg.Router.EP),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create the Prometheus collector.
	reg := prometheus.NewRegistry()
	collector := fabricmetrics.NewCollector(reg)

	// 5. Build the router.
	r, err := buildRouter(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to build router", slog.String("error", err.Error()))
		return 1
	}

	// 6. Run.
	if err := runServers(cfg, r, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("gofabric exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gofabric stopped")
	return 0
}

// buildRouter assembles the router from the loaded configuration.
func buildRouter(
	cfg *config.Config,
	collector *fabricmetrics.Collector,
	logger *slog.Logger,
) (*router.Router, error) {
	routerEP, err := cfg.RouterEP()
	if err != nil {
		return nil, fmt.Errorf("router endpoint: %w", err)
	}

	mode, err := router.ParseDiscoveryMode(cfg.Discovery.Mode)
	if err != nil {
		return nil, fmt.Errorf("discovery mode: %w", err)
	}

	transport := router.NewNetTransport(router.NetTransportConfig{
		UdpBind:   cfg.UdpBind(),
		TcpBind:   cfg.TcpBind(),
		Mode:      mode,
		CloudEP:   cfg.CloudAddr(),
		Relays:    cfg.RelayAddrs(),
		SharedKey: cfg.Router.SharedKey,
		MaxIdle:   cfg.Router.MaxIdle,
		Logger:    logger,
	})

	return router.New(router.Config{
		RouterEP:               routerEP,
		EnableP2P:              cfg.Router.EnableP2P,
		AdvertiseTime:          cfg.Router.AdvertiseTime,
		BkInterval:             cfg.Router.BkInterval,
		DefMsgTTL:              uint8(cfg.Router.DefMsgTTL),
		DeadRouterTTL:          cfg.Router.DeadRouterTTL,
		MaxLogicalAdvertiseEPs: cfg.Router.MaxLogicalAdvertiseEPs,
		UplinkEP:               cfg.UplinkAddr(),
		Session: session.Config{
			Retries:    cfg.Session.Retries,
			Timeout:    cfg.Session.Timeout,
			CacheTime:  cfg.Session.CacheTime,
			KeepAlive:  cfg.Session.KeepAlive,
			DuplexIdle: cfg.Session.DuplexTimeout,
			BlockSize:  cfg.Transfer.DefBlockSize,
			MaxTries:   cfg.Transfer.MaxTries,
			BlockRetry: cfg.Transfer.BlockRetry,
		},
		Transport: transport,
		Metrics:   collector,
		Logger:    logger,
	})
}

// runServers starts the router and the HTTP servers under an errgroup
// with a signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	r *router.Router,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if err := r.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	defer stopRouter(r, logger)

	g, gCtx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	adminSrv := newAdminServer(cfg.Admin, r, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	if adminSrv != nil {
		g.Go(func() error {
			logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
			return listenAndServe(gCtx, &lc, adminSrv, cfg.Admin.Addr)
		})
	}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// stopRouter stops the router, logging any error.
func stopRouter(r *router.Router, logger *slog.Logger) {
	if err := r.Stop(); err != nil {
		logger.Warn("failed to stop router", slog.String("error", err.Error()))
	}
}

// newAdminServer builds the admin HTTP server, or nil when disabled.
func newAdminServer(cfg config.AdminConfig, r *router.Router, logger *slog.Logger) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           adminserver.New(r, logger).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// newMetricsServer builds the Prometheus endpoint server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// listenAndServe creates a TCP listener via the ListenConfig and
// serves HTTP requests until shutdown.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once initialization completes.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 at the start of graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half
// the configured interval. Exits immediately when no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP reloads the configuration on SIGHUP, applying the new
// log level dynamically. Other settings are neither reapplied nor
// reported; they take effect only on restart.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown drains the HTTP servers. The router itself is
// stopped by the deferred stopRouter after the errgroup settles.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// newLoggerWithLevel creates a structured logger using a shared
// LevelVar for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
