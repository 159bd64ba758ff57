// Command edpnode is the EDP client node binary. It loads a YAML
// configuration file, starts the local process runtime and the connection
// manager that dials every configured peer, exposes the admin introspection
// API and a Prometheus /metrics endpoint, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edpclient/edp/internal/adminapi"
	"github.com/edpclient/edp/internal/audit"
	"github.com/edpclient/edp/internal/config"
	"github.com/edpclient/edp/internal/connmgr"
	"github.com/edpclient/edp/internal/etf"
	"github.com/edpclient/edp/internal/eventstore"
	"github.com/edpclient/edp/internal/metrics"
	"github.com/edpclient/edp/internal/node"
	"github.com/edpclient/edp/internal/outbox"
	"github.com/edpclient/edp/internal/runtime"
)

// eventBatchSize and eventFlushInterval bound how long a connection event
// sits buffered before internal/eventstore writes it to Postgres.
const (
	eventBatchSize     = 50
	eventFlushInterval = 2 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/edpnode/config.yaml", "path to the edpnode YAML configuration file")
	jwtPubKeyPath := flag.String("admin-jwt-pubkey", "", "path to a PEM RSA public key verifying admin API Bearer tokens (optional; leave empty to disable auth)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edpnode: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("name", cfg.Name),
		slog.String("admin_addr", cfg.AdminAddr),
		slog.String("metrics_addr", cfg.MetricsAddr),
		slog.Int("num_peers", len(cfg.Peers)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var auditLogger *audit.Logger
	if cfg.AuditLogPath != "" {
		auditLogger, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath))
	}

	var spool *outbox.Spool
	if cfg.OutboxPath != "" {
		spool, err = outbox.Open(cfg.OutboxPath)
		if err != nil {
			logger.Error("failed to open outbox", slog.String("path", cfg.OutboxPath), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("outbox opened", slog.String("path", cfg.OutboxPath), slog.Int("pending", spool.Depth()))
	}

	var store *eventstore.Store
	if cfg.EventStoreDSN != "" {
		store, err = eventstore.New(ctx, cfg.EventStoreDSN, eventBatchSize, eventFlushInterval)
		if err != nil {
			logger.Error("failed to open event store", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close(context.Background())
		logger.Info("connection event store connected")
	}

	broadcaster := adminapi.NewBroadcaster(logger, 256)
	defer broadcaster.Close()

	m := metrics.New()

	n := node.NewNode(etf.Atom{Name: cfg.Name}, nil, logger)
	n.SetMetrics(m)

	var connOpts []connmgr.Option
	connOpts = append(connOpts, connmgr.WithMetrics(m))
	if spool != nil {
		connOpts = append(connOpts, connmgr.WithOutbox(spool))
	}
	if auditLogger != nil {
		connOpts = append(connOpts, connmgr.WithAudit(auditLogger))
	}
	if store != nil {
		connOpts = append(connOpts, connmgr.WithEventStore(store))
	}
	connOpts = append(connOpts, connmgr.WithEventPublisher(broadcaster))

	mgr := connmgr.NewManager(cfg, n, logger, connOpts...)
	n.Remote = mgr

	var runtimeOpts []runtime.Option
	if spool != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithOutbox(spool))
	}
	if auditLogger != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithAudit(auditLogger))
	}
	rt := runtime.New(cfg, logger, n, mgr, runtimeOpts...)

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start node runtime", slog.Any("error", err))
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if *jwtPubKeyPath != "" {
		pem, err := os.ReadFile(*jwtPubKeyPath)
		if err != nil {
			logger.Error("failed to read admin JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = adminapi.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse admin JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("admin API JWT validation enabled")
	} else {
		logger.Warn("admin-jwt-pubkey not configured; admin API authentication disabled (dev mode)")
	}

	// store is passed through an EventQuerier interface variable, not
	// directly: a nil *eventstore.Store handed straight to NewServer would
	// produce a non-nil interface value, defeating Server's own nil check.
	var events adminapi.EventQuerier
	if store != nil {
		events = store
	}

	stream := adminapi.NewStreamHandler(broadcaster, logger, 0)
	adminSrv := adminapi.NewServer(n.Registry, mgr, events, rt.HealthzHandler, stream)
	adminHTTP := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminapi.NewRouter(adminSrv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsHTTP := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("admin API listening", slog.String("addr", cfg.AdminAddr))
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin API server error", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("metrics endpoint listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	rt.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown error", slog.Any("error", err))
	}
	if err := metricsHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.Any("error", err))
	}

	logger.Info("edpnode exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
