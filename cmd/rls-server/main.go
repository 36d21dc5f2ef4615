// Package main provides the entry point for the row-level access engine
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/authz-engine/rls-engine/internal/audit"
	"github.com/authz-engine/rls-engine/internal/db"
	"github.com/authz-engine/rls-engine/internal/engine"
	"github.com/authz-engine/rls-engine/internal/metrics"
	"github.com/authz-engine/rls-engine/internal/policy"
	"github.com/authz-engine/rls-engine/internal/ratelimit"
	"github.com/authz-engine/rls-engine/internal/rule"
	"github.com/authz-engine/rls-engine/internal/server"
	"github.com/authz-engine/rls-engine/internal/service"
	"github.com/authz-engine/rls-engine/internal/session"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type options struct {
	adminPort       int
	logLevel        string
	logFormat       string
	databaseURL     string
	migrate         bool
	redisAddr       string
	redisPassword   string
	sessionTTL      time.Duration
	maxSessions     int
	auditMode       string
	auditBuffer     int
	auditFlush      time.Duration
	auditOutput     string
	auditFile       string
	auditSyslog     string
	bundleDir       string
	watch           bool
	timezone        string
	serverLocalTime bool
	stopMode        string
	workers         int
	statsRate       int
	gracefulTimeout time.Duration
}

func main() {
	var opts options
	flag.IntVar(&opts.adminPort, "admin-port", 9090, "Admin HTTP port for health, metrics and stats")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.logFormat, "log-format", "json", "Log format (json, console)")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL URL; empty keeps policies, rules and audit in memory")
	flag.BoolVar(&opts.migrate, "migrate", true, "Apply database migrations on startup")
	flag.StringVar(&opts.redisAddr, "redis-addr", "", "Redis host:port for shared sessions; empty keeps sessions in memory")
	flag.StringVar(&opts.redisPassword, "redis-password", "", "Redis password")
	flag.DurationVar(&opts.sessionTTL, "session-ttl", 30*time.Minute, "Session lifetime")
	flag.IntVar(&opts.maxSessions, "max-sessions", 100000, "Maximum in-memory sessions")
	flag.StringVar(&opts.auditMode, "audit-mode", "async", "Audit recording mode (async, sync)")
	flag.IntVar(&opts.auditBuffer, "audit-buffer", 1000, "Async audit ring buffer size")
	flag.DurationVar(&opts.auditFlush, "audit-flush", 100*time.Millisecond, "Async audit flush interval")
	flag.StringVar(&opts.auditOutput, "audit-output", "", "Mirror audit entries to: stdout, file or syslog")
	flag.StringVar(&opts.auditFile, "audit-file", "audit.log", "Audit file path for --audit-output=file")
	flag.StringVar(&opts.auditSyslog, "audit-syslog-addr", "", "Syslog host:port (UDP) for --audit-output=syslog")
	flag.StringVar(&opts.bundleDir, "bundle-dir", "", "Directory of policy and rule bundles")
	flag.BoolVar(&opts.watch, "watch", false, "Reload bundles when files in --bundle-dir change")
	flag.StringVar(&opts.timezone, "timezone", "", "Default timezone for time windows (IANA name); empty uses server local time")
	flag.BoolVar(&opts.serverLocalTime, "server-local-time", false, "Ignore policy timezones and evaluate every window in --timezone")
	flag.StringVar(&opts.stopMode, "stop-mode", string(engine.StopAlways), "When stop-on-match rules end the rule walk (always, after-match)")
	flag.IntVar(&opts.workers, "workers", 8, "Workers for batch decisions")
	flag.IntVar(&opts.statsRate, "stats-rate", 30, "Stats requests allowed per organization per minute; 0 disables")
	flag.DurationVar(&opts.gracefulTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rls-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(opts, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped successfully")
}

func run(opts options, logger *zap.Logger) error {
	logger.Info("Starting row-level access engine",
		zap.String("version", Version),
		zap.Int("admin_port", opts.adminPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewPrometheusMetrics("rls")

	var (
		policies   policy.Store
		rules      rule.Store
		auditStore audit.Store
		database   *sql.DB
	)
	if opts.databaseURL != "" {
		dbCfg := db.DefaultConfig()
		dbCfg.URL = opts.databaseURL
		conn, err := db.Open(ctx, dbCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		database = conn

		if opts.migrate {
			if err := migrateUp(conn, logger); err != nil {
				return err
			}
		}
		policies = policy.NewPostgresStore(conn)
		rules = rule.NewPostgresStore(conn)
		auditStore = audit.NewPostgresStore(conn)
		logger.Info("Using PostgreSQL stores")
	} else {
		policies = policy.NewMemoryStore()
		rules = rule.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		logger.Info("Using in-memory stores")
	}

	sessions, redisStore, err := newSessionStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	if redisStore != nil {
		defer redisStore.Shutdown()
	}
	if mem, ok := sessions.(*session.MemoryStore); ok {
		go sweepSessions(ctx, mem, opts.sessionTTL, logger)
	}

	engCfg := engine.DefaultConfig()
	engCfg.StopMode = engine.StopMode(opts.stopMode)
	engCfg.UseServerLocalTime = opts.serverLocalTime
	engCfg.BatchWorkers = opts.workers
	if opts.timezone != "" {
		loc, err := time.LoadLocation(opts.timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", opts.timezone, err)
		}
		engCfg.Location = loc
	}
	eng, err := engine.New(engCfg, policies, rules)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	eng.WithLogger(logger).WithMetrics(m)

	logger.Info("Decision engine initialized",
		zap.String("stop_mode", string(engCfg.StopMode)),
		zap.String("location", engCfg.Location.String()),
		zap.Int("workers", engCfg.BatchWorkers),
	)

	auditCfg := audit.DefaultConfig()
	auditCfg.Async = opts.auditMode != "sync"
	auditCfg.BufferSize = opts.auditBuffer
	auditCfg.FlushInterval = opts.auditFlush
	auditCfg.Output = opts.auditOutput
	auditCfg.FilePath = opts.auditFile
	auditCfg.SyslogAddr = opts.auditSyslog
	auditCfg.SyslogProtocol = "udp"
	if err := auditCfg.Validate(); err != nil {
		return fmt.Errorf("invalid audit config: %w", err)
	}
	writer, err := audit.NewWriter(auditCfg)
	if err != nil {
		return fmt.Errorf("failed to create audit writer: %w", err)
	}
	recorder, err := audit.NewRecorder(auditCfg, auditStore, writer, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit recorder: %w", err)
	}
	recorder.WithMetrics(m)

	svc, err := service.New(service.Deps{
		Engine:   eng,
		Policies: policies,
		Sessions: sessions,
		Recorder: recorder,
		Reporter: audit.NewReporter(auditStore, policies, rules),
	}, logger)
	if err != nil {
		return err
	}
	svc.WithMetrics(m)

	if opts.bundleDir != "" {
		watcher, err := loadBundles(ctx, opts, policies, rules, m, logger)
		if err != nil {
			return err
		}
		if watcher != nil {
			defer watcher.Stop()
		}
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Port = opts.adminPort
	admin, err := server.New(srvCfg, svc, m.HTTPHandler(), logger)
	if err != nil {
		return fmt.Errorf("failed to create admin server: %w", err)
	}
	if opts.statsRate > 0 {
		limiter, err := newLimiter(opts, redisStore, logger)
		if err != nil {
			return err
		}
		admin.WithLimiter(limiter)
	}
	if database != nil {
		admin.Health().AddCheck("postgres", database.PingContext)
	}
	if redisStore != nil {
		admin.Health().AddCheck("redis", redisStore.Ping)
	}
	admin.Health().SetReady(true)

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- admin.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.gracefulTimeout)
	defer shutdownCancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", zap.Error(err))
	}
	return svc.Shutdown(shutdownCtx)
}

func migrateUp(conn *sql.DB, logger *zap.Logger) error {
	runner, err := db.NewMigrationRunner(conn, logger)
	if err != nil {
		return err
	}
	if err := runner.Up(); err != nil {
		return err
	}
	// closing the runner would close conn through the postgres driver
	return nil
}

func newSessionStore(ctx context.Context, opts options, logger *zap.Logger) (session.Store, *session.RedisStore, error) {
	cfg := session.DefaultConfig()
	cfg.TTL = opts.sessionTTL
	cfg.MaxSessions = opts.maxSessions

	if opts.redisAddr == "" {
		store, err := session.NewMemoryStore(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	host, portStr, err := net.SplitHostPort(opts.redisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis address %q: %w", opts.redisAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis port %q: %w", portStr, err)
	}

	rcfg := session.DefaultRedisConfig()
	rcfg.Host = host
	rcfg.Port = port
	rcfg.Password = opts.redisPassword

	store, err := session.NewRedisStore(ctx, cfg, rcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Redis session store", zap.String("addr", rcfg.Addr()))
	return store, store, nil
}

// sweepSessions evicts expired in-memory sessions until ctx is done
func sweepSessions(ctx context.Context, store *session.MemoryStore, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				logger.Debug("Expired sessions swept", zap.Int("removed", n), zap.Int("remaining", store.Len()))
			}
		}
	}
}

// newLimiter shares buckets through Redis when sessions already use it
func newLimiter(opts options, redisStore *session.RedisStore, logger *zap.Logger) (ratelimit.Limiter, error) {
	cfg := ratelimit.DefaultConfig()
	cfg.Rate = opts.statsRate
	cfg.Window = time.Minute

	if redisStore != nil {
		return ratelimit.NewRedisLimiter(redisStore.Client(), cfg, logger)
	}
	return ratelimit.NewMemoryLimiter(cfg)
}

// loadBundles applies the bundle directory once and, when requested,
// keeps watching it
func loadBundles(ctx context.Context, opts options, policies policy.Store, rules rule.Store, m metrics.Metrics, logger *zap.Logger) (*policy.FileWatcher, error) {
	loader := policy.NewLoader(logger)
	syncer := policy.NewSyncer(policies, rules, logger)

	bundle, err := loader.LoadFromDirectory(opts.bundleDir)
	if err != nil {
		m.RecordBundleReload("failed")
		return nil, fmt.Errorf("failed to load bundles: %w", err)
	}
	res, err := syncer.Apply(ctx, bundle)
	if err != nil {
		m.RecordBundleReload("failed")
		return nil, fmt.Errorf("failed to apply bundles: %w", err)
	}
	m.RecordBundleReload("applied")
	logger.Info("Bundles loaded",
		zap.String("dir", opts.bundleDir),
		zap.Int("policies", len(res.PolicyIDs)),
		zap.Int("rules", len(res.RuleIDs)),
	)

	if !opts.watch {
		return nil, nil
	}

	watcher, err := policy.NewFileWatcher(opts.bundleDir, loader, syncer, logger)
	if err != nil {
		return nil, err
	}
	if err := watcher.Watch(ctx); err != nil {
		return nil, err
	}
	go func() {
		for ev := range watcher.EventChan() {
			if ev.Error != nil {
				m.RecordBundleReload("failed")
				continue
			}
			m.RecordBundleReload("applied")
		}
	}()
	return watcher, nil
}

// initLogger initializes the zap logger
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}
