package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/allenhouchins/santa-2.0/internal/api"
	"github.com/allenhouchins/santa-2.0/internal/auth"
	"github.com/allenhouchins/santa-2.0/internal/config"
	"github.com/allenhouchins/santa-2.0/internal/decisionlog"
	"github.com/allenhouchins/santa-2.0/internal/rules"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/server"
	"github.com/allenhouchins/santa-2.0/internal/storage"
	"github.com/allenhouchins/santa-2.0/internal/tables"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	flags := pflag.NewFlagSet("santa-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	logLevel := flags.String("log-level", "", "override log_level (debug, info, warn, error)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "santa-server: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "santa-server: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// Logger
	logger := mustBuildLogger(cfg)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting santa server",
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("grpc_port", cfg.GRPC.Port),
		zap.String("decision_log", cfg.Decisions.LogPath),
		zap.String("rules_db", cfg.Rules.DatabasePath),
		zap.String("santactl", cfg.Santactl.Path),
	)
	if !santactl.Exists(cfg.Santactl.Path) {
		logger.Warn("santactl not found, rule mutations will fail", zap.String("path", cfg.Santactl.Path))
	}

	// Audit storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	var reader *storage.AuditReader
	if dsn := cfg.Audit.ClickHouseDSN; dsn != "" {
		chWriter, err := storage.NewClickHouseWriter(dsn, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}

		reader, err = storage.NewAuditReader(dsn, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no audit.clickhouse_dsn set, using log writer")
	}
	defer writer.Close()

	// Authentication: Postgres key store, static bcrypt hash or open
	authenticator := mustBuildAuthenticator(cfg, logger)

	// Decisions and rules
	engine := decisionlog.NewEngine(cfg.Decisions.LogPath, logger)
	collector := rules.NewSnapshotCollector(cfg.Rules.DatabasePath, cfg.Rules.ScratchDir, logger)
	identity := rules.NewIdentityMap(collector, logger)
	coordinator := rules.NewCoordinator(identity, santactl.NewExecRunner(cfg.Santactl.Timeout),
		cfg.Santactl.Path, writer, logger)

	registry := tables.NewRegistry(
		tables.NewRulesTable(identity, coordinator, logger),
		tables.NewAllowedTable(engine, logger),
		tables.NewDeniedTable(engine, logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := identity.Refresh(ctx); err != nil {
		logger.Warn("initial rule refresh failed", zap.Error(err))
	}
	if cfg.Rules.Watch {
		w := rules.NewWatcher(identity, cfg.Rules.DatabasePath, cfg.Rules.WatchDebounce, logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("rule watcher stopped", zap.Error(err))
			}
		}()
	}

	// HTTP API server
	deps := &api.Dependencies{
		Tables: registry,
		Auth:   authenticator,
		Logger: logger,
	}
	if reader != nil {
		deps.Audit = reader
	}
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC server
	grpcServer := server.NewGRPCServer(server.NewTableServer(registry, logger), authenticator)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPC.Port))
	if err != nil {
		logger.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("santa server stopped")
}

func mustBuildAuthenticator(cfg *config.Config, logger *zap.Logger) auth.Authenticator {
	switch {
	case cfg.Auth.PostgresDSN != "":
		db, err := sql.Open("pgx", cfg.Auth.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres key store connected")
		return auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
	case cfg.Auth.APIKeyHash != "":
		logger.Info("using static api key")
		return auth.NewStaticAuthenticator(cfg.Auth.APIKeyHash)
	default:
		logger.Warn("no api key configured, rule mutations are unauthenticated")
		return auth.NewOpenAuthenticator()
	}
}

func mustBuildLogger(cfg *config.Config) *zap.Logger {
	var zapLevel zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	if cfg.LogFile == "" {
		return logger
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotator),
		zcfg.Level,
	)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
}
