package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kunal-511/archestra/internal/aggregator"
	"github.com/kunal-511/archestra/internal/api"
	"github.com/kunal-511/archestra/internal/approval"
	"github.com/kunal-511/archestra/internal/auth"
	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/channel"
	"github.com/kunal-511/archestra/internal/runtime"
	"github.com/kunal-511/archestra/internal/sandbox"
	"github.com/kunal-511/archestra/internal/storage"
	"github.com/kunal-511/archestra/internal/tools"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("SANDBOX_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("SANDBOX_HTTP_PORT", "8080")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	dockerHost := os.Getenv("SANDBOX_DOCKER_HOST")
	portMin := envOrDefaultInt("SANDBOX_PORT_MIN", 42000)
	portMax := envOrDefaultInt("SANDBOX_PORT_MAX", 42999)
	approvalTimeoutS := envOrDefaultInt("SANDBOX_APPROVAL_TIMEOUT_S", 120)
	cacheTTL := envOrDefaultInt("SANDBOX_CACHE_TTL_S", 60)

	logger.Info("starting sandbox server",
		zap.String("http_port", httpPort),
		zap.Int("port_min", portMin),
		zap.Int("port_max", portMax),
		zap.Int("approval_timeout_s", approvalTimeoutS),
	)

	// Postgres pool (classifications, chat selections, API keys)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	// Audit storage — ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Container runtime
	dockerRuntime, err := runtime.NewDockerRuntime(runtime.DockerRuntimeConfig{
		Host:    dockerHost,
		PortMin: portMin,
		PortMax: portMax,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to connect to container engine", zap.Error(err))
	}
	logger.Info("container engine connected")

	// Stores
	classStore := catalog.NewPostgresClassificationStore(catalog.PostgresClassificationStoreConfig{
		DB:       db,
		CacheTTL: time.Duration(cacheTTL) * time.Second,
		Logger:   logger,
	})
	selectionStore := catalog.NewPostgresChatSelectionStore(db)

	// Auth — dev mode accepts any well-formed key
	var authenticator auth.Authenticator
	if os.Getenv("SANDBOX_DEV_AUTH") == "1" {
		authenticator = auth.NewStaticAuthenticator()
		logger.Warn("SANDBOX_DEV_AUTH=1, accepting any ask_ key")
	} else {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(cacheTTL) * time.Second,
			Logger:   logger,
		})
	}

	// Realtime channel
	broker := channel.NewBroker(logger)
	gateway := channel.NewGateway(broker, authenticator, logger)

	// Sandbox manager + first-party tools
	firstParty := tools.NewFirstPartyProvider()
	manager := sandbox.NewManager(sandbox.ManagerConfig{
		Runtime:         dockerRuntime,
		Classifications: classStore,
		Dialer:          sandbox.DialMCP,
		FirstParty:      firstParty,
		Broker:          broker,
		Logger:          logger,
	})
	firstParty.Bind(manager, manager)

	// Approval engine
	engine := approval.NewEngine(approval.EngineConfig{
		Broker:          broker,
		Classifications: classStore,
		Writer:          writer,
		Timeout:         time.Duration(approvalTimeoutS) * time.Second,
		Logger:          logger,
	})

	// Chat-facing facade
	facade := aggregator.NewFacade(aggregator.FacadeConfig{
		Source:     manager,
		Gate:       engine,
		Selections: selectionStore,
		Broker:     broker,
		Logger:     logger,
	})

	// Background consumers
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go engine.Run(runCtx)
	go manager.Run(runCtx)

	// HTTP API server
	deps := &api.Dependencies{
		Servers:  manager,
		Tools:    facade,
		Sessions: engine,
		Analysis: manager,
		Gateway:  gateway,
		Auth:     authenticator,
		Logger:   logger,
	}
	httpServer := &http.Server{
		Addr:        ":" + httpPort,
		Handler:     api.NewRouter(deps),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: approval-gated calls legitimately hold the
		// connection for up to the approval timeout, and /ws is long-lived.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	cancelRun()
	manager.Shutdown(shutdownCtx)

	logger.Info("sandbox server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
