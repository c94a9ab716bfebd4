// Package main provides the Casefile verification orchestration service.
//
// This is the main API service that accepts verification requests, submits
// them to the CCRV provider, and reconciles results arriving over polling and
// provider callbacks.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/casefile-io/casefile/internal/api"
	"github.com/casefile-io/casefile/internal/api/middleware"
	"github.com/casefile-io/casefile/internal/config"
	"github.com/casefile-io/casefile/internal/gateway"
	"github.com/casefile-io/casefile/internal/notify"
	"github.com/casefile-io/casefile/internal/orchestration"
	"github.com/casefile-io/casefile/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "casefile"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Casefile service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("caller_rps", middlewareConfig.CallerRPS),
		slog.Int("caller_burst", middlewareConfig.CallerBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var apiKeyStore storage.KeyStore

	authEnabled := config.GetEnvBool("CASEFILE_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Caller authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Caller authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set CASEFILE_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	transactionStore, err := storage.NewTransactionStore(dbConn, storage.WithTransactionStoreLogger(logger))
	if err != nil {
		logger.Error("Failed to connect to transaction store", slog.String("error", err.Error()))
		// Close database connection before exit (defer won't run with os.Exit)
		_ = dbConn.Close()
		// Fail-fast: the transaction store is required.
		os.Exit(1)
	}

	logger.Info("Transaction store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	quotaLedger, err := storage.NewQuotaLedger(dbConn, storage.WithQuotaLedgerLogger(logger))
	if err != nil {
		logger.Error("Failed to connect to quota ledger", slog.String("error", err.Error()))
		_ = dbConn.Close()
		os.Exit(1)
	}

	// Provider code map, with optional overrides from .casefile.yaml
	codes, err := gateway.LoadCodeMap(gateway.ConfigPath())
	if err != nil {
		logger.Error("Failed to load provider code map", slog.String("error", err.Error()))
		_ = dbConn.Close()
		os.Exit(1)
	}

	// CCRV provider client
	providerConfig := gateway.LoadConfig()
	if err := providerConfig.Validate(); err != nil {
		logger.Error("Invalid provider configuration", slog.String("error", err.Error()))
		_ = dbConn.Close()
		os.Exit(1)
	}

	provider, err := gateway.NewClient(providerConfig, codes, gateway.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create provider client", slog.String("error", err.Error()))
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Provider gateway initialized",
		slog.String("base_url", providerConfig.BaseURL),
		slog.String("api_key", providerConfig.MaskAPIKey()),
		slog.Duration("request_timeout", providerConfig.RequestTimeout),
	)

	// Notification sink: Kafka when brokers are configured, in-memory otherwise
	var sink notify.Sink

	notifyConfig := notify.LoadConfig()
	if config.GetEnvBool("CASEFILE_NOTIFICATIONS_ENABLED", false) {
		kafkaSink, err := notify.NewKafkaSink(notifyConfig, notify.WithKafkaLogger(logger))
		if err != nil {
			logger.Error("Failed to create Kafka notification sink", slog.String("error", err.Error()))
			_ = dbConn.Close()
			os.Exit(1)
		}

		defer func() {
			_ = kafkaSink.Close()
		}()

		sink = kafkaSink

		logger.Info("Kafka notification sink initialized",
			slog.String("topic", notifyConfig.Topic),
			slog.Int("batch_size", notifyConfig.BatchSize),
		)
	} else {
		sink = notify.NewMemorySink()

		logger.Warn("Notifications disabled, finalized events stay in memory",
			slog.String("note", "Set CASEFILE_NOTIFICATIONS_ENABLED=true to publish to Kafka"),
		)
	}

	orchestrationConfig := orchestration.LoadConfig()
	if err := orchestrationConfig.Validate(); err != nil {
		logger.Error("Invalid orchestration configuration", slog.String("error", err.Error()))
		_ = dbConn.Close()
		os.Exit(1)
	}

	orchestrator := orchestration.NewOrchestrator(
		transactionStore,
		provider,
		quotaLedger,
		sink,
		orchestrationConfig,
		orchestration.WithLogger(logger),
	)
	defer orchestrator.Close()

	logger.Info("Orchestrator initialized",
		slog.Duration("park_retry_interval", orchestrationConfig.ParkRetryInterval),
		slog.Int("park_max_attempts", orchestrationConfig.ParkMaxAttempts),
		slog.Int("park_capacity", orchestrationConfig.ParkCapacity),
	)

	server := api.NewServer(serverConfig, apiKeyStore, rateLimiter, orchestrator, transactionStore, codes)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Casefile service stopped")
}
