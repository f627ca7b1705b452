package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/cryptoengine"
	"github.com/freshchain/freshchain/internal/health"
	"github.com/freshchain/freshchain/internal/ledger"
	"github.com/freshchain/freshchain/internal/retryqueue"
	"github.com/freshchain/freshchain/internal/server/handler"
	"github.com/freshchain/freshchain/internal/txarchive"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.auth_secret", "")
	viper.SetDefault("ledger.mode", "local")
	viper.SetDefault("ledger.remote_url", "")
	viper.SetDefault("ledger.remote_token", "")
	viper.SetDefault("ledger.remote_timeout", "10s")
	viper.SetDefault("ledger.probe_interval", "1m")
	viper.SetDefault("ledger.ttl", "24h")
	viper.SetDefault("ledger.batch_size", 1)
	viper.SetDefault("ledger.max_retries", 3)
	viper.SetDefault("ledger.retry_interval", "30s")
	viper.SetDefault("ledger.retry_batch", 10)
	viper.SetDefault("ledger.rotation_period", "168h")
	viper.SetDefault("ledger.rotation_check", "1h")
	viper.SetDefault("ledger.cleanup_interval", "5m")
	viper.SetDefault("ledger.key_generations", cryptoengine.DefaultKeyGenerations)
	viper.SetDefault("ledger.encryption_secret", "")
	viper.SetDefault("database.url", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Crypto engine ─────────────────────────────────────────────────────────
	engine, err := cryptoengine.New(viper.GetInt("ledger.key_generations"))
	if err != nil {
		return fmt.Errorf("initialize crypto engine: %w", err)
	}
	logger.Info("crypto engine ready",
		zap.String("active_fingerprint", engine.ActiveKey().Fingerprint),
	)

	// ── Dead-letter sink and audit archive ──────────────────────────────────
	var sink retryqueue.DeadLetterSink
	var archive txarchive.Archive
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		if err := pool.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		pgSink := retryqueue.NewPostgresSink(pool, logger)
		if err := pgSink.EnsureSchema(context.Background()); err != nil {
			return err
		}
		sink = pgSink

		pgArchive := txarchive.NewPostgresArchive(pool, logger)
		if err := pgArchive.EnsureSchema(context.Background()); err != nil {
			return err
		}
		archive = pgArchive
		logger.Info("dead-letter sink and archive: postgres")
	} else {
		sink = retryqueue.NewMemorySink()
		archive = txarchive.New()
		logger.Info("dead-letter sink and archive: in-memory (set database.url for durability)")
	}

	// ── Ledger service ───────────────────────────────────────────────────────
	mode := ledger.Mode(viper.GetString("ledger.mode"))
	var chain ledger.ChainClient
	if mode == ledger.ModeRemote {
		remoteURL := viper.GetString("ledger.remote_url")
		if remoteURL == "" {
			return fmt.Errorf("ledger.mode=remote requires ledger.remote_url")
		}
		chain = ledger.NewHTTPChainClient(remoteURL, viper.GetString("ledger.remote_token"))
		logger.Info("remote chain configured", zap.String("url", remoteURL))

		prober := health.New(remoteURL+"/healthz", health.Config{
			CheckInterval: viper.GetDuration("ledger.probe_interval"),
		}, logger)
		prober.SetMetricsRecord(handler.RecordChainProbe)
		probeStop := make(chan struct{})
		defer close(probeStop)
		go prober.Start(probeStop)
	}

	cfg := ledger.Config{
		Mode:             mode,
		TTL:              viper.GetDuration("ledger.ttl"),
		BatchSize:        viper.GetInt("ledger.batch_size"),
		RetryInterval:    viper.GetDuration("ledger.retry_interval"),
		RetryBatch:       viper.GetInt("ledger.retry_batch"),
		RotationPeriod:   viper.GetDuration("ledger.rotation_period"),
		RotationCheck:    viper.GetDuration("ledger.rotation_check"),
		CleanupInterval:  viper.GetDuration("ledger.cleanup_interval"),
		RemoteTimeout:    viper.GetDuration("ledger.remote_timeout"),
		EncryptionSecret: viper.GetString("ledger.encryption_secret"),
	}

	svc, err := ledger.New(cfg, engine, chain, sink, viper.GetInt("ledger.max_retries"), logger)
	if err != nil {
		return fmt.Errorf("initialize ledger service: %w", err)
	}
	svc.SetRecordOutcome(handler.RecordTransactionOutcome)
	svc.SetRotationRecord(handler.RecordKeyRotation)
	svc.SetArchive(archive)

	svc.Start()
	defer svc.Stop()

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.NewRateLimiter(rps, rps*2).Middleware())
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	auth := handler.BearerAuth(viper.GetString("server.auth_secret"))
	txHandler := handler.NewTransactionHandler(svc, logger)
	queryHandler := handler.NewQueryHandler(svc, logger)

	v1 := router.Group("/api/v1")
	txHandler.Register(v1, auth)
	queryHandler.Register(v1)

	// ── Serve ────────────────────────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down ledgerd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
