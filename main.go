package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/mediocregopher/radix/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-saga/cache"
	"order-saga/catalog"
	"order-saga/config"
	"order-saga/consumers"
	"order-saga/controllers"
	"order-saga/database"
	"order-saga/events"
	"order-saga/gateway"
	"order-saga/kafka"
	"order-saga/middlewares"
	"order-saga/models"
	"order-saga/rabbitmq"
	"order-saga/repository"
	"order-saga/services"
)

const (
	snapshotTTLSeconds = 7 * 24 * 3600
	deadLetterCapacity = 200
	shutdownTimeout    = 15 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Service configuration",
		zap.String("port", cfg.Port),
		zap.Strings("roles", cfg.Roles),
		zap.String("store", cfg.StoreDriver),
		zap.String("bus", cfg.BusDriver),
		zap.String("snapshots", cfg.SnapshotDriver))

	orderStore, paymentStore, db, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal("Database initialization failed", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
	}

	bus, err := openBus(cfg, logger)
	if err != nil {
		logger.Fatal("Event bus initialization failed", zap.Error(err))
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("Failed to close event bus", zap.Error(err))
		}
	}()

	snapshots, closeSnapshots, err := openSnapshots(cfg)
	if err != nil {
		logger.Fatal("Snapshot cache initialization failed", zap.Error(err))
	}
	defer closeSnapshots()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.PrometheusMiddleware())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "roles": cfg.Roles})
	})
	api := r.Group("/api", middlewares.AuthMiddleware(cfg.JWTSecret))

	var sweeper *services.RetrySweeper

	if cfg.HasRole(config.RoleOrders) {
		orders := services.NewOrderService(orderStore,
			catalog.NewHTTPClient(cfg.CatalogURL, cfg.GatewayTimeout), bus, logger,
			services.WithPaymentTimeout(cfg.PaymentTimeout))

		if err := consumers.NewPaymentEventConsumer(orders, logger).Start(ctx, bus); err != nil {
			logger.Fatal("Failed to start payment event consumer", zap.Error(err))
		}
		if err := consumers.NewPaymentCheckConsumer(orders, logger).Start(ctx, bus); err != nil {
			logger.Fatal("Failed to start payment check consumer", zap.Error(err))
		}
		controllers.NewOrderController(orders, logger).Register(api.Group("/orders"))
	}

	if cfg.HasRole(config.RolePayments) {
		gateways := newGateways(cfg)
		opts := []services.Option{
			services.WithFraudScorer(services.NewFraudScorer(decimal.NewFromFloat(cfg.FraudThreshold))),
			services.WithSnapshots(snapshots),
			services.WithRetryBatchSize(cfg.RetryBatchSize),
			services.WithProcessingTimeout(cfg.ProcessingTimeout),
		}
		payments := services.NewPaymentService(paymentStore, gateways, bus, logger, opts...)
		refunds := services.NewRefundService(paymentStore, gateways, bus, logger, opts...)

		if err := consumers.NewOrderEventConsumer(payments, refunds, snapshots, logger).Start(ctx, bus); err != nil {
			logger.Fatal("Failed to start order event consumer", zap.Error(err))
		}
		controllers.NewPaymentController(payments, refunds, logger).Register(api.Group("/payments"), api.Group("/refunds"))

		sweeper = services.NewRetrySweeper(payments, cfg.RetryInterval, logger)
		sweeper.Start(ctx)
	}

	deadLetters := consumers.NewDeadLetterConsumer(deadLetterCapacity, logger)
	if source, ok := bus.(events.DeadLetterSource); ok {
		if err := deadLetters.Start(ctx, source); err != nil {
			logger.Warn("Dead letter consumer not started", zap.Error(err))
		}
	}
	r.GET("/dead-letter", controllers.NewDeadLetterController(deadLetters).HandleDeadLetter)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	go func() {
		logger.Info("Order saga starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStores(ctx context.Context, cfg *config.Config) (repository.OrderStore, repository.PaymentStore, *sql.DB, error) {
	if cfg.StoreDriver == "memory" {
		return repository.NewMemoryOrderStore(), repository.NewMemoryPaymentStore(), nil, nil
	}
	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return repository.NewMySQLOrderStore(db), repository.NewMySQLPaymentStore(db), db, nil
}

func openBus(cfg *config.Config, logger *zap.Logger) (events.Bus, error) {
	switch cfg.BusDriver {
	case "memory":
		return events.NewMemoryBus(cfg.ConsumerWorkers, cfg.MaxDeliveries, logger), nil
	case "kafka":
		return kafka.NewBus(cfg.Brokers(), cfg.ConsumerWorkers, cfg.MaxDeliveries, logger), nil
	default:
		rmq, err := rabbitmq.NewRabbitMQ(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := rmq.SetupQueues(); err != nil {
			_ = rmq.Close()
			return nil, err
		}
		return rmq, nil
	}
}

func openSnapshots(cfg *config.Config) (cache.SnapshotStore, func(), error) {
	if cfg.SnapshotDriver != "redis" {
		return cache.NewMemorySnapshots(), func() {}, nil
	}
	pool, err := radix.NewPool("tcp", cfg.RedisAddr, 10)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisSnapshots(pool, snapshotTTLSeconds), func() { _ = pool.Close() }, nil
}

// newGateways registers an HTTP gateway per configured payment method, or
// simulated gateways for every method when none is configured.
func newGateways(cfg *config.Config) *gateway.Registry {
	if len(cfg.GatewayURLs) == 0 {
		return gateway.SimulatedRegistry()
	}
	registry := gateway.NewRegistry()
	for method, url := range cfg.GatewayURLs {
		registry.Register(models.PaymentMethod(strings.ToUpper(method)), gateway.NewHTTPGateway(url, cfg.GatewayTimeout))
	}
	return registry
}
