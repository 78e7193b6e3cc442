package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/stock-ledger/internal/adapter/handler"
	"github.com/rl1809/stock-ledger/internal/adapter/messaging"
	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stock-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, providers.ZapCore())
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	log = log.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))
	defer log.Sync()

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	if cfg.MySQL.AutoMigrate {
		if err := storage.EnsureSchema(ctx, db); err != nil {
			return err
		}
		log.Info("ledger schema ensured")
	}
	log.Info("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: 100,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis")

	// Initialize Kafka
	publisher := messaging.NewKafkaPublisher(cfg.Kafka.Brokers)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close kafka writer", zap.Error(err))
		}
	}()
	subscriber := messaging.NewKafkaSubscriber(messaging.SubscriberConfig{
		Brokers:         cfg.Kafka.Brokers,
		GroupID:         cfg.Kafka.GroupID,
		MaxRedeliveries: cfg.Kafka.MaxRedeliveries,
		RetryBackoff:    cfg.Kafka.RetryBackoff,
	}, publisher, log)

	processor := service.NewProcessor(
		storage.NewMySQLAdapter(db),
		storage.NewRedisLocker(rdb),
		publisher,
		service.ProcessorConfig{
			Lock: port.LockOptions{
				Lease:         cfg.Processor.LockLease,
				MaxWait:       cfg.Processor.LockWait,
				RetryInterval: cfg.Processor.LockRetry,
			},
			Timeout:             cfg.Processor.Timeout,
			ArchiveFailedOrders: cfg.Processor.ArchiveFailedOrders,
		},
		log,
	)
	commands := handler.NewCommandHandler(processor, log)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}

	// Start consumer workers
	var wg sync.WaitGroup
	for _, topic := range commands.Topics() {
		for i := 0; i < cfg.Kafka.Workers; i++ {
			wg.Add(1)
			go func(topic string, id int) {
				defer wg.Done()
				wlog := log.With(zap.String("topic", topic), zap.Int("worker", id))
				if err := subscriber.Subscribe(ctx, topic, commands.Handle); err != nil {
					wlog.Error("consumer stopped", zap.Error(err))
				}
			}(topic, i)
		}
	}
	log.Info("started consumers",
		zap.Strings("topics", commands.Topics()),
		zap.Int("workers_per_topic", cfg.Kafka.Workers))

	// Initialize gRPC health server
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		log.Info("gRPC health server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")

	healthServer.Shutdown()

	// Critical sections already running finish on their own context
	wg.Wait()
	log.Info("consumers stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to flush telemetry", zap.Error(err))
	}
	return nil
}
