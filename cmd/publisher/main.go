package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/config"
	"github.com/cloudfabric/provision-core/internal/logger"
	"github.com/cloudfabric/provision-core/internal/outbox"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{}, // key = aggregate id, keeps streams on one partition
	}
	defer kw.Close()

	holderID := uuid.NewString()
	elector := outbox.NewElector(rdb, cfg.Outbox.LeaderKey, holderID, cfg.Outbox.LeaderTTL, log)
	publisher := outbox.NewPublisher(gdb, outbox.NewKafkaBus(kw), elector, outbox.PublisherOptions{
		BatchSize:   cfg.Outbox.BatchSize,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffCap:  cfg.Outbox.BackoffCap,
		PublishRPS:  cfg.Outbox.PublishRPS,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("outbox publisher started", "holder", holderID)
	publisher.Run(ctx, cfg.Outbox.PollInterval)

	if err := elector.Release(context.Background()); err != nil {
		log.Warnf("release leader lease: %v", err)
	}
	log.Info("outbox publisher stopped")
}
