package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/config"
	"github.com/cloudfabric/provision-core/internal/logger"
	"github.com/cloudfabric/provision-core/internal/projection"
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

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: "provision-core-projector",
	})
	defer reader.Close()

	engine := projection.NewEngine(gdb, cfg.Projection.MaxRetries, log,
		projection.NewResourceUsageProjection(),
		projection.NewCatalogProjection(),
	)
	source := projection.NewKafkaSource(reader, engine, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("projector started")
	if err := source.Run(ctx); err != nil {
		log.Fatalf("projector: %v", err)
	}
	log.Info("projector stopped")
}
