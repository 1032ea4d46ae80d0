package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cloudfabric/provision-core/internal/config"
	"github.com/cloudfabric/provision-core/internal/eventstore"
	"github.com/cloudfabric/provision-core/internal/logger"
	"github.com/cloudfabric/provision-core/internal/model"
	"github.com/cloudfabric/provision-core/internal/outbox"
	"github.com/cloudfabric/provision-core/internal/projection"
	"github.com/cloudfabric/provision-core/internal/quota"
	"github.com/cloudfabric/provision-core/internal/service"
	"github.com/cloudfabric/provision-core/internal/snapshot"
	httptransport "github.com/cloudfabric/provision-core/internal/transport/http"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Event{}, &model.OutboxEntry{}, &model.Snapshot{},
		&model.QuotaRow{}, &model.ProjectionCursor{}, &model.ProcessedEvent{},
		&model.ParkedEvent{}, &model.BlockedAggregate{},
		&model.ResourceUsage{}, &model.CatalogEntry{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis (shared with the publisher's leader lease)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. core components
	store := eventstore.NewStore(gdb, cfg.Outbox.MaxRetries, log)
	snaps := snapshot.NewStore(gdb, log)
	guard := quota.NewGuard(gdb, cfg.Quota.MaxRetries, log)
	svc := service.NewProjectService(store, snaps, guard, cfg.Snapshot.Every, log)
	publisher := outbox.NewPublisher(gdb, nil, outbox.AlwaysLeader(), outbox.PublisherOptions{
		BatchSize:   cfg.Outbox.BatchSize,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffCap:  cfg.Outbox.BackoffCap,
		PublishRPS:  cfg.Outbox.PublishRPS,
	}, log) // admin-only here: the publisher worker does the dispatching
	engine := projection.NewEngine(gdb, cfg.Projection.MaxRetries, log,
		projection.NewResourceUsageProjection(),
		projection.NewCatalogProjection(),
	)

	// 6. quota drift reconciler
	reconciler := quota.NewReconciler(gdb, cfg.Quota.ReconcileInterval, log)
	go reconciler.Run(context.Background())

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Deps{
		Service:   svc,
		Publisher: publisher,
		Engine:    engine,
		Guard:     guard,
	}, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("provision-core server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
