package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitlement-engine/config"
	"entitlement-engine/internal/api"
	"entitlement-engine/internal/broker"
	"entitlement-engine/internal/bus"
	"entitlement-engine/internal/fallback"
	"entitlement-engine/internal/redisclient"
	"entitlement-engine/internal/service"
	"entitlement-engine/internal/store"
	"entitlement-engine/internal/util"
	"entitlement-engine/internal/wallet"
	"entitlement-engine/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting entitlement engine")

	tp, err := util.InitTracer("entitlement-engine", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	scratch, err := fallback.New(cfg.Fallback.DSN)
	if err != nil {
		log.Fatalf("Failed to open fallback store: %v", err)
	}
	defer scratch.Close()

	var cache *redisclient.Client
	if cfg.Redis.Enabled {
		cache, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("Redis unavailable, catalog reads are uncached: %v", err)
			cache = nil
		} else {
			defer cache.Close()
			log.Println("Redis connected")
		}
	}

	changeBus := bus.New()

	simNet := wallet.NewSimNet(cfg.Wallet.SimLatency, cfg.Wallet.SimSuccessRate, logger)

	catalog := service.NewCatalogService(db, db, scratch, cache, changeBus)
	ledger := service.NewEntitlementLedger(db, scratch, changeBus)
	settlement := service.NewSettlementOrchestrator(
		catalog, db, db, scratch, simNet, changeBus, cfg.Engine.ConfirmTimeout)
	gate := service.NewDeliveryGate(catalog, ledger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconciler := worker.NewReconciler(settlement, catalog, ledger, cfg.Engine.ReconcileInterval)
	go reconciler.Run(workerCtx)

	if cache != nil {
		cacheSync := worker.NewCacheSync(cache)
		go cacheSync.Run(workerCtx, changeBus)
	}

	if cfg.Kafka.Enabled {
		switch cfg.Kafka.Mode {
		case "relay":
			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
			defer producer.Close()

			relay := broker.NewRelay(producer, logger)
			go relay.Run(workerCtx, changeBus)
			log.Println("Kafka change-event relay started")
		case "source":
			consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, cfg.Kafka.ConsumerGroup)
			defer consumer.Close()

			source := broker.NewSource(consumer, logger)
			go func() { _ = source.Run(workerCtx, changeBus) }()
			log.Println("Kafka change-event source started")
		default:
			log.Fatalf("Unknown kafka mode %q", cfg.Kafka.Mode)
		}
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(catalog, settlement, ledger, gate, changeBus, cfg.Engine.FiatRate)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	log.Println("Server exited")
}
