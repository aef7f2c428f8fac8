// Command sagad wires the Store, Dispatcher, Outbox Relay, Saga Engine,
// and Step Executor into a single running process. It starts no
// ingress.Consumer, since no MessageSource is wired here; it uses the
// ingress package only to decode SagaStarted outbox rows.
// Grounded on the teacher's example/main.go: DSN constant, EnsureTables
// at startup, BaseWorker-driven background processors, signal-based
// graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/riftsaga/sagaflow/dispatcher"
	"github.com/riftsaga/sagaflow/ingress"
	"github.com/riftsaga/sagaflow/orderprocessing"
	"github.com/riftsaga/sagaflow/outboxrelay"
	"github.com/riftsaga/sagaflow/runtime"
	"github.com/riftsaga/sagaflow/saga"
	"github.com/riftsaga/sagaflow/stepexec"
	"github.com/riftsaga/sagaflow/store/sqlstore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	dsn := os.Getenv("SAGAFLOW_DSN")
	if dsn == "" {
		dsn = "root:password@tcp(localhost:3306)/sagaflow?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	sqlStore := sqlstore.NewSQLStore(db, logger)
	if err := sqlStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}

	bus := dispatcher.New(dispatcher.WithLogger(logger))

	def := orderprocessing.NewDefinition()
	engine := saga.NewEngine(sqlStore, bus, []saga.Definition{def}, saga.WithLogger(logger))
	_ = engine

	endpoints := orderprocessing.Endpoints{
		OrderCreatedURL:   envOrDefault("SAGAFLOW_ORDER_CREATED_URL", "http://localhost:9001/order-created"),
		OrderProcessedURL: envOrDefault("SAGAFLOW_ORDER_PROCESSED_URL", "http://localhost:9002/order-processed"),
		OrderShippedURL:   envOrDefault("SAGAFLOW_ORDER_SHIPPED_URL", "http://localhost:9003/order-shipped"),
	}
	executor := stepexec.New(bus, []saga.Definition{def}, endpoints.Resolve, stepexec.WithLogger(logger))
	_ = executor

	decode := outboxrelay.JSONEventDecoder(eventFactories(def))
	relay := outboxrelay.New(sqlStore, bus, decode, logger)

	workers := []runtime.Worker{
		runtime.NewTickerWorker("outbox_relay", relay.PollInterval(), logger, relay.ProcessBatch),
		runtime.NewTickerWorker("stuck_event_recovery", 30*time.Second, logger, relay.RecoverStuck),
		runtime.NewTickerWorker("outbox_cleanup", 1*time.Hour, logger, relay.Cleanup),
	}
	supervisor := runtime.NewSupervisor(logger, workers...)

	go bus.Start(ctx)
	go supervisor.Start(ctx)

	logger.Info("sagad started", zap.String("workflow", def.Name))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	supervisor.Stop()
	bus.Stop()
	logger.Info("sagad stopped gracefully")
}

// eventFactories builds the outbox-row decoder registry for every event
// type the order-processing saga enqueues: the initiating SagaStarted
// event and each step's Call<k> command.
func eventFactories(def saga.Definition) map[string]func() dispatcher.Event {
	factories := map[string]func() dispatcher.Event{
		def.InitialEventType: func() dispatcher.Event { return &ingress.SagaStartedEvent{} },
	}
	for _, step := range def.Steps {
		stepKey := step.Key
		callEvent := step.CallEvent
		factories[callEvent] = func() dispatcher.Event {
			return saga.NewCommand(callEvent, "", stepKey, nil, 0)
		}
	}
	return factories
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
