// Command paychat-core serves the chat websocket and REST API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"paychat_core/internal/api"
	"paychat_core/internal/auth"
	"paychat_core/internal/broker"
	"paychat_core/internal/clock"
	"paychat_core/internal/command"
	"paychat_core/internal/config"
	"paychat_core/internal/keylock"
	"paychat_core/internal/ledger"
	"paychat_core/internal/logging"
	"paychat_core/internal/outbox"
	"paychat_core/internal/pipeline"
	"paychat_core/internal/presence"
	"paychat_core/internal/pubsub"
	"paychat_core/internal/push"
	"paychat_core/internal/repository"
	"paychat_core/internal/rooms"
	"paychat_core/internal/scheduler"
	"paychat_core/internal/supervisor"
	"paychat_core/internal/supervisor/services"
	"paychat_core/internal/ws"
)

const codeTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, presenceRepo := openStore(ctx, cfg)
	defer store.Close()

	startingBalance, err := decimal.NewFromString(cfg.Chat.StartingBalance)
	if err != nil {
		logging.Fatal().Err(err).Str("value", cfg.Chat.StartingBalance).Msg("invalid starting balance")
	}

	var mq *broker.RabbitMQClient
	if cfg.Broker.Enabled {
		mq, err = broker.NewRabbitMQClient(broker.Config{
			AMQPURL:   cfg.Broker.AMQPURL,
			StreamURI: cfg.Broker.StreamURI,
			PushTTL:   cfg.Broker.PushQueueTTL,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer mq.Close()
	}

	var journal repository.ArtifactJournal = repository.NopJournal{}
	if mq != nil && mq.StreamEnv != nil {
		sj, err := repository.NewStreamJournal(mq, cfg.Broker.StreamName)
		if err != nil {
			logging.Warn().Err(err).Msg("artifact journal disabled")
		} else {
			defer sj.Close()
			journal = sj
		}
	}

	clk := clock.Real()
	locks := keylock.New()
	bus := pubsub.NewBus()
	registry := presence.NewRegistry(presenceRepo)
	directory := rooms.NewDirectory(store, store)
	if err := directory.EnsureDefaultRoom(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to create default room")
	}

	sched := scheduler.New(store, bus, scheduler.Config{
		Delay: cfg.Chat.DeliveryDelay,
		Clock: clk,
		Locks: locks,
	})

	deps := pipeline.Deps{
		Messages:  store,
		Outbox:    store,
		Rooms:     directory,
		Commands:  command.NewProcessor(journal, clk),
		Scheduler: sched,
		Bus:       bus,
	}
	if mq != nil {
		deps.Presence = registry
		deps.Notifier = broker.NewPushNotifier(mq)
	}
	chat := pipeline.New(deps, pipeline.Config{
		HistoryLimit:    cfg.Chat.HistoryLimit,
		DefaultPageSize: cfg.Chat.DefaultPageSize,
		MaxPageSize:     cfg.Chat.MaxPageSize,
		Clock:           clk,
		Locks:           locks,
	})

	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create jwt manager")
	}

	hub := ws.NewHub(chat, directory, registry, bus, jwtManager, ws.Config{
		SendBuffer:     cfg.Chat.SendBuffer,
		AllowedOrigins: cfg.Security.CORSOrigins,
		Clock:          clk,
		Locks:          locks,
	})

	handler := &api.Handler{
		Users:           store,
		Rooms:           directory,
		Messages:        chat,
		Artifacts:       store,
		Payments:        ledger.New(store),
		Presence:        registry,
		Tokens:          jwtManager,
		Codes:           api.NewCodeBook(codeTTL),
		StartingBalance: startingBalance,
	}
	router := api.NewRouter(handler, hub, jwtManager, api.RouterConfig{
		CORSOrigins:     cfg.Security.CORSOrigins,
		RateLimitReqs:   cfg.Security.RateLimitReqs,
		RateLimitWindow: cfg.Security.RateLimitWindow,
	})
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddCoreService(hub)
	tree.AddCoreService(sched)
	if mq != nil {
		tree.AddMessagingService(outbox.NewRelay(store, mq, outbox.Config{
			Interval: cfg.Broker.OutboxPoll,
			Batch:    cfg.Broker.OutboxBatch,
		}))
		tree.AddMessagingService(push.NewWorker(mq, push.LogSender{}))
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("store", cfg.Database.Driver).
		Bool("broker", cfg.Broker.Enabled).
		Msg("paychat core starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor exited")
	}
	logging.Info().Msg("paychat core stopped")
}

// openStore returns the configured store and the matching presence
// repository.
func openStore(ctx context.Context, cfg *config.Config) (repository.Store, presence.Repository) {
	if cfg.Database.Driver != "postgres" {
		return repository.NewMemoryStore(), presence.NewMemoryRepository()
	}

	db, err := repository.OpenPostgres(ctx, cfg.Database.DSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	pg := repository.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to apply schema")
	}
	return pg, presence.NewPostgresRepository(db)
}
