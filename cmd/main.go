/**
 * @description
 * This is the main entry point for the proof-service. It is responsible for
 * initializing all components of the service, including configuration, the
 * repository, the token ledger client, the message broker, the outbox scheduler,
 * the rate limiter, the core application service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limit counters.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the token ledger API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/proof-service/internal/api"
	"github.com/transfa/proof-service/internal/app"
	"github.com/transfa/proof-service/internal/config"
	"github.com/transfa/proof-service/internal/domain"
	"github.com/transfa/proof-service/internal/ledger"
	"github.com/transfa/proof-service/internal/store"
	"github.com/transfa/proof-service/pkg/ledgerclient"
	rmrabbit "github.com/transfa/proof-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSigningSecret == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt signing secret must be configured\" env=JWT_SIGNING_SECRET")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	log.Printf("level=info component=bootstrap msg=\"starting proof-service\" port=%s", cfg.ServerPort)

	var repository store.Repository
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory repository\" env=DATABASE_URL")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	}

	var tokens ledger.Ledger
	if cfg.LedgerAPIBaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"ledger api not configured; using in-memory ledger\" env=LEDGER_API_BASE_URL")
		tokens = ledger.NewMemory()
	} else {
		tokens = ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	}

	proofService, err := app.NewService(repository, tokens, app.ServiceConfig{
		AttesterAddress: domain.Address(cfg.AttesterAddress),
		PlatformAddress: domain.Address(cfg.PlatformAddress),
		EventsExchange:  cfg.EventsExchange,
	})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"service init failed\" err=%v", err)
	}

	proofHandlers := api.NewProofHandlers(proofService)
	if cfg.AttemptRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; attempt rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; attempt rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; attempt rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
					proofHandlers.SetAttemptRateLimiter(
						app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
						cfg.AttemptRateLimitPerMinute,
					)
				}
			}
		}
	}

	// Events are written to the outbox inside each state change and relayed by the scheduler.
	newPublisher := func() (rmrabbit.Publisher, error) {
		if cfg.RabbitMQURL == "" {
			return &rmrabbit.EventProducerFallback{}, nil
		}
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
	dispatcher := app.NewOutboxDispatcher(repository, newPublisher, cfg.OutboxBatchSize, logger)
	defer dispatcher.Close()

	scheduler := app.NewScheduler(dispatcher, cfg.OutboxFlushSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"outbox scheduler start failed\" err=%v", err)
	}

	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; attempt status consumer disabled\" env=RABBITMQ_URL")
	} else {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		statusConsumer := app.NewAttemptStatusConsumer(proofService)
		bindings := map[string]rmrabbit.Handler{
			domain.RoutingKeyAttemptStatusReported: statusConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.AttemptStatusQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"attempt status consumer start failed\" err=%v", err)
		}
	}

	router := chi.NewRouter()
	router.Mount("/", api.ProofRoutes(proofHandlers, api.AuthConfig{
		SigningSecret: cfg.JWTSigningSecret,
		Issuer:        cfg.JWTIssuer,
	}))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}
	dispatcher.Flush()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
