/**
 * @description
 * This is the main entry point for the onramp-service. It is responsible for
 * initializing all components of the service, including configuration, the
 * deposit ledger, external API clients, message brokers, the core settlement
 * service, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/venueclient, pkg/paymentclient, pkg/rabbitmq: External integrations.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumenpay/onramp-service/internal/api"
	"github.com/lumenpay/onramp-service/internal/app"
	"github.com/lumenpay/onramp-service/internal/config"
	"github.com/lumenpay/onramp-service/internal/store"
	"github.com/lumenpay/onramp-service/pkg/paymentclient"
	rmrabbit "github.com/lumenpay/onramp-service/pkg/rabbitmq"
	"github.com/lumenpay/onramp-service/pkg/venueclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.WebhookSigningSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook signing secret must be configured\" env=WEBHOOK_SIGNING_SECRET")
	}
	if strings.TrimSpace(cfg.VenueAPIBaseURL) == "" || strings.TrimSpace(cfg.VenueAccountID) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"settlement venue must be configured\" env=VENUE_API_BASE_URL,VENUE_ACCOUNT_ID")
	}

	log.Printf("level=info component=bootstrap msg=\"starting onramp-service\" port=%s", cfg.ServerPort)

	// The deposit ledger. Postgres when DATABASE_URL is set; otherwise the
	// in-memory ledger, which is fine for local development but loses state
	// on restart.
	var ledger store.Ledger
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
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
		ledger = store.NewPostgresLedger(dbpool)
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	} else {
		ledger = store.NewMemoryLedger()
		log.Println("level=warn component=bootstrap msg=\"no database configured; using in-memory ledger\"")
	}

	// Initialize the RabbitMQ producer to publish settlement events.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.FallbackProducer{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Clients for the settlement venue and the card payment provider.
	venueClient := venueclient.NewClient(cfg.VenueAPIBaseURL, cfg.VenueAPIKey, cfg.VenueAPISecret, cfg.VenueAccountID, 15*time.Second)
	paymentClient := paymentclient.NewClient(cfg.PaymentAPIBaseURL, cfg.PaymentAPIKey, 15*time.Second)

	var redisClient *redis.Client
	if cfg.CheckoutRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; checkout rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; checkout rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; checkout rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the core settlement service with its dependencies.
	oracle := app.NewBalanceOracle(venueClient, ledger, time.Duration(cfg.BalanceCacheTTLSeconds)*time.Second)
	settlementService := app.NewService(ledger, oracle, venueClient, paymentClient, producer)
	reaper := app.NewReaper(
		ledger,
		time.Duration(cfg.IntentRetentionHours)*time.Hour,
		time.Duration(cfg.StuckProcessingThresholdMin)*time.Minute,
	)

	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = app.NewRedisCheckoutRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers and router.
	handlers := api.NewOnrampHandlers(settlementService, reaper, paymentClient, limiter, api.HandlerConfig{
		WebhookSecret:     cfg.WebhookSigningSecret,
		FeeBps:            cfg.ProcessingFeeBps,
		FeeFixed:          cfg.ProcessingFeeFixed,
		CheckoutRateLimit: cfg.CheckoutRateLimitPerMinute,
	})
	router := api.OnrampRoutes(handlers, cfg.InternalAPIKey, cfg.OperatorJWKSURL)

	// Consume payment provider events from the queue. The webhook endpoint
	// covers providers that only speak HTTPS; the queue covers the internal
	// payment gateway. Both paths converge on the same Settle call.
	paymentConsumer := app.NewPaymentEventConsumer(settlementService, time.Duration(cfg.SettlementTimeoutSeconds)*time.Second)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; queue settlement path disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"payment.checkout.completed": paymentConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.PaymentEventExchange, cfg.PaymentEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"payment event consumer started\"")
	}

	// Background ledger maintenance.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go reaper.Run(reaperCtx)

	// Start the HTTP server.
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

	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
