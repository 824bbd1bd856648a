package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atelier-system/services/reservation-service/internal/checkout"
	"atelier-system/services/reservation-service/internal/config"
	"atelier-system/services/reservation-service/internal/handlers"
	"atelier-system/services/reservation-service/internal/lifecycle"
	"atelier-system/services/reservation-service/internal/middleware"
	"atelier-system/services/reservation-service/internal/payment"
	"atelier-system/services/reservation-service/internal/repository"
	"atelier-system/services/reservation-service/internal/shipping"
	"atelier-system/services/reservation-service/internal/sweeper"
	"atelier-system/shared/kafka"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.FromEnv()

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	// Reservation store
	store, err := repository.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	if err := store.RunMigrations(cfg.MigrationsPath); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// Initialize Kafka producer
	kafkaProd := kafka.NewProducer(cfg.KafkaBrokers)

	// Lifecycle manager owns all reservation transitions
	manager := lifecycle.NewManager(store, store, kafkaProd, lifecycle.Config{
		TTL: cfg.ReservationTTL,
	})

	// Outbound collaborators
	shippingClient := shipping.NewClient(cfg.ShippingBaseURL, cfg.ShippingToken, cfg.OriginPostalCode)
	paymentClient := payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentToken, payment.URLs{
		Success:      cfg.CheckoutSuccessURL,
		Failure:      cfg.CheckoutFailureURL,
		Notification: cfg.NotificationURL,
	})

	// Shopper session coordination, with the advisory Redis cache
	sessionCache := checkout.NewRedisCache(rdb, cfg.ReservationTTL)
	session := checkout.NewSession(manager, store, shippingClient, paymentClient, sessionCache)

	checkoutHandler := &handlers.CheckoutHandler{
		Session:   session,
		Lifecycle: manager,
	}
	webhookHandler := &handlers.WebhookHandler{
		Processor: payment.NewOutcomeProcessor(paymentClient, manager),
		Secret:    cfg.WebhookSecret,
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: setupRoutes(checkoutHandler, webhookHandler, rdb, cfg),
	}

	// Background sweeper releases abandoned reservations
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.New(manager, cfg.SweepInterval).Run(sweepCtx)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting reservation service on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down server...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer kafkaProd.Close()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server exited properly")
}

func setupRoutes(ch *handlers.CheckoutHandler, wh *handlers.WebhookHandler, rdb *redis.Client, cfg config.Config) http.Handler {
	limited := middleware.RateLimit(rdb, cfg.RateLimit, cfg.RateWindow)

	mux := http.NewServeMux()
	mux.Handle("POST /checkout", limited(http.HandlerFunc(ch.HandleBegin)))
	mux.Handle("GET /reservations/{id}", limited(http.HandlerFunc(ch.HandleStatus)))
	mux.Handle("POST /reservations/{id}/cancel", limited(http.HandlerFunc(ch.HandleCancel)))
	mux.Handle("POST /reservations/{id}/payment", limited(http.HandlerFunc(ch.HandleSubmitPayment)))
	mux.Handle("GET /items/{id}/availability", limited(http.HandlerFunc(ch.HandleAvailability)))
	mux.Handle("GET /items/{id}/shipping", limited(http.HandlerFunc(ch.HandleShippingQuote)))

	// Provider notifications authenticate with the webhook secret instead
	mux.HandleFunc("POST /webhooks/payment", wh.Handle)

	// Add health check endpoint for Kubernetes
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
