package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/handlers"
	"github.com/hanko-field/storefront/internal/marketplace"
	"github.com/hanko-field/storefront/internal/orderfeed"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/format"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/services"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named(cfg.Telemetry.ServiceName)
	ctx = observability.WithLogger(ctx, logger)
	events := observability.EventLogger(logger)

	client, err := marketplace.NewClient(cfg.Marketplace.BaseURL,
		marketplace.WithTimeout(cfg.Marketplace.Timeout),
		marketplace.WithBreaker(cfg.Marketplace.BreakerMaxFailures, cfg.Marketplace.BreakerOpenTimeout),
		marketplace.WithLogger(logger.Named("marketplace")),
	)
	if err != nil {
		logger.Fatal("failed to initialise marketplace client", zap.Error(err))
	}

	metrics, err := services.NewMetrics(nil)
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	tracker, err := services.NewStatusTracker(services.StatusTrackerDeps{
		Orders:         client,
		Interval:       cfg.Checkout.PollInterval,
		RequestTimeout: cfg.Checkout.RequestTimeout,
		ViewLease:      cfg.Checkout.ViewLease,
		Metrics:        metrics,
		Logger:         events,
	})
	if err != nil {
		logger.Fatal("failed to initialise status tracker", zap.Error(err))
	}
	defer tracker.Close()

	feed := services.NewCartFeed()
	defer feed.Close()

	registry, err := services.NewSessionRegistry(services.SessionRegistryDeps{
		Marketplace:     client,
		Feed:            feed,
		Tracker:         tracker,
		OrderHistoryURL: cfg.Checkout.OrderHistoryURL,
		RequestTimeout:  cfg.Checkout.RequestTimeout,
		TTL:             cfg.Checkout.SessionTTL,
		Metrics:         metrics,
		Logger:          events,
	})
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}
	defer registry.Close()

	actions, err := services.NewOrderActions(services.OrderActionsDeps{Orders: client, Mutations: client, Logger: events})
	if err != nil {
		logger.Fatal("failed to initialise order actions", zap.Error(err))
	}
	verifier, err := services.NewPaymentVerifier(services.PaymentVerifierDeps{
		Payments:           client,
		OrderHistoryURL:    cfg.Checkout.OrderHistoryURL,
		TopUpRedirectDelay: cfg.Checkout.TopUpRedirectDelay,
		Metrics:            metrics,
		Logger:             events,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment verifier", zap.Error(err))
	}
	wallet, err := services.NewWalletService(services.WalletServiceDeps{
		Wallet:         client,
		Coupons:        client,
		Verifier:       verifier,
		RequestTimeout: cfg.Checkout.RequestTimeout,
		Logger:         events,
	})
	if err != nil {
		logger.Fatal("failed to initialise wallet service", zap.Error(err))
	}
	processor, err := payments.NewWebhookProcessor(payments.WebhookProcessorDeps{
		Secret:    cfg.Stripe.WebhookSecret,
		Tolerance: cfg.Stripe.WebhookTolerance,
		Orders:    tracker,
		Logger:    events,
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook processor", zap.Error(err))
	}
	if !processor.Enabled() {
		logger.Warn("stripe webhook secret not configured; webhooks disabled")
	}

	formatter, err := format.New(cfg.Checkout.Currency, cfg.Checkout.Locale)
	if err != nil {
		logger.Fatal("failed to initialise formatter", zap.Error(err))
	}

	readiness := []handlers.HealthOption{
		handlers.WithReadinessCheck("marketplace", client.Ready),
	}

	var idempotencyStore idempotency.Store = idempotency.NewMemoryStore()
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		redisStore, err := idempotency.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Fatal("failed to initialise redis idempotency store", zap.Error(err))
		}
		idempotencyStore = redisStore
		readiness = append(readiness, handlers.WithReadinessCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	submitIdempotency := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(ctx)
	var background sync.WaitGroup
	runBackground := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(backgroundCtx)
		}()
	}

	runBackground(func(ctx context.Context) {
		idempotency.RunCleanup(ctx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	})
	runBackground(func(ctx context.Context) {
		registry.RunEviction(ctx, cfg.Checkout.SessionTTL/2)
	})

	if cfg.KafkaEnabled() {
		reader, err := orderfeed.NewReader(orderfeed.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			logger.Fatal("failed to initialise order feed reader", zap.Error(err))
		}
		consumer, err := orderfeed.NewConsumer(orderfeed.ConsumerDeps{Reader: reader, Orders: tracker, Logger: events})
		if err != nil {
			logger.Fatal("failed to initialise order feed consumer", zap.Error(err))
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("order feed close error", zap.Error(err))
			}
		}()
		runBackground(consumer.Run)
		logger.Info("order status feed enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	checkoutHandlers := handlers.NewCheckoutHandlers(registry,
		handlers.WithSubmitMiddlewares(submitIdempotency),
		handlers.WithCheckoutFormatter(formatter),
	)
	orderHandlers := handlers.NewOrderHandlers(actions,
		handlers.WithOrderTracker(tracker),
		handlers.WithOrderFormatter(formatter),
	)
	walletHandlers := handlers.NewWalletHandlers(wallet, formatter)
	paymentHandlers := handlers.NewPaymentHandlers(verifier, tracker, formatter)
	webhookHandlers := handlers.NewWebhookHandlers(processor)

	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			observability.AuthForwardingMiddleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(readiness...)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWalletRoutes(walletHandlers.Routes),
		handlers.WithCouponRoutes(walletHandlers.CouponRoutes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(middleware.AllowContentType("application/json")),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	waitWithTimeout(&background, 5*time.Second, logger)
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("background workers did not stop in time", zap.Duration("timeout", timeout))
	}
}
