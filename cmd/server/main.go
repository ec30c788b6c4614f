package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/app"
	"github.com/Freeeeeet/premarket_access/internal/cache"
	"github.com/Freeeeeet/premarket_access/internal/config"
	"github.com/Freeeeeet/premarket_access/internal/controller/httpapi"
	"github.com/Freeeeeet/premarket_access/internal/controller/telegram"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/Freeeeeet/premarket_access/internal/notify"
	"github.com/Freeeeeet/premarket_access/internal/payment"
	"github.com/Freeeeeet/premarket_access/internal/repository"
	"github.com/Freeeeeet/premarket_access/internal/repository/memory"
	"github.com/Freeeeeet/premarket_access/internal/service"
	"github.com/go-telegram/bot"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	notifyTimeout   = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

type stores struct {
	records  repository.AccessRecordStore
	requests repository.RequestStore
	agents   repository.AgentStore
	close    func()
}

func main() {
	cfg, fromFile, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := app.NewLogger(cfg.Environment)
	defer logger.Sync()

	logger.Info("Starting premarket access service",
		zap.String("environment", cfg.Environment),
		zap.String("storage", cfg.Storage),
		zap.Bool("env_file", fromFile))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Service stopped with error", zap.Error(err))
	}

	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	deduper, throttle, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	var tgBot *bot.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = notify.NewTelegramBot(cfg.TelegramToken)
		if err != nil {
			return err
		}
	}

	dispatcher, closeSinks, err := openNotifier(cfg, tgBot, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	defer dispatcher.Wait()

	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is empty, payment intents will fail")
	}
	gateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)

	// Сервисы
	referral := service.NewReferralResolver(st.agents, cfg.DefaultReferralAgentID, logger)
	visibility := service.NewVisibilityService(st.requests, st.agents, st.records, referral, dispatcher, logger)
	reconciler := service.NewReconciliationService(
		st.records, st.requests, st.agents, gateway,
		deduper, throttle, dispatcher, logger,
	)
	payments := service.NewPaymentService(st.records, gateway, cfg.PaymentCurrency, logger)
	access := service.NewAccessService(
		st.records, st.requests, st.agents,
		visibility, reconciler, referral,
		dispatcher, cfg.PaymentCurrency, logger,
	)

	if _, err := referral.Default(ctx); err != nil {
		logger.Warn("Default referral agent not resolved at startup", zap.Error(err))
	}

	if tgBot != nil && cfg.TelegramReviewEnabled() {
		reviewBot := telegram.NewBotController(tgBot, access, cfg.AdminChatID, cfg.TelegramAdminID, logger)
		if err := reviewBot.RegisterHandlers(ctx); err != nil {
			logger.Warn("Admin review bot commands not set", zap.Error(err))
		}
		go reviewBot.Start(ctx)
	}

	scheduler := app.NewScheduler(reconciler, app.SchedulerConfig{
		Interval:   cfg.ReconcileInterval,
		StaleAfter: cfg.ReconcileStaleAfter,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(access, visibility, payments, reconciler, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, data is lost on restart")

		agents := memory.NewAgentStore()
		agents.Put(memoryDefaultAgent(cfg))
		requests := memory.NewRequestStore()

		if cfg.SeedFile != "" {
			seed, err := memory.LoadSeedFile(cfg.SeedFile, agents, requests)
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded memory seed",
				zap.String("path", cfg.SeedFile),
				zap.Int("agents", len(seed.Agents)),
				zap.Int("requests", len(seed.Requests)))
		} else {
			logger.Warn("SEED_FILE is empty, memory storage starts with the default agent only")
		}

		return &stores{
			records:  memory.NewAccessRecordStore(cfg.PaymentCurrency),
			requests: requests,
			agents:   agents,
			close:    func() {},
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	migrator, err := app.NewMigrator(pool, cfg.MigrationsPath, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer migrator.Close()

	if err := migrator.Run(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &stores{
		records:  repository.NewAccessRecordRepository(pool, cfg.PaymentCurrency),
		requests: repository.NewRequestRepository(pool),
		agents:   repository.NewAgentRepository(pool),
		close:    pool.Close,
	}, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.EventDeduper, cache.Throttle, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR is empty, using in-process dedupe and throttle")
		var throttle cache.Throttle = cache.NoThrottle{}
		if cfg.ReconcileThrottle > 0 {
			throttle = cache.NewMemoryThrottle(cfg.ReconcileThrottle)
		}
		return cache.NewMemoryDeduper(cfg.WebhookDedupeTTL), throttle, func() {}, nil
	}

	client, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	// Нулевое окно означает сверку на каждом чтении
	var throttle cache.Throttle = cache.NoThrottle{}
	if cfg.ReconcileThrottle > 0 {
		throttle = cache.NewRedisThrottle(client, cfg.ReconcileThrottle)
	}
	return cache.NewRedisDeduper(client, cfg.WebhookDedupeTTL), throttle, closeFn, nil
}

func openNotifier(cfg *config.Config, tgBot *bot.Bot, logger *zap.Logger) (*notify.Dispatcher, func(), error) {
	var sinks []notify.Sink

	if tgBot != nil {
		sinks = append(sinks, notify.NewTelegramSink(tgBot, cfg.AdminChatID, logger))
	} else {
		logger.Warn("TELEGRAM_TOKEN is empty, telegram notifications are disabled")
	}

	publisher, err := notify.NewEventPublisher(cfg.RabbitMQURI, cfg.RabbitMQExchange, logger)
	if err != nil {
		return nil, nil, err
	}
	sinks = append(sinks, publisher)

	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close event publisher", zap.Error(err))
		}
	}
	return notify.NewDispatcher(logger, notifyTimeout, sinks...), closeFn, nil
}

// memoryDefaultAgent seeds the platform agent so PRIVATE requests without a
// referral resolve in dev mode
func memoryDefaultAgent(cfg *config.Config) *model.AgentProfile {
	return &model.AgentProfile{
		ID:                cfg.DefaultReferralAgentID,
		Name:              "Platform",
		AcceptingRequests: true,
		CreatedAt:         time.Now().UTC(),
	}
}
