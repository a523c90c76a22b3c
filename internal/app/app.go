package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rechargehub/internal/clients"
	"rechargehub/internal/config"
	httpserver "rechargehub/internal/http"
	"rechargehub/internal/http/handlers"
	"rechargehub/internal/http/middleware"
	"rechargehub/internal/notify"
	redisstore "rechargehub/internal/redis"
	"rechargehub/internal/repository"
	"rechargehub/internal/service"
	"rechargehub/internal/ws"
	"rechargehub/libs/db"
	libredis "rechargehub/libs/redis"
)

// App wires recharge-service dependencies.
type App struct {
	server      *httpserver.Server
	settlement  *service.SettlementService
	scheduler   *service.ConfirmationScheduler
	wsManager   *ws.Manager
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	redisClient, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	txRepo := repository.NewTransactionRepository(sqlDB)
	eventRepo := repository.NewWebhookEventRepository(sqlDB)

	paymentClient := clients.NewPaymentClient(cfg.Payment.BaseURL, cfg.Payment.APIKey, logger)
	providerClient := clients.NewProviderClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, logger)
	normalizerClient := clients.NewNormalizerClient(cfg.Normalizer.BaseURL, logger)

	wsManager := ws.NewManager(30 * time.Second)
	viewCache := redisstore.NewCache(redisClient, cfg.CacheTTL())
	bus := notify.NewBus(wsManager, viewCache, logger)

	scheduler := service.NewConfirmationScheduler(txRepo, logger)
	settlement := service.NewSettlementService(
		txRepo,
		eventRepo,
		paymentClient,
		providerClient,
		normalizerClient,
		bus,
		scheduler,
		viewCache,
		cfg.Settlement.ConfirmationWindow,
		cfg.Settlement.CommissionBPS,
		logger,
	)
	scheduler.Bind(settlement)

	authenticator := middleware.NewTokenAuthenticator(cfg.Auth.JWTSecret)
	wsServer := ws.NewServer(wsManager, authenticator, 10*time.Second, logger)

	rechargeHandler := handlers.NewRechargeHandler(settlement, logger)
	transactionsHandler := handlers.NewTransactionsHandler(settlement, logger)
	webhookHandler := handlers.NewWebhookHandler(settlement, cfg.Provider.WebhookSecret, cfg.Provider.WebhookKeyHash, logger)

	routes := httpserver.Routes{
		Auth:           middleware.AuthMiddleware(cfg.Auth.JWTSecret),
		OptionalAuth:   middleware.OptionalAuthMiddleware(cfg.Auth.JWTSecret),
		RechargeCreate: rechargeHandler.HandleCreate,
		Transactions:   transactionsHandler.HandleTransaction,
		TransactionsMe: transactionsHandler.HandleMe,
		TopUpWebhook:   webhookHandler.HandleTopUpOutcome,
		LiveChannel:    wsServer.HandleWS,
		Health:         handlers.NewHealthHandler(),
	}

	router := httpserver.NewRouter(routes)
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		settlement:  settlement,
		scheduler:   scheduler,
		wsManager:   wsManager,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run replays interrupted settlement work, arms pending confirmation timers
// and starts the HTTP server.
func (a *App) Run(ctx context.Context) error {
	if err := a.settlement.RecoverInterruptedCaptures(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Recover(ctx); err != nil {
		return err
	}
	go a.wsManager.Start(ctx)
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
