// Точка входа панели управления игровыми серверами.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиенты агентов, сервисный слой и API handlers,
// запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/gamepanel/internal/agentclient"
	"github.com/bigkaa/gamepanel/internal/api/handlers"
	"github.com/bigkaa/gamepanel/internal/api/middleware"
	"github.com/bigkaa/gamepanel/internal/config"
	"github.com/bigkaa/gamepanel/internal/database"
	"github.com/bigkaa/gamepanel/internal/domain/permission"
	"github.com/bigkaa/gamepanel/internal/events"
	"github.com/bigkaa/gamepanel/internal/repository"
	"github.com/bigkaa/gamepanel/internal/server"
	"github.com/bigkaa/gamepanel/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Панель запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("GP_DEPHEALTH_GROUP") == "" {
		logger.Warn("GP_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	store := repository.NewStore(pool)
	serverRepo := repository.NewServerRepository(pool)
	nodeRepo := repository.NewNodeRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	eggRepo := repository.NewEggRepository(pool)
	allocRepo := repository.NewNodeAllocationRepository(pool)
	backupRepo := repository.NewBackupRepository(pool)
	activityRepo := repository.NewActivityRepository(pool)

	// 6. Клиенты агентов нод
	agents, err := agentclient.NewFactory(agentclient.Options{
		Timeout:    cfg.AgentTimeout,
		CACertPath: cfg.AgentCACertPath,
		UserAgent:  "gamepanel/" + config.Version,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента агентов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Журнал активности с необязательной трансляцией в NATS
	var publisher service.EventPublisher
	if cfg.NATSURL != "" {
		nats, natsErr := events.NewPublisher(cfg.NATSURL, cfg.NATSActivitySubject, "gamepanel", logger)
		if natsErr != nil {
			logger.Warn("NATS недоступен, события пишутся только в БД",
				slog.String("url", cfg.NATSURL),
				slog.String("error", natsErr.Error()),
			)
		} else {
			defer nats.Close()
			publisher = nats
		}
	}
	activity := service.NewActivityLogger(activityRepo, publisher, logger)
	// Очередь записей журнала дописывается до закрытия пула
	defer activity.Wait()

	// 8. Фильтр игнорируемых файлов субпользователей
	filter, err := permission.NewFilter(cfg.IgnoreCacheSize, prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Error("Ошибка создания фильтра файлов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. Services
	serversSvc := service.NewServerService(store, serverRepo, nodeRepo, userRepo, eggRepo, agents, activity, logger)
	allocationsSvc := service.NewAllocationService(store, allocRepo, nodeRepo, logger)
	filesSvc := service.NewFileService(nodeRepo, agents, filter, activity, logger)
	websocketSvc := service.NewWebsocketService(nodeRepo, cfg.WebsocketTokenTTL)
	reconcileSvc := service.NewReconciliationService(serverRepo, backupRepo, activity, logger)

	// 10. Readiness checkers (PostgreSQL + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.JWTCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, jwksChecker)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		serversSvc,
		allocationsSvc,
		filesSvc,
		websocketSvc,
		reconcileSvc,
		logger,
	)

	// 12. Аутентификация: JWT пользователей и токены нод
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.JWTCACertPath,
		cfg.JWTIssuer,
		userRepo,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)
	nodeAuth := middleware.NewNodeAuth(nodeRepo, logger)

	// 13. topologymetrics — мониторинг зависимостей (PostgreSQL + JWKS)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "gamepanel",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PostgresURL:   cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 14. HTTP-сервер
	srv := server.New(cfg, logger, apiHandler, jwtAuth, nodeAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Панель остановлена")
}
