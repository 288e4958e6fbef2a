// Точка входа Ingest Module — модуля приёма файлов и координации индексации.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigkaa/goartstore/ingest-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/ingest-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/ingest-module/internal/blobstore"
	"github.com/bigkaa/goartstore/ingest-module/internal/config"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/database"
	"github.com/bigkaa/goartstore/ingest-module/internal/events"
	"github.com/bigkaa/goartstore/ingest-module/internal/indexer"
	"github.com/bigkaa/goartstore/ingest-module/internal/orchestrator"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
	"github.com/bigkaa/goartstore/ingest-module/internal/server"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
	"github.com/bigkaa/goartstore/ingest-module/internal/session"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Ingest Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("indexer_url", cfg.IndexerURL),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. PostgreSQL: миграции и пул соединений
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к БД", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Репозитории
	sessionRepo := repository.NewSessionRepository(pool)
	fileRepo := repository.NewFileRepository(pool)
	jobRepo := repository.NewSyncJobRepository(pool)
	queueRepo := repository.NewSyncQueueRepository(pool)

	// 3. Blob-хранилище (S3-совместимое)
	blobs, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации blob-хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Клиент внешнего сервиса индексации
	var tokenProvider indexer.TokenProvider
	if cfg.IndexerToken != "" {
		token := cfg.IndexerToken
		tokenProvider = func(context.Context) (string, error) { return token, nil }
	}
	indexerClient := indexer.New(cfg.IndexerURL, cfg.IndexerTimeout,
		cfg.IndexerRateLimitRPS, tokenProvider, logger)

	// 5. Координатор индексации
	coord := coordinator.NewManager(jobRepo, queueRepo, indexerClient,
		cfg.PollInterval, cfg.SyncRetryBase, cfg.SyncRetryMaxAttempts, logger)

	// 6. События и кэш статусов
	broadcaster := events.NewBroadcaster(logger)
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)

	// 7. Оркестратор ингестии
	orch := orchestrator.New(fileRepo, coord, queueRepo, blobs, cache,
		broadcaster, cfg.GlobalScope, logger)
	coord.SetTerminalHandler(orch.OnJobTerminal)

	// Восстановление опроса активных заданий после рестарта
	if err := coord.Restore(ctx); err != nil {
		logger.Error("Ошибка восстановления активных заданий", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 8. Менеджер сессий загрузки
	sessMgr := session.NewManager(sessionRepo, fileRepo, blobs, cfg.PartSize, logger)

	// 9. Фоновые процессы

	// 9.1 Sweep — принудительное завершение зависших заданий
	sweepSvc := coordinator.NewSweepService(jobRepo, coord,
		cfg.SweepInterval, cfg.JobStaleAfter, logger)
	sweepSvc.Start(ctx)

	// 9.2 topologymetrics — мониторинг зависимостей
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.InstanceID,
		cfg.DephealthGroup,
		cfg.IndexerURL,
		cfg.JWKSUrl,
		cfg.DephealthCheckInterval,
		logger,
	)
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
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 10. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWKSUrl,
		cfg.JWKSCACert,
		cfg.JWTIssuer,
		cfg.AdminGroups,
		cfg.ReadonlyGroups,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка инициализации JWT аутентификации",
			slog.String("jwks_url", cfg.JWKSUrl),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))

	// 11. Handlers и HTTP-сервер
	checkers := map[string]handlers.ReadyChecker{
		"database": database.NewReadinessChecker(pool),
	}
	h := handlers.New(sessMgr, orch, coord, broadcaster, checkers, logger)

	srv := server.New(cfg, logger, h, jwtAuth)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	sweepSvc.Stop()
	coord.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Ingest Module остановлен")
}
