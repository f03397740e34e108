// Точка входа R2R Ingest — конвейер загрузки документов в R2R.
// Загружает конфигурацию, подключается к PostgreSQL и применяет миграции,
// создаёт клиент R2R, хранилище файлов, хаб событий и сервис обработки,
// запускает воркер очереди, topologymetrics и HTTP-сервер с JWT middleware
// и graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/r2r-ingest/internal/api/handlers"
	"github.com/bigkaa/r2r-ingest/internal/api/middleware"
	"github.com/bigkaa/r2r-ingest/internal/config"
	"github.com/bigkaa/r2r-ingest/internal/database"
	"github.com/bigkaa/r2r-ingest/internal/events"
	"github.com/bigkaa/r2r-ingest/internal/r2rclient"
	"github.com/bigkaa/r2r-ingest/internal/ratelimit"
	"github.com/bigkaa/r2r-ingest/internal/repository"
	"github.com/bigkaa/r2r-ingest/internal/server"
	"github.com/bigkaa/r2r-ingest/internal/service"
	"github.com/bigkaa/r2r-ingest/internal/storage"
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
	logger.Info("R2R Ingest запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	if os.Getenv("RI_DEPHEALTH_GROUP") == "" {
		logger.Warn("RI_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := handlers.NewHealthHandler()

	// 3. PostgreSQL: миграции и пул соединений (для бэкенда memory не нужен)
	var (
		pool *pgxpool.Pool
		pgDB *sql.DB
	)
	if cfg.QueueBackend == config.QueueBackendPostgres {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт
		// через тот же пул и обнаруживает его исчерпание
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		health.AddCheck("postgresql", database.NewReadinessChecker(pool))
	}

	// 4. Очередь обработки
	var queue repository.QueueRepository
	if pool != nil {
		queue = repository.NewQueueRepository(pool)
	} else {
		logger.Warn("Очередь хранится в памяти процесса, элементы теряются при перезапуске")
		queue = repository.NewMemoryQueueRepository()
	}

	// 5. Лимитер запросов к R2R: общий для всех экземпляров (PostgreSQL) или локальный
	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitShared {
		if pool == nil {
			logger.Error("RI_RATE_LIMIT_SHARED требует бэкенд очереди postgres")
			os.Exit(1)
		}
		limitStore = repository.NewRateLimitRepository(pool)
	}
	limiter := ratelimit.New(limitStore, ratelimit.Config{
		Enabled:    cfg.RateLimitEnabled,
		Window:     cfg.RateLimitWindow,
		DefaultMax: cfg.RateLimitDefaultMax,
		Classes:    cfg.RateLimitClasses,
	}, logger)

	// 6. Клиент R2R
	r2r, err := r2rclient.New(r2rclient.Config{
		BaseURL:    cfg.R2RBaseURL,
		APIKey:     cfg.R2RAPIKey,
		Timeout:    cfg.R2RTimeout,
		CACertPath: cfg.R2RCACertPath,
		ChunkRate:  cfg.ChunkUploadRate,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента R2R", slog.String("error", err.Error()))
		os.Exit(1)
	}
	health.AddCheck("r2r", r2r)
	logger.Info("Клиент R2R создан", slog.String("base_url", cfg.R2RBaseURL))

	// 7. Хранилище загруженных файлов
	var files storage.FileSource
	switch cfg.StorageBackend {
	case config.StorageBackendMinio:
		minioSrc, err := storage.NewMinioSource(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Error("Ошибка подключения к MinIO", slog.String("error", err.Error()))
			os.Exit(1)
		}
		files = minioSrc
		health.AddCheck("storage", minioSrc)
	default:
		localSrc, err := storage.NewLocalSource(cfg.StorageLocalRoot)
		if err != nil {
			logger.Error("Ошибка открытия локального хранилища", slog.String("error", err.Error()))
			os.Exit(1)
		}
		files = localSrc
		health.AddCheck("storage", localSrc)
	}

	// 8. Хаб событий: буфер повтора и зеркалирование в RabbitMQ (опционально)
	var mirror events.Mirror
	if cfg.AMQPURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Error("Ошибка подключения к RabbitMQ", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			if err := amqpPub.Close(); err != nil {
				logger.Warn("Ошибка закрытия соединения RabbitMQ", slog.String("error", err.Error()))
			}
		}()
		mirror = amqpPub
		health.AddCheck("amqp", amqpPub)
		logger.Info("Зеркалирование событий в RabbitMQ включено",
			slog.String("exchange", cfg.AMQPExchange),
		)
	}
	replay := events.NewReplayBuffer(cfg.ReplayBufferSize, cfg.ReplayMaxUsers, cfg.ReplayTTL)
	hub := events.NewHub(replay, mirror, logger)

	// 9. Сервис обработки и воркер очереди
	svc := service.NewProcessingService(queue, r2r, files, limiter, hub, service.ProcessingConfig{
		MaxRetries:                 cfg.MaxRetries,
		RetryBaseDelay:             cfg.RetryBaseDelay,
		ChunkSize:                  cfg.ChunkSize,
		LargeFileThreshold:         cfg.LargeFileThreshold,
		CircuitBreakerThreshold:    cfg.CircuitBreakerThreshold,
		CircuitBreakerOpenDuration: cfg.CircuitBreakerOpenDuration,
		ProcessingTimeout:          cfg.ProcessingTimeout,
	}, logger)

	worker := service.NewWorker(svc, queue, service.WorkerConfig{
		MaxConcurrent:  cfg.MaxConcurrentProcessing,
		ActiveInterval: cfg.WorkerActiveInterval,
		IdleInterval:   cfg.WorkerIdleInterval,
		ErrorCooldown:  cfg.WorkerErrorCooldown,
	}, logger)
	worker.Start(ctx)
	defer worker.Stop()

	// 10. topologymetrics — мониторинг зависимостей (PostgreSQL + R2R)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"r2r-ingest",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.R2RBaseURL,
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
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 11. JWT middleware и проверка готовности JWKS
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		"",
		cfg.JWTIssuer,
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

	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, "", cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	health.AddCheck("jwks", jwksChecker)

	// 12. API handler и HTTP-сервер.
	// Порядок middleware: metrics → logging → JWT (health и metrics без JWT)
	apiHandler := handlers.NewAPIHandler(svc, hub, health, handlers.Config{
		ReplayDelay:       cfg.ReplayDelay,
		HeartbeatInterval: cfg.SSEHeartbeatInterval,
	}, logger)

	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
		server.JWTAuthWithExclusions(jwtAuth.Middleware(), "/health/", "/metrics"),
	)

	// 13. Запуск сервера (блокирующий вызов с graceful shutdown)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
	}

	// Останов фоновых задач выполняют отложенные вызовы: воркер дожидается
	// текущего цикла, затем закрываются RabbitMQ и пул PostgreSQL
	cancel()
	logger.Info("R2R Ingest остановлен")
}
