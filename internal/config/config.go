// Пакет config — загрузка и валидация конфигурации R2R Ingest
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды очереди обработки.
const (
	QueueBackendPostgres = "postgres"
	QueueBackendMemory   = "memory"
)

// Бэкенды хранилища загруженных файлов.
const (
	StorageBackendLocal = "local"
	StorageBackendMinio = "minio"
)

// Config содержит все параметры конфигурации R2R Ingest.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8010-8019)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- Очередь ---

	// Бэкенд очереди: postgres (по умолчанию) или memory (локальная разработка)
	QueueBackend string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- R2R API ---

	// Базовый URL R2R API (например, http://r2r:7272)
	R2RBaseURL string
	// API-ключ R2R (опционально, передаётся как Bearer)
	R2RAPIKey string
	// Таймаут одного HTTP-запроса к R2R
	R2RTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с R2R (опционально)
	R2RCACertPath string

	// --- JWT ---

	// URL JWKS endpoint
	JWTJWKSURL string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение часов при проверке JWT
	JWTLeeway time.Duration

	// --- Воркер обработки ---

	// Максимум одновременно обрабатываемых элементов за цикл
	MaxConcurrentProcessing int
	// Пауза между циклами, если очередь не пуста
	WorkerActiveInterval time.Duration
	// Пауза между циклами, если очередь пуста
	WorkerIdleInterval time.Duration
	// Пауза после ошибки уровня цикла
	WorkerErrorCooldown time.Duration
	// Максимум повторных попыток по умолчанию
	MaxRetries int
	// Базовая задержка экспоненциального backoff
	RetryBaseDelay time.Duration
	// Количество подряд идущих отказов R2R, открывающих circuit breaker (0 — выключен)
	CircuitBreakerThreshold int
	// Время, на которое circuit breaker откладывает обработку
	CircuitBreakerOpenDuration time.Duration
	// Предельное время элемента в статусе processing (отправка и задача R2R)
	ProcessingTimeout time.Duration

	// --- Rate limiting ---

	// Включено ли клиентское ограничение запросов к R2R
	RateLimitEnabled bool
	// Длительность окна
	RateLimitWindow time.Duration
	// Бюджет запросов на окно для классов без явной настройки
	RateLimitDefaultMax int
	// Бюджеты по классам операций (класс → запросов на окно)
	RateLimitClasses map[string]int
	// Общий бюджет для всех экземпляров (окна хранятся в PostgreSQL)
	RateLimitShared bool

	// --- Загрузка в R2R ---

	// Размер части при chunked-загрузке
	ChunkSize int64
	// Порог размера файла, начиная с которого используется chunked-загрузка
	LargeFileThreshold int64
	// Максимум загружаемых частей в секунду
	ChunkUploadRate float64

	// --- Хранилище файлов ---

	// Бэкенд хранилища: local или minio
	StorageBackend string
	// Корневой каталог локального хранилища
	StorageLocalRoot string
	// Endpoint MinIO/S3 (host:port)
	MinioEndpoint string
	// Access key MinIO
	MinioAccessKey string
	// Secret key MinIO
	MinioSecretKey string
	// Бакет с загруженными файлами
	MinioBucket string
	// Использовать TLS для MinIO
	MinioUseSSL bool

	// --- События ---

	// Сколько последних событий хранить на пользователя для повтора
	ReplayBufferSize int
	// Время жизни события в буфере повтора
	ReplayTTL time.Duration
	// Пауза между повторно доставляемыми событиями
	ReplayDelay time.Duration
	// Максимум пользователей в буфере повтора
	ReplayMaxUsers int
	// Интервал heartbeat-комментариев в SSE-потоке
	SSEHeartbeatInterval time.Duration
	// URL RabbitMQ для зеркалирования событий (опционально)
	AMQPURL string
	// Topic exchange для событий
	AMQPExchange string

	// --- topologymetrics ---

	// Группа сервиса в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// RI_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("RI_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("RI_PORT: %w", err)
	}
	if cfg.Port < 8010 || cfg.Port > 8019 {
		return nil, fmt.Errorf("RI_PORT: значение %d вне допустимого диапазона 8010-8019", cfg.Port)
	}

	// RI_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RI_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RI_LOG_LEVEL: %w", err)
	}

	// RI_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("RI_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RI_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- Очередь ---

	// RI_QUEUE_BACKEND — бэкенд очереди (по умолчанию postgres)
	cfg.QueueBackend = getEnvDefault("RI_QUEUE_BACKEND", QueueBackendPostgres)
	if cfg.QueueBackend != QueueBackendPostgres && cfg.QueueBackend != QueueBackendMemory {
		return nil, fmt.Errorf("RI_QUEUE_BACKEND: недопустимое значение %q, допустимые: postgres, memory", cfg.QueueBackend)
	}

	// --- PostgreSQL ---

	if err := loadDatabase(cfg); err != nil {
		return nil, err
	}

	// --- R2R API ---

	// RI_R2R_BASE_URL — обязательный
	cfg.R2RBaseURL, err = getEnvRequired("RI_R2R_BASE_URL")
	if err != nil {
		return nil, err
	}
	if _, parseErr := url.ParseRequestURI(cfg.R2RBaseURL); parseErr != nil {
		return nil, fmt.Errorf("RI_R2R_BASE_URL: некорректный URL %q", cfg.R2RBaseURL)
	}
	cfg.R2RBaseURL = strings.TrimRight(cfg.R2RBaseURL, "/")

	// RI_R2R_API_KEY — API-ключ (опционально)
	cfg.R2RAPIKey = getEnvDefault("RI_R2R_API_KEY", "")

	// RI_R2R_TIMEOUT — таймаут запроса к R2R (по умолчанию 60s)
	cfg.R2RTimeout, err = getEnvDuration("RI_R2R_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RI_R2R_TIMEOUT: %w", err)
	}

	// RI_R2R_CA_CERT_PATH — путь к CA-сертификату R2R (опционально)
	cfg.R2RCACertPath = getEnvDefault("RI_R2R_CA_CERT_PATH", "")

	// --- JWT ---

	// RI_JWT_JWKS_URL — обязательный
	cfg.JWTJWKSURL, err = getEnvRequired("RI_JWT_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// RI_JWT_ISSUER — ожидаемый issuer (опционально)
	cfg.JWTIssuer = getEnvDefault("RI_JWT_ISSUER", "")

	// RI_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
	cfg.JWKSClientTimeout, err = getEnvDuration("RI_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RI_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	// RI_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 15m)
	cfg.JWKSRefreshInterval, err = getEnvDuration("RI_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RI_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// RI_JWT_LEEWAY — допустимое отклонение часов (по умолчанию 5s)
	cfg.JWTLeeway, err = getEnvDuration("RI_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RI_JWT_LEEWAY: %w", err)
	}

	// --- Воркер обработки ---

	if err := loadWorker(cfg); err != nil {
		return nil, err
	}

	// --- Rate limiting ---

	if err := loadRateLimit(cfg); err != nil {
		return nil, err
	}

	// --- Загрузка в R2R ---

	// RI_CHUNK_SIZE — размер части в байтах (по умолчанию 5MB)
	chunkSize, err := getEnvInt("RI_CHUNK_SIZE", 5*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("RI_CHUNK_SIZE: %w", err)
	}
	if chunkSize < 64*1024 {
		return nil, fmt.Errorf("RI_CHUNK_SIZE: значение %d меньше минимума 65536", chunkSize)
	}
	cfg.ChunkSize = int64(chunkSize)

	// RI_LARGE_FILE_THRESHOLD — порог chunked-загрузки (по умолчанию 10MB)
	threshold, err := getEnvInt("RI_LARGE_FILE_THRESHOLD", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("RI_LARGE_FILE_THRESHOLD: %w", err)
	}
	if int64(threshold) < cfg.ChunkSize {
		return nil, fmt.Errorf("RI_LARGE_FILE_THRESHOLD: порог %d меньше размера части %d", threshold, cfg.ChunkSize)
	}
	cfg.LargeFileThreshold = int64(threshold)

	// RI_CHUNK_UPLOAD_RATE — частей в секунду (по умолчанию 4)
	cfg.ChunkUploadRate, err = getEnvFloat("RI_CHUNK_UPLOAD_RATE", 4)
	if err != nil {
		return nil, fmt.Errorf("RI_CHUNK_UPLOAD_RATE: %w", err)
	}
	if cfg.ChunkUploadRate <= 0 {
		return nil, fmt.Errorf("RI_CHUNK_UPLOAD_RATE: значение должно быть больше 0")
	}

	// --- Хранилище файлов ---

	if err := loadStorage(cfg); err != nil {
		return nil, err
	}

	// --- События ---

	if err := loadEvents(cfg); err != nil {
		return nil, err
	}

	// --- topologymetrics ---

	// RI_DEPHEALTH_GROUP — группа в метриках зависимостей (по умолчанию cleverdocs)
	cfg.DephealthGroup = getEnvDefault("RI_DEPHEALTH_GROUP", "cleverdocs")

	// RI_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("RI_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RI_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// RI_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 10s)
	cfg.ShutdownTimeout, err = getEnvDuration("RI_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RI_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadDatabase загружает параметры PostgreSQL.
// Для бэкенда memory параметры подключения не обязательны.
func loadDatabase(cfg *Config) error {
	var err error
	required := cfg.QueueBackend == QueueBackendPostgres

	// RI_DB_HOST — обязательный для postgres
	cfg.DBHost, err = getEnvMaybeRequired("RI_DB_HOST", required)
	if err != nil {
		return err
	}

	// RI_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("RI_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("RI_DB_PORT: %w", err)
	}

	// RI_DB_NAME — обязательный для postgres
	cfg.DBName, err = getEnvMaybeRequired("RI_DB_NAME", required)
	if err != nil {
		return err
	}

	// RI_DB_USER — обязательный для postgres
	cfg.DBUser, err = getEnvMaybeRequired("RI_DB_USER", required)
	if err != nil {
		return err
	}

	// RI_DB_PASSWORD — обязательный для postgres
	cfg.DBPassword, err = getEnvMaybeRequired("RI_DB_PASSWORD", required)
	if err != nil {
		return err
	}

	// RI_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("RI_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("RI_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// loadWorker загружает параметры цикла обработки и политики повторов.
func loadWorker(cfg *Config) error {
	var err error

	// RI_MAX_CONCURRENT_PROCESSING — параллелизм за цикл (по умолчанию 5)
	cfg.MaxConcurrentProcessing, err = getEnvInt("RI_MAX_CONCURRENT_PROCESSING", 5)
	if err != nil {
		return fmt.Errorf("RI_MAX_CONCURRENT_PROCESSING: %w", err)
	}
	if cfg.MaxConcurrentProcessing < 1 || cfg.MaxConcurrentProcessing > 100 {
		return fmt.Errorf("RI_MAX_CONCURRENT_PROCESSING: значение %d вне допустимого диапазона 1-100", cfg.MaxConcurrentProcessing)
	}

	// RI_WORKER_ACTIVE_INTERVAL — пауза при непустой очереди (по умолчанию 2s)
	cfg.WorkerActiveInterval, err = getEnvDuration("RI_WORKER_ACTIVE_INTERVAL", 2*time.Second)
	if err != nil {
		return fmt.Errorf("RI_WORKER_ACTIVE_INTERVAL: %w", err)
	}

	// RI_WORKER_IDLE_INTERVAL — пауза при пустой очереди (по умолчанию 10s)
	cfg.WorkerIdleInterval, err = getEnvDuration("RI_WORKER_IDLE_INTERVAL", 10*time.Second)
	if err != nil {
		return fmt.Errorf("RI_WORKER_IDLE_INTERVAL: %w", err)
	}
	if cfg.WorkerIdleInterval < cfg.WorkerActiveInterval {
		return fmt.Errorf("RI_WORKER_IDLE_INTERVAL: %s меньше RI_WORKER_ACTIVE_INTERVAL %s",
			cfg.WorkerIdleInterval, cfg.WorkerActiveInterval)
	}

	// RI_WORKER_ERROR_COOLDOWN — пауза после ошибки цикла (по умолчанию 10s)
	cfg.WorkerErrorCooldown, err = getEnvDuration("RI_WORKER_ERROR_COOLDOWN", 10*time.Second)
	if err != nil {
		return fmt.Errorf("RI_WORKER_ERROR_COOLDOWN: %w", err)
	}

	// RI_MAX_RETRIES — максимум повторов (по умолчанию 3)
	cfg.MaxRetries, err = getEnvInt("RI_MAX_RETRIES", 3)
	if err != nil {
		return fmt.Errorf("RI_MAX_RETRIES: %w", err)
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 10 {
		return fmt.Errorf("RI_MAX_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.MaxRetries)
	}

	// RI_RETRY_BASE_DELAY — базовая задержка backoff (по умолчанию 5s)
	cfg.RetryBaseDelay, err = getEnvDuration("RI_RETRY_BASE_DELAY", 5*time.Second)
	if err != nil {
		return fmt.Errorf("RI_RETRY_BASE_DELAY: %w", err)
	}

	// RI_CIRCUIT_BREAKER_THRESHOLD — порог отказов (по умолчанию 5)
	cfg.CircuitBreakerThreshold, err = getEnvInt("RI_CIRCUIT_BREAKER_THRESHOLD", 5)
	if err != nil {
		return fmt.Errorf("RI_CIRCUIT_BREAKER_THRESHOLD: %w", err)
	}
	if cfg.CircuitBreakerThreshold < 0 {
		return fmt.Errorf("RI_CIRCUIT_BREAKER_THRESHOLD: значение не может быть отрицательным")
	}

	// RI_CIRCUIT_BREAKER_OPEN_DURATION — длительность открытого состояния (по умолчанию 10m)
	cfg.CircuitBreakerOpenDuration, err = getEnvDuration("RI_CIRCUIT_BREAKER_OPEN_DURATION", 10*time.Minute)
	if err != nil {
		return fmt.Errorf("RI_CIRCUIT_BREAKER_OPEN_DURATION: %w", err)
	}

	// RI_PROCESSING_TIMEOUT — предельное время в статусе processing (по умолчанию 10m)
	cfg.ProcessingTimeout, err = getEnvDuration("RI_PROCESSING_TIMEOUT", 10*time.Minute)
	if err != nil {
		return fmt.Errorf("RI_PROCESSING_TIMEOUT: %w", err)
	}
	if cfg.ProcessingTimeout < time.Minute {
		return fmt.Errorf("RI_PROCESSING_TIMEOUT: значение %v меньше 1m", cfg.ProcessingTimeout)
	}
	return nil
}

// loadRateLimit загружает параметры клиентского rate limiting.
func loadRateLimit(cfg *Config) error {
	var err error

	// RI_RATE_LIMIT_ENABLED — включение лимитера (по умолчанию true)
	cfg.RateLimitEnabled, err = getEnvBool("RI_RATE_LIMIT_ENABLED", true)
	if err != nil {
		return fmt.Errorf("RI_RATE_LIMIT_ENABLED: %w", err)
	}

	// RI_RATE_LIMIT_WINDOW — длительность окна (по умолчанию 1s)
	cfg.RateLimitWindow, err = getEnvDuration("RI_RATE_LIMIT_WINDOW", time.Second)
	if err != nil {
		return fmt.Errorf("RI_RATE_LIMIT_WINDOW: %w", err)
	}
	if cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("RI_RATE_LIMIT_WINDOW: длительность окна должна быть больше 0")
	}

	// RI_RATE_LIMIT_DEFAULT_MAX — бюджет по умолчанию (по умолчанию 10)
	cfg.RateLimitDefaultMax, err = getEnvInt("RI_RATE_LIMIT_DEFAULT_MAX", 10)
	if err != nil {
		return fmt.Errorf("RI_RATE_LIMIT_DEFAULT_MAX: %w", err)
	}
	if cfg.RateLimitDefaultMax < 1 {
		return fmt.Errorf("RI_RATE_LIMIT_DEFAULT_MAX: значение %d меньше 1", cfg.RateLimitDefaultMax)
	}

	// RI_RATE_LIMIT_CLASSES — бюджеты по классам (класс=N через запятую)
	cfg.RateLimitClasses, err = parseClassLimits(getEnvDefault("RI_RATE_LIMIT_CLASSES",
		"r2r_ingestion=8,r2r_status=18,r2r_document=12"))
	if err != nil {
		return fmt.Errorf("RI_RATE_LIMIT_CLASSES: %w", err)
	}

	// RI_RATE_LIMIT_SHARED — общий бюджет через PostgreSQL (по умолчанию false)
	cfg.RateLimitShared, err = getEnvBool("RI_RATE_LIMIT_SHARED", false)
	if err != nil {
		return fmt.Errorf("RI_RATE_LIMIT_SHARED: %w", err)
	}
	if cfg.RateLimitShared && cfg.QueueBackend != QueueBackendPostgres {
		return fmt.Errorf("RI_RATE_LIMIT_SHARED: общий бюджет требует RI_QUEUE_BACKEND=postgres")
	}
	return nil
}

// loadStorage загружает параметры хранилища загруженных файлов.
func loadStorage(cfg *Config) error {
	var err error

	// RI_STORAGE_BACKEND — local или minio (по умолчанию local)
	cfg.StorageBackend = getEnvDefault("RI_STORAGE_BACKEND", StorageBackendLocal)

	switch cfg.StorageBackend {
	case StorageBackendLocal:
		// RI_STORAGE_LOCAL_ROOT — корневой каталог (по умолчанию /data/uploads)
		cfg.StorageLocalRoot = getEnvDefault("RI_STORAGE_LOCAL_ROOT", "/data/uploads")
	case StorageBackendMinio:
		// RI_MINIO_ENDPOINT, RI_MINIO_ACCESS_KEY, RI_MINIO_SECRET_KEY — обязательные для minio
		if cfg.MinioEndpoint, err = getEnvRequired("RI_MINIO_ENDPOINT"); err != nil {
			return err
		}
		if cfg.MinioAccessKey, err = getEnvRequired("RI_MINIO_ACCESS_KEY"); err != nil {
			return err
		}
		if cfg.MinioSecretKey, err = getEnvRequired("RI_MINIO_SECRET_KEY"); err != nil {
			return err
		}
		// RI_MINIO_BUCKET — бакет (по умолчанию uploads)
		cfg.MinioBucket = getEnvDefault("RI_MINIO_BUCKET", "uploads")
		// RI_MINIO_USE_SSL — TLS (по умолчанию false)
		if cfg.MinioUseSSL, err = getEnvBool("RI_MINIO_USE_SSL", false); err != nil {
			return fmt.Errorf("RI_MINIO_USE_SSL: %w", err)
		}
	default:
		return fmt.Errorf("RI_STORAGE_BACKEND: недопустимое значение %q, допустимые: local, minio", cfg.StorageBackend)
	}
	return nil
}

// loadEvents загружает параметры push-событий и буфера повтора.
func loadEvents(cfg *Config) error {
	var err error

	// RI_REPLAY_BUFFER_SIZE — событий на пользователя (по умолчанию 3)
	cfg.ReplayBufferSize, err = getEnvInt("RI_REPLAY_BUFFER_SIZE", 3)
	if err != nil {
		return fmt.Errorf("RI_REPLAY_BUFFER_SIZE: %w", err)
	}
	if cfg.ReplayBufferSize < 1 || cfg.ReplayBufferSize > 50 {
		return fmt.Errorf("RI_REPLAY_BUFFER_SIZE: значение %d вне допустимого диапазона 1-50", cfg.ReplayBufferSize)
	}

	// RI_REPLAY_TTL — время жизни события (по умолчанию 30s)
	cfg.ReplayTTL, err = getEnvDuration("RI_REPLAY_TTL", 30*time.Second)
	if err != nil {
		return fmt.Errorf("RI_REPLAY_TTL: %w", err)
	}

	// RI_REPLAY_DELAY — пауза между повторными событиями (по умолчанию 100ms)
	cfg.ReplayDelay, err = getEnvDuration("RI_REPLAY_DELAY", 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("RI_REPLAY_DELAY: %w", err)
	}

	// RI_REPLAY_MAX_USERS — максимум пользователей в буфере (по умолчанию 10000)
	cfg.ReplayMaxUsers, err = getEnvInt("RI_REPLAY_MAX_USERS", 10000)
	if err != nil {
		return fmt.Errorf("RI_REPLAY_MAX_USERS: %w", err)
	}

	// RI_SSE_HEARTBEAT_INTERVAL — heartbeat SSE (по умолчанию 15s)
	cfg.SSEHeartbeatInterval, err = getEnvDuration("RI_SSE_HEARTBEAT_INTERVAL", 15*time.Second)
	if err != nil {
		return fmt.Errorf("RI_SSE_HEARTBEAT_INTERVAL: %w", err)
	}

	// RI_AMQP_URL — RabbitMQ для зеркалирования событий (опционально)
	cfg.AMQPURL = getEnvDefault("RI_AMQP_URL", "")

	// RI_AMQP_EXCHANGE — topic exchange (по умолчанию r2r.events)
	cfg.AMQPExchange = getEnvDefault("RI_AMQP_EXCHANGE", "r2r.events")
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// RateLimitFor возвращает бюджет запросов на окно для класса операций.
func (c *Config) RateLimitFor(class string) int {
	if n, ok := c.RateLimitClasses[class]; ok {
		return n
	}
	return c.RateLimitDefaultMax
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvMaybeRequired — getEnvRequired, если required, иначе getEnvDefault с пустым значением.
func getEnvMaybeRequired(key string, required bool) (string, error) {
	if required {
		return getEnvRequired(key)
	}
	return os.Getenv(key), nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает значение с плавающей точкой или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// parseClassLimits разбирает список "класс=N" в карту бюджетов.
func parseClassLimits(s string) (map[string]int, error) {
	result := make(map[string]int)
	for _, item := range parseCSV(s) {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("некорректный элемент %q, ожидается класс=N", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("некорректный бюджет %q для класса %s", value, name)
		}
		result[name] = n
	}
	return result, nil
}
