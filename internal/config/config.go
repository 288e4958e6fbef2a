// Пакет config — загрузка и валидация конфигурации Ingest Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// minPartSize — минимальный размер части multipart-загрузки,
// ограничение S3-совместимых хранилищ (5 MiB).
const minPartSize = 5 * 1024 * 1024

// Config содержит все параметры конфигурации Ingest Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 60s)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration
	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- S3 (blob-хранилище загрузок) ---

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// --- Сервис индексации ---

	// Базовый URL внешнего сервиса индексации
	IndexerURL string
	// Таймаут HTTP-запросов к сервису индексации (по умолчанию 30s)
	IndexerTimeout time.Duration
	// Клиентское ограничение частоты запросов, запросов/сек (0 — без лимита)
	IndexerRateLimitRPS float64
	// Статический Bearer-токен для сервиса индексации (опционально)
	IndexerToken string

	// --- Координация индексации ---

	// Интервал опроса статуса активного задания (по умолчанию 5s)
	PollInterval time.Duration
	// База экспоненциального backoff при rate limit (по умолчанию 500ms)
	SyncRetryBase time.Duration
	// Максимум повторов запуска при rate limit (по умолчанию 5)
	SyncRetryMaxAttempts uint64
	// Порог зависания задания для sweep (по умолчанию 30m)
	JobStaleAfter time.Duration
	// Интервал запуска sweep (по умолчанию 5m)
	SweepInterval time.Duration
	// Непустое значение сворачивает все tenant-ы в один общий scope
	GlobalScope string

	// --- Загрузка ---

	// Размер части multipart-загрузки (по умолчанию 8 MiB, минимум 5 MiB)
	PartSize int64

	// --- Кэш статусов файлов ---

	// Максимальное количество записей в кэше (по умолчанию 1024)
	CacheSize int
	// TTL записи кэша (по умолчанию 30s)
	CacheTTL time.Duration

	// --- JWT / JWKS ---

	// URL JWKS endpoint Admin Module
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Ожидаемый issuer токенов (опционально)
	JWTIssuer string
	// Группы IdP с ролью admin
	AdminGroups []string
	// Группы IdP с ролью readonly
	ReadonlyGroups []string
	// Таймаут HTTP-клиента JWKS (по умолчанию 10s)
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS (по умолчанию 5m)
	JWKSRefreshInterval time.Duration
	// Допуск расхождения часов при проверке exp/nbf (по умолчанию 30s)
	JWTLeeway time.Duration

	// --- topologymetrics ---

	// Имя вершины графа текущего приложения
	InstanceID string
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей (по умолчанию 15s)
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("IM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if cfg.Port < 8040 || cfg.Port > 8049 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 8040-8049", cfg.Port)
	}

	// IM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	// IM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("IM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("IM_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("IM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	// IM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}

	// IM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// IM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return nil, err
	}

	// IM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IM_DB_SSLMODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSLMODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IM_DB_SSLMODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- S3 ---

	// IM_S3_ENDPOINT — обязательный
	cfg.S3Endpoint, err = getEnvRequired("IM_S3_ENDPOINT")
	if err != nil {
		return nil, err
	}

	// IM_S3_REGION — регион (по умолчанию us-east-1, как у MinIO)
	cfg.S3Region = getEnvDefault("IM_S3_REGION", "us-east-1")

	// IM_S3_BUCKET — обязательный
	cfg.S3Bucket, err = getEnvRequired("IM_S3_BUCKET")
	if err != nil {
		return nil, err
	}

	// IM_S3_ACCESS_KEY — обязательный
	cfg.S3AccessKey, err = getEnvRequired("IM_S3_ACCESS_KEY")
	if err != nil {
		return nil, err
	}

	// IM_S3_SECRET_KEY — обязательный
	cfg.S3SecretKey, err = getEnvRequired("IM_S3_SECRET_KEY")
	if err != nil {
		return nil, err
	}

	// --- Сервис индексации ---

	// IM_INDEXER_URL — обязательный
	cfg.IndexerURL, err = getEnvRequired("IM_INDEXER_URL")
	if err != nil {
		return nil, err
	}

	cfg.IndexerTimeout, err = getEnvDuration("IM_INDEXER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_INDEXER_TIMEOUT: %w", err)
	}

	// IM_INDEXER_RATE_LIMIT_RPS — клиентский rate limit (по умолчанию 10, 0 — выкл)
	cfg.IndexerRateLimitRPS, err = getEnvFloat("IM_INDEXER_RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("IM_INDEXER_RATE_LIMIT_RPS: %w", err)
	}
	if cfg.IndexerRateLimitRPS < 0 {
		return nil, fmt.Errorf("IM_INDEXER_RATE_LIMIT_RPS: значение не может быть отрицательным")
	}

	// IM_INDEXER_TOKEN — статический Bearer-токен (опционально)
	cfg.IndexerToken = getEnvDefault("IM_INDEXER_TOKEN", "")

	// --- Координация индексации ---

	cfg.PollInterval, err = getEnvDuration("IM_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("IM_POLL_INTERVAL: значение должно быть положительным")
	}

	cfg.SyncRetryBase, err = getEnvDuration("IM_SYNC_RETRY_BASE", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("IM_SYNC_RETRY_BASE: %w", err)
	}

	retryMax, err := getEnvInt("IM_SYNC_RETRY_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("IM_SYNC_RETRY_MAX_ATTEMPTS: %w", err)
	}
	if retryMax < 0 {
		return nil, fmt.Errorf("IM_SYNC_RETRY_MAX_ATTEMPTS: значение не может быть отрицательным")
	}
	cfg.SyncRetryMaxAttempts = uint64(retryMax)

	// IM_JOB_STALE_AFTER — порог зависания задания (по умолчанию 30m).
	// Консервативно большой: долгие задания не должны попадать под sweep.
	cfg.JobStaleAfter, err = getEnvDuration("IM_JOB_STALE_AFTER", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_JOB_STALE_AFTER: %w", err)
	}

	cfg.SweepInterval, err = getEnvDuration("IM_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_SWEEP_INTERVAL: %w", err)
	}

	// IM_GLOBAL_SCOPE — общий scope для всех tenant-ов (по умолчанию пусто:
	// каждый tenant — отдельный scope с собственной очередью)
	cfg.GlobalScope = getEnvDefault("IM_GLOBAL_SCOPE", "")

	// --- Загрузка ---

	// IM_PART_SIZE — размер части multipart-загрузки (по умолчанию 8 MiB)
	cfg.PartSize, err = getEnvInt64("IM_PART_SIZE", 8*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("IM_PART_SIZE: %w", err)
	}
	if cfg.PartSize < minPartSize {
		return nil, fmt.Errorf("IM_PART_SIZE: значение %d меньше минимума S3 multipart (%d)", cfg.PartSize, minPartSize)
	}

	// --- Кэш ---

	cfg.CacheSize, err = getEnvInt("IM_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("IM_CACHE_SIZE: значение должно быть положительным")
	}

	cfg.CacheTTL, err = getEnvDuration("IM_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_TTL: %w", err)
	}

	// --- JWT / JWKS ---

	// IM_JWKS_URL — обязательный
	cfg.JWKSUrl, err = getEnvRequired("IM_JWKS_URL")
	if err != nil {
		return nil, err
	}

	// IM_JWKS_CA_CERT — путь к CA-сертификату (опционально)
	cfg.JWKSCACert = getEnvDefault("IM_JWKS_CA_CERT", "")

	// IM_JWT_ISSUER — ожидаемый issuer (опционально, пусто — не проверять)
	cfg.JWTIssuer = getEnvDefault("IM_JWT_ISSUER", "")

	// IM_ADMIN_GROUPS — группы IdP с ролью admin (через запятую)
	cfg.AdminGroups = splitGroups(getEnvDefault("IM_ADMIN_GROUPS", "/artstore-admins"))

	// IM_READONLY_GROUPS — группы IdP с ролью readonly (через запятую)
	cfg.ReadonlyGroups = splitGroups(getEnvDefault("IM_READONLY_GROUPS", "/artstore-viewers"))

	cfg.JWKSClientTimeout, err = getEnvDuration("IM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("IM_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWTLeeway, err = getEnvDuration("IM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_JWT_LEEWAY: %w", err)
	}

	// --- topologymetrics ---

	// IM_INSTANCE_ID — имя вершины графа (по умолчанию hostname)
	cfg.InstanceID = getEnvDefault("IM_INSTANCE_ID", "")
	if cfg.InstanceID == "" {
		hostname, herr := os.Hostname()
		if herr != nil {
			hostname = "ingest-module"
		}
		cfg.InstanceID = hostname
	}

	// IM_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию "ingest-module")
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "ingest-module")

	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения pgx к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	return d, nil
}

// splitGroups разбирает список групп, разделённых запятыми.
func splitGroups(val string) []string {
	parts := strings.Split(val, ",")
	groups := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
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
