// Пакет config — загрузка и валидация конфигурации панели управления
// игровыми серверами из переменных окружения.
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

// Config содержит все параметры конфигурации панели.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT пользователей (выпускает внешний IdP) ---

	// Ожидаемый issuer JWT
	JWTIssuer string
	// URL JWKS endpoint IdP
	JWTJWKSURL string
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Путь к CA-сертификату для TLS-соединений с IdP (опционально)
	JWTCACertPath string

	// --- Агенты на нодах ---

	// Таймаут HTTP-запросов к агенту. Единственное ограничение
	// длительности саги создания/удаления сервера.
	AgentTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с агентами (опционально)
	AgentCACertPath string
	// Время жизни токена websocket-консоли
	WebsocketTokenTTL time.Duration

	// --- Фильтр игнорируемых файлов ---

	// Максимальное число скомпилированных матчеров в памяти
	IgnoreCacheSize int

	// --- Журнал активности ---

	// URL NATS для трансляции событий активности (опционально)
	NATSURL string
	// Subject NATS для событий активности
	NATSActivitySubject string

	// --- Мониторинг зависимостей ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// GP_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("GP_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("GP_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("GP_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("GP_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("GP_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("GP_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("GP_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("GP_DB_HOST"); err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("GP_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("GP_DB_PORT: %w", err)
	}

	if cfg.DBName, err = getEnvRequired("GP_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("GP_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("GP_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("GP_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("GP_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	// GP_JWT_ISSUER — обязательный, issuer токенов IdP
	if cfg.JWTIssuer, err = getEnvRequired("GP_JWT_ISSUER"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = strings.TrimRight(cfg.JWTIssuer, "/")

	// GP_JWT_JWKS_URL — по умолчанию OIDC-путь относительно issuer
	cfg.JWTJWKSURL = getEnvDefault("GP_JWT_JWKS_URL",
		cfg.JWTIssuer+"/protocol/openid-connect/certs")

	cfg.JWKSClientTimeout, err = getEnvDuration("GP_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GP_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("GP_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GP_JWKS_REFRESH_INTERVAL: %w", err)
	}

	cfg.JWTLeeway, err = getEnvDuration("GP_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GP_JWT_LEEWAY: %w", err)
	}

	// --- Агенты ---

	cfg.AgentTimeout, err = getEnvDuration("GP_AGENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GP_AGENT_TIMEOUT: %w", err)
	}
	if cfg.AgentTimeout <= 0 {
		return nil, fmt.Errorf("GP_AGENT_TIMEOUT: значение должно быть положительным")
	}

	cfg.AgentCACertPath = getEnvDefault("GP_AGENT_CA_CERT_PATH", "")
	cfg.JWTCACertPath = getEnvDefault("GP_JWT_CA_CERT_PATH", "")

	cfg.WebsocketTokenTTL, err = getEnvDuration("GP_WEBSOCKET_TOKEN_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("GP_WEBSOCKET_TOKEN_TTL: %w", err)
	}

	// --- Фильтр игнорируемых файлов ---

	cfg.IgnoreCacheSize, err = getEnvInt("GP_IGNORE_CACHE_SIZE", 4096)
	if err != nil {
		return nil, fmt.Errorf("GP_IGNORE_CACHE_SIZE: %w", err)
	}
	if cfg.IgnoreCacheSize < 1 {
		return nil, fmt.Errorf("GP_IGNORE_CACHE_SIZE: значение %d должно быть не меньше 1", cfg.IgnoreCacheSize)
	}

	// --- Журнал активности ---

	cfg.NATSURL = getEnvDefault("GP_NATS_URL", "")
	if cfg.NATSURL != "" {
		if _, err := url.Parse(cfg.NATSURL); err != nil {
			return nil, fmt.Errorf("GP_NATS_URL: некорректный URL %q", cfg.NATSURL)
		}
	}
	cfg.NATSActivitySubject = getEnvDefault("GP_NATS_ACTIVITY_SUBJECT", "gamepanel.activity")

	// --- Мониторинг зависимостей ---

	cfg.DephealthGroup = getEnvDefault("GP_DEPHEALTH_GROUP", "gamepanel")

	cfg.DephealthCheckInterval, err = getEnvDuration("GP_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GP_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("GP_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("GP_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
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
	return fmt.Sprintf("postgresql://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// MigrateURL возвращает URL для golang-migrate (драйвер pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
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

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

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
