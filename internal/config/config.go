// Пакет config — загрузка и валидация конфигурации индексатора
// из переменных окружения (префикс SI_).
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

// Config содержит все параметры конфигурации индексатора.
// Значения индексации (max_size, nocontent и т.д.) — значения по умолчанию,
// их можно переопределить в таблице search_settings.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// --- PostgreSQL (база ownCloud) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	// Префикс таблиц ownCloud (oc_)
	DBTablePrefix string

	// Каталог данных ownCloud (datadirectory)
	DataDir string

	// --- Elasticsearch ---

	ESURL        string
	ESUsername   string
	ESPassword   string
	ESAPIKey     string
	ESCACertPath string
	ESTimeout    time.Duration
	ESMaxRetries int

	// --- Индексация (значения по умолчанию) ---

	// Максимальный размер файла для извлечения содержимого (байт)
	MaxFileSize int64
	// Глобальный запрет извлечения содержимого
	NoContent bool
	// Группы, для которых содержимое не индексируется и не ищется
	NoContentGroups []string
	// Индексировать внешние (не локальные) хранилища
	ScanExternalStorage bool
	// Пропускаемые каталоги (по умолчанию для всех пользователей)
	SkippedDirs []string
	// Коннекторы для записи
	WriteConnectors []string
	// Коннектор для поиска
	SearchConnector string
	// Идентификатор инсталляции (префикс имён индексов)
	InstanceID string

	// --- Кэш ---

	SettingsCacheSize int
	SettingsCacheTTL  time.Duration
	GroupCacheTTL     time.Duration

	// --- Фоновые задания ---

	JobsEnabled  bool
	JobsInterval time.Duration
	// Количество пользователей, обрабатываемых параллельно
	Concurrency int
	// Адрес Redis для распределённой блокировки (пусто — локальная блокировка)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// --- JWT ---

	// URL JWKS (пусто — API поиска не поднимается)
	JWKSURL             string
	JWKSCACertPath      string
	JWTIssuer           string
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration
	// Claim с идентификатором пользователя ownCloud
	JWTUserClaim string
	// Группы с доступом к /api/v1/status
	AdminGroups []string

	// --- Поиск ---

	SearchPageSize  int
	SearchMaxRounds int
	// Базовый URL ownCloud для ссылок в результатах поиска
	WebURL string

	// --- Dephealth ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool
}

// validSSLModes — допустимые режимы SSL PostgreSQL.
var validSSLModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// SI_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("SI_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("SI_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SI_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SI_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SI_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("SI_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SI_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("SI_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SI_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("SI_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("SI_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("SI_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("SI_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SI_SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("SI_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("SI_DB_HOST"); err != nil {
		return nil, err
	}
	if cfg.DBPort, err = getEnvInt("SI_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("SI_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("SI_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("SI_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("SI_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("SI_DB_SSL_MODE", "disable")
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("SI_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	cfg.DBTablePrefix = getEnvDefault("SI_DB_TABLE_PREFIX", "oc_")
	for _, r := range cfg.DBTablePrefix {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return nil, fmt.Errorf("SI_DB_TABLE_PREFIX: недопустимый символ %q", r)
		}
	}

	cfg.DataDir = getEnvDefault("SI_DATA_DIR", "/var/www/owncloud/data")

	// --- Elasticsearch ---

	if cfg.ESURL, err = getEnvRequired("SI_ES_URL"); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(cfg.ESURL, "http://") && !strings.HasPrefix(cfg.ESURL, "https://") {
		return nil, fmt.Errorf("SI_ES_URL: ожидается http:// или https://, получено %q", cfg.ESURL)
	}
	cfg.ESUsername = os.Getenv("SI_ES_USERNAME")
	cfg.ESPassword = os.Getenv("SI_ES_PASSWORD")
	cfg.ESAPIKey = os.Getenv("SI_ES_API_KEY")
	cfg.ESCACertPath = os.Getenv("SI_ES_CA_CERT_PATH")
	if cfg.ESTimeout, err = getEnvDuration("SI_ES_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SI_ES_TIMEOUT: %w", err)
	}
	if cfg.ESMaxRetries, err = getEnvInt("SI_ES_MAX_RETRIES", 3); err != nil {
		return nil, fmt.Errorf("SI_ES_MAX_RETRIES: %w", err)
	}

	// --- Индексация ---

	// SI_MAX_FILE_SIZE — 10 MiB по умолчанию
	if cfg.MaxFileSize, err = getEnvInt64("SI_MAX_FILE_SIZE", 10*1024*1024); err != nil {
		return nil, fmt.Errorf("SI_MAX_FILE_SIZE: %w", err)
	}
	if cfg.NoContent, err = getEnvBool("SI_NO_CONTENT", false); err != nil {
		return nil, fmt.Errorf("SI_NO_CONTENT: %w", err)
	}
	cfg.NoContentGroups = parseCSV(os.Getenv("SI_NO_CONTENT_GROUPS"))
	if cfg.ScanExternalStorage, err = getEnvBool("SI_SCAN_EXTERNAL_STORAGE", true); err != nil {
		return nil, fmt.Errorf("SI_SCAN_EXTERNAL_STORAGE: %w", err)
	}
	cfg.SkippedDirs = ParseList(getEnvDefault("SI_SKIPPED_DIRS", ".git;.svn;.CVS;.bzr"))
	cfg.WriteConnectors = parseCSV(getEnvDefault("SI_WRITE_CONNECTORS", "Legacy"))
	if len(cfg.WriteConnectors) == 0 {
		return nil, fmt.Errorf("SI_WRITE_CONNECTORS: список коннекторов пуст")
	}
	cfg.SearchConnector = getEnvDefault("SI_SEARCH_CONNECTOR", "Legacy")
	cfg.InstanceID = os.Getenv("SI_INSTANCE_ID")

	// --- Кэш ---

	if cfg.SettingsCacheSize, err = getEnvInt("SI_SETTINGS_CACHE_SIZE", 1000); err != nil {
		return nil, fmt.Errorf("SI_SETTINGS_CACHE_SIZE: %w", err)
	}
	if cfg.SettingsCacheTTL, err = getEnvDuration("SI_SETTINGS_CACHE_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SI_SETTINGS_CACHE_TTL: %w", err)
	}
	if cfg.GroupCacheTTL, err = getEnvDuration("SI_GROUP_CACHE_TTL", time.Minute); err != nil {
		return nil, fmt.Errorf("SI_GROUP_CACHE_TTL: %w", err)
	}

	// --- Фоновые задания ---

	if cfg.JobsEnabled, err = getEnvBool("SI_JOBS_ENABLED", true); err != nil {
		return nil, fmt.Errorf("SI_JOBS_ENABLED: %w", err)
	}
	if cfg.JobsInterval, err = getEnvDuration("SI_JOBS_INTERVAL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("SI_JOBS_INTERVAL: %w", err)
	}
	if cfg.Concurrency, err = getEnvInt("SI_CONCURRENCY", 1); err != nil {
		return nil, fmt.Errorf("SI_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("SI_CONCURRENCY: значение должно быть >= 1")
	}
	cfg.RedisAddr = os.Getenv("SI_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("SI_REDIS_PASSWORD")
	if cfg.RedisDB, err = getEnvInt("SI_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("SI_REDIS_DB: %w", err)
	}
	if cfg.LockTTL, err = getEnvDuration("SI_LOCK_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("SI_LOCK_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWKSURL = os.Getenv("SI_JWKS_URL")
	cfg.JWKSCACertPath = os.Getenv("SI_JWKS_CA_CERT_PATH")
	cfg.JWTIssuer = os.Getenv("SI_JWT_ISSUER")
	if cfg.JWKSClientTimeout, err = getEnvDuration("SI_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("SI_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("SI_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("SI_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("SI_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("SI_JWT_LEEWAY: %w", err)
	}
	cfg.JWTUserClaim = getEnvDefault("SI_JWT_USER_CLAIM", "preferred_username")
	cfg.AdminGroups = parseCSV(getEnvDefault("SI_ADMIN_GROUPS", "admin"))

	// --- Поиск ---

	if cfg.SearchPageSize, err = getEnvInt("SI_SEARCH_PAGE_SIZE", 30); err != nil {
		return nil, fmt.Errorf("SI_SEARCH_PAGE_SIZE: %w", err)
	}
	if cfg.SearchPageSize < 1 || cfg.SearchPageSize > 1000 {
		return nil, fmt.Errorf("SI_SEARCH_PAGE_SIZE: значение %d вне диапазона 1-1000", cfg.SearchPageSize)
	}
	if cfg.SearchMaxRounds, err = getEnvInt("SI_SEARCH_MAX_ROUNDS", 10); err != nil {
		return nil, fmt.Errorf("SI_SEARCH_MAX_ROUNDS: %w", err)
	}
	if cfg.SearchMaxRounds < 1 {
		return nil, fmt.Errorf("SI_SEARCH_MAX_ROUNDS: значение должно быть >= 1")
	}
	cfg.WebURL = strings.TrimRight(os.Getenv("SI_WEB_URL"), "/")

	// --- Dephealth ---

	cfg.DephealthGroup = getEnvDefault("SI_DEPHEALTH_GROUP", "owncloud")
	if cfg.DephealthCheckInterval, err = getEnvDuration("SI_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("SI_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false); err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
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

// DatabaseURL возвращает URL подключения (для golang-migrate и dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	return fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
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

// ParseList разбирает список, разделённый точкой с запятой
// (формат skipped_dirs в ownCloud).
func ParseList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
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

// getEnvInt64 — то же, что getEnvInt, для размеров в байтах.
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
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
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
// Пустые элементы отбрасываются.
func parseCSV(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
