// Пакет database — подключение к PostgreSQL ownCloud через pgxpool,
// применение миграций таблиц индексатора (golang-migrate) и проверка готовности.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owncloud/search-elastic-sub000/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable — таблица версий миграций. Отдельное имя, чтобы
// не пересекаться с другими приложениями в базе ownCloud.
const MigrationsTable = "search_schema_migrations"

// applicationName — имя подключений индексатора в pg_stat_activity.
const applicationName = "search-indexer"

// Connect открывает пул к базе ownCloud. Размер пула не меньше
// SI_CONCURRENCY + 2: по подключению на пользователя в пакете, плюс
// HTTP API и задание удаления исчезнувших файлов.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if minConns := int32(cfg.Concurrency + 2); poolCfg.MaxConns < minConns { //nolint:gosec // Concurrency ограничена конфигурацией
		poolCfg.MaxConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к базе ownCloud установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)

	return pool, nil
}

// Migrate применяет миграции таблиц search_*. Версия хранится в
// MigrationsTable, таблицы ownCloud не затрагиваются.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	dbURL := cfg.DatabaseURL("pgx5") + "&x-migrations-table=" + MigrationsTable

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)

	return nil
}

// ReadinessChecker проверяет, что база доступна и в ней есть
// oc_filecache: без таблиц хоста индексатору нечего читать.
type ReadinessChecker struct {
	pool   *pgxpool.Pool
	prefix string
}

// NewReadinessChecker создаёт проверку; prefix — префикс таблиц ownCloud.
func NewReadinessChecker(pool *pgxpool.Pool, prefix string) *ReadinessChecker {
	return &ReadinessChecker{pool: pool, prefix: prefix}
}

// CheckReady возвращает "ok" или "fail" с пояснением.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var present bool
	err := c.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, c.prefix+"filecache").Scan(&present)
	if err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	if !present {
		return "fail", fmt.Sprintf("таблица %sfilecache не найдена", c.prefix)
	}
	return "ok", "подключение активно"
}
