package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/owncloud/search-elastic-sub000/internal/access"
	"github.com/owncloud/search-elastic-sub000/internal/catalog"
	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/database"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
	"github.com/owncloud/search-elastic-sub000/internal/lock"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
	"github.com/owncloud/search-elastic-sub000/internal/service"
	"github.com/owncloud/search-elastic-sub000/internal/settings"
)

// lockPrefix — префикс ключей распределённых блокировок в Redis.
const lockPrefix = "search-indexer:lock:"

// app — собранные зависимости, общие для всех команд.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *pgxpool.Pool
	tx       *repository.TxRunner
	status   repository.StatusStore
	catalog  *catalog.Catalog
	settings *settings.Provider
	es       *esclient.Client
	hub      *hub.Hub
	indexing *service.IndexingService
	jobs     *service.Jobs

	redis *redis.Client
}

// newApp загружает конфигурацию, применяет миграции и собирает
// сервисный слой. Вызывающий обязан вызвать Close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)

	if err := database.Migrate(cfg, logger); err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		tx:     repository.NewTxRunner(pool),
		status: repository.NewStatusStore(pool, cfg.DBTablePrefix),
	}
	a.catalog = catalog.New(pool, cfg.DBTablePrefix, cfg.DataDir, cfg.GroupCacheTTL, logger)
	a.settings = settings.New(repository.NewSettingsStore(pool), cfg, logger)

	a.es, err = esclient.New(esclient.Options{
		URL:        cfg.ESURL,
		Username:   cfg.ESUsername,
		Password:   cfg.ESPassword,
		APIKey:     cfg.ESAPIKey,
		CACertPath: cfg.ESCACertPath,
		Timeout:    cfg.ESTimeout,
		MaxRetries: cfg.ESMaxRetries,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := connector.Deps{
		Backend:  a.es,
		Access:   access.NewResolver(a.catalog, logger),
		Groups:   a.catalog,
		Content:  a.catalog,
		Settings: a.settings,
		Logger:   logger,
	}
	legacy, err := connector.NewLegacy(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	relevance, err := connector.NewRelevanceV2(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.hub = hub.New(a.settings, connector.LegacyName, logger)
	a.hub.RegisterConnector(legacy)
	a.hub.RegisterConnector(relevance)

	a.indexing = service.NewIndexingService(a.status, a.catalog, a.hub, a.settings, logger)

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.jobs = service.NewJobs(a.indexing, a.catalog, locker, cfg.LockTTL, cfg.Concurrency, logger)

	return a, nil
}

// newLocker выбирает Redis-блокировку при заданном SI_REDIS_ADDR,
// иначе блокировку в пределах процесса.
func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisAddr == "" {
		a.logger.Info("SI_REDIS_ADDR не задан, используется локальная блокировка заданий")
		return lock.NewLocalLocker(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	locker := lock.NewRedisLocker(a.redis, lockPrefix, a.logger)
	if err := locker.Ping(ctx); err != nil {
		return nil, err
	}
	a.logger.Info("Распределённая блокировка заданий через Redis",
		slog.String("addr", a.cfg.RedisAddr),
	)
	return locker, nil
}

// Close освобождает подключения.
func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}
