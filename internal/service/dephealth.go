// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Индексатор мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - Elasticsearch — HTTP checker к /_cluster/health (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// esHealthPath — путь проверки состояния кластера Elasticsearch.
const esHealthPath = "/_cluster/health"

// DephealthOptions — параметры мониторинга зависимостей.
type DephealthOptions struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (SI_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL для лейблов метрик
	PGConnURL string
	// ESURL — адрес Elasticsearch
	ESURL         string
	CheckInterval time.Duration
	// IsEntry — добавить лейбл isentry=yes ко всем зависимостям
	IsEntry bool
	// Registerer — Prometheus registerer (nil — глобальный)
	Registerer prometheus.Registerer
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
func NewDephealthService(opts DephealthOptions, logger *slog.Logger) (*DephealthService, error) {
	common := []dephealth.DependencyOption{
		dephealth.CheckInterval(opts.CheckInterval),
		dephealth.Critical(true),
	}
	if opts.IsEntry {
		common = append(common, dephealth.WithLabel("isentry", "yes"))
	}

	pgDepOpts := append([]dephealth.DependencyOption{dephealth.FromURL(opts.PGConnURL)}, common...)

	esURL := dependencyURL(opts.ESURL)
	esDepOpts := append([]dephealth.DependencyOption{
		dephealth.FromURL(esURL),
		dephealth.WithHTTPHealthPath(esHealthPath),
	}, common...)
	if parsed, err := url.Parse(esURL); err == nil && parsed.Scheme == "https" {
		esDepOpts = append(esDepOpts, dephealth.WithHTTPTLSSkipVerify(false))
	}

	dhOpts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(opts.DB)), pgDepOpts...),
		dephealth.HTTP("elasticsearch", esDepOpts...),
	}
	if opts.Registerer != nil {
		dhOpts = append(dhOpts, dephealth.WithRegisterer(opts.Registerer))
	}

	dh, err := dephealth.New(opts.ServiceID, opts.Group, dhOpts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// dependencyURL убирает учётные данные и путь из адреса зависимости.
func dependencyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = nil
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + Elasticsearch)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
