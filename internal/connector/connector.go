// Пакет connector — схемы индекса Elasticsearch: маппинг, пайплайн
// извлечения содержимого, построение запросов и нормализация результатов.
// Hub работает только с интерфейсом Connector.
package connector

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
)

// MaxNameLength — максимальная длина публичного имени коннектора
// (используется как часть ключа настроек).
const MaxNameLength = 30

// Канонические ключи FindInResult.
const (
	KeyID         = "id"
	KeyHighlights = "highlights"
	KeyMTime      = "mtime"
	KeyScore      = "score"
)

// Prometheus-метрики коннекторов.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "si_connector_requests_total",
		Help: "Общее количество запросов коннекторов к Elasticsearch.",
	}, []string{"connector", "operation", "result"})
)

// Connector — схема индекса поверх одного индекса Elasticsearch.
type Connector interface {
	// IsSetup — индекс и пайплайн существуют. Ошибка — бэкенд недоступен.
	IsSetup(ctx context.Context) (bool, error)
	// PrepareIndex пересоздаёт индекс и пайплайн. Данные индекса теряются.
	PrepareIndex(ctx context.Context) error
	// IndexNode записывает документ узла. false — бэкенд отклонил запрос.
	IndexNode(ctx context.Context, userID string, node *model.Node, extractContent bool) (bool, error)
	// FetchResults выполняет поиск от имени пользователя.
	FetchResults(ctx context.Context, userID, query string, limit, offset int) (*ResultSet, error)
	// FindInResult возвращает значение канонического ключа из найденного документа.
	FindInResult(hit esclient.Hit, key string) any
	// DeleteByFileID удаляет документ; отсутствие документа — успех.
	DeleteByFileID(ctx context.Context, fileID int64) (bool, error)
	// GetStats возвращает статистику индекса.
	GetStats(ctx context.Context) (map[string]any, error)
	// Optimize объединяет сегменты индекса.
	Optimize(ctx context.Context) error

	ConnectorName() string
	PrivateConnectorName() string
}

// ResultSet — страница результатов бэкенда.
type ResultSet struct {
	Total int64
	Hits  []esclient.Hit
}

// Backend — операции Elasticsearch, которые использует коннектор.
type Backend interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, body any) error
	DeleteIndex(ctx context.Context, index string) error
	PipelineExists(ctx context.Context, id string) (bool, error)
	PutPipeline(ctx context.Context, id string, body any) error
	DeletePipeline(ctx context.Context, id string) error
	IndexDocument(ctx context.Context, index, id, pipeline string, doc any) error
	UpsertDocument(ctx context.Context, index, id string, fields any) error
	DeleteDocument(ctx context.Context, index, id string) error
	Search(ctx context.Context, index string, query any) (*esclient.SearchResponse, error)
	IndexStats(ctx context.Context, index string) (map[string]any, error)
	ForceMerge(ctx context.Context, index string) error
}

// AccessResolver вычисляет пользователей и группы с доступом к узлу.
type AccessResolver interface {
	Resolve(ctx context.Context, node *model.Node, owner string) model.AccessSet
}

// GroupLookup возвращает группы пользователя.
type GroupLookup interface {
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// ContentReader открывает содержимое файла.
type ContentReader interface {
	OpenContent(ctx context.Context, node *model.Node) (io.ReadCloser, error)
}

// Settings — настройки, от которых зависит коннектор.
type Settings interface {
	InstanceID(ctx context.Context) (string, error)
	ContentPolicy(ctx context.Context) (model.ContentPolicy, error)
}

// Deps — зависимости коннектора.
type Deps struct {
	Backend  Backend
	Access   AccessResolver
	Groups   GroupLookup
	Content  ContentReader
	Settings Settings
	Logger   *slog.Logger
}

// IndexName возвращает имя индекса: oc-<instanceid>-<private> в нижнем регистре.
func IndexName(instanceID, privateName string) string {
	return strings.ToLower("oc-" + instanceID + "-" + privateName)
}

// PipelineName возвращает имя ingest-пайплайна индекса.
func PipelineName(index string) string {
	return index + "-attachments"
}
