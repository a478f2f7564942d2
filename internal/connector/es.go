package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
)

// schema — то, чем коннекторы отличаются друг от друга.
type schema interface {
	name() string
	privateName() string
	definitionFile() string
	// document строит поля документа без содержимого.
	document(node *model.Node, access model.AccessSet) map[string]any
	// query строит поисковую часть запроса (query). filter — фильтр доступа.
	query(q string, filter map[string]any, withContent bool) map[string]any
	// mtime приводит сохранённое время изменения к unix-времени.
	mtime(raw any) any
}

// ESConnector — коннектор поверх индекса Elasticsearch.
type ESConnector struct {
	schema schema
	def    *definition
	deps   Deps
	logger *slog.Logger
}

func newESConnector(s schema, deps Deps) (*ESConnector, error) {
	if len(s.name()) > MaxNameLength {
		return nil, fmt.Errorf("имя коннектора %q длиннее %d символов", s.name(), MaxNameLength)
	}
	def, err := loadDefinition(s.definitionFile())
	if err != nil {
		return nil, err
	}
	return &ESConnector{
		schema: s,
		def:    def,
		deps:   deps,
		logger: deps.Logger.With(
			slog.String("component", "connector"),
			slog.String("connector", s.name()),
		),
	}, nil
}

// ConnectorName возвращает публичное имя коннектора.
func (c *ESConnector) ConnectorName() string {
	return c.schema.name()
}

// PrivateConnectorName возвращает имя, из которого строится имя индекса.
func (c *ESConnector) PrivateConnectorName() string {
	return c.schema.privateName()
}

// indexName возвращает имя индекса для текущего instance id.
func (c *ESConnector) indexName(ctx context.Context) (string, error) {
	instanceID, err := c.deps.Settings.InstanceID(ctx)
	if err != nil {
		return "", fmt.Errorf("получение instance id: %w", err)
	}
	return IndexName(instanceID, c.schema.privateName()), nil
}

// IsSetup проверяет наличие индекса и пайплайна.
func (c *ESConnector) IsSetup(ctx context.Context) (bool, error) {
	index, err := c.indexName(ctx)
	if err != nil {
		return false, err
	}
	ok, err := c.deps.Backend.IndexExists(ctx, index)
	if err != nil || !ok {
		return false, err
	}
	return c.deps.Backend.PipelineExists(ctx, PipelineName(index))
}

// PrepareIndex пересоздаёт пайплайн и индекс.
func (c *ESConnector) PrepareIndex(ctx context.Context) error {
	index, err := c.indexName(ctx)
	if err != nil {
		return err
	}
	pipeline := PipelineName(index)

	if err := c.deps.Backend.DeleteIndex(ctx, index); err != nil {
		return fmt.Errorf("удаление индекса %s: %w", index, err)
	}
	if err := c.deps.Backend.DeletePipeline(ctx, pipeline); err != nil {
		return fmt.Errorf("удаление пайплайна %s: %w", pipeline, err)
	}
	if err := c.deps.Backend.PutPipeline(ctx, pipeline, c.def.Pipeline); err != nil {
		return fmt.Errorf("создание пайплайна %s: %w", pipeline, err)
	}
	if err := c.deps.Backend.CreateIndex(ctx, index, c.def.indexBody()); err != nil {
		return fmt.Errorf("создание индекса %s: %w", index, err)
	}

	c.logger.Info("Индекс подготовлен",
		slog.String("index", index),
		slog.String("pipeline", pipeline),
	)
	return nil
}

// IndexNode записывает документ узла. При extractContent документ
// заменяется целиком: через пайплайн, если содержимое извлекается, иначе
// без пайплайна, чтобы не осталось содержимого прежней версии файла.
// Без extractContent обновляются только метаданные.
func (c *ESConnector) IndexNode(ctx context.Context, userID string, node *model.Node, extractContent bool) (bool, error) {
	index, err := c.indexName(ctx)
	if err != nil {
		return false, err
	}

	owner := node.Owner
	if owner == "" {
		owner = userID
	}
	access := c.deps.Access.Resolve(ctx, node, owner)
	doc := c.schema.document(node, access)
	id := strconv.FormatInt(node.FileID, 10)

	if extractContent {
		data, reasons, err := c.content(ctx, userID, node)
		if err != nil {
			return false, err
		}
		if len(reasons) == 0 {
			doc["data"] = data
			return c.result("index", node.FileID,
				c.deps.Backend.IndexDocument(ctx, index, id, PipelineName(index), doc))
		}
		c.logger.Debug("Содержимое не извлекается",
			slog.Int64("file_id", node.FileID),
			slog.String("reasons", strings.Join(reasons, ",")),
		)
		return c.result("index", node.FileID,
			c.deps.Backend.IndexDocument(ctx, index, id, "", doc))
	}

	return c.result("upsert", node.FileID, c.deps.Backend.UpsertDocument(ctx, index, id, doc))
}

// content читает содержимое узла в base64, если политика это разрешает.
// Возвращает причины отказа, если содержимое не извлекается.
func (c *ESConnector) content(ctx context.Context, userID string, node *model.Node) (string, []string, error) {
	policy, err := c.deps.Settings.ContentPolicy(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("получение политики содержимого: %w", err)
	}
	groups, err := c.deps.Groups.GroupsOf(ctx, userID)
	if err != nil {
		c.logger.Warn("Ошибка получения групп пользователя",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
	}

	if reasons := Eligibility(policy, node, groups); len(reasons) > 0 {
		return "", reasons, nil
	}

	rc, err := c.deps.Content.OpenContent(ctx, node)
	if errors.Is(err, model.ErrContentUnavailable) {
		return "", []string{ReasonContentUnavailable}, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("чтение содержимого файла %d: %w", node.FileID, err)
	}
	defer rc.Close()

	limit := node.Size
	if policy.MaxSize > 0 {
		limit = policy.MaxSize
	}
	raw, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return "", nil, fmt.Errorf("чтение содержимого файла %d: %w", node.FileID, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil, nil
}

// result переводит ответ бэкенда в (bool, error): отказ бэкенда — false без ошибки.
func (c *ESConnector) result(op string, fileID int64, err error) (bool, error) {
	if err == nil {
		requestsTotal.WithLabelValues(c.schema.name(), op, "ok").Inc()
		return true, nil
	}

	var respErr *esclient.ResponseError
	if errors.As(err, &respErr) {
		requestsTotal.WithLabelValues(c.schema.name(), op, "rejected").Inc()
		c.logger.Warn("Elasticsearch отклонил запрос",
			slog.String("operation", op),
			slog.Int64("file_id", fileID),
			slog.Int("status", respErr.StatusCode),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	requestsTotal.WithLabelValues(c.schema.name(), op, "error").Inc()
	return false, err
}

// FetchResults выполняет поиск от имени пользователя.
func (c *ESConnector) FetchResults(ctx context.Context, userID, query string, limit, offset int) (*ResultSet, error) {
	index, err := c.indexName(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := c.deps.Settings.ContentPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение политики содержимого: %w", err)
	}
	groups, err := c.deps.Groups.GroupsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение групп пользователя %s: %w", userID, err)
	}

	withContent := !policy.NoContent && !policy.InNoContentGroup(groups)
	body := map[string]any{
		"from":    offset,
		"size":    limit,
		"query":   c.schema.query(query, accessFilter(userID, groups), withContent),
		"_source": map[string]any{"excludes": []string{"attachment.content", "data"}},
	}
	if withContent {
		body["highlight"] = map[string]any{
			"fields": map[string]any{
				"attachment.content": map[string]any{
					"fragment_size":       150,
					"number_of_fragments": 3,
				},
			},
		}
	}

	resp, err := c.deps.Backend.Search(ctx, index, body)
	if err != nil {
		requestsTotal.WithLabelValues(c.schema.name(), "search", "error").Inc()
		return nil, fmt.Errorf("поиск в %s: %w", index, err)
	}
	requestsTotal.WithLabelValues(c.schema.name(), "search", "ok").Inc()

	return &ResultSet{
		Total: resp.Hits.Total.Value,
		Hits:  resp.Hits.Hits,
	}, nil
}

// accessFilter — документ доступен пользователю или одной из его групп.
func accessFilter(userID string, groups []string) map[string]any {
	should := []any{
		map[string]any{"term": map[string]any{"users": userID}},
	}
	if len(groups) > 0 {
		should = append(should, map[string]any{"terms": map[string]any{"groups": groups}})
	}
	return map[string]any{
		"bool": map[string]any{
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

// FindInResult нормализует поля найденного документа:
// id — int64, highlights — []string, mtime — unix-время, score — float64,
// остальные ключи берутся из _source как есть.
func (c *ESConnector) FindInResult(hit esclient.Hit, key string) any {
	switch key {
	case KeyID:
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			return nil
		}
		return id
	case KeyHighlights:
		return hit.Highlight["attachment.content"]
	case KeyScore:
		return hit.Score
	case KeyMTime:
		return c.schema.mtime(hit.Source[KeyMTime])
	default:
		return hit.Source[key]
	}
}

// DeleteByFileID удаляет документ файла.
func (c *ESConnector) DeleteByFileID(ctx context.Context, fileID int64) (bool, error) {
	index, err := c.indexName(ctx)
	if err != nil {
		return false, err
	}
	return c.result("delete", fileID,
		c.deps.Backend.DeleteDocument(ctx, index, strconv.FormatInt(fileID, 10)))
}

// GetStats возвращает статистику индекса.
func (c *ESConnector) GetStats(ctx context.Context) (map[string]any, error) {
	index, err := c.indexName(ctx)
	if err != nil {
		return nil, err
	}
	return c.deps.Backend.IndexStats(ctx, index)
}

// Optimize объединяет сегменты индекса.
func (c *ESConnector) Optimize(ctx context.Context) error {
	index, err := c.indexName(ctx)
	if err != nil {
		return err
	}
	return c.deps.Backend.ForceMerge(ctx, index)
}
