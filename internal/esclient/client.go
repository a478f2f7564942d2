// Пакет esclient — клиент Elasticsearch для коннекторов индекса.
// Поддерживает TLS с кастомным CA (SI_ES_CA_CERT_PATH), basic auth и API key,
// повторы запросов средствами go-elasticsearch.
package esclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ErrNotFound — индекс, пайплайн или документ не найден.
var ErrNotFound = errors.New("не найдено в Elasticsearch")

// ResponseError — ответ Elasticsearch с кодом вне 2xx.
type ResponseError struct {
	Op         string
	StatusCode int
	Type       string
	Reason     string
}

func (e *ResponseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: статус %d: %s: %s", e.Op, e.StatusCode, e.Type, e.Reason)
	}
	return fmt.Sprintf("%s: статус %d", e.Op, e.StatusCode)
}

// Options — параметры подключения.
type Options struct {
	URL        string
	Username   string
	Password   string
	APIKey     string
	CACertPath string
	Timeout    time.Duration
	MaxRetries int
	// Transport подменяет HTTP-транспорт (тесты).
	Transport http.RoundTripper
}

// Client — клиент Elasticsearch.
type Client struct {
	es      *elasticsearch.Client
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// New создаёт клиент Elasticsearch.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	transport := opts.Transport
	if transport == nil {
		t := &http.Transport{
			MaxIdleConnsPerHost: 10,
		}
		if opts.CACertPath != "" {
			tlsConfig, err := buildTLSConfig(opts.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("загрузка CA-сертификата Elasticsearch: %w", err)
			}
			t.TLSClientConfig = tlsConfig
			logger.Info("CA-сертификат Elasticsearch добавлен в пул доверия",
				slog.String("ca_cert", opts.CACertPath),
			)
		}
		transport = t
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  []string{normalizeURL(opts.URL)},
		Username:   opts.Username,
		Password:   opts.Password,
		APIKey:     opts.APIKey,
		MaxRetries: opts.MaxRetries,
		Transport:  transport,
	})
	if err != nil {
		return nil, fmt.Errorf("создание клиента Elasticsearch: %w", err)
	}

	return &Client{
		es:      es,
		url:     normalizeURL(opts.URL),
		timeout: opts.Timeout,
		logger:  logger.With(slog.String("component", "es_client")),
	}, nil
}

// URL возвращает адрес кластера.
func (c *Client) URL() string {
	return c.url
}

// withTimeout ограничивает запрос таймаутом клиента.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// request — запрос esapi.
type request interface {
	Do(ctx context.Context, transport esapi.Transport) (*esapi.Response, error)
}

// do выполняет запрос и возвращает тело ответа.
// 404 превращается в ErrNotFound, прочие коды вне 2xx — в *ResponseError.
func (c *Client) do(ctx context.Context, op string, req request) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := req.Do(ctx, c.es)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: чтение ответа: %w", op, err)
	}

	if res.StatusCode == http.StatusNotFound {
		return body, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if res.IsError() {
		return body, parseError(op, res.StatusCode, body)
	}
	return body, nil
}

// parseError разбирает тело ошибки Elasticsearch.
func parseError(op string, status int, body []byte) error {
	var envelope struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	respErr := &ResponseError{Op: op, StatusCode: status}
	if json.Unmarshal(body, &envelope) == nil {
		respErr.Type = envelope.Error.Type
		respErr.Reason = envelope.Error.Reason
	}
	return respErr
}

// exists выполняет HEAD/GET-проверку существования.
func (c *Client) exists(ctx context.Context, op string, req request) (bool, error) {
	_, err := c.do(ctx, op, req)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IndexExists проверяет существование индекса.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	return c.exists(ctx, "проверка индекса "+index, esapi.IndicesExistsRequest{Index: []string{index}})
}

// CreateIndex создаёт индекс с настройками и маппингом из body.
func (c *Client) CreateIndex(ctx context.Context, index string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация настроек индекса %s: %w", index, err)
	}
	_, err = c.do(ctx, "создание индекса "+index, esapi.IndicesCreateRequest{
		Index: index,
		Body:  bytes.NewReader(data),
	})
	return err
}

// DeleteIndex удаляет индекс; отсутствие индекса не считается ошибкой.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, "удаление индекса "+index, esapi.IndicesDeleteRequest{Index: []string{index}})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PipelineExists проверяет существование ingest-пайплайна.
func (c *Client) PipelineExists(ctx context.Context, id string) (bool, error) {
	return c.exists(ctx, "проверка пайплайна "+id, esapi.IngestGetPipelineRequest{PipelineID: id})
}

// PutPipeline создаёт или заменяет ingest-пайплайн.
func (c *Client) PutPipeline(ctx context.Context, id string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация пайплайна %s: %w", id, err)
	}
	_, err = c.do(ctx, "создание пайплайна "+id, esapi.IngestPutPipelineRequest{
		PipelineID: id,
		Body:       bytes.NewReader(data),
	})
	return err
}

// DeletePipeline удаляет ingest-пайплайн; отсутствие не считается ошибкой.
func (c *Client) DeletePipeline(ctx context.Context, id string) error {
	_, err := c.do(ctx, "удаление пайплайна "+id, esapi.IngestDeletePipelineRequest{PipelineID: id})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IndexDocument записывает документ целиком. pipeline — ingest-пайплайн
// (пустая строка — без пайплайна).
func (c *Client) IndexDocument(ctx context.Context, index, id, pipeline string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("сериализация документа %s: %w", id, err)
	}
	_, err = c.do(ctx, "индексация документа "+id, esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Pipeline:   pipeline,
		Body:       bytes.NewReader(data),
	})
	return err
}

// UpsertDocument частично обновляет документ, создавая его при отсутствии.
// Поля, которых нет в fields, сохраняются.
func (c *Client) UpsertDocument(ctx context.Context, index, id string, fields any) error {
	data, err := json.Marshal(map[string]any{
		"doc":           fields,
		"doc_as_upsert": true,
	})
	if err != nil {
		return fmt.Errorf("сериализация документа %s: %w", id, err)
	}
	_, err = c.do(ctx, "обновление документа "+id, esapi.UpdateRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(data),
	})
	return err
}

// DeleteDocument удаляет документ; отсутствие не считается ошибкой.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	_, err := c.do(ctx, "удаление документа "+id, esapi.DeleteRequest{
		Index:      index,
		DocumentID: id,
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Hit — найденный документ.
type Hit struct {
	ID        string              `json:"_id"`
	Score     float64             `json:"_score"`
	Source    map[string]any      `json:"_source"`
	Highlight map[string][]string `json:"highlight"`
}

// SearchResponse — разобранный ответ _search.
type SearchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// Search выполняет запрос к индексу.
func (c *Client) Search(ctx context.Context, index string, query any) (*SearchResponse, error) {
	data, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса: %w", err)
	}
	body, err := c.do(ctx, "поиск в "+index, esapi.SearchRequest{
		Index:          []string{index},
		Body:           bytes.NewReader(data),
		TrackTotalHits: true,
	})
	if err != nil {
		return nil, err
	}

	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("разбор ответа поиска: %w", err)
	}
	return &resp, nil
}

// IndexStats возвращает статистику индекса без изменений.
func (c *Client) IndexStats(ctx context.Context, index string) (map[string]any, error) {
	body, err := c.do(ctx, "статистика "+index, esapi.IndicesStatsRequest{Index: []string{index}})
	if err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("разбор статистики %s: %w", index, err)
	}
	return stats, nil
}

// ForceMerge объединяет сегменты индекса.
func (c *Client) ForceMerge(ctx context.Context, index string) error {
	_, err := c.do(ctx, "force merge "+index, esapi.IndicesForcemergeRequest{Index: []string{index}})
	return err
}

// ClusterHealth возвращает статус кластера (green, yellow, red).
func (c *Client) ClusterHealth(ctx context.Context) (string, error) {
	body, err := c.do(ctx, "состояние кластера", esapi.ClusterHealthRequest{})
	if err != nil {
		return "", err
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return "", fmt.Errorf("разбор состояния кластера: %w", err)
	}
	return health.Status, nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
