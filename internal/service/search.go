// search.go — сервис поиска: запрос к search-коннектору Hub и
// преобразование результатов в узлы ownCloud пользователя.
package service

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/esclient"
)

// Prometheus-метрики поиска.
var (
	searchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_search_total",
		Help: "Общее количество поисковых запросов.",
	})
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "si_search_duration_seconds",
		Help:    "Длительность поисковых запросов.",
		Buckets: prometheus.DefBuckets,
	})
	searchDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_search_dropped_hits_total",
		Help: "Общее количество отброшенных результатов, не разрешённых в узел.",
	})
)

// SearchHub — операции Hub, используемые при поиске.
type SearchHub interface {
	FetchResults(ctx context.Context, userID, query string, limit, offset int) (*connector.ResultSet, connector.Connector, error)
}

// NodeResolver разрешает file id в узел пользователя.
type NodeResolver interface {
	Resolve(ctx context.Context, userID string, fileID int64) (*model.Node, error)
}

// SearchOptions — параметры сервиса поиска.
type SearchOptions struct {
	// PageSize — размер страницы по умолчанию
	PageSize int
	// MaxRounds — максимум запросов к бэкенду на одну страницу
	MaxRounds int
	// WebURL — базовый URL веб-интерфейса ownCloud для ссылок
	WebURL string
}

// SearchService — поиск файлов пользователя.
type SearchService struct {
	hub      SearchHub
	resolver NodeResolver
	opts     SearchOptions
	logger   *slog.Logger
}

// NewSearchService создаёт сервис поиска.
func NewSearchService(hub SearchHub, resolver NodeResolver, opts SearchOptions, logger *slog.Logger) *SearchService {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	opts.WebURL = strings.TrimSuffix(opts.WebURL, "/")
	return &SearchService{
		hub:      hub,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With(slog.String("component", "search_service")),
	}
}

// Search выполняет поиск с позиции cursor бэкенда.
//
// Результаты, которые не разрешаются в узел пользователя, отбрасываются,
// и бэкенд запрашивается повторно, пока страница не заполнится, результаты
// не закончатся или не будет исчерпан лимит запросов. NextCursor — позиция
// бэкенда, с которой продолжается следующая страница.
func (s *SearchService) Search(ctx context.Context, userID, query string, cursor, pageSize int) (*model.SearchPage, error) {
	page := &model.SearchPage{
		Results:    []model.SearchResult{},
		Cursor:     cursor,
		NextCursor: cursor,
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return page, nil
	}
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	if cursor < 0 {
		cursor = 0
		page.Cursor = 0
	}

	start := time.Now()
	searchTotal.Inc()

	pos := cursor
	exhausted := false
	for round := 0; round < s.opts.MaxRounds && len(page.Results) < pageSize; round++ {
		need := pageSize - len(page.Results)
		rs, conn, err := s.hub.FetchResults(ctx, userID, query, need, pos)
		if err != nil {
			return nil, err
		}
		page.Total = rs.Total

		for _, hit := range rs.Hits {
			pos++
			result, ok := s.mapHit(ctx, userID, conn, hit)
			if !ok {
				page.Dropped++
				continue
			}
			page.Results = append(page.Results, result)
		}

		if len(rs.Hits) < need || int64(pos) >= rs.Total {
			exhausted = true
			break
		}
	}

	page.NextCursor = pos
	page.HasMore = !exhausted && int64(pos) < page.Total
	searchDroppedTotal.Add(float64(page.Dropped))

	duration := time.Since(start)
	searchDuration.Observe(duration.Seconds())
	s.logger.Debug("Поиск выполнен",
		slog.String("user", userID),
		slog.Int64("total", page.Total),
		slog.Int("returned", len(page.Results)),
		slog.Int("dropped", page.Dropped),
		slog.Duration("duration", duration),
	)
	return page, nil
}

// mapHit разрешает результат бэкенда в узел пользователя.
func (s *SearchService) mapHit(ctx context.Context, userID string, conn connector.Connector, hit esclient.Hit) (model.SearchResult, bool) {
	id, ok := conn.FindInResult(hit, connector.KeyID).(int64)
	if !ok {
		s.logger.Warn("Результат без числового id", slog.String("id", hit.ID))
		return model.SearchResult{}, false
	}

	node, err := s.resolver.Resolve(ctx, userID, id)
	if err != nil {
		s.logger.Info("Результат поиска не разрешается в узел пользователя, отброшен",
			slog.String("user", userID),
			slog.Int64("file_id", id),
			slog.String("error", err.Error()),
		)
		return model.SearchResult{}, false
	}

	result := model.SearchResult{
		ID:          node.FileID,
		Path:        node.UserRelativePath(),
		Name:        node.Name,
		Size:        node.Size,
		MimeType:    node.MimeType,
		Type:        "file",
		Permissions: node.Permissions,
		MTime:       node.MTime,
	}
	if node.IsFolder() {
		result.Type = "folder"
	}
	if score, ok := conn.FindInResult(hit, connector.KeyScore).(float64); ok {
		result.Score = score
	}
	if hl, ok := conn.FindInResult(hit, connector.KeyHighlights).([]string); ok {
		result.Highlights = hl
	}
	if mtime, ok := conn.FindInResult(hit, connector.KeyMTime).(int64); ok && result.MTime == 0 {
		result.MTime = mtime
	}
	result.Link = s.link(result.Path, node.IsFolder())
	return result, true
}

// link строит ссылку веб-интерфейса: каталог открывается, к файлу
// выполняется прокрутка в родительском каталоге.
func (s *SearchService) link(p string, folder bool) string {
	v := url.Values{}
	if folder {
		v.Set("dir", p)
	} else {
		v.Set("dir", path.Dir(p))
		v.Set("scrollto", path.Base(p))
	}
	return s.opts.WebURL + "/index.php/apps/files/?" + v.Encode()
}
