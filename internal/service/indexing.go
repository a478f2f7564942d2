// indexing.go — сервис индексации: пакетная обработка файлов через
// машину состояний search_file_status и запись документов в Hub.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"github.com/owncloud/search-elastic-sub000/internal/catalog"
	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
)

// Ошибки сервисного слоя.
var (
	// ErrUserNotFound — пользователь не существует.
	ErrUserNotFound = errors.New("пользователь не найден")
	// ErrUnknownConnector — коннектор не зарегистрирован.
	ErrUnknownConnector = errors.New("коннектор не зарегистрирован")
)

// Сообщения, записываемые в search_file_status.
const (
	vanishedMessage    = "File vanished"
	indexFailedMessage = "Error indexing file"
)

// deleteChunkSize — размер пачки при удалении исчезнувших файлов.
const deleteChunkSize = 500

// Prometheus-метрики индексации.
var (
	indexedFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "si_indexing_files_total",
		Help: "Общее количество обработанных файлов по результату.",
	}, []string{"outcome"})
	indexBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "si_indexing_batch_duration_seconds",
		Help:    "Длительность пакета индексации.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})
	vanishedDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_indexing_vanished_deleted_total",
		Help: "Общее количество удалённых записей исчезнувших файлов.",
	})
)

// Catalog — файловый каталог ownCloud, необходимый сервисам.
type Catalog interface {
	Resolve(ctx context.Context, userID string, fileID int64) (*model.Node, error)
	HomeFolder(ctx context.Context, userID string) (*model.Node, error)
	Children(ctx context.Context, fileID int64) ([]catalog.Child, error)
	Users(ctx context.Context) ([]string, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	HomeScope(ctx context.Context, userID string, scanExternal bool) ([]int64, error)
}

// IndexHub — операции Hub, используемые при индексации.
type IndexHub interface {
	PrepareWriteIndexes(ctx context.Context, force bool) (bool, error)
	IndexNode(ctx context.Context, userID string, node *model.Node, extractContent bool) (bool, error)
	DeleteByFileID(ctx context.Context, fileID int64) (bool, error)
	Optimize(ctx context.Context) error
	Connector(name string) (connector.Connector, bool)
}

// IndexSettings — настройки, влияющие на индексацию.
type IndexSettings interface {
	SkippedDirs(ctx context.Context, userID string) ([]string, error)
	ScanExternalStorages(ctx context.Context) (bool, error)
	FillCursor(ctx context.Context, userID, connectorName string) (int64, error)
	SetFillCursor(ctx context.Context, userID, connectorName string, fileID int64) error
	ClearFillCursor(ctx context.Context, userID, connectorName string) error
}

// BatchResult — итог пакета индексации.
type BatchResult struct {
	// Processed — количество обработанных файлов
	Processed int
	// Counts — количество файлов по видам результата
	Counts map[model.OutcomeKind]int
	// Outcomes — результат по каждому file id
	Outcomes map[int64]model.Outcome
}

func newBatchResult() BatchResult {
	return BatchResult{
		Counts:   make(map[model.OutcomeKind]int),
		Outcomes: make(map[int64]model.Outcome),
	}
}

func (r *BatchResult) add(fileID int64, o model.Outcome) {
	r.Processed++
	r.Counts[o.Kind]++
	r.Outcomes[fileID] = o
}

// Merge добавляет результаты другого пакета.
func (r *BatchResult) Merge(other BatchResult) {
	r.Processed += other.Processed
	for k, n := range other.Counts {
		r.Counts[k] += n
	}
	for id, o := range other.Outcomes {
		r.Outcomes[id] = o
	}
}

// IndexingService — пакетная индексация файлов пользователя.
type IndexingService struct {
	status   repository.StatusStore
	catalog  Catalog
	hub      IndexHub
	settings IndexSettings
	logger   *slog.Logger
}

// NewIndexingService создаёт сервис индексации.
func NewIndexingService(
	status repository.StatusStore,
	cat Catalog,
	hub IndexHub,
	settings IndexSettings,
	logger *slog.Logger,
) *IndexingService {
	return &IndexingService{
		status:   status,
		catalog:  cat,
		hub:      hub,
		settings: settings,
		logger:   logger.With(slog.String("component", "indexing_service")),
	}
}

// IndexNodes последовательно индексирует файлы пользователя.
//
// Каждый файл до обработки помечается Error, чтобы прерванная обработка
// оставляла видимый след. Ошибки бэкенда записываются в статус файла и не
// прерывают пакет; ошибки хранилища статусов прерывают пакет. Отмена
// контекста проверяется между файлами.
func (s *IndexingService) IndexNodes(ctx context.Context, userID string, fileIDs []int64, extractContent bool) (BatchResult, error) {
	result := newBatchResult()
	if len(fileIDs) == 0 {
		return result, nil
	}

	start := time.Now()
	defer func() { indexBatchDuration.Observe(time.Since(start).Seconds()) }()

	skipped, err := s.settings.SkippedDirs(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("получение пропускаемых каталогов: %w", err)
	}

	for _, fileID := range fileIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fs, err := s.status.GetOrCreate(ctx, fileID)
		if err != nil {
			return result, err
		}
		if err := s.status.MarkError(ctx, fs, ""); err != nil {
			return result, err
		}

		outcome := s.indexOne(ctx, userID, fileID, extractContent, skipped)
		if err := s.record(ctx, fs, outcome); err != nil {
			return result, err
		}
		result.add(fileID, outcome)
		indexedFilesTotal.WithLabelValues(outcome.Kind.String()).Inc()
	}

	if err := s.hub.Optimize(ctx); err != nil {
		s.logger.Warn("Ошибка оптимизации индексов",
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Пакет индексации обработан",
		slog.String("user", userID),
		slog.Int("files", result.Processed),
		slog.Int("indexed", result.Counts[model.OutcomeIndexed]),
		slog.Int("errors", result.Counts[model.OutcomeError]),
		slog.Bool("content", extractContent),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// indexOne обрабатывает один файл и возвращает результат без записи статуса.
func (s *IndexingService) indexOne(ctx context.Context, userID string, fileID int64, extractContent bool, skipped []string) model.Outcome {
	node, err := s.catalog.Resolve(ctx, userID, fileID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.logger.Debug("Файл не найден", slog.Int64("file_id", fileID))
			return model.Vanished(vanishedMessage)
		}
		s.logger.Error("Ошибка разрешения файла",
			slog.Int64("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return model.Failed(err.Error())
	}

	if !node.Indexable() {
		return model.NotIndexed()
	}

	if dir, ok := MatchSkippedDir(node.Path, skipped); ok {
		return model.Skipped(fmt.Sprintf("Skipped directory %s in path %s", dir, node.Path))
	}

	ok, err := s.hub.IndexNode(ctx, userID, node, extractContent)
	switch {
	case err != nil:
		s.logger.Warn("Ошибка индексации файла",
			slog.Int64("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return model.Failed(err.Error())
	case !ok:
		return model.Failed(indexFailedMessage)
	}
	return model.Indexed()
}

// record записывает статус, соответствующий результату.
func (s *IndexingService) record(ctx context.Context, fs *model.FileStatus, o model.Outcome) error {
	switch o.Kind {
	case model.OutcomeIndexed:
		return s.status.MarkIndexed(ctx, fs)
	case model.OutcomeVanished:
		return s.status.MarkVanished(ctx, fs, o.Message)
	case model.OutcomeNotIndexed:
		return s.status.MarkUnIndexed(ctx, fs)
	case model.OutcomeSkipped:
		return s.status.MarkSkipped(ctx, fs, o.Message)
	default:
		return s.status.MarkError(ctx, fs, o.Message)
	}
}

// MatchSkippedDir проверяет, лежит ли путь в пропускаемом каталоге:
// путь содержит "/dir/" или оканчивается на "/dir".
func MatchSkippedDir(path string, dirs []string) (string, bool) {
	for _, d := range dirs {
		d = strings.Trim(strings.TrimSpace(d), "/")
		if d == "" {
			continue
		}
		if strings.Contains(path, "/"+d+"/") || strings.HasSuffix(path, "/"+d) {
			return d, true
		}
	}
	return "", false
}

// ResetUserIndex помечает New все узлы под каталогом home. Сам home не
// помечается: корни пользовательских хранилищ не индексируются.
// Обход в глубину на явном стеке. Возвращает количество помеченных узлов.
func (s *IndexingService) ResetUserIndex(ctx context.Context, home *model.Node) (int, error) {
	var ids []int64
	stack := []int64{home.FileID}
	visited := map[int64]bool{home.FileID: true}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := s.catalog.Children(ctx, current)
		if err != nil {
			return 0, err
		}
		for _, ch := range children {
			if visited[ch.FileID] {
				continue
			}
			visited[ch.FileID] = true
			ids = append(ids, ch.FileID)
			if ch.Folder {
				stack = append(stack, ch.FileID)
			}
		}
	}

	var marked int
	for _, chunk := range lo.Chunk(ids, deleteChunkSize) {
		n, err := s.status.MarkNewBatch(ctx, chunk)
		if err != nil {
			return marked, err
		}
		marked += int(n)
	}

	s.logger.Info("Индекс пользователя сброшен",
		slog.String("user", home.Owner),
		slog.Int64("home_id", home.FileID),
		slog.Int("nodes", len(ids)),
	)
	return marked, nil
}

// homeScope возвращает хранилища пользователя, подлежащие индексации.
func (s *IndexingService) homeScope(ctx context.Context, userID string) ([]int64, error) {
	exists, err := s.catalog.UserExists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	scanExternal, err := s.settings.ScanExternalStorages(ctx)
	if err != nil {
		return nil, err
	}
	return s.catalog.HomeScope(ctx, userID, scanExternal)
}

// IndexContentChanged возвращает в очередь файлы, изменённые после
// индексации, и индексирует новые файлы пользователя с содержимым.
func (s *IndexingService) IndexContentChanged(ctx context.Context, userID string) (BatchResult, error) {
	scope, err := s.homeScope(ctx, userID)
	if err != nil {
		return newBatchResult(), err
	}
	changes, err := s.status.DetectChanges(ctx, scope)
	if err != nil {
		return newBatchResult(), err
	}
	if changes.Content > 0 || changes.Metadata > 0 {
		s.logger.Info("Обнаружены изменённые файлы",
			slog.String("user", userID),
			slog.Int64("content", changes.Content),
			slog.Int64("metadata", changes.Metadata),
		)
	}
	ids, err := s.status.FindFilesNeedingContentIndex(ctx, scope)
	if err != nil {
		return newBatchResult(), err
	}
	return s.IndexNodes(ctx, userID, ids, true)
}

// IndexMetadataChanged обновляет метаданные файлов пользователя без
// повторного извлечения содержимого.
func (s *IndexingService) IndexMetadataChanged(ctx context.Context, userID string) (BatchResult, error) {
	scope, err := s.homeScope(ctx, userID)
	if err != nil {
		return newBatchResult(), err
	}
	ids, err := s.status.FindFilesNeedingMetadataIndex(ctx, scope)
	if err != nil {
		return newBatchResult(), err
	}
	return s.IndexNodes(ctx, userID, ids, false)
}

// MarkChanged ставит файлы в очередь по сигналу хоста. Изменение
// метаданных переводит в MetadataChanged только проиндексированный файл:
// файл, ждущий индексации содержимого, остаётся в очереди как есть, а
// остальные (Skipped, Error и т.д.) возвращаются в New для повторной оценки.
// Возвращает количество изменённых записей.
func (s *IndexingService) MarkChanged(ctx context.Context, fileIDs []int64, metadataOnly bool) (int, error) {
	var marked int
	for _, fileID := range fileIDs {
		fs, err := s.status.GetOrCreate(ctx, fileID)
		if err != nil {
			return marked, err
		}
		switch {
		case metadataOnly && fs.Status == model.StatusIndexed:
			err = s.status.MarkMetadataChanged(ctx, fs)
		case metadataOnly && fs.Status == model.StatusMetadataChanged, fs.Status == model.StatusNew:
			continue
		default:
			err = s.status.MarkNew(ctx, fs)
		}
		if err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// IndexPending обрабатывает все ожидающие файлы пользователя: сначала
// новые с содержимым, затем изменения метаданных.
func (s *IndexingService) IndexPending(ctx context.Context, userID string) (BatchResult, error) {
	result, err := s.IndexContentChanged(ctx, userID)
	if err != nil {
		return result, err
	}
	meta, err := s.IndexMetadataChanged(ctx, userID)
	result.Merge(meta)
	return result, err
}

// RebuildUserIndex сбрасывает статусы файлов пользователя и индексирует
// их заново.
func (s *IndexingService) RebuildUserIndex(ctx context.Context, userID string) (BatchResult, error) {
	home, err := s.catalog.HomeFolder(ctx, userID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return newBatchResult(), fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return newBatchResult(), err
	}
	if _, err := s.ResetUserIndex(ctx, home); err != nil {
		return newBatchResult(), err
	}
	return s.IndexContentChanged(ctx, userID)
}

// DeleteVanished удаляет из индексов и из search_file_status файлы,
// отсутствующие в каталоге. Возвращает количество удалённых записей.
func (s *IndexingService) DeleteVanished(ctx context.Context) (int, error) {
	ids, err := s.status.FindVanished(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int
	for _, chunk := range lo.Chunk(ids, deleteChunkSize) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		removable := lo.Filter(chunk, func(id int64, _ int) bool {
			ok, err := s.hub.DeleteByFileID(ctx, id)
			if err != nil || !ok {
				s.logger.Warn("Документ не удалён из индекса, запись сохранена",
					slog.Int64("file_id", id),
					slog.Any("error", err),
				)
				return false
			}
			return true
		})
		n, err := s.status.DeleteByIDs(ctx, removable)
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}

	vanishedDeletedTotal.Add(float64(deleted))
	s.logger.Info("Исчезнувшие файлы удалены",
		slog.Int("found", len(ids)),
		slog.Int("deleted", deleted),
	)
	return deleted, nil
}

// FillOptions — параметры заполнения вторичного индекса.
type FillOptions struct {
	// ChunkSize — количество файлов за одну выборку
	ChunkSize int
	// StartOver — начать с начала, игнорируя сохранённый курсор
	StartOver bool
}

// FillSecondaryIndex переносит проиндексированные файлы пользователя
// в индекс указанного коннектора. Позиция сохраняется после каждой выборки,
// прерванное заполнение продолжается с неё.
func (s *IndexingService) FillSecondaryIndex(ctx context.Context, connectorName, userID string, opts FillOptions) (int, error) {
	conn, ok := s.hub.Connector(connectorName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnector, connectorName)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = deleteChunkSize
	}

	ready, err := conn.IsSetup(ctx)
	if err != nil {
		return 0, err
	}
	if !ready {
		if err := conn.PrepareIndex(ctx); err != nil {
			return 0, err
		}
	}

	scope, err := s.homeScope(ctx, userID)
	if err != nil {
		return 0, err
	}

	if opts.StartOver {
		if err := s.settings.ClearFillCursor(ctx, userID, connectorName); err != nil {
			return 0, err
		}
	}
	cursor, err := s.settings.FillCursor(ctx, userID, connectorName)
	if err != nil {
		return 0, err
	}

	total, err := s.status.CountIndexed(ctx, scope)
	if err != nil {
		return 0, err
	}
	logger := s.logger.With(slog.String("connector", connectorName), slog.String("user", userID))
	logger.Info("Заполнение вторичного индекса",
		slog.Int("indexed_total", total),
		slog.Int64("cursor", cursor),
	)

	var filled int
	for {
		if err := ctx.Err(); err != nil {
			return filled, err
		}
		ids, err := s.status.FindIndexedFiles(ctx, scope, cursor, opts.ChunkSize)
		if err != nil {
			return filled, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			node, err := s.catalog.Resolve(ctx, userID, id)
			if err != nil {
				logger.Debug("Файл пропущен", slog.Int64("file_id", id), slog.String("error", err.Error()))
				continue
			}
			ok, err := conn.IndexNode(ctx, userID, node, true)
			if err != nil || !ok {
				logger.Warn("Файл не записан во вторичный индекс",
					slog.Int64("file_id", id),
					slog.Any("error", err),
				)
				continue
			}
			filled++
		}

		cursor = ids[len(ids)-1]
		if err := s.settings.SetFillCursor(ctx, userID, connectorName, cursor); err != nil {
			return filled, err
		}
		if len(ids) < opts.ChunkSize {
			break
		}
	}

	if err := s.settings.ClearFillCursor(ctx, userID, connectorName); err != nil {
		return filled, err
	}
	logger.Info("Заполнение вторичного индекса завершено", slog.Int("filled", filled))
	return filled, nil
}
