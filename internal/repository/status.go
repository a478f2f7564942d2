// status.go — хранилище статусов индексации (search_file_status).
// Единственный источник правды о том, какие файлы нужно (пере)индексировать.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

// StatusStore — интерфейс хранилища статусов индексации.
type StatusStore interface {
	// Get возвращает статус файла или ErrNotFound.
	Get(ctx context.Context, fileID int64) (*model.FileStatus, error)
	// GetOrCreate возвращает существующую запись или создаёт новую со статусом New.
	GetOrCreate(ctx context.Context, fileID int64) (*model.FileStatus, error)

	MarkNew(ctx context.Context, fs *model.FileStatus) error
	MarkMetadataChanged(ctx context.Context, fs *model.FileStatus) error
	MarkIndexed(ctx context.Context, fs *model.FileStatus) error
	MarkSkipped(ctx context.Context, fs *model.FileStatus, message string) error
	MarkUnIndexed(ctx context.Context, fs *model.FileStatus) error
	MarkVanished(ctx context.Context, fs *model.FileStatus, message string) error
	MarkError(ctx context.Context, fs *model.FileStatus, message string) error
	// MarkNewBatch переводит набор файлов в New одним запросом.
	MarkNewBatch(ctx context.Context, fileIDs []int64) (int64, error)

	// FindFilesNeedingContentIndex — файлы со статусом New или без статуса.
	FindFilesNeedingContentIndex(ctx context.Context, scope []int64) ([]int64, error)
	// FindFilesNeedingMetadataIndex — файлы со статусом MetadataChanged.
	FindFilesNeedingMetadataIndex(ctx context.Context, scope []int64) ([]int64, error)
	// FindIndexedFiles — проиндексированные файлы с id > minID по возрастанию.
	FindIndexedFiles(ctx context.Context, scope []int64, minID int64, limit int) ([]int64, error)
	// CountIndexed — количество проиндексированных файлов (scope == nil — все).
	CountIndexed(ctx context.Context, scope []int64) (int, error)
	// CountByStatus — количество записей по каждому статусу.
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
	// FindVanished — file id со статусом, отсутствующие в oc_filecache.
	FindVanished(ctx context.Context) ([]int64, error)
	// DetectChanges возвращает в очередь проиндексированные файлы из scope,
	// изменённые после индексации: содержимое в New, метаданные в MetadataChanged.
	DetectChanges(ctx context.Context, scope []int64) (ChangeCounts, error)
	// DeleteByIDs удаляет записи и возвращает количество удалённых.
	DeleteByIDs(ctx context.Context, fileIDs []int64) (int64, error)
	// Clear удаляет все записи.
	Clear(ctx context.Context) (int64, error)
}

// ChangeCounts — количество файлов, возвращённых в очередь обходом изменений.
type ChangeCounts struct {
	Content  int64
	Metadata int64
}

// statusRepo — реализация StatusStore через pgx.
type statusRepo struct {
	db     DBTX
	prefix string
}

// NewStatusStore создаёт хранилище статусов.
// prefix — префикс таблиц ownCloud (oc_), нужен для запросов к oc_filecache.
func NewStatusStore(db DBTX, prefix string) StatusStore {
	return &statusRepo{db: db, prefix: prefix}
}

// Get возвращает статус файла или ErrNotFound.
func (r *statusRepo) Get(ctx context.Context, fileID int64) (*model.FileStatus, error) {
	var (
		code    string
		message *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT status, message FROM search_file_status WHERE file_id = $1`, fileID,
	).Scan(&code, &message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения статуса файла %d: %w", fileID, err)
	}

	status, err := model.ParseStatus(code)
	if err != nil {
		return nil, fmt.Errorf("файл %d: %w", fileID, err)
	}
	msg := ""
	if message != nil {
		msg = *message
	}
	return model.LoadedFileStatus(fileID, status, msg), nil
}

// GetOrCreate возвращает существующую запись или создаёт новую со статусом New.
// При гонке двух процессов вставка одного из них игнорируется,
// после чего запись перечитывается.
func (r *statusRepo) GetOrCreate(ctx context.Context, fileID int64) (*model.FileStatus, error) {
	fs, err := r.Get(ctx, fileID)
	if err == nil {
		return fs, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO search_file_status (file_id, status) VALUES ($1, $2)
		 ON CONFLICT (file_id) DO NOTHING`,
		fileID, string(model.StatusNew),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания статуса файла %d: %w", fileID, err)
	}

	return r.Get(ctx, fileID)
}

func (r *statusRepo) MarkNew(ctx context.Context, fs *model.FileStatus) error {
	return r.mark(ctx, fs, model.StatusNew, "")
}

func (r *statusRepo) MarkMetadataChanged(ctx context.Context, fs *model.FileStatus) error {
	return r.mark(ctx, fs, model.StatusMetadataChanged, "")
}

func (r *statusRepo) MarkIndexed(ctx context.Context, fs *model.FileStatus) error {
	return r.mark(ctx, fs, model.StatusIndexed, "")
}

func (r *statusRepo) MarkSkipped(ctx context.Context, fs *model.FileStatus, message string) error {
	return r.mark(ctx, fs, model.StatusSkipped, message)
}

func (r *statusRepo) MarkUnIndexed(ctx context.Context, fs *model.FileStatus) error {
	return r.mark(ctx, fs, model.StatusUnindexed, "")
}

func (r *statusRepo) MarkVanished(ctx context.Context, fs *model.FileStatus, message string) error {
	return r.mark(ctx, fs, model.StatusVanished, message)
}

func (r *statusRepo) MarkError(ctx context.Context, fs *model.FileStatus, message string) error {
	return r.mark(ctx, fs, model.StatusError, message)
}

// mark применяет переход и записывает его одним upsert.
// Переход без изменения полей не порождает запроса к БД.
func (r *statusRepo) mark(ctx context.Context, fs *model.FileStatus, target model.Status, message string) error {
	if !fs.Apply(target, message) {
		return nil
	}

	var msg *string
	if fs.Message != "" {
		m := fs.Message
		msg = &m
	}

	query := `INSERT INTO search_file_status (file_id, status, message) VALUES ($1, $2, $3)
		 ON CONFLICT (file_id) DO UPDATE SET status = EXCLUDED.status, message = EXCLUDED.message`
	if target == model.StatusIndexed {
		query = r.indexedQuery()
	}
	_, err := r.db.Exec(ctx, query, fs.FileID, string(fs.Status), msg)
	if err != nil {
		return fmt.Errorf("ошибка записи статуса %s файла %d: %w", target.Name(), fs.FileID, err)
	}
	fs.MarkPersisted()
	return nil
}

// indexedQuery — upsert статуса Indexed со снимком mtime и пути узла
// из oc_filecache.
func (r *statusRepo) indexedQuery() string {
	return fmt.Sprintf(
		`INSERT INTO search_file_status (file_id, status, message, indexed_mtime, indexed_path, indexed_at)
		 VALUES ($1, $2, $3,
		   (SELECT mtime FROM %[1]sfilecache WHERE fileid = $1),
		   (SELECT path FROM %[1]sfilecache WHERE fileid = $1),
		   EXTRACT(EPOCH FROM NOW())::BIGINT)
		 ON CONFLICT (file_id) DO UPDATE SET status = EXCLUDED.status, message = EXCLUDED.message,
		   indexed_mtime = EXCLUDED.indexed_mtime, indexed_path = EXCLUDED.indexed_path,
		   indexed_at = EXCLUDED.indexed_at`,
		r.prefix,
	)
}

// MarkNewBatch переводит набор файлов в New одним запросом.
func (r *statusRepo) MarkNewBatch(ctx context.Context, fileIDs []int64) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO search_file_status (file_id, status, message)
		 SELECT id, $2, NULL FROM unnest($1::bigint[]) AS id
		 ON CONFLICT (file_id) DO UPDATE SET status = EXCLUDED.status, message = NULL`,
		fileIDs, string(model.StatusNew),
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетной отметки New: %w", err)
	}
	return tag.RowsAffected(), nil
}

// userFilesCondition — условие "файл пользователя": в home- и object-хранилищах
// индексируется только содержимое каталога files, корни хранилищ пропускаются.
const userFilesCondition = `f.path <> ''
	AND (st.id NOT LIKE 'home::%' AND st.id NOT LIKE 'object::user:%' OR f.path LIKE 'files/%')`

// FindFilesNeedingContentIndex возвращает файлы со статусом New или без записи,
// ограниченные хранилищами из scope.
func (r *statusRepo) FindFilesNeedingContentIndex(ctx context.Context, scope []int64) ([]int64, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT f.fileid
		 FROM %[1]sfilecache f
		 JOIN %[1]sstorages st ON st.numeric_id = f.storage
		 LEFT JOIN search_file_status s ON s.file_id = f.fileid
		 WHERE f.storage = ANY($1)
		   AND (s.status IS NULL OR s.status = $2)
		   AND %[2]s
		 ORDER BY f.fileid`,
		r.prefix, userFilesCondition,
	)
	rows, err := r.db.Query(ctx, query, scope, string(model.StatusNew))
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска файлов для индексации содержимого: %w", err)
	}
	return collectIDs(rows)
}

// FindFilesNeedingMetadataIndex возвращает файлы со статусом MetadataChanged.
func (r *statusRepo) FindFilesNeedingMetadataIndex(ctx context.Context, scope []int64) ([]int64, error) {
	return r.findByStatus(ctx, scope, model.StatusMetadataChanged)
}

func (r *statusRepo) findByStatus(ctx context.Context, scope []int64, status model.Status) ([]int64, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT f.fileid
		 FROM %sfilecache f
		 JOIN search_file_status s ON s.file_id = f.fileid
		 WHERE f.storage = ANY($1) AND s.status = $2
		 ORDER BY f.fileid`,
		r.prefix,
	)
	rows, err := r.db.Query(ctx, query, scope, string(status))
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска файлов со статусом %s: %w", status.Name(), err)
	}
	return collectIDs(rows)
}

// FindIndexedFiles возвращает до limit проиндексированных файлов с id > minID
// по возрастанию. Курсор по id устойчив к удалениям между вызовами.
func (r *statusRepo) FindIndexedFiles(ctx context.Context, scope []int64, minID int64, limit int) ([]int64, error) {
	if len(scope) == 0 || limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT f.fileid
		 FROM %sfilecache f
		 JOIN search_file_status s ON s.file_id = f.fileid
		 WHERE f.storage = ANY($1) AND s.status = $2 AND f.fileid > $3
		 ORDER BY f.fileid
		 LIMIT $4`,
		r.prefix,
	)
	rows, err := r.db.Query(ctx, query, scope, string(model.StatusIndexed), minID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки проиндексированных файлов: %w", err)
	}
	return collectIDs(rows)
}

// CountIndexed возвращает количество проиндексированных файлов.
// scope == nil — по всей таблице статусов.
func (r *statusRepo) CountIndexed(ctx context.Context, scope []int64) (int, error) {
	var (
		count int
		err   error
	)
	if scope == nil {
		err = r.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM search_file_status WHERE status = $1`,
			string(model.StatusIndexed),
		).Scan(&count)
	} else {
		err = r.db.QueryRow(ctx, fmt.Sprintf(
			`SELECT COUNT(*)
			 FROM %sfilecache f
			 JOIN search_file_status s ON s.file_id = f.fileid
			 WHERE f.storage = ANY($1) AND s.status = $2`, r.prefix),
			scope, string(model.StatusIndexed),
		).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта проиндексированных файлов: %w", err)
	}
	return count, nil
}

// CountByStatus возвращает количество записей по каждому статусу.
func (r *statusRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM search_file_status GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта статусов: %w", err)
	}
	defer rows.Close()

	result := make(map[model.Status]int, len(model.AllStatuses))
	for rows.Next() {
		var (
			code  string
			count int
		)
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статуса: %w", err)
		}
		result[model.Status(code)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации статусов: %w", err)
	}
	return result, nil
}

// FindVanished возвращает file id, для которых есть статус,
// но нет записи в oc_filecache.
func (r *statusRepo) FindVanished(ctx context.Context) ([]int64, error) {
	query := fmt.Sprintf(
		`SELECT s.file_id
		 FROM search_file_status s
		 LEFT JOIN %sfilecache f ON f.fileid = s.file_id
		 WHERE f.fileid IS NULL
		 ORDER BY s.file_id`,
		r.prefix,
	)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска исчезнувших файлов: %w", err)
	}
	return collectIDs(rows)
}

// DetectChanges сравнивает снимок индексации с oc_filecache.
//
// Файл (не каталог) с mtime новее снимка возвращается в New, даже если уже
// ждёт обновления метаданных. Проиндексированный узел, путь которого
// изменился или у которого появилась шара после индексации, переводится
// в MetadataChanged. Записи без снимка не затрагиваются. Удаление шар и шары
// на родительских каталогах не обнаруживаются.
func (r *statusRepo) DetectChanges(ctx context.Context, scope []int64) (ChangeCounts, error) {
	var counts ChangeCounts
	if len(scope) == 0 {
		return counts, nil
	}

	tag, err := r.db.Exec(ctx, fmt.Sprintf(
		`UPDATE search_file_status s SET status = $2, message = NULL
		 FROM %[1]sfilecache f
		 JOIN %[1]smimetypes m ON m.id = f.mimetype
		 WHERE s.file_id = f.fileid
		   AND f.storage = ANY($1)
		   AND s.status IN ($3, $4)
		   AND m.mimetype <> $5
		   AND s.indexed_mtime IS NOT NULL
		   AND f.mtime > s.indexed_mtime`, r.prefix),
		scope, string(model.StatusNew),
		string(model.StatusIndexed), string(model.StatusMetadataChanged),
		model.FolderMimeType,
	)
	if err != nil {
		return counts, fmt.Errorf("ошибка поиска изменённого содержимого: %w", err)
	}
	counts.Content = tag.RowsAffected()

	tag, err = r.db.Exec(ctx, fmt.Sprintf(
		`UPDATE search_file_status s SET status = $2, message = NULL
		 FROM %[1]sfilecache f
		 WHERE s.file_id = f.fileid
		   AND f.storage = ANY($1)
		   AND s.status = $3
		   AND (
		     (s.indexed_path IS NOT NULL AND f.path IS DISTINCT FROM s.indexed_path)
		     OR (s.indexed_at IS NOT NULL AND EXISTS (
		       SELECT 1 FROM %[1]sshare sh
		       WHERE sh.file_source = f.fileid AND sh.stime > s.indexed_at))
		   )`, r.prefix),
		scope, string(model.StatusMetadataChanged), string(model.StatusIndexed),
	)
	if err != nil {
		return counts, fmt.Errorf("ошибка поиска изменённых метаданных: %w", err)
	}
	counts.Metadata = tag.RowsAffected()
	return counts, nil
}

// DeleteByIDs удаляет записи и возвращает количество удалённых.
func (r *statusRepo) DeleteByIDs(ctx context.Context, fileIDs []int64) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM search_file_status WHERE file_id = ANY($1)`, fileIDs)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления статусов: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Clear удаляет все записи.
func (r *statusRepo) Clear(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM search_file_status`)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки статусов: %w", err)
	}
	return tag.RowsAffected(), nil
}
