// Пакет catalog — доступ к файловому каталогу ownCloud (oc_filecache,
// oc_mounts, oc_storages, oc_share, oc_group_user) и к содержимому файлов
// в каталоге данных. Реализует контракты, которые потребляет ядро
// индексатора: разрешение узлов, шары, родители, группы, scope хранилищ.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
)

// Ошибки каталога.
var (
	// ErrNotFound — узел не существует или недоступен пользователю.
	ErrNotFound = errors.New("узел не найден")
	// ErrContentUnavailable — содержимое хранилища недоступно для чтения.
	ErrContentUnavailable = model.ErrContentUnavailable
)

// Типы шар ownCloud.
const (
	shareTypeUser  = 0
	shareTypeGroup = 1
)

// Prometheus-метрики кэша групп.
var (
	groupCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_group_cache_hits_total",
		Help: "Общее количество попаданий в кэш групп пользователей.",
	})
	groupCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_group_cache_misses_total",
		Help: "Общее количество промахов кэша групп пользователей.",
	})
)

// Child — дочерняя запись каталога.
type Child struct {
	FileID int64
	Folder bool
}

// Catalog — каталог файлов ownCloud поверх PostgreSQL.
type Catalog struct {
	db      repository.DBTX
	prefix  string
	dataDir string
	groups  *expirable.LRU[string, []string]
	logger  *slog.Logger
}

// New создаёт каталог.
// prefix — префикс таблиц ownCloud, dataDir — каталог данных,
// groupTTL — время жизни записей кэша групп.
func New(db repository.DBTX, prefix, dataDir string, groupTTL time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		db:      db,
		prefix:  prefix,
		dataDir: dataDir,
		groups:  expirable.NewLRU[string, []string](1000, nil, groupTTL),
		logger:  logger.With(slog.String("component", "catalog")),
	}
}

// t возвращает имя таблицы ownCloud с префиксом.
func (c *Catalog) t(name string) string {
	return c.prefix + name
}

// Resolve разрешает fileID в узел в пространстве пользователя userID.
// Узел должен лежать под одной из точек монтирования пользователя.
func (c *Catalog) Resolve(ctx context.Context, userID string, fileID int64) (*model.Node, error) {
	query := fmt.Sprintf(
		`SELECT f.fileid, f.parent, f.storage, st.id, COALESCE(f.path, ''), COALESCE(f.name, ''),
		        mt.mimetype, f.size, f.mtime, f.permissions, m.mount_point, COALESCE(r.path, '')
		 FROM %s f
		 JOIN %s st ON st.numeric_id = f.storage
		 JOIN %s mt ON mt.id = f.mimetype
		 JOIN %s m ON m.storage_id = f.storage AND m.user_id = $2
		 JOIN %s r ON r.fileid = m.root_id
		 WHERE f.fileid = $1
		   AND (COALESCE(r.path, '') = '' OR f.path = r.path OR f.path LIKE r.path || '/%%')
		 ORDER BY length(m.mount_point)
		 LIMIT 1`,
		c.t("filecache"), c.t("storages"), c.t("mimetypes"), c.t("mounts"), c.t("filecache"),
	)

	var (
		n          model.Node
		mountPoint string
		rootPath   string
	)
	err := c.db.QueryRow(ctx, query, fileID, userID).Scan(
		&n.FileID, &n.ParentID, &n.StorageID, &n.StorageKey, &n.InternalPath, &n.Name,
		&n.MimeType, &n.Size, &n.MTime, &n.Permissions, &mountPoint, &rootPath,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка разрешения узла %d: %w", fileID, err)
	}

	n.Path = userPath(mountPoint, rootPath, n.InternalPath)
	n.Local = IsLocalStorage(n.StorageKey)
	n.Kind = nodeKind(n.StorageKey, n.InternalPath, n.MimeType)
	if owner, ok := HomeOwner(n.StorageKey); ok {
		n.Owner = owner
	} else {
		n.Owner = userID
	}
	return &n, nil
}

// userPath строит путь узла в пространстве пользователя из точки монтирования.
func userPath(mountPoint, rootPath, internalPath string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(internalPath, rootPath), "/")
	base := strings.TrimRight(mountPoint, "/")
	if rel == "" {
		return base
	}
	return base + "/" + rel
}

// nodeKind определяет тип узла. В домашних хранилищах индексируется только
// дерево files, остальное (корзина, версии, превью) — служебные записи.
func nodeKind(storageKey, internalPath, mimeType string) model.NodeKind {
	if _, home := HomeOwner(storageKey); home {
		if internalPath != "files" && !strings.HasPrefix(internalPath, "files/") {
			return model.NodeOther
		}
	}
	if mimeType == model.FolderMimeType {
		return model.NodeFolder
	}
	return model.NodeFile
}

// HomeFolder возвращает каталог files пользователя.
func (c *Catalog) HomeFolder(ctx context.Context, userID string) (*model.Node, error) {
	query := fmt.Sprintf(
		`SELECT f.fileid
		 FROM %s m
		 JOIN %s f ON f.storage = m.storage_id AND f.path = 'files'
		 WHERE m.user_id = $1 AND m.mount_point = '/' || $1 || '/'
		 LIMIT 1`,
		c.t("mounts"), c.t("filecache"),
	)
	var fileID int64
	if err := c.db.QueryRow(ctx, query, userID).Scan(&fileID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска домашнего каталога %s: %w", userID, err)
	}
	return c.Resolve(ctx, userID, fileID)
}

// Users возвращает пользователей с домашним хранилищем.
func (c *Catalog) Users(ctx context.Context) ([]string, error) {
	rows, err := c.db.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT user_id FROM %s WHERE mount_point = '/' || user_id || '/' ORDER BY user_id`,
		c.t("mounts"),
	))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", err)
	}
	return collectStrings(rows)
}

// UserExists проверяет, есть ли у пользователя домашнее хранилище.
func (c *Catalog) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := c.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE user_id = $1 AND mount_point = '/' || $1 || '/')`,
		c.t("mounts"),
	), userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки пользователя %s: %w", userID, err)
	}
	return exists, nil
}

// Children возвращает дочерние записи каталога.
func (c *Catalog) Children(ctx context.Context, fileID int64) ([]Child, error) {
	rows, err := c.db.Query(ctx, fmt.Sprintf(
		`SELECT f.fileid, mt.mimetype = $2
		 FROM %s f JOIN %s mt ON mt.id = f.mimetype
		 WHERE f.parent = $1
		 ORDER BY f.fileid`,
		c.t("filecache"), c.t("mimetypes"),
	), fileID, model.FolderMimeType)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения дочерних записей %d: %w", fileID, err)
	}
	defer rows.Close()

	var result []Child
	for rows.Next() {
		var ch Child
		if err := rows.Scan(&ch.FileID, &ch.Folder); err != nil {
			return nil, fmt.Errorf("ошибка сканирования дочерней записи: %w", err)
		}
		result = append(result, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации дочерних записей: %w", err)
	}
	return result, nil
}

// MountedStorages возвращает хранилища, смонтированные пользователю.
func (c *Catalog) MountedStorages(ctx context.Context, userID string) ([]StorageRef, error) {
	rows, err := c.db.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT m.storage_id, st.id
		 FROM %s m JOIN %s st ON st.numeric_id = m.storage_id
		 WHERE m.user_id = $1
		 ORDER BY m.storage_id`,
		c.t("mounts"), c.t("storages"),
	), userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения хранилищ %s: %w", userID, err)
	}
	defer rows.Close()

	var result []StorageRef
	for rows.Next() {
		var s StorageRef
		if err := rows.Scan(&s.NumericID, &s.Key); err != nil {
			return nil, fmt.Errorf("ошибка сканирования хранилища: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации хранилищ: %w", err)
	}
	return result, nil
}

// HomeScope возвращает numeric id хранилищ, индексируемых от имени userID.
func (c *Catalog) HomeScope(ctx context.Context, userID string, scanExternal bool) ([]int64, error) {
	storages, err := c.MountedStorages(ctx, userID)
	if err != nil {
		return nil, err
	}
	return FilterScope(userID, storages, scanExternal), nil
}

// SharesOf возвращает получателей прямых шар файла: пользователей и группы.
func (c *Catalog) SharesOf(ctx context.Context, fileID int64) (users, groups []string, err error) {
	rows, err := c.db.Query(ctx, fmt.Sprintf(
		`SELECT share_type, share_with FROM %s
		 WHERE file_source = $1 AND share_type IN ($2, $3) AND share_with IS NOT NULL`,
		c.t("share"),
	), fileID, shareTypeUser, shareTypeGroup)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка получения шар файла %d: %w", fileID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			shareType int
			with      string
		)
		if err := rows.Scan(&shareType, &with); err != nil {
			return nil, nil, fmt.Errorf("ошибка сканирования шары: %w", err)
		}
		if shareType == shareTypeGroup {
			groups = append(groups, with)
		} else {
			users = append(users, with)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("ошибка итерации шар: %w", err)
	}
	return users, groups, nil
}

// ParentOf возвращает родителя записи. Второй результат — false для корня
// или отсутствующей записи.
func (c *Catalog) ParentOf(ctx context.Context, fileID int64) (int64, bool, error) {
	var parent int64
	err := c.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT parent FROM %s WHERE fileid = $1`, c.t("filecache"),
	), fileID).Scan(&parent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ошибка получения родителя %d: %w", fileID, err)
	}
	if parent < 0 {
		return 0, false, nil
	}
	return parent, true, nil
}

// GroupsOf возвращает группы пользователя (с кэшированием).
func (c *Catalog) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	if groups, ok := c.groups.Get(userID); ok {
		groupCacheHitsTotal.Inc()
		return groups, nil
	}
	groupCacheMissesTotal.Inc()

	rows, err := c.db.Query(ctx, fmt.Sprintf(
		`SELECT gid FROM %s WHERE uid = $1 ORDER BY gid`, c.t("group_user"),
	), userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения групп %s: %w", userID, err)
	}
	groups, err := collectStrings(rows)
	if err != nil {
		return nil, err
	}
	c.groups.Add(userID, groups)
	return groups, nil
}

// OpenContent открывает содержимое файла на диске.
// Поддерживаются home:: (datadirectory/<uid>/...) и local:: хранилища.
func (c *Catalog) OpenContent(_ context.Context, node *model.Node) (io.ReadCloser, error) {
	p, err := c.contentPath(node)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // путь построен из каталога данных
	if err != nil {
		return nil, fmt.Errorf("открытие %s: %w", node.Path, err)
	}
	return f, nil
}

// contentPath возвращает путь к файлу на диске.
func (c *Catalog) contentPath(node *model.Node) (string, error) {
	var root string
	switch {
	case strings.HasPrefix(node.StorageKey, homePrefix):
		root = filepath.Join(c.dataDir, strings.TrimPrefix(node.StorageKey, homePrefix))
	case strings.HasPrefix(node.StorageKey, localPrefix):
		root = strings.TrimPrefix(node.StorageKey, localPrefix)
	default:
		return "", fmt.Errorf("%w: %s", ErrContentUnavailable, node.StorageKey)
	}

	root = filepath.Clean(root)
	full := filepath.Join(root, filepath.FromSlash(node.InternalPath))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: путь %q вне хранилища", ErrContentUnavailable, node.InternalPath)
	}
	return full, nil
}

// collectStrings читает из rows один текстовый столбец.
func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("ошибка сканирования: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}
