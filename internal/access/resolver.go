// Пакет access вычисляет, каким пользователям и группам виден файл в поиске.
// Шары наследуются от родительских каталогов, поэтому обход идёт вверх
// по цепочке parent до корня хранилища.
package access

import (
	"context"
	"log/slog"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

// maxDepth ограничивает обход при циклической ссылке parent.
const maxDepth = 1000

// ShareLookup — источник шар и родительских связей.
type ShareLookup interface {
	// SharesOf возвращает получателей прямых шар файла.
	SharesOf(ctx context.Context, fileID int64) (users, groups []string, err error)
	// ParentOf возвращает родителя; false — родителя нет.
	ParentOf(ctx context.Context, fileID int64) (int64, bool, error)
}

// Resolver вычисляет AccessSet.
type Resolver struct {
	shares ShareLookup
	logger *slog.Logger
}

// NewResolver создаёт Resolver.
func NewResolver(shares ShareLookup, logger *slog.Logger) *Resolver {
	return &Resolver{
		shares: shares,
		logger: logger.With(slog.String("component", "access_resolver")),
	}
}

// Resolve возвращает пользователей и группы с доступом к узлу.
// Если у узла ещё нет fileid, обход начинается с родителя.
// Ошибки запросов логируются и означают "нет шар на этом уровне".
func (r *Resolver) Resolve(ctx context.Context, node *model.Node, owner string) model.AccessSet {
	var set model.AccessSet

	current, ok := node.FileID, node.FileID > 0
	if !ok {
		current, ok = node.ParentID, node.ParentID > 0
	}

	visited := make(map[int64]bool)
	for ok && !visited[current] && len(visited) < maxDepth {
		visited[current] = true

		users, groups, err := r.shares.SharesOf(ctx, current)
		if err != nil {
			r.logger.Warn("Ошибка получения шар",
				slog.Int64("file_id", current),
				slog.String("error", err.Error()),
			)
		} else {
			set.Users = append(set.Users, users...)
			set.Groups = append(set.Groups, groups...)
		}

		parent, hasParent, err := r.shares.ParentOf(ctx, current)
		if err != nil {
			r.logger.Warn("Ошибка получения родителя",
				slog.Int64("file_id", current),
				slog.String("error", err.Error()),
			)
			break
		}
		current, ok = parent, hasParent
	}

	if ok && visited[current] {
		r.logger.Warn("Обнаружен цикл в цепочке родителей",
			slog.Int64("file_id", node.FileID),
			slog.Int64("loop_at", current),
		)
	}

	set.Users = append(set.Users, owner)
	return set.Normalize()
}
