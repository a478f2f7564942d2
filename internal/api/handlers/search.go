// search.go — GET /api/v1/search.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/owncloud/search-elastic-sub000/internal/api/errors"
	"github.com/owncloud/search-elastic-sub000/internal/api/middleware"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
)

// maxPageSize — верхняя граница size в запросе.
const maxPageSize = 1000

// SearchFiles ищет файлы от имени пользователя из JWT.
// Параметры: q — строка запроса, cursor — позиция курсора бэкенда
// (next_cursor предыдущей страницы), size — размер страницы.
func (h *APIHandler) SearchFiles(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
		return
	}

	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))

	cursor, err := intParam(q.Get("cursor"), 0)
	if err != nil || cursor < 0 {
		apierrors.ValidationError(w, "cursor должен быть неотрицательным целым числом")
		return
	}
	size, err := intParam(q.Get("size"), h.defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		apierrors.ValidationError(w, "size должен быть целым числом от 1 до 1000")
		return
	}

	page, err := h.searcher.Search(r.Context(), claims.UserID, query, cursor, size)
	if err != nil {
		if errors.Is(err, hub.ErrSearchNotReady) {
			apierrors.IndexNotReady(w, "Поисковый индекс не готов")
			return
		}
		h.logger.Error("Ошибка поиска",
			slog.String("user", claims.UserID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка при поиске")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// intParam разбирает целочисленный параметр запроса.
func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
