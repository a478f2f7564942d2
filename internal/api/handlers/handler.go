// Пакет handlers — HTTP-обработчики индексатора: health, поиск, состояние.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
	"github.com/owncloud/search-elastic-sub000/internal/service"
)

// Searcher — поиск по индексу от имени пользователя.
type Searcher interface {
	Search(ctx context.Context, userID, query string, cursor, pageSize int) (*model.SearchPage, error)
}

// HubStatus — состояние коннекторов.
type HubStatus interface {
	Status(ctx context.Context) ([]hub.ConnectorStatus, error)
}

// StatusCounter — количество файлов по статусам индексации.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// JobsState — состояние фоновых заданий. Может отсутствовать,
// если планировщик отключён.
type JobsState interface {
	IsInProgress() bool
	LastReport() *service.JobReport
}

// APIHandler — обработчики API поиска и состояния.
type APIHandler struct {
	searcher        Searcher
	hub             HubStatus
	counter         StatusCounter
	jobs            JobsState
	defaultPageSize int
	logger          *slog.Logger
}

// NewAPIHandler создаёт обработчик API. jobs может быть nil.
func NewAPIHandler(
	searcher Searcher,
	hubStatus HubStatus,
	counter StatusCounter,
	jobs JobsState,
	defaultPageSize int,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		searcher:        searcher,
		hub:             hubStatus,
		counter:         counter,
		jobs:            jobs,
		defaultPageSize: defaultPageSize,
		logger:          logger.With(slog.String("component", "api_handler")),
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
