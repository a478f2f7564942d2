// status.go — GET /api/v1/status: состояние индекса для администраторов.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/owncloud/search-elastic-sub000/internal/api/errors"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
)

type jobsStatus struct {
	InProgress bool       `json:"in_progress"`
	LastRun    *jobReport `json:"last_run,omitempty"`
}

type jobReport struct {
	RunID    string         `json:"run_id"`
	Users    int            `json:"users"`
	Busy     []string       `json:"busy,omitempty"`
	Failed   []string       `json:"failed,omitempty"`
	Files    map[string]int `json:"files"`
	Deleted  int            `json:"deleted"`
	Duration string         `json:"duration"`
}

type statusResponse struct {
	// Files — количество файлов по именам статусов (new, indexed, ...)
	Files      map[string]int        `json:"files"`
	Connectors []hub.ConnectorStatus `json:"connectors"`
	Jobs       *jobsStatus           `json:"jobs,omitempty"`
}

// GetStatus возвращает счётчики статусов, состояние коннекторов
// и итог последнего прохода фоновых заданий.
func (h *APIHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counter.CountByStatus(r.Context())
	if err != nil {
		h.logger.Error("Ошибка подсчёта статусов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка при получении состояния")
		return
	}

	resp := statusResponse{Files: make(map[string]int, len(model.AllStatuses))}
	for _, st := range model.AllStatuses {
		resp.Files[st.Name()] = counts[st]
	}

	connectors, err := h.hub.Status(r.Context())
	if err != nil {
		h.logger.Warn("Состояние коннекторов недоступно", slog.String("error", err.Error()))
		connectors = []hub.ConnectorStatus{}
	}
	resp.Connectors = connectors

	if h.jobs != nil {
		resp.Jobs = &jobsStatus{InProgress: h.jobs.IsInProgress()}
		if rep := h.jobs.LastReport(); rep != nil {
			files := make(map[string]int, len(rep.Result.Counts))
			for kind, n := range rep.Result.Counts {
				files[kind.String()] = n
			}
			resp.Jobs.LastRun = &jobReport{
				RunID:    rep.RunID,
				Users:    rep.Users,
				Busy:     rep.Busy,
				Failed:   rep.Failed,
				Files:    files,
				Deleted:  rep.Deleted,
				Duration: rep.Duration.Round(time.Millisecond).String(),
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
