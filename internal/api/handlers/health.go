// health.go — health endpoints индексатора.
// /health/live — процесс жив
// /health/ready — PostgreSQL доступен, поисковый индекс готов
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/hub"
)

// Статусы проверок.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

const serviceName = "search-indexer"

// ReadinessChecker — проверка готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	pgChecker ReadinessChecker
	hub       HubStatus
	timeout   time.Duration
}

// NewHealthHandler создаёт обработчик health endpoints.
// pgChecker может быть nil, тогда readiness вернёт fail.
func NewHealthHandler(pgChecker ReadinessChecker, hubStatus HubStatus) *HealthHandler {
	return &HealthHandler{
		pgChecker: pgChecker,
		hub:       hubStatus,
		timeout:   3 * time.Second,
	}
}

type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
	Checks    struct {
		PostgreSQL    healthCheckResult `json:"postgresql"`
		Elasticsearch healthCheckResult `json:"elasticsearch"`
	} `json:"checks"`
}

// HealthLive — liveness probe.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	})
}

// HealthReady — readiness probe. 200 для ok/degraded, 503 для fail.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   serviceName,
	}

	if h.pgChecker != nil {
		st, msg := h.pgChecker.CheckReady()
		resp.Checks.PostgreSQL = healthCheckResult{Status: st, Message: msg}
	} else {
		resp.Checks.PostgreSQL = healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	resp.Checks.Elasticsearch = h.checkSearch(ctx)

	resp.Status = overallStatus(resp.Checks.PostgreSQL.Status, resp.Checks.Elasticsearch.Status)

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// checkSearch проверяет состояние search-коннектора: не созданный
// индекс означает degraded, недоступный кластер означает fail.
func (h *HealthHandler) checkSearch(ctx context.Context) healthCheckResult {
	if h.hub == nil {
		return healthCheckResult{Status: statusFail, Message: "не инициализирован"}
	}
	statuses, err := h.hub.Status(ctx)
	if err != nil {
		return healthCheckResult{Status: statusFail, Message: err.Error()}
	}
	for _, st := range statuses {
		if st.Role != "search" {
			continue
		}
		switch st.State {
		case hub.StateReady:
			return healthCheckResult{Status: statusOK, Message: "индекс " + st.Name + " готов"}
		case hub.StateNotProvisioned:
			return healthCheckResult{Status: statusDegraded, Message: "индекс " + st.Name + " не создан"}
		default:
			return healthCheckResult{Status: statusFail, Message: st.Error}
		}
	}
	return healthCheckResult{Status: statusFail, Message: "search-коннектор не найден"}
}

// overallStatus: fail, если хотя бы одна зависимость fail;
// degraded, если хотя бы одна degraded; иначе ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}
