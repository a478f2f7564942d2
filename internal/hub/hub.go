// Пакет hub управляет набором коннекторов: документы пишутся во все
// write-коннекторы, поиск выполняется через один search-коннектор.
// Проверки готовности индексов кэшируются до явного сброса.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/owncloud/search-elastic-sub000/internal/connector"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
)

// ErrSearchNotReady — индекс search-коннектора не подготовлен.
var ErrSearchNotReady = errors.New("поисковый индекс не готов")

// Состояния коннектора для проверки статуса.
const (
	StateUnreachable    = "unreachable"
	StateNotProvisioned = "not_provisioned"
	StateReady          = "ready"
)

// Prometheus-метрики Hub.
var (
	indexNodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "si_hub_index_node_total",
		Help: "Общее количество записей документов по коннекторам.",
	}, []string{"connector", "result"})
	preparedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "si_hub_prepare_index_total",
		Help: "Общее количество пересозданий индексов.",
	}, []string{"connector"})
)

// ConnectorConfig — настройки выбора коннекторов.
type ConnectorConfig interface {
	WriteConnectors(ctx context.Context) ([]string, error)
	SearchConnector(ctx context.Context) (string, error)
}

// ConnectorStatus — состояние коннектора.
type ConnectorStatus struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Hub — реестр коннекторов и оркестратор записи и поиска.
type Hub struct {
	config   ConnectorConfig
	fallback string
	logger   *slog.Logger

	mu         sync.Mutex
	connectors map[string]connector.Connector
	checked    map[string]bool
}

// New создаёт Hub. fallback — коннектор, используемый вместо
// незарегистрированных.
func New(config ConnectorConfig, fallback string, logger *slog.Logger) *Hub {
	return &Hub{
		config:     config,
		fallback:   fallback,
		logger:     logger.With(slog.String("component", "hub")),
		connectors: make(map[string]connector.Connector),
		checked:    make(map[string]bool),
	}
}

// RegisterConnector добавляет коннектор в реестр. Повторная регистрация
// имени заменяет предыдущую.
func (h *Hub) RegisterConnector(c connector.Connector) {
	name := c.ConnectorName()
	if len(name) > connector.MaxNameLength {
		h.logger.Error("Имя коннектора слишком длинное, коннектор не зарегистрирован",
			slog.String("connector", name),
			slog.Int("max_length", connector.MaxNameLength),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectors[name] = c
	delete(h.checked, name)
}

// Connector возвращает зарегистрированный коннектор по имени.
func (h *Hub) Connector(name string) (connector.Connector, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.connectors[name]
	return c, ok
}

// ClearConnectorsCheckedCache сбрасывает результаты проверок готовности.
func (h *Hub) ClearConnectorsCheckedCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checked = make(map[string]bool)
}

// writeConnectors возвращает зарегистрированные write-коннекторы.
// Незарегистрированные имена логируются и пропускаются; если не осталось
// ни одного, используется запасной коннектор.
func (h *Hub) writeConnectors(ctx context.Context) ([]connector.Connector, error) {
	names, err := h.config.WriteConnectors(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение write-коннекторов: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]connector.Connector, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		c, ok := h.connectors[name]
		if !ok {
			h.logger.Warn("Write-коннектор не зарегистрирован, пропускается",
				slog.String("connector", name),
			)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, c)
	}

	if len(result) == 0 {
		c, ok := h.connectors[h.fallback]
		if !ok {
			return nil, fmt.Errorf("запасной коннектор %s не зарегистрирован", h.fallback)
		}
		h.logger.Warn("Нет доступных write-коннекторов, используется запасной",
			slog.String("connector", h.fallback),
		)
		result = append(result, c)
	}
	return result, nil
}

// searchConnector возвращает search-коннектор или запасной.
func (h *Hub) searchConnector(ctx context.Context) (connector.Connector, error) {
	name, err := h.config.SearchConnector(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение search-коннектора: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.connectors[name]; ok {
		return c, nil
	}
	h.logger.Warn("Search-коннектор не зарегистрирован, используется запасной",
		slog.String("connector", name),
		slog.String("fallback", h.fallback),
	)
	c, ok := h.connectors[h.fallback]
	if !ok {
		return nil, fmt.Errorf("запасной коннектор %s не зарегистрирован", h.fallback)
	}
	return c, nil
}

// verify проверяет готовность коннектора, при необходимости создаёт индекс.
// Результат запоминается до ClearConnectorsCheckedCache, если не force.
func (h *Hub) verify(ctx context.Context, c connector.Connector, force bool) (bool, error) {
	name := c.ConnectorName()

	h.mu.Lock()
	ready, done := h.checked[name]
	h.mu.Unlock()
	if done && !force {
		return ready, nil
	}

	ready, err := c.IsSetup(ctx)
	if err != nil {
		return false, fmt.Errorf("проверка коннектора %s: %w", name, err)
	}
	if !ready {
		h.logger.Info("Индекс коннектора не подготовлен, создаётся",
			slog.String("connector", name),
		)
		if err := c.PrepareIndex(ctx); err != nil {
			return false, fmt.Errorf("подготовка индекса коннектора %s: %w", name, err)
		}
		preparedTotal.WithLabelValues(name).Inc()
		if ready, err = c.IsSetup(ctx); err != nil {
			return false, fmt.Errorf("повторная проверка коннектора %s: %w", name, err)
		}
	}

	h.mu.Lock()
	h.checked[name] = ready
	h.mu.Unlock()
	return ready, nil
}

// isVerified возвращает запомненный результат проверки.
func (h *Hub) isVerified(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checked[name]
}

// PrepareWriteIndexes проверяет и при необходимости создаёт индексы
// всех write-коннекторов. true — все готовы.
func (h *Hub) PrepareWriteIndexes(ctx context.Context, force bool) (bool, error) {
	conns, err := h.writeConnectors(ctx)
	if err != nil {
		return false, err
	}
	all := true
	for _, c := range conns {
		ready, err := h.verify(ctx, c, force)
		if err != nil {
			return false, err
		}
		all = all && ready
	}
	return all, nil
}

// PrepareSearchIndex проверяет и при необходимости создаёт индекс
// search-коннектора.
func (h *Hub) PrepareSearchIndex(ctx context.Context, force bool) (bool, error) {
	c, err := h.searchConnector(ctx)
	if err != nil {
		return false, err
	}
	return h.verify(ctx, c, force)
}

// RecreateIndexes пересоздаёт индексы write- и search-коннекторов.
// Все документы в них удаляются.
func (h *Hub) RecreateIndexes(ctx context.Context) error {
	writes, err := h.writeConnectors(ctx)
	if err != nil {
		return err
	}
	search, err := h.searchConnector(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, c := range append(writes, search) {
		name := c.ConnectorName()
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := c.PrepareIndex(ctx); err != nil {
			return fmt.Errorf("пересоздание индекса коннектора %s: %w", name, err)
		}
		preparedTotal.WithLabelValues(name).Inc()
		h.mu.Lock()
		h.checked[name] = true
		h.mu.Unlock()
		h.logger.Info("Индекс коннектора пересоздан", slog.String("connector", name))
	}
	return nil
}

// IsSetup — готовы и write-, и search-индексы.
func (h *Hub) IsSetup(ctx context.Context) (bool, error) {
	writes, err := h.PrepareWriteIndexes(ctx, false)
	if err != nil || !writes {
		return false, err
	}
	return h.PrepareSearchIndex(ctx, false)
}

// IndexNode записывает документ во все проверенные write-коннекторы.
// Запись выполняется во все коннекторы даже после неудачи; успех — только
// если все проверенные коннекторы приняли документ.
func (h *Hub) IndexNode(ctx context.Context, userID string, node *model.Node, extractContent bool) (bool, error) {
	if _, err := h.PrepareWriteIndexes(ctx, false); err != nil {
		return false, err
	}
	conns, err := h.writeConnectors(ctx)
	if err != nil {
		return false, err
	}

	success := true
	var errs []error
	attempted := 0
	for _, c := range conns {
		if !h.isVerified(c.ConnectorName()) {
			continue
		}
		attempted++

		ok, err := c.IndexNode(ctx, userID, node, extractContent)
		switch {
		case err != nil:
			indexNodeTotal.WithLabelValues(c.ConnectorName(), "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", c.ConnectorName(), err))
			success = false
		case !ok:
			indexNodeTotal.WithLabelValues(c.ConnectorName(), "rejected").Inc()
			success = false
		default:
			indexNodeTotal.WithLabelValues(c.ConnectorName(), "ok").Inc()
		}
	}

	if attempted == 0 {
		return false, nil
	}
	return success, errors.Join(errs...)
}

// FetchResults выполняет поиск через search-коннектор. Возвращает также
// коннектор, чтобы вызывающий код мог разобрать поля результата.
func (h *Hub) FetchResults(ctx context.Context, userID, query string, limit, offset int) (*connector.ResultSet, connector.Connector, error) {
	ready, err := h.PrepareSearchIndex(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	if !ready {
		return nil, nil, ErrSearchNotReady
	}
	c, err := h.searchConnector(ctx)
	if err != nil {
		return nil, nil, err
	}
	rs, err := c.FetchResults(ctx, userID, query, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return rs, c, nil
}

// DeleteByFileID удаляет документ из всех write-коннекторов.
// true — удалено (или отсутствовало) во всех.
func (h *Hub) DeleteByFileID(ctx context.Context, fileID int64) (bool, error) {
	conns, err := h.writeConnectors(ctx)
	if err != nil {
		return false, err
	}
	success := true
	var errs []error
	for _, c := range conns {
		ok, err := c.DeleteByFileID(ctx, fileID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ConnectorName(), err))
		}
		success = success && ok && err == nil
	}
	return success, errors.Join(errs...)
}

// ConnectorStats — статистика индекса одного коннектора.
type ConnectorStats struct {
	Name  string         `json:"name"`
	Stats map[string]any `json:"stats"`
}

// GetStats возвращает статистику search-коннектора, затем write-коннекторов
// в порядке настройки, без повторов. Ошибки отдельных коннекторов логируются.
func (h *Hub) GetStats(ctx context.Context) []ConnectorStats {
	var conns []connector.Connector
	if c, err := h.searchConnector(ctx); err == nil {
		conns = append(conns, c)
	}
	if writes, err := h.writeConnectors(ctx); err == nil {
		conns = append(conns, writes...)
	}

	var stats []ConnectorStats
	seen := make(map[string]bool, len(conns))
	for _, c := range conns {
		name := c.ConnectorName()
		if seen[name] {
			continue
		}
		seen[name] = true
		s, err := c.GetStats(ctx)
		if err != nil {
			h.logger.Warn("Ошибка получения статистики коннектора",
				slog.String("connector", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		stats = append(stats, ConnectorStats{Name: name, Stats: s})
	}
	return stats
}

// Optimize объединяет сегменты индексов проверенных write-коннекторов.
func (h *Hub) Optimize(ctx context.Context) error {
	conns, err := h.writeConnectors(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range conns {
		if !h.isVerified(c.ConnectorName()) {
			continue
		}
		if err := c.Optimize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ConnectorName(), err))
		}
	}
	return errors.Join(errs...)
}

// Status возвращает состояние search- и write-коннекторов без создания индексов.
func (h *Hub) Status(ctx context.Context) ([]ConnectorStatus, error) {
	search, err := h.searchConnector(ctx)
	if err != nil {
		return nil, err
	}
	writes, err := h.writeConnectors(ctx)
	if err != nil {
		return nil, err
	}

	var result []ConnectorStatus
	add := func(c connector.Connector, role string) {
		st := ConnectorStatus{Name: c.ConnectorName(), Role: role}
		ready, err := c.IsSetup(ctx)
		switch {
		case err != nil:
			st.State = StateUnreachable
			st.Error = err.Error()
		case !ready:
			st.State = StateNotProvisioned
		default:
			st.State = StateReady
		}
		result = append(result, st)
	}

	add(search, "search")
	for _, c := range writes {
		add(c, "write")
	}
	return result, nil
}
