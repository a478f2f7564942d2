// Пакет settings — настройки индексатора: значения по умолчанию из
// переменных окружения, переопределения в таблице search_settings,
// LRU-кэш с TTL поверх БД.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/owncloud/search-elastic-sub000/internal/config"
	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/repository"
)

// Ключи настроек.
const (
	KeyMaxSize          = "max_size"
	KeyNoContent        = "nocontent"
	KeyGroupNoContent   = "group.nocontent"
	KeyScanExternal     = "scanExternalStorages"
	KeyWriteConnectors  = "write_connectors"
	KeySearchConnector  = "search_connector"
	KeyInstanceID       = "instanceid"
	KeySkippedDirs      = "skipped_dirs"
	fillCursorKeyPrefix = "fill_cursor."
)

// ErrUnknownKey — ключ не входит в список известных настроек.
var ErrUnknownKey = errors.New("неизвестный ключ настройки")

// appKeys — ключи области app, доступные для чтения и записи.
var appKeys = []string{
	KeyMaxSize, KeyNoContent, KeyGroupNoContent, KeyScanExternal,
	KeyWriteConnectors, KeySearchConnector, KeyInstanceID,
}

// Provider — источник настроек.
type Provider struct {
	store  repository.SettingsStore
	cfg    *config.Config
	cache  *cache
	logger *slog.Logger
}

// New создаёт Provider.
func New(store repository.SettingsStore, cfg *config.Config, logger *slog.Logger) *Provider {
	return &Provider{
		store:  store,
		cfg:    cfg,
		cache:  newCache(cfg.SettingsCacheSize, cfg.SettingsCacheTTL),
		logger: logger.With(slog.String("component", "settings")),
	}
}

// lookup возвращает значение из кэша или БД; found=false — ключ не задан.
func (p *Provider) lookup(ctx context.Context, scope, userID, key string) (string, bool, error) {
	ck := cacheKey(scope, userID, key)
	if e, ok := p.cache.get(ck); ok {
		return e.value, e.found, nil
	}

	value, err := p.store.Get(ctx, scope, userID, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		p.cache.set(ck, entry{})
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	p.cache.set(ck, entry{value: value, found: true})
	return value, true, nil
}

func (p *Provider) appString(ctx context.Context, key, def string) (string, error) {
	v, ok, err := p.lookup(ctx, repository.ScopeApp, "", key)
	if err != nil || !ok {
		return def, err
	}
	return v, nil
}

func (p *Provider) appBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := p.lookup(ctx, repository.ScopeApp, "", key)
	if err != nil || !ok {
		return def, err
	}
	b, err := parseBool(v)
	if err != nil {
		p.logger.Warn("Некорректное значение настройки, используется значение по умолчанию",
			slog.String("key", key),
			slog.String("value", v),
		)
		return def, nil
	}
	return b, nil
}

// InstanceID возвращает идентификатор экземпляра для имён индексов.
// При первом обращении идентификатор создаётся и сохраняется в БД.
func (p *Provider) InstanceID(ctx context.Context) (string, error) {
	v, ok, err := p.lookup(ctx, repository.ScopeApp, "", KeyInstanceID)
	if err != nil {
		return "", err
	}
	if ok && v != "" {
		return v, nil
	}

	candidate := p.cfg.InstanceID
	if candidate == "" {
		candidate = "oc" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	}
	stored, err := p.store.SetIfAbsent(ctx, repository.ScopeApp, "", KeyInstanceID, candidate)
	if err != nil {
		return "", err
	}
	p.cache.set(cacheKey(repository.ScopeApp, "", KeyInstanceID), entry{value: stored, found: true})
	if stored == candidate {
		p.logger.Info("Создан идентификатор экземпляра", slog.String("instance_id", stored))
	}
	return stored, nil
}

// ContentPolicy возвращает политику извлечения содержимого.
func (p *Provider) ContentPolicy(ctx context.Context) (model.ContentPolicy, error) {
	policy := model.ContentPolicy{
		MaxSize:         p.cfg.MaxFileSize,
		NoContentGroups: p.cfg.NoContentGroups,
	}
	var err error

	if v, ok, lerr := p.lookup(ctx, repository.ScopeApp, "", KeyMaxSize); lerr != nil {
		return policy, lerr
	} else if ok {
		if n, perr := strconv.ParseInt(strings.TrimSpace(v), 10, 64); perr == nil && n >= 0 {
			policy.MaxSize = n
		} else {
			p.logger.Warn("Некорректное значение max_size", slog.String("value", v))
		}
	}
	if policy.NoContent, err = p.appBool(ctx, KeyNoContent, p.cfg.NoContent); err != nil {
		return policy, err
	}
	if policy.ScanExternal, err = p.appBool(ctx, KeyScanExternal, p.cfg.ScanExternalStorage); err != nil {
		return policy, err
	}
	if v, ok, lerr := p.lookup(ctx, repository.ScopeApp, "", KeyGroupNoContent); lerr != nil {
		return policy, lerr
	} else if ok {
		policy.NoContentGroups = splitCSV(v)
	}
	return policy, nil
}

// ScanExternalStorages — индексировать ли внешние хранилища.
func (p *Provider) ScanExternalStorages(ctx context.Context) (bool, error) {
	return p.appBool(ctx, KeyScanExternal, p.cfg.ScanExternalStorage)
}

// WriteConnectors возвращает имена write-коннекторов.
func (p *Provider) WriteConnectors(ctx context.Context) ([]string, error) {
	v, ok, err := p.lookup(ctx, repository.ScopeApp, "", KeyWriteConnectors)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.cfg.WriteConnectors, nil
	}
	return splitCSV(v), nil
}

// SearchConnector возвращает имя search-коннектора.
func (p *Provider) SearchConnector(ctx context.Context) (string, error) {
	return p.appString(ctx, KeySearchConnector, p.cfg.SearchConnector)
}

// SkippedDirs возвращает пропускаемые каталоги пользователя.
func (p *Provider) SkippedDirs(ctx context.Context, userID string) ([]string, error) {
	v, ok, err := p.lookup(ctx, repository.ScopeUser, userID, KeySkippedDirs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.cfg.SkippedDirs, nil
	}
	return config.ParseList(v), nil
}

// FillCursor возвращает последний обработанный file id заполнения
// вторичного индекса connectorName для пользователя (0 — с начала).
func (p *Provider) FillCursor(ctx context.Context, userID, connectorName string) (int64, error) {
	v, err := p.store.Get(ctx, repository.ScopeUser, userID, fillCursorKeyPrefix+connectorName)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный курсор заполнения %q: %w", v, err)
	}
	return n, nil
}

// SetFillCursor сохраняет курсор заполнения.
func (p *Provider) SetFillCursor(ctx context.Context, userID, connectorName string, fileID int64) error {
	return p.store.Set(ctx, repository.ScopeUser, userID, fillCursorKeyPrefix+connectorName,
		strconv.FormatInt(fileID, 10))
}

// ClearFillCursor удаляет курсор заполнения.
func (p *Provider) ClearFillCursor(ctx context.Context, userID, connectorName string) error {
	return p.store.Delete(ctx, repository.ScopeUser, userID, fillCursorKeyPrefix+connectorName)
}

// Get возвращает значение настройки app (или skipped_dirs пользователя)
// с учётом значений по умолчанию.
func (p *Provider) Get(ctx context.Context, userID, key string) (string, error) {
	switch key {
	case KeySkippedDirs:
		dirs, err := p.SkippedDirs(ctx, userID)
		return strings.Join(dirs, ";"), err
	case KeyWriteConnectors:
		names, err := p.WriteConnectors(ctx)
		return strings.Join(names, ","), err
	case KeySearchConnector:
		return p.SearchConnector(ctx)
	case KeyInstanceID:
		return p.InstanceID(ctx)
	case KeyMaxSize, KeyNoContent, KeyGroupNoContent, KeyScanExternal:
		policy, err := p.ContentPolicy(ctx)
		if err != nil {
			return "", err
		}
		return policyValue(policy, key), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
}

// Set записывает настройку и сбрасывает её кэш.
func (p *Provider) Set(ctx context.Context, userID, key, value string) error {
	scope, uid := repository.ScopeApp, ""
	switch {
	case key == KeySkippedDirs:
		if userID == "" {
			return fmt.Errorf("%s задаётся для пользователя", KeySkippedDirs)
		}
		scope, uid = repository.ScopeUser, userID
	case lo.Contains(appKeys, key):
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	if err := validate(key, value); err != nil {
		return err
	}
	if err := p.store.Set(ctx, scope, uid, key, value); err != nil {
		return err
	}
	p.cache.remove(cacheKey(scope, uid, key))
	return nil
}

// Keys возвращает известные ключи.
func Keys() []string {
	return append(append([]string{}, appKeys...), KeySkippedDirs)
}

func policyValue(policy model.ContentPolicy, key string) string {
	switch key {
	case KeyMaxSize:
		return strconv.FormatInt(policy.MaxSize, 10)
	case KeyNoContent:
		return strconv.FormatBool(policy.NoContent)
	case KeyScanExternal:
		return strconv.FormatBool(policy.ScanExternal)
	default:
		return strings.Join(policy.NoContentGroups, ",")
	}
}

// validate проверяет значение настройки перед записью.
func validate(key, value string) error {
	switch key {
	case KeyMaxSize:
		if n, err := strconv.ParseInt(value, 10, 64); err != nil || n < 0 {
			return fmt.Errorf("%s: ожидается неотрицательное целое, получено %q", key, value)
		}
	case KeyNoContent, KeyScanExternal:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	case KeyWriteConnectors:
		if len(splitCSV(value)) == 0 {
			return fmt.Errorf("%s: список коннекторов пуст", key)
		}
	case KeySearchConnector, KeyInstanceID:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s: пустое значение", key)
		}
	}
	return nil
}

// parseBool принимает true/false, 1/0 и yes/no.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("ожидается true/false или yes/no, получено %q", v)
	}
	return b, nil
}

// splitCSV разбирает список через запятую без пустых элементов.
func splitCSV(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
