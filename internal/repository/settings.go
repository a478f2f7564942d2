package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Области настроек.
const (
	ScopeApp  = "app"
	ScopeUser = "user"
)

// Setting — запись search_settings.
type Setting struct {
	Scope  string
	UserID string
	Key    string
	Value  string
}

// SettingsStore — хранилище настроек поиска.
type SettingsStore interface {
	// Get возвращает значение или ErrNotFound.
	Get(ctx context.Context, scope, userID, key string) (string, error)
	Set(ctx context.Context, scope, userID, key, value string) error
	// SetIfAbsent записывает значение, только если ключа нет.
	// Возвращает итоговое значение ключа.
	SetIfAbsent(ctx context.Context, scope, userID, key, value string) (string, error)
	Delete(ctx context.Context, scope, userID, key string) error
	// List возвращает настройки области; userID пустой для app.
	List(ctx context.Context, scope, userID string) ([]Setting, error)
}

type settingsRepo struct {
	db DBTX
}

// NewSettingsStore создаёт хранилище настроек.
func NewSettingsStore(db DBTX) SettingsStore {
	return &settingsRepo{db: db}
}

func (r *settingsRepo) Get(ctx context.Context, scope, userID, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM search_settings WHERE scope = $1 AND user_id = $2 AND key = $3`,
		scope, userID, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка получения настройки %s: %w", key, err)
	}
	return value, nil
}

func (r *settingsRepo) Set(ctx context.Context, scope, userID, key, value string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO search_settings (scope, user_id, key, value, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (scope, user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		scope, userID, key, value,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи настройки %s: %w", key, err)
	}
	return nil
}

func (r *settingsRepo) SetIfAbsent(ctx context.Context, scope, userID, key, value string) (string, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO search_settings (scope, user_id, key, value, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (scope, user_id, key) DO NOTHING`,
		scope, userID, key, value,
	)
	if err != nil {
		return "", fmt.Errorf("ошибка записи настройки %s: %w", key, err)
	}
	return r.Get(ctx, scope, userID, key)
}

func (r *settingsRepo) Delete(ctx context.Context, scope, userID, key string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM search_settings WHERE scope = $1 AND user_id = $2 AND key = $3`,
		scope, userID, key,
	)
	if err != nil {
		return fmt.Errorf("ошибка удаления настройки %s: %w", key, err)
	}
	return nil
}

func (r *settingsRepo) List(ctx context.Context, scope, userID string) ([]Setting, error) {
	rows, err := r.db.Query(ctx,
		`SELECT scope, user_id, key, value FROM search_settings
		 WHERE scope = $1 AND user_id = $2
		 ORDER BY key`,
		scope, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения настроек: %w", err)
	}
	defer rows.Close()

	var result []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Scope, &s.UserID, &s.Key, &s.Value); err != nil {
			return nil, fmt.Errorf("ошибка сканирования настройки: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации настроек: %w", err)
	}
	return result, nil
}
