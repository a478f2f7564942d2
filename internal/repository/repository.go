// Пакет repository — таблицы индексатора в базе ownCloud:
// search_file_status и search_settings. Запросы к таблицам хоста
// (oc_filecache, oc_share) строятся с префиксом из конфигурации.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound — статус или настройка отсутствуют.
var ErrNotFound = errors.New("запись не найдена")

// DBTX — общее подмножество *pgxpool.Pool и pgx.Tx.
// Хранилища статусов и настроек принимают любое из них.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner выполняет пакет операций над статусами атомарно
// (reset-index: очистка статусов после пересоздания индексов).
type TxRunner struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

// NewTxRunner создаёт TxRunner с уровнем изоляции READ COMMITTED.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool, opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted}}
}

// RunInTx выполняет fn в транзакции: ошибка fn откатывает её,
// иначе транзакция фиксируется.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // после Commit откат ничего не делает

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// collectIDs читает file id из результата с одним столбцом.
func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования file id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения file id: %w", err)
	}
	return ids, nil
}
