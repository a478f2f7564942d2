// jobs.go — задания сверки: индексация новых файлов, обновление
// метаданных и удаление исчезнувших файлов.
//
// Задания одного ключа не выполняются параллельно: перед запуском
// захватывается блокировка (Redis при нескольких экземплярах, иначе
// локальная). Пользователи обрабатываются параллельно с ограничением
// SI_CONCURRENCY.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/owncloud/search-elastic-sub000/internal/domain/model"
	"github.com/owncloud/search-elastic-sub000/internal/lock"
)

// Имена заданий.
const (
	JobContentChanged  = "content_changed"
	JobMetadataChanged = "metadata_changed"
	JobDeleteVanished  = "delete_vanished"
)

// ErrJobBusy — задание с тем же ключом уже выполняется.
var ErrJobBusy = errors.New("задание уже выполняется")

// Prometheus-метрики заданий.
var (
	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "si_job_runs_total",
		Help: "Общее количество запусков заданий по результату.",
	}, []string{"job", "result"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "si_job_duration_seconds",
		Help:    "Длительность выполнения заданий.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 900},
	}, []string{"job"})
)

// JobReport — итог прохода по ожидающим заданиям.
type JobReport struct {
	RunID string
	// Users — количество обработанных пользователей
	Users int
	// Busy — пользователи, задания которых выполнялись другим процессом
	Busy []string
	// Failed — пользователи, задания которых завершились ошибкой
	Failed []string
	Result BatchResult
	// Deleted — удалено записей исчезнувших файлов
	Deleted  int
	Duration time.Duration
}

// Jobs — задания сверки индекса.
type Jobs struct {
	indexing    *IndexingService
	catalog     Catalog
	locker      lock.Locker
	lockTTL     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewJobs создаёт набор заданий.
func NewJobs(
	indexing *IndexingService,
	cat Catalog,
	locker lock.Locker,
	lockTTL time.Duration,
	concurrency int,
	logger *slog.Logger,
) *Jobs {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Jobs{
		indexing:    indexing,
		catalog:     cat,
		locker:      locker,
		lockTTL:     lockTTL,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "jobs")),
	}
}

// run выполняет fn под блокировкой key и учитывает метрики.
func (j *Jobs) run(ctx context.Context, job, key string, fn func(ctx context.Context) error) error {
	lease, ok, err := j.locker.TryLock(ctx, key, j.lockTTL)
	if err != nil {
		jobRunsTotal.WithLabelValues(job, "error").Inc()
		return err
	}
	if !ok {
		jobRunsTotal.WithLabelValues(job, "busy").Inc()
		return ErrJobBusy
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			j.logger.Warn("Ошибка снятия блокировки",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}()

	start := time.Now()
	stop := j.keepAlive(ctx, lease)
	err = fn(ctx)
	stop()
	jobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
	if err != nil {
		jobRunsTotal.WithLabelValues(job, "error").Inc()
		return err
	}
	jobRunsTotal.WithLabelValues(job, "ok").Inc()
	return nil
}

// keepAlive продлевает блокировку каждую треть lockTTL, пока задание
// выполняется. Возвращённая функция останавливает продление.
func (j *Jobs) keepAlive(ctx context.Context, lease *lock.Lease) func() {
	interval := j.lockTTL / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Extend(ctx, j.lockTTL)
				if err == nil || ctx.Err() != nil {
					continue
				}
				j.logger.Warn("Ошибка продления блокировки",
					slog.String("key", lease.Key()),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, lock.ErrNotHeld) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// ContentChanged индексирует новые файлы пользователя с содержимым.
func (j *Jobs) ContentChanged(ctx context.Context, userID string) (BatchResult, error) {
	result := newBatchResult()
	err := j.run(ctx, JobContentChanged, JobContentChanged+":"+userID, func(ctx context.Context) error {
		r, err := j.indexing.IndexContentChanged(ctx, userID)
		result = r
		return err
	})
	return result, err
}

// MetadataChanged обновляет метаданные изменённых файлов пользователя.
func (j *Jobs) MetadataChanged(ctx context.Context, userID string) (BatchResult, error) {
	result := newBatchResult()
	err := j.run(ctx, JobMetadataChanged, JobMetadataChanged+":"+userID, func(ctx context.Context) error {
		r, err := j.indexing.IndexMetadataChanged(ctx, userID)
		result = r
		return err
	})
	return result, err
}

// DeleteVanished удаляет исчезнувшие файлы из индексов и статусов.
func (j *Jobs) DeleteVanished(ctx context.Context) (int, error) {
	var deleted int
	err := j.run(ctx, JobDeleteVanished, JobDeleteVanished, func(ctx context.Context) error {
		n, err := j.indexing.DeleteVanished(ctx)
		deleted = n
		return err
	})
	return deleted, err
}

// UpdatePending выполняет ожидающие задания для пользователей users
// (пустой список — все пользователи), затем удаляет исчезнувшие файлы.
// Ошибка одного пользователя не прерывает обработку остальных.
func (j *Jobs) UpdatePending(ctx context.Context, users []string) (*JobReport, error) {
	start := time.Now()
	report := &JobReport{RunID: uuid.NewString(), Result: newBatchResult()}
	logger := j.logger.With(slog.String("run_id", report.RunID))

	if len(users) == 0 {
		all, err := j.catalog.Users(ctx)
		if err != nil {
			return nil, err
		}
		users = all
	}
	logger.Info("Обработка ожидающих заданий начата", slog.Int("users", len(users)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)

	for _, userID := range users {
		g.Go(func() error {
			result := newBatchResult()
			var jobErr error
			for _, job := range []func(context.Context, string) (BatchResult, error){j.ContentChanged, j.MetadataChanged} {
				r, err := job(gctx, userID)
				result.Merge(r)
				if err != nil {
					jobErr = err
					break
				}
			}

			mu.Lock()
			defer mu.Unlock()
			report.Users++
			report.Result.Merge(result)
			switch {
			case errors.Is(jobErr, ErrJobBusy):
				report.Busy = append(report.Busy, userID)
			case errors.Is(jobErr, context.Canceled):
				return jobErr
			case jobErr != nil:
				report.Failed = append(report.Failed, userID)
				logger.Error("Ошибка обработки заданий пользователя",
					slog.String("user", userID),
					slog.String("error", jobErr.Error()),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	deleted, err := j.DeleteVanished(ctx)
	switch {
	case errors.Is(err, ErrJobBusy):
		logger.Info("Удаление исчезнувших файлов выполняется другим процессом")
	case err != nil:
		return report, err
	}
	report.Deleted = deleted
	report.Duration = time.Since(start)

	logger.Info("Обработка ожидающих заданий завершена",
		slog.Int("users", report.Users),
		slog.Int("files", report.Result.Processed),
		slog.Int("indexed", report.Result.Counts[model.OutcomeIndexed]),
		slog.Int("failed_users", len(report.Failed)),
		slog.Int("deleted", report.Deleted),
		slog.Duration("duration", report.Duration),
	)
	return report, nil
}
