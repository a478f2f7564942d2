// scheduler.go — периодический запуск заданий сверки в режиме serve.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler — фоновый запуск UpdatePending по тикеру (SI_JOBS_INTERVAL).
type Scheduler struct {
	jobs     *Jobs
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	last      *JobReport
	cancel    context.CancelFunc
}

// NewScheduler создаёт планировщик заданий.
func NewScheduler(jobs *Jobs, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		interval: interval,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(runCtx)

	s.logger.Info("Планировщик заданий запущен",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает планировщик.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Планировщик заданий остановлен")
}

// IsInProgress возвращает true, если проход выполняется.
func (s *Scheduler) IsInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProcess
}

// LastReport возвращает итог последнего завершённого прохода.
func (s *Scheduler) LastReport() *JobReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход по ожидающим заданиям.
// Если проход уже выполняется, возвращает nil, true.
func (s *Scheduler) RunOnce(ctx context.Context) (*JobReport, bool) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Warn("Проход заданий уже выполняется, пропуск")
		return nil, true
	}
	s.inProcess = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	report, err := s.jobs.UpdatePending(ctx, nil)
	if err != nil {
		s.logger.Error("Ошибка прохода заданий",
			slog.String("error", err.Error()),
		)
	}
	if report != nil {
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}
	return report, false
}
