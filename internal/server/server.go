// Пакет server — HTTP-сервер индексатора с graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/owncloud/search-elastic-sub000/internal/api/handlers"
	"github.com/owncloud/search-elastic-sub000/internal/api/middleware"
	"github.com/owncloud/search-elastic-sub000/internal/config"
)

// Server — HTTP-сервер индексатора.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты. jwtAuth может быть nil, тогда
// /api/v1 не регистрируется и доступны только health и metrics.
func NewRouter(
	logger *slog.Logger,
	health *handlers.HealthHandler,
	api *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics опрашиваются Kubernetes и Prometheus без токена.
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	if jwtAuth != nil && api != nil {
		router.Route("/api/v1", func(r chi.Router) {
			r.Use(jwtAuth.Middleware())
			r.Get("/search", api.SearchFiles)
			r.With(middleware.RequireAdmin()).Get("/status", api.GetStatus)
		})
	}

	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
		},
		logger: logger.With(slog.String("component", "server")),
		cfg:    cfg,
	}
}

// Run запускает сервер и блокируется до отмены ctx,
// после чего выполняет graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}
	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
