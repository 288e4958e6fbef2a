// Пакет server — HTTP-сервер Ingest Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/ingest-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/ingest-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/ingest-module/internal/config"
)

// Server — HTTP-сервер Ingest Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth — middleware аутентификации; health и metrics проходят без него.
func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handler, jwtAuth *middleware.JWTAuth) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные endpoints — без аутентификации
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Изменяющие операции: роль admin или scope ingest:write
	requireWrite := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin},
		[]string{middleware.ScopeIngestWrite},
	)
	// Читающие операции: любая роль или любой ingest-scope
	requireRead := middleware.RequireRoleOrScope(
		[]string{middleware.RoleAdmin, middleware.RoleReadonly},
		[]string{middleware.ScopeIngestRead, middleware.ScopeIngestWrite},
	)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())

		r.Group(func(r chi.Router) {
			r.Use(requireWrite)

			r.Post("/uploads", h.CreateUpload)
			r.Put("/uploads/{sessionID}/parts/{partNumber}", h.UploadPart)
			r.Post("/uploads/{sessionID}/complete", h.CompleteUpload)
			r.Delete("/uploads/{sessionID}", h.AbortUpload)

			r.Post("/ingest/complete", h.IngestComplete)
			r.Post("/ingest/retry", h.Retry)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRead)

			r.Get("/uploads/{sessionID}/progress", h.UploadProgress)
			r.Get("/ingest/queue", h.Queue)
			r.Get("/ingest/events", h.Events)
			// Ключи файлов содержат слэши — wildcard вместо URL-параметра
			r.Get("/ingest/files/*", h.FileStatusHandler)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
