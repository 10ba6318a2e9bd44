// Пакет server — HTTP-сервер панели с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bigkaa/gamepanel/internal/api/handlers"
	"github.com/bigkaa/gamepanel/internal/api/middleware"
	"github.com/bigkaa/gamepanel/internal/config"
)

// Server — HTTP-сервер панели.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth защищает /api/admin и /api/client, nodeAuth — /api/remote.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	h *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	nodeAuth *middleware.NodeAuth,
) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, jwtAuth, nodeAuth),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты панели.
// Health и metrics проверяются Kubernetes напрямую, без аутентификации.
func NewRouter(
	logger *slog.Logger,
	h *handlers.APIHandler,
	jwtAuth *middleware.JWTAuth,
	nodeAuth *middleware.NodeAuth,
) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	router.Use(chimw.Recoverer)

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/admin", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())
		r.Use(middleware.RequireAdmin)

		r.Post("/servers", h.CreateServer)
		r.Get("/servers/{server}", h.GetServer)
		r.Delete("/servers/{server}", h.DeleteServer)

		r.Get("/nodes/{node}/allocations", h.ListAllocations)
		r.Post("/nodes/{node}/allocations", h.CreateAllocations)
		r.Delete("/nodes/{node}/allocations", h.DeleteAllocations)
	})

	router.Route("/api/client/servers/{server}", func(r chi.Router) {
		r.Use(jwtAuth.Middleware())

		r.Get("/files/list", h.ListFiles)
		r.Post("/files/decompress", h.DecompressFile)
		r.Get("/files/pull", h.ListPulls)
		r.Post("/files/pull", h.PullFile)
		r.Post("/files/write", h.WriteFile)
		r.Post("/command", h.SendCommand)
		r.Get("/websocket", h.Websocket)
	})

	router.Route("/api/remote", func(r chi.Router) {
		r.Use(nodeAuth.Middleware())

		r.Post("/servers/reset", h.ResetServers)
	})

	return router
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
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
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
