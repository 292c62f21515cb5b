package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/telemetry"
)

// ServerConfig конфигурация HTTP сервера.
type ServerConfig struct {
	Port            int
	ServiceName     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig возвращает конфигурацию по умолчанию.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		ServiceName:     "goodmeal-billing",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate проверяет конфигурацию.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return core.NewError(core.ErrInvalidConfig, fmt.Sprintf("invalid server port: %d", c.Port))
	}
	return nil
}

// Server HTTP сервер биллинга. Помимо маршрутов Handlers отдает
// /health и /metrics для Prometheus.
type Server struct {
	config *ServerConfig
	srv    *http.Server
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
}

// NewServer собирает роутер и сервер.
func NewServer(config *ServerConfig, handlers *Handlers) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.HTTPTracingMiddleware(config.ServiceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.Register(router)

	return &Server{
		config: config,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
		logger: slog.Default().With("component", "http-server"),
	}, nil
}

// Start запускает сервер в фоне.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	s.running = true
	s.logger.Info("http server started", "addr", s.srv.Addr)
	return nil
}

// Stop останавливает сервер с graceful shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.running = false
	s.logger.Info("http server stopped")
	return nil
}

// IsRunning сообщает, запущен ли сервер.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
