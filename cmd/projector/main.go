// Сервис проекции статусов. Независимо потребляет поток событий саги
// и ведет read-model в MongoDB для клиентских опросов.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/messagebus"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/projection"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/telemetry"
)

type Config struct {
	Server struct {
		Port int
	}
	Mongo struct {
		URI      string
		Database string
	}
	Bus struct {
		Type    string
		NATSURL string
		Brokers []string
		Redis   string
	}
}

func loadConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = getEnvInt("SERVER_PORT", 8081)
	cfg.Mongo.URI = getEnv("MONGO_URI", "mongodb://localhost:27017")
	cfg.Mongo.Database = getEnv("MONGO_DATABASE", "goodmeal_billing")
	cfg.Bus.Type = getEnv("MESSAGEBUS_TYPE", "nats")
	cfg.Bus.NATSURL = getEnv("NATS_URL", "nats://localhost:4222")
	cfg.Bus.Brokers = strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ",")
	cfg.Bus.Redis = getEnv("REDIS_ADDR", "localhost:6379")
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// makeBus собирает конфигурацию выбранного адаптера, выбор самой
// реализации делает реестр фабрики. Незнакомый тип шины дает ошибку
// фабрики вместо тихого отката на inmemory.
func makeBus(cfg *Config) (messagebus.Bus, error) {
	var busCfg interface{}
	switch cfg.Bus.Type {
	case "nats":
		c := messagebus.DefaultNATSConfig()
		c.URL = cfg.Bus.NATSURL
		busCfg = c
	case "kafka":
		c := messagebus.DefaultKafkaConfig()
		c.Brokers = cfg.Bus.Brokers
		c.GroupID = "status-projector"
		busCfg = c
	case "redis":
		c := messagebus.DefaultRedisConfig()
		c.Addr = cfg.Bus.Redis
		c.ConsumerGroup = "status-projector"
		busCfg = c
	case "inmemory":
		busCfg = messagebus.DefaultInMemoryConfig()
	}
	return messagebus.NewMessageBusFactory().Create(cfg.Bus.Type, busCfg)
}

func main() {
	cfg := loadConfig()
	logger := telemetry.InitLogger("status-projector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meterProvider, err := telemetry.SetupMetrics("status-projector")
	if err != nil {
		fatal(logger, "failed to init metrics", err)
	}
	defer telemetry.ShutdownMetrics(context.Background(), meterProvider)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		fatal(logger, "failed to create metrics", err)
	}

	statusStore, err := projection.NewMongoStatusStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		fatal(logger, "failed to connect to mongo", err)
	}

	bus, err := makeBus(cfg)
	if err != nil {
		fatal(logger, "failed to create message bus", err)
	}
	if err := bus.Start(ctx); err != nil {
		fatal(logger, "failed to start message bus", err)
	}
	defer bus.Stop(context.Background())

	projector, err := projection.NewProjector(projection.DefaultProjectorConfig(), bus, statusStore, metrics)
	if err != nil {
		fatal(logger, "failed to create projector", err)
	}
	if err := projector.Start(ctx); err != nil {
		fatal(logger, "failed to start projector", err)
	}
	defer projector.Stop(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()
	logger.Info("status projector serving", "addr", srv.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop http server", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
