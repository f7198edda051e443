package service

import (
	"context"
	"database/sql"
	"fmt"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/consumer"
	"greenhouse-irrigation/internal/detector"
	"greenhouse-irrigation/internal/ingest"
	"greenhouse-irrigation/internal/notifier"
	"greenhouse-irrigation/internal/repository"
	"greenhouse-irrigation/pkg/database"
	mqttcommon "greenhouse-irrigation/pkg/mqtt"
	rediscommon "greenhouse-irrigation/pkg/redis"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Service 灌溉检测服务（整合各层）
type Service struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	// 各层组件
	readingsRepo   *repository.ReadingsRepository
	greenhouseRepo *repository.GreenhousesRepository
	eventsRepo     *repository.IrrigationEventsRepository
	notifyRepo     *repository.NotificationsRepository
	subsRepo       *repository.PushSubscriptionsRepository
	stateManager   *consumer.StateManager
	coordinator    *notifier.Coordinator
	engine         *detector.Engine
	streamConsumer *consumer.StreamConsumer
	mqttConsumer   *ingest.MQTTConsumer
	irrigations    *IrrigationService

	cancel context.CancelFunc
}

// NewService 创建灌溉检测服务
func NewService(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}

	// 4. 创建 Repository 层
	readingsRepo := repository.NewReadingsRepository(db, logger)
	greenhouseRepo := repository.NewGreenhousesRepository(db, logger)
	eventsRepo := repository.NewIrrigationEventsRepository(db, logger)
	notifyRepo := repository.NewNotificationsRepository(db, logger)
	subsRepo := repository.NewPushSubscriptionsRepository(db, logger)

	// 5. 创建通知协调器（Pub/Sub 实时投递 + 可选 Web Push）
	channels := []notifier.DeliveryChannel{
		notifier.NewPubSubDelivery(redisClient, cfg.Delivery.ChannelPrefix),
	}
	if cfg.Delivery.PushGatewayURL != "" {
		channels = append(channels, notifier.NewWebPushDelivery(
			cfg.Delivery.PushGatewayURL,
			cfg.Delivery.PushTimeout,
			subsRepo,
			logger,
		))
	}
	coordinator := notifier.NewCoordinator(notifyRepo, channels, logger)

	// 6. 创建检测引擎
	stateManager := consumer.NewStateManager(cfg, redisClient, logger)
	engine := detector.NewEngine(
		cfg,
		readingsRepo,
		eventsRepo,
		greenhouseRepo,
		stateManager,
		coordinator,
		logger,
	)

	// 7. 创建消费者
	streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, logger)
	mqttConsumer := ingest.NewMQTTConsumer(
		cfg,
		mqttClient,
		redisClient,
		readingsRepo,
		greenhouseRepo,
		coordinator,
		logger,
	)

	// 8. 创建确认服务
	irrigations := NewIrrigationService(eventsRepo, greenhouseRepo, coordinator, logger,
		cfg.Irrigation.Retry.MaxAttempts, cfg.Irrigation.Retry.Backoff)

	return &Service{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		mqttClient:     mqttClient,
		logger:         logger,
		readingsRepo:   readingsRepo,
		greenhouseRepo: greenhouseRepo,
		eventsRepo:     eventsRepo,
		notifyRepo:     notifyRepo,
		subsRepo:       subsRepo,
		stateManager:   stateManager,
		coordinator:    coordinator,
		engine:         engine,
		streamConsumer: streamConsumer,
		mqttConsumer:   mqttConsumer,
		irrigations:    irrigations,
	}, nil
}

// Start 启动服务（消费者在各自 goroutine 中运行）
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting irrigation service",
		zap.Float64("detection_threshold", s.config.Irrigation.Detection.Threshold),
		zap.Duration("cooldown_window", s.config.Irrigation.Detection.CooldownWindow),
	)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		if err := s.streamConsumer.Start(ctx, s.engine); err != nil && ctx.Err() == nil {
			s.logger.Error("Stream consumer exited", zap.Error(err))
		}
	}()

	go func() {
		if err := s.mqttConsumer.Start(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("MQTT consumer exited", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务
func (s *Service) Stop() error {
	s.logger.Info("Stopping irrigation service")

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.mqttConsumer.Stop(context.Background()); err != nil {
		s.logger.Error("Failed to stop MQTT consumer", zap.Error(err))
	}
	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	s.logger.Info("Irrigation service stopped")
	return nil
}

// Irrigations 灌溉事件服务（供 HTTP 层使用）
func (s *Service) Irrigations() *IrrigationService {
	return s.irrigations
}

// Notifier 通知协调器（供 HTTP 层使用）
func (s *Service) Notifier() *notifier.Coordinator {
	return s.coordinator
}

// Subscriptions 推送订阅存储（供 HTTP 层使用）
func (s *Service) Subscriptions() *repository.PushSubscriptionsRepository {
	return s.subsRepo
}
