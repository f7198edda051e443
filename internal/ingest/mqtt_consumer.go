package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/repository"
	mqttcommon "greenhouse-irrigation/pkg/mqtt"
	rediscommon "greenhouse-irrigation/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Announcer 通知宣告接口（由 notifier.Coordinator 实现）
type Announcer interface {
	Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error
}

// MQTTConsumer MQTT消息消费者
// 接收传感器读数和水泵动作上报，读数先入库再发布到 Redis Stream 供检测引擎消费
type MQTTConsumer struct {
	config         *config.Config
	mqttClient     *mqttcommon.Client
	redisClient    *redis.Client
	readingsRepo   *repository.ReadingsRepository
	greenhouseRepo *repository.GreenhousesRepository
	announcer      Announcer
	logger         *zap.Logger
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqttcommon.Client,
	redisClient *redis.Client,
	readingsRepo *repository.ReadingsRepository,
	greenhouseRepo *repository.GreenhousesRepository,
	announcer Announcer,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:         cfg,
		mqttClient:     mqttClient,
		redisClient:    redisClient,
		readingsRepo:   readingsRepo,
		greenhouseRepo: greenhouseRepo,
		announcer:      announcer,
		logger:         logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.Ingest.Topics.Readings, 1, c.handleReading); err != nil {
		return fmt.Errorf("failed to subscribe to readings topic: %w", err)
	}
	if err := c.mqttClient.Subscribe(c.config.Ingest.Topics.Pump, 1, c.handlePump); err != nil {
		return fmt.Errorf("failed to subscribe to pump topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("readings_topic", c.config.Ingest.Topics.Readings),
		zap.String("pump_topic", c.config.Ingest.Topics.Pump),
	)

	// 等待上下文取消
	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.config.Ingest.Topics.Readings, c.config.Ingest.Topics.Pump); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// readingPayload 传感器上报的读数消息
type readingPayload struct {
	Timestamp       time.Time `json:"timestamp"`
	SoilMoisture    float64   `json:"soil_moisture"`
	AirTemperature  float64   `json:"air_temperature"`
	AirHumidity     float64   `json:"air_humidity"`
	SoilTemperature float64   `json:"soil_temperature"`
}

// handleReading 处理传感器读数消息
// 主题格式: greenhouse/{greenhouse_id}/readings
func (c *MQTTConsumer) handleReading(topic string, payload []byte) error {
	greenhouseID, err := greenhouseFromTopic(topic)
	if err != nil {
		return err
	}

	var data readingPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		c.logger.Error("Failed to unmarshal reading message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal reading: %w", err)
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}

	reading := &models.SensorReading{
		GreenhouseID:    greenhouseID,
		Timestamp:       data.Timestamp,
		SoilMoisture:    data.SoilMoisture,
		AirTemperature:  data.AirTemperature,
		AirHumidity:     data.AirHumidity,
		SoilTemperature: data.SoilTemperature,
		IsValid:         validReading(&data),
		CreatedAt:       time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 1. 先入库，拿到持久化 ID
	id, err := c.readingsRepo.InsertReading(ctx, reading)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	reading.ID = id

	// 2. 发布到 Stream 供检测引擎消费（带 DB ID，检测引擎按 ID 做崩溃恢复判重）
	if _, err := rediscommon.PublishJSONToStream(ctx, c.redisClient, c.config.Irrigation.Streams.Readings, reading); err != nil {
		// 入库已成功，发布失败只记日志；读数仍可被历史查询到，
		// 但不会触发检测，传感器下个周期的读数会继续推进
		c.logger.Error("Failed to publish reading to stream",
			zap.String("greenhouse_id", greenhouseID),
			zap.Int64("reading_id", id),
			zap.Error(err),
		)
		return nil
	}

	c.logger.Debug("Reading ingested",
		zap.String("greenhouse_id", greenhouseID),
		zap.Int64("reading_id", id),
		zap.Float64("soil_moisture", reading.SoilMoisture),
	)
	return nil
}

// pumpPayload 水泵动作上报消息
type pumpPayload struct {
	DurationSec float64 `json:"duration_sec"`
	VolumeML    float64 `json:"volume_ml"`
}

// handlePump 处理水泵动作消息，向温室主人发送 pump_activated 通知
// 主题格式: greenhouse/{greenhouse_id}/pump
func (c *MQTTConsumer) handlePump(topic string, payload []byte) error {
	greenhouseID, err := greenhouseFromTopic(topic)
	if err != nil {
		return err
	}

	var data pumpPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		c.logger.Error("Failed to unmarshal pump message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal pump message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	greenhouse, err := c.greenhouseRepo.GetGreenhouse(ctx, greenhouseID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.logger.Warn("Pump message for unknown greenhouse",
				zap.String("greenhouse_id", greenhouseID),
			)
			return nil
		}
		return fmt.Errorf("failed to load greenhouse: %w", err)
	}

	return c.announcer.Announce(ctx,
		greenhouse.OwnerUserID,
		models.NotificationPumpActivated,
		"Pump activated",
		fmt.Sprintf("Pump in %s ran for %.0f seconds", greenhouse.Name, data.DurationSec),
		models.PumpActivatedData{
			GreenhouseID: greenhouseID,
			DurationSec:  data.DurationSec,
			VolumeML:     data.VolumeML,
		},
	)
}

// greenhouseFromTopic 从主题中提取温室标识
func greenhouseFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[1], nil
}

// validReading 读数有效性判断，越界值入库但不参与检测
func validReading(r *readingPayload) bool {
	return r.SoilMoisture >= 0 && r.SoilMoisture <= 100
}
