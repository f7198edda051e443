package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/models"
	rediscommon "greenhouse-irrigation/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Detector 灌溉检测引擎接口（由 detector 包实现）
type Detector interface {
	// OnReading 处理一条新到达的读数
	OnReading(ctx context.Context, reading *models.SensorReading) error
}

// StreamConsumer Redis Streams 消费者（消费传感器读数流，驱动检测引擎）
// 消息处理成功后才 XACK：崩溃后未确认的消息会被重新投递，
// 重试安全性由冷却去重保护和通知幂等键保证
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStreamConsumer 创建 Streams 消费者
func NewStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Start 启动消费者
func (c *StreamConsumer) Start(ctx context.Context, detector Detector) error {
	stream := c.config.Irrigation.Streams.Readings
	group := c.config.Irrigation.Streams.ConsumerGroup

	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("stream", stream),
		zap.String("consumer_group", group),
		zap.String("consumer_name", c.config.Irrigation.Streams.ConsumerName),
	)

	// 先处理本消费者崩溃前未确认的消息（保证"事件已建但通知未发"的消息被重放）
	if err := c.consumePending(ctx, detector); err != nil {
		c.logger.Error("Failed to consume pending messages on startup",
			zap.Error(err),
		)
	}

	// 消费循环（指数退避）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consumer stopped")
			return nil
		default:
			if err := c.consumeBatch(ctx, detector); err != nil {
				c.logger.Error("Failed to consume readings stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

// consumePending 读取并处理本消费者未确认的历史消息
// 从上一批最后一条消息 ID 之后继续读取：确认过的消息离开待处理列表
// 也不会漏掉后面的消息，重试耗尽仍未确认的消息不会让重放死循环
func (c *StreamConsumer) consumePending(ctx context.Context, detector Detector) error {
	lastID := "0"
	for {
		messages, err := rediscommon.ReadPendingFromStream(
			ctx,
			c.redisClient,
			c.config.Irrigation.Streams.Readings,
			c.config.Irrigation.Streams.ConsumerGroup,
			c.config.Irrigation.Streams.ConsumerName,
			lastID,
			c.config.Irrigation.Streams.BatchSize,
		)
		if err != nil {
			return fmt.Errorf("failed to read pending messages: %w", err)
		}
		if len(messages) == 0 {
			return nil
		}

		for _, msg := range messages {
			c.processMessage(ctx, detector, msg)
		}
		lastID = messages[len(messages)-1].ID

		c.logger.Info("Replayed unacknowledged messages",
			zap.Int("count", len(messages)),
		)
	}
}

// consumeBatch 读取并处理一批新消息
func (c *StreamConsumer) consumeBatch(ctx context.Context, detector Detector) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.config.Irrigation.Streams.Readings,
		c.config.Irrigation.Streams.ConsumerGroup,
		c.config.Irrigation.Streams.ConsumerName,
		c.config.Irrigation.Streams.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.processMessage(ctx, detector, msg)
	}

	return nil
}

// processMessage 处理单条消息
// 解析失败的消息直接确认（毒消息重放没有意义）；
// 检测引擎的瞬态失败按配置重试，重试耗尽后不确认，留待重新投递
func (c *StreamConsumer) processMessage(ctx context.Context, detector Detector, msg rediscommon.StreamMessage) {
	reading, err := parseReadingMessage(msg)
	if err != nil {
		c.logger.Error("Failed to parse reading message, discarding",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		c.ack(ctx, msg.ID)
		return
	}

	maxAttempts := c.config.Irrigation.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := c.config.Irrigation.Retry.Backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = detector.OnReading(ctx, reading)
		if lastErr == nil {
			c.ack(ctx, msg.ID)
			return
		}

		c.logger.Warn("Detection failed, will retry",
			zap.String("greenhouse_id", reading.GreenhouseID),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	// 重试耗尽：不确认，消息会在重启/恢复时重新投递
	c.logger.Error("Detection failed after retries, message left pending",
		zap.String("greenhouse_id", reading.GreenhouseID),
		zap.String("message_id", msg.ID),
		zap.Error(lastErr),
	)
}

func (c *StreamConsumer) ack(ctx context.Context, messageID string) {
	err := rediscommon.AckMessage(
		ctx,
		c.redisClient,
		c.config.Irrigation.Streams.Readings,
		c.config.Irrigation.Streams.ConsumerGroup,
		messageID,
	)
	if err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// parseReadingMessage 解析读数消息（格式：{"data": "<json>", "timestamp": "<unix>"}）
func parseReadingMessage(msg rediscommon.StreamMessage) (*models.SensorReading, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}

	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s data field is not a string", msg.ID)
	}

	var reading models.SensorReading
	if err := json.Unmarshal([]byte(data), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	if reading.GreenhouseID == "" {
		return nil, fmt.Errorf("reading has no greenhouse_id")
	}

	return &reading, nil
}
