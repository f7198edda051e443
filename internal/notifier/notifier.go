package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationStore 通知存储接口（由 repository.NotificationsRepository 实现）
type NotificationStore interface {
	CreateIfAbsent(ctx context.Context, record *models.NotificationRecord) (bool, error)
	MarkRead(ctx context.Context, notificationID, userID string) error
	CountUnread(ctx context.Context, userID string) (int, error)
	ListNotifications(ctx context.Context, userID string, page, size int) ([]*models.NotificationRecord, int, error)
}

// DeliveryChannel 投递通道（实时推送，失败不影响已持久化的记录）
type DeliveryChannel interface {
	Push(ctx context.Context, userID string, record *models.NotificationRecord) error
}

// Coordinator 通知协调器
// 把领域状态转换变为恰好一次的持久化记录 + 至多一次的实时投递尝试。
// 先持久化后投递：客户端错过实时推送后刷新页面仍能在列表里看到通知
type Coordinator struct {
	store    NotificationStore
	channels []DeliveryChannel
	logger   *zap.Logger

	deliveryTimeout time.Duration
}

// NewCoordinator 创建通知协调器
func NewCoordinator(store NotificationStore, channels []DeliveryChannel, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:           store,
		channels:        channels,
		logger:          logger,
		deliveryTimeout: 10 * time.Second,
	}
}

// Announce 宣告一次领域状态转换
// 幂等键为 (type, irrigation_id)（负载引用灌溉事件时）：同一个键无论重试多少次，
// 只会存在一条通知记录；没有新建记录时不重复投递
func (c *Coordinator) Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !models.ValidNotificationType(notificationType) {
		return fmt.Errorf("invalid notification type %s: %w", notificationType, models.ErrInvalidArgument)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}

	record := &models.NotificationRecord{
		NotificationID: uuid.New().String(),
		UserID:         userID,
		Type:           notificationType,
		Title:          title,
		Message:        message,
		Data:           payload,
		IsRead:         false,
		CreatedAt:      time.Now(),
	}

	// 负载引用了灌溉事件时派生幂等键
	if ref, ok := data.(models.IrrigationRef); ok && ref.IrrigationID() != "" {
		key := fmt.Sprintf("%s:%s", notificationType, ref.IrrigationID())
		record.DedupKey = &key
	}

	created, err := c.store.CreateIfAbsent(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	if !created {
		c.logger.Debug("Notification already exists for idempotency key, skipping",
			zap.Stringp("dedup_key", record.DedupKey),
		)
		return nil
	}

	c.logger.Info("Notification persisted",
		zap.String("notification_id", record.NotificationID),
		zap.String("user_id", userID),
		zap.String("type", notificationType),
	)

	// 投递是尽力而为：不持有领域写入相关的任何锁，失败只记日志，
	// 绝不回滚已持久化的记录
	go c.deliver(userID, record)

	return nil
}

// deliver 向所有通道投递（独立超时，失败静默）
func (c *Coordinator) deliver(userID string, record *models.NotificationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), c.deliveryTimeout)
	defer cancel()

	for _, channel := range c.channels {
		if err := channel.Push(ctx, userID, record); err != nil {
			c.logger.Warn("Notification delivery failed",
				zap.String("notification_id", record.NotificationID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
}

// MarkRead 标记通知已读（幂等）
func (c *Coordinator) MarkRead(ctx context.Context, notificationID, userID string) error {
	return c.store.MarkRead(ctx, notificationID, userID)
}

// CountUnread 统计未读通知数量
func (c *Coordinator) CountUnread(ctx context.Context, userID string) (int, error) {
	return c.store.CountUnread(ctx, userID)
}

// ListNotifications 查询用户的通知列表
func (c *Coordinator) ListNotifications(ctx context.Context, userID string, page, size int) ([]*models.NotificationRecord, int, error) {
	return c.store.ListNotifications(ctx, userID, page, size)
}
