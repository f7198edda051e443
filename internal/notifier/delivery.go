package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// PubSubDelivery 通过 Redis Pub/Sub 向在线客户端实时投递
// 频道按用户划分：{prefix}{user_id}，由网关层转发给对应的 WebSocket 连接
type PubSubDelivery struct {
	client        *redis.Client
	channelPrefix string
}

// NewPubSubDelivery 创建 Redis Pub/Sub 投递通道
func NewPubSubDelivery(client *redis.Client, channelPrefix string) *PubSubDelivery {
	return &PubSubDelivery{
		client:        client,
		channelPrefix: channelPrefix,
	}
}

// Push 发布通知到用户频道
func (d *PubSubDelivery) Push(ctx context.Context, userID string, record *models.NotificationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	channel := d.channelPrefix + userID
	if err := d.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// SubscriptionSource 推送订阅查询接口（由 repository.PushSubscriptionsRepository 实现）
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, userID string) (*models.PushSubscription, error)
}

// WebPushDelivery 通过 Web Push 网关向离线用户的浏览器投递
type WebPushDelivery struct {
	client     *resty.Client
	gatewayURL string
	subs       SubscriptionSource
	logger     *zap.Logger
}

// NewWebPushDelivery 创建 Web Push 投递通道
func NewWebPushDelivery(gatewayURL string, timeout time.Duration, subs SubscriptionSource, logger *zap.Logger) *WebPushDelivery {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &WebPushDelivery{
		client:     client,
		gatewayURL: gatewayURL,
		subs:       subs,
		logger:     logger,
	}
}

// webPushRequest Web Push 网关请求体
type webPushRequest struct {
	Endpoint     string                     `json:"endpoint"`
	Keys         json.RawMessage            `json:"keys"`
	Notification *models.NotificationRecord `json:"notification"`
}

// Push 查找用户订阅并转发给推送网关
// 未配置网关或用户没有订阅时静默跳过
func (d *WebPushDelivery) Push(ctx context.Context, userID string, record *models.NotificationRecord) error {
	if d.gatewayURL == "" {
		return nil
	}

	sub, err := d.subs.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load push subscription: %w", err)
	}
	if sub == nil {
		d.logger.Debug("No push subscription for user", zap.String("user_id", userID))
		return nil
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(&webPushRequest{
			Endpoint:     sub.Endpoint,
			Keys:         json.RawMessage(sub.Keys),
			Notification: record,
		}).
		Post(d.gatewayURL)
	if err != nil {
		return fmt.Errorf("failed to call push gateway: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("push gateway returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
