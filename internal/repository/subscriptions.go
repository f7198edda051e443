package repository

import (
	"context"
	"database/sql"
	"fmt"

	"greenhouse-irrigation/internal/models"

	"go.uber.org/zap"
)

// PushSubscriptionsRepository 推送订阅仓库
// 订阅是持久化的按用户键控状态：首次注册创建，重新注册替换，投递时读取
type PushSubscriptionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPushSubscriptionsRepository 创建推送订阅仓库
func NewPushSubscriptionsRepository(db *sql.DB, logger *zap.Logger) *PushSubscriptionsRepository {
	return &PushSubscriptionsRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertSubscription 创建或替换用户的推送订阅
func (r *PushSubscriptionsRepository) UpsertSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is required")
	}
	if sub.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	query := `
		INSERT INTO push_subscriptions (
			user_id,
			endpoint,
			keys,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		)
		ON CONFLICT (user_id) DO UPDATE
		SET endpoint = EXCLUDED.endpoint,
		    keys = EXCLUDED.keys,
		    updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.db.ExecContext(ctx, query, sub.UserID, sub.Endpoint, sub.Keys); err != nil {
		return fmt.Errorf("failed to upsert push subscription: %w", err)
	}

	return nil
}

// GetSubscription 获取用户的推送订阅，没有订阅时返回 (nil, nil)
func (r *PushSubscriptionsRepository) GetSubscription(ctx context.Context, userID string) (*models.PushSubscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT
			user_id,
			endpoint,
			keys,
			created_at,
			updated_at
		FROM push_subscriptions
		WHERE user_id = $1
	`

	var sub models.PushSubscription
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&sub.UserID,
		&sub.Endpoint,
		&sub.Keys,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 用户没有注册推送订阅
		}
		return nil, fmt.Errorf("failed to get push subscription: %w", err)
	}

	return &sub, nil
}
