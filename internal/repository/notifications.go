package repository

import (
	"context"
	"database/sql"
	"fmt"

	"greenhouse-irrigation/internal/models"

	"go.uber.org/zap"
)

// NotificationsRepository 通知仓库（追加写，is_read 只能 false → true）
type NotificationsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationsRepository 创建通知仓库
func NewNotificationsRepository(db *sql.DB, logger *zap.Logger) *NotificationsRepository {
	return &NotificationsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateIfAbsent 幂等创建通知
// dedup_key 上有唯一约束（NULL 不参与去重），重复键走 ON CONFLICT DO NOTHING，
// 返回值表示本次调用是否真正创建了记录
func (r *NotificationsRepository) CreateIfAbsent(ctx context.Context, record *models.NotificationRecord) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("record is required")
	}
	if record.NotificationID == "" {
		return false, fmt.Errorf("notification_id is required")
	}
	if record.UserID == "" {
		return false, fmt.Errorf("user_id is required")
	}
	if !models.ValidNotificationType(record.Type) {
		return false, fmt.Errorf("invalid notification type: %s", record.Type)
	}

	query := `
		INSERT INTO notifications (
			notification_id,
			user_id,
			type,
			title,
			message,
			data,
			dedup_key,
			is_read,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (dedup_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		record.NotificationID,
		record.UserID,
		record.Type,
		record.Title,
		record.Message,
		[]byte(record.Data),
		record.DedupKey,
		record.IsRead,
		record.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetByDedupKey 根据幂等键获取已存在的通知
func (r *NotificationsRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*models.NotificationRecord, error) {
	if dedupKey == "" {
		return nil, fmt.Errorf("dedup_key is required")
	}

	query := `
		SELECT
			notification_id,
			user_id,
			type,
			title,
			message,
			data,
			dedup_key,
			is_read,
			created_at
		FROM notifications
		WHERE dedup_key = $1
	`

	record, err := scanNotification(r.db.QueryRowContext(ctx, query, dedupKey))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("notification with dedup_key %s: %w", dedupKey, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get notification by dedup_key: %w", err)
	}

	return record, nil
}

// MarkRead 标记通知为已读
// 幂等：已读的通知再次标记是 no-op；不存在或不属于该用户返回 ErrNotFound
func (r *NotificationsRepository) MarkRead(ctx context.Context, notificationID, userID string) error {
	if notificationID == "" {
		return fmt.Errorf("notification_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		UPDATE notifications
		SET is_read = TRUE
		WHERE notification_id = $1
		  AND user_id = $2
		  AND is_read = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// 0 行受影响：区分"已读 no-op"与"不存在/不属于该用户"
	var isRead bool
	err = r.db.QueryRowContext(ctx,
		`SELECT is_read FROM notifications WHERE notification_id = $1 AND user_id = $2`,
		notificationID, userID,
	).Scan(&isRead)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("notification %s for user %s: %w", notificationID, userID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to check notification: %w", err)
	}

	// 已读，重复标记是 no-op
	return nil
}

// CountUnread 统计未读数量（永远通过计数派生，不缓存）
func (r *NotificationsRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id = $1
		  AND is_read = FALSE
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}

	return count, nil
}

// ListNotifications 查询用户的通知列表（按创建时间倒序，分页）
func (r *NotificationsRepository) ListNotifications(ctx context.Context, userID string, page, size int) ([]*models.NotificationRecord, int, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("user_id is required")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := `
		SELECT
			notification_id,
			user_id,
			type,
			title,
			message,
			data,
			dedup_key,
			is_read,
			created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, userID, size, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	records := []*models.NotificationRecord{}
	for rows.Next() {
		record, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return records, total, nil
}

// scanNotification 扫描单行通知（处理可空字段和 JSONB）
func scanNotification(row interface {
	Scan(dest ...interface{}) error
}) (*models.NotificationRecord, error) {
	var record models.NotificationRecord
	var data []byte
	var dedupKey sql.NullString

	err := row.Scan(
		&record.NotificationID,
		&record.UserID,
		&record.Type,
		&record.Title,
		&record.Message,
		&data,
		&dedupKey,
		&record.IsRead,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(data) > 0 {
		record.Data = data
	} else {
		record.Data = []byte("{}")
	}
	if dedupKey.Valid {
		record.DedupKey = &dedupKey.String
	}

	return &record, nil
}
