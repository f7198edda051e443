package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"greenhouse-irrigation/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// pgUniqueViolation PostgreSQL 唯一约束冲突错误码
const pgUniqueViolation = "23505"

// IrrigationEventsRepository 灌溉事件仓库
type IrrigationEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIrrigationEventsRepository 创建灌溉事件仓库
func NewIrrigationEventsRepository(db *sql.DB, logger *zap.Logger) *IrrigationEventsRepository {
	return &IrrigationEventsRepository{
		db:     db,
		logger: logger,
	}
}

// IrrigationEventFilters 灌溉事件过滤条件
type IrrigationEventFilters struct {
	GreenhouseID *string    // 温室ID
	Status       *string    // 状态（detected, confirmed_manual, confirmed_rain）
	StartTime    *time.Time // 检测时间 >= StartTime
	EndTime      *time.Time // 检测时间 <= EndTime
}

const irrigationEventColumns = `
	event_id,
	greenhouse_id,
	plant_id,
	status,
	trigger_reading_id,
	previous_moisture,
	current_moisture,
	moisture_increase,
	water_amount,
	notes,
	confirmed_at,
	confirmed_by,
	created_at,
	updated_at
`

// scanIrrigationEvent 扫描单行灌溉事件（处理可空字段）
func scanIrrigationEvent(row interface {
	Scan(dest ...interface{}) error
}) (*models.IrrigationEvent, error) {
	var event models.IrrigationEvent
	var plantID, notes, confirmedBy sql.NullString
	var waterAmount sql.NullFloat64
	var confirmedAt sql.NullTime

	err := row.Scan(
		&event.EventID,
		&event.GreenhouseID,
		&plantID,
		&event.Status,
		&event.TriggerReadingID,
		&event.PreviousMoisture,
		&event.CurrentMoisture,
		&event.MoistureIncrease,
		&waterAmount,
		&notes,
		&confirmedAt,
		&confirmedBy,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if plantID.Valid {
		event.PlantID = &plantID.String
	}
	if waterAmount.Valid {
		event.WaterAmount = &waterAmount.Float64
	}
	if notes.Valid {
		event.Notes = &notes.String
	}
	if confirmedAt.Valid {
		event.ConfirmedAt = &confirmedAt.Time
	}
	if confirmedBy.Valid {
		event.ConfirmedBy = &confirmedBy.String
	}

	return &event, nil
}

// CreateDetected 创建 detected 状态的灌溉事件
// "每温室至多一条 detected 事件"由部分唯一索引 ux_irrigation_events_pending 在库级保证，
// 并发写入时落败方收到 ErrConflict
func (r *IrrigationEventsRepository) CreateDetected(ctx context.Context, event *models.IrrigationEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.GreenhouseID == "" {
		return fmt.Errorf("greenhouse_id is required")
	}
	if event.Status != models.StatusDetected {
		return fmt.Errorf("new events must be in detected status, got %s", event.Status)
	}
	if event.MoistureIncrease <= 0 {
		return fmt.Errorf("moisture_increase must be positive, got %f", event.MoistureIncrease)
	}

	query := `
		INSERT INTO irrigation_events (
			event_id,
			greenhouse_id,
			plant_id,
			status,
			trigger_reading_id,
			previous_moisture,
			current_moisture,
			moisture_increase,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.GreenhouseID,
		event.PlantID,
		event.Status,
		event.TriggerReadingID,
		event.PreviousMoisture,
		event.CurrentMoisture,
		event.MoistureIncrease,
		event.CreatedAt,
		event.UpdatedAt,
	)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("pending irrigation event already exists for greenhouse %s: %w",
				event.GreenhouseID, models.ErrConflict)
		}
		return fmt.Errorf("failed to create irrigation event: %w", err)
	}

	return nil
}

// GetIrrigationEvent 根据 event_id 获取灌溉事件
func (r *IrrigationEventsRepository) GetIrrigationEvent(ctx context.Context, eventID string) (*models.IrrigationEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM irrigation_events
		WHERE event_id = $1
	`, irrigationEventColumns)

	event, err := scanIrrigationEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("irrigation event %s: %w", eventID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get irrigation event: %w", err)
	}

	return event, nil
}

// ConfirmIrrigationEvent 乐观状态转换：detected → newStatus
// UPDATE 以 status = 'detected' 为守卫条件，并发确认只有一方成功，
// 0 行受影响返回 ErrConflict（调用方再查询区分"已确认"与"不存在"）
func (r *IrrigationEventsRepository) ConfirmIrrigationEvent(
	ctx context.Context,
	eventID string,
	newStatus string,
	waterAmount *float64,
	notes *string,
	confirmedBy string,
	confirmedAt time.Time,
) error {
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !models.IsTerminal(newStatus) {
		return fmt.Errorf("invalid target status: %s", newStatus)
	}
	if confirmedBy == "" {
		return fmt.Errorf("confirmed_by is required")
	}

	query := `
		UPDATE irrigation_events
		SET status = $1,
		    water_amount = $2,
		    notes = $3,
		    confirmed_at = $4,
		    confirmed_by = $5,
		    updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $6
		  AND status = $7
	`

	result, err := r.db.ExecContext(ctx, query,
		newStatus,
		waterAmount,
		notes,
		confirmedAt,
		confirmedBy,
		eventID,
		models.StatusDetected,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm irrigation event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("irrigation event %s is not in detected status: %w", eventID, models.ErrConflict)
	}

	return nil
}

// GetPendingForGreenhouse 获取温室当前待确认（detected）的事件
// 没有待确认事件时返回 (nil, nil)；部分唯一索引保证至多一条
func (r *IrrigationEventsRepository) GetPendingForGreenhouse(ctx context.Context, greenhouseID string) (*models.IrrigationEvent, error) {
	if greenhouseID == "" {
		return nil, fmt.Errorf("greenhouse_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM irrigation_events
		WHERE greenhouse_id = $1
		  AND status = $2
		LIMIT 1
	`, irrigationEventColumns)

	event, err := scanIrrigationEvent(r.db.QueryRowContext(ctx, query, greenhouseID, models.StatusDetected))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query pending irrigation event: %w", err)
	}

	return event, nil
}

// ExistsPendingForGreenhouse 检查温室是否有待确认（detected）事件
func (r *IrrigationEventsRepository) ExistsPendingForGreenhouse(ctx context.Context, greenhouseID string) (bool, error) {
	if greenhouseID == "" {
		return false, fmt.Errorf("greenhouse_id is required")
	}

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM irrigation_events
			WHERE greenhouse_id = $1
			  AND status = $2
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, greenhouseID, models.StatusDetected).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending irrigation event: %w", err)
	}

	return exists, nil
}

// GetRecentIrrigationEvent 获取温室在 since 之后创建的最近一条事件（任意状态）
// 用于冷却窗口检查：缓慢多步的湿度上升已确认后也不应立即再次触发
// 没有命中时返回 (nil, nil)
func (r *IrrigationEventsRepository) GetRecentIrrigationEvent(ctx context.Context, greenhouseID string, since time.Time) (*models.IrrigationEvent, error) {
	if greenhouseID == "" {
		return nil, fmt.Errorf("greenhouse_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM irrigation_events
		WHERE greenhouse_id = $1
		  AND created_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, irrigationEventColumns)

	event, err := scanIrrigationEvent(r.db.QueryRowContext(ctx, query, greenhouseID, since))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query recent irrigation event: %w", err)
	}

	return event, nil
}

// ListIrrigationEvents 列表查询（支持过滤、分页）
func (r *IrrigationEventsRepository) ListIrrigationEvents(ctx context.Context, filters IrrigationEventFilters, page, size int) ([]*models.IrrigationEvent, int, error) {
	// 构建 WHERE 子句
	where := []string{}
	args := []interface{}{}
	argN := 1

	if filters.GreenhouseID != nil {
		where = append(where, fmt.Sprintf("greenhouse_id = $%d", argN))
		args = append(args, *filters.GreenhouseID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filters.Status)
		argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	// 计算总数
	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM irrigation_events
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count irrigation events: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM irrigation_events
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, irrigationEventColumns, whereClause, argN, argN+1)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query irrigation events: %w", err)
	}
	defer rows.Close()

	events := []*models.IrrigationEvent{}
	for rows.Next() {
		event, err := scanIrrigationEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan irrigation event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate irrigation events: %w", err)
	}

	return events, total, nil
}
