package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingSource 读数查询接口（由 repository.ReadingsRepository 实现）
type ReadingSource interface {
	// LatestBefore 获取同温室 timestamp 之前最近的有效读数，没有则返回 (nil, nil)
	LatestBefore(ctx context.Context, greenhouseID string, timestamp time.Time) (*models.SensorReading, error)
}

// EventStore 灌溉事件存储接口（由 repository.IrrigationEventsRepository 实现）
type EventStore interface {
	CreateDetected(ctx context.Context, event *models.IrrigationEvent) error
	GetPendingForGreenhouse(ctx context.Context, greenhouseID string) (*models.IrrigationEvent, error)
	GetRecentIrrigationEvent(ctx context.Context, greenhouseID string, since time.Time) (*models.IrrigationEvent, error)
}

// GreenhouseSource 温室查询接口（由 repository.GreenhousesRepository 实现）
type GreenhouseSource interface {
	GetGreenhouse(ctx context.Context, greenhouseID string) (*models.Greenhouse, error)
}

// CursorStore 处理游标接口（由 consumer.StateManager 实现）
type CursorStore interface {
	GetCursor(ctx context.Context, greenhouseID string) (time.Time, bool, error)
	AdvanceCursor(ctx context.Context, greenhouseID string, timestamp time.Time) error
}

// Announcer 通知协调器接口（由 notifier.Coordinator 实现）
type Announcer interface {
	Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error
}

// Engine 灌溉检测引擎
// 对每条新到达的有效读数，与前一条有效读数比较土壤湿度增量，
// 达到阈值且通过冷却去重检查时开启一条 detected 状态的灌溉事件并通知温室主人。
// 比较逻辑本身是纯函数，重试只作用于持久化/通知副作用
type Engine struct {
	config      *config.Config
	readings    ReadingSource
	events      EventStore
	greenhouses GreenhouseSource
	cursors     CursorStore
	announcer   Announcer
	logger      *zap.Logger
}

// NewEngine 创建检测引擎
func NewEngine(
	cfg *config.Config,
	readings ReadingSource,
	events EventStore,
	greenhouses GreenhouseSource,
	cursors CursorStore,
	announcer Announcer,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:      cfg,
		readings:    readings,
		events:      events,
		greenhouses: greenhouses,
		cursors:     cursors,
		announcer:   announcer,
		logger:      logger,
	}
}

// OnReading 处理一条新读数
// 同一温室的读数必须按时间戳非递减顺序处理；乱序到达的读数被拒绝（忽略并记日志），
// 不会破坏 previous/current 湿度的簿记。不同温室之间没有顺序要求
func (e *Engine) OnReading(ctx context.Context, reading *models.SensorReading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}

	// 无效读数入库但完全不参与检测
	if !reading.IsValid {
		e.logger.Debug("Skipping invalid reading",
			zap.String("greenhouse_id", reading.GreenhouseID),
			zap.Int64("reading_id", reading.ID),
		)
		return nil
	}

	// 乱序拒绝：晚到达但时间戳更早的读数不参与检测
	cursor, hasCursor, err := e.cursors.GetCursor(ctx, reading.GreenhouseID)
	if err != nil {
		return fmt.Errorf("failed to get processing cursor: %w", err)
	}
	if hasCursor && !reading.Timestamp.After(cursor) {
		e.logger.Warn("Rejecting out-of-order reading",
			zap.String("greenhouse_id", reading.GreenhouseID),
			zap.Int64("reading_id", reading.ID),
			zap.Time("reading_timestamp", reading.Timestamp),
			zap.Time("cursor", cursor),
		)
		return nil
	}

	// 取基线：之前最近的有效读数
	prior, err := e.readings.LatestBefore(ctx, reading.GreenhouseID, reading.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to fetch prior reading: %w", err)
	}
	if prior == nil {
		// 没有基线，无法比较
		e.logger.Debug("No baseline reading for greenhouse",
			zap.String("greenhouse_id", reading.GreenhouseID),
		)
		return e.advance(ctx, reading)
	}

	moistureIncrease := reading.SoilMoisture - prior.SoilMoisture
	if moistureIncrease < e.config.Irrigation.Detection.Threshold {
		return e.advance(ctx, reading)
	}

	// 去重保护1：该温室已有待确认事件
	pending, err := e.events.GetPendingForGreenhouse(ctx, reading.GreenhouseID)
	if err != nil {
		return fmt.Errorf("failed to check pending irrigation event: %w", err)
	}
	if pending != nil {
		// 恢复路径：事件已由本条读数触发创建，但上次崩溃在通知之前，
		// 重放时补发通知（幂等键保证不会重复落库）
		if pending.TriggerReadingID == reading.ID {
			if err := e.announceDetected(ctx, pending); err != nil {
				return err
			}
		} else {
			e.logger.Debug("Pending irrigation event already open, skipping detection",
				zap.String("greenhouse_id", reading.GreenhouseID),
				zap.String("pending_event_id", pending.EventID),
			)
		}
		return e.advance(ctx, reading)
	}

	// 去重保护2：冷却窗口内已开过事件（即使已确认）不再触发，
	// 防止缓慢多步的湿度上升连续产生多个达标增量
	since := reading.Timestamp.Add(-e.config.Irrigation.Detection.CooldownWindow)
	recent, err := e.events.GetRecentIrrigationEvent(ctx, reading.GreenhouseID, since)
	if err != nil {
		return fmt.Errorf("failed to check cooldown window: %w", err)
	}
	if recent != nil {
		e.logger.Debug("Greenhouse within cooldown window, skipping detection",
			zap.String("greenhouse_id", reading.GreenhouseID),
			zap.String("recent_event_id", recent.EventID),
			zap.Time("recent_created_at", recent.CreatedAt),
		)
		return e.advance(ctx, reading)
	}

	// 取温室归属（通知对象）和当前植物
	greenhouse, err := e.greenhouses.GetGreenhouse(ctx, reading.GreenhouseID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("Greenhouse not found, skipping detection",
				zap.String("greenhouse_id", reading.GreenhouseID),
			)
			return e.advance(ctx, reading)
		}
		return fmt.Errorf("failed to get greenhouse: %w", err)
	}

	now := time.Now()
	event := &models.IrrigationEvent{
		EventID:          uuid.New().String(),
		GreenhouseID:     reading.GreenhouseID,
		PlantID:          greenhouse.PlantID,
		Status:           models.StatusDetected,
		TriggerReadingID: reading.ID,
		PreviousMoisture: prior.SoilMoisture,
		CurrentMoisture:  reading.SoilMoisture,
		MoistureIncrease: moistureIncrease,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.events.CreateDetected(ctx, event); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// 另一个实例并发创建了待确认事件，由它负责通知
			e.logger.Info("Lost race creating irrigation event, skipping",
				zap.String("greenhouse_id", reading.GreenhouseID),
			)
			return e.advance(ctx, reading)
		}
		return fmt.Errorf("failed to create irrigation event: %w", err)
	}

	e.logger.Info("Irrigation event detected",
		zap.String("event_id", event.EventID),
		zap.String("greenhouse_id", event.GreenhouseID),
		zap.Float64("previous_moisture", event.PreviousMoisture),
		zap.Float64("current_moisture", event.CurrentMoisture),
		zap.Float64("moisture_increase", event.MoistureIncrease),
	)

	// 通知失败时不推进游标：读数消息会被重新投递，
	// 恢复路径经由 pending 分支幂等补发通知
	if err := e.announceDetected(ctx, event); err != nil {
		return err
	}

	return e.advance(ctx, reading)
}

// announceDetected 通知温室主人检测到灌溉事件
func (e *Engine) announceDetected(ctx context.Context, event *models.IrrigationEvent) error {
	greenhouse, err := e.greenhouses.GetGreenhouse(ctx, event.GreenhouseID)
	if err != nil {
		return fmt.Errorf("failed to resolve notification target: %w", err)
	}

	title := "Irrigation detected"
	message := fmt.Sprintf("Soil moisture in %s rose from %.1f%% to %.1f%%. Was this manual watering or rain?",
		greenhouse.Name, event.PreviousMoisture, event.CurrentMoisture)

	err = e.announcer.Announce(ctx, greenhouse.OwnerUserID, models.NotificationIrrigationDetected, title, message,
		models.IrrigationDetectedData{
			IrrigationEventID: event.EventID,
			GreenhouseID:      event.GreenhouseID,
			PreviousMoisture:  event.PreviousMoisture,
			CurrentMoisture:   event.CurrentMoisture,
			MoistureIncrease:  event.MoistureIncrease,
		})
	if err != nil {
		return fmt.Errorf("failed to announce irrigation detection: %w", err)
	}

	return nil
}

// advance 推进处理游标（读数处理完成后调用，无论是否触发检测）
func (e *Engine) advance(ctx context.Context, reading *models.SensorReading) error {
	if err := e.cursors.AdvanceCursor(ctx, reading.GreenhouseID, reading.Timestamp); err != nil {
		return fmt.Errorf("failed to advance processing cursor: %w", err)
	}
	return nil
}
