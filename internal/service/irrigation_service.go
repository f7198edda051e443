package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/repository"

	"go.uber.org/zap"
)

// Announcer 通知宣告接口（由 notifier.Coordinator 实现）
type Announcer interface {
	Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error
}

// EventStore 灌溉事件存储接口（由 repository.IrrigationEventsRepository 实现）
type EventStore interface {
	ConfirmIrrigationEvent(ctx context.Context, eventID, newStatus string, waterAmount *float64, notes *string, confirmedBy string, confirmedAt time.Time) error
	GetIrrigationEvent(ctx context.Context, eventID string) (*models.IrrigationEvent, error)
	ListIrrigationEvents(ctx context.Context, filters repository.IrrigationEventFilters, page, size int) ([]*models.IrrigationEvent, int, error)
}

// GreenhouseSource 温室查询接口（由 repository.GreenhousesRepository 实现）
type GreenhouseSource interface {
	GetGreenhouse(ctx context.Context, greenhouseID string) (*models.Greenhouse, error)
}

// ConfirmRequest 灌溉确认请求
type ConfirmRequest struct {
	EventID        string   `json:"-"`
	Classification string   `json:"classification"` // manual | rain
	WaterAmount    *float64 `json:"water_amount,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
	ConfirmedBy    string   `json:"-"` // 来自认证上下文
}

// IrrigationService 灌溉事件服务
// 确认状态机：detected → confirmed_manual | confirmed_rain，终态不可再转换
type IrrigationService struct {
	eventsRepo     EventStore
	greenhouseRepo GreenhouseSource
	announcer      Announcer
	logger         *zap.Logger
	retryAttempts  int
	retryBackoff   time.Duration
}

// NewIrrigationService 创建灌溉事件服务
func NewIrrigationService(
	eventsRepo EventStore,
	greenhouseRepo GreenhouseSource,
	announcer Announcer,
	logger *zap.Logger,
	retryAttempts int,
	retryBackoff time.Duration,
) *IrrigationService {
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	return &IrrigationService{
		eventsRepo:     eventsRepo,
		greenhouseRepo: greenhouseRepo,
		announcer:      announcer,
		logger:         logger,
		retryAttempts:  retryAttempts,
		retryBackoff:   retryBackoff,
	}
}

// Confirm 确认一次灌溉事件
// manual 分类必须携带正的用水量，rain 分类忽略用水量；
// 重复提交相同分类视为幂等成功，不同分类返回 ErrConflict
func (s *IrrigationService) Confirm(ctx context.Context, req *ConfirmRequest) (*models.IrrigationEvent, error) {
	if req.EventID == "" {
		return nil, fmt.Errorf("event_id is required: %w", models.ErrInvalidArgument)
	}
	if req.ConfirmedBy == "" {
		return nil, fmt.Errorf("confirmed_by is required: %w", models.ErrInvalidArgument)
	}

	newStatus, ok := models.StatusForClassification(req.Classification)
	if !ok {
		return nil, fmt.Errorf("invalid classification %q: %w", req.Classification, models.ErrInvalidArgument)
	}

	var waterAmount *float64
	switch req.Classification {
	case models.ClassificationManual:
		if req.WaterAmount == nil || *req.WaterAmount <= 0 {
			return nil, fmt.Errorf("manual confirmation requires a positive water_amount: %w", models.ErrInvalidArgument)
		}
		waterAmount = req.WaterAmount
	case models.ClassificationRain:
		// 雨水确认不记录用水量，提交了也丢弃
		waterAmount = nil
	}

	confirmedAt := time.Now()
	err := s.eventsRepo.ConfirmIrrigationEvent(ctx, req.EventID, newStatus, waterAmount, req.Notes, req.ConfirmedBy, confirmedAt)
	if err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		// 0 行受影响：再查询一次区分"不存在"、"重复提交"和"真冲突"
		return s.resolveConfirmConflict(ctx, req.EventID, newStatus)
	}

	event, err := s.eventsRepo.GetIrrigationEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Irrigation event confirmed",
		zap.String("event_id", event.EventID),
		zap.String("greenhouse_id", event.GreenhouseID),
		zap.String("status", event.Status),
		zap.String("confirmed_by", req.ConfirmedBy),
	)

	s.announceConfirmed(ctx, event, req.Classification)

	return event, nil
}

// resolveConfirmConflict 区分条件更新失败的三种情形
func (s *IrrigationService) resolveConfirmConflict(ctx context.Context, eventID, wantStatus string) (*models.IrrigationEvent, error) {
	event, err := s.eventsRepo.GetIrrigationEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == wantStatus {
		// 重复确认同一分类：幂等成功，不重复通知
		s.logger.Debug("Duplicate confirmation, treating as no-op",
			zap.String("event_id", eventID),
			zap.String("status", event.Status),
		)
		return event, nil
	}
	return nil, fmt.Errorf("irrigation event %s already in status %s: %w", eventID, event.Status, models.ErrConflict)
}

// announceConfirmed 发送确认通知
// 确认本身已成功提交，通知落库的瞬态失败在此按配置重试，
// 幂等键保证重试不会产生重复记录；重试耗尽只记日志
func (s *IrrigationService) announceConfirmed(ctx context.Context, event *models.IrrigationEvent, classification string) {
	greenhouse, err := s.greenhouseRepo.GetGreenhouse(ctx, event.GreenhouseID)
	if err != nil {
		s.logger.Error("Failed to load greenhouse for confirmation notification",
			zap.String("greenhouse_id", event.GreenhouseID),
			zap.Error(err),
		)
		return
	}

	var message string
	if classification == models.ClassificationManual && event.WaterAmount != nil {
		message = fmt.Sprintf("Irrigation in %s confirmed as manual watering (%.1f L)", greenhouse.Name, *event.WaterAmount)
	} else {
		message = fmt.Sprintf("Irrigation in %s confirmed as rainfall", greenhouse.Name)
	}

	backoff := s.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		lastErr = s.announcer.Announce(ctx,
			greenhouse.OwnerUserID,
			models.NotificationIrrigationConfirmed,
			"Irrigation confirmed",
			message,
			models.IrrigationConfirmedData{
				IrrigationEventID: event.EventID,
				GreenhouseID:      event.GreenhouseID,
				Classification:    classification,
				WaterAmount:       event.WaterAmount,
			},
		)
		if lastErr == nil {
			return
		}

		s.logger.Warn("Failed to announce confirmation, will retry",
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < s.retryAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	s.logger.Error("Failed to announce confirmation after retries",
		zap.String("event_id", event.EventID),
		zap.Error(lastErr),
	)
}

// GetIrrigation 查询单个灌溉事件
func (s *IrrigationService) GetIrrigation(ctx context.Context, eventID string) (*models.IrrigationEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required: %w", models.ErrInvalidArgument)
	}
	return s.eventsRepo.GetIrrigationEvent(ctx, eventID)
}

// ListIrrigations 按过滤条件分页查询灌溉事件
func (s *IrrigationService) ListIrrigations(ctx context.Context, filters repository.IrrigationEventFilters, page, size int) ([]*models.IrrigationEvent, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.eventsRepo.ListIrrigationEvents(ctx, filters, page, size)
}
