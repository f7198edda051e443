package consumer

import (
	"context"
	"fmt"
	"time"

	"greenhouse-irrigation/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StateManager 检测状态管理器
// 维护每个温室的处理游标（最后处理的读数时间戳），用于乱序读数的拒绝判断。
// 游标放在 Redis 而不是进程内存：水平扩展时多个实例要看到同一个游标
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// cursorKey 构建游标键
func (s *StateManager) cursorKey(greenhouseID string) string {
	return fmt.Sprintf("%s%s", s.config.Irrigation.Cache.CursorKeyPrefix, greenhouseID)
}

// GetCursor 获取温室的处理游标
// 返回 (zero, false, nil) 表示该温室还没有处理过任何读数
func (s *StateManager) GetCursor(ctx context.Context, greenhouseID string) (time.Time, bool, error) {
	val, err := s.redisClient.Get(ctx, s.cursorKey(greenhouseID)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get cursor: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor %q: %w", val, err)
	}

	return ts, true, nil
}

// AdvanceCursor 推进温室的处理游标
// 游标只前进不后退（调用方保证 timestamp 不小于当前游标）
func (s *StateManager) AdvanceCursor(ctx context.Context, greenhouseID string, timestamp time.Time) error {
	err := s.redisClient.Set(ctx, s.cursorKey(greenhouseID), timestamp.Format(time.RFC3339Nano), 0).Err()
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}
