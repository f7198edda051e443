package detector

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- 内存假实现 ----

type fakeReadings struct {
	readings []*models.SensorReading
}

func (f *fakeReadings) LatestBefore(ctx context.Context, greenhouseID string, timestamp time.Time) (*models.SensorReading, error) {
	var candidates []*models.SensorReading
	for _, r := range f.readings {
		if r.GreenhouseID == greenhouseID && r.IsValid && r.Timestamp.Before(timestamp) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})
	return candidates[0], nil
}

type fakeEvents struct {
	events []*models.IrrigationEvent
}

func (f *fakeEvents) CreateDetected(ctx context.Context, event *models.IrrigationEvent) error {
	for _, e := range f.events {
		if e.GreenhouseID == event.GreenhouseID && e.Status == models.StatusDetected {
			return fmt.Errorf("pending event exists: %w", models.ErrConflict)
		}
	}
	clone := *event
	f.events = append(f.events, &clone)
	return nil
}

func (f *fakeEvents) GetPendingForGreenhouse(ctx context.Context, greenhouseID string) (*models.IrrigationEvent, error) {
	for _, e := range f.events {
		if e.GreenhouseID == greenhouseID && e.Status == models.StatusDetected {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeEvents) GetRecentIrrigationEvent(ctx context.Context, greenhouseID string, since time.Time) (*models.IrrigationEvent, error) {
	for _, e := range f.events {
		if e.GreenhouseID == greenhouseID && !e.CreatedAt.Before(since) {
			return e, nil
		}
	}
	return nil, nil
}

type fakeGreenhouses struct {
	greenhouses map[string]*models.Greenhouse
}

func (f *fakeGreenhouses) GetGreenhouse(ctx context.Context, greenhouseID string) (*models.Greenhouse, error) {
	g, ok := f.greenhouses[greenhouseID]
	if !ok {
		return nil, fmt.Errorf("greenhouse %s: %w", greenhouseID, models.ErrNotFound)
	}
	return g, nil
}

type fakeCursors struct {
	cursors map[string]time.Time
}

func (f *fakeCursors) GetCursor(ctx context.Context, greenhouseID string) (time.Time, bool, error) {
	ts, ok := f.cursors[greenhouseID]
	return ts, ok, nil
}

func (f *fakeCursors) AdvanceCursor(ctx context.Context, greenhouseID string, timestamp time.Time) error {
	f.cursors[greenhouseID] = timestamp
	return nil
}

type announceCall struct {
	userID string
	typ    string
	data   models.NotificationData
}

type fakeAnnouncer struct {
	calls     []announceCall
	failTimes int // 前 N 次调用返回错误
}

func (f *fakeAnnouncer) Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error {
	if f.failTimes > 0 {
		f.failTimes--
		return fmt.Errorf("delivery backend unavailable")
	}
	f.calls = append(f.calls, announceCall{userID: userID, typ: notificationType, data: data})
	return nil
}

// ---- 测试脚手架 ----

type engineFixture struct {
	engine      *Engine
	readings    *fakeReadings
	events      *fakeEvents
	greenhouses *fakeGreenhouses
	cursors     *fakeCursors
	announcer   *fakeAnnouncer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Irrigation.Detection.Threshold = 15.0
	cfg.Irrigation.Detection.CooldownWindow = 30 * time.Minute

	f := &engineFixture{
		readings: &fakeReadings{},
		events:   &fakeEvents{},
		greenhouses: &fakeGreenhouses{greenhouses: map[string]*models.Greenhouse{
			"gh-1": {GreenhouseID: "gh-1", OwnerUserID: "user-1", Name: "North greenhouse"},
		}},
		cursors:   &fakeCursors{cursors: map[string]time.Time{}},
		announcer: &fakeAnnouncer{},
	}
	f.engine = NewEngine(cfg, f.readings, f.events, f.greenhouses, f.cursors, f.announcer, zap.NewNop())
	return f
}

func (f *engineFixture) addReading(id int64, gh string, ts time.Time, moisture float64, valid bool) *models.SensorReading {
	r := &models.SensorReading{
		ID:           id,
		GreenhouseID: gh,
		Timestamp:    ts,
		SoilMoisture: moisture,
		IsValid:      valid,
	}
	f.readings.readings = append(f.readings.readings, r)
	return r
}

var baseTime = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func TestEngine_DetectsIrrigationOnThresholdIncrease(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r2))

	require.Len(t, f.events.events, 1)
	event := f.events.events[0]
	assert.Equal(t, models.StatusDetected, event.Status)
	assert.Equal(t, "gh-1", event.GreenhouseID)
	assert.Equal(t, int64(2), event.TriggerReadingID)
	assert.Equal(t, 30.0, event.PreviousMoisture)
	assert.Equal(t, 50.0, event.CurrentMoisture)
	assert.Equal(t, 20.0, event.MoistureIncrease)

	require.Len(t, f.announcer.calls, 1)
	assert.Equal(t, "user-1", f.announcer.calls[0].userID)
	assert.Equal(t, models.NotificationIrrigationDetected, f.announcer.calls[0].typ)
	data, ok := f.announcer.calls[0].data.(models.IrrigationDetectedData)
	require.True(t, ok)
	assert.Equal(t, event.EventID, data.IrrigationEventID)

	// 游标推进到本条读数
	assert.Equal(t, r2.Timestamp, f.cursors.cursors["gh-1"])
}

func TestEngine_ExactThresholdTriggers(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 40.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(5*time.Minute), 55.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r2))
	assert.Len(t, f.events.events, 1)
}

func TestEngine_BelowThresholdDoesNotTrigger(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 40.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(5*time.Minute), 54.9, true)

	require.NoError(t, f.engine.OnReading(ctx, r2))

	assert.Empty(t, f.events.events)
	assert.Empty(t, f.announcer.calls)
	// 未触发也推进游标
	assert.Equal(t, r2.Timestamp, f.cursors.cursors["gh-1"])
}

func TestEngine_NoBaselineDoesNotTrigger(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	r1 := f.addReading(1, "gh-1", baseTime, 80.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r1))
	assert.Empty(t, f.events.events)
}

func TestEngine_InvalidReadingIgnored(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(5*time.Minute), 120.0, false)

	require.NoError(t, f.engine.OnReading(ctx, r2))

	assert.Empty(t, f.events.events)
	// 无效读数不推进游标
	_, has := f.cursors.cursors["gh-1"]
	assert.False(t, has)
}

func TestEngine_InvalidReadingNotUsedAsBaseline(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	f.addReading(2, "gh-1", baseTime.Add(5*time.Minute), 0.0, false)
	r3 := f.addReading(3, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r3))

	// 基线跳过无效读数：50 - 30 = 20 ≥ 15
	require.Len(t, f.events.events, 1)
	assert.Equal(t, 30.0, f.events.events[0].PreviousMoisture)
}

func TestEngine_OutOfOrderReadingRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 35.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r2))

	// 晚到达但时间戳更早的读数被拒绝
	late := f.addReading(3, "gh-1", baseTime.Add(5*time.Minute), 90.0, true)
	require.NoError(t, f.engine.OnReading(ctx, late))

	assert.Empty(t, f.events.events)
	assert.Equal(t, r2.Timestamp, f.cursors.cursors["gh-1"])
}

func TestEngine_PendingEventSuppressesNewDetection(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r2))
	require.Len(t, f.events.events, 1)

	// 仍在上升但已有待确认事件，不再开新事件
	r3 := f.addReading(3, "gh-1", baseTime.Add(20*time.Minute), 70.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r3))

	assert.Len(t, f.events.events, 1)
	assert.Len(t, f.announcer.calls, 1)
}

func TestEngine_CooldownSuppressesRepeatedDetection(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r2))
	require.Len(t, f.events.events, 1)

	// 事件被确认后冷却窗口内再出现达标增量也不触发
	f.events.events[0].Status = models.StatusConfirmedManual
	f.events.events[0].CreatedAt = baseTime.Add(10 * time.Minute)

	r3 := f.addReading(3, "gh-1", baseTime.Add(25*time.Minute), 70.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r3))

	assert.Len(t, f.events.events, 1)
}

func TestEngine_DetectionResumesAfterCooldown(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r2))
	require.Len(t, f.events.events, 1)

	f.events.events[0].Status = models.StatusConfirmedRain
	f.events.events[0].CreatedAt = baseTime.Add(10 * time.Minute)

	// 冷却窗口（30 分钟）之外的新增量重新触发
	f.addReading(3, "gh-1", baseTime.Add(50*time.Minute), 40.0, true)
	r4 := f.addReading(4, "gh-1", baseTime.Add(60*time.Minute), 58.0, true)
	require.NoError(t, f.engine.OnReading(ctx, r4))

	assert.Len(t, f.events.events, 2)
}

func TestEngine_AnnounceFailureRetriesWithoutDuplicateEvent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)

	// 第一次处理：事件创建成功但通知失败
	f.announcer.failTimes = 1
	err := f.engine.OnReading(ctx, r2)
	require.Error(t, err)
	require.Len(t, f.events.events, 1)
	assert.Empty(t, f.announcer.calls)

	// 失败时不推进游标，消息会被重新投递
	_, has := f.cursors.cursors["gh-1"]
	assert.False(t, has)

	// 重放同一条读数：不重复建事件，补发通知
	require.NoError(t, f.engine.OnReading(ctx, r2))
	assert.Len(t, f.events.events, 1)
	require.Len(t, f.announcer.calls, 1)
	data, ok := f.announcer.calls[0].data.(models.IrrigationDetectedData)
	require.True(t, ok)
	assert.Equal(t, f.events.events[0].EventID, data.IrrigationEventID)
}

func TestEngine_UnknownGreenhouseSkipped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.addReading(1, "gh-unknown", baseTime, 30.0, true)
	r2 := f.addReading(2, "gh-unknown", baseTime.Add(10*time.Minute), 50.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r2))
	assert.Empty(t, f.events.events)
	assert.Equal(t, r2.Timestamp, f.cursors.cursors["gh-unknown"])
}

func TestEngine_IndependentGreenhouses(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.greenhouses.greenhouses["gh-2"] = &models.Greenhouse{
		GreenhouseID: "gh-2", OwnerUserID: "user-2", Name: "South greenhouse",
	}

	f.addReading(1, "gh-1", baseTime, 30.0, true)
	f.addReading(2, "gh-2", baseTime, 40.0, true)
	r3 := f.addReading(3, "gh-1", baseTime.Add(10*time.Minute), 50.0, true)
	r4 := f.addReading(4, "gh-2", baseTime.Add(10*time.Minute), 60.0, true)

	require.NoError(t, f.engine.OnReading(ctx, r3))
	require.NoError(t, f.engine.OnReading(ctx, r4))

	require.Len(t, f.events.events, 2)
	assert.Equal(t, "gh-1", f.events.events[0].GreenhouseID)
	assert.Equal(t, "gh-2", f.events.events[1].GreenhouseID)
	require.Len(t, f.announcer.calls, 2)
	assert.Equal(t, "user-1", f.announcer.calls[0].userID)
	assert.Equal(t, "user-2", f.announcer.calls[1].userID)
}
