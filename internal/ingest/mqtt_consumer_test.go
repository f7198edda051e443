package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"greenhouse-irrigation/internal/config"
	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAnnouncer struct {
	calls []struct {
		userID string
		typ    string
		data   models.NotificationData
	}
}

func (a *recordingAnnouncer) Announce(ctx context.Context, userID, notificationType, title, message string, data models.NotificationData) error {
	a.calls = append(a.calls, struct {
		userID string
		typ    string
		data   models.NotificationData
	}{userID, notificationType, data})
	return nil
}

func setupConsumer(t *testing.T) (*MQTTConsumer, sqlmock.Sqlmock, *redis.Client, *recordingAnnouncer) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{}
	cfg.Irrigation.Streams.Readings = "greenhouse:readings"
	cfg.Ingest.Topics.Readings = "greenhouse/+/readings"
	cfg.Ingest.Topics.Pump = "greenhouse/+/pump"

	logger := zap.NewNop()
	announcer := &recordingAnnouncer{}
	consumer := NewMQTTConsumer(
		cfg,
		nil, // 订阅由 Start 负责，消息处理不经过 MQTT 客户端
		redisClient,
		repository.NewReadingsRepository(db, logger),
		repository.NewGreenhousesRepository(db, logger),
		announcer,
		logger,
	)
	return consumer, mock, redisClient, announcer
}

func TestHandleReading_InsertsAndPublishes(t *testing.T) {
	consumer, mock, redisClient, _ := setupConsumer(t)

	mock.ExpectQuery(`INSERT INTO sensor_readings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	payload := `{"timestamp":"2026-06-01T08:10:00Z","soil_moisture":50.0,"air_temperature":24.0}`
	err := consumer.handleReading("greenhouse/gh-1/readings", []byte(payload))
	require.NoError(t, err)

	// 消息带着 DB ID 到达流
	messages, err := redisClient.XRange(context.Background(), "greenhouse:readings", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var reading models.SensorReading
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &reading))
	assert.Equal(t, int64(7), reading.ID)
	assert.Equal(t, "gh-1", reading.GreenhouseID)
	assert.Equal(t, 50.0, reading.SoilMoisture)
	assert.True(t, reading.IsValid)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReading_OutOfRangeMoistureMarkedInvalid(t *testing.T) {
	consumer, mock, redisClient, _ := setupConsumer(t)

	mock.ExpectQuery(`INSERT INTO sensor_readings`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))

	payload := `{"timestamp":"2026-06-01T08:10:00Z","soil_moisture":150.0}`
	require.NoError(t, consumer.handleReading("greenhouse/gh-1/readings", []byte(payload)))

	messages, err := redisClient.XRange(context.Background(), "greenhouse:readings", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var reading models.SensorReading
	require.NoError(t, json.Unmarshal([]byte(messages[0].Values["data"].(string)), &reading))
	assert.False(t, reading.IsValid)
}

func TestHandleReading_BadTopic(t *testing.T) {
	consumer, _, _, _ := setupConsumer(t)

	err := consumer.handleReading("greenhouse", []byte(`{}`))
	require.Error(t, err)
}

func TestHandleReading_BadPayload(t *testing.T) {
	consumer, _, _, _ := setupConsumer(t)

	err := consumer.handleReading("greenhouse/gh-1/readings", []byte(`not json`))
	require.Error(t, err)
}

func TestHandlePump_NotifiesOwner(t *testing.T) {
	consumer, mock, _, announcer := setupConsumer(t)

	rows := sqlmock.NewRows([]string{"greenhouse_id", "owner_user_id", "name", "plant_id"}).
		AddRow("gh-1", "owner-1", "North greenhouse", nil)
	mock.ExpectQuery(`SELECT`).
		WithArgs("gh-1").
		WillReturnRows(rows)

	payload := `{"duration_sec":30,"volume_ml":500}`
	require.NoError(t, consumer.handlePump("greenhouse/gh-1/pump", []byte(payload)))

	require.Len(t, announcer.calls, 1)
	assert.Equal(t, "owner-1", announcer.calls[0].userID)
	assert.Equal(t, models.NotificationPumpActivated, announcer.calls[0].typ)
	data, ok := announcer.calls[0].data.(models.PumpActivatedData)
	require.True(t, ok)
	assert.Equal(t, 30.0, data.DurationSec)
	assert.Equal(t, 500.0, data.VolumeML)
}

func TestHandlePump_UnknownGreenhouseIgnored(t *testing.T) {
	consumer, mock, _, announcer := setupConsumer(t)

	mock.ExpectQuery(`SELECT`).
		WithArgs("gh-x").
		WillReturnRows(sqlmock.NewRows([]string{"greenhouse_id", "owner_user_id", "name", "plant_id"}))

	require.NoError(t, consumer.handlePump("greenhouse/gh-x/pump", []byte(`{"duration_sec":10}`)))
	assert.Empty(t, announcer.calls)
}
