package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"greenhouse-irrigation/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupNotificationsMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *NotificationsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewNotificationsRepository(db, logger)

	return db, mock, repo
}

func testNotificationRecord() *models.NotificationRecord {
	dedupKey := "irrigation_detected:event-1"
	return &models.NotificationRecord{
		NotificationID: "notif-1",
		UserID:         "user-1",
		Type:           models.NotificationIrrigationDetected,
		Title:          "Irrigation detected",
		Message:        "Soil moisture rose",
		Data:           []byte(`{"irrigation_id":"event-1"}`),
		DedupKey:       &dedupKey,
		IsRead:         false,
		CreatedAt:      time.Date(2026, 6, 1, 8, 10, 0, 0, time.UTC),
	}
}

func TestCreateIfAbsent_Created(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	record := testNotificationRecord()

	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs(record.NotificationID, record.UserID, record.Type, record.Title,
			record.Message, []byte(record.Data), *record.DedupKey, record.IsRead, record.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.CreateIfAbsent(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIfAbsent_DuplicateKeySkipped(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	// ON CONFLICT DO NOTHING：重复幂等键 0 行受影响
	mock.ExpectExec(`INSERT INTO notifications`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := repo.CreateIfAbsent(context.Background(), testNotificationRecord())
	require.NoError(t, err)
	assert.False(t, created)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIfAbsent_RejectsInvalidType(t *testing.T) {
	db, _, repo := setupNotificationsMockDB(t)
	defer db.Close()

	record := testNotificationRecord()
	record.Type = "bogus"

	_, err := repo.CreateIfAbsent(context.Background(), record)
	require.Error(t, err)
}

func TestMarkRead_Success(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE notifications`).
		WithArgs("notif-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkRead(context.Background(), "notif-1", "user-1")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_AlreadyReadIsNoOp(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE notifications`).
		WithArgs("notif-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT is_read FROM notifications`).
		WithArgs("notif-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_read"}).AddRow(true))

	err := repo.MarkRead(context.Background(), "notif-1", "user-1")
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_NotFound(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE notifications`).
		WithArgs("missing", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT is_read FROM notifications`).
		WithArgs("missing", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_read"}))

	err := repo.MarkRead(context.Background(), "missing", "user-1")
	require.ErrorIs(t, err, models.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountUnread(t *testing.T) {
	db, mock, repo := setupNotificationsMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountUnread(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.NoError(t, mock.ExpectationsWereMet())
}
