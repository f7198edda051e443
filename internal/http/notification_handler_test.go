package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/notifier"
	"greenhouse-irrigation/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubNotificationStore struct {
	records []*models.NotificationRecord
}

func (s *stubNotificationStore) CreateIfAbsent(ctx context.Context, record *models.NotificationRecord) (bool, error) {
	s.records = append(s.records, record)
	return true, nil
}

func (s *stubNotificationStore) MarkRead(ctx context.Context, notificationID, userID string) error {
	for _, r := range s.records {
		if r.NotificationID == notificationID && r.UserID == userID {
			r.IsRead = true
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", notificationID, models.ErrNotFound)
}

func (s *stubNotificationStore) CountUnread(ctx context.Context, userID string) (int, error) {
	count := 0
	for _, r := range s.records {
		if r.UserID == userID && !r.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *stubNotificationStore) ListNotifications(ctx context.Context, userID string, page, size int) ([]*models.NotificationRecord, int, error) {
	var out []*models.NotificationRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func setupNotificationRouter(t *testing.T, records ...*models.NotificationRecord) (*Router, *stubNotificationStore, sqlmock.Sqlmock) {
	t.Helper()

	store := &stubNotificationStore{records: records}
	coordinator := notifier.NewCoordinator(store, nil, zap.NewNop())

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	subsRepo := repository.NewPushSubscriptionsRepository(db, zap.NewNop())

	router := NewRouter(zap.NewNop())
	router.RegisterNotificationRoutes(NewNotificationHandler(coordinator, subsRepo, zap.NewNop()))
	return router, store, mock
}

func notificationRecord(id, userID string, read bool) *models.NotificationRecord {
	return &models.NotificationRecord{
		NotificationID: id,
		UserID:         userID,
		Type:           models.NotificationIrrigationDetected,
		Title:          "Irrigation detected",
		Message:        "Soil moisture rose",
		Data:           []byte(`{}`),
		IsRead:         read,
		CreatedAt:      time.Now(),
	}
}

func TestListNotificationsEndpoint(t *testing.T) {
	router, _, _ := setupNotificationRouter(t,
		notificationRecord("n-1", "user-1", false),
		notificationRecord("n-2", "user-1", true),
		notificationRecord("n-3", "user-2", false),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp Result[map[string]json.RawMessage]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var total int
	require.NoError(t, json.Unmarshal(resp.Result["total"], &total))
	assert.Equal(t, 2, total)
}

func TestUnreadCountEndpoint(t *testing.T) {
	router, _, _ := setupNotificationRouter(t,
		notificationRecord("n-1", "user-1", false),
		notificationRecord("n-2", "user-1", true),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread-count", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp Result[map[string]int]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Result["unread"])
}

func TestMarkReadEndpoint(t *testing.T) {
	router, store, _ := setupNotificationRouter(t,
		notificationRecord("n-1", "user-1", false),
	)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/n-1/read", nil)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.records[0].IsRead)
}

func TestMarkReadEndpoint_WrongUser(t *testing.T) {
	router, _, _ := setupNotificationRouter(t,
		notificationRecord("n-1", "user-1", false),
	)

	// 别人的通知标记不到
	req := httptest.NewRequest(http.MethodPut, "/api/v1/notifications/n-1/read", nil)
	req.Header.Set("X-User-Id", "user-2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotificationEndpoints_MissingIdentity(t *testing.T) {
	router, _, _ := setupNotificationRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterPushSubscriptionEndpoint(t *testing.T) {
	router, _, mock := setupNotificationRouter(t)

	mock.ExpectExec(`INSERT INTO push_subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := strings.NewReader(`{"endpoint":"https://push.example.com/sub","keys":"{\"p256dh\":\"k\"}"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/push-subscriptions", body)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterPushSubscriptionEndpoint_MissingEndpoint(t *testing.T) {
	router, _, _ := setupNotificationRouter(t)

	body := strings.NewReader(`{"keys":"{}"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/push-subscriptions", body)
	req.Header.Set("X-User-Id", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
