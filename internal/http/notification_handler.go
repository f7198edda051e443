package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/notifier"
	"greenhouse-irrigation/internal/repository"

	"go.uber.org/zap"
)

// NotificationHandler 通知 Handler
type NotificationHandler struct {
	coordinator *notifier.Coordinator
	subsRepo    *repository.PushSubscriptionsRepository
	logger      *zap.Logger
}

// NewNotificationHandler 创建通知 Handler
func NewNotificationHandler(
	coordinator *notifier.Coordinator,
	subsRepo *repository.PushSubscriptionsRepository,
	logger *zap.Logger,
) *NotificationHandler {
	return &NotificationHandler{
		coordinator: coordinator,
		subsRepo:    subsRepo,
		logger:      logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *NotificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 路由分发
	path := r.URL.Path
	switch {
	// ListNotifications
	case path == "/api/v1/notifications" && r.Method == http.MethodGet:
		h.ListNotifications(w, r)
	// CountUnread
	case path == "/api/v1/notifications/unread-count" && r.Method == http.MethodGet:
		h.CountUnread(w, r)
	// MarkRead
	case strings.HasSuffix(path, "/read") && r.Method == http.MethodPut:
		notificationID := strings.TrimSuffix(path, "/read")
		notificationID = strings.TrimPrefix(notificationID, "/api/v1/notifications/")
		notificationID = strings.TrimSuffix(notificationID, "/")
		if notificationID != "" && !strings.Contains(notificationID, "/") {
			h.MarkRead(w, r, notificationID)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	// RegisterPushSubscription
	case path == "/api/v1/push-subscriptions" && r.Method == http.MethodPost:
		h.RegisterPushSubscription(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ListNotifications 分页查询当前用户的通知
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromReq(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing user identity"))
		return
	}

	q := r.URL.Query()
	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 20)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	records, total, err := h.coordinator.ListNotifications(r.Context(), userID, page, size)
	if err != nil {
		h.logger.Error("Failed to list notifications", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list notifications"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": records,
		"total": total,
		"page":  page,
		"size":  size,
	}))
}

// CountUnread 统计当前用户的未读通知数
func (h *NotificationHandler) CountUnread(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromReq(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing user identity"))
		return
	}

	count, err := h.coordinator.CountUnread(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to count unread notifications", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to count unread notifications"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]int{"unread": count}))
}

// MarkRead 标记通知已读（幂等：重复标记返回成功）
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request, notificationID string) {
	userID := userIDFromReq(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing user identity"))
		return
	}

	if err := h.coordinator.MarkRead(r.Context(), notificationID, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("notification not found"))
			return
		}
		h.logger.Error("Failed to mark notification read",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to mark notification read"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]bool{"read": true}))
}

// pushSubscriptionRequest 推送订阅注册请求
type pushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     string `json:"keys"`
}

// RegisterPushSubscription 注册/替换当前用户的 Web Push 订阅
func (h *NotificationHandler) RegisterPushSubscription(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromReq(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing user identity"))
		return
	}

	var req pushSubscriptionRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, Fail("endpoint is required"))
		return
	}
	if req.Keys == "" {
		req.Keys = "{}"
	}

	sub := &models.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		Keys:      req.Keys,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := h.subsRepo.UpsertSubscription(r.Context(), sub); err != nil {
		h.logger.Error("Failed to upsert push subscription",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to save push subscription"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]bool{"saved": true}))
}
