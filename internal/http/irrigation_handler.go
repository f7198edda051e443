package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"greenhouse-irrigation/internal/models"
	"greenhouse-irrigation/internal/repository"
	"greenhouse-irrigation/internal/service"

	"go.uber.org/zap"
)

// IrrigationHandler 灌溉事件 Handler
type IrrigationHandler struct {
	irrigationService *service.IrrigationService
	logger            *zap.Logger
}

// NewIrrigationHandler 创建灌溉事件 Handler
func NewIrrigationHandler(irrigationService *service.IrrigationService, logger *zap.Logger) *IrrigationHandler {
	return &IrrigationHandler{
		irrigationService: irrigationService,
		logger:            logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *IrrigationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 路由分发
	path := r.URL.Path
	switch {
	// ListIrrigations
	case path == "/api/v1/irrigations" && r.Method == http.MethodGet:
		h.ListIrrigations(w, r)
	// Confirm
	case strings.HasSuffix(path, "/confirm") && r.Method == http.MethodPost:
		eventID := strings.TrimSuffix(path, "/confirm")
		eventID = strings.TrimPrefix(eventID, "/api/v1/irrigations/")
		eventID = strings.TrimSuffix(eventID, "/")
		if eventID != "" && !strings.Contains(eventID, "/") {
			h.Confirm(w, r, eventID)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	// GetIrrigation
	case strings.HasPrefix(path, "/api/v1/irrigations/") && r.Method == http.MethodGet:
		eventID := strings.TrimPrefix(path, "/api/v1/irrigations/")
		if eventID != "" && !strings.Contains(eventID, "/") {
			h.GetIrrigation(w, r, eventID)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ListIrrigations 分页查询灌溉事件
func (h *IrrigationHandler) ListIrrigations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filters := repository.IrrigationEventFilters{}
	if v := q.Get("greenhouse_id"); v != "" {
		filters.GreenhouseID = &v
	}
	if v := q.Get("status"); v != "" {
		filters.Status = &v
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filters.EndTime = &t
		}
	}

	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 20)

	events, total, err := h.irrigationService.ListIrrigations(r.Context(), filters, page, size)
	if err != nil {
		h.logger.Error("Failed to list irrigation events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list irrigation events"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": events,
		"total": total,
		"page":  page,
		"size":  size,
	}))
}

// GetIrrigation 查询单个灌溉事件
func (h *IrrigationHandler) GetIrrigation(w http.ResponseWriter, r *http.Request, eventID string) {
	event, err := h.irrigationService.GetIrrigation(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("irrigation event not found"))
			return
		}
		h.logger.Error("Failed to get irrigation event",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("failed to get irrigation event"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(event))
}

// Confirm 确认灌溉事件（manual 或 rain）
func (h *IrrigationHandler) Confirm(w http.ResponseWriter, r *http.Request, eventID string) {
	userID := userIDFromReq(r)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("missing user identity"))
		return
	}

	var req service.ConfirmRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}
	req.EventID = eventID
	req.ConfirmedBy = userID

	event, err := h.irrigationService.Confirm(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidArgument):
			writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		case errors.Is(err, models.ErrNotFound):
			writeJSON(w, http.StatusNotFound, Fail("irrigation event not found"))
		case errors.Is(err, models.ErrConflict):
			writeJSON(w, http.StatusConflict, Fail("irrigation event already confirmed"))
		default:
			h.logger.Error("Failed to confirm irrigation event",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, Fail("failed to confirm irrigation event"))
		}
		return
	}

	writeJSON(w, http.StatusOK, Ok(event))
}
