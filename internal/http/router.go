package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterIrrigationRoutes 注册灌溉事件路由
func (r *Router) RegisterIrrigationRoutes(h *IrrigationHandler) {
	r.Handle("/api/v1/irrigations", h.ServeHTTP)
	r.Handle("/api/v1/irrigations/", h.ServeHTTP)
}

// RegisterNotificationRoutes 注册通知路由
func (r *Router) RegisterNotificationRoutes(h *NotificationHandler) {
	r.Handle("/api/v1/notifications", h.ServeHTTP)
	r.Handle("/api/v1/notifications/", h.ServeHTTP)
	r.Handle("/api/v1/push-subscriptions", h.ServeHTTP)
}

// RegisterHealthRoute 注册健康检查路由
func (r *Router) RegisterHealthRoute() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
