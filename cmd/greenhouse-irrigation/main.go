package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"greenhouse-irrigation/internal/config"
	httpapi "greenhouse-irrigation/internal/http"
	"greenhouse-irrigation/internal/service"
	"greenhouse-irrigation/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "greenhouse-irrigation")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	svc, err := service.NewService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create irrigation service",
			zap.Error(err),
		)
	}
	defer svc.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动消费者
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start irrigation service",
			zap.Error(err),
		)
	}

	// 6. 启动 HTTP 服务
	router := httpapi.NewRouter(log)
	router.RegisterHealthRoute()
	router.RegisterIrrigationRoutes(httpapi.NewIrrigationHandler(svc.Irrigations(), log))
	router.RegisterNotificationRoutes(httpapi.NewNotificationHandler(svc.Notifier(), svc.Subscriptions(), log))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case err := <-serverErrChan:
		log.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	cancel()

	log.Info("Irrigation service stopped")
}
