package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "vitalwatch-core/internal/common/logger"
	"vitalwatch-core/internal/config"
	"vitalwatch-core/internal/httpapi"
	"vitalwatch-core/internal/metrics"
	"vitalwatch-core/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "vitalwatch-core")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting vitalwatch-core service")

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接已启用的基础设施
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	infra, err := service.Connect(connectCtx, cfg, log)
	connectCancel()
	if err != nil {
		log.Fatal("Failed to connect infrastructure", zap.Error(err))
	}
	defer func() {
		if err := infra.Close(); err != nil {
			log.Error("Error closing infrastructure", zap.Error(err))
		}
	}()

	// 监控指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	deps, err := infra.Deps(ctx, cfg, m)
	if err != nil {
		log.Fatal("Failed to prepare service dependencies", zap.Error(err))
	}

	// 创建服务
	guardian := service.NewGuardian(cfg, deps, log)

	handler := httpapi.NewHandler(guardian, log.Named("http"))
	router := httpapi.NewRouter(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), log.Named("http"))
	srv := httpapi.NewServer(cfg.HTTP.Addr, router, log)

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := guardian.Start(ctx); err != nil {
		log.Fatal("Failed to start guardian", zap.Error(err))
	}

	// 启动 HTTP（在 goroutine 中）
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	// 等待信号或错误
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		log.Error("HTTP server error", zap.Error(err))
	}
	cancel()

	// 停止服务
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := guardian.Stop(); err != nil {
		log.Error("Error stopping guardian", zap.Error(err))
	}

	log.Info("Service stopped")
}
