// Package main はレンダーサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/cloud-render/internal/api"
	"github.com/yourusername/cloud-render/internal/auth"
	"github.com/yourusername/cloud-render/internal/config"
	"github.com/yourusername/cloud-render/internal/logging"
)

const (
	serviceName     = "cloud-render-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize render jobs")
	}
	defer app.Close()
	app.manager.StartWorkers(ctx)
	go runRetention(ctx, app, cfg.ArtifactRetention(), logger)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(cors.New(corsConfig(cfg)))

	// ルーティングの設定
	setupRoutes(router, cfg, app, logger)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": addr, "mode": cfg.GinMode}).Info("Starting render server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down render server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := app.manager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Worker did not stop before the deadline")
	}
}

func corsConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Filename", // アップロード時のファイル名
	}
	// ブラウザからダウンロード名とジョブIDを読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	return corsConfig
}

// setupRoutes は API ハンドラーとオペレーター認証を配線します。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *renderApp, logger logrus.FieldLogger) {
	handler := api.NewHandler(app.store, app.manager, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		PublicBaseURL:  cfg.PublicBaseURL,
		Service:        serviceName,
		Version:        serviceVersion,
		Logger:         logger,
	})

	var operator gin.HandlerFunc
	if guard := auth.NewGuard(cfg.OperatorUsername, cfg.OperatorPasswordHash); guard.Enabled() {
		operator = guard.Require()
	}
	handler.Register(router, operator)
}
