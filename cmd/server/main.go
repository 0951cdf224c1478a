// Package main runs the camera relay HTTP server with WebSocket entry points
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/costawatch/backend/config"
	"github.com/costawatch/backend/internal/auth"
	"github.com/costawatch/backend/internal/devices"
	"github.com/costawatch/backend/internal/hls"
	"github.com/costawatch/backend/internal/metrics"
	"github.com/costawatch/backend/internal/middleware"
	"github.com/costawatch/backend/internal/relay"
	"github.com/costawatch/backend/internal/status"
	"github.com/costawatch/backend/pkg/database"
	"github.com/costawatch/backend/pkg/redis"
	"github.com/costawatch/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	mt := metrics.New()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	accountRepo := auth.NewRepository(pool)
	viewerAuth := auth.NewVerifier(jwtService, accountRepo)
	deviceRepo := devices.NewRepository(pool)

	manager := hls.NewManager(hls.Config{
		OutputDir:      cfg.HLS.OutputDir,
		FFmpegPath:     cfg.HLS.FFmpegPath,
		SegmentSeconds: cfg.HLS.SegmentSeconds,
		PlaylistSize:   cfg.HLS.PlaylistSize,
		InputBuffer:    cfg.HLS.InputBuffer,
		IdleTimeout:    cfg.HLS.IdleTimeout,
		SweepInterval:  cfg.HLS.SweepInterval,
	}, logger)
	manager.SetMetrics(mt)
	defer manager.Close()

	relaySvc := relay.New(logger, relay.Options{
		Pipelines:   manager,
		CameraAuth:  deviceRepo,
		ViewerAuth:  viewerAuth,
		Devices:     deviceRepo,
		AuthTimeout: cfg.Relay.AuthTimeout,
		Metrics:     mt,
	})
	defer relaySvc.Close()

	// Cross-instance status fan-out is optional; a single-node deployment
	// runs without Redis.
	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()

		bridge := relay.NewStatusBridge(rdb.Client, logger)
		relaySvc.Registry().SetStatusPublisher(bridge)
		go func() {
			if err := bridge.Run(bridgeCtx, relaySvc.Registry()); err != nil {
				logger.Error("status bridge stopped", zap.Error(err))
			}
		}()
	}

	statusHandler := status.NewHandler(relaySvc.Registry(), manager, deviceRepo, deviceRepo, logger)
	hlsHandler := hls.NewHandler(manager, cfg.Server.PublicBaseURL, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(mt.Handler()))

	// WebSocket entry points (credentials in query; no Authorization header)
	router.GET("/stream", relaySvc.ServeProducer)
	router.GET("/mobile", relaySvc.ServeViewer)
	router.GET("/webrtc", relaySvc.ServeNegotiation)

	// HLS file surface (consumed by standard players; no JWT)
	router.GET("/hls/:cameraId/:file", hlsHandler.File)

	api := router.Group("/api")
	{
		api.GET("/stream/info", statusHandler.Info)
		api.GET("/stream/status", statusHandler.Status)
		api.GET("/stream/cameras", statusHandler.Cameras)
		api.GET("/stream/stats", statusHandler.Stats)
		api.POST("/stream/verify-camera-token", statusHandler.VerifyCameraToken)

		api.GET("/hls/streams", hlsHandler.ListStreams)
		api.GET("/hls/streams/:cameraId", hlsHandler.Info)
		api.GET("/hls/streams/:cameraId/url", hlsHandler.URL)

		// Operator pipeline control (admin only)
		admin := api.Group("", middleware.JWT(jwtService), middleware.RequireRole("admin"))
		admin.POST("/hls/streams/:cameraId/start", hlsHandler.Start)
		admin.POST("/hls/streams/:cameraId/stop", hlsHandler.Stop)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bridgeCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
