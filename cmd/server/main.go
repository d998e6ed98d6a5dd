// Package main 是上传服务端的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidstream-go/internal/config"
	"vidstream-go/internal/handler"
	"vidstream-go/internal/middleware"
	"vidstream-go/internal/repository"
	"vidstream-go/internal/service"
	"vidstream-go/internal/transcode"
	"vidstream-go/pkg/database"
	"vidstream-go/pkg/kafka"
	"vidstream-go/pkg/log"
	"vidstream-go/pkg/storage"
	"vidstream-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、MinIO 与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	uploadRepo := repository.NewUploadRepository(database.DB, database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	authService := service.NewAuthService(cfg.Auth, jwtManager)
	uploadService := service.NewUploadService(uploadRepo, cfg.MinIO, cfg.Upload)

	// 6. 启动后台转码 worker (Kafka 消费者)
	worker := transcode.NewWorker(cfg.MinIO, uploadRepo)
	go kafka.StartConsumer(cfg.Kafka, worker)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	uploadHandler := handler.NewUploadHandler(uploadService)
	progressHandler := handler.NewProgressHandler(uploadService, jwtManager)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组 (公开访问)
		auth := apiV1.Group("/auth")
		{
			auth.POST("/login", handler.NewAuthHandler(authService).Login)
		}

		// Upload 路由组：可恢复上传协议，需要认证
		uploads := apiV1.Group("/uploads")
		uploads.Use(middleware.AuthMiddleware(jwtManager))
		{
			uploads.POST("", uploadHandler.OpenSession)
			uploads.GET("", uploadHandler.ListSessions)
			uploads.HEAD("/:id", uploadHandler.Head)
			uploads.GET("/:id", uploadHandler.GetSession)
			uploads.PATCH("/:id", uploadHandler.AppendChunk)
			uploads.DELETE("/:id", uploadHandler.Cancel)
		}

		// Episode 路由组：上传会话最终指向的实体
		episodes := apiV1.Group("/episodes")
		episodes.Use(middleware.AuthMiddleware(jwtManager))
		{
			episodes.GET("/:id", uploadHandler.GetEpisode)
		}
	}

	// 带外进度通道 (WebSocket)，token 经查询参数认证
	r.GET("/ws/uploads/:id", progressHandler.Handle)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
