package server

import (
	"context"
	"net/http"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/handler"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/middleware"
	"plex-kiosk/app/pipeline"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config   *config.Config
	Logger   *logger.Logger
	gin      *gin.Engine
	http     *http.Server
	pipeline *pipeline.Pipeline
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger, p *pipeline.Pipeline) *Server {
	if cfg.Server.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(log))

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Config:   cfg,
		Logger:   log,
		pipeline: p,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，测试时直接使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 停止接收请求，链路由调用方关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	p := s.pipeline
	requestHandler := handler.NewRequestHandler(p.Ledger, p.Dispatcher, p.Reconciler, s.Logger.Named("api"))
	webhookHandler := handler.NewWebhookHandler(p.Reconciler, s.Logger.Named("webhook"))
	healthHandler := handler.NewHealthHandler(p.DB, p.Backend)

	// API路由组
	api := s.gin.Group("/api")
	api.GET("/health", healthHandler.Health)

	// 媒体请求
	requests := api.Group("/requests")
	{
		requests.POST("", requestHandler.CreateRequest)
		requests.GET("", requestHandler.ListRequests)
		requests.GET("/stats", requestHandler.GetStats)
		requests.GET("/task/:task_id", requestHandler.GetRequestByTaskID)
		requests.GET("/:id", requestHandler.GetRequest)
		requests.GET("/:id/history", requestHandler.GetHistory)
		requests.POST("/:id/dispatch", requestHandler.DispatchRequest)
		requests.POST("/:id/retry", requestHandler.RetryRequest)
	}

	// 执行后端回调，需要回调令牌
	tasks := api.Group("/tasks")
	tasks.Use(middleware.CallbackAuth(p.Tokens))
	{
		tasks.POST("/events", webhookHandler.TaskEvent)
	}
}

// accessLog 简单的访问日志
func accessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		log.Debugf("%s %s %d %v",
			c.Request.Method,
			c.Request.RequestURI,
			c.Writer.Status(),
			latency,
		)
	}
}
