package api

import (
	"net/http"

	"github.com/apk-analysis/apk-risk/internal/api/handlers"
	"github.com/apk-analysis/apk-risk/internal/config"
	"github.com/apk-analysis/apk-risk/internal/middleware"
	"github.com/apk-analysis/apk-risk/internal/queue"
	"github.com/apk-analysis/apk-risk/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// queueStatus 可报告状态的扫描队列
type queueStatus interface {
	Status() queue.Status
}

// RouterDeps 路由依赖；Queue、Events、MemMonitor、Metrics 可为 nil
type RouterDeps struct {
	ScanService service.ScanService
	Queue       handlers.ScanQueue
	Events      *handlers.ScanEventHub
	MemMonitor  *middleware.MemoryMonitor
	Metrics     *middleware.PrometheusMetrics
}

// SetupRouter 注册全部路由
func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps RouterDeps) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	scanHandler := handlers.NewScanHandler(
		deps.ScanService,
		deps.Queue,
		logger,
		cfg.Analyzer.UploadDir,
		cfg.Analyzer.MaxUploadMB,
	)

	if deps.Events != nil {
		r.GET("/ws/scans", deps.Events.HandleWebSocket)
	}
	if deps.MemMonitor != nil {
		r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	}
	if deps.Metrics != nil {
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}

	v1 := r.Group("/api")
	{
		v1.GET("/health", func(c *gin.Context) {
			resp := gin.H{
				"status":  "ok",
				"version": Version,
			}
			if q, ok := deps.Queue.(queueStatus); ok {
				resp["queue"] = q.Status()
			}
			c.JSON(http.StatusOK, resp)
		})

		// 扫描
		v1.POST("/scan", scanHandler.ScanAPK)
		v1.POST("/scan/async", scanHandler.ScanAPKAsync)
		v1.GET("/scans/:id", scanHandler.GetScan)
		v1.GET("/scan-history", scanHandler.GetScanHistory)

		// 误报
		v1.POST("/report-false-positive", scanHandler.ReportFalsePositive)

		debug := v1.Group("/debug", middleware.TokenAuth(cfg.Server.APIToken))
		debug.GET("/safe-apps", scanHandler.GetSafeApps)
	}

	return r
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
