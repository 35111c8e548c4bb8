package server

import (
	"chain-monitor/internal/handler"
	"chain-monitor/pkg/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers 路由依赖的业务 handler 集合
type Handlers struct {
	Balance *handler.BalanceHandler
	Watch   *handler.WatchHandler
	Status  *handler.StatusHandler
}

// NewHTTPRouter 初始化并返回一个 Gin Engine
func NewHTTPRouter(h Handlers) *gin.Engine {
	// 0. 初始化监控指标
	monitor.Init()

	// 1. 创建 Engine (使用默认中间件: Logger, Recovery)
	r := gin.Default()

	// 2. 注册通用中间件
	r.Use(monitor.PrometheusMiddleware()) // 监控埋点

	// 3. 注册基础路由
	r.GET("/health", handler.HealthCheck)
	r.GET("/healthz", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler())) // 暴露给 Prometheus

	// 4. 注册 API 路由组
	api := r.Group("/v1")
	{
		api.GET("/status", h.Status.Get)
		api.GET("/balance/:address", h.Balance.Get)

		watch := api.Group("/watch")
		{
			watch.POST("", h.Watch.Register)
			watch.DELETE("", h.Watch.Deregister)
		}
	}

	return r
}
