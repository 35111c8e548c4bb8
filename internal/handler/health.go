package handler

import (
	"chain-monitor/internal/handler/response"

	"github.com/gin-gonic/gin"
)

// HealthCheck 健康探针
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{
		"status":  "UP",
		"version": "1.0.0",
		"service": "chain-monitor",
	})
}
