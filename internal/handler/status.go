package handler

import (
	"chain-monitor/internal/handler/response"
	"chain-monitor/internal/scanner"

	"github.com/gin-gonic/gin"
)

// StatusHandler 扫描器运行状态 (最后处理块 / 死信数 / 是否停机)
type StatusHandler struct {
	scanner *scanner.Scanner
}

func NewStatusHandler(s *scanner.Scanner) *StatusHandler {
	return &StatusHandler{scanner: s}
}

// Get GET /v1/status
func (h *StatusHandler) Get(c *gin.Context) {
	response.Success(c, h.scanner.Health())
}
