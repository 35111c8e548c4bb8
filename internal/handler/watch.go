package handler

import (
	"chain-monitor/internal/handler/request"
	"chain-monitor/internal/handler/response"
	"chain-monitor/internal/registry"
	"chain-monitor/pkg/errno"
	"chain-monitor/pkg/validator"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// WatchHandler 关注地址注册/注销 (外部协作方的写入口)
type WatchHandler struct {
	registry *registry.SQLRegistry
}

func NewWatchHandler(reg *registry.SQLRegistry) *WatchHandler {
	return &WatchHandler{registry: reg}
}

// Register POST /v1/watch
func (h *WatchHandler) Register(c *gin.Context) {
	var req request.WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.Errno{Code: errno.ErrBind.Code, Message: validator.GetErrorMsg(err)})
		return
	}

	addresses, ok := parseAddresses(req.Addresses)
	if !ok {
		response.Error(c, errno.ErrInvalidAddress)
		return
	}

	if err := h.registry.Register(c.Request.Context(), req.TokenID, addresses); err != nil {
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, nil)
}

// Deregister DELETE /v1/watch
func (h *WatchHandler) Deregister(c *gin.Context) {
	var req request.WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.Errno{Code: errno.ErrBind.Code, Message: validator.GetErrorMsg(err)})
		return
	}

	addresses, ok := parseAddresses(req.Addresses)
	if !ok {
		response.Error(c, errno.ErrInvalidAddress)
		return
	}

	if err := h.registry.Deregister(c.Request.Context(), req.TokenID, addresses); err != nil {
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, nil)
}

func parseAddresses(raw []string) ([]common.Address, bool) {
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		if !common.IsHexAddress(r) {
			return nil, false
		}
		out = append(out, common.HexToAddress(r))
	}
	return out, true
}
