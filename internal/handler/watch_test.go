package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chain-monitor/internal/registry"
	"chain-monitor/pkg/errno"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 只覆盖入参校验路径; 注册表的数据库行为由集成环境验证
func setupWatchRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWatchHandler(registry.NewSQLRegistry(nil, nil))
	r.POST("/v1/watch", h.Register)
	r.DELETE("/v1/watch", h.Deregister)
	return r
}

func postWatch(r *gin.Engine, method, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/v1/watch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func decodeCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestWatchRejectsMissingFields(t *testing.T) {
	r := setupWatchRouter()

	tests := []struct {
		name string
		body string
	}{
		{"Empty body", `{}`},
		{"Missing addresses", `{"token_id":"svc-a"}`},
		{"Empty addresses", `{"token_id":"svc-a","addresses":[]}`},
		{"Address wrong length", `{"token_id":"svc-a","addresses":["0x123"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postWatch(r, http.MethodPost, tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, errno.ErrBind.Code, decodeCode(t, w))
		})
	}
}

// 长度对但不是合法 hex 地址: 进入地址解析层被拒
func TestWatchRejectsNonHexAddress(t *testing.T) {
	r := setupWatchRouter()
	body := `{"token_id":"svc-a","addresses":["0xZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"]}`

	w := postWatch(r, http.MethodDelete, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, errno.ErrInvalidAddress.Code, decodeCode(t, w))
}
