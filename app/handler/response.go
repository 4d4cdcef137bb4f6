package handler

import (
	"context"
	"errors"
	"net/http"

	"plex-kiosk/app/ledger"
	"plex-kiosk/app/service"

	"github.com/gin-gonic/gin"
)

// ApiResponse 统一的API响应格式
type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// 创建成功响应
func success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func fail(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    statusCode,
		Message: message,
		Data:    nil,
	})
}

// statusFor 把领域错误映射为HTTP状态码
func statusFor(err error) int {
	var verr *ledger.ValidationError
	var derr *service.DispatchError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDuplicateRequest),
		errors.Is(err, ledger.ErrNotDispatchable),
		errors.Is(err, ledger.ErrDispatchInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &derr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func failWith(c *gin.Context, err error) {
	fail(c, statusFor(err), err.Error())
}
