package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"plex-kiosk/app/backend"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/service"

	"github.com/gin-gonic/gin"
)

// WebhookHandler 接收执行后端的任务回调
type WebhookHandler struct {
	reconciler *service.Reconciler
	logger     *logger.Logger
}

// NewWebhookHandler 创建新的 WebhookHandler
func NewWebhookHandler(r *service.Reconciler, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: r, logger: log}
}

// TaskEvent 处理任务状态回调，重复投递返回成功
func (h *WebhookHandler) TaskEvent(c *gin.Context) {
	var event backend.TaskResult
	if err := c.ShouldBindJSON(&event); err != nil {
		h.logger.Errorf("解析任务回调请求体失败: %v", err)
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	jsonData, _ := json.Marshal(event)
	h.logger.Debugf("任务回调: %s", jsonData)

	requestID := c.GetUint("request_id")
	err := h.reconciler.HandleCallback(c.Request.Context(), requestID, event)
	switch {
	case err == nil:
		success(c, nil, "received")
	case errors.Is(err, service.ErrMalformedNotification):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForeignTask):
		fail(c, http.StatusForbidden, err.Error())
	default:
		h.logger.Errorf("处理任务回调失败: TaskID=%s, 错误: %v", event.TaskID, err)
		fail(c, http.StatusInternalServerError, "处理任务回调失败")
	}
}
