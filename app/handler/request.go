package handler

import (
	"net/http"
	"strconv"

	"plex-kiosk/app/ledger"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
	"plex-kiosk/app/service"

	"github.com/gin-gonic/gin"
)

// RequestHandler 媒体请求处理器
type RequestHandler struct {
	ledger     *ledger.Ledger
	dispatcher *service.Dispatcher
	reconciler *service.Reconciler
	log        *logger.Logger
}

// NewRequestHandler 创建媒体请求处理器
func NewRequestHandler(l *ledger.Ledger, d *service.Dispatcher, r *service.Reconciler, log *logger.Logger) *RequestHandler {
	return &RequestHandler{ledger: l, dispatcher: d, reconciler: r, log: log}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, "无效的ID")
		return 0, false
	}
	return uint(id), true
}

// CreateRequest 创建媒体请求并立即分发
// dispatch=false 时只写入账本，由扫描补发
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	var payload model.RequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.ledger.Create(c.Request.Context(), payload)
	if err != nil {
		failWith(c, err)
		return
	}

	message := "创建请求成功"
	if c.DefaultQuery("dispatch", "true") != "false" {
		if _, err := h.dispatcher.Dispatch(c.Request.Context(), req.ID); err != nil {
			h.log.Warnf("新请求分发失败，等待扫描补发: RequestID=%d, 错误: %v", req.ID, err)
			message = "创建请求成功，分发稍后重试"
		}
		if fresh, err := h.ledger.Get(c.Request.Context(), req.ID); err == nil {
			req = fresh
		}
	}

	c.JSON(http.StatusCreated, ApiResponse{Code: 0, Message: message, Data: req})
}

// ListRequests 分页获取请求列表
func (h *RequestHandler) ListRequests(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	filter := ledger.ListFilter{
		Status:      model.RequestStatus(c.Query("status")),
		MediaType:   model.MediaType(c.Query("media_type")),
		Query:       c.Query("q"),
		RequestedBy: c.Query("requested_by"),
		Page:        page,
		PageSize:    pageSize,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fail(c, http.StatusBadRequest, "无效的状态: "+string(filter.Status))
		return
	}

	items, total, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		h.log.Errorf("获取请求列表失败: %v", err)
		fail(c, http.StatusInternalServerError, "获取请求列表失败")
		return
	}

	success(c, gin.H{
		"list":     items,
		"total":    total,
		"current":  page,
		"pageSize": pageSize,
	}, "获取请求列表成功")
}

// GetRequest 获取单个请求
func (h *RequestHandler) GetRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, req, "获取请求成功")
}

// GetRequestByTaskID 按任务ID反查请求
func (h *RequestHandler) GetRequestByTaskID(c *gin.Context) {
	req, err := h.ledger.FindByTaskID(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, req, "获取请求成功")
}

// GetHistory 获取请求的状态转换记录
func (h *RequestHandler) GetHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	items, err := h.ledger.History(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, items, "获取状态记录成功")
}

// DispatchRequest 手动分发 pending/retrying 请求
func (h *RequestHandler) DispatchRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	taskID, err := h.dispatcher.Dispatch(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, gin.H{"id": id, "task_id": taskID}, "分发成功")
}

// RetryRequest 手动重试失败的请求
func (h *RequestHandler) RetryRequest(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	req, err := h.reconciler.Retry(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, req, "已重新分发")
}

// GetStats 按状态统计请求
func (h *RequestHandler) GetStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.log.Errorf("统计请求失败: %v", err)
		fail(c, http.StatusInternalServerError, "统计请求失败")
		return
	}
	success(c, stats, "获取统计成功")
}
