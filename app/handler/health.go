package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"plex-kiosk/app/backend"
	"plex-kiosk/app/database"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"gorm.io/gorm"
)

// SystemStats 进程与主机资源
type SystemStats struct {
	NumGoroutine    int     `json:"num_goroutine"`
	Alloc           uint64  `json:"alloc_bytes"`
	TotalRAM        uint64  `json:"total_ram"`
	UsedRAMPercent  float64 `json:"used_ram_percent"`
	TotalCPUCores   int     `json:"total_cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	Uptime          uint64  `json:"host_uptime_seconds"`
}

// HealthStatus 健康检查结果
type HealthStatus struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Database  string      `json:"database"`
	Backend   string      `json:"backend"`
	System    SystemStats `json:"system"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db      *gorm.DB
	backend backend.Backend
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, b backend.Backend) *HealthHandler {
	return &HealthHandler{db: db, backend: b}
}

// Health 检查数据库与执行后端
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Backend:   h.backend.Name() + ": ok",
		System:    systemStats(),
	}
	if err := database.Ping(h.db); err != nil {
		status.Status = "degraded"
		status.Database = "down: " + err.Error()
	}
	if err := h.backend.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Backend = h.backend.Name() + ": down: " + err.Error()
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, ApiResponse{Code: 0, Message: status.Status, Data: status})
}

func systemStats() SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		NumGoroutine:  runtime.NumGoroutine(),
		Alloc:         memStats.Alloc,
		TotalCPUCores: runtime.NumCPU(),
	}
	if vMem, err := mem.VirtualMemory(); err == nil {
		stats.TotalRAM = vMem.Total
		stats.UsedRAMPercent = vMem.UsedPercent
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUUsagePercent = pct[0]
	}
	if up, err := host.Uptime(); err == nil {
		stats.Uptime = up
	}
	return stats
}
