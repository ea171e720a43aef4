// Package health 存活與就緒檢查
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/e2ee"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDisabled  = "disabled"
	statusDegraded  = "degraded"

	memoryMB        = 1024 * 1024
	memoryThreshold = 1024 // MB
	hostMemPercent  = 90.0

	storageTimeout = 5 * time.Second

	// 待寫入的持久化操作超過此值時就緒檢查失敗
	maxPendingPersist = 10000
)

// Core 健康檢查需要的加密核心能力
type Core interface {
	GetEncryptionMetrics() e2ee.Metrics
	CheckStorage(ctx context.Context) (configured bool, err error)
}

// Handler 健康檢查處理器
type Handler struct {
	core      Core
	driver    string
	startedAt time.Time
}

// NewHealthHandler 創建健康檢查處理器
func NewHealthHandler(core Core, storageDriver string) *Handler {
	return &Handler{core: core, driver: storageDriver, startedAt: time.Now()}
}

// componentStatus 單一元件的檢查結果
type componentStatus struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck 存活檢查；存儲失敗只會把整體狀態降為 degraded，仍回 200
func (h *Handler) HealthCheck(c *gin.Context) {
	storage := h.checkStorage(c.Request.Context())

	status := statusHealthy
	if storage.Status == statusUnhealthy {
		status = statusDegraded
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"app":       appInfo(),
		"storage":   storage,
		"e2ee":      h.coreStatus(),
		"system":    h.checkSystemResources(),
	})
}

// Ready 就緒檢查：存儲不可用或持久化積壓過多時回 503
func (h *Handler) Ready(c *gin.Context) {
	storage := h.checkStorage(c.Request.Context())
	pending := 0
	if h.core != nil {
		pending = h.core.GetEncryptionMetrics().PendingPersist
	}

	ready := storage.Status != statusUnhealthy && pending < maxPendingPersist
	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	c.JSON(code, gin.H{
		"status":          status,
		"storage":         storage.Status,
		"pending_persist": pending,
	})
}

func appInfo() gin.H {
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "NO_VERSION_SET"
	}
	info := gin.H{"version": version}
	if cfg := config.Get(); cfg != nil {
		info["name"] = cfg.App.Name
		info["debug"] = cfg.App.Debug
	}
	return info
}

// checkStorage 經由加密核心 ping 持久層
func (h *Handler) checkStorage(ctx context.Context) componentStatus {
	st := componentStatus{Status: statusHealthy, Details: map[string]interface{}{"driver": h.driver}}
	if cfg := config.Get(); cfg != nil {
		switch h.driver {
		case config.StorageDriverMongo:
			st.Details["database"] = cfg.Database.Mongo.Database
		case config.StorageDriverBadger:
			st.Details["dir"] = cfg.Storage.BadgerDir
		}
	}
	if h.core == nil {
		st.Status = statusDisabled
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	configured, err := h.core.CheckStorage(ctx)
	switch {
	case !configured:
		st.Status = statusDisabled
	case err != nil:
		st.Status = statusUnhealthy
		st.Error = err.Error()
		logger.Error(ctx, "健康檢查 - 存儲不可用",
			logger.WithAction("health_check"),
			logger.WithDetails(map[string]interface{}{"driver": h.driver, "error": err.Error()}))
	}
	return st
}

func (h *Handler) coreStatus() gin.H {
	if h.core == nil {
		return nil
	}
	m := h.core.GetEncryptionMetrics()
	return gin.H{
		"devices":           m.Keys.Devices,
		"active_sessions":   m.Sessions.Active,
		"active_groups":     m.Groups.ActiveGroups,
		"key_log_entries":   m.KeyLogEntries,
		"pending_persist":   m.PendingPersist,
		"pending_batch_ops": m.Optimizer.Batch.Pending,
	}
}

// checkSystemResources 進程記憶體超過 1GB 或主機記憶體使用率超過 90% 視為警告
func (h *Handler) checkSystemResources() componentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := componentStatus{
		Status: statusHealthy,
		Details: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"num_cpu":    runtime.NumCPU(),
			"uptime":     time.Since(h.startedAt).String(),
			"memory": gin.H{
				"alloc":  fmt.Sprintf("%.2f MB", float64(m.Alloc)/memoryMB),
				"sys":    fmt.Sprintf("%.2f MB", float64(m.Sys)/memoryMB),
				"num_gc": m.NumGC,
			},
		},
	}
	if m.Sys/memoryMB > memoryThreshold {
		st.Status = statusWarning
		st.Details["memory_warning"] = "Memory usage is high"
	}

	// 主機指標在部分平台不可用，取不到時略過
	if vm, err := mem.VirtualMemory(); err == nil {
		st.Details["host_memory"] = gin.H{
			"total":        fmt.Sprintf("%.2f MB", float64(vm.Total)/memoryMB),
			"used_percent": fmt.Sprintf("%.1f", vm.UsedPercent),
		}
		if vm.UsedPercent > hostMemPercent {
			st.Status = statusWarning
			st.Details["host_memory_warning"] = "Host memory usage is high"
		}
	}
	if avg, err := load.Avg(); err == nil {
		st.Details["load"] = gin.H{"load1": avg.Load1, "load5": avg.Load5, "load15": avg.Load15}
	}
	return st
}
