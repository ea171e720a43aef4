package server

import (
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/message"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/health"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/e2ee"

	"github.com/gin-gonic/gin"
)

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// API 只回傳 JSON
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// 回應可能包含公鑰與會話資訊，不允許快取
		c.Header("Cache-Control", "no-store")

		// 推薦政策
		c.Header("Referrer-Policy", "no-referrer")

		c.Next()
	}
}

// corsMiddleware 只允許設定的來源
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedOrigins[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400") // 預檢請求緩存 24 小時

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Router 設定路由
// 返回的 stop 用於停止速率限制器的背景清理
func Router(mgr *e2ee.Manager) (*gin.Engine, func()) {
	cfg := config.Get()
	if cfg == nil || !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	var origins []string
	if cfg != nil {
		origins = cfg.Server.AllowedOrigins
	}
	r.Use(corsMiddleware(origins))

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.AccessLogMiddleware())

	// 添加安全標頭中間件
	r.Use(securityHeadersMiddleware())

	// 添加請求元數據中間件（提取 IP、User-Agent），審計事件會帶上這些資訊
	r.Use(middleware.RequestMetadataMiddleware())

	// 添加請求大小限制
	maxBody := int64(constants.DefaultMaxRequestBodySize)
	r.MaxMultipartMemory = constants.DefaultMaxMultipartMemory
	if cfg != nil {
		if cfg.Limits.Request.MaxBodySize > 0 {
			maxBody = cfg.Limits.Request.MaxBodySize
		}
		if cfg.Limits.Request.MaxMultipartMemory > 0 {
			r.MaxMultipartMemory = cfg.Limits.Request.MaxMultipartMemory
		}
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	stop := func() {}
	if cfg != nil && cfg.Limits.RateLimiting.Enabled {
		limiter := newRateLimiter(cfg.Limits.RateLimiting)
		r.Use(limiter.Middleware())
		stop = limiter.Stop
	}

	// 後量子密鑰生成、握手與維護的並發上限
	var heavy gin.HandlerFunc
	if cfg != nil {
		heavy = middleware.NewConcurrencyLimiter(cfg.Limits.Concurrency.MaxPerClient, cfg.Limits.Concurrency.MaxTotal).Middleware()
	} else {
		heavy = middleware.NewConcurrencyLimiter(0, 0).Middleware()
	}

	a := &api{mgr: mgr}
	messages := message.NewMessageHandler(mgr)
	driver := config.StorageDriverMemory
	if cfg != nil {
		driver = cfg.Storage.Driver
	}
	healthHandler := health.NewHealthHandler(mgr, driver)

	// health check
	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/ready", healthHandler.Ready)

	v1 := r.Group("/api/v1")

	// 設備與密鑰包
	users := v1.Group("/users/:user_id")
	users.GET("/devices", a.getUserDevices)
	users.POST("/devices", a.addDevice)
	users.POST("/devices/register", a.registerDevice)
	users.DELETE("/devices/:device_id", a.removeDevice)
	users.POST("/devices/:device_id/rotate", a.updateUserKeys)
	users.POST("/devices/:device_id/compromise", a.markDeviceCompromised)
	users.GET("/devices/:device_id/bundle", a.getKeyBundle)
	users.POST("/devices/:device_id/bundle/refresh", a.refreshKeyBundle)
	users.POST("/devices/:device_id/bundle/stale", a.markBundleStale)
	users.POST("/devices/:device_id/prekeys", a.rotateOneTimePrekeys)
	users.POST("/rotate", heavy, a.rotateAllUserKeys)
	users.GET("/key-log", a.getKeyLog)

	// 混合後量子密鑰
	users.POST("/devices/:device_id/hybrid", heavy, a.generateHybridKeys)
	users.GET("/devices/:device_id/hybrid", a.getHybridPublicKey)
	users.POST("/devices/:device_id/hybrid/decrypt", messages.HybridDecrypt)
	v1.POST("/hybrid/encrypt", messages.HybridEncrypt)

	// 一對一會話
	users.GET("/sessions", a.getActiveSessions)
	users.DELETE("/sessions", a.closeAllSessions)
	v1.POST("/sessions", heavy, a.initiateSession)
	v1.POST("/sessions/import", a.importSession)
	v1.GET("/sessions/:session_id", a.getSessionInfo)
	v1.DELETE("/sessions/:session_id", a.closeSession)
	v1.POST("/sessions/:session_id/accept", heavy, a.acceptSession)
	v1.POST("/sessions/:session_id/rotate", a.rotateSessionKeys)
	v1.POST("/sessions/:session_id/compromise", a.markSessionCompromised)
	v1.POST("/sessions/:session_id/recover", a.recoverSession)
	v1.GET("/sessions/:session_id/verify", a.verifySession)
	v1.GET("/sessions/:session_id/export", a.exportSession)
	v1.POST("/sessions/:session_id/encrypt", messages.EncryptMessage)
	v1.POST("/sessions/:session_id/decrypt", messages.DecryptMessage)

	// 群組
	v1.POST("/groups", heavy, a.createGroup)
	v1.GET("/groups/:group_id", a.getGroup)
	v1.POST("/groups/:group_id/members", a.addGroupMember)
	v1.DELETE("/groups/:group_id/members/:member_id", a.removeGroupMember)
	v1.POST("/groups/:group_id/rotate", a.rotateGroupKeys)
	v1.POST("/groups/:group_id/encrypt", messages.EncryptGroupMessage)
	v1.POST("/groups/:group_id/decrypt", messages.DecryptGroupMessage)

	// 信任與驗證
	users.GET("/trust", a.getTrustRelationships)
	users.GET("/safety-number/:other_id", a.getSafetyNumber)
	users.POST("/trust/:other_id/verify", a.verifyUserIdentity)
	users.PUT("/trust/:other_id", a.updateTrustLevel)
	users.DELETE("/trust/:other_id", a.resetTrust)

	// 維運
	v1.GET("/metrics", a.getMetrics)
	v1.GET("/optimizer", a.getOptimizer)
	v1.PUT("/optimizer", a.tuneOptimizer)
	v1.POST("/maintenance", heavy, a.runMaintenance)

	return r, stop
}

// newRateLimiter 依設定建立端點級限制器，金鑰操作與握手使用較嚴格的限制
func newRateLimiter(rl config.RateLimitingConfig) *middleware.PerEndpointRateLimiter {
	cleanup := rl.CleanupInterval
	if cleanup <= 0 {
		cleanup = constants.RateLimitCleanupIntervalMin
	}
	opts := middleware.LimiterOptions{
		CleanupInterval: time.Duration(cleanup) * time.Minute,
		MaxTracked:      rl.MaxTrackedClients,
	}
	defaultLimit := rl.DefaultPerMinute
	if defaultLimit <= 0 {
		defaultLimit = constants.DefaultRateLimitPerMinute
	}
	limiter := middleware.NewPerEndpointRateLimiter(defaultLimit, time.Minute, opts)

	set := func(limit, fallback int, routes ...string) {
		if limit <= 0 {
			limit = fallback
		}
		if limit <= 0 {
			return
		}
		for _, route := range routes {
			limiter.SetLimit(route, limit, time.Minute)
		}
	}
	set(rl.MessagesPerMin, constants.DefaultEncryptRateLimit,
		"/api/v1/sessions/:session_id/encrypt",
		"/api/v1/sessions/:session_id/decrypt",
		"/api/v1/groups/:group_id/encrypt",
		"/api/v1/groups/:group_id/decrypt",
		"/api/v1/hybrid/encrypt",
		"/api/v1/users/:user_id/devices/:device_id/hybrid/decrypt")
	set(rl.KeyOpsPerMin, constants.DefaultBundleFetchRateLimit,
		"/api/v1/users/:user_id/devices",
		"/api/v1/users/:user_id/devices/register",
		"/api/v1/users/:user_id/devices/:device_id/rotate",
		"/api/v1/users/:user_id/devices/:device_id/bundle",
		"/api/v1/users/:user_id/devices/:device_id/prekeys",
		"/api/v1/users/:user_id/rotate")
	set(rl.HandshakesPerMin, 0,
		"/api/v1/sessions",
		"/api/v1/sessions/:session_id/accept")
	return limiter
}
