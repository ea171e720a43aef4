package middleware

import (
	"time"

	"e2ee-gateway/internal/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"

	maxRequestIDLength = 64
)

// RequestIDMiddleware 為每個請求分配 ID，並作為 trace 寫入 request context
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := sanitizeRequestID(c.GetHeader(RequestIDHeader))

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), requestID))

		c.Next()
	}
}

// sanitizeRequestID 客戶端提供的 ID 只接受短的 [A-Za-z0-9-_]，否則重新生成
func sanitizeRequestID(id string) string {
	if id == "" || len(id) > maxRequestIDLength {
		return uuid.New().String()
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return uuid.New().String()
		}
	}
	return id
}

// GetRequestID 從 context 獲取 Request ID
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// AccessLogMiddleware 請求結束後輸出一筆帶 httpRequest 的日誌；5xx 記為 ERROR
func AccessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		req := &logger.HTTPRequest{
			RequestMethod: c.Request.Method,
			RequestURL:    c.FullPath(),
			RequestSize:   c.Request.ContentLength,
			Status:        status,
			ResponseSize:  int64(c.Writer.Size()),
			UserAgent:     c.Request.UserAgent(),
			RemoteIP:      GetClientIP(c),
			Latency:       time.Since(start).String(),
			Protocol:      c.Request.Proto,
		}
		if req.RequestURL == "" {
			req.RequestURL = c.Request.URL.Path
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			logger.Error(ctx, "請求處理失敗", logger.WithHTTPRequest(req))
		case status >= 400:
			logger.Info(ctx, "請求被拒絕", logger.WithHTTPRequest(req))
		default:
			logger.Debug(ctx, "請求完成", logger.WithHTTPRequest(req))
		}
	}
}
