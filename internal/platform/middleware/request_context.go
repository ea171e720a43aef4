package middleware

import (
	"context"
	"net"
	"strings"

	"github.com/gin-gonic/gin"
)

const unknownSource = "unknown"

// RequestMetadata 請求來源，供審計事件使用
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	UserID    string
}

type metadataKey struct{}

// RequestMetadataMiddleware 把請求來源放入 request context
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := &RequestMetadata{
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
			UserID:    requestUserID(c),
		}
		if meta.UserAgent == "" {
			meta.UserAgent = unknownSource
		}
		c.Request = c.Request.WithContext(WithRequestMetadata(c.Request.Context(), meta))
		c.Next()
	}
}

// requestUserID 路徑參數優先於查詢參數
func requestUserID(c *gin.Context) string {
	if id := c.Param("user_id"); id != "" {
		return id
	}
	return c.Query("user_id")
}

// GetClientIP 依序採用 X-Forwarded-For 第一段、X-Real-IP，最後才是連線位址
// 無法解析為 IP 的標頭值會被忽略
func GetClientIP(c *gin.Context) string {
	if fwd := c.Request.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if real := strings.TrimSpace(c.Request.Header.Get("X-Real-IP")); real != "" {
		if ip := net.ParseIP(real); ip != nil {
			return ip.String()
		}
	}
	return c.ClientIP()
}

// WithRequestMetadata 將請求來源存入 context
func WithRequestMetadata(ctx context.Context, meta *RequestMetadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, meta)
}

// GetRequestMetadata 從 context 取出請求來源；沒有時返回 unknown
func GetRequestMetadata(ctx context.Context) *RequestMetadata {
	if meta, ok := ctx.Value(metadataKey{}).(*RequestMetadata); ok {
		return meta
	}
	return &RequestMetadata{IPAddress: unknownSource, UserAgent: unknownSource}
}
