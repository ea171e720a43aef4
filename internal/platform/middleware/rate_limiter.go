package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const rateLimitErrorCode = 5005

// RateLimiter 固定窗口速率限制器，以 clientKey 計數
type RateLimiter struct {
	visitors   map[string]*Visitor
	mu         sync.RWMutex
	rate       int           // 每個時間窗口允許的請求數
	window     time.Duration // 時間窗口
	maxTracked int           // 追蹤的客戶端上限，0 表示不限
	stop       chan struct{}
	stopOnce   sync.Once
}

// LimiterOptions 清理與容量設定
type LimiterOptions struct {
	CleanupInterval time.Duration
	MaxTracked      int
}

// Visitor 訪問者信息
type Visitor struct {
	lastSeen  time.Time
	requests  int
	resetTime time.Time
}

// NewRateLimiter 創建新的速率限制器
// rate: 每個時間窗口允許的請求數
// window: 時間窗口（例如：time.Minute）
func NewRateLimiter(rate int, window time.Duration, opts LimiterOptions) *RateLimiter {
	rl := &RateLimiter{
		visitors:   make(map[string]*Visitor),
		rate:       rate,
		window:     window,
		maxTracked: opts.MaxTracked,
		stop:       make(chan struct{}),
	}

	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// 啟動清理 goroutine，定期清理過期的訪問者記錄
	go rl.cleanupVisitors(interval)

	return rl
}

// Stop 停止清理 goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware 返回 Gin 中間件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, now := clientKey(c), time.Now()
		if !rl.allowRequest(key, now) {
			rejectRateLimited(c, rl.retryAfter(key, now))
			return
		}
		c.Next()
	}
}

// rejectRateLimited 回 429 並附上 Retry-After（秒）
func rejectRateLimited(c *gin.Context, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "請求過於頻繁，請稍後再試",
		"code":        rateLimitErrorCode,
		"success":     false,
		"retryable":   true,
		"request_id":  GetRequestID(c),
		"retry_after": secs,
	})
}

// clientKey 以 IP 與用戶 ID 區分客戶端
func clientKey(c *gin.Context) string {
	key := c.ClientIP()
	if userID := requestUserID(c); userID != "" {
		key += "|" + userID
	}
	return key
}

// allowRequest 檢查是否允許請求
func (rl *RateLimiter) allowRequest(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	visitor, exists := rl.visitors[key]
	if !exists {
		// 追蹤數量已達上限時拒絕新客戶端
		if rl.maxTracked > 0 && len(rl.visitors) >= rl.maxTracked {
			return false
		}
		rl.visitors[key] = &Visitor{
			lastSeen:  now,
			requests:  1,
			resetTime: now.Add(rl.window),
		}
		return true
	}

	if now.After(visitor.resetTime) {
		visitor.requests = 1
		visitor.resetTime = now.Add(rl.window)
		visitor.lastSeen = now
		return true
	}

	if visitor.requests >= rl.rate {
		visitor.lastSeen = now
		return false
	}

	visitor.requests++
	visitor.lastSeen = now
	return true
}

// retryAfter 距離窗口重置的時間；未追蹤的客戶端（超過容量）等一個完整窗口
func (rl *RateLimiter) retryAfter(key string, now time.Time) time.Duration {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if v, ok := rl.visitors[key]; ok {
		return v.resetTime.Sub(now)
	}
	return rl.window
}

// cleanupVisitors 定期清理過期的訪問者記錄
func (rl *RateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evictIdle(now, 2*interval)
		}
	}
}

// evictIdle 刪除超過 idle 沒有活動的訪問者
func (rl *RateLimiter) evictIdle(now time.Time, idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, visitor := range rl.visitors {
		if now.Sub(visitor.lastSeen) > idle && now.After(visitor.resetTime) {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// PerEndpointRateLimiter 為不同端點設置不同的速率限制
// 端點以 gin 的路由模板（c.FullPath()）比對
type PerEndpointRateLimiter struct {
	limiters map[string]*RateLimiter
	default_ *RateLimiter
	opts     LimiterOptions
}

// NewPerEndpointRateLimiter 創建端點級速率限制器
func NewPerEndpointRateLimiter(defaultRate int, defaultWindow time.Duration, opts LimiterOptions) *PerEndpointRateLimiter {
	return &PerEndpointRateLimiter{
		limiters: make(map[string]*RateLimiter),
		default_: NewRateLimiter(defaultRate, defaultWindow, opts),
		opts:     opts,
	}
}

// SetLimit 為特定端點設置限制
func (p *PerEndpointRateLimiter) SetLimit(route string, rate int, window time.Duration) {
	p.limiters[route] = NewRateLimiter(rate, window, p.opts)
}

// Stop 停止所有限制器的清理 goroutine
func (p *PerEndpointRateLimiter) Stop() {
	p.default_.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// Middleware 返回 Gin 中間件
func (p *PerEndpointRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter, exists := p.limiters[c.FullPath()]
		if !exists {
			limiter = p.default_
		}

		key, now := clientKey(c), time.Now()
		if !limiter.allowRequest(key, now) {
			rejectRateLimited(c, limiter.retryAfter(key, now))
			return
		}
		c.Next()
	}
}
