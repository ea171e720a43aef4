package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"
)

// capacityErrorCode 與 httputil.ErrorCodeCapacity 相同（httputil 依賴本包）
const capacityErrorCode = 5002

// ConcurrencyLimiter 限制同時進行中的高成本加密請求（後量子密鑰生成、握手、維護）
type ConcurrencyLimiter struct {
	total *semaphore.Weighted

	mu        sync.Mutex
	inFlight  map[string]int // client -> 進行中請求數
	maxPerKey int
	maxTotal  int
	current   int
}

// NewConcurrencyLimiter 創建並發限制器
func NewConcurrencyLimiter(maxPerClient, maxTotal int) *ConcurrencyLimiter {
	if maxTotal <= 0 {
		maxTotal = 64
	}
	if maxPerClient <= 0 || maxPerClient > maxTotal {
		maxPerClient = maxTotal
	}
	return &ConcurrencyLimiter{
		total:     semaphore.NewWeighted(int64(maxTotal)),
		inFlight:  make(map[string]int),
		maxPerKey: maxPerClient,
		maxTotal:  maxTotal,
	}
}

// Middleware 超過限制時立即返回 429，不排隊等待
func (l *ConcurrencyLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKey(c)
		if !l.acquire(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "進行中的請求過多，請稍後再試",
				"code":      capacityErrorCode,
				"success":   false,
				"retryable": true,
			})
			c.Abort()
			return
		}
		defer l.release(key)

		c.Next()
	}
}

// acquire 先檢查單一客戶端，再佔用全局名額
func (l *ConcurrencyLimiter) acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[key] >= l.maxPerKey {
		return false
	}
	if !l.total.TryAcquire(1) {
		return false
	}
	l.inFlight[key]++
	l.current++
	return true
}

func (l *ConcurrencyLimiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.inFlight[key]; count <= 1 {
		delete(l.inFlight, key)
	} else {
		l.inFlight[key]--
	}
	l.current--
	l.total.Release(1)
}

// Stats 獲取統計信息
func (l *ConcurrencyLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"in_flight":      l.current,
		"unique_clients": len(l.inFlight),
		"max_total":      l.maxTotal,
		"max_per_client": l.maxPerKey,
	}
}
