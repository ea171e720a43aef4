package optimizer

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// CacheEntry 快取條目的描述資訊
type CacheEntry struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  uint64    `json:"access_count"`
	IsDirty      bool      `json:"is_dirty"`
}

type cacheItem[V any] struct {
	CacheEntry
	value V
}

// Cache TTL + LRU 快取，使用獨立的鎖，不會阻塞主要狀態
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front = 最近使用
	maxTTL  time.Duration
	maxSize int
	admit   func(V) error
	now     func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewCache 建立快取；maxTTL 同時作為預設 TTL 與 TTL 上限
func NewCache[V any](maxTTL time.Duration, maxSize int) *Cache[V] {
	if maxTTL <= 0 {
		maxTTL = constants.DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = constants.DefaultCacheMaxSize
	}
	return &Cache[V]{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		maxTTL:  maxTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// NewKeyCache 只接受公鑰材料的金鑰快取
func NewKeyCache(maxTTL time.Duration, maxSize int) *Cache[encryption.CryptoKey] {
	c := NewCache[encryption.CryptoKey](maxTTL, maxSize)
	c.admit = func(k encryption.CryptoKey) error {
		if k.IsPrivate {
			return cryptoerr.New("cache_key", cryptoerr.ErrValidation, "private key material cannot be cached")
		}
		return nil
	}
	return c
}

// SetAdmission 設定寫入檢查
func (c *Cache[V]) SetAdmission(admit func(V) error) {
	c.mu.Lock()
	c.admit = admit
	c.mu.Unlock()
}

// SetClock 測試用時鐘
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get 取得未過期的值
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	it := el.Value.(*cacheItem[V])
	now := c.now()
	if !now.Before(it.ExpiresAt) {
		c.removeLocked(el)
		c.misses.Add(1)
		return zero, false
	}
	it.LastAccessed = now
	it.AccessCount++
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return it.value, true
}

// Put 寫入；ttl <= 0 或超過上限時使用上限
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.admit != nil {
		if err := c.admit(value); err != nil {
			return err
		}
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	now := c.now()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*cacheItem[V])
		it.value = value
		it.LastAccessed = now
		it.ExpiresAt = now.Add(ttl)
		it.IsDirty = true
		c.order.MoveToFront(el)
		return nil
	}

	it := &cacheItem[V]{
		CacheEntry: CacheEntry{Key: key, CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(ttl)},
		value:      value,
	}
	c.items[key] = c.order.PushFront(it)
	c.evictOverflowLocked()
	return nil
}

func (c *Cache[V]) evictOverflowLocked() {
	for len(c.items) > c.maxSize {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeLocked(el)
		c.evictions.Add(1)
	}
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	it := el.Value.(*cacheItem[V])
	delete(c.items, it.Key)
	c.order.Remove(el)
}

// Invalidate 移除單一條目
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// InvalidatePrefix 移除所有以 prefix 開頭的條目
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(el)
			n++
		}
	}
	return n
}

// Cleanup 移除所有於 now 之前過期的條目
func (c *Cache[V]) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if it := el.Value.(*cacheItem[V]); !now.Before(it.ExpiresAt) {
			c.removeLocked(el)
			n++
		}
		el = prev
	}
	return n
}

// SetTTL 調整 TTL 上限，既有條目的到期時間一併收斂
func (c *Cache[V]) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxTTL = ttl
	now := c.now()
	for _, el := range c.items {
		it := el.Value.(*cacheItem[V])
		if limit := now.Add(ttl); it.ExpiresAt.After(limit) {
			it.ExpiresAt = limit
		}
	}
}

// SetMaxSize 調整容量，超出部分依 LRU 淘汰
func (c *Cache[V]) SetMaxSize(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = n
	c.evictOverflowLocked()
}

// Entries 條目描述（不含值）
func (c *Cache[V]) Entries() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheItem[V]).CacheEntry)
	}
	return out
}

// Len 條目數
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CacheStats 快取統計
type CacheStats struct {
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats 統計快照
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	size, maxSize := len(c.items), c.maxSize
	c.mu.Unlock()
	return CacheStats{
		Size:      size,
		MaxSize:   maxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
