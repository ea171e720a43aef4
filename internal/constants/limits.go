package constants

import "time"

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 1 << 20 // 1MB
	DefaultMaxMultipartMemory = 1 << 20 // 1MB
	DefaultRequestTimeout     = 30      // 秒
)

// 預密鑰相關常數
const (
	DefaultMaxOneTimePrekeys      = 100
	DefaultPrekeyRefillThreshold  = 10
	DefaultPrekeyRotationInterval = 24 * time.Hour
	DefaultKeyBundleTTL           = 7 * 24 * time.Hour
)

// 會話相關常數
const (
	DefaultMaxSkippedMessageKeys = 1000
	DefaultSessionIdleTimeout    = 30 * 24 * time.Hour
)

// 群組相關常數
const (
	DefaultEpochGracePeriod   = 10 * time.Minute
	DefaultGroupRekeyPeriod   = 24 * time.Hour
	DefaultMaxGroupMembers    = 1000
	DefaultMaxGroupNameLength = 100
	MinGroupNameLength        = 1
)

// 密鑰透明度相關常數
const (
	DefaultMaxKeyLogEntries = 10000
	DefaultKeyLogRetention  = 30 * 24 * time.Hour
)

// 背景任務相關常數
const (
	DefaultBackgroundInterval = 5 * time.Minute
)

// 效能最佳化相關常數
const (
	DefaultCacheTTL            = time.Hour
	DefaultCacheMaxSize        = 10000
	DefaultBatchDeadline       = 5 * time.Minute
	DefaultBatchInterval       = time.Second
	DefaultBatchSizeLimit      = 100
	DefaultBatchQueueCapacity  = 10000
	DefaultBatchMaxAttempts    = 5
	DefaultAsyncMaxConcurrency = 64
	DefaultAsyncTimeout        = 30 * time.Second
)

// Rate Limiting 默認值
const (
	DefaultRateLimitPerMinute   = 100
	DefaultEncryptRateLimit     = 600
	DefaultBundleFetchRateLimit = 60
	RateLimitCleanupIntervalMin = 10 // 分鐘
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength   = 100
	MaxDeviceIDLength = 64
	MaxPlaintextSize  = 64 << 10 // 64KB
)

// 加密相關常數
const (
	MasterKeyLength  = 32 // 256 bits
	LedgerSeedLength = 32
)
