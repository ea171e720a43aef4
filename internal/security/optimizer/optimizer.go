package optimizer

import (
	"context"
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/security/encryption"
)

// Config 效能最佳化配置
type Config struct {
	CacheTTL            time.Duration
	CacheMaxSize        int
	BatchInterval       time.Duration
	BatchSizeLimit      int
	BatchQueueCapacity  int
	BatchMaxAttempts    int
	AsyncMaxConcurrency int
	AsyncTimeout        time.Duration
	Compression         bool
}

// DefaultConfig 默認配置
func DefaultConfig() Config {
	return Config{
		CacheTTL:            constants.DefaultCacheTTL,
		CacheMaxSize:        constants.DefaultCacheMaxSize,
		BatchInterval:       constants.DefaultBatchInterval,
		BatchSizeLimit:      constants.DefaultBatchSizeLimit,
		BatchQueueCapacity:  constants.DefaultBatchQueueCapacity,
		BatchMaxAttempts:    constants.DefaultBatchMaxAttempts,
		AsyncMaxConcurrency: constants.DefaultAsyncMaxConcurrency,
		AsyncTimeout:        constants.DefaultAsyncTimeout,
		Compression:         true,
	}
}

// Optimizer 集合快取、批次佇列、非同步執行器與壓縮器
type Optimizer struct {
	Keys       *Cache[encryption.CryptoKey]
	Queue      *BatchQueue
	Async      *Executor
	Compressor *Compressor
	interval   time.Duration
}

// New 建立最佳化器
func New(cfg Config) (*Optimizer, error) {
	comp, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Optimizer{
		Keys: NewKeyCache(cfg.CacheTTL, cfg.CacheMaxSize),
		Queue: NewBatchQueue(BatchConfig{
			Capacity:    cfg.BatchQueueCapacity,
			SizeLimit:   cfg.BatchSizeLimit,
			MaxAttempts: cfg.BatchMaxAttempts,
			BaseBackoff: cfg.BatchInterval,
		}),
		Async:      NewExecutor(cfg.AsyncMaxConcurrency, cfg.AsyncTimeout),
		Compressor: comp,
		interval:   cfg.BatchInterval,
	}, nil
}

// RunBatches 週期處理批次佇列，直到 ctx 結束
func (o *Optimizer) RunBatches(ctx context.Context) {
	o.Queue.Run(ctx, o.interval)
}

// Metrics 最佳化器指標
type Metrics struct {
	KeyCache    CacheStats    `json:"key_cache"`
	Batch       BatchStats    `json:"batch"`
	Async       ExecutorStats `json:"async"`
	Compression bool          `json:"compression"`
}

// Metrics 指標快照
func (o *Optimizer) Metrics() Metrics {
	return Metrics{
		KeyCache:    o.Keys.Stats(),
		Batch:       o.Queue.Stats(),
		Async:       o.Async.Stats(),
		Compression: o.Compressor.Enabled(),
	}
}

// Tuning 執行期調整；nil 欄位保持不變
type Tuning struct {
	CacheTTL       *time.Duration
	CacheMaxSize   *int
	BatchSizeLimit *int
	Compression    *bool
}

// Tune 套用調整。TTL 縮短時既有條目的到期時間一併收緊
func (o *Optimizer) Tune(t Tuning) {
	if t.CacheTTL != nil {
		o.Keys.SetTTL(*t.CacheTTL)
	}
	if t.CacheMaxSize != nil {
		o.Keys.SetMaxSize(*t.CacheMaxSize)
	}
	if t.BatchSizeLimit != nil {
		o.Queue.SetSizeLimit(*t.BatchSizeLimit)
	}
	if t.Compression != nil {
		o.Compressor.SetEnabled(*t.Compression)
	}
}

// Activity 目前排隊中的批次操作與執行中的非同步任務
type Activity struct {
	PendingBatch []OperationInfo `json:"pending_batch"`
	RunningAsync []string        `json:"running_async"`
}

// Activity 活動快照
func (o *Optimizer) Activity() Activity {
	return Activity{
		PendingBatch: o.Queue.Pending(),
		RunningAsync: o.Async.Running(),
	}
}

// Close 等待非同步任務並釋放資源
func (o *Optimizer) Close(ctx context.Context) error {
	err := o.Async.WaitAll(ctx)
	o.Compressor.Close()
	return err
}
