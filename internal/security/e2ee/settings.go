package e2ee

import (
	"time"

	"e2ee-gateway/internal/platform/config"
)

// ConfigFromSettings 由設定檔建立核心配置，未設定（<= 0）的欄位沿用默認值
func ConfigFromSettings(e config.E2EEConfig, o config.OptimizerConfig) Config {
	cfg := DefaultConfig()

	setInt(&cfg.Keys.MaxOneTimePrekeys, e.MaxOneTimePrekeys)
	setInt(&cfg.Keys.RefillThreshold, e.PrekeyRefillThreshold)
	setDuration(&cfg.Keys.PrekeyRotationInterval, e.PrekeyRotationHours, time.Hour)
	setDuration(&cfg.Keys.KeyBundleTTL, e.KeyBundleTTLHours, time.Hour)
	setInt(&cfg.Sessions.MaxSkippedMessageKeys, e.MaxSkippedMessageKeys)
	setDuration(&cfg.SessionIdleTimeout, e.SessionIdleTimeoutHours, time.Hour)
	setDuration(&cfg.Groups.EpochGracePeriod, e.EpochGracePeriodMinutes, time.Minute)
	setDuration(&cfg.Groups.RekeyInterval, e.GroupRekeyIntervalHours, time.Hour)
	setInt(&cfg.Groups.MaxMembers, e.MaxGroupMembers)
	setInt(&cfg.MaxKeyLogEntries, e.MaxKeyLogEntries)
	setDuration(&cfg.KeyLogRetention, e.KeyLogRetentionDays, 24*time.Hour)
	setDuration(&cfg.BackgroundInterval, e.BackgroundIntervalMinutes, time.Minute)

	setDuration(&cfg.Optimizer.CacheTTL, o.CacheTTLMinutes, time.Minute)
	setInt(&cfg.Optimizer.CacheMaxSize, o.CacheMaxSize)
	setDuration(&cfg.Optimizer.BatchInterval, o.BatchIntervalMillis, time.Millisecond)
	setInt(&cfg.Optimizer.BatchSizeLimit, o.BatchSizeLimit)
	setInt(&cfg.Optimizer.BatchQueueCapacity, o.BatchQueueCapacity)
	setInt(&cfg.Optimizer.BatchMaxAttempts, o.BatchMaxAttempts)
	setInt(&cfg.Optimizer.AsyncMaxConcurrency, o.AsyncMaxConcurrency)
	setDuration(&cfg.Optimizer.AsyncTimeout, o.AsyncTimeoutSeconds, time.Second)
	cfg.Optimizer.Compression = o.Compression

	return cfg
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v int, unit time.Duration) {
	if v > 0 {
		*dst = time.Duration(v) * unit
	}
}
