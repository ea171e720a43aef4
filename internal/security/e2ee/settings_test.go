package e2ee

import (
	"testing"
	"time"

	"e2ee-gateway/internal/platform/config"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.E2EEConfig{
		MaxOneTimePrekeys:       50,
		MaxSkippedMessageKeys:   2000,
		EpochGracePeriodMinutes: 3,
		KeyLogRetentionDays:     7,
	}, config.OptimizerConfig{
		BatchIntervalMillis: 250,
		AsyncTimeoutSeconds: 5,
	})

	def := DefaultConfig()
	assert.Equal(t, 50, cfg.Keys.MaxOneTimePrekeys)
	assert.Equal(t, 2000, cfg.Sessions.MaxSkippedMessageKeys)
	assert.Equal(t, 3*time.Minute, cfg.Groups.EpochGracePeriod)
	assert.Equal(t, 7*24*time.Hour, cfg.KeyLogRetention)
	assert.Equal(t, 250*time.Millisecond, cfg.Optimizer.BatchInterval)
	assert.Equal(t, 5*time.Second, cfg.Optimizer.AsyncTimeout)

	// 未設定的欄位沿用默認值
	assert.Equal(t, def.Keys.KeyBundleTTL, cfg.Keys.KeyBundleTTL)
	assert.Equal(t, def.Groups.MaxMembers, cfg.Groups.MaxMembers)
	assert.Equal(t, def.BackgroundInterval, cfg.BackgroundInterval)
	assert.Equal(t, def.Optimizer.CacheMaxSize, cfg.Optimizer.CacheMaxSize)
	assert.False(t, cfg.Optimizer.Compression)
}
