package e2ee

import (
	"context"
	"time"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/group"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/optimizer"
	"e2ee-gateway/internal/security/session"
)

// Metrics 加密核心的指標快照
type Metrics struct {
	Keys               keymanager.KeyManagerStats `json:"keys"`
	Sessions           session.Stats              `json:"sessions"`
	Groups             group.Stats                `json:"groups"`
	KeyLogEntries      int                        `json:"key_log_entries"`
	TrustRelationships int                        `json:"trust_relationships"`
	HybridKeys         int                        `json:"hybrid_keys"`
	Optimizer          optimizer.Metrics          `json:"optimizer"`
	BundleCache        optimizer.CacheStats       `json:"bundle_cache"`
	PendingPersist     int                        `json:"pending_persist"`
	Persistent         bool                       `json:"persistent"`
	Timestamp          time.Time                  `json:"timestamp"`
}

// GetEncryptionMetrics 匯總各元件的統計
func (m *Manager) GetEncryptionMetrics() Metrics {
	m.hybridMu.RLock()
	hybridKeys := len(m.hybridKeys)
	m.hybridMu.RUnlock()

	out := Metrics{
		Keys:               m.keys.Stats(),
		Sessions:           m.sessions.Stats(),
		Groups:             m.groups.Stats(),
		KeyLogEntries:      m.ledger.Len(),
		TrustRelationships: len(m.trust.All()),
		HybridKeys:         hybridKeys,
		Optimizer:          m.opt.Metrics(),
		BundleCache:        m.dir.bundles.Stats(),
		Persistent:         m.persist != nil,
		Timestamp:          m.now(),
	}
	if m.persist != nil {
		out.PendingPersist = m.persist.pendingCount()
	}
	return out
}

// TuneOptimizer 執行期調整快取與批次參數；快取設定同時套用到密鑰包快取
func (m *Manager) TuneOptimizer(ctx context.Context, t optimizer.Tuning) {
	m.opt.Tune(t)
	if t.CacheTTL != nil {
		m.dir.bundles.SetTTL(*t.CacheTTL)
	}
	if t.CacheMaxSize != nil {
		m.dir.bundles.SetMaxSize(*t.CacheMaxSize)
	}

	details := map[string]interface{}{}
	if t.CacheTTL != nil {
		details["cache_ttl"] = t.CacheTTL.String()
	}
	if t.CacheMaxSize != nil {
		details["cache_max_size"] = *t.CacheMaxSize
	}
	if t.BatchSizeLimit != nil {
		details["batch_size_limit"] = *t.BatchSizeLimit
	}
	if t.Compression != nil {
		details["compression"] = *t.Compression
	}
	logger.Info(ctx, "效能參數已調整", logger.WithAction("optimizer_tune"), logger.WithDetails(details))
}

// OptimizerActivity 待處理的批次操作與執行中的非同步任務
func (m *Manager) OptimizerActivity() optimizer.Activity {
	return m.opt.Activity()
}
