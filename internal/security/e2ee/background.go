package e2ee

import (
	"context"
	"time"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/optimizer"
	"e2ee-gateway/internal/storage"
)

// MaintenanceReport 一輪背景維護的結果
type MaintenanceReport struct {
	RotatedPrekeys  int       `json:"rotated_prekeys"`
	StaleBundles    int       `json:"stale_bundles"`
	ExpiredLogs     int       `json:"expired_log_entries"`
	EvictedCache    int       `json:"evicted_cache_entries"`
	PrunedEpochs    int       `json:"pruned_epochs"`
	RekeyedGroups   int       `json:"rekeyed_groups"`
	RemovedSessions int       `json:"removed_sessions"`
	CompletedAt     time.Time `json:"completed_at"`
}

func (m *Manager) runBackground(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := m.opt.Async.SubmitWithTimeout(ctx, m.cfg.BackgroundInterval, func(ctx context.Context) (interface{}, error) {
				return m.RunMaintenance(ctx)
			})
			if _, err := f.Wait(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "背景維護失敗",
					logger.WithAction("e2ee_maintenance"),
					logger.WithDetails(map[string]interface{}{"error": err.Error()}))
			}
		}
	}
}

// RunMaintenance 執行一輪維護：預密鑰輪替、過期密鑰包、日誌清理、快取淘汰、
// epoch 修剪與群組重新金鑰、閒置會話清理，最後排入檢查點
func (m *Manager) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	now := m.now()
	report := &MaintenanceReport{}

	rotated, err := m.keys.RotateDuePrekeys(ctx, now)
	report.RotatedPrekeys = rotated
	if err != nil {
		return report, err
	}
	report.StaleBundles = m.keys.SweepStaleBundles(now)
	if rotated > 0 || report.StaleBundles > 0 {
		m.dir.bundles.InvalidatePrefix("bundle:")
	}

	cutoff := now.Add(-m.cfg.KeyLogRetention)
	report.ExpiredLogs = m.ledger.CleanupExpired(cutoff)
	if m.persist != nil {
		if _, err := m.persist.store.PruneKeyLog(ctx, cutoff); err != nil {
			logger.Warning(ctx, "清理持久化金鑰日誌失敗",
				logger.WithAction("e2ee_maintenance"),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
	}

	report.EvictedCache = m.opt.Keys.Cleanup(now) + m.dir.bundles.Cleanup(now)

	report.PrunedEpochs = m.groups.PruneExpiredEpochs(now)
	rekeyed, err := m.groups.RotateDueGroups(ctx, now)
	report.RekeyedGroups = rekeyed
	if err != nil {
		return report, err
	}

	report.RemovedSessions = m.CleanupOldSessions(ctx, m.cfg.SessionIdleTimeout)

	m.checkpoint()
	if gc, ok := m.storeGC(); ok {
		if err := gc.RunGC(); err != nil {
			logger.Warning(ctx, "存儲回收失敗",
				logger.WithAction("e2ee_maintenance"),
				logger.WithDetails(map[string]interface{}{"error": err.Error()}))
		}
	}

	report.CompletedAt = m.now()
	logger.Info(ctx, "加密核心維護完成",
		logger.WithAction("e2ee_maintenance"),
		logger.WithDetails(map[string]interface{}{
			"rotated_prekeys":  report.RotatedPrekeys,
			"stale_bundles":    report.StaleBundles,
			"expired_logs":     report.ExpiredLogs,
			"evicted_cache":    report.EvictedCache,
			"pruned_epochs":    report.PrunedEpochs,
			"rekeyed_groups":   report.RekeyedGroups,
			"removed_sessions": report.RemovedSessions,
		}))
	return report, nil
}

// CheckStorage 檢查持久層連線；未配置持久層時返回 false
func (m *Manager) CheckStorage(ctx context.Context) (bool, error) {
	if m.persist == nil {
		return false, nil
	}
	p, ok := m.persist.store.(storage.Pinger)
	if !ok {
		return true, nil
	}
	return true, p.Ping(ctx)
}

type garbageCollector interface {
	RunGC() error
}

func (m *Manager) storeGC() (garbageCollector, bool) {
	if m.persist == nil {
		return nil, false
	}
	gc, ok := m.persist.store.(garbageCollector)
	return gc, ok
}

// watchResults 記錄失敗或逾時的持久化操作
func (m *Manager) watchResults(ctx context.Context) {
	results := m.opt.Queue.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			m.handleResult(ctx, r)
		}
	}
}

func (m *Manager) handleResult(ctx context.Context, r optimizer.Result) {
	if r.Kind != persistKind || (r.Err == nil && !r.Expired) {
		return
	}
	target := persistTarget(r.ID)
	details := map[string]interface{}{
		"target":   target,
		"attempts": r.Attempts,
		"expired":  r.Expired,
	}
	if r.Err != nil {
		details["error"] = r.Err.Error()
	}
	logger.Error(ctx, "狀態持久化失敗",
		logger.WithAction("persist"),
		logger.WithDetails(details))
}
