package e2ee

import (
	"context"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/transparency"
	"e2ee-gateway/internal/storage"
)

// onKeyEvent 密鑰生命週期事件的單一匯流點
// 寫入透明日誌，並依操作更新快取、信任關係與會話狀態
func (m *Manager) onKeyEvent(ev keymanager.KeyEvent) {
	ctx := context.Background()
	m.dir.invalidateDevice(ev.UserID, ev.DeviceID)

	if _, err := m.ledger.LogKeyChange(ctx, ev.UserID, ev.DeviceID, string(ev.Op), ev.OldKey, ev.NewKey, ev.Reason); err != nil {
		logger.Error(ctx, "寫入金鑰透明日誌失敗",
			logger.WithUserID(ev.UserID),
			logger.WithDeviceID(ev.DeviceID),
			logger.WithAction("key_log"),
			logger.WithDetails(map[string]interface{}{"operation": string(ev.Op), "error": err.Error()}))
	}
	m.persistLedger()

	switch ev.Op {
	case keymanager.KeyOpAdd, keymanager.KeyOpRotate, keymanager.KeyOpRemove:
		m.refreshTrust(ctx, ev.UserID)
		if ev.Op == keymanager.KeyOpRemove {
			m.dropHybridKeys(ev.UserID, ev.DeviceID)
		}
	case keymanager.KeyOpCompromise:
		for _, sid := range m.sessions.MarkDeviceSessionsCompromised(ctx, ev.UserID, ev.DeviceID, ev.Reason) {
			m.persistSession(sid)
		}
	}

	m.persistDevice(ev.UserID, ev.DeviceID)
	m.audit.LogKeyEvent(ctx, string(ev.Op), ev.UserID, ev.DeviceID, fingerprint(ev.OldKey), fingerprint(ev.NewKey), ev.Reason)
}

// refreshTrust 任一設備的身份金鑰改變後降級已驗證的關係
func (m *Manager) refreshTrust(ctx context.Context, userID string) {
	fp := transparency.IdentitySetFingerprint(m.identitySet(userID))
	degraded := m.trust.OnIdentityKeyChanged(ctx, userID, fp)
	for _, owner := range degraded {
		m.audit.LogTrustChange(ctx, owner, userID, "verified", "unverified", "identity_key_changed")
	}
	m.persistTrust()
}

// identitySet 用戶全部設備的身份公鑰
func (m *Manager) identitySet(userID string) []transparency.DeviceIdentity {
	devices := m.keys.GetUserDevices(userID)
	out := make([]transparency.DeviceIdentity, 0, len(devices))
	for _, d := range devices {
		key, err := m.dir.DeviceIdentity(userID, d.DeviceID)
		if err != nil {
			continue
		}
		out = append(out, transparency.DeviceIdentity{DeviceID: d.DeviceID, Key: key.Material})
	}
	return out
}

// identityDigest 安全碼使用的身份摘要；沒有任何設備時回傳 ErrUnknownDevice
func (m *Manager) identityDigest(userID string) ([]byte, error) {
	set := m.identitySet(userID)
	if len(set) == 0 {
		return nil, cryptoerr.New("identity_key", cryptoerr.ErrUnknownDevice, "user %s has no devices", userID)
	}
	return transparency.IdentitySetDigest(set), nil
}

func (m *Manager) dropHybridKeys(userID, deviceID string) {
	id := storage.DeviceID(userID, deviceID)
	m.hybridMu.Lock()
	if kp, ok := m.hybridKeys[id]; ok {
		kp.Wipe()
		delete(m.hybridKeys, id)
	}
	m.hybridMu.Unlock()
	m.persistHybrid(userID, deviceID)
}

func fingerprint(k *encryption.CryptoKey) string {
	if k == nil {
		return ""
	}
	return k.Fingerprint()
}
