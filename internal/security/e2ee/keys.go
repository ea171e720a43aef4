package e2ee

import (
	"context"
	"time"

	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/transparency"
)

// RegisterUserKeys 登記遠端設備的初始密鑰包
func (m *Manager) RegisterUserKeys(ctx context.Context, req keymanager.RegisterRequest) (*keymanager.KeyBundle, error) {
	return m.keys.RegisterUserKeys(ctx, req)
}

// AddDevice 在本進程建立設備
func (m *Manager) AddDevice(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	return m.keys.AddDevice(ctx, userID, deviceID)
}

// RemoveDevice 撤銷設備
func (m *Manager) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	return m.keys.RemoveDevice(ctx, userID, deviceID)
}

// GetUserDevices 用戶的全部設備
func (m *Manager) GetUserDevices(userID string) []keymanager.DeviceState {
	return m.keys.GetUserDevices(userID)
}

// UpdateUserKeys 輪替設備身份金鑰
func (m *Manager) UpdateUserKeys(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	return m.keys.UpdateUserKeys(ctx, userID, deviceID)
}

// RotateAllUserKeys 輪替用戶全部本地設備的身份金鑰，回傳輪替數量
func (m *Manager) RotateAllUserKeys(ctx context.Context, userID string) (int, error) {
	rotated := 0
	for _, d := range m.keys.GetUserDevices(userID) {
		if !d.Local {
			continue
		}
		if _, err := m.keys.UpdateUserKeys(ctx, userID, d.DeviceID); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}

// MarkDeviceCompromised 標記設備洩漏；相關會話隨事件一併標記
func (m *Manager) MarkDeviceCompromised(ctx context.Context, userID, deviceID, reason string) error {
	return m.keys.MarkDeviceCompromised(ctx, userID, deviceID, reason)
}

// PublishKeyBundle 發佈遠端設備的新密鑰包
func (m *Manager) PublishKeyBundle(ctx context.Context, bundle *keymanager.KeyBundle) (*keymanager.KeyBundle, error) {
	out, err := m.keys.PublishKeyBundle(ctx, bundle)
	if err != nil {
		return nil, err
	}
	m.dir.invalidateBundle(out.UserID, out.DeviceID)
	m.persistDevice(out.UserID, out.DeviceID)
	return out, nil
}

// GetKeyBundle 取得密鑰包（經快取）
func (m *Manager) GetKeyBundle(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	return m.dir.GetKeyBundle(ctx, userID, deviceID)
}

// RefreshKeyBundle 刷新本地設備的密鑰包
func (m *Manager) RefreshKeyBundle(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	out, err := m.keys.RefreshKeyBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	m.dir.invalidateBundle(userID, deviceID)
	m.persistDevice(userID, deviceID)
	return out, nil
}

// MarkBundleStale 標記密鑰包過期
func (m *Manager) MarkBundleStale(userID, deviceID string) error {
	if err := m.keys.MarkBundleStale(userID, deviceID); err != nil {
		return err
	}
	m.dir.invalidateBundle(userID, deviceID)
	m.persistDevice(userID, deviceID)
	return nil
}

// RotateOneTimePrekeys 補充本地設備的一次性預密鑰
func (m *Manager) RotateOneTimePrekeys(ctx context.Context, userID, deviceID string, count int) (*keymanager.KeyBundle, error) {
	out, err := m.keys.RotateOneTimePrekeys(ctx, userID, deviceID, count)
	if err != nil {
		return nil, err
	}
	m.dir.invalidateBundle(userID, deviceID)
	m.persistDevice(userID, deviceID)
	return out, nil
}

// GetKeyLog 用戶自 since 起的金鑰變更記錄
func (m *Manager) GetKeyLog(userID string, since time.Time) []transparency.KeyLogEntry {
	return m.ledger.GetKeyLog(userID, since)
}
