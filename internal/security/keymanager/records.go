package keymanager

import (
	"e2ee-gateway/internal/security/cryptoerr"
)

// DeviceRecord 設備的持久化形式
// Vault 只在本地設備存在，落地前必須加密
type DeviceRecord struct {
	State    DeviceState  `json:"state"`
	Bundle   *KeyBundle   `json:"bundle"`
	Vault    *VaultRecord `json:"vault,omitempty"`
	Consumed []string     `json:"consumed,omitempty"`
}

// ExportDevice 匯出設備記錄
func (km *KeyManager) ExportDevice(userID, deviceID string) (*DeviceRecord, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return nil, cryptoerr.New("export_device", cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	return exportEntry(e), nil
}

// ExportAll 匯出全部設備記錄
func (km *KeyManager) ExportAll() []*DeviceRecord {
	km.mu.RLock()
	defer km.mu.RUnlock()

	var out []*DeviceRecord
	for _, devs := range km.devices {
		for _, e := range devs {
			out = append(out, exportEntry(e))
		}
	}
	return out
}

func exportEntry(e *deviceEntry) *DeviceRecord {
	rec := &DeviceRecord{
		State:  e.state,
		Bundle: e.bundle.Clone(),
	}
	rec.State.IdentityKey = e.state.IdentityKey.Clone()
	rec.State.SigningKey = e.state.SigningKey.Clone()
	rec.State.SignedPrekey = e.state.SignedPrekey.Clone()
	if e.vault != nil {
		rec.Vault = e.vault.record()
	}
	for id := range e.consumed {
		rec.Consumed = append(rec.Consumed, id)
	}
	return rec
}

// ImportDevice 還原設備記錄（啟動時使用，不發送事件）
func (km *KeyManager) ImportDevice(rec *DeviceRecord) error {
	const op = "import_device"
	if rec == nil || rec.Bundle == nil {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "record has no bundle")
	}
	if err := validateIDs(op, rec.State.UserID, rec.State.DeviceID); err != nil {
		return err
	}
	if !VerifySignedPrekeySignature(rec.Bundle) {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "stored bundle signature does not verify")
	}

	e := &deviceEntry{
		state:    rec.State,
		bundle:   rec.Bundle.Clone(),
		consumed: make(map[string]struct{}, len(rec.Consumed)),
	}
	e.state.Local = rec.Vault != nil
	if rec.Vault != nil {
		v, err := vaultFromRecord(rec.Vault)
		if err != nil {
			return cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
		}
		e.vault = v
	}
	for _, id := range rec.Consumed {
		e.consumed[id] = struct{}{}
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if old := km.entryLocked(rec.State.UserID, rec.State.DeviceID); old != nil && old.vault != nil {
		old.vault.wipe()
	}
	km.putLocked(e)
	return nil
}
