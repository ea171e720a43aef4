package keymanager

import (
	"context"
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// RotateOneTimePrekeys 以 count 個新的一次性預密鑰取代本地設備現有的預密鑰
func (km *KeyManager) RotateOneTimePrekeys(ctx context.Context, userID, deviceID string, count int) (*KeyBundle, error) {
	const op = "rotate_one_time_prekeys"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 || count > km.policy.MaxOneTimePrekeys {
		count = km.policy.MaxOneTimePrekeys
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	for _, p := range e.bundle.OneTimePrekeys {
		e.vault.dropOneTime(p.ID)
	}
	fresh, err := e.vault.generateOneTime(count)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	now := km.now()
	e.bundle.OneTimePrekeys = fresh
	e.bundle.Version++
	e.bundle.LastRefresh = now
	e.bundle.IsStale = false
	e.state.LastPrekeyRotation = now
	e.syncStateLocked(now)
	return e.bundle.Clone(), nil
}

// ConsumeOneTimePrekey 取出並移除一個一次性預密鑰
// 已耗盡時回傳 nil, nil，由呼叫端以三組 DH 繼續
func (km *KeyManager) ConsumeOneTimePrekey(ctx context.Context, userID, deviceID string) (*OneTimePrekey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return nil, cryptoerr.New("consume_one_time_prekey", cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	if len(e.bundle.OneTimePrekeys) == 0 {
		return nil, nil
	}
	p := e.bundle.OneTimePrekeys[0]
	e.bundle.OneTimePrekeys = e.bundle.OneTimePrekeys[1:]
	e.consumed[p.ID] = struct{}{}
	e.state.LastActivity = km.now()
	return &OneTimePrekey{ID: p.ID, Key: p.Key.Clone()}, nil
}

// GetOneTimePrekeys 列出尚未消耗的一次性預密鑰
func (km *KeyManager) GetOneTimePrekeys(userID, deviceID string) []OneTimePrekey {
	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return nil
	}
	out := make([]OneTimePrekey, len(e.bundle.OneTimePrekeys))
	for i, p := range e.bundle.OneTimePrekeys {
		out[i] = OneTimePrekey{ID: p.ID, Key: p.Key.Clone()}
	}
	return out
}

// VerifySignedPrekeySignature 驗證已存儲密鑰包的簽名
func (km *KeyManager) VerifySignedPrekeySignature(userID, deviceID string) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	e := km.entryLocked(userID, deviceID)
	return e != nil && VerifySignedPrekeySignature(e.bundle)
}

// RotateDuePrekeys 輪換超過輪換間隔的本地設備簽名預密鑰，並補充不足的一次性預密鑰
// 回傳處理的設備數量
func (km *KeyManager) RotateDuePrekeys(ctx context.Context, now time.Time) (int, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	rotated := 0
	for _, devs := range km.devices {
		for _, e := range devs {
			if err := ctx.Err(); err != nil {
				return rotated, err
			}
			if e.vault == nil {
				continue
			}
			due := now.Sub(e.state.LastPrekeyRotation) >= km.policy.PrekeyRotationInterval
			low := len(e.bundle.OneTimePrekeys) < km.policy.RefillThreshold
			if !due && !low {
				continue
			}
			if due {
				if err := e.vault.rotateSignedPrekey(); err != nil {
					return rotated, cryptoerr.Wrap("rotate_due_prekeys", cryptoerr.ErrTransient, err)
				}
				spk := e.vault.signedPrekey.Public()
				spk.ID = e.vault.spkID
				e.bundle.SignedPrekey = spk
				e.bundle.SignedPrekeyID = e.vault.spkID
				e.bundle.Signature = e.vault.signature()
				e.state.LastPrekeyRotation = now
			}
			if missing := km.policy.MaxOneTimePrekeys - len(e.bundle.OneTimePrekeys); missing > 0 {
				added, err := e.vault.generateOneTime(missing)
				if err != nil {
					return rotated, cryptoerr.Wrap("rotate_due_prekeys", cryptoerr.ErrTransient, err)
				}
				e.bundle.OneTimePrekeys = append(e.bundle.OneTimePrekeys, added...)
			}
			e.bundle.Version++
			e.bundle.LastRefresh = now
			e.bundle.IsStale = false
			e.syncStateLocked(now)
			rotated++
		}
	}
	return rotated, nil
}

// SweepStaleBundles 將超過 TTL 的密鑰包標記為過期，回傳新標記的數量
func (km *KeyManager) SweepStaleBundles(now time.Time) int {
	km.mu.Lock()
	defer km.mu.Unlock()

	marked := 0
	for _, devs := range km.devices {
		for _, e := range devs {
			if !e.bundle.IsStale && e.bundle.Expired(now, km.policy.KeyBundleTTL) {
				e.bundle.IsStale = true
				marked++
			}
		}
	}
	return marked
}

// IdentityKeyPair 本地設備身份密鑰對的副本
func (km *KeyManager) IdentityKeyPair(userID, deviceID string) (*encryption.KeyPair, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		return nil, cryptoerr.New("identity_key_pair", cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	return copyPair(e.vault.identity), nil
}

// SignedPrekeyPair 依 ID 取得當前或前一個簽名預密鑰
func (km *KeyManager) SignedPrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	const op = "signed_prekey_pair"
	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	switch prekeyID {
	case e.vault.spkID:
		return copyPair(e.vault.signedPrekey), nil
	case e.vault.previousSPKID:
		if e.vault.previousSPK != nil && prekeyID != "" {
			return copyPair(e.vault.previousSPK), nil
		}
	}
	return nil, cryptoerr.New(op, cryptoerr.ErrStaleBundle, "signed prekey %s no longer available", prekeyID)
}

// OneTimePrekeyPair 讀取一次性預密鑰私鑰但不移除；握手確認後再以 TakeOneTimePrekeyPair 取走
func (km *KeyManager) OneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	const op = "one_time_prekey_pair"
	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	kp, ok := e.vault.oneTime[prekeyID]
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrReplay, "one-time prekey %s already used", prekeyID)
	}
	return copyPair(kp), nil
}

// TakeOneTimePrekeyPair 取出一次性預密鑰私鑰，取出後即從 vault 刪除
func (km *KeyManager) TakeOneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	const op = "take_one_time_prekey"
	km.mu.Lock()
	defer km.mu.Unlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	kp, ok := e.vault.oneTime[prekeyID]
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrReplay, "one-time prekey %s already used", prekeyID)
	}
	out := copyPair(kp)
	e.vault.dropOneTime(prekeyID)

	// 遠端直接取用時也要從公開列表移除
	for i, p := range e.bundle.OneTimePrekeys {
		if p.ID == prekeyID {
			e.bundle.OneTimePrekeys = append(e.bundle.OneTimePrekeys[:i:i], e.bundle.OneTimePrekeys[i+1:]...)
			break
		}
	}
	e.consumed[prekeyID] = struct{}{}
	return out, nil
}

func copyPair(kp *encryption.KeyPair) *encryption.KeyPair {
	return &encryption.KeyPair{
		PrivateKey: encryption.Clone(kp.PrivateKey),
		PublicKey:  encryption.Clone(kp.PublicKey),
	}
}
