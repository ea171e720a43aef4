package keymanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// KeyManager 設備與密鑰包存儲
// 負責設備註冊、預密鑰輪換、密鑰包發佈與一次性預密鑰消耗
type KeyManager struct {
	mu      sync.RWMutex
	devices map[string]map[string]*deviceEntry // userID -> deviceID -> entry
	policy  Policy

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

// deviceEntry 單一設備的完整記錄
type deviceEntry struct {
	state    DeviceState
	bundle   *KeyBundle
	vault    *vault              // nil 表示私鑰不在本進程
	consumed map[string]struct{} // 已消耗的一次性預密鑰 ID
}

// NewKeyManager 創建密鑰管理器
func NewKeyManager(policy Policy) *KeyManager {
	return &KeyManager{
		devices: make(map[string]map[string]*deviceEntry),
		policy:  policy.withDefaults(),
		now:     time.Now,
	}
}

// SetClock 替換時間來源（測試使用）
func (km *KeyManager) SetClock(now func() time.Time) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.now = now
}

// Policy 當前策略
func (km *KeyManager) Policy() Policy {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.policy
}

// Subscribe 註冊密鑰事件觀察者
func (km *KeyManager) Subscribe(o Observer) {
	km.obsMu.Lock()
	defer km.obsMu.Unlock()
	km.observers = append(km.observers, o)
}

// emit 在所有狀態鎖釋放後呼叫
func (km *KeyManager) emit(events ...KeyEvent) {
	if len(events) == 0 {
		return
	}
	km.obsMu.RLock()
	observers := make([]Observer, len(km.observers))
	copy(observers, km.observers)
	km.obsMu.RUnlock()

	for _, ev := range events {
		for _, o := range observers {
			o(ev)
		}
	}
}

func validateIDs(op, userID, deviceID string) error {
	if userID == "" || len(userID) > constants.MaxUserIDLength {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "invalid user id")
	}
	if deviceID == "" || len(deviceID) > constants.MaxDeviceIDLength {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "invalid device id")
	}
	return nil
}

func (km *KeyManager) entryLocked(userID, deviceID string) *deviceEntry {
	if devs, ok := km.devices[userID]; ok {
		return devs[deviceID]
	}
	return nil
}

func (km *KeyManager) putLocked(e *deviceEntry) {
	devs, ok := km.devices[e.state.UserID]
	if !ok {
		devs = make(map[string]*deviceEntry)
		km.devices[e.state.UserID] = devs
	}
	devs[e.state.DeviceID] = e
}

// syncStateLocked 依密鑰包更新設備狀態
func (e *deviceEntry) syncStateLocked(now time.Time) {
	e.state.IdentityKey = e.bundle.IdentityKey.Clone()
	e.state.SigningKey = e.bundle.SigningKey.Clone()
	e.state.SignedPrekey = e.bundle.SignedPrekey.Clone()
	e.state.BundleVersion = e.bundle.Version
	e.state.LastActivity = now
}

// RegisterUserKeys 註冊私鑰不在本進程的設備的初始密鑰包
func (km *KeyManager) RegisterUserKeys(ctx context.Context, req RegisterRequest) (*KeyBundle, error) {
	const op = "register_user_keys"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIDs(op, req.UserID, req.DeviceID); err != nil {
		return nil, err
	}

	bundle := &KeyBundle{
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		IdentityKey:    encryption.NewPublicKey(encryption.AlgorithmX25519, req.IdentityKey),
		SigningKey:     encryption.NewPublicKey(encryption.AlgorithmEd25519, req.SigningKey),
		SignedPrekey:   encryption.NewPublicKey(encryption.AlgorithmX25519, req.SignedPrekey),
		SignedPrekeyID: req.SignedPrekeyID,
		Signature:      encryption.Clone(req.Signature),
	}
	bundle.SignedPrekey.ID = req.SignedPrekeyID
	for _, p := range req.OneTimePrekeys {
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, OneTimePrekey{ID: p.ID, Key: p.Key.Clone()})
	}
	return km.PublishKeyBundle(ctx, bundle)
}

// AddDevice 在本進程生成新設備的全部密鑰並發佈版本 1 的密鑰包
func (km *KeyManager) AddDevice(ctx context.Context, userID, deviceID string) (*KeyBundle, error) {
	const op = "add_device"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIDs(op, userID, deviceID); err != nil {
		return nil, err
	}

	v, err := newVault()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	if _, err := v.generateOneTime(km.policy.MaxOneTimePrekeys); err != nil {
		v.wipe()
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	km.mu.Lock()
	if km.entryLocked(userID, deviceID) != nil {
		km.mu.Unlock()
		v.wipe()
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "device %s already registered", deviceID)
	}
	now := km.now()
	bundle := v.bundle(userID, deviceID)
	bundle.Version = 1
	bundle.CreatedAt = now
	bundle.LastRefresh = now
	e := &deviceEntry{
		state: DeviceState{
			UserID:             userID,
			DeviceID:           deviceID,
			RegisteredAt:       now,
			LastPrekeyRotation: now,
			Local:              true,
		},
		bundle:   bundle,
		vault:    v,
		consumed: make(map[string]struct{}),
	}
	e.syncStateLocked(now)
	km.putLocked(e)
	out := bundle.Clone()
	newKey := bundle.IdentityKey.Clone()
	km.mu.Unlock()

	km.emit(KeyEvent{Op: KeyOpAdd, UserID: userID, DeviceID: deviceID, NewKey: &newKey, Reason: "device added", Timestamp: now})
	return out, nil
}

// RemoveDevice 撤銷設備，清零其私鑰
func (km *KeyManager) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	const op = "remove_device"
	if err := ctx.Err(); err != nil {
		return err
	}

	km.mu.Lock()
	e := km.entryLocked(userID, deviceID)
	if e == nil {
		km.mu.Unlock()
		return cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	if e.vault != nil {
		e.vault.wipe()
	}
	delete(km.devices[userID], deviceID)
	if len(km.devices[userID]) == 0 {
		delete(km.devices, userID)
	}
	oldKey := e.state.IdentityKey.Clone()
	now := km.now()
	km.mu.Unlock()

	km.emit(KeyEvent{Op: KeyOpRemove, UserID: userID, DeviceID: deviceID, OldKey: &oldKey, Reason: "device removed", Timestamp: now})
	return nil
}

// GetUserDevices 列出用戶的所有設備（依註冊時間排序）
func (km *KeyManager) GetUserDevices(userID string) []DeviceState {
	km.mu.RLock()
	defer km.mu.RUnlock()

	devs := km.devices[userID]
	out := make([]DeviceState, 0, len(devs))
	for _, e := range devs {
		st := e.state
		st.IdentityKey = st.IdentityKey.Clone()
		st.SigningKey = st.SigningKey.Clone()
		st.SignedPrekey = st.SignedPrekey.Clone()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Users 列出所有用戶 ID
func (km *KeyManager) Users() []string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	out := make([]string, 0, len(km.devices))
	for userID := range km.devices {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// PrimaryDevice 用戶最早註冊的本地設備
func (km *KeyManager) PrimaryDevice(userID string) (string, error) {
	for _, d := range km.GetUserDevices(userID) {
		if d.Local {
			return d.DeviceID, nil
		}
	}
	return "", cryptoerr.New("primary_device", cryptoerr.ErrUnknownDevice, "user %s has no local device", userID)
}

// DeviceIdentity 設備的身份公鑰
func (km *KeyManager) DeviceIdentity(userID, deviceID string) (encryption.CryptoKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return encryption.CryptoKey{}, cryptoerr.New("device_identity", cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	return e.state.IdentityKey.Clone(), nil
}

// UpdateUserKeys 輪換本地設備的身份密鑰，舊的預密鑰全部作廢
func (km *KeyManager) UpdateUserKeys(ctx context.Context, userID, deviceID string) (*KeyBundle, error) {
	const op = "update_user_keys"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err := newVault()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	if _, err := v.generateOneTime(km.policy.MaxOneTimePrekeys); err != nil {
		v.wipe()
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	km.mu.Lock()
	e := km.entryLocked(userID, deviceID)
	if e == nil || e.vault == nil {
		km.mu.Unlock()
		v.wipe()
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s is not a local device", userID, deviceID)
	}
	now := km.now()
	oldKey := e.state.IdentityKey.Clone()
	e.vault.wipe()
	e.vault = v
	bundle := v.bundle(userID, deviceID)
	bundle.Version = e.bundle.Version + 1
	bundle.CreatedAt = e.bundle.CreatedAt
	bundle.LastRefresh = now
	e.bundle = bundle
	e.state.LastPrekeyRotation = now
	e.syncStateLocked(now)
	out := bundle.Clone()
	newKey := bundle.IdentityKey.Clone()
	km.mu.Unlock()

	km.emit(KeyEvent{Op: KeyOpRotate, UserID: userID, DeviceID: deviceID, OldKey: &oldKey, NewKey: &newKey, Reason: "identity key rotated", Timestamp: now})
	return out, nil
}

// MarkDeviceCompromised 記錄設備私鑰洩漏
// 上層據此將該設備的會話標記為洩漏
func (km *KeyManager) MarkDeviceCompromised(ctx context.Context, userID, deviceID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	km.mu.Lock()
	e := km.entryLocked(userID, deviceID)
	if e == nil {
		km.mu.Unlock()
		return cryptoerr.New("mark_device_compromised", cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	e.bundle.IsStale = true
	oldKey := e.state.IdentityKey.Clone()
	now := km.now()
	km.mu.Unlock()

	km.emit(KeyEvent{Op: KeyOpCompromise, UserID: userID, DeviceID: deviceID, OldKey: &oldKey, Reason: reason, Timestamp: now})
	return nil
}

// PublishKeyBundle 發佈遠端設備的密鑰包
// 內容相同且未過期時不遞增版本，一次性預密鑰依 ID 去重，已消耗的不會重新加入
func (km *KeyManager) PublishKeyBundle(ctx context.Context, bundle *KeyBundle) (*KeyBundle, error) {
	const op = "publish_key_bundle"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "bundle is nil")
	}
	if err := validateIDs(op, bundle.UserID, bundle.DeviceID); err != nil {
		return nil, err
	}
	if err := validateBundleKeys(op, bundle); err != nil {
		return nil, err
	}
	if !VerifySignedPrekeySignature(bundle) {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "signed prekey signature does not verify")
	}

	km.mu.Lock()
	now := km.now()
	e := km.entryLocked(bundle.UserID, bundle.DeviceID)

	if e == nil {
		nb := bundle.Clone()
		nb.OneTimePrekeys = dedupePrekeys(nil, nb.OneTimePrekeys, nil)
		nb.Version = 1
		nb.CreatedAt = now
		nb.LastRefresh = now
		nb.IsStale = false
		e = &deviceEntry{
			state: DeviceState{
				UserID:             bundle.UserID,
				DeviceID:           bundle.DeviceID,
				RegisteredAt:       now,
				LastPrekeyRotation: now,
			},
			bundle:   nb,
			consumed: make(map[string]struct{}),
		}
		e.syncStateLocked(now)
		km.putLocked(e)
		out := nb.Clone()
		newKey := nb.IdentityKey.Clone()
		km.mu.Unlock()

		km.emit(KeyEvent{Op: KeyOpAdd, UserID: bundle.UserID, DeviceID: bundle.DeviceID, NewKey: &newKey, Reason: "bundle published", Timestamp: now})
		return out, nil
	}

	if e.vault != nil {
		km.mu.Unlock()
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "device %s keys are managed locally", bundle.DeviceID)
	}

	cur := e.bundle
	identityChanged := !cur.IdentityKey.Equal(bundle.IdentityKey)
	sameKeys := !identityChanged &&
		cur.SigningKey.Equal(bundle.SigningKey) &&
		cur.SignedPrekey.Equal(bundle.SignedPrekey) &&
		cur.SignedPrekeyID == bundle.SignedPrekeyID

	var merged []OneTimePrekey
	if sameKeys {
		merged = dedupePrekeys(cur.OneTimePrekeys, bundle.OneTimePrekeys, e.consumed)
	} else {
		// 身份或簽名預密鑰改變時，舊的一次性預密鑰全部作廢
		e.consumed = make(map[string]struct{})
		merged = dedupePrekeys(nil, bundle.OneTimePrekeys, nil)
	}

	fresh := !cur.IsStale && !cur.Expired(now, km.policy.KeyBundleTTL)
	if sameKeys && fresh && len(merged) == len(cur.OneTimePrekeys) {
		out := cur.Clone()
		km.mu.Unlock()
		return out, nil
	}

	nb := bundle.Clone()
	nb.OneTimePrekeys = merged
	nb.Version = cur.Version + 1
	nb.CreatedAt = cur.CreatedAt
	nb.LastRefresh = now
	nb.IsStale = false
	e.bundle = nb
	if !sameKeys {
		e.state.LastPrekeyRotation = now
	}
	e.syncStateLocked(now)
	out := nb.Clone()

	var events []KeyEvent
	if identityChanged {
		oldKey := cur.IdentityKey.Clone()
		newKey := nb.IdentityKey.Clone()
		events = append(events, KeyEvent{Op: KeyOpRotate, UserID: nb.UserID, DeviceID: nb.DeviceID, OldKey: &oldKey, NewKey: &newKey, Reason: "identity key changed", Timestamp: now})
	}
	km.mu.Unlock()

	km.emit(events...)
	return out, nil
}

func validateBundleKeys(op string, b *KeyBundle) error {
	if len(b.IdentityKey.Material) != encryption.KeySize {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "identity key must be %d bytes", encryption.KeySize)
	}
	if len(b.SignedPrekey.Material) != encryption.KeySize {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "signed prekey must be %d bytes", encryption.KeySize)
	}
	if b.SignedPrekeyID == "" {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "signed prekey id is required")
	}
	for _, p := range b.OneTimePrekeys {
		if p.ID == "" || len(p.Key.Material) != encryption.KeySize {
			return cryptoerr.New(op, cryptoerr.ErrValidation, "malformed one-time prekey %q", p.ID)
		}
	}
	return nil
}

// dedupePrekeys 合併預密鑰，保留既有順序
func dedupePrekeys(existing, incoming []OneTimePrekey, consumed map[string]struct{}) []OneTimePrekey {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]OneTimePrekey, 0, len(existing)+len(incoming))
	for _, list := range [][]OneTimePrekey{existing, incoming} {
		for _, p := range list {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			if _, used := consumed[p.ID]; used {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, OneTimePrekey{ID: p.ID, Key: p.Key.Clone()})
		}
	}
	return out
}

// GetKeyBundle 取得密鑰包副本
// 超過 TTL 或被標記過期時回傳 ErrStaleBundle
func (km *KeyManager) GetKeyBundle(ctx context.Context, userID, deviceID string) (*KeyBundle, error) {
	const op = "get_key_bundle"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	km.mu.RLock()
	defer km.mu.RUnlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	if e.bundle.IsStale || e.bundle.Expired(km.now(), km.policy.KeyBundleTTL) {
		return nil, cryptoerr.New(op, cryptoerr.ErrStaleBundle, "bundle for %s/%s last refreshed %s", userID, deviceID, e.bundle.LastRefresh.Format(time.RFC3339))
	}
	return e.bundle.Clone(), nil
}

// RefreshKeyBundle 刷新本地設備的密鑰包，必要時補充一次性預密鑰
func (km *KeyManager) RefreshKeyBundle(ctx context.Context, userID, deviceID string) (*KeyBundle, error) {
	const op = "refresh_key_bundle"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	if e.vault == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrStaleBundle, "remote device %s/%s must republish", userID, deviceID)
	}
	if missing := km.policy.MaxOneTimePrekeys - len(e.bundle.OneTimePrekeys); len(e.bundle.OneTimePrekeys) < km.policy.RefillThreshold && missing > 0 {
		added, err := e.vault.generateOneTime(missing)
		if err != nil {
			return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
		}
		e.bundle.OneTimePrekeys = append(e.bundle.OneTimePrekeys, added...)
		e.bundle.Version++
	}
	now := km.now()
	e.bundle.LastRefresh = now
	e.bundle.IsStale = false
	e.syncStateLocked(now)
	return e.bundle.Clone(), nil
}

// MarkBundleStale 標記密鑰包過期
func (km *KeyManager) MarkBundleStale(userID, deviceID string) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	e := km.entryLocked(userID, deviceID)
	if e == nil {
		return cryptoerr.New("mark_bundle_stale", cryptoerr.ErrUnknownDevice, "%s/%s", userID, deviceID)
	}
	e.bundle.IsStale = true
	return nil
}

// Stats 獲取統計信息
func (km *KeyManager) Stats() KeyManagerStats {
	km.mu.RLock()
	defer km.mu.RUnlock()

	stats := KeyManagerStats{Users: len(km.devices)}
	now := km.now()
	for _, devs := range km.devices {
		for _, e := range devs {
			stats.Devices++
			if e.vault != nil {
				stats.LocalDevices++
			}
			if e.bundle.IsStale || e.bundle.Expired(now, km.policy.KeyBundleTTL) {
				stats.StaleBundles++
			}
			stats.OneTimePrekeys += len(e.bundle.OneTimePrekeys)
			stats.ConsumedPrekeys += len(e.consumed)
		}
	}
	return stats
}
