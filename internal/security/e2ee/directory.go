package e2ee

import (
	"context"
	"time"

	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/optimizer"
)

// directory 在密鑰管理器前加一層公開材料快取
// 私鑰查詢一律直通，不進快取
type directory struct {
	keys       *keymanager.KeyManager
	identities *optimizer.Cache[encryption.CryptoKey]
	bundles    *optimizer.Cache[*keymanager.KeyBundle]
	bundleTTL  time.Duration
	now        func() time.Time
	onChange   func(userID, deviceID string)
}

func newDirectory(keys *keymanager.KeyManager, identities *optimizer.Cache[encryption.CryptoKey],
	bundles *optimizer.Cache[*keymanager.KeyBundle], bundleTTL time.Duration, now func() time.Time,
	onChange func(userID, deviceID string)) *directory {
	return &directory{
		keys:       keys,
		identities: identities,
		bundles:    bundles,
		bundleTTL:  bundleTTL,
		now:        now,
		onChange:   onChange,
	}
}

func identityCacheKey(userID, deviceID string) string {
	return "identity:" + userID + ":" + deviceID
}

func bundleCacheKey(userID, deviceID string) string {
	return "bundle:" + userID + ":" + deviceID
}

func (d *directory) invalidateDevice(userID, deviceID string) {
	d.identities.Invalidate(identityCacheKey(userID, deviceID))
	d.bundles.Invalidate(bundleCacheKey(userID, deviceID))
}

func (d *directory) invalidateBundle(userID, deviceID string) {
	d.bundles.Invalidate(bundleCacheKey(userID, deviceID))
}

// PrimaryDevice 用戶的主要本地設備
func (d *directory) PrimaryDevice(userID string) (string, error) {
	return d.keys.PrimaryDevice(userID)
}

// DeviceIdentity 設備身份公鑰（可快取）
func (d *directory) DeviceIdentity(userID, deviceID string) (encryption.CryptoKey, error) {
	key := identityCacheKey(userID, deviceID)
	if k, ok := d.identities.Get(key); ok {
		return k.Clone(), nil
	}
	k, err := d.keys.DeviceIdentity(userID, deviceID)
	if err != nil {
		return encryption.CryptoKey{}, err
	}
	_ = d.identities.Put(key, k.Clone(), 0)
	return k, nil
}

// GetKeyBundle 取得密鑰包；快取命中但已過期時回到密鑰管理器取得正確的錯誤
func (d *directory) GetKeyBundle(ctx context.Context, userID, deviceID string) (*keymanager.KeyBundle, error) {
	key := bundleCacheKey(userID, deviceID)
	if b, ok := d.bundles.Get(key); ok {
		if !b.IsStale && !b.Expired(d.now(), d.bundleTTL) {
			return b.Clone(), nil
		}
		d.bundles.Invalidate(key)
	}
	b, err := d.keys.GetKeyBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	_ = d.bundles.Put(key, b.Clone(), 0)
	return b, nil
}

// ConsumeOneTimePrekey 消耗預密鑰，快取中的密鑰包隨之失效
func (d *directory) ConsumeOneTimePrekey(ctx context.Context, userID, deviceID string) (*keymanager.OneTimePrekey, error) {
	opk, err := d.keys.ConsumeOneTimePrekey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	d.invalidateBundle(userID, deviceID)
	d.onChange(userID, deviceID)
	return opk, nil
}

// IdentityKeyPair 本地設備身份私鑰
func (d *directory) IdentityKeyPair(userID, deviceID string) (*encryption.KeyPair, error) {
	return d.keys.IdentityKeyPair(userID, deviceID)
}

// SignedPrekeyPair 本地設備簽名預密鑰私鑰
func (d *directory) SignedPrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	return d.keys.SignedPrekeyPair(userID, deviceID, prekeyID)
}

// OneTimePrekeyPair 讀取本地一次性預密鑰私鑰，不移除
func (d *directory) OneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	return d.keys.OneTimePrekeyPair(userID, deviceID, prekeyID)
}

// TakeOneTimePrekeyPair 取出並移除本地一次性預密鑰私鑰
func (d *directory) TakeOneTimePrekeyPair(userID, deviceID, prekeyID string) (*encryption.KeyPair, error) {
	kp, err := d.keys.TakeOneTimePrekeyPair(userID, deviceID, prekeyID)
	if err != nil {
		return nil, err
	}
	d.invalidateBundle(userID, deviceID)
	d.onChange(userID, deviceID)
	return kp, nil
}

// GetUserDevices 用戶的全部設備
func (d *directory) GetUserDevices(userID string) []keymanager.DeviceState {
	return d.keys.GetUserDevices(userID)
}
