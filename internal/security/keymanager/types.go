package keymanager

import (
	"time"

	"e2ee-gateway/internal/constants"
	"e2ee-gateway/internal/security/encryption"
)

// OneTimePrekey 一次性預密鑰（公鑰部分）
type OneTimePrekey struct {
	ID  string               `json:"id"`
	Key encryption.CryptoKey `json:"key"`
}

// KeyBundle 設備公開的密鑰包
// 簽名必須能以 SigningKey 驗證 (IdentityKey ‖ SignedPrekey) 才可信任
type KeyBundle struct {
	UserID         string               `json:"user_id"`
	DeviceID       string               `json:"device_id"`
	IdentityKey    encryption.CryptoKey `json:"identity_key"`
	SigningKey     encryption.CryptoKey `json:"signing_key"`
	SignedPrekey   encryption.CryptoKey `json:"signed_prekey"`
	SignedPrekeyID string               `json:"signed_prekey_id"`
	Signature      []byte               `json:"signature"`
	OneTimePrekeys []OneTimePrekey      `json:"one_time_prekeys"`
	Version        int                  `json:"version"`
	CreatedAt      time.Time            `json:"created_at"`
	LastRefresh    time.Time            `json:"last_refresh"`
	IsStale        bool                 `json:"is_stale"`
}

// Clone 深複製
func (b *KeyBundle) Clone() *KeyBundle {
	if b == nil {
		return nil
	}
	out := *b
	out.IdentityKey = b.IdentityKey.Clone()
	out.SigningKey = b.SigningKey.Clone()
	out.SignedPrekey = b.SignedPrekey.Clone()
	out.Signature = encryption.Clone(b.Signature)
	out.OneTimePrekeys = make([]OneTimePrekey, len(b.OneTimePrekeys))
	for i, p := range b.OneTimePrekeys {
		out.OneTimePrekeys[i] = OneTimePrekey{ID: p.ID, Key: p.Key.Clone()}
	}
	return &out
}

// Expired 是否超過 TTL
func (b *KeyBundle) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(b.LastRefresh) > ttl
}

// SignedPrekeyMessage 簽名涵蓋的內容
func SignedPrekeyMessage(identityKey, signedPrekey []byte) []byte {
	msg := make([]byte, 0, len(identityKey)+len(signedPrekey))
	msg = append(msg, identityKey...)
	return append(msg, signedPrekey...)
}

// VerifySignedPrekeySignature 驗證密鑰包的簽名
func VerifySignedPrekeySignature(b *KeyBundle) bool {
	if b == nil {
		return false
	}
	return encryption.Verify(
		b.SigningKey.Material,
		SignedPrekeyMessage(b.IdentityKey.Material, b.SignedPrekey.Material),
		b.Signature,
	)
}

// DeviceState 設備狀態
type DeviceState struct {
	UserID             string               `json:"user_id"`
	DeviceID           string               `json:"device_id"`
	IdentityKey        encryption.CryptoKey `json:"identity_key"`
	SigningKey         encryption.CryptoKey `json:"signing_key"`
	SignedPrekey       encryption.CryptoKey `json:"signed_prekey"`
	BundleVersion      int                  `json:"bundle_version"`
	RegisteredAt       time.Time            `json:"registered_at"`
	LastActivity       time.Time            `json:"last_activity"`
	LastPrekeyRotation time.Time            `json:"last_prekey_rotation"`
	Local              bool                 `json:"local"` // 本進程持有私鑰
}

// RegisterRequest 註冊遠端設備的初始密鑰包
type RegisterRequest struct {
	UserID         string
	DeviceID       string
	IdentityKey    []byte
	SigningKey     []byte
	SignedPrekey   []byte
	SignedPrekeyID string
	Signature      []byte
	OneTimePrekeys []OneTimePrekey
}

// Policy 預密鑰與密鑰包策略
type Policy struct {
	MaxOneTimePrekeys      int
	RefillThreshold        int
	PrekeyRotationInterval time.Duration
	KeyBundleTTL           time.Duration
}

// DefaultPolicy 默認策略
func DefaultPolicy() Policy {
	return Policy{
		MaxOneTimePrekeys:      constants.DefaultMaxOneTimePrekeys,
		RefillThreshold:        constants.DefaultPrekeyRefillThreshold,
		PrekeyRotationInterval: constants.DefaultPrekeyRotationInterval,
		KeyBundleTTL:           constants.DefaultKeyBundleTTL,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxOneTimePrekeys <= 0 {
		p.MaxOneTimePrekeys = d.MaxOneTimePrekeys
	}
	if p.RefillThreshold <= 0 || p.RefillThreshold > p.MaxOneTimePrekeys {
		p.RefillThreshold = p.MaxOneTimePrekeys / 10
	}
	if p.PrekeyRotationInterval <= 0 {
		p.PrekeyRotationInterval = d.PrekeyRotationInterval
	}
	if p.KeyBundleTTL <= 0 {
		p.KeyBundleTTL = d.KeyBundleTTL
	}
	return p
}

// KeyOperation 密鑰生命週期操作
type KeyOperation string

const (
	KeyOpAdd        KeyOperation = "add"
	KeyOpRemove     KeyOperation = "remove"
	KeyOpRotate     KeyOperation = "rotate"
	KeyOpCompromise KeyOperation = "compromise"
)

// KeyEvent 密鑰生命週期事件
type KeyEvent struct {
	Op        KeyOperation
	UserID    string
	DeviceID  string
	OldKey    *encryption.CryptoKey // nil 表示不存在
	NewKey    *encryption.CryptoKey
	Reason    string
	Timestamp time.Time
}

// Observer 事件觀察者，於鎖釋放後呼叫
type Observer func(KeyEvent)

// KeyManagerStats 密鑰管理器統計信息
type KeyManagerStats struct {
	Users           int `json:"users"`
	Devices         int `json:"devices"`
	LocalDevices    int `json:"local_devices"`
	StaleBundles    int `json:"stale_bundles"`
	OneTimePrekeys  int `json:"one_time_prekeys"`
	ConsumedPrekeys int `json:"consumed_prekeys"`
}
