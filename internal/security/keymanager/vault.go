package keymanager

import (
	"fmt"

	"github.com/google/uuid"

	"e2ee-gateway/internal/security/encryption"
)

// vault 本地設備的私鑰材料，只存在於記憶體，持久化時由上層以主密鑰加密
type vault struct {
	identity      *encryption.KeyPair
	signing       *encryption.SigningKeyPair
	signedPrekey  *encryption.KeyPair
	spkID         string
	previousSPK   *encryption.KeyPair // 輪換後保留一個週期，讓進行中的握手仍能完成
	previousSPKID string
	oneTime       map[string]*encryption.KeyPair
}

func newVault() (*vault, error) {
	identity, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	signing, err := encryption.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	v := &vault{
		identity: identity,
		signing:  signing,
		oneTime:  make(map[string]*encryption.KeyPair),
	}
	if err := v.rotateSignedPrekey(); err != nil {
		return nil, err
	}
	return v, nil
}

// rotateSignedPrekey 生成新的簽名預密鑰，舊的降為 previous
func (v *vault) rotateSignedPrekey() error {
	spk, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	v.previousSPK.Wipe()
	v.previousSPK, v.previousSPKID = v.signedPrekey, v.spkID
	v.signedPrekey, v.spkID = spk, uuid.NewString()
	return nil
}

func (v *vault) signature() []byte {
	return v.signing.Sign(SignedPrekeyMessage(v.identity.PublicKey, v.signedPrekey.PublicKey))
}

// generateOneTime 生成 n 個一次性預密鑰
func (v *vault) generateOneTime(n int) ([]OneTimePrekey, error) {
	out := make([]OneTimePrekey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := encryption.GenerateX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate one-time prekey: %w", err)
		}
		id := uuid.NewString()
		v.oneTime[id] = kp
		pub := kp.Public()
		pub.ID = id
		out = append(out, OneTimePrekey{ID: id, Key: pub})
	}
	return out, nil
}

func (v *vault) dropOneTime(id string) {
	if kp, ok := v.oneTime[id]; ok {
		kp.Wipe()
		delete(v.oneTime, id)
	}
}

func (v *vault) wipe() {
	v.identity.Wipe()
	v.signing.Wipe()
	v.signedPrekey.Wipe()
	v.previousSPK.Wipe()
	for id := range v.oneTime {
		v.dropOneTime(id)
	}
}

// bundle 依 vault 內容組出公開密鑰包（不含版本與時間）
func (v *vault) bundle(userID, deviceID string) *KeyBundle {
	spk := v.signedPrekey.Public()
	spk.ID = v.spkID
	b := &KeyBundle{
		UserID:         userID,
		DeviceID:       deviceID,
		IdentityKey:    v.identity.Public(),
		SigningKey:     v.signing.Public(),
		SignedPrekey:   spk,
		SignedPrekeyID: v.spkID,
		Signature:      v.signature(),
	}
	for id, kp := range v.oneTime {
		pub := kp.Public()
		pub.ID = id
		b.OneTimePrekeys = append(b.OneTimePrekeys, OneTimePrekey{ID: id, Key: pub})
	}
	return b
}

// VaultRecord vault 的可序列化形式（包含私鑰，必須加密後才能落地）
type VaultRecord struct {
	IdentityPrivate        []byte        `json:"identity_private"`
	IdentityPublic         []byte        `json:"identity_public"`
	SigningSeed            []byte        `json:"signing_seed"`
	SignedPrekeyID         string        `json:"signed_prekey_id"`
	SignedPrekeyPrivate    []byte        `json:"signed_prekey_private"`
	SignedPrekeyPublic     []byte        `json:"signed_prekey_public"`
	PreviousSignedPrekeyID string        `json:"previous_signed_prekey_id,omitempty"`
	PreviousPrivate        []byte        `json:"previous_private,omitempty"`
	PreviousPublic         []byte        `json:"previous_public,omitempty"`
	OneTimePrekeys         []VaultPrekey `json:"one_time_prekeys"`
}

// VaultPrekey 一次性預密鑰私鑰
type VaultPrekey struct {
	ID      string `json:"id"`
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// Wipe 清零記錄中的私鑰
func (r *VaultRecord) Wipe() {
	if r == nil {
		return
	}
	encryption.Zero(r.IdentityPrivate)
	encryption.Zero(r.SigningSeed)
	encryption.Zero(r.SignedPrekeyPrivate)
	encryption.Zero(r.PreviousPrivate)
	for _, p := range r.OneTimePrekeys {
		encryption.Zero(p.Private)
	}
}

func (v *vault) record() *VaultRecord {
	r := &VaultRecord{
		IdentityPrivate:     encryption.Clone(v.identity.PrivateKey),
		IdentityPublic:      encryption.Clone(v.identity.PublicKey),
		SigningSeed:         encryption.Clone(v.signing.PrivateKey.Seed()),
		SignedPrekeyID:      v.spkID,
		SignedPrekeyPrivate: encryption.Clone(v.signedPrekey.PrivateKey),
		SignedPrekeyPublic:  encryption.Clone(v.signedPrekey.PublicKey),
	}
	if v.previousSPK != nil {
		r.PreviousSignedPrekeyID = v.previousSPKID
		r.PreviousPrivate = encryption.Clone(v.previousSPK.PrivateKey)
		r.PreviousPublic = encryption.Clone(v.previousSPK.PublicKey)
	}
	for id, kp := range v.oneTime {
		r.OneTimePrekeys = append(r.OneTimePrekeys, VaultPrekey{
			ID:      id,
			Private: encryption.Clone(kp.PrivateKey),
			Public:  encryption.Clone(kp.PublicKey),
		})
	}
	return r
}

func vaultFromRecord(r *VaultRecord) (*vault, error) {
	if len(r.IdentityPrivate) != encryption.KeySize || len(r.SignedPrekeyPrivate) != encryption.KeySize {
		return nil, fmt.Errorf("vault record has malformed keys")
	}
	signing, err := encryption.SigningKeyPairFromSeed(r.SigningSeed)
	if err != nil {
		return nil, err
	}
	v := &vault{
		identity:     &encryption.KeyPair{PrivateKey: encryption.Clone(r.IdentityPrivate), PublicKey: encryption.Clone(r.IdentityPublic)},
		signing:      signing,
		signedPrekey: &encryption.KeyPair{PrivateKey: encryption.Clone(r.SignedPrekeyPrivate), PublicKey: encryption.Clone(r.SignedPrekeyPublic)},
		spkID:        r.SignedPrekeyID,
		oneTime:      make(map[string]*encryption.KeyPair, len(r.OneTimePrekeys)),
	}
	if len(r.PreviousPrivate) == encryption.KeySize {
		v.previousSPK = &encryption.KeyPair{PrivateKey: encryption.Clone(r.PreviousPrivate), PublicKey: encryption.Clone(r.PreviousPublic)}
		v.previousSPKID = r.PreviousSignedPrekeyID
	}
	for _, p := range r.OneTimePrekeys {
		v.oneTime[p.ID] = &encryption.KeyPair{PrivateKey: encryption.Clone(p.Private), PublicKey: encryption.Clone(p.Public)}
	}
	return v, nil
}
