package hybrid

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// 演算法實例
var (
	kemScheme  kem.Scheme  = mlkem768.Scheme()
	signScheme sign.Scheme = mldsa65.Scheme()
)

// KEM 與簽名的固定長度
var (
	KEMPublicKeySize     = kemScheme.PublicKeySize()
	KEMPrivateKeySize    = kemScheme.PrivateKeySize()
	KEMCiphertextSize    = kemScheme.CiphertextSize()
	SignPublicKeySize    = signScheme.PublicKeySize()
	SignPrivateKeySize   = signScheme.PrivateKeySize()
	SignatureSize        = signScheme.SignatureSize()
	hybridHeaderSize     = encryption.KeySize + KEMCiphertextSize
	minSealedPayloadSize = 12 + 16
)

// PublicKey 混合公鑰
type PublicKey struct {
	X25519 []byte `json:"x25519"`
	KEM    []byte `json:"ml_kem_768"`
	Sign   []byte `json:"ml_dsa_65"`
}

// KeyPair 混合密鑰對：X25519 + ML-KEM-768 + ML-DSA-65
type KeyPair struct {
	Public      PublicKey
	X25519      []byte
	KEMPrivate  []byte
	SignPrivate []byte
}

// GenerateKeyPair 生成混合密鑰對
func GenerateKeyPair() (*KeyPair, error) {
	const op = "generate_hybrid_keypair"
	x, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	kemPub, kemPriv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	signPub, signPriv, err := signScheme.GenerateKey()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	signPubBytes, err := signPub.MarshalBinary()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	signPrivBytes, err := signPriv.MarshalBinary()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}

	return &KeyPair{
		Public: PublicKey{
			X25519: x.PublicKey,
			KEM:    kemPubBytes,
			Sign:   signPubBytes,
		},
		X25519:      x.PrivateKey,
		KEMPrivate:  kemPrivBytes,
		SignPrivate: signPrivBytes,
	}, nil
}

// Wipe 清零私鑰材料
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	encryption.Zero(kp.X25519)
	encryption.Zero(kp.KEMPrivate)
	encryption.Zero(kp.SignPrivate)
}

// Validate 檢查公鑰長度
func (p PublicKey) Validate() error {
	switch {
	case len(p.X25519) != encryption.KeySize:
		return cryptoerr.New("validate_hybrid_key", cryptoerr.ErrValidation, "x25519 key must be %d bytes", encryption.KeySize)
	case len(p.KEM) != KEMPublicKeySize:
		return cryptoerr.New("validate_hybrid_key", cryptoerr.ErrValidation, "ml-kem-768 key must be %d bytes", KEMPublicKeySize)
	case len(p.Sign) != 0 && len(p.Sign) != SignPublicKeySize:
		return cryptoerr.New("validate_hybrid_key", cryptoerr.ErrValidation, "ml-dsa-65 key must be %d bytes", SignPublicKeySize)
	}
	return nil
}

// Fingerprint 混合公鑰指紋
func (p PublicKey) Fingerprint() string {
	material := make([]byte, 0, len(p.X25519)+len(p.KEM)+len(p.Sign))
	material = append(material, p.X25519...)
	material = append(material, p.KEM...)
	material = append(material, p.Sign...)
	return encryption.NewPublicKey(encryption.AlgorithmHybrid, material).Fingerprint()
}
