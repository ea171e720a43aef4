package encryption

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"time"

	"golang.org/x/crypto/curve25519"
)

// 演算法標識
const (
	AlgorithmX25519   = "x25519"
	AlgorithmEd25519  = "ed25519"
	AlgorithmMLKEM768 = "ml-kem-768"
	AlgorithmMLDSA65  = "ml-dsa-65"
	AlgorithmHybrid   = "x25519+ml-kem-768"

	KeySize = 32
)

// randReader 隨機來源（測試可替換）
var randReader io.Reader = rand.Reader

// CryptoKey 密鑰材料與其屬性
// 由持有它的 bundle / device / session 記錄獨佔，不可共享可變引用
type CryptoKey struct {
	ID        string    `json:"id,omitempty"`
	Algorithm string    `json:"algorithm"`
	Material  []byte    `json:"material"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPublicKey 建立公鑰記錄（複製材料）
func NewPublicKey(algorithm string, material []byte) CryptoKey {
	return CryptoKey{
		Algorithm: algorithm,
		Material:  clone(material),
		CreatedAt: time.Now(),
	}
}

// Clone 深複製
func (k CryptoKey) Clone() CryptoKey {
	k.Material = clone(k.Material)
	return k
}

// IsZero 是否為空密鑰
func (k CryptoKey) IsZero() bool {
	return len(k.Material) == 0
}

// Equal 常數時間比較密鑰材料
func (k CryptoKey) Equal(other CryptoKey) bool {
	return k.Algorithm == other.Algorithm &&
		subtle.ConstantTimeCompare(k.Material, other.Material) == 1
}

// Wipe 清零密鑰材料
func (k *CryptoKey) Wipe() {
	Zero(k.Material)
	k.Material = nil
}

// Fingerprint 公鑰指紋（SHA-256 前 16 bytes）
func (k CryptoKey) Fingerprint() string {
	sum := sha256.Sum256(append([]byte(k.Algorithm+"|"), k.Material...))
	return hex.EncodeToString(sum[:16])
}

// KeyPair Curve25519 密鑰對
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
}

// Wipe 清零私鑰
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	Zero(kp.PrivateKey)
}

// Public 公鑰記錄
func (kp *KeyPair) Public() CryptoKey {
	return NewPublicKey(AlgorithmX25519, kp.PublicKey)
}

// GenerateX25519KeyPair 生成 Curve25519 密鑰對
func GenerateX25519KeyPair() (*KeyPair, error) {
	privateKey := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, privateKey); err != nil {
		return nil, err
	}
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}, nil
}

// DH 計算 X25519 共享秘密
// 低階點會得到全零輸出，x/crypto 已拒絕
func DH(privateKey, publicKey []byte) ([]byte, error) {
	if len(privateKey) != KeySize || len(publicKey) != KeySize {
		return nil, fmt.Errorf("x25519: invalid key length")
	}
	return curve25519.X25519(privateKey, publicKey)
}

// SigningKeyPair Ed25519 簽名密鑰對
type SigningKeyPair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateSigningKeyPair 生成 Ed25519 簽名密鑰對
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(randReader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{PrivateKey: priv, PublicKey: pub}, nil
}

// SigningKeyPairFromSeed 從 32 bytes seed 還原簽名密鑰對
func SigningKeyPairFromSeed(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519: seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKeyPair{PrivateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign 簽名
func (s *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(s.PrivateKey, message)
}

// Public 公鑰記錄
func (s *SigningKeyPair) Public() CryptoKey {
	return NewPublicKey(AlgorithmEd25519, s.PublicKey)
}

// Wipe 清零私鑰
func (s *SigningKeyPair) Wipe() {
	if s == nil {
		return
	}
	Zero(s.PrivateKey)
}

// Verify 驗證 Ed25519 簽名
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// RandomBytes 讀取 n bytes 隨機數
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Zero 清零緩衝區
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Clone 複製位元組切片
func Clone(b []byte) []byte {
	return clone(b)
}
