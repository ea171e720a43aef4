package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HKDF 以 HKDF-SHA256 衍生 n bytes
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// HKDF512 以 HKDF-SHA512 衍生 n bytes
// salt 為空時使用全零 salt
func HKDF512(secret, salt, info []byte, n int) ([]byte, error) {
	if len(salt) == 0 {
		salt = make([]byte, sha512.Size)
	}
	reader := hkdf.New(sha512.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// HKDFExtract 只做 extract 步驟（群組密鑰排程使用）
func HKDFExtract(secret, salt []byte) []byte {
	return hkdf.Extract(sha256.New, secret, salt)
}

// HKDFExpand 只做 expand 步驟
func HKDFExpand(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return out, nil
}

// SealChaCha ChaCha20-Poly1305 加密（呼叫端提供 nonce）
// 用於每個密鑰只使用一次的 ratchet 訊息密鑰
func SealChaCha(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// OpenChaCha ChaCha20-Poly1305 解密
func OpenChaCha(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

// SealXChaCha XChaCha20-Poly1305 加密
// 格式: nonce(24) + ciphertext，nonce 隨機生成
func SealXChaCha(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// OpenXChaCha XChaCha20-Poly1305 解密
func OpenXChaCha(key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := sealed[:aead.NonceSize()]
	return aead.Open(nil, nonce, sealed[aead.NonceSize():], ad)
}

// SealGCM AES-256-GCM 加密
// 格式: nonce(12) + ciphertext
func SealGCM(key, plaintext, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, ad), nil
}

// OpenGCM AES-256-GCM 解密
func OpenGCM(key, sealed, ad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := sealed[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, sealed[gcm.NonceSize():], ad)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	// 驗證密鑰長度必須是 32 bytes (256 bits)
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Sealer 以主密鑰加密持久化的私密狀態
type Sealer struct {
	key []byte
}

// NewSealer 創建 Sealer
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be 32 bytes (256 bits)")
	}
	return &Sealer{key: clone(masterKey)}, nil
}

// Seal 加密，label 作為附加資料綁定用途
func (s *Sealer) Seal(label string, plaintext []byte) ([]byte, error) {
	return SealGCM(s.key, plaintext, []byte(label))
}

// Open 解密
func (s *Sealer) Open(label string, sealed []byte) ([]byte, error) {
	return OpenGCM(s.key, sealed, []byte(label))
}
