package encryption

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestGCMEncryption(t *testing.T) {
	// 生成測試密鑰 (256 bits = 32 bytes)
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"Simple text", "Hello, World!"},
		{"Unicode", "你好世界！🔐"},
		{"Long text", strings.Repeat("This is a long message. ", 100)},
		{"Special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"Newlines", "Line 1\nLine 2\nLine 3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := SealGCM(key, []byte(tc.plaintext), []byte("ad"))
			if err != nil {
				t.Fatalf("Encryption failed: %v", err)
			}

			if bytes.Contains(sealed, []byte(tc.plaintext)) {
				t.Errorf("Ciphertext should not contain plaintext")
			}

			decrypted, err := OpenGCM(key, sealed, []byte("ad"))
			if err != nil {
				t.Fatalf("Decryption failed: %v", err)
			}

			if string(decrypted) != tc.plaintext {
				t.Errorf("Decryption mismatch.\nWant: %s\nGot: %s", tc.plaintext, decrypted)
			}

			// 附加資料不同必須失敗
			if _, err := OpenGCM(key, sealed, []byte("other")); err == nil {
				t.Error("Expected failure with mismatched associated data")
			}
		})
	}
}

func TestGCMEncryption_InvalidKey(t *testing.T) {
	testCases := []struct {
		name    string
		keySize int
	}{
		{"Too short", 16},
		{"Too short", 24},
		{"Too long", 48},
		{"Empty", 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := make([]byte, tc.keySize)
			if _, err := SealGCM(key, []byte("x"), nil); err == nil {
				t.Errorf("Expected error for key size %d", tc.keySize)
			}
		})
	}
}

func TestXChaChaTamper(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}

	sealed, err := SealXChaCha(key, []byte("group message"), []byte("group|1"))
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	// 修改最後一個 byte
	sealed[len(sealed)-1] ^= 0x01
	if _, err := OpenXChaCha(key, sealed, []byte("group|1")); err == nil {
		t.Error("Expected authentication failure after tampering")
	}

	if _, err := OpenXChaCha(key, sealed[:10], nil); err == nil {
		t.Error("Expected error for truncated ciphertext")
	}
}

func TestChaChaNonceLength(t *testing.T) {
	key := make([]byte, 32)
	if _, err := SealChaCha(key, make([]byte, 8), []byte("x"), nil); err == nil {
		t.Error("Expected error for short nonce")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	secret := []byte("shared secret")
	a, err := HKDF(secret, nil, []byte("info"), 64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HKDF(secret, nil, []byte("info"), 64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("HKDF must be deterministic")
	}

	c, err := HKDF(secret, nil, []byte("other"), 64)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, c) {
		t.Error("Different info must yield different output")
	}
}

func TestSealerLabelBinding(t *testing.T) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		t.Fatal(err)
	}
	sealer, err := NewSealer(master)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := sealer.Seal("session", []byte("state"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sealer.Open("group", sealed); err == nil {
		t.Error("Expected failure when label differs")
	}
	plain, err := sealer.Open("session", sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "state" {
		t.Errorf("got %q", plain)
	}

	if _, err := NewSealer(master[:16]); err == nil {
		t.Error("Expected error for short master key")
	}
}

func BenchmarkSealGCM(b *testing.B) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	plaintext := []byte(strings.Repeat("benchmark ", 50))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = SealGCM(key, plaintext, nil)
	}
}
