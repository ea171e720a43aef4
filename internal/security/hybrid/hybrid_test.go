package hybrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

func newKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestGenerateKeyPair(t *testing.T) {
	kp := newKeyPair(t)
	assert.NoError(t, kp.Public.Validate())
	assert.Len(t, kp.Public.KEM, 1184)
	assert.Len(t, kp.Public.Sign, 1952)
	assert.Len(t, kp.KEMPrivate, KEMPrivateKeySize)
	assert.NotEqual(t, newKeyPair(t).Public.Fingerprint(), kp.Public.Fingerprint())
}

func TestHybridRoundTrip(t *testing.T) {
	kp := newKeyPair(t)
	aad := []byte("alice->bob")

	ct, err := HybridEncrypt(kp.Public, []byte("quantum-safe hello"), aad)
	require.NoError(t, err)
	assert.Greater(t, len(ct), hybridHeaderSize)

	env, err := encryption.UnmarshalEnvelope(encryption.MarshalEnvelope(ct.ToEnvelope("alice", "phone")))
	require.NoError(t, err)
	received, err := CiphertextFromEnvelope(env)
	require.NoError(t, err)

	pt, err := HybridDecrypt(kp, received, aad)
	require.NoError(t, err)
	assert.Equal(t, "quantum-safe hello", string(pt))

	_, err = HybridDecrypt(kp, ct, []byte("other aad"))
	assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)
}

func TestHybridDecrypt_RequiresBothSecrets(t *testing.T) {
	kp := newKeyPair(t)
	other := newKeyPair(t)
	ct, err := HybridEncrypt(kp.Public, []byte("secret"), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		keys *KeyPair
	}{
		{"wrong x25519 key", &KeyPair{X25519: other.X25519, KEMPrivate: kp.KEMPrivate}},
		{"wrong ml-kem key", &KeyPair{X25519: kp.X25519, KEMPrivate: other.KEMPrivate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HybridDecrypt(tt.keys, ct, nil)
			assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)
		})
	}
}

func TestHybridDecrypt_Malformed(t *testing.T) {
	kp := newKeyPair(t)
	ct, err := HybridEncrypt(kp.Public, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = HybridDecrypt(kp, ct[:hybridHeaderSize], nil)
	assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)

	tampered := append(Ciphertext(nil), ct...)
	tampered[encryption.KeySize+10] ^= 0xff
	_, err = HybridDecrypt(kp, tampered, nil)
	assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)

	_, err = HybridDecrypt(&KeyPair{X25519: kp.X25519, KEMPrivate: []byte("short")}, ct, nil)
	assert.ErrorIs(t, err, cryptoerr.ErrDecapsulation)

	_, err = HybridEncrypt(PublicKey{X25519: kp.Public.X25519}, []byte("x"), nil)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestPQCEncryptDecrypt(t *testing.T) {
	kp := newKeyPair(t)
	ct, err := PQCEncrypt(kp.Public.KEM, []byte("ml-kem only"), []byte("aad"))
	require.NoError(t, err)

	pt, err := PQCDecrypt(kp.KEMPrivate, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "ml-kem only", string(pt))

	_, err = PQCDecrypt(newKeyPair(t).KEMPrivate, ct, []byte("aad"))
	assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)

	_, err = PQCDecrypt(kp.KEMPrivate, ct[:10], nil)
	assert.ErrorIs(t, err, cryptoerr.ErrInvalidCiphertext)
}

func TestPQCSignVerify(t *testing.T) {
	kp := newKeyPair(t)
	msg := []byte("key log entry")

	sig, err := PQCSign(kp.SignPrivate, msg)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureSize)
	assert.True(t, PQCVerify(kp.Public.Sign, msg, sig))
	assert.False(t, PQCVerify(kp.Public.Sign, []byte("other"), sig))
	assert.False(t, PQCVerify(newKeyPair(t).Public.Sign, msg, sig))
	assert.False(t, PQCVerify(kp.Public.Sign, msg, sig[:10]))

	_, err = PQCSign([]byte("short"), msg)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestWipe(t *testing.T) {
	kp := newKeyPair(t)
	kp.Wipe()
	assert.Equal(t, make([]byte, len(kp.KEMPrivate)), kp.KEMPrivate)
	assert.Equal(t, make([]byte, encryption.KeySize), kp.X25519)
}

func BenchmarkHybridEncrypt(b *testing.B) {
	kp, err := GenerateKeyPair()
	if err != nil {
		b.Fatal(err)
	}
	pt := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := HybridEncrypt(kp.Public, pt, nil); err != nil {
			b.Fatal(err)
		}
	}
}
