package transparency

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

func TestGenerateSafetyNumber(t *testing.T) {
	keyA := publicKey(t).Material
	keyB := publicKey(t).Material

	n1, err := GenerateSafetyNumber("alice", keyA, "bob", keyB)
	require.NoError(t, err)
	n2, err := GenerateSafetyNumber("bob", keyB, "alice", keyA)
	require.NoError(t, err)

	assert.Equal(t, n1, n2)
	assert.Len(t, strings.Fields(n1), 12)
	assert.Len(t, normalizeDigits(n1), 60)

	n3, err := GenerateSafetyNumber("alice", keyA, "bob", publicKey(t).Material)
	require.NoError(t, err)
	assert.NotEqual(t, n1, n3)

	assert.True(t, VerifySafetyNumber(n1, strings.ReplaceAll(n1, " ", "")))
	assert.False(t, VerifySafetyNumber(n1, n3))

	_, err = GenerateSafetyNumber("alice", keyA[:16], "bob", keyB)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestIdentitySetDigest(t *testing.T) {
	phone := DeviceIdentity{DeviceID: "phone", Key: publicKey(t).Material}
	laptop := DeviceIdentity{DeviceID: "laptop", Key: publicKey(t).Material}

	d := IdentitySetDigest([]DeviceIdentity{phone, laptop})
	assert.Len(t, d, encryption.KeySize)
	assert.Equal(t, d, IdentitySetDigest([]DeviceIdentity{laptop, phone}), "順序不影響結果")
	assert.NotEqual(t, d, IdentitySetDigest([]DeviceIdentity{phone}))

	rotated := DeviceIdentity{DeviceID: "laptop", Key: publicKey(t).Material}
	assert.NotEqual(t, IdentitySetFingerprint([]DeviceIdentity{phone, laptop}), IdentitySetFingerprint([]DeviceIdentity{phone, rotated}))

	// 設備 ID 與金鑰的邊界不可混淆
	a := IdentitySetDigest([]DeviceIdentity{{DeviceID: "ab", Key: []byte("c")}})
	b := IdentitySetDigest([]DeviceIdentity{{DeviceID: "a", Key: []byte("bc")}})
	assert.NotEqual(t, a, b)
}

func TestQRPayload(t *testing.T) {
	n, err := GenerateSafetyNumber("alice", publicKey(t).Material, "bob/x", publicKey(t).Material)
	require.NoError(t, err)

	payload := GenerateQRPayload("bob/x", "alice", n)
	assert.True(t, strings.HasPrefix(payload, "sonet://verify/"))

	p, err := ParseQRPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "bob/x", p.UserID)
	assert.Equal(t, "alice", p.OtherUserID)

	assert.True(t, VerifyQRPayload(payload, "alice", "bob/x", n))
	assert.False(t, VerifyQRPayload(payload, "alice", "carol", n))

	_, err = ParseQRPayload("https://verify/alice/bob/1")
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestTrustStateMachine(t *testing.T) {
	ctx := context.Background()
	ts := NewTrustStore()
	fp := publicKey(t).Fingerprint()

	_, err := ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyNone, fp)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	_, err = ts.EstablishTrust(ctx, "alice", "alice", TrustVerified, VerifyManual, fp)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	st, err := ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyBySafetyNumber, fp)
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, st.TrustLevel)
	assert.False(t, st.LastVerified.IsZero())

	require.NoError(t, ts.UpdateTrustLevel(ctx, "alice", "bob", TrustBlocked))
	_, err = ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyQR, fp)
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
	assert.ErrorIs(t, ts.UpdateTrustLevel(ctx, "alice", "bob", TrustUnverified), cryptoerr.ErrValidation)

	require.NoError(t, ts.ResetTrust(ctx, "alice", "bob"))
	assert.Equal(t, TrustUnverified, ts.GetTrustLevel("alice", "bob"))
	assert.ErrorIs(t, ts.UpdateTrustLevel(ctx, "alice", "bob", TrustVerified), cryptoerr.ErrValidation)

	assert.ErrorIs(t, ts.UpdateTrustLevel(ctx, "alice", "carol", TrustBlocked), cryptoerr.ErrValidation)
	assert.Equal(t, TrustUnverified, ts.GetTrustLevel("alice", "carol"))
}

func TestTrustDegradesOnIdentityChange(t *testing.T) {
	ctx := context.Background()
	ts := NewTrustStore()
	fp := publicKey(t).Fingerprint()

	_, err := ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyQR, fp)
	require.NoError(t, err)
	_, err = ts.EstablishTrust(ctx, "carol", "bob", TrustBlocked, VerifyNone, fp)
	require.NoError(t, err)

	assert.Empty(t, ts.OnIdentityKeyChanged(ctx, "bob", fp))

	rotated := publicKey(t).Fingerprint()
	assert.Equal(t, []string{"alice"}, ts.OnIdentityKeyChanged(ctx, "bob", rotated))

	rels := ts.GetTrustRelationships("alice")
	require.Len(t, rels, 1)
	assert.Equal(t, TrustUnverified, rels[0].TrustLevel)
	require.NotNil(t, rels[0].IdentityFingerprint)
	assert.Equal(t, rotated, *rels[0].IdentityFingerprint)
	assert.Equal(t, TrustBlocked, ts.GetTrustLevel("carol", "bob"))

	// 以新指紋重新確認
	_, err = ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyBySafetyNumber, rotated)
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, ts.GetTrustLevel("alice", "bob"))
}

func TestTrustStore_RestoreAll(t *testing.T) {
	ctx := context.Background()
	ts := NewTrustStore()
	_, err := ts.EstablishTrust(ctx, "alice", "bob", TrustVerified, VerifyManual, encryption.NewPublicKey(encryption.AlgorithmX25519, make([]byte, 32)).Fingerprint())
	require.NoError(t, err)
	_, err = ts.EstablishTrust(ctx, "bob", "alice", TrustUnverified, VerifyNone, "")
	require.NoError(t, err)

	restored := NewTrustStore()
	restored.Restore(ts.All())
	assert.Equal(t, ts.All(), restored.All())
}
