package transparency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newLedger(t *testing.T, max int) (*Ledger, *fakeClock) {
	t.Helper()
	signer, err := encryption.GenerateSigningKeyPair()
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLedger(signer, max)
	l.SetClock(clock.now)
	return l, clock
}

func publicKey(t *testing.T) *encryption.CryptoKey {
	t.Helper()
	kp, err := encryption.GenerateX25519KeyPair()
	require.NoError(t, err)
	k := kp.Public()
	return &k
}

func TestLogKeyChange(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	oldKey, newKey := publicKey(t), publicKey(t)
	e, err := l.LogKeyChange(ctx, "alice", "phone", "rotate", oldKey, newKey, "scheduled rotation")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, oldKey.Fingerprint(), e.OldKeyFingerprint)
	assert.Equal(t, newKey.Fingerprint(), e.NewKeyFingerprint)
	assert.NotEmpty(t, e.Signature)
	assert.True(t, VerifyEntry(l.PublicKey().Material, e))

	_, err = l.LogKeyChange(ctx, "", "phone", "rotate", nil, newKey, "")
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)

	priv := encryption.CryptoKey{Material: make([]byte, 32), IsPrivate: true}
	_, err = l.LogKeyChange(ctx, "alice", "phone", "rotate", nil, &priv, "")
	assert.ErrorIs(t, err, cryptoerr.ErrValidation)
}

func TestLedger_ChainAndTamper(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	for i := 0; i < 4; i++ {
		_, err := l.LogKeyChange(ctx, "alice", "phone", "rotate", nil, publicKey(t), "")
		require.NoError(t, err)
	}
	require.NoError(t, l.VerifyChain())

	entries := l.GetKeyLog("", time.Time{})
	require.Len(t, entries, 4)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].PrevHash)
	}

	// 返回值是副本
	entries[1].Reason = "forged"
	require.NoError(t, l.VerifyChain())

	l.entries[2].Reason = "forged"
	assert.ErrorIs(t, l.VerifyChain(), cryptoerr.ErrValidation)
}

func TestLedger_FIFOEviction(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 3)
	for i := 0; i < 5; i++ {
		_, err := l.LogKeyChange(ctx, "alice", "phone", "add", nil, publicKey(t), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, l.Len())

	entries := l.GetKeyLog("alice", time.Time{})
	assert.Equal(t, uint64(3), entries[0].Sequence)
	assert.Equal(t, uint64(5), entries[2].Sequence)
	assert.NoError(t, l.VerifyChain())
}

func TestLedger_GetKeyLogAndCleanup(t *testing.T) {
	ctx := context.Background()
	l, clock := newLedger(t, 10)
	start := clock.t

	_, err := l.LogKeyChange(ctx, "alice", "phone", "add", nil, publicKey(t), "")
	require.NoError(t, err)
	clock.t = start.Add(time.Hour)
	_, err = l.LogKeyChange(ctx, "bob", "laptop", "add", nil, publicKey(t), "")
	require.NoError(t, err)
	clock.t = start.Add(2 * time.Hour)
	_, err = l.LogKeyChange(ctx, "alice", "phone", "rotate", nil, publicKey(t), "")
	require.NoError(t, err)

	assert.Len(t, l.GetKeyLog("alice", time.Time{}), 2)
	assert.Len(t, l.GetKeyLog("alice", start.Add(time.Minute)), 1)
	assert.Len(t, l.GetKeyLog("bob", time.Time{}), 1)
	assert.Len(t, l.EntriesAfter(1), 2)

	assert.Equal(t, 2, l.CleanupExpired(start.Add(90*time.Minute)))
	assert.Equal(t, 1, l.Len())
	assert.NoError(t, l.VerifyChain())
}

func TestLedger_Restore(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	for i := 0; i < 3; i++ {
		_, err := l.LogKeyChange(ctx, "alice", "phone", "rotate", nil, publicKey(t), "")
		require.NoError(t, err)
	}
	saved := l.GetKeyLog("", time.Time{})

	restored := NewLedger(l.signer, 10)
	require.NoError(t, restored.Restore(saved))
	assert.Equal(t, 3, restored.Len())

	e, err := restored.LogKeyChange(ctx, "alice", "phone", "rotate", nil, publicKey(t), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)
	assert.NoError(t, restored.VerifyChain())

	saved[1].Operation = "remove"
	other := NewLedger(l.signer, 10)
	assert.ErrorIs(t, other.Restore(saved), cryptoerr.ErrValidation)
	assert.Equal(t, 0, other.Len())
}
