package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

type sealed struct {
	h  Header
	ct []byte
}

func ratchetPair(t *testing.T, maxSkip int) (alice, bob *ratchetState, ad []byte) {
	t.Helper()
	sk, err := encryption.RandomBytes(encryption.KeySize)
	require.NoError(t, err)
	spk, err := encryption.GenerateX25519KeyPair()
	require.NoError(t, err)
	eph, err := encryption.GenerateX25519KeyPair()
	require.NoError(t, err)

	alice, err = newInitiatorRatchet(sk, eph, spk.PublicKey, maxSkip)
	require.NoError(t, err)
	bob, err = newResponderRatchet(sk, spk, eph.PublicKey, maxSkip)
	require.NoError(t, err)
	return alice, bob, []byte("alice-ik|bob-ik")
}

func send(t *testing.T, st *ratchetState, ad []byte, n int, prefix string) []sealed {
	t.Helper()
	out := make([]sealed, 0, n)
	for i := 0; i < n; i++ {
		h, ct, err := st.encrypt(ad, []byte(fmt.Sprintf("%s-%d", prefix, i)))
		require.NoError(t, err)
		out = append(out, sealed{h: h, ct: ct})
	}
	return out
}

func TestRatchet_RoundTripBothDirections(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 10)

	for round := 0; round < 3; round++ {
		for i, m := range send(t, alice, ad, 2, fmt.Sprintf("a%d", round)) {
			pt, err := bob.decrypt(ad, m.h, m.ct)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("a%d-%d", round, i), string(pt))
		}
		for i, m := range send(t, bob, ad, 2, fmt.Sprintf("b%d", round)) {
			pt, err := alice.decrypt(ad, m.h, m.ct)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("b%d-%d", round, i), string(pt))
		}
	}
}

func TestRatchet_OutOfOrderAndReplay(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 10)
	msgs := send(t, alice, ad, 3, "m")

	for _, i := range []int{2, 0, 1} {
		pt, err := bob.decrypt(ad, msgs[i].h, msgs[i].ct)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m-%d", i), string(pt))
	}
	assert.Empty(t, bob.skipped)

	_, err := bob.decrypt(ad, msgs[1].h, msgs[1].ct)
	assert.ErrorIs(t, err, cryptoerr.ErrReplay)
}

func TestRatchet_DelayedMessageFromPreviousChain(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 10)
	first := send(t, alice, ad, 2, "old")

	_, err := bob.decrypt(ad, first[0].h, first[0].ct)
	require.NoError(t, err)

	// Bob 回覆使 Alice 換到新的發送鏈
	for _, m := range send(t, bob, ad, 1, "reply") {
		_, err := alice.decrypt(ad, m.h, m.ct)
		require.NoError(t, err)
	}
	next := send(t, alice, ad, 1, "new")
	assert.NotEqual(t, first[0].h.DHPub, next[0].h.DHPub)
	assert.Equal(t, uint32(2), next[0].h.PN)

	pt, err := bob.decrypt(ad, next[0].h, next[0].ct)
	require.NoError(t, err)
	assert.Equal(t, "new-0", string(pt))

	// 舊鏈上未送達的訊息已被暫存
	pt, err = bob.decrypt(ad, first[1].h, first[1].ct)
	require.NoError(t, err)
	assert.Equal(t, "old-1", string(pt))

	_, err = bob.decrypt(ad, first[0].h, first[0].ct)
	assert.ErrorIs(t, err, cryptoerr.ErrReplay)
}

func TestRatchet_SkipWindow(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 3)
	msgs := send(t, alice, ad, 6, "m")

	_, err := bob.decrypt(ad, msgs[4].h, msgs[4].ct)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	work := bob.clone()
	_, err = work.decrypt(ad, msgs[3].h, msgs[3].ct)
	require.NoError(t, err)
	assert.Len(t, work.skipped, 3)

	_, err = work.decrypt(ad, msgs[5].h, msgs[5].ct)
	require.NoError(t, err)
	assert.Len(t, work.skipped, 3)
	assert.Len(t, work.order, 3)

	// 最舊的暫存密鑰被淘汰
	_, err = work.decrypt(ad, msgs[0].h, msgs[0].ct)
	assert.Error(t, err)
	pt, err := work.decrypt(ad, msgs[1].h, msgs[1].ct)
	require.NoError(t, err)
	assert.Equal(t, "m-1", string(pt))
}

func TestRatchet_TamperedHeaderOrBody(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 10)
	m := send(t, alice, ad, 1, "m")[0]

	body := encryption.Clone(m.ct)
	body[0] ^= 0x01
	_, err := bob.clone().decrypt(ad, m.h, body)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	h := m.h
	h.PN = 7
	_, err = bob.clone().decrypt(ad, h, m.ct)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	_, err = bob.clone().decrypt([]byte("other-ad"), m.h, m.ct)
	assert.ErrorIs(t, err, cryptoerr.ErrMalformedMessage)

	pt, err := bob.decrypt(ad, m.h, m.ct)
	require.NoError(t, err)
	assert.Equal(t, "m-0", string(pt))
}

func TestRatchet_ChainKeysAdvance(t *testing.T) {
	alice, _, ad := ratchetPair(t, 10)
	before := encryption.Clone(alice.SendCK)
	send(t, alice, ad, 1, "m")
	assert.NotEqual(t, before, alice.SendCK)
	assert.Equal(t, uint32(1), alice.Ns)
}

func TestRatchet_WipeClearsSecrets(t *testing.T) {
	alice, bob, ad := ratchetPair(t, 10)
	msgs := send(t, alice, ad, 3, "m")
	_, err := bob.decrypt(ad, msgs[2].h, msgs[2].ct)
	require.NoError(t, err)

	rk := bob.RootKey
	bob.wipe()
	assert.Equal(t, make([]byte, len(rk)), rk)
	assert.Empty(t, bob.skipped)
	assert.Empty(t, bob.order)
}

func BenchmarkRatchetEncryptDecrypt(b *testing.B) {
	sk, _ := encryption.RandomBytes(encryption.KeySize)
	spk, _ := encryption.GenerateX25519KeyPair()
	eph, _ := encryption.GenerateX25519KeyPair()
	alice, _ := newInitiatorRatchet(sk, eph, spk.PublicKey, 100)
	bob, _ := newResponderRatchet(sk, spk, eph.PublicKey, 100)
	ad := []byte("ad")
	pt := make([]byte, 256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, ct, err := alice.encrypt(ad, pt)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := bob.decrypt(ad, h, ct); err != nil {
			b.Fatal(err)
		}
	}
}
