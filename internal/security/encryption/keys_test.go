package encryption

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// TestNonceUniqueness 測試隨機 nonce 的唯一性
func TestNonceUniqueness(t *testing.T) {
	key, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sealed, err := SealXChaCha(key, []byte("test message"), nil)
		if err != nil {
			t.Fatalf("Encryption failed: %v", err)
		}
		nonce := string(sealed[:24])
		if seen[nonce] {
			t.Fatalf("Found duplicate nonce at iteration %d", i)
		}
		seen[nonce] = true
	}
}

func TestX25519Agreement(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ab, err := DH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := DH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ab, ba) {
		t.Error("shared secrets differ")
	}

	// 低階點（全零）必須被拒絕
	if _, err := DH(alice.PrivateKey, make([]byte, 32)); err == nil {
		t.Error("Expected error for all-zero public key")
	}
	if _, err := DH(alice.PrivateKey, []byte{1, 2, 3}); err == nil {
		t.Error("Expected error for short public key")
	}
}

func TestSigning(t *testing.T) {
	signer, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("identity|spk")
	sig := signer.Sign(msg)
	if !Verify(signer.PublicKey, msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(signer.PublicKey, []byte("tampered"), sig) {
		t.Error("signature over different message accepted")
	}
	if Verify(signer.PublicKey[:10], msg, sig) {
		t.Error("short public key accepted")
	}

	restored, err := SigningKeyPairFromSeed(signer.PrivateKey.Seed())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored.PublicKey, signer.PublicKey) {
		t.Error("seed round trip changed public key")
	}
}

func TestCryptoKeyCloneAndWipe(t *testing.T) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pub := kp.Public()
	cp := pub.Clone()
	cp.Material[0] ^= 0xff
	if pub.Equal(cp) {
		t.Error("clone aliases original material")
	}
	if pub.Fingerprint() == cp.Fingerprint() {
		t.Error("fingerprints should differ")
	}

	secret := CryptoKey{Algorithm: AlgorithmX25519, Material: Clone(kp.PrivateKey), IsPrivate: true}
	secret.Wipe()
	if !secret.IsZero() {
		t.Error("wiped key should be empty")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Kind:           EnvelopeKindPairwise,
		Algorithm:      "x3dh+dr/chacha20poly1305",
		SessionID:      "sess-1",
		SenderUserID:   "alice",
		SenderDeviceID: "phone",
		DHPub:          bytes.Repeat([]byte{7}, 32),
		PN:             3,
		N:              41,
		Handshake: &HandshakeFields{
			SenderUserID:    "alice",
			SenderDeviceID:  "phone",
			IdentityKey:     bytes.Repeat([]byte{1}, 32),
			EphemeralKey:    bytes.Repeat([]byte{2}, 32),
			SignedPrekeyID:  "spk-1",
			OneTimePrekeyID: "opk-9",
		},
		Ciphertext: []byte("opaque"),
	}

	decoded, err := UnmarshalEnvelope(MarshalEnvelope(env))
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.SessionID != env.SessionID || decoded.N != env.N || decoded.PN != env.PN {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if decoded.Handshake == nil || decoded.Handshake.OneTimePrekeyID != "opk-9" {
		t.Errorf("handshake mismatch: %+v", decoded.Handshake)
	}
	if !bytes.Equal(decoded.Ciphertext, env.Ciphertext) {
		t.Error("ciphertext mismatch")
	}

	if _, err := UnmarshalEnvelope([]byte{0x0a, 0xff}); err == nil {
		t.Error("Expected error for truncated envelope")
	}
}

// TestEnvelopeCounterOverflow 超出 uint32 的計數器必須被拒絕而非截斷
func TestEnvelopeCounterOverflow(t *testing.T) {
	base := MarshalEnvelope(&Envelope{Kind: EnvelopeKindPairwise, SessionID: "s1", Ciphertext: []byte("x")})

	for _, field := range []struct {
		name string
		num  protowire.Number
	}{
		{"pn", fieldPN},
		{"n", fieldN},
		{"sender_leaf", fieldSenderLeaf},
	} {
		wire := appendVarint(bytes.Clone(base), field.num, math.MaxUint32+1)
		if _, err := UnmarshalEnvelope(wire); !errors.Is(err, errTruncatedEnvelope) {
			t.Errorf("%s = 2^32: expected truncated envelope error, got %v", field.name, err)
		}

		wire = appendVarint(bytes.Clone(base), field.num, math.MaxUint32)
		if _, err := UnmarshalEnvelope(wire); err != nil {
			t.Errorf("%s = MaxUint32 should decode: %v", field.name, err)
		}
	}
}
