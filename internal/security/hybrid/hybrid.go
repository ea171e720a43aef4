package hybrid

import (
	"crypto/sha256"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

const (
	labelHybrid = "e2ee|hybrid|x25519+ml-kem-768"
	labelPQC    = "e2ee|pqc|ml-kem-768"
)

// Ciphertext 混合密文
// 格式: 臨時 X25519 公鑰(32) ‖ ML-KEM 密文(1088) ‖ AES-256-GCM(nonce ‖ 密文)
type Ciphertext []byte

// HybridEncrypt 以 X25519 與 ML-KEM-768 的共享秘密共同衍生金鑰後加密
// 只破解其中一種演算法無法還原金鑰
func HybridEncrypt(pub PublicKey, plaintext, aad []byte) (Ciphertext, error) {
	const op = "hybrid_encrypt"
	if err := pub.Validate(); err != nil {
		return nil, err
	}

	eph, err := encryption.GenerateX25519KeyPair()
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	defer eph.Wipe()
	classical, err := encryption.DH(eph.PrivateKey, pub.X25519)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	defer encryption.Zero(classical)

	kemCT, quantum, err := encapsulate(pub.KEM)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	defer encryption.Zero(quantum)

	key, err := combineSecrets(classical, quantum, eph.PublicKey, kemCT)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	defer encryption.Zero(key)

	sealed, err := encryption.SealGCM(key, plaintext, aad)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	out := make([]byte, 0, hybridHeaderSize+len(sealed))
	out = append(out, eph.PublicKey...)
	out = append(out, kemCT...)
	return append(out, sealed...), nil
}

// HybridDecrypt 解密混合密文
func HybridDecrypt(kp *KeyPair, ct Ciphertext, aad []byte) ([]byte, error) {
	const op = "hybrid_decrypt"
	if kp == nil {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "key pair is required")
	}
	if len(ct) < hybridHeaderSize+minSealedPayloadSize {
		return nil, cryptoerr.New(op, cryptoerr.ErrInvalidCiphertext, "ciphertext is %d bytes", len(ct))
	}
	ephPub := ct[:encryption.KeySize]
	kemCT := ct[encryption.KeySize:hybridHeaderSize]
	sealed := ct[hybridHeaderSize:]

	classical, err := encryption.DH(kp.X25519, ephPub)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrInvalidCiphertext, err)
	}
	defer encryption.Zero(classical)

	quantum, err := decapsulate(kp.KEMPrivate, kemCT)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrDecapsulation, err)
	}
	defer encryption.Zero(quantum)

	key, err := combineSecrets(classical, quantum, ephPub, kemCT)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrInvalidCiphertext, err)
	}
	defer encryption.Zero(key)

	pt, err := encryption.OpenGCM(key, sealed, aad)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrInvalidCiphertext, err)
	}
	return pt, nil
}

// combineSecrets 金鑰 = HKDF-SHA512(ss_x25519 ‖ ss_mlkem, salt=SHA256(eph ‖ kem_ct))
func combineSecrets(classical, quantum, ephPub, kemCT []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(classical)+len(quantum))
	ikm = append(ikm, classical...)
	ikm = append(ikm, quantum...)
	defer func() { encryption.Zero(ikm) }()

	h := sha256.New()
	h.Write(ephPub)
	h.Write(kemCT)
	return encryption.HKDF512(ikm, h.Sum(nil), []byte(labelHybrid), encryption.KeySize)
}

// PQCEncrypt 只使用 ML-KEM-768 的加密
func PQCEncrypt(kemPublic, plaintext, aad []byte) ([]byte, error) {
	const op = "pqc_encrypt"
	if len(kemPublic) != KEMPublicKeySize {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "ml-kem-768 key must be %d bytes", KEMPublicKeySize)
	}
	kemCT, ss, err := encapsulate(kemPublic)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	defer encryption.Zero(ss)

	salt := sha256.Sum256(kemCT)
	key, err := encryption.HKDF512(ss, salt[:], []byte(labelPQC), encryption.KeySize)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	defer encryption.Zero(key)

	sealed, err := encryption.SealGCM(key, plaintext, aad)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrTransient, err)
	}
	return append(kemCT, sealed...), nil
}

// PQCDecrypt 解密 PQCEncrypt 的輸出
func PQCDecrypt(kemPrivate, ciphertext, aad []byte) ([]byte, error) {
	const op = "pqc_decrypt"
	if len(ciphertext) < KEMCiphertextSize+minSealedPayloadSize {
		return nil, cryptoerr.New(op, cryptoerr.ErrInvalidCiphertext, "ciphertext is %d bytes", len(ciphertext))
	}
	kemCT := ciphertext[:KEMCiphertextSize]
	ss, err := decapsulate(kemPrivate, kemCT)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrDecapsulation, err)
	}
	defer encryption.Zero(ss)

	salt := sha256.Sum256(kemCT)
	key, err := encryption.HKDF512(ss, salt[:], []byte(labelPQC), encryption.KeySize)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrInvalidCiphertext, err)
	}
	defer encryption.Zero(key)

	pt, err := encryption.OpenGCM(key, ciphertext[KEMCiphertextSize:], aad)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrInvalidCiphertext, err)
	}
	return pt, nil
}

func encapsulate(kemPublic []byte) (ct, ss []byte, err error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(kemPublic)
	if err != nil {
		return nil, nil, err
	}
	return kemScheme.Encapsulate(pk)
}

func decapsulate(kemPrivate, ct []byte) ([]byte, error) {
	if len(kemPrivate) != KEMPrivateKeySize {
		return nil, cryptoerr.New("decapsulate", cryptoerr.ErrValidation, "ml-kem-768 private key must be %d bytes", KEMPrivateKeySize)
	}
	sk, err := kemScheme.UnmarshalBinaryPrivateKey(kemPrivate)
	if err != nil {
		return nil, err
	}
	return kemScheme.Decapsulate(sk, ct)
}

// PQCSign ML-DSA-65 簽名
func PQCSign(signPrivate, message []byte) ([]byte, error) {
	const op = "pqc_sign"
	if len(signPrivate) != SignPrivateKeySize {
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "ml-dsa-65 private key must be %d bytes", SignPrivateKeySize)
	}
	sk, err := signScheme.UnmarshalBinaryPrivateKey(signPrivate)
	if err != nil {
		return nil, cryptoerr.Wrap(op, cryptoerr.ErrValidation, err)
	}
	return signScheme.Sign(sk, message, nil), nil
}

// PQCVerify 驗證 ML-DSA-65 簽名
func PQCVerify(signPublic, message, signature []byte) bool {
	if len(signPublic) != SignPublicKeySize || len(signature) != SignatureSize {
		return false
	}
	pk, err := signScheme.UnmarshalBinaryPublicKey(signPublic)
	if err != nil {
		return false
	}
	return signScheme.Verify(pk, message, signature, nil)
}

// ToEnvelope 將混合密文包成傳輸層信封
func (c Ciphertext) ToEnvelope(senderUserID, senderDeviceID string) *encryption.Envelope {
	return &encryption.Envelope{
		Kind:           encryption.EnvelopeKindHybrid,
		Algorithm:      encryption.AlgorithmHybrid,
		SenderUserID:   senderUserID,
		SenderDeviceID: senderDeviceID,
		Ciphertext:     c,
	}
}

// CiphertextFromEnvelope 由傳輸層信封取出混合密文
func CiphertextFromEnvelope(env *encryption.Envelope) (Ciphertext, error) {
	if env == nil || env.Kind != encryption.EnvelopeKindHybrid || env.Algorithm != encryption.AlgorithmHybrid {
		return nil, cryptoerr.New("decode_envelope", cryptoerr.ErrValidation, "not a hybrid envelope")
	}
	return Ciphertext(env.Ciphertext), nil
}
