package e2ee

import (
	"context"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
	"e2ee-gateway/internal/security/hybrid"
	"e2ee-gateway/internal/storage"
)

// GenerateHybridKeys 為既有設備產生混合（X25519 + ML-KEM-768）金鑰
// 已存在時會被取代，新公鑰寫入透明日誌
func (m *Manager) GenerateHybridKeys(ctx context.Context, userID, deviceID string) (hybrid.PublicKey, error) {
	const op = "generate_hybrid_keys"
	if _, err := m.dir.DeviceIdentity(userID, deviceID); err != nil {
		return hybrid.PublicKey{}, err
	}
	kp, err := hybrid.GenerateKeyPair()
	if err != nil {
		return hybrid.PublicKey{}, err
	}

	id := storage.DeviceID(userID, deviceID)
	m.hybridMu.Lock()
	var oldKey *encryption.CryptoKey
	if prev, ok := m.hybridKeys[id]; ok {
		k := hybridLogKey(prev.Public)
		oldKey = &k
		prev.Wipe()
	}
	m.hybridKeys[id] = kp
	pub := kp.Public
	m.hybridMu.Unlock()

	newKey := hybridLogKey(pub)
	if _, err := m.ledger.LogKeyChange(ctx, userID, deviceID, op, oldKey, &newKey, "hybrid keys generated"); err != nil {
		return hybrid.PublicKey{}, err
	}
	m.persistLedger()
	m.persistHybrid(userID, deviceID)
	m.audit.LogKeyEvent(ctx, op, userID, deviceID, fingerprint(oldKey), newKey.Fingerprint(), "hybrid keys generated")
	return pub, nil
}

func hybridLogKey(pub hybrid.PublicKey) encryption.CryptoKey {
	material := make([]byte, 0, len(pub.X25519)+len(pub.KEM)+len(pub.Sign))
	material = append(material, pub.X25519...)
	material = append(material, pub.KEM...)
	material = append(material, pub.Sign...)
	return encryption.NewPublicKey(encryption.AlgorithmHybrid, material)
}

// HybridPublicKey 設備的混合公鑰
func (m *Manager) HybridPublicKey(userID, deviceID string) (hybrid.PublicKey, error) {
	m.hybridMu.RLock()
	defer m.hybridMu.RUnlock()
	kp, ok := m.hybridKeys[storage.DeviceID(userID, deviceID)]
	if !ok {
		return hybrid.PublicKey{}, cryptoerr.New("hybrid_public_key", cryptoerr.ErrUnknownDevice, "%s/%s has no hybrid keys", userID, deviceID)
	}
	return hybrid.PublicKey{
		X25519: encryption.Clone(kp.Public.X25519),
		KEM:    encryption.Clone(kp.Public.KEM),
		Sign:   encryption.Clone(kp.Public.Sign),
	}, nil
}

// hybridAAD 綁定發送與接收雙方
func hybridAAD(senderUserID, senderDeviceID, recipientUserID, recipientDeviceID string) []byte {
	return []byte("e2ee|hybrid|" + storage.DeviceID(senderUserID, senderDeviceID) + "|" + storage.DeviceID(recipientUserID, recipientDeviceID))
}

// HybridEncrypt 以接收端混合公鑰加密
func (m *Manager) HybridEncrypt(ctx context.Context, senderUserID, senderDeviceID, recipientUserID, recipientDeviceID string, plaintext []byte) (*encryption.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pub, err := m.HybridPublicKey(recipientUserID, recipientDeviceID)
	if err != nil {
		return nil, err
	}
	ct, err := hybrid.HybridEncrypt(pub, plaintext, hybridAAD(senderUserID, senderDeviceID, recipientUserID, recipientDeviceID))
	if err != nil {
		return nil, err
	}
	return ct.ToEnvelope(senderUserID, senderDeviceID), nil
}

// HybridDecrypt 以本地混合私鑰解密
func (m *Manager) HybridDecrypt(ctx context.Context, recipientUserID, recipientDeviceID string, env *encryption.Envelope) ([]byte, error) {
	const op = "hybrid_decrypt"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ct, err := hybrid.CiphertextFromEnvelope(env)
	if err != nil {
		return nil, err
	}
	m.hybridMu.RLock()
	defer m.hybridMu.RUnlock()
	kp, ok := m.hybridKeys[storage.DeviceID(recipientUserID, recipientDeviceID)]
	if !ok {
		return nil, cryptoerr.New(op, cryptoerr.ErrUnknownDevice, "%s/%s has no hybrid keys", recipientUserID, recipientDeviceID)
	}
	pt, err := hybrid.HybridDecrypt(kp, ct, hybridAAD(env.SenderUserID, env.SenderDeviceID, recipientUserID, recipientDeviceID))
	if err != nil {
		m.audit.LogCryptoFailure(ctx, op, recipientUserID, env.SenderUserID, err.Error())
		return nil, err
	}
	return pt, nil
}
