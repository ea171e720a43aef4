package e2ee

import (
	"context"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/transparency"
)

// GenerateSafetyNumber 兩位用戶之間的安全碼，涵蓋雙方全部設備的身份公鑰
func (m *Manager) GenerateSafetyNumber(userID, otherUserID string) (string, error) {
	own, err := m.identityDigest(userID)
	if err != nil {
		return "", err
	}
	other, err := m.identityDigest(otherUserID)
	if err != nil {
		return "", err
	}
	return transparency.GenerateSafetyNumber(userID, own, otherUserID, other)
}

// GenerateQRPayload 供對方掃描的驗證字串
func (m *Manager) GenerateQRPayload(userID, otherUserID string) (string, error) {
	sn, err := m.GenerateSafetyNumber(userID, otherUserID)
	if err != nil {
		return "", err
	}
	return transparency.GenerateQRPayload(userID, otherUserID, sn), nil
}

// VerifyUserIdentity 核對安全碼或 QR 內容，一致時將關係升為 verified
func (m *Manager) VerifyUserIdentity(ctx context.Context, userID, otherUserID string, method transparency.VerificationMethod, provided string) (*transparency.TrustState, error) {
	const op = "verify_user_identity"
	expected, err := m.GenerateSafetyNumber(userID, otherUserID)
	if err != nil {
		return nil, err
	}
	var ok bool
	switch method {
	case transparency.VerifyQR:
		ok = transparency.VerifyQRPayload(provided, userID, otherUserID, expected)
	case transparency.VerifyBySafetyNumber, transparency.VerifyManual:
		ok = transparency.VerifySafetyNumber(expected, provided)
	default:
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "unsupported verification method %q", method)
	}
	if !ok {
		m.audit.LogCryptoFailure(ctx, op, userID, otherUserID, "safety number mismatch")
		return nil, cryptoerr.New(op, cryptoerr.ErrValidation, "safety number does not match")
	}
	return m.EstablishTrust(ctx, userID, otherUserID, transparency.TrustVerified, method)
}

// EstablishTrust 建立信任關係，指紋取自對方目前全部設備的身份金鑰
func (m *Manager) EstablishTrust(ctx context.Context, userID, trustedUserID string, level transparency.TrustLevel, method transparency.VerificationMethod) (*transparency.TrustState, error) {
	var fp string
	if set := m.identitySet(trustedUserID); len(set) > 0 {
		fp = transparency.IdentitySetFingerprint(set)
	}
	from := m.trust.GetTrustLevel(userID, trustedUserID)
	st, err := m.trust.EstablishTrust(ctx, userID, trustedUserID, level, method, fp)
	if err != nil {
		return nil, err
	}
	m.persistTrust()
	m.audit.LogTrustChange(ctx, userID, trustedUserID, string(from), string(level), string(method))
	return st, nil
}

// UpdateTrustLevel 調整信任等級
func (m *Manager) UpdateTrustLevel(ctx context.Context, userID, trustedUserID string, level transparency.TrustLevel) error {
	from := m.trust.GetTrustLevel(userID, trustedUserID)
	if err := m.trust.UpdateTrustLevel(ctx, userID, trustedUserID, level); err != nil {
		return err
	}
	m.persistTrust()
	m.audit.LogTrustChange(ctx, userID, trustedUserID, string(from), string(level), "")
	return nil
}

// ResetTrust 重設為 unverified（解除封鎖）
func (m *Manager) ResetTrust(ctx context.Context, userID, trustedUserID string) error {
	from := m.trust.GetTrustLevel(userID, trustedUserID)
	if err := m.trust.ResetTrust(ctx, userID, trustedUserID); err != nil {
		return err
	}
	m.persistTrust()
	m.audit.LogTrustChange(ctx, userID, trustedUserID, string(from), string(transparency.TrustUnverified), "reset")
	return nil
}

// GetTrustRelationships 用戶建立的全部信任關係
func (m *Manager) GetTrustRelationships(userID string) []transparency.TrustState {
	return m.trust.GetTrustRelationships(userID)
}
