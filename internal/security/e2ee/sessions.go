package e2ee

import (
	"context"
	"errors"
	"time"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/session"
)

// InitiateSession 發起 X3DH 會話
func (m *Manager) InitiateSession(ctx context.Context, senderID, recipientID, deviceID string) (string, error) {
	sid, err := m.sessions.InitiateSession(ctx, senderID, recipientID, deviceID)
	if err != nil {
		return "", err
	}
	m.persistSession(sid)
	m.audit.LogSessionEvent(ctx, "initiate", sid, senderID, recipientID)
	return sid, nil
}

// AcceptSession 接收端完成握手，回傳接收端的會話 ID
func (m *Manager) AcceptSession(ctx context.Context, sessionID, recipientID, senderID string) (string, error) {
	rid, err := m.sessions.AcceptSession(ctx, sessionID, recipientID, senderID)
	if err != nil {
		return "", err
	}
	m.persistSession(sessionID)
	m.persistSession(rid)
	m.audit.LogSessionEvent(ctx, "accept", rid, recipientID, senderID)
	return rid, nil
}

// AcceptHandshake 以訊息攜帶的握手建立接收端會話
func (m *Manager) AcceptHandshake(ctx context.Context, recipientID, deviceID, peerSessionID string, hs *session.Handshake) (string, error) {
	rid, err := m.sessions.AcceptHandshake(ctx, recipientID, deviceID, peerSessionID, hs)
	if err != nil {
		return "", err
	}
	m.persistSession(rid)
	m.audit.LogSessionEvent(ctx, "accept", rid, recipientID, hs.SenderUserID)
	return rid, nil
}

// EncryptMessage 加密並推進發送鏈
func (m *Manager) EncryptMessage(ctx context.Context, sessionID string, plaintext []byte) (*session.EncryptedMessage, error) {
	msg, err := m.sessions.EncryptMessage(ctx, sessionID, plaintext)
	if err != nil {
		return nil, err
	}
	m.persistSession(sessionID)
	return msg, nil
}

// DecryptMessage 解密；重放與格式錯誤會寫入審計
func (m *Manager) DecryptMessage(ctx context.Context, sessionID string, msg *session.EncryptedMessage) ([]byte, error) {
	pt, err := m.sessions.DecryptMessage(ctx, sessionID, msg)
	if err != nil {
		if errors.Is(err, cryptoerr.ErrReplay) || errors.Is(err, cryptoerr.ErrMalformedMessage) {
			var sender string
			if msg != nil {
				sender = msg.SenderUserID
			}
			m.audit.LogCryptoFailure(ctx, "decrypt_message", sender, sessionID, err.Error())
		}
		return nil, err
	}
	m.persistSession(sessionID)
	return pt, nil
}

// CloseSession 關閉會話
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	info, err := m.sessions.Describe(sessionID)
	if err != nil {
		return err
	}
	if err := m.sessions.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	m.persistSession(sessionID)
	m.audit.LogSessionEvent(ctx, "close", sessionID, info.OwnerUserID, info.PeerUserID)
	return nil
}

// CloseAllSessions 關閉用戶擁有的全部會話
func (m *Manager) CloseAllSessions(ctx context.Context, userID string) int {
	var owned []string
	for _, id := range m.sessions.IDs() {
		if info, err := m.sessions.Describe(id); err == nil && info.OwnerUserID == userID && info.State != session.StateClosed {
			owned = append(owned, id)
		}
	}
	n := m.sessions.CloseAllSessions(ctx, userID)
	for _, id := range owned {
		m.persistSession(id)
	}
	if n > 0 {
		m.audit.LogSessionEvent(ctx, "close_all", "", userID, "")
	}
	return n
}

// RotateSessionKeys 以新握手重建會話
func (m *Manager) RotateSessionKeys(ctx context.Context, sessionID string) error {
	if err := m.sessions.RotateSessionKeys(ctx, sessionID); err != nil {
		return err
	}
	m.persistSessionPair(ctx, "rotate", sessionID)
	return nil
}

// MarkSessionCompromised 標記會話洩漏
func (m *Manager) MarkSessionCompromised(ctx context.Context, sessionID, reason string) error {
	if err := m.sessions.MarkSessionCompromised(ctx, sessionID, reason); err != nil {
		return err
	}
	m.persistSessionPair(ctx, "compromise", sessionID)
	return nil
}

// RecoverFromCompromise 以新握手恢復洩漏的會話
func (m *Manager) RecoverFromCompromise(ctx context.Context, sessionID string) error {
	if err := m.sessions.RecoverFromCompromise(ctx, sessionID); err != nil {
		return err
	}
	m.persistSessionPair(ctx, "recover", sessionID)
	return nil
}

// persistSessionPair 寫出會話與本進程中的對端會話
func (m *Manager) persistSessionPair(ctx context.Context, action, sessionID string) {
	m.persistSession(sessionID)
	info, err := m.sessions.Describe(sessionID)
	if err != nil {
		return
	}
	m.persistSession(info.PeerSessionID)
	m.audit.LogSessionEvent(ctx, action, sessionID, info.OwnerUserID, info.PeerUserID)
}

// GetSessionInfo 會話描述
func (m *Manager) GetSessionInfo(sessionID string) (*session.SessionInfo, error) {
	return m.sessions.Describe(sessionID)
}

// GetActiveSessions 用戶可發送訊息的會話
func (m *Manager) GetActiveSessions(userID string) []string {
	return m.sessions.GetActiveSessions(userID)
}

// VerifySession 會話指紋與完整性檢查
func (m *Manager) VerifySession(sessionID string) (string, bool, error) {
	fp, err := m.sessions.GetSessionFingerprint(sessionID)
	if err != nil {
		return "", false, err
	}
	ok, err := m.sessions.VerifySessionIntegrity(sessionID)
	if err != nil {
		return fp, false, err
	}
	return fp, ok, nil
}

// ExportSessionInfo 匯出會話（封裝後可攜帶）
func (m *Manager) ExportSessionInfo(sessionID string) ([]byte, error) {
	return m.sessions.ExportSessionInfo(sessionID)
}

// ImportSessionInfo 匯入會話
func (m *Manager) ImportSessionInfo(ctx context.Context, data []byte) (string, error) {
	sid, err := m.sessions.ImportSessionInfo(ctx, data)
	if err != nil {
		return "", err
	}
	m.persistSession(sid)
	m.audit.LogSessionEvent(ctx, "import", sid, "", "")
	return sid, nil
}

// CleanupOldSessions 移除閒置超過 maxIdle 的會話
func (m *Manager) CleanupOldSessions(ctx context.Context, maxIdle time.Duration) int {
	before := m.sessions.IDs()
	removed := m.sessions.CleanupOldSessions(ctx, maxIdle)
	if removed == 0 {
		return 0
	}
	alive := make(map[string]struct{}, len(before))
	for _, id := range m.sessions.IDs() {
		alive[id] = struct{}{}
	}
	for _, id := range before {
		if _, ok := alive[id]; !ok {
			m.persistSession(id)
		}
	}
	return removed
}
