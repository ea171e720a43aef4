package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"time"

	"golang.org/x/crypto/curve25519"

	"e2ee-gateway/internal/platform/logger"
	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

// snapshot 在不持有任何會話鎖的情況下取得會話清單
func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RotateSessionKeys 以新的 X3DH 握手重建 ratchet 狀態
// 對端會話在本進程時立即完成握手；否則握手附帶在之後的訊息中
func (m *Manager) RotateSessionKeys(ctx context.Context, sessionID string) error {
	const op = "rotate_session_keys"
	s, err := m.get(op, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case StateClosed, StateUninitialized:
		return cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is %s", sessionID, state)
	case StateCompromised:
		return cryptoerr.New(op, cryptoerr.ErrSessionCompromised, "use recover_from_compromise for %s", sessionID)
	}
	return m.rehandshake(ctx, op, s)
}

// MarkSessionCompromised 標記會話洩漏，之後的發送會被拒絕直到重新握手
func (m *Manager) MarkSessionCompromised(ctx context.Context, sessionID, reason string) error {
	const op = "mark_session_compromised"
	s, err := m.get(op, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is closed", sessionID)
	}
	s.state = StateCompromised
	logger.Warning(ctx, "會話標記為已洩漏",
		logger.WithUserID(s.ownerUserID),
		logger.WithSessionID(s.id),
		logger.WithAction(op),
		logger.WithDetails(map[string]interface{}{"reason": reason}))
	return nil
}

// MarkDeviceSessionsCompromised 將涉及該設備的所有會話標記為洩漏，回傳會話 ID
func (m *Manager) MarkDeviceSessionsCompromised(ctx context.Context, userID, deviceID, reason string) []string {
	var marked []string
	for _, s := range m.snapshot() {
		s.mu.Lock()
		involved := (s.ownerUserID == userID && s.ownerDeviceID == deviceID) ||
			(s.peerUserID == userID && s.peerDeviceID == deviceID)
		if involved && s.state != StateClosed && s.state != StateCompromised {
			s.state = StateCompromised
			marked = append(marked, s.id)
		}
		s.mu.Unlock()
	}
	if len(marked) > 0 {
		logger.Warning(ctx, "設備洩漏已傳播到相關會話",
			logger.WithUserID(userID),
			logger.WithDeviceID(deviceID),
			logger.WithAction("mark_session_compromised"),
			logger.WithDetails(map[string]interface{}{"sessions": len(marked), "reason": reason}))
	}
	sort.Strings(marked)
	return marked
}

// RecoverFromCompromise 以新的握手恢復洩漏的會話：COMPROMISED → HANDSHAKING → ACTIVE
func (m *Manager) RecoverFromCompromise(ctx context.Context, sessionID string) error {
	const op = "recover_from_compromise"
	s, err := m.get(op, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateCompromised {
		return cryptoerr.New(op, cryptoerr.ErrValidation, "session %s is %s, not compromised", sessionID, state)
	}
	return m.rehandshake(ctx, op, s)
}

// rehandshake 本端成為初始者重新執行 X3DH
func (m *Manager) rehandshake(ctx context.Context, op string, s *Session) error {
	s.mu.Lock()
	ownerUser, ownerDevice := s.ownerUserID, s.ownerDeviceID
	peerUser, peerDevice := s.peerUserID, s.peerDeviceID
	peerSessionID := s.peerSessionID
	s.mu.Unlock()

	keys, err := m.startHandshake(ctx, op, ownerUser, ownerDevice, peerUser, peerDevice)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		keys.ratchet.wipe()
		return cryptoerr.New(op, cryptoerr.ErrUnknownSession, "%s is closed", s.id)
	}
	s.ratchet.wipe()
	s.ratchet = keys.ratchet
	s.role = RoleInitiator
	s.handshake = keys.handshake
	s.acceptedEK = nil
	s.ownerIdentity = keys.ownerIdentity
	s.peerIdentity = keys.peerIdentity
	s.ad = associatedData(keys.ownerIdentity, keys.peerIdentity)
	s.state = StateHandshaking
	s.lastUsed = m.clock()
	hs := keys.handshake.clone()
	s.mu.Unlock()

	m.mu.RLock()
	_, peerLocal := m.sessions[peerSessionID]
	m.mu.RUnlock()
	if peerLocal {
		if _, err := m.accept(ctx, op, peerUser, peerDevice, s.id, hs, true); err != nil {
			return err
		}
		s.mu.Lock()
		if s.handshake != nil && bytes.Equal(s.handshake.EphemeralKey, hs.EphemeralKey) {
			s.handshake = nil
			s.state = StateActive
		}
		s.mu.Unlock()
	}

	logger.Info(ctx, "會話密鑰已重新建立",
		logger.WithUserID(ownerUser),
		logger.WithSessionID(s.id),
		logger.WithAction(op))
	return nil
}

// CloseSession 關閉會話並清零密鑰
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	s, err := m.get("close_session", sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
	return nil
}

func (s *Session) close() {
	if s.state == StateClosed {
		return
	}
	s.ratchet.wipe()
	s.ratchet = nil
	s.handshake = nil
	s.state = StateClosed
}

// CloseAllSessions 關閉用戶擁有的所有會話，回傳關閉的數量
func (m *Manager) CloseAllSessions(ctx context.Context, userID string) int {
	closed := 0
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.ownerUserID == userID && s.state != StateClosed {
			s.close()
			closed++
		}
		s.mu.Unlock()
	}
	return closed
}

// GetSessionState 查詢會話狀態，不存在時為 UNINITIALIZED
func (m *Manager) GetSessionState(sessionID string) State {
	s, err := m.get("get_session_state", sessionID)
	if err != nil {
		return StateUninitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Describe 會話公開資訊
func (m *Manager) Describe(sessionID string) (*SessionInfo, error) {
	s, err := m.get("describe_session", sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

func (s *Session) info() *SessionInfo {
	return &SessionInfo{
		ID:               s.id,
		PeerSessionID:    s.peerSessionID,
		OwnerUserID:      s.ownerUserID,
		OwnerDeviceID:    s.ownerDeviceID,
		PeerUserID:       s.peerUserID,
		PeerDeviceID:     s.peerDeviceID,
		State:            s.state,
		Role:             s.role,
		CreatedAt:        s.createdAt,
		LastUsed:         s.lastUsed,
		MessagesSent:     s.sent,
		MessagesReceived: s.received,
		Fingerprint:      fingerprint(s.ownerIdentity, s.peerIdentity),
	}
}

// GetActiveSessions 用戶可發送訊息的會話（ACTIVE 或 HANDSHAKING）
func (m *Manager) GetActiveSessions(userID string) []string {
	var out []string
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.ownerUserID == userID && (s.state == StateActive || s.state == StateHandshaking) {
			out = append(out, s.id)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// GetSessionFingerprint 兩端一致的會話指紋
func (m *Manager) GetSessionFingerprint(sessionID string) (string, error) {
	s, err := m.get("get_session_fingerprint", sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fingerprint(s.ownerIdentity, s.peerIdentity), nil
}

// CompareFingerprints 常數時間比較會話指紋
func (m *Manager) CompareFingerprints(sessionID, other string) (bool, error) {
	fp, err := m.GetSessionFingerprint(sessionID)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(fp), []byte(other)) == 1, nil
}

func fingerprint(a, b []byte) string {
	keys := [][]byte{a, b}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	h := sha256.New()
	h.Write([]byte("e2ee|session-fingerprint"))
	for _, k := range keys {
		h.Write(k)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySessionIntegrity 檢查會話內部狀態一致，且雙方身份公鑰仍與密鑰目錄相符
func (m *Manager) VerifySessionIntegrity(sessionID string) (bool, error) {
	s, err := m.get("verify_session_integrity", sessionID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.state == StateClosed || s.ratchet == nil {
		s.mu.Unlock()
		return false, nil
	}
	st := s.ratchet
	ok := len(st.RootKey) == encryption.KeySize &&
		len(st.DHPriv) == encryption.KeySize &&
		len(st.PeerDHPub) == encryption.KeySize &&
		len(st.skipped) <= st.maxSkip &&
		len(st.skipped) == len(st.order)
	if ok {
		pub, err := curve25519.X25519(st.DHPriv, curve25519.Basepoint)
		ok = err == nil && bytes.Equal(pub, st.DHPub)
	}
	owner := [3][]byte{[]byte(s.ownerUserID), []byte(s.ownerDeviceID), encryption.Clone(s.ownerIdentity)}
	peer := [3][]byte{[]byte(s.peerUserID), []byte(s.peerDeviceID), encryption.Clone(s.peerIdentity)}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	for _, party := range [][3][]byte{owner, peer} {
		current, err := m.dir.DeviceIdentity(string(party[0]), string(party[1]))
		if err != nil {
			continue
		}
		if !bytes.Equal(current.Material, party[2]) {
			return false, nil
		}
	}
	return true, nil
}

// CleanupOldSessions 移除已關閉或閒置超過 maxIdle 的會話，回傳移除數量
func (m *Manager) CleanupOldSessions(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.clock().Add(-maxIdle)
	var stale []string
	for _, s := range m.snapshot() {
		s.mu.Lock()
		if s.state == StateClosed || s.lastUsed.Before(cutoff) {
			s.close()
			stale = append(stale, s.id)
		}
		s.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	for peer, local := range m.links {
		if _, ok := m.sessions[local]; !ok {
			delete(m.links, peer)
		}
	}
	m.mu.Unlock()

	logger.Info(ctx, "已清理閒置會話",
		logger.WithAction("cleanup_old_sessions"),
		logger.WithDetails(map[string]interface{}{"removed": len(stale)}))
	return len(stale)
}

// IDs 全部會話 ID（含已關閉但尚未清理的）
func (m *Manager) IDs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count 會話數量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats 依狀態統計
func (m *Manager) Stats() Stats {
	var st Stats
	for _, s := range m.snapshot() {
		s.mu.Lock()
		switch s.state {
		case StateHandshaking:
			st.Handshaking++
		case StateActive:
			st.Active++
		case StateCompromised:
			st.Compromised++
		case StateClosed:
			st.Closed++
		}
		s.mu.Unlock()
		st.Total++
	}
	return st
}
